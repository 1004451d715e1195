// Package indexer implements the per-(chain, address) block-walking loop:
// fetch a block, pull out the timestamp inherent and any extrinsics signed
// by the tracked address, and enqueue matches for the chain's DB Writer.
package indexer

import (
	"context"
	"fmt"
	"time"

	"github.com/kusama-tools/substrate-indexer/internal/address"
	"github.com/kusama-tools/substrate-indexer/internal/chain"
	"github.com/kusama-tools/substrate-indexer/internal/nodepool"
	"github.com/kusama-tools/substrate-indexer/internal/queue"
	"github.com/kusama-tools/substrate-indexer/internal/substrate"
	"github.com/kusama-tools/substrate-indexer/pkg/logging"
)

// RequestBlockRetryTimes is the number of same-node retries a block fetch
// gets, through the node pool, before the loop fails fatally.
const RequestBlockRetryTimes = 2

// LogCurrentBlockNumberEvery controls how often the current cursor is
// logged at debug level, purely for observability.
const LogCurrentBlockNumberEvery = 1000

// CatchUpPollInterval is how long the indexer sleeps once its cursor has
// caught up with the chain head, before re-checking the head.
const CatchUpPollInterval = 6 * time.Second

// ErrMalformedBlock is returned when a block's first extrinsic is not a
// decodable timestamp inherent.
type ErrMalformedBlock struct {
	BlockNumber uint64
	Detail      string
}

func (e *ErrMalformedBlock) Error() string {
	return fmt.Sprintf("block %d: malformed: %s", e.BlockNumber, e.Detail)
}

// Indexer walks a chain from a starting block, enqueuing every block where
// the tracked address appears as a signer.
type Indexer struct {
	name string

	chain        chain.Chain
	address      string
	publicKey    address.PublicKey
	publicKeyHex string
	cursor       uint64

	queue      *queue.Queue
	pool       *nodepool.Pool
	retryTimes int
	log        *logging.Logger
}

// New validates address against chain's SS58 format, derives its public
// key, and constructs an Indexer starting at startBlock.
func New(instanceID int, c chain.Chain, addr string, startBlock uint64, q *queue.Queue, pool *nodepool.Pool) (*Indexer, error) {
	if startBlock == 0 {
		return nil, fmt.Errorf("indexer: start block must be > 0")
	}

	pk, err := address.PublicKeyFromAddress(c, addr)
	if err != nil {
		return nil, fmt.Errorf("indexer: %w", err)
	}

	name := fmt.Sprintf("indexer_%d_%s", instanceID, c.Name)
	return &Indexer{
		name:         name,
		chain:        c,
		address:      addr,
		publicKey:    pk,
		publicKeyHex: pk.Hex(),
		cursor:       startBlock,
		queue:        q,
		pool:         pool,
		retryTimes:   RequestBlockRetryTimes,
		log:          logging.GetDefault().Component("indexer").With("name", name),
	}, nil
}

// SetRetryTimes overrides the number of same-node retries a block fetch
// gets before the loop fails fatally. n <= 0 is ignored, leaving the
// package default in place.
func (idx *Indexer) SetRetryTimes(n int) {
	if n > 0 {
		idx.retryTimes = n
	}
}

// Run walks the chain from the indexer's cursor until ctx is cancelled. On
// a fatal error it returns it; partial items already queued remain valid.
func (idx *Indexer) Run(ctx context.Context) error {
	idx.log.Debug("indexer starting", "cursor", idx.cursor)

	for {
		select {
		case <-ctx.Done():
			idx.log.Info("indexer stopping", "reason", ctx.Err(), "cursor", idx.cursor)
			return nil
		default:
		}

		head, err := nodepool.WithFailover(idx.pool, func(c nodepool.Client) (uint64, error) {
			return c.HeadBlockNumber()
		})
		if err != nil {
			return fmt.Errorf("%s: fetch head: %w", idx.name, err)
		}

		if idx.cursor > head {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(CatchUpPollInterval):
			}
			continue
		}

		if idx.cursor%LogCurrentBlockNumberEvery == 0 {
			idx.log.Debug("requesting block", "block", idx.cursor)
		}

		item, err := idx.processBlock(ctx)
		if err != nil {
			return err
		}
		if item != nil {
			if err := idx.queue.Push(ctx, *item); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("%s: push block %d: %w", idx.name, idx.cursor, err)
			}
		}

		idx.cursor++
	}
}

func (idx *Indexer) processBlock(ctx context.Context) (*queue.AddressBlockExtrinsics, error) {
	blockNumber := idx.cursor

	blockHash, extrinsics, err := idx.fetchBlockWithRetry(ctx, blockNumber)
	if err != nil {
		return nil, fmt.Errorf("%s: block %d: %w", idx.name, blockNumber, err)
	}

	if len(extrinsics) == 0 {
		return nil, &ErrMalformedBlock{BlockNumber: blockNumber, Detail: "no extrinsics, expected leading timestamp inherent"}
	}

	inherent := extrinsics[0]
	if !inherent.IsTimestampSet {
		return nil, &ErrMalformedBlock{BlockNumber: blockNumber, Detail: "first extrinsic is not the timestamp inherent"}
	}
	blockTimestampMillis := inherent.TimestampMillis

	var matches []queue.RawExtrinsic
	for _, ext := range extrinsics[1:] {
		if ext.Hash == "" || !ext.ContainsTransaction {
			continue
		}
		if ext.Signer != idx.publicKeyHex {
			continue
		}
		matches = append(matches, queue.RawExtrinsic{
			Hash:         ext.Hash,
			CallModule:   ext.CallModule,
			CallFunction: ext.CallFunction,
			Params:       ext.Params,
			Nonce:        ext.Nonce,
		})
	}

	if len(matches) == 0 {
		return nil, nil
	}

	return &queue.AddressBlockExtrinsics{
		ChainID:        int(idx.chain.ID),
		Address:        idx.address,
		PublicKeyHex:   idx.publicKeyHex,
		BlockNumber:    blockNumber,
		BlockHash:      blockHash,
		BlockTimestamp: int64(blockTimestampMillis / 1000),
		Extrinsics:     matches,
	}, nil
}

func (idx *Indexer) fetchBlockWithRetry(ctx context.Context, blockNumber uint64) (string, []substrate.Extrinsic, error) {
	var lastErr error
	for attempt := 0; attempt <= idx.retryTimes; attempt++ {
		result, err := nodepool.WithFailover(idx.pool, func(c nodepool.Client) (blockResult, error) {
			hash, exts, err := c.BlockExtrinsics(ctx, blockNumber)
			return blockResult{hash: hash, extrinsics: exts}, err
		})
		if err == nil {
			return result.hash, result.extrinsics, nil
		}
		lastErr = err
		if !substrate.IsTransient(err) {
			return "", nil, err
		}
	}
	return "", nil, fmt.Errorf("exhausted %d retries: %w", idx.retryTimes, lastErr)
}

type blockResult struct {
	hash       string
	extrinsics []substrate.Extrinsic
}
