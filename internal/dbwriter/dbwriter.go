package dbwriter

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/kusama-tools/substrate-indexer/internal/nodepool"
	"github.com/kusama-tools/substrate-indexer/internal/queue"
	"github.com/kusama-tools/substrate-indexer/internal/substrate"
	"github.com/kusama-tools/substrate-indexer/pkg/logging"
)

// RequestReceiptDataTimes is the number of same-pool retries a receipt
// lookup gets before the batch fails.
const RequestReceiptDataTimes = 2

// Config sizes the writer's retry behavior.
type Config struct {
	// SleepInterval is how long the writer waits before retrying a batch
	// whose first attempt failed. Waiting for the queue to reach NMin items
	// is done by queue.PopBatch, which blocks rather than polls.
	SleepInterval time.Duration

	// ReceiptRetryTimes bounds same-pool retries for a receipt fetch.
	// Zero falls back to RequestReceiptDataTimes.
	ReceiptRetryTimes int
}

// DefaultConfig returns the default retry delay and receipt retry count.
func DefaultConfig() Config {
	return Config{SleepInterval: 5 * time.Second, ReceiptRetryTimes: RequestReceiptDataTimes}
}

func (c Config) receiptRetryTimes() int {
	if c.ReceiptRetryTimes > 0 {
		return c.ReceiptRetryTimes
	}
	return RequestReceiptDataTimes
}

// Writer drains one chain's queue into its Store, enriching each extrinsic
// with receipt data (index, fee) fetched through the chain's node pool.
type Writer struct {
	chainName string
	chainID   int
	decimals  uint8

	queue *queue.Queue
	pool  *nodepool.Pool
	store *Store
	cfg   Config
	log   *logging.Logger

	name string
}

// New creates a Writer for one chain. decimals is the native token's
// decimal places, used to render fee_minor as an exact decimal string.
func New(instanceID int, chainName string, chainID int, decimals uint8, q *queue.Queue, pool *nodepool.Pool, store *Store, cfg Config) *Writer {
	name := fmt.Sprintf("dbwriter_%d_%s", instanceID, chainName)
	return &Writer{
		chainName: chainName,
		chainID:   chainID,
		decimals:  decimals,
		queue:     q,
		pool:      pool,
		store:     store,
		cfg:       cfg,
		log:       logging.GetDefault().Component("dbwriter").With("name", name),
		name:      name,
	}
}

// Run drains the queue until ctx is cancelled or the queue is closed. The
// blocking-until-N_min wait lives inside queue.PopBatch; Run only adds the
// one-retry-then-surface policy for a batch whose commit failed.
// Callers run this in its own goroutine.
func (w *Writer) Run(ctx context.Context) error {
	w.log.Info("dbwriter started")
	for {
		batch, err := w.queue.PopBatch(ctx)
		if err != nil {
			if err == queue.ErrClosed || ctx.Err() != nil {
				w.log.Info("dbwriter stopping", "reason", err)
				return nil
			}
			return err
		}
		if len(batch) == 0 {
			continue
		}

		if err := w.processBatch(ctx, batch); err != nil {
			w.log.Warn("batch failed, retrying once", "error", err, "items", len(batch))
			select {
			case <-ctx.Done():
				w.queue.Requeue(batch)
				return nil
			case <-time.After(w.cfg.SleepInterval):
			}
			if err := w.processBatch(ctx, batch); err != nil {
				w.log.Error("batch failed after retry, requeuing", "error", err, "items", len(batch))
				w.queue.Requeue(batch)
				return err
			}
		}
	}
}

func (w *Writer) processBatch(ctx context.Context, batch []queue.AddressBlockExtrinsics) error {
	var persisted []PersistedExtrinsic
	ranges := make(map[string][2]int64)

	for _, item := range batch {
		for _, ext := range item.Extrinsics {
			index, feeMinor, err := w.fetchReceipt(ctx, item.BlockHash, ext.Hash)
			if err != nil {
				return fmt.Errorf("%s: receipt for %s: %w", w.name, ext.Hash, err)
			}

			paramsJSON, err := substrate.CanonicalJSON(ext.Params)
			if err != nil {
				return fmt.Errorf("%s: canonical params for %s: %w", w.name, ext.Hash, err)
			}

			persisted = append(persisted, PersistedExtrinsic{
				ChainID:        w.chainName,
				BlockNumber:    item.BlockNumber,
				BlockHash:      item.BlockHash,
				BlockTimestamp: item.BlockTimestamp,
				ExtrinsicIndex: index,
				ExtrinsicHash:  ext.Hash,
				CallModule:     ext.CallModule,
				CallFunction:   ext.CallFunction,
				ParamsJSON:     paramsJSON,
				AccountID:      item.PublicKeyHex,
				Address:        item.Address,
				Nonce:          ext.Nonce,
				Fee:            formatFee(feeMinor, w.decimals),
			})
		}

		r, ok := ranges[item.Address]
		if !ok {
			ranges[item.Address] = [2]int64{item.BlockTimestamp, item.BlockTimestamp}
			continue
		}
		if item.BlockTimestamp < r[0] {
			r[0] = item.BlockTimestamp
		}
		if item.BlockTimestamp > r[1] {
			r[1] = item.BlockTimestamp
		}
		ranges[item.Address] = r
	}

	if len(persisted) == 0 {
		return nil
	}

	if err := w.store.InsertBatch(persisted, ranges); err != nil {
		return err
	}
	w.log.Debug("committed batch", "extrinsics", len(persisted), "addresses", len(ranges))
	return nil
}

func (w *Writer) fetchReceipt(ctx context.Context, blockHash, extrinsicHash string) (uint32, *big.Int, error) {
	var lastErr error
	retryTimes := w.cfg.receiptRetryTimes()
	for attempt := 0; attempt <= retryTimes; attempt++ {
		index, fee, err := nodepool.WithFailover(w.pool, func(c nodepool.Client) (receiptResult, error) {
			idx, fee, err := c.ExtrinsicReceipt(ctx, blockHash, extrinsicHash)
			return receiptResult{index: idx, fee: fee}, err
		})
		if err == nil {
			return index.index, index.fee, nil
		}
		lastErr = err
		if !substrate.IsTransient(err) {
			return 0, nil, err
		}
	}
	return 0, nil, fmt.Errorf("exhausted %d retries: %w", retryTimes, lastErr)
}

type receiptResult struct {
	index uint32
	fee   *big.Int
}

// formatFee renders feeMinor / 10^decimals as a decimal string using exact
// rational arithmetic, never float64, then trims trailing fractional zeros
// down to at least one digit (10_000_000_000 minor at 12 decimals is "0.01",
// not "0.010000000000").
func formatFee(feeMinor *big.Int, decimals uint8) string {
	denom := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	rat := new(big.Rat).SetFrac(feeMinor, denom)
	s := rat.FloatString(int(decimals))

	dot := strings.IndexByte(s, '.')
	if dot == -1 {
		return s
	}
	end := len(s)
	for end > dot+2 && s[end-1] == '0' {
		end--
	}
	return s[:end]
}
