// Package nodepool holds, per chain, the set of connected RPC clients and
// provides cross-node failover for the rest of the indexer: the same
// operation can be tried against a prioritized list of nodes until one
// succeeds, without the caller knowing node endpoints exist.
package nodepool

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/kusama-tools/substrate-indexer/internal/chain"
	"github.com/kusama-tools/substrate-indexer/internal/substrate"
	"github.com/kusama-tools/substrate-indexer/pkg/logging"
)

// Client is the subset of *substrate.Client the pool depends on; declared as
// an interface so tests can substitute fakes without a live node.
type Client interface {
	Endpoint() string
	ChainID() (string, error)
	ChainProperties() (substrate.ChainProperties, error)
	HeadBlockNumber() (uint64, error)
	BlockExtrinsics(ctx context.Context, n uint64) (string, []substrate.Extrinsic, error)
	ExtrinsicReceipt(ctx context.Context, blockHashHex, extrinsicHashHex string) (uint32, *big.Int, error)
}

// entry pairs a connected client with its failover priority: the operator
// node sorts first regardless of weight, everything else sorts by
// descending weight (most recently observed head height).
type entry struct {
	client     Client
	isOperator bool
	weight     uint64
}

// Pool holds the connected nodes for a single chain and serializes the
// bookkeeping needed to reorder them by weight.
type Pool struct {
	chain chain.Chain
	log   *logging.Logger

	httpClient *http.Client

	mu      sync.RWMutex
	entries []entry
}

// New creates an empty pool for c. httpClient is used for the explorer
// lag-check request; pass nil to get a new http.Client with a 10s timeout.
func New(c chain.Chain, httpClient *http.Client) *Pool {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Pool{
		chain:      c,
		log:        logging.GetDefault().Component("nodepool").With("chain", c.Name),
		httpClient: httpClient,
	}
}

// Register connects to endpoint, verifies it serves the pool's chain, checks
// it against the explorer's reported head height, and adds it to the pool.
// A chain-id mismatch is fatal (the caller almost certainly misconfigured
// the node url); an unreachable explorer or an excessive block lag only
// produces a warning log, per the "can't verify lag, keep going" behavior
// the node pool inherits from its reference design.
func (p *Pool) Register(ctx context.Context, endpoint string, isOperator bool) error {
	client, err := substrate.Connect(endpoint, p.chain.TypeRegistryPreset)
	if err != nil {
		return err
	}
	return p.AddClient(ctx, client, isOperator)
}

// AddClient registers an already-connected Client with the pool, running
// the same chain-id verification and lag check as Register. Exposed
// directly so callers that construct a Client another way (or tests, with a
// fake Client) can populate a Pool without a live dial.
func (p *Pool) AddClient(ctx context.Context, client Client, isOperator bool) error {
	id, err := client.ChainID()
	if err != nil {
		return err
	}
	if id != p.chain.Name {
		return fmt.Errorf("node %s serves chain %q, expected %q", client.Endpoint(), id, p.chain.Name)
	}

	head, err := client.HeadBlockNumber()
	if err != nil {
		return err
	}

	p.checkLag(ctx, client.Endpoint(), head)

	p.mu.Lock()
	p.entries = append(p.entries, entry{client: client, isOperator: isOperator, weight: head})
	p.reorderLocked()
	p.mu.Unlock()

	p.log.Info("node registered", "endpoint", client.Endpoint(), "operator", isOperator, "head", head)
	return nil
}

type explorerMetadata struct {
	BlockNum uint64 `json:"blockNum"`
}

// checkLag compares head against the explorer's reported chain height and
// logs a warning if the difference exceeds the chain's configured
// threshold. It never returns an error: the caller proceeds either way.
func (p *Pool) checkLag(ctx context.Context, endpoint string, head uint64) {
	if p.chain.ExplorerBase == "" {
		return
	}

	url := p.chain.ExplorerBase + "/scan/metadata"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		p.log.Warn("could not build explorer lag-check request", "error", err)
		return
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		p.log.Warn("explorer unreachable, skipping lag check", "endpoint", endpoint, "error", err)
		return
	}
	defer resp.Body.Close()

	var meta explorerMetadata
	if err := json.NewDecoder(resp.Body).Decode(&meta); err != nil {
		p.log.Warn("explorer returned malformed metadata, skipping lag check", "endpoint", endpoint, "error", err)
		return
	}

	if meta.BlockNum > head && meta.BlockNum-head > p.chain.BlockLagThreshold {
		p.log.Warn("node is behind the explorer-reported head",
			"endpoint", endpoint, "node_head", head, "explorer_head", meta.BlockNum, "threshold", p.chain.BlockLagThreshold)
	}
}

// reorderLocked sorts entries operator-first, then by descending weight.
// Caller must hold p.mu.
func (p *Pool) reorderLocked() {
	sort.SliceStable(p.entries, func(i, j int) bool {
		if p.entries[i].isOperator != p.entries[j].isOperator {
			return p.entries[i].isOperator
		}
		return p.entries[i].weight > p.entries[j].weight
	})
}

// UpdateWeight records a node's latest observed head height and re-sorts
// the pool's failover order around it.
func (p *Pool) UpdateWeight(endpoint string, head uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.entries {
		if p.entries[i].client.Endpoint() == endpoint {
			p.entries[i].weight = head
			break
		}
	}
	p.reorderLocked()
}

// Len returns the number of registered nodes.
func (p *Pool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.entries)
}

// ChainProperties returns the chain's ss58 format, token symbol and
// decimals, fetched through failover against the pool's nodes.
func (p *Pool) ChainProperties() (substrate.ChainProperties, error) {
	return WithFailover(p, func(c Client) (substrate.ChainProperties, error) {
		return c.ChainProperties()
	})
}

// Chain returns the chain binding this pool was created for.
func (p *Pool) Chain() chain.Chain { return p.chain }

func (p *Pool) snapshot() []entry {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]entry, len(p.entries))
	copy(out, p.entries)
	return out
}

// FailoverError aggregates the per-endpoint errors from a WithFailover call
// where every node failed.
type FailoverError struct {
	Attempts map[string]error
}

func (e *FailoverError) Error() string {
	return fmt.Sprintf("all %d node(s) failed", len(e.Attempts))
}

// WithFailover calls op against the pool's nodes in priority order,
// returning the first successful result. An error that substrate.IsTransient
// accepts (RemoteUnavailable, Timeout, RemoteRejected) moves on to the next
// node; any other error (MalformedResponse, ConfigInvalid) is returned
// immediately without trying further nodes, matching the policy that decode
// errors are never retried.
func WithFailover[T any](p *Pool, op func(Client) (T, error)) (T, error) {
	var zero T
	entries := p.snapshot()
	if len(entries) == 0 {
		return zero, fmt.Errorf("nodepool: no nodes registered for chain %s", p.chain.Name)
	}

	attempts := make(map[string]error, len(entries))
	for _, e := range entries {
		result, err := op(e.client)
		if err == nil {
			return result, nil
		}
		attempts[e.client.Endpoint()] = err
		if !substrate.IsTransient(err) {
			return zero, err
		}
	}
	return zero, &FailoverError{Attempts: attempts}
}
