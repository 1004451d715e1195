package indexer

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/kusama-tools/substrate-indexer/internal/address"
	"github.com/kusama-tools/substrate-indexer/internal/chain"
	"github.com/kusama-tools/substrate-indexer/internal/nodepool"
	"github.com/kusama-tools/substrate-indexer/internal/queue"
	"github.com/kusama-tools/substrate-indexer/internal/substrate"
)

type fakeChainClient struct {
	endpoint string
	head     uint64
	blocks   map[uint64][]substrate.Extrinsic
}

func (f *fakeChainClient) Endpoint() string { return f.endpoint }
func (f *fakeChainClient) ChainID() (string, error) { return "Kusama", nil }
func (f *fakeChainClient) ChainProperties() (substrate.ChainProperties, error) {
	return substrate.ChainProperties{SS58Format: 2, TokenSymbol: "KSM", TokenDecimals: 12}, nil
}
func (f *fakeChainClient) HeadBlockNumber() (uint64, error) { return f.head, nil }
func (f *fakeChainClient) BlockExtrinsics(ctx context.Context, n uint64) (string, []substrate.Extrinsic, error) {
	exts, ok := f.blocks[n]
	if !ok {
		return "", nil, &substrate.MalformedResponse{Endpoint: f.endpoint, Detail: "unknown block"}
	}
	return "0xblock", exts, nil
}
func (f *fakeChainClient) ExtrinsicReceipt(ctx context.Context, blockHashHex, extrinsicHashHex string) (uint32, *big.Int, error) {
	return 0, big.NewInt(0), nil
}

func timestampInherent(millis uint64) substrate.Extrinsic {
	return substrate.Extrinsic{CallModule: "Timestamp", CallFunction: "set", IsTimestampSet: true, TimestampMillis: millis, ContainsTransaction: false}
}

func buildPool(t *testing.T, blocks map[uint64][]substrate.Extrinsic, head uint64) *nodepool.Pool {
	t.Helper()
	c, ok := chain.Get(chain.Kusama)
	if !ok {
		t.Fatal("Kusama chain not registered")
	}
	c.ExplorerBase = ""
	pool := nodepool.New(c, nil)
	client := &fakeChainClient{endpoint: "wss://fake", head: head, blocks: blocks}
	if err := pool.AddClient(context.Background(), client, false); err != nil {
		t.Fatalf("AddClient() error = %v", err)
	}
	return pool
}

func targetAddress(t *testing.T) (string, string) {
	t.Helper()
	c, _ := chain.Get(chain.Kusama)
	var pk address.PublicKey
	for i := range pk {
		pk[i] = byte(i + 1)
	}
	addr, err := address.AddressFromPublicKey(c, pk)
	if err != nil {
		t.Fatalf("AddressFromPublicKey() error = %v", err)
	}
	return addr, pk.Hex()
}

func TestIndexerEnqueuesOnlyMatchingBlocks(t *testing.T) {
	c, _ := chain.Get(chain.Kusama)
	c.ExplorerBase = ""
	addr, pkHex := targetAddress(t)

	blocks := map[uint64][]substrate.Extrinsic{
		100: {timestampInherent(1_700_000_000_000)},
		101: {
			timestampInherent(1_700_000_006_000),
			{Hash: "0xmatch", Signer: pkHex, ContainsTransaction: true, CallModule: "Balances", CallFunction: "transfer"},
		},
		102: {timestampInherent(1_700_000_012_000)},
	}
	pool := buildPool(t, blocks, 102)

	q := queue.New(queue.Config{NMin: 1, NMax: 10})
	idx, err := New(1, c, addr, 100, q, pool)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- idx.Run(ctx) }()

	batch, err := q.PopBatch(ctx)
	if err != nil {
		t.Fatalf("PopBatch() error = %v", err)
	}
	cancel()
	<-done

	if len(batch) != 1 {
		t.Fatalf("PopBatch() = %d items, want 1", len(batch))
	}
	if batch[0].BlockNumber != 101 {
		t.Errorf("matched block = %d, want 101", batch[0].BlockNumber)
	}
	if len(batch[0].Extrinsics) != 1 || batch[0].Extrinsics[0].Hash != "0xmatch" {
		t.Errorf("matched extrinsics = %+v, want one with hash 0xmatch", batch[0].Extrinsics)
	}
	if batch[0].BlockTimestamp != 1_700_000_006 {
		t.Errorf("block timestamp = %d, want 1700000006", batch[0].BlockTimestamp)
	}
}

func TestIndexerIgnoresUnsignedAndForeignSigner(t *testing.T) {
	c, _ := chain.Get(chain.Kusama)
	c.ExplorerBase = ""
	addr, pkHex := targetAddress(t)
	_ = pkHex

	blocks := map[uint64][]substrate.Extrinsic{
		200: {
			timestampInherent(1_700_000_000_000),
			{Hash: "0xother", Signer: "0xnotus", ContainsTransaction: true},
			{Hash: "", Signer: pkHex, ContainsTransaction: true},
		},
	}
	pool := buildPool(t, blocks, 200)

	q := queue.New(queue.Config{NMin: 1, NMax: 10})
	idx, err := New(1, c, addr, 200, q, pool)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	item, err := idx.processBlock(context.Background())
	if err != nil {
		t.Fatalf("processBlock() error = %v", err)
	}
	if item != nil {
		t.Errorf("processBlock() = %+v, want nil (no matching extrinsics)", item)
	}
}

func TestIndexerRejectsZeroStartBlock(t *testing.T) {
	c, _ := chain.Get(chain.Kusama)
	addr, _ := targetAddress(t)
	q := queue.New(queue.DefaultConfig())
	pool := nodepool.New(c, nil)

	if _, err := New(1, c, addr, 0, q, pool); err == nil {
		t.Error("New() error = nil, want error for start block 0")
	}
}

func TestIndexerSleepsPastHead(t *testing.T) {
	c, _ := chain.Get(chain.Kusama)
	c.ExplorerBase = ""
	addr, _ := targetAddress(t)

	pool := buildPool(t, map[uint64][]substrate.Extrinsic{}, 5)
	q := queue.New(queue.DefaultConfig())

	idx, err := New(1, c, addr, 10, q, pool)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := idx.Run(ctx); err != nil {
		t.Fatalf("Run() error = %v, want nil on context timeout past head", err)
	}
}
