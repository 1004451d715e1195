package sessionmgr

import (
	"context"
	"testing"

	"github.com/kusama-tools/substrate-indexer/internal/chain"
	"github.com/kusama-tools/substrate-indexer/internal/dbwriter"
	"github.com/kusama-tools/substrate-indexer/internal/nodepool"
	"github.com/kusama-tools/substrate-indexer/internal/queue"
)

func TestCreateIndexerWithoutWriterFails(t *testing.T) {
	errCh := make(chan SessionError, 4)
	mgr := New(t.TempDir(), errCh)
	t.Cleanup(mgr.Shutdown)

	req := StartIndexingRequest{ChainID: chain.Kusama, BlockNumberStart: 1, Address: "Fxxx"}
	if err := mgr.CreateIndexer(context.Background(), "session-1", req); err != ErrNoWriterForChain {
		t.Errorf("CreateIndexer() error = %v, want ErrNoWriterForChain", err)
	}
}

func TestCreateWriterUnsupportedChainFails(t *testing.T) {
	errCh := make(chan SessionError, 4)
	mgr := New(t.TempDir(), errCh)
	t.Cleanup(mgr.Shutdown)

	req := StartIndexerRequest{ChainID: chain.ID(999), NodeURL: "wss://example.invalid"}
	if err := mgr.CreateWriter(context.Background(), "session-1", req); err == nil {
		t.Error("CreateWriter() error = nil, want error for unsupported chain id")
	}
}

func TestStopSessionIsNoOpForUnknownSession(t *testing.T) {
	errCh := make(chan SessionError, 4)
	mgr := New(t.TempDir(), errCh)
	t.Cleanup(mgr.Shutdown)

	mgr.StopSession("no-such-session")
}

func TestShutdownIsIdempotent(t *testing.T) {
	errCh := make(chan SessionError, 4)
	mgr := New(t.TempDir(), errCh)

	mgr.Shutdown()
	mgr.Shutdown()
}

func TestStopSessionStopsOtherSessionsIndexersOnSameChain(t *testing.T) {
	errCh := make(chan SessionError, 4)
	mgr := New(t.TempDir(), errCh)

	store, err := dbwriter.OpenStore(t.TempDir(), "Kusama")
	if err != nil {
		t.Fatalf("OpenStore() error = %v", err)
	}

	c, ok := chain.Get(chain.Kusama)
	if !ok {
		t.Fatal("Kusama chain not registered")
	}
	q := queue.New(queue.DefaultConfig())
	pool := nodepool.New(c, nil)

	writerCtx, writerCancel := context.WithCancel(context.Background())
	wh := &writerHandle{store: store, pool: pool, queue: q, cancel: writerCancel, sessionID: "session-A"}

	mgr.mu.Lock()
	writerID := mgr.nextInstanceID
	mgr.nextInstanceID++
	mgr.writers[writerID] = wh
	mgr.chainToWriter[chain.Kusama] = wh
	mgr.chainToQueue[chain.Kusama] = q
	mgr.mu.Unlock()

	indexerCtx, indexerCancel := context.WithCancel(context.Background())
	ih := &indexerHandle{chainID: chain.Kusama, cancel: indexerCancel, sessionID: "session-B"}

	mgr.mu.Lock()
	indexerID := mgr.nextInstanceID
	mgr.nextInstanceID++
	mgr.indexers[indexerID] = ih
	mgr.mu.Unlock()

	mgr.StopSession("session-A")

	select {
	case <-indexerCtx.Done():
	default:
		t.Error("session-B's indexer was not cancelled when session-A's writer for the same chain stopped")
	}
	select {
	case <-writerCtx.Done():
	default:
		t.Error("session-A's writer was not cancelled")
	}

	mgr.mu.Lock()
	_, indexerStillTracked := mgr.indexers[indexerID]
	_, writerStillTracked := mgr.writers[writerID]
	_, queueStillTracked := mgr.chainToQueue[chain.Kusama]
	mgr.mu.Unlock()
	if indexerStillTracked {
		t.Error("session-B's indexer handle was not removed")
	}
	if writerStillTracked {
		t.Error("session-A's writer handle was not removed")
	}
	if queueStillTracked {
		t.Error("chain's queue binding was not removed")
	}

	if err := q.Push(context.Background(), queue.AddressBlockExtrinsics{}); err != queue.ErrClosed {
		t.Errorf("Push() on chain queue after writer stop = %v, want ErrClosed", err)
	}
}

func TestNewSessionIDIsUnique(t *testing.T) {
	a := NewSessionID()
	b := NewSessionID()
	if a == b {
		t.Errorf("NewSessionID() returned the same id twice: %q", a)
	}
	if a == "" {
		t.Error("NewSessionID() returned empty string")
	}
}
