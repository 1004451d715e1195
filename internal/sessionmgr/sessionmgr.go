// Package sessionmgr is the Session Manager: the sole owner of every
// Indexer and DB Writer goroutine, responsible for the one-writer-per-chain
// invariant and for tearing down a session's tasks on disconnect.
package sessionmgr

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/kusama-tools/substrate-indexer/internal/chain"
	"github.com/kusama-tools/substrate-indexer/internal/config"
	"github.com/kusama-tools/substrate-indexer/internal/dbwriter"
	"github.com/kusama-tools/substrate-indexer/internal/indexer"
	"github.com/kusama-tools/substrate-indexer/internal/nodepool"
	"github.com/kusama-tools/substrate-indexer/internal/queue"
	"github.com/kusama-tools/substrate-indexer/pkg/logging"
)

// ErrWriterAlreadyRunning is returned by CreateWriter when chain already has
// a DB Writer, from any session.
var ErrWriterAlreadyRunning = errors.New("sessionmgr: chain already has a running writer")

// ErrNoWriterForChain is returned by CreateIndexer when no writer (and
// therefore no queue) exists yet for the requested chain.
var ErrNoWriterForChain = errors.New("sessionmgr: no writer registered for chain")

// StartIndexerRequest is the Session Manager's view of a start_indexer
// event payload.
type StartIndexerRequest struct {
	ChainID chain.ID
	NodeURL string
}

// StartIndexingRequest is the Session Manager's view of a start_indexing
// event payload.
type StartIndexingRequest struct {
	ChainID          chain.ID
	BlockNumberStart uint64
	Address          string
}

type writerHandle struct {
	writer    *dbwriter.Writer
	store     *dbwriter.Store
	pool      *nodepool.Pool
	queue     *queue.Queue
	cancel    context.CancelFunc
	sessionID string
}

type indexerHandle struct {
	idx       *indexer.Indexer
	chainID   chain.ID
	cancel    context.CancelFunc
	sessionID string
}

// Manager owns every running Indexer and DB Writer, keyed by an
// incrementing instance id, plus the chain -> (queue, writer) bindings the
// one-writer-per-chain invariant is built on.
type Manager struct {
	dataDir string
	cfg     *config.Config

	mu             sync.Mutex
	nextInstanceID int
	indexers       map[int]*indexerHandle
	writers        map[int]*writerHandle
	chainToWriter  map[chain.ID]*writerHandle
	chainToQueue   map[chain.ID]*queue.Queue
	sessionErrors  chan SessionError

	log *logging.Logger
}

// SessionError is routed to the control plane adapter when a task owned by
// a session fails fatally.
type SessionError struct {
	SessionID string
	Code      string
	Message   string
	Detail    string
}

// New creates an empty Manager using default queue, DB writer and RPC
// tunables. errCh receives fatal task errors for delivery back to the
// originating session; it must be read continuously by the caller
// (typically the control plane adapter) or task goroutines will block on
// send.
func New(dataDir string, errCh chan SessionError) *Manager {
	return NewWithConfig(dataDir, errCh, config.DefaultConfig())
}

// NewWithConfig creates an empty Manager whose writers and indexers pick up
// their queue sizing, poll interval, RPC retry counts and per-chain public
// node lists from cfg.
func NewWithConfig(dataDir string, errCh chan SessionError, cfg *config.Config) *Manager {
	return &Manager{
		dataDir:       dataDir,
		cfg:           cfg,
		indexers:      make(map[int]*indexerHandle),
		writers:       make(map[int]*writerHandle),
		chainToWriter: make(map[chain.ID]*writerHandle),
		chainToQueue:  make(map[chain.ID]*queue.Queue),
		sessionErrors: errCh,
		log:           logging.GetDefault().Component("sessionmgr"),
	}
}

// CreateWriter starts a DB Writer for req.ChainID, opening its queue and
// SQLite store and connecting a node pool with req.NodeURL as its operator
// node plus the chain's configured public nodes. Fails with
// ErrWriterAlreadyRunning if the chain already has one, from any session.
func (m *Manager) CreateWriter(ctx context.Context, sessionID string, req StartIndexerRequest) error {
	c, ok := chain.Get(req.ChainID)
	if !ok {
		return fmt.Errorf("sessionmgr: unsupported chain id %d", req.ChainID)
	}

	m.mu.Lock()
	if _, exists := m.chainToWriter[req.ChainID]; exists {
		m.mu.Unlock()
		return ErrWriterAlreadyRunning
	}
	// Reserve the chain while the writer is set up, so a concurrent
	// CreateWriter for it fails; the reservation is dropped on failure.
	m.chainToWriter[req.ChainID] = nil
	m.mu.Unlock()
	created := false
	defer func() {
		if !created {
			m.mu.Lock()
			delete(m.chainToWriter, req.ChainID)
			m.mu.Unlock()
		}
	}()

	pool := nodepool.New(c, nil)
	if err := pool.Register(ctx, req.NodeURL, true); err != nil {
		return fmt.Errorf("connect node pool: %w", err)
	}

	for _, n := range m.cfg.Chains[c.Name].Nodes {
		if n.Operator || n.URL == req.NodeURL {
			continue
		}
		if err := pool.Register(ctx, n.URL, false); err != nil {
			m.log.Warn("configured node unreachable, skipping", "chain", c.Name, "url", n.URL, "err", err)
		}
	}

	props, err := pool.ChainProperties()
	if err != nil {
		return fmt.Errorf("fetch chain properties: %w", err)
	}

	store, err := dbwriter.OpenStore(m.dataDir, c.Name)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}

	q := queue.New(queue.Config{NMin: m.cfg.Queue.NMin, NMax: m.cfg.Queue.NMax, Capacity: m.cfg.Queue.Capacity})

	m.mu.Lock()
	id := m.nextInstanceID
	m.nextInstanceID++
	m.mu.Unlock()

	writerCfg := dbwriter.Config{
		SleepInterval:     m.cfg.DBWriter.SleepInterval,
		ReceiptRetryTimes: m.cfg.RPC.RequestReceiptDataTimes,
	}
	w := dbwriter.New(id, c.Name, int(c.ID), props.TokenDecimals, q, pool, store, writerCfg)

	taskCtx, cancel := context.WithCancel(context.Background())
	handle := &writerHandle{writer: w, store: store, pool: pool, queue: q, cancel: cancel, sessionID: sessionID}

	m.mu.Lock()
	m.writers[id] = handle
	m.chainToWriter[req.ChainID] = handle
	m.chainToQueue[req.ChainID] = q
	m.mu.Unlock()
	created = true

	go func() {
		if err := w.Run(taskCtx); err != nil {
			m.reportFatal(sessionID, "dbwriter_0003", "dbwriter stopped", err.Error())
		}
	}()

	m.log.Info("writer created", "chain", c.Name, "instance_id", id, "session", sessionID)
	return nil
}

// CreateIndexer starts an Indexer for req against the chain's existing
// writer/queue. Fails with ErrNoWriterForChain if CreateWriter has not been
// called for this chain yet.
func (m *Manager) CreateIndexer(ctx context.Context, sessionID string, req StartIndexingRequest) error {
	c, ok := chain.Get(req.ChainID)
	if !ok {
		return fmt.Errorf("sessionmgr: unsupported chain id %d", req.ChainID)
	}

	m.mu.Lock()
	wh, writerOK := m.chainToWriter[req.ChainID]
	q, queueOK := m.chainToQueue[req.ChainID]
	m.mu.Unlock()
	if !writerOK || !queueOK {
		return ErrNoWriterForChain
	}

	m.mu.Lock()
	id := m.nextInstanceID
	m.nextInstanceID++
	m.mu.Unlock()

	idx, err := indexer.New(id, c, req.Address, req.BlockNumberStart, q, wh.pool)
	if err != nil {
		return err
	}
	idx.SetRetryTimes(m.cfg.RPC.RequestBlockRetryTimes)

	taskCtx, cancel := context.WithCancel(context.Background())
	handle := &indexerHandle{idx: idx, chainID: req.ChainID, cancel: cancel, sessionID: sessionID}

	m.mu.Lock()
	m.indexers[id] = handle
	m.mu.Unlock()

	go func() {
		if err := idx.Run(taskCtx); err != nil {
			m.reportFatal(sessionID, "start_indexing_0003", "indexer stopped", err.Error())
		}
	}()

	m.log.Info("indexer created", "chain", c.Name, "instance_id", id, "address", req.Address, "session", sessionID)
	return nil
}

func (m *Manager) reportFatal(sessionID, code, message, detail string) {
	select {
	case m.sessionErrors <- SessionError{SessionID: sessionID, Code: code, Message: message, Detail: detail}:
	default:
		m.log.Warn("session error channel full, dropping", "session", sessionID, "code", code)
	}
}

// StopSession cancels every indexer owned by sessionID, then every writer
// it owns (indexers stop first, per the invariant that a writer must
// outlive the indexers feeding it), then closes their DB handles.
func (m *Manager) StopSession(sessionID string) {
	m.mu.Lock()
	var indexerIDs, writerIDs []int
	for id, h := range m.indexers {
		if h.sessionID == sessionID {
			indexerIDs = append(indexerIDs, id)
		}
	}
	for id, h := range m.writers {
		if h.sessionID == sessionID {
			writerIDs = append(writerIDs, id)
		}
	}
	m.mu.Unlock()

	m.stopIndexers(indexerIDs)
	m.stopWriters(writerIDs)
	m.log.Info("session stopped", "session", sessionID)
}

func (m *Manager) stopIndexers(ids []int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		if h, ok := m.indexers[id]; ok {
			h.cancel()
			delete(m.indexers, id)
		}
	}
}

// stopWriters cancels and closes each writer in ids. Stopping a chain's
// writer also stops every indexer targeting that chain, regardless of which
// session owns them (session isolation does not let a surviving session's
// indexer outlive the writer draining its queue) and closes the queue
// itself, so any indexer still blocked in Push unblocks with ErrClosed.
func (m *Manager) stopWriters(ids []int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		h, ok := m.writers[id]
		if !ok {
			continue
		}

		var chainID chain.ID
		var chainFound bool
		for cid, wh := range m.chainToWriter {
			if wh == h {
				chainID = cid
				chainFound = true
				break
			}
		}

		if chainFound {
			for iid, ih := range m.indexers {
				if ih.chainID == chainID {
					ih.cancel()
					delete(m.indexers, iid)
				}
			}
			if q, ok := m.chainToQueue[chainID]; ok {
				q.Close()
			}
			delete(m.chainToWriter, chainID)
			delete(m.chainToQueue, chainID)
		}

		h.cancel()
		h.store.Close()
		delete(m.writers, id)
	}
}

// Shutdown cancels every task across every session and closes every DB
// handle. Safe to call from a signal handler.
func (m *Manager) Shutdown() {
	m.log.Info("shutdown starting")

	m.mu.Lock()
	var indexerIDs, writerIDs []int
	for id := range m.indexers {
		indexerIDs = append(indexerIDs, id)
	}
	for id := range m.writers {
		writerIDs = append(writerIDs, id)
	}
	m.mu.Unlock()

	m.stopIndexers(indexerIDs)
	m.stopWriters(writerIDs)
	m.log.Info("shutdown complete")
}

// NewSessionID mints a fresh opaque session identifier for a new control
// plane connection.
func NewSessionID() string {
	return uuid.NewString()
}
