// Package controlplane is the thin façade between control-plane clients and
// the Session Manager: one WebSocket connection per client, translating
// start_indexer/start_indexing events into Session Manager calls and
// reporting session-scoped failures back to the originating connection.
package controlplane

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kusama-tools/substrate-indexer/internal/address"
	"github.com/kusama-tools/substrate-indexer/internal/chain"
	"github.com/kusama-tools/substrate-indexer/internal/sessionmgr"
	"github.com/kusama-tools/substrate-indexer/pkg/logging"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

const (
	readLimit  = 4096
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	writeWait  = 10 * time.Second
)

// client is one connected control-plane session. It owns a dedicated read
// pump and write pump goroutine so a slow or blocked client never stalls
// delivery to others.
type client struct {
	conn      *websocket.Conn
	send      chan []byte
	sessionID string
	hub       *hub
}

// hub owns the client registry and routes Session Manager errors back to
// the client that owns the failing session.
type hub struct {
	clients    map[string]*client
	register   chan *client
	unregister chan *client
	mu         sync.RWMutex
	log        *logging.Logger
}

func newHub() *hub {
	return &hub{
		clients:    make(map[string]*client),
		register:   make(chan *client),
		unregister: make(chan *client),
		log:        logging.GetDefault().Component("controlplane"),
	}
}

// run is the hub's single goroutine: registry bookkeeping and fanning
// Session Manager errors out to the owning client.
func (h *hub) run(errCh <-chan sessionmgr.SessionError) {
	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c.sessionID] = c
			h.mu.Unlock()
			h.log.Debug("client connected", "session", c.sessionID, "clients", len(h.clients))

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c.sessionID]; ok {
				delete(h.clients, c.sessionID)
				close(c.send)
			}
			h.mu.Unlock()
			h.log.Debug("client disconnected", "session", c.sessionID, "clients", len(h.clients))

		case sessErr, ok := <-errCh:
			if !ok {
				return
			}
			h.deliverError(sessErr)
		}
	}
}

func (h *hub) deliverError(sessErr sessionmgr.SessionError) {
	h.mu.RLock()
	c, ok := h.clients[sessErr.SessionID]
	h.mu.RUnlock()
	if !ok {
		h.log.Warn("session error for unknown/disconnected client", "session", sessErr.SessionID, "code", sessErr.Code)
		return
	}
	c.sendJSON(newServerError(sessErr.Code, sessErr.Message, sessErr.Detail))
}

func (c *client) sendJSON(v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		c.hub.log.Error("failed to marshal outbound message", "error", err)
		return
	}
	select {
	case c.send <- data:
	default:
		c.hub.log.Warn("client send buffer full, dropping message", "session", c.sessionID)
	}
}

// Adapter is the control-plane HTTP/WebSocket server. Mount ServeHTTP at the
// configured listen address.
type Adapter struct {
	mgr *sessionmgr.Manager
	hub *hub
	log *logging.Logger
}

// New creates an Adapter backed by mgr. Call Run with the same channel
// passed to sessionmgr.New so fatal task errors reach the right client.
func New(mgr *sessionmgr.Manager) *Adapter {
	return &Adapter{
		mgr: mgr,
		hub: newHub(),
		log: logging.GetDefault().Component("controlplane"),
	}
}

// Run starts the hub's error-routing loop. Call it once, typically in its
// own goroutine, before serving connections.
func (a *Adapter) Run(errCh <-chan sessionmgr.SessionError) {
	a.hub.run(errCh)
}

// ServeHTTP upgrades the request to a WebSocket connection and starts a new
// control-plane session for it.
func (a *Adapter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.log.Error("websocket upgrade failed", "error", err)
		return
	}

	sessionID := sessionmgr.NewSessionID()
	c := &client{conn: conn, send: make(chan []byte, 256), sessionID: sessionID, hub: a.hub}
	a.hub.register <- c

	go c.writePump()
	go a.readPump(c)
}

// readPump decodes inbound events off the connection and dispatches them to
// the Session Manager, until the connection closes or panics. A panic here
// never takes down the process: it is logged, the session is torn down, and
// only this goroutine exits.
func (a *Adapter) readPump(c *client) {
	defer func() {
		if r := recover(); r != nil {
			a.log.Error("panic in read pump, stopping session", "session", c.sessionID, "panic", r)
		}
		a.mgr.StopSession(c.sessionID)
		a.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(readLimit)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				a.log.Debug("read error", "session", c.sessionID, "error", err)
			}
			return
		}
		a.handleMessage(c, message)
	}
}

func (a *Adapter) handleMessage(c *client, raw []byte) {
	var env inboundEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		c.sendJSON(newServerError("decode_0001", "malformed event envelope", err.Error()))
		return
	}

	switch env.Event {
	case "start_indexer":
		a.handleStartIndexer(c, env.Data)
	case "start_indexing":
		a.handleStartIndexing(c, env.Data)
	default:
		c.sendJSON(newServerError("decode_0002", "unknown event", env.Event))
	}
}

func (a *Adapter) handleStartIndexer(c *client, data json.RawMessage) {
	var payload startIndexerPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		c.sendJSON(newServerError("start_indexer_0001", "malformed start_indexer payload", err.Error()))
		return
	}
	if _, ok := chain.Get(chain.ID(payload.ChainID)); !ok {
		c.sendJSON(newServerError("start_indexer_0001", "malformed start_indexer payload", "unsupported chain_id"))
		return
	}

	req := sessionmgr.StartIndexerRequest{ChainID: chain.ID(payload.ChainID), NodeURL: payload.URL}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := a.mgr.CreateWriter(ctx, c.sessionID, req); err != nil {
		c.sendJSON(newServerError("start_indexer_0002", "failed to create writer", err.Error()))
		return
	}
	c.sendJSON(newServerSuccess("start_indexer"))
}

func (a *Adapter) handleStartIndexing(c *client, data json.RawMessage) {
	var payload startIndexingPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		c.sendJSON(newServerError("start_indexing_0001", "malformed start_indexing payload", err.Error()))
		return
	}
	if payload.BlockNumberStartAt == 0 {
		c.sendJSON(newServerError("start_indexing_0001", "malformed start_indexing payload", "block_number_start_at must be > 0"))
		return
	}
	ch, ok := chain.Get(chain.ID(payload.ChainID))
	if !ok {
		c.sendJSON(newServerError("start_indexing_0001", "malformed start_indexing payload", "unsupported chain_id"))
		return
	}
	if !address.Validate(ch, payload.Address) {
		c.sendJSON(newServerError("start_indexing_0001", "malformed start_indexing payload", "invalid address"))
		return
	}

	req := sessionmgr.StartIndexingRequest{
		ChainID:          chain.ID(payload.ChainID),
		BlockNumberStart: payload.BlockNumberStartAt,
		Address:          payload.Address,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := a.mgr.CreateIndexer(ctx, c.sessionID, req); err != nil {
		c.sendJSON(newServerError("start_indexing_0002", "failed to create indexer", err.Error()))
		return
	}
	c.sendJSON(newServerSuccess("start_indexing"))
}

// writePump writes queued messages and ping frames to the connection until
// the hub closes c.send.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
