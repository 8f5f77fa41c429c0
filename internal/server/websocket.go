// Package server serves a simulated host to remote sessions over a websocket,
// with an HTTP API for inspection and fixture hot reload.
package server

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zot/basekit/internal/config"
	"github.com/zot/basekit/internal/delta"
	"github.com/zot/basekit/internal/protocol"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // dev server, any origin
	},
}

// WebSocketEndpoint handles websocket connections.
type WebSocketEndpoint struct {
	config   *config.Config
	sessions *SessionManager
	relay    *Relay
	metrics  *Metrics
	debounce time.Duration
	wg       sync.WaitGroup
}

// NewWebSocketEndpoint creates a new websocket endpoint.
func NewWebSocketEndpoint(cfg *config.Config, sessions *SessionManager, relay *Relay, metrics *Metrics) *WebSocketEndpoint {
	return &WebSocketEndpoint{
		config:   cfg,
		sessions: sessions,
		relay:    relay,
		metrics:  metrics,
		debounce: DefaultDebounce,
	}
}

// SetDebounce sets how long pushed changes are held back. Zero pushes each
// batch right away.
func (ws *WebSocketEndpoint) SetDebounce(d time.Duration) {
	ws.debounce = d
}

// Log logs a message via the config.
func (ws *WebSocketEndpoint) Log(level int, format string, args ...any) {
	ws.config.Log(level, format, args...)
}

// HandleWebSocket upgrades the request and serves the connection until it
// closes.
func (ws *WebSocketEndpoint) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		ws.Log(0, "WebSocket upgrade failed: %v", err)
		return
	}

	sess := ws.sessions.CreateSession(conn, r.RemoteAddr)
	sess.log = ws.Log
	host := ws.relay.For(sess.ID)
	sess.handler = protocol.NewHandler(host)
	sess.batcher = NewOutgoingBatcher(sess, ws.debounce)
	stop := host.SubscribeToModelUpdates(func(changes []delta.Change) {
		ws.metrics.pushedChanges.Add(float64(len(changes)))
		sess.batcher.Queue(changes)
	})
	ws.metrics.sessions.Inc()
	ws.Log(1, "WebSocket connected: session=%s remote=%s", sess.ID, sess.RemoteAddr)

	ws.wg.Add(1)
	go func() {
		defer ws.wg.Done()
		ws.readPump(sess)
		stop()
		ws.onDisconnect(sess)
	}()
}

// Wait blocks until every connection was torn down.
func (ws *WebSocketEndpoint) Wait() {
	ws.wg.Wait()
}

// CloseAll closes every connection.
func (ws *WebSocketEndpoint) CloseAll() {
	for _, sess := range ws.sessions.GetAllSessions() {
		_ = sess.conn.Close()
	}
}

// readPump reads and answers requests in arrival order.
func (ws *WebSocketEndpoint) readPump(sess *Session) {
	go func() {
		<-sess.ctx.Done()
		_ = sess.conn.Close()
	}()
	for {
		_, message, err := sess.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				ws.Log(0, "WebSocket error: %v", err)
			}
			return
		}
		ws.processMessage(sess, message)
	}
}

// processMessage handles one message or a batched array of them.
func (ws *WebSocketEndpoint) processMessage(sess *Session, message []byte) {
	defer func() {
		if r := recover(); r != nil {
			ws.Log(0, "PANIC in processMessage: %v", r)
			sess.batcher.FlushNow()
			_ = sess.Send(protocol.NewError("", fmt.Errorf("internal error: %v", r)))
		}
	}()

	msgs, err := protocol.ParseMessages(message)
	if err != nil {
		ws.Log(0, "Failed to parse message from %s: %v", sess.ID, err)
		_ = sess.Send(protocol.NewError("", err))
		return
	}
	for _, msg := range msgs {
		ws.Log(2, "[IN] %s: from=%s id=%s", msg.Type, sess.ID, msg.ID)
		resp := sess.handler.HandleMessage(sess.ctx, msg)
		ws.metrics.request(string(msg.Type), string(resp.Type))
		sess.batcher.FlushNow()
		if err := sess.Send(resp); err != nil {
			ws.Log(0, "Failed to send response to %s: %v", sess.ID, err)
		}
	}
}

// onDisconnect releases what the session held.
func (ws *WebSocketEndpoint) onDisconnect(sess *Session) {
	sess.batcher.Clear()
	ws.relay.Drop(sess.ID)
	ws.sessions.DestroySession(sess.ID)
	ws.metrics.sessions.Dec()
	ws.Log(1, "WebSocket disconnected: session=%s", sess.ID)
}
