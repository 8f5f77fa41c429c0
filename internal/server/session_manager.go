package server

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/zot/basekit/internal/protocol"
	"github.com/zot/basekit/internal/svc"
)

const writeWait = 10 * time.Second

// Session is one connected websocket client.
type Session struct {
	ID          string
	RemoteAddr  string
	ConnectedAt time.Time

	conn    *websocket.Conn
	out     svc.Queue // frames in write order
	batcher *OutgoingBatcher
	handler *protocol.Handler
	ctx     context.Context
	cancel  context.CancelFunc
	log     func(level int, format string, args ...any)
}

// SessionInfo describes a session for the HTTP API.
type SessionInfo struct {
	ID            string    `json:"id"`
	RemoteAddr    string    `json:"remoteAddr"`
	ConnectedAt   time.Time `json:"connectedAt"`
	Subscriptions []string  `json:"subscriptions"`
}

// Send queues a message for the connection. Messages are written in the
// order Send was called.
func (s *Session) Send(msg *protocol.Message) error {
	data, err := msg.Encode()
	if err != nil {
		return err
	}
	if s.log != nil {
		s.log(4, "[OUT] %s: to=%s data=%s", msg.Type, s.ID, string(msg.Data))
	}
	s.out.Svc(func() {
		_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			s.Log(1, "write to %s failed: %v", s.ID, err)
			s.cancel()
		}
	})
	return nil
}

// Log logs through the server's logger.
func (s *Session) Log(level int, format string, args ...any) {
	if s.log != nil {
		s.log(level, format, args...)
	}
}

// SessionManager tracks connected sessions.
type SessionManager struct {
	sessions map[string]*Session
	mu       sync.RWMutex
}

// NewSessionManager creates an empty manager.
func NewSessionManager() *SessionManager {
	return &SessionManager{sessions: make(map[string]*Session)}
}

// CreateSession registers a connection under a new session id.
func (m *SessionManager) CreateSession(conn *websocket.Conn, remoteAddr string) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	sess := &Session{
		ID:          uuid.NewString(),
		RemoteAddr:  remoteAddr,
		ConnectedAt: time.Now(),
		conn:        conn,
		ctx:         ctx,
		cancel:      cancel,
	}
	m.mu.Lock()
	m.sessions[sess.ID] = sess
	m.mu.Unlock()
	return sess
}

// GetSession returns a session by id.
func (m *SessionManager) GetSession(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[id]
	return sess, ok
}

// DestroySession forgets a session and stops its writer.
func (m *SessionManager) DestroySession(id string) {
	m.mu.Lock()
	sess, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if ok {
		sess.cancel()
		sess.out.Close()
	}
}

// GetAllSessions returns all sessions, oldest first.
func (m *SessionManager) GetAllSessions() []*Session {
	m.mu.RLock()
	result := make([]*Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		result = append(result, sess)
	}
	m.mu.RUnlock()
	sort.Slice(result, func(i, j int) bool {
		if !result[i].ConnectedAt.Equal(result[j].ConnectedAt) {
			return result[i].ConnectedAt.Before(result[j].ConnectedAt)
		}
		return result[i].ID < result[j].ID
	})
	return result
}

// Count returns the number of sessions.
func (m *SessionManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}
