// Package notify pushes engine events to drivers, customers, merchants and
// admins over WebSocket sessions and mobile push.
package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/delivery-dispatch/internal/events"
	"github.com/example/delivery-dispatch/internal/observability"
)

const writeWait = 5 * time.Second

// session represents one connected client
type session struct {
	userID string
	admin  bool
	conn   *websocket.Conn
	mu     sync.Mutex
}

func (s *session) send(ev events.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(ev)
}

// Hub holds the live sessions. Events go to their recipients and to every
// admin session.
type Hub struct {
	mu       sync.RWMutex
	sessions map[string]*session
	admins   map[*session]struct{}
	logger   *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{sessions: make(map[string]*session), admins: make(map[*session]struct{}), logger: logger}
}

// Add registers conn for userID, replacing an older session, and starts a read
// loop that drops the session when the client goes away.
func (h *Hub) Add(userID string, admin bool, conn *websocket.Conn) {
	s := &session{userID: userID, admin: admin, conn: conn}
	h.mu.Lock()
	if old, ok := h.sessions[userID]; ok {
		delete(h.admins, old)
		_ = old.conn.Close()
	}
	h.sessions[userID] = s
	if admin {
		h.admins[s] = struct{}{}
	}
	h.mu.Unlock()

	go func() {
		defer h.remove(s)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// Connected reports whether userID has a live session.
func (h *Hub) Connected(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.sessions[userID]
	return ok
}

func (h *Hub) remove(s *session) {
	h.mu.Lock()
	if cur, ok := h.sessions[s.userID]; ok && cur == s {
		delete(h.sessions, s.userID)
	}
	delete(h.admins, s)
	h.mu.Unlock()
	_ = s.conn.Close()
}

// Publish implements events.Publisher. Recipients without a session are
// skipped; push covers them. A session whose write fails is dropped and the
// failure is not reported: the client reconnects, and retrying the event
// would duplicate it on every healthy session.
func (h *Hub) Publish(_ context.Context, ev events.Event) error {
	h.mu.RLock()
	targets := make(map[*session]struct{}, len(ev.Recipients)+len(h.admins))
	for _, id := range ev.Recipients {
		if s, ok := h.sessions[id]; ok {
			targets[s] = struct{}{}
		}
	}
	for s := range h.admins {
		targets[s] = struct{}{}
	}
	h.mu.RUnlock()

	for s := range targets {
		if err := s.send(ev); err != nil {
			observability.NotifyFailures.WithLabelValues("ws_session").Inc()
			h.logger.Warn("ws send error", "user", s.userID, "error", err)
			h.remove(s)
		}
	}
	return nil
}
