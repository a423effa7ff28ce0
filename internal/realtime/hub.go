// Package realtime keeps live websocket sessions per user and pushes events to them.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"smartplan/internal/models"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	sendBuffer = 32
)

type session struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub tracks the open sessions of every user.
type Hub struct {
	mu       sync.RWMutex
	sessions map[string]map[*session]struct{}
	upgrader websocket.Upgrader
	log      zerolog.Logger
}

func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		sessions: make(map[string]map[*session]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// the mobile app does not send an Origin header
			CheckOrigin: func(*http.Request) bool { return true },
		},
		log: log,
	}
}

// Serve upgrades the request and blocks until the session ends.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, userID string) error {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("websocket upgrade: %w", err)
	}

	s := &session{conn: conn, send: make(chan []byte, sendBuffer)}
	h.register(userID, s)
	defer h.unregister(userID, s)

	go h.writePump(s)
	h.readPump(s)
	return nil
}

// Notify queues event on every session of the user. A session whose buffer is full
// misses the event.
func (h *Hub) Notify(_ context.Context, userID string, event models.Event) error {
	msg, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", event.Type, err)
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	dropped := 0
	for s := range h.sessions[userID] {
		select {
		case s.send <- msg:
		default:
			dropped++
		}
	}
	if dropped > 0 {
		return fmt.Errorf("%s event dropped for %d slow session(s)", event.Type, dropped)
	}
	return nil
}

// Sessions returns the number of open sessions of a user.
func (h *Hub) Sessions(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions[userID])
}

// Close ends every session.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, set := range h.sessions {
		for s := range set {
			_ = s.conn.Close()
		}
	}
}

func (h *Hub) register(userID string, s *session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.sessions[userID]
	if !ok {
		set = make(map[*session]struct{})
		h.sessions[userID] = set
	}
	set[s] = struct{}{}
	h.log.Debug().Str("user_id", userID).Int("sessions", len(set)).Msg("websocket session opened")
}

func (h *Hub) unregister(userID string, s *session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.sessions[userID]; ok {
		if _, ok := set[s]; ok {
			delete(set, s)
			close(s.send)
		}
		if len(set) == 0 {
			delete(h.sessions, userID)
		}
	}
	_ = s.conn.Close()
	h.log.Debug().Str("user_id", userID).Msg("websocket session closed")
}

// readPump discards client messages and keeps the read deadline moving on pongs.
func (h *Hub) readPump(s *session) {
	s.conn.SetReadLimit(4096)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(s *session) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
