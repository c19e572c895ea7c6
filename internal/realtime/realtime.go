package realtime

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const writeWait = 10 * time.Second

// Envelope is the wire frame for every realtime message, both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Session is one connected transport. Writes are serialized with a mutex
// because gorilla/websocket allows a single concurrent writer.
type Session struct {
	id   string
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *Session) ID() string { return s.id }

func (s *Session) Send(event string, data any) error {
	b, err := json.Marshal(data)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(Envelope{Event: event, Data: b})
}

// Read blocks for the next inbound envelope.
func (s *Session) Read() (Envelope, error) {
	var env Envelope
	err := s.conn.ReadJSON(&env)
	return env, err
}

func (s *Session) Close() error { return s.conn.Close() }

// Hub holds every live session keyed by transport id.
type Hub struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewHub() *Hub { return &Hub{sessions: make(map[string]*Session)} }

func (h *Hub) Add(conn *websocket.Conn) *Session {
	s := &Session{id: newTransportID(), conn: conn}
	h.mu.Lock()
	h.sessions[s.id] = s
	h.mu.Unlock()
	return s
}

func (h *Hub) Remove(transportID string) {
	h.mu.Lock()
	delete(h.sessions, transportID)
	h.mu.Unlock()
}

func (h *Hub) Get(transportID string) (*Session, bool) {
	h.mu.RLock()
	s, ok := h.sessions[transportID]
	h.mu.RUnlock()
	return s, ok
}

// Each visits a snapshot of the current sessions, so a slow send never holds
// the registry lock.
func (h *Hub) Each(fn func(*Session)) {
	h.mu.RLock()
	snapshot := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		snapshot = append(snapshot, s)
	}
	h.mu.RUnlock()
	for _, s := range snapshot {
		fn(s)
	}
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

func newTransportID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
