package presence

import (
	"context"
	"sync"
)

// Entry is what the registry remembers about a connected user.
type Entry struct {
	TransportID string
	Username    string
}

// Registry maps a logical user identity to its currently-connected transport.
// It is a cache of "where to deliver", never a source of truth: absence means
// the recipient is offline, not an error. State is rebuilt on reconnect, so
// implementations need no durability beyond their own process (memory) or
// deployment (redis).
type Registry interface {
	// Register associates userID with transportID, displacing any mapping
	// that currently uses the same transport. Last registration wins.
	Register(ctx context.Context, userID int64, username, transportID string) error
	// Unregister removes the mapping if present; absent is not an error.
	Unregister(ctx context.Context, userID int64) error
	// TransportClosed removes whichever mapping (at most one) uses the transport.
	TransportClosed(ctx context.Context, transportID string) error
	// Lookup resolves the delivery endpoint for a user.
	Lookup(ctx context.Context, userID int64) (Entry, bool, error)
}

// Memory is the single-process implementation: two maps under one lock so the
// forward and reverse views can never disagree.
type Memory struct {
	mu      sync.RWMutex
	byUser  map[int64]Entry
	byTrans map[string]int64
}

func NewMemory() *Memory {
	return &Memory{byUser: make(map[int64]Entry), byTrans: make(map[string]int64)}
}

func (m *Memory) Register(_ context.Context, userID int64, username, transportID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	// a transport represents one logical user at a time
	if prev, ok := m.byTrans[transportID]; ok && prev != userID {
		delete(m.byUser, prev)
	}
	// a user keeps at most one entry
	if prev, ok := m.byUser[userID]; ok && prev.TransportID != transportID {
		delete(m.byTrans, prev.TransportID)
	}
	m.byUser[userID] = Entry{TransportID: transportID, Username: username}
	m.byTrans[transportID] = userID
	return nil
}

func (m *Memory) Unregister(_ context.Context, userID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.byUser[userID]; ok {
		delete(m.byTrans, e.TransportID)
		delete(m.byUser, userID)
	}
	return nil
}

func (m *Memory) TransportClosed(_ context.Context, transportID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if uid, ok := m.byTrans[transportID]; ok {
		delete(m.byUser, uid)
		delete(m.byTrans, transportID)
	}
	return nil
}

func (m *Memory) Lookup(_ context.Context, userID int64) (Entry, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.byUser[userID]
	return e, ok, nil
}
