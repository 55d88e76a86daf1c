package store

import (
	"context"
	"sync"

	"github.com/room4-2/bookingline/conversation"
)

// MemoryStore keeps states in process memory. Useful for tests and the console.
type MemoryStore struct {
	mu     sync.RWMutex
	states map[string]*conversation.State
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{states: make(map[string]*conversation.State)}
}

func (m *MemoryStore) Load(ctx context.Context, sessionID string) (*conversation.State, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.states[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return s.Clone(), nil
}

func (m *MemoryStore) Save(ctx context.Context, s *conversation.State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s.Version++
	m.states[s.SessionID] = s.Clone()
	return nil
}

func (m *MemoryStore) Apply(ctx context.Context, d *Delta) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.states[d.SessionID]
	var version int64
	if ok {
		version = cur.Version
	}
	if version != d.BaseVersion {
		return 0, ErrConflict
	}
	if ok {
		cur = cur.Clone()
	} else {
		cur = &conversation.State{SessionID: d.SessionID, History: []conversation.Entry{}}
	}
	applyDelta(cur, d)
	cur.Version = version + 1
	m.states[d.SessionID] = cur.Clone()
	return cur.Version, nil
}

// Len returns how many conversations are stored.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.states)
}
