package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/room4-2/bookingline/config"
	"github.com/room4-2/bookingline/dialog"
)

var (
	ErrTooManySessions = errors.New("maximum sessions reached")
	ErrShutdown        = errors.New("session manager is shut down")
)

const cleanupInterval = time.Minute

// Engine runs turns. *dialog.Engine satisfies it.
type Engine interface {
	Handle(ctx context.Context, sessionID, utterance string) (*dialog.Result, error)
	Greeting() string
}

// tracked is the in-process bookkeeping for one conversation id. turn is a
// one-slot semaphore so at most one turn per id runs at a time. Entries without
// a websocket client only live while a turn holds or waits on turn.
type tracked struct {
	turn         chan struct{}
	waiters      int
	lastActivity time.Time
	client       *ClientSession
}

// Manager serializes turns per session id and owns websocket client sessions.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*tracked
	engine   Engine
	config   *config.Config
	closed   bool
	now      func() time.Time
}

// NewManager creates a session manager in front of engine
func NewManager(cfg *config.Config, engine Engine) *Manager {
	return &Manager{
		sessions: make(map[string]*tracked),
		engine:   engine,
		config:   cfg,
		now:      time.Now,
	}
}

// Greeting is the opening line for a new caller.
func (sm *Manager) Greeting() string {
	return sm.engine.Greeting()
}

// HandleTurn runs one turn for sessionID once any earlier turn for the same id
// has finished. Waiting honours ctx.
func (sm *Manager) HandleTurn(ctx context.Context, sessionID, utterance string) (*dialog.Result, error) {
	t, err := sm.acquire(sessionID)
	if err != nil {
		return nil, err
	}
	defer sm.release(sessionID, t)

	select {
	case t.turn <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-t.turn }()

	start := sm.now()
	res, err := sm.engine.Handle(ctx, sessionID, utterance)
	if err != nil {
		log.Warn().Err(err).Str("session_id", sessionID).Dur("took", time.Since(start)).Msg("session: turn failed")
		return nil, err
	}
	return res, nil
}

func (sm *Manager) acquire(sessionID string) (*tracked, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.closed {
		return nil, ErrShutdown
	}
	t, ok := sm.sessions[sessionID]
	if !ok {
		if sm.config.MaxSessions > 0 && len(sm.sessions) >= sm.config.MaxSessions {
			return nil, ErrTooManySessions
		}
		t = &tracked{turn: make(chan struct{}, 1)}
		sm.sessions[sessionID] = t
	}
	t.waiters++
	t.lastActivity = sm.now()
	return t, nil
}

func (sm *Manager) release(sessionID string, t *tracked) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	t.waiters--
	t.lastActivity = sm.now()
	if t.waiters == 0 && t.client == nil && sm.sessions[sessionID] == t {
		delete(sm.sessions, sessionID)
	}
}

// CreateSession registers a websocket client under a fresh session id
func (sm *Manager) CreateSession(ctx context.Context, clientConn *websocket.Conn) (*ClientSession, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.closed {
		return nil, ErrShutdown
	}
	if sm.config.MaxSessions > 0 && len(sm.sessions) >= sm.config.MaxSessions {
		return nil, ErrTooManySessions
	}

	sessionID := uuid.New().String()
	session := NewClientSession(sessionID, clientConn, sm, sm.config.KeepAlivePeriod)
	sm.sessions[sessionID] = &tracked{
		turn:         make(chan struct{}, 1),
		lastActivity: sm.now(),
		client:       session,
	}
	return session, nil
}

// RemoveSession closes the client for sessionID and forgets it. The stored
// conversation is left alone.
func (sm *Manager) RemoveSession(sessionID string) {
	sm.mu.Lock()
	t, ok := sm.sessions[sessionID]
	if ok && t.waiters == 0 {
		delete(sm.sessions, sessionID)
	}
	sm.mu.Unlock()

	if ok && t.client != nil {
		t.client.Close()
	}
}

// GetActiveSessionCount returns the number of websocket clients plus session
// ids with a turn running or waiting
func (sm *Manager) GetActiveSessionCount() int {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return len(sm.sessions)
}

// CleanupInactiveSessions closes websocket clients idle for longer than the
// session timeout. Sessions with a turn in flight are kept.
func (sm *Manager) CleanupInactiveSessions() int {
	sm.mu.Lock()
	now := sm.now()
	var stale []*ClientSession
	removed := 0
	for id, t := range sm.sessions {
		idle := now.Sub(t.lastActivity)
		if t.client != nil {
			if last := t.client.LastActive(); now.Sub(last) < idle {
				idle = now.Sub(last)
			}
		}
		if t.waiters > 0 || idle <= sm.config.SessionTimeout {
			continue
		}
		delete(sm.sessions, id)
		removed++
		if t.client != nil {
			stale = append(stale, t.client)
		}
	}
	sm.mu.Unlock()

	for _, c := range stale {
		c.Close()
	}
	if removed > 0 {
		log.Debug().Int("removed", removed).Msg("session: cleaned up idle sessions")
	}
	return removed
}

// StartCleanupRoutine starts periodic cleanup of inactive sessions
func (sm *Manager) StartCleanupRoutine(ctx context.Context) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sm.CleanupInactiveSessions()
		}
	}
}

// Shutdown closes all client sessions and refuses new turns
func (sm *Manager) Shutdown() {
	sm.mu.Lock()
	sm.closed = true
	var clients []*ClientSession
	for id, t := range sm.sessions {
		if t.client != nil {
			clients = append(clients, t.client)
		}
		delete(sm.sessions, id)
	}
	sm.mu.Unlock()

	for _, c := range clients {
		c.Close()
	}
}
