package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/room4-2/bookingline/config"
	"github.com/room4-2/bookingline/dialog"
	"github.com/room4-2/bookingline/messages"
	"github.com/room4-2/bookingline/store"
)

type fakeEngine struct {
	active    atomic.Int32
	maxActive atomic.Int32
	calls     atomic.Int32
	delay     time.Duration
	release   chan struct{}
	err       error
}

func (f *fakeEngine) Handle(ctx context.Context, sessionID, utterance string) (*dialog.Result, error) {
	n := f.active.Add(1)
	defer f.active.Add(-1)
	for {
		m := f.maxActive.Load()
		if n <= m || f.maxActive.CompareAndSwap(m, n) {
			break
		}
	}
	f.calls.Add(1)
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	time.Sleep(f.delay)
	if f.err != nil {
		return nil, f.err
	}
	return &dialog.Result{SessionID: sessionID, Reply: "echo: " + utterance, Outcome: dialog.OutcomeRetry}, nil
}

func (f *fakeEngine) Greeting() string { return "hello" }

func testConfig() *config.Config {
	return &config.Config{MaxSessions: 10, SessionTimeout: time.Minute}
}

func TestHandleTurnSerializesPerSession(t *testing.T) {
	eng := &fakeEngine{delay: 5 * time.Millisecond}
	sm := NewManager(testConfig(), eng)

	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := sm.HandleTurn(context.Background(), "same", fmt.Sprint(i))
			require.NoError(t, err)
		}()
	}
	wg.Wait()

	require.EqualValues(t, 8, eng.calls.Load())
	require.EqualValues(t, 1, eng.maxActive.Load())
	require.Zero(t, sm.GetActiveSessionCount())
}

func TestHandleTurnRunsSessionsConcurrently(t *testing.T) {
	eng := &fakeEngine{release: make(chan struct{})}
	sm := NewManager(testConfig(), eng)

	var wg sync.WaitGroup
	for _, id := range []string{"a", "b"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := sm.HandleTurn(context.Background(), id, "hi")
			require.NoError(t, err)
		}()
	}
	require.Eventually(t, func() bool { return eng.active.Load() == 2 }, time.Second, 5*time.Millisecond)
	close(eng.release)
	wg.Wait()
}

func TestHandleTurnWaitHonoursContext(t *testing.T) {
	eng := &fakeEngine{release: make(chan struct{})}
	sm := NewManager(testConfig(), eng)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = sm.HandleTurn(context.Background(), "s", "first")
	}()
	require.Eventually(t, func() bool { return eng.active.Load() == 1 }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := sm.HandleTurn(ctx, "s", "second")
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.EqualValues(t, 1, eng.calls.Load())

	close(eng.release)
	<-done
}

func TestMaxSessionsCountsOnlyLiveTurns(t *testing.T) {
	cfg := testConfig()
	cfg.MaxSessions = 2
	sm := NewManager(cfg, &fakeEngine{})

	for _, id := range []string{"a", "b", "c", "d"} {
		_, err := sm.HandleTurn(context.Background(), id, "hi")
		require.NoError(t, err, id)
		require.Zero(t, sm.GetActiveSessionCount())
	}
}

func TestMaxSessionsRejectsWhenBusy(t *testing.T) {
	cfg := testConfig()
	cfg.MaxSessions = 1
	eng := &fakeEngine{release: make(chan struct{})}
	sm := NewManager(cfg, eng)

	done := make(chan error, 1)
	go func() {
		_, err := sm.HandleTurn(context.Background(), "a", "hi")
		done <- err
	}()
	require.Eventually(t, func() bool { return eng.active.Load() == 1 }, time.Second, 5*time.Millisecond)

	_, err := sm.HandleTurn(context.Background(), "b", "hi")
	require.ErrorIs(t, err, ErrTooManySessions)

	close(eng.release)
	require.NoError(t, <-done)

	_, err = sm.HandleTurn(context.Background(), "b", "hi")
	require.NoError(t, err)
}

// idleClient registers a websocket client entry without a network connection.
func idleClient(sm *Manager, id string, last time.Time) *ClientSession {
	_, cancel := context.WithCancel(context.Background())
	cs := &ClientSession{
		ID:           id,
		lastActivity: last,
		CloseChan:    make(chan struct{}),
		cancel:       cancel,
	}
	sm.mu.Lock()
	sm.sessions[id] = &tracked{turn: make(chan struct{}, 1), lastActivity: last, client: cs}
	sm.mu.Unlock()
	return cs
}

func TestCleanupInactiveSessions(t *testing.T) {
	sm := NewManager(testConfig(), &fakeEngine{})
	now := time.Now()
	sm.now = func() time.Time { return now }

	old := idleClient(sm, "old", now.Add(-2*time.Minute))
	fresh := idleClient(sm, "fresh", now.Add(-10*time.Second))

	require.Equal(t, 1, sm.CleanupInactiveSessions())
	require.Equal(t, 1, sm.GetActiveSessionCount())
	require.True(t, old.IsClosed())
	require.False(t, fresh.IsClosed())
}

func TestClientEntryOutlivesTurn(t *testing.T) {
	sm := NewManager(testConfig(), &fakeEngine{})
	idleClient(sm, "ws", time.Now())

	_, err := sm.HandleTurn(context.Background(), "ws", "hi")
	require.NoError(t, err)
	require.Equal(t, 1, sm.GetActiveSessionCount())
}

func TestShutdownRefusesTurns(t *testing.T) {
	sm := NewManager(testConfig(), &fakeEngine{})
	_, err := sm.HandleTurn(context.Background(), "s", "hi")
	require.NoError(t, err)

	sm.Shutdown()
	require.Zero(t, sm.GetActiveSessionCount())
	_, err = sm.HandleTurn(context.Background(), "s", "hi")
	require.ErrorIs(t, err, ErrShutdown)
}

func TestTurnErrorsPropagate(t *testing.T) {
	eng := &fakeEngine{err: fmt.Errorf("%w: boom", dialog.ErrPersistence)}
	sm := NewManager(testConfig(), eng)

	_, err := sm.HandleTurn(context.Background(), "s", "hi")
	require.ErrorIs(t, err, dialog.ErrPersistence)
	require.Equal(t, messages.ErrCodeStoreUnavailable, ErrorCode(err))
}

func TestErrorCode(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{ErrTooManySessions, messages.ErrCodeTooManySessions},
		{fmt.Errorf("conversation x: %w", store.ErrConflict), messages.ErrCodeConflict},
		{fmt.Errorf("%w: %w", dialog.ErrPersistence, store.ErrUnavailable), messages.ErrCodeStoreUnavailable},
		{context.DeadlineExceeded, messages.ErrCodeTimeout},
		{fmt.Errorf("%w: %w", dialog.ErrPersistence, context.DeadlineExceeded), messages.ErrCodeTimeout},
		{ErrShutdown, messages.ErrCodeSessionFailed},
		{errors.New("other"), messages.ErrCodeInternal},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, ErrorCode(tt.err), tt.err.Error())
	}
}
