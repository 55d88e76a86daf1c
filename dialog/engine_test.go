package dialog

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/room4-2/bookingline/conversation"
	"github.com/room4-2/bookingline/events"
	"github.com/room4-2/bookingline/extraction"
	"github.com/room4-2/bookingline/store"
)

var fixedNow = time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)

// scripted hands out queued extractions in order and records what it was asked.
type scripted struct {
	mu      sync.Mutex
	results []*conversation.Extraction
	fields  []conversation.Field
	history [][]conversation.Entry
}

func (s *scripted) Extract(ctx context.Context, f conversation.Field, history []conversation.Entry, utterance string) *conversation.Extraction {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fields = append(s.fields, f)
	s.history = append(s.history, history)
	if len(s.results) == 0 {
		return extraction.Fallback(f, "script exhausted")
	}
	r := s.results[0]
	s.results = s.results[1:]
	return r
}

func (s *scripted) push(r ...*conversation.Extraction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, r...)
}

func (s *scripted) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.fields)
}

func got(f conversation.Field, v string, complete bool) *conversation.Extraction {
	return &conversation.Extraction{
		Response:      fmt.Sprintf("model reply for %s", f),
		InfoExtracted: map[conversation.Field]*string{f: &v},
		InfoComplete:  complete,
		Analysis:      "test",
	}
}

type recorder struct {
	mu     sync.Mutex
	events []events.Event
	err    error
}

func (r *recorder) Publish(ctx context.Context, e events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return r.err
}

type failingStore struct {
	store.Gateway
	err error
}

func (f failingStore) Apply(ctx context.Context, d *store.Delta) (int64, error) {
	return 0, f.err
}

func newEngine(ex Extractor, gw store.Gateway, opts ...Option) *Engine {
	opts = append([]Option{WithClock(func() time.Time { return fixedNow })}, opts...)
	return New(ex, gw, opts...)
}

func TestHappyPathCompletesBooking(t *testing.T) {
	ctx := context.Background()
	ex := &scripted{}
	ex.push(
		got(conversation.FieldName, "Jane Citizen", true),
		got(conversation.FieldPhone, "0412345678", true),
		got(conversation.FieldAddress, "123 Main Street Sydney NSW 2000", true),
		got(conversation.FieldService, "clean", true),
		got(conversation.FieldTime, "tomorrow morning", true),
	)
	gw := store.NewMemoryStore()
	rec := &recorder{}
	e := newEngine(ex, gw, WithNotifier(rec))

	inputs := []string{"I'm Jane Citizen", "0412 345 678", "123 Main Street Sydney NSW 2000", "a clean please", "tomorrow morning"}
	var res *Result
	var err error
	for i, in := range inputs {
		res, err = e.Handle(ctx, "s1", in)
		require.NoError(t, err)
		if i < len(inputs)-1 {
			require.Equal(t, OutcomeAdvanced, res.Outcome)
		}
	}
	require.Equal(t, OutcomeCompleted, res.Outcome)
	require.False(t, res.Escalated)
	require.Contains(t, res.Reply, "Jane Citizen")

	s := res.State
	require.Equal(t, conversation.StepCompleted, s.CurrentStep)
	require.True(t, s.ConversationComplete)
	require.True(t, s.ServiceAvailable)
	require.True(t, s.TimeAvailable)
	require.Len(t, s.History, 10)
	require.EqualValues(t, 5, s.Version)
	for _, f := range conversation.Fields {
		require.True(t, s.Slot(f).Complete, f)
		require.NotNil(t, s.Slot(f).Timestamp, f)
	}
	require.Equal(t, []conversation.Field{
		conversation.FieldName, conversation.FieldPhone, conversation.FieldAddress,
		conversation.FieldService, conversation.FieldTime,
	}, ex.fields)

	stored, err := gw.Load(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, s, stored)

	require.Len(t, rec.events, 1)
	require.Equal(t, events.KindCompleted, rec.events[0].Kind)
	require.Equal(t, "clean", rec.events[0].Values["service"])
}

func TestPhoneRejectedStaysOnStep(t *testing.T) {
	ctx := context.Background()
	ex := &scripted{}
	ex.push(got(conversation.FieldPhone, "13812345678", true))
	gw := store.NewMemoryStore()
	e := newEngine(ex, gw)

	s := e.NewState("s2")
	s.CurrentStep = conversation.StepCollectPhone
	require.NoError(t, gw.Save(ctx, s))

	res, err := e.Handle(ctx, "s2", "13812345678")
	require.NoError(t, err)
	require.Equal(t, OutcomeRetry, res.Outcome)
	require.Equal(t, conversation.StepCollectPhone, res.State.CurrentStep)
	require.Equal(t, 1, res.State.Phone.Attempts)
	require.False(t, res.State.Phone.Complete)
	require.Nil(t, res.State.Phone.Value)
	// The model claimed success, so the reply comes from the rules.
	require.Equal(t, extraction.RetryPrompt(conversation.FieldPhone), res.Reply)
}

func TestServiceAvailability(t *testing.T) {
	tests := []struct {
		name      string
		value     string
		available bool
	}{
		{name: "offered", value: "clean", available: true},
		{name: "not offered", value: "roofing", available: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ex := &scripted{}
			ex.push(got(conversation.FieldService, tt.value, true))
			e := newEngine(ex, store.NewMemoryStore())

			s := e.NewState("svc")
			s.CurrentStep = conversation.StepCollectService
			res, err := e.Process(context.Background(), s, tt.value)
			require.NoError(t, err)
			require.Equal(t, OutcomeAdvanced, res.Outcome)
			require.Equal(t, conversation.StepCollectTime, res.State.CurrentStep)
			require.True(t, res.State.Service.Complete)
			require.Equal(t, tt.available, res.State.ServiceAvailable)
		})
	}
}

func TestEscalatesAfterMaxAttempts(t *testing.T) {
	ctx := context.Background()
	ex := &scripted{}
	for range 3 {
		ex.push(got(conversation.FieldName, "12345", true))
	}
	rec := &recorder{}
	e := newEngine(ex, store.NewMemoryStore(), WithNotifier(rec))

	var res *Result
	var err error
	for i := 1; i <= 3; i++ {
		res, err = e.Handle(ctx, "s3", fmt.Sprintf("attempt %d", i))
		require.NoError(t, err)
		require.Equal(t, i, res.State.Name.Attempts)
		if i < 3 {
			require.Equal(t, OutcomeRetry, res.Outcome)
			require.False(t, res.Escalated)
		}
	}
	require.Equal(t, OutcomeEscalated, res.Outcome)
	require.True(t, res.Escalated)
	require.Equal(t, conversation.StepCollectName, res.State.CurrentStep)
	require.Contains(t, res.Reply, "one of our team")

	require.Len(t, rec.events, 1)
	require.Equal(t, events.KindEscalated, rec.events[0].Kind)
	require.Equal(t, "name", rec.events[0].Field)
	require.Equal(t, 3, rec.events[0].Attempts)
}

func TestServiceUsesItsOwnLimit(t *testing.T) {
	ex := &scripted{}
	ex.push(got(conversation.FieldService, "", false))
	e := newEngine(ex, store.NewMemoryStore(), WithAttemptLimits(5, 1))

	s := e.NewState("svc-limit")
	s.CurrentStep = conversation.StepCollectService
	res, err := e.Process(context.Background(), s, "umm")
	require.NoError(t, err)
	require.Equal(t, OutcomeEscalated, res.Outcome)
	require.Equal(t, 5, res.State.MaxAttempts)
}

func TestValidatorOverridesModel(t *testing.T) {
	bad := map[conversation.Field]string{
		conversation.FieldName:    "!!!",
		conversation.FieldPhone:   "555-0100",
		conversation.FieldAddress: "somewhere",
		conversation.FieldService: "   ",
		conversation.FieldTime:    "",
	}
	for f, v := range bad {
		t.Run(string(f), func(t *testing.T) {
			ex := &scripted{}
			ex.push(got(f, v, true))
			e := newEngine(ex, store.NewMemoryStore())

			s := e.NewState("v-" + string(f))
			for _, st := range steps {
				if st.field == f {
					s.CurrentStep = st.id
				}
			}
			res, err := e.Process(context.Background(), s, "something")
			require.NoError(t, err)
			require.False(t, res.State.Slot(f).Complete)
			require.Equal(t, 1, res.State.Slot(f).Attempts)
			require.Equal(t, s.CurrentStep, res.State.CurrentStep)
		})
	}
}

func TestIncompleteExtractionIsRetry(t *testing.T) {
	ex := &scripted{}
	ex.push(got(conversation.FieldName, "Jane", false))
	e := newEngine(ex, store.NewMemoryStore())

	res, err := e.Handle(context.Background(), "s4", "Jane")
	require.NoError(t, err)
	require.Equal(t, OutcomeRetry, res.Outcome)
	require.Equal(t, "model reply for name", res.Reply)
	require.False(t, res.State.Name.Complete)
}

func TestStepNeverRegresses(t *testing.T) {
	ctx := context.Background()
	ex := &scripted{}
	ex.push(
		got(conversation.FieldName, "Jane", true),
		got(conversation.FieldPhone, "", false),
		got(conversation.FieldPhone, "0412345678", true),
		got(conversation.FieldAddress, "12 Oak Ave", true),
	)
	e := newEngine(ex, store.NewMemoryStore(), WithAttemptLimits(10, 10))

	prev := conversation.StepCollectName
	for _, in := range []string{"Jane", "no", "0412345678", "my name is Bob actually"} {
		res, err := e.Handle(ctx, "s5", in)
		require.NoError(t, err)
		require.False(t, res.State.CurrentStep.Before(prev))
		prev = res.State.CurrentStep
	}
	require.Equal(t, conversation.StepCollectAddress, prev)
}

func TestDuplicateUtteranceIsReplayed(t *testing.T) {
	ctx := context.Background()
	ex := &scripted{}
	ex.push(got(conversation.FieldName, "Jane Citizen", true))
	gw := store.NewMemoryStore()
	e := newEngine(ex, gw)

	first, err := e.Handle(ctx, "s6", "Jane Citizen")
	require.NoError(t, err)
	require.Equal(t, OutcomeAdvanced, first.Outcome)

	again, err := e.Handle(ctx, "s6", "Jane Citizen")
	require.NoError(t, err)
	require.Equal(t, OutcomeReplayed, again.Outcome)
	require.Equal(t, first.Reply, again.Reply)
	require.Equal(t, 1, ex.calls())

	stored, err := gw.Load(ctx, "s6")
	require.NoError(t, err)
	require.Equal(t, first.State.Version, stored.Version)
	require.Len(t, stored.History, 2)
}

func TestEmptyUtteranceIgnored(t *testing.T) {
	ex := &scripted{}
	gw := store.NewMemoryStore()
	e := newEngine(ex, gw)

	res, err := e.Handle(context.Background(), "s7", "   ")
	require.NoError(t, err)
	require.Equal(t, OutcomeIgnored, res.Outcome)
	require.Equal(t, e.Greeting(), res.Reply)
	require.Zero(t, ex.calls())
	require.Zero(t, gw.Len())
}

func TestTurnsAfterCompletion(t *testing.T) {
	ex := &scripted{}
	e := newEngine(ex, store.NewMemoryStore())

	s := e.NewState("s8")
	s.CurrentStep = conversation.StepCompleted
	s.ConversationComplete = true
	res, err := e.Process(context.Background(), s, "thanks!")
	require.NoError(t, err)
	require.Equal(t, OutcomeFinished, res.Outcome)
	require.Zero(t, ex.calls())
	require.Len(t, res.State.History, 2)
}

func TestHistoryExcludesCurrentUtterance(t *testing.T) {
	ctx := context.Background()
	ex := &scripted{}
	ex.push(got(conversation.FieldName, "", false), got(conversation.FieldName, "Jane", true))
	e := newEngine(ex, store.NewMemoryStore())

	_, err := e.Handle(ctx, "s9", "hello")
	require.NoError(t, err)
	_, err = e.Handle(ctx, "s9", "Jane")
	require.NoError(t, err)

	require.Empty(t, ex.history[0])
	require.Len(t, ex.history[1], 2)
	require.Equal(t, "hello", ex.history[1][0].Content)
}

func TestCancelledTurnWritesNothing(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	gw := store.NewMemoryStore()
	ex := extractorFunc(func(ctx context.Context, f conversation.Field, _ []conversation.Entry, _ string) *conversation.Extraction {
		cancel()
		return got(f, "Jane", true)
	})
	e := newEngine(ex, gw)

	res, err := e.Handle(ctx, "s10", "Jane")
	require.ErrorIs(t, err, context.Canceled)
	require.Nil(t, res)
	require.Zero(t, gw.Len())
}

func TestPersistenceFailure(t *testing.T) {
	ex := &scripted{}
	ex.push(got(conversation.FieldName, "Jane", true))
	rec := &recorder{}
	gw := failingStore{Gateway: store.NewMemoryStore(), err: fmt.Errorf("%w: connection refused", store.ErrUnavailable)}
	e := newEngine(ex, gw, WithNotifier(rec))

	s := e.NewState("s11")
	res, err := e.Process(context.Background(), s, "Jane")
	require.ErrorIs(t, err, ErrPersistence)
	require.ErrorIs(t, err, store.ErrUnavailable)
	require.Nil(t, res)
	require.Empty(t, rec.events)
	require.Equal(t, conversation.StepCollectName, s.CurrentStep)
	require.Empty(t, s.History)
}

type slowLoadStore struct {
	store.Gateway
	err error
}

func (s slowLoadStore) Load(ctx context.Context, sessionID string) (*conversation.State, error) {
	return nil, s.err
}

func TestLoadTimeoutIsNotPersistenceFailure(t *testing.T) {
	gw := slowLoadStore{Gateway: store.NewMemoryStore(), err: context.DeadlineExceeded}
	e := newEngine(&scripted{}, gw)

	res, err := e.Handle(context.Background(), "s12", "Jane")
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.NotErrorIs(t, err, ErrPersistence)
	require.Nil(t, res)
}

func TestConflictIsReported(t *testing.T) {
	ex := &scripted{}
	ex.push(got(conversation.FieldName, "Jane", true))
	gw := store.NewMemoryStore()
	e := newEngine(ex, gw)

	stale := e.NewState("s12")
	require.NoError(t, gw.Save(context.Background(), e.NewState("s12")))

	_, err := e.Process(context.Background(), stale, "Jane")
	require.ErrorIs(t, err, store.ErrConflict)
	require.False(t, errors.Is(err, ErrPersistence))
}

func TestNotifierErrorDoesNotFailTurn(t *testing.T) {
	ex := &scripted{}
	ex.push(got(conversation.FieldName, "x", false))
	rec := &recorder{err: errors.New("broker down")}
	e := newEngine(ex, store.NewMemoryStore(), WithNotifier(rec), WithAttemptLimits(1, 1))

	res, err := e.Handle(context.Background(), "s13", "x")
	require.NoError(t, err)
	require.True(t, res.Escalated)
	require.Len(t, rec.events, 1)
}

func TestWithRealAdapter(t *testing.T) {
	model := extraction.ModelFunc(func(ctx context.Context, system, user string) (string, error) {
		return "```json\n{\"response\":\"Thanks Jane, what's your mobile?\",\"info_extracted\":{\"name\":\"Jane Citizen\"},\"info_complete\":true,\"analysis\":\"clear\"}\n```", nil
	})
	e := newEngine(extraction.NewAdapter(model), store.NewMemoryStore())

	res, err := e.Handle(context.Background(), "s14", "it's Jane Citizen")
	require.NoError(t, err)
	require.Equal(t, OutcomeAdvanced, res.Outcome)
	require.Equal(t, "Thanks Jane, what's your mobile?", res.Reply)
	require.Equal(t, "Jane Citizen", *res.State.Name.Value)
	require.NotNil(t, res.State.LastStructured)
}

type extractorFunc func(ctx context.Context, f conversation.Field, history []conversation.Entry, utterance string) *conversation.Extraction

func (fn extractorFunc) Extract(ctx context.Context, f conversation.Field, history []conversation.Entry, utterance string) *conversation.Extraction {
	return fn(ctx, f, history, utterance)
}
