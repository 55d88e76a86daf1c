package dialog

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/room4-2/bookingline/catalog"
	"github.com/room4-2/bookingline/conversation"
	"github.com/room4-2/bookingline/events"
	"github.com/room4-2/bookingline/extraction"
	"github.com/room4-2/bookingline/store"
	"github.com/room4-2/bookingline/validate"
)

// ErrPersistence means the turn could not be stored; the caller must not
// assume the conversation advanced.
var ErrPersistence = errors.New("conversation state could not be persisted")

type Outcome string

const (
	OutcomeAdvanced  Outcome = "advanced"
	OutcomeCompleted Outcome = "completed"
	OutcomeRetry     Outcome = "retry"
	OutcomeEscalated Outcome = "escalated"
	OutcomeReplayed  Outcome = "replayed"
	OutcomeFinished  Outcome = "finished"
	OutcomeIgnored   Outcome = "ignored"
)

// Extractor produces a structured result for one field. It must not fail.
type Extractor interface {
	Extract(ctx context.Context, f conversation.Field, history []conversation.Entry, utterance string) *conversation.Extraction
}

// Notifier receives outcomes once they are durable.
type Notifier interface {
	Publish(ctx context.Context, e events.Event) error
}

// Result is what one turn hands back to the transport.
type Result struct {
	SessionID string
	Reply     string
	Outcome   Outcome
	Escalated bool
	State     *conversation.State
}

type Engine struct {
	extractor          Extractor
	store              store.Gateway
	validator          *validate.Validator
	notifier           Notifier
	company            string
	maxAttempts        int
	serviceMaxAttempts int
	now                func() time.Time
}

type Option func(*Engine)

// WithCatalog sets the catalog used for validation and wording.
func WithCatalog(c *catalog.Catalog) Option {
	return func(e *Engine) {
		if c != nil {
			e.validator = validate.New(c)
			e.company = c.CompanyName
		}
	}
}

// WithAttemptLimits sets the attempt ceilings given to new conversations.
func WithAttemptLimits(maxAttempts, serviceMaxAttempts int) Option {
	return func(e *Engine) {
		if maxAttempts > 0 {
			e.maxAttempts = maxAttempts
		}
		if serviceMaxAttempts > 0 {
			e.serviceMaxAttempts = serviceMaxAttempts
		}
	}
}

func WithNotifier(n Notifier) Option {
	return func(e *Engine) {
		e.notifier = n
	}
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

func New(extractor Extractor, gw store.Gateway, opts ...Option) *Engine {
	c := catalog.Default()
	e := &Engine{
		extractor:          extractor,
		store:              gw,
		validator:          validate.New(c),
		company:            c.CompanyName,
		maxAttempts:        conversation.DefaultMaxAttempts,
		serviceMaxAttempts: conversation.DefaultServiceMaxAttempts,
		now:                time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Greeting is the first thing said on a new call.
func (e *Engine) Greeting() string {
	return fmt.Sprintf("Thanks for calling %s. %s", e.company, extraction.Question(conversation.FieldName))
}

// NewState returns a fresh conversation carrying the engine's attempt limits.
func (e *Engine) NewState(sessionID string) *conversation.State {
	s := conversation.NewState(sessionID, e.now().UTC())
	s.MaxAttempts = e.maxAttempts
	s.ServiceMaxAttempts = e.serviceMaxAttempts
	return s
}

// Handle loads the conversation for sessionID, creating it on first contact,
// and processes one utterance.
func (e *Engine) Handle(ctx context.Context, sessionID, utterance string) (*Result, error) {
	state, err := e.store.Load(ctx, sessionID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		state = e.NewState(sessionID)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return nil, fmt.Errorf("load %s: %w", sessionID, err)
	case err != nil:
		return nil, fmt.Errorf("%w: load %s: %w", ErrPersistence, sessionID, err)
	}
	return e.Process(ctx, state, utterance)
}

// Process runs one turn against state and persists the result. state itself
// is never modified; the returned Result carries the new snapshot. Nothing is
// written when ctx is cancelled before the turn finishes.
func (e *Engine) Process(ctx context.Context, state *conversation.State, utterance string) (*Result, error) {
	utterance = strings.TrimSpace(utterance)
	logger := log.With().Str("session_id", state.SessionID).Str("step", string(state.CurrentStep)).Logger()

	if utterance == "" {
		return &Result{
			SessionID: state.SessionID,
			Reply:     e.prompt(state),
			Outcome:   OutcomeIgnored,
			State:     state,
		}, nil
	}

	if lt := state.LastTurn; lt != nil && lt.Advanced && lt.Input == utterance && state.LastUserInput == utterance {
		logger.Debug().Msg("dialog: duplicate utterance, replaying last reply")
		return &Result{
			SessionID: state.SessionID,
			Reply:     lt.Reply,
			Outcome:   OutcomeReplayed,
			State:     state,
		}, nil
	}

	now := e.now().UTC()
	next := state.Clone()
	next.Append(conversation.RoleUser, utterance, now)
	next.LastUserInput = utterance

	var (
		outcome Outcome
		reply   string
		field   conversation.Field
	)
	if next.CurrentStep.Terminal() {
		outcome, reply = OutcomeFinished, e.closing()
	} else {
		st, ok := lookup(next.CurrentStep)
		if !ok {
			return nil, fmt.Errorf("conversation %s is at unknown step %q", state.SessionID, next.CurrentStep)
		}
		field = st.field

		ext := e.extractor.Extract(ctx, st.field, state.History, utterance)
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		next.LastStructured = ext
		outcome, reply = e.evaluate(next, st, ext, now)
	}

	next.Append(conversation.RoleAssistant, reply, now)
	next.LastTurn = &conversation.TurnRecord{
		Input:     utterance,
		Step:      state.CurrentStep,
		Outcome:   string(outcome),
		Reply:     reply,
		Advanced:  next.CurrentStep != state.CurrentStep,
		Escalated: outcome == OutcomeEscalated,
		At:        now,
	}
	next.UpdatedAt = now

	version, err := e.store.Apply(ctx, store.Diff(state, next))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if errors.Is(err, store.ErrConflict) {
			return nil, fmt.Errorf("conversation %s: %w", state.SessionID, err)
		}
		logger.Error().Err(err).Msg("dialog: failed to persist turn")
		return nil, fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	next.Version = version

	logger.Info().
		Str("outcome", string(outcome)).
		Str("next_step", string(next.CurrentStep)).
		Int64("version", version).
		Msg("dialog: turn processed")

	e.notify(ctx, next, outcome, field)

	return &Result{
		SessionID: next.SessionID,
		Reply:     reply,
		Outcome:   outcome,
		Escalated: outcome == OutcomeEscalated,
		State:     next,
	}, nil
}

// evaluate applies the validator verdict to the active slot. The model's
// info_complete flag is necessary but never sufficient.
func (e *Engine) evaluate(s *conversation.State, st step, ext *conversation.Extraction, now time.Time) (Outcome, string) {
	slot := s.Slot(st.field)
	value, has := ext.Value(st.field)

	var verdict check
	if has {
		verdict = st.check(e.validator, value)
	}

	if ext.InfoComplete && has && verdict.ok {
		slot.Value = &value
		slot.Complete = true
		slot.Timestamp = &now
		if verdict.available != nil {
			setAvailability(s, st.field, *verdict.available)
		}
		s.CurrentStep = st.next
		if s.CurrentStep.Terminal() {
			s.ConversationComplete = true
			return OutcomeCompleted, e.confirmation(s)
		}
		return OutcomeAdvanced, ext.Response
	}

	slot.Attempts++
	if slot.Attempts >= s.AttemptLimit(st.field) {
		return OutcomeEscalated, escalation(st.field)
	}
	if ext.InfoComplete {
		// The model thought it had a value but the rules disagree.
		return OutcomeRetry, extraction.RetryPrompt(st.field)
	}
	return OutcomeRetry, ext.Response
}

func (e *Engine) prompt(s *conversation.State) string {
	if s.CurrentStep.Terminal() {
		return e.closing()
	}
	st, ok := lookup(s.CurrentStep)
	if !ok {
		return e.Greeting()
	}
	if st.field == conversation.FieldName && len(s.History) == 0 {
		return e.Greeting()
	}
	return extraction.Question(st.field)
}

func (e *Engine) closing() string {
	return fmt.Sprintf("Your booking details are already with us. Thanks for calling %s, goodbye!", e.company)
}

func (e *Engine) confirmation(s *conversation.State) string {
	v := s.Values()
	msg := fmt.Sprintf("Thanks %s. I have %s at %s, %s.",
		v[conversation.FieldName], v[conversation.FieldService], v[conversation.FieldAddress], v[conversation.FieldTime])
	if s.ServiceAvailable && s.TimeAvailable {
		return msg + fmt.Sprintf(" We'll confirm by text to %s.", v[conversation.FieldPhone])
	}
	return msg + fmt.Sprintf(" We'll check availability and call you back on %s.", v[conversation.FieldPhone])
}

func escalation(f conversation.Field) string {
	return fmt.Sprintf("I'm sorry, I'm having trouble getting your %s. I'll pass you to one of our team who can help.", f)
}

func (e *Engine) notify(ctx context.Context, s *conversation.State, outcome Outcome, f conversation.Field) {
	if e.notifier == nil {
		return
	}
	ev := events.Event{
		SessionID:        s.SessionID,
		ServiceAvailable: s.ServiceAvailable,
		TimeAvailable:    s.TimeAvailable,
		At:               s.UpdatedAt,
	}
	switch outcome {
	case OutcomeCompleted:
		ev.Kind = events.KindCompleted
		ev.Values = make(map[string]string)
		for k, v := range s.Values() {
			ev.Values[string(k)] = v
		}
	case OutcomeEscalated:
		ev.Kind = events.KindEscalated
		ev.Field = string(f)
		ev.Attempts = s.Slot(f).Attempts
	default:
		return
	}
	if err := e.notifier.Publish(ctx, ev); err != nil {
		log.Warn().Err(err).Str("session_id", s.SessionID).Str("kind", string(ev.Kind)).Msg("dialog: failed to publish outcome")
	}
}
