// Package store persists conversation state by session id.
//
// Writes go through Apply, which carries only what a turn changed (slots,
// appended history, progress metadata) and is rejected when the stored
// version moved since the turn loaded its state.
package store

import (
	"context"
	"errors"
	"reflect"
	"time"

	"github.com/room4-2/bookingline/conversation"
)

var (
	ErrNotFound    = errors.New("conversation not found")
	ErrConflict    = errors.New("conversation modified concurrently")
	ErrUnavailable = errors.New("conversation store unavailable")
)

// Gateway loads and stores conversation state.
type Gateway interface {
	// Load fails with ErrNotFound when nothing is stored for sessionID.
	Load(ctx context.Context, sessionID string) (*conversation.State, error)
	// Save overwrites the whole document and bumps its version.
	Save(ctx context.Context, s *conversation.State) error
	// Apply writes d atomically and returns the new version.
	Apply(ctx context.Context, d *Delta) (int64, error)
}

// Meta is the progress part of a state: everything but slots and history.
type Meta struct {
	CurrentStep          conversation.Step        `json:"current_step"`
	LastUserInput        string                   `json:"last_user_input"`
	LastStructured       *conversation.Extraction `json:"last_assistant_structured_response,omitempty"`
	LastTurn             *conversation.TurnRecord `json:"last_turn,omitempty"`
	MaxAttempts          int                      `json:"max_attempts"`
	ServiceMaxAttempts   int                      `json:"service_max_attempts"`
	ServiceAvailable     bool                     `json:"service_available"`
	TimeAvailable        bool                     `json:"time_available"`
	ConversationComplete bool                     `json:"conversation_complete"`
	CreatedAt            time.Time                `json:"created_at"`
	UpdatedAt            time.Time                `json:"updated_at"`
}

// Delta is the change produced by one turn.
type Delta struct {
	SessionID string
	// BaseVersion is the version the turn started from; 0 creates the conversation.
	BaseVersion int64
	Slots       map[conversation.Field]conversation.Slot
	History     []conversation.Entry
	Meta        Meta
}

// MetaOf extracts the progress metadata of s.
func MetaOf(s *conversation.State) Meta {
	return Meta{
		CurrentStep:          s.CurrentStep,
		LastUserInput:        s.LastUserInput,
		LastStructured:       s.LastStructured,
		LastTurn:             s.LastTurn,
		MaxAttempts:          s.MaxAttempts,
		ServiceMaxAttempts:   s.ServiceMaxAttempts,
		ServiceAvailable:     s.ServiceAvailable,
		TimeAvailable:        s.TimeAvailable,
		ConversationComplete: s.ConversationComplete,
		CreatedAt:            s.CreatedAt,
		UpdatedAt:            s.UpdatedAt,
	}
}

func (m Meta) applyTo(s *conversation.State) {
	s.CurrentStep = m.CurrentStep
	s.LastUserInput = m.LastUserInput
	s.LastStructured = m.LastStructured
	s.LastTurn = m.LastTurn
	s.MaxAttempts = m.MaxAttempts
	s.ServiceMaxAttempts = m.ServiceMaxAttempts
	s.ServiceAvailable = m.ServiceAvailable
	s.TimeAvailable = m.TimeAvailable
	s.ConversationComplete = m.ConversationComplete
	s.CreatedAt = m.CreatedAt
	s.UpdatedAt = m.UpdatedAt
}

// Diff computes the delta that turns before into after. before may be nil
// for a conversation that has never been stored.
func Diff(before, after *conversation.State) *Delta {
	d := &Delta{
		SessionID: after.SessionID,
		Slots:     map[conversation.Field]conversation.Slot{},
		Meta:      MetaOf(after),
	}
	var prevHistory int
	for _, f := range conversation.Fields {
		cur := *after.Slot(f)
		if before == nil || !reflect.DeepEqual(*before.Slot(f), cur) {
			d.Slots[f] = cur
		}
	}
	if before != nil {
		d.BaseVersion = before.Version
		prevHistory = len(before.History)
	}
	if prevHistory < len(after.History) {
		d.History = append([]conversation.Entry(nil), after.History[prevHistory:]...)
	}
	return d
}

// applyDelta mutates s in place the way every backend must.
func applyDelta(s *conversation.State, d *Delta) {
	for f, slot := range d.Slots {
		if dst := s.Slot(f); dst != nil {
			*dst = slot
		}
	}
	s.History = append(s.History, d.History...)
	d.Meta.applyTo(s)
}
