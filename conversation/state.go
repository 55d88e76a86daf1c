package conversation

import (
	"time"
)

const (
	DefaultMaxAttempts        = 3
	DefaultServiceMaxAttempts = 3
)

// Role is the speaker of a history entry.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Entry is one line of the conversation history.
type Entry struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Slot is the collection record of a single field.
type Slot struct {
	Value     *string    `json:"value"`
	Complete  bool       `json:"complete"`
	Attempts  int        `json:"attempts"`
	Timestamp *time.Time `json:"timestamp"`
}

// Extraction is the structured result the model is asked to produce.
type Extraction struct {
	Response      string            `json:"response"`
	InfoExtracted map[Field]*string `json:"info_extracted"`
	InfoComplete  bool              `json:"info_complete"`
	Analysis      string            `json:"analysis"`
}

// Value returns the extracted value for f. Empty strings count as absent.
func (e *Extraction) Value(f Field) (string, bool) {
	if e == nil || e.InfoExtracted == nil {
		return "", false
	}
	v := e.InfoExtracted[f]
	if v == nil || *v == "" {
		return "", false
	}
	return *v, true
}

// TurnRecord remembers how the latest utterance was handled.
type TurnRecord struct {
	Input     string    `json:"input"`
	Step      Step      `json:"step"`
	Outcome   string    `json:"outcome"`
	Reply     string    `json:"reply"`
	Advanced  bool      `json:"advanced"`
	Escalated bool      `json:"escalated"`
	At        time.Time `json:"at"`
}

// State is the durable record of one booking conversation.
type State struct {
	SessionID string `json:"session_id"`
	Version   int64  `json:"version"`

	Name    Slot `json:"name"`
	Phone   Slot `json:"phone"`
	Address Slot `json:"address"`
	Service Slot `json:"service"`
	Time    Slot `json:"time"`

	CurrentStep Step    `json:"current_step"`
	History     []Entry `json:"conversation_history"`

	LastUserInput      string      `json:"last_user_input"`
	LastStructured     *Extraction `json:"last_assistant_structured_response,omitempty"`
	LastTurn           *TurnRecord `json:"last_turn,omitempty"`
	MaxAttempts        int         `json:"max_attempts"`
	ServiceMaxAttempts int         `json:"service_max_attempts"`

	ServiceAvailable     bool `json:"service_available"`
	TimeAvailable        bool `json:"time_available"`
	ConversationComplete bool `json:"conversation_complete"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewState returns an empty conversation positioned at the first step.
func NewState(sessionID string, now time.Time) *State {
	return &State{
		SessionID:          sessionID,
		CurrentStep:        StepCollectName,
		History:            []Entry{},
		MaxAttempts:        DefaultMaxAttempts,
		ServiceMaxAttempts: DefaultServiceMaxAttempts,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
}

// Slot returns a pointer to the record for f, or nil for an unknown field.
func (s *State) Slot(f Field) *Slot {
	switch f {
	case FieldName:
		return &s.Name
	case FieldPhone:
		return &s.Phone
	case FieldAddress:
		return &s.Address
	case FieldService:
		return &s.Service
	case FieldTime:
		return &s.Time
	}
	return nil
}

// AttemptLimit returns the attempt ceiling that applies to f.
func (s *State) AttemptLimit(f Field) int {
	limit := s.MaxAttempts
	if f == FieldService {
		limit = s.ServiceMaxAttempts
	}
	if limit <= 0 {
		limit = DefaultMaxAttempts
	}
	return limit
}

// Append adds an entry to the end of the history.
func (s *State) Append(role Role, content string, at time.Time) Entry {
	e := Entry{Role: role, Content: content, Timestamp: at}
	s.History = append(s.History, e)
	return e
}

// Recent returns at most n trailing history entries.
func (s *State) Recent(n int) []Entry {
	if n <= 0 || len(s.History) == 0 {
		return nil
	}
	if len(s.History) <= n {
		return s.History
	}
	return s.History[len(s.History)-n:]
}

// Values returns the collected values keyed by field, skipping incomplete slots.
func (s *State) Values() map[Field]string {
	out := make(map[Field]string, len(Fields))
	for _, f := range Fields {
		slot := s.Slot(f)
		if slot.Complete && slot.Value != nil {
			out[f] = *slot.Value
		}
	}
	return out
}

// Clone returns a deep copy so a turn can be discarded without touching the original.
func (s *State) Clone() *State {
	if s == nil {
		return nil
	}
	c := *s
	for _, f := range Fields {
		*c.Slot(f) = s.Slot(f).clone()
	}
	c.History = make([]Entry, len(s.History))
	copy(c.History, s.History)
	if s.LastStructured != nil {
		ext := *s.LastStructured
		if s.LastStructured.InfoExtracted != nil {
			ext.InfoExtracted = make(map[Field]*string, len(s.LastStructured.InfoExtracted))
			for k, v := range s.LastStructured.InfoExtracted {
				ext.InfoExtracted[k] = cloneString(v)
			}
		}
		c.LastStructured = &ext
	}
	if s.LastTurn != nil {
		lt := *s.LastTurn
		c.LastTurn = &lt
	}
	return &c
}

func (sl Slot) clone() Slot {
	out := sl
	out.Value = cloneString(sl.Value)
	if sl.Timestamp != nil {
		ts := *sl.Timestamp
		out.Timestamp = &ts
	}
	return out
}

func cloneString(v *string) *string {
	if v == nil {
		return nil
	}
	s := *v
	return &s
}
