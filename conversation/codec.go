package conversation

import (
	"fmt"

	"github.com/bytedance/sonic"
)

// Marshal encodes a state snapshot.
func Marshal(s *State) ([]byte, error) {
	data, err := sonic.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal conversation state: %w", err)
	}
	return data, nil
}

// Unmarshal decodes a state snapshot produced by Marshal.
func Unmarshal(data []byte) (*State, error) {
	var s State
	if err := sonic.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to unmarshal conversation state: %w", err)
	}
	if !s.CurrentStep.Valid() {
		return nil, fmt.Errorf("unknown step %q", s.CurrentStep)
	}
	if s.History == nil {
		s.History = []Entry{}
	}
	return &s, nil
}
