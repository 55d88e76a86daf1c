package messages

import (
	"github.com/room4-2/bookingline/conversation"
)

// Error codes
const (
	ErrCodeInvalidMessage   = "INVALID_MESSAGE"
	ErrCodeSessionFailed    = "SESSION_FAILED"
	ErrCodeTooManySessions  = "TOO_MANY_SESSIONS"
	ErrCodeStoreUnavailable = "STORE_UNAVAILABLE"
	ErrCodeConflict         = "CONFLICT"
	ErrCodeTimeout          = "TIMEOUT"
	ErrCodeInternal         = "INTERNAL"
)

// Message types
const (
	TypeTurn   = "turn"
	TypeStatus = "status"
	TypeError  = "error"
)

// ServerMessage represents a message sent to a websocket client
type ServerMessage struct {
	Type      string `json:"type"` // "turn", "status", "error"
	SessionID string `json:"sessionId,omitempty"`
	Payload   any    `json:"payload"`
}

// TurnResponse is the result of one turn, over HTTP or as a websocket payload.
type TurnResponse struct {
	SessionID     string              `json:"session_id"`
	ReplyText     string              `json:"reply_text"`
	Escalated     bool                `json:"escalated"`
	Outcome       string              `json:"outcome"`
	StateSnapshot *conversation.State `json:"state_snapshot"`
}

// StatusPayload contains status updates
type StatusPayload struct {
	Status  string `json:"status"` // "connected", "pong", "disconnected"
	Message string `json:"message,omitempty"`
}

// ErrorPayload contains error information
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewTurnMessage wraps a turn result for the websocket
func NewTurnMessage(sessionID string, resp *TurnResponse) *ServerMessage {
	return &ServerMessage{
		Type:      TypeTurn,
		SessionID: sessionID,
		Payload:   resp,
	}
}

// NewStatusMessage creates a status message
func NewStatusMessage(sessionID, status, message string) *ServerMessage {
	return &ServerMessage{
		Type:      TypeStatus,
		SessionID: sessionID,
		Payload: StatusPayload{
			Status:  status,
			Message: message,
		},
	}
}

// NewErrorMessage creates an error message
func NewErrorMessage(sessionID, code, message string) *ServerMessage {
	return &ServerMessage{
		Type:      TypeError,
		SessionID: sessionID,
		Payload: ErrorPayload{
			Code:    code,
			Message: message,
		},
	}
}
