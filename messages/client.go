package messages

import "encoding/json"

// ClientMessage represents a message from a websocket client
type ClientMessage struct {
	Type    string          `json:"type"` // "turn", "control"
	Payload json.RawMessage `json:"payload"`
}

// TurnPayload carries one caller utterance
type TurnPayload struct {
	Utterance string `json:"utterance"`
}

// ControlPayload contains control commands
type ControlPayload struct {
	Action string `json:"action"` // "ping", "end"
}

// TurnRequest is the body of POST /turn
type TurnRequest struct {
	SessionID string `json:"session_id"`
	Utterance string `json:"utterance"`
}
