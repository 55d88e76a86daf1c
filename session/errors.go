package session

import (
	"context"
	"errors"

	"github.com/room4-2/bookingline/dialog"
	"github.com/room4-2/bookingline/messages"
	"github.com/room4-2/bookingline/store"
)

// ErrorCode maps a turn error to the code reported to clients.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrTooManySessions):
		return messages.ErrCodeTooManySessions
	case errors.Is(err, store.ErrConflict):
		return messages.ErrCodeConflict
	case errors.Is(err, context.DeadlineExceeded):
		return messages.ErrCodeTimeout
	case errors.Is(err, dialog.ErrPersistence), errors.Is(err, store.ErrUnavailable):
		return messages.ErrCodeStoreUnavailable
	case errors.Is(err, ErrShutdown):
		return messages.ErrCodeSessionFailed
	default:
		return messages.ErrCodeInternal
	}
}

// NewTurnResponse converts an engine result to its wire form.
func NewTurnResponse(res *dialog.Result) *messages.TurnResponse {
	return &messages.TurnResponse{
		SessionID:     res.SessionID,
		ReplyText:     res.Reply,
		Escalated:     res.Escalated,
		Outcome:       string(res.Outcome),
		StateSnapshot: res.State,
	}
}
