package engine

import (
	"context"
	"errors"

	"github.com/c360studio/semresearch/stream"
)

var (
	// ErrBusy is returned by Run while another action is in flight.
	ErrBusy = errors.New("a step action is already running")

	// ErrStepDisabled is returned by Run when the current step is gated off.
	ErrStepDisabled = errors.New("step action is disabled")

	// ErrNoSteps is returned by New for an empty registry.
	ErrNoSteps = errors.New("workflow engine: at least one step is required")
)

// User-facing messages for lastError.
const (
	MsgSessionExpired = "Your session has expired. Please login again."
	MsgNoData         = "No data received. Please try again."
	MsgUnavailable    = "The research service is unavailable. Please try again."
	MsgInvalid        = "Received an invalid response. Please try again."
	MsgGeneric        = "An error occurred. Please try again."
)

// UserMessage converts an action failure into the single string shown to the
// user.
func UserMessage(err error) string {
	var action *stream.ActionError
	switch {
	case err == nil:
		return ""
	case stream.IsAuth(err):
		return MsgSessionExpired
	case errors.As(err, &action):
		return action.Message
	case errors.Is(err, stream.ErrNoData):
		return MsgNoData
	case stream.IsParse(err):
		return MsgInvalid
	case stream.IsTransport(err), errors.Is(err, context.DeadlineExceeded):
		return MsgUnavailable
	default:
		return MsgGeneric
	}
}
