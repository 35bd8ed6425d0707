package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/samcharles93/loom/internal/batch"
	"github.com/samcharles93/loom/internal/embedding"
	"github.com/samcharles93/loom/internal/engine"
	"github.com/samcharles93/loom/internal/inference"
)

var (
	ErrInvalidRequest = errors.New("invalid_request")
	// ErrBusy is returned when every inference slot is taken.
	ErrBusy = errors.New("server busy")
)

// statusClientClosedRequest is nginx's code for a client that went away.
const statusClientClosedRequest = 499

type invalidRequestError struct {
	msg   string
	param string
}

func (e invalidRequestError) Error() string {
	return e.msg
}

func (e invalidRequestError) Unwrap() error {
	return ErrInvalidRequest
}

func newInvalidRequest(param, msg string) error {
	return invalidRequestError{msg: msg, param: param}
}

// errorStatus maps an engine error to its HTTP status, error type and code.
func errorStatus(err error) (status int, errType, code string) {
	switch {
	case errors.Is(err, ErrInvalidRequest), errors.Is(err, inference.ErrInvalidRequest):
		return http.StatusBadRequest, "invalid_request_error", ""
	case errors.Is(err, inference.ErrPromptTooLong):
		return http.StatusBadRequest, "invalid_request_error", "prompt_too_long"
	case errors.Is(err, inference.ErrContextTooSmall):
		return http.StatusUnprocessableEntity, "invalid_request_error", "context_too_small"
	case errors.Is(err, embedding.ErrSequenceExceedsContext):
		return http.StatusRequestEntityTooLarge, "invalid_request_error", "sequence_exceeds_context"
	case errors.Is(err, batch.ErrCapacityExceeded):
		return http.StatusInsufficientStorage, "server_error", "capacity_exceeded"
	case errors.Is(err, ErrBusy):
		return http.StatusServiceUnavailable, "server_error", "busy"
	case errors.Is(err, context.Canceled):
		return statusClientClosedRequest, "server_error", "canceled"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "server_error", "timeout"
	case errors.Is(err, engine.ErrDecode):
		return http.StatusInternalServerError, "server_error", "decode_failure"
	default:
		return http.StatusInternalServerError, "server_error", ""
	}
}
