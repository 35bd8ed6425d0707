package inference

import (
	"errors"
	"fmt"
)

var (
	// ErrPromptTooLong is returned when the prompt leaves no room for a
	// generated token within nLen.
	ErrPromptTooLong = errors.New("prompt too long")
	// ErrContextTooSmall is returned when the requested length exceeds the
	// context window.
	ErrContextTooSmall = errors.New("context too small")
	ErrInvalidRequest  = errors.New("invalid request")
)

// RequestError carries the sizes that made a request unservable.
type RequestError struct {
	Err          error
	PromptTokens int
	NLen         int
	NCtx         int
}

func (e *RequestError) Error() string {
	if errors.Is(e.Err, ErrPromptTooLong) {
		return fmt.Sprintf("%s: prompt has %d tokens, n_len is %d", e.Err, e.PromptTokens, e.NLen)
	}
	return fmt.Sprintf("%s: need %d tokens, n_ctx is %d (prompt %d)", e.Err, e.NLen, e.NCtx, e.PromptTokens)
}

func (e *RequestError) Unwrap() error {
	return e.Err
}

func invalidRequest(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
}
