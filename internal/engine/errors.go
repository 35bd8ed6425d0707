package engine

import (
	"errors"
	"fmt"
)

var (
	// ErrDecode marks an engine-internal decode failure. It is fatal to the
	// current attempt.
	ErrDecode = errors.New("decode failure")
	// ErrKVCacheFull is a decode failure caused by an exhausted KV cache.
	ErrKVCacheFull = errors.New("kv cache full")
	// ErrNoLogits is returned when logits are read for an entry that did not
	// request them.
	ErrNoLogits = errors.New("logits not requested for entry")
	// ErrPoolingMismatch is returned when an embedding accessor does not match
	// the context's pooling mode.
	ErrPoolingMismatch = errors.New("embedding accessor does not match pooling mode")
	// ErrClosed is returned by a context or model used after Close.
	ErrClosed = errors.New("engine handle closed")
)

// DecodeError carries the engine status of a failed decode.
type DecodeError struct {
	Code   int
	Tokens int
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode failure (code %d, %d tokens): %v", e.Code, e.Tokens, e.Err)
	}
	return fmt.Sprintf("decode failure (code %d, %d tokens)", e.Code, e.Tokens)
}

// Is reports true for ErrDecode; Unwrap exposes the cause.
func (e *DecodeError) Is(target error) bool {
	return target == ErrDecode
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}
