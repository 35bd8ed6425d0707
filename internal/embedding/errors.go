package embedding

import (
	"errors"
	"fmt"
)

// ErrSequenceExceedsContext is returned for an input that cannot be
// embedded in one decode. Inputs are never truncated.
var ErrSequenceExceedsContext = errors.New("sequence exceeds context")

// SequenceError identifies the offending input.
type SequenceError struct {
	Index  int
	Tokens int
	Limit  int
}

func (e *SequenceError) Error() string {
	if e.Tokens == 0 {
		return fmt.Sprintf("input %d: empty token sequence", e.Index)
	}
	return fmt.Sprintf("%s: input %d has %d tokens, limit is %d", ErrSequenceExceedsContext, e.Index, e.Tokens, e.Limit)
}

// Unwrap returns ErrSequenceExceedsContext only for oversized inputs.
func (e *SequenceError) Unwrap() error {
	if e.Tokens == 0 {
		return nil
	}
	return ErrSequenceExceedsContext
}
