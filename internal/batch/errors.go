package batch

import (
	"errors"
	"fmt"
)

var (
	// ErrCapacityExceeded is returned when an entry or sequence does not fit.
	// Callers recover by flushing the batch or by submitting less input.
	ErrCapacityExceeded = errors.New("batch capacity exceeded")
	// ErrInvalidSequence is returned for malformed sequence tagging.
	ErrInvalidSequence = errors.New("invalid batch entry")
)

// CapacityError describes a rejected add.
type CapacityError struct {
	Len       int
	Capacity  int
	Requested int
	MaxSeqs   int
	// SeqIDs is the sequence count that overflowed MaxSeqs, zero when the
	// token capacity was the limit.
	SeqIDs int
}

func (e *CapacityError) Error() string {
	if e.SeqIDs > 0 {
		return fmt.Sprintf("batch capacity exceeded: %d sequences, max %d", e.SeqIDs, e.MaxSeqs)
	}
	return fmt.Sprintf("batch capacity exceeded: %d tokens requested with %d/%d used", e.Requested, e.Len, e.Capacity)
}

func (e *CapacityError) Unwrap() error {
	return ErrCapacityExceeded
}
