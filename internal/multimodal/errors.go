package multimodal

import (
	"errors"
	"fmt"
)

var (
	ErrBitmapCountMismatch    = errors.New("media marker count does not match bitmap count")
	ErrInvalidImageDimensions = errors.New("invalid image dimensions")
	ErrInvalidAudioSamples    = errors.New("invalid audio samples")
	ErrUnsupported            = errors.New("modality not supported by context")
	ErrChunkTooLarge          = errors.New("media chunk exceeds batch capacity")
)

// CountMismatchError reports how many markers the text carried and how many
// bitmaps were provided.
type CountMismatchError struct {
	Expected int
	Provided int
}

func (e *CountMismatchError) Error() string {
	return fmt.Sprintf("%s: %d markers, %d bitmaps", ErrBitmapCountMismatch, e.Expected, e.Provided)
}

func (e *CountMismatchError) Unwrap() error {
	return ErrBitmapCountMismatch
}

// ChunkError identifies the chunk that failed to evaluate.
type ChunkError struct {
	Index int
	Type  ChunkType
	Err   error
}

func (e *ChunkError) Error() string {
	return fmt.Sprintf("chunk %d (%s): %v", e.Index, e.Type, e.Err)
}

func (e *ChunkError) Unwrap() error {
	return e.Err
}
