package multimodal

import (
	"context"
	"fmt"
	"strings"

	"github.com/samcharles93/loom/internal/engine"
)

// Tokenizer splits a prompt on media markers and produces the chunk list:
// text spans through Vocab, bitmaps through Encoder.
type Tokenizer struct {
	Vocab   engine.Vocab
	Encoder Encoder
	Caps    engine.Capabilities
	// Marker defaults to DefaultMarker.
	Marker string
	// AddSpecial prepends BOS to the first text chunk.
	AddSpecial bool
}

// Tokenize returns one chunk per non-empty text span and one per bitmap, in
// prompt order. The i-th marker is replaced by the i-th bitmap.
func (t *Tokenizer) Tokenize(ctx context.Context, text string, bitmaps []Bitmap) ([]Chunk, error) {
	marker := t.Marker
	if marker == "" {
		marker = DefaultMarker
	}
	parts := strings.Split(text, marker)
	if markers := len(parts) - 1; markers != len(bitmaps) {
		return nil, &CountMismatchError{Expected: markers, Provided: len(bitmaps)}
	}
	for i, bm := range bitmaps {
		if err := t.supports(bm.Type); err != nil {
			return nil, fmt.Errorf("bitmap %d: %w", i, err)
		}
	}

	chunks := make([]Chunk, 0, len(parts)+len(bitmaps))
	addSpecial := t.AddSpecial
	for i, part := range parts {
		if part != "" || addSpecial {
			toks, err := t.Vocab.Tokenize(part, addSpecial)
			if err != nil {
				return nil, fmt.Errorf("tokenize text chunk %d: %w", i, err)
			}
			if len(toks) > 0 {
				chunks = append(chunks, Chunk{Type: ChunkText, Tokens: toks, NTokens: len(toks), NPos: len(toks)})
			}
			addSpecial = false
		}
		if i == len(bitmaps) {
			break
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		chunk, err := t.Encoder.Encode(ctx, bitmaps[i])
		if err != nil {
			return nil, fmt.Errorf("encode bitmap %d: %w", i, err)
		}
		if chunk.ID == "" {
			chunk.ID = bitmaps[i].ID
		}
		chunks = append(chunks, chunk)
	}
	return chunks, nil
}

func (t *Tokenizer) supports(kind ChunkType) error {
	switch kind {
	case ChunkImage:
		if !t.Caps.Has(engine.CapVision) {
			return fmt.Errorf("%w: image input needs vision", ErrUnsupported)
		}
	case ChunkAudio:
		if !t.Caps.Has(engine.CapAudio) {
			return fmt.Errorf("%w: audio input needs audio", ErrUnsupported)
		}
	default:
		return fmt.Errorf("%w: bitmap of type %s", ErrUnsupported, kind)
	}
	if t.Encoder == nil {
		return fmt.Errorf("%w: no media encoder configured", ErrUnsupported)
	}
	return nil
}
