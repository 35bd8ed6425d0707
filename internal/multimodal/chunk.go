// Package multimodal turns an ordered list of text, image and audio chunks
// into decoded KV state with correct position accounting.
//
// Media embeddings are produced by an Encoder and treated as opaque rows;
// the assembler only accounts for their token count and positions.
package multimodal

import (
	"context"
	"fmt"

	"github.com/samcharles93/loom/internal/batch"
	"github.com/samcharles93/loom/internal/engine"
)

// DefaultMarker separates text from media in a prompt.
const DefaultMarker = "<__media__>"

type ChunkType int

const (
	ChunkText ChunkType = iota
	ChunkImage
	ChunkAudio
)

func (t ChunkType) String() string {
	switch t {
	case ChunkText:
		return "text"
	case ChunkImage:
		return "image"
	case ChunkAudio:
		return "audio"
	default:
		return fmt.Sprintf("chunk(%d)", int(t))
	}
}

// Chunk is a contiguous span of one modality.
//
// Text chunks carry Tokens. Media chunks carry NTokens embedding rows in
// Payload (NTokens x embedding width) and NPos, the number of temporal
// positions the chunk advances under M-RoPE.
type Chunk struct {
	Type    ChunkType
	Tokens  []batch.Token
	NTokens int
	NPos    int
	ID      string
	Payload []float32
}

// TokenCount reports how many batch entries the chunk occupies.
func (c Chunk) TokenCount() int {
	if c.Type == ChunkText {
		return len(c.Tokens)
	}
	return c.NTokens
}

// PosCount reports how far the chunk advances nPast under caps.
func (c Chunk) PosCount(caps engine.Capabilities) int {
	if c.Type != ChunkText && caps.Has(engine.CapMRoPE) {
		return c.NPos
	}
	return c.TokenCount()
}

// Encoder produces media chunks from bitmaps.
type Encoder interface {
	Encode(ctx context.Context, bm Bitmap) (Chunk, error)
}

// Positions reports the position of every batch entry the chunks would
// occupy, starting at nPast, without decoding anything.
func Positions(chunks []Chunk, nPast batch.Pos, caps engine.Capabilities) []batch.Pos {
	total := 0
	for _, c := range chunks {
		total += c.TokenCount()
	}
	out := make([]batch.Pos, 0, total)
	for _, c := range chunks {
		grouped := c.Type != ChunkText && caps.Has(engine.CapMRoPE)
		for i := range c.TokenCount() {
			if grouped {
				out = append(out, nPast)
			} else {
				out = append(out, nPast+batch.Pos(i))
			}
		}
		nPast += batch.Pos(c.PosCount(caps))
	}
	return out
}
