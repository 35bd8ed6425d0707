package cpu

import (
	"context"
	"fmt"
	"math"

	"github.com/samcharles93/loom/internal/engine"
	"github.com/samcharles93/loom/internal/multimodal"
)

// Encoder turns bitmaps into embedding rows of the model's width. Images
// yield one token per patch; audio yields one token per frame.
type Encoder struct {
	m *Model
	// PatchSize is the square patch edge in pixels.
	PatchSize int
	// FrameMs is the audio frame length.
	FrameMs int
}

var _ multimodal.Encoder = (*Encoder)(nil)

func NewEncoder(m *Model) *Encoder {
	return &Encoder{m: m, PatchSize: 14, FrameMs: 40}
}

func (e *Encoder) Encode(ctx context.Context, bm multimodal.Bitmap) (multimodal.Chunk, error) {
	if err := ctx.Err(); err != nil {
		return multimodal.Chunk{}, err
	}
	switch bm.Type {
	case multimodal.ChunkImage:
		if !e.m.cfg.Caps.Has(engine.CapVision) {
			return multimodal.Chunk{}, fmt.Errorf("%w: model has no vision encoder", multimodal.ErrUnsupported)
		}
		return e.encodeImage(bm), nil
	case multimodal.ChunkAudio:
		if !e.m.cfg.Caps.Has(engine.CapAudio) {
			return multimodal.Chunk{}, fmt.Errorf("%w: model has no audio encoder", multimodal.ErrUnsupported)
		}
		return e.encodeAudio(bm), nil
	default:
		return multimodal.Chunk{}, fmt.Errorf("%w: bitmap of type %s", multimodal.ErrUnsupported, bm.Type)
	}
}

func (e *Encoder) encodeImage(bm multimodal.Bitmap) multimodal.Chunk {
	p := max(e.PatchSize, 1)
	gw := (bm.Width + p - 1) / p
	gh := (bm.Height + p - 1) / p
	n := gw * gh
	nEmbd := e.m.cfg.NEmbd
	payload := make([]float32, n*nEmbd)

	for py := range gh {
		for px := range gw {
			var r, g, b, cnt float64
			for y := py * p; y < min((py+1)*p, bm.Height); y++ {
				for x := px * p; x < min((px+1)*p, bm.Width); x++ {
					o := (y*bm.Width + x) * 3
					r += float64(bm.RGB[o])
					g += float64(bm.RGB[o+1])
					b += float64(bm.RGB[o+2])
					cnt++
				}
			}
			feat := [3]float64{r / cnt / 255, g / cnt / 255, b / cnt / 255}
			e.project(payload[(py*gw+px)*nEmbd:(py*gw+px+1)*nEmbd], feat[:])
		}
	}

	nPos := n
	if e.m.cfg.Caps.Has(engine.CapMRoPE) {
		nPos = max(gw, gh)
	}
	return multimodal.Chunk{Type: multimodal.ChunkImage, NTokens: n, NPos: nPos, ID: bm.ID, Payload: payload}
}

func (e *Encoder) encodeAudio(bm multimodal.Bitmap) multimodal.Chunk {
	frame := max(e.m.cfg.AudioRate*max(e.FrameMs, 1)/1000, 1)
	n := (len(bm.Samples) + frame - 1) / frame
	nEmbd := e.m.cfg.NEmbd
	payload := make([]float32, n*nEmbd)
	for i := range n {
		var sum, sq float64
		end := min((i+1)*frame, len(bm.Samples))
		for _, s := range bm.Samples[i*frame : end] {
			sum += float64(s)
			sq += float64(s) * float64(s)
		}
		cnt := float64(end - i*frame)
		feat := [2]float64{sum / cnt, math.Sqrt(sq / cnt)}
		e.project(payload[i*nEmbd:(i+1)*nEmbd], feat[:])
	}
	return multimodal.Chunk{Type: multimodal.ChunkAudio, NTokens: n, NPos: n, ID: bm.ID, Payload: payload}
}

// project spreads a small feature vector over the embedding width using the
// model's rank weights as a fixed basis.
func (e *Encoder) project(dst []float32, feat []float64) {
	for i := range dst {
		var v float64
		for k, f := range feat {
			v += f * float64(e.m.rank[(i+k)%len(e.m.rank)])
		}
		dst[i] = float32(math.Tanh(v))
	}
}

// Encoder returns a media encoder bound to the model.
func (m *Model) Encoder() multimodal.Encoder {
	return NewEncoder(m)
}
