package multimodal

import (
	"context"
	"fmt"
	"time"

	"github.com/samcharles93/loom/internal/batch"
	"github.com/samcharles93/loom/internal/engine"
	"github.com/samcharles93/loom/internal/logger"
	"github.com/samcharles93/loom/internal/metrics"
)

// Assembler evaluates chunks into a context's KV cache.
type Assembler struct {
	Ctx     engine.Context
	Caps    engine.Capabilities
	NBatch  int
	Log     logger.Logger
	Metrics *metrics.Metrics

	text *batch.Batch
	embd *batch.Batch
}

// Eval decodes chunks on seq starting at nPast and returns the position
// after the last chunk. When logitsLast is set, the final token of the last
// text chunk requests logits.
//
// Media chunks are decoded in a single batch each; a chunk larger than
// NBatch fails with ErrChunkTooLarge before anything is decoded for it.
func (a *Assembler) Eval(ctx context.Context, chunks []Chunk, seq batch.SeqID, nPast batch.Pos, logitsLast bool) (batch.Pos, error) {
	log := logger.OrDiscard(a.Log)
	nBatch := a.NBatch
	if nBatch <= 0 {
		nBatch = a.Ctx.Params().NBatch
	}

	lastText := -1
	for i, c := range chunks {
		if c.Type == ChunkText {
			lastText = i
		}
	}

	for i, c := range chunks {
		if err := ctx.Err(); err != nil {
			return nPast, err
		}
		var err error
		switch c.Type {
		case ChunkText:
			nPast, err = a.evalText(ctx, c, seq, nPast, nBatch, logitsLast && i == lastText)
		case ChunkImage, ChunkAudio:
			nPast, err = a.evalMedia(ctx, c, seq, nPast, nBatch)
		default:
			err = fmt.Errorf("%w: chunk type %s", ErrUnsupported, c.Type)
		}
		if err != nil {
			return nPast, &ChunkError{Index: i, Type: c.Type, Err: err}
		}
		a.Metrics.MediaChunk(c.Type.String())
		log.Debug("chunk evaluated", "index", i, "type", c.Type.String(), "tokens", c.TokenCount(), "n_past", nPast)
	}
	return nPast, nil
}

func (a *Assembler) evalText(ctx context.Context, c Chunk, seq batch.SeqID, nPast batch.Pos, nBatch int, logitsLast bool) (batch.Pos, error) {
	if a.text == nil || a.text.Capacity() != nBatch || a.text.MaxSeqs() <= int(seq) {
		b, err := batch.New(nBatch, int(seq)+1)
		if err != nil {
			return nPast, err
		}
		a.text = b
	}
	ids := []batch.SeqID{seq}
	toks := c.Tokens
	for start := 0; start < len(toks); start += nBatch {
		if err := ctx.Err(); err != nil {
			return nPast, err
		}
		end := min(start+nBatch, len(toks))
		a.text.Clear()
		for j := start; j < end; j++ {
			logits := logitsLast && j == len(toks)-1
			if err := a.text.Add(toks[j], nPast, ids, logits); err != nil {
				return nPast, err
			}
			nPast++
		}
		if err := a.decode(ctx, a.text); err != nil {
			return nPast, err
		}
	}
	return nPast, nil
}

func (a *Assembler) evalMedia(ctx context.Context, c Chunk, seq batch.SeqID, nPast batch.Pos, nBatch int) (batch.Pos, error) {
	need := engine.CapVision
	if c.Type == ChunkAudio {
		need = engine.CapAudio
	}
	if !a.Caps.Has(need) {
		return nPast, fmt.Errorf("%w: %s", ErrUnsupported, c.Type)
	}
	if c.NTokens > nBatch {
		return nPast, fmt.Errorf("%w: %d tokens, n_batch %d", ErrChunkTooLarge, c.NTokens, nBatch)
	}
	nEmbd := a.Ctx.NEmbd()
	if len(c.Payload) != c.NTokens*nEmbd {
		return nPast, fmt.Errorf("media payload has %d values, want %d x %d", len(c.Payload), c.NTokens, nEmbd)
	}
	if c.NTokens == 0 {
		return nPast, nil
	}

	if a.embd == nil || a.embd.Capacity() != nBatch || a.embd.EmbdDim() != nEmbd || a.embd.MaxSeqs() <= int(seq) {
		b, err := batch.NewEmbd(nBatch, nEmbd, int(seq)+1)
		if err != nil {
			return nPast, err
		}
		a.embd = b
	}
	grouped := a.Caps.Has(engine.CapMRoPE)
	ids := []batch.SeqID{seq}
	a.embd.Clear()
	for i := range c.NTokens {
		pos := nPast + batch.Pos(i)
		if grouped {
			pos = nPast
		}
		if err := a.embd.AddEmbd(c.Payload[i*nEmbd:(i+1)*nEmbd], pos, ids, false); err != nil {
			return nPast, err
		}
	}

	if a.Caps.Has(engine.CapNonCausal) {
		if cs, ok := a.Ctx.(engine.CausalSetter); ok {
			cs.SetCausalAttn(false)
			defer cs.SetCausalAttn(true)
		}
	}
	if err := a.decode(ctx, a.embd); err != nil {
		return nPast, err
	}
	return nPast + batch.Pos(c.PosCount(a.Caps)), nil
}

func (a *Assembler) decode(ctx context.Context, b *batch.Batch) error {
	start := time.Now()
	err := a.Ctx.Decode(ctx, b)
	a.Metrics.ObserveDecode("multimodal", b.Len(), time.Since(start), err)
	if err != nil {
		return fmt.Errorf("decode %d entries: %w", b.Len(), err)
	}
	return nil
}
