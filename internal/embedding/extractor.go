// Package embedding extracts one vector per input sequence by packing
// sequences into shared batches and reading the pooled (or last-token)
// embeddings after each decode.
package embedding

import (
	"context"
	"fmt"
	"time"

	"github.com/samcharles93/loom/internal/batch"
	"github.com/samcharles93/loom/internal/engine"
	"github.com/samcharles93/loom/internal/logger"
	"github.com/samcharles93/loom/internal/metrics"
)

// Output is the embedding of one input, in submission order.
type Output struct {
	Index  int
	Text   string
	Tokens int
	Vector []float32
}

type Stats struct {
	Flushes  int
	Tokens   int
	Duration time.Duration
}

// Extractor owns its context for the duration of Extract. The context must
// have been created with Embeddings enabled.
type Extractor struct {
	Ctx       engine.Context
	Vocab     engine.Vocab
	Normalize bool
	Log       logger.Logger
	Metrics   *metrics.Metrics

	stats Stats
}

func (e *Extractor) Stats() Stats {
	return e.stats
}

// Extract tokenizes each line with BOS and embeds it.
func (e *Extractor) Extract(ctx context.Context, lines []string) ([]Output, error) {
	seqs := make([][]batch.Token, len(lines))
	for i, line := range lines {
		toks, err := e.Vocab.Tokenize(line, true)
		if err != nil {
			return nil, fmt.Errorf("tokenize input %d: %w", i, err)
		}
		seqs[i] = toks
	}
	out, err := e.ExtractTokens(ctx, seqs)
	for i := range out {
		out[i].Text = lines[i]
	}
	return out, err
}

// ExtractTokens embeds pre-tokenized sequences. Every sequence is checked
// against min(NCtx, NBatch) before the first decode.
//
// A batch is flushed before adding a sequence that would overflow NBatch,
// or when it already holds NSeqMax distinct sequences. Each flush clears
// the KV cache, so sequence ids restart at 0.
func (e *Extractor) ExtractTokens(ctx context.Context, seqs [][]batch.Token) ([]Output, error) {
	log := logger.OrDiscard(e.Log)
	params := e.Ctx.Params()
	if !params.Embeddings {
		return nil, fmt.Errorf("%w: context was created without embeddings", engine.ErrPoolingMismatch)
	}
	limit := min(params.NCtx, params.NBatch)
	for i, seq := range seqs {
		if len(seq) == 0 || len(seq) > limit {
			return nil, &SequenceError{Index: i, Tokens: len(seq), Limit: limit}
		}
	}
	e.stats = Stats{}
	start := time.Now()
	defer func() { e.stats.Duration = time.Since(start) }()

	b, err := batch.New(params.NBatch, max(params.NSeqMax, 1))
	if err != nil {
		return nil, err
	}
	out := make([]Output, len(seqs))
	// inputs[s] is the input index decoded as sequence s of the current batch
	inputs := make([]int, 0, b.MaxSeqs())

	flush := func() error {
		if b.Len() == 0 {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		e.Ctx.ClearCache()
		t := time.Now()
		err := e.Ctx.Decode(ctx, b)
		e.Metrics.ObserveDecode("embed", b.Len(), time.Since(t), err)
		if err != nil {
			return fmt.Errorf("decode %d sequences: %w", len(inputs), err)
		}
		for s, idx := range inputs {
			vec, err := e.read(b, batch.SeqID(s), params.Pooling)
			if err != nil {
				return fmt.Errorf("input %d: %w", idx, err)
			}
			if e.Normalize {
				Normalize(vec)
			}
			out[idx] = Output{Index: idx, Tokens: len(seqs[idx]), Vector: vec}
		}
		e.stats.Flushes++
		e.stats.Tokens += b.Len()
		e.Metrics.Flush(len(inputs))
		log.Debug("embedding batch flushed", "sequences", len(inputs), "tokens", b.Len())
		e.Ctx.ClearCache()
		b.Clear()
		inputs = inputs[:0]
		return nil
	}

	for i, seq := range seqs {
		if b.Len()+len(seq) > params.NBatch || b.NumSeqs() == b.MaxSeqs() {
			if err := flush(); err != nil {
				return nil, err
			}
		}
		if err := b.AddSequence(seq, batch.SeqID(len(inputs)), false); err != nil {
			return nil, fmt.Errorf("input %d: %w", i, err)
		}
		inputs = append(inputs, i)
	}
	if err := flush(); err != nil {
		return nil, err
	}
	return out, nil
}

// read copies the vector out of the engine, which owns the returned view
// until the next decode.
func (e *Extractor) read(b *batch.Batch, seq batch.SeqID, pooling engine.Pooling) ([]float32, error) {
	var (
		vec []float32
		err error
	)
	if pooling == engine.PoolingNone {
		vec, err = e.Ctx.EmbeddingsIth(b.LastIndexOf(seq))
	} else {
		vec, err = e.Ctx.EmbeddingsSeq(seq)
	}
	if err != nil {
		return nil, err
	}
	return append([]float32(nil), vec...), nil
}
