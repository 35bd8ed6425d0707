package inference

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/samcharles93/loom/internal/batch"
	"github.com/samcharles93/loom/internal/engine"
	"github.com/samcharles93/loom/internal/logger"
	"github.com/samcharles93/loom/internal/logits"
	"github.com/samcharles93/loom/internal/metrics"
	"github.com/samcharles93/loom/internal/tokenizer"
)

// State is the phase of a Generator run.
type State int

const (
	StatePrefill State = iota
	StateSampling
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StatePrefill:
		return "prefill"
	case StateSampling:
		return "sampling"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Reason records why a run stopped.
type Reason string

const (
	ReasonEOG      Reason = "eog"
	ReasonLength   Reason = "length"
	ReasonCanceled Reason = "canceled"
	ReasonError    Reason = "error"
)

// Stats are the counters and timings of one run.
type Stats struct {
	PromptTokens    int
	TokensGenerated int
	Decodes         int
	PrefillDuration time.Duration
	Duration        time.Duration
	TPS             float64
}

// Generate runs a greedy generation of prompt on sequence 0 of c.
func Generate(ctx context.Context, c engine.Context, v engine.Vocab, prompt []batch.Token, nLen int, stream StreamFunc) (*Result, error) {
	g := &Generator{Ctx: c, Vocab: v}
	return g.Run(ctx, prompt, nLen, stream)
}

// Generator drives prefill, sampling and decode for one sequence of one
// context. It is not safe for concurrent use.
type Generator struct {
	Ctx     engine.Context
	Vocab   engine.Vocab
	Sampler *logits.Sampler
	Seq     batch.SeqID
	Log     logger.Logger
	Metrics *metrics.Metrics

	// Batch is allocated on first use when nil.
	Batch *batch.Batch

	// MaxTokens, when positive, ends the run after that many sampled
	// tokens even if nLen leaves room for more.
	MaxTokens int

	state    State
	nCur     batch.Pos
	nDecoded int
	dec      *tokenizer.StreamDecoder

	pending    batch.Token
	hasPending bool
}

// State reports the phase of the current or last run.
func (g *Generator) State() State { return g.state }

// NCur is the position the next token would take.
func (g *Generator) NCur() batch.Pos { return g.nCur }

// Pending returns the last sampled token when the run ended on the length
// budget. It was emitted but never decoded, so the KV cache stops one
// position short of NCur.
func (g *Generator) Pending() (batch.Token, bool) {
	return g.pending, g.hasPending
}

// Run generates from an empty cache: the prompt occupies positions
// 0..len(prompt) and generation stops at nLen.
func (g *Generator) Run(ctx context.Context, prompt []batch.Token, nLen int, stream StreamFunc) (*Result, error) {
	return g.RunAt(ctx, prompt, 0, nLen, stream)
}

// RunAt prefills prompt starting at position start, on top of whatever the
// cache already holds for the sequence, and samples while the current
// position is at most nLen.
//
// Cancellation is checked between steps. A canceled run returns the
// partial result together with ctx.Err().
func (g *Generator) RunAt(ctx context.Context, prompt []batch.Token, start batch.Pos, nLen int, stream StreamFunc) (*Result, error) {
	log := logger.OrDiscard(g.Log)
	g.state = StatePrefill
	g.nDecoded = 0
	g.hasPending = false
	g.dec = tokenizer.NewStreamDecoder()

	params := g.Ctx.Params()
	end := int(start) + len(prompt)
	if len(prompt) == 0 {
		g.state = StateFailed
		return nil, invalidRequest("empty prompt")
	}
	if end >= nLen {
		g.state = StateFailed
		return nil, &RequestError{Err: ErrPromptTooLong, PromptTokens: end, NLen: nLen, NCtx: params.NCtx}
	}
	if nLen > params.NCtx {
		g.state = StateFailed
		return nil, &RequestError{Err: ErrContextTooSmall, PromptTokens: end, NLen: nLen, NCtx: params.NCtx}
	}
	if g.Sampler == nil {
		g.Sampler = logits.NewSampler(logits.Greedy())
	}
	if err := g.ensureBatch(params); err != nil {
		g.state = StateFailed
		return nil, err
	}

	res := &Result{}
	res.Stats.PromptTokens = len(prompt)
	g.Metrics.ObservePrompt(len(prompt))
	startTime := time.Now()
	var text strings.Builder

	finish := func(state State, reason Reason) *Result {
		g.state = state
		if held := g.dec.Finish(); held > 0 {
			log.Debug("dropped incomplete utf-8 tail", "bytes", held)
		}
		res.Text = text.String()
		res.State = state
		res.Reason = reason
		res.Stats.Decodes = g.nDecoded
		res.Stats.Duration = time.Since(startTime)
		if secs := res.Stats.Duration.Seconds(); secs > 0 {
			res.Stats.TPS = float64(res.Stats.TokensGenerated) / secs
		}
		g.Metrics.GenerationDone(string(reason))
		return res
	}

	// Prefill in batch-sized chunks; only the final chunk asks for logits.
	ids := []batch.SeqID{g.Seq}
	step := min(g.Batch.Capacity(), max(params.NBatch, 1))
	g.nCur = start
	for off := 0; off < len(prompt); off += step {
		if err := ctx.Err(); err != nil {
			return finish(StateDone, ReasonCanceled), err
		}
		chunk := prompt[off:min(off+step, len(prompt))]
		g.Batch.Clear()
		last := off+len(chunk) == len(prompt)
		if err := g.Batch.AddSequenceAt(chunk, g.nCur, g.Seq, last); err != nil {
			return finish(StateFailed, ReasonError), fmt.Errorf("prefill: %w", err)
		}
		if err := g.decode(ctx); err != nil {
			return finish(StateFailed, ReasonError), fmt.Errorf("prefill: %w", err)
		}
		g.nCur += batch.Pos(len(chunk))
	}
	res.Stats.PrefillDuration = time.Since(startTime)
	log.Debug("prefill done", "tokens", len(prompt), "n_cur", g.nCur, "duration", res.Stats.PrefillDuration)

	g.state = StateSampling
	for int(g.nCur) <= nLen {
		if err := ctx.Err(); err != nil {
			return finish(StateDone, ReasonCanceled), err
		}
		tok, err := g.Sampler.Sample(g.Ctx, g.Batch.Len()-1)
		if err != nil {
			return finish(StateFailed, ReasonError), fmt.Errorf("sample at %d: %w", g.nCur, err)
		}
		if g.Vocab.IsEOG(tok) {
			return finish(StateDone, ReasonEOG), nil
		}
		g.Sampler.Accept(tok)
		res.Tokens = append(res.Tokens, tok)
		res.Stats.TokensGenerated++
		g.Metrics.TokenGenerated()

		piece, err := g.Vocab.Piece(tok)
		if err != nil {
			return finish(StateFailed, ReasonError), fmt.Errorf("piece for token %d: %w", tok, err)
		}
		if s := g.dec.WriteString(piece); s != "" {
			text.WriteString(s)
			if stream != nil {
				stream(s)
			}
		}

		if int(g.nCur) == nLen || (g.MaxTokens > 0 && res.Stats.TokensGenerated >= g.MaxTokens) {
			g.pending, g.hasPending = tok, true
			break
		}
		g.Batch.Clear()
		if err := g.Batch.Add(tok, g.nCur, ids, true); err != nil {
			return finish(StateFailed, ReasonError), err
		}
		if err := g.decode(ctx); err != nil {
			return finish(StateFailed, ReasonError), fmt.Errorf("decode at %d: %w", g.nCur, err)
		}
		g.nCur++
	}
	return finish(StateDone, ReasonLength), nil
}

func (g *Generator) ensureBatch(params engine.ContextParams) error {
	if g.Batch != nil && g.Batch.MaxSeqs() > int(g.Seq) && !g.Batch.IsEmbd() {
		return nil
	}
	b, err := batch.New(max(params.NBatch, 1), int(g.Seq)+1)
	if err != nil {
		return err
	}
	g.Batch = b
	return nil
}

func (g *Generator) decode(ctx context.Context) error {
	start := time.Now()
	err := g.Ctx.Decode(ctx, g.Batch)
	g.Metrics.ObserveDecode("generate", g.Batch.Len(), time.Since(start), err)
	if err != nil {
		return err
	}
	g.nDecoded++
	return nil
}
