package inference

import (
	"context"
	"errors"
	"fmt"

	"github.com/samcharles93/loom/internal/backend"
	"github.com/samcharles93/loom/internal/batch"
	"github.com/samcharles93/loom/internal/embedding"
	"github.com/samcharles93/loom/internal/engine"
	"github.com/samcharles93/loom/internal/logger"
	"github.com/samcharles93/loom/internal/logits"
	"github.com/samcharles93/loom/internal/metrics"
)

// EngineOptions sizes the contexts an EngineImpl creates per request.
type EngineOptions struct {
	NCtx        int
	NBatch      int
	Pooling     engine.Pooling
	EmbedSeqMax int
	Log         logger.Logger
	Metrics     *metrics.Metrics
}

// EngineImpl serves requests against one loaded model. Every call gets its
// own context, so calls may run concurrently.
type EngineImpl struct {
	model   backend.Model
	vocab   engine.Vocab
	opts    EngineOptions
	log     logger.Logger
	metrics *metrics.Metrics
}

var _ Engine = (*EngineImpl)(nil)

func NewEngine(m backend.Model, opts EngineOptions) *EngineImpl {
	if opts.NCtx <= 0 {
		opts.NCtx = 2048
	}
	if opts.NBatch <= 0 {
		opts.NBatch = 512
	}
	if opts.Pooling == engine.PoolingUnspecified {
		opts.Pooling = engine.PoolingMean
	}
	if opts.EmbedSeqMax <= 0 {
		opts.EmbedSeqMax = 8
	}
	return &EngineImpl{
		model:   m,
		vocab:   m.Vocab(),
		opts:    opts,
		log:     logger.OrDiscard(opts.Log).With("model", m.Name()),
		metrics: opts.Metrics,
	}
}

func (e *EngineImpl) Info() Info {
	return Info{
		Model:        e.model.Name(),
		NCtx:         e.opts.NCtx,
		NBatch:       e.opts.NBatch,
		NEmbd:        e.model.NEmbd(),
		Pooling:      e.opts.Pooling,
		Capabilities: e.model.Capabilities(),
	}
}

func (e *EngineImpl) Close() error {
	if e == nil || e.model == nil {
		return nil
	}
	return e.model.Close()
}

func (e *EngineImpl) Generate(ctx context.Context, req *Request, stream StreamFunc) (*Result, error) {
	if req == nil {
		return nil, invalidRequest("request is required")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	prompt := req.Tokens
	if len(prompt) == 0 {
		ids, err := safeTokenize(e.vocab, req.Prompt, req.AddSpecial)
		if err != nil {
			return nil, fmt.Errorf("tokenize prompt: %w", err)
		}
		prompt = ids
	}
	if len(prompt) == 0 {
		return nil, invalidRequest("prompt is empty")
	}

	c, err := e.model.NewContext(engine.ContextParams{
		NCtx:    e.opts.NCtx,
		NBatch:  e.opts.NBatch,
		NSeqMax: 1,
		Pooling: engine.PoolingNone,
		Seed:    req.Seed,
	})
	if err != nil {
		return nil, fmt.Errorf("create context: %w", err)
	}
	defer func() { _ = c.Close() }()

	gen := &Generator{
		Ctx:     c,
		Vocab:   e.vocab,
		Sampler: logits.NewSampler(req.SamplerConfig()),
		Log:     e.log,
		Metrics: e.metrics,
	}
	if req.NLen <= 0 {
		gen.MaxTokens = req.MaxTokens
	}

	if req.EchoPrompt && stream != nil && req.Prompt != "" {
		stream(req.Prompt)
	}
	return gen.Run(ctx, prompt, req.NLenFor(len(prompt)), stream)
}

func (e *EngineImpl) Embed(ctx context.Context, req *EmbedRequest) (*EmbedResult, error) {
	if req == nil || len(req.Inputs) == 0 {
		return nil, invalidRequest("at least one input is required")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c, err := e.model.NewContext(engine.ContextParams{
		NCtx:       e.opts.NCtx,
		NBatch:     e.opts.NBatch,
		NUBatch:    e.opts.NBatch,
		NSeqMax:    e.opts.EmbedSeqMax,
		Pooling:    e.opts.Pooling,
		Embeddings: true,
	})
	if err != nil {
		return nil, fmt.Errorf("create context: %w", err)
	}
	defer func() { _ = c.Close() }()

	ex := &embedding.Extractor{
		Ctx:       c,
		Vocab:     panicSafeVocab{e.vocab},
		Normalize: req.Normalize,
		Log:       e.log,
		Metrics:   e.metrics,
	}
	outs, err := ex.Extract(ctx, req.Inputs)
	if err != nil {
		return nil, err
	}
	res := &EmbedResult{
		Outputs: outs,
		Dim:     c.NEmbd(),
		Pooling: c.Params().Pooling,
		Stats:   ex.Stats(),
	}
	if req.Similarity && len(outs) > 1 {
		vecs := make([][]float32, len(outs))
		for i, o := range outs {
			vecs[i] = o.Vector
		}
		res.Similarity = embedding.SimilarityMatrix(vecs)
	}
	return res, nil
}

var errTokenizerPanic = errors.New("panic in Tokenize")

// safeTokenize keeps a misbehaving tokenizer from taking the server down.
func safeTokenize(v engine.Vocab, text string, addSpecial bool) (ids []batch.Token, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("%w: %v", errTokenizerPanic, rec)
		}
	}()
	return v.Tokenize(text, addSpecial)
}

type panicSafeVocab struct {
	engine.Vocab
}

func (v panicSafeVocab) Tokenize(text string, addSpecial bool) ([]batch.Token, error) {
	return safeTokenize(v.Vocab, text, addSpecial)
}
