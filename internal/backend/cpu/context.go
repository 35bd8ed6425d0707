package cpu

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/samcharles93/loom/internal/batch"
	"github.com/samcharles93/loom/internal/engine"
)

// Decode status codes, matching the llama.cpp convention.
const (
	codeInvalidInput = -1
	codeNoKVSlot     = 1
)

var (
	errEmptyBatch       = errors.New("empty batch")
	errPositionMismatch = errors.New("position is not contiguous for sequence")
)

type seqState struct {
	history []batch.Token
	lastPos batch.Pos
	sum     []float32
	count   int
}

// Context is a reference inference context. It keeps a per-sequence cache
// bounded by NCtx cells in total across sequences.
type Context struct {
	m *Model
	p engine.ContextParams

	mu        sync.Mutex
	closeOnce sync.Once
	closed    bool
	causal    bool

	seqs  map[batch.SeqID]*seqState
	cells int

	// outputs of the last decode
	n         int
	logitsIdx []int // entry -> row in logits, -1 when not requested
	lastOut   int
	logits    []float32
	hidden    []float32
	pooled    map[batch.SeqID][]float32
	decodes   int
}

var (
	_ engine.Context      = (*Context)(nil)
	_ engine.CausalSetter = (*Context)(nil)
)

func newContext(m *Model, p engine.ContextParams) *Context {
	return &Context{
		m:      m,
		p:      p,
		causal: true,
		seqs:   make(map[batch.SeqID]*seqState),
		pooled: make(map[batch.SeqID][]float32),
	}
}

func (c *Context) Params() engine.ContextParams { return c.p }

func (c *Context) NEmbd() int { return c.m.cfg.NEmbd }

func (c *Context) Capabilities() engine.Capabilities { return c.m.cfg.Caps }

func (c *Context) SetCausalAttn(causal bool) {
	c.mu.Lock()
	c.causal = causal
	c.mu.Unlock()
}

// CausalAttn reports the current attention mode.
func (c *Context) CausalAttn() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.causal
}

// Used reports occupied cache cells.
func (c *Context) Used() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cells
}

// Decodes reports how many decode calls succeeded.
func (c *Context) Decodes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.decodes
}

func (c *Context) ClearCache() {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.seqs)
	c.cells = 0
}

// Decode validates the whole batch before touching the cache, so a failed
// decode leaves the cache as it was.
func (c *Context) Decode(ctx context.Context, b *batch.Batch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return engine.ErrClosed
	}
	if err := c.validate(b); err != nil {
		return err
	}

	nEmbd := c.m.cfg.NEmbd
	nVocab := c.m.vocab.NVocab()
	n := b.Len()

	c.n = n
	c.lastOut = -1
	c.logitsIdx = growInts(c.logitsIdx, n)
	c.hidden = growFloats(c.hidden, n*nEmbd)
	outputs := 0
	for i := range n {
		if b.Logits(i) {
			outputs++
		}
	}
	c.logits = growFloats(c.logits, outputs*nVocab)
	clear(c.pooled)

	row := 0
	for i := range n {
		ids := b.SeqIDs(i)
		pos := b.Pos(i)
		h := c.hidden[i*nEmbd : (i+1)*nEmbd]

		first := c.state(ids[0])
		var in []float32
		tok := batch.Token(-1)
		if b.IsEmbd() {
			in = b.Embd(i)
		} else {
			tok = b.Token(i)
			in = c.m.embRow(tok)
		}
		c.m.hidden(h, in, first.sum, first.count, pos)

		for _, id := range ids {
			st := c.state(id)
			for k, v := range h {
				st.sum[k] += v
			}
			st.count++
			st.lastPos = pos
			if tok >= 0 {
				st.history = append(st.history, tok)
			}
			c.cells++
		}

		c.logitsIdx[i] = -1
		if b.Logits(i) {
			dst := c.logits[row*nVocab : (row+1)*nVocab]
			c.fillLogits(dst, h, first.history)
			c.logitsIdx[i] = row
			c.lastOut = i
			row++
		}
	}

	if c.p.Embeddings && c.p.Pooling != engine.PoolingNone {
		c.pool(b)
	}
	c.decodes++
	return nil
}

func (c *Context) validate(b *batch.Batch) error {
	n := b.Len()
	if n == 0 {
		return &engine.DecodeError{Code: codeInvalidInput, Err: errEmptyBatch}
	}
	if n > c.p.NBatch {
		return &engine.DecodeError{Code: codeInvalidInput, Tokens: n,
			Err: fmt.Errorf("batch of %d entries exceeds n_batch %d", n, c.p.NBatch)}
	}
	if b.IsEmbd() && b.EmbdDim() != c.m.cfg.NEmbd {
		return &engine.DecodeError{Code: codeInvalidInput, Tokens: n,
			Err: fmt.Errorf("embedding width %d, model expects %d", b.EmbdDim(), c.m.cfg.NEmbd)}
	}

	mrope := c.m.cfg.Caps.Has(engine.CapMRoPE)
	last := make(map[batch.SeqID]batch.Pos, b.NumSeqs())
	added := 0
	for i := range n {
		if !b.IsEmbd() {
			if tok := b.Token(i); tok < 0 || int(tok) >= c.m.vocab.NVocab() {
				return &engine.DecodeError{Code: codeInvalidInput, Tokens: n,
					Err: fmt.Errorf("token %d out of vocabulary at entry %d", tok, i)}
			}
		}
		pos := b.Pos(i)
		for _, id := range b.SeqIDs(i) {
			if int(id) >= c.p.NSeqMax {
				return &engine.DecodeError{Code: codeInvalidInput, Tokens: n,
					Err: fmt.Errorf("sequence %d exceeds n_seq_max %d", id, c.p.NSeqMax)}
			}
			prev, seen := last[id]
			if !seen {
				prev = -1
				if st, ok := c.seqs[id]; ok {
					prev = st.lastPos
				}
			}
			ok := pos == prev+1
			if mrope && prev >= 0 {
				ok = pos >= prev
			}
			if !ok {
				return &engine.DecodeError{Code: codeInvalidInput, Tokens: n,
					Err: fmt.Errorf("%w %d: got %d after %d", errPositionMismatch, id, pos, prev)}
			}
			last[id] = pos
			added++
		}
	}
	if c.cells+added > c.p.NCtx {
		return &engine.DecodeError{Code: codeNoKVSlot, Tokens: n, Err: engine.ErrKVCacheFull}
	}
	return nil
}

func (c *Context) state(id batch.SeqID) *seqState {
	st, ok := c.seqs[id]
	if !ok {
		st = &seqState{lastPos: -1, sum: make([]float32, c.m.cfg.NEmbd)}
		c.seqs[id] = st
	}
	return st
}

func (c *Context) fillLogits(dst, h []float32, history []batch.Token) {
	if c.m.cfg.Logits == LogitsProjection && c.m.cfg.Next == nil {
		c.m.project(dst, h)
		return
	}
	clear(dst)
	next := c.m.mirror(history)
	if next >= 0 && int(next) < len(dst) {
		dst[next] = 30
	}
}

func (c *Context) pool(b *batch.Batch) {
	nEmbd := c.m.cfg.NEmbd
	counts := make(map[batch.SeqID]int, b.NumSeqs())
	for i := range b.Len() {
		h := c.hidden[i*nEmbd : (i+1)*nEmbd]
		for _, id := range b.SeqIDs(i) {
			v, ok := c.pooled[id]
			switch c.p.Pooling {
			case engine.PoolingMean:
				if !ok {
					v = make([]float32, nEmbd)
				}
				for k := range v {
					v[k] += h[k]
				}
			case engine.PoolingCLS:
				if !ok {
					v = append([]float32(nil), h...)
				}
			case engine.PoolingLast:
				v = append(v[:0], h...)
			case engine.PoolingRank:
				var score float32
				for k, w := range c.m.rank {
					score += w * h[k]
				}
				v = append(v[:0], score)
			}
			c.pooled[id] = v
			counts[id]++
		}
	}
	if c.p.Pooling == engine.PoolingMean {
		for id, v := range c.pooled {
			inv := 1 / float32(counts[id])
			for k := range v {
				v[k] *= inv
			}
		}
	}
}

// Logits returns a view valid until the next Decode.
func (c *Context) Logits(i int) ([]float32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if i == -1 {
		i = c.lastOut
		if i < 0 {
			return nil, engine.ErrNoLogits
		}
	}
	if i < 0 || i >= c.n {
		return nil, fmt.Errorf("logits index %d out of range [0,%d)", i, c.n)
	}
	row := c.logitsIdx[i]
	if row < 0 {
		return nil, fmt.Errorf("%w: entry %d", engine.ErrNoLogits, i)
	}
	nVocab := c.m.vocab.NVocab()
	return c.logits[row*nVocab : (row+1)*nVocab], nil
}

func (c *Context) EmbeddingsIth(i int) ([]float32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.p.Embeddings {
		return nil, fmt.Errorf("%w: embeddings disabled", engine.ErrPoolingMismatch)
	}
	if c.p.Pooling != engine.PoolingNone {
		return nil, fmt.Errorf("%w: per-token read with pooling %s", engine.ErrPoolingMismatch, c.p.Pooling)
	}
	if i < 0 || i >= c.n {
		return nil, fmt.Errorf("embedding index %d out of range [0,%d)", i, c.n)
	}
	nEmbd := c.m.cfg.NEmbd
	return c.hidden[i*nEmbd : (i+1)*nEmbd], nil
}

func (c *Context) EmbeddingsSeq(seq batch.SeqID) ([]float32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.p.Embeddings {
		return nil, fmt.Errorf("%w: embeddings disabled", engine.ErrPoolingMismatch)
	}
	if c.p.Pooling == engine.PoolingNone {
		return nil, fmt.Errorf("%w: pooled read with pooling none", engine.ErrPoolingMismatch)
	}
	v, ok := c.pooled[seq]
	if !ok {
		return nil, fmt.Errorf("no pooled embedding for sequence %d", seq)
	}
	return v, nil
}

func (c *Context) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.seqs = nil
		c.mu.Unlock()
		c.m.contextClosed()
	})
	return nil
}

func growFloats(s []float32, n int) []float32 {
	if cap(s) < n {
		return make([]float32, n)
	}
	return s[:n]
}

func growInts(s []int, n int) []int {
	if cap(s) < n {
		return make([]int, n)
	}
	return s[:n]
}
