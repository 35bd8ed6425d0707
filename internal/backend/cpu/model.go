// Package cpu is the pure Go reference engine. It implements every engine
// contract (decode, KV cache, logits, embeddings, media encoding) with small
// deterministic weights so the orchestration layer can run end to end
// without native libraries. It is not a transformer.
package cpu

import (
	"fmt"
	"math"
	"math/rand"
	"sync"

	"github.com/samcharles93/loom/internal/batch"
	"github.com/samcharles93/loom/internal/engine"
	"github.com/samcharles93/loom/internal/tokenizer"
)

// LogitsMode selects how logits are produced.
type LogitsMode int

const (
	// LogitsMirror continues the sequence with the token that followed the
	// previous occurrence of the last token, or EOS when there is none.
	LogitsMirror LogitsMode = iota
	// LogitsProjection projects the hidden state through random weights.
	LogitsProjection
)

func ParseLogitsMode(s string) (LogitsMode, error) {
	switch s {
	case "", "mirror":
		return LogitsMirror, nil
	case "projection":
		return LogitsProjection, nil
	default:
		return 0, fmt.Errorf("unknown logits mode %q (expected mirror or projection)", s)
	}
}

// Config describes a reference model.
type Config struct {
	Name      string
	NEmbd     int
	Seed      int64
	Caps      engine.Capabilities
	Logits    LogitsMode
	AudioRate int
	// Next overrides logits generation: the returned token gets all the
	// probability mass.
	Next func(history []batch.Token) batch.Token
}

func (c *Config) defaults() {
	if c.Name == "" {
		c.Name = "loom-ref"
	}
	if c.NEmbd <= 0 {
		c.NEmbd = 32
	}
	if c.AudioRate <= 0 {
		c.AudioRate = 16000
	}
}

// Model holds the deterministic weights shared by all contexts.
type Model struct {
	cfg   Config
	vocab tokenizer.ByteVocab

	emb  []float32 // [nVocab x nEmbd]
	out  []float32 // [nVocab x nEmbd]
	rank []float32 // [nEmbd]

	closeOnce sync.Once
	mu        sync.Mutex
	closed    bool
	contexts  int
}

// NewModel builds a model from cfg. Weights depend only on Seed and NEmbd.
func NewModel(cfg Config) *Model {
	cfg.defaults()
	m := &Model{cfg: cfg}
	nVocab := m.vocab.NVocab()
	rng := rand.New(rand.NewSource(cfg.Seed))
	m.emb = fillRand(rng, nVocab*cfg.NEmbd)
	m.out = fillRand(rng, nVocab*cfg.NEmbd)
	m.rank = fillRand(rng, cfg.NEmbd)
	return m
}

func fillRand(rng *rand.Rand, n int) []float32 {
	v := make([]float32, n)
	for i := range v {
		v[i] = float32(rng.NormFloat64()) * 0.5
	}
	return v
}

func (m *Model) Name() string { return m.cfg.Name }

func (m *Model) Vocab() engine.Vocab { return m.vocab }

func (m *Model) NEmbd() int { return m.cfg.NEmbd }

func (m *Model) Capabilities() engine.Capabilities { return m.cfg.Caps }

func (m *Model) AudioRate() int { return m.cfg.AudioRate }

// NewContext creates a context over the model. Zero params take defaults:
// NCtx 2048, NBatch 512, NSeqMax 1.
func (m *Model) NewContext(p engine.ContextParams) (engine.Context, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, engine.ErrClosed
	}
	if p.NCtx <= 0 {
		p.NCtx = 2048
	}
	if p.NBatch <= 0 {
		p.NBatch = 512
	}
	if p.NBatch > p.NCtx {
		p.NBatch = p.NCtx
	}
	if p.NUBatch <= 0 || p.NUBatch > p.NBatch {
		p.NUBatch = p.NBatch
	}
	if p.NSeqMax <= 0 {
		p.NSeqMax = 1
	}
	if p.Pooling == engine.PoolingUnspecified {
		p.Pooling = engine.PoolingMean
	}
	m.contexts++
	return newContext(m, p), nil
}

// Close releases the model. Contexts created from it keep working until
// they are closed themselves.
func (m *Model) Close() error {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		m.closed = true
		m.mu.Unlock()
	})
	return nil
}

func (m *Model) contextClosed() {
	m.mu.Lock()
	m.contexts--
	m.mu.Unlock()
}

// OpenContexts reports contexts not yet closed.
func (m *Model) OpenContexts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.contexts
}

func (m *Model) embRow(tok batch.Token) []float32 {
	n := m.cfg.NEmbd
	return m.emb[int(tok)*n : (int(tok)+1)*n]
}

// hidden mixes the input row with the running sequence state and position.
func (m *Model) hidden(dst, in, state []float32, count int, pos batch.Pos) {
	for i := range dst {
		v := in[i]
		if count > 0 {
			v += 0.5 * state[i] / float32(count)
		}
		freq := 1 / math.Pow(10000, float64(2*(i/2))/float64(len(dst)))
		angle := float64(pos) * freq
		if i%2 == 0 {
			v += 0.1 * float32(math.Sin(angle))
		} else {
			v += 0.1 * float32(math.Cos(angle))
		}
		dst[i] = float32(math.Tanh(float64(v)))
	}
}

func (m *Model) project(dst, h []float32) {
	n := m.cfg.NEmbd
	for t := range dst {
		row := m.out[t*n : (t+1)*n]
		var sum float32
		for i, w := range row {
			sum += w * h[i]
		}
		dst[t] = sum
	}
}

func (m *Model) mirror(history []batch.Token) batch.Token {
	if m.cfg.Next != nil {
		return m.cfg.Next(history)
	}
	n := len(history)
	if n == 0 {
		return tokenizer.EOSID
	}
	last := history[n-1]
	for j := n - 2; j >= 0; j-- {
		if history[j] == last {
			return history[j+1]
		}
	}
	return tokenizer.EOSID
}
