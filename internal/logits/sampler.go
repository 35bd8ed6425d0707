// Package logits turns a logits row into the next token. It is the sampler
// collaborator of the generation loop: greedy, or one fixed chain of
// repetition penalty, temperature, top-k, min-p and top-p.
package logits

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/samcharles93/loom/internal/batch"
	"github.com/samcharles93/loom/internal/engine"
)

// SamplerConfig configures a Sampler. Temperature <= 0 selects greedy.
type SamplerConfig struct {
	Seed          int64
	Temperature   float32
	TopK          int
	TopP          float32
	MinP          float32
	RepeatPenalty float32
	RepeatLastN   int
}

// Greedy is the configuration used when no sampling is requested.
func Greedy() SamplerConfig {
	return SamplerConfig{}
}

// Sampler picks tokens from engine logits. It keeps the recent-token window
// for the repetition penalty, so one Sampler serves one sequence.
type Sampler struct {
	rng    *rand.Rand
	cfg    SamplerConfig
	greedy bool

	recent []batch.Token
	row    []float32
	topIdx []int
	topVal []float32
	prob   []float64
	seen   map[batch.Token]struct{}
}

// NewSampler returns a new sampler with the provided configuration.
func NewSampler(cfg SamplerConfig) *Sampler {
	greedy := cfg.Temperature <= 0
	if cfg.Temperature <= 0 {
		cfg.Temperature = 1
	}
	if cfg.TopK <= 0 {
		cfg.TopK = 40
	}
	if cfg.TopP <= 0 || cfg.TopP > 1 {
		cfg.TopP = 1
	}
	if cfg.RepeatPenalty <= 0 {
		cfg.RepeatPenalty = 1.0
	}
	if cfg.RepeatLastN <= 0 {
		cfg.RepeatLastN = 64
	}
	return &Sampler{
		rng:    rand.New(rand.NewSource(cfg.Seed)),
		cfg:    cfg,
		greedy: greedy,
		seen:   make(map[batch.Token]struct{}),
	}
}

func (s *Sampler) IsGreedy() bool {
	return s.greedy
}

// Sample reads the logits of batch entry idx (-1 for the last entry) and
// returns the chosen token. The engine's row is not modified.
func (s *Sampler) Sample(r engine.LogitsReader, idx int) (batch.Token, error) {
	row, err := r.Logits(idx)
	if err != nil {
		return 0, fmt.Errorf("read logits for entry %d: %w", idx, err)
	}
	if len(row) == 0 {
		return 0, fmt.Errorf("empty logits row for entry %d", idx)
	}
	s.row = append(s.row[:0], row...)
	return batch.Token(s.SampleRow(s.row)), nil
}

// Accept records a token emitted on the sequence, for the repetition
// penalty window.
func (s *Sampler) Accept(tok batch.Token) {
	s.recent = append(s.recent, tok)
	if over := len(s.recent) - s.cfg.RepeatLastN; over > 0 {
		s.recent = append(s.recent[:0], s.recent[over:]...)
	}
}

// Reset forgets the accepted history.
func (s *Sampler) Reset() {
	s.recent = s.recent[:0]
}

// SampleRow draws an index from logits, which it may modify in place:
//
//  1. Apply repetition penalty over the accepted window.
//  2. Greedy configurations return the argmax.
//  3. Scale by inverse temperature and keep the top k.
//  4. Softmax the shortlist, drop entries under MinP*pmax, cut at TopP.
//  5. Draw from the truncated distribution.
func (s *Sampler) SampleRow(logits []float32) int {
	if s.cfg.RepeatPenalty != 1.0 && len(s.recent) > 0 {
		clear(s.seen)
		for _, id := range s.recent {
			if _, dup := s.seen[id]; dup || id < 0 || int(id) >= len(logits) {
				continue
			}
			s.seen[id] = struct{}{}
			if logits[id] > 0 {
				logits[id] /= s.cfg.RepeatPenalty
			} else {
				logits[id] *= s.cfg.RepeatPenalty
			}
		}
	}

	if s.greedy || (s.cfg.TopK == 1 && s.cfg.TopP >= 1 && s.cfg.Temperature == 1) {
		return argmax(logits)
	}

	k := min(s.cfg.TopK, len(logits))
	topIdx, topVal := s.topK(logits, k, 1/s.cfg.Temperature)

	maxv := topVal[0]
	if cap(s.prob) < len(topVal) {
		s.prob = make([]float64, len(topVal))
	}
	prob := s.prob[:len(topVal)]
	var sum float64
	for i, v := range topVal {
		prob[i] = math.Exp(float64(v - maxv))
		sum += prob[i]
	}
	if sum == 0 || math.IsNaN(sum) {
		return topIdx[0]
	}
	for i := range prob {
		prob[i] /= sum
	}

	if s.cfg.MinP > 0 {
		threshold := prob[0] * float64(s.cfg.MinP)
		n := 0
		var kept float64
		for i := range prob {
			if prob[i] >= threshold {
				prob[n] = prob[i]
				topIdx[n] = topIdx[i]
				kept += prob[i]
				n++
			}
		}
		prob = prob[:n]
		for i := range prob {
			prob[i] /= kept
		}
	}

	cut := len(prob)
	if s.cfg.TopP < 1 {
		var c float64
		for i := range prob {
			c += prob[i]
			if float32(c) >= s.cfg.TopP {
				cut = i + 1
				break
			}
		}
	}

	r := s.rng.Float64()
	var c float64
	for i := range cut {
		c += prob[i]
		if r <= c {
			return topIdx[i]
		}
	}
	return topIdx[cut-1]
}

// argmax returns the index of the maximum value; the first wins on ties.
func argmax(x []float32) int {
	bestI := 0
	bestV := x[0]
	for i := 1; i < len(x); i++ {
		if x[i] > bestV {
			bestV = x[i]
			bestI = i
		}
	}
	return bestI
}

// topK returns the indices and scaled values of the k largest logits,
// largest first. O(V*K), fine for the small K used in practice.
func (s *Sampler) topK(logits []float32, k int, invTemp float32) ([]int, []float32) {
	topIdx := s.topIdx[:0]
	topVal := s.topVal[:0]
	for i, l := range logits {
		v := l * invTemp
		pos := len(topVal)
		for pos > 0 && topVal[pos-1] < v {
			pos--
		}
		if pos >= k {
			continue
		}
		topIdx = append(topIdx, 0)
		topVal = append(topVal, 0)
		copy(topIdx[pos+1:], topIdx[pos:])
		copy(topVal[pos+1:], topVal[pos:])
		topIdx[pos] = i
		topVal[pos] = v
		if len(topVal) > k {
			topIdx = topIdx[:k]
			topVal = topVal[:k]
		}
	}
	s.topIdx = topIdx
	s.topVal = topVal
	return topIdx, topVal
}
