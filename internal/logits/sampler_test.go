package logits

import (
	"errors"
	"testing"

	"github.com/samcharles93/loom/internal/batch"
	"github.com/samcharles93/loom/internal/engine"
)

type rowReader struct {
	rows map[int][]float32
}

func (r rowReader) Logits(i int) ([]float32, error) {
	row, ok := r.rows[i]
	if !ok {
		return nil, engine.ErrNoLogits
	}
	return row, nil
}

func TestGreedyPicksArgmax(t *testing.T) {
	t.Parallel()
	s := NewSampler(Greedy())
	if !s.IsGreedy() {
		t.Fatal("expected greedy sampler")
	}
	row := []float32{-1, 5, 3, 7, 2}
	tok, err := s.Sample(rowReader{rows: map[int][]float32{-1: row}}, -1)
	if err != nil {
		t.Fatal(err)
	}
	if tok != 3 {
		t.Fatalf("got %d, want 3", tok)
	}
	if row[3] != 7 {
		t.Fatal("Sample modified the engine row")
	}
}

func TestSampleMissingLogits(t *testing.T) {
	t.Parallel()
	s := NewSampler(Greedy())
	_, err := s.Sample(rowReader{}, 2)
	if !errors.Is(err, engine.ErrNoLogits) {
		t.Fatalf("expected ErrNoLogits, got %v", err)
	}
}

func TestSamplerDeterminism(t *testing.T) {
	t.Parallel()
	cfg := SamplerConfig{Seed: 42, Temperature: 0.9, TopK: 4, TopP: 0.95}
	s1, s2 := NewSampler(cfg), NewSampler(cfg)
	for range 20 {
		a := s1.SampleRow([]float32{0, 1, 2, 3, 4, 5})
		b := s2.SampleRow([]float32{0, 1, 2, 3, 4, 5})
		if a != b {
			t.Fatalf("expected deterministic sample, got %d vs %d", a, b)
		}
	}
}

func TestTopPRestrictsToHead(t *testing.T) {
	t.Parallel()
	s := NewSampler(SamplerConfig{Seed: 7, Temperature: 1.0, TopK: 5, TopP: 0.5})
	for range 10 {
		if idx := s.SampleRow([]float32{10, 0, 0, 0, 0}); idx != 0 {
			t.Fatalf("top-p sampling returned %d", idx)
		}
	}
}

func TestMinPDropsTail(t *testing.T) {
	t.Parallel()
	s := NewSampler(SamplerConfig{Seed: 3, Temperature: 1.0, TopK: 3, MinP: 0.5})
	for range 50 {
		idx := s.SampleRow([]float32{4, 3.9, -5})
		if idx == 2 {
			t.Fatal("min-p kept a negligible candidate")
		}
	}
}

func TestRepeatPenaltyUsesAcceptedWindow(t *testing.T) {
	t.Parallel()
	s := NewSampler(SamplerConfig{RepeatPenalty: 4, RepeatLastN: 2})
	s.Accept(0)
	if idx := s.SampleRow([]float32{3, 2, 1}); idx != 1 {
		t.Fatalf("penalised token still chosen: %d", idx)
	}
	// token 0 falls out of a window of 2
	s.Accept(batch.Token(2))
	s.Accept(batch.Token(2))
	if idx := s.SampleRow([]float32{3, 2, 1}); idx != 0 {
		t.Fatalf("token outside window penalised: %d", idx)
	}
	s.Reset()
	s.Accept(1)
	if idx := s.SampleRow([]float32{3, 2.9, 1}); idx != 0 {
		t.Fatalf("after reset got %d", idx)
	}
}
