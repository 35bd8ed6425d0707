package embedding

import (
	"bytes"
	"context"
	"errors"
	"math"
	"testing"

	"github.com/samcharles93/loom/internal/backend/cpu"
	"github.com/samcharles93/loom/internal/batch"
	"github.com/samcharles93/loom/internal/engine"
	"github.com/samcharles93/loom/internal/tokenizer"
)

// fakeCtx reports per-token vectors [token, pos] and pooled vectors
// [sum of tokens, count] for the last decoded batch.
type fakeCtx struct {
	params  engine.ContextParams
	decodes []int
	clears  int
	last    []batch.Entry
	failOn  int
}

func (f *fakeCtx) Decode(_ context.Context, b *batch.Batch) error {
	f.decodes = append(f.decodes, b.Len())
	if f.failOn > 0 && len(f.decodes) == f.failOn {
		return &engine.DecodeError{Code: 1, Tokens: b.Len(), Err: engine.ErrKVCacheFull}
	}
	f.last = f.last[:0]
	for i := range b.Len() {
		f.last = append(f.last, b.Entry(i))
	}
	return nil
}

func (f *fakeCtx) ClearCache() { f.clears++ }

func (f *fakeCtx) Logits(int) ([]float32, error) { return nil, engine.ErrNoLogits }

func (f *fakeCtx) Params() engine.ContextParams { return f.params }

func (f *fakeCtx) NEmbd() int { return 2 }

func (f *fakeCtx) Close() error { return nil }

func (f *fakeCtx) EmbeddingsIth(i int) ([]float32, error) {
	if f.params.Pooling != engine.PoolingNone {
		return nil, engine.ErrPoolingMismatch
	}
	e := f.last[i]
	return []float32{float32(e.Token), float32(e.Pos)}, nil
}

func (f *fakeCtx) EmbeddingsSeq(seq batch.SeqID) ([]float32, error) {
	if f.params.Pooling == engine.PoolingNone {
		return nil, engine.ErrPoolingMismatch
	}
	var sum, n float32
	for _, e := range f.last {
		if e.SeqIDs[0] == seq {
			sum += float32(e.Token)
			n++
		}
	}
	return []float32{sum, n}, nil
}

func TestExtractFlushesInOrder(t *testing.T) {
	t.Parallel()
	// BOS + 3 bytes = 4 tokens per line; NBatch 8 fits two lines.
	f := &fakeCtx{params: engine.ContextParams{NCtx: 64, NBatch: 8, NSeqMax: 4, Embeddings: true, Pooling: engine.PoolingNone}}
	e := &Extractor{Ctx: f, Vocab: tokenizer.ByteVocab{}}
	out, err := e.Extract(context.Background(), []string{"abc", "def", "ghi"})
	if err != nil {
		t.Fatal(err)
	}
	if got := e.Stats().Flushes; got != 2 {
		t.Fatalf("Flushes = %d, want 2", got)
	}
	if len(f.decodes) != 2 || f.decodes[0] != 8 || f.decodes[1] != 4 {
		t.Fatalf("decode sizes %v, want [8 4]", f.decodes)
	}
	if len(out) != 3 {
		t.Fatalf("got %d outputs", len(out))
	}
	for i, want := range []byte{'c', 'f', 'i'} {
		o := out[i]
		if o.Index != i || o.Tokens != 4 {
			t.Fatalf("output %d = %+v", i, o)
		}
		// last token of each line, at position 3
		if o.Vector[0] != float32(tokenizer.ByteOffset+int(want)) || o.Vector[1] != 3 {
			t.Fatalf("output %d vector %v", i, o.Vector)
		}
	}
	if f.clears < 2 {
		t.Fatalf("cache cleared %d times", f.clears)
	}
}

func TestExtractFlushesOnSequenceLimit(t *testing.T) {
	t.Parallel()
	f := &fakeCtx{params: engine.ContextParams{NCtx: 64, NBatch: 64, NSeqMax: 2, Embeddings: true, Pooling: engine.PoolingMean}}
	e := &Extractor{Ctx: f, Vocab: tokenizer.ByteVocab{}}
	out, err := e.Extract(context.Background(), []string{"a", "b", "c", "d", "e"})
	if err != nil {
		t.Fatal(err)
	}
	if e.Stats().Flushes != 3 {
		t.Fatalf("Flushes = %d, want 3", e.Stats().Flushes)
	}
	for i, o := range out {
		want := float32(tokenizer.BOSID) + float32(tokenizer.ByteOffset+int('a')+i)
		if o.Vector[0] != want || o.Vector[1] != 2 {
			t.Fatalf("output %d vector %v, want [%v 2]", i, o.Vector, want)
		}
		if o.Text == "" {
			t.Fatalf("output %d lost its text", i)
		}
	}
}

func TestExtractRejectsLongSequence(t *testing.T) {
	t.Parallel()
	f := &fakeCtx{params: engine.ContextParams{NCtx: 4, NBatch: 8, NSeqMax: 1, Embeddings: true}}
	e := &Extractor{Ctx: f, Vocab: tokenizer.ByteVocab{}}
	_, err := e.Extract(context.Background(), []string{"ok", "toolong"})
	if !errors.Is(err, ErrSequenceExceedsContext) {
		t.Fatalf("expected ErrSequenceExceedsContext, got %v", err)
	}
	var se *SequenceError
	if !errors.As(err, &se) || se.Index != 1 || se.Tokens != 8 || se.Limit != 4 {
		t.Fatalf("unexpected detail %+v", se)
	}
	if len(f.decodes) != 0 {
		t.Fatal("decoded before validating all inputs")
	}
}

func TestExtractEmptySequence(t *testing.T) {
	t.Parallel()
	f := &fakeCtx{params: engine.ContextParams{NCtx: 4, NBatch: 4, NSeqMax: 1, Embeddings: true}}
	e := &Extractor{Ctx: f, Vocab: tokenizer.ByteVocab{}}
	_, err := e.ExtractTokens(context.Background(), [][]batch.Token{{}})
	var se *SequenceError
	if !errors.As(err, &se) || errors.Is(err, ErrSequenceExceedsContext) {
		t.Fatalf("expected empty SequenceError, got %v", err)
	}
}

func TestExtractSurfacesDecodeFailure(t *testing.T) {
	t.Parallel()
	f := &fakeCtx{failOn: 1, params: engine.ContextParams{NCtx: 16, NBatch: 16, NSeqMax: 1, Embeddings: true}}
	e := &Extractor{Ctx: f, Vocab: tokenizer.ByteVocab{}}
	_, err := e.Extract(context.Background(), []string{"x"})
	if !errors.Is(err, engine.ErrDecode) || !errors.Is(err, engine.ErrKVCacheFull) {
		t.Fatalf("expected decode failure, got %v", err)
	}
}

func TestExtractRequiresEmbeddings(t *testing.T) {
	t.Parallel()
	f := &fakeCtx{params: engine.ContextParams{NCtx: 16, NBatch: 16, NSeqMax: 1}}
	e := &Extractor{Ctx: f, Vocab: tokenizer.ByteVocab{}}
	if _, err := e.Extract(context.Background(), []string{"x"}); !errors.Is(err, engine.ErrPoolingMismatch) {
		t.Fatalf("expected ErrPoolingMismatch, got %v", err)
	}
}

func TestExtractWithReferenceEngine(t *testing.T) {
	t.Parallel()
	m := cpu.NewModel(cpu.Config{Seed: 1})
	defer m.Close()
	c, err := m.NewContext(engine.ContextParams{NCtx: 64, NBatch: 16, NSeqMax: 4, Embeddings: true, Pooling: engine.PoolingMean})
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	e := &Extractor{Ctx: c, Vocab: m.Vocab(), Normalize: true}
	out, err := e.Extract(context.Background(), []string{"hello", "hello", "world"})
	if err != nil {
		t.Fatal(err)
	}
	if sim := CosineSimilarity(out[0].Vector, out[1].Vector); math.Abs(sim-1) > 1e-6 {
		t.Fatalf("identical inputs have similarity %v", sim)
	}
	for _, o := range out {
		if n := norm(o.Vector); math.Abs(n-1) > 1e-5 {
			t.Fatalf("normalized vector has norm %v", n)
		}
	}
}

func norm(v []float32) float64 {
	var s float64
	for _, x := range v {
		s += float64(x) * float64(x)
	}
	return math.Sqrt(s)
}

func TestCosineSimilarity(t *testing.T) {
	t.Parallel()
	zero := []float32{0, 0, 0}
	a := []float32{1, 2, 3}
	b := []float32{-3, 0.5, 2}
	tests := []struct {
		name string
		x, y []float32
		want float64
	}{
		{"zero zero", zero, zero, 1},
		{"zero nonzero", zero, a, 0},
		{"nonzero zero", a, zero, 0},
		{"self", a, a, 1},
		{"opposite", a, []float32{-1, -2, -3}, -1},
		{"orthogonal", []float32{1, 0}, []float32{0, 1}, 0},
		{"length mismatch", a, []float32{1}, 0},
	}
	for _, tc := range tests {
		if got := CosineSimilarity(tc.x, tc.y); math.Abs(got-tc.want) > 1e-9 {
			t.Errorf("%s: got %v, want %v", tc.name, got, tc.want)
		}
	}
	if CosineSimilarity(a, b) != CosineSimilarity(b, a) {
		t.Fatal("cosine is not symmetric")
	}
}

func TestNormalize(t *testing.T) {
	t.Parallel()
	zero := []float32{0, 0}
	Normalize(zero)
	if zero[0] != 0 || zero[1] != 0 {
		t.Fatalf("zero vector changed: %v", zero)
	}
	v := Normalize([]float32{3, 4})
	if math.Abs(float64(v[0])-0.6) > 1e-6 || math.Abs(float64(v[1])-0.8) > 1e-6 {
		t.Fatalf("got %v", v)
	}
	again := Normalize(append([]float32(nil), v...))
	for i := range v {
		if math.Abs(float64(again[i]-v[i])) > 1e-6 {
			t.Fatalf("normalize is not idempotent: %v vs %v", v, again)
		}
	}
}

func TestSimilarityMatrix(t *testing.T) {
	t.Parallel()
	vecs := [][]float32{{1, 0}, {0, 1}, {0, 0}, {2, 0}}
	m := SimilarityMatrix(vecs)
	for i := range vecs {
		for j := range vecs {
			if want := CosineSimilarity(vecs[i], vecs[j]); math.Abs(m[i][j]-want) > 1e-12 {
				t.Fatalf("m[%d][%d] = %v, want %v", i, j, m[i][j], want)
			}
		}
	}
	if m[2][2] != 1 || m[0][3] != 1 {
		t.Fatalf("unexpected matrix %v", m)
	}
}

func TestArrowRoundTrip(t *testing.T) {
	t.Parallel()
	in := []Output{
		{Index: 0, Text: "first", Vector: []float32{0.1, 0.2, 0.3}},
		{Index: 1, Text: "second", Vector: []float32{-1, 0, 1}},
	}
	var buf bytes.Buffer
	if err := WriteArrow(&buf, in, map[string]string{"model": "loom-ref", "pooling": "mean"}); err != nil {
		t.Fatal(err)
	}
	out, meta, err := ReadArrow(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if meta["model"] != "loom-ref" || meta["pooling"] != "mean" {
		t.Fatalf("metadata %v", meta)
	}
	if len(out) != len(in) {
		t.Fatalf("got %d rows", len(out))
	}
	for i := range in {
		if out[i].Index != in[i].Index || out[i].Text != in[i].Text {
			t.Fatalf("row %d = %+v", i, out[i])
		}
		for k := range in[i].Vector {
			if out[i].Vector[k] != in[i].Vector[k] {
				t.Fatalf("row %d vector %v", i, out[i].Vector)
			}
		}
	}
}

func TestWriteArrowRejectsRaggedVectors(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	err := WriteArrow(&buf, []Output{{Vector: []float32{1}}, {Index: 1, Vector: []float32{1, 2}}}, nil)
	if err == nil {
		t.Fatal("expected width error")
	}
	if err := WriteArrow(&buf, nil, nil); err == nil {
		t.Fatal("expected error for empty export")
	}
}
