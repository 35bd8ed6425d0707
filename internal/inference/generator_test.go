package inference

import (
	"context"
	"errors"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/samcharles93/loom/internal/batch"
	"github.com/samcharles93/loom/internal/engine"
	"github.com/samcharles93/loom/internal/tokenizer"
)

// scriptCtx emits the tokens of script, one per logits read, and records
// every decoded batch.
type scriptCtx struct {
	params engine.ContextParams
	script []batch.Token
	step   int
	failOn int

	decodes [][]batch.Entry
	clears  int

	// cancel, when set, runs after decode number cancelAfter.
	cancel      context.CancelFunc
	cancelAfter int
}

func newScriptCtx(nCtx, nBatch int, script ...batch.Token) *scriptCtx {
	return &scriptCtx{
		params: engine.ContextParams{NCtx: nCtx, NBatch: nBatch, NSeqMax: 1},
		script: script,
	}
}

func (s *scriptCtx) Decode(_ context.Context, b *batch.Batch) error {
	entries := make([]batch.Entry, b.Len())
	for i := range entries {
		entries[i] = b.Entry(i)
	}
	s.decodes = append(s.decodes, entries)
	if s.failOn > 0 && len(s.decodes) == s.failOn {
		return &engine.DecodeError{Code: 1, Tokens: b.Len(), Err: engine.ErrKVCacheFull}
	}
	if s.cancel != nil && len(s.decodes) == s.cancelAfter {
		s.cancel()
	}
	return nil
}

func (s *scriptCtx) ClearCache() { s.clears++ }

func (s *scriptCtx) Logits(int) ([]float32, error) {
	row := make([]float32, tokenizer.ByteVocab{}.NVocab())
	tok := tokenizer.EOSID
	if s.step < len(s.script) {
		tok = s.script[s.step]
	}
	s.step++
	row[tok] = 1
	return row, nil
}

func (s *scriptCtx) EmbeddingsIth(int) ([]float32, error) { return nil, engine.ErrPoolingMismatch }

func (s *scriptCtx) EmbeddingsSeq(batch.SeqID) ([]float32, error) {
	return nil, engine.ErrPoolingMismatch
}

func (s *scriptCtx) Params() engine.ContextParams { return s.params }

func (s *scriptCtx) NEmbd() int { return 4 }

func (s *scriptCtx) Close() error { return nil }

func textTokens(t *testing.T, text string) []batch.Token {
	t.Helper()
	toks, err := tokenizer.ByteVocab{}.Tokenize(text, false)
	if err != nil {
		t.Fatal(err)
	}
	return toks
}

func TestRunPromptTooLong(t *testing.T) {
	t.Parallel()
	c := newScriptCtx(64, 16)
	g := &Generator{Ctx: c, Vocab: tokenizer.ByteVocab{}}
	res, err := g.Run(context.Background(), textTokens(t, "abcd"), 4, nil)
	if !errors.Is(err, ErrPromptTooLong) {
		t.Fatalf("err = %v, want ErrPromptTooLong", err)
	}
	var reqErr *RequestError
	if !errors.As(err, &reqErr) || reqErr.PromptTokens != 4 || reqErr.NLen != 4 {
		t.Fatalf("unexpected detail %+v", reqErr)
	}
	if res != nil || len(c.decodes) != 0 || g.State() != StateFailed {
		t.Fatalf("res=%v decodes=%d state=%s", res, len(c.decodes), g.State())
	}
}

func TestRunContextTooSmall(t *testing.T) {
	t.Parallel()
	c := newScriptCtx(8, 8)
	g := &Generator{Ctx: c, Vocab: tokenizer.ByteVocab{}}
	_, err := g.Run(context.Background(), textTokens(t, "ab"), 16, nil)
	if !errors.Is(err, ErrContextTooSmall) {
		t.Fatalf("err = %v, want ErrContextTooSmall", err)
	}
	if len(c.decodes) != 0 {
		t.Fatalf("decoded %d batches", len(c.decodes))
	}
}

func TestRunEOGOnFirstSample(t *testing.T) {
	t.Parallel()
	c := newScriptCtx(64, 16, tokenizer.EOSID)
	g := &Generator{Ctx: c, Vocab: tokenizer.ByteVocab{}}
	res, err := g.Run(context.Background(), textTokens(t, "hi"), 32, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Text != "" || res.State != StateDone || res.Reason != ReasonEOG {
		t.Fatalf("got %+v", res)
	}
	if len(c.decodes) != 1 || res.Stats.TokensGenerated != 0 {
		t.Fatalf("decodes=%d generated=%d", len(c.decodes), res.Stats.TokensGenerated)
	}
}

func TestRunStreamsCompleteCharacters(t *testing.T) {
	t.Parallel()
	c := newScriptCtx(64, 16, textTokens(t, "café")...)
	g := &Generator{Ctx: c, Vocab: tokenizer.ByteVocab{}}
	var pieces []string
	res, err := g.Run(context.Background(), textTokens(t, ">"), 32, func(s string) {
		pieces = append(pieces, s)
	})
	if err != nil {
		t.Fatal(err)
	}
	for _, p := range pieces {
		if !utf8.ValidString(p) {
			t.Fatalf("streamed invalid utf-8 %q", p)
		}
	}
	if got := strings.Join(pieces, ""); got != "café" || res.Text != "café" {
		t.Fatalf("streamed %q, text %q", got, res.Text)
	}
	// é is two byte tokens and must arrive as one piece
	if pieces[len(pieces)-1] != "é" {
		t.Fatalf("last piece %q", pieces[len(pieces)-1])
	}
	if res.Stats.TokensGenerated != 5 || len(c.decodes) != 6 {
		t.Fatalf("generated=%d decodes=%d", res.Stats.TokensGenerated, len(c.decodes))
	}
}

func TestRunLengthBudget(t *testing.T) {
	t.Parallel()
	c := newScriptCtx(64, 16, textTokens(t, "wxyzw")...)
	g := &Generator{Ctx: c, Vocab: tokenizer.ByteVocab{}}
	res, err := g.Run(context.Background(), textTokens(t, "abc"), 6, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Reason != ReasonLength || res.State != StateDone {
		t.Fatalf("got %s/%s", res.State, res.Reason)
	}
	// samples at n_cur 3,4,5,6; the last is never decoded
	if res.Text != "wxyz" || len(c.decodes) != 4 {
		t.Fatalf("text %q decodes %d", res.Text, len(c.decodes))
	}
	tok, ok := g.Pending()
	if !ok || tok != tokenizer.ByteOffset+'z' || g.NCur() != 6 {
		t.Fatalf("pending %d,%v n_cur %d", tok, ok, g.NCur())
	}
	for i, d := range c.decodes[1:] {
		if len(d) != 1 || d[0].Pos != batch.Pos(3+i) || !d[0].Logits {
			t.Fatalf("decode %d: %+v", i+1, d)
		}
	}
}

func TestRunMaxTokens(t *testing.T) {
	t.Parallel()
	c := newScriptCtx(128, 16, textTokens(t, "abcdef")...)
	g := &Generator{Ctx: c, Vocab: tokenizer.ByteVocab{}, MaxTokens: 2}
	res, err := g.Run(context.Background(), textTokens(t, "p"), 100, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Text != "ab" || res.Reason != ReasonLength {
		t.Fatalf("got %q %s", res.Text, res.Reason)
	}
}

func TestRunChunkedPrefill(t *testing.T) {
	t.Parallel()
	c := newScriptCtx(64, 4, tokenizer.EOSID)
	g := &Generator{Ctx: c, Vocab: tokenizer.ByteVocab{}}
	if _, err := g.Run(context.Background(), textTokens(t, "0123456789"), 32, nil); err != nil {
		t.Fatal(err)
	}
	wantLens := []int{4, 4, 2}
	if len(c.decodes) != len(wantLens) {
		t.Fatalf("decodes = %d, want %d", len(c.decodes), len(wantLens))
	}
	var pos batch.Pos
	for i, d := range c.decodes {
		if len(d) != wantLens[i] {
			t.Fatalf("chunk %d has %d entries", i, len(d))
		}
		for j, e := range d {
			if e.Pos != pos {
				t.Fatalf("chunk %d entry %d at pos %d, want %d", i, j, e.Pos, pos)
			}
			pos++
			wantLogits := i == len(c.decodes)-1 && j == len(d)-1
			if e.Logits != wantLogits {
				t.Fatalf("chunk %d entry %d logits=%v", i, j, e.Logits)
			}
		}
	}
}

func TestRunCanceledBetweenSteps(t *testing.T) {
	t.Parallel()
	c := newScriptCtx(64, 16, textTokens(t, "abcdef")...)
	g := &Generator{Ctx: c, Vocab: tokenizer.ByteVocab{}}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	res, err := g.Run(ctx, textTokens(t, "p"), 32, func(string) { cancel() })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}
	if res == nil || res.Text != "a" || res.State != StateDone || res.Reason != ReasonCanceled {
		t.Fatalf("got %+v", res)
	}
}

func TestRunDecodeFailure(t *testing.T) {
	t.Parallel()
	c := newScriptCtx(64, 16, textTokens(t, "abc")...)
	c.failOn = 2
	g := &Generator{Ctx: c, Vocab: tokenizer.ByteVocab{}}
	res, err := g.Run(context.Background(), textTokens(t, "p"), 32, nil)
	if !errors.Is(err, engine.ErrDecode) || !errors.Is(err, engine.ErrKVCacheFull) {
		t.Fatalf("err = %v", err)
	}
	if res.State != StateFailed || res.Reason != ReasonError || res.Text != "a" {
		t.Fatalf("got %+v", res)
	}
	if g.State() != StateFailed {
		t.Fatalf("state = %s", g.State())
	}
}

func TestRunEmptyPrompt(t *testing.T) {
	t.Parallel()
	g := &Generator{Ctx: newScriptCtx(64, 16), Vocab: tokenizer.ByteVocab{}}
	if _, err := g.Run(context.Background(), nil, 8, nil); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("err = %v", err)
	}
}
