package inference

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/samcharles93/loom/internal/batch"
	"github.com/samcharles93/loom/internal/tokenizer"
)

func decodedText(t *testing.T, entries []batch.Entry) string {
	t.Helper()
	toks := make([]batch.Token, len(entries))
	for i, e := range entries {
		toks[i] = e.Token
	}
	text, err := tokenizer.Detokenize(tokenizer.ByteVocab{}, toks)
	if err != nil {
		t.Fatal(err)
	}
	return text
}

func TestParseHistoryPolicy(t *testing.T) {
	t.Parallel()
	for in, want := range map[string]HistoryPolicy{"": HistoryClear, "clear": HistoryClear, " Retain ": HistoryRetain} {
		got, err := ParseHistoryPolicy(in)
		if err != nil || got != want {
			t.Fatalf("ParseHistoryPolicy(%q) = %s, %v", in, got, err)
		}
	}
	if _, err := ParseHistoryPolicy("forget"); err == nil {
		t.Fatal("expected error")
	}
}

func TestSessionRetainFeedsPendingToken(t *testing.T) {
	t.Parallel()
	c := newScriptCtx(64, 16, textTokens(t, "ab")...)
	s := &Session{Ctx: c, Vocab: tokenizer.ByteVocab{}, Policy: HistoryRetain, NPredict: 2, Raw: true}

	res, err := s.Turn(context.Background(), "hi", nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Text != "ab" || res.Reason != ReasonLength || s.NPast() != 4 {
		t.Fatalf("turn 1: %q %s n_past=%d", res.Text, res.Reason, s.NPast())
	}

	if _, err := s.Turn(context.Background(), "yo", nil); err != nil {
		t.Fatal(err)
	}
	if c.clears != 0 {
		t.Fatalf("retained session cleared the cache %d times", c.clears)
	}
	prefill := c.decodes[2]
	if prefill[0].Token != tokenizer.ByteOffset+'b' || prefill[0].Pos != 4 {
		t.Fatalf("turn 2 starts with %+v", prefill[0])
	}
	if got := decodedText(t, prefill); got != "b\nyo" {
		t.Fatalf("turn 2 prefill %q", got)
	}
	if len(s.Messages()) != 4 {
		t.Fatalf("messages = %d", len(s.Messages()))
	}
}

func TestSessionClearRerendersTranscript(t *testing.T) {
	t.Parallel()
	c := newScriptCtx(512, 512, textTokens(t, "ok")...)
	s := &Session{Ctx: c, Vocab: tokenizer.ByteVocab{}, Policy: HistoryClear, NPredict: 8, System: "sys"}

	if _, err := s.Turn(context.Background(), "one", nil); err != nil {
		t.Fatal(err)
	}
	first := len(c.decodes)
	if _, err := s.Turn(context.Background(), "two", nil); err != nil {
		t.Fatal(err)
	}
	if c.clears != 2 {
		t.Fatalf("clears = %d, want 2", c.clears)
	}
	prefill := c.decodes[first]
	if prefill[0].Pos != 0 || prefill[0].Token != tokenizer.BOSID {
		t.Fatalf("turn 2 did not restart at 0: %+v", prefill[0])
	}
	text := decodedText(t, prefill)
	for _, want := range []string{"system\nsys", "user\none", "assistant\nok<|im_end|>", "user\ntwo"} {
		if !strings.Contains(text, want) {
			t.Fatalf("transcript %q missing %q", text, want)
		}
	}
}

func TestSessionRetainContextTooSmall(t *testing.T) {
	t.Parallel()
	c := newScriptCtx(12, 16, textTokens(t, "ab")...)
	s := &Session{Ctx: c, Vocab: tokenizer.ByteVocab{}, Policy: HistoryRetain, NPredict: 2, Raw: true}
	if _, err := s.Turn(context.Background(), "hi", nil); err != nil {
		t.Fatal(err)
	}
	_, err := s.Turn(context.Background(), "a longer question", nil)
	if !errors.Is(err, ErrContextTooSmall) {
		t.Fatalf("err = %v", err)
	}
	if s.NPast() != 4 || len(s.Messages()) != 2 {
		t.Fatalf("rejected turn changed the session: n_past=%d messages=%d", s.NPast(), len(s.Messages()))
	}
}

func TestSessionRetainResetsAfterDecodeFailure(t *testing.T) {
	t.Parallel()
	c := newScriptCtx(256, 16, textTokens(t, "abc")...)
	c.failOn = 2
	s := &Session{Ctx: c, Vocab: tokenizer.ByteVocab{}, Policy: HistoryRetain, Raw: true}
	res, err := s.Turn(context.Background(), "hi", nil)
	if err == nil || res.State != StateFailed {
		t.Fatalf("got %v, %v", res, err)
	}
	if s.NPast() != 0 || c.clears != 1 || len(s.Messages()) != 0 {
		t.Fatalf("session not reset: n_past=%d clears=%d", s.NPast(), c.clears)
	}
}

func TestSessionRetainResetsAfterCanceledPrefill(t *testing.T) {
	t.Parallel()
	c := newScriptCtx(256, 2, textTokens(t, "ok")...)
	s := &Session{Ctx: c, Vocab: tokenizer.ByteVocab{}, Policy: HistoryRetain, Raw: true}
	if _, err := s.Turn(context.Background(), "hi", nil); err != nil {
		t.Fatal(err)
	}
	clears := c.clears

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.cancel, c.cancelAfter = cancel, len(c.decodes)+1
	res, err := s.Turn(ctx, "hello", nil)
	if !errors.Is(err, context.Canceled) || res.Reason != ReasonCanceled || res.Stats.TokensGenerated != 0 {
		t.Fatalf("got %+v, %v", res, err)
	}
	if s.NPast() != 0 || c.clears != clears+1 || len(s.Messages()) != 0 {
		t.Fatalf("canceled turn kept: n_past=%d clears=%d messages=%+v", s.NPast(), c.clears, s.Messages())
	}
}

func TestSessionClearSkipsCanceledTurn(t *testing.T) {
	t.Parallel()
	c := newScriptCtx(256, 2)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.cancel, c.cancelAfter = cancel, 1
	s := &Session{Ctx: c, Vocab: tokenizer.ByteVocab{}, Policy: HistoryClear, Raw: true}

	res, err := s.Turn(ctx, "hello", nil)
	if !errors.Is(err, context.Canceled) || res.Reason != ReasonCanceled {
		t.Fatalf("got %+v, %v", res, err)
	}
	if len(s.Messages()) != 0 {
		t.Fatalf("canceled turn recorded: %+v", s.Messages())
	}
}
