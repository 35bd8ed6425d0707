package main

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/samcharles93/loom/internal/backend/cpu"
	"github.com/samcharles93/loom/internal/batch"
	"github.com/samcharles93/loom/internal/embedding"
	"github.com/samcharles93/loom/internal/engine"
	"github.com/samcharles93/loom/internal/inference"
	"github.com/samcharles93/loom/internal/multimodal"
	"github.com/samcharles93/loom/internal/rpc"
	"github.com/samcharles93/loom/internal/tokenizer"
)

func TestResolvePrompt(t *testing.T) {
	t.Parallel()

	if p, err := resolvePrompt("flag", "arg", nil); err != nil || p != "flag" {
		t.Fatalf("flag: %q, %v", p, err)
	}
	if p, err := resolvePrompt("", "arg", nil); err != nil || p != "arg" {
		t.Fatalf("arg: %q, %v", p, err)
	}
	p, err := resolvePrompt("-", "", strings.NewReader("from stdin\r\n"))
	if err != nil || p != "from stdin" {
		t.Fatalf("stdin: %q, %v", p, err)
	}
	if _, err := resolvePrompt("", "  ", nil); err == nil {
		t.Fatal("expected error for empty prompt")
	}
}

func TestReadInputs(t *testing.T) {
	t.Parallel()

	got, err := readInputs([]string{"a", " "}, "", strings.NewReader("ignored\n"))
	if err != nil || len(got) != 1 || got[0] != "a" {
		t.Fatalf("args: %q, %v", got, err)
	}
	got, err = readInputs(nil, "", strings.NewReader("one\r\n\n  \ntwo\n"))
	if err != nil || len(got) != 2 || got[0] != "one" || got[1] != "two" {
		t.Fatalf("stdin: %q, %v", got, err)
	}
	if _, err := readInputs(nil, "", strings.NewReader("\n")); err == nil {
		t.Fatal("expected error for no inputs")
	}
}

func TestParseStreamMode(t *testing.T) {
	t.Parallel()

	for in, want := range map[string]StreamMode{"": StreamInstant, "Smooth": StreamSmooth, " quiet ": StreamQuiet} {
		got, err := ParseStreamMode(in)
		if err != nil || got != want {
			t.Fatalf("ParseStreamMode(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := ParseStreamMode("loud"); err == nil {
		t.Fatal("expected error")
	}
}

func TestStreamWriterQuietPrintsOnFlush(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	w := NewStreamWriter(&buf, StreamQuiet, false)
	w.Write("hello ")
	w.Write("world")
	if buf.Len() != 0 {
		t.Fatalf("quiet mode wrote early: %q", buf.String())
	}
	if got := w.Flush(); got != "hello world" {
		t.Fatalf("Flush() = %q", got)
	}
	if buf.String() != "hello world" {
		t.Fatalf("output = %q", buf.String())
	}
}

func TestStreamWriterRawEscapes(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	w := NewStreamWriter(&buf, StreamInstant, true)
	w.Write("a\nb\t\\\x01")
	if got, want := buf.String(), `a\nb\t\\\u0001`; got != want {
		t.Fatalf("output = %q, want %q", got, want)
	}
	if got := w.Flush(); got != "a\nb\t\\\x01" {
		t.Fatalf("Flush() should return unescaped text, got %q", got)
	}
}

func TestLoadMediaCountMismatch(t *testing.T) {
	t.Parallel()
	_, err := loadMedia("a <m> b <m>", "<m>", []string{"2x2:x.rgb"}, nil)
	var cm *multimodal.CountMismatchError
	if !errors.As(err, &cm) || cm.Expected != 2 || cm.Provided != 1 {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestParseEndpoints(t *testing.T) {
	t.Parallel()
	got, err := parseEndpoints([]string{" localhost:50052 "})
	if err != nil || len(got) != 1 || got[0] != "localhost:50052" {
		t.Fatalf("parseEndpoints = %q, %v", got, err)
	}
	if _, err := parseEndpoints([]string{"no-port"}); !errors.Is(err, rpc.ErrInvalidEndpoint) {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := parseEndpoints(nil); err == nil {
		t.Fatal("expected error for no endpoints")
	}
}

func TestWriteMemoryTable(t *testing.T) {
	t.Parallel()
	mem := []rpc.DeviceMemory{
		{Endpoint: "a:1", Free: 3 << 30, Total: 4 << 30},
		{Endpoint: "b:1", Err: errors.New("refused")},
	}
	var buf bytes.Buffer
	if err := writeMemoryTable(&buf, mem, rpc.PlanSplit(mem)); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	for _, want := range []string{"ENDPOINT", "3.0 GiB", "4.0 GiB", "1.000", "0.000", "refused"} {
		if !strings.Contains(out, want) {
			t.Fatalf("table missing %q:\n%s", want, out)
		}
	}
	if formatBytes(512) != "512 B" || formatBytes(1536) != "1.5 KiB" {
		t.Fatalf("formatBytes: %q %q", formatBytes(512), formatBytes(1536))
	}
}

func TestWriteEmbeddingsText(t *testing.T) {
	t.Parallel()
	res := &inference.EmbedResult{
		Outputs: []embedding.Output{
			{Index: 0, Text: "a", Vector: []float32{1, 0}},
			{Index: 1, Text: "b", Vector: []float32{0, 1}},
		},
		Dim:        2,
		Pooling:    engine.PoolingMean,
		Similarity: [][]float64{{1, 0}, {0, 1}},
	}
	var buf bytes.Buffer
	if err := writeEmbeddings(&buf, "text", res, "m"); err != nil {
		t.Fatal(err)
	}
	want := "0\t1.000000 0.000000\n1\t0.000000 1.000000\nsimilarity:\n 1.000  0.000\n 0.000  1.000\n"
	if buf.String() != want {
		t.Fatalf("text output:\n%q\nwant\n%q", buf.String(), want)
	}

	buf.Reset()
	if err := writeEmbeddings(&buf, "json", res, "m"); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), `"pooling": "mean"`) || !strings.Contains(buf.String(), `"similarity"`) {
		t.Fatalf("json output: %s", buf.String())
	}
}

func TestChatLoopCommands(t *testing.T) {
	t.Parallel()
	m := cpu.NewModel(cpu.Config{
		NEmbd: 8,
		Seed:  1,
		Next:  func([]batch.Token) batch.Token { return tokenizer.ByteOffset + '!' },
	})
	t.Cleanup(func() { _ = m.Close() })
	c, err := m.NewContext(engine.ContextParams{NCtx: 64, NBatch: 16, NSeqMax: 1, Pooling: engine.PoolingNone})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = c.Close() })

	s := &inference.Session{Ctx: c, Vocab: m.Vocab(), NPredict: 2, Raw: true}
	var out bytes.Buffer
	in := strings.NewReader("hi\n\n/reset\nyo\n/exit\nnever\n")
	if err := chatLoop(context.Background(), s, in, &out, StreamInstant, false); err != nil {
		t.Fatal(err)
	}
	if got := out.String(); got != "!!\n!!\n" {
		t.Fatalf("output = %q", got)
	}
	if msgs := s.Messages(); len(msgs) != 2 || msgs[0].Content != "yo" {
		t.Fatalf("messages after reset = %+v", msgs)
	}
}
