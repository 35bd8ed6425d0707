package inference

import (
	"context"

	"github.com/samcharles93/loom/internal/batch"
	"github.com/samcharles93/loom/internal/embedding"
	"github.com/samcharles93/loom/internal/engine"
)

type StreamFunc func(text string)

// Engine is the request-level facade used by the API and CLI.
type Engine interface {
	Generate(ctx context.Context, req *Request, stream StreamFunc) (*Result, error)
	Embed(ctx context.Context, req *EmbedRequest) (*EmbedResult, error)
	Info() Info
	Close() error
}

// Info describes the model behind an Engine.
type Info struct {
	Model        string
	NCtx         int
	NBatch       int
	NEmbd        int
	Pooling      engine.Pooling
	Capabilities engine.Capabilities
}

type Request struct {
	Prompt string
	// Tokens, when set, is used instead of tokenizing Prompt.
	Tokens     []batch.Token
	AddSpecial bool

	// MaxTokens is the generation budget; NLen, when positive, is the
	// absolute position limit and takes precedence.
	MaxTokens int
	NLen      int

	Seed          int64
	Temperature   float64
	TopK          int
	TopP          float64
	MinP          float64
	RepeatPenalty float64
	RepeatLastN   int

	EchoPrompt bool
}

type Result struct {
	Text   string
	Tokens []batch.Token
	State  State
	Reason Reason
	Stats  Stats
}

type EmbedRequest struct {
	Inputs     []string
	Normalize  bool
	Similarity bool
}

type EmbedResult struct {
	Outputs    []embedding.Output
	Similarity [][]float64
	Dim        int
	Pooling    engine.Pooling
	Stats      embedding.Stats
}
