package inference

import (
	"context"
	"fmt"

	"github.com/samcharles93/loom/internal/batch"
	"github.com/samcharles93/loom/internal/multimodal"
)

// RunChunks evaluates a multimodal prompt and generates up to nPredict
// tokens after it. Every chunk but the last goes through asm; the last chunk
// must be text and is prefilled by the generator so sampling starts from its
// final token.
func (g *Generator) RunChunks(ctx context.Context, asm *multimodal.Assembler, chunks []multimodal.Chunk, start batch.Pos, nPredict int, stream StreamFunc) (*Result, error) {
	if len(chunks) == 0 {
		return nil, invalidRequest("empty prompt")
	}
	tail := chunks[len(chunks)-1]
	if tail.Type != multimodal.ChunkText || len(tail.Tokens) == 0 {
		return nil, invalidRequest("prompt must end with text, got %s chunk", tail.Type)
	}
	if nPredict <= 0 {
		nPredict = defaultNPredict
	}

	nPast := start
	var head int
	if len(chunks) > 1 {
		var err error
		nPast, err = asm.Eval(ctx, chunks[:len(chunks)-1], g.Seq, start, false)
		if err != nil {
			g.state = StateFailed
			return nil, fmt.Errorf("evaluate media prompt: %w", err)
		}
		for _, c := range chunks[:len(chunks)-1] {
			head += c.TokenCount()
		}
	}

	g.MaxTokens = nPredict
	nLen := int(nPast) + len(tail.Tokens) + nPredict
	res, err := g.RunAt(ctx, tail.Tokens, nPast, nLen, stream)
	if res != nil {
		res.Stats.PromptTokens += head
	}
	return res, err
}
