package api

import (
	"net/http"

	"github.com/labstack/echo/v5"

	"github.com/samcharles93/loom/internal/inference"
)

func (s *Server) handleEmbeddings(c *echo.Context) error {
	if s.engine == nil {
		return writeError(c, http.StatusInternalServerError, "server_error", "inference engine not configured", "", "")
	}
	req, err := decodeJSON[EmbeddingRequest](c.Request().Body)
	if err != nil {
		return writeEngineError(c, err)
	}
	inputs, err := normalizeEmbeddingInput(req.Input)
	if err != nil {
		return writeEngineError(c, err)
	}

	ctx := c.Request().Context()
	release, err := s.pool.Acquire(ctx)
	if err != nil {
		return writeEngineError(c, err)
	}
	defer release()

	result, err := s.engine.Embed(ctx, &inference.EmbedRequest{
		Inputs:     inputs,
		Normalize:  boolOr(req.Normalize, true),
		Similarity: req.Similarity,
	})
	if err != nil {
		s.log.Warn("embedding failed", "inputs", len(inputs), "error", err)
		return writeEngineError(c, err)
	}

	data := make([]EmbeddingData, len(result.Outputs))
	for i, out := range result.Outputs {
		data[i] = EmbeddingData{
			Object:    "embedding",
			Index:     out.Index,
			Embedding: out.Vector,
		}
	}
	return c.JSON(http.StatusOK, EmbeddingResponse{
		Object:     "list",
		Model:      s.modelName(req.Model),
		Data:       data,
		Similarity: result.Similarity,
		Pooling:    result.Pooling.String(),
		Usage: Usage{
			PromptTokens: result.Stats.Tokens,
			TotalTokens:  result.Stats.Tokens,
		},
	})
}
