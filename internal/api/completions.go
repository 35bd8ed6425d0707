package api

import (
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v5"

	"github.com/samcharles93/loom/internal/inference"
)

func (s *Server) handleCompletions(c *echo.Context) error {
	if s.engine == nil {
		return writeError(c, http.StatusInternalServerError, "server_error", "inference engine not configured", "", "")
	}
	req, err := decodeJSON[CompletionRequest](c.Request().Body)
	if err != nil {
		return writeEngineError(c, err)
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return writeEngineError(c, newInvalidRequest("prompt", "prompt is required"))
	}
	if req.MaxTokens != nil && *req.MaxTokens <= 0 {
		return writeEngineError(c, newInvalidRequest("max_tokens", "max_tokens must be positive"))
	}
	if req.NLen != nil && *req.NLen <= 0 {
		return writeEngineError(c, newInvalidRequest("n_len", "n_len must be positive"))
	}

	ctx := c.Request().Context()
	release, err := s.pool.Acquire(ctx)
	if err != nil {
		return writeEngineError(c, err)
	}
	defer release()

	inferReq := completionToInferenceRequest(&req, s.defaults)
	id := "cmpl-" + uuid.NewString()
	created := s.clock().Unix()
	model := s.modelName(req.Model)

	if req.Stream {
		return s.streamCompletion(c, &inferReq, id, created, model)
	}

	result, err := s.engine.Generate(ctx, &inferReq, nil)
	if err != nil {
		s.log.Warn("completion failed", "id", id, "error", err)
		return writeEngineError(c, err)
	}
	reason := finishReason(result.Reason)
	return c.JSON(http.StatusOK, CompletionResponse{
		ID:      id,
		Object:  "text_completion",
		Created: created,
		Model:   model,
		Choices: []CompletionChoice{{
			Index:        0,
			Text:         completionText(&inferReq, result),
			FinishReason: &reason,
		}},
		Usage: usageOf(result),
	})
}

func (s *Server) streamCompletion(c *echo.Context, req *inference.Request, id string, created int64, model string) error {
	sw, err := NewSSEStreamWriter(c)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	chunk := func(text string, reason *string) CompletionResponse {
		return CompletionResponse{
			ID:      id,
			Object:  "text_completion",
			Created: created,
			Model:   model,
			Choices: []CompletionChoice{{Index: 0, Text: text, FinishReason: reason}},
		}
	}

	result, err := s.engine.Generate(c.Request().Context(), req, func(piece string) {
		_ = sw.Send(chunk(piece, nil))
	})
	if err != nil && !sw.Started() {
		s.log.Warn("completion failed", "id", id, "error", err)
		return writeEngineError(c, err)
	}
	if err != nil {
		// headers are already out; report in-band
		if c.Request().Context().Err() == nil {
			s.log.Warn("completion stream failed", "id", id, "error", err)
		}
		_, errType, code := errorStatus(err)
		_ = sw.Send(map[string]any{"error": ResponseError{Message: err.Error(), Type: errType, Code: code}})
	}
	if result != nil {
		reason := finishReason(result.Reason)
		final := chunk("", &reason)
		final.Usage = usageOf(result)
		_ = sw.Send(final)
	}
	_ = sw.Done()
	return nil
}

func completionToInferenceRequest(req *CompletionRequest, defaults inference.GenDefaults) inference.Request {
	echoPrompt := req.Echo
	return inference.ResolveRequest(inference.RequestOptions{
		Prompt:        req.Prompt,
		AddSpecial:    req.AddSpecial,
		MaxTokens:     req.MaxTokens,
		NLen:          req.NLen,
		Seed:          req.Seed,
		Temperature:   req.Temperature,
		TopK:          req.TopK,
		TopP:          req.TopP,
		MinP:          req.MinP,
		RepeatPenalty: req.RepeatPenalty,
		EchoPrompt:    &echoPrompt,
	}, defaults)
}

// completionText prefixes the prompt when echo was requested. Streaming
// echo is handled by the engine.
func completionText(req *inference.Request, result *inference.Result) string {
	if req.EchoPrompt {
		return req.Prompt + result.Text
	}
	return result.Text
}

func finishReason(r inference.Reason) string {
	switch r {
	case inference.ReasonEOG:
		return "stop"
	case inference.ReasonLength:
		return "length"
	case inference.ReasonCanceled:
		return "cancelled"
	default:
		return "error"
	}
}

func usageOf(result *inference.Result) *Usage {
	return &Usage{
		PromptTokens:     result.Stats.PromptTokens,
		CompletionTokens: result.Stats.TokensGenerated,
		TotalTokens:      result.Stats.PromptTokens + result.Stats.TokensGenerated,
	}
}
