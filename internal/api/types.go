package api

// CompletionRequest is a text completion request. Unset sampler fields fall
// back to the model's generation defaults.
type CompletionRequest struct {
	Model       string   `json:"model,omitempty"`
	Prompt      string   `json:"prompt"`
	MaxTokens   *int     `json:"max_tokens,omitempty"`
	NLen        *int     `json:"n_len,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
	TopK        *int     `json:"top_k,omitempty"`
	TopP        *float64 `json:"top_p,omitempty"`
	MinP        *float64 `json:"min_p,omitempty"`
	Seed        *int64   `json:"seed,omitempty"`
	Stream      bool     `json:"stream,omitempty"`
	Echo        bool     `json:"echo,omitempty"`

	RepeatPenalty *float64 `json:"repeat_penalty,omitempty"`
	AddSpecial    *bool    `json:"add_special,omitempty"`
}

type CompletionResponse struct {
	ID      string             `json:"id"`
	Object  string             `json:"object"`
	Created int64              `json:"created"`
	Model   string             `json:"model"`
	Choices []CompletionChoice `json:"choices"`
	Usage   *Usage             `json:"usage,omitempty"`
}

type CompletionChoice struct {
	Index        int     `json:"index"`
	Text         string  `json:"text"`
	FinishReason *string `json:"finish_reason"`
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens,omitempty"`
	TotalTokens      int `json:"total_tokens"`
}

// EmbeddingRequest accepts a single string or an array of strings as input.
type EmbeddingRequest struct {
	Model      string `json:"model,omitempty"`
	Input      any    `json:"input"`
	Normalize  *bool  `json:"normalize,omitempty"`
	Similarity bool   `json:"similarity,omitempty"`
}

type EmbeddingResponse struct {
	Object     string          `json:"object"`
	Model      string          `json:"model"`
	Data       []EmbeddingData `json:"data"`
	Similarity [][]float64     `json:"similarity,omitempty"`
	Pooling    string          `json:"pooling"`
	Usage      Usage           `json:"usage"`
}

type EmbeddingData struct {
	Object    string    `json:"object"`
	Index     int       `json:"index"`
	Embedding []float32 `json:"embedding"`
}

type ModelInfo struct {
	ID           string `json:"id"`
	Object       string `json:"object"`
	Created      int64  `json:"created"`
	OwnedBy      string `json:"owned_by"`
	ContextSize  int    `json:"context_size"`
	BatchSize    int    `json:"batch_size"`
	EmbeddingDim int    `json:"embedding_dim"`
	Pooling      string `json:"pooling"`
	Capabilities string `json:"capabilities"`
}

type ResponseError struct {
	Message string `json:"message,omitempty"`
	Type    string `json:"type,omitempty"`
	Code    string `json:"code,omitempty"`
	Param   string `json:"param,omitempty"`
}
