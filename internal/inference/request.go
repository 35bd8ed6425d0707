package inference

import (
	"time"

	"github.com/samcharles93/loom/internal/logits"
)

type RequestOptions struct {
	Prompt     string
	AddSpecial *bool

	MaxTokens *int
	NLen      *int
	Seed      *int64

	Temperature   *float64
	TopK          *int
	TopP          *float64
	MinP          *float64
	RepeatPenalty *float64
	RepeatLastN   *int

	EchoPrompt *bool
}

// GenDefaults are model-level defaults applied beneath request options.
type GenDefaults struct {
	MaxTokens         *int     `json:"max_tokens" yaml:"max_tokens"`
	Temperature       *float64 `json:"temperature" yaml:"temperature"`
	TopK              *int     `json:"top_k" yaml:"top_k"`
	TopP              *float64 `json:"top_p" yaml:"top_p"`
	MinP              *float64 `json:"min_p" yaml:"min_p"`
	RepetitionPenalty *float64 `json:"repetition_penalty" yaml:"repetition_penalty"`
}

func ResolveRequest(opts RequestOptions, defaults GenDefaults) Request {
	req := Request{
		Prompt:        opts.Prompt,
		AddSpecial:    true,
		MaxTokens:     128,
		Seed:          -1,
		Temperature:   0.8,
		TopK:          40,
		TopP:          0.95,
		MinP:          0.0,
		RepeatPenalty: 1.1,
		RepeatLastN:   64,
		EchoPrompt:    false,
	}

	if defaults.MaxTokens != nil && *defaults.MaxTokens > 0 {
		req.MaxTokens = *defaults.MaxTokens
	}
	if defaults.Temperature != nil && *defaults.Temperature >= 0 {
		req.Temperature = *defaults.Temperature
	}
	if defaults.TopK != nil && *defaults.TopK > 0 {
		req.TopK = *defaults.TopK
	}
	if defaults.TopP != nil && *defaults.TopP > 0 && *defaults.TopP <= 1 {
		req.TopP = *defaults.TopP
	}
	if defaults.MinP != nil && *defaults.MinP >= 0 && *defaults.MinP < 1 {
		req.MinP = *defaults.MinP
	}
	if defaults.RepetitionPenalty != nil && *defaults.RepetitionPenalty > 0 {
		req.RepeatPenalty = *defaults.RepetitionPenalty
	}

	if opts.AddSpecial != nil {
		req.AddSpecial = *opts.AddSpecial
	}
	if opts.MaxTokens != nil {
		req.MaxTokens = *opts.MaxTokens
	}
	if opts.NLen != nil {
		req.NLen = *opts.NLen
	}
	if opts.Seed != nil {
		req.Seed = *opts.Seed
	}
	if opts.Temperature != nil {
		req.Temperature = *opts.Temperature
	}
	if opts.TopK != nil {
		req.TopK = *opts.TopK
	}
	if opts.TopP != nil {
		req.TopP = *opts.TopP
	}
	if opts.MinP != nil {
		req.MinP = *opts.MinP
	}
	if opts.RepeatPenalty != nil {
		req.RepeatPenalty = *opts.RepeatPenalty
	}
	if opts.RepeatLastN != nil {
		req.RepeatLastN = *opts.RepeatLastN
	}
	if opts.EchoPrompt != nil {
		req.EchoPrompt = *opts.EchoPrompt
	}

	return req
}

// NLenFor resolves the absolute generation limit for a prompt of
// promptTokens tokens.
func (r *Request) NLenFor(promptTokens int) int {
	if r.NLen > 0 {
		return r.NLen
	}
	return promptTokens + r.MaxTokens
}

// SamplerConfig converts the sampling fields. A negative seed is replaced
// with a time-based one.
func (r *Request) SamplerConfig() logits.SamplerConfig {
	seed := r.Seed
	if seed < 0 {
		seed = time.Now().UnixNano()
	}
	return logits.SamplerConfig{
		Seed:          seed,
		Temperature:   float32(r.Temperature),
		TopK:          r.TopK,
		TopP:          float32(r.TopP),
		MinP:          float32(r.MinP),
		RepeatPenalty: float32(r.RepeatPenalty),
		RepeatLastN:   r.RepeatLastN,
	}
}
