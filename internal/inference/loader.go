package inference

import (
	"fmt"
	"os"

	"github.com/goccy/go-json"

	"github.com/samcharles93/loom/internal/backend"
)

// Loader loads a model through a backend and wraps it in an EngineImpl.
type Loader struct {
	Backend *backend.Backend
	Model   backend.ModelOptions
	Engine  EngineOptions

	// GenerationConfigPath optionally names a generation_config.json whose
	// values become request defaults.
	GenerationConfigPath string
}

type LoadResult struct {
	Engine             *EngineImpl
	Model              backend.Model
	GenerationDefaults GenDefaults
}

func (l Loader) Load() (*LoadResult, error) {
	if l.Backend == nil {
		return nil, fmt.Errorf("backend is required")
	}
	defaults, err := LoadGenerationDefaults(l.GenerationConfigPath)
	if err != nil {
		return nil, err
	}
	m, err := l.Backend.LoadModel(l.Model)
	if err != nil {
		return nil, err
	}
	opts := l.Engine
	if opts.Log == nil {
		opts.Log = l.Backend.Log()
	}
	if opts.Metrics == nil {
		opts.Metrics = l.Backend.Metrics()
	}
	return &LoadResult{
		Engine:             NewEngine(m, opts),
		Model:              m,
		GenerationDefaults: defaults,
	}, nil
}

// LoadGenerationDefaults reads a generation_config.json. An empty path
// yields no defaults.
func LoadGenerationDefaults(path string) (GenDefaults, error) {
	if path == "" {
		return GenDefaults{}, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return GenDefaults{}, fmt.Errorf("load generation config: %w", err)
	}
	return ParseGenerationDefaults(raw)
}

func ParseGenerationDefaults(raw []byte) (GenDefaults, error) {
	var cfg struct {
		GenDefaults
		MaxNewTokens *int `json:"max_new_tokens"`
	}
	if len(raw) == 0 {
		return GenDefaults{}, nil
	}
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return GenDefaults{}, fmt.Errorf("parse generation config: %w", err)
	}
	if cfg.MaxTokens == nil {
		cfg.MaxTokens = cfg.MaxNewTokens
	}
	return cfg.GenDefaults, nil
}
