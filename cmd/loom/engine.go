package main

import (
	"context"
	"fmt"

	"github.com/samcharles93/loom/internal/backend"
	"github.com/samcharles93/loom/internal/engine"
	"github.com/samcharles93/loom/internal/inference"
	"github.com/samcharles93/loom/internal/logger"
	"github.com/samcharles93/loom/internal/metrics"
)

// loadedModel is a backend plus the engine over its one model.
type loadedModel struct {
	backend *backend.Backend
	*inference.LoadResult
}

func (l *loadedModel) Close() error {
	return l.backend.Close()
}

// openModel initialises the backend from the model flags and loads the
// reference model. opts carries the engine settings that are not flags
// shared by every command; its context sizes come from --ctx and --batch.
func openModel(ctx context.Context, opts inference.EngineOptions, m *metrics.Metrics) (*loadedModel, error) {
	caps, err := engine.ParseCapabilities(capsSpec)
	if err != nil {
		return nil, err
	}
	log := logger.FromContext(ctx)
	b, err := backend.Init(backend.Options{
		Name:    backendName,
		Log:     log,
		Quiet:   quietEngine,
		Metrics: m,
	})
	if err != nil {
		return nil, fmt.Errorf("init backend: %w", err)
	}
	opts.NCtx = nCtx
	opts.NBatch = nBatch
	opts.Log = log
	opts.Metrics = m
	loader := inference.Loader{
		Backend: b,
		Model: backend.ModelOptions{
			Name:   modelName,
			NEmbd:  nEmbd,
			Seed:   int64(modelSeed),
			Caps:   caps,
			Logits: logitsMode,
		},
		Engine:               opts,
		GenerationConfigPath: genConfig,
	}
	res, err := loader.Load()
	if err != nil {
		_ = b.Close()
		return nil, fmt.Errorf("load model: %w", err)
	}
	return &loadedModel{backend: b, LoadResult: res}, nil
}
