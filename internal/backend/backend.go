// Package backend owns process-scoped engine state: which backend is
// active, where engine logs go, and the models loaded through it.
package backend

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/samcharles93/loom/internal/backend/cpu"
	"github.com/samcharles93/loom/internal/engine"
	"github.com/samcharles93/loom/internal/logger"
	"github.com/samcharles93/loom/internal/metrics"
	"github.com/samcharles93/loom/internal/multimodal"
)

const (
	CPU  = "cpu"
	Auto = "auto"
)

var ErrClosed = errors.New("backend closed")

// Model is a loaded model as seen by the orchestration layer.
type Model interface {
	engine.Model
	Name() string
	NEmbd() int
	Capabilities() engine.Capabilities
	Encoder() multimodal.Encoder
}

func Normalize(name string) (string, error) {
	backend := strings.ToLower(strings.TrimSpace(name))
	if backend == "" {
		return Auto, nil
	}
	switch backend {
	case CPU, Auto:
		return backend, nil
	default:
		return "", fmt.Errorf("unknown backend %q (expected auto or cpu)", backend)
	}
}

// Options configures Init.
type Options struct {
	Name string
	Log  logger.Logger
	// Quiet routes engine logs to a discard sink.
	Quiet   bool
	Metrics *metrics.Metrics
}

// ModelOptions describes a reference model to load.
type ModelOptions struct {
	Name   string
	NEmbd  int
	Seed   int64
	Caps   engine.Capabilities
	Logits string
}

// Backend is initialised once per process and passed explicitly to the
// components that need it.
type Backend struct {
	name    string
	log     logger.Logger
	metrics *metrics.Metrics

	mu     sync.Mutex
	models []Model
	closed bool

	closeOnce sync.Once
	closeErr  error
}

// Init resolves the backend name and sets up log routing.
func Init(opts Options) (*Backend, error) {
	name, err := Normalize(opts.Name)
	if err != nil {
		return nil, err
	}
	if name == Auto {
		name = CPU
	}
	log := logger.OrDiscard(opts.Log)
	if opts.Quiet {
		log = logger.Discard()
	}
	b := &Backend{
		name:    name,
		log:     log.With("backend", name),
		metrics: opts.Metrics,
	}
	b.log.Debug("backend initialised")
	return b, nil
}

func (b *Backend) Name() string {
	return b.name
}

func (b *Backend) Log() logger.Logger {
	return b.log
}

func (b *Backend) Metrics() *metrics.Metrics {
	return b.metrics
}

// LoadModel creates a model owned by the backend. Close releases it.
func (b *Backend) LoadModel(opts ModelOptions) (Model, error) {
	mode, err := cpu.ParseLogitsMode(opts.Logits)
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	m := cpu.NewModel(cpu.Config{
		Name:   opts.Name,
		NEmbd:  opts.NEmbd,
		Seed:   opts.Seed,
		Caps:   opts.Caps,
		Logits: mode,
	})
	b.models = append(b.models, m)
	b.log.Info("model loaded", "model", m.Name(), "n_embd", m.NEmbd(), "caps", m.Capabilities().String())
	return m, nil
}

// Close releases every model loaded through the backend. It is safe to
// call more than once.
func (b *Backend) Close() error {
	b.closeOnce.Do(func() {
		b.mu.Lock()
		models := b.models
		b.models = nil
		b.closed = true
		b.mu.Unlock()

		var errs []error
		for _, m := range models {
			if err := m.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close model %s: %w", m.Name(), err))
			}
		}
		b.closeErr = errors.Join(errs...)
		b.log.Debug("backend closed", "models", len(models))
	})
	return b.closeErr
}
