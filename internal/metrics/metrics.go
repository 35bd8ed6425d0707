// Package metrics exposes Prometheus instrumentation for decode
// orchestration. A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	DecodeCalls      prometheus.Counter
	DecodeTokens     prometheus.Counter
	DecodeFailures   *prometheus.CounterVec
	DecodeDuration   prometheus.Histogram
	TokensGenerated  prometheus.Counter
	PromptTokens     prometheus.Histogram
	GenerationsTotal *prometheus.CounterVec
	EmbeddingFlushes prometheus.Counter
	EmbeddingsTotal  prometheus.Counter
	MediaChunks      *prometheus.CounterVec
	InFlight         prometheus.Gauge
}

// New registers the loom collectors with reg. Passing a fresh
// prometheus.NewRegistry keeps tests isolated from the default registry.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		DecodeCalls: f.NewCounter(prometheus.CounterOpts{
			Name: "loom_decode_calls_total",
			Help: "Number of decode calls submitted to the engine",
		}),
		DecodeTokens: f.NewCounter(prometheus.CounterOpts{
			Name: "loom_decode_tokens_total",
			Help: "Number of batch entries submitted to decode",
		}),
		DecodeFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "loom_decode_failures_total",
			Help: "Number of failed decode calls",
		}, []string{"path"}),
		DecodeDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "loom_decode_duration_seconds",
			Help:    "Wall time of a single decode call",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 16),
		}),
		TokensGenerated: f.NewCounter(prometheus.CounterOpts{
			Name: "loom_tokens_generated_total",
			Help: "Tokens sampled by generation loops",
		}),
		PromptTokens: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "loom_prompt_tokens",
			Help:    "Distribution of prompt lengths in tokens",
			Buckets: []float64{8, 32, 128, 512, 1024, 2048, 4096, 8192, 16384},
		}),
		GenerationsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "loom_generations_total",
			Help: "Completed generation runs by stop reason",
		}, []string{"reason"}),
		EmbeddingFlushes: f.NewCounter(prometheus.CounterOpts{
			Name: "loom_embedding_flushes_total",
			Help: "Embedding batch flush cycles",
		}),
		EmbeddingsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "loom_embeddings_total",
			Help: "Embedding vectors extracted",
		}),
		MediaChunks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "loom_media_chunks_total",
			Help: "Multimodal chunks evaluated by type",
		}, []string{"type"}),
		InFlight: f.NewGauge(prometheus.GaugeOpts{
			Name: "loom_requests_in_flight",
			Help: "API requests currently holding an inference context",
		}),
	}
}

// ObserveDecode records one decode call. path names the caller
// (generate, embed, multimodal).
func (m *Metrics) ObserveDecode(path string, tokens int, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.DecodeCalls.Inc()
	m.DecodeTokens.Add(float64(tokens))
	m.DecodeDuration.Observe(d.Seconds())
	if err != nil {
		m.DecodeFailures.WithLabelValues(path).Inc()
	}
}

func (m *Metrics) ObservePrompt(tokens int) {
	if m == nil {
		return
	}
	m.PromptTokens.Observe(float64(tokens))
}

func (m *Metrics) TokenGenerated() {
	if m == nil {
		return
	}
	m.TokensGenerated.Inc()
}

func (m *Metrics) GenerationDone(reason string) {
	if m == nil {
		return
	}
	m.GenerationsTotal.WithLabelValues(reason).Inc()
}

func (m *Metrics) Flush(vectors int) {
	if m == nil {
		return
	}
	m.EmbeddingFlushes.Inc()
	m.EmbeddingsTotal.Add(float64(vectors))
}

func (m *Metrics) MediaChunk(kind string) {
	if m == nil {
		return
	}
	m.MediaChunks.WithLabelValues(kind).Inc()
}

// Acquire and Release track API requests holding a context.
func (m *Metrics) Acquire() {
	if m == nil {
		return
	}
	m.InFlight.Inc()
}

func (m *Metrics) Release() {
	if m == nil {
		return
	}
	m.InFlight.Dec()
}
