// Package api serves an inference engine over HTTP.
package api

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/samcharles93/loom/internal/inference"
	"github.com/samcharles93/loom/internal/logger"
)

type Config struct {
	Engine   inference.Engine
	Defaults inference.GenDefaults
	Pool     *ContextPool
	// Gatherer backs GET /metrics. Nil disables the route.
	Gatherer prometheus.Gatherer
	Log      logger.Logger
}

type Server struct {
	engine   inference.Engine
	defaults inference.GenDefaults
	pool     *ContextPool
	gatherer prometheus.Gatherer
	log      logger.Logger
	clock    func() time.Time
	started  time.Time
}

func NewServer(cfg Config) *Server {
	pool := cfg.Pool
	if pool == nil {
		pool = NewContextPool(1, 0, nil)
	}
	s := &Server{
		engine:   cfg.Engine,
		defaults: cfg.Defaults,
		pool:     pool,
		gatherer: cfg.Gatherer,
		log:      logger.OrDiscard(cfg.Log),
		clock:    time.Now,
	}
	s.started = s.clock()
	return s
}

func (s *Server) Register(e *echo.Echo) {
	e.POST("/v1/completions", s.handleCompletions)
	e.POST("/v1/embeddings", s.handleEmbeddings)
	e.GET("/v1/models", s.handleListModels)
	e.GET("/healthz", s.handleHealth)
	if s.gatherer != nil {
		e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	}
}

func (s *Server) modelName(requested string) string {
	if requested != "" {
		return requested
	}
	if s.engine != nil {
		if name := s.engine.Info().Model; name != "" {
			return name
		}
	}
	return "loom"
}

func (s *Server) handleListModels(c *echo.Context) error {
	if s.engine == nil {
		return writeError(c, http.StatusInternalServerError, "server_error", "inference engine not configured", "", "")
	}
	info := s.engine.Info()
	return c.JSON(http.StatusOK, map[string]any{
		"object": "list",
		"data": []ModelInfo{{
			ID:           s.modelName(""),
			Object:       "model",
			Created:      s.started.Unix(),
			OwnedBy:      "local",
			ContextSize:  info.NCtx,
			BatchSize:    info.NBatch,
			EmbeddingDim: info.NEmbd,
			Pooling:      info.Pooling.String(),
			Capabilities: info.Capabilities.String(),
		}},
	})
}

func (s *Server) handleHealth(c *echo.Context) error {
	status := "ok"
	if s.engine == nil {
		status = "no_engine"
	}
	return c.JSON(http.StatusOK, map[string]any{
		"status":    status,
		"slots":     s.pool.Size(),
		"uptime_ms": s.clock().Sub(s.started).Milliseconds(),
	})
}
