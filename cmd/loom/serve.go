package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/loom/internal/api"
	"github.com/samcharles93/loom/internal/inference"
	"github.com/samcharles93/loom/internal/logger"
	"github.com/samcharles93/loom/internal/metrics"
)

func serveCmd() *cli.Command {
	var (
		addr          string
		readTimeout   time.Duration
		maxConcurrent int
		queueWait     time.Duration
	)

	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the completions and embeddings REST API",
		Flags: append(modelFlags(),
			&cli.StringFlag{
				Name:        "addr",
				Usage:       "listen address",
				Value:       "127.0.0.1:8080",
				Destination: &addr,
			},
			&cli.DurationFlag{
				Name:        "read-timeout",
				Usage:       "read header timeout",
				Value:       30 * time.Second,
				Destination: &readTimeout,
			},
			&cli.IntFlag{
				Name:        "max-concurrent",
				Usage:       "requests evaluated at once",
				Value:       1,
				Destination: &maxConcurrent,
			},
			&cli.DurationFlag{
				Name:        "queue-wait",
				Usage:       "how long a request waits for a free slot before 503 (0 rejects at once)",
				Destination: &queueWait,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			applyModelConfig(cmd, cfg)
			if cfg.ServerAddress != "" && !cmd.IsSet("addr") {
				addr = cfg.ServerAddress
			}
			if cfg.MaxConcurrent != nil && !cmd.IsSet("max-concurrent") {
				maxConcurrent = *cfg.MaxConcurrent
			}
			if maxConcurrent < 1 {
				return cli.Exit(fmt.Sprintf("error: --max-concurrent must be at least 1, got %d", maxConcurrent), 1)
			}

			reg := prometheus.NewRegistry()
			reg.MustRegister(
				collectors.NewGoCollector(),
				collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			)
			m := metrics.New(reg)

			lm, err := openModel(ctx, inference.EngineOptions{}, m)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			defer func() { _ = lm.Close() }()

			server := api.NewServer(api.Config{
				Engine:   lm.Engine,
				Defaults: lm.GenerationDefaults,
				Pool:     api.NewContextPool(maxConcurrent, queueWait, m),
				Gatherer: reg,
				Log:      log,
			})
			e := echo.New()
			e.Use(middleware.RequestLogger())
			e.Use(middleware.Recover())
			server.Register(e)
			log.Info("starting server", "address", addr, "model", lm.Engine.Info().Model, "slots", maxConcurrent)
			sc := echo.StartConfig{
				Address: addr,
				BeforeServeFunc: func(srv *http.Server) error {
					srv.ReadHeaderTimeout = readTimeout
					return nil
				},
			}
			return sc.Start(ctx, e)
		},
	}
}
