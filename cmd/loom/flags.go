package main

import (
	"github.com/urfave/cli/v3"
)

var (
	configFile string
	cfg        Config

	backendName string
	modelName   string
	nEmbd       int
	modelSeed   int
	capsSpec    string
	logitsMode  string
	quietEngine bool
	nCtx        int
	nBatch      int
	genConfig   string

	logLevel  string
	logFormat string
	debug     bool
)

func modelFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "backend",
			Usage:       "execution backend (auto, cpu)",
			Value:       "auto",
			Destination: &backendName,
		},
		&cli.StringFlag{
			Name:        "model",
			Aliases:     []string{"m"},
			Usage:       "reference model name",
			Value:       "loom-ref",
			Destination: &modelName,
		},
		&cli.IntFlag{
			Name:        "n-embd",
			Usage:       "reference model embedding width",
			Value:       32,
			Destination: &nEmbd,
		},
		&cli.IntFlag{
			Name:        "model-seed",
			Usage:       "seed for the reference model weights",
			Value:       42,
			Destination: &modelSeed,
		},
		&cli.StringFlag{
			Name:        "caps",
			Usage:       "model capabilities (vision, audio, mrope, non-causal)",
			Destination: &capsSpec,
		},
		&cli.StringFlag{
			Name:        "logits",
			Usage:       "reference logits mode (mirror, projection)",
			Value:       "mirror",
			Destination: &logitsMode,
		},
		&cli.BoolFlag{
			Name:        "quiet-engine",
			Usage:       "discard engine logs",
			Destination: &quietEngine,
		},
		&cli.IntFlag{
			Name:        "ctx",
			Aliases:     []string{"c", "n-ctx"},
			Usage:       "context size in tokens",
			Value:       2048,
			Destination: &nCtx,
		},
		&cli.IntFlag{
			Name:        "batch",
			Aliases:     []string{"b", "n-batch"},
			Usage:       "maximum tokens per decode",
			Value:       512,
			Destination: &nBatch,
		},
		&cli.StringFlag{
			Name:        "generation-config",
			Usage:       "path to generation_config.json with sampling defaults",
			Destination: &genConfig,
		},
	}
}

// samplerFlags have no Destination: only values the user set are layered
// over config and model defaults.
func samplerFlags() []cli.Flag {
	return []cli.Flag{
		&cli.IntFlag{
			Name:    "n-predict",
			Aliases: []string{"n", "max-tokens"},
			Usage:   "tokens to generate",
			Value:   128,
		},
		&cli.Float64Flag{
			Name:    "temp",
			Aliases: []string{"temperature", "t"},
			Usage:   "sampling temperature (0 = greedy)",
			Value:   0.8,
		},
		&cli.IntFlag{
			Name:    "top-k",
			Aliases: []string{"top_k"},
			Usage:   "top-k sampling parameter",
			Value:   40,
		},
		&cli.Float64Flag{
			Name:    "top-p",
			Aliases: []string{"top_p"},
			Usage:   "top-p sampling parameter",
			Value:   0.95,
		},
		&cli.Float64Flag{
			Name:    "min-p",
			Aliases: []string{"min_p"},
			Usage:   "min-p sampling parameter (0 = disabled)",
		},
		&cli.Float64Flag{
			Name:    "repeat-penalty",
			Aliases: []string{"repeat_penalty"},
			Usage:   "repetition penalty (1.0 = disabled)",
			Value:   1.1,
		},
		&cli.IntFlag{
			Name:  "repeat-last-n",
			Usage: "last n tokens to penalize",
			Value: 64,
		},
		&cli.Int64Flag{
			Name:  "seed",
			Usage: "sampling RNG seed (-1 = random)",
			Value: -1,
		},
	}
}

func loggingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (pretty, json, text)",
			Value:       "pretty",
			Destination: &logFormat,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Usage:       "enable debug logging (shorthand for --log-level=debug)",
			Destination: &debug,
		},
	}
}
