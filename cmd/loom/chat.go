package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/loom/internal/engine"
	"github.com/samcharles93/loom/internal/inference"
	"github.com/samcharles93/loom/internal/logger"
	"github.com/samcharles93/loom/internal/logits"
)

func chatCmd() *cli.Command {
	var (
		history    string
		system     string
		raw        bool
		streamMode string
	)

	return &cli.Command{
		Name:  "chat",
		Usage: "Interactive multi-turn chat on one context",
		Flags: append(append(modelFlags(), samplerFlags()...),
			&cli.StringFlag{
				Name:        "history",
				Usage:       "KV cache policy between turns (clear, retain)",
				Value:       "clear",
				Destination: &history,
			},
			&cli.StringFlag{
				Name:        "system",
				Aliases:     []string{"sys"},
				Usage:       "optional system prompt",
				Destination: &system,
			},
			&cli.BoolFlag{
				Name:        "no-template",
				Usage:       "send user text as-is instead of rendering ChatML",
				Destination: &raw,
			},
			&cli.StringFlag{
				Name:        "stream-mode",
				Usage:       "output mode (instant, smooth, quiet)",
				Value:       "instant",
				Destination: &streamMode,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			applyModelConfig(cmd, cfg)
			policy, err := inference.ParseHistoryPolicy(history)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			if cfg.StreamMode != "" && !cmd.IsSet("stream-mode") {
				streamMode = cfg.StreamMode
			}
			mode, err := ParseStreamMode(streamMode)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}

			lm, err := openModel(ctx, inference.EngineOptions{}, nil)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			defer func() { _ = lm.Close() }()

			req := inference.ResolveRequest(requestOptions(cmd, cfg), lm.GenerationDefaults)
			c, err := lm.Model.NewContext(engine.ContextParams{
				NCtx:    nCtx,
				NBatch:  nBatch,
				NSeqMax: 1,
				Pooling: engine.PoolingNone,
			})
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: create context: %v", err), 1)
			}
			defer func() { _ = c.Close() }()

			session := &inference.Session{
				Ctx:      c,
				Vocab:    lm.Model.Vocab(),
				Sampler:  logits.NewSampler(req.SamplerConfig()),
				Policy:   policy,
				NPredict: req.MaxTokens,
				System:   system,
				Raw:      raw,
				Log:      log,
			}
			log.Info("chat ready", "history", policy.String(), "n_ctx", nCtx)
			fmt.Fprintln(os.Stderr, "Interactive mode. Type /exit to quit, /reset to start over.")
			return chatLoop(ctx, session, os.Stdin, os.Stdout, mode, logger.IsTerminal(os.Stdin))
		},
	}
}

// chatLoop runs one turn per input line until EOF or /exit.
func chatLoop(ctx context.Context, s *inference.Session, in io.Reader, w io.Writer, mode StreamMode, interactive bool) error {
	log := logger.FromContext(ctx)
	scanner := bufio.NewScanner(in)
	for {
		if interactive {
			fmt.Fprint(os.Stderr, "> ")
		}
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			continue
		case "/exit", "/quit":
			return nil
		case "/reset":
			s.Reset()
			fmt.Fprintln(os.Stderr, "session reset")
			continue
		}

		turnCtx, stop := signal.NotifyContext(ctx, os.Interrupt)
		sw := NewStreamWriter(w, mode, false)
		res, err := s.Turn(turnCtx, line, sw.Write)
		stop()
		sw.Flush()
		fmt.Fprintln(w)

		switch {
		case errors.Is(err, inference.ErrContextTooSmall):
			fmt.Fprintln(os.Stderr, "context is full; /reset to start a new conversation")
		case errors.Is(err, context.Canceled):
			if ctx.Err() != nil {
				return nil
			}
		case err != nil:
			fmt.Fprintln(os.Stderr, "error:", err)
		}
		if res != nil {
			log.Debug("turn stats",
				"reason", string(res.Reason),
				"tokens", res.Stats.TokensGenerated,
				"n_past", s.NPast(),
				"tps", fmt.Sprintf("%.2f", res.Stats.TPS),
			)
		}
	}
}
