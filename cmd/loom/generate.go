package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/loom/internal/inference"
	"github.com/samcharles93/loom/internal/logger"
)

func generateCmd() *cli.Command {
	var (
		prompt     string
		nLen       int
		streamMode string
		raw        bool
		noSpecial  bool
		echoPrompt bool
	)

	return &cli.Command{
		Name:      "generate",
		Aliases:   []string{"gen"},
		Usage:     "Generate text from a prompt",
		ArgsUsage: "[prompt | -]",
		Flags: append(append(modelFlags(), samplerFlags()...),
			&cli.StringFlag{
				Name:        "prompt",
				Aliases:     []string{"p"},
				Usage:       "prompt text (\"-\" reads stdin)",
				Destination: &prompt,
			},
			&cli.IntFlag{
				Name:        "n-len",
				Usage:       "absolute position limit, prompt included (overrides --n-predict)",
				Destination: &nLen,
			},
			&cli.StringFlag{
				Name:        "stream-mode",
				Usage:       "output mode (instant, smooth, quiet)",
				Value:       "instant",
				Destination: &streamMode,
			},
			&cli.BoolFlag{
				Name:        "raw-output",
				Usage:       "escape control characters in output",
				Destination: &raw,
			},
			&cli.BoolFlag{
				Name:        "no-special",
				Usage:       "do not add BOS to the prompt",
				Destination: &noSpecial,
			},
			&cli.BoolFlag{
				Name:        "echo-prompt",
				Usage:       "print the prompt before the generated text",
				Destination: &echoPrompt,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			applyModelConfig(cmd, cfg)
			if cfg.StreamMode != "" && !cmd.IsSet("stream-mode") {
				streamMode = cfg.StreamMode
			}
			mode, err := ParseStreamMode(streamMode)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}

			text, err := resolvePrompt(prompt, cmd.Args().First(), os.Stdin)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}

			lm, err := openModel(ctx, inference.EngineOptions{}, nil)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			defer func() { _ = lm.Close() }()

			opts := requestOptions(cmd, cfg)
			opts.Prompt = text
			opts.NLen = pick(cmd, "n-len", nLen, cfg.NLen)
			addSpecial := !noSpecial
			opts.AddSpecial = &addSpecial
			opts.EchoPrompt = &echoPrompt
			req := inference.ResolveRequest(opts, lm.GenerationDefaults)

			ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
			defer stop()

			sw := NewStreamWriter(os.Stdout, mode, raw)
			res, err := lm.Engine.Generate(ctx, &req, sw.Write)
			sw.Flush()
			fmt.Println()
			if err != nil && !errors.Is(err, context.Canceled) {
				return cli.Exit(fmt.Sprintf("error: generate: %v", err), 1)
			}
			if res == nil {
				return nil
			}
			log.Info("generation done",
				"reason", string(res.Reason),
				"prompt_tokens", res.Stats.PromptTokens,
				"tokens", res.Stats.TokensGenerated,
				"decodes", res.Stats.Decodes,
				"tps", fmt.Sprintf("%.2f", res.Stats.TPS),
			)
			return nil
		},
	}
}

// resolvePrompt picks the --prompt flag, then the first argument. "-" reads
// the prompt from stdin.
func resolvePrompt(flagVal, arg string, stdin io.Reader) (string, error) {
	p := flagVal
	if p == "" {
		p = arg
	}
	if p == "-" {
		raw, err := io.ReadAll(stdin)
		if err != nil {
			return "", fmt.Errorf("read prompt: %w", err)
		}
		p = strings.TrimRight(string(raw), "\r\n")
	}
	if strings.TrimSpace(p) == "" {
		return "", errors.New("a prompt is required (--prompt, argument or - for stdin)")
	}
	return p, nil
}
