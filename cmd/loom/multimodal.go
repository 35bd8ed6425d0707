package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/loom/internal/engine"
	"github.com/samcharles93/loom/internal/inference"
	"github.com/samcharles93/loom/internal/logger"
	"github.com/samcharles93/loom/internal/logits"
	"github.com/samcharles93/loom/internal/multimodal"
)

func multimodalCmd() *cli.Command {
	var (
		prompt     string
		images     []string
		audio      []string
		marker     string
		noTemplate bool
		streamMode string
	)

	return &cli.Command{
		Name:    "multimodal",
		Aliases: []string{"mtmd"},
		Usage:   "Generate from a prompt with interleaved images and audio",
		Description: "Media markers in the prompt are filled by the --image arguments first,\n" +
			"then by the --audio arguments. Images are raw packed RGB given as WxH:path; audio is\n" +
			"little-endian float32 PCM. The model needs the matching --caps.",
		Flags: append(append(modelFlags(), samplerFlags()...),
			&cli.StringFlag{
				Name:        "prompt",
				Aliases:     []string{"p"},
				Usage:       "prompt text containing media markers",
				Destination: &prompt,
			},
			&cli.StringSliceFlag{
				Name:        "image",
				Usage:       "image as WxH:path.rgb (repeatable)",
				Destination: &images,
			},
			&cli.StringSliceFlag{
				Name:        "audio",
				Usage:       "audio as path.f32 (repeatable)",
				Destination: &audio,
			},
			&cli.StringFlag{
				Name:        "marker",
				Usage:       "media marker in the prompt",
				Value:       multimodal.DefaultMarker,
				Destination: &marker,
			},
			&cli.BoolFlag{
				Name:        "no-template",
				Usage:       "use the prompt as-is instead of a ChatML user turn",
				Destination: &noTemplate,
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
			bitmaps, err := loadMedia(text, marker, images, audio)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			if !noTemplate {
				text = inference.RenderChat([]inference.Message{{Role: inference.RoleUser, Content: text}}, true)
			}

			lm, err := openModel(ctx, inference.EngineOptions{}, nil)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			defer func() { _ = lm.Close() }()
			caps := lm.Model.Capabilities()

			tk := &multimodal.Tokenizer{
				Vocab:      lm.Model.Vocab(),
				Encoder:    lm.Model.Encoder(),
				Caps:       caps,
				Marker:     marker,
				AddSpecial: true,
			}
			chunks, err := tk.Tokenize(ctx, text, bitmaps)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: tokenize: %v", err), 1)
			}
			log.Debug("prompt chunks", "chunks", len(chunks), "positions", len(multimodal.Positions(chunks, 0, caps)))

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

			req := inference.ResolveRequest(requestOptions(cmd, cfg), lm.GenerationDefaults)
			gen := &inference.Generator{
				Ctx:     c,
				Vocab:   lm.Model.Vocab(),
				Sampler: logits.NewSampler(req.SamplerConfig()),
				Log:     log,
			}
			asm := &multimodal.Assembler{Ctx: c, Caps: caps, Log: log}

			ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
			defer stop()
			sw := NewStreamWriter(os.Stdout, mode, false)
			res, err := gen.RunChunks(ctx, asm, chunks, 0, req.MaxTokens, sw.Write)
			sw.Flush()
			fmt.Println()
			if err != nil && !errors.Is(err, context.Canceled) {
				return cli.Exit(fmt.Sprintf("error: generate: %v", err), 1)
			}
			if res != nil {
				log.Info("generation done",
					"reason", string(res.Reason),
					"prompt_tokens", res.Stats.PromptTokens,
					"tokens", res.Stats.TokensGenerated,
					"media", len(bitmaps),
				)
			}
			return nil
		},
	}
}

// loadMedia reads the --image and --audio arguments. Images fill the first
// markers in flag order, audio the rest.
func loadMedia(prompt, marker string, images, audio []string) ([]multimodal.Bitmap, error) {
	want := strings.Count(prompt, marker)
	if want != len(images)+len(audio) {
		return nil, &multimodal.CountMismatchError{Expected: want, Provided: len(images) + len(audio)}
	}
	out := make([]multimodal.Bitmap, 0, want)
	for _, arg := range images {
		bm, err := multimodal.LoadImage(arg)
		if err != nil {
			return nil, err
		}
		out = append(out, bm)
	}
	for _, path := range audio {
		bm, err := multimodal.LoadAudio(path)
		if err != nil {
			return nil, err
		}
		out = append(out, bm)
	}
	return out, nil
}
