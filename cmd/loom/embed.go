package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/loom/internal/embedding"
	"github.com/samcharles93/loom/internal/engine"
	"github.com/samcharles93/loom/internal/inference"
	"github.com/samcharles93/loom/internal/logger"
)

func embedCmd() *cli.Command {
	var (
		file       string
		pooling    string
		normalize  bool
		format     string
		output     string
		similarity bool
		seqMax     int
	)

	return &cli.Command{
		Name:      "embed",
		Usage:     "Compute embeddings for input lines",
		ArgsUsage: "[text ...]",
		Flags: append(modelFlags(),
			&cli.StringFlag{
				Name:        "file",
				Aliases:     []string{"f"},
				Usage:       "read inputs from a file, one per line",
				Destination: &file,
			},
			&cli.StringFlag{
				Name:        "pooling",
				Usage:       "pooling (none, mean, cls, last, rank)",
				Value:       "mean",
				Destination: &pooling,
			},
			&cli.BoolFlag{
				Name:        "normalize",
				Usage:       "L2-normalize vectors",
				Value:       true,
				Destination: &normalize,
			},
			&cli.StringFlag{
				Name:        "format",
				Usage:       "output format (json, text, arrow)",
				Value:       "json",
				Destination: &format,
			},
			&cli.StringFlag{
				Name:        "output",
				Aliases:     []string{"o"},
				Usage:       "write output to a file instead of stdout",
				Destination: &output,
			},
			&cli.BoolFlag{
				Name:        "similarity",
				Usage:       "include the pairwise cosine similarity matrix",
				Destination: &similarity,
			},
			&cli.IntFlag{
				Name:        "seq-max",
				Usage:       "sequences packed into one decode",
				Value:       8,
				Destination: &seqMax,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			applyModelConfig(cmd, cfg)
			if cfg.Pooling != "" && !cmd.IsSet("pooling") {
				pooling = cfg.Pooling
			}
			if cfg.Normalize != nil && !cmd.IsSet("normalize") {
				normalize = *cfg.Normalize
			}
			pool, err := engine.ParsePooling(pooling)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			switch format {
			case "json", "text", "arrow":
			default:
				return cli.Exit(fmt.Sprintf("error: unknown format %q (expected json, text or arrow)", format), 1)
			}

			inputs, err := readInputs(cmd.Args().Slice(), file, os.Stdin)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}

			lm, err := openModel(ctx, inference.EngineOptions{Pooling: pool, EmbedSeqMax: seqMax}, nil)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			defer func() { _ = lm.Close() }()

			res, err := lm.Engine.Embed(ctx, &inference.EmbedRequest{
				Inputs:     inputs,
				Normalize:  normalize,
				Similarity: similarity,
			})
			if err != nil {
				var se *embedding.SequenceError
				if errors.As(err, &se) {
					return cli.Exit(fmt.Sprintf("error: input %d (%q): %v", se.Index+1, truncate(inputs[se.Index], 40), err), 1)
				}
				return cli.Exit(fmt.Sprintf("error: embed: %v", err), 1)
			}
			log.Info("embeddings done",
				"inputs", len(res.Outputs),
				"dim", res.Dim,
				"pooling", res.Pooling.String(),
				"flushes", res.Stats.Flushes,
				"duration", res.Stats.Duration,
			)

			w := io.Writer(os.Stdout)
			if output != "" {
				f, err := os.Create(output)
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: %v", err), 1)
				}
				defer func() { _ = f.Close() }()
				w = f
			}
			if err := writeEmbeddings(w, format, res, modelName); err != nil {
				return cli.Exit(fmt.Sprintf("error: write %s: %v", format, err), 1)
			}
			return nil
		},
	}
}

func writeEmbeddings(w io.Writer, format string, res *inference.EmbedResult, model string) error {
	switch format {
	case "arrow":
		return embedding.WriteArrow(w, res.Outputs, map[string]string{
			"model":   model,
			"pooling": res.Pooling.String(),
		})
	case "text":
		bw := bufio.NewWriter(w)
		for _, o := range res.Outputs {
			fmt.Fprintf(bw, "%d\t", o.Index)
			for j, v := range o.Vector {
				if j > 0 {
					_ = bw.WriteByte(' ')
				}
				_, _ = bw.WriteString(strconv.FormatFloat(float64(v), 'f', 6, 32))
			}
			_ = bw.WriteByte('\n')
		}
		if len(res.Similarity) > 0 {
			_, _ = bw.WriteString("similarity:\n")
			for _, row := range res.Similarity {
				for j, v := range row {
					if j > 0 {
						_ = bw.WriteByte(' ')
					}
					fmt.Fprintf(bw, "%6.3f", v)
				}
				_ = bw.WriteByte('\n')
			}
		}
		return bw.Flush()
	default:
		type item struct {
			Index     int       `json:"index"`
			Text      string    `json:"text"`
			Tokens    int       `json:"tokens"`
			Embedding []float32 `json:"embedding"`
		}
		doc := struct {
			Model      string      `json:"model"`
			Pooling    string      `json:"pooling"`
			Dim        int         `json:"dim"`
			Data       []item      `json:"data"`
			Similarity [][]float64 `json:"similarity,omitempty"`
		}{
			Model:      model,
			Pooling:    res.Pooling.String(),
			Dim:        res.Dim,
			Similarity: res.Similarity,
		}
		for _, o := range res.Outputs {
			doc.Data = append(doc.Data, item{Index: o.Index, Text: o.Text, Tokens: o.Tokens, Embedding: o.Vector})
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(doc)
	}
}

// readInputs collects non-empty lines from args, then file, then stdin when
// neither was given.
func readInputs(args []string, file string, stdin io.Reader) ([]string, error) {
	var inputs []string
	for _, a := range args {
		if strings.TrimSpace(a) != "" {
			inputs = append(inputs, a)
		}
	}
	var r io.Reader
	switch {
	case file != "":
		f, err := os.Open(file)
		if err != nil {
			return nil, fmt.Errorf("open inputs: %w", err)
		}
		defer f.Close()
		r = f
	case len(inputs) == 0:
		r = stdin
	}
	if r != nil {
		sc := bufio.NewScanner(r)
		sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
		for sc.Scan() {
			if line := strings.TrimRight(sc.Text(), "\r"); strings.TrimSpace(line) != "" {
				inputs = append(inputs, line)
			}
		}
		if err := sc.Err(); err != nil {
			return nil, fmt.Errorf("read inputs: %w", err)
		}
	}
	if len(inputs) == 0 {
		return nil, errors.New("no inputs (pass text arguments, --file or lines on stdin)")
	}
	return inputs, nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
