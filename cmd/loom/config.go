package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"

	"github.com/samcharles93/loom/internal/inference"
)

// Config represents the loom configuration file
// ($XDG_CONFIG_HOME/loom/config.yaml). Pointer fields distinguish "not set"
// from zero values.
type Config struct {
	Backend string `yaml:"backend"`
	Context *int   `yaml:"ctx"`
	Batch   *int   `yaml:"batch"`
	NLen    *int   `yaml:"n_len"`

	// Embeddings
	Pooling   string `yaml:"pooling"`
	Normalize *bool  `yaml:"normalize"`

	// Sampling defaults
	MaxTokens     *int     `yaml:"max_tokens"`
	Temperature   *float64 `yaml:"temperature"`
	TopK          *int     `yaml:"top_k"`
	TopP          *float64 `yaml:"top_p"`
	MinP          *float64 `yaml:"min_p"`
	RepeatPenalty *float64 `yaml:"repeat_penalty"`
	Seed          *int64   `yaml:"seed"`

	// Output
	StreamMode string `yaml:"stream_mode"`
	LogLevel   string `yaml:"log_level"`
	LogFormat  string `yaml:"log_format"`

	// Server
	ServerAddress string `yaml:"server_address"`
	MaxConcurrent *int   `yaml:"max_concurrent"`

	RPCEndpoints []string `yaml:"rpc_endpoints"`
}

func configPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "loom", "config.yaml")
}

// LoadConfig reads the config file at path. A missing file yields a zero
// Config unless the path was given explicitly.
func LoadConfig(path string, explicit bool) (Config, error) {
	if path == "" {
		return Config{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) && !explicit {
			return Config{}, nil
		}
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return c, nil
}

// applyModelConfig applies config defaults to the model flags the user did
// not set.
func applyModelConfig(cmd *cli.Command, c Config) {
	if c.Backend != "" && !cmd.IsSet("backend") {
		backendName = c.Backend
	}
	if c.Context != nil && !cmd.IsSet("ctx") {
		nCtx = *c.Context
	}
	if c.Batch != nil && !cmd.IsSet("batch") {
		nBatch = *c.Batch
	}
}

// pick returns the flag value when it was set on the command line and the
// config value otherwise.
func pick[T any](cmd *cli.Command, name string, flagVal T, cfgVal *T) *T {
	if cmd.IsSet(name) {
		return &flagVal
	}
	return cfgVal
}

// requestOptions layers sampler flags over the config file. Anything left
// nil falls through to the model's generation defaults.
func requestOptions(cmd *cli.Command, c Config) inference.RequestOptions {
	return inference.RequestOptions{
		MaxTokens:     pick(cmd, "n-predict", cmd.Int("n-predict"), c.MaxTokens),
		Seed:          pick(cmd, "seed", cmd.Int64("seed"), c.Seed),
		Temperature:   pick(cmd, "temp", cmd.Float64("temp"), c.Temperature),
		TopK:          pick(cmd, "top-k", cmd.Int("top-k"), c.TopK),
		TopP:          pick(cmd, "top-p", cmd.Float64("top-p"), c.TopP),
		MinP:          pick(cmd, "min-p", cmd.Float64("min-p"), c.MinP),
		RepeatPenalty: pick(cmd, "repeat-penalty", cmd.Float64("repeat-penalty"), c.RepeatPenalty),
		RepeatLastN:   pick(cmd, "repeat-last-n", cmd.Int("repeat-last-n"), nil),
	}
}
