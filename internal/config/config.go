// Package config holds the settings shared by the wgt commands. Values
// come from defaults, then WGT_* environment variables, then flags.
package config

import (
	"errors"
	"flag"
	"fmt"
	"strconv"
	"strings"
)

// Backends that can be selected.
const (
	BackendCPU    = "cpu"
	BackendWebGPU = "webgpu"
)

// Config is the runtime configuration of the CLI.
type Config struct {
	Backend     string
	LogLevel    string
	LogFormat   string
	MetricsAddr string

	Weights  string
	Blocks   int
	Heads    int
	Window   int
	Encoding string
	Tokens   int
	Prompt   string

	// Temperature 0 selects greedy decoding.
	Temperature float64
	TopK        int
	Seed        int64
}

// Default returns the configuration of GPT-2 small on the WebGPU backend.
func Default() Config {
	return Config{
		Backend:   BackendWebGPU,
		LogLevel:  "info",
		LogFormat: "console",
		Weights:   "gpt2_weights",
		Blocks:    12,
		Heads:     12,
		Window:    64,
		Encoding:  "r50k_base",
		Tokens:    16,
		Seed:      -1,
	}
}

// FromEnv overlays WGT_* variables read through getenv onto Default().
func FromEnv(getenv func(string) string) (Config, error) {
	c := Default()
	str := func(key string, dst *string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	var errs []error
	num := func(key string, dst *int) {
		v := getenv(key)
		if v == "" {
			return
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = n
	}

	float := func(key string, dst *float64) {
		v := getenv(key)
		if v == "" {
			return
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = f
	}

	str("WGT_BACKEND", &c.Backend)
	str("WGT_LOG_LEVEL", &c.LogLevel)
	str("WGT_LOG_FORMAT", &c.LogFormat)
	str("WGT_METRICS_ADDR", &c.MetricsAddr)
	str("WGT_WEIGHTS", &c.Weights)
	num("WGT_BLOCKS", &c.Blocks)
	num("WGT_HEADS", &c.Heads)
	num("WGT_WINDOW", &c.Window)
	str("WGT_ENCODING", &c.Encoding)
	num("WGT_TOKENS", &c.Tokens)
	str("WGT_PROMPT", &c.Prompt)
	float("WGT_TEMPERATURE", &c.Temperature)
	num("WGT_TOP_K", &c.TopK)
	if v := getenv("WGT_SEED"); v != "" {
		seed, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("WGT_SEED: %w", err))
		} else {
			c.Seed = seed
		}
	}

	return c, errors.Join(errs...)
}

// RegisterFlags binds the shared flags to c, using its current values as
// defaults.
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.Backend, "backend", c.Backend, "compute backend: cpu or webgpu")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log level: debug, info, warn, error")
	fs.StringVar(&c.LogFormat, "log-format", c.LogFormat, "log format: console or json")
	fs.StringVar(&c.MetricsAddr, "metrics", c.MetricsAddr, "serve prometheus metrics on this address")
}

// RegisterModelFlags binds the model and generation flags to c.
func (c *Config) RegisterModelFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.Weights, "weights", c.Weights, "weights directory, .arrow archive or gs://bucket/prefix")
	fs.IntVar(&c.Blocks, "blocks", c.Blocks, "number of transformer blocks")
	fs.IntVar(&c.Heads, "heads", c.Heads, "number of attention heads")
	fs.IntVar(&c.Window, "window", c.Window, "token positions per step")
	fs.StringVar(&c.Encoding, "encoding", c.Encoding, "tiktoken encoding")
	fs.IntVar(&c.Tokens, "n", c.Tokens, "number of tokens to generate")
	fs.StringVar(&c.Prompt, "prompt", c.Prompt, "prompt text")
	fs.Float64Var(&c.Temperature, "temperature", c.Temperature, "sampling temperature, 0 for greedy")
	fs.IntVar(&c.TopK, "top-k", c.TopK, "sample from the k most likely tokens, 0 for all")
	fs.Int64Var(&c.Seed, "seed", c.Seed, "sampling seed, negative for random")
}

// Validate checks the configuration.
func (c Config) Validate() error {
	var errs []error
	switch c.Backend {
	case BackendCPU, BackendWebGPU:
	default:
		errs = append(errs, fmt.Errorf("unknown backend %q", c.Backend))
	}
	switch strings.ToLower(c.LogFormat) {
	case "console", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown log format %q", c.LogFormat))
	}
	if c.Blocks < 1 {
		errs = append(errs, fmt.Errorf("blocks must be positive, got %d", c.Blocks))
	}
	if c.Heads < 1 {
		errs = append(errs, fmt.Errorf("heads must be positive, got %d", c.Heads))
	}
	if c.Window < 1 {
		errs = append(errs, fmt.Errorf("window must be positive, got %d", c.Window))
	}
	if c.Tokens < 0 {
		errs = append(errs, fmt.Errorf("tokens must not be negative, got %d", c.Tokens))
	}
	if c.Temperature < 0 {
		errs = append(errs, fmt.Errorf("temperature must not be negative, got %g", c.Temperature))
	}
	if c.TopK < 0 {
		errs = append(errs, fmt.Errorf("top-k must not be negative, got %d", c.TopK))
	}
	return errors.Join(errs...)
}
