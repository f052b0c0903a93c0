// Package main provides the wgt command line tool.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/born-ml/wgt/internal/backend/cpu"
	"github.com/born-ml/wgt/internal/backend/webgpu"
	"github.com/born-ml/wgt/internal/config"
	"github.com/born-ml/wgt/internal/device"
	"github.com/born-ml/wgt/internal/gpt2"
	"github.com/born-ml/wgt/internal/graph"
	"github.com/born-ml/wgt/internal/logger"
	"github.com/born-ml/wgt/internal/ops"
	"github.com/born-ml/wgt/internal/tensor"
	"github.com/born-ml/wgt/internal/tokenizer"
	"github.com/born-ml/wgt/internal/weights"
)

const version = "v0.1.0-dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Getenv, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "wgt: %v\n", err)
		os.Exit(1)
	}
}

func usage(w io.Writer) {
	fmt.Fprintf(w, "wgt %s - WebGPU tensor graphs\n\n", version)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  version                 Show version")
	fmt.Fprintln(w, "  demo                    Run a chained matmul graph and print the results")
	fmt.Fprintln(w, "  dot                     Print the demo graph in Graphviz dot format")
	fmt.Fprintln(w, "  gpt2                    Generate text with a GPT-2 model")
	fmt.Fprintln(w, "  pack <dir> <out.arrow>  Pack a weights directory into an Arrow archive")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Settings are read from WGT_* variables and overridden by flags.")
}

func run(ctx context.Context, args []string, getenv func(string) string, stdout io.Writer) error {
	if len(args) == 0 {
		usage(stdout)
		return nil
	}

	cfg, err := config.FromEnv(getenv)
	if err != nil {
		return err
	}

	cmd, args := args[0], args[1:]
	fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
	fs.SetOutput(stdout)
	cfg.RegisterFlags(fs)

	switch cmd {
	case "version":
		fmt.Fprintf(stdout, "wgt %s\n", version)
		return nil
	case "demo", "dot":
	case "gpt2":
		cfg.RegisterModelFlags(fs)
	case "pack":
	case "help", "-h", "--help":
		usage(stdout)
		return nil
	default:
		usage(stdout)
		return fmt.Errorf("unknown command %q", cmd)
	}

	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger.Setup(cfg.LogLevel, cfg.LogFormat)

	if cfg.MetricsAddr != "" {
		serveMetrics(cfg.MetricsAddr)
	}

	if cmd == "pack" {
		if fs.NArg() != 2 {
			return errors.New("usage: wgt pack <dir> <out.arrow>")
		}
		return pack(ctx, fs.Arg(0), fs.Arg(1))
	}

	dev, err := openDevice(cfg.Backend)
	if err != nil {
		return err
	}
	defer dev.Release()
	rt := graph.NewRuntime(dev)

	switch cmd {
	case "demo":
		return demo(ctx, rt, stdout, false)
	case "dot":
		return demo(ctx, rt, stdout, true)
	default:
		return generate(ctx, rt, cfg, stdout)
	}
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Log.Info("serving metrics", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Log.Error("metrics server failed", "error", err)
		}
	}()
}

// openDevice acquires the configured backend. When WebGPU is unavailable
// it falls back to the software device.
func openDevice(backend string) (device.Device, error) {
	if backend == config.BackendCPU {
		return cpu.New(), nil
	}
	gpu, err := webgpu.New()
	if err != nil {
		if !errors.Is(err, device.ErrDeviceUnavailable) {
			return nil, err
		}
		logger.Log.Warn("falling back to cpu device", "error", err)
		return cpu.New(), nil
	}
	return gpu, nil
}

// demo builds m1 = a @ b and m2 = m1 @ m1 and either runs it or prints
// its dot description.
func demo(ctx context.Context, rt *graph.Runtime, stdout io.Writer, dot bool) error {
	g, err := buildDemo(rt)
	if err != nil {
		return err
	}
	defer g.Destroy()

	if dot {
		fmt.Fprint(stdout, g.Dot())
		return nil
	}

	fmt.Fprintf(stdout, "device: %s\n", rt.Device().Name())
	fmt.Fprintf(stdout, "recipe: %s\n", strings.Join(g.Recipe(), ", "))

	x, _ := tensor.FromMatrix([][]float32{{1, 2, 3}, {4, 5, 6}})
	y, _ := tensor.FromMatrix([][]float32{{7, 8}, {9, 10}, {11, 12}})
	out, err := g.Run(ctx, []*tensor.Tensor{x, y})
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "m1 = %v\n", out[0].Nested()[0])
	fmt.Fprintf(stdout, "m2 = %v\n", out[1].Nested()[0])
	return nil
}

// buildDemo compiles the demo graph. On failure every node it allocated
// is destroyed.
func buildDemo(rt *graph.Runtime) (*graph.Graph, error) {
	a, err := ops.Input(rt, tensor.MustShape(1, 2, 3))
	if err != nil {
		return nil, err
	}
	a.SetLabel("a")
	b, err := ops.Input(rt, tensor.MustShape(1, 3, 2))
	if err != nil {
		a.Destroy(false)
		return nil, err
	}
	b.SetLabel("b")
	m1, err := ops.MatMul(rt, a, b)
	if err != nil {
		a.Destroy(false)
		b.Destroy(false)
		return nil, err
	}
	m1.SetLabel("m1")
	m2, err := ops.MatMul(rt, m1, m1)
	if err != nil {
		m1.Destroy(true)
		return nil, err
	}
	m2.SetLabel("m2")

	g, err := graph.New(rt, []*graph.DeviceTensor{a, b}, []*graph.DeviceTensor{m1, m2})
	if err != nil {
		m2.Destroy(true)
		return nil, err
	}
	return g, nil
}

func generate(ctx context.Context, rt *graph.Runtime, cfg config.Config, stdout io.Writer) error {
	if cfg.Prompt == "" {
		return errors.New("gpt2: -prompt is required")
	}

	tok, err := tokenizer.NewTikToken(cfg.Encoding)
	if err != nil {
		return err
	}
	store, err := weights.Open(ctx, cfg.Weights)
	if err != nil {
		return err
	}
	if c, ok := store.(io.Closer); ok {
		defer c.Close()
	}
	return complete(ctx, rt, cfg, tok, store, stdout)
}

// complete streams the continuation of cfg.Prompt to stdout.
func complete(ctx context.Context, rt *graph.Runtime, cfg config.Config, tok tokenizer.Tokenizer, store weights.Store, stdout io.Writer) error {
	prompt, err := tok.Encode(cfg.Prompt)
	if err != nil {
		return err
	}
	params, err := gpt2.LoadParams(ctx, store, cfg.Blocks, cfg.Heads)
	if err != nil {
		return err
	}
	if tok.VocabSize() > params.Vocab() {
		return fmt.Errorf("gpt2: tokenizer vocabulary of %d exceeds the model's %d", tok.VocabSize(), params.Vocab())
	}

	window := min(cfg.Window, params.Context())
	opts := []gpt2.GeneratorOption{gpt2.WithStopTokens(tok.EosToken())}
	if cfg.Temperature > 0 {
		sampling := gpt2.Greedy()
		sampling.Temperature = float32(cfg.Temperature)
		sampling.TopK = cfg.TopK
		sampling.Seed = cfg.Seed
		opts = append(opts, gpt2.WithSampling(sampling))
	}
	gen, err := gpt2.NewGenerator(rt, params, window, opts...)
	if err != nil {
		return err
	}
	defer gen.Destroy()

	fmt.Fprint(stdout, cfg.Prompt)
	startedAt := time.Now()
	ids, err := gen.Generate(ctx, prompt, cfg.Tokens, func(id int) {
		if id == tok.EosToken() {
			return
		}
		text, _ := tok.Decode([]int{id})
		fmt.Fprint(stdout, text)
	})
	fmt.Fprintln(stdout)
	if err != nil {
		return err
	}

	produced := len(ids) - len(prompt)
	elapsed := time.Since(startedAt)
	logger.Log.Info("generation complete",
		"tokens", produced, "duration", elapsed.String(),
		"tokens_per_sec", float64(produced)/elapsed.Seconds())
	return nil
}

func pack(ctx context.Context, dir, out string) error {
	store := weights.DirStore{Dir: dir}
	names, err := store.Names()
	if err != nil {
		return err
	}
	if len(names) == 0 {
		return fmt.Errorf("no %s files in %s", weights.Ext, dir)
	}

	tensors := make(map[string]*tensor.Tensor, len(names))
	for _, name := range names {
		t, err := store.Load(ctx, name)
		if err != nil {
			return err
		}
		tensors[name] = t
	}

	f, err := os.Create(out)
	if err != nil {
		return fmt.Errorf("creating %s: %w", out, err)
	}
	if err := weights.WriteArrow(f, tensors); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", out, err)
	}
	logger.Log.Info("packed weights", "tensors", len(tensors), "out", out)
	return nil
}
