package gpt2

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/born-ml/wgt/internal/graph"
	"github.com/born-ml/wgt/internal/logger"
	"github.com/born-ml/wgt/internal/metrics"
	"github.com/born-ml/wgt/internal/ops"
	"github.com/born-ml/wgt/internal/tensor"
	"github.com/born-ml/wgt/internal/tokenizer"
)

// ErrEmptyPrompt is returned when generation starts without tokens.
var ErrEmptyPrompt = errors.New("gpt2: empty prompt")

// NextToken returns the id with the highest logit in the last row of
// batch 0.
func NextToken(logits *tensor.Tensor) int {
	return NextTokenAt(logits, int(logits.Shape().Rows)-1)
}

// NextTokenAt returns the id with the highest logit in the given row of
// batch 0. Ties go to the lowest id.
func NextTokenAt(logits *tensor.Tensor, row int) int {
	return argmax(rowLogits(logits, row))
}

func rowLogits(logits *tensor.Tensor, row int) []float32 {
	cols := int(logits.Shape().Cols)
	return logits.Values()[row*cols : (row+1)*cols]
}

// GeneratorOption configures a Generator.
type GeneratorOption func(*Generator)

// WithStopTokens ends generation after any of ids is produced.
func WithStopTokens(ids ...int) GeneratorOption {
	return func(gen *Generator) {
		for _, id := range ids {
			gen.stop[id] = struct{}{}
		}
	}
}

// WithSampling replaces greedy decoding with the given strategy.
func WithSampling(cfg SamplingConfig) GeneratorOption {
	return func(gen *Generator) {
		gen.sampler = NewSampler(cfg)
	}
}

// Generator runs autoregressive decoding over a model compiled once for a fixed
// window of token positions.
//
// Ids are written from position 0 and the tail is padded with id 0. The
// causal mask keeps padding from influencing earlier rows, so the logits
// of the last real token are those of the unpadded sequence.
type Generator struct {
	window  int
	input   *graph.DeviceTensor
	graph   *graph.Graph
	sampler *Sampler
	stop    map[int]struct{}
	log     *logger.Logger
}

// NewGenerator compiles the model for window positions.
func NewGenerator(rt *graph.Runtime, p Params, window int, opts ...GeneratorOption) (*Generator, error) {
	if window < 1 {
		return nil, fmt.Errorf("gpt2: window must be positive, got %d", window)
	}
	input, err := ops.Input(rt, tensor.Shape{Batches: 1, Rows: 1, Cols: uint32(window)})
	if err != nil {
		return nil, err
	}
	input.SetLabel("tokens")

	logits, err := Model(rt, input, p)
	if err != nil {
		input.Destroy(false)
		return nil, err
	}
	g, err := graph.New(rt, []*graph.DeviceTensor{input}, []*graph.DeviceTensor{logits})
	if err != nil {
		logits.Destroy(true)
		return nil, err
	}

	gen := &Generator{window: window, input: input, graph: g, stop: make(map[int]struct{}), log: rt.Logger()}
	for _, opt := range opts {
		opt(gen)
	}
	rt.Logger().Info("compiled gpt2 graph", "window", window, "commands", len(g.Commands()), "blocks", len(p.Blocks))
	return gen, nil
}

// Window returns the number of positions the model sees per step.
func (gen *Generator) Window() int { return gen.window }

// Graph returns the compiled model graph.
func (gen *Generator) Graph() *graph.Graph { return gen.graph }

// Next returns the next token after ids. Only the last Window ids are seen.
func (gen *Generator) Next(ctx context.Context, ids []int) (int, error) {
	if len(ids) == 0 {
		return 0, ErrEmptyPrompt
	}
	history := ids
	if len(ids) > gen.window {
		ids = ids[len(ids)-gen.window:]
	}

	tokens, err := tokenizer.PaddedTensor(ids, gen.window)
	if err != nil {
		return 0, fmt.Errorf("gpt2: %w", err)
	}

	res, err := gen.graph.Run(ctx, []*tensor.Tensor{tokens})
	if err != nil {
		return 0, err
	}
	if gen.sampler == nil {
		return NextTokenAt(res[0], len(ids)-1), nil
	}
	return gen.sampler.Sample(rowLogits(res[0], len(ids)-1), history), nil
}

// Generate appends up to n tokens to prompt. onToken, when set, sees each
// token as it is produced. A stop token is appended and reported, then
// generation ends.
func (gen *Generator) Generate(ctx context.Context, prompt []int, n int, onToken func(id int)) ([]int, error) {
	if len(prompt) == 0 {
		return nil, ErrEmptyPrompt
	}
	ids := append([]int(nil), prompt...)
	startedAt := time.Now()

	produced := 0
	for produced < n {
		next, err := gen.Next(ctx, ids)
		if err != nil {
			return ids, fmt.Errorf("generating token %d: %w", produced, err)
		}
		ids = append(ids, next)
		produced++
		metrics.RecordTokens(1)
		if onToken != nil {
			onToken(next)
		}
		if _, ok := gen.stop[next]; ok {
			break
		}
	}

	gen.log.Debug("generated tokens", "count", produced, "duration", time.Since(startedAt).String())
	return ids, nil
}

// Destroy releases the compiled graph and its parameters.
func (gen *Generator) Destroy() {
	gen.graph.Destroy()
}
