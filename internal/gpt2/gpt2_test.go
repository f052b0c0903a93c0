package gpt2

import (
	"context"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/wgt/internal/backend/cpu"
	"github.com/born-ml/wgt/internal/graph"
	"github.com/born-ml/wgt/internal/kernel"
	"github.com/born-ml/wgt/internal/logger"
	"github.com/born-ml/wgt/internal/ops"
	"github.com/born-ml/wgt/internal/tensor"
	"github.com/born-ml/wgt/internal/weights"
)

const (
	testWidth   = 4
	testHidden  = 8
	testVocab   = 6
	testContext = 8
)

func newTestRuntime(t *testing.T) (*graph.Runtime, *cpu.Device) {
	t.Helper()
	dev := cpu.New()
	return graph.NewRuntime(dev, graph.WithLogger(logger.Nop())), dev
}

// tinyParams returns a small model. With zero set every block's weights
// and biases are zero, so each block passes its input through unchanged.
func tinyParams(rng *rand.Rand, blocks, heads int, zero bool) Params {
	fill := func(rows, cols uint32) *tensor.Tensor {
		shape := tensor.MustShape(1, rows, cols)
		if zero {
			return tensor.Zeros(shape)
		}
		return tensor.Random(shape, rng)
	}
	linear := func(in, out uint32) LinearParams {
		return LinearParams{Weights: fill(in, out), Bias: fill(1, out)}
	}
	layerNorm := func() LayerNormParams {
		if zero {
			return LayerNormParams{Scale: tensor.Ones(tensor.MustShape(1, 1, testWidth)), Bias: tensor.Zeros(tensor.MustShape(1, 1, testWidth))}
		}
		return LayerNormParams{Scale: fill(1, testWidth), Bias: fill(1, testWidth)}
	}

	p := Params{
		TokenEmbeddings: EmbedParams{
			Chunk1: tensor.Random(tensor.MustShape(1, testVocab/2, testWidth), rng),
			Chunk2: tensor.Random(tensor.MustShape(1, testVocab/2, testWidth), rng),
		},
		PositionEmbeddings: EmbedParams{
			Chunk1: tensor.Random(tensor.MustShape(1, testContext/2, testWidth), rng),
			Chunk2: tensor.Random(tensor.MustShape(1, testContext/2, testWidth), rng),
		},
		LayerNorm: LayerNormParams{
			Scale: tensor.Ones(tensor.MustShape(1, 1, testWidth)),
			Bias:  tensor.Zeros(tensor.MustShape(1, 1, testWidth)),
		},
		Heads: heads,
	}
	for i := 0; i < blocks; i++ {
		p.Blocks = append(p.Blocks, BlockParams{
			LN1: layerNorm(),
			Attention: AttentionParams{
				Query: linear(testWidth, testWidth),
				Key:   linear(testWidth, testWidth),
				Value: linear(testWidth, testWidth),
				Proj:  linear(testWidth, testWidth),
			},
			LN2: layerNorm(),
			FeedForward: FeedForwardParams{
				Linear1: linear(testWidth, testHidden),
				Linear2: linear(testHidden, testWidth),
			},
		})
	}
	return p
}

func tokenTensor(t *testing.T, ids ...int) *tensor.Tensor {
	t.Helper()
	values := make([]float32, len(ids))
	for i, id := range ids {
		values[i] = float32(id)
	}
	out, err := tensor.FromVector(values)
	require.NoError(t, err)
	return out
}

func runModel(t *testing.T, rt *graph.Runtime, p Params, ids ...int) *tensor.Tensor {
	t.Helper()
	tokens, err := ops.Input(rt, tensor.MustShape(1, 1, uint32(len(ids))))
	require.NoError(t, err)
	logits, err := Model(rt, tokens, p)
	require.NoError(t, err)
	g, err := graph.New(rt, []*graph.DeviceTensor{tokens}, []*graph.DeviceTensor{logits})
	require.NoError(t, err)
	t.Cleanup(g.Destroy)

	res, err := g.Run(context.Background(), []*tensor.Tensor{tokenTensor(t, ids...)})
	require.NoError(t, err)
	return res[0]
}

// embedRow returns row id of a table split into two chunks.
func embedRow(p EmbedParams, id int) []float64 {
	chunk, row := p.Chunk1, uint32(id)
	if rows := p.Chunk1.Shape().Rows; row >= rows {
		chunk, row = p.Chunk2, row-rows
	}
	out := make([]float64, chunk.Shape().Cols)
	for c := range out {
		out[c] = float64(chunk.At(0, row, uint32(c)))
	}
	return out
}

func TestNames(t *testing.T) {
	names := Names(2)
	assert.Len(t, names, 6+2*16)
	assert.Contains(t, names, "embeddings.chunk1")
	assert.Contains(t, names, "position_embeddings.chunk2")
	assert.Contains(t, names, "ln_final.scale")
	assert.Contains(t, names, "block0.attention.query.weights")
	assert.Contains(t, names, "block1.ff.linear2.bias")
	assert.Contains(t, names, "block1.ln2.scale")
	assert.NotContains(t, names, "block2.ln1.scale")
}

func TestLoadParams(t *testing.T) {
	ctx := context.Background()
	p := tinyParams(rand.New(rand.NewSource(1)), 2, 2, false)
	store := weights.MapStore(p.Tensors())
	require.Len(t, store, len(Names(2)))

	loaded, err := LoadParams(ctx, store, 2, 2)
	require.NoError(t, err)
	assert.Equal(t, testVocab, loaded.Vocab())
	assert.Equal(t, testContext, loaded.Context())
	assert.Equal(t, testWidth, loaded.Width())
	assert.Equal(t, p.Blocks[1].FeedForward.Linear2.Bias.Bytes(), loaded.Blocks[1].FeedForward.Linear2.Bias.Bytes())

	delete(store, "block1.attention.key.bias")
	_, err = LoadParams(ctx, store, 2, 2)
	assert.ErrorIs(t, err, weights.ErrNotFound)

	_, err = LoadParams(ctx, store, 0, 2)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	p := tinyParams(rand.New(rand.NewSource(1)), 1, 3, false)
	assert.ErrorIs(t, p.Validate(), tensor.ErrShapeMismatch)

	p.Heads = 2
	require.NoError(t, p.Validate())

	p.LayerNorm.Bias = nil
	assert.ErrorContains(t, p.Validate(), "ln_final.bias")
}

func TestModel_PassThroughBlocksMatchReference(t *testing.T) {
	rt, _ := newTestRuntime(t)
	p := tinyParams(rand.New(rand.NewSource(2)), 2, 2, true)
	ids := []int{5, 0, 3, 2}

	logits := runModel(t, rt, p, ids...)
	require.Equal(t, tensor.MustShape(1, uint32(len(ids)), testVocab), logits.Shape())

	for l, id := range ids {
		x := embedRow(p.TokenEmbeddings, id)
		pos := embedRow(p.PositionEmbeddings, l)
		var mean float64
		for d := range x {
			x[d] += pos[d]
			mean += x[d]
		}
		mean /= testWidth
		var variance float64
		for d := range x {
			variance += (x[d] - mean) * (x[d] - mean)
		}
		std := math.Sqrt(variance/testWidth + kernel.LayerNormEpsilon)

		for v := 0; v < testVocab; v++ {
			e := embedRow(p.TokenEmbeddings, v)
			var want float64
			for d := range x {
				want += (x[d] - mean) / std * e[d]
			}
			assert.InDelta(t, want, logits.At(0, uint32(l), uint32(v)), 1e-4, "logit [%d][%d]", l, v)
		}
	}
}

func TestModel_RandomWeightsAreFinite(t *testing.T) {
	rt, _ := newTestRuntime(t)
	p := tinyParams(rand.New(rand.NewSource(3)), 2, 2, false)

	logits := runModel(t, rt, p, 1, 4, 2)
	for _, v := range logits.Values() {
		require.False(t, math.IsNaN(float64(v)) || math.IsInf(float64(v), 0))
	}
}

func TestModel_FailureReleasesEverythingButTokens(t *testing.T) {
	rt, dev := newTestRuntime(t)
	p := tinyParams(rand.New(rand.NewSource(4)), 2, 2, false)
	p.Blocks[1].FeedForward.Linear2.Weights = tensor.Zeros(tensor.MustShape(1, testHidden+1, testWidth))

	tokens, err := ops.Input(rt, tensor.MustShape(1, 1, 3))
	require.NoError(t, err)
	before := dev.Stats()

	_, err = Model(rt, tokens, p)
	require.ErrorIs(t, err, tensor.ErrShapeMismatch)

	after := dev.Stats()
	assert.Equal(t, before.LiveBuffers, after.LiveBuffers)
	assert.Equal(t, before.LivePipelines, after.LivePipelines)
	assert.Zero(t, after.DoubleReleases)
	assert.False(t, tokens.IsDestroyed())
}

func TestModel_ContextTooLong(t *testing.T) {
	rt, _ := newTestRuntime(t)
	p := tinyParams(rand.New(rand.NewSource(5)), 1, 1, false)

	tokens, err := ops.Input(rt, tensor.MustShape(1, 1, testContext+1))
	require.NoError(t, err)
	_, err = Model(rt, tokens, p)
	assert.ErrorIs(t, err, tensor.ErrShapeMismatch)
}

func TestEmbedAndDeEmbed(t *testing.T) {
	rt, _ := newTestRuntime(t)
	p := tinyParams(rand.New(rand.NewSource(6)), 1, 1, false)

	tokens, err := ops.Parameter(rt, tokenTensor(t, 4, 1), "tokens")
	require.NoError(t, err)
	x, err := Embed(rt, tokens, p.TokenEmbeddings)
	require.NoError(t, err)
	logits, err := DeEmbed(rt, x, p.TokenEmbeddings)
	require.NoError(t, err)

	g, err := graph.New(rt, nil, []*graph.DeviceTensor{x, logits})
	require.NoError(t, err)
	res, err := g.Run(context.Background(), nil)
	require.NoError(t, err)

	assert.Equal(t, tensor.MustShape(1, 2, testWidth), res[0].Shape())
	assert.Equal(t, tensor.MustShape(1, 2, testVocab), res[1].Shape())
	for c, want := range embedRow(p.TokenEmbeddings, 4) {
		assert.InDelta(t, want, res[0].At(0, 0, uint32(c)), 0)
	}
}

func TestNextToken(t *testing.T) {
	logits, err := tensor.FromMatrix([][]float32{
		{0.1, 3, -1, 3},
		{5, 0, 0, 7},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, NextTokenAt(logits, 0))
	assert.Equal(t, 3, NextToken(logits))
}

func TestGenerator_PaddingDoesNotChangeTheNextToken(t *testing.T) {
	rt, _ := newTestRuntime(t)
	p := tinyParams(rand.New(rand.NewSource(7)), 2, 2, false)

	gen, err := NewGenerator(rt, p, 6)
	require.NoError(t, err)
	t.Cleanup(gen.Destroy)

	for _, prompt := range [][]int{{1}, {3, 2}, {0, 5, 4, 1}} {
		got, err := gen.Next(context.Background(), prompt)
		require.NoError(t, err)

		want := NextToken(runModel(t, rt, p, prompt...))
		assert.Equal(t, want, got, "prompt %v", prompt)
	}
}

func TestGenerator_Generate(t *testing.T) {
	rt, _ := newTestRuntime(t)
	p := tinyParams(rand.New(rand.NewSource(8)), 1, 2, false)

	gen, err := NewGenerator(rt, p, 4)
	require.NoError(t, err)
	t.Cleanup(gen.Destroy)

	var seen []int
	ids, err := gen.Generate(context.Background(), []int{2, 3}, 5, func(id int) { seen = append(seen, id) })
	require.NoError(t, err)
	require.Len(t, ids, 7)
	assert.Equal(t, []int{2, 3}, ids[:2])
	assert.Equal(t, ids[2:], seen)
	for _, id := range ids {
		assert.GreaterOrEqual(t, id, 0)
		assert.Less(t, id, testVocab)
	}

	_, err = gen.Generate(context.Background(), nil, 1, nil)
	assert.ErrorIs(t, err, ErrEmptyPrompt)
}

func TestNewGenerator_WindowExceedsContext(t *testing.T) {
	rt, dev := newTestRuntime(t)
	p := tinyParams(rand.New(rand.NewSource(9)), 1, 1, false)

	_, err := NewGenerator(rt, p, testContext+1)
	assert.ErrorIs(t, err, tensor.ErrShapeMismatch)
	assert.Zero(t, dev.Stats().LiveBuffers)
}

func TestGenerator_GreedySamplingMatchesDefault(t *testing.T) {
	rt, _ := newTestRuntime(t)
	p := tinyParams(rand.New(rand.NewSource(10)), 1, 2, false)

	plain, err := NewGenerator(rt, p, 4)
	require.NoError(t, err)
	t.Cleanup(plain.Destroy)
	sampled, err := NewGenerator(rt, p, 4, WithSampling(Greedy()))
	require.NoError(t, err)
	t.Cleanup(sampled.Destroy)

	want, err := plain.Generate(context.Background(), []int{1, 4}, 4, nil)
	require.NoError(t, err)
	got, err := sampled.Generate(context.Background(), []int{1, 4}, 4, nil)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestGenerator_StopsAtStopToken(t *testing.T) {
	rt, _ := newTestRuntime(t)
	p := tinyParams(rand.New(rand.NewSource(11)), 1, 2, false)

	plain, err := NewGenerator(rt, p, 4)
	require.NoError(t, err)
	t.Cleanup(plain.Destroy)
	free, err := plain.Generate(context.Background(), []int{3, 1}, 5, nil)
	require.NoError(t, err)
	eos := free[2]

	gen, err := NewGenerator(rt, p, 4, WithStopTokens(eos))
	require.NoError(t, err)
	t.Cleanup(gen.Destroy)

	var seen []int
	ids, err := gen.Generate(context.Background(), []int{3, 1}, 5, func(id int) { seen = append(seen, id) })
	require.NoError(t, err)
	assert.Equal(t, []int{3, 1, eos}, ids, "the stop token ends generation")
	assert.Equal(t, []int{eos}, seen)
}

func TestGenerator_RejectsUnrepresentableIDs(t *testing.T) {
	rt, _ := newTestRuntime(t)
	p := tinyParams(rand.New(rand.NewSource(12)), 1, 1, false)

	gen, err := NewGenerator(rt, p, 4)
	require.NoError(t, err)
	t.Cleanup(gen.Destroy)

	_, err = gen.Next(context.Background(), []int{1, -2})
	assert.ErrorContains(t, err, "not representable")
}
