package ops

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"testing"

	"github.com/born-ml/wgt/internal/backend/cpu"
	"github.com/born-ml/wgt/internal/graph"
	"github.com/born-ml/wgt/internal/kernel"
	"github.com/born-ml/wgt/internal/logger"
	"github.com/born-ml/wgt/internal/tensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRuntime(t *testing.T) (*graph.Runtime, *cpu.Device) {
	t.Helper()
	dev := cpu.New()
	return graph.NewRuntime(dev, graph.WithLogger(logger.Nop())), dev
}

func param(t *testing.T, rt *graph.Runtime, value *tensor.Tensor) *graph.DeviceTensor {
	t.Helper()
	node, err := Parameter(rt, value, "")
	require.NoError(t, err)
	return node
}

func randomMatrix(rng *rand.Rand, rows, cols int) [][]float32 {
	m := make([][]float32, rows)
	for r := range m {
		m[r] = make([]float32, cols)
		for c := range m[r] {
			m[r][c] = rng.Float32()*2 - 1
		}
	}
	return m
}

func fromMatrix(t *testing.T, m [][]float32) *tensor.Tensor {
	t.Helper()
	out, err := tensor.FromMatrix(m)
	require.NoError(t, err)
	return out
}

// evaluate compiles a graph with no declared inputs and returns its
// outputs.
func evaluate(t *testing.T, rt *graph.Runtime, outputs ...*graph.DeviceTensor) []*tensor.Tensor {
	t.Helper()
	g, err := graph.New(rt, nil, outputs)
	require.NoError(t, err)
	res, err := g.Run(context.Background(), nil)
	require.NoError(t, err)
	return res
}

func assertMatrixInDelta(t *testing.T, want [][]float32, got *tensor.Tensor, delta float64) {
	t.Helper()
	nested := got.Nested()
	require.Len(t, nested, 1)
	require.Len(t, nested[0], len(want))
	for r := range want {
		require.Len(t, nested[0][r], len(want[r]))
		for c := range want[r] {
			assert.InDelta(t, want[r][c], nested[0][r][c], delta, "[%d][%d]", r, c)
		}
	}
}

func TestMatMul_Shapes(t *testing.T) {
	rt, _ := newTestRuntime(t)

	a, err := Input(rt, tensor.MustShape(3, 2, 4))
	require.NoError(t, err)
	b, err := Input(rt, tensor.MustShape(1, 4, 5))
	require.NoError(t, err)

	out, err := MatMul(rt, a, b)
	require.NoError(t, err)
	assert.Equal(t, tensor.MustShape(3, 2, 5), out.Shape())

	before := rt.LiveBuffers()
	_, err = MatMul(rt, b, a)
	assert.ErrorIs(t, err, tensor.ErrShapeMismatch)

	c, err := Input(rt, tensor.MustShape(2, 5, 1))
	require.NoError(t, err)
	before++
	_, err = MatMul(rt, out, c)
	assert.ErrorIs(t, err, tensor.ErrShapeMismatch, "batches 3 and 2 do not spread")
	assert.Equal(t, before, rt.LiveBuffers())
}

func TestMerge_Broadcast(t *testing.T) {
	rt, _ := newTestRuntime(t)

	x := param(t, rt, fromMatrix(t, [][]float32{{1, 2, 3}, {4, 5, 6}}))
	row := param(t, rt, fromMatrix(t, [][]float32{{10, 20, 30}}))

	sum, err := Add(rt, x, row)
	require.NoError(t, err)
	assert.Equal(t, tensor.MustShape(1, 2, 3), sum.Shape())

	res := evaluate(t, rt, sum)
	assert.Equal(t, []float32{11, 22, 33, 14, 25, 36}, res[0].Values())

	bad := param(t, rt, fromMatrix(t, [][]float32{{1, 2}}))
	_, err = Add(rt, x, bad)
	assert.ErrorIs(t, err, tensor.ErrShapeMismatch)
}

func TestGemm_Linear(t *testing.T) {
	rt, _ := newTestRuntime(t)

	x := param(t, rt, fromMatrix(t, [][]float32{{1, 2}, {3, 4}}))
	w := param(t, rt, fromMatrix(t, [][]float32{{1, 0, 1}, {0, 1, 1}}))
	bias := param(t, rt, fromMatrix(t, [][]float32{{0.5, -0.5, 0}}))

	out, err := Linear(rt, x, LinearParams{Weights: w, Bias: bias})
	require.NoError(t, err)
	assert.Equal(t, "gemm", out.Label())

	res := evaluate(t, rt, out)
	assert.Equal(t, []float32{1.5, 1.5, 3, 3.5, 3.5, 7}, res[0].Values())

	wideBias := param(t, rt, fromMatrix(t, [][]float32{{1, 2, 3, 4}}))
	_, err = Gemm(rt, x, w, wideBias)
	assert.ErrorIs(t, err, tensor.ErrShapeMismatch)
}

func TestTransposeAndSoftmax(t *testing.T) {
	rt, _ := newTestRuntime(t)

	x := param(t, rt, fromMatrix(t, [][]float32{{0, 0}, {1, 1}, {2, 2}}))
	tr, err := Transpose(rt, x)
	require.NoError(t, err)
	assert.Equal(t, tensor.MustShape(1, 2, 3), tr.Shape())

	sm, err := Softmax(rt, tr)
	require.NoError(t, err)

	res := evaluate(t, rt, sm)
	e0, e1, e2 := 1.0, math.E, math.E*math.E
	sum := e0 + e1 + e2
	assertMatrixInDelta(t, [][]float32{
		{float32(e0 / sum), float32(e1 / sum), float32(e2 / sum)},
		{float32(e0 / sum), float32(e1 / sum), float32(e2 / sum)},
	}, res[0], 1e-6)
}

func TestSplitHeads_Errors(t *testing.T) {
	rt, _ := newTestRuntime(t)

	x, err := Input(rt, tensor.MustShape(1, 3, 6))
	require.NoError(t, err)

	_, err = SplitHeads(rt, x, 4)
	assert.ErrorIs(t, err, tensor.ErrShapeMismatch)

	split, err := SplitHeads(rt, x, 3)
	require.NoError(t, err)
	assert.Equal(t, tensor.MustShape(3, 3, 2), split.Shape())

	merged, err := MergeHeads(rt, split)
	require.NoError(t, err)
	assert.Equal(t, x.Shape(), merged.Shape())
}

// linearRef computes x @ w + b on the host.
func linearRef(x, w [][]float32, b []float32) [][]float64 {
	out := make([][]float64, len(x))
	for i := range x {
		out[i] = make([]float64, len(w[0]))
		for j := range out[i] {
			v := float64(b[j])
			for k := range w {
				v += float64(x[i][k]) * float64(w[k][j])
			}
			out[i][j] = v
		}
	}
	return out
}

type linearHost struct {
	w [][]float32
	b []float32
}

func (l linearHost) apply(x [][]float32) [][]float32 {
	ref := linearRef(x, l.w, l.b)
	out := make([][]float32, len(ref))
	for i := range ref {
		out[i] = make([]float32, len(ref[i]))
		for j := range ref[i] {
			out[i][j] = float32(ref[i][j])
		}
	}
	return out
}

// attentionRef computes causal multi-head self-attention on the host.
func attentionRef(x [][]float32, q, k, v, proj linearHost, heads int) [][]float32 {
	Q, K, V := q.apply(x), k.apply(x), v.apply(x)
	L, D := len(x), len(x[0])
	hd := D / heads

	merged := make([][]float32, L)
	for i := range merged {
		merged[i] = make([]float32, D)
	}
	for h := 0; h < heads; h++ {
		for i := 0; i < L; i++ {
			scores := make([]float64, i+1)
			maxScore := math.Inf(-1)
			for j := 0; j <= i; j++ {
				var s float64
				for c := 0; c < hd; c++ {
					s += float64(Q[i][h*hd+c]) * float64(K[j][h*hd+c])
				}
				scores[j] = s / math.Sqrt(float64(hd))
				maxScore = math.Max(maxScore, scores[j])
			}
			var sum float64
			for j := range scores {
				scores[j] = math.Exp(scores[j] - maxScore)
				sum += scores[j]
			}
			for c := 0; c < hd; c++ {
				var acc float64
				for j := range scores {
					acc += scores[j] / sum * float64(V[j][h*hd+c])
				}
				merged[i][h*hd+c] = float32(acc)
			}
		}
	}
	return proj.apply(merged)
}

func randomLinear(rng *rand.Rand, in, out int) linearHost {
	return linearHost{w: randomMatrix(rng, in, out), b: randomMatrix(rng, 1, out)[0]}
}

func (l linearHost) params(t *testing.T, rt *graph.Runtime) LinearParams {
	t.Helper()
	return LinearParams{
		Weights: param(t, rt, fromMatrix(t, l.w)),
		Bias:    param(t, rt, fromMatrix(t, [][]float32{l.b})),
	}
}

func TestSelfAttention_MatchesReference(t *testing.T) {
	for _, heads := range []int{1, 2, 4} {
		t.Run(fmt.Sprintf("heads=%d", heads), func(t *testing.T) {
			rt, _ := newTestRuntime(t)
			rng := rand.New(rand.NewSource(int64(heads)))

			const L, D = 5, 8
			x := randomMatrix(rng, L, D)
			q, k, v, proj := randomLinear(rng, D, D), randomLinear(rng, D, D), randomLinear(rng, D, D), randomLinear(rng, D, D)

			out, err := SelfAttention(rt, param(t, rt, fromMatrix(t, x)), AttentionParams{
				Query: q.params(t, rt),
				Key:   k.params(t, rt),
				Value: v.params(t, rt),
				Proj:  proj.params(t, rt),
			}, heads)
			require.NoError(t, err)
			assert.Equal(t, tensor.MustShape(1, L, D), out.Shape())

			res := evaluate(t, rt, out)
			assertMatrixInDelta(t, attentionRef(x, q, k, v, proj, heads), res[0], 1e-4)
		})
	}
}

func TestSelfAttention_FirstRowAttendsToItself(t *testing.T) {
	rt, _ := newTestRuntime(t)
	rng := rand.New(rand.NewSource(11))

	const L, D = 4, 4
	x := randomMatrix(rng, L, D)
	ident := linearHost{w: [][]float32{{1, 0, 0, 0}, {0, 1, 0, 0}, {0, 0, 1, 0}, {0, 0, 0, 1}}, b: make([]float32, D)}

	out, err := SelfAttention(rt, param(t, rt, fromMatrix(t, x)), AttentionParams{
		Query: ident.params(t, rt),
		Key:   ident.params(t, rt),
		Value: ident.params(t, rt),
		Proj:  ident.params(t, rt),
	}, 1)
	require.NoError(t, err)

	res := evaluate(t, rt, out)
	for c := 0; c < D; c++ {
		assert.InDelta(t, x[0][c], res[0].At(0, 0, uint32(c)), 1e-6)
	}
}

func TestFeedForward(t *testing.T) {
	rt, _ := newTestRuntime(t)
	rng := rand.New(rand.NewSource(5))

	x := randomMatrix(rng, 3, 4)
	l1, l2 := randomLinear(rng, 4, 8), randomLinear(rng, 8, 4)

	out, err := FeedForward(rt, param(t, rt, fromMatrix(t, x)), FeedForwardParams{
		Linear1: l1.params(t, rt),
		Linear2: l2.params(t, rt),
	})
	require.NoError(t, err)

	hidden := l1.apply(x)
	for i := range hidden {
		for j, v := range hidden[i] {
			hidden[i][j] = float32(0.5 * float64(v) * (1 + math.Tanh(0.797884*(float64(v)+0.044715*math.Pow(float64(v), 3)))))
		}
	}

	res := evaluate(t, rt, out)
	assertMatrixInDelta(t, l2.apply(hidden), res[0], 1e-4)
}

func blockParams(t *testing.T, rt *graph.Runtime, rng *rand.Rand, d int) BlockParams {
	t.Helper()
	ln := func() LayerNormParams {
		return LayerNormParams{
			Scale: param(t, rt, tensor.Ones(tensor.MustShape(1, 1, uint32(d)))),
			Bias:  param(t, rt, tensor.Zeros(tensor.MustShape(1, 1, uint32(d)))),
		}
	}
	return BlockParams{
		LN1: ln(),
		Attention: AttentionParams{
			Query: randomLinear(rng, d, d).params(t, rt),
			Key:   randomLinear(rng, d, d).params(t, rt),
			Value: randomLinear(rng, d, d).params(t, rt),
			Proj:  randomLinear(rng, d, d).params(t, rt),
		},
		LN2: ln(),
		FeedForward: FeedForwardParams{
			Linear1: randomLinear(rng, d, 4*d).params(t, rt),
			Linear2: randomLinear(rng, 4*d, d).params(t, rt),
		},
	}
}

func TestBlock_Runs(t *testing.T) {
	rt, _ := newTestRuntime(t)
	rng := rand.New(rand.NewSource(3))

	x, err := Input(rt, tensor.MustShape(1, 6, 8))
	require.NoError(t, err)
	p := blockParams(t, rt, rng, 8)

	h := x
	for i := 0; i < 2; i++ {
		h, err = Block(rt, h, p, 2)
		require.NoError(t, err)
	}
	assert.Equal(t, x.Shape(), h.Shape())

	g, err := graph.New(rt, []*graph.DeviceTensor{x}, []*graph.DeviceTensor{h})
	require.NoError(t, err)
	defer g.Destroy()

	res, err := g.Run(context.Background(), []*tensor.Tensor{tensor.Random(x.Shape(), rng)})
	require.NoError(t, err)
	for _, v := range res[0].Values() {
		assert.False(t, math.IsNaN(float64(v)) || math.IsInf(float64(v), 0))
	}
}

func TestBlock_FailureLeavesNothingAllocated(t *testing.T) {
	rt, dev := newTestRuntime(t)
	rng := rand.New(rand.NewSource(9))

	x, err := Input(rt, tensor.MustShape(1, 3, 4))
	require.NoError(t, err)
	p := blockParams(t, rt, rng, 4)
	// The second layer norm is built after the whole attention path.
	p.LN2.Scale = param(t, rt, tensor.Ones(tensor.MustShape(1, 1, 3)))

	buffers := rt.LiveBuffers()
	pipelines := dev.Stats().LivePipelines

	_, err = Block(rt, x, p, 2)
	assert.ErrorIs(t, err, tensor.ErrShapeMismatch)
	assert.Equal(t, buffers, rt.LiveBuffers())
	assert.Equal(t, pipelines, dev.Stats().LivePipelines)
	assert.Zero(t, dev.Stats().DoubleReleases)

	_, err = SelfAttention(rt, x, p.Attention, 3)
	assert.ErrorIs(t, err, tensor.ErrShapeMismatch)
	assert.Equal(t, buffers, rt.LiveBuffers())
}

func TestParameter_Labels(t *testing.T) {
	rt, _ := newTestRuntime(t)

	p, err := Parameter(rt, tensor.Ones(tensor.MustShape(1, 1, 2)), "")
	require.NoError(t, err)
	assert.Equal(t, "parameter", p.Label())

	s, err := Scalar(rt, 0.5, "half")
	require.NoError(t, err)
	assert.Equal(t, "half", s.Label())
	assert.Equal(t, tensor.MustShape(1, 1, 1), s.Shape())

	m, err := Merge(rt, p, s, kernel.Mul)
	require.NoError(t, err)
	res := evaluate(t, rt, m)
	assert.Equal(t, []float32{0.5, 0.5}, res[0].Values())
}

func TestEmbed_TwoChunks(t *testing.T) {
	rt, _ := newTestRuntime(t)

	// Vocabulary of 5 rows split 3 / 2, embedding width 2.
	chunk1 := param(t, rt, fromMatrix(t, [][]float32{{0, 0}, {1, 1}, {2, 2}}))
	chunk2 := param(t, rt, fromMatrix(t, [][]float32{{3, 3}, {4, 4}}))
	ids, err := tensor.FromVector([]float32{4, 0, 2, 3})
	require.NoError(t, err)

	out, err := Embed(rt, param(t, rt, ids), chunk1, chunk2)
	require.NoError(t, err)
	assert.Equal(t, tensor.MustShape(1, 4, 2), out.Shape())

	res := evaluate(t, rt, out)
	assertMatrixInDelta(t, [][]float32{{4, 4}, {0, 0}, {2, 2}, {3, 3}}, res[0], 0)
}

func TestEmbed_ShapeErrors(t *testing.T) {
	rt, dev := newTestRuntime(t)
	chunk1 := param(t, rt, fromMatrix(t, [][]float32{{0, 0}}))
	narrow := param(t, rt, fromMatrix(t, [][]float32{{0}}))
	ids := param(t, rt, fromMatrix(t, [][]float32{{0}, {0}}))

	_, err := Embed(rt, ids, chunk1, chunk1)
	assert.ErrorIs(t, err, tensor.ErrShapeMismatch)

	row := param(t, rt, fromMatrix(t, [][]float32{{0, 0}}))
	before := dev.Stats()
	_, err = Embed(rt, row, chunk1, narrow)
	assert.ErrorIs(t, err, tensor.ErrShapeMismatch)
	assert.Equal(t, before.LiveBuffers, dev.Stats().LiveBuffers)
}

func TestDeEmbed(t *testing.T) {
	rt, _ := newTestRuntime(t)

	chunk1 := param(t, rt, fromMatrix(t, [][]float32{{1, 0}, {0, 1}}))
	chunk2 := param(t, rt, fromMatrix(t, [][]float32{{1, 1}}))
	x := param(t, rt, fromMatrix(t, [][]float32{{2, 3}, {-1, 5}}))

	logits, err := DeEmbed(rt, x, chunk1, chunk2)
	require.NoError(t, err)
	assert.Equal(t, tensor.MustShape(1, 2, 3), logits.Shape())
	assert.Equal(t, "deEmbed", logits.Label())

	res := evaluate(t, rt, logits)
	assertMatrixInDelta(t, [][]float32{{2, 3, 5}, {-1, 5, 4}}, res[0], 1e-6)
}

func TestConcatCols_ShapeMismatch(t *testing.T) {
	rt, _ := newTestRuntime(t)
	a := param(t, rt, fromMatrix(t, [][]float32{{1}, {2}}))
	b := param(t, rt, fromMatrix(t, [][]float32{{1}}))

	_, err := ConcatCols(rt, a, b, "")
	assert.ErrorIs(t, err, tensor.ErrShapeMismatch)
}
