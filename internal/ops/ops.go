// Package ops builds graph nodes for the supported kernels and the
// transformer layers composed from them.
//
// Every constructor checks shapes before allocating anything and returns
// tensor.ErrShapeMismatch on a mismatch. A composite op that fails part
// way destroys the nodes it created, so no partial graph stays reachable.
package ops

import (
	"fmt"
	"math"

	"github.com/born-ml/wgt/internal/graph"
	"github.com/born-ml/wgt/internal/kernel"
	"github.com/born-ml/wgt/internal/tensor"
)

// builder creates nodes on rt until the first error. On failure every node
// it created is destroyed.
type builder struct {
	rt    *graph.Runtime
	nodes []*graph.DeviceTensor
	err   error
}

func newBuilder(rt *graph.Runtime) *builder {
	return &builder{rt: rt}
}

// finish returns out, or the first error after releasing what was built.
func (b *builder) finish(out *graph.DeviceTensor) (*graph.DeviceTensor, error) {
	if b.err != nil {
		for i := len(b.nodes) - 1; i >= 0; i-- {
			b.nodes[i].Destroy(false)
		}
		b.nodes = nil
		return nil, b.err
	}
	return out, nil
}

func (b *builder) fail(err error) *graph.DeviceTensor {
	if b.err == nil {
		b.err = err
	}
	return nil
}

func (b *builder) apply(k kernel.Descriptor, out tensor.Shape, inputs ...*graph.DeviceTensor) *graph.DeviceTensor {
	if b.err != nil {
		return nil
	}
	node, err := graph.Apply(b.rt, k, out, inputs...)
	if err != nil {
		return b.fail(err)
	}
	b.nodes = append(b.nodes, node)
	return node
}

func (b *builder) parameter(value *tensor.Tensor, label string) *graph.DeviceTensor {
	if b.err != nil {
		return nil
	}
	node, err := graph.NewDeviceTensor(b.rt, value.Shape())
	if err != nil {
		return b.fail(err)
	}
	b.nodes = append(b.nodes, node)
	node.SetLabel(label)
	if err := node.Write(value); err != nil {
		return b.fail(err)
	}
	return node
}

func (b *builder) identity(x *graph.DeviceTensor) *graph.DeviceTensor {
	if b.err != nil {
		return nil
	}
	return b.apply(kernel.Copy(x.Shape()), x.Shape(), x)
}

func (b *builder) matmul(x, y *graph.DeviceTensor) *graph.DeviceTensor {
	if b.err != nil {
		return nil
	}
	out, err := matmulShape(x.Shape(), y.Shape())
	if err != nil {
		return b.fail(err)
	}
	return b.apply(kernel.MatMul(out, false), out, x, y)
}

func (b *builder) gemm(x, y, bias *graph.DeviceTensor) *graph.DeviceTensor {
	if b.err != nil {
		return nil
	}
	out, err := matmulShape(x.Shape(), y.Shape())
	if err != nil {
		return b.fail(err)
	}
	if !fits(bias.Shape(), out) {
		return b.fail(fmt.Errorf("%w: bias %s does not spread to %s", tensor.ErrShapeMismatch, bias.Shape(), out))
	}
	return b.apply(kernel.MatMul(out, true), out, x, y, bias)
}

func (b *builder) layerNorm(x *graph.DeviceTensor, p LayerNormParams) *graph.DeviceTensor {
	if b.err != nil {
		return nil
	}
	out := x.Shape()
	if !fits(p.Scale.Shape(), out) || !fits(p.Bias.Shape(), out) {
		return b.fail(fmt.Errorf("%w: layer norm scale %s / bias %s do not spread to %s",
			tensor.ErrShapeMismatch, p.Scale.Shape(), p.Bias.Shape(), out))
	}
	return b.apply(kernel.LayerNorm(out), out, x, p.Scale, p.Bias)
}

func (b *builder) softmax(x *graph.DeviceTensor) *graph.DeviceTensor {
	if b.err != nil {
		return nil
	}
	return b.apply(kernel.Softmax(x.Shape()), x.Shape(), x)
}

func (b *builder) gelu(x *graph.DeviceTensor) *graph.DeviceTensor {
	if b.err != nil {
		return nil
	}
	return b.apply(kernel.GELU(x.Shape()), x.Shape(), x)
}

func (b *builder) transpose(x *graph.DeviceTensor) *graph.DeviceTensor {
	if b.err != nil {
		return nil
	}
	out := transposeShape(x.Shape())
	return b.apply(kernel.Transpose(out), out, x)
}

func (b *builder) merge(x, y *graph.DeviceTensor, method kernel.MergeMethod) *graph.DeviceTensor {
	if b.err != nil {
		return nil
	}
	out, err := broadcastShape(x.Shape(), y.Shape())
	if err != nil {
		return b.fail(err)
	}
	return b.apply(kernel.Merge(out, method), out, x, y)
}

func (b *builder) mask(x *graph.DeviceTensor) *graph.DeviceTensor {
	if b.err != nil {
		return nil
	}
	return b.apply(kernel.AttentionMask(x.Shape()), x.Shape(), x)
}

func (b *builder) splitHeads(x *graph.DeviceTensor, heads int) *graph.DeviceTensor {
	if b.err != nil {
		return nil
	}
	out, err := splitHeadsShape(x.Shape(), heads)
	if err != nil {
		return b.fail(err)
	}
	return b.apply(kernel.SplitHeads(out), out, x)
}

func (b *builder) mergeHeads(x *graph.DeviceTensor) *graph.DeviceTensor {
	if b.err != nil {
		return nil
	}
	out := mergeHeadsShape(x.Shape())
	return b.apply(kernel.MergeHeads(out), out, x)
}

func (b *builder) linear(x *graph.DeviceTensor, p LinearParams) *graph.DeviceTensor {
	return b.gemm(x, p.Weights, p.Bias)
}

// Input allocates a leaf node to be written before each run.
func Input(rt *graph.Runtime, shape tensor.Shape) (*graph.DeviceTensor, error) {
	node, err := graph.NewDeviceTensor(rt, shape)
	if err != nil {
		return nil, err
	}
	return node.SetLabel("input"), nil
}

// Parameter allocates a leaf node holding value. An empty label defaults
// to "parameter".
func Parameter(rt *graph.Runtime, value *tensor.Tensor, label string) (*graph.DeviceTensor, error) {
	if label == "" {
		label = "parameter"
	}
	b := newBuilder(rt)
	return b.finish(b.parameter(value, label))
}

// Scalar allocates a (1, 1, 1) parameter.
func Scalar(rt *graph.Runtime, value float32, label string) (*graph.DeviceTensor, error) {
	return Parameter(rt, tensor.FromScalar(value), label)
}

// Identity copies x.
func Identity(rt *graph.Runtime, x *graph.DeviceTensor) (*graph.DeviceTensor, error) {
	b := newBuilder(rt)
	return b.finish(b.identity(x))
}

// MatMul returns x @ y with shape (max batches, x.rows, y.cols).
func MatMul(rt *graph.Runtime, x, y *graph.DeviceTensor) (*graph.DeviceTensor, error) {
	b := newBuilder(rt)
	return b.finish(b.matmul(x, y))
}

// Gemm returns x @ y + bias. bias spreads over the result.
func Gemm(rt *graph.Runtime, x, y, bias *graph.DeviceTensor) (*graph.DeviceTensor, error) {
	b := newBuilder(rt)
	return b.finish(b.gemm(x, y, bias))
}

// LinearParams are the weights (in, out) and bias (1, 1, out) of a
// linear layer.
type LinearParams struct {
	Weights *graph.DeviceTensor
	Bias    *graph.DeviceTensor
}

// Linear returns x @ weights + bias.
func Linear(rt *graph.Runtime, x *graph.DeviceTensor, p LinearParams) (*graph.DeviceTensor, error) {
	b := newBuilder(rt)
	return b.finish(b.linear(x, p))
}

// LayerNormParams are the per-column scale and bias of a layer norm.
type LayerNormParams struct {
	Scale *graph.DeviceTensor
	Bias  *graph.DeviceTensor
}

// LayerNorm normalises every row of x.
func LayerNorm(rt *graph.Runtime, x *graph.DeviceTensor, p LayerNormParams) (*graph.DeviceTensor, error) {
	b := newBuilder(rt)
	return b.finish(b.layerNorm(x, p))
}

// Softmax applies a softmax over every row of x.
func Softmax(rt *graph.Runtime, x *graph.DeviceTensor) (*graph.DeviceTensor, error) {
	b := newBuilder(rt)
	return b.finish(b.softmax(x))
}

// GELU applies the GELU activation elementwise.
func GELU(rt *graph.Runtime, x *graph.DeviceTensor) (*graph.DeviceTensor, error) {
	b := newBuilder(rt)
	return b.finish(b.gelu(x))
}

// Transpose swaps the rows and cols of every batch.
func Transpose(rt *graph.Runtime, x *graph.DeviceTensor) (*graph.DeviceTensor, error) {
	b := newBuilder(rt)
	return b.finish(b.transpose(x))
}

// Merge combines x and y elementwise. Axes of extent 1 spread.
func Merge(rt *graph.Runtime, x, y *graph.DeviceTensor, method kernel.MergeMethod) (*graph.DeviceTensor, error) {
	b := newBuilder(rt)
	return b.finish(b.merge(x, y, method))
}

// Add returns x + y.
func Add(rt *graph.Runtime, x, y *graph.DeviceTensor) (*graph.DeviceTensor, error) {
	return Merge(rt, x, y, kernel.Add)
}

// AttentionMask masks every score whose key column comes after its query
// row.
func AttentionMask(rt *graph.Runtime, x *graph.DeviceTensor) (*graph.DeviceTensor, error) {
	b := newBuilder(rt)
	return b.finish(b.mask(x))
}

// SplitHeads reshapes (1, L, H*D) into (H, L, D).
func SplitHeads(rt *graph.Runtime, x *graph.DeviceTensor, heads int) (*graph.DeviceTensor, error) {
	b := newBuilder(rt)
	return b.finish(b.splitHeads(x, heads))
}

// MergeHeads reshapes (H, L, D) into (1, L, H*D).
func MergeHeads(rt *graph.Runtime, x *graph.DeviceTensor) (*graph.DeviceTensor, error) {
	b := newBuilder(rt)
	return b.finish(b.mergeHeads(x))
}

// AttentionParams are the projections of a self-attention layer.
type AttentionParams struct {
	Query LinearParams
	Key   LinearParams
	Value LinearParams
	Proj  LinearParams
}

// SelfAttention returns causal multi-head self-attention over x (1, L, D).
// Scores are scaled by 1/sqrt(D/heads) and a query row never attends to a
// later key column. With heads == 1 the head reshapes are skipped and x may
// carry several batches.
func SelfAttention(rt *graph.Runtime, x *graph.DeviceTensor, p AttentionParams, heads int) (*graph.DeviceTensor, error) {
	b := newBuilder(rt)
	return b.finish(b.selfAttention(x, p, heads))
}

func (b *builder) selfAttention(x *graph.DeviceTensor, p AttentionParams, heads int) *graph.DeviceTensor {
	if b.err != nil {
		return nil
	}
	if heads < 1 || x.Shape().Cols%uint32(heads) != 0 {
		return b.fail(fmt.Errorf("%w: %d heads do not divide %s", tensor.ErrShapeMismatch, heads, x.Shape()))
	}
	headDim := x.Shape().Cols / uint32(heads)

	q := b.linear(x, p.Query)
	k := b.linear(x, p.Key)
	v := b.linear(x, p.Value)
	if heads > 1 {
		q = b.splitHeads(q, heads)
		k = b.splitHeads(k, heads)
		v = b.splitHeads(v, heads)
	}

	scale := b.parameter(tensor.FromScalar(float32(1/math.Sqrt(float64(headDim)))), "attention scale")
	scores := b.merge(b.matmul(q, b.transpose(k)), scale, kernel.Mul)
	weights := b.softmax(b.mask(scores))
	attended := b.matmul(weights, v)
	if heads > 1 {
		attended = b.mergeHeads(attended)
	}
	return b.linear(attended, p.Proj)
}

// FeedForwardParams are the two linear layers of a feed-forward layer.
type FeedForwardParams struct {
	Linear1 LinearParams
	Linear2 LinearParams
}

// FeedForward returns linear2(gelu(linear1(x))).
func FeedForward(rt *graph.Runtime, x *graph.DeviceTensor, p FeedForwardParams) (*graph.DeviceTensor, error) {
	b := newBuilder(rt)
	return b.finish(b.feedForward(x, p))
}

func (b *builder) feedForward(x *graph.DeviceTensor, p FeedForwardParams) *graph.DeviceTensor {
	return b.linear(b.gelu(b.linear(x, p.Linear1)), p.Linear2)
}

// BlockParams are the parameters of a transformer block.
type BlockParams struct {
	LN1         LayerNormParams
	Attention   AttentionParams
	LN2         LayerNormParams
	FeedForward FeedForwardParams
}

// Block returns a pre-norm transformer block:
//
//	h = x + attention(ln1(x))
//	y = h + feedForward(ln2(h))
func Block(rt *graph.Runtime, x *graph.DeviceTensor, p BlockParams, heads int) (*graph.DeviceTensor, error) {
	b := newBuilder(rt)
	return b.finish(b.block(x, p, heads))
}

func (b *builder) block(x *graph.DeviceTensor, p BlockParams, heads int) *graph.DeviceTensor {
	h := b.merge(x, b.selfAttention(b.layerNorm(x, p.LN1), p.Attention, heads), kernel.Add)
	return b.merge(h, b.feedForward(b.layerNorm(h, p.LN2), p.FeedForward), kernel.Add)
}

func (b *builder) embed(ids, chunk1, chunk2 *graph.DeviceTensor) *graph.DeviceTensor {
	if b.err != nil {
		return nil
	}
	out, err := embedShape(ids.Shape(), chunk1.Shape(), chunk2.Shape())
	if err != nil {
		return b.fail(err)
	}
	return b.apply(kernel.Embed(out), out, ids, chunk1, chunk2)
}

func (b *builder) concatCols(x, y *graph.DeviceTensor, label string) *graph.DeviceTensor {
	if b.err != nil {
		return nil
	}
	out, err := concatColsShape(x.Shape(), y.Shape())
	if err != nil {
		return b.fail(err)
	}
	return b.apply(kernel.ConcatCols(out, label), out, x, y)
}

// Embed looks up one row per token id. ids (B, 1, L) holds ids as float32;
// the table is split into chunk1 (1, V1, D) and chunk2 (1, V2, D) and ids
// from V1 on index chunk2. The result is (B, L, D).
func Embed(rt *graph.Runtime, ids, chunk1, chunk2 *graph.DeviceTensor) (*graph.DeviceTensor, error) {
	b := newBuilder(rt)
	return b.finish(b.embed(ids, chunk1, chunk2))
}

// ConcatCols places the columns of y after those of x.
func ConcatCols(rt *graph.Runtime, x, y *graph.DeviceTensor, label string) (*graph.DeviceTensor, error) {
	b := newBuilder(rt)
	return b.finish(b.concatCols(x, y, label))
}

// DeEmbed scores x (B, L, D) against both embedding chunks and returns the
// logits (B, L, V1+V2).
func DeEmbed(rt *graph.Runtime, x, chunk1, chunk2 *graph.DeviceTensor) (*graph.DeviceTensor, error) {
	b := newBuilder(rt)
	return b.finish(b.deEmbed(x, chunk1, chunk2))
}

func (b *builder) deEmbed(x, chunk1, chunk2 *graph.DeviceTensor) *graph.DeviceTensor {
	scores1 := b.matmul(x, b.transpose(chunk1))
	scores2 := b.matmul(x, b.transpose(chunk2))
	return b.concatCols(scores1, scores2, "deEmbed")
}
