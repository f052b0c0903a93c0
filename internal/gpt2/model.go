package gpt2

import (
	"fmt"

	"github.com/born-ml/wgt/internal/graph"
	"github.com/born-ml/wgt/internal/ops"
	"github.com/born-ml/wgt/internal/tensor"
)

// builder uploads parameters and chains layers until the first error.
// On failure it destroys everything it produced except the nodes it was
// given.
type builder struct {
	rt   *graph.Runtime
	keep map[uint64]struct{}
	made []*graph.DeviceTensor
	err  error
}

func newBuilder(rt *graph.Runtime, given ...*graph.DeviceTensor) *builder {
	b := &builder{rt: rt, keep: make(map[uint64]struct{})}
	for _, node := range given {
		for _, dep := range node.Dependencies() {
			b.keep[dep.ID()] = struct{}{}
		}
	}
	return b
}

// do runs step unless an earlier step failed.
func (b *builder) do(step func() (*graph.DeviceTensor, error)) *graph.DeviceTensor {
	if b.err != nil {
		return nil
	}
	node, err := step()
	if err != nil {
		b.err = err
		return nil
	}
	b.made = append(b.made, node)
	return node
}

func (b *builder) param(value *tensor.Tensor, label string) *graph.DeviceTensor {
	return b.do(func() (*graph.DeviceTensor, error) {
		return ops.Parameter(b.rt, value, label)
	})
}

func (b *builder) finish(out *graph.DeviceTensor) (*graph.DeviceTensor, error) {
	if b.err == nil {
		return out, nil
	}
	for i := len(b.made) - 1; i >= 0; i-- {
		for _, dep := range b.made[i].Dependencies() {
			if _, ok := b.keep[dep.ID()]; !ok {
				dep.Destroy(false)
			}
		}
	}
	b.made = nil
	return nil, fmt.Errorf("gpt2: %w", b.err)
}

func (b *builder) embedParams(p EmbedParams, label string) (chunk1, chunk2 *graph.DeviceTensor) {
	return b.param(p.Chunk1, label+".chunk1"), b.param(p.Chunk2, label+".chunk2")
}

func (b *builder) linearParams(p LinearParams, label string) ops.LinearParams {
	return ops.LinearParams{
		Weights: b.param(p.Weights, label+".weights"),
		Bias:    b.param(p.Bias, label+".bias"),
	}
}

func (b *builder) layerNormParams(p LayerNormParams, label string) ops.LayerNormParams {
	return ops.LayerNormParams{
		Scale: b.param(p.Scale, label+".scale"),
		Bias:  b.param(p.Bias, label+".bias"),
	}
}

func (b *builder) blockParams(p BlockParams, i int) ops.BlockParams {
	prefix := fmt.Sprintf("block%d.", i)
	return ops.BlockParams{
		LN1: b.layerNormParams(p.LN1, prefix+"ln1"),
		Attention: ops.AttentionParams{
			Query: b.linearParams(p.Attention.Query, prefix+"attention.query"),
			Key:   b.linearParams(p.Attention.Key, prefix+"attention.key"),
			Value: b.linearParams(p.Attention.Value, prefix+"attention.value"),
			Proj:  b.linearParams(p.Attention.Proj, prefix+"attention.proj"),
		},
		LN2: b.layerNormParams(p.LN2, prefix+"ln2"),
		FeedForward: ops.FeedForwardParams{
			Linear1: b.linearParams(p.FeedForward.Linear1, prefix+"ff.linear1"),
			Linear2: b.linearParams(p.FeedForward.Linear2, prefix+"ff.linear2"),
		},
	}
}

// Positions returns the (1, 1, n) tensor 0, 1, ..., n-1.
func Positions(n int) *tensor.Tensor {
	values := make([]float32, n)
	for i := range values {
		values[i] = float32(i)
	}
	t, _ := tensor.FromValues(tensor.Shape{Batches: 1, Rows: 1, Cols: uint32(n)}, values)
	return t
}

// Embed returns the embeddings (B, L, D) of token ids (B, 1, L).
func Embed(rt *graph.Runtime, tokens *graph.DeviceTensor, p EmbedParams) (*graph.DeviceTensor, error) {
	b := newBuilder(rt, tokens)
	chunk1, chunk2 := b.embedParams(p, "embeddings")
	out := b.do(func() (*graph.DeviceTensor, error) { return ops.Embed(rt, tokens, chunk1, chunk2) })
	return b.finish(out)
}

// DeEmbed returns the logits (B, L, V) of x (B, L, D) against the token
// embedding table.
func DeEmbed(rt *graph.Runtime, x *graph.DeviceTensor, p EmbedParams) (*graph.DeviceTensor, error) {
	b := newBuilder(rt, x)
	chunk1, chunk2 := b.embedParams(p, "embeddings")
	out := b.do(func() (*graph.DeviceTensor, error) { return ops.DeEmbed(rt, x, chunk1, chunk2) })
	return b.finish(out)
}

// Model returns the logits (1, L, V) for token ids (1, 1, L). Parameters
// are uploaded once; running the graph again with new ids reuses them.
func Model(rt *graph.Runtime, tokens *graph.DeviceTensor, p Params) (*graph.DeviceTensor, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	length := int(tokens.Shape().Cols)
	if length > p.Context() {
		return nil, fmt.Errorf("gpt2: %w: %d tokens exceed context of %d", tensor.ErrShapeMismatch, length, p.Context())
	}

	b := newBuilder(rt, tokens)
	positions := b.param(Positions(length), "positions")
	tok1, tok2 := b.embedParams(p.TokenEmbeddings, "embeddings")
	pos1, pos2 := b.embedParams(p.PositionEmbeddings, "position_embeddings")

	tokenEmbeddings := b.do(func() (*graph.DeviceTensor, error) { return ops.Embed(rt, tokens, tok1, tok2) })
	positionEmbeddings := b.do(func() (*graph.DeviceTensor, error) { return ops.Embed(rt, positions, pos1, pos2) })
	x := b.do(func() (*graph.DeviceTensor, error) { return ops.Add(rt, tokenEmbeddings, positionEmbeddings) })

	for i, blk := range p.Blocks {
		params := b.blockParams(blk, i)
		x = b.do(func() (*graph.DeviceTensor, error) { return ops.Block(rt, x, params, p.Heads) })
	}

	lnFinal := b.layerNormParams(p.LayerNorm, "ln_final")
	x = b.do(func() (*graph.DeviceTensor, error) { return ops.LayerNorm(rt, x, lnFinal) })
	logits := b.do(func() (*graph.DeviceTensor, error) { return ops.DeEmbed(rt, x, tok1, tok2) })
	return b.finish(logits)
}
