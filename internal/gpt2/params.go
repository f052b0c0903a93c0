// Package gpt2 assembles a GPT-2 style language model from the ops
// library: split token and position embeddings, pre-norm transformer
// blocks, a final layer norm and de-embedding against the token table.
package gpt2

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/born-ml/wgt/internal/logger"
	"github.com/born-ml/wgt/internal/tensor"
	"github.com/born-ml/wgt/internal/weights"
)

// EmbedParams is an embedding table split by rows into two chunks of shape
// (1, V1, D) and (1, V2, D).
type EmbedParams struct {
	Chunk1 *tensor.Tensor
	Chunk2 *tensor.Tensor
}

// LinearParams are host-side linear weights (1, in, out) and bias (1, 1, out).
type LinearParams struct {
	Weights *tensor.Tensor
	Bias    *tensor.Tensor
}

// LayerNormParams are host-side layer norm scale and bias (1, 1, D).
type LayerNormParams struct {
	Scale *tensor.Tensor
	Bias  *tensor.Tensor
}

// AttentionParams are the four projections of a self-attention layer.
type AttentionParams struct {
	Query LinearParams
	Key   LinearParams
	Value LinearParams
	Proj  LinearParams
}

// FeedForwardParams are the expansion and contraction layers.
type FeedForwardParams struct {
	Linear1 LinearParams
	Linear2 LinearParams
}

// BlockParams are the parameters of one transformer block.
type BlockParams struct {
	LN1         LayerNormParams
	Attention   AttentionParams
	LN2         LayerNormParams
	FeedForward FeedForwardParams
}

// Params is the full parameter tree of a model.
type Params struct {
	TokenEmbeddings    EmbedParams
	PositionEmbeddings EmbedParams
	Blocks             []BlockParams
	LayerNorm          LayerNormParams
	Heads              int
}

// Vocab returns the number of token ids the model scores.
func (p Params) Vocab() int {
	return int(p.TokenEmbeddings.Chunk1.Shape().Rows + p.TokenEmbeddings.Chunk2.Shape().Rows)
}

// Context returns the number of positions the model embeds.
func (p Params) Context() int {
	return int(p.PositionEmbeddings.Chunk1.Shape().Rows + p.PositionEmbeddings.Chunk2.Shape().Rows)
}

// Width returns the embedding width D.
func (p Params) Width() int {
	return int(p.TokenEmbeddings.Chunk1.Shape().Cols)
}

// namedTensor pairs a stored tensor name with the field it fills.
type namedTensor struct {
	name string
	dst  **tensor.Tensor
}

func (p *Params) fields() []namedTensor {
	fields := []namedTensor{
		{"embeddings.chunk1", &p.TokenEmbeddings.Chunk1},
		{"embeddings.chunk2", &p.TokenEmbeddings.Chunk2},
		{"position_embeddings.chunk1", &p.PositionEmbeddings.Chunk1},
		{"position_embeddings.chunk2", &p.PositionEmbeddings.Chunk2},
		{"ln_final.scale", &p.LayerNorm.Scale},
		{"ln_final.bias", &p.LayerNorm.Bias},
	}
	for i := range p.Blocks {
		blk := &p.Blocks[i]
		prefix := fmt.Sprintf("block%d.", i)
		linear := func(name string, l *LinearParams) {
			fields = append(fields,
				namedTensor{prefix + name + ".weights", &l.Weights},
				namedTensor{prefix + name + ".bias", &l.Bias})
		}
		fields = append(fields,
			namedTensor{prefix + "ln1.scale", &blk.LN1.Scale},
			namedTensor{prefix + "ln1.bias", &blk.LN1.Bias},
			namedTensor{prefix + "ln2.scale", &blk.LN2.Scale},
			namedTensor{prefix + "ln2.bias", &blk.LN2.Bias})
		linear("attention.query", &blk.Attention.Query)
		linear("attention.key", &blk.Attention.Key)
		linear("attention.value", &blk.Attention.Value)
		linear("attention.proj", &blk.Attention.Proj)
		linear("ff.linear1", &blk.FeedForward.Linear1)
		linear("ff.linear2", &blk.FeedForward.Linear2)
	}
	return fields
}

// Names returns the stored tensor names of a model with the given number
// of blocks.
func Names(blocks int) []string {
	p := Params{Blocks: make([]BlockParams, blocks)}
	fields := p.fields()
	names := make([]string, len(fields))
	for i, f := range fields {
		names[i] = f.name
	}
	return names
}

// Tensors flattens p into its stored names.
func (p *Params) Tensors() map[string]*tensor.Tensor {
	out := make(map[string]*tensor.Tensor)
	for _, f := range p.fields() {
		if *f.dst != nil {
			out[f.name] = *f.dst
		}
	}
	return out
}

// maxConcurrentLoads bounds the number of tensors fetched at once.
const maxConcurrentLoads = 8

// LoadParams loads every tensor of a model with the given number of blocks
// and heads from store.
func LoadParams(ctx context.Context, store weights.Store, blocks, heads int) (Params, error) {
	if blocks < 1 {
		return Params{}, fmt.Errorf("gpt2: need at least one block, got %d", blocks)
	}
	if heads < 1 {
		return Params{}, fmt.Errorf("gpt2: need at least one head, got %d", heads)
	}
	p := Params{Blocks: make([]BlockParams, blocks), Heads: heads}
	fields := p.fields()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentLoads)
	for _, f := range fields {
		g.Go(func() error {
			t, err := store.Load(gctx, f.name)
			if err != nil {
				return fmt.Errorf("gpt2: loading %s: %w", f.name, err)
			}
			*f.dst = t
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Params{}, err
	}

	if err := p.Validate(); err != nil {
		return Params{}, err
	}
	logger.Log.Info("loaded gpt2 parameters",
		"tensors", len(fields), "blocks", blocks, "heads", heads,
		"vocab", p.Vocab(), "context", p.Context(), "width", p.Width())
	return p, nil
}

// Validate checks that every tensor is present and that the embedding
// tables agree on width. Per-layer shapes are checked when the model is
// built.
func (p *Params) Validate() error {
	for _, f := range p.fields() {
		if *f.dst == nil {
			return fmt.Errorf("gpt2: missing parameter %s", f.name)
		}
	}
	if p.Heads < 1 {
		return fmt.Errorf("gpt2: need at least one head, got %d", p.Heads)
	}
	d := p.TokenEmbeddings.Chunk1.Shape().Cols
	for _, s := range []tensor.Shape{
		p.TokenEmbeddings.Chunk2.Shape(),
		p.PositionEmbeddings.Chunk1.Shape(),
		p.PositionEmbeddings.Chunk2.Shape(),
	} {
		if s.Cols != d {
			return fmt.Errorf("gpt2: %w: embedding width %d and %s", tensor.ErrShapeMismatch, d, s)
		}
	}
	if d%uint32(p.Heads) != 0 {
		return fmt.Errorf("gpt2: %w: %d heads do not divide width %d", tensor.ErrShapeMismatch, p.Heads, d)
	}
	return nil
}
