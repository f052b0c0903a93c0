// Package kernel describes the compute kernels that graph ops dispatch.
//
// A Descriptor is what the graph core sees of a kernel: a label, the WGSL
// source compiled once into a pipeline, the entry point, the number of
// input and output bindings, and the workgroup count. Sources come from a
// closed set of variants selected by typed parameters (for example
// MatMul with or without a bias binding) so every generated shader is
// known ahead of time.
//
// Bindings are always laid out inputs first, starting at 0, followed by
// outputs.
package kernel

import (
	"fmt"

	"github.com/born-ml/wgt/internal/tensor"
)

// Kind identifies the computation a kernel performs.
type Kind int

// Supported kernels.
const (
	KindCopy Kind = iota
	KindMatMul
	KindLayerNorm
	KindSoftmax
	KindGELU
	KindTranspose
	KindMerge
	KindAttentionMask
	KindSplitHeads
	KindMergeHeads
	KindEmbed
	KindConcatCols
)

// String returns the kernel kind name.
func (k Kind) String() string {
	switch k {
	case KindCopy:
		return "copy"
	case KindMatMul:
		return "matmul"
	case KindLayerNorm:
		return "layerNorm"
	case KindSoftmax:
		return "softmax"
	case KindGELU:
		return "gelu"
	case KindTranspose:
		return "transpose"
	case KindMerge:
		return "merge"
	case KindAttentionMask:
		return "attentionMask"
	case KindSplitHeads:
		return "splitHeads"
	case KindMergeHeads:
		return "mergeHeads"
	case KindEmbed:
		return "embed"
	case KindConcatCols:
		return "concatCols"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// MergeMethod selects the elementwise function of a merge kernel.
type MergeMethod int

// Merge methods.
const (
	Add MergeMethod = iota
	Sub
	Mul
	Div
	Min
	Max
)

// String returns the method name.
func (m MergeMethod) String() string {
	switch m {
	case Add:
		return "add"
	case Sub:
		return "sub"
	case Mul:
		return "mul"
	case Div:
		return "div"
	case Min:
		return "min"
	case Max:
		return "max"
	default:
		return fmt.Sprintf("MergeMethod(%d)", int(m))
	}
}

// DefaultEntryPoint is the entry point of every built-in kernel.
const DefaultEntryPoint = "main"

// MaskValue is written to masked attention scores: -2^127, which exp()
// flushes to zero after the softmax max shift.
const MaskValue float32 = -0x1p+127

// LayerNormEpsilon is added to the variance before the square root.
const LayerNormEpsilon = 1e-5

// Descriptor is an opaque compute kernel as consumed by the graph core.
type Descriptor struct {
	Label      string
	Kind       Kind
	Inputs     int
	Outputs    int
	Workgroups [3]uint32
	EntryPoint string
	Source     string

	// Variant parameters.
	Bias   bool        // KindMatMul: third input added to the product
	Method MergeMethod // KindMerge
}

// Name identifies the compiled variant. Two descriptors with the same
// name share the same source and can share a compiled shader module.
func (d Descriptor) Name() string {
	switch d.Kind {
	case KindMatMul:
		if d.Bias {
			return "matmul_bias"
		}
		return "matmul"
	case KindMerge:
		return "merge_" + d.Method.String()
	default:
		return d.Kind.String()
	}
}

// Bindings returns the total number of buffer bindings.
func (d Descriptor) Bindings() int {
	return d.Inputs + d.Outputs
}

// Validate checks the descriptor is complete.
func (d Descriptor) Validate() error {
	if d.Source == "" {
		return fmt.Errorf("kernel %s: empty source", d.Name())
	}
	if d.Inputs < 0 || d.Outputs < 1 {
		return fmt.Errorf("kernel %s: invalid binding counts %d/%d", d.Name(), d.Inputs, d.Outputs)
	}
	for i, n := range d.Workgroups {
		if n == 0 {
			return fmt.Errorf("kernel %s: workgroup dimension %d is zero", d.Name(), i)
		}
	}
	return nil
}

// String returns the label, falling back to the variant name.
func (d Descriptor) String() string {
	if d.Label != "" {
		return d.Label
	}
	return d.Name()
}

func ceilDiv(n, d uint32) uint32 {
	return (n + d - 1) / d
}

// tiles dispatches one 16x16 tile per (rows, cols) block and one z layer
// per batch of out.
func tiles(out tensor.Shape) [3]uint32 {
	return [3]uint32{ceilDiv(out.Rows, tileSize), ceilDiv(out.Cols, tileSize), out.Batches}
}

func tiled(kind Kind, label string, out tensor.Shape, inputs int, source string) Descriptor {
	if label == "" {
		label = kind.String()
	}
	return Descriptor{
		Label:      label,
		Kind:       kind,
		Inputs:     inputs,
		Outputs:    1,
		Workgroups: tiles(out),
		EntryPoint: DefaultEntryPoint,
		Source:     source,
	}
}

// Copy returns an identity kernel: result = input.
func Copy(out tensor.Shape) Descriptor {
	return tiled(KindCopy, "identity", out, 1, copyShader)
}

// MatMul returns result = a @ b (+ bias). Batches of a or b with extent 1
// are spread across the batches of out.
func MatMul(out tensor.Shape, withBias bool) Descriptor {
	if withBias {
		d := tiled(KindMatMul, "gemm", out, 3, matmulBiasShader)
		d.Bias = true
		return d
	}
	return tiled(KindMatMul, "matmul", out, 2, matmulShader)
}

// LayerNorm returns a per-row layer normalization with scale and bias.
func LayerNorm(out tensor.Shape) Descriptor {
	return tiled(KindLayerNorm, "", out, 3, layerNormShader)
}

// Softmax returns a per-row softmax. One invocation handles one row.
func Softmax(out tensor.Shape) Descriptor {
	return Descriptor{
		Label:      KindSoftmax.String(),
		Kind:       KindSoftmax,
		Inputs:     1,
		Outputs:    1,
		Workgroups: [3]uint32{ceilDiv(out.Rows, softmaxWorkgroup), out.Batches, 1},
		EntryPoint: DefaultEntryPoint,
		Source:     softmaxShader,
	}
}

// GELU returns the tanh approximation of the GELU activation.
func GELU(out tensor.Shape) Descriptor {
	return tiled(KindGELU, "", out, 1, geluShader)
}

// Transpose swaps rows and cols of every batch.
func Transpose(out tensor.Shape) Descriptor {
	return tiled(KindTranspose, "", out, 1, transposeShader)
}

// Merge returns an elementwise combination of two tensors.
func Merge(out tensor.Shape, method MergeMethod) Descriptor {
	d := tiled(KindMerge, "merge "+method.String(), out, 2, mergeShader(method))
	d.Method = method
	return d
}

// AttentionMask writes MaskValue wherever row < col (a query row may not
// attend to a later key column) and copies the input elsewhere.
func AttentionMask(out tensor.Shape) Descriptor {
	return tiled(KindAttentionMask, "", out, 1, attentionMaskShader)
}

// SplitHeads reshapes (1, L, H*D) into (H, L, D), out being (H, L, D).
func SplitHeads(out tensor.Shape) Descriptor {
	return tiled(KindSplitHeads, "", out, 1, splitHeadsShader)
}

// MergeHeads flattens (H, L, D) into (1, L, H*D): head h lands in
// columns [h*D, (h+1)*D).
func MergeHeads(out tensor.Shape) Descriptor {
	return tiled(KindMergeHeads, "attentionFlatten", out, 1, mergeHeadsShader)
}

// Embed looks up rows of a table split into two chunks. Inputs are the
// token ids (B, 1, L), chunk1 (1, V1, D) and chunk2 (1, V2, D); ids >= V1
// index into chunk2.
func Embed(out tensor.Shape) Descriptor {
	return tiled(KindEmbed, "", out, 3, embedShader)
}

// ConcatCols concatenates two tensors along cols.
func ConcatCols(out tensor.Shape, label string) Descriptor {
	return tiled(KindConcatCols, label, out, 2, concatColsShader)
}
