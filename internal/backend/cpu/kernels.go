package cpu

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/born-ml/wgt/internal/kernel"
	"github.com/born-ml/wgt/internal/parallel"
	"github.com/born-ml/wgt/internal/tensor"
)

// view reads and writes a bound buffer through its shape header.
type view struct {
	shape   tensor.Shape
	payload []byte
}

func newView(data []byte) (view, error) {
	shape, err := tensor.ParseHeader(data)
	if err != nil {
		return view{}, err
	}
	if uint64(len(data)) < shape.SizeBytes() {
		return view{}, fmt.Errorf("%w: header %s needs %d bytes, buffer has %d",
			tensor.ErrMalformed, shape, shape.SizeBytes(), len(data))
	}
	return view{shape: shape, payload: data[tensor.HeaderBytes:shape.SizeBytes()]}, nil
}

// at reads with clamped coordinates, like tensor_idx in the WGSL sources.
func (v view) at(b, r, c uint32) float32 {
	i := v.shape.Index(b, r, c)
	return math.Float32frombits(binary.LittleEndian.Uint32(v.payload[4*i:]))
}

func (v view) set(b, r, c uint32, x float32) {
	i := (int(b)*int(v.shape.Rows)+int(r))*int(v.shape.Cols) + int(c)
	binary.LittleEndian.PutUint32(v.payload[4*i:], math.Float32bits(x))
}

// kernelFunc computes out from in. Bindings are split as in the
// descriptor: inputs first, the single output last.
type kernelFunc func(desc kernel.Descriptor, in []view, out view, cfg parallel.Config)

var kernels = map[kernel.Kind]kernelFunc{
	kernel.KindCopy:          copyKernel,
	kernel.KindMatMul:        matmulKernel,
	kernel.KindLayerNorm:     layerNormKernel,
	kernel.KindSoftmax:       softmaxKernel,
	kernel.KindGELU:          geluKernel,
	kernel.KindTranspose:     transposeKernel,
	kernel.KindMerge:         mergeKernel,
	kernel.KindAttentionMask: attentionMaskKernel,
	kernel.KindSplitHeads:    splitHeadsKernel,
	kernel.KindMergeHeads:    mergeHeadsKernel,
	kernel.KindEmbed:         embedKernel,
	kernel.KindConcatCols:    concatColsKernel,
}

// rows runs f for every (batch, row) of out.
func rows(out view, cfg parallel.Config, f func(b, r uint32)) {
	parallel.ForRows(int(out.shape.Batches), int(out.shape.Rows), func(b, r int) {
		f(uint32(b), uint32(r))
	}, cfg)
}

// each sets every element of out to f(b, r, c).
func each(out view, cfg parallel.Config, f func(b, r, c uint32) float32) {
	rows(out, cfg, func(b, r uint32) {
		for c := uint32(0); c < out.shape.Cols; c++ {
			out.set(b, r, c, f(b, r, c))
		}
	})
}

func copyKernel(_ kernel.Descriptor, in []view, out view, cfg parallel.Config) {
	each(out, cfg, in[0].at)
}

func matmulKernel(desc kernel.Descriptor, in []view, out view, cfg parallel.Config) {
	a, b := in[0], in[1]
	each(out, cfg, func(batch, row, col uint32) float32 {
		var value float32
		for i := uint32(0); i < a.shape.Cols; i++ {
			value += a.at(batch, row, i) * b.at(batch, i, col)
		}
		if desc.Bias {
			value += in[2].at(batch, row, col)
		}
		return value
	})
}

func layerNormKernel(_ kernel.Descriptor, in []view, out view, cfg parallel.Config) {
	x, scale, bias := in[0], in[1], in[2]
	cols := x.shape.Cols
	rows(out, cfg, func(b, r uint32) {
		var mean float32
		for i := uint32(0); i < cols; i++ {
			mean += x.at(b, r, i)
		}
		mean /= float32(cols)

		var variance float32
		for i := uint32(0); i < cols; i++ {
			d := x.at(b, r, i) - mean
			variance += d * d
		}
		variance /= float32(cols)
		std := float32(math.Sqrt(float64(variance + kernel.LayerNormEpsilon)))

		for c := uint32(0); c < out.shape.Cols; c++ {
			out.set(b, r, c, (x.at(b, r, c)-mean)/std*scale.at(b, r, c)+bias.at(b, r, c))
		}
	})
}

func softmaxKernel(_ kernel.Descriptor, in []view, out view, cfg parallel.Config) {
	x := in[0]
	rows(out, cfg, func(b, r uint32) {
		rowMax := x.at(b, r, 0)
		for c := uint32(1); c < out.shape.Cols; c++ {
			rowMax = max(rowMax, x.at(b, r, c))
		}

		var sum float32
		for c := uint32(0); c < out.shape.Cols; c++ {
			e := float32(math.Exp(float64(x.at(b, r, c) - rowMax)))
			sum += e
			out.set(b, r, c, e)
		}
		for c := uint32(0); c < out.shape.Cols; c++ {
			out.set(b, r, c, out.at(b, r, c)/sum)
		}
	})
}

func geluKernel(_ kernel.Descriptor, in []view, out view, cfg parallel.Config) {
	each(out, cfg, func(b, r, c uint32) float32 {
		x := in[0].at(b, r, c)
		return 0.5 * x * (1 + float32(math.Tanh(float64(0.797884*(x+0.044715*x*x*x)))))
	})
}

func transposeKernel(_ kernel.Descriptor, in []view, out view, cfg parallel.Config) {
	each(out, cfg, func(b, r, c uint32) float32 {
		return in[0].at(b, c, r)
	})
}

func mergeKernel(desc kernel.Descriptor, in []view, out view, cfg parallel.Config) {
	var f func(x, y float32) float32
	switch desc.Method {
	case kernel.Add:
		f = func(x, y float32) float32 { return x + y }
	case kernel.Sub:
		f = func(x, y float32) float32 { return x - y }
	case kernel.Mul:
		f = func(x, y float32) float32 { return x * y }
	case kernel.Div:
		f = func(x, y float32) float32 { return x / y }
	case kernel.Min:
		f = func(x, y float32) float32 { return min(x, y) }
	case kernel.Max:
		f = func(x, y float32) float32 { return max(x, y) }
	default:
		panic(fmt.Sprintf("cpu: unknown merge method %s", desc.Method))
	}
	each(out, cfg, func(b, r, c uint32) float32 {
		return f(in[0].at(b, r, c), in[1].at(b, r, c))
	})
}

func attentionMaskKernel(_ kernel.Descriptor, in []view, out view, cfg parallel.Config) {
	each(out, cfg, func(b, r, c uint32) float32 {
		if r < c {
			return kernel.MaskValue
		}
		return in[0].at(b, r, c)
	})
}

func splitHeadsKernel(_ kernel.Descriptor, in []view, out view, cfg parallel.Config) {
	each(out, cfg, func(b, r, c uint32) float32 {
		return in[0].at(0, r, b*out.shape.Cols+c)
	})
}

func mergeHeadsKernel(_ kernel.Descriptor, in []view, out view, cfg parallel.Config) {
	headCols := in[0].shape.Cols
	each(out, cfg, func(b, r, c uint32) float32 {
		return in[0].at(c/headCols, r, c%headCols)
	})
}

func embedKernel(_ kernel.Descriptor, in []view, out view, cfg parallel.Config) {
	ids, chunk1, chunk2 := in[0], in[1], in[2]
	each(out, cfg, func(b, r, c uint32) float32 {
		key := tokenKey(ids.at(b, 0, r))
		if key < chunk1.shape.Rows {
			return chunk1.at(0, key, c)
		}
		return chunk2.at(0, key-chunk1.shape.Rows, c)
	})
}

// tokenKey converts a token id stored as float32 to an index, saturating
// like the WGSL u32() conversion.
func tokenKey(x float32) uint32 {
	switch {
	case !(x > 0):
		return 0
	case x >= math.MaxUint32:
		return math.MaxUint32
	default:
		return uint32(x)
	}
}

func concatColsKernel(_ kernel.Descriptor, in []view, out view, cfg parallel.Config) {
	a, b := in[0], in[1]
	each(out, cfg, func(batch, r, c uint32) float32 {
		if c < a.shape.Cols {
			return a.at(batch, r, c)
		}
		return b.at(batch, r, c-a.shape.Cols)
	})
}
