package ops

import (
	"fmt"

	"github.com/born-ml/wgt/internal/tensor"
)

// spreads reports whether an axis of extent from can be read as extent to.
func spreads(from, to uint32) bool {
	return from == to || from == 1
}

// broadcastShape returns the shape two operands of an elementwise kernel
// spread to.
func broadcastShape(a, b tensor.Shape) (tensor.Shape, error) {
	out := tensor.Shape{
		Batches: max(a.Batches, b.Batches),
		Rows:    max(a.Rows, b.Rows),
		Cols:    max(a.Cols, b.Cols),
	}
	if !fits(a, out) || !fits(b, out) {
		return tensor.Shape{}, fmt.Errorf("%w: %s and %s do not broadcast", tensor.ErrShapeMismatch, a, b)
	}
	return out, nil
}

// fits reports whether s can be read at every coordinate of out.
func fits(s, out tensor.Shape) bool {
	return spreads(s.Batches, out.Batches) && spreads(s.Rows, out.Rows) && spreads(s.Cols, out.Cols)
}

func matmulShape(a, b tensor.Shape) (tensor.Shape, error) {
	if a.Cols != b.Rows {
		return tensor.Shape{}, fmt.Errorf("%w: matmul inner dimensions %s x %s", tensor.ErrShapeMismatch, a, b)
	}
	if !spreads(a.Batches, b.Batches) && !spreads(b.Batches, a.Batches) {
		return tensor.Shape{}, fmt.Errorf("%w: matmul batches %s x %s", tensor.ErrShapeMismatch, a, b)
	}
	return tensor.Shape{Batches: max(a.Batches, b.Batches), Rows: a.Rows, Cols: b.Cols}, nil
}

func transposeShape(s tensor.Shape) tensor.Shape {
	return tensor.Shape{Batches: s.Batches, Rows: s.Cols, Cols: s.Rows}
}

func splitHeadsShape(s tensor.Shape, heads int) (tensor.Shape, error) {
	if heads < 1 || s.Batches != 1 || s.Cols%uint32(heads) != 0 {
		return tensor.Shape{}, fmt.Errorf("%w: cannot split %s into %d heads", tensor.ErrShapeMismatch, s, heads)
	}
	return tensor.Shape{Batches: uint32(heads), Rows: s.Rows, Cols: s.Cols / uint32(heads)}, nil
}

func mergeHeadsShape(s tensor.Shape) tensor.Shape {
	return tensor.Shape{Batches: 1, Rows: s.Rows, Cols: s.Batches * s.Cols}
}

// embedShape checks ids (B, 1, L) against the two table chunks
// (1, V1, D) and (1, V2, D) and returns (B, L, D).
func embedShape(ids, chunk1, chunk2 tensor.Shape) (tensor.Shape, error) {
	if ids.Rows != 1 {
		return tensor.Shape{}, fmt.Errorf("%w: token ids %s must have one row", tensor.ErrShapeMismatch, ids)
	}
	if chunk1.Batches != 1 || chunk2.Batches != 1 || chunk1.Cols != chunk2.Cols {
		return tensor.Shape{}, fmt.Errorf("%w: embedding chunks %s and %s", tensor.ErrShapeMismatch, chunk1, chunk2)
	}
	return tensor.Shape{Batches: ids.Batches, Rows: ids.Cols, Cols: chunk1.Cols}, nil
}

func concatColsShape(a, b tensor.Shape) (tensor.Shape, error) {
	if a.Batches != b.Batches || a.Rows != b.Rows {
		return tensor.Shape{}, fmt.Errorf("%w: cannot concatenate cols of %s and %s", tensor.ErrShapeMismatch, a, b)
	}
	return tensor.Shape{Batches: a.Batches, Rows: a.Rows, Cols: a.Cols + b.Cols}, nil
}
