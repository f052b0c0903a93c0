package tensor

import (
	"fmt"
	"math/bits"
)

// HeaderBytes is the size of the shape header that precedes every tensor
// payload: batches, rows and cols as little-endian uint32.
const HeaderBytes = 3 * 4

// elementBytes is the size of one float32 payload element.
const elementBytes = 4

// MaxElements bounds the element count of a valid shape (4 GiB of
// payload). It keeps SizeBytes and NumElements free of overflow.
const MaxElements = 1 << 30

// Shape represents the three extents of a tensor: batches, rows and cols.
//
// A Shape with an extent of 1 along an axis can be read at any index along
// that axis (see Index), which is how kernels broadcast biases and scalars.
type Shape struct {
	Batches uint32
	Rows    uint32
	Cols    uint32
}

// NewShape returns a validated shape.
func NewShape(batches, rows, cols uint32) (Shape, error) {
	s := Shape{Batches: batches, Rows: rows, Cols: cols}
	if err := s.Validate(); err != nil {
		return Shape{}, err
	}
	return s, nil
}

// MustShape is like NewShape but panics on an invalid shape.
// Intended for literals in tests and model definitions.
func MustShape(batches, rows, cols uint32) Shape {
	s, err := NewShape(batches, rows, cols)
	if err != nil {
		panic(err)
	}
	return s
}

// Validate checks that every extent is at least 1 and that the element
// count does not exceed MaxElements.
func (s Shape) Validate() error {
	if s.Batches == 0 || s.Rows == 0 || s.Cols == 0 {
		return fmt.Errorf("%w: %s (all extents must be >= 1)", ErrInvalidShape, s)
	}
	hi, n := bits.Mul64(uint64(s.Batches), uint64(s.Rows))
	if hi == 0 && n <= MaxElements {
		hi, n = bits.Mul64(n, uint64(s.Cols))
	}
	if hi != 0 || n > MaxElements {
		return fmt.Errorf("%w: %s holds more than %d elements", ErrInvalidShape, s, MaxElements)
	}
	return nil
}

// NumElements returns batches*rows*cols.
func (s Shape) NumElements() int {
	return int(s.Batches) * int(s.Rows) * int(s.Cols)
}

// SizeBytes returns the number of bytes of a tensor of this shape,
// header included. The result is exact for shapes that pass Validate.
func (s Shape) SizeBytes() uint64 {
	return HeaderBytes + elementBytes*uint64(s.Batches)*uint64(s.Rows)*uint64(s.Cols)
}

// Equal reports whether all three extents match exactly.
// Broadcast-compatible shapes are not equal.
func (s Shape) Equal(other Shape) bool {
	return s.Batches == other.Batches && s.Rows == other.Rows && s.Cols == other.Cols
}

// Index returns the flat payload index of (batch, row, col).
// Each coordinate is clamped to extent-1 so an axis of extent 1 reads as
// if it were spread along any larger extent.
func (s Shape) Index(batch, row, col uint32) int {
	batch = min(batch, s.Batches-1)
	row = min(row, s.Rows-1)
	col = min(col, s.Cols-1)
	return int(batch)*int(s.Rows)*int(s.Cols) + int(row)*int(s.Cols) + int(col)
}

// String returns the shape as (batches, rows, cols).
func (s Shape) String() string {
	return fmt.Sprintf("(%d, %d, %d)", s.Batches, s.Rows, s.Cols)
}
