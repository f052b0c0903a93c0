// Package tensor provides the host-side tensor value and its shape.
//
// A Tensor is a byte buffer laid out exactly as it is stored on the device:
// a 12-byte little-endian header (batches, rows, cols as uint32) followed by
// a row-major float32 payload. The same bytes are written to device
// buffers, read back from staging buffers, and stored in weight files.
package tensor

import (
	"encoding/binary"
	"fmt"
	"math"
	"math/rand"
)

// Tensor is an immutable host tensor.
type Tensor struct {
	buf []byte
}

// newTensor allocates a tensor of the given shape with a stamped header
// and a zero payload.
func newTensor(shape Shape) *Tensor {
	buf := make([]byte, shape.SizeBytes())
	PutHeader(buf, shape)
	return &Tensor{buf: buf}
}

// PutHeader writes the shape header into the first HeaderBytes of buf.
func PutHeader(buf []byte, shape Shape) {
	binary.LittleEndian.PutUint32(buf[0:4], shape.Batches)
	binary.LittleEndian.PutUint32(buf[4:8], shape.Rows)
	binary.LittleEndian.PutUint32(buf[8:12], shape.Cols)
}

// ParseHeader decodes the shape header at the start of buf.
func ParseHeader(buf []byte) (Shape, error) {
	if len(buf) < HeaderBytes {
		return Shape{}, fmt.Errorf("%w: %d bytes is shorter than the header", ErrMalformed, len(buf))
	}
	shape := Shape{
		Batches: binary.LittleEndian.Uint32(buf[0:4]),
		Rows:    binary.LittleEndian.Uint32(buf[4:8]),
		Cols:    binary.LittleEndian.Uint32(buf[8:12]),
	}
	if err := shape.Validate(); err != nil {
		return Shape{}, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	return shape, nil
}

// FromBytes parses a tensor from its boundary byte layout.
// The bytes are copied.
func FromBytes(data []byte) (*Tensor, error) {
	shape, err := ParseHeader(data)
	if err != nil {
		return nil, err
	}
	if uint64(len(data)) != shape.SizeBytes() {
		return nil, fmt.Errorf("%w: shape %s needs %d bytes, got %d",
			ErrMalformed, shape, shape.SizeBytes(), len(data))
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	return &Tensor{buf: buf}, nil
}

// FromValues creates a tensor of the given shape from a row-major payload.
func FromValues(shape Shape, values []float32) (*Tensor, error) {
	if err := shape.Validate(); err != nil {
		return nil, err
	}
	if len(values) != shape.NumElements() {
		return nil, fmt.Errorf("%w: shape %s holds %d values, got %d",
			ErrShapeMismatch, shape, shape.NumElements(), len(values))
	}
	t := newTensor(shape)
	payload := t.buf[HeaderBytes:]
	for i, v := range values {
		binary.LittleEndian.PutUint32(payload[i*elementBytes:], math.Float32bits(v))
	}
	return t, nil
}

// Full returns a tensor with every element set to value.
// It panics if shape is invalid.
func Full(shape Shape, value float32) *Tensor {
	if err := shape.Validate(); err != nil {
		panic(err)
	}
	t := newTensor(shape)
	if value != 0 {
		bits := math.Float32bits(value)
		payload := t.buf[HeaderBytes:]
		for i := 0; i < shape.NumElements(); i++ {
			binary.LittleEndian.PutUint32(payload[i*elementBytes:], bits)
		}
	}
	return t
}

// Zeros returns a zero-filled tensor.
func Zeros(shape Shape) *Tensor {
	return Full(shape, 0)
}

// Ones returns a tensor filled with 1.
func Ones(shape Shape) *Tensor {
	return Full(shape, 1)
}

// Random returns a tensor with values drawn uniformly from [-1, 1).
// A nil rng uses the global source.
func Random(shape Shape, rng *rand.Rand) *Tensor {
	if err := shape.Validate(); err != nil {
		panic(err)
	}
	next := rand.Float32
	if rng != nil {
		next = rng.Float32
	}
	t := newTensor(shape)
	payload := t.buf[HeaderBytes:]
	for i := 0; i < shape.NumElements(); i++ {
		binary.LittleEndian.PutUint32(payload[i*elementBytes:], math.Float32bits(next()*2-1))
	}
	return t
}

// Shape returns the tensor's shape.
func (t *Tensor) Shape() Shape {
	return Shape{
		Batches: binary.LittleEndian.Uint32(t.buf[0:4]),
		Rows:    binary.LittleEndian.Uint32(t.buf[4:8]),
		Cols:    binary.LittleEndian.Uint32(t.buf[8:12]),
	}
}

// EqualsShape reports whether the tensor has exactly the given shape.
func (t *Tensor) EqualsShape(shape Shape) bool {
	return t.Shape().Equal(shape)
}

// Bytes returns the boundary byte layout (header + payload).
// WARNING: the returned slice aliases the tensor and must not be modified.
func (t *Tensor) Bytes() []byte {
	return t.buf
}

// At returns the element at (batch, row, col), clamping each coordinate.
func (t *Tensor) At(batch, row, col uint32) float32 {
	i := t.Shape().Index(batch, row, col)
	return math.Float32frombits(binary.LittleEndian.Uint32(t.buf[HeaderBytes+i*elementBytes:]))
}

// Values returns a copy of the row-major payload.
func (t *Tensor) Values() []float32 {
	n := t.Shape().NumElements()
	values := make([]float32, n)
	payload := t.buf[HeaderBytes:]
	for i := range values {
		values[i] = math.Float32frombits(binary.LittleEndian.Uint32(payload[i*elementBytes:]))
	}
	return values
}

// Nested returns the payload as [batch][row][col].
func (t *Tensor) Nested() [][][]float32 {
	shape := t.Shape()
	values := t.Values()
	out := make([][][]float32, shape.Batches)
	i := 0
	for b := range out {
		out[b] = make([][]float32, shape.Rows)
		for r := range out[b] {
			out[b][r] = values[i : i+int(shape.Cols) : i+int(shape.Cols)]
			i += int(shape.Cols)
		}
	}
	return out
}

// String returns a short description, not the full payload.
func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor%s", t.Shape())
}
