// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package tensor is the public host tensor API of wgt.
//
// A Tensor is an immutable (batches, rows, cols) array of float32 stored in
// the byte layout shared with device buffers: a 12-byte little-endian
// header holding the three extents, followed by the row-major payload.
//
// Example:
//
//	x, err := tensor.FromMatrix([][]float32{{1, 2}, {3, 4}})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(x.Shape()) // (1, 2, 2)
package tensor

import (
	"io"
	"math/rand"

	"github.com/born-ml/wgt/internal/tensor"
)

// Tensor is an immutable host tensor.
type Tensor = tensor.Tensor

// Shape holds the extents of a tensor.
type Shape = tensor.Shape

// HeaderBytes is the size of the shape header preceding every payload.
const HeaderBytes = tensor.HeaderBytes

// Errors returned by tensor construction and parsing.
var (
	ErrShapeMismatch = tensor.ErrShapeMismatch
	ErrInvalidShape  = tensor.ErrInvalidShape
	ErrMalformed     = tensor.ErrMalformed
)

// NewShape returns a validated shape.
func NewShape(batches, rows, cols uint32) (Shape, error) {
	return tensor.NewShape(batches, rows, cols)
}

// MustShape is like NewShape but panics on an invalid shape.
func MustShape(batches, rows, cols uint32) Shape {
	return tensor.MustShape(batches, rows, cols)
}

// FromBytes parses a tensor from its byte layout.
func FromBytes(data []byte) (*Tensor, error) { return tensor.FromBytes(data) }

// FromValues creates a tensor from a row-major payload.
func FromValues(shape Shape, values []float32) (*Tensor, error) {
	return tensor.FromValues(shape, values)
}

// FromScalar returns a (1, 1, 1) tensor.
func FromScalar(v float32) *Tensor { return tensor.FromScalar(v) }

// FromVector returns a (1, 1, N) tensor.
func FromVector(v []float32) (*Tensor, error) { return tensor.FromVector(v) }

// FromMatrix returns a (1, R, C) tensor.
func FromMatrix(m [][]float32) (*Tensor, error) { return tensor.FromMatrix(m) }

// FromCube returns a (B, R, C) tensor.
func FromCube(c [][][]float32) (*Tensor, error) { return tensor.FromCube(c) }

// FromNested builds a tensor from a nested slice of numbers of depth 0-3.
func FromNested(v any) (*Tensor, error) { return tensor.FromNested(v) }

// Full returns a tensor with every element set to value.
func Full(shape Shape, value float32) *Tensor { return tensor.Full(shape, value) }

// Zeros returns a zero-filled tensor.
func Zeros(shape Shape) *Tensor { return tensor.Zeros(shape) }

// Ones returns a tensor filled with 1.
func Ones(shape Shape) *Tensor { return tensor.Ones(shape) }

// Random returns a tensor drawn uniformly from [-1, 1).
func Random(shape Shape, rng *rand.Rand) *Tensor { return tensor.Random(shape, rng) }

// ReadFrom reads one tensor from r.
func ReadFrom(r io.Reader) (*Tensor, error) { return tensor.ReadFrom(r) }
