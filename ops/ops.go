// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package ops creates graph nodes: parameters, inputs, the built-in
// kernels and the transformer layers composed from them.
//
// Every constructor checks shapes first and returns
// tensor.ErrShapeMismatch without allocating on a mismatch.
package ops

import (
	"github.com/born-ml/wgt/graph"
	"github.com/born-ml/wgt/internal/kernel"
	"github.com/born-ml/wgt/internal/ops"
	"github.com/born-ml/wgt/tensor"
)

// MergeMethod selects the elementwise function of Merge.
type MergeMethod = kernel.MergeMethod

// Merge methods.
const (
	Add = kernel.Add
	Sub = kernel.Sub
	Mul = kernel.Mul
	Div = kernel.Div
)

// Layer parameter types.
type (
	LinearParams      = ops.LinearParams
	LayerNormParams   = ops.LayerNormParams
	AttentionParams   = ops.AttentionParams
	FeedForwardParams = ops.FeedForwardParams
	BlockParams       = ops.BlockParams
)

// Input allocates a leaf written before each run.
func Input(rt *graph.Runtime, shape tensor.Shape) (*graph.DeviceTensor, error) {
	return ops.Input(rt, shape)
}

// Parameter allocates a leaf holding value.
func Parameter(rt *graph.Runtime, value *tensor.Tensor, label string) (*graph.DeviceTensor, error) {
	return ops.Parameter(rt, value, label)
}

// Scalar allocates a (1, 1, 1) parameter.
func Scalar(rt *graph.Runtime, value float32, label string) (*graph.DeviceTensor, error) {
	return ops.Scalar(rt, value, label)
}

// Identity copies x.
func Identity(rt *graph.Runtime, x *graph.DeviceTensor) (*graph.DeviceTensor, error) {
	return ops.Identity(rt, x)
}

// MatMul returns x @ y.
func MatMul(rt *graph.Runtime, x, y *graph.DeviceTensor) (*graph.DeviceTensor, error) {
	return ops.MatMul(rt, x, y)
}

// Gemm returns x @ y + bias.
func Gemm(rt *graph.Runtime, x, y, bias *graph.DeviceTensor) (*graph.DeviceTensor, error) {
	return ops.Gemm(rt, x, y, bias)
}

// Linear returns x @ p.Weights + p.Bias.
func Linear(rt *graph.Runtime, x *graph.DeviceTensor, p LinearParams) (*graph.DeviceTensor, error) {
	return ops.Linear(rt, x, p)
}

// LayerNorm normalises every row of x.
func LayerNorm(rt *graph.Runtime, x *graph.DeviceTensor, p LayerNormParams) (*graph.DeviceTensor, error) {
	return ops.LayerNorm(rt, x, p)
}

// Softmax applies a softmax over every row of x.
func Softmax(rt *graph.Runtime, x *graph.DeviceTensor) (*graph.DeviceTensor, error) {
	return ops.Softmax(rt, x)
}

// GELU applies the GELU activation elementwise.
func GELU(rt *graph.Runtime, x *graph.DeviceTensor) (*graph.DeviceTensor, error) {
	return ops.GELU(rt, x)
}

// Transpose swaps rows and cols.
func Transpose(rt *graph.Runtime, x *graph.DeviceTensor) (*graph.DeviceTensor, error) {
	return ops.Transpose(rt, x)
}

// Merge combines x and y elementwise.
func Merge(rt *graph.Runtime, x, y *graph.DeviceTensor, method MergeMethod) (*graph.DeviceTensor, error) {
	return ops.Merge(rt, x, y, method)
}

// AttentionMask masks scores whose key column comes after the query row.
func AttentionMask(rt *graph.Runtime, x *graph.DeviceTensor) (*graph.DeviceTensor, error) {
	return ops.AttentionMask(rt, x)
}

// SelfAttention returns causal multi-head self-attention over x.
func SelfAttention(rt *graph.Runtime, x *graph.DeviceTensor, p AttentionParams, heads int) (*graph.DeviceTensor, error) {
	return ops.SelfAttention(rt, x, p, heads)
}

// FeedForward returns linear2(gelu(linear1(x))).
func FeedForward(rt *graph.Runtime, x *graph.DeviceTensor, p FeedForwardParams) (*graph.DeviceTensor, error) {
	return ops.FeedForward(rt, x, p)
}

// Block returns a pre-norm transformer block.
func Block(rt *graph.Runtime, x *graph.DeviceTensor, p BlockParams, heads int) (*graph.DeviceTensor, error) {
	return ops.Block(rt, x, p, heads)
}

// SplitHeads reshapes (1, L, D) into (heads, L, D/heads).
func SplitHeads(rt *graph.Runtime, x *graph.DeviceTensor, heads int) (*graph.DeviceTensor, error) {
	return ops.SplitHeads(rt, x, heads)
}

// MergeHeads is the inverse of SplitHeads.
func MergeHeads(rt *graph.Runtime, x *graph.DeviceTensor) (*graph.DeviceTensor, error) {
	return ops.MergeHeads(rt, x)
}

// Embed gathers the rows of a table split in two chunks by token id.
func Embed(rt *graph.Runtime, ids, chunk1, chunk2 *graph.DeviceTensor) (*graph.DeviceTensor, error) {
	return ops.Embed(rt, ids, chunk1, chunk2)
}

// DeEmbed projects x back onto the vocabulary of an embedding table.
func DeEmbed(rt *graph.Runtime, x, chunk1, chunk2 *graph.DeviceTensor) (*graph.DeviceTensor, error) {
	return ops.DeEmbed(rt, x, chunk1, chunk2)
}

// ConcatCols joins x and y along the column axis.
func ConcatCols(rt *graph.Runtime, x, y *graph.DeviceTensor, label string) (*graph.DeviceTensor, error) {
	return ops.ConcatCols(rt, x, y, label)
}
