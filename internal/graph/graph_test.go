package graph

import (
	"context"
	"strings"
	"testing"

	"github.com/born-ml/wgt/internal/backend/cpu"
	"github.com/born-ml/wgt/internal/kernel"
	"github.com/born-ml/wgt/internal/logger"
	"github.com/born-ml/wgt/internal/tensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRuntime(t *testing.T) (*Runtime, *cpu.Device) {
	t.Helper()
	dev := cpu.New()
	return NewRuntime(dev, WithLogger(logger.Nop())), dev
}

func leaf(t *testing.T, rt *Runtime, b, r, c uint32) *DeviceTensor {
	t.Helper()
	node, err := NewDeviceTensor(rt, tensor.MustShape(b, r, c))
	require.NoError(t, err)
	return node.SetLabel("input")
}

func identity(t *testing.T, rt *Runtime, in *DeviceTensor) *DeviceTensor {
	t.Helper()
	out, err := Apply(rt, kernel.Copy(in.Shape()), in.Shape(), in)
	require.NoError(t, err)
	return out
}

func matmul(t *testing.T, rt *Runtime, a, b *DeviceTensor) *DeviceTensor {
	t.Helper()
	shape := tensor.MustShape(max(a.Shape().Batches, b.Shape().Batches), a.Shape().Rows, b.Shape().Cols)
	out, err := Apply(rt, kernel.MatMul(shape, false), shape, a, b)
	require.NoError(t, err)
	return out
}

func merge(t *testing.T, rt *Runtime, a, b *DeviceTensor) *DeviceTensor {
	t.Helper()
	out, err := Apply(rt, kernel.Merge(a.Shape(), kernel.Add), a.Shape(), a, b)
	require.NoError(t, err)
	return out
}

func ids(cmds []Command) []uint64 {
	out := make([]uint64, len(cmds))
	for i, c := range cmds {
		out[i] = c.ID()
	}
	return out
}

func position(t *testing.T, cmds []Command, cmd Command) int {
	t.Helper()
	pos := -1
	for i, c := range cmds {
		if c.ID() == cmd.ID() {
			require.Equal(t, -1, pos, "command %s listed twice", cmd.Label())
			pos = i
		}
	}
	require.NotEqual(t, -1, pos, "command %s missing", cmd.Label())
	return pos
}

func matrix(t *testing.T, rows [][]float32) *tensor.Tensor {
	t.Helper()
	m, err := tensor.FromMatrix(rows)
	require.NoError(t, err)
	return m
}

func TestDependencies_ProducersFirst(t *testing.T) {
	rt, _ := newTestRuntime(t)

	in := leaf(t, rt, 1, 2, 2)
	a := identity(t, rt, in)
	b := identity(t, rt, a)
	c := identity(t, rt, a)
	d := merge(t, rt, b, c)

	deps := d.Dependencies()
	require.Len(t, deps, 5)
	assert.Equal(t, []*DeviceTensor{in, a, b, c, d}, deps)

	pos := make(map[uint64]int)
	for i, node := range deps {
		_, dup := pos[node.ID()]
		require.False(t, dup, "node %d listed twice", node.ID())
		pos[node.ID()] = i
	}
	for _, node := range deps {
		for _, parent := range node.inputs() {
			assert.Less(t, pos[parent.ID()], pos[node.ID()])
		}
	}

	assert.Equal(t, []*DeviceTensor{in}, in.Dependencies())
}

func TestDependencies_DeepChain(t *testing.T) {
	rt, _ := newTestRuntime(t)

	in := leaf(t, rt, 1, 1, 1)
	node := in
	for i := 0; i < 2000; i++ {
		node = identity(t, rt, node)
	}

	deps := node.Dependencies()
	require.Len(t, deps, 2001)
	assert.Same(t, in, deps[0])
	assert.Same(t, node, deps[len(deps)-1])
}

func TestSourceCommands(t *testing.T) {
	rt, _ := newTestRuntime(t)

	in := leaf(t, rt, 1, 1, 3)
	a := identity(t, rt, in)
	b := identity(t, rt, a)

	assert.Empty(t, in.SourceCommands(), "a leaf has no producer")
	assert.Equal(t, []uint64{a.SourceOp().ID(), b.SourceOp().ID()}, ids(b.SourceCommands()))

	require.NoError(t, b.MarkAsReadable())
	cmds := b.SourceCommands()
	require.Len(t, cmds, 3)
	assert.IsType(t, &CopyCommand{}, cmds[2])
}

func TestGraph_SharedAncestorRunsOnce(t *testing.T) {
	rt, _ := newTestRuntime(t)

	in := leaf(t, rt, 1, 2, 2)
	opA := identity(t, rt, in)
	opB := identity(t, rt, opA)
	opC := identity(t, rt, opA)

	g, err := New(rt, []*DeviceTensor{in}, []*DeviceTensor{opB, opC})
	require.NoError(t, err)

	cmds := g.Commands()
	require.Len(t, cmds, 5, "three ops and two readbacks")

	a := position(t, cmds, opA.SourceOp())
	assert.Less(t, a, position(t, cmds, opB.SourceOp()))
	assert.Less(t, a, position(t, cmds, opC.SourceOp()))
}

func TestGraph_DuplicateOutputs(t *testing.T) {
	rt, _ := newTestRuntime(t)

	in := leaf(t, rt, 1, 2, 2)
	x := identity(t, rt, identity(t, rt, in))

	single, err := New(rt, []*DeviceTensor{in}, []*DeviceTensor{x})
	require.NoError(t, err)
	double, err := New(rt, []*DeviceTensor{in}, []*DeviceTensor{x, x})
	require.NoError(t, err)

	assert.Equal(t, ids(single.Commands()), ids(double.Commands()))

	data := matrix(t, [][]float32{{1, 2}, {3, 4}})
	out, err := double.Run(context.Background(), []*tensor.Tensor{data})
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, data.Bytes(), out[0].Bytes())
	assert.Equal(t, data.Bytes(), out[1].Bytes())
}

func TestGraph_ScenarioPassThrough(t *testing.T) {
	rt, _ := newTestRuntime(t)

	in := leaf(t, rt, 1, 2, 3)
	g, err := New(rt, []*DeviceTensor{in}, []*DeviceTensor{in})
	require.NoError(t, err)
	defer g.Destroy()

	assert.Equal(t, []string{"readback input"}, g.Recipe())

	data := matrix(t, [][]float32{{1, 2, 3}, {4, 5, 6}})
	out, err := g.Run(context.Background(), []*tensor.Tensor{data})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, data.Nested(), out[0].Nested())
	assert.Equal(t, data.Bytes(), out[0].Bytes())
}

func TestGraph_ScenarioChainedMatMul(t *testing.T) {
	rt, _ := newTestRuntime(t)
	ctx := context.Background()

	a := leaf(t, rt, 1, 2, 3)
	b := leaf(t, rt, 1, 3, 2)
	m1 := matmul(t, rt, a, b).SetLabel("m1")
	m2 := matmul(t, rt, m1, m1).SetLabel("m2")

	assert.Equal(t, tensor.MustShape(1, 2, 2), m1.Shape())
	assert.Equal(t, tensor.MustShape(1, 2, 2), m2.Shape())

	g, err := New(rt, []*DeviceTensor{a, b}, []*DeviceTensor{m1, m2})
	require.NoError(t, err)
	defer g.Destroy()

	assert.Equal(t, []string{"matmul", "readback m1", "matmul", "readback m2"}, g.Recipe())

	out, err := g.Run(ctx, []*tensor.Tensor{
		matrix(t, [][]float32{{1, 2, 3}, {4, 5, 6}}),
		matrix(t, [][]float32{{7, 8}, {9, 10}, {11, 12}}),
	})
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, [][][]float32{{{58, 64}, {139, 154}}}, out[0].Nested())
	assert.Equal(t, [][][]float32{{{12260, 13568}, {29468, 32612}}}, out[1].Nested())

	// A second run with fresh inputs reuses the compiled commands.
	out, err = g.Run(ctx, []*tensor.Tensor{
		matrix(t, [][]float32{{1, 0, 0}, {0, 1, 0}}),
		matrix(t, [][]float32{{1, 2}, {3, 4}, {5, 6}}),
	})
	require.NoError(t, err)
	assert.Equal(t, [][][]float32{{{1, 2}, {3, 4}}}, out[0].Nested())
	assert.Equal(t, [][][]float32{{{7, 10}, {15, 22}}}, out[1].Nested())
}

func TestDeviceTensor_WritePrecondition(t *testing.T) {
	rt, _ := newTestRuntime(t)
	ctx := context.Background()

	in := leaf(t, rt, 1, 3, 2)
	err := in.Write(matrix(t, [][]float32{{1, 2, 3}, {4, 5, 6}}))
	assert.ErrorIs(t, err, ErrShapeMismatch)

	out := identity(t, rt, in)
	g, err := New(rt, nil, []*DeviceTensor{out})
	require.NoError(t, err)

	data := matrix(t, [][]float32{{1, 2}, {3, 4}, {5, 6}})
	require.NoError(t, in.Write(data))

	res, err := g.Run(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, data.Values(), res[0].Values())

	read, err := out.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, data.Values(), read.Values())
}

func TestDeviceTensor_ReadWithoutMark(t *testing.T) {
	rt, _ := newTestRuntime(t)

	node := leaf(t, rt, 1, 1, 1)
	assert.False(t, node.IsReadable())

	_, err := node.Read(context.Background())
	assert.ErrorIs(t, err, ErrNotReadable)
}

func TestDeviceTensor_MarkAsReadableOnce(t *testing.T) {
	rt, _ := newTestRuntime(t)

	node := leaf(t, rt, 1, 1, 1)
	require.NoError(t, node.MarkAsReadable())
	first := node.SourceCommands()

	require.NoError(t, node.MarkAsReadable())
	assert.Equal(t, ids(first), ids(node.SourceCommands()))
	assert.Equal(t, int64(2), rt.LiveBuffers(), "one node buffer and one staging buffer")
}

func TestGraph_DestroyTwice(t *testing.T) {
	rt, dev := newTestRuntime(t)

	a := leaf(t, rt, 1, 2, 3)
	b := leaf(t, rt, 1, 3, 2)
	m1 := matmul(t, rt, a, b)
	m2 := matmul(t, rt, m1, m1)
	other := merge(t, rt, m2, m1)

	g, err := New(rt, []*DeviceTensor{a, b}, []*DeviceTensor{m2, other, m1})
	require.NoError(t, err)

	g.Destroy()
	g.Destroy()

	s := dev.Stats()
	assert.Zero(t, s.DoubleReleases)
	assert.Zero(t, s.LiveBuffers)
	assert.Zero(t, s.LivePipelines)
	assert.Zero(t, s.LiveBindGroups)
	assert.Zero(t, rt.LiveBuffers())

	_, err = g.Run(context.Background(), []*tensor.Tensor{tensor.Zeros(a.Shape()), tensor.Zeros(b.Shape())})
	assert.ErrorIs(t, err, ErrDestroyed)

	assert.ErrorIs(t, a.Write(tensor.Zeros(a.Shape())), ErrDestroyed)
	_, err = m2.Read(context.Background())
	assert.ErrorIs(t, err, ErrDestroyed)
}

func TestDeviceTensor_DestroyNonRecursive(t *testing.T) {
	rt, dev := newTestRuntime(t)

	in := leaf(t, rt, 1, 1, 1)
	out := identity(t, rt, in)

	out.Destroy(false)
	out.Destroy(false)

	assert.True(t, out.IsDestroyed())
	assert.False(t, in.IsDestroyed())
	assert.Equal(t, 1, dev.Stats().LiveBuffers)
	assert.Zero(t, dev.Stats().DoubleReleases)

	_, err := Apply(rt, kernel.Copy(out.Shape()), out.Shape(), out)
	assert.ErrorIs(t, err, ErrDestroyed)
}

func TestGraph_RunInputErrors(t *testing.T) {
	rt, _ := newTestRuntime(t)
	ctx := context.Background()

	in := leaf(t, rt, 1, 1, 2)
	g, err := New(rt, []*DeviceTensor{in}, []*DeviceTensor{identity(t, rt, in)})
	require.NoError(t, err)

	_, err = g.Run(ctx, nil)
	assert.ErrorIs(t, err, ErrInputCount)

	_, err = g.Run(ctx, []*tensor.Tensor{tensor.Ones(tensor.MustShape(1, 2, 1))})
	assert.ErrorIs(t, err, ErrShapeMismatch)

	// Input errors are local; the graph still runs.
	out, err := g.Run(ctx, []*tensor.Tensor{tensor.Full(in.Shape(), 2)})
	require.NoError(t, err)
	assert.Equal(t, []float32{2, 2}, out[0].Values())
}

func TestGraph_DeviceLost(t *testing.T) {
	rt, dev := newTestRuntime(t)
	ctx := context.Background()

	in := leaf(t, rt, 1, 1, 1)
	g, err := New(rt, []*DeviceTensor{in}, []*DeviceTensor{identity(t, rt, in)})
	require.NoError(t, err)

	dev.Lose()

	inputs := []*tensor.Tensor{tensor.Ones(in.Shape())}
	_, err = g.Run(ctx, inputs)
	assert.ErrorIs(t, err, ErrDeviceLost)

	_, err = g.Run(ctx, inputs)
	assert.ErrorIs(t, err, ErrDeviceLost)

	g.Destroy()
	assert.Zero(t, dev.Stats().LiveBuffers)
}

func TestGraph_RunCanceled(t *testing.T) {
	rt, _ := newTestRuntime(t)

	in := leaf(t, rt, 1, 1, 1)
	g, err := New(rt, []*DeviceTensor{in}, []*DeviceTensor{identity(t, rt, in)})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = g.Run(ctx, []*tensor.Tensor{tensor.Ones(in.Shape())})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestApply_CleansUpOnFailure(t *testing.T) {
	rt, dev := newTestRuntime(t)

	in := leaf(t, rt, 1, 1, 1)
	before := rt.LiveBuffers()

	_, err := Apply(rt, kernel.MatMul(in.Shape(), false), in.Shape(), in)
	assert.ErrorIs(t, err, ErrBindingCount)
	assert.Equal(t, before, rt.LiveBuffers())
	assert.Zero(t, dev.Stats().LivePipelines)

	_, err = Apply(rt, kernel.Copy(in.Shape()), tensor.Shape{}, in)
	assert.ErrorIs(t, err, tensor.ErrInvalidShape)
	assert.Equal(t, before, rt.LiveBuffers())
}

func TestNewOp_OutputWithProducer(t *testing.T) {
	rt, _ := newTestRuntime(t)

	in := leaf(t, rt, 1, 1, 1)
	out := identity(t, rt, in)

	_, err := NewOp(rt, kernel.Copy(in.Shape()), []*DeviceTensor{in}, []*DeviceTensor{out})
	assert.ErrorIs(t, err, ErrHasProducer)
}

func TestHandles_Unique(t *testing.T) {
	rt, _ := newTestRuntime(t)

	in := leaf(t, rt, 1, 1, 1)
	a := identity(t, rt, in)
	b := identity(t, rt, in)
	require.NoError(t, a.MarkAsReadable())

	handles := []uint64{in.ID(), a.ID(), b.ID(), a.SourceOp().ID(), b.SourceOp().ID()}
	handles = append(handles, ids(a.SourceCommands())...)

	seen := make(map[uint64]int)
	for _, h := range handles {
		seen[h]++
	}
	// a's op appears in both lists; everything else is distinct.
	assert.Equal(t, 2, seen[a.SourceOp().ID()])
	assert.Len(t, seen, 6)

	// Two structurally identical ops over the same input are distinct.
	assert.NotEqual(t, a.SourceOp().ID(), b.SourceOp().ID())
}

func TestGraph_Dot(t *testing.T) {
	rt, _ := newTestRuntime(t)

	x := leaf(t, rt, 1, 2, 2)
	w := leaf(t, rt, 1, 2, 2).SetLabel("weights")
	y := matmul(t, rt, x, w)
	z := identity(t, rt, y)

	g, err := New(rt, []*DeviceTensor{x}, []*DeviceTensor{z})
	require.NoError(t, err)

	dot := g.Dot()
	assert.True(t, strings.HasPrefix(dot, "digraph G {"))
	assert.Contains(t, dot, `[label="input (1, 2, 2)", `+styleInput+`]`)
	assert.Contains(t, dot, `[label="weights (1, 2, 2)", `+styleLeaf+`]`)
	assert.Contains(t, dot, `[label="matmul (1, 2, 2)", `+styleOp+`]`)
	assert.Contains(t, dot, `[label="identity (1, 2, 2)", `+styleOutput+`]`)
	assert.Equal(t, 3, strings.Count(dot, "->"))
}
