// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package graph builds and runs compute graphs on a device.
//
// Nodes are DeviceTensors: device buffers that are either leaves written
// from the host or outputs of an op. A Graph compiles the commands needed
// to produce its outputs once and replays them on every Run with a single
// submission.
//
// Example:
//
//	rt := graph.NewRuntime(cpu.New())
//	x, _ := ops.Input(rt, tensor.MustShape(1, 2, 3))
//	w, _ := ops.Parameter(rt, weights, "w")
//	y, _ := ops.MatMul(rt, x, w)
//
//	g, err := graph.New(rt, []*graph.DeviceTensor{x}, []*graph.DeviceTensor{y})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer g.Destroy()
//	out, err := g.Run(ctx, []*tensor.Tensor{input})
package graph

import (
	"github.com/born-ml/wgt/internal/device"
	"github.com/born-ml/wgt/internal/graph"
	"github.com/born-ml/wgt/internal/logger"
)

// Runtime owns a device and allocates node handles.
type Runtime = graph.Runtime

// Option configures a Runtime.
type Option = graph.Option

// DeviceTensor is a node of a compute graph.
type DeviceTensor = graph.DeviceTensor

// Graph is a compiled, reusable set of commands.
type Graph = graph.Graph

// Command is one recorded step of a graph.
type Command = graph.Command

// Errors returned by graph construction and execution.
var (
	ErrNotReadable   = graph.ErrNotReadable
	ErrDestroyed     = graph.ErrDestroyed
	ErrInputCount    = graph.ErrInputCount
	ErrBindingCount  = graph.ErrBindingCount
	ErrHasProducer   = graph.ErrHasProducer
	ErrShapeMismatch = graph.ErrShapeMismatch
	ErrDeviceLost    = graph.ErrDeviceLost
)

// NewRuntime wraps dev.
func NewRuntime(dev device.Device, opts ...Option) *Runtime {
	return graph.NewRuntime(dev, opts...)
}

// WithLogger sets the runtime logger.
func WithLogger(l *logger.Logger) Option {
	return graph.WithLogger(l)
}

// New compiles the commands producing outputs. inputs are the leaves
// written on every Run, in order.
func New(rt *Runtime, inputs, outputs []*DeviceTensor) (*Graph, error) {
	return graph.New(rt, inputs, outputs)
}
