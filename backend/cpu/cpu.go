// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package cpu provides the software compute device.
//
// Buffers are host byte slices and kernels are Go implementations that
// match the WGSL kernels result for result. The device counts every
// allocation and release, which makes it the reference backend for tests.
//
// Example:
//
//	dev := cpu.New()
//	rt := graph.NewRuntime(dev)
package cpu

import (
	"github.com/born-ml/wgt/internal/backend/cpu"
	"github.com/born-ml/wgt/internal/device"
	"github.com/born-ml/wgt/internal/parallel"
)

// Device is the software device.
type Device = cpu.Device

// Stats counts device resources.
type Stats = cpu.Stats

// Option configures a Device.
type Option = cpu.Option

// ParallelConfig controls how kernel rows are split across goroutines.
type ParallelConfig = parallel.Config

// Compile-time check that Device implements device.Device.
var _ device.Device = (*Device)(nil)

// New creates a software device.
func New(opts ...Option) *Device {
	return cpu.New(opts...)
}

// WithParallel sets the row parallelism of kernels.
func WithParallel(cfg ParallelConfig) Option {
	return cpu.WithParallel(cfg)
}

// DefaultParallel returns the default row parallelism.
func DefaultParallel() ParallelConfig {
	return parallel.DefaultConfig()
}
