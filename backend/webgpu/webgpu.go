// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package webgpu provides the WebGPU compute device.
//
// On Windows the device runs on the high-performance adapter through
// go-webgpu. Elsewhere New fails with an error matching
// device.ErrDeviceUnavailable; callers fall back to the cpu package.
//
// Example:
//
//	gpu, err := webgpu.New()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer gpu.Release()
//	rt := graph.NewRuntime(gpu)
package webgpu

import (
	"github.com/born-ml/wgt/internal/backend/webgpu"
	"github.com/born-ml/wgt/internal/device"
)

// Device is the WebGPU device.
type Device = webgpu.Device

// PoolStats reports readback staging buffer reuse.
type PoolStats = webgpu.PoolStats

// ErrUnavailable matches the error New returns when WebGPU cannot be used.
var ErrUnavailable = device.ErrDeviceUnavailable

// New acquires a WebGPU device. Call Release when done.
func New() (*Device, error) {
	return webgpu.New()
}

// IsAvailable reports whether a WebGPU adapter can be acquired.
func IsAvailable() bool {
	return webgpu.IsAvailable()
}
