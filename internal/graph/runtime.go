// Package graph compiles a DAG of device tensors into an ordered list of
// device commands and runs it.
//
// Nodes (DeviceTensor) own one device buffer each and know the Op that
// produces them, if any. A Graph is built once from declared inputs and
// outputs: it walks producer edges back from every output, keeps each
// Command once (by handle, at its first position) and stages the outputs
// for readback. Run writes the inputs, records every command into a
// single encoder, submits once and reads the outputs back.
//
// Every constructor takes a Runtime, the explicit handle to the device the
// graph lives on.
package graph

import (
	"sync/atomic"

	"github.com/born-ml/wgt/internal/device"
	"github.com/born-ml/wgt/internal/logger"
)

// Runtime binds graph construction to a device.
type Runtime struct {
	dev device.Device
	log *logger.Logger

	handles     atomic.Uint64
	liveBuffers atomic.Int64
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithLogger sets the runtime logger. The default is the global logger.
func WithLogger(l *logger.Logger) Option {
	return func(rt *Runtime) {
		rt.log = l
	}
}

// NewRuntime returns a runtime that allocates on dev.
func NewRuntime(dev device.Device, opts ...Option) *Runtime {
	rt := &Runtime{dev: dev, log: logger.Log}
	for _, opt := range opts {
		opt(rt)
	}
	rt.log = rt.log.With("device", dev.Name())
	return rt
}

// Device returns the runtime's device.
func (rt *Runtime) Device() device.Device {
	return rt.dev
}

// Logger returns the runtime's logger.
func (rt *Runtime) Logger() *logger.Logger {
	return rt.log
}

// LiveBuffers returns the number of device buffers allocated through the
// runtime and not yet released.
func (rt *Runtime) LiveBuffers() int64 {
	return rt.liveBuffers.Load()
}

// nextHandle returns a fresh handle. Nodes and commands share the handle
// space; handles are never reused.
func (rt *Runtime) nextHandle() uint64 {
	return rt.handles.Add(1)
}

func (rt *Runtime) createBuffer(size uint64, usage device.BufferUsage, init []byte) (device.Buffer, error) {
	buf, err := rt.dev.CreateBuffer(size, usage, init)
	if err != nil {
		return nil, err
	}
	rt.liveBuffers.Add(1)
	return buf, nil
}

func (rt *Runtime) releaseBuffer(buf device.Buffer) {
	buf.Release()
	rt.liveBuffers.Add(-1)
}
