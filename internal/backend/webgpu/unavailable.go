//go:build !windows

package webgpu

import (
	"context"
	"fmt"
	"runtime"

	"github.com/born-ml/wgt/internal/device"
	"github.com/born-ml/wgt/internal/kernel"
)

// PoolStats reports staging buffer reuse.
type PoolStats struct {
	Allocated uint64
	Released  uint64
	Hits      uint64
	Misses    uint64
	Pooled    int
}

// Device is never constructed on this platform.
type Device struct{}

var _ device.Device = (*Device)(nil)

var errUnsupported = fmt.Errorf("%w: webgpu backend is not built for %s", device.ErrDeviceUnavailable, runtime.GOOS)

// New always fails with device.ErrDeviceUnavailable.
func New() (*Device, error) { return nil, errUnsupported }

// IsAvailable reports false.
func IsAvailable() bool { return false }

func (d *Device) Name() string { return Name }

func (d *Device) PoolStats() PoolStats { return PoolStats{} }

func (d *Device) CreateBuffer(uint64, device.BufferUsage, []byte) (device.Buffer, error) {
	return nil, errUnsupported
}

func (d *Device) WriteBuffer(device.Buffer, []byte) error { return errUnsupported }

func (d *Device) CreatePipeline(kernel.Descriptor) (device.Pipeline, error) {
	return nil, errUnsupported
}

func (d *Device) CreateBindGroup(device.Pipeline, []device.Buffer) (device.BindGroup, error) {
	return nil, errUnsupported
}

func (d *Device) NewEncoder() device.Encoder { return nopEncoder{} }

func (d *Device) Submit(context.Context, device.Encoder) error { return errUnsupported }

func (d *Device) MapRead(context.Context, device.Buffer) ([]byte, error) {
	return nil, errUnsupported
}

func (d *Device) Release() {}

type nopEncoder struct{}

func (nopEncoder) Dispatch(device.Pipeline, device.BindGroup, [3]uint32) {}

func (nopEncoder) CopyBufferToBuffer(device.Buffer, device.Buffer, uint64) {}
