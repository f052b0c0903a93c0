// Package device defines the execution backend consumed by the graph core.
//
// A Device owns buffers, compiled pipelines and bind groups. Work is
// recorded into an Encoder and executed in recording order by Submit.
// Buffers flagged UsageMapRead are staging buffers: the only ones whose
// contents can be read back on the host with MapRead.
package device

import (
	"context"
	"errors"
	"strings"

	"github.com/born-ml/wgt/internal/kernel"
)

// Common errors.
var (
	// ErrDeviceUnavailable is returned when no device can be acquired.
	ErrDeviceUnavailable = errors.New("device: unavailable")

	// ErrDeviceLost is returned when the device fails during submission or
	// readback. The device must not be used afterwards.
	ErrDeviceLost = errors.New("device: lost")

	// ErrBufferReleased is returned when a released buffer is used.
	ErrBufferReleased = errors.New("device: buffer released")
)

// BufferUsage is a set of buffer usage flags.
type BufferUsage uint32

// Buffer usage flags.
const (
	UsageStorage BufferUsage = 1 << iota
	UsageCopySrc
	UsageCopyDst
	UsageMapRead
)

// Has reports whether all flags of other are set.
func (u BufferUsage) Has(other BufferUsage) bool {
	return u&other == other
}

// String returns the flags joined with '|'.
func (u BufferUsage) String() string {
	var parts []string
	if u.Has(UsageStorage) {
		parts = append(parts, "storage")
	}
	if u.Has(UsageCopySrc) {
		parts = append(parts, "copy_src")
	}
	if u.Has(UsageCopyDst) {
		parts = append(parts, "copy_dst")
	}
	if u.Has(UsageMapRead) {
		parts = append(parts, "map_read")
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// Buffer is a device memory allocation.
type Buffer interface {
	Size() uint64
	Usage() BufferUsage
	Release()
}

// Pipeline is a compiled compute kernel.
type Pipeline interface {
	Kernel() kernel.Descriptor
	Release()
}

// BindGroup binds buffers to the bindings of a pipeline, in order.
type BindGroup interface {
	Release()
}

// Encoder records commands for a single submission.
type Encoder interface {
	// Dispatch records a compute pass running pipeline over the given
	// workgroup counts.
	Dispatch(pipeline Pipeline, bindGroup BindGroup, workgroups [3]uint32)

	// CopyBufferToBuffer records a copy of the first size bytes of src
	// into dst.
	CopyBufferToBuffer(src, dst Buffer, size uint64)
}

// Device is a compute device.
type Device interface {
	Name() string

	// CreateBuffer allocates size bytes. If init is not nil its contents
	// are copied to the start of the buffer.
	CreateBuffer(size uint64, usage BufferUsage, init []byte) (Buffer, error)

	// WriteBuffer uploads data to the start of buf. The write is ordered
	// before any later submission.
	WriteBuffer(buf Buffer, data []byte) error

	CreatePipeline(k kernel.Descriptor) (Pipeline, error)
	CreateBindGroup(pipeline Pipeline, buffers []Buffer) (BindGroup, error)

	NewEncoder() Encoder

	// Submit executes every command recorded in enc, in order.
	Submit(ctx context.Context, enc Encoder) error

	// MapRead waits for pending work and returns a copy of the contents of
	// a UsageMapRead buffer.
	MapRead(ctx context.Context, buf Buffer) ([]byte, error)

	Release()
}
