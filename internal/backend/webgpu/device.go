//go:build windows

package webgpu

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/go-webgpu/webgpu/wgpu"

	"github.com/born-ml/wgt/internal/device"
	"github.com/born-ml/wgt/internal/kernel"
	"github.com/born-ml/wgt/internal/logger"
	"github.com/born-ml/wgt/internal/metrics"
)

// Device runs kernels on a WebGPU adapter through go-webgpu.
type Device struct {
	instance *wgpu.Instance
	adapter  *wgpu.Adapter
	device   *wgpu.Device
	queue    *wgpu.Queue

	// Shader modules are shared by every pipeline of the same variant.
	shaders map[string]*wgpu.ShaderModule
	mu      sync.Mutex

	pool *stagingPool
	lost atomic.Bool
}

var _ device.Device = (*Device)(nil)

// New acquires the high-performance adapter and its device. It returns an
// error wrapping device.ErrDeviceUnavailable when WebGPU cannot be used.
func New() (d *Device, err error) {
	// Recover from panic if wgpu_native library is not found.
	defer func() {
		if r := recover(); r != nil {
			d = nil
			err = fmt.Errorf("%w: webgpu native library not available: %v", device.ErrDeviceUnavailable, r)
		}
	}()

	if err := wgpu.Init(); err != nil {
		return nil, fmt.Errorf("%w: loading webgpu native library: %v", device.ErrDeviceUnavailable, err)
	}
	instance, err := wgpu.CreateInstance(nil)
	if err != nil {
		return nil, fmt.Errorf("%w: creating instance: %v", device.ErrDeviceUnavailable, err)
	}
	adapter, err := instance.RequestAdapter(&wgpu.RequestAdapterOptions{
		PowerPreference: wgpu.PowerPreferenceHighPerformance,
	})
	if err != nil {
		instance.Release()
		return nil, fmt.Errorf("%w: requesting adapter: %v", device.ErrDeviceUnavailable, err)
	}

	dev, err := adapter.RequestDevice(nil)
	if err != nil {
		adapter.Release()
		instance.Release()
		return nil, fmt.Errorf("%w: requesting device: %v", device.ErrDeviceUnavailable, err)
	}

	queue := dev.GetQueue()
	if queue == nil {
		dev.Release()
		adapter.Release()
		instance.Release()
		return nil, fmt.Errorf("%w: no queue", device.ErrDeviceUnavailable)
	}

	logger.Log.Info("acquired webgpu device")
	return &Device{
		instance: instance,
		adapter:  adapter,
		device:   dev,
		queue:    queue,
		shaders:  make(map[string]*wgpu.ShaderModule),
		pool:     newStagingPool(dev),
	}, nil
}

// IsAvailable reports whether a WebGPU adapter can be acquired.
func IsAvailable() (available bool) {
	defer func() {
		if r := recover(); r != nil {
			available = false
		}
	}()

	if err := wgpu.Init(); err != nil {
		return false
	}
	instance, err := wgpu.CreateInstance(nil)
	if err != nil {
		return false
	}
	defer instance.Release()

	adapter, err := instance.RequestAdapter(nil)
	if err != nil {
		return false
	}
	adapter.Release()
	return true
}

// Name returns "webgpu".
func (d *Device) Name() string { return Name }

// PoolStats reports staging buffer reuse.
func (d *Device) PoolStats() PoolStats { return d.pool.snapshot() }

func (d *Device) checkLost() error {
	if d.lost.Load() {
		return device.ErrDeviceLost
	}
	return nil
}

// markLost flags the device after a failed map or submission.
func (d *Device) markLost(op string, cause any) error {
	d.lost.Store(true)
	logger.Log.Error("webgpu device lost", "op", op, "cause", fmt.Sprint(cause))
	return fmt.Errorf("%w: %s: %v", device.ErrDeviceLost, op, cause)
}

func toWGPU(u device.BufferUsage) wgpu.BufferUsage {
	var out wgpu.BufferUsage
	if u.Has(device.UsageStorage) {
		out |= wgpu.BufferUsageStorage
	}
	if u.Has(device.UsageCopySrc) {
		out |= wgpu.BufferUsageCopySrc
	}
	if u.Has(device.UsageCopyDst) {
		out |= wgpu.BufferUsageCopyDst
	}
	if u.Has(device.UsageMapRead) {
		out |= wgpu.BufferUsageMapRead
	}
	return out
}

// CreateBuffer allocates a buffer. Readback staging buffers come from the
// staging pool; other buffers with init are mapped at creation.
func (d *Device) CreateBuffer(size uint64, usage device.BufferUsage, init []byte) (device.Buffer, error) {
	if err := d.checkLost(); err != nil {
		return nil, err
	}
	if uint64(len(init)) > size {
		return nil, fmt.Errorf("webgpu: %d init bytes exceed buffer size %d", len(init), size)
	}

	b := &buffer{dev: d, size: size, usage: usage}
	switch {
	case usage == device.UsageMapRead|device.UsageCopyDst && len(init) == 0:
		b.raw, b.capacity = d.pool.acquire(size)
		b.pooled = true
	case len(init) > 0:
		b.raw = d.createMapped(size, toWGPU(usage), init)
		b.capacity = size
	default:
		b.raw = d.device.CreateBuffer(&wgpu.BufferDescriptor{Usage: toWGPU(usage), Size: size})
		b.capacity = size
	}
	if b.raw == nil {
		return nil, fmt.Errorf("webgpu: creating %d byte %s buffer failed", size, usage)
	}
	metrics.RecordBuffer(Name, 1, size)
	return b, nil
}

// createMapped creates a buffer whose leading bytes hold data.
func (d *Device) createMapped(size uint64, usage wgpu.BufferUsage, data []byte) *wgpu.Buffer {
	buf := d.device.CreateBuffer(&wgpu.BufferDescriptor{
		Usage:            usage,
		Size:             size,
		MappedAtCreation: wgpu.True,
	})
	if buf == nil {
		return nil
	}
	mappedPtr := buf.GetMappedRange(0, size)
	//nolint:gosec // unsafe.Slice for zero-copy conversion from unsafe.Pointer
	mapped := unsafe.Slice((*byte)(mappedPtr), size)
	copy(mapped, data)
	buf.Unmap()
	return buf
}

// WriteBuffer uploads data to the start of buf through a mapped copy
// source and a one-command submission.
func (d *Device) WriteBuffer(buf device.Buffer, data []byte) error {
	if err := d.checkLost(); err != nil {
		return err
	}
	dst, err := d.buffer(buf)
	if err != nil {
		return err
	}
	size := uint64(len(data))
	if size > dst.size {
		return fmt.Errorf("webgpu: %d bytes exceed buffer size %d", size, dst.size)
	}
	if size == 0 {
		return nil
	}

	upload := d.createMapped(size, wgpu.BufferUsageCopySrc, data)
	if upload == nil {
		return fmt.Errorf("webgpu: creating %d byte upload buffer failed", size)
	}
	defer upload.Release()

	encoder := d.device.CreateCommandEncoder(nil)
	encoder.CopyBufferToBuffer(upload, 0, dst.raw, 0, size)
	cmd := encoder.Finish(nil)
	return d.submit("write", cmd)
}

// CreatePipeline compiles k with an automatic bind group layout.
func (d *Device) CreatePipeline(k kernel.Descriptor) (device.Pipeline, error) {
	if err := d.checkLost(); err != nil {
		return nil, err
	}
	if err := k.Validate(); err != nil {
		return nil, err
	}

	shader := d.shader(k)
	raw := d.device.CreateComputePipelineSimple(nil, shader, k.EntryPoint)
	if raw == nil {
		return nil, fmt.Errorf("webgpu: compiling pipeline %s failed", k.Name())
	}
	metrics.RecordPipeline(k.Name())
	return &pipeline{desc: k, raw: raw}, nil
}

// shader returns the cached module of k's variant, compiling it once.
func (d *Device) shader(k kernel.Descriptor) *wgpu.ShaderModule {
	d.mu.Lock()
	defer d.mu.Unlock()

	name := k.Name()
	if shader, ok := d.shaders[name]; ok {
		return shader
	}
	shader := d.device.CreateShaderModuleWGSL(k.Source)
	d.shaders[name] = shader
	return shader
}

// CreateBindGroup binds buffers to bindings 0..n-1 of p.
func (d *Device) CreateBindGroup(p device.Pipeline, buffers []device.Buffer) (device.BindGroup, error) {
	if err := d.checkLost(); err != nil {
		return nil, err
	}
	pl, ok := p.(*pipeline)
	if !ok {
		return nil, fmt.Errorf("webgpu: foreign pipeline %T", p)
	}
	if len(buffers) != pl.desc.Bindings() {
		return nil, fmt.Errorf("webgpu: %s needs %d bindings, got %d", pl.desc, pl.desc.Bindings(), len(buffers))
	}

	entries := make([]wgpu.BindGroupEntry, len(buffers))
	for i, buf := range buffers {
		b, err := d.buffer(buf)
		if err != nil {
			return nil, err
		}
		if !b.usage.Has(device.UsageStorage) {
			return nil, fmt.Errorf("webgpu: binding %d is a %s buffer, not storage", i, b.usage)
		}
		//nolint:gosec // G115: binding index is bounded by the kernel's binding count
		entries[i] = wgpu.BufferBindingEntry(uint32(i), b.raw, 0, b.size)
	}

	layout := pl.raw.GetBindGroupLayout(0)
	raw := d.device.CreateBindGroupSimple(layout, entries)
	if raw == nil {
		return nil, fmt.Errorf("webgpu: creating bind group for %s failed", pl.desc)
	}
	return &bindGroup{raw: raw}, nil
}

// NewEncoder starts recording commands.
func (d *Device) NewEncoder() device.Encoder {
	return &encoder{dev: d, raw: d.device.CreateCommandEncoder(nil)}
}

// Submit finishes the encoder and submits it as a single command buffer.
func (d *Device) Submit(ctx context.Context, enc device.Encoder) error {
	if err := d.checkLost(); err != nil {
		return err
	}
	e, ok := enc.(*encoder)
	if !ok {
		return fmt.Errorf("webgpu: foreign encoder %T", enc)
	}
	if e.err != nil {
		return e.err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return d.submit("submit", e.raw.Finish(nil))
}

func (d *Device) submit(op string, cmd *wgpu.CommandBuffer) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = d.markLost(op, r)
		}
	}()
	d.queue.Submit(cmd)
	return nil
}

// MapRead maps a staging buffer, copies its contents out and unmaps it.
func (d *Device) MapRead(ctx context.Context, buf device.Buffer) ([]byte, error) {
	if err := d.checkLost(); err != nil {
		return nil, err
	}
	b, err := d.buffer(buf)
	if err != nil {
		return nil, err
	}
	if !b.usage.Has(device.UsageMapRead) {
		return nil, fmt.Errorf("webgpu: %s buffer is not mappable", b.usage)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if err := b.raw.MapAsync(d.device, wgpu.MapModeRead, 0, b.size); err != nil {
		return nil, d.markLost("map", err)
	}
	mappedPtr := b.raw.GetMappedRange(0, b.size)
	//nolint:gosec // unsafe.Slice for zero-copy conversion from unsafe.Pointer
	mapped := unsafe.Slice((*byte)(mappedPtr), b.size)
	out := make([]byte, b.size)
	copy(out, mapped)
	b.raw.Unmap()
	return out, nil
}

// Release frees the pooled staging buffers, shader modules, the device
// and the adapter.
func (d *Device) Release() {
	d.pool.clear()

	d.mu.Lock()
	for name, s := range d.shaders {
		s.Release()
		delete(d.shaders, name)
	}
	d.mu.Unlock()

	d.queue = nil
	if d.device != nil {
		d.device.Release()
		d.device = nil
	}
	if d.adapter != nil {
		d.adapter.Release()
		d.adapter = nil
	}
	if d.instance != nil {
		d.instance.Release()
		d.instance = nil
	}
}

func (d *Device) buffer(buf device.Buffer) (*buffer, error) {
	b, ok := buf.(*buffer)
	if !ok || b.dev != d {
		return nil, fmt.Errorf("webgpu: foreign buffer %T", buf)
	}
	if b.released.Load() {
		return nil, device.ErrBufferReleased
	}
	return b, nil
}

type buffer struct {
	dev      *Device
	raw      *wgpu.Buffer
	size     uint64
	capacity uint64
	usage    device.BufferUsage
	pooled   bool
	released atomic.Bool
}

func (b *buffer) Size() uint64 { return b.size }

func (b *buffer) Usage() device.BufferUsage { return b.usage }

func (b *buffer) Release() {
	if b.released.Swap(true) {
		return
	}
	if b.pooled {
		b.dev.pool.release(b.raw, b.capacity)
	} else {
		b.raw.Release()
	}
	metrics.RecordBuffer(Name, -1, b.size)
}

type pipeline struct {
	desc     kernel.Descriptor
	raw      *wgpu.ComputePipeline
	released atomic.Bool
}

func (p *pipeline) Kernel() kernel.Descriptor { return p.desc }

func (p *pipeline) Release() {
	if !p.released.Swap(true) {
		p.raw.Release()
	}
}

type bindGroup struct {
	raw      *wgpu.BindGroup
	released atomic.Bool
}

func (g *bindGroup) Release() {
	if !g.released.Swap(true) {
		g.raw.Release()
	}
}

// encoder records compute passes and copies into one command encoder.
// The first recording error is kept and returned by Submit.
type encoder struct {
	dev *Device
	raw *wgpu.CommandEncoder
	err error
}

func (e *encoder) Dispatch(p device.Pipeline, bg device.BindGroup, workgroups [3]uint32) {
	if e.err != nil {
		return
	}
	pl, ok := p.(*pipeline)
	g, ok2 := bg.(*bindGroup)
	if !ok || !ok2 {
		e.err = fmt.Errorf("webgpu: foreign pipeline %T or bind group %T", p, bg)
		return
	}
	if pl.released.Load() || g.released.Load() {
		e.err = fmt.Errorf("webgpu: dispatching released %s", pl.desc)
		return
	}

	pass := e.raw.BeginComputePass(nil)
	pass.SetPipeline(pl.raw)
	pass.SetBindGroup(0, g.raw, nil)
	pass.DispatchWorkgroups(workgroups[0], workgroups[1], workgroups[2])
	pass.End()
}

func (e *encoder) CopyBufferToBuffer(src, dst device.Buffer, size uint64) {
	if e.err != nil {
		return
	}
	s, err := e.dev.buffer(src)
	if err != nil {
		e.err = err
		return
	}
	t, err := e.dev.buffer(dst)
	if err != nil {
		e.err = err
		return
	}
	e.raw.CopyBufferToBuffer(s.raw, 0, t.raw, 0, size)
}
