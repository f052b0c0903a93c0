// Package cpu implements a software compute device.
//
// Buffers are host byte slices laid out exactly as on a GPU. Dispatches run
// Go reference implementations of the kernels, selected by kernel kind and
// spread over rows with internal/parallel. The device keeps an account of
// every allocation and release, which makes it the backend of choice for
// tests that check resource lifetimes.
package cpu

import (
	"context"
	"fmt"
	"sync"

	"github.com/born-ml/wgt/internal/device"
	"github.com/born-ml/wgt/internal/kernel"
	"github.com/born-ml/wgt/internal/metrics"
	"github.com/born-ml/wgt/internal/parallel"
)

// Name is the device name reported by Name and used as the metrics label.
const Name = "cpu"

// Stats is a snapshot of the device's resource accounting.
type Stats struct {
	BuffersAllocated int
	BuffersReleased  int
	LiveBuffers      int
	LiveBytes        uint64

	PipelinesCreated int
	LivePipelines    int
	LiveBindGroups   int

	// DoubleReleases counts Release calls on already released resources.
	DoubleReleases int

	Submits    int
	Dispatches int
	Copies     int
}

// Device is a software device.
type Device struct {
	cfg parallel.Config

	mu    sync.Mutex
	stats Stats
	lost  bool
}

// Option configures a Device.
type Option func(*Device)

// WithParallel sets the parallel execution config of kernel dispatches.
func WithParallel(cfg parallel.Config) Option {
	return func(d *Device) {
		d.cfg = cfg
	}
}

// New creates a software device.
func New(opts ...Option) *Device {
	d := &Device{cfg: parallel.DefaultConfig()}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Name returns the device name.
func (d *Device) Name() string {
	return Name
}

// Stats returns a snapshot of the resource accounting.
func (d *Device) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}

// Lose marks the device as lost. Every later submission, readback or
// allocation fails with device.ErrDeviceLost.
func (d *Device) Lose() {
	d.mu.Lock()
	d.lost = true
	d.mu.Unlock()
}

func (d *Device) checkLost() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.lost {
		return device.ErrDeviceLost
	}
	return nil
}

// CreateBuffer allocates a zeroed buffer, optionally initialised with init.
func (d *Device) CreateBuffer(size uint64, usage device.BufferUsage, init []byte) (device.Buffer, error) {
	if err := d.checkLost(); err != nil {
		return nil, err
	}
	if uint64(len(init)) > size {
		return nil, fmt.Errorf("cpu: init data of %d bytes exceeds buffer size %d", len(init), size)
	}
	b := &buffer{dev: d, data: make([]byte, size), usage: usage}
	copy(b.data, init)

	d.mu.Lock()
	d.stats.BuffersAllocated++
	d.stats.LiveBuffers++
	d.stats.LiveBytes += size
	d.mu.Unlock()

	metrics.RecordBuffer(Name, 1, size)
	return b, nil
}

// WriteBuffer copies data to the start of buf.
func (d *Device) WriteBuffer(buf device.Buffer, data []byte) error {
	if err := d.checkLost(); err != nil {
		return err
	}
	b, err := d.buffer(buf)
	if err != nil {
		return err
	}
	if uint64(len(data)) > uint64(len(b.data)) {
		return fmt.Errorf("cpu: write of %d bytes exceeds buffer size %d", len(data), len(b.data))
	}
	copy(b.data, data)
	return nil
}

// CreatePipeline validates k and resolves its reference implementation.
func (d *Device) CreatePipeline(k kernel.Descriptor) (device.Pipeline, error) {
	if err := k.Validate(); err != nil {
		return nil, fmt.Errorf("cpu: %w", err)
	}
	run, ok := kernels[k.Kind]
	if !ok {
		return nil, fmt.Errorf("cpu: no implementation for kernel %s", k.Name())
	}

	d.mu.Lock()
	d.stats.PipelinesCreated++
	d.stats.LivePipelines++
	d.mu.Unlock()

	metrics.RecordPipeline(k.Name())
	return &pipeline{dev: d, desc: k, run: run}, nil
}

// CreateBindGroup binds buffers, inputs first, to the bindings of p.
func (d *Device) CreateBindGroup(p device.Pipeline, buffers []device.Buffer) (device.BindGroup, error) {
	pl, ok := p.(*pipeline)
	if !ok || pl.dev != d {
		return nil, fmt.Errorf("cpu: foreign pipeline %T", p)
	}
	if len(buffers) != pl.desc.Bindings() {
		return nil, fmt.Errorf("cpu: kernel %s has %d bindings, got %d buffers",
			pl.desc.Name(), pl.desc.Bindings(), len(buffers))
	}

	bound := make([]*buffer, len(buffers))
	for i, buf := range buffers {
		b, err := d.buffer(buf)
		if err != nil {
			return nil, fmt.Errorf("cpu: binding %d: %w", i, err)
		}
		if !b.usage.Has(device.UsageStorage) {
			return nil, fmt.Errorf("cpu: binding %d: buffer usage %s lacks storage", i, b.usage)
		}
		bound[i] = b
	}

	d.mu.Lock()
	d.stats.LiveBindGroups++
	d.mu.Unlock()

	return &bindGroup{dev: d, pipeline: pl, buffers: bound}, nil
}

// NewEncoder returns an empty command recorder.
func (d *Device) NewEncoder() device.Encoder {
	return &encoder{dev: d}
}

// Submit runs the recorded commands in order.
func (d *Device) Submit(ctx context.Context, enc device.Encoder) error {
	e, ok := enc.(*encoder)
	if !ok || e.dev != d {
		return fmt.Errorf("cpu: foreign encoder %T", enc)
	}
	if err := d.checkLost(); err != nil {
		return err
	}
	if e.err != nil {
		return e.err
	}

	d.mu.Lock()
	d.stats.Submits++
	d.mu.Unlock()

	for _, cmd := range e.commands {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := cmd(); err != nil {
			return err
		}
	}
	return nil
}

// MapRead returns a copy of a staging buffer's contents.
func (d *Device) MapRead(ctx context.Context, buf device.Buffer) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := d.checkLost(); err != nil {
		return nil, err
	}
	b, err := d.buffer(buf)
	if err != nil {
		return nil, err
	}
	if !b.usage.Has(device.UsageMapRead) {
		return nil, fmt.Errorf("cpu: buffer usage %s is not mappable", b.usage)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]byte, len(b.data))
	copy(out, b.data)
	return out, nil
}

// Release is a no-op; buffers are reclaimed by the garbage collector.
func (d *Device) Release() {}

func (d *Device) buffer(buf device.Buffer) (*buffer, error) {
	b, ok := buf.(*buffer)
	if !ok || b.dev != d {
		return nil, fmt.Errorf("cpu: foreign buffer %T", buf)
	}
	if b.isReleased() {
		return nil, device.ErrBufferReleased
	}
	return b, nil
}

func (d *Device) doubleRelease() {
	d.mu.Lock()
	d.stats.DoubleReleases++
	d.mu.Unlock()
}

type buffer struct {
	dev   *Device
	usage device.BufferUsage

	mu       sync.Mutex
	data     []byte
	released bool
}

func (b *buffer) Size() uint64 { return uint64(len(b.data)) }

func (b *buffer) Usage() device.BufferUsage { return b.usage }

func (b *buffer) isReleased() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.released
}

func (b *buffer) Release() {
	b.mu.Lock()
	if b.released {
		b.mu.Unlock()
		b.dev.doubleRelease()
		return
	}
	b.released = true
	size := uint64(len(b.data))
	b.mu.Unlock()

	d := b.dev
	d.mu.Lock()
	d.stats.BuffersReleased++
	d.stats.LiveBuffers--
	d.stats.LiveBytes -= size
	d.mu.Unlock()

	metrics.RecordBuffer(Name, -1, size)
}

type pipeline struct {
	dev      *Device
	desc     kernel.Descriptor
	run      kernelFunc
	released bool
}

func (p *pipeline) Kernel() kernel.Descriptor { return p.desc }

func (p *pipeline) Release() {
	d := p.dev
	d.mu.Lock()
	defer d.mu.Unlock()
	if p.released {
		d.stats.DoubleReleases++
		return
	}
	p.released = true
	d.stats.LivePipelines--
}

type bindGroup struct {
	dev      *Device
	pipeline *pipeline
	buffers  []*buffer
	released bool
}

func (g *bindGroup) Release() {
	d := g.dev
	d.mu.Lock()
	defer d.mu.Unlock()
	if g.released {
		d.stats.DoubleReleases++
		return
	}
	g.released = true
	d.stats.LiveBindGroups--
}

type encoder struct {
	dev      *Device
	commands []func() error
	err      error
}

func (e *encoder) Dispatch(p device.Pipeline, bg device.BindGroup, workgroups [3]uint32) {
	pl, ok := p.(*pipeline)
	if !ok {
		e.fail(fmt.Errorf("cpu: foreign pipeline %T", p))
		return
	}
	g, ok := bg.(*bindGroup)
	if !ok {
		e.fail(fmt.Errorf("cpu: foreign bind group %T", bg))
		return
	}
	if g.pipeline != pl {
		e.fail(fmt.Errorf("cpu: bind group of kernel %s used with kernel %s",
			g.pipeline.desc.Name(), pl.desc.Name()))
		return
	}

	e.commands = append(e.commands, func() error {
		d := e.dev
		d.mu.Lock()
		released := pl.released || g.released
		d.stats.Dispatches++
		d.mu.Unlock()
		if released {
			return fmt.Errorf("cpu: dispatch %s: %w", pl.desc.Name(), device.ErrBufferReleased)
		}

		views := make([]view, len(g.buffers))
		for i, b := range g.buffers {
			if b.isReleased() {
				return fmt.Errorf("cpu: dispatch %s binding %d: %w", pl.desc.Name(), i, device.ErrBufferReleased)
			}
			v, err := newView(b.data)
			if err != nil {
				return fmt.Errorf("cpu: dispatch %s binding %d: %w", pl.desc.Name(), i, err)
			}
			views[i] = v
		}
		pl.run(views[:pl.desc.Inputs], views[pl.desc.Inputs], d.cfg)
		return nil
	})
}

func (e *encoder) CopyBufferToBuffer(src, dst device.Buffer, size uint64) {
	s, ok := src.(*buffer)
	if !ok {
		e.fail(fmt.Errorf("cpu: foreign buffer %T", src))
		return
	}
	t, ok := dst.(*buffer)
	if !ok {
		e.fail(fmt.Errorf("cpu: foreign buffer %T", dst))
		return
	}

	e.commands = append(e.commands, func() error {
		if s.isReleased() || t.isReleased() {
			return fmt.Errorf("cpu: copy: %w", device.ErrBufferReleased)
		}
		if size > s.Size() || size > t.Size() {
			return fmt.Errorf("cpu: copy of %d bytes exceeds buffer sizes %d/%d", size, s.Size(), t.Size())
		}
		t.mu.Lock()
		copy(t.data[:size], s.data[:size])
		t.mu.Unlock()

		e.dev.mu.Lock()
		e.dev.stats.Copies++
		e.dev.mu.Unlock()
		return nil
	})
}

func (e *encoder) fail(err error) {
	if e.err == nil {
		e.err = err
	}
}
