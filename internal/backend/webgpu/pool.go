//go:build windows

package webgpu

import (
	"sync"

	"github.com/go-webgpu/webgpu/wgpu"
)

// sizeClass groups staging buffers by size for reuse.
type sizeClass int

const (
	// smallClass holds buffers < 4KB.
	smallClass sizeClass = iota
	// mediumClass holds buffers 4KB-1MB.
	mediumClass
	// largeClass holds buffers > 1MB.
	largeClass
	numClasses
)

const (
	smallThreshold  = 4 * 1024    // 4KB
	mediumThreshold = 1024 * 1024 // 1MB
	maxPoolSize     = 64          // Max buffers per class
)

// stagingUsage is the usage of every pooled buffer.
const stagingUsage = wgpu.BufferUsageMapRead | wgpu.BufferUsageCopyDst

type pooledBuffer struct {
	buffer *wgpu.Buffer
	size   uint64
}

// PoolStats reports staging pool activity.
type PoolStats struct {
	Allocated uint64
	Released  uint64
	Hits      uint64
	Misses    uint64
	Pooled    int
}

// stagingPool recycles readback staging buffers. Every graph output owns a
// staging buffer, and graphs built per request would otherwise allocate
// them on each compile.
type stagingPool struct {
	device *wgpu.Device

	classes [numClasses][]*pooledBuffer
	mu      sync.Mutex
	stats   PoolStats
}

func newStagingPool(device *wgpu.Device) *stagingPool {
	p := &stagingPool{device: device}
	for i := range p.classes {
		p.classes[i] = make([]*pooledBuffer, 0, maxPoolSize)
	}
	return p
}

// acquire returns a pooled buffer of at least size bytes, or a new one,
// with its capacity.
func (p *stagingPool) acquire(size uint64) (*wgpu.Buffer, uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	class := classify(size)
	pool := p.classes[class]
	for i, pb := range pool {
		if pb.size >= size {
			p.classes[class] = append(pool[:i], pool[i+1:]...)
			p.stats.Hits++
			return pb.buffer, pb.size
		}
	}

	p.stats.Misses++
	p.stats.Allocated++
	buffer := p.device.CreateBuffer(&wgpu.BufferDescriptor{
		Usage: stagingUsage,
		Size:  size,
	})
	return buffer, size
}

// release returns a buffer of the given capacity to its class, or frees
// it when the class is full.
func (p *stagingPool) release(buffer *wgpu.Buffer, size uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.stats.Released++
	class := classify(size)
	if len(p.classes[class]) >= maxPoolSize {
		buffer.Release()
		return
	}
	p.classes[class] = append(p.classes[class], &pooledBuffer{buffer: buffer, size: size})
}

// clear frees every pooled buffer.
func (p *stagingPool) clear() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i := range p.classes {
		for _, pb := range p.classes[i] {
			pb.buffer.Release()
		}
		p.classes[i] = p.classes[i][:0]
	}
}

func (p *stagingPool) snapshot() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := p.stats
	for i := range p.classes {
		s.Pooled += len(p.classes[i])
	}
	return s
}

func classify(size uint64) sizeClass {
	switch {
	case size < smallThreshold:
		return smallClass
	case size < mediumThreshold:
		return mediumClass
	default:
		return largeClass
	}
}
