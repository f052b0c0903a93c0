package graph

import (
	"fmt"
	"sync"

	"github.com/born-ml/wgt/internal/device"
	"github.com/born-ml/wgt/internal/kernel"
	"github.com/born-ml/wgt/internal/tensor"
)

// Command is a unit of device work recorded into an encoder.
type Command interface {
	// ID returns the handle commands are deduplicated by.
	ID() uint64
	Label() string
	Execute(enc device.Encoder)
}

// Op is a compute dispatch. Its pipeline and bind group are created once,
// when the op is built, and reused by every run.
type Op struct {
	id      uint64
	kernel  kernel.Descriptor
	inputs  []*DeviceTensor
	outputs []*DeviceTensor

	pipeline  device.Pipeline
	bindGroup device.BindGroup

	releaseOnce sync.Once
}

// NewOp compiles k and binds inputs then outputs to it. The outputs must
// be fresh nodes without a producer; the op becomes their producer.
func NewOp(rt *Runtime, k kernel.Descriptor, inputs, outputs []*DeviceTensor) (*Op, error) {
	if len(inputs) != k.Inputs || len(outputs) != k.Outputs {
		return nil, fmt.Errorf("%w: kernel %s takes %d inputs and %d outputs, got %d and %d",
			ErrBindingCount, k, k.Inputs, k.Outputs, len(inputs), len(outputs))
	}

	buffers := make([]device.Buffer, 0, k.Bindings())
	for _, in := range inputs {
		if in.IsDestroyed() {
			return nil, fmt.Errorf("%w: input %s of %s", ErrDestroyed, in.Label(), k)
		}
		buffers = append(buffers, in.buffer)
	}
	for _, out := range outputs {
		if out.IsDestroyed() {
			return nil, fmt.Errorf("%w: output of %s", ErrDestroyed, k)
		}
		if out.sourceOp != nil {
			return nil, fmt.Errorf("%w: %s", ErrHasProducer, out.Label())
		}
		buffers = append(buffers, out.buffer)
	}

	pipeline, err := rt.dev.CreatePipeline(k)
	if err != nil {
		return nil, fmt.Errorf("graph: compile %s: %w", k, err)
	}
	bindGroup, err := rt.dev.CreateBindGroup(pipeline, buffers)
	if err != nil {
		pipeline.Release()
		return nil, fmt.Errorf("graph: bind %s: %w", k, err)
	}

	op := &Op{
		id:        rt.nextHandle(),
		kernel:    k,
		inputs:    append([]*DeviceTensor(nil), inputs...),
		outputs:   append([]*DeviceTensor(nil), outputs...),
		pipeline:  pipeline,
		bindGroup: bindGroup,
	}
	for _, out := range outputs {
		out.sourceOp = op
	}
	return op, nil
}

// Apply allocates a node of shape out and the op computing it from
// inputs with k. Nothing is left allocated when it fails.
func Apply(rt *Runtime, k kernel.Descriptor, out tensor.Shape, inputs ...*DeviceTensor) (*DeviceTensor, error) {
	node, err := NewDeviceTensor(rt, out)
	if err != nil {
		return nil, err
	}
	if _, err := NewOp(rt, k, inputs, []*DeviceTensor{node}); err != nil {
		node.Destroy(false)
		return nil, err
	}
	return node, nil
}

// ID returns the op handle.
func (o *Op) ID() uint64 { return o.id }

// Label returns the kernel label.
func (o *Op) Label() string { return o.kernel.String() }

// Kernel returns the op's kernel descriptor.
func (o *Op) Kernel() kernel.Descriptor { return o.kernel }

// Inputs returns the nodes the op reads, in binding order.
func (o *Op) Inputs() []*DeviceTensor { return o.inputs }

// Outputs returns the nodes the op writes, in binding order.
func (o *Op) Outputs() []*DeviceTensor { return o.outputs }

// Execute records the dispatch.
func (o *Op) Execute(enc device.Encoder) {
	enc.Dispatch(o.pipeline, o.bindGroup, o.kernel.Workgroups)
}

func (o *Op) release() {
	o.releaseOnce.Do(func() {
		o.bindGroup.Release()
		o.pipeline.Release()
	})
}

// CopyCommand copies a whole node buffer into another buffer.
type CopyCommand struct {
	id    uint64
	label string
	src   device.Buffer
	dst   device.Buffer
	size  uint64
}

// ID returns the command handle.
func (c *CopyCommand) ID() uint64 { return c.id }

// Label returns the command label.
func (c *CopyCommand) Label() string { return c.label }

// Execute records the copy.
func (c *CopyCommand) Execute(enc device.Encoder) {
	enc.CopyBufferToBuffer(c.src, c.dst, c.size)
}
