package graph

import (
	"context"
	"fmt"
	"sync"

	"github.com/born-ml/wgt/internal/device"
	"github.com/born-ml/wgt/internal/tensor"
)

// storageUsage is the usage of every node buffer.
const storageUsage = device.UsageStorage | device.UsageCopySrc | device.UsageCopyDst

// DeviceTensor is a graph node: one device buffer of a fixed shape, and
// the Op that produces it. A node without a producer is a leaf, written
// from the host with Write.
type DeviceTensor struct {
	rt     *Runtime
	id     uint64
	shape  tensor.Shape
	label  string
	buffer device.Buffer

	sourceOp *Op

	// mu guards the fields below and serialises mapping of the staging
	// buffer.
	mu        sync.Mutex
	staging   device.Buffer
	readback  *CopyCommand
	destroyed bool
}

// NewDeviceTensor allocates a node of the given shape. The buffer payload
// is zero and its header already holds the shape, so kernels only ever
// write the payload.
func NewDeviceTensor(rt *Runtime, shape tensor.Shape) (*DeviceTensor, error) {
	if err := shape.Validate(); err != nil {
		return nil, err
	}
	header := make([]byte, tensor.HeaderBytes)
	tensor.PutHeader(header, shape)

	buf, err := rt.createBuffer(shape.SizeBytes(), storageUsage, header)
	if err != nil {
		return nil, fmt.Errorf("graph: allocate %s: %w", shape, err)
	}
	return &DeviceTensor{
		rt:     rt,
		id:     rt.nextHandle(),
		shape:  shape,
		buffer: buf,
	}, nil
}

// ID returns the node handle.
func (t *DeviceTensor) ID() uint64 { return t.id }

// Shape returns the node shape.
func (t *DeviceTensor) Shape() tensor.Shape { return t.shape }

// Label returns the node label: its producing kernel, or whatever was set
// with SetLabel.
func (t *DeviceTensor) Label() string {
	if t.label != "" {
		return t.label
	}
	if t.sourceOp != nil {
		return t.sourceOp.Label()
	}
	return "leaf"
}

// SetLabel names the node for recipes and graph descriptions.
func (t *DeviceTensor) SetLabel(label string) *DeviceTensor {
	t.label = label
	return t
}

// SourceOp returns the producing op, or nil for a leaf.
func (t *DeviceTensor) SourceOp() *Op { return t.sourceOp }

// Buffer returns the node's device buffer.
func (t *DeviceTensor) Buffer() device.Buffer { return t.buffer }

// IsReadable reports whether MarkAsReadable was called.
func (t *DeviceTensor) IsReadable() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.readback != nil
}

// IsDestroyed reports whether the node's buffers were released.
func (t *DeviceTensor) IsDestroyed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.destroyed
}

// Write uploads host data into the node buffer. The shapes must match
// exactly.
func (t *DeviceTensor) Write(data *tensor.Tensor) error {
	if !data.EqualsShape(t.shape) {
		return fmt.Errorf("%w: cannot write %s into %s", ErrShapeMismatch, data.Shape(), t.shape)
	}
	if t.IsDestroyed() {
		return ErrDestroyed
	}
	if err := t.rt.dev.WriteBuffer(t.buffer, data.Bytes()); err != nil {
		return fmt.Errorf("graph: write %s: %w", t.Label(), err)
	}
	return nil
}

// MarkAsReadable allocates the staging buffer and the command that copies
// the node into it. Calling it again does nothing.
func (t *DeviceTensor) MarkAsReadable() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.destroyed {
		return ErrDestroyed
	}
	if t.readback != nil {
		return nil
	}

	size := t.shape.SizeBytes()
	staging, err := t.rt.createBuffer(size, device.UsageMapRead|device.UsageCopyDst, nil)
	if err != nil {
		return fmt.Errorf("graph: allocate staging for %s: %w", t.Label(), err)
	}
	t.staging = staging
	t.readback = &CopyCommand{
		id:    t.rt.nextHandle(),
		label: "readback " + t.Label(),
		src:   t.buffer,
		dst:   staging,
		size:  size,
	}
	return nil
}

// Read maps the staging buffer and returns its contents. It only reflects
// a completed run; the node must have been marked readable.
func (t *DeviceTensor) Read(ctx context.Context) (*tensor.Tensor, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.destroyed {
		return nil, ErrDestroyed
	}
	if t.readback == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotReadable, t.Label())
	}

	data, err := t.rt.dev.MapRead(ctx, t.staging)
	if err != nil {
		return nil, fmt.Errorf("graph: read %s: %w", t.Label(), err)
	}
	out, err := tensor.FromBytes(data)
	if err != nil {
		return nil, fmt.Errorf("graph: read %s: %w", t.Label(), err)
	}
	return out, nil
}

// inputs returns the nodes the producing op reads.
func (t *DeviceTensor) inputs() []*DeviceTensor {
	if t.sourceOp == nil {
		return nil
	}
	return t.sourceOp.inputs
}

// Dependencies returns every node reachable through producer edges,
// t included, each once and each after all of its producer inputs. The
// order is deterministic given the input order of every op.
//
// The walk is an iterative post-order DFS so deep chains do not grow the
// goroutine stack.
func (t *DeviceTensor) Dependencies() []*DeviceTensor {
	type frame struct {
		node *DeviceTensor
		next int
	}

	var order []*DeviceTensor
	// A handle enters seen when pushed; in a DAG a node on the stack is
	// never reached again before it is finalized.
	seen := map[uint64]struct{}{t.id: {}}
	stack := []frame{{node: t}}

	for len(stack) > 0 {
		top := &stack[len(stack)-1]
		parents := top.node.inputs()

		if top.next < len(parents) {
			parent := parents[top.next]
			top.next++
			if _, ok := seen[parent.id]; !ok {
				seen[parent.id] = struct{}{}
				stack = append(stack, frame{node: parent})
			}
			continue
		}

		order = append(order, top.node)
		stack = stack[:len(stack)-1]
	}
	return order
}

// SourceCommands returns the commands that produce t, in dependency
// order, followed by its readback copy if t is readable.
func (t *DeviceTensor) SourceCommands() []Command {
	var cmds []Command
	for _, node := range t.Dependencies() {
		if node.sourceOp != nil {
			cmds = append(cmds, node.sourceOp)
		}
	}

	t.mu.Lock()
	readback := t.readback
	t.mu.Unlock()
	if readback != nil {
		cmds = append(cmds, readback)
	}
	return cmds
}

// Destroy releases the node's buffers and its producing op. With
// recursive set it also destroys every dependency. Destroying a node more
// than once does nothing.
func (t *DeviceTensor) Destroy(recursive bool) {
	nodes := []*DeviceTensor{t}
	if recursive {
		nodes = t.Dependencies()
	}
	for _, node := range nodes {
		node.destroy()
	}
}

func (t *DeviceTensor) destroy() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.destroyed {
		return
	}
	t.destroyed = true

	if t.sourceOp != nil {
		t.sourceOp.release()
	}
	t.rt.releaseBuffer(t.buffer)
	if t.staging != nil {
		t.rt.releaseBuffer(t.staging)
	}
	t.rt.log.Debug("tensor destroyed", "id", t.id, "label", t.Label(), "shape", t.shape.String())
}
