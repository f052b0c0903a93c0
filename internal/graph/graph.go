package graph

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/born-ml/wgt/internal/metrics"
	"github.com/born-ml/wgt/internal/tensor"
)

// Graph is a compiled, deduplicated and ordered command list built from a
// fixed set of input and output nodes.
type Graph struct {
	rt       *Runtime
	inputs   []*DeviceTensor
	outputs  []*DeviceTensor
	commands []Command

	// mu serialises Run and Destroy.
	mu        sync.Mutex
	destroyed bool
	lost      bool
}

// New compiles the commands producing outputs. Outputs are marked
// readable. A command needed by several outputs is kept once, at its
// first position.
func New(rt *Runtime, inputs, outputs []*DeviceTensor) (*Graph, error) {
	for i, out := range outputs {
		if err := out.MarkAsReadable(); err != nil {
			return nil, fmt.Errorf("graph: output %d: %w", i, err)
		}
	}

	var commands []Command
	seen := make(map[uint64]struct{})
	for _, out := range outputs {
		for _, cmd := range out.SourceCommands() {
			if _, ok := seen[cmd.ID()]; ok {
				continue
			}
			seen[cmd.ID()] = struct{}{}
			commands = append(commands, cmd)
		}
	}

	g := &Graph{
		rt:       rt,
		inputs:   append([]*DeviceTensor(nil), inputs...),
		outputs:  append([]*DeviceTensor(nil), outputs...),
		commands: commands,
	}

	metrics.RecordCompile(len(commands))
	rt.log.Debug("graph compiled",
		"inputs", len(inputs),
		"outputs", len(outputs),
		"commands", len(commands))
	return g, nil
}

// Inputs returns the declared input nodes.
func (g *Graph) Inputs() []*DeviceTensor { return g.inputs }

// Outputs returns the declared output nodes.
func (g *Graph) Outputs() []*DeviceTensor { return g.outputs }

// Commands returns a copy of the compiled command list.
func (g *Graph) Commands() []Command {
	return append([]Command(nil), g.commands...)
}

// Recipe returns the labels of the compiled commands, in order.
func (g *Graph) Recipe() []string {
	labels := make([]string, len(g.commands))
	for i, cmd := range g.commands {
		labels[i] = cmd.Label()
	}
	return labels
}

// Run writes inputs to the declared input nodes, submits every command
// once and returns the outputs in declaration order. Either every output
// is returned or the call fails.
//
// A device loss is fatal: every later Run fails with ErrDeviceLost.
func (g *Graph) Run(ctx context.Context, inputs []*tensor.Tensor) (results []*tensor.Tensor, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	start := time.Now()
	defer func() {
		metrics.RecordRun(time.Since(start), errorKind(err))
	}()

	switch {
	case g.destroyed:
		return nil, ErrDestroyed
	case g.lost:
		return nil, ErrDeviceLost
	}

	if len(inputs) != len(g.inputs) {
		return nil, fmt.Errorf("%w: graph has %d inputs, got %d", ErrInputCount, len(g.inputs), len(inputs))
	}
	for i, in := range inputs {
		if err := g.inputs[i].Write(in); err != nil {
			return nil, g.fail(fmt.Sprintf("input %d", i), err)
		}
	}

	dev := g.rt.dev
	enc := dev.NewEncoder()
	for _, cmd := range g.commands {
		cmd.Execute(enc)
	}
	if err := dev.Submit(ctx, enc); err != nil {
		return nil, g.fail("submit", err)
	}

	results, err = g.readOutputs(ctx)
	if err != nil {
		return nil, g.fail("readback", err)
	}

	g.rt.log.Debug("graph run",
		"commands", len(g.commands),
		"duration", time.Since(start).String())
	return results, nil
}

// readOutputs maps every distinct output once, concurrently, and fills the
// results in declaration order.
func (g *Graph) readOutputs(ctx context.Context) ([]*tensor.Tensor, error) {
	var distinct []*DeviceTensor
	index := make(map[uint64]int)
	for _, out := range g.outputs {
		if _, ok := index[out.id]; !ok {
			index[out.id] = len(distinct)
			distinct = append(distinct, out)
		}
	}

	read := make([]*tensor.Tensor, len(distinct))
	eg, ctx := errgroup.WithContext(ctx)
	for i, out := range distinct {
		eg.Go(func() error {
			t, err := out.Read(ctx)
			if err != nil {
				return err
			}
			read[i] = t
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	results := make([]*tensor.Tensor, len(g.outputs))
	for i, out := range g.outputs {
		results[i] = read[index[out.id]]
	}
	return results, nil
}

// fail records a run failure, marking the graph lost on a device loss.
func (g *Graph) fail(stage string, err error) error {
	if errors.Is(err, ErrDeviceLost) {
		g.lost = true
		g.rt.log.Error("device lost", "stage", stage, "err", err)
	}
	return fmt.Errorf("graph: %s: %w", stage, err)
}

// Destroy releases every node reachable from the outputs, and the
// declared inputs. Calling it again does nothing; later runs fail with
// ErrDestroyed.
func (g *Graph) Destroy() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.destroyed {
		return
	}
	g.destroyed = true

	for _, out := range g.outputs {
		out.Destroy(true)
	}
	for _, in := range g.inputs {
		in.Destroy(false)
	}
	g.rt.log.Debug("graph destroyed", "commands", len(g.commands), "live_buffers", g.rt.LiveBuffers())
}

func errorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrDeviceLost):
		return "device_lost"
	case errors.Is(err, ErrDestroyed):
		return "destroyed"
	case errors.Is(err, ErrInputCount), errors.Is(err, ErrShapeMismatch):
		return "input"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "other"
	}
}
