package graph

import (
	"fmt"
	"strings"
)

// Node styles of the graph description.
const (
	styleInput  = `shape=box, style=filled, fillcolor="#cfe2f3"`
	styleLeaf   = `shape=box, style=dashed`
	styleOp     = `shape=ellipse`
	styleOutput = `shape=ellipse, style=filled, fillcolor="#d9ead3", peripheries=2`
)

// Dot describes the graph in Graphviz dot syntax. Every node producing an
// op is drawn once, with edges from the nodes it reads. Declared inputs,
// other leaves and declared outputs are styled distinctly.
func (g *Graph) Dot() string {
	declared := make(map[uint64]bool, len(g.inputs))
	for _, in := range g.inputs {
		declared[in.id] = true
	}
	outputs := make(map[uint64]bool, len(g.outputs))
	for _, out := range g.outputs {
		outputs[out.id] = true
	}

	var nodes []*DeviceTensor
	seen := make(map[uint64]bool)
	for _, out := range g.outputs {
		for _, node := range out.Dependencies() {
			if !seen[node.id] {
				seen[node.id] = true
				nodes = append(nodes, node)
			}
		}
	}

	var b strings.Builder
	b.WriteString("digraph G {\n")
	b.WriteString("  rankdir=TB;\n")

	for _, node := range nodes {
		style := styleOp
		switch {
		case outputs[node.id]:
			style = styleOutput
		case node.sourceOp == nil && declared[node.id]:
			style = styleInput
		case node.sourceOp == nil:
			style = styleLeaf
		}
		fmt.Fprintf(&b, "  n%d [label=%q, %s];\n", node.id, node.Label()+" "+node.shape.String(), style)
	}

	for _, node := range nodes {
		for _, in := range node.inputs() {
			fmt.Fprintf(&b, "  n%d -> n%d;\n", in.id, node.id)
		}
	}

	b.WriteString("}\n")
	return b.String()
}
