// Package dataflow implements Salus's per-iteration dataflow executor: it
// runs one graph iteration to completion, handling control-flow frames,
// ready-queue dispatch, input/output preparation, and paging-induced retry.
// It is the largest of the five components and the one every other
// component ultimately exists to drive.
package dataflow

import "github.com/salusml/salus/internal/resources"

// NodeKind distinguishes the five control-flow node variants the executor
// special-cases, plus the common Plain case for everything else.
type NodeKind int

const (
	Plain NodeKind = iota
	Enter
	Exit
	NextIteration
	Merge
	Switch
)

// OutputEdge is one fused output-edge record: where a node's output slot
// feeds forward, and whether this is the last consumer of that slot (used to
// decide when an Entry may be cleared).
type OutputEdge struct {
	DestNode  NodeID
	OutSlot   int
	InSlot    int
	IsLast    bool
}

// NodeID indexes a node within a GraphView.
type NodeID int

// NodeItem is the immutable, compact per-node record a GraphView holds:
// precomputed input/output counts, the fused output-edge list, per-output
// allocator attributes, and input/output type arrays.
type NodeItem struct {
	ID       NodeID
	Name     string
	Kind     NodeKind
	NumIn    int
	NumOut   int
	Outputs  []OutputEdge
	InTypes  []string
	OutTypes []string
	// AllocAttrs[i] is the allocator attribute (e.g. "pinned", "on_host") for
	// output slot i, consulted by output processing.
	AllocAttrs []string
	// IsExpensive marks the handful of nodes (normally just the training
	// step's optimizer apply) that are costly to run; the executor's drain
	// uses it only to choose where the node is dispatched.
	IsExpensive bool
	// HasRefInput marks a node that consumes a Reference-kind entry,
	// disabling the resource-exhausted retry path for it.
	HasRefInput bool
	// FrameName is populated on Enter nodes: the child frame this Enter
	// opens, taken from its frame_name attribute.
	FrameName string
	// IsConstant is Enter's is_constant attribute.
	IsConstant bool
	// Device is the device this node's kernel runs on.
	Device resources.Device
}

// GraphView is the immutable, flattened representation of one iteration
// graph, built once per graph registration (ExtendSession/CreateSession) and
// shared across every RunStep execution of that graph.
type GraphView struct {
	ID    string
	Nodes []NodeItem
	// Roots lists the nodes with no data inputs (NumIn == 0): the initial
	// ready set for a fresh iteration.
	Roots []NodeID
	// MaxParallelIterations bounds how many loop iterations of any frame of
	// this graph (the root frame and every child frame) may run concurrently.
	MaxParallelIterations int
}

// Node resolves id to its NodeItem.
func (g *GraphView) Node(id NodeID) *NodeItem {
	return &g.Nodes[id]
}

// NewGraphView builds a GraphView from a flat node list, computing Roots.
func NewGraphView(id string, nodes []NodeItem, maxParallelIterations int) *GraphView {
	if maxParallelIterations <= 0 {
		maxParallelIterations = 1
	}
	gv := &GraphView{ID: id, Nodes: nodes, MaxParallelIterations: maxParallelIterations}
	for _, n := range nodes {
		if n.NumIn == 0 {
			gv.Roots = append(gv.Roots, n.ID)
		}
	}
	return gv
}
