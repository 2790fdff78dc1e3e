package dataflow

import (
	"fmt"
	"strconv"
	"sync"

	"github.com/salusml/salus/internal/buffertree"
)

// Frame represents one lexical loop scope within an iteration graph: a ring
// of IterationStates indexed by the loop iteration counter, forming a
// parent/child tree with other frames. A child frame is created lazily the
// first time an Enter node fires for a given (parent-frame, parent-iter)
// pair.
type Frame struct {
	mu sync.Mutex

	name        string
	graph       *GraphView
	parent      *Frame
	parentIter  int64
	children    map[string]*Frame
	maxParallel int

	// iterCounter is the next iteration index NextIteration will advance
	// into; ring holds at most maxParallel live IterationStates at once.
	iterCounter int64
	ring        map[int64]*IterationState

	// deferred holds values that overflowed NextIteration because
	// maxParallel iterations were already in flight; they become roots of
	// the next iteration once a slot frees up.
	deferred []deferredValue

	// liveCount tracks outstanding IterationStates so the executor knows
	// when a frame (and its whole subtree) is done.
	liveCount int
	doneCh    chan struct{}
	doneOnce  sync.Once
}

type deferredValue struct {
	node  NodeID
	slot  int
	entry buffertree.Index
}

// childFrameName computes the Enter child-frame naming rule:
// parent_frame_name + ";" + parent_iter + ";" + frame_name attribute.
func childFrameName(parentName string, parentIter int64, attrFrameName string) string {
	return parentName + ";" + strconv.FormatInt(parentIter, 10) + ";" + attrFrameName
}

// NewRootFrame builds the outermost frame for one iteration execution.
func NewRootFrame(graph *GraphView) *Frame {
	return &Frame{
		name:        "",
		graph:       graph,
		maxParallel: graph.MaxParallelIterations,
		children:    make(map[string]*Frame),
		ring:        make(map[int64]*IterationState),
		doneCh:      make(chan struct{}),
	}
}

// EnterChild returns (creating lazily if necessary) the child frame opened by
// an Enter node firing at (f, parentIter) with the given attr("frame_name").
func (f *Frame) EnterChild(parentIter int64, attrFrameName string, maxParallel int) *Frame {
	name := childFrameName(f.name, parentIter, attrFrameName)
	f.mu.Lock()
	defer f.mu.Unlock()
	if child, ok := f.children[name]; ok {
		return child
	}
	if maxParallel <= 0 {
		maxParallel = 1
	}
	child := &Frame{
		name:        name,
		graph:       f.graph,
		parent:      f,
		parentIter:  parentIter,
		maxParallel: maxParallel,
		children:    make(map[string]*Frame),
		ring:        make(map[int64]*IterationState),
		doneCh:      make(chan struct{}),
	}
	f.children[name] = child
	return child
}

// GetOrCreateIteration returns the IterationState for iter, creating it (and
// bumping liveCount) if this is the first reference. The caller must already
// know iter fits within maxParallel of the current window; NextIteration
// enforces that by deferring overflow.
func (f *Frame) GetOrCreateIteration(iter int64, numNodes int) *IterationState {
	f.mu.Lock()
	defer f.mu.Unlock()
	if is, ok := f.ring[iter]; ok {
		return is
	}
	is := newIterationState(f, iter, numNodes)
	f.ring[iter] = is
	f.liveCount++
	return is
}

// Advance moves the frame's iteration counter forward by one, queuing value
// as a deferred root if doing so would exceed maxParallel concurrently-live
// iterations.
func (f *Frame) Advance(node NodeID, slot int, entry buffertree.Index) (nextIter int64, overflowed bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	next := f.iterCounter
	if len(f.ring) >= f.maxParallel {
		f.deferred = append(f.deferred, deferredValue{node: node, slot: slot, entry: entry})
		return next, true
	}
	f.iterCounter++
	return next, false
}

// DrainDeferred pops every value queued for the next iteration once a ring
// slot has freed up, to be re-delivered as roots of that iteration.
func (f *Frame) DrainDeferred() []deferredValue {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.deferred
	f.deferred = nil
	return out
}

// FinishIteration retires iter from the ring. If this empties the frame and
// it has never opened a child frame, the frame's done channel closes; child
// frames are never removed from children, so a frame that opened one does
// not close its done channel here.
func (f *Frame) FinishIteration(iter int64) {
	f.mu.Lock()
	delete(f.ring, iter)
	f.liveCount--
	done := f.liveCount <= 0 && len(f.children) == 0
	f.mu.Unlock()
	if done {
		f.doneOnce.Do(func() { close(f.doneCh) })
	}
}

// Done returns a channel closed once FinishIteration retires the last live
// IterationState of a frame that has no child frames.
func (f *Frame) Done() <-chan struct{} { return f.doneCh }

// Name returns the frame's fully-qualified name.
func (f *Frame) Name() string { return f.name }

// IterationState owns the input-tensor table for one loop iteration of one
// frame, plus pending-count data for every node in the graph.
type IterationState struct {
	frame *Frame
	iter  int64

	mu sync.Mutex
	// inputs[node] is a slice of buffertree.Index, one per input slot; a
	// slot not yet filled holds -1.
	inputs [][]buffertree.Index
	// pending[node] counts down remaining producers; for Merge nodes the
	// low bit additionally tracks whether a live data input has already
	// been seen.
	pending []int32
	// mergeSeenLive is indexed in parallel with pending and implements that
	// low bit as its own slice for readability, rather than bit-packing it
	// into the int32; the observable state machine is identical.
	mergeSeenLive []bool

	outstanding int // emitted-but-not-completed kernel count
}

func newIterationState(f *Frame, iter int64, numNodes int) *IterationState {
	is := &IterationState{
		frame:         f,
		iter:          iter,
		inputs:        make([][]buffertree.Index, numNodes),
		pending:       make([]int32, numNodes),
		mergeSeenLive: make([]bool, numNodes),
	}
	for i, n := range f.graph.Nodes {
		is.inputs[i] = make([]buffertree.Index, n.NumIn)
		for j := range is.inputs[i] {
			is.inputs[i][j] = -1
		}
		is.pending[i] = int32(n.NumIn)
	}
	return is
}

// Frame returns the owning frame.
func (is *IterationState) Frame() *Frame { return is.frame }

// Iter returns the loop iteration index this state belongs to.
func (is *IterationState) Iter() int64 { return is.iter }

// SetInput records entryIdx as the value delivered to (node, slot).
func (is *IterationState) SetInput(node NodeID, slot int, entryIdx buffertree.Index) {
	is.mu.Lock()
	defer is.mu.Unlock()
	is.inputs[node][slot] = entryIdx
}

// Inputs returns the filled input entries for node.
func (is *IterationState) Inputs(node NodeID) []buffertree.Index {
	is.mu.Lock()
	defer is.mu.Unlock()
	out := make([]buffertree.Index, len(is.inputs[node]))
	copy(out, is.inputs[node])
	return out
}

// DecrementPending counts down one arrived (or dead) edge into node,
// returning true exactly once, when the node transitions to ready.
func (is *IterationState) DecrementPending(node NodeID) bool {
	is.mu.Lock()
	defer is.mu.Unlock()
	is.pending[node]--
	if is.pending[node] < 0 {
		panic(fmt.Sprintf("dataflow: pending count under-flowed for node %d", node))
	}
	return is.pending[node] == 0
}

// MergeArrived implements Merge's readiness rule: ready as soon as the first
// live input arrives, or once every input has arrived dead. Every incoming
// edge counts as a data input; Merge has no separate control inputs here.
// liveEdge is true iff the edge just delivered carried a live value. Returns
// true exactly once, the first time the node becomes ready.
func (is *IterationState) MergeArrived(node NodeID, liveEdge bool) bool {
	is.mu.Lock()
	defer is.mu.Unlock()
	is.pending[node]--
	if is.pending[node] < 0 {
		panic(fmt.Sprintf("dataflow: merge pending count under-flowed for node %d", node))
	}
	if liveEdge && !is.mergeSeenLive[node] {
		is.mergeSeenLive[node] = true
		return true
	}
	if is.pending[node] > 0 {
		return false
	}
	return !is.mergeSeenLive[node]
}

// MergeHasLiveValue reports whether a live edge was ever seen for node in
// this iteration — only the first live edge provides Merge's output value.
func (is *IterationState) MergeHasLiveValue(node NodeID) bool {
	is.mu.Lock()
	defer is.mu.Unlock()
	return is.mergeSeenLive[node]
}

// IncOutstanding/DecOutstanding track emitted-vs-completed kernels. The
// Executor does not call them; it counts its own outstanding node tasks with
// a sync.WaitGroup.
func (is *IterationState) IncOutstanding() {
	is.mu.Lock()
	is.outstanding++
	is.mu.Unlock()
}

func (is *IterationState) DecOutstanding() int {
	is.mu.Lock()
	defer is.mu.Unlock()
	is.outstanding--
	return is.outstanding
}
