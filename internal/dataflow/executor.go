package dataflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/salusml/salus/internal/buffertree"
	"github.com/salusml/salus/internal/device"
	"github.com/salusml/salus/internal/resources"
	"k8s.io/klog/v2"
)

// ErrResourceExhausted is what a kernel dispatch returns when the device
// allocator could not satisfy an allocation. It is a retryable memory
// failure for nodes without reference inputs.
var ErrResourceExhausted = errors.New("dataflow: resource exhausted")

// ErrInputMissing is returned by input preparation when a non-Merge node is
// handed an empty entry.
var ErrInputMissing = errors.New("dataflow: required input entry is empty")

// KernelOutput is one value a kernel dispatch produced for an output slot.
type KernelOutput struct {
	Buf    *device.Buffer
	DType  string
	Shape  []int64
	Device resources.Device
}

// KernelDispatcher is the boundary to the tensor library's operator kernels,
// an external collaborator out of scope for this package. Implementations
// invoke the real (or simulated) op.
type KernelDispatcher interface {
	Dispatch(ctx context.Context, node *NodeItem, inputs []*buffertree.Entry) ([]KernelOutput, error)
}

// ErrNoDispatcher is returned by NopDispatcher for every node, and is what an
// Executor run sees when no real kernel dispatcher was ever wired in.
var ErrNoDispatcher = errors.New("dataflow: no kernel dispatcher configured")

// NopDispatcher is the zero-effort KernelDispatcher: it errors on every node
// that actually needs a kernel call. Callers that only want to exercise
// scheduling and paging (with the graph's data entirely fed in via Feeds)
// can use it instead of wiring a real tensor-op backend.
type NopDispatcher struct{}

// Dispatch always fails with ErrNoDispatcher.
func (NopDispatcher) Dispatch(context.Context, *NodeItem, []*buffertree.Entry) ([]KernelOutput, error) {
	return nil, ErrNoDispatcher
}

// Pool is the subset of a worker pool the executor needs: submit a function
// to run on some other goroutine. internal/engine's WorkerPool implements
// this; dataflow never imports engine, so the dependency runs one way.
type Pool interface {
	Submit(fn func())
}

// Rendezvous is the abstract Send/Recv channel between cooperating graphs.
// FetchShape handles a Recv node whose sender already terminated: look up
// the already-delivered tensor's shape so the shape refiner has it before
// allocation.
type Rendezvous interface {
	FetchShape(nodeName string) ([]int64, bool)
}

// MemoryFailureParams is passed to OnMemoryFailure so the engine can select
// and page out a victim ticket.
type MemoryFailureParams struct {
	Requester resources.Ticket
	Node      *NodeItem
	Attempt   int
}

// RunParams configures one iteration execution.
type RunParams struct {
	Graph      *GraphView
	Ticket     resources.Ticket
	Arena      *buffertree.Arena
	Forest     *buffertree.Forest
	Devices    *device.Registry
	Dispatcher KernelDispatcher
	Pool       Pool
	Rendezvous Rendezvous

	// OnMemoryFailure is invoked when a kernel reports resource-exhausted;
	// returning nil means the caller paged something out and the node
	// should be retried, a non-nil error means retry is hopeless.
	OnMemoryFailure func(ctx context.Context, p MemoryFailureParams) error
	MaxFailures     int // default 2

	// Feeds seeds root-node (NumIn == 0) input values by node name, the
	// RunStep request's feed tensors.
	Feeds map[string]FeedValue

	// Cancelled is polled by drain before every node dispatch; true once
	// the owning session's force_close fired.
	Cancelled func() bool

	// IsInference skips the final device sync when true.
	IsInference bool
}

// FeedValue is one externally-supplied input tensor for a root node.
type FeedValue struct {
	Buf   *device.Buffer
	DType string
	Shape []int64
}

// Status is the terminal outcome of one iteration execution.
type Status struct {
	Err       error
	Cancelled bool
}

// Executor runs one iteration's graph to completion.
type Executor struct {
	p RunParams

	logger klog.Logger

	mu          sync.Mutex
	failures    map[NodeID]int
	firstErr    error
	cancelled   atomic.Bool
	outstanding sync.WaitGroup

	ready chan nodeTask
	done  chan struct{}
}

type nodeTask struct {
	frame *Frame
	iter  int64
	node  NodeID
}

// NewExecutor builds an Executor for one RunStep invocation.
func NewExecutor(p RunParams) *Executor {
	if p.MaxFailures <= 0 {
		p.MaxFailures = 2
	}
	return &Executor{
		p:        p,
		logger:   klog.Background().WithName("dataflow"),
		failures: make(map[NodeID]int),
		ready:    make(chan nodeTask, 64),
		done:     make(chan struct{}),
	}
}

// Run executes the graph to completion, dispatching ready nodes through
// drain, and returns the final status once every dispatched node task has
// finished.
func (e *Executor) Run(ctx context.Context) Status {
	root := NewRootFrame(e.p.Graph)
	root.GetOrCreateIteration(0, len(e.p.Graph.Nodes))

	for _, id := range e.p.Graph.Roots {
		e.enqueue(nodeTask{frame: root, iter: 0, node: id})
	}

	go e.drain(ctx)

	e.outstanding.Wait()
	close(e.ready)
	<-e.done

	e.completion(ctx)

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancelled.Load() {
		return Status{Cancelled: true}
	}
	return Status{Err: e.firstErr}
}

func (e *Executor) enqueue(t nodeTask) {
	e.outstanding.Add(1)
	select {
	case e.ready <- t:
	default:
		// Ready channel saturated: grow it by running the submit off the
		// critical path instead of blocking the propagate call that got us
		// here.
		go func() { e.ready <- t }()
	}
}

// drain is the ready-queue pump: it hands cheap nodes to the worker pool and
// starts a goroutine of their own for IsExpensive nodes (or for every node
// when no pool is set), until the ready channel is closed. No node runs
// inline on the pump or on the worker that produced its inputs.
func (e *Executor) drain(ctx context.Context) {
	var wg sync.WaitGroup
	for t := range e.ready {
		t := t
		if e.isCancelled() {
			e.outstanding.Done()
			continue
		}
		node := e.p.Graph.Node(t.node)
		if node.IsExpensive || e.p.Pool == nil {
			wg.Add(1)
			go func() {
				defer wg.Done()
				e.execute(ctx, t)
			}()
		} else {
			wg.Add(1)
			e.p.Pool.Submit(func() {
				defer wg.Done()
				e.execute(ctx, t)
			})
		}
	}
	wg.Wait()
	close(e.done)
}

func (e *Executor) isCancelled() bool {
	if e.cancelled.Load() {
		return true
	}
	if e.p.Cancelled != nil && e.p.Cancelled() {
		e.cancelled.Store(true)
		return true
	}
	return false
}

// execute runs node's full state machine: Prepare, dispatch, Process,
// Propagate, then marks the node completed.
func (e *Executor) execute(ctx context.Context, t nodeTask) {
	defer e.outstanding.Done()

	node := e.p.Graph.Node(t.node)
	is := t.frame.GetOrCreateIteration(t.iter, len(e.p.Graph.Nodes))

	inputs, err := e.prepareInputs(ctx, node, is)
	if err != nil {
		e.fail(err)
		return
	}

	if node.Kind == Switch {
		e.executeSwitch(t.frame, t.iter, is, node, inputs)
		return
	}

	var outs []KernelOutput
	if node.NumIn == 0 {
		if feed, ok := e.p.Feeds[node.Name]; ok {
			outs = []KernelOutput{{Buf: feed.Buf, DType: feed.DType, Shape: feed.Shape, Device: feed.Buf.Device}}
		}
	}
	if outs == nil {
		outs, err = e.dispatchWithRetry(ctx, node, inputs)
		if err != nil {
			e.fail(fmt.Errorf("dataflow: node %q: %w", node.Name, err))
			return
		}
	}

	entries := e.processOutputs(node, outs)
	e.propagate(t.frame, t.iter, node, entries)

	for _, idx := range inputs {
		// prepareInputs holds no lock past its return, so there is nothing
		// to release here; input entries are not cleared after use.
		_ = idx
	}
}

// prepareInputs resolves each input slot to its arena entry: re-faulting a
// paged-out buffer tree and moving the entry to the node's device if needed.
// Reference-kind entries are passed to the kernel as they are, with the
// referenced buffer in RefBuf; they are not dereferenced or moved here.
func (e *Executor) prepareInputs(ctx context.Context, node *NodeItem, is *IterationState) ([]*buffertree.Entry, error) {
	idxs := is.Inputs(node.ID)
	out := make([]*buffertree.Entry, len(idxs))
	for slot, idx := range idxs {
		if idx < 0 {
			if node.Kind == Merge {
				continue
			}
			return nil, fmt.Errorf("%w: node %q slot %d", ErrInputMissing, node.Name, slot)
		}
		entry := e.p.Arena.Get(idx)
		if entry == nil {
			return nil, fmt.Errorf("dataflow: node %q slot %d: dangling entry", node.Name, slot)
		}

		entry.Lock()
		if entry.Kind == buffertree.Reference {
			// No dereference is made; the kernel receives the entry itself
			// and reads the referenced buffer from RefBuf.
		}
		entry.Unlock()

		if t := e.p.Forest.EntryTree(idx); t != nil && t.PagedOut() {
			if err := e.p.Forest.Refault(t, e.p.Devices); err != nil {
				return nil, fmt.Errorf("dataflow: re-fault before use: %w", err)
			}
		}

		e.maybeMoveDevice(ctx, entry, node, idx)
		out[slot] = entry
	}
	return out, nil
}

// maybeMoveDevice relocates entry to node's device via a DMA copy if they
// disagree, updating the entry's device and buffer together under the
// entry's lock and then, after releasing it, linking the entry into the
// buffer tree of its new buffer. A failed copy is logged and leaves the
// entry where it was.
func (e *Executor) maybeMoveDevice(ctx context.Context, entry *buffertree.Entry, node *NodeItem, idx buffertree.Index) {
	entry.Lock()
	cur := entry.Device
	entry.Unlock()
	if cur == node.Device {
		return
	}
	src := e.p.Devices.Get(cur)
	dst := e.p.Devices.Get(node.Device)
	if src == nil || dst == nil {
		return
	}
	entry.Lock()
	buf := entry.Buf
	entry.Unlock()
	if buf == nil {
		return
	}
	newBuf, err := src.CopyTo(ctx, dst, buf, e.p.Ticket)
	if err != nil {
		e.logger.V(2).Info("device move failed", "node", node.Name, "err", err)
		return
	}
	entry.Lock()
	entry.Buf = newBuf
	entry.Device = node.Device
	entry.Unlock()
	e.p.Forest.Activate(idx, e.p.Ticket, newBuf)
}

// dispatchWithRetry calls the kernel, retrying on resource-exhausted by
// paging out a victim and trying again. Only nodes without reference
// inputs qualify, since reference mutation cannot be rolled back.
func (e *Executor) dispatchWithRetry(ctx context.Context, node *NodeItem, inputs []*buffertree.Entry) ([]KernelOutput, error) {
	attempt := 0
	for {
		outs, err := e.p.Dispatcher.Dispatch(ctx, node, inputs)
		if err == nil {
			return outs, nil
		}
		if !errors.Is(err, ErrResourceExhausted) || node.HasRefInput {
			return nil, err
		}

		attempt++
		e.mu.Lock()
		e.failures[node.ID] = attempt
		e.mu.Unlock()
		if attempt > e.p.MaxFailures {
			return nil, fmt.Errorf("dataflow: node %q exceeded max retries after resource-exhausted: %w", node.Name, err)
		}
		if e.p.OnMemoryFailure == nil {
			return nil, err
		}
		if cbErr := e.p.OnMemoryFailure(ctx, MemoryFailureParams{Requester: e.p.Ticket, Node: node, Attempt: attempt}); cbErr != nil {
			return nil, fmt.Errorf("dataflow: paging callback failed: %w", cbErr)
		}
	}
}

// processOutputs validates and installs each kernel output into a fresh
// Entry, billed to the executor's own ticket. It does not link the entry
// into a buffer tree; prepareInputs of a downstream consumer links it only
// when it moves the entry to another device.
func (e *Executor) processOutputs(node *NodeItem, outs []KernelOutput) []buffertree.Index {
	entries := make([]buffertree.Index, len(outs))
	for i, out := range outs {
		if i < len(node.OutTypes) && node.OutTypes[i] != "" && out.DType != node.OutTypes[i] {
			e.fail(fmt.Errorf("dataflow: node %q output %d: dtype mismatch, want %s got %s", node.Name, i, node.OutTypes[i], out.DType))
			return entries
		}
		idx, entry := e.p.Arena.Alloc()
		entry.SetValue(out.Buf, out.DType, out.Shape, out.Device, e.p.Ticket)
		entries[i] = idx
	}
	return entries
}

// executeSwitch implements Switch: inputs are [data, predicate]; outputs are
// two edge groups keyed by OutSlot, 0 for the false branch and 1 for the
// true branch, matching the convention the rest of this node's callers use
// (output_false, output_true = Switch(data, pred)). Switch never reaches a
// kernel dispatch: the predicate is a host-readable boolean scalar and the
// data value is forwarded unchanged, so the routing decision is entirely the
// executor's to make. The untaken branch's edges are delivered a Dead entry
// rather than skipped outright, so a downstream Merge's pending count still
// reaches zero instead of waiting forever on an edge that will never arrive.
func (e *Executor) executeSwitch(frame *Frame, iter int64, is *IterationState, node *NodeItem, inputs []*buffertree.Entry) {
	idxs := is.Inputs(node.ID)
	dataIdx := idxs[0]
	dataEntry, predEntry := inputs[0], inputs[1]

	dead := entryIsDead(dataEntry) || entryIsDead(predEntry)
	taken := !dead && entryBool(predEntry)

	deadIdx, deadEntry := e.p.Arena.Alloc()
	deadEntry.MarkDead()

	for _, edge := range node.Outputs {
		wantTrue := edge.OutSlot == 1
		idx := deadIdx
		if !dead && wantTrue == taken {
			idx = dataIdx
		}
		e.deliver(frame, iter, edge, idx)
	}
}

func entryIsDead(entry *buffertree.Entry) bool {
	entry.Lock()
	defer entry.Unlock()
	return entry.Kind == buffertree.Dead
}

// entryBool reads a predicate entry's buffer as a boolean scalar: any nonzero
// byte means true, matching the convention a real tensor library's bool
// dtype would use for a 1-byte scalar tensor.
func entryBool(entry *buffertree.Entry) bool {
	entry.Lock()
	buf := entry.Buf
	entry.Unlock()
	if buf == nil {
		return false
	}
	for _, b := range buf.Bytes() {
		if b != 0 {
			return true
		}
	}
	return false
}

// propagate delivers each output entry along its fused edges, handling the
// control-flow node kinds that reroute or fan out entries specially
// (Enter/Exit/NextIteration) and plain nodes uniformly otherwise. Switch is
// also control flow but is intercepted earlier, in execute, since it never
// reaches a kernel dispatch or this generic per-slot delivery.
func (e *Executor) propagate(frame *Frame, iter int64, node *NodeItem, entries []buffertree.Index) {
	switch node.Kind {
	case Enter:
		e.propagateEnter(frame, iter, node, entries)
		return
	case Exit:
		e.propagateExit(frame, iter, node, entries)
		return
	case NextIteration:
		e.propagateNextIteration(frame, node, entries)
		return
	}

	for slot, idx := range entries {
		for _, edge := range node.Outputs {
			if edge.OutSlot != slot {
				continue
			}
			e.deliver(frame, iter, edge, idx)
		}
	}
}

func (e *Executor) propagateEnter(frame *Frame, iter int64, node *NodeItem, entries []buffertree.Index) {
	child := frame.EnterChild(iter, node.FrameName, frame.maxParallelOf(node))
	childIter := child.GetOrCreateIteration(0, len(e.p.Graph.Nodes))
	for slot, idx := range entries {
		for _, edge := range node.Outputs {
			if edge.OutSlot != slot {
				continue
			}
			childIter.SetInput(edge.DestNode, edge.InSlot, idx)
			if childIter.DecrementPending(edge.DestNode) {
				e.enqueue(nodeTask{frame: child, iter: 0, node: edge.DestNode})
			}
		}
	}
}

func (e *Executor) propagateExit(frame *Frame, iter int64, node *NodeItem, entries []buffertree.Index) {
	if frame.parent == nil {
		return
	}
	parentIter := frame.parent.GetOrCreateIteration(frame.parentIter, len(e.p.Graph.Nodes))
	for slot, idx := range entries {
		for _, edge := range node.Outputs {
			if edge.OutSlot != slot {
				continue
			}
			parentIter.SetInput(edge.DestNode, edge.InSlot, idx)
			if parentIter.DecrementPending(edge.DestNode) {
				e.enqueue(nodeTask{frame: frame.parent, iter: frame.parentIter, node: edge.DestNode})
			}
		}
	}
	frame.FinishIteration(iter)
}

func (e *Executor) propagateNextIteration(frame *Frame, node *NodeItem, entries []buffertree.Index) {
	for slot, idx := range entries {
		for _, edge := range node.Outputs {
			if edge.OutSlot != slot {
				continue
			}
			nextIter, overflowed := frame.Advance(edge.DestNode, edge.InSlot, idx)
			if overflowed {
				continue
			}
			nis := frame.GetOrCreateIteration(nextIter, len(e.p.Graph.Nodes))
			nis.SetInput(edge.DestNode, edge.InSlot, idx)
			if nis.DecrementPending(edge.DestNode) {
				e.enqueue(nodeTask{frame: frame, iter: nextIter, node: edge.DestNode})
			}
		}
	}
}

// deliver writes idx into edge's destination slot and enqueues the
// destination once its pending count (or Merge readiness) says it is ready.
func (e *Executor) deliver(frame *Frame, iter int64, edge OutputEdge, idx buffertree.Index) {
	is := frame.GetOrCreateIteration(iter, len(e.p.Graph.Nodes))
	dest := e.p.Graph.Node(edge.DestNode)
	is.SetInput(edge.DestNode, edge.InSlot, idx)

	live := idx >= 0
	if entry := e.p.Arena.Get(idx); entry != nil {
		entry.Lock()
		live = entry.Kind != buffertree.Dead
		entry.Unlock()
	}

	var ready bool
	if dest.Kind == Merge {
		ready = is.MergeArrived(edge.DestNode, live)
	} else {
		ready = is.DecrementPending(edge.DestNode)
	}
	if ready {
		e.enqueue(nodeTask{frame: frame, iter: iter, node: edge.DestNode})
	}
}

func (e *Executor) fail(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.firstErr == nil {
		e.firstErr = err
	}
}

// completion drains outstanding device work before the iteration reports
// done, skipped for inference runs where the caller doesn't need to block
// on device sync.
func (e *Executor) completion(ctx context.Context) {
	if e.p.IsInference {
		return
	}
	for _, d := range e.p.Devices.All() {
		_ = d.Sync(ctx)
	}
}

// maxParallelOf resolves the child frame's max-parallel-iterations bound.
// The bound is not scoped per-Enter-node, so every Enter in a graph shares
// the GraphView's MaxParallelIterations.
func (f *Frame) maxParallelOf(node *NodeItem) int {
	return f.graph.MaxParallelIterations
}
