// Package buffertree implements Salus's buffer-tree / paging subsystem: the
// per-ticket tensor-aliasing record that lets the dataflow executor migrate
// a whole alias set of tensors to another device under memory pressure.
//
// Entries and Trees reference each other, so Entries are arena-allocated and
// identified by index rather than pointer: the tree holds weak back-edges
// into the arena instead of direct Entry pointers, avoiding a Go reference
// cycle. The dataflow executor owns the Arena; a Tree only ever stores
// indices into it.
package buffertree

import (
	"sync"

	"github.com/salusml/salus/internal/device"
	"github.com/salusml/salus/internal/resources"
)

// Kind distinguishes the four states an Entry can be in.
type Kind int

const (
	// Empty is the zero value: no tensor has flowed through this slot yet.
	Empty Kind = iota
	// ByValue holds an owned tensor.
	ByValue
	// Reference holds a pointer to an externally owned mutable tensor,
	// guarded by RefMu.
	Reference
	// Dead marks a value that will never arrive (control-flow pruning).
	Dead
)

// Index identifies one Entry within an Arena.
type Index int

// Entry is the slot for one tensor value flowing along a graph edge.
type Entry struct {
	mu sync.Mutex

	Kind Kind

	// Buf is the backing device buffer for a ByValue entry.
	Buf *device.Buffer
	// RefBuf/RefMu back a Reference entry: an externally owned mutable
	// tensor plus the mutex that must be held to dereference it.
	RefBuf *device.Buffer
	RefMu  *sync.Mutex

	Shape  []int64
	DType  string
	Device resources.Device
	Ticket resources.Ticket
	// AllocAttr records the per-output allocator attribute (e.g. "pinned",
	// "on_host") carried from the GraphView's NodeItem.
	AllocAttr string

	// tree/sub name the buffer-tree node this Entry is linked to, or nil/""
	// if unlinked (the common case for short-lived intermediates: linking
	// only happens once a value is activated into a downstream input).
	tree    *Tree
	subAddr uintptr // 0 when linked at the tree root
}

// Lock/Unlock expose the Entry's own mutex, used by input preparation to
// dereference a Reference entry and by the executor to guard device/ticket
// updates made during a DMA move.
func (e *Entry) Lock()   { e.mu.Lock() }
func (e *Entry) Unlock() { e.mu.Unlock() }

// SetValue installs buf as this Entry's owned value, recording its device
// and dtype/shape. Linking into a buffer tree is a separate step
// (Forest.Activate) performed only when the value is consumed downstream.
func (e *Entry) SetValue(buf *device.Buffer, dtype string, shape []int64, dev resources.Device, ticket resources.Ticket) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Kind = ByValue
	e.Buf = buf
	e.DType = dtype
	e.Shape = shape
	e.Device = dev
	e.Ticket = ticket
}

// SetReference installs a reference to an externally owned tensor.
func (e *Entry) SetReference(buf *device.Buffer, mu *sync.Mutex, dev resources.Device) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Kind = Reference
	e.RefBuf = buf
	e.RefMu = mu
	e.Device = dev
}

// MarkDead clears the entry and marks it dead, the terminal state for
// control-flow pruned values.
func (e *Entry) MarkDead() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Kind = Dead
	e.Buf = nil
}

// Clear resets the entry to empty, releasing its tensor reference. Called
// when a node completes and its downstream consumers have all fired.
func (e *Entry) Clear() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Kind = Empty
	e.Buf = nil
	e.RefBuf = nil
	e.RefMu = nil
	e.tree = nil
	e.subAddr = 0
}

// buffer returns the address this entry currently references, used by the
// forest to decide root vs. sub-buffer membership and by eviction lookups.
func (e *Entry) buffer() *device.Buffer {
	if e.Kind == Reference {
		return e.RefBuf
	}
	return e.Buf
}

// Arena owns every live Entry for one executing iteration, indexed for O(1)
// lookup and reuse. The dataflow executor is the sole owner; Trees only ever
// hold back-references by Index.
type Arena struct {
	mu      sync.Mutex
	entries []*Entry
	free    []Index
}

// NewArena builds an empty arena sized for n initial slots.
func NewArena(n int) *Arena {
	return &Arena{entries: make([]*Entry, 0, n)}
}

// Alloc returns a fresh, empty Entry and its Index.
func (a *Arena) Alloc() (Index, *Entry) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if n := len(a.free); n > 0 {
		idx := a.free[n-1]
		a.free = a.free[:n-1]
		e := &Entry{}
		a.entries[idx] = e
		return idx, e
	}
	idx := Index(len(a.entries))
	e := &Entry{}
	a.entries = append(a.entries, e)
	return idx, e
}

// Get resolves idx to its Entry.
func (a *Arena) Get(idx Index) *Entry {
	a.mu.Lock()
	defer a.mu.Unlock()
	if int(idx) < 0 || int(idx) >= len(a.entries) {
		return nil
	}
	return a.entries[idx]
}

// Release returns idx's slot to the free list once the owning node has
// cleared the entry and no downstream consumer still needs it.
func (a *Arena) Release(idx Index) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if int(idx) < 0 || int(idx) >= len(a.entries) {
		return
	}
	a.entries[idx] = nil
	a.free = append(a.free, idx)
}
