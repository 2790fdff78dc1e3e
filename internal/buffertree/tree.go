package buffertree

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/salusml/salus/internal/device"
	"github.com/salusml/salus/internal/resources"
	"k8s.io/klog/v2"
)

// Tree is the per-ticket tensor aliasing record: a root buffer, the Entries
// that reference it directly, a map from sub-buffer to the Entries
// referencing that sub-buffer, and the paged-out flag Page/Refault flip.
type Tree struct {
	mu sync.Mutex

	ticket resources.Ticket
	root   *device.Buffer
	// origin is the device the tree lived on before any migration, used by
	// the re-fault path to migrate back.
	origin resources.Device

	roots []Index
	subs  map[uintptr][]Index

	pagedOut bool

	// seq orders trees for the fixed lock-acquisition order the paging
	// algorithm requires; Go slices don't have a
	// stable address to sort by the way C++ pointers do, so a monotonic
	// sequence number plays the same role.
	seq uint64
}

// Ticket returns the ticket this tree is currently billed to.
func (t *Tree) Ticket() resources.Ticket {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ticket
}

// PagedOut reports whether the tree currently lives off its origin device.
func (t *Tree) PagedOut() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pagedOut
}

// RootBuffer returns the tree's current root buffer, or nil.
func (t *Tree) RootBuffer() *device.Buffer {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.root
}

// Forest is the executor-wide active-buffer registry: a multimap from
// ticket to buffer-tree, guarded by its own mutex. Lock order is always
// Forest then Tree, never the reverse.
type Forest struct {
	mu       sync.Mutex
	byTicket map[resources.Ticket][]*Tree
	arena    *Arena
	seq      uint64
	logger   klog.Logger
}

// NewForest builds an empty Forest over arena, the executor's Entry arena.
func NewForest(arena *Arena) *Forest {
	return &Forest{
		byTicket: make(map[resources.Ticket][]*Tree),
		arena:    arena,
		logger:   klog.Background().WithName("buffertree"),
	}
}

// treeForBuffer finds the tree already rooted at buf's address, or nil.
func (f *Forest) treeForBuffer(ticket resources.Ticket, buf *device.Buffer) *Tree {
	for _, t := range f.byTicket[ticket] {
		t.mu.Lock()
		match := t.root != nil && t.root.Addr == buf.Addr
		t.mu.Unlock()
		if match {
			return t
		}
	}
	return nil
}

// Activate links entryIdx into the tree rooted at root's buffer, creating the
// tree if this is its first reference. An entry joins its buffer tree only
// once its value is activated into a downstream input, so callers invoke
// Activate from input preparation, not from output processing.
func (f *Forest) Activate(entryIdx Index, ticket resources.Ticket, root *device.Buffer) {
	f.mu.Lock()
	defer f.mu.Unlock()

	t := f.treeForBuffer(ticket, root)
	if t == nil {
		f.seq++
		t = &Tree{ticket: ticket, root: root, origin: root.Device, subs: make(map[uintptr][]Index), seq: f.seq}
		f.byTicket[ticket] = append(f.byTicket[ticket], t)
	}

	t.mu.Lock()
	t.roots = append(t.roots, entryIdx)
	t.mu.Unlock()

	if e := f.arena.Get(entryIdx); e != nil {
		e.mu.Lock()
		e.tree = t
		e.subAddr = 0
		e.mu.Unlock()
	}
}

// ActivateSub links entryIdx as a reference to subBuf, a sub-buffer of an
// already-active root.
func (f *Forest) ActivateSub(entryIdx Index, ticket resources.Ticket, root, subBuf *device.Buffer) {
	f.mu.Lock()
	t := f.treeForBuffer(ticket, root)
	if t == nil {
		f.mu.Unlock()
		// No tree yet for this root; activate the root first, then retry.
		f.Activate(entryIdx, ticket, root)
		return
	}
	f.mu.Unlock()

	t.mu.Lock()
	t.subs[subBuf.Addr] = append(t.subs[subBuf.Addr], entryIdx)
	t.mu.Unlock()

	if e := f.arena.Get(entryIdx); e != nil {
		e.mu.Lock()
		e.tree = t
		e.subAddr = subBuf.Addr
		e.mu.Unlock()
	}
}

// Unlink removes entryIdx from whatever tree it belongs to. If the tree has
// no remaining references after the removal, it is dropped from the Forest.
func (f *Forest) Unlink(entryIdx Index) {
	e := f.arena.Get(entryIdx)
	if e == nil {
		return
	}
	e.mu.Lock()
	t := e.tree
	e.tree = nil
	e.mu.Unlock()
	if t == nil {
		return
	}

	t.mu.Lock()
	t.roots = removeIndex(t.roots, entryIdx)
	for addr, idxs := range t.subs {
		filtered := removeIndex(idxs, entryIdx)
		if len(filtered) == 0 {
			delete(t.subs, addr)
		} else {
			t.subs[addr] = filtered
		}
	}
	empty := len(t.roots) == 0 && len(t.subs) == 0
	t.mu.Unlock()

	if empty {
		f.mu.Lock()
		defer f.mu.Unlock()
		list := f.byTicket[t.ticket]
		for i, candidate := range list {
			if candidate == t {
				f.byTicket[t.ticket] = append(list[:i], list[i+1:]...)
				break
			}
		}
		if len(f.byTicket[t.ticket]) == 0 {
			delete(f.byTicket, t.ticket)
		}
	}
}

func removeIndex(idxs []Index, target Index) []Index {
	out := idxs[:0]
	for _, i := range idxs {
		if i != target {
			out = append(out, i)
		}
	}
	return out
}

// Page migrates every non-paged-out tree belonging to ticket to dst.
// registry resolves a resources.Device descriptor to the live device.Device
// used for the copy. It returns the total bytes reclaimed on the source
// device.
func (f *Forest) Page(ticket resources.Ticket, dst resources.Device, registry *device.Registry) (int64, error) {
	dstDev := registry.Get(dst)
	if dstDev == nil {
		return 0, fmt.Errorf("buffertree: no device registered for %s", dst)
	}

	// Step 1: collect and remove the candidate trees, then lock them in a
	// fixed order to avoid deadlocking against a concurrent page for the
	// same ticket.
	f.mu.Lock()
	var candidates []*Tree
	var kept []*Tree
	for _, t := range f.byTicket[ticket] {
		t.mu.Lock()
		take := !t.pagedOut && t.root != nil
		t.mu.Unlock()
		if take {
			candidates = append(candidates, t)
		} else {
			kept = append(kept, t)
		}
	}
	if len(kept) > 0 {
		f.byTicket[ticket] = kept
	} else {
		delete(f.byTicket, ticket)
	}
	f.mu.Unlock()

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].seq < candidates[j].seq })
	for _, t := range candidates {
		t.mu.Lock()
	}
	defer func() {
		for _, t := range candidates {
			t.mu.Unlock()
		}
	}()

	var reclaimed int64
	for _, t := range candidates {
		srcDev := registry.Get(t.root.Device)
		if srcDev == nil {
			return reclaimed, fmt.Errorf("buffertree: no device registered for %s", t.root.Device)
		}
		newRoot, err := srcDev.CopyTo(context.Background(), dstDev, t.root, ticket)
		if err != nil {
			return reclaimed, fmt.Errorf("buffertree: paging root to %s: %w", dst, err)
		}
		reclaimed += t.root.Size

		oldRootAddr := t.root.Addr
		newSubs := make(map[uintptr][]Index, len(t.subs))
		for oldAddr, idxs := range t.subs {
			offset := oldAddr - oldRootAddr
			newAddr := newRoot.Addr + offset
			newSubs[newAddr] = idxs
			for _, idx := range idxs {
				if e := f.arena.Get(idx); e != nil {
					e.mu.Lock()
					e.Device = dst
					e.subAddr = newAddr
					if e.Kind == ByValue {
						e.Buf = newRoot
					}
					e.mu.Unlock()
				}
			}
		}
		for _, idx := range t.roots {
			if e := f.arena.Get(idx); e != nil {
				e.mu.Lock()
				e.Device = dst
				if e.Kind == ByValue {
					e.Buf = newRoot
				} else if e.Kind == Reference {
					e.RefBuf = newRoot
				}
				e.mu.Unlock()
			}
		}
		t.root = newRoot
		t.subs = newSubs
		t.pagedOut = true
		t.ticket = ticket
	}

	f.mu.Lock()
	f.byTicket[ticket] = append(f.byTicket[ticket], candidates...)
	f.mu.Unlock()

	f.logger.V(3).Info("paged buffer trees", "ticket", ticket, "target", dst.String(),
		"trees", len(candidates), "bytesReclaimed", reclaimed)
	return reclaimed, nil
}

// Refault performs the reverse migration for t, back to its origin device, if
// it is currently paged out. Double-checked under the tree's own mutex so
// concurrent input-preparation calls serialise on the first one to win the
// race; page-in happens on demand, one tree at a time.
func (f *Forest) Refault(t *Tree, registry *device.Registry) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.pagedOut {
		return nil
	}

	srcDev := registry.Get(t.root.Device)
	dstDev := registry.Get(t.origin)
	if srcDev == nil || dstDev == nil {
		return fmt.Errorf("buffertree: re-fault missing device registration for %s or %s", t.root.Device, t.origin)
	}
	newRoot, err := srcDev.CopyTo(context.Background(), dstDev, t.root, t.ticket)
	if err != nil {
		return fmt.Errorf("buffertree: re-fault copy to %s: %w", t.origin, err)
	}

	oldRootAddr := t.root.Addr
	newSubs := make(map[uintptr][]Index, len(t.subs))
	for oldAddr, idxs := range t.subs {
		offset := oldAddr - oldRootAddr
		newAddr := newRoot.Addr + offset
		newSubs[newAddr] = idxs
		for _, idx := range idxs {
			if e := f.arena.Get(idx); e != nil {
				e.mu.Lock()
				e.Device = t.origin
				e.subAddr = newAddr
				if e.Kind == ByValue {
					e.Buf = newRoot
				}
				e.mu.Unlock()
			}
		}
	}
	for _, idx := range t.roots {
		if e := f.arena.Get(idx); e != nil {
			e.mu.Lock()
			e.Device = t.origin
			if e.Kind == ByValue {
				e.Buf = newRoot
			} else if e.Kind == Reference {
				e.RefBuf = newRoot
			}
			e.mu.Unlock()
		}
	}
	t.root = newRoot
	t.subs = newSubs
	t.pagedOut = false
	return nil
}

// EntryTree returns the Tree entryIdx currently belongs to, or nil.
func (f *Forest) EntryTree(entryIdx Index) *Tree {
	e := f.arena.Get(entryIdx)
	if e == nil {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tree
}

// OnEvicted implements device.EvictionNotifier: when the allocator layer
// reports addr evicted out from under ticket, every Entry in the owning tree
// that referenced exactly that address is marked dead.
func (f *Forest) OnEvicted(ticket resources.Ticket, addr uintptr) {
	f.mu.Lock()
	trees := append([]*Tree(nil), f.byTicket[ticket]...)
	f.mu.Unlock()

	for _, t := range trees {
		t.mu.Lock()
		var affected []Index
		if t.root != nil && t.root.Addr == addr {
			affected = append(affected, t.roots...)
		}
		if idxs, ok := t.subs[addr]; ok {
			affected = append(affected, idxs...)
		}
		t.mu.Unlock()

		for _, idx := range affected {
			if e := f.arena.Get(idx); e != nil {
				e.MarkDead()
			}
		}
	}
}

// Trees returns a snapshot of every tree currently billed to ticket, for
// introspection and the admin server's /debug/tickets endpoint.
func (f *Forest) Trees(ticket resources.Ticket) []*Tree {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Tree(nil), f.byTicket[ticket]...)
}
