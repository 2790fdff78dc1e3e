// Package lane implements Salus's lane manager: it partitions each GPU into
// memory-bounded lanes, best-fits an incoming job's layout into concrete
// lanes, and hands out lane holds whose release recomputes lane occupancy.
//
// A Lane's tryFit applies the same greedy best-fit idea used for picking
// among whole GPUs to a multiset of persistent+peak reservations inside one
// memory budget instead.
package lane

import (
	"sync"
	"sync/atomic"

	"github.com/lithammer/shortuuid/v4"
	"github.com/salusml/salus/internal/resources"
)

// ID identifies one Lane for logging and debug introspection.
type ID string

func newLaneID() ID {
	return ID("lane-" + shortuuid.New())
}

// holdAmounts is the bookkeeping a Lane keeps per outstanding Hold: the
// unconditional persistent reservation and this hold's contribution to the
// lane's shared peak multiset.
type holdAmounts struct {
	persistent int64
	peak       int64
	ticket     resources.Ticket
}

// Lane is a contiguous GPU memory budget shared by zero or more jobs.
// Invariant:
//
//	available_memory + Σ(hold.persistent) + max(hold.peak ∪ {0}) == total_memory
type Lane struct {
	id              ID
	gpu             resources.Device
	baseStreamIndex int
	totalMemory     int64

	mu              sync.Mutex
	availableMemory int64
	holds           map[uint64]holdAmounts
	nextHoldID      uint64
	sessions        map[resources.Ticket]struct{}

	refcount atomic.Int32 // starts at 1: the manager's own reference
}

func newLane(id ID, gpu resources.Device, baseStreamIndex int, totalMemory int64) *Lane {
	l := &Lane{
		id:              id,
		gpu:             gpu,
		baseStreamIndex: baseStreamIndex,
		totalMemory:     totalMemory,
		availableMemory: totalMemory,
		holds:           make(map[uint64]holdAmounts),
		sessions:        make(map[resources.Ticket]struct{}),
	}
	l.refcount.Store(1)
	return l
}

// ID returns the lane's identifier.
func (l *Lane) ID() ID { return l.id }

// GPU returns the physical device this lane lives on.
func (l *Lane) GPU() resources.Device { return l.gpu }

// BaseStreamIndex returns the first GPU stream index reserved for this
// lane.
func (l *Lane) BaseStreamIndex() int { return l.baseStreamIndex }

// AvailableMemory returns the lane's current free budget.
func (l *Lane) AvailableMemory() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.availableMemory
}

// TotalMemory returns the lane's fixed memory budget.
func (l *Lane) TotalMemory() int64 { return l.totalMemory }

// Ref increments the lane's reference count. A lane whose count is above 1
// is not collected by Manager.GC, independent of whether it has holds.
func (l *Lane) Ref() {
	l.refcount.Add(1)
}

// Unref decrements the lane's reference count.
func (l *Lane) Unref() {
	l.refcount.Add(-1)
}

// collectible reports whether the lane is eligible for garbage collection:
// refcount has dropped to 1 (only the manager holds it) and it has no
// outstanding holds.
func (l *Lane) collectible() bool {
	if l.refcount.Load() > 1 {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.holds) == 0
}

// maxPeakLocked returns the current maximum peak across all holds, or 0.
// Callers must hold l.mu.
func (l *Lane) maxPeakLocked() int64 {
	var max int64
	for _, h := range l.holds {
		if h.peak > max {
			max = h.peak
		}
	}
	return max
}

// fits reports whether a new hold of (persistent, peak) could be admitted
// without the lane's occupancy exceeding its budget:
// "persistent + max(peak, already_observed_max_peak) ≤ lane.available_memory".
func (l *Lane) fits(persistent, peak int64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.fitsLocked(persistent, peak)
}

func (l *Lane) fitsLocked(persistent, peak int64) bool {
	currentMax := l.maxPeakLocked()
	needed := peak
	if currentMax > needed {
		needed = currentMax
	}
	return persistent+needed <= l.availableMemory
}

// tryFit attempts to admit (persistent, peak, ticket) atomically. On
// success it decrements available_memory by exactly the marginal cost of
// this hold (its persistent share, plus any increase to the lane's shared
// peak) and returns a Hold capability.
func (l *Lane) tryFit(persistent, peak int64, ticket resources.Ticket) (*Hold, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	currentMax := l.maxPeakLocked()
	newMax := currentMax
	if peak > newMax {
		newMax = peak
	}
	delta := persistent + (newMax - currentMax)
	if delta > l.availableMemory {
		return nil, false
	}

	l.availableMemory -= delta
	id := l.nextHoldID
	l.nextHoldID++
	l.holds[id] = holdAmounts{persistent: persistent, peak: peak, ticket: ticket}
	l.sessions[ticket] = struct{}{}

	return &Hold{lane: l, id: id, persistent: persistent, peak: peak, ticket: ticket}, true
}

// release drops holdID's reservation and restores the freed memory,
// returning the number of bytes freed (0 if already released).
func (l *Lane) release(holdID uint64) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	h, ok := l.holds[holdID]
	if !ok {
		return 0
	}
	currentMax := l.maxPeakLocked()
	delete(l.holds, holdID)
	newMax := l.maxPeakLocked()
	delta := h.persistent + (currentMax - newMax)
	l.availableMemory += delta

	stillPresent := false
	for _, other := range l.holds {
		if other.ticket == h.ticket {
			stillPresent = true
			break
		}
	}
	if !stillPresent {
		delete(l.sessions, h.ticket)
	}
	return delta
}

// Sessions returns the tickets of jobs currently admitted on this lane.
func (l *Lane) Sessions() []resources.Ticket {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]resources.Ticket, 0, len(l.sessions))
	for t := range l.sessions {
		out = append(out, t)
	}
	return out
}

// HoldCount reports the number of live holds, for tests and introspection.
func (l *Lane) HoldCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.holds)
}

// Hold is a lane reservation granted to one job: `persistent` bytes
// reserved unconditionally, plus `peak` bytes contributed to the lane's
// shared peak multiset.
type Hold struct {
	lane       *Lane
	id         uint64
	persistent int64
	peak       int64
	ticket     resources.Ticket

	released atomic.Bool
}

// Lane returns the lane this hold was granted on.
func (h *Hold) Lane() *Lane { return h.lane }

// Persistent returns the hold's unconditional reservation.
func (h *Hold) Persistent() int64 { return h.persistent }

// Peak returns the hold's contribution to the lane's peak multiset.
func (h *Hold) Peak() int64 { return h.peak }

// Ticket returns the allocation ticket this hold was granted to.
func (h *Hold) Ticket() resources.Ticket { return h.ticket }

// Release drops the hold's reservation from its lane. It is safe to call
// more than once; only the first call has an effect. The caller is
// responsible for invoking the owning Manager's reexamination of any
// pending lane requests afterwards (Manager.ReleaseHold does this for you).
func (h *Hold) Release() int64 {
	if !h.released.CompareAndSwap(false, true) {
		return 0
	}
	return h.lane.release(h.id)
}
