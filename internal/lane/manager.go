package lane

import (
	"errors"
	"os"
	"sort"
	"sync"

	"github.com/salusml/salus/internal/resources"
	"github.com/samber/lo"
	"k8s.io/klog/v2"
)

// LayoutEntry is one GPU's worth of an incoming job's resource layout
// (the "resource_map" of a job's placement options): how much memory it needs
// resident for its lifetime, and its peak transient allocation per
// iteration.
type LayoutEntry struct {
	MemoryLimit int64
	Persistent  int64
	Peak        int64
}

// Request is a job's pending ask for one lane per LayoutEntry.
type Request struct {
	Entries     []LayoutEntry
	IsInference bool
	Ticket      resources.Ticket
	Callback    func([]*Hold)

	// assigned accumulates holds as entries are satisfied across retries;
	// remaining tracks which original indices still need a lane.
	assigned  []*Hold
	remaining []int
}

func newRequestState(req *Request) *Request {
	remaining := make([]int, len(req.Entries))
	for i := range remaining {
		remaining[i] = i
	}
	req.assigned = make([]*Hold, len(req.Entries))
	req.remaining = remaining
	return req
}

type gpuSlot struct {
	device resources.Device

	mu              sync.Mutex
	totalMemory     int64
	availableMemory int64 // capacity not yet carved into any lane
	lanes           []*Lane
	nextStreamBase  int
}

// Manager partitions every registered GPU into lanes.
type Manager struct {
	logger klog.Logger

	gpus []*gpuSlot // registration order

	pendingMu sync.Mutex
	pending   []*Request

	disableSharedLane bool
	singleLaneMode    bool
	singleton         *Lane

	streamsPerGPU int
}

// GPUDescriptor is the static capacity Manager is seeded with, discovered by
// internal/config at startup (NVML for real GPUs, a synthetic table for
// environments without a driver).
type GPUDescriptor struct {
	Device        resources.Device
	TotalMemory   int64
	StreamsPerGPU int
}

// NewManager builds a lane Manager over the given GPUs, honouring
// SALUS_DISABLE_SHARED_LANE and SALUS_DISABLE_LANEMGR.
func NewManager(gpus []GPUDescriptor) *Manager {
	m := &Manager{
		logger:            klog.Background().WithName("lanemgr"),
		disableSharedLane: os.Getenv("SALUS_DISABLE_SHARED_LANE") != "",
		singleLaneMode:    os.Getenv("SALUS_DISABLE_LANEMGR") != "",
	}
	for _, g := range gpus {
		m.gpus = append(m.gpus, &gpuSlot{
			device:          g.Device,
			totalMemory:     g.TotalMemory,
			availableMemory: g.TotalMemory,
		})
	}
	if m.singleLaneMode && len(m.gpus) > 0 {
		first := m.gpus[0]
		first.availableMemory = 0
		m.singleton = newLane(newLaneID(), first.device, 0, first.totalMemory)
		first.lanes = append(first.lanes, m.singleton)
	}
	return m
}

// GPUCount returns how many GPUs the manager was seeded with.
func (m *Manager) GPUCount() int { return len(m.gpus) }

// AvailableMemory returns the unallocated (not-yet-carved-into-a-lane)
// capacity of GPU index i.
func (m *Manager) AvailableMemory(index int) int64 {
	if index < 0 || index >= len(m.gpus) {
		return 0
	}
	g := m.gpus[index]
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.availableMemory
}

// ErrTooManyEntries is returned when a request names more layout entries
// than the machine has GPUs: it is rejected at admission rather than queued
// to wait for capacity that structurally can never arrive.
var ErrTooManyEntries = errors.New("lane: request has more layout entries than available GPUs")

// RequestLanes attempts to satisfy req immediately. If every entry obtains a
// lane, req.Callback fires synchronously with the hold vector. Otherwise the
// request is queued and its callback fires later, when a subsequently
// released hold frees enough memory.
func (m *Manager) RequestLanes(req *Request) error {
	if len(req.Entries) > len(m.gpus) && !m.singleLaneMode {
		return ErrTooManyEntries
	}
	state := newRequestState(req)
	if m.trysatisfy(state) {
		return nil
	}
	m.pendingMu.Lock()
	m.pending = append(m.pending, state)
	m.pendingMu.Unlock()
	return nil
}

// trysatisfy attempts to place every still-unassigned entry of state. It
// returns true (and fires the callback) iff all entries now have a lane.
func (m *Manager) trysatisfy(state *Request) bool {
	// Sort the still-pending entries descending by memory limit, breaking
	// ties by descending persistent occupation: larger
	// jobs are placed first so they do not get fragmented behind smaller
	// ones that already landed.
	order := append([]int(nil), state.remaining...)
	sort.SliceStable(order, func(i, j int) bool {
		a, b := state.Entries[order[i]], state.Entries[order[j]]
		if a.MemoryLimit != b.MemoryLimit {
			return a.MemoryLimit > b.MemoryLimit
		}
		return a.Persistent > b.Persistent
	})

	stillRemaining := make([]int, 0, len(order))
	for _, idx := range order {
		entry := state.Entries[idx]
		hold, ok := m.placeEntry(entry, state.Ticket)
		if !ok {
			stillRemaining = append(stillRemaining, idx)
			continue
		}
		state.assigned[idx] = hold
	}
	state.remaining = stillRemaining

	if len(state.remaining) > 0 {
		return false
	}
	holds := append([]*Hold(nil), state.assigned...)
	if state.Callback != nil {
		state.Callback(holds)
	}
	return true
}

// placeEntry finds (or opens) a lane for one layout entry.
func (m *Manager) placeEntry(entry LayoutEntry, ticket resources.Ticket) (*Hold, bool) {
	if m.singleLaneMode {
		if m.singleton == nil {
			return nil, false
		}
		return m.singleton.tryFit(entry.Persistent, entry.Peak, ticket)
	}

	for _, g := range m.gpus {
		g.mu.Lock()
		if g.availableMemory >= entry.MemoryLimit {
			laneID := newLaneID()
			streamBase := g.nextStreamBase
			g.nextStreamBase += m.streamsPerGPUOrDefault()
			l := newLane(laneID, g.device, streamBase, entry.MemoryLimit)
			g.availableMemory -= entry.MemoryLimit
			g.lanes = append(g.lanes, l)
			sortLanesAscendingAvailable(g.lanes)
			g.mu.Unlock()

			hold, ok := l.tryFit(entry.Persistent, entry.Peak, ticket)
			if !ok {
				// Brand new lane must always accept its own sizing request.
				panic("lane: newly opened lane rejected the request it was sized for")
			}
			return hold, true
		}

		if !m.disableSharedLane {
			lanes := append([]*Lane(nil), g.lanes...)
			g.mu.Unlock()
			for _, l := range lanes {
				if l.fits(entry.Persistent, entry.Peak) {
					if hold, ok := l.tryFit(entry.Persistent, entry.Peak, ticket); ok {
						return hold, true
					}
				}
			}
		} else {
			g.mu.Unlock()
		}
	}
	return nil, false
}

func (m *Manager) streamsPerGPUOrDefault() int {
	if m.streamsPerGPU > 0 {
		return m.streamsPerGPU
	}
	return 80
}

func sortLanesAscendingAvailable(lanes []*Lane) {
	sort.SliceStable(lanes, func(i, j int) bool {
		return lanes[i].AvailableMemory() < lanes[j].AvailableMemory()
	})
}

// ReleaseHold releases hold and, if this frees memory, re-examines the
// pending request queue in FIFO order.
func (m *Manager) ReleaseHold(hold *Hold) {
	l := hold.Lane()
	freed := hold.Release()

	if !m.singleLaneMode {
		for _, g := range m.gpus {
			g.mu.Lock()
			if containsLane(g.lanes, l) {
				sortLanesAscendingAvailable(g.lanes)
			}
			g.mu.Unlock()
		}
	}

	if freed <= 0 {
		return
	}
	m.retryPending()
}

func containsLane(lanes []*Lane, target *Lane) bool {
	return lo.ContainsBy(lanes, func(l *Lane) bool { return l == target })
}

// retryPending walks the pending queue in FIFO order, removing any request
// that can now be fully satisfied.
func (m *Manager) retryPending() {
	m.pendingMu.Lock()
	pending := m.pending
	m.pending = nil
	m.pendingMu.Unlock()

	var stillPending []*Request
	for _, state := range pending {
		if !m.trysatisfy(state) {
			stillPending = append(stillPending, state)
		}
	}
	if len(stillPending) > 0 {
		m.pendingMu.Lock()
		m.pending = append(stillPending, m.pending...)
		m.pendingMu.Unlock()
	}
}

// GC scans every lane on every GPU and destroys those eligible for
// collection (refcount == 1, no holds), returning their memory to the
// owning GPU's available capacity. It is invoked periodically by the
// daemon's janitor (internal/runtime), not by request processing itself.
func (m *Manager) GC() int {
	if m.singleLaneMode {
		return 0
	}
	collected := 0
	for _, g := range m.gpus {
		g.mu.Lock()
		kept := g.lanes[:0]
		for _, l := range g.lanes {
			if l.collectible() {
				g.availableMemory += l.totalMemory
				collected++
				continue
			}
			kept = append(kept, l)
		}
		g.lanes = kept
		g.mu.Unlock()
	}
	if collected > 0 {
		m.logger.V(3).Info("garbage collected lanes", "count", collected)
	}
	return collected
}

// PendingCount reports how many requests are currently queued, for tests
// and introspection.
func (m *Manager) PendingCount() int {
	m.pendingMu.Lock()
	defer m.pendingMu.Unlock()
	return len(m.pending)
}
