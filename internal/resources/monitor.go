package resources

import (
	"sort"
	"sync"

	"k8s.io/klog/v2"
)

// Monitor is the resource monitor & allocation regulator. It maintains
// three accounts — system-wide remaining capacity, per-ticket pre-reserved
// staging, and per-ticket in-use — behind a single coarse lock guarding all
// three together.
type Monitor struct {
	mu sync.Mutex

	platformLimits Set // the original, immutable caps seeded at startup
	limits         Set // remaining global capacity
	staging        map[Ticket]Set
	inUse          map[Ticket]Set

	seq    ticketSequence
	logger klog.Logger
}

// NewMonitor seeds a Monitor with the platform limits discovered at startup
// (platform limits): CPU memory, per-GPU memory, per-GPU
// streams, and EXCLUSIVE.
func NewMonitor(platformLimits Set) *Monitor {
	return &Monitor{
		platformLimits: platformLimits.Clone(),
		limits:         platformLimits.Clone(),
		staging:        make(map[Ticket]Set),
		inUse:          make(map[Ticket]Set),
		logger:         klog.Background().WithName("resources"),
	}
}

// PlatformLimits returns the immutable caps this Monitor was seeded with.
func (m *Monitor) PlatformLimits() Set {
	return m.platformLimits.Clone()
}

// RegisterJob returns a fresh ticket with no reserved resources. Most
// callers prefer Preallocate, which both registers and reserves atomically;
// RegisterJob exists for callers (e.g. CreateSession before any resource_map
// is known) that need a ticket before they can compute a request.
func (m *Monitor) RegisterJob() Ticket {
	return m.seq.nextTicket()
}

// Preallocate atomically subtracts req from the global limits and records it
// as staging for a freshly issued ticket. On failure it returns the missing
// subset and leaves every account untouched.
func (m *Monitor) Preallocate(req Set) (Ticket, Set, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.preallocateLocked(req)
}

func (m *Monitor) preallocateLocked(req Set) (Ticket, Set, error) {
	if !Contains(m.limits, req) {
		missing := Missing(m.limits, req)
		return NoTicket, missing, &AdmissionError{Missing: missing}
	}
	ticket := m.seq.nextTicket()
	m.limits = m.limits.Sub(req)
	m.staging[ticket] = req.Clone()
	m.logger.V(4).Info("preallocated staging", "ticket", ticket, "request", req.String())
	return ticket, nil, nil
}

// Allocate commits res against ticket: satisfied first from the ticket's
// staging (partial satisfaction allowed), then from global limits for the
// residual. On success the full amount moves into the ticket's in-use
// account.
func (m *Monitor) Allocate(ticket Ticket, res Set) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.allocateLocked(ticket, res)
}

func (m *Monitor) allocateLocked(ticket Ticket, res Set) error {
	if ticket == NoTicket {
		return ErrNoTicket
	}
	staging := m.staging[ticket]
	fromStaging := make(Set, len(res))
	residual := make(Set, len(res))
	for tag, want := range res {
		have := staging[tag]
		take := want
		if take > have {
			take = have
		}
		if take > 0 {
			fromStaging.set(tag, take)
		}
		if rest := want - take; rest > 0 {
			residual.set(tag, rest)
		}
	}
	if !Contains(m.limits, residual) {
		return &AdmissionError{Missing: Missing(m.limits, residual)}
	}

	if len(fromStaging) > 0 {
		staging = staging.Sub(fromStaging)
		if staging.IsEmpty() {
			delete(m.staging, ticket)
		} else {
			m.staging[ticket] = staging
		}
	}
	m.limits = m.limits.Sub(residual)
	m.inUse[ticket] = m.inUse[ticket].Add(res)
	m.logger.V(4).Info("allocated", "ticket", ticket, "request", res.String(),
		"fromStaging", fromStaging.String(), "fromGlobal", residual.String())
	return nil
}

// FreeStaging returns all remaining staged resources for ticket back to the
// global limits and removes the staging record.
func (m *Monitor) FreeStaging(ticket Ticket) Set {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.freeStagingLocked(ticket)
}

func (m *Monitor) freeStagingLocked(ticket Ticket) Set {
	staging, ok := m.staging[ticket]
	if !ok {
		return Set{}
	}
	m.limits = m.limits.Add(staging)
	delete(m.staging, ticket)
	m.logger.V(4).Info("released staging", "ticket", ticket, "amount", staging.String())
	return staging
}

// Free adds res back to global limits and subtracts it from ticket's in-use
// account. The ticket's in-use account must dominate res; under-flowing it
// is a programming bug and panics.
func (m *Monitor) Free(ticket Ticket, res Set) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.freeLocked(ticket, res)
}

func (m *Monitor) freeLocked(ticket Ticket, res Set) (bool, error) {
	if ticket == NoTicket {
		return false, ErrNoTicket
	}
	inUse, ok := m.inUse[ticket]
	if !ok {
		if res.IsEmpty() {
			return true, nil
		}
		panicInvariant(ticket, "free() on a ticket with no in-use account")
	}
	if !Contains(inUse, res) {
		panicInvariant(ticket, "free() would under-flow in-use account: have "+inUse.String()+" want to free "+res.String())
	}
	m.limits = m.limits.Add(res)
	inUse = inUse.Sub(res)
	emptied := inUse.IsEmpty()
	if emptied {
		delete(m.inUse, ticket)
	} else {
		m.inUse[ticket] = inUse
	}
	m.logger.V(4).Info("freed", "ticket", ticket, "amount", res.String(), "emptied", emptied)
	return emptied, nil
}

// SortVictims returns candidates sorted by decreasing GPU-memory in-use, the
// order the engine's pageVictim tries victim tickets in when reclaiming
// memory under pressure.
func (m *Monitor) SortVictims(candidates []Ticket) []Ticket {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sortVictimsLocked(candidates)
}

func (m *Monitor) sortVictimsLocked(candidates []Ticket) []Ticket {
	out := make([]Ticket, len(candidates))
	copy(out, candidates)
	usage := make(map[Ticket]int64, len(out))
	for _, t := range out {
		usage[t] = m.inUse[t].TotalGPUMemory()
	}
	sort.SliceStable(out, func(i, j int) bool {
		return usage[out[i]] > usage[out[j]]
	})
	return out
}

// QueryUsage returns ticket's in-use map, or an empty Set if it holds none.
func (m *Monitor) QueryUsage(ticket Ticket) Set {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inUse[ticket].Clone()
}

// QueryStaging returns ticket's remaining staged resources, or an empty Set.
func (m *Monitor) QueryStaging(ticket Ticket) Set {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.staging[ticket].Clone()
}

// GlobalRemaining returns the current global remaining capacity, mostly
// useful for tests asserting accounting round-trips correctly.
func (m *Monitor) GlobalRemaining() Set {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.limits.Clone()
}

// Locked runs fn with the Monitor's single coarse lock held for its whole
// duration, letting a caller perform several mutations without an
// intervening unlock.
func (m *Monitor) Locked(fn func(p *LockedProxy)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn(&LockedProxy{m: m})
}

// LockedProxy exposes the same operations as Monitor, but assumes the
// caller already holds the Monitor's lock (via Monitor.Locked). It exists so
// multiple accounting mutations can be reconciled atomically, e.g. paging a
// tensor tree between two tickets' accounts in one step.
type LockedProxy struct {
	m *Monitor
}

func (p *LockedProxy) Preallocate(req Set) (Ticket, Set, error) { return p.m.preallocateLocked(req) }
func (p *LockedProxy) Allocate(ticket Ticket, res Set) error    { return p.m.allocateLocked(ticket, res) }
func (p *LockedProxy) FreeStaging(ticket Ticket) Set            { return p.m.freeStagingLocked(ticket) }
func (p *LockedProxy) Free(ticket Ticket, res Set) (bool, error) {
	return p.m.freeLocked(ticket, res)
}
func (p *LockedProxy) SortVictims(candidates []Ticket) []Ticket {
	return p.m.sortVictimsLocked(candidates)
}
func (p *LockedProxy) QueryUsage(ticket Ticket) Set { return p.m.inUse[ticket].Clone() }
