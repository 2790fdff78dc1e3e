package engine

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/salusml/salus/internal/lane"
	"github.com/salusml/salus/internal/resources"
)

// Handle is the opaque session identifier returned by CreateSession.
type Handle string

func newHandle() Handle { return Handle(uuid.New().String()) }

// Session is the per-job state the engine keeps: a handle, a user-data slot, a lane identifier, an expected-runtime
// hint, a priority, a paging callback, an interrupt callback, and the set of
// currently held lane holds.
type Session struct {
	Handle Handle
	Ticket resources.Ticket

	UserData        any
	LaneID          lane.ID
	ExpectedRuntime time.Duration
	Priority        int

	// PagingCallback pages this session's buffer trees to CPU when the
	// session is chosen as a paging victim for another job.
	PagingCallback func() (int64, error)
	// InterruptCallback lets the tensor library tear down its per-session
	// state once force_close has drained the session's queue.
	InterruptCallback func()

	mu    sync.Mutex
	holds []*lane.Hold

	// Exclusive starts true and is dropped after the session's first successful iteration.
	Exclusive atomic.Bool

	// expensiveRunning counts this session's currently in-flight expensive
	// iterations, read by the lane queue's admission gating.
	expensiveRunning atomic.Int32

	// drained is closed once the session's queue has emptied after
	// force_close, the signal session destruction waits on.
	closing  atomic.Bool
	drained  chan struct{}
	drainOne sync.Once
}

func newSession(handle Handle, ticket resources.Ticket) *Session {
	s := &Session{Handle: handle, Ticket: ticket, drained: make(chan struct{})}
	s.Exclusive.Store(true)
	return s
}

// SetHolds records the lane holds this session was granted.
func (s *Session) SetHolds(holds []*lane.Hold) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.holds = holds
	if len(holds) > 0 {
		s.LaneID = holds[0].Lane().ID()
	}
}

// Holds returns the session's currently held lane holds.
func (s *Session) Holds() []*lane.Hold {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*lane.Hold(nil), s.holds...)
}

// DropExclusiveMode clears the exclusive flag, allowing co-residency on this
// session's lane from then on.
func (s *Session) DropExclusiveMode() { s.Exclusive.Store(false) }

// markClosing flags the session as draining; ForceClose sets this before
// waiting on Drained().
func (s *Session) markClosing() { s.closing.Store(true) }

func (s *Session) isClosing() bool { return s.closing.Load() }

// markDrained closes the drained channel exactly once, invoked once the
// session's lane queue has no more tasks for it.
func (s *Session) markDrained() { s.drainOne.Do(func() { close(s.drained) }) }

// Drained returns a channel closed once the session's queue has emptied.
func (s *Session) Drained() <-chan struct{} { return s.drained }
