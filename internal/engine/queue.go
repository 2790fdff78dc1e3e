package engine

import (
	"sync"
	"time"

	"github.com/salusml/salus/internal/lane"
	"github.com/salusml/salus/internal/resources"
)

// LaneQueue is the per-lane FIFO of IterationTasks: a queue, the set of
// sessions currently admitted on the lane, a last-seen timestamp, and a
// counter of expensive iterations currently running.
type LaneQueue struct {
	LaneID lane.ID

	mu       sync.Mutex
	pending  []*queuedTask
	sessions map[resources.Ticket]*Session
	lastSeen time.Time
}

type queuedTask struct {
	task    *IterationTask
	session *Session
}

// NewLaneQueue builds an empty queue for laneID.
func NewLaneQueue(laneID lane.ID) *LaneQueue {
	return &LaneQueue{LaneID: laneID, sessions: make(map[resources.Ticket]*Session)}
}

// AddSession registers session as admitted on this lane.
func (q *LaneQueue) AddSession(s *Session) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.sessions[s.Ticket] = s
}

// RemoveSession drops session's membership, used once its lane holds are
// all released.
func (q *LaneQueue) RemoveSession(ticket resources.Ticket) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.sessions, ticket)
}

// Push appends task to the tail of the queue.
func (q *LaneQueue) Push(task *IterationTask, session *Session) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = append(q.pending, &queuedTask{task: task, session: session})
	q.lastSeen = time.Now()
}

// anyOtherExclusive reports whether some session other than except currently
// holds the lane in exclusive mode.
func (q *LaneQueue) anyOtherExclusive(except resources.Ticket) bool {
	for ticket, s := range q.sessions {
		if ticket == except {
			continue
		}
		if s.Exclusive.Load() {
			return true
		}
	}
	return false
}

// blocked reports whether qt cannot start yet: either another session holds
// this lane exclusively, or qt's own session already has an in-flight
// expensive iteration and qt is itself expensive.
func (q *LaneQueue) blocked(qt *queuedTask) bool {
	if q.anyOtherExclusive(qt.task.Ticket) {
		return true
	}
	if qt.task.IsExpensive && qt.session.expensiveRunning.Load() > 0 {
		return true
	}
	return false
}

// Pop implements scheduling step with the head-of-line limit:
// it scans from the front, dropping cancelled tasks, and returns the first
// runnable task found within maxHOLWaiting+1 positions. If none is runnable
// within that window, it returns nil and the whole queue is skipped this
// round. maxHOLWaiting == 0 restricts the scan to the head alone.
func (q *LaneQueue) Pop(maxHOLWaiting int) (*queuedTask, []*queuedTask) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var cancelled []*queuedTask
	examined := 0
	for i := 0; i < len(q.pending); {
		qt := q.pending[i]
		if qt.task.Cancelled() {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			cancelled = append(cancelled, qt)
			continue
		}
		if q.blocked(qt) {
			examined++
			if examined > maxHOLWaiting {
				break
			}
			i++
			continue
		}
		q.pending = append(q.pending[:i], q.pending[i+1:]...)
		return qt, cancelled
	}
	return nil, cancelled
}

// Len reports the number of queued (not yet dispatched) tasks.
func (q *LaneQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// DrainCancel marks every queued task for ticket cancelled and removes them,
// returning the cancelled tasks so ForceClose can fire their done callbacks.
func (q *LaneQueue) DrainCancel(ticket resources.Ticket) []*IterationTask {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []*IterationTask
	kept := q.pending[:0]
	for _, qt := range q.pending {
		if qt.task.Ticket == ticket {
			qt.task.Cancel()
			out = append(out, qt.task)
			continue
		}
		kept = append(kept, qt)
	}
	q.pending = kept
	return out
}

// LastSeen reports when a task was last pushed onto this queue.
func (q *LaneQueue) LastSeen() time.Time {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lastSeen
}
