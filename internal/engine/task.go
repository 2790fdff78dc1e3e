// Package engine implements Salus's execution engine: it owns
// the set of execution contexts and a global scheduling thread that drains
// per-lane iteration queues into the dataflow executor.
package engine

import (
	"sync/atomic"

	"github.com/lithammer/shortuuid/v4"
	"github.com/salusml/salus/internal/dataflow"
	"github.com/salusml/salus/internal/resources"
)

// TaskID identifies one IterationTask for logging and debug introspection.
type TaskID string

func newTaskID() TaskID { return TaskID("iter-" + shortuuid.New()) }

// IterationTask is a runnable unit bound to an execution context: a graph
// handle, a cancellation flag, the is_expensive bit marking a job's main
// training iteration, and a completion callback.
type IterationTask struct {
	ID      TaskID
	Ticket  resources.Ticket
	LaneID  string // set once admitted onto a lane's queue
	Graph   *dataflow.GraphView
	Feeds   map[string]dataflow.FeedValue
	IsExpensive bool

	// Done is invoked exactly once, with the terminal status, from the
	// goroutine that ran the iteration (or immediately, with Cancelled, if
	// force_close fired before it ever ran).
	Done func(dataflow.Status)

	cancelled atomic.Bool
}

// NewIterationTask builds a task bound to an execution context's ticket and
// graph, ready for Engine.Submit.
func NewIterationTask(ticket resources.Ticket, graph *dataflow.GraphView, feeds map[string]dataflow.FeedValue, isExpensive bool, done func(dataflow.Status)) *IterationTask {
	return &IterationTask{
		ID:          newTaskID(),
		Ticket:      ticket,
		Graph:       graph,
		Feeds:       feeds,
		IsExpensive: isExpensive,
		Done:        done,
	}
}

// Cancel marks the task cancelled; the scheduler drops it before dispatch if
// it has not yet started, and dataflow.RunParams.Cancelled observes it if it
// already has.
func (t *IterationTask) Cancel() { t.cancelled.Store(true) }

// Cancelled reports whether Cancel has been called.
func (t *IterationTask) Cancelled() bool { return t.cancelled.Load() }
