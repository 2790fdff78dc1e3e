package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/salusml/salus/internal/buffertree"
	"github.com/salusml/salus/internal/dataflow"
	"github.com/salusml/salus/internal/device"
	"github.com/salusml/salus/internal/lane"
	"github.com/salusml/salus/internal/resources"
	"k8s.io/klog/v2"
)

// DefaultMaxHOLWaiting bounds how many blocked tasks the scheduler will scan
// past the head of a lane queue before giving up on it for this round. 0
// restricts every queue to attempting only its head.
const DefaultMaxHOLWaiting = 8

// Recorder receives admission and scheduling events for external metrics
// collection. All methods must be safe to call from arbitrary goroutines. A
// nil Recorder is valid; Engine checks before every call.
type Recorder interface {
	SessionCreated()
	SessionRejected()
	IterationCompleted(failed bool, cancelled bool, d time.Duration)
	PagingEvent()
}

// Engine is the process-global execution engine: the set of execution
// contexts plus the single scheduling thread that drains lane queues into
// the dataflow executor.
type Engine struct {
	logger klog.Logger

	Monitor *resources.Monitor
	Lanes   *lane.Manager
	Devices *device.Registry
	Arena   *buffertree.Arena
	Forest  *buffertree.Forest
	Pool    *WorkerPool

	MaxHOLWaiting int
	KernelFactory func(*Session) dataflow.KernelDispatcher
	Recorder      Recorder

	mu       sync.Mutex
	sessions map[Handle]*Session
	byTicket map[resources.Ticket]*Session
	queues   map[lane.ID]*LaneQueue

	notify chan struct{}
	cancel context.CancelFunc
	stopped chan struct{}
}

// New wires a fresh Engine over the given resource monitor, lane manager,
// and device registry, held as an explicit Runtime value rather than a
// package-level singleton.
func New(monitor *resources.Monitor, lanes *lane.Manager, devices *device.Registry, poolSize int) *Engine {
	arena := buffertree.NewArena(1024)
	e := &Engine{
		logger:        klog.Background().WithName("engine"),
		Monitor:       monitor,
		Lanes:         lanes,
		Devices:       devices,
		Arena:         arena,
		Forest:        buffertree.NewForest(arena),
		Pool:          NewWorkerPool(poolSize),
		MaxHOLWaiting: DefaultMaxHOLWaiting,
		sessions:      make(map[Handle]*Session),
		byTicket:      make(map[resources.Ticket]*Session),
		queues:        make(map[lane.ID]*LaneQueue),
		notify:        make(chan struct{}, 1),
		stopped:       make(chan struct{}),
	}
	return e
}

// CreateSessionParams carries CreateSession request fields.
type CreateSessionParams struct {
	Entries           []lane.LayoutEntry
	IsInference       bool
	Priority          int
	ExpectedRuntime   time.Duration
	UserData          any
	InterruptCallback func()
}

// CreateSession registers a job, admitting it onto one lane per requested
// GPU layout entry, and returns its session handle. Admission is synchronous
// when lanes are immediately available; otherwise it blocks until the lane
// manager's pending queue can satisfy it.
func (e *Engine) CreateSession(p CreateSessionParams) (Handle, error) {
	ticket := e.Monitor.RegisterJob()
	handle := newHandle()
	sess := newSession(handle, ticket)
	sess.UserData = p.UserData
	sess.Priority = p.Priority
	sess.ExpectedRuntime = p.ExpectedRuntime
	sess.InterruptCallback = p.InterruptCallback
	sess.PagingCallback = func() (int64, error) {
		return e.Forest.Page(ticket, resources.Device{Kind: resources.CPU, Index: 0}, e.Devices)
	}

	admitted := make(chan struct{})
	req := &lane.Request{
		Entries:     p.Entries,
		IsInference: p.IsInference,
		Ticket:      ticket,
		Callback: func(holds []*lane.Hold) {
			sess.SetHolds(holds)
			e.mu.Lock()
			e.sessions[handle] = sess
			e.byTicket[ticket] = sess
			for _, h := range holds {
				q, ok := e.queues[h.Lane().ID()]
				if !ok {
					q = NewLaneQueue(h.Lane().ID())
					e.queues[h.Lane().ID()] = q
				}
				q.AddSession(sess)
			}
			e.mu.Unlock()
			close(admitted)
		},
	}
	if err := e.Lanes.RequestLanes(req); err != nil {
		if e.Recorder != nil {
			e.Recorder.SessionRejected()
		}
		return "", fmt.Errorf("engine: create session: %w", err)
	}
	<-admitted
	if e.Recorder != nil {
		e.Recorder.SessionCreated()
	}
	e.logger.V(2).Info("session created", "handle", handle, "ticket", sess.Ticket, "lane", sess.LaneID)
	return handle, nil
}

// Submit admits an iteration on behalf of an already-created session:
// locates the session's lane, appends the task to that lane's queue, and
// fires the work notification.
func (e *Engine) Submit(handle Handle, task *IterationTask) error {
	e.mu.Lock()
	sess, ok := e.sessions[handle]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("engine: submit: unknown session %s", handle)
	}
	q := e.queues[sess.LaneID]
	e.mu.Unlock()
	if q == nil {
		return fmt.Errorf("engine: submit: session %s has no lane queue", handle)
	}
	task.Ticket = sess.Ticket
	task.LaneID = string(sess.LaneID)
	q.Push(task, sess)
	e.wake()
	return nil
}

func (e *Engine) wake() {
	select {
	case e.notify <- struct{}{}:
	default:
	}
}

// ForceClose implements the interrupt path: removes the session from the
// engine's table, marks all its queued iterations cancelled, and invokes
// its interrupt callback once the queue has drained.
func (e *Engine) ForceClose(handle Handle) {
	e.mu.Lock()
	sess, ok := e.sessions[handle]
	if !ok {
		e.mu.Unlock()
		return
	}
	delete(e.sessions, handle)
	delete(e.byTicket, sess.Ticket)
	q := e.queues[sess.LaneID]
	e.mu.Unlock()

	sess.markClosing()
	if q != nil {
		for _, task := range q.DrainCancel(sess.Ticket) {
			if task.Done != nil {
				task.Done(dataflow.Status{Cancelled: true})
			}
		}
		q.RemoveSession(sess.Ticket)
	}
	sess.markDrained()

	for _, h := range sess.Holds() {
		e.Lanes.ReleaseHold(h)
	}
	if sess.InterruptCallback != nil {
		sess.InterruptCallback()
	}
	e.logger.V(2).Info("session force closed", "handle", handle, "ticket", sess.Ticket)
}

// Run starts the scheduling loop and blocks until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	defer close(e.stopped)

	bo := newBackoff()
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.notify:
			bo.reset()
		default:
		}

		ran := e.scheduleRound(ctx)
		if ran {
			bo.reset()
			continue
		}

		d, shouldLog := bo.next()
		if shouldLog {
			e.logger.V(5).Info("scheduling loop idle", "backoff", d)
		}
		timer := time.NewTimer(d)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-e.notify:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// Stop cancels the scheduling loop and waits for it to exit.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	<-e.stopped
	e.Pool.Close()
}

// scheduleRound implements one pass of the scheduling loop: visit every
// LaneQueue in round-robin order and stage/promote one runnable task each.
// Returns true iff at least one task was dispatched.
func (e *Engine) scheduleRound(ctx context.Context) bool {
	e.mu.Lock()
	queues := make([]*LaneQueue, 0, len(e.queues))
	for _, q := range e.queues {
		queues = append(queues, q)
	}
	e.mu.Unlock()

	ran := false
	for _, q := range queues {
		qt, cancelled := q.Pop(e.MaxHOLWaiting)
		for _, c := range cancelled {
			if c.task.Done != nil {
				c.task.Done(dataflow.Status{Cancelled: true})
			}
		}
		if qt == nil {
			continue
		}
		e.runAsync(ctx, qt)
		ran = true
	}
	return ran
}

// runAsync promotes a staged task to running, dispatching the dataflow executor off the scheduling thread so
// the scheduler never blocks on kernel execution.
func (e *Engine) runAsync(ctx context.Context, qt *queuedTask) {
	task, sess := qt.task, qt.session
	if task.IsExpensive {
		sess.expensiveRunning.Add(1)
	}

	go func() {
		defer func() {
			if task.IsExpensive {
				sess.expensiveRunning.Add(-1)
			}
			e.wake()
		}()

		dispatcher := dataflow.KernelDispatcher(dataflow.NopDispatcher{})
		if e.KernelFactory != nil {
			dispatcher = e.KernelFactory(sess)
		}

		params := dataflow.RunParams{
			Graph:      task.Graph,
			Ticket:     task.Ticket,
			Arena:      e.Arena,
			Forest:     e.Forest,
			Devices:    e.Devices,
			Dispatcher: dispatcher,
			Pool:       e.Pool,
			Feeds:      task.Feeds,
			Cancelled:  task.Cancelled,
			MaxFailures: 2,
			OnMemoryFailure: func(ctx context.Context, p dataflow.MemoryFailureParams) error {
				return e.pageVictim(p.Requester)
			},
		}
		start := time.Now()
		status := dataflow.NewExecutor(params).Run(ctx)
		if e.Recorder != nil {
			e.Recorder.IterationCompleted(status.Err != nil, status.Cancelled, time.Since(start))
		}
		if status.Err == nil && !status.Cancelled {
			sess.DropExclusiveMode()
		}
		if task.Done != nil {
			task.Done(status)
		}
	}()
}

// pageVictim implements the memory-failure callback: pick the highest
// GPU-memory victim on the requester's lane (excluding the requester
// itself) via the resource monitor's victim ordering, and page its buffer
// trees to CPU through its PagingCallback.
func (e *Engine) pageVictim(requester resources.Ticket) error {
	e.mu.Lock()
	sess, ok := e.byTicket[requester]
	var q *LaneQueue
	if ok {
		q = e.queues[sess.LaneID]
	}
	e.mu.Unlock()
	if q == nil {
		return fmt.Errorf("engine: no lane queue for ticket %d", requester)
	}

	q.mu.Lock()
	candidates := make([]resources.Ticket, 0, len(q.sessions))
	bySession := make(map[resources.Ticket]*Session, len(q.sessions))
	for t, s := range q.sessions {
		if t == requester {
			continue
		}
		candidates = append(candidates, t)
		bySession[t] = s
	}
	q.mu.Unlock()

	sorted := e.Monitor.SortVictims(candidates)
	for _, t := range sorted {
		victim := bySession[t]
		if victim == nil || victim.PagingCallback == nil {
			continue
		}
		if _, err := victim.PagingCallback(); err == nil {
			if e.Recorder != nil {
				e.Recorder.PagingEvent()
			}
			return nil
		}
	}
	return fmt.Errorf("engine: no victim available for ticket %d", requester)
}
