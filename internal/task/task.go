// Package task runs long diagnostic jobs on a small fixed pool of workers
// fed by a bounded FIFO queue.
package task

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/loykin/procdoctor/internal/fault"
	"github.com/loykin/procdoctor/internal/metrics"
)

const (
	DefaultWorkers = 2
	MaxWorkers     = 8
	DefaultQueue   = 50
	DefaultRetain  = 100
)

// ID identifies a submitted task. IDs start at 1 and are never reused.
type ID int64

// Job is the unit of work. It must return promptly once ctx is done.
type Job func(ctx context.Context) error

// State is the lifecycle position of a task.
type State string

const (
	StateQueued    State = "queued"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Terminal reports whether s is a final state.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateCancelled
}

// Info describes a task.
type Info struct {
	ID          ID         `json:"id"`
	Name        string     `json:"name"`
	State       State      `json:"state"`
	SubmittedAt time.Time  `json:"submitted_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// Options configures a Scheduler. Zero values select defaults.
type Options struct {
	Workers int // clamped to [1, MaxWorkers]
	Queue   int
	Retain  int // finished tasks kept for Status
}

type task struct {
	info   Info
	job    Job
	ctx    context.Context
	cancel context.CancelFunc
}

// Scheduler is safe for concurrent use.
type Scheduler struct {
	opts Options

	mu       sync.Mutex
	wake     *sync.Cond
	pending  []*task // queued, oldest first
	tasks    map[ID]*task
	finished []ID // oldest first, for retention
	nextID   ID
	closed   bool

	baseCtx context.Context
	stop    context.CancelFunc
	group   *errgroup.Group
}

// New starts the worker pool.
func New(opts Options) *Scheduler {
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	opts.Workers = min(opts.Workers, MaxWorkers)
	if opts.Queue <= 0 {
		opts.Queue = DefaultQueue
	}
	if opts.Retain <= 0 {
		opts.Retain = DefaultRetain
	}
	ctx, stop := context.WithCancel(context.Background())
	s := &Scheduler{
		opts:    opts,
		tasks:   make(map[ID]*task),
		baseCtx: ctx,
		stop:    stop,
		group:   &errgroup.Group{},
	}
	s.wake = sync.NewCond(&s.mu)
	for i := 0; i < opts.Workers; i++ {
		s.group.Go(s.work)
	}
	return s
}

// Submit enqueues job without blocking. A full queue fails with
// SchedulerSaturated and leaves no trace of the task. Tasks cancelled while
// queued do not occupy the queue.
func (s *Scheduler) Submit(name string, job Job) (ID, error) {
	if job == nil {
		return 0, fault.New(fault.CodeInvalidArgument, "nil job")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, fault.New(fault.CodeSchedulerSaturated, "scheduler is closed")
	}
	if len(s.pending) >= s.opts.Queue {
		metrics.IncTaskRejected()
		return 0, fault.New(fault.CodeSchedulerSaturated, "task queue is full (%d of %d queued)", len(s.pending), s.opts.Queue).
			WithHint("wait for running diagnostics to finish or cancel one")
	}
	ctx, cancel := context.WithCancel(s.baseCtx)
	s.nextID++
	t := &task{
		info:   Info{ID: s.nextID, Name: name, State: StateQueued, SubmittedAt: time.Now()},
		job:    job,
		ctx:    ctx,
		cancel: cancel,
	}
	s.pending = append(s.pending, t)
	s.tasks[t.info.ID] = t
	metrics.IncTaskSubmitted()
	metrics.SetTaskQueueDepth(len(s.pending))
	s.wake.Signal()
	return t.info.ID, nil
}

func (s *Scheduler) work() error {
	for {
		s.mu.Lock()
		for len(s.pending) == 0 && !s.closed {
			s.wake.Wait()
		}
		if s.closed {
			s.mu.Unlock()
			return nil
		}
		t := s.pending[0]
		s.pending[0] = nil
		s.pending = s.pending[1:]
		metrics.SetTaskQueueDepth(len(s.pending))
		now := time.Now()
		t.info.State = StateRunning
		t.info.StartedAt = &now
		s.mu.Unlock()

		s.run(t)
	}
}

func (s *Scheduler) run(t *task) {
	err := runJob(t.ctx, t.job)

	s.mu.Lock()
	defer s.mu.Unlock()
	if t.info.State.Terminal() {
		return
	}
	switch {
	case t.ctx.Err() != nil:
		s.finishLocked(t, StateCancelled, t.ctx.Err())
	case err != nil:
		s.finishLocked(t, StateFailed, err)
		slog.Warn("task failed", "id", t.info.ID, "name", t.info.Name, "error", err)
	default:
		s.finishLocked(t, StateSucceeded, nil)
	}
}

// runJob turns a panicking job into a failure.
func runJob(ctx context.Context, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.New("task panicked")
			slog.Error("task panicked", "panic", r)
		}
	}()
	return job(ctx)
}

func (s *Scheduler) finishLocked(t *task, st State, err error) {
	now := time.Now()
	t.info.State = st
	t.info.FinishedAt = &now
	if err != nil {
		t.info.Error = err.Error()
	}
	t.cancel()
	s.finished = append(s.finished, t.info.ID)
	for len(s.finished) > s.opts.Retain {
		delete(s.tasks, s.finished[0])
		s.finished = s.finished[1:]
	}
	metrics.IncTaskFinished(string(st))
}

// Cancel stops a queued or running task. It returns false for unknown and
// already finished tasks.
func (s *Scheduler) Cancel(id ID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok || t.info.State.Terminal() {
		return false
	}
	t.cancel()
	if t.info.State == StateQueued {
		s.dequeueLocked(id)
		s.finishLocked(t, StateCancelled, context.Canceled)
	}
	// a running task is finalised by its worker once the job returns
	return true
}

func (s *Scheduler) dequeueLocked(id ID) {
	for i, t := range s.pending {
		if t.info.ID == id {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			break
		}
	}
	metrics.SetTaskQueueDepth(len(s.pending))
}

// Status returns the current info of id.
func (s *Scheduler) Status(id ID) (Info, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return Info{}, false
	}
	return t.info, true
}

// List returns the ids of every task not yet pruned, active and retained,
// in submission order.
func (s *Scheduler) List() []ID {
	return s.ids(func(*task) bool { return true })
}

// Active returns the ids of queued and running tasks in submission order.
func (s *Scheduler) Active() []ID {
	return s.ids(func(t *task) bool { return !t.info.State.Terminal() })
}

func (s *Scheduler) ids(keep func(*task) bool) []ID {
	s.mu.Lock()
	out := make([]ID, 0, len(s.tasks))
	for id, t := range s.tasks {
		if keep(t) {
			out = append(out, id)
		}
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Infos returns every known task, active and retained, by id.
func (s *Scheduler) Infos() []Info {
	s.mu.Lock()
	out := make([]Info, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t.info)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Close stops accepting tasks, cancels outstanding ones and waits for the
// workers to exit or ctx to end.
func (s *Scheduler) Close(ctx context.Context) error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		for _, t := range s.pending {
			t.cancel()
			s.finishLocked(t, StateCancelled, context.Canceled)
		}
		s.pending = nil
		metrics.SetTaskQueueDepth(0)
		s.wake.Broadcast()
	}
	s.mu.Unlock()
	s.stop()

	done := make(chan error, 1)
	go func() { done <- s.group.Wait() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
