// Package supervisor owns the live worker registry: it spawns workers,
// drains their output into per-process tails, records history and stops
// them on request.
package supervisor

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/loykin/procdoctor/internal/env"
	"github.com/loykin/procdoctor/internal/fault"
	"github.com/loykin/procdoctor/internal/history"
	"github.com/loykin/procdoctor/internal/logger"
	"github.com/loykin/procdoctor/internal/logtail"
	"github.com/loykin/procdoctor/internal/metrics"
	"github.com/loykin/procdoctor/internal/process"
)

const (
	DefaultMaxProcesses = 20
	DefaultStopGrace    = 3 * time.Second

	// maxLineBytes bounds a single output line; longer lines end the drain.
	maxLineBytes = 1 << 20
)

// Options configures a Supervisor. Zero values select defaults.
type Options struct {
	MaxProcesses    int
	Limits          process.Limits
	LogCapacity     int
	SubscriberQueue int
	StopGrace       time.Duration
	Env             *env.Env
	// Output tees every worker line to a rotating file when Output.Dir is set.
	Output logger.Config
}

// ManagedProcess is a point-in-time view of a registered worker.
type ManagedProcess struct {
	ID        int64      `json:"id"`
	Name      string     `json:"name"`
	PID       int        `json:"pid"`
	Command   []string   `json:"command"`
	Port      int        `json:"port"`
	CreatedAt time.Time  `json:"created_at"`
	Running   bool       `json:"running"`
	ExitedAt  *time.Time `json:"exited_at,omitempty"`
	ExitCode  int        `json:"exit_code"`
	ExitError string     `json:"exit_error,omitempty"`
}

type entry struct {
	id      int64
	spec    process.Spec
	proc    *process.Process
	tail    *logtail.Tail
	created time.Time
}

func (e *entry) view() ManagedProcess {
	st := e.proc.Snapshot()
	mp := ManagedProcess{
		ID:        e.id,
		Name:      e.spec.Name,
		PID:       st.PID,
		Command:   append([]string(nil), e.spec.Command...),
		Port:      e.spec.Port,
		CreatedAt: e.created,
		Running:   st.Running,
		ExitCode:  st.ExitCode,
		ExitError: st.ExitErr,
	}
	if !st.Running {
		t := st.StoppedAt
		mp.ExitedAt = &t
	}
	return mp
}

// Supervisor is safe for concurrent use.
type Supervisor struct {
	opts Options
	hist *history.Store

	mu       sync.RWMutex
	procs    map[int64]*entry
	reserved int // slots held by starts in progress
	closed   bool

	nextID atomic.Int64
	bg     sync.WaitGroup // drain loops and kill escalations
}

// New returns a Supervisor recording into hist (a fresh store when nil).
func New(opts Options, hist *history.Store) *Supervisor {
	if opts.MaxProcesses <= 0 {
		opts.MaxProcesses = DefaultMaxProcesses
	}
	if opts.LogCapacity <= 0 {
		opts.LogCapacity = logtail.DefaultCapacity
	}
	if opts.StopGrace <= 0 {
		opts.StopGrace = DefaultStopGrace
	}
	if opts.Env == nil {
		opts.Env = env.New()
	}
	if hist == nil {
		hist = history.NewStore()
	}
	return &Supervisor{opts: opts, hist: hist, procs: make(map[int64]*entry)}
}

// HistoryStore returns the store the supervisor records into.
func (s *Supervisor) HistoryStore() *history.Store { return s.hist }

// Start validates spec, spawns the worker and begins draining its output.
// Checks run before any side effect in this order: empty command,
// executable, argument limits, capacity.
func (s *Supervisor) Start(ctx context.Context, spec process.Spec) (ManagedProcess, error) {
	mp, err := s.start(ctx, spec)
	if err != nil {
		metrics.IncStartFailure(string(fault.CodeOf(err)))
	}
	return mp, err
}

func (s *Supervisor) start(ctx context.Context, spec process.Spec) (ManagedProcess, error) {
	if err := ctx.Err(); err != nil {
		return ManagedProcess{}, err
	}
	if _, err := spec.ResolveExecutable(); err != nil {
		return ManagedProcess{}, err
	}
	if err := process.CheckLimits(spec.Args(), s.opts.Limits); err != nil {
		return ManagedProcess{}, err
	}
	if err := s.reserve(); err != nil {
		return ManagedProcess{}, err
	}
	if spec.Name == "" {
		spec.Name = filepath.Base(spec.Command[0])
	}
	spec.Command = append([]string(nil), spec.Command...)

	id := s.nextID.Add(1)
	proc, out, err := process.Start(spec, s.opts.Env.Merge(spec.Env))
	if err != nil {
		s.release()
		slog.Warn("spawn failed", "id", id, "name", spec.Name, "error", err)
		return ManagedProcess{}, err
	}
	e := &entry{
		id:      id,
		spec:    spec,
		proc:    proc,
		tail:    logtail.New(s.opts.LogCapacity, s.opts.SubscriberQueue),
		created: proc.Snapshot().StartedAt,
	}
	tee := s.opts.Output.Writer(fmt.Sprintf("%d-%s", id, spec.Name))

	// recorded before the id becomes visible so a racing Stop always finds
	// the record to mark
	s.hist.Add(history.Record{
		ID:        id,
		Name:      spec.Name,
		PID:       proc.PID(),
		Command:   spec.Command,
		StartedAt: e.created,
	})

	s.mu.Lock()
	s.reserved--
	s.procs[id] = e
	live := len(s.procs)
	s.mu.Unlock()
	s.bg.Add(1)
	go s.drain(e, out, tee)

	metrics.IncStart(spec.Name)
	metrics.SetLive(live)
	slog.Info("process started", "id", id, "name", spec.Name, "pid", proc.PID())
	return e.view(), nil
}

func (s *Supervisor) reserve() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fault.New(fault.CodeCapacityExceeded, "supervisor is shutting down")
	}
	if len(s.procs)+s.reserved >= s.opts.MaxProcesses {
		return fault.New(fault.CodeCapacityExceeded, "%d of %d process slots in use", len(s.procs)+s.reserved, s.opts.MaxProcesses).
			WithHint("stop an idle process or raise supervisor.max_processes")
	}
	s.reserved++
	return nil
}

func (s *Supervisor) release() {
	s.mu.Lock()
	s.reserved--
	s.mu.Unlock()
}

// drain copies worker output into the tail until EOF. Read errors end the
// loop like EOF does.
func (s *Supervisor) drain(e *entry, r io.ReadCloser, tee io.WriteCloser) {
	defer s.bg.Done()
	defer func() { _ = r.Close() }()
	if tee != nil {
		defer func() { _ = tee.Close() }()
	}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for sc.Scan() {
		line := sc.Text()
		metrics.IncLogLine()
		metrics.AddLogDropped(e.tail.Write(line))
		if tee != nil {
			_, _ = io.WriteString(tee, line+"\n")
		}
		slog.Debug(line, "id", e.id)
	}
	if err := sc.Err(); err != nil {
		slog.Debug("output drain ended", "id", e.id, "error", err)
	}
}

// List returns the registered processes ordered by id.
func (s *Supervisor) List() []ManagedProcess {
	s.mu.RLock()
	entries := make([]*entry, 0, len(s.procs))
	for _, e := range s.procs {
		entries = append(entries, e)
	}
	s.mu.RUnlock()
	sort.Slice(entries, func(i, j int) bool { return entries[i].id < entries[j].id })
	out := make([]ManagedProcess, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.view())
	}
	return out
}

func (s *Supervisor) lookup(id int64) (*entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.procs[id]
	return e, ok
}

// Get returns the registered process id.
func (s *Supervisor) Get(id int64) (ManagedProcess, error) {
	e, ok := s.lookup(id)
	if !ok {
		return ManagedProcess{}, notFound(id)
	}
	return e.view(), nil
}

func notFound(id int64) *fault.Error {
	return fault.New(fault.CodeProcessNotFound, "process %d not found", id).
		WithHint("the process was stopped or never started; list live processes first")
}

// Stop removes id from the registry, signals it to terminate (escalating to
// SIGKILL after the grace period in the background), records the stop time
// and completes its log subscribers. It returns false if id is not
// registered, including a second stop of the same id.
func (s *Supervisor) Stop(id int64) bool {
	s.mu.Lock()
	e, ok := s.procs[id]
	if ok {
		delete(s.procs, id)
	}
	live := len(s.procs)
	s.mu.Unlock()
	if !ok {
		return false
	}

	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		e.proc.Terminate(s.opts.StopGrace)
	}()
	s.hist.MarkStopped(id, time.Now())
	e.tail.Close()

	metrics.IncStop(e.spec.Name)
	metrics.SetLive(live)
	metrics.ForgetProcess(id)
	slog.Info("process stopped", "id", id, "name", e.spec.Name, "pid", e.proc.PID())
	return true
}

// History returns the audit record of id, live or stopped.
func (s *Supervisor) History(id int64) (history.Record, bool) {
	return s.hist.Get(id)
}

// HistoryAll returns every audit record ordered by id.
func (s *Supervisor) HistoryAll() []history.Record {
	return s.hist.All()
}

// Subscribe returns a live subscription to id's output together with the
// retained lines. ok is false if id is not registered.
func (s *Supervisor) Subscribe(id int64) (*logtail.Subscription, []string, bool) {
	e, ok := s.lookup(id)
	if !ok {
		return nil, nil, false
	}
	return e.tail.Subscribe()
}

// SubscribeContext is Subscribe with the subscription released when ctx ends.
func (s *Supervisor) SubscribeContext(ctx context.Context, id int64) (*logtail.Subscription, []string, bool) {
	e, ok := s.lookup(id)
	if !ok {
		return nil, nil, false
	}
	return e.tail.SubscribeContext(ctx)
}

// Usage samples CPU and memory of id.
func (s *Supervisor) Usage(id int64) (metrics.Usage, error) {
	e, ok := s.lookup(id)
	if !ok {
		return metrics.Usage{}, notFound(id)
	}
	if e.proc.Exited() {
		return metrics.Usage{}, fault.New(fault.CodeIOFailure, "process %d has exited", id)
	}
	u, err := metrics.SampleUsage(int32(e.proc.PID())) // #nosec G115 -- pids fit in int32
	if err != nil {
		return metrics.Usage{}, fault.Wrap(fault.CodeIOFailure, err, "sample process %d", id)
	}
	metrics.ObserveUsage(id, u)
	return u, nil
}

// Shutdown rejects new starts, stops every registered process and waits for
// them to exit and for their output to drain, or for ctx to end.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	entries := make([]*entry, 0, len(s.procs))
	for _, e := range s.procs {
		entries = append(entries, e)
	}
	s.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, e := range entries {
		g.Go(func() error {
			s.Stop(e.id)
			select {
			case <-e.proc.Done():
				return nil
			case <-gctx.Done():
				return gctx.Err()
			}
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	done := make(chan struct{})
	go func() {
		s.bg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
