// Package diag dispatches diagnostic commands to managed workers over the
// control channel and runs external profilers on the task scheduler.
package diag

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/loykin/procdoctor/internal/control"
	"github.com/loykin/procdoctor/internal/fault"
	"github.com/loykin/procdoctor/internal/metrics"
	"github.com/loykin/procdoctor/internal/supervisor"
	"github.com/loykin/procdoctor/internal/task"
)

const (
	DefaultHistogramRows = 25
	MaxHistogramRows     = 200
)

const (
	hintUnavailable = "The worker does not accept control sessions from this process. " +
		"Run procdoctor as the same user as the worker, or restart the worker with its diagnostics agent enabled."
	hintHandshake = "The worker may still be starting up. Retry after it has fully started, " +
		"or launch it as a managed process with the agent enabled."
	hintCommand = "The worker accepted the session but the command failed. Check the arguments and the worker log."
)

// Processes resolves a managed process by id.
type Processes interface {
	Get(id int64) (supervisor.ManagedProcess, error)
}

// Scheduler accepts background jobs.
type Scheduler interface {
	Submit(name string, job task.Job) (task.ID, error)
}

// Options configures a Dispatcher. Zero values select defaults.
type Options struct {
	// ProfilerHomeEnv names the environment variable holding the profiler
	// install directory.
	ProfilerHomeEnv string
	// ProfilerScript is the launcher inside that directory.
	ProfilerScript string
	// OutputDir receives default output files. Empty means os.TempDir().
	OutputDir string
	// MetricsHost is where workers serve /metrics. Default 127.0.0.1.
	MetricsHost string
	HTTPClient  *http.Client

	lookupEnv func(string) (string, bool)
}

// Dispatcher turns diagnostic requests for a process id into control
// channel calls and classifies their failures.
type Dispatcher struct {
	procs  Processes
	dialer control.Dialer
	sched  Scheduler
	opts   Options
}

func New(procs Processes, dialer control.Dialer, sched Scheduler, opts Options) *Dispatcher {
	if opts.ProfilerHomeEnv == "" {
		opts.ProfilerHomeEnv = "ASYNC_PROFILER_HOME"
	}
	if opts.ProfilerScript == "" {
		opts.ProfilerScript = "profiler.sh"
	}
	if opts.OutputDir == "" {
		opts.OutputDir = os.TempDir()
	}
	if opts.MetricsHost == "" {
		opts.MetricsHost = "127.0.0.1"
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if opts.lookupEnv == nil {
		opts.lookupEnv = os.LookupEnv
	}
	return &Dispatcher{procs: procs, dialer: dialer, sched: sched, opts: opts}
}

func (d *Dispatcher) defaultPath(format string, pid int) string {
	return filepath.Join(d.opts.OutputDir, fmt.Sprintf(format, pid))
}

// classify converts a control channel failure into a fault with a hint.
func classify(op string, mp supervisor.ManagedProcess, err error) error {
	kind, ok := control.KindOf(err)
	if !ok {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return fault.Wrap(fault.CodeChannelUnavailable, err, "%s on process %d", op, mp.ID).WithHint(hintUnavailable)
		}
		return fault.Wrap(fault.CodeCommandFailed, err, "%s on process %d", op, mp.ID).WithHint(hintCommand)
	}
	switch kind {
	case control.KindUnavailable:
		return fault.Wrap(fault.CodeChannelUnavailable, err, "%s on process %d", op, mp.ID).WithHint(hintUnavailable)
	case control.KindHandshake:
		return fault.Wrap(fault.CodeHandshakeRejected, err, "%s on process %d", op, mp.ID).WithHint(hintHandshake)
	default:
		return fault.Wrap(fault.CodeCommandFailed, err, "%s on process %d", op, mp.ID).WithHint(hintCommand)
	}
}

// withSession resolves id, attaches, runs fn and records the outcome.
func (d *Dispatcher) withSession(ctx context.Context, id int64, op string,
	fn func(ctx context.Context, mp supervisor.ManagedProcess, s control.Session) error) (err error) {
	start := time.Now()
	defer func() {
		result := "ok"
		if err != nil {
			result = string(fault.CodeOf(err))
		}
		metrics.ObserveDiag(op, result, time.Since(start).Seconds())
		if err != nil {
			slog.Warn("diagnostic command failed", "process", id, "command", op, "error", err)
		}
	}()

	mp, err := d.procs.Get(id)
	if err != nil {
		return err
	}
	s, err := d.dialer.Attach(ctx, control.Target{PID: mp.PID, Port: mp.Port})
	if err != nil {
		return classify(op, mp, err)
	}
	defer func() { _ = s.Close() }()
	if err := fn(ctx, mp, s); err != nil {
		var fe *fault.Error
		if errors.As(err, &fe) {
			return err
		}
		return classify(op, mp, err)
	}
	return nil
}

// ToggleSampling sets the worker's sampling flag.
func (d *Dispatcher) ToggleSampling(ctx context.Context, id int64, enabled bool) error {
	return d.withSession(ctx, id, "sampling", func(ctx context.Context, _ supervisor.ManagedProcess, s control.Session) error {
		return s.SetAttribute(ctx, control.AttrSampleEnabled, enabled)
	})
}

// SamplingEnabled reads the worker's sampling flag.
func (d *Dispatcher) SamplingEnabled(ctx context.Context, id int64) (bool, error) {
	var on bool
	err := d.withSession(ctx, id, "sampling", func(ctx context.Context, _ supervisor.ManagedProcess, s control.Session) error {
		return s.Attribute(ctx, control.AttrSampleEnabled, &on)
	})
	return on, err
}

// StartRecording starts a recording on the worker, replacing any active one.
func (d *Dispatcher) StartRecording(ctx context.Context, id int64, name string, maxAgeMillis int64) error {
	if name == "" {
		name = "recording"
	}
	if maxAgeMillis < 0 {
		return fault.New(fault.CodeInvalidArgument, "maxAgeMillis must not be negative")
	}
	return d.withSession(ctx, id, control.CmdStartRecording, func(ctx context.Context, _ supervisor.ManagedProcess, s control.Session) error {
		return s.Invoke(ctx, control.CmdStartRecording, control.StartRecordingArgs{Name: name, MaxAgeMillis: maxAgeMillis}, nil)
	})
}

// StopRecording stops the active recording and returns the path written,
// or nil when nothing was recording.
func (d *Dispatcher) StopRecording(ctx context.Context, id int64, outputPath string) (*string, error) {
	var written *string
	err := d.withSession(ctx, id, control.CmdStopRecording, func(ctx context.Context, mp supervisor.ManagedProcess, s control.Session) error {
		if outputPath == "" {
			outputPath = d.defaultPath("recording-%d.trace", mp.PID)
		}
		return s.Invoke(ctx, control.CmdStopRecording, control.StopRecordingArgs{Path: outputPath}, &written)
	})
	if err != nil {
		return nil, err
	}
	return written, nil
}

// CaptureHeapSnapshot asks the worker to write a heap snapshot. It may take
// a while on large heaps.
func (d *Dispatcher) CaptureHeapSnapshot(ctx context.Context, id int64, outputPath string, live bool) (string, error) {
	var written *string
	err := d.withSession(ctx, id, control.CmdCaptureHeapSnapshot, func(ctx context.Context, mp supervisor.ManagedProcess, s control.Session) error {
		if outputPath == "" {
			outputPath = d.defaultPath("heapdump-%d.pprof", mp.PID)
		}
		if err := s.Invoke(ctx, control.CmdCaptureHeapSnapshot, control.HeapSnapshotArgs{Path: outputPath, Live: live}, &written); err != nil {
			return err
		}
		if written == nil || *written == "" {
			return fault.New(fault.CodeCommandFailed, "heap snapshot on process %d produced no file", mp.ID).
				WithHint("Check that the worker can write to " + outputPath + ".")
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return *written, nil
}

// HeapHistogram returns the top maxRows histogram rows. maxRows outside
// [1, 200] is clamped; zero selects the default of 25.
func (d *Dispatcher) HeapHistogram(ctx context.Context, id int64, maxRows int) ([]HistogramEntry, error) {
	switch {
	case maxRows == 0:
		maxRows = DefaultHistogramRows
	case maxRows < 1:
		maxRows = 1
	case maxRows > MaxHistogramRows:
		maxRows = MaxHistogramRows
	}
	var text string
	err := d.withSession(ctx, id, control.CmdHeapHistogram, func(ctx context.Context, _ supervisor.ManagedProcess, s control.Session) error {
		return s.Invoke(ctx, control.CmdHeapHistogram, nil, &text)
	})
	if err != nil {
		return nil, err
	}
	return ParseHistogram(text, maxRows), nil
}

// SetGCLogging turns GC event logging on the worker on or off. The worker
// appends to outputPath.
func (d *Dispatcher) SetGCLogging(ctx context.Context, id int64, enabled bool, outputPath string) (string, error) {
	err := d.withSession(ctx, id, control.CmdSetGCLogging, func(ctx context.Context, mp supervisor.ManagedProcess, s control.Session) error {
		if outputPath == "" && enabled {
			outputPath = d.defaultPath("gc-%d.log", mp.PID)
		}
		return s.Invoke(ctx, control.CmdSetGCLogging, control.GCLoggingArgs{Enabled: enabled, Path: outputPath}, nil)
	})
	if err != nil {
		return "", err
	}
	return outputPath, nil
}

// LoadExtension asks the worker to load the extension at path.
func (d *Dispatcher) LoadExtension(ctx context.Context, id int64, path string) (bool, error) {
	if path == "" {
		return false, fault.New(fault.CodeInvalidArgument, "extension path is required")
	}
	var ok bool
	err := d.withSession(ctx, id, control.CmdLoadExtension, func(ctx context.Context, _ supervisor.ManagedProcess, s control.Session) error {
		return s.Invoke(ctx, control.CmdLoadExtension, control.LoadExtensionArgs{Path: path}, &ok)
	})
	return ok, err
}

// FetchMetrics returns the worker's Prometheus exposition text.
func (d *Dispatcher) FetchMetrics(ctx context.Context, id int64) (string, error) {
	mp, err := d.procs.Get(id)
	if err != nil {
		return "", err
	}
	if mp.Port <= 0 {
		return "", fault.New(fault.CodeChannelUnavailable, "process %d has no metrics port", id).
			WithHint("Start the worker with a port so its /metrics endpoint can be reached.")
	}
	u := "http://" + net.JoinHostPort(d.opts.MetricsHost, strconv.Itoa(mp.Port)) + "/metrics"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", fault.Wrap(fault.CodeInvalidArgument, err, "build metrics request")
	}
	resp, err := d.opts.HTTPClient.Do(req)
	if err != nil {
		return "", fault.Wrap(fault.CodeChannelUnavailable, err, "fetch metrics from process %d", id).WithHint(hintUnavailable)
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return "", fault.Wrap(fault.CodeIOFailure, err, "read metrics from process %d", id)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fault.New(fault.CodeCommandFailed, "metrics endpoint of process %d returned %d", id, resp.StatusCode)
	}
	return string(body), nil
}
