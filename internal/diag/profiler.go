package diag

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/loykin/procdoctor/internal/fault"
	"github.com/loykin/procdoctor/internal/task"
)

// ProfileRequest describes an external profiler run. Zero values select
// duration 10s, event cpu, format svg and a file in the output directory.
type ProfileRequest struct {
	DurationSeconds int    `json:"duration" form:"duration"`
	Event           string `json:"event" form:"event"`
	Format          string `json:"output" form:"output"`
	OutputPath      string `json:"filename" form:"filename"`
}

// ProfileRun identifies a submitted profiler job.
type ProfileRun struct {
	TaskID     task.ID `json:"taskId"`
	OutputPath string  `json:"path"`
}

var profilerWord = regexp.MustCompile(`^[A-Za-z0-9_.:-]+$`)

func (r *ProfileRequest) normalize() error {
	if r.DurationSeconds == 0 {
		r.DurationSeconds = 10
	}
	if r.DurationSeconds < 0 {
		return fault.New(fault.CodeInvalidArgument, "duration must be positive")
	}
	if r.Event == "" {
		r.Event = "cpu"
	}
	if r.Format == "" {
		r.Format = "svg"
	}
	if !profilerWord.MatchString(r.Event) || !profilerWord.MatchString(r.Format) {
		return fault.New(fault.CodeInvalidArgument, "invalid profiler event %q or output %q", r.Event, r.Format)
	}
	return nil
}

// profilerScript locates the profiler launcher from the environment.
func (d *Dispatcher) profilerScript() (string, error) {
	home, ok := d.opts.lookupEnv(d.opts.ProfilerHomeEnv)
	if !ok || strings.TrimSpace(home) == "" {
		return "", fault.New(fault.CodeToolNotConfigured, "%s is not set", d.opts.ProfilerHomeEnv).
			WithHint("Install the profiler and set " + d.opts.ProfilerHomeEnv + " to its directory.")
	}
	script := d.opts.ProfilerScript
	if !filepath.IsAbs(script) {
		script = filepath.Join(home, script)
	}
	return script, nil
}

// ProfilerArgs builds the command line for a profiler run against pid.
func ProfilerArgs(script string, pid int, r ProfileRequest) []string {
	return []string{script,
		"-d", strconv.Itoa(r.DurationSeconds),
		"-e", r.Event,
		"-o", r.Format,
		"-f", r.OutputPath,
		strconv.Itoa(pid)}
}

// RunProfiler submits an external profiler run against the process and
// returns immediately with the task id and the expected output path.
func (d *Dispatcher) RunProfiler(ctx context.Context, id int64, req ProfileRequest) (ProfileRun, error) {
	if err := ctx.Err(); err != nil {
		return ProfileRun{}, err
	}
	mp, err := d.procs.Get(id)
	if err != nil {
		return ProfileRun{}, err
	}
	script, err := d.profilerScript()
	if err != nil {
		return ProfileRun{}, err
	}
	if err := req.normalize(); err != nil {
		return ProfileRun{}, err
	}
	if req.OutputPath == "" {
		req.OutputPath = filepath.Join(d.opts.OutputDir, fmt.Sprintf("profile-%d.%s", mp.PID, req.Format))
	}
	args := ProfilerArgs(script, mp.PID, req)

	tid, err := d.sched.Submit(fmt.Sprintf("profile %d", mp.ID), func(ctx context.Context) error {
		cmd := exec.CommandContext(ctx, args[0], args[1:]...)
		cmd.Env = os.Environ()
		out, err := cmd.CombinedOutput()
		if err != nil {
			slog.Warn("profiler failed", "process", mp.ID, "pid", mp.PID, "error", err, "output", strings.TrimSpace(string(out)))
			return fmt.Errorf("profiler: %w: %s", err, strings.TrimSpace(string(out)))
		}
		slog.Info("profiler finished", "process", mp.ID, "pid", mp.PID, "path", req.OutputPath)
		return nil
	})
	if err != nil {
		return ProfileRun{}, err
	}
	return ProfileRun{TaskID: tid, OutputPath: req.OutputPath}, nil
}
