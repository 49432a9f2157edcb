package process

import (
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/loykin/procdoctor/internal/fault"
)

// killWait bounds how long Terminate waits for the reaper after SIGKILL.
const killWait = 200 * time.Millisecond

// Process is one spawned worker. A reaper goroutine owns cmd.Wait; every
// other method observes its result through waitDone.
type Process struct {
	spec     Spec
	cmd      *exec.Cmd
	mu       sync.Mutex
	status   Status
	waitDone chan struct{}
}

// Start spawns spec with env as its complete environment (nil inherits the
// control plane's). Stdout and stderr share one pipe whose read end is
// returned; it reaches EOF when the worker and any children holding the
// write end have exited.
func Start(spec Spec, env []string) (*Process, io.ReadCloser, error) {
	exe, err := spec.ResolveExecutable()
	if err != nil {
		return nil, nil, err
	}
	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, nil, fault.Wrap(fault.CodeIOFailure, err, "create output pipe")
	}
	// #nosec G204 -- launching caller-supplied workers is the purpose of this package
	cmd := exec.Command(exe, spec.Args()...)
	if spec.WorkDir != "" {
		cmd.Dir = spec.WorkDir
	}
	if len(env) > 0 {
		cmd.Env = env
	}
	cmd.Stdout = pw
	cmd.Stderr = pw
	configureSysProcAttr(cmd)
	if err := cmd.Start(); err != nil {
		_ = pr.Close()
		_ = pw.Close()
		return nil, nil, fault.Wrap(fault.CodeIOFailure, err, "spawn %s", exe)
	}
	// the child holds its own copy of the write end
	_ = pw.Close()

	p := &Process{
		spec:     spec,
		cmd:      cmd,
		waitDone: make(chan struct{}),
		status: Status{
			Name:      spec.Name,
			PID:       cmd.Process.Pid,
			Running:   true,
			StartedAt: time.Now(),
		},
	}
	go p.reap()
	return p, pr, nil
}

func (p *Process) reap() {
	err := p.cmd.Wait()
	p.mu.Lock()
	p.status.Running = false
	p.status.StoppedAt = time.Now()
	p.status.ExitCode = p.cmd.ProcessState.ExitCode()
	if err != nil {
		p.status.ExitErr = err.Error()
	}
	p.mu.Unlock()
	close(p.waitDone)
}

// Spec returns the launch spec.
func (p *Process) Spec() Spec { return p.spec }

// PID returns the native process id.
func (p *Process) PID() int { return p.cmd.Process.Pid }

// Done is closed once the worker has exited and been reaped.
func (p *Process) Done() <-chan struct{} { return p.waitDone }

// Exited reports whether the worker has been reaped.
func (p *Process) Exited() bool {
	select {
	case <-p.waitDone:
		return true
	default:
		return false
	}
}

// Snapshot returns a copy of the current status.
func (p *Process) Snapshot() Status {
	p.mu.Lock()
	s := p.status
	p.mu.Unlock()
	return s
}

// Signal delivers sig to the worker's process group. It is a no-op once
// the worker has been reaped so a recycled pid is never signalled.
func (p *Process) Signal(sig syscall.Signal) error {
	if p.Exited() {
		return nil
	}
	return signalGroup(p.PID(), sig)
}

// Terminate sends SIGTERM and escalates to SIGKILL if the worker is still
// running after grace. It returns once the worker is reaped or the kill
// wait elapses.
func (p *Process) Terminate(grace time.Duration) {
	if p.Exited() {
		return
	}
	_ = p.Signal(syscall.SIGTERM)
	select {
	case <-p.waitDone:
		return
	case <-time.After(grace):
	}
	_ = p.Signal(syscall.SIGKILL)
	select {
	case <-p.waitDone:
	case <-time.After(killWait):
	}
}
