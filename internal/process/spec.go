package process

import (
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/loykin/procdoctor/internal/fault"
)

// Spec describes a worker to be launched.
type Spec struct {
	Name    string   `json:"name"`
	Command []string `json:"command"`  // argv; Command[0] is the executable
	WorkDir string   `json:"work_dir"` // optional working dir
	Env     []string `json:"env"`      // optional extra env, "K=V"
	Port    int      `json:"port"`     // diagnostics/metrics port of the worker's agent
}

// Args returns the launch arguments after the executable.
func (s Spec) Args() []string {
	if len(s.Command) < 2 {
		return nil
	}
	return s.Command[1:]
}

// ResolveExecutable checks that the executable exists and returns its path.
// Names without a path separator are looked up on PATH.
func (s Spec) ResolveExecutable() (string, error) {
	if len(s.Command) == 0 || strings.TrimSpace(s.Command[0]) == "" {
		return "", fault.New(fault.CodeInvalidArgument, "command is empty")
	}
	exe := s.Command[0]
	if !strings.ContainsRune(exe, filepath.Separator) {
		p, err := exec.LookPath(exe)
		if err != nil {
			return "", fault.Wrap(fault.CodeIOFailure, err, "executable %q not found", exe).
				WithHint("install the executable or pass an absolute path")
		}
		return p, nil
	}
	if s.WorkDir != "" && !filepath.IsAbs(exe) {
		exe = filepath.Join(s.WorkDir, exe)
	}
	fi, err := os.Stat(exe)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fault.Wrap(fault.CodeIOFailure, err, "executable %q does not exist", s.Command[0])
		}
		return "", fault.Wrap(fault.CodeIOFailure, err, "stat %q", s.Command[0])
	}
	if fi.IsDir() {
		return "", fault.New(fault.CodeIOFailure, "executable %q is a directory", s.Command[0])
	}
	return exe, nil
}
