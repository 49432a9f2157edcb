//go:build !windows

package process

import (
	"os/exec"
	"syscall"
)

// configureSysProcAttr places the worker in a new process group so that
// termination reaches anything it forks.
func configureSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}
