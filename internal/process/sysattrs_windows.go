//go:build windows

package process

import (
	"os/exec"
	"syscall"
)

const createNewProcessGroup = 0x00000200

// configureSysProcAttr places the worker in a new process group.
func configureSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{CreationFlags: createNewProcessGroup}
}
