//go:build windows

package main

import (
	"os/exec"
	"syscall"
)

func configureDaemonAttrs(cmd *exec.Cmd) {
	// CREATE_NO_WINDOW
	cmd.SysProcAttr = &syscall.SysProcAttr{CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP | 0x08000000}
}
