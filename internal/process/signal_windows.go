//go:build windows

package process

import (
	"os"
	"syscall"
)

// signalGroup terminates the process; Windows has no signal delivery so
// every signal other than 0 is treated as a kill.
func signalGroup(pid int, sig syscall.Signal) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return nil
	}
	if sig == 0 {
		return nil
	}
	return p.Kill()
}
