package main

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
)

// DaemonFlags holds the background mode flags of serve.
type DaemonFlags struct {
	Daemonize bool
	PIDFile   string
	LogFile   string
}

// childArgs drops --daemonize from args so the re-executed server runs in
// the foreground of its new session.
func childArgs(args []string) []string {
	out := make([]string, 0, len(args))
	for _, a := range args {
		if a == "--daemonize" || strings.HasPrefix(a, "--daemonize=") {
			continue
		}
		out = append(out, a)
	}
	return out
}

// spawnDaemon re-executes the current binary detached from the terminal and
// returns the child pid. The parent is expected to exit afterwards.
func spawnDaemon(f DaemonFlags, args []string) (int, error) {
	exe, err := os.Executable()
	if err != nil {
		return 0, fmt.Errorf("failed to get executable path: %w", err)
	}
	// #nosec G204
	cmd := exec.Command(exe, childArgs(args)...)
	configureDaemonAttrs(cmd)
	if f.LogFile != "" {
		// #nosec G304
		lf, err := os.OpenFile(f.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return 0, fmt.Errorf("failed to open log file: %w", err)
		}
		defer func() { _ = lf.Close() }()
		cmd.Stdout = lf
		cmd.Stderr = lf
	}
	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("failed to start daemon process: %w", err)
	}
	return cmd.Process.Pid, cmd.Process.Release()
}

func writePIDFile(path string, pid int) error {
	if path == "" {
		return nil
	}
	return os.WriteFile(path, []byte(strconv.Itoa(pid)), 0o644)
}

func removePIDFile(path string) {
	if path != "" {
		_ = os.Remove(path)
	}
}

func reportDaemon(w io.Writer, pid int) {
	_, _ = fmt.Fprintf(w, "procdoctor started in background with pid %d\n", pid)
}
