package metrics

import (
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

// Usage is a resource sample of one OS process.
type Usage struct {
	PID        int32     `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	RSS        uint64    `json:"rss_bytes"`
	VMS        uint64    `json:"vms_bytes"`
	NumThreads int32     `json:"num_threads"`
	NumFDs     int32     `json:"num_fds,omitempty"` // Unix only
	Timestamp  time.Time `json:"timestamp"`
}

// MemoryMB returns RSS in mebibytes.
func (u Usage) MemoryMB() float64 { return float64(u.RSS) / 1024 / 1024 }

// SampleUsage reads CPU, memory, thread and fd counts for pid.
// CPU is averaged over the process lifetime.
func SampleUsage(pid int32) (Usage, error) {
	proc, err := process.NewProcess(pid)
	if err != nil {
		return Usage{}, fmt.Errorf("failed to create process handle: %w", err)
	}
	memInfo, err := proc.MemoryInfo()
	if err != nil {
		return Usage{}, fmt.Errorf("failed to get memory info: %w", err)
	}
	cpuPercent, err := proc.CPUPercent()
	if err != nil {
		slog.Debug("Failed to get CPU percent", "pid", pid, "error", err)
		cpuPercent = 0
	}
	numThreads, err := proc.NumThreads()
	if err != nil {
		slog.Debug("Failed to get thread count", "pid", pid, "error", err)
		numThreads = 0
	}
	u := Usage{
		PID:        pid,
		CPUPercent: cpuPercent,
		RSS:        memInfo.RSS,
		VMS:        memInfo.VMS,
		NumThreads: numThreads,
		Timestamp:  time.Now(),
	}
	if runtime.GOOS != "windows" {
		if n, err := proc.NumFDs(); err == nil {
			u.NumFDs = n
		}
	}
	return u, nil
}
