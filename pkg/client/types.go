package client

import (
	"fmt"
	"time"
)

// StartRequest launches a worker.
type StartRequest struct {
	Name    string   `json:"name,omitempty"`
	Command []string `json:"command"`
	WorkDir string   `json:"work_dir,omitempty"`
	Env     []string `json:"env,omitempty"`
	Port    int      `json:"port,omitempty"`
}

// Process is a registered worker as reported by the server.
type Process struct {
	ID        int64      `json:"id"`
	Name      string     `json:"name"`
	PID       int        `json:"pid"`
	Command   []string   `json:"command"`
	Port      int        `json:"port"`
	CreatedAt time.Time  `json:"created_at"`
	Running   bool       `json:"running"`
	ExitedAt  *time.Time `json:"exited_at,omitempty"`
	ExitCode  int        `json:"exit_code"`
	ExitError string     `json:"exit_error,omitempty"`
}

// HistoryRecord is the immutable launch record of a worker.
type HistoryRecord struct {
	ID        int64      `json:"id"`
	Name      string     `json:"name"`
	PID       int        `json:"pid"`
	Command   []string   `json:"command"`
	StartedAt time.Time  `json:"started_at"`
	StoppedAt *time.Time `json:"stopped_at,omitempty"`
}

// Usage is a resource sample of a live worker.
type Usage struct {
	PID        int32     `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	RSS        uint64    `json:"rss_bytes"`
	VMS        uint64    `json:"vms_bytes"`
	NumThreads int32     `json:"num_threads"`
	NumFDs     int32     `json:"num_fds"`
	Timestamp  time.Time `json:"timestamp"`
}

// LogQuery filters retained output.
type LogQuery struct {
	Contains   string
	Regex      string
	IgnoreCase bool
	Limit      int
}

// HistogramEntry is one heap histogram row.
type HistogramEntry struct {
	Rank      int    `json:"rank"`
	Instances int64  `json:"instances"`
	Bytes     int64  `json:"bytes"`
	ClassName string `json:"className"`
}

// ProfileRequest configures an external profiler run.
type ProfileRequest struct {
	DurationSeconds int    `json:"duration,omitempty"`
	Event           string `json:"event,omitempty"`
	Format          string `json:"output,omitempty"`
	OutputPath      string `json:"filename,omitempty"`
}

// ProfileRun identifies a submitted profiler task.
type ProfileRun struct {
	TaskID     int64  `json:"taskId"`
	OutputPath string `json:"path"`
}

// TaskInfo is the state of a background task.
type TaskInfo struct {
	ID          int64      `json:"id"`
	Name        string     `json:"name"`
	State       string     `json:"state"`
	SubmittedAt time.Time  `json:"submitted_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// APIError is a non-success response from the server.
type APIError struct {
	Status  int    `json:"-"`
	Message string `json:"error"`
	Code    string `json:"code,omitempty"`
	Hint    string `json:"hint,omitempty"`
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("HTTP %d %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("HTTP %d: %s", e.Status, e.Message)
}
