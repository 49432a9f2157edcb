package process

import "time"

// Status is a point-in-time view of a spawned worker.
type Status struct {
	Name      string    `json:"name"`
	PID       int       `json:"pid"`
	Running   bool      `json:"running"`
	StartedAt time.Time `json:"started_at"`
	StoppedAt time.Time `json:"stopped_at"`
	ExitCode  int       `json:"exit_code"`
	ExitErr   string    `json:"exit_error,omitempty"`
}
