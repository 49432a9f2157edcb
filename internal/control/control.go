// Package control is the request/response channel between the control
// plane and the diagnostics agent embedded in a worker.
//
// Every failure returned by this package is an *Error tagged with the tier
// that failed: the channel could not be reached, the worker refused the
// session, or a command ran and reported an error.
package control

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies a control channel failure.
type Kind int

const (
	// KindUnavailable: the agent could not be reached or does not accept
	// attach at all.
	KindUnavailable Kind = iota + 1
	// KindHandshake: the agent was reached but refused or dropped the session.
	KindHandshake
	// KindCommand: the session worked and the command itself failed.
	KindCommand
)

func (k Kind) String() string {
	switch k {
	case KindUnavailable:
		return "unavailable"
	case KindHandshake:
		return "handshake"
	case KindCommand:
		return "command"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Error is a classified control channel failure.
type Error struct {
	Kind Kind
	Op   string // attach, invoke:<command>, get:<attr>, set:<attr>
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("control %s (%s): %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) (Kind, bool) {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind, true
	}
	return 0, false
}

// Target addresses one worker's agent.
type Target struct {
	PID  int
	Port int
}

// Dialer establishes sessions with worker agents.
type Dialer interface {
	Attach(ctx context.Context, t Target) (Session, error)
}

// Session is an established control session. It is not required to be safe
// for concurrent use.
type Session interface {
	// Invoke runs command with args (JSON-encodable) and decodes the result
	// into out when out is non-nil. A null result leaves out untouched.
	Invoke(ctx context.Context, command string, args any, out any) error
	SetAttribute(ctx context.Context, name string, value any) error
	Attribute(ctx context.Context, name string, out any) error
	Close() error
}

// Command names understood by the agent.
const (
	CmdStartRecording      = "startRecording"
	CmdStopRecording       = "stopRecording"
	CmdCaptureHeapSnapshot = "captureHeapSnapshot"
	CmdSetGCLogging        = "setGcLogging"
	CmdLoadExtension       = "loadExtension"
	CmdHeapHistogram       = "heapHistogram"

	AttrSampleEnabled = "SampleEnabled"
)

type StartRecordingArgs struct {
	Name         string `json:"name"`
	MaxAgeMillis int64  `json:"maxAgeMillis"`
}

type StopRecordingArgs struct {
	Path string `json:"path"`
}

type HeapSnapshotArgs struct {
	Path string `json:"path"`
	Live bool   `json:"live"`
}

type GCLoggingArgs struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoadExtensionArgs struct {
	Path string `json:"path"`
}
