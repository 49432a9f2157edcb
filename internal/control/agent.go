package control

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// DefaultSessionIdle is how long an unused session survives.
const DefaultSessionIdle = 10 * time.Minute

// Runtime performs the diagnostics work behind each agent command.
type Runtime interface {
	// StartRecording begins a recording, replacing any active one.
	StartRecording(name string, maxAge time.Duration) error
	// StopRecording writes the active recording to path. ok is false when
	// nothing was recording.
	StopRecording(path string) (written string, ok bool, err error)
	HeapSnapshot(path string, live bool) (string, error)
	SetGCLogging(enabled bool, path string) error
	LoadExtension(path string) bool
	HeapHistogram() (string, error)
}

// Agent serves the control protocol for the process it runs in. It is an
// http.Handler meant to be mounted under DefaultPath.
type Agent struct {
	rt         Runtime
	log        *slog.Logger
	ready      atomic.Bool
	attachable atomic.Bool
	sampling   atomic.Bool

	mu       sync.Mutex
	sessions map[string]time.Time // token to last use
	idle     time.Duration
	now      func() time.Time

	mux *http.ServeMux
}

// NewAgent returns an agent that is ready, attachable and sampling.
func NewAgent(rt Runtime, log *slog.Logger) *Agent {
	if log == nil {
		log = slog.Default()
	}
	a := &Agent{
		rt:       rt,
		log:      log,
		sessions: make(map[string]time.Time),
		idle:     DefaultSessionIdle,
		now:      time.Now,
		mux:      http.NewServeMux(),
	}
	a.ready.Store(true)
	a.attachable.Store(true)
	a.sampling.Store(true)

	a.mux.HandleFunc("POST /session", a.openSession)
	a.mux.HandleFunc("DELETE /session", a.closeSession)
	a.mux.HandleFunc("POST /invoke", a.invoke)
	a.mux.HandleFunc("GET /attributes/{name}", a.getAttribute)
	a.mux.HandleFunc("PUT /attributes/{name}", a.setAttribute)
	return a
}

// SetReady gates new sessions; an agent that is not ready rejects attach
// with 409 until it is.
func (a *Agent) SetReady(v bool) { a.ready.Store(v) }

// SetAttachable turns attach off entirely (412).
func (a *Agent) SetAttachable(v bool) { a.attachable.Store(v) }

// SamplingEnabled reports the SampleEnabled attribute.
func (a *Agent) SamplingEnabled() bool { return a.sampling.Load() }

// SetSessionIdle sets how long a session may go unused before the agent
// drops it. Non-positive values restore DefaultSessionIdle.
func (a *Agent) SetSessionIdle(d time.Duration) {
	if d <= 0 {
		d = DefaultSessionIdle
	}
	a.mu.Lock()
	a.idle = d
	a.mu.Unlock()
}

// Sessions returns the number of open, unexpired sessions.
func (a *Agent) Sessions() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sweepLocked(a.now())
	return len(a.sessions)
}

func (a *Agent) sweepLocked(now time.Time) {
	for tok, last := range a.sessions {
		if now.Sub(last) > a.idle {
			delete(a.sessions, tok)
			a.log.Debug("control session expired", "idle", now.Sub(last))
		}
	}
}

// Handler returns the agent mounted under prefix, e.g. DefaultPath.
func (a *Agent) Handler(prefix string) http.Handler {
	return http.StripPrefix(prefix, a)
}

func (a *Agent) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.mux.ServeHTTP(w, r)
}

func (a *Agent) openSession(w http.ResponseWriter, _ *http.Request) {
	if !a.attachable.Load() {
		writeJSON(w, http.StatusPreconditionFailed, errorResponse{Error: "attach not supported"})
		return
	}
	if !a.ready.Load() {
		writeJSON(w, http.StatusConflict, errorResponse{Error: "agent not ready"})
		return
	}
	tok := uuid.NewString()
	a.mu.Lock()
	now := a.now()
	a.sweepLocked(now)
	a.sessions[tok] = now
	a.mu.Unlock()
	writeJSON(w, http.StatusCreated, sessionResponse{Session: tok})
}

func (a *Agent) closeSession(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	delete(a.sessions, r.Header.Get(SessionHeader))
	a.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func (a *Agent) authorized(w http.ResponseWriter, r *http.Request) bool {
	tok := r.Header.Get(SessionHeader)
	a.mu.Lock()
	now := a.now()
	last, ok := a.sessions[tok]
	if ok && now.Sub(last) > a.idle {
		delete(a.sessions, tok)
		ok = false
	}
	if ok {
		a.sessions[tok] = now
	}
	a.mu.Unlock()
	if !ok {
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "no such session"})
	}
	return ok
}

func (a *Agent) invoke(w http.ResponseWriter, r *http.Request) {
	if !a.authorized(w, r) {
		return
	}
	var req invokeRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request: " + err.Error()})
		return
	}
	result, status, err := a.dispatch(req)
	if err != nil {
		a.log.Warn("control command failed", "command", req.Command, "error", err)
		writeJSON(w, status, errorResponse{Error: err.Error()})
		return
	}
	a.log.Debug("control command", "command", req.Command)
	writeJSON(w, http.StatusOK, struct {
		Result any `json:"result"`
	}{result})
}

var errUnknownCommand = errors.New("unknown command")

func decodeArgs(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, v)
}

func (a *Agent) dispatch(req invokeRequest) (any, int, error) {
	fail := func(err error) (any, int, error) { return nil, http.StatusUnprocessableEntity, err }
	bad := func(err error) (any, int, error) { return nil, http.StatusBadRequest, err }

	switch req.Command {
	case CmdStartRecording:
		var args StartRecordingArgs
		if err := decodeArgs(req.Args, &args); err != nil {
			return bad(err)
		}
		if err := a.rt.StartRecording(args.Name, time.Duration(args.MaxAgeMillis)*time.Millisecond); err != nil {
			return fail(err)
		}
		return nil, 0, nil
	case CmdStopRecording:
		var args StopRecordingArgs
		if err := decodeArgs(req.Args, &args); err != nil {
			return bad(err)
		}
		path, ok, err := a.rt.StopRecording(args.Path)
		if err != nil {
			return fail(err)
		}
		if !ok {
			return nil, 0, nil
		}
		return path, 0, nil
	case CmdCaptureHeapSnapshot:
		var args HeapSnapshotArgs
		if err := decodeArgs(req.Args, &args); err != nil {
			return bad(err)
		}
		path, err := a.rt.HeapSnapshot(args.Path, args.Live)
		if err != nil {
			return fail(err)
		}
		return path, 0, nil
	case CmdSetGCLogging:
		var args GCLoggingArgs
		if err := decodeArgs(req.Args, &args); err != nil {
			return bad(err)
		}
		if err := a.rt.SetGCLogging(args.Enabled, args.Path); err != nil {
			return fail(err)
		}
		return nil, 0, nil
	case CmdLoadExtension:
		var args LoadExtensionArgs
		if err := decodeArgs(req.Args, &args); err != nil {
			return bad(err)
		}
		return a.rt.LoadExtension(args.Path), 0, nil
	case CmdHeapHistogram:
		text, err := a.rt.HeapHistogram()
		if err != nil {
			return fail(err)
		}
		return text, 0, nil
	default:
		return bad(errUnknownCommand)
	}
}

func (a *Agent) getAttribute(w http.ResponseWriter, r *http.Request) {
	if !a.authorized(w, r) {
		return
	}
	name := r.PathValue("name")
	if !strings.EqualFold(name, AttrSampleEnabled) {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "unknown attribute " + name})
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Value bool `json:"value"`
	}{a.sampling.Load()})
}

func (a *Agent) setAttribute(w http.ResponseWriter, r *http.Request) {
	if !a.authorized(w, r) {
		return
	}
	name := r.PathValue("name")
	if !strings.EqualFold(name, AttrSampleEnabled) {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "unknown attribute " + name})
		return
	}
	var body struct {
		Value *bool `json:"value"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, 4096)).Decode(&body); err != nil || body.Value == nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "value must be a boolean"})
		return
	}
	a.sampling.Store(*body.Value)
	a.log.Info("sampling toggled", "enabled", *body.Value)
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
