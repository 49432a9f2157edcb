package server

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/labstack/echo/v4"

	"github.com/loykin/procdoctor/internal/diag"
	"github.com/loykin/procdoctor/internal/fault"
	"github.com/loykin/procdoctor/internal/logtail"
	"github.com/loykin/procdoctor/internal/metrics"
	"github.com/loykin/procdoctor/internal/process"
	"github.com/loykin/procdoctor/internal/supervisor"
	"github.com/loykin/procdoctor/internal/task"
)

// Router provides embeddable HTTP handlers for supervising and diagnosing
// workers. Endpoints, relative to basePath:
//
//	POST   /processes                      body: startRequest
//	GET    /processes
//	GET    /processes/:id
//	DELETE /processes/:id
//	GET    /processes/:id/usage
//	GET    /processes/:id/logs             query: contains, regex, ignore_case, limit
//	GET    /processes/:id/logs/stream      server-sent events
//	GET    /processes/:id/metrics          worker exposition text
//	GET    /processes/:id/sampling
//	PUT    /processes/:id/sampling         body: {"enabled": bool}
//	POST   /processes/:id/recording        body: {"name", "maxAgeMillis"}
//	DELETE /processes/:id/recording        query: path
//	POST   /processes/:id/heap/snapshot    body: {"path", "live"}
//	GET    /processes/:id/heap/histogram   query: limit
//	PUT    /processes/:id/gclog            body: {"enabled", "path"}
//	POST   /processes/:id/extensions       body: {"path"}
//	POST   /processes/:id/profile          body: diag.ProfileRequest
//	GET    /history
//	GET    /history/:id
//	GET    /tasks
//	GET    /tasks/:id
//	DELETE /tasks/:id
//
// /metrics and /healthz are served at the root regardless of basePath.
type Router struct {
	sup      *supervisor.Supervisor
	diag     *diag.Dispatcher
	sched    *task.Scheduler
	basePath string
}

// NewRouter constructs a Router. basePath may be empty or start with '/'.
func NewRouter(sup *supervisor.Supervisor, d *diag.Dispatcher, sched *task.Scheduler, basePath string) *Router {
	return &Router{sup: sup, diag: d, sched: sched, basePath: sanitizeBase(basePath)}
}

// BasePath returns the sanitized base path.
func (r *Router) BasePath() string { return r.basePath }

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery(), requestLogger())
	g.GET("/healthz", func(c *gin.Context) { writeJSON(c, http.StatusOK, okResp{OK: true}) })
	g.GET("/metrics", gin.WrapH(metrics.Handler()))

	group := g.Group(r.basePath)
	group.POST("/processes", r.handleStart)
	group.GET("/processes", r.handleList)
	group.GET("/processes/:id", r.handleGet)
	group.DELETE("/processes/:id", r.handleStop)
	group.GET("/processes/:id/usage", r.handleUsage)
	group.GET("/processes/:id/logs", r.handleLogs)
	group.GET("/processes/:id/logs/stream", r.handleStream)
	group.GET("/processes/:id/metrics", r.handleWorkerMetrics)
	group.GET("/processes/:id/sampling", r.handleGetSampling)
	group.PUT("/processes/:id/sampling", r.handleSetSampling)
	group.POST("/processes/:id/recording", r.handleStartRecording)
	group.DELETE("/processes/:id/recording", r.handleStopRecording)
	group.POST("/processes/:id/heap/snapshot", r.handleHeapSnapshot)
	group.GET("/processes/:id/heap/histogram", r.handleHistogram)
	group.PUT("/processes/:id/gclog", r.handleGCLog)
	group.POST("/processes/:id/extensions", r.handleLoadExtension)
	group.POST("/processes/:id/profile", r.handleProfile)
	group.GET("/history", r.handleHistoryAll)
	group.GET("/history/:id", r.handleHistory)
	group.GET("/tasks", r.handleTasks)
	group.GET("/tasks/:id", r.handleTask)
	group.DELETE("/tasks/:id", r.handleCancelTask)
	return g
}

// MountEcho mounts the router on an echo instance under its base path.
func (r *Router) MountEcho(e *echo.Echo) {
	h := echo.WrapHandler(r.Handler())
	if r.basePath != "" {
		e.Any(r.basePath, h)
	}
	e.Any(r.basePath+"/*", h)
	e.GET("/metrics", h)
	e.GET("/healthz", h)
}

// NewServer returns an http.Server for addr using this router. The caller
// starts it.
func NewServer(addr string, r *Router) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// no WriteTimeout: log streams and heap snapshots outlive it
		IdleTimeout: 60 * time.Second,
	}
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		slog.Debug("http request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start))
	}
}

// --- Responses ---

type errorResp struct {
	Error string     `json:"error"`
	Code  fault.Code `json:"code,omitempty"`
	Hint  string     `json:"hint,omitempty"`
}

type okResp struct {
	OK bool `json:"ok"`
}

// statusFor maps a fault code to an HTTP status.
func statusFor(code fault.Code) int {
	switch code {
	case fault.CodeProcessNotFound:
		return http.StatusNotFound
	case fault.CodeCapacityExceeded, fault.CodeSchedulerSaturated:
		return http.StatusTooManyRequests
	case fault.CodeResourceLimitExceeded, fault.CodeInvalidArgument:
		return http.StatusBadRequest
	case fault.CodeToolNotConfigured:
		return http.StatusNotImplemented
	case fault.CodeChannelUnavailable:
		return http.StatusPreconditionFailed
	case fault.CodeHandshakeRejected:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeError(c *gin.Context, err error) {
	var fe *fault.Error
	if !errors.As(err, &fe) {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, statusFor(fe.Code), errorResp{Error: err.Error(), Code: fe.Code, Hint: fe.Hint})
}

func badRequest(c *gin.Context, msg string) {
	writeJSON(c, http.StatusBadRequest, errorResp{Error: msg, Code: fault.CodeInvalidArgument})
}

func pathID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		badRequest(c, "invalid id: "+c.Param("id"))
		return 0, false
	}
	return id, true
}

// --- Processes ---

type startRequest struct {
	Name    string   `json:"name"`
	Command []string `json:"command"`
	WorkDir string   `json:"work_dir"`
	Env     []string `json:"env"`
	Port    int      `json:"port"`
}

func (r *Router) handleStart(c *gin.Context) {
	var req startRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid JSON: "+err.Error())
		return
	}
	if len(req.Command) == 0 {
		badRequest(c, "command required")
		return
	}
	if req.Name != "" && !isSafeName(req.Name) {
		badRequest(c, "invalid name: allowed [A-Za-z0-9._-] and no '..' or path separators")
		return
	}
	if !isSafeAbsPath(req.WorkDir) {
		badRequest(c, "invalid work_dir: must be absolute path without traversal")
		return
	}
	if req.Port < 0 || req.Port > 65535 {
		badRequest(c, "invalid port")
		return
	}
	mp, err := r.sup.Start(c.Request.Context(), process.Spec{
		Name: req.Name, Command: req.Command, WorkDir: req.WorkDir, Env: req.Env, Port: req.Port,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, mp)
}

func (r *Router) handleList(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.sup.List())
}

func (r *Router) handleGet(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	mp, err := r.sup.Get(id)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, mp)
}

func (r *Router) handleStop(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	if !r.sup.Stop(id) {
		writeError(c, fault.New(fault.CodeProcessNotFound, "process %d not found", id))
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleUsage(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	u, err := r.sup.Usage(id)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, u)
}

// --- Logs ---

type logsResp struct {
	Lines []string `json:"lines"`
}

func (r *Router) handleLogs(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var q supervisor.LogQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		badRequest(c, "invalid query: "+err.Error())
		return
	}
	lines, err := r.sup.QueryLogs(id, q)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, logsResp{Lines: lines})
}

// handleStream sends the retained lines followed by live lines as
// server-sent "log" events. A "dropped" event carrying a count follows the
// last line delivered before lines were skipped for a slow reader. The
// stream ends with a "complete" event when the process is stopped.
func (r *Router) handleStream(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	sub, backlog, ok := r.sup.SubscribeContext(c.Request.Context(), id)
	if !ok {
		writeError(c, fault.New(fault.CodeProcessNotFound, "process %d not found", id))
		return
	}
	defer sub.Close()

	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	for _, line := range backlog {
		c.SSEvent("log", line)
	}
	c.Writer.Flush()
	streamTail(c, sub)
}

func streamTail(c *gin.Context, sub *logtail.Subscription) {
	var reported uint64
	for {
		line, open := <-sub.Lines()
		if open {
			c.SSEvent("log", line)
		}
		if n := sub.Dropped(); n > reported {
			c.SSEvent("dropped", strconv.FormatUint(n-reported, 10))
			reported = n
		}
		if !open {
			c.SSEvent("complete", "")
			c.Writer.Flush()
			return
		}
		c.Writer.Flush()
	}
}

// --- History ---

func (r *Router) handleHistoryAll(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.sup.HistoryAll())
}

func (r *Router) handleHistory(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	rec, found := r.sup.History(id)
	if !found {
		writeError(c, fault.New(fault.CodeProcessNotFound, "no history for process %d", id))
		return
	}
	writeJSON(c, http.StatusOK, rec)
}

// --- Tasks ---

func (r *Router) handleTasks(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.sched.Infos())
}

func taskID(c *gin.Context) (task.ID, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		badRequest(c, "invalid task id: "+c.Param("id"))
		return 0, false
	}
	return task.ID(id), true
}

func (r *Router) handleTask(c *gin.Context) {
	id, ok := taskID(c)
	if !ok {
		return
	}
	info, found := r.sched.Status(id)
	if !found {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "task not found"})
		return
	}
	writeJSON(c, http.StatusOK, info)
}

type cancelResp struct {
	Cancelled bool `json:"cancelled"`
}

func (r *Router) handleCancelTask(c *gin.Context) {
	id, ok := taskID(c)
	if !ok {
		return
	}
	writeJSON(c, http.StatusOK, cancelResp{Cancelled: r.sched.Cancel(id)})
}
