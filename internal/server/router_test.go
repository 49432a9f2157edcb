package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"runtime"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/procdoctor/internal/control"
	"github.com/loykin/procdoctor/internal/diag"
	"github.com/loykin/procdoctor/internal/fault"
	"github.com/loykin/procdoctor/internal/history"
	"github.com/loykin/procdoctor/internal/logtail"
	"github.com/loykin/procdoctor/internal/process"
	"github.com/loykin/procdoctor/internal/supervisor"
	"github.com/loykin/procdoctor/internal/task"
)

type fixture struct {
	sup     *supervisor.Supervisor
	sched   *task.Scheduler
	handler http.Handler
}

func setupRouter(t *testing.T, base string, opts supervisor.Options) *fixture {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires Unix-like shell")
	}
	gin.SetMode(gin.TestMode)
	if opts.StopGrace == 0 {
		opts.StopGrace = 200 * time.Millisecond
	}
	sup := supervisor.New(opts, nil)
	sched := task.New(task.Options{Workers: 1})
	d := diag.New(sup, control.NewHTTPDialer("127.0.0.1", 5*time.Second), sched, diag.Options{
		ProfilerHomeEnv: "PROCDOCTOR_TEST_PROFILER_HOME_UNSET",
		OutputDir:       t.TempDir(),
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		require.NoError(t, sup.Shutdown(ctx))
		require.NoError(t, sched.Close(ctx))
	})
	return &fixture{sup: sup, sched: sched, handler: NewRouter(sup, d, sched, base).Handler()}
}

func doReq(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rdr)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func startSleep(t *testing.T, f *fixture, base string, port int) supervisor.ManagedProcess {
	t.Helper()
	rec := doReq(t, f.handler, http.MethodPost, base+"/processes", startRequest{
		Name: "sleeper", Command: []string{"/bin/sh", "-c", "echo hello; echo ERROR boom; sleep 30"}, Port: port,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[supervisor.ManagedProcess](t, rec)
}

func TestStartListGetStop(t *testing.T) {
	f := setupRouter(t, "/api", supervisor.Options{})
	mp := startSleep(t, f, "/api", 0)
	assert.Positive(t, mp.PID)
	assert.True(t, mp.Running)

	list := decode[[]supervisor.ManagedProcess](t, doReq(t, f.handler, http.MethodGet, "/api/processes", nil))
	require.Len(t, list, 1)
	assert.Equal(t, mp.ID, list[0].ID)

	got := doReq(t, f.handler, http.MethodGet, "/api/processes/"+strconv.FormatInt(mp.ID, 10), nil)
	assert.Equal(t, http.StatusOK, got.Code)

	rec := doReq(t, f.handler, http.MethodDelete, "/api/processes/"+strconv.FormatInt(mp.ID, 10), nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = doReq(t, f.handler, http.MethodDelete, "/api/processes/"+strconv.FormatInt(mp.ID, 10), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	hist := decode[history.Record](t, doReq(t, f.handler, http.MethodGet, "/api/history/"+strconv.FormatInt(mp.ID, 10), nil))
	assert.Equal(t, mp.PID, hist.PID)
	assert.True(t, hist.Stopped())
	all := decode[[]history.Record](t, doReq(t, f.handler, http.MethodGet, "/api/history", nil))
	assert.Len(t, all, 1)
}

func TestStartValidation(t *testing.T) {
	f := setupRouter(t, "", supervisor.Options{MaxProcesses: 1, Limits: process.Limits{MaxHeapMB: 1024}})

	rec := doReq(t, f.handler, http.MethodPost, "/processes", map[string]any{"command": "not-a-list"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doReq(t, f.handler, http.MethodPost, "/processes", startRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doReq(t, f.handler, http.MethodPost, "/processes", startRequest{Name: "../x", Command: []string{"/bin/true"}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doReq(t, f.handler, http.MethodPost, "/processes", startRequest{Command: []string{"/bin/sh", "-Xmx4g"}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, fault.CodeResourceLimitExceeded, decode[errorResp](t, rec).Code)

	rec = doReq(t, f.handler, http.MethodPost, "/processes", startRequest{Command: []string{"/no/such/binary"}})
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, fault.CodeIOFailure, decode[errorResp](t, rec).Code)

	startSleep(t, f, "", 0)
	rec = doReq(t, f.handler, http.MethodPost, "/processes", startRequest{Command: []string{"/bin/sh", "-c", "sleep 30"}})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	er := decode[errorResp](t, rec)
	assert.Equal(t, fault.CodeCapacityExceeded, er.Code)

	rec = doReq(t, f.handler, http.MethodGet, "/processes/999", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, fault.CodeProcessNotFound, decode[errorResp](t, rec).Code)

	rec = doReq(t, f.handler, http.MethodGet, "/processes/abc", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLogsQuery(t *testing.T) {
	f := setupRouter(t, "", supervisor.Options{})
	mp := startSleep(t, f, "", 0)
	path := "/processes/" + strconv.FormatInt(mp.ID, 10) + "/logs"

	require.Eventually(t, func() bool {
		return len(decode[logsResp](t, doReq(t, f.handler, http.MethodGet, path, nil)).Lines) == 2
	}, 5*time.Second, 10*time.Millisecond)

	got := decode[logsResp](t, doReq(t, f.handler, http.MethodGet, path+"?contains=error&ignore_case=true", nil))
	assert.Equal(t, []string{"ERROR boom"}, got.Lines)

	rec := doReq(t, f.handler, http.MethodGet, path+"?regex=(", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	got = decode[logsResp](t, doReq(t, f.handler, http.MethodGet, "/processes/999/logs", nil))
	assert.Empty(t, got.Lines)
}

func TestLogStream(t *testing.T) {
	f := setupRouter(t, "", supervisor.Options{})
	srv := httptest.NewServer(f.handler)
	t.Cleanup(srv.Close)
	mp := startSleep(t, f, "", 0)
	require.Eventually(t, func() bool {
		lines, _ := f.sup.QueryLogs(mp.ID, supervisor.LogQuery{})
		return len(lines) == 2
	}, 5*time.Second, 10*time.Millisecond)

	resp, err := http.Get(srv.URL + "/processes/" + strconv.FormatInt(mp.ID, 10) + "/logs/stream")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	sc := bufio.NewScanner(resp.Body)
	var data []string
	stopped := false
	for sc.Scan() {
		line := sc.Text()
		if strings.HasPrefix(line, "data:") {
			data = append(data, strings.TrimPrefix(line, "data:"))
		}
		if len(data) == 2 && !stopped {
			stopped = true
			f.sup.Stop(mp.ID)
		}
		if line == "event:complete" {
			break
		}
	}
	assert.Equal(t, []string{"hello", "ERROR boom"}, data)

	resp2, err := http.Get(srv.URL + "/processes/999/logs/stream")
	require.NoError(t, err)
	_ = resp2.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp2.StatusCode)
}

func agentPort(t *testing.T) (*control.Agent, int) {
	t.Helper()
	a := control.NewAgent(control.NewGoRuntime(), nil)
	mux := http.NewServeMux()
	mux.Handle(control.DefaultPath+"/", a.Handler(control.DefaultPath))
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	_, p, err := net.SplitHostPort(u.Host)
	require.NoError(t, err)
	port, err := strconv.Atoi(p)
	require.NoError(t, err)
	return a, port
}

func TestDiagnosticsEndpoints(t *testing.T) {
	f := setupRouter(t, "/api", supervisor.Options{})
	a, port := agentPort(t)
	mp := startSleep(t, f, "/api", port)
	base := "/api/processes/" + strconv.FormatInt(mp.ID, 10)

	rec := doReq(t, f.handler, http.MethodPut, base+"/sampling", samplingBody{Enabled: new(bool)})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.False(t, a.SamplingEnabled())
	assert.False(t, decode[samplingResp](t, doReq(t, f.handler, http.MethodGet, base+"/sampling", nil)).Enabled)

	rec = doReq(t, f.handler, http.MethodPut, base+"/sampling", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doReq(t, f.handler, http.MethodDelete, base+"/recording", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Nil(t, decode[pathResp](t, rec).Path)

	rec = doReq(t, f.handler, http.MethodGet, base+"/heap/histogram?limit=3", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rows := decode[[]diag.HistogramEntry](t, rec)
	assert.NotEmpty(t, rows)
	assert.LessOrEqual(t, len(rows), 3)

	rec = doReq(t, f.handler, http.MethodPost, base+"/extensions", extensionBody{Path: "/no/such/ext.so"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decode[loadedResp](t, rec).Loaded)

	a.SetReady(false)
	rec = doReq(t, f.handler, http.MethodGet, base+"/sampling", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	er := decode[errorResp](t, rec)
	assert.Equal(t, fault.CodeHandshakeRejected, er.Code)
	assert.NotEmpty(t, er.Hint)
}

func TestDiagnosticsWithoutAgent(t *testing.T) {
	f := setupRouter(t, "", supervisor.Options{})
	mp := startSleep(t, f, "", 0)
	base := "/processes/" + strconv.FormatInt(mp.ID, 10)

	rec := doReq(t, f.handler, http.MethodGet, base+"/sampling", nil)
	assert.Equal(t, http.StatusPreconditionFailed, rec.Code)
	assert.Equal(t, fault.CodeChannelUnavailable, decode[errorResp](t, rec).Code)

	rec = doReq(t, f.handler, http.MethodPost, base+"/profile", nil)
	assert.Equal(t, http.StatusNotImplemented, rec.Code)
	assert.Equal(t, fault.CodeToolNotConfigured, decode[errorResp](t, rec).Code)

	rec = doReq(t, f.handler, http.MethodGet, "/processes/999/heap/histogram", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTasksAndMetrics(t *testing.T) {
	f := setupRouter(t, "", supervisor.Options{})
	release := make(chan struct{})
	id, err := f.sched.Submit("wait", func(ctx context.Context) error {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	})
	require.NoError(t, err)
	defer close(release)

	infos := decode[[]task.Info](t, doReq(t, f.handler, http.MethodGet, "/tasks", nil))
	require.Len(t, infos, 1)
	assert.Equal(t, id, infos[0].ID)

	path := "/tasks/" + strconv.FormatInt(int64(id), 10)
	assert.Equal(t, http.StatusOK, doReq(t, f.handler, http.MethodGet, path, nil).Code)
	assert.True(t, decode[cancelResp](t, doReq(t, f.handler, http.MethodDelete, path, nil)).Cancelled)
	assert.Equal(t, http.StatusNotFound, doReq(t, f.handler, http.MethodGet, "/tasks/999", nil).Code)
	assert.False(t, decode[cancelResp](t, doReq(t, f.handler, http.MethodDelete, "/tasks/999", nil)).Cancelled)

	rec := doReq(t, f.handler, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, http.StatusOK, doReq(t, f.handler, http.MethodGet, "/healthz", nil).Code)
}

func TestStatusFor(t *testing.T) {
	cases := map[fault.Code]int{
		fault.CodeProcessNotFound:       http.StatusNotFound,
		fault.CodeCapacityExceeded:      http.StatusTooManyRequests,
		fault.CodeSchedulerSaturated:    http.StatusTooManyRequests,
		fault.CodeResourceLimitExceeded: http.StatusBadRequest,
		fault.CodeInvalidArgument:       http.StatusBadRequest,
		fault.CodeToolNotConfigured:     http.StatusNotImplemented,
		fault.CodeChannelUnavailable:    http.StatusPreconditionFailed,
		fault.CodeHandshakeRejected:     http.StatusConflict,
		fault.CodeCommandFailed:         http.StatusInternalServerError,
		fault.CodeIOFailure:             http.StatusInternalServerError,
	}
	for code, want := range cases {
		assert.Equal(t, want, statusFor(code), string(code))
	}
}

func TestMountEcho(t *testing.T) {
	f := setupRouter(t, "/api", supervisor.Options{})
	sup, sched := f.sup, f.sched
	r := NewRouter(sup, diag.New(sup, control.NewHTTPDialer("", time.Second), sched, diag.Options{}), sched, "/api")
	e := echo.New()
	r.MountEcho(e)

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/processes", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())

	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestStreamTailReportsDroppedLines(t *testing.T) {
	tail := logtail.New(10, 1)
	sub, _, ok := tail.Subscribe()
	require.True(t, ok)
	for _, l := range []string{"a", "b", "c", "d"} {
		tail.Write(l)
	}
	tail.Close()

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	streamTail(c, sub)

	body := w.Body.String()
	logAt := strings.Index(body, "event:log\ndata:a\n")
	droppedAt := strings.Index(body, "event:dropped\ndata:3\n")
	completeAt := strings.Index(body, "event:complete")
	require.NotEqual(t, -1, logAt, body)
	require.NotEqual(t, -1, droppedAt, body)
	require.NotEqual(t, -1, completeAt, body)
	assert.Less(t, logAt, droppedAt)
	assert.Less(t, droppedAt, completeAt)
	assert.NotContains(t, body, "data:b")
}
