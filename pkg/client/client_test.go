package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"runtime"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/procdoctor/internal/control"
	"github.com/loykin/procdoctor/internal/diag"
	"github.com/loykin/procdoctor/internal/server"
	"github.com/loykin/procdoctor/internal/supervisor"
	"github.com/loykin/procdoctor/internal/task"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires Unix-like shell")
	}
	gin.SetMode(gin.TestMode)
	sup := supervisor.New(supervisor.Options{StopGrace: 200 * time.Millisecond}, nil)
	sched := task.New(task.Options{})
	d := diag.New(sup, control.NewHTTPDialer("127.0.0.1", time.Second), sched, diag.Options{OutputDir: t.TempDir()})
	srv := httptest.NewServer(server.NewRouter(sup, d, sched, "/api").Handler())
	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		require.NoError(t, sup.Shutdown(ctx))
		require.NoError(t, sched.Close(ctx))
	})
	return New(Config{BaseURL: srv.URL + "/api"})
}

func TestClientProcessLifecycle(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	require.True(t, c.IsReachable(ctx))

	p, err := c.Start(ctx, StartRequest{Name: "echoer", Command: []string{"/bin/sh", "-c", "echo one; echo two; sleep 30"}})
	require.NoError(t, err)
	assert.True(t, p.Running)

	list, err := c.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)

	require.Eventually(t, func() bool {
		lines, err := c.Logs(ctx, p.ID, LogQuery{})
		return err == nil && len(lines) == 2
	}, 5*time.Second, 10*time.Millisecond)
	lines, err := c.Logs(ctx, p.ID, LogQuery{Contains: "TWO", IgnoreCase: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"two"}, lines)

	var followed []string
	require.NoError(t, c.Follow(ctx, p.ID, func(line string) bool {
		followed = append(followed, line)
		return len(followed) < 2
	}))
	assert.Equal(t, []string{"one", "two"}, followed)

	u, err := c.Usage(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, int32(p.PID), u.PID)

	require.NoError(t, c.Stop(ctx, p.ID))
	err = c.Stop(ctx, p.ID)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.Status)
	assert.Equal(t, "PROCESS_NOT_FOUND", apiErr.Code)

	rec, err := c.HistoryOf(ctx, p.ID)
	require.NoError(t, err)
	assert.NotNil(t, rec.StoppedAt)
	all, err := c.History(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestClientDiagnosticsErrors(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	p, err := c.Start(ctx, StartRequest{Command: []string{"/bin/sh", "-c", "sleep 30"}})
	require.NoError(t, err)

	_, err = c.Sampling(ctx, p.ID)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusPreconditionFailed, apiErr.Status)
	assert.NotEmpty(t, apiErr.Hint)

	_, err = c.HeapHistogram(ctx, 999, 10)
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.Status)

	tasks, err := c.Tasks(ctx)
	require.NoError(t, err)
	assert.Empty(t, tasks)
	ok, err := c.CancelTask(ctx, 42)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestClientUnreachable(t *testing.T) {
	c := New(Config{BaseURL: "http://127.0.0.1:1/api", Timeout: time.Second})
	assert.False(t, c.IsReachable(context.Background()))
	_, err := c.List(context.Background())
	assert.Error(t, err)
}
