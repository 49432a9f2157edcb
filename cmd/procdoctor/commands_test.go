package main

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"runtime"
	"strings"
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
	"github.com/loykin/procdoctor/pkg/client"
)

func newTestAPI(t *testing.T) string {
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
	return srv.URL + "/api"
}

func run(t *testing.T, api string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := buildRoot(&out)
	root.SetErr(&bytes.Buffer{})
	root.SetArgs(append([]string{"--api-url", api}, args...))
	err := root.Execute()
	return out.String(), err
}

func TestCLIProcessCommands(t *testing.T) {
	api := newTestAPI(t)

	out, err := run(t, api, "start", "--name", "echoer", "--", "/bin/sh", "-c", "echo hello; echo world; sleep 30")
	require.NoError(t, err)
	assert.Equal(t, "started 1", strings.SplitN(out, " (", 2)[0])

	out, err = run(t, api, "ps")
	require.NoError(t, err)
	assert.Contains(t, out, "echoer")
	assert.Contains(t, out, "running")

	cl := client.New(client.Config{BaseURL: api})
	require.Eventually(t, func() bool {
		lines, err := cl.Logs(context.Background(), 1, client.LogQuery{})
		return err == nil && len(lines) == 2
	}, 5*time.Second, 10*time.Millisecond)

	out, err = run(t, api, "logs", "1", "--grep", "WOR", "-i")
	require.NoError(t, err)
	assert.Equal(t, "world\n", out)

	out, err = run(t, api, "--json", "history")
	require.NoError(t, err)
	assert.Contains(t, out, `"name": "echoer"`)

	out, err = run(t, api, "stop", "1")
	require.NoError(t, err)
	assert.Equal(t, "stopped 1\n", out)

	_, err = run(t, api, "stop", "1")
	var apiErr *client.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.Status)

	_, err = run(t, api, "stop", "abc")
	assert.ErrorContains(t, err, "invalid id")
}

func TestCLIDiagnosticsNeedAgent(t *testing.T) {
	api := newTestAPI(t)
	_, err := run(t, api, "start", "--", "/bin/sh", "-c", "sleep 30")
	require.NoError(t, err)

	_, err = run(t, api, "sampling", "1")
	var apiErr *client.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusPreconditionFailed, apiErr.Status)
	assert.NotEmpty(t, hintOf(err))

	_, err = run(t, api, "sampling", "1", "maybe")
	assert.ErrorContains(t, err, "expected on or off")

	out, err := run(t, api, "tasks")
	require.NoError(t, err)
	assert.Contains(t, out, "ID")
}

func TestOnOff(t *testing.T) {
	for in, want := range map[string]bool{"on": true, "true": true, "off": false, "0": false} {
		got, err := onOff(in)
		require.NoError(t, err)
		assert.Equal(t, want, got, in)
	}
	_, err := onOff("")
	assert.Error(t, err)
}

func TestParseID(t *testing.T) {
	id, err := parseID("42")
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)
	for _, bad := range []string{"0", "-1", "x"} {
		_, err := parseID(bad)
		assert.Error(t, err, bad)
	}
}

func TestChildArgsDropsDaemonize(t *testing.T) {
	got := childArgs([]string{"serve", "--daemonize", "--pidfile", "/tmp/p.pid", "--daemonize=true", "cfg.toml"})
	assert.Equal(t, []string{"serve", "--pidfile", "/tmp/p.pid", "cfg.toml"}, got)
}

func TestPIDFile(t *testing.T) {
	path := t.TempDir() + "/procdoctor.pid"
	require.NoError(t, writePIDFile(path, 1234))
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "1234", string(b))
	removePIDFile(path)
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
	require.NoError(t, writePIDFile("", 1))
}
