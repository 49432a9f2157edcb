package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestDefault(t *testing.T) {
	c := Default()
	assert.Equal(t, 20, c.Supervisor.MaxProcesses)
	assert.Equal(t, int64(1024), c.Supervisor.MaxHeapMB)
	assert.Equal(t, []string{"-Xmx", "-Xms"}, c.Supervisor.LimitFlags)
	assert.Equal(t, 500, c.Supervisor.LogCapacity)
	assert.Equal(t, 3*time.Second, c.Supervisor.StopGrace)
	assert.Equal(t, 2, c.Scheduler.Workers)
	assert.Equal(t, 50, c.Scheduler.Queue)
	assert.Equal(t, "ASYNC_PROFILER_HOME", c.Profiler.HomeEnv)
	assert.Equal(t, 10*time.Second, c.Control.Timeout)
	assert.Equal(t, "/api", c.Server.BasePath)
	assert.True(t, c.InheritEnv)
	assert.Empty(t, c.History)
}

func TestLoad_TOML(t *testing.T) {
	p := writeFile(t, "procdoctor.toml", `
env = ["A=1"]

[supervisor]
max_processes = 5
max_heap_mb = 2048
stop_grace = "500ms"

[scheduler]
workers = 4

[server.tls]
enabled = true
dir = "/var/lib/procdoctor/tls"
auto_generate = true

[log]
level = "debug"
format = "json"

[[history]]
dsn = "sqlite://:memory:"

[[history]]
dsn = "opensearch://localhost:9200/ph"
`)
	c, err := Load(p)
	require.NoError(t, err)
	assert.Equal(t, 5, c.Supervisor.MaxProcesses)
	assert.Equal(t, int64(2048), c.Supervisor.MaxHeapMB)
	assert.Equal(t, 500*time.Millisecond, c.Supervisor.StopGrace)
	assert.Equal(t, 500, c.Supervisor.LogCapacity, "unset keys keep defaults")
	assert.Equal(t, 4, c.Scheduler.Workers)
	assert.Equal(t, "debug", c.Log.Level)
	assert.True(t, c.Server.TLS.AutoGenerate)
	assert.Equal(t, "1.3", c.Server.TLS.MinVersion)
	assert.Equal(t, []string{"sqlite://:memory:", "opensearch://localhost:9200/ph"}, c.HistoryDSNs())
	assert.Equal(t, []string{"A=1"}, c.Env)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("MAX_PROCESSES", "7")
	t.Setenv("MAX_XMX_MB", "256")
	t.Setenv("PROCDOCTOR_SERVER_LISTEN", ":9999")
	c, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 7, c.Supervisor.MaxProcesses)
	assert.Equal(t, int64(256), c.Supervisor.MaxHeapMB)
	assert.Equal(t, ":9999", c.Server.Listen)
}

func TestLoad_PrefixedEnvWins(t *testing.T) {
	t.Setenv("MAX_PROCESSES", "7")
	t.Setenv("PROCDOCTOR_SUPERVISOR_MAX_PROCESSES", "9")
	c, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 9, c.Supervisor.MaxProcesses)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)

	p := writeFile(t, "bad.toml", "[supervisor]\nmax_processes = 0\nlog_capacity = -1\n")
	_, err = Load(p)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_processes")
	assert.Contains(t, err.Error(), "log_capacity")

	p = writeFile(t, "tls.toml", "[server.tls]\nenabled = true\n")
	_, err = Load(p)
	assert.ErrorContains(t, err, "server.tls")

	p = writeFile(t, "dsn.toml", "[[history]]\ndsn = \" \"\n")
	_, err = Load(p)
	assert.ErrorContains(t, err, "history[0].dsn")
}

func TestWorkerEnv(t *testing.T) {
	envFile := writeFile(t, "app.env", "# comment\nA=from-file\n\nB = spaced \nbad\n")
	c := Default()
	c.EnvFiles = []string{envFile}
	c.Env = []string{"A=override"}
	got, err := c.WorkerEnv()
	require.NoError(t, err)
	assert.Equal(t, []string{"A=from-file", "B=spaced", "A=override"}, got)

	c.EnvFiles = []string{filepath.Join(t.TempDir(), "none.env")}
	_, err = c.WorkerEnv()
	assert.Error(t, err)
}
