package process

import (
	"bufio"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/loykin/procdoctor/internal/fault"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires Unix-like shell")
	}
}

func TestParseSize(t *testing.T) {
	tests := []struct {
		in   string
		want int64
		err  bool
	}{
		{"512m", 512 << 20, false},
		{"2G", 2 << 30, false},
		{"64k", 64 << 10, false},
		{"1t", 1 << 40, false},
		{"4096", 4096, false},
		{" 1M ", 1 << 20, false},
		{"", 0, true},
		{"m", 0, true},
		{"abc", 0, true},
		{"-5m", 0, true},
		{"99999999999999t", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseSize(tt.in)
			if tt.err {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCheckLimits(t *testing.T) {
	l := Limits{MaxHeapMB: 1024}

	err := CheckLimits([]string{"-Xmx2048m", "-jar", "app.jar"}, l)
	require.Error(t, err)
	assert.True(t, errors.Is(err, fault.ErrResourceLimitExceeded))
	assert.NotEmpty(t, fault.HintOf(err))

	assert.NoError(t, CheckLimits([]string{"-Xmx512m", "-jar", "app.jar"}, l))
	assert.NoError(t, CheckLimits([]string{"-Xmx1g"}, l), "exactly at the limit")
	assert.Error(t, CheckLimits([]string{"-Xms2g"}, l))
	assert.NoError(t, CheckLimits([]string{"-Xmxlots"}, l), "unparsable values pass")

	err = CheckLimits([]string{"-Xmx2048"}, l)
	require.Error(t, err, "a bare value is megabytes")
	assert.True(t, errors.Is(err, fault.ErrResourceLimitExceeded))
	assert.NoError(t, CheckLimits([]string{"-Xmx1024"}, l))
	assert.NoError(t, CheckLimits([]string{"-Xms512"}, l))
	assert.NoError(t, CheckLimits([]string{"-Xmx64g"}, Limits{}), "zero disables the check")

	custom := Limits{MaxHeapMB: 10, Flags: []string{"--mem="}}
	assert.Error(t, CheckLimits([]string{"--mem=11m"}, custom))
	assert.NoError(t, CheckLimits([]string{"-Xmx64g"}, custom))
}

func TestResolveExecutable(t *testing.T) {
	_, err := Spec{}.ResolveExecutable()
	assert.True(t, errors.Is(err, fault.ErrInvalidArgument))

	_, err = Spec{Command: []string{"definitely-not-a-real-binary-xyz"}}.ResolveExecutable()
	assert.True(t, errors.Is(err, fault.ErrIOFailure))

	dir := t.TempDir()
	_, err = Spec{Command: []string{filepath.Join(dir, "missing")}}.ResolveExecutable()
	assert.True(t, errors.Is(err, fault.ErrIOFailure))

	_, err = Spec{Command: []string{dir + string(filepath.Separator)}}.ResolveExecutable()
	assert.True(t, errors.Is(err, fault.ErrIOFailure))

	exe := filepath.Join(dir, "run.sh")
	require.NoError(t, os.WriteFile(exe, []byte("#!/bin/sh\n"), 0o755))
	got, err := Spec{Command: []string{"./run.sh"}, WorkDir: dir}.ResolveExecutable()
	require.NoError(t, err)
	assert.Equal(t, exe, got)
}

func TestStart_CombinedOutputAndExit(t *testing.T) {
	requireUnix(t)
	p, out, err := Start(Spec{Name: "echo", Command: []string{"/bin/sh", "-c", "echo out; echo err 1>&2; exit 3"}}, nil)
	require.NoError(t, err)
	defer func() { _ = out.Close() }()
	checkSysProcAttrs(t, p.cmd)

	var lines []string
	sc := bufio.NewScanner(out)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	assert.ElementsMatch(t, []string{"out", "err"}, lines)

	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("process not reaped")
	}
	st := p.Snapshot()
	assert.False(t, st.Running)
	assert.Equal(t, 3, st.ExitCode)
	assert.NotEmpty(t, st.ExitErr)
	assert.False(t, st.StoppedAt.Before(st.StartedAt))
}

func TestTerminate_EscalatesToKill(t *testing.T) {
	requireUnix(t)
	p, out, err := Start(Spec{Command: []string{"/bin/sh", "-c", "trap '' TERM; echo ready; while :; do sleep 1; done"}}, nil)
	require.NoError(t, err)
	defer func() { _ = out.Close() }()

	sc := bufio.NewScanner(out)
	require.True(t, sc.Scan())
	assert.Equal(t, "ready", sc.Text())

	start := time.Now()
	p.Terminate(200 * time.Millisecond)
	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("process survived SIGKILL")
	}
	assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)
	assert.NoError(t, p.Signal(0), "signalling a reaped process is a no-op")
}

func TestStart_Env(t *testing.T) {
	requireUnix(t)
	p, out, err := Start(Spec{Command: []string{"/bin/sh", "-c", "echo $PD_TEST"}}, append(os.Environ(), "PD_TEST=hello"))
	require.NoError(t, err)
	defer func() { _ = out.Close() }()
	sc := bufio.NewScanner(out)
	require.True(t, sc.Scan())
	assert.Equal(t, "hello", sc.Text())
	<-p.Done()
}
