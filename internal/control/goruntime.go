package control

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"plugin"
	"runtime"
	"runtime/debug"
	"runtime/pprof"
	"runtime/trace"
	"sort"
	"strings"
	"sync"
	"time"
)

// GoRuntime implements Runtime for Go workers using the runtime's own
// tracing and profiling facilities.
type GoRuntime struct {
	// GCPollInterval controls how often GC activity is written to the GC
	// log. Zero means 250ms.
	GCPollInterval time.Duration

	mu  sync.Mutex
	rec *recording
	gc  *gcLogger
}

type recording struct {
	name  string
	file  *os.File
	timer *time.Timer
	done  bool // trace already stopped by maxAge
}

// NewGoRuntime returns a runtime with default settings.
func NewGoRuntime() *GoRuntime { return &GoRuntime{} }

func (g *GoRuntime) StartRecording(name string, maxAge time.Duration) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.rec != nil {
		g.discardLocked()
	}
	f, err := os.CreateTemp("", "recording-*.trace")
	if err != nil {
		return fmt.Errorf("create recording file: %w", err)
	}
	if err := trace.Start(f); err != nil {
		_ = f.Close()
		_ = os.Remove(f.Name())
		return fmt.Errorf("start trace: %w", err)
	}
	rec := &recording{name: name, file: f}
	if maxAge > 0 {
		rec.timer = time.AfterFunc(maxAge, func() {
			g.mu.Lock()
			defer g.mu.Unlock()
			if g.rec == rec && !rec.done {
				trace.Stop()
				rec.done = true
			}
		})
	}
	g.rec = rec
	return nil
}

func (g *GoRuntime) stopTraceLocked() {
	if g.rec.timer != nil {
		g.rec.timer.Stop()
	}
	if !g.rec.done {
		trace.Stop()
		g.rec.done = true
	}
}

func (g *GoRuntime) discardLocked() {
	g.stopTraceLocked()
	_ = g.rec.file.Close()
	_ = os.Remove(g.rec.file.Name())
	g.rec = nil
}

func (g *GoRuntime) StopRecording(path string) (string, bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.rec == nil {
		return "", false, nil
	}
	g.stopTraceLocked()
	tmp := g.rec.file.Name()
	_ = g.rec.file.Close()
	g.rec = nil
	if err := moveFile(tmp, path); err != nil {
		return "", false, err
	}
	return path, true, nil
}

func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close(); _ = os.Remove(src) }()
	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("write recording: %w", err)
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return fmt.Errorf("write recording: %w", err)
	}
	return out.Close()
}

// HeapSnapshot writes a pprof heap profile to path. live forces a
// collection first so the profile reflects only reachable objects.
func (g *GoRuntime) HeapSnapshot(path string, live bool) (string, error) {
	if path == "" {
		return "", errors.New("path required")
	}
	if live {
		runtime.GC()
	}
	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	if err := pprof.Lookup("heap").WriteTo(f, 0); err != nil {
		_ = f.Close()
		return "", err
	}
	if err := f.Close(); err != nil {
		return "", err
	}
	return path, nil
}

type gcLogger struct {
	stop chan struct{}
	done chan struct{}
}

// SetGCLogging appends a line per collection to path while enabled.
func (g *GoRuntime) SetGCLogging(enabled bool, path string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.gc != nil {
		close(g.gc.stop)
		<-g.gc.done
		g.gc = nil
	}
	if !enabled {
		return nil
	}
	if path == "" {
		return errors.New("path required")
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	interval := g.GCPollInterval
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	gl := &gcLogger{stop: make(chan struct{}), done: make(chan struct{})}
	g.gc = gl
	go gl.run(f, interval)
	return nil
}

func (gl *gcLogger) run(f *os.File, interval time.Duration) {
	defer close(gl.done)
	defer func() { _ = f.Close() }()
	var stats debug.GCStats
	debug.ReadGCStats(&stats)
	seen := stats.NumGC
	_, _ = fmt.Fprintf(f, "%s gc logging started num_gc=%d\n", time.Now().Format(time.RFC3339), seen)
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-gl.stop:
			return
		case <-t.C:
			debug.ReadGCStats(&stats)
			// Pause is most recent first
			for i := int64(0); i < stats.NumGC-seen && int(i) < len(stats.Pause); i++ {
				n := stats.NumGC - i
				_, _ = fmt.Fprintf(f, "%s gc %d pause=%s total_pause=%s\n",
					stats.PauseEnd[i].Format(time.RFC3339Nano), n, stats.Pause[i], stats.PauseTotal)
			}
			seen = stats.NumGC
		}
	}
}

// LoadExtension opens a Go plugin. It reports false when the plugin cannot
// be loaded, including on platforms without plugin support.
func (g *GoRuntime) LoadExtension(path string) bool {
	if path == "" {
		return false
	}
	_, err := plugin.Open(filepath.Clean(path))
	return err == nil
}

// HeapHistogram lists live objects per allocator size class, largest total
// first, one "rank: count bytes class" row per class.
func (g *GoRuntime) HeapHistogram() (string, error) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	type row struct {
		size  uint32
		count uint64
	}
	rows := make([]row, 0, len(ms.BySize))
	for _, c := range ms.BySize {
		if c.Mallocs > c.Frees && c.Size > 0 {
			rows = append(rows, row{size: c.Size, count: c.Mallocs - c.Frees})
		}
	}
	sort.Slice(rows, func(i, j int) bool {
		return uint64(rows[i].size)*rows[i].count > uint64(rows[j].size)*rows[j].count
	})
	var b strings.Builder
	b.WriteString(" num     #instances         #bytes  class name\n")
	b.WriteString("----------------------------------------------\n")
	var total, totalBytes uint64
	for i, r := range rows {
		bytes := uint64(r.size) * r.count
		total += r.count
		totalBytes += bytes
		fmt.Fprintf(&b, "%4d: %14d %14d  size-class-%d\n", i+1, r.count, bytes, r.size)
	}
	fmt.Fprintf(&b, "Total %14d %14d\n", total, totalBytes)
	return b.String(), nil
}

// Close stops any active recording and GC logger.
func (g *GoRuntime) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.rec != nil {
		g.discardLocked()
	}
	if g.gc != nil {
		close(g.gc.stop)
		<-g.gc.done
		g.gc = nil
	}
	return nil
}
