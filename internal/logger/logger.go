package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Default logging configuration constants
const (
	DefaultMaxSizeMB  = 10 // MB
	DefaultMaxBackups = 3  // number of backup files
	DefaultMaxAgeDays = 7  // days
)

// Config describes the control plane log and the optional per-worker
// output files. Rotation parameters follow lumberjack semantics.
type Config struct {
	Level      string `mapstructure:"level"`  // debug|info|warn|error
	Format     string `mapstructure:"format"` // text|json|color
	File       string `mapstructure:"file"`   // empty logs to stderr
	Dir        string `mapstructure:"dir"`    // worker output directory, empty disables
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// ParseLevel maps a level name to slog.Level; unknown names are info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New builds a logger for c. When File is empty it writes to fallback.
// The returned closer releases the rotating file, if any.
func (c Config) New(fallback io.Writer) (*slog.Logger, io.Closer) {
	var (
		w                = fallback
		closer io.Closer = nopCloser{}
	)
	if c.File != "" {
		f := c.rotating(c.File)
		w, closer = f, f
	}
	opts := &slog.HandlerOptions{Level: ParseLevel(c.Level)}
	var h slog.Handler
	switch strings.ToLower(c.Format) {
	case "json":
		h = slog.NewJSONHandler(w, opts)
	case "text":
		h = slog.NewTextHandler(w, opts)
	default:
		if c.File != "" {
			h = slog.NewTextHandler(w, opts)
		} else {
			h = NewColorTextHandler(w, opts)
		}
	}
	return slog.New(h), closer
}

// Setup installs the logger for c as the slog default.
func Setup(c Config) io.Closer {
	l, closer := c.New(os.Stderr)
	slog.SetDefault(l)
	return closer
}

// Writer returns a rotating writer for the combined output of worker name,
// or nil when Dir is empty.
func (c Config) Writer(name string) io.WriteCloser {
	if c.Dir == "" {
		return nil
	}
	return c.rotating(filepath.Join(c.Dir, fmt.Sprintf("%s.log", sanitize(name))))
}

func (c Config) rotating(path string) *lj.Logger {
	return &lj.Logger{
		Filename:   path,
		MaxSize:    valOr(c.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(c.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(c.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   c.Compress,
	}
}

func sanitize(name string) string {
	return strings.Map(func(r rune) rune {
		if r == '/' || r == '\\' || r == os.PathSeparator {
			return '_'
		}
		return r
	}, name)
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
