// Package config loads the procdoctor TOML configuration through viper.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/procdoctor/internal/logger"
	"github.com/loykin/procdoctor/internal/tls"
)

// Config is the top-level TOML structure.
type Config struct {
	Env        []string         `mapstructure:"env"`
	EnvFiles   []string         `mapstructure:"env_files"`
	InheritEnv bool             `mapstructure:"inherit_env"`
	Supervisor SupervisorConfig `mapstructure:"supervisor"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Profiler   ProfilerConfig   `mapstructure:"profiler"`
	Control    ControlConfig    `mapstructure:"control"`
	Server     ServerConfig     `mapstructure:"server"`
	Log        logger.Config    `mapstructure:"log"`
	History    []HistoryConfig  `mapstructure:"history"`
}

type SupervisorConfig struct {
	MaxProcesses int           `mapstructure:"max_processes"`
	MaxHeapMB    int64         `mapstructure:"max_heap_mb"`
	LimitFlags   []string      `mapstructure:"limit_flags"`
	LogCapacity  int           `mapstructure:"log_capacity"`
	StopGrace    time.Duration `mapstructure:"stop_grace"`
}

type SchedulerConfig struct {
	Workers int `mapstructure:"workers"`
	Queue   int `mapstructure:"queue"`
	Retain  int `mapstructure:"retain"`
}

type ProfilerConfig struct {
	HomeEnv   string `mapstructure:"home_env"`
	Script    string `mapstructure:"script"`
	OutputDir string `mapstructure:"output_dir"`
}

type ControlConfig struct {
	Host    string        `mapstructure:"host"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type ServerConfig struct {
	Listen   string     `mapstructure:"listen"`
	BasePath string     `mapstructure:"base_path"`
	TLS      tls.Config `mapstructure:"tls"`
}

type HistoryConfig struct {
	DSN string `mapstructure:"dsn"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("inherit_env", true)
	v.SetDefault("supervisor.max_processes", 20)
	v.SetDefault("supervisor.max_heap_mb", 1024)
	v.SetDefault("supervisor.limit_flags", []string{"-Xmx", "-Xms"})
	v.SetDefault("supervisor.log_capacity", 500)
	v.SetDefault("supervisor.stop_grace", "3s")
	v.SetDefault("scheduler.workers", 2)
	v.SetDefault("scheduler.queue", 50)
	v.SetDefault("scheduler.retain", 100)
	v.SetDefault("profiler.home_env", "ASYNC_PROFILER_HOME")
	v.SetDefault("profiler.script", "profiler.sh")
	v.SetDefault("profiler.output_dir", "")
	v.SetDefault("control.host", "127.0.0.1")
	v.SetDefault("control.timeout", "10s")
	v.SetDefault("server.listen", ":8080")
	v.SetDefault("server.base_path", "/api")
	v.SetDefault("server.tls.enabled", false)
	v.SetDefault("server.tls.min_version", "1.3")
	v.SetDefault("server.tls.valid_days", 365)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "color")
	v.SetDefault("log.file", "")
	v.SetDefault("log.dir", "")
	v.SetDefault("log.max_size_mb", logger.DefaultMaxSizeMB)
	v.SetDefault("log.max_backups", logger.DefaultMaxBackups)
	v.SetDefault("log.max_age_days", logger.DefaultMaxAgeDays)
	v.SetDefault("log.compress", false)
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("PROCDOCTOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// historical names take effect when the prefixed form is unset
	_ = v.BindEnv("supervisor.max_processes", "PROCDOCTOR_SUPERVISOR_MAX_PROCESSES", "MAX_PROCESSES")
	_ = v.BindEnv("supervisor.max_heap_mb", "PROCDOCTOR_SUPERVISOR_MAX_HEAP_MB", "MAX_XMX_MB")
	return v
}

// Default returns the built-in configuration with environment overrides.
func Default() *Config {
	c, err := Load("")
	if err != nil {
		panic(err) // defaults are valid by construction
	}
	return c
}

// Load reads path (TOML) over the defaults. An empty path uses defaults and
// environment only.
func Load(path string) (*Config, error) {
	v := newViper()
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate rejects settings the components cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Supervisor.MaxProcesses <= 0 {
		errs = append(errs, fmt.Errorf("supervisor.max_processes must be positive, got %d", c.Supervisor.MaxProcesses))
	}
	if c.Supervisor.MaxHeapMB < 0 {
		errs = append(errs, fmt.Errorf("supervisor.max_heap_mb must not be negative, got %d", c.Supervisor.MaxHeapMB))
	}
	if c.Supervisor.LogCapacity <= 0 {
		errs = append(errs, fmt.Errorf("supervisor.log_capacity must be positive, got %d", c.Supervisor.LogCapacity))
	}
	if c.Supervisor.StopGrace < 0 {
		errs = append(errs, errors.New("supervisor.stop_grace must not be negative"))
	}
	if c.Scheduler.Workers <= 0 || c.Scheduler.Queue <= 0 {
		errs = append(errs, fmt.Errorf("scheduler.workers and scheduler.queue must be positive, got %d/%d", c.Scheduler.Workers, c.Scheduler.Queue))
	}
	if c.Control.Timeout <= 0 {
		errs = append(errs, errors.New("control.timeout must be positive"))
	}
	if c.Server.TLS.Enabled && c.Server.TLS.Dir == "" && (c.Server.TLS.CertFile == "" || c.Server.TLS.KeyFile == "") {
		errs = append(errs, errors.New("server.tls needs cert_file and key_file, or dir"))
	}
	for i, h := range c.History {
		if strings.TrimSpace(h.DSN) == "" {
			errs = append(errs, fmt.Errorf("history[%d].dsn is empty", i))
		}
	}
	return errors.Join(errs...)
}

// HistoryDSNs returns the configured sink DSNs.
func (c *Config) HistoryDSNs() []string {
	out := make([]string, 0, len(c.History))
	for _, h := range c.History {
		out = append(out, h.DSN)
	}
	return out
}

// WorkerEnv returns env_files contents overridden by the env list, in order.
func (c *Config) WorkerEnv() ([]string, error) {
	var out []string
	for _, p := range c.EnvFiles {
		pairs, err := LoadEnvFile(p)
		if err != nil {
			return nil, fmt.Errorf("env file %s: %w", p, err)
		}
		out = append(out, pairs...)
	}
	return append(out, c.Env...), nil
}

// LoadEnvFile parses a simple .env file with KEY=VALUE lines (no export, no
// quotes). Lines starting with # are ignored. Order is preserved.
func LoadEnvFile(path string) ([]string, error) {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	var out []string
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if i := strings.IndexByte(line, '='); i > 0 {
			out = append(out, strings.TrimSpace(line[:i])+"="+strings.TrimSpace(line[i+1:]))
		}
	}
	return out, nil
}
