// Package procdoctor assembles the supervisor, diagnostics dispatcher,
// task scheduler and HTTP API into an embeddable control plane.
package procdoctor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	cfg "github.com/loykin/procdoctor/internal/config"
	"github.com/loykin/procdoctor/internal/control"
	"github.com/loykin/procdoctor/internal/diag"
	"github.com/loykin/procdoctor/internal/env"
	"github.com/loykin/procdoctor/internal/history"
	"github.com/loykin/procdoctor/internal/history/factory"
	"github.com/loykin/procdoctor/internal/metrics"
	"github.com/loykin/procdoctor/internal/process"
	"github.com/loykin/procdoctor/internal/server"
	"github.com/loykin/procdoctor/internal/supervisor"
	"github.com/loykin/procdoctor/internal/task"
	pdtls "github.com/loykin/procdoctor/internal/tls"
)

// Re-export core types for external consumers.

type Spec = process.Spec

type ManagedProcess = supervisor.ManagedProcess

type Config = cfg.Config

type HistorySink = history.Sink

// LoadConfig reads a TOML file over the defaults. An empty path yields the
// defaults with environment overrides.
func LoadConfig(path string) (*Config, error) { return cfg.Load(path) }

// App is a wired control plane.
type App struct {
	Config     *Config
	History    *history.Store
	Supervisor *supervisor.Supervisor
	Scheduler  *task.Scheduler
	Diag       *diag.Dispatcher
	Router     *server.Router
}

// New wires every component from c. History sinks are opened here; a sink
// that cannot be opened fails construction.
func New(c *Config) (*App, error) {
	if c == nil {
		c = cfg.Default()
	}
	workerEnv, err := c.WorkerEnv()
	if err != nil {
		return nil, err
	}
	base := env.Empty()
	if c.InheritEnv {
		base = env.New()
	}
	base.SetPairs(workerEnv)

	sinks, err := factory.NewSinks(c.HistoryDSNs())
	if err != nil {
		return nil, fmt.Errorf("history sinks: %w", err)
	}
	hist := history.NewStore()
	hist.SetSinks(sinks...)

	sup := supervisor.New(supervisor.Options{
		MaxProcesses: c.Supervisor.MaxProcesses,
		Limits:       process.Limits{MaxHeapMB: c.Supervisor.MaxHeapMB, Flags: c.Supervisor.LimitFlags},
		LogCapacity:  c.Supervisor.LogCapacity,
		StopGrace:    c.Supervisor.StopGrace,
		Env:          base,
		Output:       c.Log,
	}, hist)
	sched := task.New(task.Options{Workers: c.Scheduler.Workers, Queue: c.Scheduler.Queue, Retain: c.Scheduler.Retain})
	d := diag.New(sup, control.NewHTTPDialer(c.Control.Host, c.Control.Timeout), sched, diag.Options{
		ProfilerHomeEnv: c.Profiler.HomeEnv,
		ProfilerScript:  c.Profiler.Script,
		OutputDir:       c.Profiler.OutputDir,
		MetricsHost:     c.Control.Host,
		HTTPClient:      &http.Client{Timeout: c.Control.Timeout},
	})
	return &App{
		Config:     c,
		History:    hist,
		Supervisor: sup,
		Scheduler:  sched,
		Diag:       d,
		Router:     server.NewRouter(sup, d, sched, c.Server.BasePath),
	}, nil
}

// Serve runs the HTTP API until ctx ends, then shuts the server and every
// component down.
func (a *App) Serve(ctx context.Context) error {
	tlsCfg, err := pdtls.ServerConfig(a.Config.Server.TLS)
	if err != nil {
		return err
	}
	srv := server.NewServer(a.Config.Server.Listen, a.Router)
	srv.TLSConfig = tlsCfg
	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", srv.Addr, err)
	}
	slog.Info("procdoctor listening", "addr", ln.Addr().String(), "base", a.Router.BasePath(), "tls", tlsCfg != nil)

	errCh := make(chan error, 1)
	go func() {
		if tlsCfg != nil {
			errCh <- srv.ServeTLS(ln, "", "")
		} else {
			errCh <- srv.Serve(ln)
		}
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	closeErr := a.Close(shutdownCtx)
	if errors.Is(serveErr, http.ErrServerClosed) {
		serveErr = nil
	}
	return errors.Join(serveErr, closeErr)
}

// Close stops every worker, drains the scheduler and closes history sinks.
func (a *App) Close(ctx context.Context) error {
	return errors.Join(
		a.Supervisor.Shutdown(ctx),
		a.Scheduler.Close(ctx),
		a.History.Close(),
	)
}

// Metrics helpers

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }
