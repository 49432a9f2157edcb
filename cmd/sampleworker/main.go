// Command sampleworker is a small Go worker that embeds the procdoctor
// control agent so every diagnostic operation can be exercised end to end.
//
//	procdoctor start --port 9010 -- sampleworker --port 9010
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/loykin/procdoctor/internal/control"
	"github.com/loykin/procdoctor/internal/logger"
)

type worker struct {
	agent *control.Agent
	reg   *prometheus.Registry
	iters prometheus.Counter
	alloc [][]byte
}

func newWorker(agent *control.Agent) *worker {
	w := &worker{
		agent: agent,
		reg:   prometheus.NewRegistry(),
		iters: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sampleworker_iterations_total",
			Help: "Busy-loop iterations performed while sampling is enabled.",
		}),
	}
	w.reg.MustRegister(w.iters, collectors.NewGoCollector())
	return w
}

func (w *worker) routes() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	h := echo.WrapHandler(w.agent.Handler(control.DefaultPath))
	e.Any(control.DefaultPath+"/*", h)
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(w.reg, promhttp.HandlerOpts{})))
	return e
}

// step allocates a little garbage so heap views have something to show.
// It does nothing while sampling is disabled.
func (w *worker) step() bool {
	if !w.agent.SamplingEnabled() {
		return false
	}
	buf := []byte(strings.Repeat("x", 1024))
	w.alloc = append(w.alloc, buf)
	if len(w.alloc) > 512 {
		w.alloc = w.alloc[:0]
	}
	w.iters.Inc()
	return true
}

func (w *worker) loop(ctx context.Context, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			w.step()
		}
	}
}

func main() {
	var port int
	cmd := &cobra.Command{
		Use:          "sampleworker",
		Short:        "Reference worker embedding the procdoctor control agent",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), port)
		},
	}
	cmd.Flags().IntVar(&port, "port", 9010, "listen port for the control agent and /metrics")
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serve(ctx context.Context, port int) error {
	log, closer := logger.Config{Level: "info", Format: "text"}.New(os.Stdout)
	defer func() { _ = closer.Close() }()
	rt := control.NewGoRuntime()
	defer func() { _ = rt.Close() }()
	w := newWorker(control.NewAgent(rt, log))

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	go w.loop(ctx, 10*time.Millisecond)

	e := w.routes()
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = e.Shutdown(sctx)
	}()
	log.Info("sampleworker listening", "port", port, "pid", os.Getpid())
	if err := e.Start(fmt.Sprintf("127.0.0.1:%d", port)); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
