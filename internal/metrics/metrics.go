package metrics

import (
	"errors"
	"net/http"
	"strconv"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "procdoctor"

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	processStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "starts_total",
			Help:      "Number of successful worker starts.",
		}, []string{"name"},
	)
	processStartFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "start_failures_total",
			Help:      "Number of rejected or failed starts by error code.",
		}, []string{"code"},
	)
	processStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "stops_total",
			Help:      "Number of explicit stops.",
		}, []string{"name"},
	)
	liveProcesses = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "live",
			Help:      "Workers currently registered with the supervisor.",
		},
	)
	processCPU = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "cpu_percent",
			Help:      "Last sampled CPU usage of a worker.",
		}, []string{"id"},
	)
	processRSS = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "resident_memory_bytes",
			Help:      "Last sampled resident memory of a worker.",
		}, []string{"id"},
	)
	logLines = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "logs",
			Name:      "lines_total",
			Help:      "Output lines drained from all workers.",
		},
	)
	logDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "logs",
			Name:      "dropped_total",
			Help:      "Lines not delivered to a subscriber because its queue was full.",
		},
	)
	diagCommands = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "diag",
			Name:      "commands_total",
			Help:      "Diagnostic commands by outcome code (ok on success).",
		}, []string{"command", "result"},
	)
	diagDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "diag",
			Name:      "command_duration_seconds",
			Help:      "Latency of diagnostic commands against workers.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"command"},
	)
	tasksSubmitted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "task",
			Name:      "submitted_total",
			Help:      "Tasks accepted by the scheduler.",
		},
	)
	tasksRejected = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "task",
			Name:      "rejected_total",
			Help:      "Tasks rejected because the queue was full.",
		},
	)
	tasksFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "task",
			Name:      "finished_total",
			Help:      "Tasks that reached a terminal state.",
		}, []string{"state"},
	)
	taskQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "task",
			Name:      "queue_depth",
			Help:      "Tasks waiting for a worker.",
		},
	)
)

func collectors() []prometheus.Collector {
	return []prometheus.Collector{
		processStarts, processStartFailures, processStops, liveProcesses, processCPU, processRSS,
		logLines, logDropped, diagCommands, diagDuration,
		tasksSubmitted, tasksRejected, tasksFinished, taskQueueDepth,
	}
}

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	for _, c := range collectors() {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncStart(name string) {
	if regOK.Load() {
		processStarts.WithLabelValues(name).Inc()
	}
}

func IncStartFailure(code string) {
	if regOK.Load() {
		if code == "" {
			code = "unknown"
		}
		processStartFailures.WithLabelValues(code).Inc()
	}
}

func IncStop(name string) {
	if regOK.Load() {
		processStops.WithLabelValues(name).Inc()
	}
}

func SetLive(n int) {
	if regOK.Load() {
		liveProcesses.Set(float64(n))
	}
}

// ObserveUsage exports the latest usage sample of process id.
func ObserveUsage(id int64, u Usage) {
	if regOK.Load() {
		l := strconv.FormatInt(id, 10)
		processCPU.WithLabelValues(l).Set(u.CPUPercent)
		processRSS.WithLabelValues(l).Set(float64(u.RSS))
	}
}

// ForgetProcess drops per-process series once id is stopped.
func ForgetProcess(id int64) {
	if regOK.Load() {
		l := strconv.FormatInt(id, 10)
		processCPU.DeleteLabelValues(l)
		processRSS.DeleteLabelValues(l)
	}
}

func IncLogLine() {
	if regOK.Load() {
		logLines.Inc()
	}
}

func AddLogDropped(n int) {
	if regOK.Load() && n > 0 {
		logDropped.Add(float64(n))
	}
}

func ObserveDiag(command, result string, seconds float64) {
	if regOK.Load() {
		diagCommands.WithLabelValues(command, result).Inc()
		diagDuration.WithLabelValues(command).Observe(seconds)
	}
}

func IncTaskSubmitted() {
	if regOK.Load() {
		tasksSubmitted.Inc()
	}
}

func IncTaskRejected() {
	if regOK.Load() {
		tasksRejected.Inc()
	}
}

func IncTaskFinished(state string) {
	if regOK.Load() {
		tasksFinished.WithLabelValues(state).Inc()
	}
}

func SetTaskQueueDepth(n int) {
	if regOK.Load() {
		taskQueueDepth.Set(float64(n))
	}
}
