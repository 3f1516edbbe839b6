package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kirillkom/hiesync/internal/core/domain"
)

type WorkerMetrics struct {
	registry *prometheus.Registry
	service  string

	commandTotal    *prometheus.CounterVec
	commandDuration *prometheus.HistogramVec
	commandInFlight prometheus.Gauge
	documentTotal   *prometheus.CounterVec
	capturedTotal   *prometheus.CounterVec
	retryTotal      *prometheus.CounterVec
	breakerState    *prometheus.GaugeVec
}

func NewWorkerMetrics(service string) *WorkerMetrics {
	registry := prometheus.NewRegistry()

	commandTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hiesync",
			Subsystem: "worker",
			Name:      "command_total",
			Help:      "Total handled commands by kind and status.",
		},
		[]string{"service", "command", "status"},
	)
	commandDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "hiesync",
			Subsystem: "worker",
			Name:      "command_duration_seconds",
			Help:      "Command handling duration in seconds by kind and status.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600, 1800},
		},
		[]string{"service", "command", "status"},
	)
	commandInFlight := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "hiesync",
			Subsystem: "worker",
			Name:      "command_in_flight",
			Help:      "Number of in-flight commands.",
			ConstLabels: prometheus.Labels{
				"service": service,
			},
		},
	)
	documentTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hiesync",
			Subsystem: "documents",
			Name:      "settled_total",
			Help:      "Documents settled by document sync runs, by outcome.",
		},
		[]string{"service", "outcome"},
	)
	capturedTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hiesync",
			Subsystem: "worker",
			Name:      "captured_total",
			Help:      "Errors and warnings captured without failing the caller.",
		},
		[]string{"service", "level", "context"},
	)

	retryTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hiesync",
			Subsystem: "remote",
			Name:      "retry_total",
			Help:      "Retried remote calls by operation.",
		},
		[]string{"service", "operation"},
	)
	breakerState := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "hiesync",
			Subsystem: "remote",
			Name:      "circuit_open",
			Help:      "1 while the operation's circuit breaker is not closed.",
		},
		[]string{"service", "operation"},
	)

	registry.MustRegister(commandTotal, commandDuration, commandInFlight, documentTotal, capturedTotal, retryTotal, breakerState)

	return &WorkerMetrics{
		registry:        registry,
		service:         service,
		commandTotal:    commandTotal,
		commandDuration: commandDuration,
		commandInFlight: commandInFlight,
		documentTotal:   documentTotal,
		capturedTotal:   capturedTotal,
		retryTotal:      retryTotal,
		breakerState:    breakerState,
	}
}

func (m *WorkerMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *WorkerMetrics) StartCommand() {
	m.commandInFlight.Inc()
}

func (m *WorkerMetrics) FinishCommand(command string, duration time.Duration, err error) {
	m.commandInFlight.Dec()

	status := "success"
	if err != nil {
		status = "error"
	}

	m.commandTotal.WithLabelValues(m.service, command, status).Inc()
	m.commandDuration.WithLabelValues(m.service, command, status).Observe(duration.Seconds())
}

func (m *WorkerMetrics) ObserveDocument(outcome domain.DocumentOutcome) {
	m.documentTotal.WithLabelValues(m.service, string(outcome)).Inc()
}

func (m *WorkerMetrics) ObserveCaptured(level, source string) {
	m.capturedTotal.WithLabelValues(m.service, level, source).Inc()
}

func (m *WorkerMetrics) ObserveRetry(operation string) {
	m.retryTotal.WithLabelValues(m.service, operation).Inc()
}

func (m *WorkerMetrics) ObserveBreakerState(operation, state string) {
	value := 1.0
	if state == "closed" {
		value = 0
	}
	m.breakerState.WithLabelValues(m.service, operation).Set(value)
}
