package observability

import (
	"fmt"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// Tracer returns the process tracer. Without a configured provider the
// global no-op implementation is used.
func Tracer() trace.Tracer {
	return otel.Tracer(ServiceName)
}

// Metrics records stage and run outcomes in a private registry
type Metrics struct {
	registry      *prometheus.Registry
	stageDuration *prometheus.HistogramVec
	stageTotal    *prometheus.CounterVec
	runTotal      *prometheus.CounterVec
	lastRun       *prometheus.GaugeVec
}

// NewMetrics creates and registers the collectors
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ServiceName,
			Name:      "stage_duration_seconds",
			Help:      "Wall-clock duration of pipeline stages.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 180, 600},
		}, []string{"stage"}),
		stageTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ServiceName,
			Name:      "stages_total",
			Help:      "Pipeline stages by outcome.",
		}, []string{"stage", "status"}),
		runTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ServiceName,
			Name:      "operations_total",
			Help:      "Provisioning operations by type and outcome.",
		}, []string{"operation", "success"}),
		lastRun: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: ServiceName,
			Name:      "operation_last_run_timestamp_seconds",
			Help:      "Unix time the operation type last finished.",
		}, []string{"operation"}),
	}

	m.registry.MustRegister(m.stageDuration, m.stageTotal, m.runTotal, m.lastRun)
	return m
}

// ObserveStage records one finished stage
func (m *Metrics) ObserveStage(stage, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
	m.stageTotal.WithLabelValues(stage, status).Inc()
}

// ObserveOperation records one finished operation
func (m *Metrics) ObserveOperation(operation string, success bool, finished time.Time) {
	if m == nil {
		return
	}
	m.runTotal.WithLabelValues(operation, strconv.FormatBool(success)).Inc()
	m.lastRun.WithLabelValues(operation).Set(float64(finished.Unix()))
}

// Gatherer exposes the registry
func (m *Metrics) Gatherer() prometheus.Gatherer {
	return m.registry
}

// WriteTextfile writes the metrics in the text exposition format, suitable
// for the node_exporter textfile collector
func (m *Metrics) WriteTextfile(path string) error {
	if m == nil || path == "" {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}
