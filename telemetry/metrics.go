package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Histogram bucket definitions for different latency profiles
var (
	// EventLatencyBuckets span sub-millisecond sink acks to multi-second retries
	EventLatencyBuckets = []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

	// ConsistencyRunBuckets for full validation runs across all tables
	ConsistencyRunBuckets = []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300}
)

// Label values shared by several metric families
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
	StatusPartial = "partial"
	StatusSkipped = "skipped"

	SourceLabel = "_source"
	BusSinkName = "bus"

	// ErrorKindGap marks change-log sequences skipped after the gap grace
	ErrorKindGap = "gap"
)

// Options configures NewMetrics
type Options struct {
	Enabled     bool
	Namespace   string
	ErrorWindow time.Duration
}

// Metrics is the engine's single shared metrics registry. It is passed to
// every worker; all methods are safe for concurrent use.
type Metrics struct {
	registry *prometheus.Registry

	// EventsProcessed counts events by (table, operation, status)
	EventsProcessed CounterVec

	// Errors counts failures by (table, error_kind)
	Errors CounterVec

	// EventLatency measures dispatch-to-terminal latency by (table, operation)
	EventLatency HistogramVec

	// SinkResults counts one logical result per (event, sink) by (sink, table, status)
	SinkResults CounterVec

	// SinkWriteAttempts counts every write attempt by (sink, outcome)
	SinkWriteAttempts CounterVec

	// BusPublishAttempts counts bus publish attempts by outcome
	BusPublishAttempts CounterVec

	// DeadLetters counts dead-lettered (event, sink) pairs by (table, sink)
	DeadLetters CounterVec

	// NormalizationErrors counts rejected notifications by reason
	NormalizationErrors CounterVec

	// SinkUp is 1 when the sink answered its last probe
	SinkUp GaugeVec

	// SourceUp is 1 when the change source is readable
	SourceUp Gauge

	// ConsistencyDiscrepancy is primary count minus sink count by (table, sink)
	ConsistencyDiscrepancy GaugeVec

	// ConsistencyUnknown is 1 when the last count for (table, sink) timed out or failed
	ConsistencyUnknown GaugeVec

	// ConsistencyRunSeconds measures validator runs by outcome
	ConsistencyRunSeconds HistogramVec

	// HealthStatus is 0 healthy, 1 degraded, 2 unhealthy as of the last probe
	HealthStatus Gauge

	Lag    *LagTracker
	errors *ErrorWindow
}

// NewMetrics builds a registry. With Enabled false every metric is a no-op
// but lag and error-rate tracking still work for health evaluation.
func NewMetrics(opts Options) *Metrics {
	if opts.Namespace == "" {
		opts.Namespace = "cdcsync"
	}
	if opts.ErrorWindow <= 0 {
		opts.ErrorWindow = 5 * time.Minute
	}

	f := factory{namespace: opts.Namespace}
	if opts.Enabled {
		f.registry = newRegistry()
	}

	m := &Metrics{
		registry: f.registry,

		EventsProcessed: f.counterVec("events_processed_total",
			"Change events processed by table, operation and status",
			[]string{"table", "operation", "status"}),
		Errors: f.counterVec("errors_total",
			"Errors by table and error kind",
			[]string{"table", "error_kind"}),
		EventLatency: f.histogramVec("event_latency_seconds",
			"Time from dispatch until every sink reached a terminal state",
			[]string{"table", "operation"}, EventLatencyBuckets),
		SinkResults: f.counterVec("sink_results_total",
			"Terminal delivery results per event and sink",
			[]string{"sink", "table", "status"}),
		SinkWriteAttempts: f.counterVec("sink_write_attempts_total",
			"Sink write attempts by outcome",
			[]string{"sink", "outcome"}),
		BusPublishAttempts: f.counterVec("bus_publish_attempts_total",
			"Message bus publish attempts by outcome",
			[]string{"outcome"}),
		DeadLetters: f.counterVec("dead_letters_total",
			"Event and sink pairs moved to the dead-letter log",
			[]string{"table", "sink"}),
		NormalizationErrors: f.counterVec("normalization_errors_total",
			"Source notifications rejected by the normalizer",
			[]string{"reason"}),
		SinkUp: f.gaugeVec("sink_up",
			"Whether the sink answered its last reachability probe",
			[]string{"sink"}),
		SourceUp: f.gauge("source_up",
			"Whether the change source is readable"),
		ConsistencyDiscrepancy: f.gaugeVec("consistency_discrepancy",
			"Primary row count minus sink row count from the last validation",
			[]string{"table", "sink"}),
		ConsistencyUnknown: f.gaugeVec("consistency_unknown",
			"Whether the last validation could not obtain a count",
			[]string{"table", "sink"}),
		ConsistencyRunSeconds: f.histogramVec("consistency_run_seconds",
			"Consistency validation run duration",
			[]string{"outcome"}, ConsistencyRunBuckets),
		HealthStatus: f.gauge("health_status",
			"Health verdict of the last probe: 0 healthy, 1 degraded, 2 unhealthy"),

		Lag:    NewLagTracker(opts.Namespace),
		errors: NewErrorWindow(opts.ErrorWindow),
	}

	if f.registry != nil {
		f.registry.MustRegister(m.Lag)
	}

	return m
}

// NormalizationRejected counts a rejected source notification
func (m *Metrics) NormalizationRejected(reason string) {
	m.NormalizationErrors.With(reason).Inc()
}

// RecordAttempt counts one write attempt against a sink
func (m *Metrics) RecordAttempt(sink string, success bool) {
	outcome := StatusSuccess
	if !success {
		outcome = StatusFailure
	}
	m.SinkWriteAttempts.With(sink, outcome).Inc()
	if sink == BusSinkName {
		m.BusPublishAttempts.With(outcome).Inc()
	}
}

// RecordSinkResult counts the terminal result for one (event, sink) pair and
// feeds the error-rate window.
func (m *Metrics) RecordSinkResult(table, sink string, success bool, errorKind string) {
	status := StatusSuccess
	if !success {
		status = StatusFailure
		m.Errors.With(table, errorKind).Inc()
	}
	m.SinkResults.With(sink, table, status).Inc()
	m.errors.Record(sink, !success)
}

// RecordEvent counts a fully dispatched event
func (m *Metrics) RecordEvent(table, operation, status string, latency time.Duration) {
	m.EventsProcessed.With(table, operation, status).Inc()
	m.EventLatency.With(table, operation).Observe(latency.Seconds())
}

// RecordDeadLetter counts a dead-lettered pair
func (m *Metrics) RecordDeadLetter(table, sink string) {
	m.DeadLetters.With(table, sink).Inc()
}

// RecordSourceError counts a failed change source read
func (m *Metrics) RecordSourceError(kind string) {
	m.Errors.With(SourceLabel, kind).Inc()
}

// RecordSourceGap counts a sequence gap accepted without its rows
func (m *Metrics) RecordSourceGap() {
	m.Errors.With(SourceLabel, ErrorKindGap).Inc()
}

// ErrorRate is the failed share of sink results inside the window, ignoring
// the excluded sinks.
func (m *Metrics) ErrorRate(exclude ...string) float64 {
	return m.errors.Rate(exclude...)
}

// SetSinkUp records a reachability probe result
func (m *Metrics) SetSinkUp(sink string, up bool) {
	m.SinkUp.With(sink).Set(boolGauge(up))
}

// SetSourceUp records change source reachability
func (m *Metrics) SetSourceUp(up bool) {
	m.SourceUp.Set(boolGauge(up))
}

// SetConsistency records the outcome of one (table, sink) comparison
func (m *Metrics) SetConsistency(table, sink string, discrepancy int64, known bool) {
	m.ConsistencyUnknown.With(table, sink).Set(boolGauge(!known))
	if known {
		m.ConsistencyDiscrepancy.With(table, sink).Set(float64(discrepancy))
	}
}

// ObserveConsistencyRun records a validation run's duration
func (m *Metrics) ObserveConsistencyRun(d time.Duration, outcome string) {
	m.ConsistencyRunSeconds.With(outcome).Observe(d.Seconds())
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
