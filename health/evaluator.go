// Package health turns sink reachability, source reachability, lag and the
// recent error rate into a tri-state verdict and answers readiness and
// liveness probes.
//
// Verdicts are recomputed on every probe with no memory of earlier ones:
//
//   - Healthy: every sink and the source reachable, all lags and the error
//     rate below their warning thresholds.
//   - Degraded: a lag or the error rate between warning and critical, or
//     exactly one sink unreachable.
//   - Unhealthy: a lag or the error rate above critical, two or more sinks
//     unreachable, or the change source unreachable.
//
// The consistency signal is reported next to the verdict and never changes
// it.
package health

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/knowton/cdcsync/cfg"
	"github.com/knowton/cdcsync/publisher"
	"github.com/knowton/cdcsync/telemetry"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Verdict is the overall health state
type Verdict string

const (
	Healthy   Verdict = "healthy"
	Degraded  Verdict = "degraded"
	Unhealthy Verdict = "unhealthy"
)

// Gauge returns the health_status gauge value
func (v Verdict) Gauge() float64 {
	switch v {
	case Healthy:
		return 0
	case Degraded:
		return 1
	default:
		return 2
	}
}

// DefaultProbeTimeout bounds each sink ping
const DefaultProbeTimeout = 2 * time.Second

// Thresholds are the lag and error-rate limits
type Thresholds struct {
	LagWarning        time.Duration
	LagCritical       time.Duration
	ErrorRateWarning  float64
	ErrorRateCritical float64
}

// ThresholdsFrom reads thresholds from the health configuration
func ThresholdsFrom(c cfg.HealthConfiguration) Thresholds {
	return Thresholds{
		LagWarning:        time.Duration(c.LagWarningSeconds * float64(time.Second)),
		LagCritical:       time.Duration(c.LagCriticalSeconds * float64(time.Second)),
		ErrorRateWarning:  c.ErrorRateWarning,
		ErrorRateCritical: c.ErrorRateCritical,
	}
}

// SourceState reports change source reachability
type SourceState interface {
	Reachable() bool
	LastError() error
}

// ConsistencySignal reports the state of the latest consistency run
type ConsistencySignal interface {
	Signal() string
}

// Signals are the inputs of one verdict
type Signals struct {
	Sinks           map[string]bool
	SourceReachable bool
	Lag             map[string]time.Duration
	ErrorRate       float64
}

// Decide computes the verdict and the reasons behind it
func Decide(s Signals, t Thresholds) (Verdict, []string) {
	verdict := Healthy
	var reasons []string
	raise := func(v Verdict, reason string) {
		if v == Unhealthy || (v == Degraded && verdict == Healthy) {
			verdict = v
		}
		reasons = append(reasons, reason)
	}

	if !s.SourceReachable {
		raise(Unhealthy, "change source unreachable")
	}

	var down []string
	for name, up := range s.Sinks {
		if !up {
			down = append(down, name)
		}
	}
	sort.Strings(down)
	switch {
	case len(down) == 1:
		raise(Degraded, fmt.Sprintf("sink %s unreachable", down[0]))
	case len(down) > 1:
		raise(Unhealthy, fmt.Sprintf("sinks %v unreachable", down))
	}

	tables := make([]string, 0, len(s.Lag))
	for table := range s.Lag {
		tables = append(tables, table)
	}
	sort.Strings(tables)
	for _, table := range tables {
		lag := s.Lag[table]
		switch {
		case lag > t.LagCritical:
			raise(Unhealthy, fmt.Sprintf("lag of %s is %s, above critical %s", table, lag.Round(time.Millisecond), t.LagCritical))
		case lag >= t.LagWarning:
			raise(Degraded, fmt.Sprintf("lag of %s is %s, above warning %s", table, lag.Round(time.Millisecond), t.LagWarning))
		}
	}

	switch {
	case s.ErrorRate > t.ErrorRateCritical:
		raise(Unhealthy, fmt.Sprintf("error rate %.3f above critical %.3f", s.ErrorRate, t.ErrorRateCritical))
	case s.ErrorRate >= t.ErrorRateWarning:
		raise(Degraded, fmt.Sprintf("error rate %.3f above warning %.3f", s.ErrorRate, t.ErrorRateWarning))
	}

	return verdict, reasons
}

// Status is the JSON body of the health endpoint
type Status struct {
	Status          Verdict            `json:"status"`
	Reasons         []string           `json:"reasons,omitempty"`
	Sinks           map[string]bool    `json:"sinks"`
	SourceReachable bool               `json:"source_reachable"`
	SourceError     string             `json:"source_error,omitempty"`
	LagSeconds      map[string]float64 `json:"lag_seconds"`
	ErrorRate       float64            `json:"error_rate"`
	Consistency     string             `json:"consistency"`
	Alive           bool               `json:"alive"`
	Stalled         []string           `json:"stalled,omitempty"`
	CheckedAt       time.Time          `json:"checked_at"`
}

// EvaluatorConfig configures an Evaluator
type EvaluatorConfig struct {
	Sinks        []publisher.Sink
	Source       SourceState
	Consistency  ConsistencySignal // Optional
	Watchdog     *Watchdog         // Optional
	Metrics      *telemetry.Metrics
	Thresholds   Thresholds
	ProbeTimeout time.Duration
}

// Evaluator computes health on demand
type Evaluator struct {
	sinks        []publisher.Sink
	source       SourceState
	consistency  ConsistencySignal
	watchdog     *Watchdog
	metrics      *telemetry.Metrics
	thresholds   Thresholds
	probeTimeout time.Duration

	mu   sync.Mutex
	last Verdict
}

// NewEvaluator creates an evaluator
func NewEvaluator(config EvaluatorConfig) (*Evaluator, error) {
	if config.Source == nil {
		return nil, fmt.Errorf("source state is required")
	}
	if config.Thresholds.LagCritical <= config.Thresholds.LagWarning {
		return nil, fmt.Errorf("lag critical threshold must exceed warning")
	}
	if config.Thresholds.ErrorRateCritical <= config.Thresholds.ErrorRateWarning {
		return nil, fmt.Errorf("error rate critical threshold must exceed warning")
	}
	if config.Metrics == nil {
		config.Metrics = telemetry.NewMetrics(telemetry.Options{})
	}
	if config.ProbeTimeout <= 0 {
		config.ProbeTimeout = DefaultProbeTimeout
	}

	return &Evaluator{
		sinks:        config.Sinks,
		source:       config.Source,
		consistency:  config.Consistency,
		watchdog:     config.Watchdog,
		metrics:      config.Metrics,
		thresholds:   config.Thresholds,
		probeTimeout: config.ProbeTimeout,
	}, nil
}

// ProbeSinks pings every sink concurrently and records sink_up
func (e *Evaluator) ProbeSinks(ctx context.Context) map[string]bool {
	up := make([]bool, len(e.sinks))
	var g errgroup.Group
	for i, s := range e.sinks {
		g.Go(func() error {
			pctx, cancel := context.WithTimeout(ctx, e.probeTimeout)
			defer cancel()
			err := s.Ping(pctx)
			if err != nil {
				log.Debug().Err(err).Str("sink", string(s.ID())).Msg("Sink probe failed")
			}
			up[i] = err == nil
			return nil
		})
	}
	_ = g.Wait()

	out := make(map[string]bool, len(e.sinks))
	for i, s := range e.sinks {
		out[string(s.ID())] = up[i]
		e.metrics.SetSinkUp(string(s.ID()), up[i])
	}
	return out
}

// Evaluate computes a fresh verdict
func (e *Evaluator) Evaluate(ctx context.Context) Status {
	sinks := e.ProbeSinks(ctx)

	var down []string
	for name, up := range sinks {
		if !up {
			down = append(down, name)
		}
	}

	lags := make(map[string]time.Duration)
	lagSeconds := e.metrics.Lag.Lags()
	for table, secs := range lagSeconds {
		lags[table] = time.Duration(secs * float64(time.Second))
	}

	signals := Signals{
		Sinks:           sinks,
		SourceReachable: e.source.Reachable(),
		Lag:             lags,
		// An unreachable sink is carried by the availability signal
		ErrorRate: e.metrics.ErrorRate(down...),
	}
	verdict, reasons := Decide(signals, e.thresholds)

	status := Status{
		Status:          verdict,
		Reasons:         reasons,
		Sinks:           sinks,
		SourceReachable: signals.SourceReachable,
		LagSeconds:      lagSeconds,
		ErrorRate:       signals.ErrorRate,
		Consistency:     "disabled",
		Alive:           true,
		CheckedAt:       time.Now().UTC(),
	}
	if err := e.source.LastError(); err != nil && !signals.SourceReachable {
		status.SourceError = err.Error()
	}
	if e.consistency != nil {
		status.Consistency = e.consistency.Signal()
	}
	if e.watchdog != nil {
		status.Stalled = e.watchdog.Stalled()
		status.Alive = len(status.Stalled) == 0
	}

	e.metrics.HealthStatus.Set(verdict.Gauge())
	e.record(verdict, reasons)
	return status
}

// record logs verdict transitions
func (e *Evaluator) record(v Verdict, reasons []string) {
	e.mu.Lock()
	prev := e.last
	e.last = v
	e.mu.Unlock()

	if prev == v {
		return
	}
	event := log.Info()
	if v != Healthy {
		event = log.Warn()
	}
	event.Str("from", string(prev)).Str("to", string(v)).Strs("reasons", reasons).Msg("Health verdict changed")
}

// Ready reports whether the service can accept work: Healthy or Degraded
func (e *Evaluator) Ready(ctx context.Context) (bool, Status) {
	status := e.Evaluate(ctx)
	return status.Status != Unhealthy, status
}

// Live reports false once the watchdog has found a stalled loop
func (e *Evaluator) Live() (bool, []string) {
	if e.watchdog == nil {
		return true, nil
	}
	stalled := e.watchdog.Stalled()
	return len(stalled) == 0, stalled
}

// Probe refreshes the sink_up and health_status gauges. It matches
// telemetry.ProbeFunc so a MetricsCollector can keep gauges current between
// scrapes of /health.
func (e *Evaluator) Probe(ctx context.Context) {
	e.Evaluate(ctx)
}
