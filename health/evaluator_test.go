package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/knowton/cdcsync/change"
	"github.com/knowton/cdcsync/publisher"
	"github.com/knowton/cdcsync/publisher/sink"
	"github.com/knowton/cdcsync/telemetry"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testThresholds = Thresholds{
	LagWarning:        30 * time.Second,
	LagCritical:       5 * time.Minute,
	ErrorRateWarning:  0.05,
	ErrorRateCritical: 0.2,
}

type fakeSource struct {
	up  bool
	err error
}

func (f *fakeSource) Reachable() bool  { return f.up }
func (f *fakeSource) LastError() error { return f.err }

type fixedSignal string

func (s fixedSignal) Signal() string { return string(s) }

func TestDecide(t *testing.T) {
	allUp := map[string]bool{"bus": true, "columnar": true, "search_index": true}
	oneDown := map[string]bool{"bus": true, "columnar": true, "search_index": false}
	twoDown := map[string]bool{"bus": false, "columnar": true, "search_index": false}

	tests := []struct {
		name    string
		signals Signals
		want    Verdict
	}{
		{"all good", Signals{Sinks: allUp, SourceReachable: true}, Healthy},
		{"one sink down", Signals{Sinks: oneDown, SourceReachable: true}, Degraded},
		{"two sinks down", Signals{Sinks: twoDown, SourceReachable: true}, Unhealthy},
		{"source down", Signals{Sinks: allUp, SourceReachable: false}, Unhealthy},
		{"lag warning", Signals{Sinks: allUp, SourceReachable: true, Lag: map[string]time.Duration{"Content": time.Minute}}, Degraded},
		{"lag critical", Signals{Sinks: allUp, SourceReachable: true, Lag: map[string]time.Duration{"User": time.Second, "Content": 10 * time.Minute}}, Unhealthy},
		{"lag below warning", Signals{Sinks: allUp, SourceReachable: true, Lag: map[string]time.Duration{"Content": 29 * time.Second}}, Healthy},
		{"error rate warning", Signals{Sinks: allUp, SourceReachable: true, ErrorRate: 0.1}, Degraded},
		{"error rate critical", Signals{Sinks: allUp, SourceReachable: true, ErrorRate: 0.5}, Unhealthy},
		{"degraded does not mask unhealthy", Signals{Sinks: oneDown, SourceReachable: false}, Unhealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, reasons := Decide(tt.signals, testThresholds)
			assert.Equal(t, tt.want, got)
			if tt.want == Healthy {
				assert.Empty(t, reasons)
			} else {
				assert.NotEmpty(t, reasons)
			}
		})
	}
}

func newEvaluator(t *testing.T, source SourceState, sinks ...publisher.Sink) (*Evaluator, *telemetry.Metrics) {
	t.Helper()
	metrics := telemetry.NewMetrics(telemetry.Options{Enabled: true})
	e, err := NewEvaluator(EvaluatorConfig{
		Sinks:        sinks,
		Source:       source,
		Consistency:  fixedSignal("ok"),
		Metrics:      metrics,
		Thresholds:   testThresholds,
		ProbeTimeout: 100 * time.Millisecond,
	})
	require.NoError(t, err)
	return e, metrics
}

func memorySinks() (*sink.MemorySink, *sink.MemorySink, *sink.MemorySink) {
	return sink.NewMemorySink(publisher.SinkBus),
		sink.NewMemorySink(publisher.SinkColumnar),
		sink.NewMemorySink(publisher.SinkSearch)
}

func TestEvaluator_Healthy(t *testing.T) {
	bus, columnar, search := memorySinks()
	e, metrics := newEvaluator(t, &fakeSource{up: true}, bus, columnar, search)
	metrics.Lag.Track("Content")

	ready, status := e.Ready(context.Background())
	assert.True(t, ready)
	assert.Equal(t, Healthy, status.Status)
	assert.Equal(t, map[string]bool{"bus": true, "columnar": true, "search_index": true}, status.Sinks)
	assert.Equal(t, map[string]float64{"Content": 0}, status.LagSeconds)
	assert.Equal(t, "ok", status.Consistency)
	assert.True(t, status.Alive)
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.HealthStatus.(prometheus.Gauge)))
}

func TestEvaluator_OneSinkDownIsDegraded(t *testing.T) {
	bus, columnar, search := memorySinks()
	search.FailWith(errors.New("connection refused"), -1)
	e, metrics := newEvaluator(t, &fakeSource{up: true}, bus, columnar, search)

	// Failures of the unreachable sink do not also count as error rate
	for i := 0; i < 10; i++ {
		metrics.RecordSinkResult("Content", "search_index", false, "connection")
		metrics.RecordSinkResult("Content", "bus", true, "")
		metrics.RecordSinkResult("Content", "columnar", true, "")
	}

	ready, status := e.Ready(context.Background())
	assert.True(t, ready)
	assert.Equal(t, Degraded, status.Status)
	assert.False(t, status.Sinks["search_index"])
	assert.Zero(t, status.ErrorRate)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.HealthStatus.(prometheus.Gauge)))
}

func TestEvaluator_SourceDownIsUnhealthy(t *testing.T) {
	bus, columnar, search := memorySinks()
	source := &fakeSource{up: false, err: errors.New("dial tcp: connection refused")}
	e, metrics := newEvaluator(t, source, bus, columnar, search)

	ready, status := e.Ready(context.Background())
	assert.False(t, ready)
	assert.Equal(t, Unhealthy, status.Status)
	assert.Contains(t, status.SourceError, "connection refused")
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.HealthStatus.(prometheus.Gauge)))

	source.up, source.err = true, nil
	ready, status = e.Ready(context.Background())
	assert.True(t, ready)
	assert.Equal(t, Healthy, status.Status)
	assert.Empty(t, status.SourceError)
}

func TestEvaluator_LagFromTracker(t *testing.T) {
	bus, _, _ := memorySinks()
	e, metrics := newEvaluator(t, &fakeSource{up: true}, bus)

	metrics.Lag.Enqueued(string(change.TableContent), time.Now().Add(-time.Minute))
	status := e.Evaluate(context.Background())
	assert.Equal(t, Degraded, status.Status)
	assert.GreaterOrEqual(t, status.LagSeconds["Content"], 60.0)

	metrics.Lag.Done(string(change.TableContent))
	status = e.Evaluate(context.Background())
	assert.Equal(t, Healthy, status.Status)
}

func TestEvaluator_SlowPingCountsAsDown(t *testing.T) {
	e, _ := newEvaluator(t, &fakeSource{up: true}, slowSink{sink.NewMemorySink(publisher.SinkColumnar)})

	start := time.Now()
	status := e.Evaluate(context.Background())
	assert.Less(t, time.Since(start), time.Second)
	assert.False(t, status.Sinks["columnar"])
	assert.Equal(t, Degraded, status.Status)
}

type slowSink struct {
	*sink.MemorySink
}

func (s slowSink) Ping(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestEvaluator_ConsistencyDoesNotChangeVerdict(t *testing.T) {
	bus, _, _ := memorySinks()
	e, err := NewEvaluator(EvaluatorConfig{
		Sinks:       []publisher.Sink{bus},
		Source:      &fakeSource{up: true},
		Consistency: fixedSignal("drift"),
		Thresholds:  testThresholds,
	})
	require.NoError(t, err)

	status := e.Evaluate(context.Background())
	assert.Equal(t, Healthy, status.Status)
	assert.Equal(t, "drift", status.Consistency)
}

func TestNewEvaluator_Validation(t *testing.T) {
	_, err := NewEvaluator(EvaluatorConfig{Thresholds: testThresholds})
	assert.Error(t, err)

	bad := testThresholds
	bad.LagCritical = bad.LagWarning
	_, err = NewEvaluator(EvaluatorConfig{Source: &fakeSource{}, Thresholds: bad})
	assert.Error(t, err)

	bad = testThresholds
	bad.ErrorRateCritical = 0.01
	_, err = NewEvaluator(EvaluatorConfig{Source: &fakeSource{}, Thresholds: bad})
	assert.Error(t, err)
}
