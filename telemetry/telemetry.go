package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Histogram interface {
	Observe(float64)
}

type Counter interface {
	Inc()
	Add(float64)
}

type Gauge interface {
	Set(float64)
	Inc()
	Dec()
	Add(float64)
	Sub(float64)
}

// Vec types for labeled metrics
type CounterVec interface {
	With(labels ...string) Counter
}

type GaugeVec interface {
	With(labels ...string) Gauge
}

type HistogramVec interface {
	With(labels ...string) Histogram
}

type NoopStat struct{}

type noopCounterVec struct{}
type noopGaugeVec struct{}
type noopHistogramVec struct{}

func (n noopCounterVec) With(labels ...string) Counter     { return NoopStat{} }
func (n noopGaugeVec) With(labels ...string) Gauge         { return NoopStat{} }
func (n noopHistogramVec) With(labels ...string) Histogram { return NoopStat{} }

func (n NoopStat) Observe(float64) {}
func (n NoopStat) Set(float64)     {}
func (n NoopStat) Dec()            {}
func (n NoopStat) Sub(float64)     {}
func (n NoopStat) Inc()            {}
func (n NoopStat) Add(float64)     {}

// Prometheus Vec wrappers
type prometheusCounterVec struct {
	vec *prometheus.CounterVec
}

func (p *prometheusCounterVec) With(labelValues ...string) Counter {
	return p.vec.WithLabelValues(labelValues...)
}

type prometheusGaugeVec struct {
	vec *prometheus.GaugeVec
}

func (p *prometheusGaugeVec) With(labelValues ...string) Gauge {
	return p.vec.WithLabelValues(labelValues...)
}

type prometheusHistogramVec struct {
	vec *prometheus.HistogramVec
}

func (p *prometheusHistogramVec) With(labelValues ...string) Histogram {
	return p.vec.WithLabelValues(labelValues...)
}

// factory builds metrics into one registry. A nil registry yields no-ops.
type factory struct {
	registry  *prometheus.Registry
	namespace string
}

func (f factory) counterVec(name, help string, labels []string) CounterVec {
	if f.registry == nil {
		return noopCounterVec{}
	}
	vec := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: f.namespace,
		Name:      name,
		Help:      help,
	}, labels)
	f.registry.MustRegister(vec)
	return &prometheusCounterVec{vec: vec}
}

func (f factory) gaugeVec(name, help string, labels []string) GaugeVec {
	if f.registry == nil {
		return noopGaugeVec{}
	}
	vec := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: f.namespace,
		Name:      name,
		Help:      help,
	}, labels)
	f.registry.MustRegister(vec)
	return &prometheusGaugeVec{vec: vec}
}

func (f factory) gauge(name, help string) Gauge {
	if f.registry == nil {
		return NoopStat{}
	}
	g := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: f.namespace,
		Name:      name,
		Help:      help,
	})
	f.registry.MustRegister(g)
	return g
}

func (f factory) histogramVec(name, help string, labels []string, buckets []float64) HistogramVec {
	if f.registry == nil {
		return noopHistogramVec{}
	}
	vec := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: f.namespace,
		Name:      name,
		Help:      help,
		Buckets:   buckets,
	}, labels)
	f.registry.MustRegister(vec)
	return &prometheusHistogramVec{vec: vec}
}

func newRegistry() *prometheus.Registry {
	registry := prometheus.NewRegistry()

	// Register process and Go runtime collectors for CPU/memory metrics
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	registry.MustRegister(collectors.NewGoCollector())
	return registry
}

// Handler returns the HTTP handler for Prometheus metrics. When metrics are
// disabled it serves 404.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry, nil when disabled
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
