package telemetry

import (
	"context"
	"sync"
	"time"
)

// ProbeFunc refreshes probe-driven gauges such as sink_up and source_up
type ProbeFunc func(ctx context.Context)

// MetricsCollector periodically runs a probe so reachability gauges stay
// current between health checks.
type MetricsCollector struct {
	probe    ProbeFunc
	interval time.Duration
	timeout  time.Duration
	stopCh   chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewMetricsCollector creates a new metrics collector
func NewMetricsCollector(probe ProbeFunc, interval, timeout time.Duration) *MetricsCollector {
	return &MetricsCollector{
		probe:    probe,
		interval: interval,
		timeout:  timeout,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the periodic collection
func (mc *MetricsCollector) Start() {
	if mc.probe == nil || mc.interval <= 0 {
		return
	}
	mc.wg.Add(1)
	go mc.collectLoop()
}

// Stop stops the collector
func (mc *MetricsCollector) Stop() {
	mc.stopOnce.Do(func() { close(mc.stopCh) })
	mc.wg.Wait()
}

func (mc *MetricsCollector) collectLoop() {
	defer mc.wg.Done()

	ticker := time.NewTicker(mc.interval)
	defer ticker.Stop()

	mc.collect()

	for {
		select {
		case <-ticker.C:
			mc.collect()
		case <-mc.stopCh:
			return
		}
	}
}

func (mc *MetricsCollector) collect() {
	ctx := context.Background()
	if mc.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, mc.timeout)
		defer cancel()
	}
	mc.probe(ctx)
}
