package telemetry

import (
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/puzpuzpuz/xsync/v3"
)

// LagTracker follows, per table, the source timestamps of events that have
// been read but not yet reached a terminal state on every sink. Lag is the
// age of the oldest such event, or zero when the table is drained.
//
// It implements prometheus.Collector so lag is computed at scrape time.
type LagTracker struct {
	tables *xsync.MapOf[string, *tableLag]
	now    func() time.Time

	lagDesc     *prometheus.Desc
	pendingDesc *prometheus.Desc
}

type tableLag struct {
	mu      sync.Mutex
	pending []time.Time
}

// NewLagTracker creates an empty tracker
func NewLagTracker(namespace string) *LagTracker {
	return &LagTracker{
		tables: xsync.NewMapOf[string, *tableLag](),
		now:    time.Now,
		lagDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "sync_lag_seconds"),
			"Age of the oldest undelivered event per table, 0 when drained",
			[]string{"table"}, nil),
		pendingDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "queue_depth"),
			"Events read from the source and not yet terminal on every sink",
			[]string{"table"}, nil),
	}
}

func (l *LagTracker) table(name string) *tableLag {
	t, _ := l.tables.LoadOrCompute(name, func() *tableLag { return &tableLag{} })
	return t
}

// Track makes a table visible with zero lag before its first event
func (l *LagTracker) Track(table string) {
	l.table(table)
}

// Enqueued records an event accepted for delivery. Calls for one table must
// follow delivery order.
func (l *LagTracker) Enqueued(table string, sourceTS time.Time) {
	t := l.table(table)
	t.mu.Lock()
	t.pending = append(t.pending, sourceTS)
	t.mu.Unlock()
}

// Done records that the oldest pending event of the table reached a terminal
// state.
func (l *LagTracker) Done(table string) {
	t := l.table(table)
	t.mu.Lock()
	if len(t.pending) > 0 {
		t.pending = t.pending[1:]
		if len(t.pending) == 0 {
			t.pending = nil
		}
	}
	t.mu.Unlock()
}

// Withdraw drops the newest pending entry, used when an enqueue did not go
// through.
func (l *LagTracker) Withdraw(table string) {
	t := l.table(table)
	t.mu.Lock()
	if n := len(t.pending); n > 0 {
		t.pending = t.pending[:n-1]
	}
	t.mu.Unlock()
}

// Lag returns the current lag for the table, never negative
func (l *LagTracker) Lag(table string) time.Duration {
	t, ok := l.tables.Load(table)
	if !ok {
		return 0
	}
	return t.lag(l.now())
}

// Pending returns how many events of the table are not yet terminal
func (l *LagTracker) Pending(table string) int {
	t, ok := l.tables.Load(table)
	if !ok {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Lags returns lag in seconds for every tracked table
func (l *LagTracker) Lags() map[string]float64 {
	now := l.now()
	out := make(map[string]float64)
	l.tables.Range(func(name string, t *tableLag) bool {
		out[name] = t.lag(now).Seconds()
		return true
	})
	return out
}

// Worst returns the table with the highest lag
func (l *LagTracker) Worst() (string, time.Duration) {
	lags := l.Lags()
	names := make([]string, 0, len(lags))
	for name := range lags {
		names = append(names, name)
	}
	sort.Strings(names)

	var worst string
	var max float64 = -1
	for _, name := range names {
		if lags[name] > max {
			worst, max = name, lags[name]
		}
	}
	if worst == "" {
		return "", 0
	}
	return worst, time.Duration(max * float64(time.Second))
}

func (t *tableLag) lag(now time.Time) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.pending) == 0 {
		return 0
	}
	d := now.Sub(t.pending[0])
	if d < 0 {
		return 0
	}
	return d
}

// Describe implements prometheus.Collector
func (l *LagTracker) Describe(ch chan<- *prometheus.Desc) {
	ch <- l.lagDesc
	ch <- l.pendingDesc
}

// Collect implements prometheus.Collector
func (l *LagTracker) Collect(ch chan<- prometheus.Metric) {
	now := l.now()
	l.tables.Range(func(name string, t *tableLag) bool {
		ch <- prometheus.MustNewConstMetric(l.lagDesc, prometheus.GaugeValue, t.lag(now).Seconds(), name)
		t.mu.Lock()
		pending := len(t.pending)
		t.mu.Unlock()
		ch <- prometheus.MustNewConstMetric(l.pendingDesc, prometheus.GaugeValue, float64(pending), name)
		return true
	})
}
