package telemetry

import (
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

// ErrorWindow keeps per-sink success and failure counts in one-second buckets
// over a sliding window.
type ErrorWindow struct {
	size  int
	sinks *xsync.MapOf[string, *sinkWindow]
	now   func() time.Time
}

type sinkWindow struct {
	mu      sync.Mutex
	buckets []windowBucket
}

type windowBucket struct {
	sec    int64
	total  uint64
	failed uint64
}

// NewErrorWindow creates a window covering the given duration
func NewErrorWindow(window time.Duration) *ErrorWindow {
	size := int(window / time.Second)
	if size < 1 {
		size = 1
	}
	return &ErrorWindow{
		size:  size,
		sinks: xsync.NewMapOf[string, *sinkWindow](),
		now:   time.Now,
	}
}

// Record adds one result for the sink
func (w *ErrorWindow) Record(sink string, failed bool) {
	sw, _ := w.sinks.LoadOrCompute(sink, func() *sinkWindow {
		return &sinkWindow{buckets: make([]windowBucket, w.size)}
	})

	sec := w.now().Unix()
	sw.mu.Lock()
	b := &sw.buckets[int(sec%int64(w.size))]
	if b.sec != sec {
		*b = windowBucket{sec: sec}
	}
	b.total++
	if failed {
		b.failed++
	}
	sw.mu.Unlock()
}

// Rate returns failed/total across all non-excluded sinks, 0 with no results
func (w *ErrorWindow) Rate(exclude ...string) float64 {
	skip := make(map[string]bool, len(exclude))
	for _, s := range exclude {
		skip[s] = true
	}

	oldest := w.now().Unix() - int64(w.size) + 1
	var total, failed uint64
	w.sinks.Range(func(name string, sw *sinkWindow) bool {
		if skip[name] {
			return true
		}
		sw.mu.Lock()
		for _, b := range sw.buckets {
			if b.sec >= oldest {
				total += b.total
				failed += b.failed
			}
		}
		sw.mu.Unlock()
		return true
	})

	if total == 0 {
		return 0
	}
	return float64(failed) / float64(total)
}
