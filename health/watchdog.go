package health

import (
	"sort"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"
)

// Watchdog detects stalled processing loops. Loops beat while they make
// progress or sit idle; a loop whose last beat is older than the interval is
// stalled.
type Watchdog struct {
	interval time.Duration
	beats    *xsync.MapOf[string, time.Time]
	now      func() time.Time
}

// NewWatchdog creates a watchdog
func NewWatchdog(interval time.Duration) *Watchdog {
	return &Watchdog{
		interval: interval,
		beats:    xsync.NewMapOf[string, time.Time](),
		now:      time.Now,
	}
}

// Track registers a loop as if it just beat, so a loop that never starts is
// still caught
func (w *Watchdog) Track(name string) {
	w.beats.LoadOrStore(name, w.now())
}

// Beat implements publisher.Heartbeat
func (w *Watchdog) Beat(name string) {
	w.beats.Store(name, w.now())
}

// Stalled returns loops that missed the interval, sorted
func (w *Watchdog) Stalled() []string {
	now := w.now()
	var stalled []string
	w.beats.Range(func(name string, last time.Time) bool {
		if now.Sub(last) > w.interval {
			stalled = append(stalled, name)
		}
		return true
	})
	if len(stalled) > 0 {
		sort.Strings(stalled)
		log.Error().Strs("loops", stalled).Dur("interval", w.interval).Msg("Watchdog detected stalled loops")
	}
	return stalled
}
