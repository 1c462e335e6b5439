// Package consistency compares authoritative row counts in the primary store
// with what each sink holds and keeps the history of those comparisons.
package consistency

import (
	"fmt"
	"time"
)

// Count states
const (
	CountOK      = "ok"
	CountUnknown = "unknown"
)

// Signal states derived from the latest run
const (
	SignalPending = "pending"
	SignalOK      = "ok"
	SignalDrift   = "drift"
	SignalUnknown = "unknown"
)

// PrimaryTarget names the primary store in errors and counts
const PrimaryTarget = "primary"

// SinkCount is one sink's count for a table. Count is nil when it could not
// be obtained; an unknown count is never reported as zero.
type SinkCount struct {
	Count  *int64 `json:"count"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Report is the immutable outcome of checking one table. Discrepancy is the
// primary count minus the sink count: positive when the sink is behind,
// negative when it holds rows the primary does not.
type Report struct {
	RunID              string               `json:"run_id"`
	Table              string               `json:"table"`
	PrimarySourceCount *int64               `json:"primary_source_count"`
	PrimaryStatus      string               `json:"primary_status"`
	PrimaryError       string               `json:"primary_error,omitempty"`
	SinkCounts         map[string]SinkCount `json:"sink_counts"`
	Discrepancy        map[string]*int64    `json:"discrepancy"`
	WindowStart        *time.Time           `json:"window_start,omitempty"`
	CheckedAt          time.Time            `json:"checked_at"`
}

// ConsistencyCheckError means a count could not be obtained in time
type ConsistencyCheckError struct {
	Table  string
	Target string
	Err    error
}

func (e *ConsistencyCheckError) Error() string {
	return fmt.Sprintf("count %s on %s: %v", e.Table, e.Target, e.Err)
}

func (e *ConsistencyCheckError) Unwrap() error { return e.Err }

// Drifted reports whether any known discrepancy exceeds threshold
func (r Report) Drifted(threshold int64) bool {
	for _, d := range r.Discrepancy {
		if d != nil && abs(*d) > threshold {
			return true
		}
	}
	return false
}

// Unknown reports whether any count of the report is missing
func (r Report) Unknown() bool {
	for _, d := range r.Discrepancy {
		if d == nil {
			return true
		}
	}
	return r.PrimaryStatus == CountUnknown
}

// SignalOf reduces a run to one signal state. Drift wins over unknown.
func SignalOf(reports []Report, threshold int64) string {
	if len(reports) == 0 {
		return SignalPending
	}
	unknown := false
	for _, r := range reports {
		if r.Drifted(threshold) {
			return SignalDrift
		}
		if r.Unknown() {
			unknown = true
		}
	}
	if unknown {
		return SignalUnknown
	}
	return SignalOK
}

func abs(n int64) int64 {
	if n < 0 {
		return -n
	}
	return n
}
