package publisher

import (
	"context"
	"time"

	"github.com/knowton/cdcsync/change"
)

// SinkID identifies a sink writer
type SinkID string

const (
	SinkBus      SinkID = "bus"
	SinkColumnar SinkID = "columnar"
	SinkSearch   SinkID = "search_index"
)

func (s SinkID) String() string { return string(s) }

// Sink is a downstream store receiving change events (bus, columnar, search)
type Sink interface {
	// ID names the sink in metrics, dead letters and health output
	ID() SinkID
	// Apply writes one event. It must be idempotent for a given
	// (primary key, sequence) so retries and replays converge.
	Apply(ctx context.Context, event change.Event) error
	// Ping checks reachability
	Ping(ctx context.Context) error
	// Close releases any resources held by the sink
	Close() error
}

// Counter is implemented by sinks that can report how many live rows of a
// table they hold. A zero since counts the whole table.
type Counter interface {
	Count(ctx context.Context, table change.Table, since time.Time) (int64, error)
}

// Transformer converts change events to bus message payloads
type Transformer interface {
	// Transform converts an event to bytes for publishing
	Transform(event change.Event) ([]byte, error)
	// Tombstone creates a tombstone/delete marker for the given key
	Tombstone(key string) []byte
}

// Filter determines whether a table is routed to a sink
type Filter interface {
	// Match returns true if events of the table should be delivered
	Match(table string) bool
}

// Status of a sink delivery
type Status uint8

const (
	StatusSuccess Status = iota
	StatusFailure
)

func (s Status) String() string {
	if s == StatusSuccess {
		return "success"
	}
	return "failure"
}

// MarshalText renders the status name in JSON output
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// SinkResult is the terminal outcome of delivering one event to one sink.
// Retries update the same result; exactly one is recorded per (event, sink).
type SinkResult struct {
	Sink      SinkID        `json:"sink"`
	Status    Status        `json:"status"`
	Latency   time.Duration `json:"latency"`
	Attempts  int           `json:"attempts"`
	ErrorKind string        `json:"error_kind,omitempty"`
	Err       error         `json:"-"`
}

// OK reports whether the delivery succeeded
func (r SinkResult) OK() bool { return r.Status == StatusSuccess }

// Heartbeat receives liveness beats from the dispatch loop
type Heartbeat interface {
	Beat(name string)
}

type noopHeartbeat struct{}

func (noopHeartbeat) Beat(string) {}
