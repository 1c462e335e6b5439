package sink

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/knowton/cdcsync/change"
	"github.com/knowton/cdcsync/publisher"
)

// Row is one versioned row held by a MemorySink
type Row struct {
	Sequence        uint64
	Deleted         bool
	Payload         map[string]any
	SourceTimestamp time.Time
}

// MemorySink keeps rows in process memory, versioned by sequence like the
// real sinks. It supports failure injection and is used for tests and dry
// runs.
type MemorySink struct {
	id publisher.SinkID

	mu       sync.Mutex
	rows     map[change.Table]map[string]Row
	applied  []change.Event
	failErr  error
	failLeft int // -1 fails forever
	delay    time.Duration
	closed   bool
}

// NewMemorySink creates an empty memory sink reporting the given id
func NewMemorySink(id publisher.SinkID) *MemorySink {
	return &MemorySink{
		id:   id,
		rows: make(map[change.Table]map[string]Row),
	}
}

// ID implements publisher.Sink
func (m *MemorySink) ID() publisher.SinkID { return m.id }

// FailWith makes the next times applies fail with err. times < 0 fails until
// Heal is called.
func (m *MemorySink) FailWith(err error, times int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failErr = err
	m.failLeft = times
}

// Heal clears injected failures
func (m *MemorySink) Heal() {
	m.FailWith(nil, 0)
}

// SetDelay makes each apply wait for d or until ctx ends
func (m *MemorySink) SetDelay(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
}

// Apply stores the event unless a newer version of the row is present
func (m *MemorySink) Apply(ctx context.Context, event change.Event) error {
	m.mu.Lock()
	delay := m.delay
	m.mu.Unlock()

	if delay > 0 && !publisher.SleepContext(ctx, delay) {
		return ctx.Err()
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return fmt.Errorf("sink %s is closed", m.id)
	}
	if m.failErr != nil && m.failLeft != 0 {
		if m.failLeft > 0 {
			m.failLeft--
		}
		return m.failErr
	}

	m.applied = append(m.applied, event)
	m.put(event.Table, event.PrimaryKey, Row{
		Sequence:        event.Sequence,
		Deleted:         event.IsDelete(),
		Payload:         event.Payload,
		SourceTimestamp: event.SourceTimestamp,
	})
	return nil
}

func (m *MemorySink) put(table change.Table, key string, row Row) {
	rows, ok := m.rows[table]
	if !ok {
		rows = make(map[string]Row)
		m.rows[table] = rows
	}
	if cur, ok := rows[key]; ok && cur.Sequence >= row.Sequence {
		return
	}
	rows[key] = row
}

// Put writes a row directly, bypassing the pipeline
func (m *MemorySink) Put(table change.Table, key string, row Row) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.put(table, key, row)
}

// Get returns the current version of a row
func (m *MemorySink) Get(table change.Table, key string) (Row, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[table][key]
	return row, ok
}

// Applied returns every accepted event in apply order
func (m *MemorySink) Applied() []change.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]change.Event(nil), m.applied...)
}

// Count implements publisher.Counter
func (m *MemorySink) Count(ctx context.Context, table change.Table, since time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for _, row := range m.rows[table] {
		if row.Deleted {
			continue
		}
		if !since.IsZero() && row.SourceTimestamp.Before(since) {
			continue
		}
		n++
	}
	return n, nil
}

// Ping fails while the sink is failing without limit
func (m *MemorySink) Ping(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("sink %s is closed", m.id)
	}
	if m.failErr != nil && m.failLeft < 0 {
		return m.failErr
	}
	return nil
}

// Close marks the sink closed
func (m *MemorySink) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
