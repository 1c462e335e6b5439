package publisher

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/knowton/cdcsync/change"
	"github.com/knowton/cdcsync/journal"
	"github.com/knowton/cdcsync/telemetry"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Mock implementations for testing

type mockSink struct {
	id SinkID

	mu       sync.Mutex
	applied  []change.Event
	fail     error
	failLeft int // -1 fails forever
	delay    time.Duration
	attempts atomic.Int32
	closed   atomic.Bool

	// Called with the event before it is applied
	onApply func(change.Event)
}

func newMockSink(id SinkID) *mockSink {
	return &mockSink{id: id}
}

func (m *mockSink) failWith(err error, times int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail = err
	m.failLeft = times
}

func (m *mockSink) ID() SinkID { return m.id }

func (m *mockSink) Apply(ctx context.Context, event change.Event) error {
	m.attempts.Add(1)
	if m.onApply != nil {
		m.onApply(event)
	}
	if m.delay > 0 && !SleepContext(ctx, m.delay) {
		return ctx.Err()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil && m.failLeft != 0 {
		if m.failLeft > 0 {
			m.failLeft--
		}
		return m.fail
	}
	m.applied = append(m.applied, event)
	return nil
}

func (m *mockSink) Ping(ctx context.Context) error { return nil }

func (m *mockSink) Close() error {
	m.closed.Store(true)
	return nil
}

func (m *mockSink) events() []change.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]change.Event(nil), m.applied...)
}

type tableFilter string

func (f tableFilter) Match(table string) bool { return strings.EqualFold(string(f), table) }

type failingDeadLetters struct{}

func (failingDeadLetters) AppendDeadLetter(dl journal.DeadLetter) (journal.DeadLetter, error) {
	return dl, errors.New("disk full")
}

func fastRetry() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    3,
		BaseDelay:      time.Millisecond,
		MaxDelay:       2 * time.Millisecond,
		Multiplier:     2,
		AttemptTimeout: time.Second,
	}
}

func openJournal(t *testing.T) *journal.Journal {
	t.Helper()
	j, err := journal.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j
}

func testEvent(table change.Table, seq uint64) change.Event {
	return change.Event{
		Table:           table,
		Operation:       change.OpInsert,
		PrimaryKey:      fmt.Sprintf("%s-%d", strings.ToLower(string(table)), seq),
		Payload:         map[string]any{"n": seq},
		Sequence:        seq,
		SourceTimestamp: time.Now(),
	}
}

func threeSinks() (*mockSink, *mockSink, *mockSink) {
	return newMockSink(SinkBus), newMockSink(SinkColumnar), newMockSink(SinkSearch)
}

func routesFor(sinks ...Sink) []Route {
	routes := make([]Route, len(sinks))
	for i, s := range sinks {
		routes[i] = Route{Sink: s}
	}
	return routes
}

func TestNewDispatcher_Validation(t *testing.T) {
	dl := openJournal(t)

	_, err := NewDispatcher(DispatcherConfig{DeadLetters: dl})
	assert.Error(t, err, "no routes")

	_, err = NewDispatcher(DispatcherConfig{Routes: []Route{{}}, DeadLetters: dl})
	assert.Error(t, err, "route without sink")

	_, err = NewDispatcher(DispatcherConfig{
		Routes:      routesFor(newMockSink(SinkBus), newMockSink(SinkBus)),
		DeadLetters: dl,
	})
	assert.Error(t, err, "duplicate sink")

	_, err = NewDispatcher(DispatcherConfig{Routes: routesFor(newMockSink(SinkBus))})
	assert.Error(t, err, "missing dead-letter store")

	d, err := NewDispatcher(DispatcherConfig{Routes: routesFor(newMockSink(SinkBus)), DeadLetters: dl})
	require.NoError(t, err)
	assert.Equal(t, DefaultMaxAttempts, d.policy.MaxAttempts)
}

func TestDispatch_AllSinksSucceed(t *testing.T) {
	bus, col, search := threeSinks()
	metrics := telemetry.NewMetrics(telemetry.Options{Enabled: true})
	d, err := NewDispatcher(DispatcherConfig{
		Routes:      routesFor(bus, col, search),
		Retry:       fastRetry(),
		DeadLetters: openJournal(t),
		Metrics:     metrics,
	})
	require.NoError(t, err)

	results := d.Dispatch(context.Background(), testEvent(change.TableContent, 1))

	require.Len(t, results, 3)
	for _, res := range results {
		assert.True(t, res.OK(), "sink %s", res.Sink)
		assert.Equal(t, 1, res.Attempts)
		assert.Empty(t, res.ErrorKind)
	}
	assert.Len(t, bus.events(), 1)
	assert.Len(t, col.events(), 1)
	assert.Len(t, search.events(), 1)

	expected := `
# HELP cdcsync_events_processed_total Change events processed by table, operation and status
# TYPE cdcsync_events_processed_total counter
cdcsync_events_processed_total{operation="insert",status="success",table="Content"} 1
`
	require.NoError(t, testutil.GatherAndCompare(metrics.Registry(), strings.NewReader(expected), "cdcsync_events_processed_total"))
}

func TestDispatch_RetriesThenDeadLetters(t *testing.T) {
	bus, col, search := threeSinks()
	search.failWith(errors.New("dial tcp 10.0.0.9:9200: connection refused"), -1)
	dl := openJournal(t)

	d, err := NewDispatcher(DispatcherConfig{
		Routes:      routesFor(bus, col, search),
		Retry:       fastRetry(),
		DeadLetters: dl,
	})
	require.NoError(t, err)

	results := d.Dispatch(context.Background(), testEvent(change.TableContent, 7))

	byID := map[SinkID]SinkResult{}
	for _, res := range results {
		byID[res.Sink] = res
	}
	assert.True(t, byID[SinkBus].OK())
	assert.True(t, byID[SinkColumnar].OK())

	failed := byID[SinkSearch]
	assert.False(t, failed.OK())
	assert.Equal(t, 3, failed.Attempts)
	assert.Equal(t, KindConnection, failed.ErrorKind)
	var terminal *TerminalSinkError
	assert.ErrorAs(t, failed.Err, &terminal)
	assert.Equal(t, int32(3), search.attempts.Load())

	letters, err := dl.DeadLetters(journal.DeadLetterFilter{})
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, string(SinkSearch), letters[0].Sink)
	assert.Equal(t, uint64(7), letters[0].Event.Sequence)
	assert.Equal(t, KindConnection, letters[0].ErrorKind)
	assert.Equal(t, 3, letters[0].Attempts)
	assert.NotEmpty(t, letters[0].ID)
}

func TestDispatch_TransientFailureRecovers(t *testing.T) {
	bus := newMockSink(SinkBus)
	bus.failWith(errors.New("leader not available"), 2)
	dl := openJournal(t)

	d, err := NewDispatcher(DispatcherConfig{Routes: routesFor(bus), Retry: fastRetry(), DeadLetters: dl})
	require.NoError(t, err)

	results := d.Dispatch(context.Background(), testEvent(change.TableUser, 1))
	require.Len(t, results, 1)
	assert.True(t, results[0].OK())
	assert.Equal(t, 3, results[0].Attempts)

	letters, err := dl.DeadLetters(journal.DeadLetterFilter{})
	require.NoError(t, err)
	assert.Empty(t, letters)
}

func TestDispatch_PermanentErrorSkipsRetries(t *testing.T) {
	col := newMockSink(SinkColumnar)
	col.failWith(Permanent(errors.New("type mismatch")), -1)

	d, err := NewDispatcher(DispatcherConfig{Routes: routesFor(col), Retry: fastRetry(), DeadLetters: openJournal(t)})
	require.NoError(t, err)

	results := d.Dispatch(context.Background(), testEvent(change.TableNFT, 2))
	require.Len(t, results, 1)
	assert.Equal(t, 1, results[0].Attempts)
	assert.Equal(t, KindRejected, results[0].ErrorKind)
}

func TestDispatch_AttemptTimeout(t *testing.T) {
	search := newMockSink(SinkSearch)
	search.delay = time.Second

	policy := fastRetry()
	policy.MaxAttempts = 2
	policy.AttemptTimeout = 10 * time.Millisecond

	d, err := NewDispatcher(DispatcherConfig{Routes: routesFor(search), Retry: policy, DeadLetters: openJournal(t)})
	require.NoError(t, err)

	start := time.Now()
	results := d.Dispatch(context.Background(), testEvent(change.TableContent, 1))
	require.Len(t, results, 1)
	assert.Equal(t, KindTimeout, results[0].ErrorKind)
	assert.Equal(t, 2, results[0].Attempts)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestDispatch_CancelledContextDeadLettersAsShutdown(t *testing.T) {
	bus := newMockSink(SinkBus)
	dl := openJournal(t)
	d, err := NewDispatcher(DispatcherConfig{Routes: routesFor(bus), Retry: fastRetry(), DeadLetters: dl})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	results := d.Dispatch(ctx, testEvent(change.TableContent, 3))
	require.Len(t, results, 1)
	assert.Equal(t, KindShutdown, results[0].ErrorKind)
	assert.Zero(t, bus.attempts.Load())

	letters, err := dl.DeadLetters(journal.DeadLetterFilter{Sink: string(SinkBus)})
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, KindShutdown, letters[0].ErrorKind)
}

func TestDispatch_FilterRoutesTables(t *testing.T) {
	bus := newMockSink(SinkBus)
	search := newMockSink(SinkSearch)
	d, err := NewDispatcher(DispatcherConfig{
		Routes: []Route{
			{Sink: bus},
			{Sink: search, Filter: tableFilter("content")},
		},
		Retry:       fastRetry(),
		DeadLetters: openJournal(t),
	})
	require.NoError(t, err)

	results := d.Dispatch(context.Background(), testEvent(change.TableTransaction, 1))
	require.Len(t, results, 1)
	assert.Equal(t, SinkBus, results[0].Sink)
	assert.Empty(t, search.events())

	assert.Len(t, d.SinksFor(change.TableContent), 2)
	assert.Len(t, d.SinksFor(change.TableUser), 1)

	_, ok := d.Sink(SinkSearch)
	assert.True(t, ok)
	_, ok = d.Sink(SinkColumnar)
	assert.False(t, ok)
}

func TestDispatch_NoSinkForTable(t *testing.T) {
	d, err := NewDispatcher(DispatcherConfig{
		Routes:      []Route{{Sink: newMockSink(SinkSearch), Filter: tableFilter("content")}},
		DeadLetters: openJournal(t),
	})
	require.NoError(t, err)

	assert.Nil(t, d.Dispatch(context.Background(), testEvent(change.TableRoyalty, 1)))
}

func TestDispatch_DeadLetterWriteFailureStillTerminal(t *testing.T) {
	bus := newMockSink(SinkBus)
	bus.failWith(Permanent(errors.New("bad")), -1)
	metrics := telemetry.NewMetrics(telemetry.Options{Enabled: true})

	d, err := NewDispatcher(DispatcherConfig{
		Routes:      routesFor(bus),
		Retry:       fastRetry(),
		DeadLetters: failingDeadLetters{},
		Metrics:     metrics,
	})
	require.NoError(t, err)

	results := d.Dispatch(context.Background(), testEvent(change.TableUser, 1))
	require.Len(t, results, 1)
	assert.False(t, results[0].OK())
	n, err := testutil.GatherAndCount(metrics.Registry(), "cdcsync_dead_letters_total")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestDispatch_SinksRunConcurrently(t *testing.T) {
	bus, col, search := threeSinks()
	for _, s := range []*mockSink{bus, col, search} {
		s.delay = 50 * time.Millisecond
	}
	d, err := NewDispatcher(DispatcherConfig{Routes: routesFor(bus, col, search), Retry: fastRetry(), DeadLetters: openJournal(t)})
	require.NoError(t, err)

	start := time.Now()
	d.Dispatch(context.Background(), testEvent(change.TableContent, 1))
	assert.Less(t, time.Since(start), 140*time.Millisecond)
}
