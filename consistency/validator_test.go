package consistency

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/knowton/cdcsync/change"
	"github.com/knowton/cdcsync/journal"
	"github.com/knowton/cdcsync/publisher"
	"github.com/knowton/cdcsync/publisher/sink"
	"github.com/knowton/cdcsync/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticSinks []publisher.Sink

func (s staticSinks) SinksFor(change.Table) []publisher.Sink { return s }

// fakeCounter answers from a map and records the windows it was asked for
type fakeCounter struct {
	counts map[change.Table]int64
	delay  time.Duration
	err    error
	calls  atomic.Int32

	mu     sync.Mutex
	window []time.Time
}

func (f *fakeCounter) Count(ctx context.Context, table change.Table, since time.Time) (int64, error) {
	f.calls.Add(1)
	f.mu.Lock()
	f.window = append(f.window, since)
	f.mu.Unlock()

	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	if f.err != nil {
		return 0, f.err
	}
	return f.counts[table], nil
}

type recordingArchive struct {
	mu   sync.Mutex
	runs map[string][]Report
}

func (r *recordingArchive) Archive(ctx context.Context, runID string, checkedAt time.Time, reports []Report) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.runs == nil {
		r.runs = make(map[string][]Report)
	}
	r.runs[runID] = reports
	return nil
}

func openJournal(t *testing.T) *journal.Journal {
	t.Helper()
	j, err := journal.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j
}

func fill(t *testing.T, s *sink.MemorySink, table change.Table, n int) {
	t.Helper()
	for i := 1; i <= n; i++ {
		require.NoError(t, s.Apply(context.Background(), change.Event{
			Table:           table,
			Operation:       change.OpInsert,
			PrimaryKey:      fmt.Sprintf("k-%d", i),
			Sequence:        uint64(i),
			SourceTimestamp: time.Now(),
		}))
	}
}

type fixture struct {
	validator *Validator
	source    *fakeCounter
	columnar  *sink.MemorySink
	search    *sink.MemorySink
	journal   *journal.Journal
	metrics   *telemetry.Metrics
}

func newFixture(t *testing.T, mutate func(*ValidatorConfig)) fixture {
	t.Helper()
	f := fixture{
		source:   &fakeCounter{counts: map[change.Table]int64{change.TableContent: 100}},
		columnar: sink.NewMemorySink(publisher.SinkColumnar),
		search:   sink.NewMemorySink(publisher.SinkSearch),
		journal:  openJournal(t),
		metrics:  telemetry.NewMetrics(telemetry.Options{Enabled: true}),
	}
	bus := sink.NewBusSink(nil, nil, "cdc", false)

	config := ValidatorConfig{
		Tables:       []change.Table{change.TableContent},
		Source:       f.source,
		Sinks:        staticSinks{bus, f.columnar, f.search},
		Store:        f.journal,
		Metrics:      f.metrics,
		QueryTimeout: time.Second,
	}
	if mutate != nil {
		mutate(&config)
	}

	v, err := NewValidator(config)
	require.NoError(t, err)
	f.validator = v
	return f
}

func TestValidator_RoundTripZeroDiscrepancy(t *testing.T) {
	f := newFixture(t, nil)
	fill(t, f.columnar, change.TableContent, 100)
	fill(t, f.search, change.TableContent, 100)

	assert.Equal(t, SignalPending, f.validator.Signal())

	reports, err := f.validator.Validate(context.Background())
	require.NoError(t, err)
	require.Len(t, reports, 1)

	r := reports[0]
	assert.Equal(t, "Content", r.Table)
	require.NotNil(t, r.PrimarySourceCount)
	assert.Equal(t, int64(100), *r.PrimarySourceCount)
	assert.Equal(t, CountOK, r.PrimaryStatus)

	// The bus cannot count and is not compared
	assert.Len(t, r.SinkCounts, 2)
	for _, name := range []string{"columnar", "search_index"} {
		require.NotNil(t, r.Discrepancy[name], name)
		assert.Zero(t, *r.Discrepancy[name], name)
		assert.Equal(t, CountOK, r.SinkCounts[name].Status)
	}
	assert.Nil(t, r.WindowStart)
	assert.Equal(t, SignalOK, f.validator.Signal())

	records, err := f.journal.LatestRun()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, r.RunID, records[0].RunID)
}

func TestValidator_OutOfBandWriteShowsNegativeDrift(t *testing.T) {
	f := newFixture(t, nil)
	fill(t, f.columnar, change.TableContent, 100)
	fill(t, f.search, change.TableContent, 100)
	f.columnar.Put(change.TableContent, "out-of-band", sink.Row{Sequence: 1, SourceTimestamp: time.Now()})

	reports, err := f.validator.Validate(context.Background())
	require.NoError(t, err)

	d := reports[0].Discrepancy["columnar"]
	require.NotNil(t, d)
	assert.Equal(t, int64(-1), *d)
	assert.Zero(t, *reports[0].Discrepancy["search_index"])
	assert.Equal(t, SignalDrift, f.validator.Signal())

	// Reported, not corrected
	n, err := f.columnar.Count(context.Background(), change.TableContent, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, int64(101), n)
}

func TestValidator_ThresholdToleratesSmallDrift(t *testing.T) {
	f := newFixture(t, func(c *ValidatorConfig) { c.Threshold = 2 })
	fill(t, f.columnar, change.TableContent, 99)
	fill(t, f.search, change.TableContent, 100)

	_, err := f.validator.Validate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SignalOK, f.validator.Signal())
}

func TestValidator_TimedOutCountIsUnknown(t *testing.T) {
	slow := &fakeCounter{delay: time.Second}
	f := newFixture(t, func(c *ValidatorConfig) {
		c.QueryTimeout = 20 * time.Millisecond
		c.Sinks = staticSinks{slowSink{MemorySink: sink.NewMemorySink(publisher.SinkSearch), counter: slow}}
	})

	start := time.Now()
	reports, err := f.validator.Validate(context.Background())
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 500*time.Millisecond)

	r := reports[0]
	assert.Nil(t, r.Discrepancy["search_index"])
	assert.Equal(t, CountUnknown, r.SinkCounts["search_index"].Status)
	assert.Nil(t, r.SinkCounts["search_index"].Count)
	assert.Contains(t, r.SinkCounts["search_index"].Error, "search_index")
	assert.Equal(t, SignalUnknown, f.validator.Signal())
}

// slowSink is a memory sink whose counts come from another counter
type slowSink struct {
	*sink.MemorySink
	counter publisher.Counter
}

func (s slowSink) Count(ctx context.Context, table change.Table, since time.Time) (int64, error) {
	return s.counter.Count(ctx, table, since)
}

func TestValidator_PrimaryUnavailable(t *testing.T) {
	f := newFixture(t, nil)
	f.source.err = errors.New("connection refused")
	fill(t, f.columnar, change.TableContent, 3)

	reports, err := f.validator.Validate(context.Background())
	require.NoError(t, err)

	r := reports[0]
	assert.Nil(t, r.PrimarySourceCount)
	assert.Equal(t, CountUnknown, r.PrimaryStatus)
	assert.Contains(t, r.PrimaryError, "primary")
	assert.Nil(t, r.Discrepancy["columnar"])
	// The sink's own count is still reported
	require.NotNil(t, r.SinkCounts["columnar"].Count)
	assert.Equal(t, int64(3), *r.SinkCounts["columnar"].Count)
	assert.Equal(t, SignalUnknown, SignalOf(reports, 0))
}

func TestValidator_WindowedCount(t *testing.T) {
	f := newFixture(t, func(c *ValidatorConfig) { c.Window = 24 * time.Hour })

	reports, err := f.validator.Validate(context.Background())
	require.NoError(t, err)

	require.NotNil(t, reports[0].WindowStart)
	expected := reports[0].CheckedAt.Add(-24 * time.Hour)
	assert.True(t, expected.Equal(*reports[0].WindowStart))

	f.source.mu.Lock()
	defer f.source.mu.Unlock()
	require.Len(t, f.source.window, 1)
	assert.True(t, expected.Equal(f.source.window[0]))
}

func TestValidator_TriggerCoalesces(t *testing.T) {
	f := newFixture(t, nil)
	f.source.delay = 100 * time.Millisecond

	var wg sync.WaitGroup
	runs := make([]string, 5)
	for i := range runs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			reports, err := f.validator.Trigger(context.Background())
			if assert.NoError(t, err) {
				runs[i] = reports[0].RunID
			}
		}(i)
	}
	wg.Wait()

	assert.LessOrEqual(t, f.source.calls.Load(), int32(2))
	records, err := f.journal.Reports(0)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(records), 2)
}

func TestValidator_LatestSurvivesRestart(t *testing.T) {
	f := newFixture(t, nil)
	fill(t, f.columnar, change.TableContent, 100)
	first, err := f.validator.Validate(context.Background())
	require.NoError(t, err)

	restarted, err := NewValidator(ValidatorConfig{
		Tables: []change.Table{change.TableContent},
		Source: f.source,
		Sinks:  staticSinks{},
		Store:  f.journal,
	})
	require.NoError(t, err)

	latest, err := restarted.Latest()
	require.NoError(t, err)
	require.Len(t, latest, 1)
	assert.Equal(t, first[0].RunID, latest[0].RunID)
	assert.Equal(t, int64(100), *latest[0].PrimarySourceCount)
}

func TestValidator_ArchivesRun(t *testing.T) {
	archive := &recordingArchive{}
	f := newFixture(t, func(c *ValidatorConfig) { c.Archive = archive })

	reports, err := f.validator.Validate(context.Background())
	require.NoError(t, err)

	archive.mu.Lock()
	defer archive.mu.Unlock()
	assert.Len(t, archive.runs[reports[0].RunID], 1)
}

func TestNewValidator_Validation(t *testing.T) {
	_, err := NewValidator(ValidatorConfig{})
	assert.Error(t, err)

	_, err = NewValidator(ValidatorConfig{Tables: []change.Table{change.TableUser}})
	assert.Error(t, err)

	_, err = NewValidator(ValidatorConfig{Tables: []change.Table{change.TableUser}, Source: &fakeCounter{}})
	assert.Error(t, err)

	_, err = NewValidator(ValidatorConfig{Tables: []change.Table{change.TableUser}, Source: &fakeCounter{}, Sinks: staticSinks{}})
	assert.Error(t, err)
}

func TestSignalOf(t *testing.T) {
	one, minusThree := int64(1), int64(-3)

	ok := Report{PrimaryStatus: CountOK, Discrepancy: map[string]*int64{"columnar": &one}}
	drift := Report{PrimaryStatus: CountOK, Discrepancy: map[string]*int64{"columnar": &minusThree}}
	unknown := Report{PrimaryStatus: CountOK, Discrepancy: map[string]*int64{"search_index": nil}}

	assert.Equal(t, SignalPending, SignalOf(nil, 0))
	assert.Equal(t, SignalOK, SignalOf([]Report{ok}, 1))
	assert.Equal(t, SignalDrift, SignalOf([]Report{ok}, 0))
	assert.Equal(t, SignalUnknown, SignalOf([]Report{ok, unknown}, 1))
	assert.Equal(t, SignalDrift, SignalOf([]Report{unknown, drift}, 1))
}
