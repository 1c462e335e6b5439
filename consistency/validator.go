package consistency

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/knowton/cdcsync/change"
	"github.com/knowton/cdcsync/journal"
	"github.com/knowton/cdcsync/publisher"
	"github.com/knowton/cdcsync/telemetry"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// DefaultQueryTimeout bounds every count query
const DefaultQueryTimeout = 10 * time.Second

// SinkSet resolves the sinks a table is delivered to
type SinkSet interface {
	SinksFor(table change.Table) []publisher.Sink
}

// ReportStore persists report history
type ReportStore interface {
	AppendReport(rec journal.ReportRecord) error
	LatestRun() ([]journal.ReportRecord, error)
}

// Archiver uploads a finished run somewhere durable
type Archiver interface {
	Archive(ctx context.Context, runID string, checkedAt time.Time, reports []Report) error
}

// ValidatorConfig configures a Validator
type ValidatorConfig struct {
	Tables       []change.Table
	Source       publisher.Counter
	Sinks        SinkSet
	Store        ReportStore
	Archive      Archiver // Optional
	Metrics      *telemetry.Metrics
	QueryTimeout time.Duration
	Window       time.Duration // 0 counts whole tables
	Threshold    int64         // Largest |discrepancy| not reported as drift
}

// Validator runs consistency checks. Runs never modify any store; drift is
// reported, not corrected.
type Validator struct {
	tables       []change.Table
	source       publisher.Counter
	sinks        SinkSet
	store        ReportStore
	archive      Archiver
	metrics      *telemetry.Metrics
	queryTimeout time.Duration
	window       time.Duration
	threshold    int64
	now          func() time.Time

	group  singleflight.Group
	mu     sync.RWMutex
	latest []Report
	loaded bool
}

// NewValidator creates a validator
func NewValidator(config ValidatorConfig) (*Validator, error) {
	if len(config.Tables) == 0 {
		return nil, fmt.Errorf("at least one table is required")
	}
	if config.Source == nil {
		return nil, fmt.Errorf("source counter is required")
	}
	if config.Sinks == nil {
		return nil, fmt.Errorf("sink set is required")
	}
	if config.Store == nil {
		return nil, fmt.Errorf("report store is required")
	}
	if config.Metrics == nil {
		config.Metrics = telemetry.NewMetrics(telemetry.Options{})
	}
	if config.QueryTimeout <= 0 {
		config.QueryTimeout = DefaultQueryTimeout
	}

	return &Validator{
		tables:       config.Tables,
		source:       config.Source,
		sinks:        config.Sinks,
		store:        config.Store,
		archive:      config.Archive,
		metrics:      config.Metrics,
		queryTimeout: config.QueryTimeout,
		window:       config.Window,
		threshold:    config.Threshold,
		now:          time.Now,
	}, nil
}

// Trigger runs a validation. Concurrent callers share one run. The run is
// detached from the caller's cancellation; each count has its own timeout.
func (v *Validator) Trigger(ctx context.Context) ([]Report, error) {
	res, err, shared := v.group.Do("run", func() (any, error) {
		return v.Validate(context.WithoutCancel(ctx))
	})
	if shared {
		log.Debug().Msg("Joined in-flight consistency run")
	}
	if err != nil {
		return nil, err
	}
	return res.([]Report), nil
}

// Validate checks every table once and persists the reports
func (v *Validator) Validate(ctx context.Context) ([]Report, error) {
	start := v.now()
	runID := uuid.NewString()
	checkedAt := start.UTC()

	var windowStart *time.Time
	var since time.Time
	if v.window > 0 {
		since = checkedAt.Add(-v.window)
		windowStart = &since
	}

	reports := make([]Report, len(v.tables))
	var g errgroup.Group
	for i, table := range v.tables {
		g.Go(func() error {
			reports[i] = v.check(ctx, runID, table, since, windowStart, checkedAt)
			return nil
		})
	}
	_ = g.Wait()

	for _, r := range reports {
		body, err := json.Marshal(r)
		if err != nil {
			return nil, fmt.Errorf("failed to encode report: %w", err)
		}
		if err := v.store.AppendReport(journal.ReportRecord{
			RunID:     runID,
			Table:     r.Table,
			CheckedAt: checkedAt,
			Body:      body,
		}); err != nil {
			return nil, fmt.Errorf("failed to persist report for %s: %w", r.Table, err)
		}
		for sink, d := range r.Discrepancy {
			if d == nil {
				v.metrics.SetConsistency(r.Table, sink, 0, false)
			} else {
				v.metrics.SetConsistency(r.Table, sink, *d, true)
			}
		}
	}

	if v.archive != nil {
		if err := v.archive.Archive(ctx, runID, checkedAt, reports); err != nil {
			// History is already in the journal
			log.Warn().Err(err).Str("run_id", runID).Msg("Failed to archive consistency run")
		}
	}

	v.mu.Lock()
	v.latest = reports
	v.loaded = true
	v.mu.Unlock()

	signal := SignalOf(reports, v.threshold)
	v.metrics.ObserveConsistencyRun(v.now().Sub(start), signal)

	event := log.Info()
	if signal != SignalOK {
		event = log.Warn()
	}
	event.
		Str("run_id", runID).
		Str("signal", signal).
		Int("tables", len(reports)).
		Dur("duration", v.now().Sub(start)).
		Msg("Consistency validation finished")

	return reports, nil
}

type namedCounter struct {
	name    string
	counter publisher.Counter
}

func (v *Validator) check(ctx context.Context, runID string, table change.Table, since time.Time, windowStart *time.Time, checkedAt time.Time) Report {
	report := Report{
		RunID:         runID,
		Table:         string(table),
		PrimaryStatus: CountOK,
		SinkCounts:    make(map[string]SinkCount),
		Discrepancy:   make(map[string]*int64),
		WindowStart:   windowStart,
		CheckedAt:     checkedAt,
	}

	type counted struct {
		name string
		n    int64
		err  error
	}

	// Sinks that cannot count (the bus) are not compared
	var counters []namedCounter
	for _, s := range v.sinks.SinksFor(table) {
		if c, ok := s.(publisher.Counter); ok {
			counters = append(counters, namedCounter{string(s.ID()), c})
		}
	}

	results := make([]counted, len(counters)+1)
	var g errgroup.Group
	g.Go(func() error {
		n, err := v.count(ctx, v.source, table, since)
		results[0] = counted{PrimaryTarget, n, err}
		return nil
	})
	for i, c := range counters {
		g.Go(func() error {
			n, err := v.count(ctx, c.counter, table, since)
			results[i+1] = counted{c.name, n, err}
			return nil
		})
	}
	_ = g.Wait()

	primary := results[0]
	if primary.err != nil {
		report.PrimaryStatus = CountUnknown
		report.PrimaryError = (&ConsistencyCheckError{Table: string(table), Target: PrimaryTarget, Err: primary.err}).Error()
	} else {
		report.PrimarySourceCount = &primary.n
	}

	for _, res := range results[1:] {
		if res.err != nil {
			checkErr := &ConsistencyCheckError{Table: string(table), Target: res.name, Err: res.err}
			log.Warn().Err(checkErr).Msg("Consistency count unavailable")
			report.SinkCounts[res.name] = SinkCount{Status: CountUnknown, Error: checkErr.Error()}
			report.Discrepancy[res.name] = nil
			continue
		}

		n := res.n
		report.SinkCounts[res.name] = SinkCount{Count: &n, Status: CountOK}
		if report.PrimarySourceCount == nil {
			report.Discrepancy[res.name] = nil
			continue
		}
		d := *report.PrimarySourceCount - n
		report.Discrepancy[res.name] = &d
	}

	return report
}

func (v *Validator) count(ctx context.Context, c publisher.Counter, table change.Table, since time.Time) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, v.queryTimeout)
	defer cancel()
	return c.Count(ctx, table, since)
}

// Latest returns the most recent run, loading it from the store after a
// restart. It is empty before the first run.
func (v *Validator) Latest() ([]Report, error) {
	v.mu.RLock()
	if v.loaded {
		defer v.mu.RUnlock()
		return v.latest, nil
	}
	v.mu.RUnlock()

	records, err := v.store.LatestRun()
	if err != nil {
		return nil, fmt.Errorf("failed to load latest run: %w", err)
	}

	reports := make([]Report, 0, len(records))
	for _, rec := range records {
		var r Report
		if err := json.Unmarshal(rec.Body, &r); err != nil {
			return nil, fmt.Errorf("failed to decode report for %s: %w", rec.Table, err)
		}
		reports = append(reports, r)
	}
	sort.Slice(reports, func(i, j int) bool { return reports[i].Table < reports[j].Table })

	v.mu.Lock()
	if !v.loaded {
		v.latest = reports
		v.loaded = true
	}
	reports = v.latest
	v.mu.Unlock()
	return reports, nil
}

// Signal returns the consistency signal of the latest run
func (v *Validator) Signal() string {
	reports, err := v.Latest()
	if err != nil {
		return SignalUnknown
	}
	return SignalOf(reports, v.threshold)
}
