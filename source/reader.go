package source

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/knowton/cdcsync/change"
	"github.com/knowton/cdcsync/notify"
	"github.com/knowton/cdcsync/publisher"
	"github.com/knowton/cdcsync/telemetry"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultPollInterval = 500 * time.Millisecond
	DefaultBatchSize    = 500
	// How long a hole in the sequence is waited on before it is accepted.
	// Sequences are assigned at insert but rows become visible at commit,
	// so a lower sequence can appear after a higher one.
	DefaultGapGrace = 2 * time.Second
)

var errSubmitterStopped = errors.New("submitter stopped")

// Submitter accepts normalized events, blocking while the table queue is full
type Submitter interface {
	Submit(ctx context.Context, event change.Event) error
}

// ReaderConfig configures a Reader
type ReaderConfig struct {
	ChangeLog    ChangeLog
	Normalizer   *change.Normalizer
	Submitter    Submitter
	Tables       []change.Table
	Resume       map[change.Table]uint64 // Per-table checkpoint to resume after
	Wake         <-chan notify.Signal    // Optional early wake-ups
	PollInterval time.Duration
	BatchSize    int
	GapGrace     time.Duration
	Backoff      publisher.RetryPolicy // Delay between failed reads, no attempt limit
	Metrics      *telemetry.Metrics
}

// tableStream is one table's position in the change log
type tableStream struct {
	table    change.Table
	cursor   atomic.Uint64
	advanced chan struct{}
}

// Reader pulls the change log and submits each table's rows in sequence
// order. A horizon loop scans sequence numbers across all tables and
// advances past every row known to be visible. Each table then reads up to
// the horizon on its own, so a table whose queue is full blocks only itself.
// On read failures the source is marked unreachable and the read is retried
// from the same cursor.
type Reader struct {
	changeLog  ChangeLog
	normalizer *change.Normalizer
	submitter  Submitter
	wake       <-chan notify.Signal
	poll       time.Duration
	batchSize  int
	gapGrace   time.Duration
	backoff    publisher.RetryPolicy
	metrics    *telemetry.Metrics
	now        func() time.Time

	streams []*tableStream
	byTable map[change.Table]*tableStream

	horizon   atomic.Uint64
	reachable atomic.Bool
	failing   atomic.Int32
	rejected  atomic.Uint64

	mu      sync.Mutex
	lastErr error
}

// NewReader creates a reader. Each table resumes after its own checkpoint;
// the horizon starts at the highest one, since every row below an accepted
// sequence was visible when it was accepted.
func NewReader(config ReaderConfig) (*Reader, error) {
	if config.ChangeLog == nil {
		return nil, fmt.Errorf("change log is required")
	}
	if config.Normalizer == nil {
		return nil, fmt.Errorf("normalizer is required")
	}
	if config.Submitter == nil {
		return nil, fmt.Errorf("submitter is required")
	}
	if len(config.Tables) == 0 {
		return nil, fmt.Errorf("at least one table is required")
	}
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultPollInterval
	}
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultBatchSize
	}
	if config.GapGrace <= 0 {
		config.GapGrace = DefaultGapGrace
	}
	if config.Metrics == nil {
		config.Metrics = telemetry.NewMetrics(telemetry.Options{})
	}
	if config.Backoff.MaxAttempts == 0 {
		config.Backoff = publisher.DefaultRetryPolicy()
	}

	r := &Reader{
		changeLog:  config.ChangeLog,
		normalizer: config.Normalizer,
		submitter:  config.Submitter,
		wake:       config.Wake,
		poll:       config.PollInterval,
		batchSize:  config.BatchSize,
		gapGrace:   config.GapGrace,
		backoff:    config.Backoff,
		metrics:    config.Metrics,
		now:        time.Now,
		byTable:    make(map[change.Table]*tableStream, len(config.Tables)),
	}

	var horizon uint64
	for _, table := range config.Tables {
		if _, dup := r.byTable[table]; dup {
			return nil, fmt.Errorf("duplicate table %s", table)
		}
		s := &tableStream{table: table, advanced: make(chan struct{}, 1)}
		s.cursor.Store(config.Resume[table])
		horizon = max(horizon, config.Resume[table])
		r.streams = append(r.streams, s)
		r.byTable[table] = s
	}
	r.horizon.Store(horizon)

	r.reachable.Store(true)
	r.metrics.SetSourceUp(true)
	return r, nil
}

// Cursor returns the sequence the table has been read through, zero for an
// unknown table
func (r *Reader) Cursor(table change.Table) uint64 {
	if s, ok := r.byTable[table]; ok {
		return s.cursor.Load()
	}
	return 0
}

// Horizon returns the sequence below which every row is visible or its gap
// was accepted
func (r *Reader) Horizon() uint64 {
	return r.horizon.Load()
}

// Reachable reports whether the last read of the change source succeeded
func (r *Reader) Reachable() bool {
	return r.reachable.Load()
}

// LastError returns the most recent read error, nil once reads recover
func (r *Reader) LastError() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastErr
}

// Rejected returns how many rows the normalizer refused
func (r *Reader) Rejected() uint64 {
	return r.rejected.Load()
}

// Run reads until ctx is cancelled or the submitter stops accepting events.
// It returns nil on a clean stop.
func (r *Reader) Run(ctx context.Context) error {
	log.Info().
		Uint64("horizon", r.Horizon()).
		Int("tables", len(r.streams)).
		Msg("Starting change source reader")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.scanHorizon(gctx) })
	for _, s := range r.streams {
		g.Go(func() error { return r.readTable(gctx, s) })
	}

	err := g.Wait()
	if errors.Is(err, errSubmitterStopped) {
		log.Info().Uint64("horizon", r.Horizon()).Msg("Change source reader stopped")
		return nil
	}
	return err
}

// scanHorizon advances the horizon over contiguous sequences and wakes the
// table loops when it moves
func (r *Reader) scanHorizon(ctx context.Context) error {
	failures := 0
	for {
		if ctx.Err() != nil {
			return nil
		}

		marks, err := r.changeLog.Marks(ctx, r.Horizon(), r.batchSize)
		if err != nil {
			if !r.readFailed(ctx, &failures, err, "horizon") {
				return nil
			}
			continue
		}
		r.readRecovered(&failures, "horizon")

		consumed, blocked := r.advance(marks)
		if consumed > 0 {
			for _, s := range r.streams {
				select {
				case s.advanced <- struct{}{}:
				default:
				}
			}
		}

		// A full batch means more rows are waiting
		if consumed == r.batchSize && !blocked {
			continue
		}
		if !wait(ctx, r.poll, r.wake) {
			return nil
		}
	}
}

// advance moves the horizon through marks in order. It stops at a sequence
// gap younger than the grace period, reporting blocked.
func (r *Reader) advance(marks []Mark) (int, bool) {
	for i, m := range marks {
		horizon := r.Horizon()
		if horizon > 0 && m.Sequence > horizon+1 {
			if age := r.now().Sub(m.CommittedAt); !m.CommittedAt.IsZero() && age < r.gapGrace {
				log.Debug().
					Uint64("horizon", horizon).
					Uint64("next", m.Sequence).
					Msg("Waiting on sequence gap")
				return i, true
			}
			r.metrics.RecordSourceGap()
			log.Warn().
				Uint64("from", horizon+1).
				Uint64("to", m.Sequence-1).
				Msg("Sequence gap not filled within grace period, continuing")
		}
		if m.Sequence > horizon {
			r.horizon.Store(m.Sequence)
		}
	}
	return len(marks), false
}

// readTable submits one table's rows up to the horizon in sequence order
func (r *Reader) readTable(ctx context.Context, s *tableStream) error {
	failures := 0
	name := string(s.table)
	for {
		if ctx.Err() != nil {
			return nil
		}

		upTo := r.Horizon()
		if s.cursor.Load() >= upTo {
			if !wait(ctx, r.poll, s.advanced) {
				return nil
			}
			continue
		}

		batch, err := r.changeLog.Fetch(ctx, name, s.cursor.Load(), upTo, r.batchSize)
		if err != nil {
			if !r.readFailed(ctx, &failures, err, name) {
				return nil
			}
			continue
		}
		r.readRecovered(&failures, name)

		if err := r.process(ctx, s, batch); err != nil {
			if errors.Is(err, publisher.ErrEngineStopped) {
				return errSubmitterStopped
			}
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		// Everything of this table up to the horizon has been read
		if len(batch) < r.batchSize && s.cursor.Load() < upTo {
			s.cursor.Store(upTo)
		}
	}
}

// process submits the batch in order
func (r *Reader) process(ctx context.Context, s *tableStream, batch []change.RawNotification) error {
	for _, raw := range batch {
		seq := uint64(max(raw.Sequence, 0))

		event, err := r.normalizer.Normalize(raw)
		if err != nil {
			r.rejected.Add(1)
			log.Warn().
				Err(err).
				Int64("seq", raw.Sequence).
				Str("table", raw.Table).
				Msg("Dropping change notification")
			if seq > s.cursor.Load() {
				s.cursor.Store(seq)
			}
			continue
		}

		if err := r.submitter.Submit(ctx, event); err != nil {
			return err
		}
		s.cursor.Store(event.Sequence)
	}
	return nil
}

// wait sleeps for the poll interval or until wake fires. It returns false
// once ctx is done.
func wait[T any](ctx context.Context, poll time.Duration, wake <-chan T) bool {
	timer := time.NewTimer(poll)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
	case <-wake:
	}
	return true
}

// readFailed records a failed read and sleeps for the backoff. It returns
// false once ctx is done.
func (r *Reader) readFailed(ctx context.Context, failures *int, err error, loop string) bool {
	if ctx.Err() != nil {
		return false
	}
	*failures++
	if *failures == 1 {
		r.failing.Add(1)
	}
	r.markUnreachable(err)

	delay := r.backoff.Backoff(*failures)
	log.Warn().
		Err(err).
		Str("loop", loop).
		Int("failures", *failures).
		Dur("retry_delay", delay).
		Msg("Change source read failed")
	return publisher.SleepContext(ctx, delay)
}

// readRecovered clears a loop's failure streak; the source is reachable
// again once no loop is failing
func (r *Reader) readRecovered(failures *int, loop string) {
	if *failures > 0 {
		log.Info().Str("loop", loop).Int("failures", *failures).Msg("Change source recovered")
		*failures = 0
		r.failing.Add(-1)
	}
	if r.failing.Load() == 0 {
		r.markReachable()
	}
}

func (r *Reader) markUnreachable(err error) {
	r.mu.Lock()
	r.lastErr = err
	r.mu.Unlock()

	var unavailable *SourceUnavailableError
	kind := publisher.Classify(err)
	if errors.As(err, &unavailable) && kind == publisher.KindTransient {
		kind = publisher.KindConnection
	}
	r.metrics.RecordSourceError(kind)

	if r.reachable.CompareAndSwap(true, false) {
		r.metrics.SetSourceUp(false)
		log.Error().Err(err).Msg("Change source unreachable")
	}
}

func (r *Reader) markReachable() {
	if r.reachable.CompareAndSwap(false, true) {
		r.mu.Lock()
		r.lastErr = nil
		r.mu.Unlock()
		r.metrics.SetSourceUp(true)
	}
}
