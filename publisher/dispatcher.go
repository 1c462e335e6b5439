package publisher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/knowton/cdcsync/change"
	"github.com/knowton/cdcsync/journal"
	"github.com/knowton/cdcsync/telemetry"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// DeadLetterStore is the append-only log of terminally failed deliveries
type DeadLetterStore interface {
	AppendDeadLetter(dl journal.DeadLetter) (journal.DeadLetter, error)
}

// Route binds a sink to the tables it receives
type Route struct {
	Sink   Sink
	Filter Filter
}

func (r Route) applies(table change.Table) bool {
	return r.Filter == nil || r.Filter.Match(string(table))
}

// DispatcherConfig configures a Dispatcher
type DispatcherConfig struct {
	Routes      []Route
	Retry       RetryPolicy
	DeadLetters DeadLetterStore
	Metrics     *telemetry.Metrics
	Heartbeat   Heartbeat
}

// Dispatcher fans an event out to every applicable sink. Sinks are
// independent: a failing sink never blocks or rolls back its siblings.
type Dispatcher struct {
	routes      []Route
	policy      RetryPolicy
	deadLetters DeadLetterStore
	metrics     *telemetry.Metrics
	heartbeat   Heartbeat
}

// NewDispatcher creates a dispatcher
func NewDispatcher(config DispatcherConfig) (*Dispatcher, error) {
	if len(config.Routes) == 0 {
		return nil, fmt.Errorf("at least one sink route is required")
	}
	seen := make(map[SinkID]bool, len(config.Routes))
	for _, r := range config.Routes {
		if r.Sink == nil {
			return nil, fmt.Errorf("route has no sink")
		}
		if seen[r.Sink.ID()] {
			return nil, fmt.Errorf("duplicate sink %s", r.Sink.ID())
		}
		seen[r.Sink.ID()] = true
	}
	if config.DeadLetters == nil {
		return nil, fmt.Errorf("dead-letter store is required")
	}
	if config.Metrics == nil {
		config.Metrics = telemetry.NewMetrics(telemetry.Options{})
	}
	if config.Heartbeat == nil {
		config.Heartbeat = noopHeartbeat{}
	}

	return &Dispatcher{
		routes:      config.Routes,
		policy:      config.Retry.withDefaults(),
		deadLetters: config.DeadLetters,
		metrics:     config.Metrics,
		heartbeat:   config.Heartbeat,
	}, nil
}

// Sinks returns the configured sinks in route order
func (d *Dispatcher) Sinks() []Sink {
	sinks := make([]Sink, len(d.routes))
	for i, r := range d.routes {
		sinks[i] = r.Sink
	}
	return sinks
}

// SinksFor returns the sinks that receive events of the table
func (d *Dispatcher) SinksFor(table change.Table) []Sink {
	var sinks []Sink
	for _, r := range d.routes {
		if r.applies(table) {
			sinks = append(sinks, r.Sink)
		}
	}
	return sinks
}

// Sink looks up a configured sink by id
func (d *Dispatcher) Sink(id SinkID) (Sink, bool) {
	for _, r := range d.routes {
		if r.Sink.ID() == id {
			return r.Sink, true
		}
	}
	return nil, false
}

// Dispatch delivers the event to every applicable sink concurrently and
// returns once each sink has reached a terminal state. Failed pairs are
// dead-lettered before Dispatch returns. A cancelled ctx aborts retries and
// dead-letters the remaining pairs with kind "shutdown".
func (d *Dispatcher) Dispatch(ctx context.Context, event change.Event) []SinkResult {
	start := time.Now()
	sinks := d.SinksFor(event.Table)
	table := string(event.Table)
	op := event.Operation.String()

	if len(sinks) == 0 {
		d.metrics.RecordEvent(table, op, telemetry.StatusSkipped, time.Since(start))
		return nil
	}

	results := make([]SinkResult, len(sinks))
	var g errgroup.Group
	for i, s := range sinks {
		g.Go(func() error {
			results[i] = d.deliver(ctx, s, event)
			return nil
		})
	}
	_ = g.Wait()

	failed := 0
	for _, res := range results {
		d.metrics.RecordSinkResult(table, string(res.Sink), res.OK(), res.ErrorKind)
		if res.OK() {
			continue
		}
		failed++
		d.deadLetter(event, res)
	}

	status := telemetry.StatusSuccess
	switch {
	case failed == len(results):
		status = telemetry.StatusFailure
	case failed > 0:
		status = telemetry.StatusPartial
	}
	d.metrics.RecordEvent(table, op, status, time.Since(start))

	return results
}

// Redeliver retries one (event, sink) pair without dead-lettering it again.
// It is used for replay; the original failure was already counted.
func (d *Dispatcher) Redeliver(ctx context.Context, id SinkID, event change.Event) (SinkResult, error) {
	s, ok := d.Sink(id)
	if !ok {
		return SinkResult{Sink: id}, fmt.Errorf("sink %s is not configured", id)
	}
	return d.deliver(ctx, s, event), nil
}

// deliver applies the event to one sink with retries. Each attempt gets its
// own timeout; a timed-out attempt backs off like any other failure.
func (d *Dispatcher) deliver(ctx context.Context, s Sink, event change.Event) SinkResult {
	start := time.Now()
	res := SinkResult{Sink: s.ID()}

	terminal := func(kind string, err error) SinkResult {
		res.Status = StatusFailure
		res.ErrorKind = kind
		res.Err = &TerminalSinkError{Sink: s.ID(), Attempts: res.Attempts, Kind: kind, Err: err}
		res.Latency = time.Since(start)
		return res
	}

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return terminal(KindShutdown, err)
		}

		res.Attempts = attempt
		attemptCtx, cancel := context.WithTimeout(ctx, d.policy.AttemptTimeout)
		err := s.Apply(attemptCtx, event)
		cancel()

		d.heartbeat.Beat(string(event.Table))
		d.metrics.RecordAttempt(string(s.ID()), err == nil)

		if err == nil {
			res.Status = StatusSuccess
			res.Latency = time.Since(start)
			return res
		}

		kind := Classify(err)
		if ctx.Err() != nil {
			return terminal(KindShutdown, err)
		}
		if kind == KindRejected || attempt >= d.policy.MaxAttempts {
			return terminal(kind, err)
		}

		delay := d.policy.Backoff(attempt)
		log.Warn().
			Err(&TransientSinkError{Sink: s.ID(), Attempt: attempt, Kind: kind, Err: err}).
			Str("sink", string(s.ID())).
			Str("table", string(event.Table)).
			Uint64("seq", event.Sequence).
			Int("attempt", attempt).
			Dur("retry_delay", delay).
			Msg("Sink write failed, retrying")

		if !SleepContext(ctx, delay) {
			return terminal(KindShutdown, err)
		}
	}
}

func (d *Dispatcher) deadLetter(event change.Event, res SinkResult) {
	msg := ""
	if res.Err != nil {
		msg = res.Err.Error()
	}

	dl, err := d.deadLetters.AppendDeadLetter(journal.DeadLetter{
		Event:     event,
		Sink:      string(res.Sink),
		ErrorKind: res.ErrorKind,
		Error:     msg,
		Attempts:  res.Attempts,
	})
	if err != nil {
		log.Error().
			Err(errors.Join(err, res.Err)).
			Str("sink", string(res.Sink)).
			Str("table", string(event.Table)).
			Uint64("seq", event.Sequence).
			Msg("Failed to write dead letter, event lost for this sink")
		return
	}

	d.metrics.RecordDeadLetter(string(event.Table), string(res.Sink))
	log.Error().
		Err(res.Err).
		Str("sink", string(res.Sink)).
		Str("table", string(event.Table)).
		Uint64("seq", event.Sequence).
		Str("error_kind", res.ErrorKind).
		Uint64("dead_letter", dl.Seq).
		Msg("Event dead-lettered")
}
