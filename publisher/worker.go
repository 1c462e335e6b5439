package publisher

import (
	"context"
	"time"

	"github.com/knowton/cdcsync/change"
	"github.com/knowton/cdcsync/telemetry"
	"github.com/rs/zerolog/log"
)

// Default interval between idle heartbeats of a table worker
const DefaultIdleTick = time.Second

// CheckpointStore persists the last terminal sequence per table
type CheckpointStore interface {
	SaveCheckpoint(table string, seq uint64) error
	Checkpoint(table string) (uint64, error)
}

// TableWorker owns one table's stream. It dispatches one event at a time and
// does not take the next until every sink reached a terminal state for the
// current one, which keeps per (table, sink) delivery in sequence order.
type TableWorker struct {
	table       change.Table
	queue       chan change.Event
	dispatcher  *Dispatcher
	checkpoints CheckpointStore
	metrics     *telemetry.Metrics
	heartbeat   Heartbeat
	idleTick    time.Duration

	// Owned by the worker goroutine after start
	checkpoint uint64
	done       chan struct{}
}

func newTableWorker(table change.Table, capacity int, checkpoint uint64, e *Engine) *TableWorker {
	return &TableWorker{
		table:       table,
		queue:       make(chan change.Event, capacity),
		dispatcher:  e.dispatcher,
		checkpoints: e.checkpoints,
		metrics:     e.metrics,
		heartbeat:   e.heartbeat,
		idleTick:    e.idleTick,
		checkpoint:  checkpoint,
		done:        make(chan struct{}),
	}
}

// run consumes the queue until it is closed. Cancelling ctx does not stop the
// loop: remaining events are still taken so they can be dead-lettered.
func (w *TableWorker) run(ctx context.Context) {
	defer close(w.done)

	ticker := time.NewTicker(w.idleTick)
	defer ticker.Stop()

	log.Info().
		Str("table", string(w.table)).
		Uint64("checkpoint", w.checkpoint).
		Msg("Starting table worker")

	for {
		select {
		case event, ok := <-w.queue:
			if !ok {
				log.Info().Str("table", string(w.table)).Uint64("checkpoint", w.checkpoint).Msg("Table worker stopped")
				return
			}
			w.process(ctx, event)
		case <-ticker.C:
			w.heartbeat.Beat(string(w.table))
		}
	}
}

// process dispatches one event and advances the checkpoint once it is
// terminal on every sink. Dead-lettered pairs count as terminal.
func (w *TableWorker) process(ctx context.Context, event change.Event) {
	defer w.metrics.Lag.Done(string(w.table))
	w.heartbeat.Beat(string(w.table))

	if event.Sequence <= w.checkpoint {
		log.Debug().
			Str("table", string(w.table)).
			Uint64("seq", event.Sequence).
			Uint64("checkpoint", w.checkpoint).
			Msg("Skipping event at or below checkpoint")
		return
	}

	w.dispatcher.Dispatch(ctx, event)

	w.checkpoint = event.Sequence
	if err := w.checkpoints.SaveCheckpoint(string(w.table), event.Sequence); err != nil {
		// Event may be redelivered on restart (at-least-once)
		log.Warn().
			Err(err).
			Str("table", string(w.table)).
			Uint64("seq", event.Sequence).
			Msg("Failed to save checkpoint")
	}
}
