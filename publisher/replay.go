package publisher

import (
	"context"
	"fmt"

	"github.com/knowton/cdcsync/journal"
	"github.com/rs/zerolog/log"
)

// DeadLetterLog lists and removes dead letters
type DeadLetterLog interface {
	DeadLetters(filter journal.DeadLetterFilter) ([]journal.DeadLetter, error)
	DeleteDeadLetter(seq uint64) error
}

// Replay outcomes
const (
	ReplayApplied = "applied"
	ReplayFailed  = "failed"
	ReplaySkipped = "skipped"
)

// ReplayResult is the outcome for one dead letter
type ReplayResult struct {
	Seq      uint64 `json:"seq"`
	ID       string `json:"id"`
	Table    string `json:"table"`
	Sink     string `json:"sink"`
	Status   string `json:"status"`
	Attempts int    `json:"attempts,omitempty"`
	Error    string `json:"error,omitempty"`
}

// ReplaySummary aggregates a replay run
type ReplaySummary struct {
	Applied int            `json:"applied"`
	Failed  int            `json:"failed"`
	Skipped int            `json:"skipped"`
	Results []ReplayResult `json:"results"`
}

// Replayer re-applies dead-lettered pairs through the normal retry path.
// Sinks version rows by sequence, so replaying an old event never overrides
// a newer one and repeated replays converge.
type Replayer struct {
	dispatcher *Dispatcher
	store      DeadLetterLog
}

// NewReplayer creates a replayer
func NewReplayer(dispatcher *Dispatcher, store DeadLetterLog) *Replayer {
	return &Replayer{dispatcher: dispatcher, store: store}
}

// Replay re-applies matching dead letters in log order and removes each one
// that succeeds. Records for sinks that are no longer configured are skipped
// and kept.
func (r *Replayer) Replay(ctx context.Context, filter journal.DeadLetterFilter) (ReplaySummary, error) {
	var summary ReplaySummary

	letters, err := r.store.DeadLetters(filter)
	if err != nil {
		return summary, fmt.Errorf("failed to list dead letters: %w", err)
	}

	for _, dl := range letters {
		if err := ctx.Err(); err != nil {
			return summary, err
		}

		result := ReplayResult{
			Seq:   dl.Seq,
			ID:    dl.ID,
			Table: string(dl.Event.Table),
			Sink:  dl.Sink,
		}

		res, err := r.dispatcher.Redeliver(ctx, SinkID(dl.Sink), dl.Event)
		switch {
		case err != nil:
			result.Status = ReplaySkipped
			result.Error = err.Error()
			summary.Skipped++
		case res.OK():
			result.Status = ReplayApplied
			result.Attempts = res.Attempts
			summary.Applied++
			if err := r.store.DeleteDeadLetter(dl.Seq); err != nil {
				log.Warn().Err(err).Uint64("dead_letter", dl.Seq).Msg("Replayed dead letter could not be removed")
			}
		default:
			result.Status = ReplayFailed
			result.Attempts = res.Attempts
			if res.Err != nil {
				result.Error = res.Err.Error()
			}
			summary.Failed++
		}

		summary.Results = append(summary.Results, result)
	}

	log.Info().
		Int("applied", summary.Applied).
		Int("failed", summary.Failed).
		Int("skipped", summary.Skipped).
		Msg("Dead-letter replay finished")

	return summary, nil
}
