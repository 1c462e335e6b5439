package journal

import (
	"fmt"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/google/uuid"
	"github.com/knowton/cdcsync/change"
	"github.com/knowton/cdcsync/encoding"
	"github.com/rs/zerolog/log"
)

const defaultListLimit = 256

// DeadLetter is one terminally failed (event, sink) pair. It carries the full
// event so it can be replayed without the source.
type DeadLetter struct {
	Seq       uint64       `json:"seq"`
	ID        string       `json:"id"`
	Event     change.Event `json:"event"`
	Sink      string       `json:"sink"`
	ErrorKind string       `json:"error_kind"`
	Error     string       `json:"error"`
	Attempts  int          `json:"attempts"`
	FailedAt  time.Time    `json:"failed_at"`
}

// DeadLetterFilter narrows List results. Zero values match everything.
type DeadLetterFilter struct {
	Table string
	Sink  string
	After uint64 // Only records with Seq > After
	Limit int
}

func (f DeadLetterFilter) match(dl *DeadLetter) bool {
	if f.Table != "" && string(dl.Event.Table) != f.Table {
		return false
	}
	if f.Sink != "" && dl.Sink != f.Sink {
		return false
	}
	return true
}

// AppendDeadLetter stores dl and returns it with Seq, ID and FailedAt filled in
func (j *Journal) AppendDeadLetter(dl DeadLetter) (DeadLetter, error) {
	if j.closed.Load() {
		return dl, fmt.Errorf("journal is closed")
	}

	j.appendMu.Lock()
	defer j.appendMu.Unlock()

	dl.Seq = j.deadLetterSeq.Add(1)
	if dl.ID == "" {
		dl.ID = uuid.NewString()
	}
	if dl.FailedAt.IsZero() {
		dl.FailedAt = time.Now().UTC()
	}

	val, err := encoding.Marshal(&dl)
	if err != nil {
		return dl, fmt.Errorf("failed to marshal dead letter: %w", err)
	}

	batch := j.db.NewBatch()
	defer batch.Close()
	if err := batch.Set([]byte(formatDeadLetterKey(dl.Seq)), val, nil); err != nil {
		return dl, fmt.Errorf("failed to stage dead letter: %w", err)
	}
	if err := batch.Set([]byte(keyDeadLetterSeq), encodeUint64(dl.Seq), nil); err != nil {
		return dl, fmt.Errorf("failed to stage dead-letter sequence: %w", err)
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return dl, fmt.Errorf("failed to write dead letter: %w", err)
	}

	return dl, nil
}

// DeadLetters lists stored dead letters in append order
func (j *Journal) DeadLetters(filter DeadLetterFilter) ([]DeadLetter, error) {
	if j.closed.Load() {
		return nil, fmt.Errorf("journal is closed")
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}

	prefix := []byte(prefixDeadLetter)
	start := []byte(formatDeadLetterKey(filter.After + 1))
	iter, err := j.db.NewIter(&pebble.IterOptions{
		LowerBound: start,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	out := make([]DeadLetter, 0)
	for iter.First(); iter.Valid() && len(out) < limit; iter.Next() {
		val, err := iter.ValueAndErr()
		if err != nil {
			return nil, err
		}

		var dl DeadLetter
		if err := encoding.Unmarshal(val, &dl); err != nil {
			log.Warn().Err(err).Str("key", string(iter.Key())).Msg("Failed to unmarshal dead letter")
			continue
		}
		if filter.match(&dl) {
			out = append(out, dl)
		}
	}

	if err := iter.Error(); err != nil {
		return nil, err
	}
	return out, nil
}

// DeleteDeadLetter removes a record after it has been replayed successfully
func (j *Journal) DeleteDeadLetter(seq uint64) error {
	if j.closed.Load() {
		return fmt.Errorf("journal is closed")
	}
	if err := j.db.Delete([]byte(formatDeadLetterKey(seq)), pebble.Sync); err != nil {
		return fmt.Errorf("failed to delete dead letter %d: %w", seq, err)
	}
	return nil
}

// CountDeadLetters returns stored dead letters grouped by table and sink
func (j *Journal) CountDeadLetters() (map[string]map[string]int, error) {
	counts := make(map[string]map[string]int)
	var after uint64
	for {
		batch, err := j.DeadLetters(DeadLetterFilter{After: after, Limit: 1024})
		if err != nil {
			return nil, err
		}
		if len(batch) == 0 {
			return counts, nil
		}
		for _, dl := range batch {
			table := string(dl.Event.Table)
			if counts[table] == nil {
				counts[table] = make(map[string]int)
			}
			counts[table][dl.Sink]++
		}
		after = batch[len(batch)-1].Seq
	}
}

func formatDeadLetterKey(seq uint64) string {
	return fmt.Sprintf("%s%016x", prefixDeadLetter, seq)
}
