package journal

import (
	"fmt"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/knowton/cdcsync/encoding"
	"github.com/rs/zerolog/log"
)

// ReportRecord is one persisted consistency report. Body holds the report as
// JSON so the history stays readable without this package's types.
type ReportRecord struct {
	RunID     string    `json:"run_id"`
	Table     string    `json:"table"`
	CheckedAt time.Time `json:"checked_at"`
	Body      []byte    `json:"body"`
}

// AppendReport stores a report. Records are never updated.
func (j *Journal) AppendReport(rec ReportRecord) error {
	if j.closed.Load() {
		return fmt.Errorf("journal is closed")
	}
	if rec.RunID == "" || rec.Table == "" {
		return fmt.Errorf("report requires run id and table")
	}

	val, err := encoding.Marshal(&rec)
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}

	key := formatReportKey(rec.CheckedAt, rec.Table)
	if err := j.db.Set([]byte(key), val, pebble.Sync); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}
	return nil
}

// Reports returns up to limit records, newest first
func (j *Journal) Reports(limit int) ([]ReportRecord, error) {
	out := make([]ReportRecord, 0)
	err := j.scanReportsReverse(func(rec ReportRecord) bool {
		out = append(out, rec)
		return limit <= 0 || len(out) < limit
	})
	return out, err
}

// LatestRun returns every record of the most recent validation run
func (j *Journal) LatestRun() ([]ReportRecord, error) {
	var runID string
	out := make([]ReportRecord, 0)
	err := j.scanReportsReverse(func(rec ReportRecord) bool {
		if runID == "" {
			runID = rec.RunID
		}
		if rec.RunID != runID {
			return false
		}
		out = append(out, rec)
		return true
	})
	// Reverse scan yields the run's tables backwards.
	for i, k := 0, len(out)-1; i < k; i, k = i+1, k-1 {
		out[i], out[k] = out[k], out[i]
	}
	return out, err
}

func (j *Journal) scanReportsReverse(fn func(ReportRecord) bool) error {
	if j.closed.Load() {
		return fmt.Errorf("journal is closed")
	}

	prefix := []byte(prefixConsistency)
	iter, err := j.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.Last(); iter.Valid(); iter.Prev() {
		val, err := iter.ValueAndErr()
		if err != nil {
			return err
		}

		var rec ReportRecord
		if err := encoding.Unmarshal(val, &rec); err != nil {
			log.Warn().Err(err).Str("key", string(iter.Key())).Msg("Failed to unmarshal report")
			continue
		}
		if !fn(rec) {
			break
		}
	}
	return iter.Error()
}

func formatReportKey(at time.Time, table string) string {
	return fmt.Sprintf("%s%020d/%s", prefixConsistency, at.UnixNano(), table)
}
