package change

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Rejection reasons reported with NormalizationError.
const (
	ReasonUnknownTable     = "unknown_table"
	ReasonUnknownOperation = "unknown_operation"
	ReasonMissingKey       = "missing_key"
	ReasonBadPayload       = "bad_payload"
	ReasonMissingSequence  = "missing_sequence"
	ReasonMissingTimestamp = "missing_timestamp"
)

// NormalizationError is returned for notifications that can never become a
// valid Event. They are dropped rather than retried.
type NormalizationError struct {
	Sequence int64
	Reason   string
	Detail   string
}

func (e *NormalizationError) Error() string {
	return fmt.Sprintf("normalize seq %d: %s: %s", e.Sequence, e.Reason, e.Detail)
}

// RejectionRecorder receives a callback for every rejected notification.
type RejectionRecorder interface {
	NormalizationRejected(reason string)
}

// Normalizer converts raw change-log rows into Events for a fixed set of tables.
type Normalizer struct {
	tables   map[string]Table
	recorder RejectionRecorder
}

// NewNormalizer creates a normalizer for the given tracked tables. Table
// matching is case-insensitive and canonicalizes to the configured spelling.
func NewNormalizer(tables []Table, recorder RejectionRecorder) *Normalizer {
	lookup := make(map[string]Table, len(tables))
	for _, t := range tables {
		lookup[strings.ToLower(string(t))] = t
	}
	return &Normalizer{tables: lookup, recorder: recorder}
}

// Tracked reports whether the table name belongs to a tracked table.
func (n *Normalizer) Tracked(name string) (Table, bool) {
	t, ok := n.tables[strings.ToLower(strings.TrimSpace(name))]
	return t, ok
}

// Normalize validates raw and builds the canonical Event.
func (n *Normalizer) Normalize(raw RawNotification) (Event, error) {
	ev, err := n.normalize(raw)
	if err != nil && n.recorder != nil {
		if nerr, ok := err.(*NormalizationError); ok {
			n.recorder.NormalizationRejected(nerr.Reason)
		}
	}
	return ev, err
}

func (n *Normalizer) normalize(raw RawNotification) (Event, error) {
	reject := func(reason, format string, args ...any) (Event, error) {
		return Event{}, &NormalizationError{
			Sequence: raw.Sequence,
			Reason:   reason,
			Detail:   fmt.Sprintf(format, args...),
		}
	}

	if raw.Sequence <= 0 {
		return reject(ReasonMissingSequence, "sequence %d is not positive", raw.Sequence)
	}

	table, ok := n.Tracked(raw.Table)
	if !ok {
		return reject(ReasonUnknownTable, "table %q is not tracked", raw.Table)
	}

	op, ok := ParseOperation(raw.Operation)
	if !ok {
		return reject(ReasonUnknownOperation, "operation %q", raw.Operation)
	}

	key := strings.TrimSpace(raw.PrimaryKey)
	if key == "" {
		return reject(ReasonMissingKey, "empty primary key for %s", table)
	}

	if raw.CommittedAt.IsZero() {
		return reject(ReasonMissingTimestamp, "no commit timestamp for %s/%s", table, key)
	}

	var payload map[string]any
	if op != OpDelete {
		trimmed := bytes.TrimSpace(raw.Payload)
		if len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null")) {
			if trimmed[0] != '{' {
				return reject(ReasonBadPayload, "payload is not a JSON object")
			}
			if err := json.Unmarshal(trimmed, &payload); err != nil {
				return reject(ReasonBadPayload, "%v", err)
			}
		}
	}

	return Event{
		Table:           table,
		Operation:       op,
		PrimaryKey:      key,
		Payload:         payload,
		Sequence:        uint64(raw.Sequence),
		SourceTimestamp: raw.CommittedAt.UTC(),
	}, nil
}
