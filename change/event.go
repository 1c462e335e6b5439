// Package change holds the canonical change event model shared by the
// source reader, the dispatcher and every sink writer.
package change

import (
	"fmt"
	"strings"
	"time"
)

// Table names a tracked logical table.
type Table string

// Logical tables emitted by the primary store's change triggers.
const (
	TableUser        Table = "User"
	TableContent     Table = "Content"
	TableNFT         Table = "NFT"
	TableTransaction Table = "Transaction"
	TableRoyalty     Table = "Royalty"
)

func (t Table) String() string { return string(t) }

// Operation types for change events
type Operation uint8

const (
	OpInsert Operation = iota
	OpUpdate
	OpDelete
)

func (o Operation) String() string {
	switch o {
	case OpInsert:
		return "insert"
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	default:
		return fmt.Sprintf("op(%d)", uint8(o))
	}
}

// MarshalText renders the operation as its lower-case name.
func (o Operation) MarshalText() ([]byte, error) {
	switch o {
	case OpInsert, OpUpdate, OpDelete:
		return []byte(o.String()), nil
	}
	return nil, fmt.Errorf("unknown operation %d", uint8(o))
}

// UnmarshalText accepts anything ParseOperation accepts.
func (o *Operation) UnmarshalText(text []byte) error {
	op, ok := ParseOperation(string(text))
	if !ok {
		return fmt.Errorf("unknown operation %q", string(text))
	}
	*o = op
	return nil
}

// ParseOperation maps trigger output (INSERT/UPDATE/DELETE) and Debezium-style
// short codes (c/u/d) to an Operation.
func ParseOperation(s string) (Operation, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "insert", "c", "create":
		return OpInsert, true
	case "update", "u":
		return OpUpdate, true
	case "delete", "d":
		return OpDelete, true
	}
	return 0, false
}

// Event is a normalized row-level change. It is never mutated after the
// normalizer creates it.
type Event struct {
	Table           Table          `msgpack:"tbl" json:"table"`
	Operation       Operation      `msgpack:"op" json:"operation"`
	PrimaryKey      string         `msgpack:"key" json:"primary_key"`
	Payload         map[string]any `msgpack:"payload" json:"payload,omitempty"`
	Sequence        uint64         `msgpack:"seq" json:"source_sequence"`
	SourceTimestamp time.Time      `msgpack:"ts" json:"source_timestamp"`
}

// IsDelete reports whether the event removes its row.
func (e Event) IsDelete() bool { return e.Operation == OpDelete }

// RawNotification is one row of the primary store's change log as written by
// its triggers, before any validation.
type RawNotification struct {
	Sequence    int64
	Table       string
	Operation   string
	PrimaryKey  string
	Payload     []byte // JSON object, may be nil
	CommittedAt time.Time
}
