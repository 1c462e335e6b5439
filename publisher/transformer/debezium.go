// Package transformer provides implementations of the publisher.Transformer interface
// for converting change events to bus message formats.
package transformer

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/knowton/cdcsync/change"
	"github.com/knowton/cdcsync/publisher"
	"github.com/rs/zerolog/log"
)

// FormatDebezium is the registered name of the Debezium transformer
const FormatDebezium = "debezium"

func init() {
	publisher.RegisterTransformer(FormatDebezium, func() publisher.Transformer {
		return NewDebeziumTransformer("primary")
	})
}

// DebeziumTransformer transforms change events to Debezium JSON with Schema
// format, compatible with Kafka Connect style consumers.
//
// The primary store does not ship column metadata with its change log, so the
// value schema is inferred from the payload and cached per table and field
// set. Deletes carry only the primary key in "before".
type DebeziumTransformer struct {
	connectorName string
	database      string
	schemaCache   sync.Map // "table|field:type,..." -> *debeziumEnvelopeSchema
}

// NewDebeziumTransformer creates a new Debezium transformer
func NewDebeziumTransformer(database string) *DebeziumTransformer {
	return &DebeziumTransformer{
		connectorName: "cdcsync",
		database:      database,
	}
}

// debeziumEnvelopeSchema represents the cached schema structure
type debeziumEnvelopeSchema struct {
	Type   string                `json:"type"`
	Name   string                `json:"name"`
	Fields []debeziumSchemaField `json:"fields"`
}

type debeziumSchemaField struct {
	Field    string                `json:"field"`
	Type     string                `json:"type"`
	Optional bool                  `json:"optional,omitempty"`
	Name     string                `json:"name,omitempty"`
	Fields   []debeziumSchemaField `json:"fields,omitempty"`
}

type debeziumMessage struct {
	Schema  *debeziumEnvelopeSchema `json:"schema"`
	Payload debeziumPayload         `json:"payload"`
}

type debeziumPayload struct {
	Before map[string]any `json:"before"`
	After  map[string]any `json:"after"`
	Op     string         `json:"op"`
	TsMs   int64          `json:"ts_ms"`
	Source debeziumSource `json:"source"`
}

type debeziumSource struct {
	Connector string `json:"connector"`
	Db        string `json:"db"`
	Table     string `json:"table"`
	Seq       uint64 `json:"seq"`
	TsMs      int64  `json:"ts_ms"`
}

// KeyField holds the primary key in the "before" image of deletes
const KeyField = "primary_key"

// Transform converts a change event to Debezium JSON with Schema format
func (d *DebeziumTransformer) Transform(event change.Event) ([]byte, error) {
	var before, after map[string]any
	if event.IsDelete() {
		before = map[string]any{KeyField: event.PrimaryKey}
	} else {
		after = event.Payload
		if after == nil {
			after = map[string]any{}
		}
	}

	row := after
	if row == nil {
		row = before
	}
	envelopeSchema := d.getOrBuildSchema(string(event.Table), row)

	tsMs := event.SourceTimestamp.UnixMilli()
	message := debeziumMessage{
		Schema: envelopeSchema,
		Payload: debeziumPayload{
			Before: before,
			After:  after,
			Op:     d.mapOperation(event.Operation),
			TsMs:   tsMs,
			Source: debeziumSource{
				Connector: d.connectorName,
				Db:        d.database,
				Table:     string(event.Table),
				Seq:       event.Sequence,
				TsMs:      tsMs,
			},
		},
	}

	data, err := json.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal JSON: %w", err)
	}
	return data, nil
}

// Tombstone creates a tombstone marker (null value for Kafka log compaction)
func (d *DebeziumTransformer) Tombstone(key string) []byte {
	return nil
}

// mapOperation maps an operation to the Debezium op code
func (d *DebeziumTransformer) mapOperation(op change.Operation) string {
	switch op {
	case change.OpInsert:
		return "c" // create
	case change.OpUpdate:
		return "u" // update
	case change.OpDelete:
		return "d" // delete
	default:
		log.Warn().Uint8("operation", uint8(op)).Msg("unknown change operation, defaulting to update")
		return "u"
	}
}

// getOrBuildSchema retrieves or builds the envelope schema for a row shape
func (d *DebeziumTransformer) getOrBuildSchema(table string, row map[string]any) *debeziumEnvelopeSchema {
	columns := make([]debeziumSchemaField, 0, len(row))
	for name, v := range row {
		columns = append(columns, debeziumSchemaField{Field: name, Type: jsonType(v), Optional: true})
	}
	sort.Slice(columns, func(i, j int) bool { return columns[i].Field < columns[j].Field })

	var key strings.Builder
	key.WriteString(table)
	key.WriteByte('|')
	for _, c := range columns {
		key.WriteString(c.Field)
		key.WriteByte(':')
		key.WriteString(c.Type)
		key.WriteByte(',')
	}

	if cached, ok := d.schemaCache.Load(key.String()); ok {
		return cached.(*debeziumEnvelopeSchema)
	}

	envelopeSchema := d.buildEnvelopeSchema(table, columns)
	d.schemaCache.Store(key.String(), envelopeSchema)
	return envelopeSchema
}

// buildEnvelopeSchema constructs the Debezium envelope schema
func (d *DebeziumTransformer) buildEnvelopeSchema(table string, columns []debeziumSchemaField) *debeziumEnvelopeSchema {
	valueSchemaName := d.database + "." + table + ".Value"
	envelopeName := d.database + "." + table + ".Envelope"

	return &debeziumEnvelopeSchema{
		Type: "struct",
		Name: envelopeName,
		Fields: []debeziumSchemaField{
			{
				Field:    "before",
				Type:     "struct",
				Optional: true,
				Name:     valueSchemaName,
				Fields:   columns,
			},
			{
				Field:    "after",
				Type:     "struct",
				Optional: true,
				Name:     valueSchemaName,
				Fields:   columns,
			},
			{Field: "op", Type: "string"},
			{Field: "ts_ms", Type: "int64"},
			{
				Field: "source",
				Type:  "struct",
				Name:  "io.cdcsync.Source",
				Fields: []debeziumSchemaField{
					{Field: "connector", Type: "string"},
					{Field: "db", Type: "string"},
					{Field: "table", Type: "string"},
					{Field: "seq", Type: "int64"},
					{Field: "ts_ms", Type: "int64"},
				},
			},
		},
	}
}

// jsonType maps a decoded payload value to a Debezium type. Nested objects
// and arrays are described as strings since their shape is not fixed.
func jsonType(v any) string {
	switch v.(type) {
	case bool:
		return "boolean"
	case string, nil:
		return "string"
	case float32, float64, json.Number:
		return "double"
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return "int64"
	default:
		return "string"
	}
}
