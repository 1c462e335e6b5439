package transformer

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/knowton/cdcsync/change"
	"github.com/knowton/cdcsync/publisher"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var _ publisher.Transformer = (*DebeziumTransformer)(nil)

func decode(t *testing.T, data []byte) map[string]interface{} {
	t.Helper()
	var result map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &result))
	return result
}

func TestDebeziumTransformer_Transform_Insert(t *testing.T) {
	transformer := NewDebeziumTransformer("knowton")

	event := change.Event{
		Table:           change.TableContent,
		Operation:       change.OpInsert,
		PrimaryKey:      "c-1",
		Payload:         map[string]any{"id": "c-1", "title": "Song", "views": 30.0, "published": true},
		Sequence:        100,
		SourceTimestamp: time.UnixMilli(1702345678901).UTC(),
	}

	data, err := transformer.Transform(event)
	require.NoError(t, err)
	result := decode(t, data)

	// Verify schema
	schemaMap := result["schema"].(map[string]interface{})
	assert.Equal(t, "struct", schemaMap["type"])
	assert.Equal(t, "knowton.Content.Envelope", schemaMap["name"])

	fields := schemaMap["fields"].([]interface{})
	assert.Len(t, fields, 5) // before, after, op, ts_ms, source

	afterSchema := fields[1].(map[string]interface{})
	columns := afterSchema["fields"].([]interface{})
	require.Len(t, columns, 4)
	assert.Equal(t, "id", columns[0].(map[string]interface{})["field"])
	assert.Equal(t, "boolean", columns[1].(map[string]interface{})["type"])
	assert.Equal(t, "string", columns[2].(map[string]interface{})["type"])
	assert.Equal(t, "double", columns[3].(map[string]interface{})["type"])

	// Verify payload
	payload := result["payload"].(map[string]interface{})
	assert.Nil(t, payload["before"])
	assert.Equal(t, "c", payload["op"])
	assert.Equal(t, float64(1702345678901), payload["ts_ms"])

	after := payload["after"].(map[string]interface{})
	assert.Equal(t, "Song", after["title"])
	assert.Equal(t, float64(30), after["views"])

	source := payload["source"].(map[string]interface{})
	assert.Equal(t, "cdcsync", source["connector"])
	assert.Equal(t, "knowton", source["db"])
	assert.Equal(t, "Content", source["table"])
	assert.Equal(t, float64(100), source["seq"])
}

func TestDebeziumTransformer_Transform_Update(t *testing.T) {
	transformer := NewDebeziumTransformer("knowton")

	data, err := transformer.Transform(change.Event{
		Table:           change.TableUser,
		Operation:       change.OpUpdate,
		PrimaryKey:      "u-7",
		Payload:         map[string]any{"name": "Alice Updated"},
		Sequence:        101,
		SourceTimestamp: time.Now(),
	})
	require.NoError(t, err)

	payload := decode(t, data)["payload"].(map[string]interface{})
	assert.Equal(t, "u", payload["op"])
	assert.Nil(t, payload["before"])
	assert.Equal(t, "Alice Updated", payload["after"].(map[string]interface{})["name"])
}

func TestDebeziumTransformer_Transform_Delete(t *testing.T) {
	transformer := NewDebeziumTransformer("knowton")

	data, err := transformer.Transform(change.Event{
		Table:           change.TableNFT,
		Operation:       change.OpDelete,
		PrimaryKey:      "nft-9",
		Sequence:        102,
		SourceTimestamp: time.Now(),
	})
	require.NoError(t, err)

	payload := decode(t, data)["payload"].(map[string]interface{})
	assert.Nil(t, payload["after"])
	assert.Equal(t, "d", payload["op"])
	assert.Equal(t, "nft-9", payload["before"].(map[string]interface{})[KeyField])
}

func TestDebeziumTransformer_SchemaCachedPerShape(t *testing.T) {
	transformer := NewDebeziumTransformer("knowton")

	ev := change.Event{Table: change.TableContent, Operation: change.OpInsert, PrimaryKey: "a", Payload: map[string]any{"title": "x"}, Sequence: 1}
	_, err := transformer.Transform(ev)
	require.NoError(t, err)
	_, err = transformer.Transform(ev)
	require.NoError(t, err)

	ev.Payload = map[string]any{"title": "x", "price": 1.5}
	_, err = transformer.Transform(ev)
	require.NoError(t, err)

	count := 0
	transformer.schemaCache.Range(func(_, _ any) bool {
		count++
		return true
	})
	assert.Equal(t, 2, count)
}

func TestDebeziumTransformer_Tombstone(t *testing.T) {
	assert.Nil(t, NewDebeziumTransformer("knowton").Tombstone("k"))
}

func TestDebeziumTransformer_Registered(t *testing.T) {
	tr, err := publisher.NewTransformer(FormatDebezium)
	require.NoError(t, err)
	assert.IsType(t, &DebeziumTransformer{}, tr)
}
