package encoding

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type record struct {
	ID      string         `json:"id"`
	Seq     uint64         `msgpack:"seq" json:"sequence"`
	Payload map[string]any `json:"payload"`
	At      time.Time      `json:"at"`
}

func TestMarshal_RoundTripStruct(t *testing.T) {
	in := record{
		ID:  "dl-1",
		Seq: 77,
		Payload: map[string]any{
			"title":  "hello",
			"nested": map[string]any{"views": 3.0},
		},
		At: time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC),
	}

	data, err := Marshal(&in)
	require.NoError(t, err)

	var out record
	require.NoError(t, Unmarshal(data, &out))

	assert.Equal(t, in.ID, out.ID)
	assert.Equal(t, in.Seq, out.Seq)
	assert.True(t, in.At.Equal(out.At))
	assert.Equal(t, "hello", out.Payload["title"])

	nested, ok := out.Payload["nested"].(map[string]interface{})
	require.True(t, ok, "nested maps decode as map[string]interface{}")
	assert.Equal(t, 3.0, nested["views"])
}

func TestUnmarshal_StringNotBytes(t *testing.T) {
	data, err := Marshal("primary-key")
	require.NoError(t, err)

	var out interface{}
	require.NoError(t, Unmarshal(data, &out))
	_, isString := out.(string)
	assert.True(t, isString)
}

func TestMarshal_Concurrent(t *testing.T) {
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			data, err := Marshal(map[string]any{"n": n})
			if err != nil {
				t.Errorf("marshal: %v", err)
				return
			}
			var out map[string]any
			if err := Unmarshal(data, &out); err != nil {
				t.Errorf("unmarshal: %v", err)
			}
		}(i)
	}
	wg.Wait()
}
