package sink

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/knowton/cdcsync/change"
	"github.com/knowton/cdcsync/publisher"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingTransport struct {
	mu       sync.Mutex
	messages []Message
	calls    int
	err      error
}

func (r *recordingTransport) Publish(ctx context.Context, msgs ...Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.calls++
	r.messages = append(r.messages, msgs...)
	return nil
}

func (r *recordingTransport) Ping(ctx context.Context) error { return r.err }
func (r *recordingTransport) Close() error                   { return nil }

type stubTransformer struct {
	err error
}

func (s stubTransformer) Transform(event change.Event) ([]byte, error) {
	if s.err != nil {
		return nil, s.err
	}
	return []byte(event.Operation.String() + ":" + event.PrimaryKey), nil
}

func (s stubTransformer) Tombstone(key string) []byte { return nil }

func busEvent(op change.Operation, seq uint64) change.Event {
	return change.Event{
		Table:           change.TableContent,
		Operation:       op,
		PrimaryKey:      "c-1",
		Payload:         map[string]any{"title": "song"},
		Sequence:        seq,
		SourceTimestamp: time.Unix(1700000000, 0),
	}
}

func TestBusSinkPublishesToTableTopic(t *testing.T) {
	transport := &recordingTransport{}
	bus := NewBusSink(transport, stubTransformer{}, "cdc", true)

	require.NoError(t, bus.Apply(context.Background(), busEvent(change.OpInsert, 7)))

	require.Len(t, transport.messages, 1)
	msg := transport.messages[0]
	assert.Equal(t, "cdc.Content", msg.Topic)
	assert.Equal(t, "c-1", msg.Key)
	assert.Equal(t, []byte("insert:c-1"), msg.Value)
	assert.Equal(t, "Content:c-1:7", msg.ID)
	assert.Equal(t, publisher.SinkBus, bus.ID())
}

func TestBusSinkDeleteEmitsTombstone(t *testing.T) {
	transport := &recordingTransport{}
	bus := NewBusSink(transport, stubTransformer{}, "cdc", true)

	require.NoError(t, bus.Apply(context.Background(), busEvent(change.OpDelete, 9)))

	require.Len(t, transport.messages, 2)
	assert.NotNil(t, transport.messages[0].Value)
	assert.Nil(t, transport.messages[1].Value)
	assert.Equal(t, "c-1", transport.messages[1].Key)
	assert.Equal(t, "Content:c-1:9:t", transport.messages[1].ID)
	// Event and tombstone go out in a single write
	assert.Equal(t, 1, transport.calls)
}

func TestBusSinkDeleteWithoutTombstones(t *testing.T) {
	transport := &recordingTransport{}
	bus := NewBusSink(transport, stubTransformer{}, "", false)

	require.NoError(t, bus.Apply(context.Background(), busEvent(change.OpDelete, 9)))

	require.Len(t, transport.messages, 1)
	assert.Equal(t, "Content", transport.messages[0].Topic)
}

func TestBusSinkTransformErrorIsPermanent(t *testing.T) {
	bus := NewBusSink(&recordingTransport{}, stubTransformer{err: errors.New("bad payload")}, "cdc", true)

	err := bus.Apply(context.Background(), busEvent(change.OpInsert, 1))
	require.Error(t, err)
	assert.True(t, publisher.IsPermanent(err))
	assert.Equal(t, publisher.KindRejected, publisher.Classify(err))
}

func TestBusSinkTransportErrorIsRetryable(t *testing.T) {
	bus := NewBusSink(&recordingTransport{err: errors.New("connection refused")}, stubTransformer{}, "cdc", true)

	err := bus.Apply(context.Background(), busEvent(change.OpUpdate, 1))
	require.Error(t, err)
	assert.False(t, publisher.IsPermanent(err))
	assert.Equal(t, publisher.KindConnection, publisher.Classify(err))
}
