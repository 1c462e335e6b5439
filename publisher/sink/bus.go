package sink

import (
	"context"
	"fmt"
	"strconv"

	"github.com/knowton/cdcsync/change"
	"github.com/knowton/cdcsync/publisher"
)

// Message is one bus record
type Message struct {
	Topic string
	Key   string
	Value []byte // nil for tombstones
	ID    string // Deduplication id, "<table>:<key>:<seq>"
}

// Transport publishes messages on a concrete bus. Messages of one call are
// written in order, as a single request where the bus allows it.
type Transport interface {
	Publish(ctx context.Context, msgs ...Message) error
	Ping(ctx context.Context) error
	Close() error
}

// BusSink publishes change events as transformed messages on a topic per
// table.
type BusSink struct {
	transport   Transport
	transformer publisher.Transformer
	topicPrefix string
	tombstones  bool
}

// NewBusSink creates a bus sink. With tombstones set, deletes are followed by
// a tombstone record for log compaction.
func NewBusSink(transport Transport, transformer publisher.Transformer, topicPrefix string, tombstones bool) *BusSink {
	return &BusSink{
		transport:   transport,
		transformer: transformer,
		topicPrefix: topicPrefix,
		tombstones:  tombstones,
	}
}

// ID implements publisher.Sink
func (b *BusSink) ID() publisher.SinkID { return publisher.SinkBus }

// Topic builds the topic name for a table
func (b *BusSink) Topic(table change.Table) string {
	if b.topicPrefix == "" {
		return string(table)
	}
	return fmt.Sprintf("%s.%s", b.topicPrefix, table)
}

// Apply publishes the event and, for deletes, its tombstone
func (b *BusSink) Apply(ctx context.Context, event change.Event) error {
	data, err := b.transformer.Transform(event)
	if err != nil {
		return publisher.Permanent(fmt.Errorf("failed to transform event: %w", err))
	}

	topic := b.Topic(event.Table)
	id := string(event.Table) + ":" + event.PrimaryKey + ":" + strconv.FormatUint(event.Sequence, 10)

	msgs := []Message{{Topic: topic, Key: event.PrimaryKey, Value: data, ID: id}}
	if event.IsDelete() && b.tombstones {
		tombstone := b.transformer.Tombstone(event.PrimaryKey)
		msgs = append(msgs, Message{Topic: topic, Key: event.PrimaryKey, Value: tombstone, ID: id + ":t"})
	}
	return b.transport.Publish(ctx, msgs...)
}

// Ping checks the transport
func (b *BusSink) Ping(ctx context.Context) error {
	return b.transport.Ping(ctx)
}

// Close releases the transport
func (b *BusSink) Close() error {
	return b.transport.Close()
}
