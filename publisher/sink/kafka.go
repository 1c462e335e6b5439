package sink

import (
	"context"
	"fmt"
	"time"

	"github.com/knowton/cdcsync/cfg"
	"github.com/knowton/cdcsync/publisher"
	"github.com/segmentio/kafka-go"
)

const (
	DefaultKafkaBatchSize  = 100
	DefaultKafkaBatchBytes = 1 << 20 // 1MB
	// Writes are synchronous and carry one event each, so a partial batch
	// is flushed after this instead of kafka-go's one second default.
	DefaultKafkaBatchTimeout = 5 * time.Millisecond
)

func init() {
	publisher.RegisterSink(publisher.FactoryKafka, func(c *cfg.Configuration) (publisher.Sink, error) {
		trans, err := publisher.NewTransformer(c.Bus.Format)
		if err != nil {
			return nil, err
		}
		kafkaConfig := DefaultKafkaConfig(c.Bus.Brokers)
		kafkaConfig.RequiredAcks = kafka.RequiredAcks(c.Bus.RequiredAcks)

		transport, err := NewKafkaTransport(kafkaConfig)
		if err != nil {
			return nil, err
		}
		return NewBusSink(transport, trans, c.Bus.TopicPrefix, true), nil
	})
}

// KafkaTransport publishes bus messages to Kafka
type KafkaTransport struct {
	writer  *kafka.Writer
	brokers []string
}

// KafkaConfig holds configuration for KafkaTransport
type KafkaConfig struct {
	Brokers          []string           // Kafka broker addresses
	BatchSize        int                // Batch size (default: 100)
	BatchBytes       int64              // Max batch bytes (default: 1MB)
	BatchTimeout     time.Duration      // Flush delay for partial batches (default: 5ms)
	RequiredAcks     kafka.RequiredAcks // Ack requirement (default: RequireAll)
	AutoCreateTopics bool               // Auto-create topics if they don't exist (default: true)
}

// DefaultKafkaConfig returns a KafkaConfig with sensible defaults
func DefaultKafkaConfig(brokers []string) KafkaConfig {
	return KafkaConfig{
		Brokers:          brokers,
		BatchSize:        DefaultKafkaBatchSize,
		BatchBytes:       DefaultKafkaBatchBytes,
		BatchTimeout:     DefaultKafkaBatchTimeout,
		RequiredAcks:     kafka.RequireAll,
		AutoCreateTopics: true,
	}
}

// NewKafkaTransport creates a Kafka transport with the given configuration
func NewKafkaTransport(config KafkaConfig) (*KafkaTransport, error) {
	if len(config.Brokers) == 0 {
		return nil, fmt.Errorf("kafka sink requires at least one broker address")
	}

	if config.BatchSize == 0 {
		config.BatchSize = DefaultKafkaBatchSize
	}
	if config.BatchBytes == 0 {
		config.BatchBytes = DefaultKafkaBatchBytes
	}
	if config.BatchTimeout <= 0 {
		config.BatchTimeout = DefaultKafkaBatchTimeout
	}

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(config.Brokers...),
		Balancer:               &kafka.Hash{}, // Partition by key so a row's changes stay ordered
		BatchSize:              config.BatchSize,
		BatchBytes:             config.BatchBytes,
		BatchTimeout:           config.BatchTimeout,
		RequiredAcks:           config.RequiredAcks,
		Async:                  false, // Sync writes: an ack is the terminal state
		AllowAutoTopicCreation: config.AutoCreateTopics,
	}

	return &KafkaTransport{writer: writer, brokers: config.Brokers}, nil
}

// Publish writes the messages in one request. The dispatcher supplies the
// per-attempt deadline through ctx.
func (k *KafkaTransport) Publish(ctx context.Context, msgs ...Message) error {
	return k.writer.WriteMessages(ctx, kafkaMessages(msgs)...)
}

func kafkaMessages(msgs []Message) []kafka.Message {
	out := make([]kafka.Message, 0, len(msgs))
	for _, msg := range msgs {
		m := kafka.Message{
			Topic: msg.Topic,
			Key:   []byte(msg.Key),
			Value: msg.Value, // nil value = tombstone (DELETE marker)
		}
		if msg.ID != "" {
			m.Headers = []kafka.Header{{Key: "cdc-id", Value: []byte(msg.ID)}}
		}
		out = append(out, m)
	}
	return out
}

// Ping dials the brokers until one answers
func (k *KafkaTransport) Ping(ctx context.Context) error {
	var lastErr error
	for _, broker := range k.brokers {
		conn, err := kafka.DialContext(ctx, "tcp", broker)
		if err != nil {
			lastErr = err
			continue
		}
		conn.Close()
		return nil
	}
	return fmt.Errorf("no kafka broker reachable: %w", lastErr)
}

// Close releases resources held by the transport
func (k *KafkaTransport) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
