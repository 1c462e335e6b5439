package sink

import (
	"context"
	"fmt"
	"time"

	"github.com/knowton/cdcsync/cfg"
	"github.com/knowton/cdcsync/publisher"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/puzpuzpuz/xsync/v3"
)

func init() {
	publisher.RegisterSink(publisher.FactoryNATS, func(c *cfg.Configuration) (publisher.Sink, error) {
		if c.Bus.NatsURL == "" {
			return nil, fmt.Errorf("nats sink requires nats_url")
		}
		trans, err := publisher.NewTransformer(c.Bus.Format)
		if err != nil {
			return nil, err
		}
		transport, err := NewNatsTransport(c.Bus.NatsURL, time.Duration(c.Bus.StreamMaxAgeHours)*time.Hour)
		if err != nil {
			return nil, err
		}
		return NewBusSink(transport, trans, c.Bus.TopicPrefix, false), nil
	})
}

// NatsTransport publishes bus messages to NATS JetStream
type NatsTransport struct {
	nc      *nats.Conn
	js      jetstream.JetStream
	maxAge  time.Duration
	streams *xsync.MapOf[string, struct{}] // subjects with an ensured stream
}

// NewNatsTransport creates a new NATS JetStream transport
func NewNatsTransport(url string, maxAge time.Duration) (*NatsTransport, error) {
	nc, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	if maxAge <= 0 {
		maxAge = 24 * time.Hour
	}

	return &NatsTransport{
		nc:      nc,
		js:      js,
		maxAge:  maxAge,
		streams: xsync.NewMapOf[string, struct{}](),
	}, nil
}

// Publish sends messages to NATS JetStream in order. The key travels as a
// header and the message id enables JetStream deduplication of retried
// attempts.
func (n *NatsTransport) Publish(ctx context.Context, msgs ...Message) error {
	for _, msg := range msgs {
		if err := n.ensureStream(ctx, msg.Topic); err != nil {
			return err
		}

		m := &nats.Msg{
			Subject: msg.Topic,
			Data:    msg.Value,
			Header:  nats.Header{"key": []string{msg.Key}},
		}
		if msg.ID != "" {
			m.Header.Set(nats.MsgIdHdr, msg.ID)
		}

		if _, err := n.js.PublishMsg(ctx, m); err != nil {
			return fmt.Errorf("failed to publish to %s: %w", msg.Topic, err)
		}
	}
	return nil
}

func (n *NatsTransport) ensureStream(ctx context.Context, subject string) error {
	if _, ok := n.streams.Load(subject); ok {
		return nil
	}

	streamName := sanitizeStreamName(subject)
	_, err := n.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      streamName,
		Subjects:  []string{subject},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    n.maxAge,
	})
	if err != nil {
		return fmt.Errorf("failed to ensure stream %s: %w", streamName, err)
	}

	n.streams.Store(subject, struct{}{})
	return nil
}

// Ping round-trips to the server
func (n *NatsTransport) Ping(ctx context.Context) error {
	if !n.nc.IsConnected() {
		return fmt.Errorf("nats connection is %s", n.nc.Status())
	}
	return n.nc.FlushWithContext(ctx)
}

// Close releases resources held by the transport
func (n *NatsTransport) Close() error {
	if n.nc != nil {
		n.nc.Close()
	}
	return nil
}

// sanitizeStreamName converts a subject to a valid JetStream stream name
// JetStream stream names can't contain "." so we replace with "_"
func sanitizeStreamName(subject string) string {
	result := make([]byte, len(subject))
	for i := 0; i < len(subject); i++ {
		c := subject[i]
		if c == '.' || c == '*' || c == '>' || c == ' ' {
			result[i] = '_'
		} else {
			result[i] = c
		}
	}
	return string(result)
}
