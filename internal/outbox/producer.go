package outbox

import (
	"context"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/segmentio/kafka-go"
)

// KafkaProducer writes every topic through one kafka.Writer. Records are hashed to partitions by
// key so all events for one activity land on the same partition in order.
type KafkaProducer struct {
	writer *kafka.Writer
}

// NewKafkaProducer creates a KafkaProducer for brokers.
func NewKafkaProducer(brokers []string) *KafkaProducer {
	return &KafkaProducer{writer: &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		Compression:  kafka.Snappy,
		BatchTimeout: 10 * time.Millisecond,
	}}
}

// WriteMessages writes msgs to topic and blocks until the brokers acknowledge them.
func (p *KafkaProducer) WriteMessages(ctx context.Context, topic string, msgs ...kafka.Message) error {
	routed := make([]kafka.Message, len(msgs))
	for i, m := range msgs {
		m.Topic = topic
		routed[i] = m
	}
	return p.writer.WriteMessages(ctx, routed...)
}

// Close flushes and closes the writer.
func (p *KafkaProducer) Close() error {
	return p.writer.Close()
}

type natsPublisher interface {
	PublishMsg(msg *nats.Msg) error
	FlushWithContext(ctx context.Context) error
}

// NATSProducer publishes outbox events to NATS subjects named after their topic.
type NATSProducer struct {
	conn   natsPublisher
	prefix string
}

// NewNATSProducer wraps an established connection. Subjects are prefix + "." + topic when prefix is set.
func NewNATSProducer(conn natsPublisher, prefix string) *NATSProducer {
	return &NATSProducer{conn: conn, prefix: prefix}
}

// WriteMessages publishes msgs and flushes so delivery errors surface before the outbox row is marked.
func (p *NATSProducer) WriteMessages(ctx context.Context, topic string, msgs ...kafka.Message) error {
	subject := topic
	if p.prefix != "" {
		subject = p.prefix + "." + topic
	}
	for _, m := range msgs {
		out := nats.NewMsg(subject)
		out.Header.Set(PartitionKeyHeader, string(m.Key))
		for _, h := range m.Headers {
			out.Header.Set(h.Key, string(h.Value))
		}
		out.Data = m.Value
		if err := p.conn.PublishMsg(out); err != nil {
			return err
		}
	}
	return p.conn.FlushWithContext(ctx)
}

// PartitionKeyHeader carries the Kafka message key on NATS messages.
const PartitionKeyHeader = "Partition-Key"
