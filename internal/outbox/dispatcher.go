// Package outbox delivers events written by the settlement store to Kafka or NATS.
package outbox

import (
	"cmp"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

// Headers attached to every delivered record.
const (
	HeaderEventType     = "event_type"
	HeaderSchemaSubject = "schema_subject"
)

// Producer delivers framed outbox events to a topic.
type Producer interface {
	WriteMessages(context.Context, string, ...kafka.Message) error
}

type schemaRegistrar interface {
	EnsureSchema(context.Context, string, string) (int, error)
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger overrides the dispatcher logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(d *Dispatcher) {
		d.logger = logger.With().Str("component", "outbox_dispatcher").Logger()
	}
}

// Dispatcher claims due outbox rows, frames them for the schema registry and hands them to a
// Producer. Rows that cannot be delivered are parked in outbox_dlq in the same transaction that
// marks the batch published, so a row is never both pending and dead-lettered.
type Dispatcher struct {
	pool         *pgxpool.Pool
	producer     Producer
	registry     schemaRegistrar
	pollInterval time.Duration
	batchSize    int
	schemaIDs    sync.Map
	logger       zerolog.Logger
	done         chan struct{}
}

// NewDispatcher constructs a Dispatcher.
func NewDispatcher(pool *pgxpool.Pool, producer Producer, registry schemaRegistrar, pollInterval time.Duration, batchSize int, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		pool:         pool,
		producer:     producer,
		registry:     registry,
		pollInterval: pollInterval,
		batchSize:    batchSize,
		logger:       zerolog.Nop(),
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Start polls the outbox until ctx is cancelled. A full batch is followed immediately by the
// next one so a backlog drains without waiting a poll interval per batch.
func (d *Dispatcher) Start(ctx context.Context) {
	ticker := time.NewTicker(d.pollInterval)
	defer func() {
		ticker.Stop()
		close(d.done)
	}()

	for {
		claimed, err := d.processBatch(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			d.logger.Error().Err(err).Msg("outbox dispatcher error")
		}
		if err == nil && claimed == d.batchSize && ctx.Err() == nil {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Wait blocks until Start has returned.
func (d *Dispatcher) Wait() {
	<-d.done
}

// processBatch delivers one batch and returns how many rows it claimed.
func (d *Dispatcher) processBatch(ctx context.Context) (int, error) {
	start := time.Now()

	messages, err := d.claim(ctx)
	if err != nil || len(messages) == 0 {
		return 0, err
	}
	defer func() { batchDuration.Observe(time.Since(start).Seconds()) }()

	failures := d.deliver(ctx, messages)
	if len(failures) > 0 {
		d.logger.Warn().
			Int("claimed", len(messages)).
			Int("dead_lettered", len(failures)).
			Msg("outbox delivery incomplete, parking failures in dlq")
	}

	if err := d.settle(ctx, messages, failures); err != nil {
		return len(messages), fmt.Errorf("settle outbox batch: %w", err)
	}

	now := time.Now()
	dead := make(map[int64]bool, len(failures))
	for _, f := range failures {
		dead[f.EventID] = true
		recordDeadLettered(f.Message)
	}
	for _, msg := range messages {
		if !dead[msg.EventID] {
			recordDelivered(msg, now)
		}
	}
	return len(messages), nil
}

// claim locks due rows and stamps claimed_at. Delayed settlement requests stay invisible until
// available_at passes.
func (d *Dispatcher) claim(ctx context.Context) ([]Message, error) {
	const query = `WITH due AS (
            SELECT event_id FROM outbox
            WHERE published_at IS NULL AND available_at <= NOW()
            ORDER BY available_at, event_id
            LIMIT $1
            FOR UPDATE SKIP LOCKED
        )
        UPDATE outbox o SET claimed_at = NOW()
        FROM due WHERE o.event_id = due.event_id
        RETURNING o.event_id, o.aggregate_type, o.aggregate_id, o.event_type, o.topic,
                  o.schema_subject, o.partition_key, o.payload, o.created_at`

	rows, err := d.pool.Query(ctx, query, d.batchSize)
	if err != nil {
		return nil, err
	}
	messages, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Message, error) {
		var msg Message
		err := row.Scan(&msg.EventID, &msg.AggregateType, &msg.AggregateID, &msg.EventType, &msg.Topic,
			&msg.SchemaSubject, &msg.PartitionKey, &msg.Payload, &msg.CreatedAt)
		return msg, err
	})
	if err != nil {
		return nil, err
	}
	// RETURNING order is unspecified
	slices.SortFunc(messages, func(a, b Message) int { return cmp.Compare(a.EventID, b.EventID) })
	return messages, nil
}

// deliver writes messages topic by topic. A message without registered schema metadata fails
// alone; a failed topic write fails every message bound for that topic and no other.
func (d *Dispatcher) deliver(ctx context.Context, messages []Message) []deadLetter {
	var failures []deadLetter
	topics := make([]string, 0)
	batches := make(map[string][]Message)
	framed := make(map[string][]kafka.Message)

	for _, msg := range messages {
		record, err := d.frame(ctx, msg)
		if err != nil {
			failures = append(failures, deadLetter{Message: msg, Reason: err.Error()})
			continue
		}
		if _, seen := batches[msg.Topic]; !seen {
			topics = append(topics, msg.Topic)
		}
		batches[msg.Topic] = append(batches[msg.Topic], msg)
		framed[msg.Topic] = append(framed[msg.Topic], record)
	}

	for _, topic := range topics {
		if err := d.producer.WriteMessages(ctx, topic, framed[topic]...); err != nil {
			d.logger.Warn().Err(err).Str("topic", topic).Int("messages", len(framed[topic])).Msg("topic write failed")
			for _, msg := range batches[topic] {
				failures = append(failures, deadLetter{Message: msg, Reason: fmt.Sprintf("%s (topic=%s)", err, topic)})
			}
		}
	}
	return failures
}

func (d *Dispatcher) frame(ctx context.Context, msg Message) (kafka.Message, error) {
	schema, ok := schemaCatalog[msg.EventType]
	if !ok {
		return kafka.Message{}, fmt.Errorf("no schema metadata for event_type=%s", msg.EventType)
	}
	schemaID, err := d.schemaID(ctx, msg.SchemaSubject, schema)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("schema %s: %w", msg.SchemaSubject, err)
	}
	return kafka.Message{
		Key:   []byte(msg.PartitionKey),
		Value: encodeWireFormat(schemaID, msg.Payload),
		Time:  time.Now().UTC(),
		Headers: []kafka.Header{
			{Key: HeaderEventType, Value: []byte(msg.EventType)},
			{Key: HeaderSchemaSubject, Value: []byte(msg.SchemaSubject)},
		},
	}, nil
}

func (d *Dispatcher) schemaID(ctx context.Context, subject, schema string) (int, error) {
	cacheKey := subject + "::" + schema
	if id, found := d.schemaIDs.Load(cacheKey); found {
		return id.(int), nil
	}
	id, err := d.registry.EnsureSchema(ctx, subject, schema)
	if err != nil {
		return 0, err
	}
	d.schemaIDs.Store(cacheKey, id)
	return id, nil
}

// settle parks failures and marks the whole batch published in one transaction.
func (d *Dispatcher) settle(ctx context.Context, messages []Message, failures []deadLetter) error {
	return pgx.BeginFunc(ctx, d.pool, func(tx pgx.Tx) error {
		if err := writeDeadLetters(ctx, tx, failures); err != nil {
			return err
		}
		ids := make([]int64, 0, len(messages))
		for _, msg := range messages {
			ids = append(ids, msg.EventID)
		}
		_, err := tx.Exec(ctx, `UPDATE outbox SET published_at = NOW() WHERE event_id = ANY($1)`, ids)
		return err
	})
}

// Message represents a claimed outbox row.
type Message struct {
	EventID       int64
	AggregateType string
	AggregateID   string
	EventType     string
	Topic         string
	SchemaSubject string
	PartitionKey  string
	Payload       json.RawMessage
	CreatedAt     time.Time
}

// encodeWireFormat applies Confluent framing: a zero magic byte, the big-endian schema ID and
// the JSON body.
func encodeWireFormat(schemaID int, payload []byte) []byte {
	frame := make([]byte, 5+len(payload))
	binary.BigEndian.PutUint32(frame[1:5], uint32(schemaID))
	copy(frame[5:], payload)
	return frame
}

// DecodeWireFormat strips Confluent framing and returns the schema ID and JSON payload.
func DecodeWireFormat(frame []byte) (int, []byte, error) {
	if len(frame) < 5 || frame[0] != 0 {
		return 0, nil, fmt.Errorf("outbox: payload is not schema registry framed (length %d)", len(frame))
	}
	return int(binary.BigEndian.Uint32(frame[1:5])), frame[5:], nil
}
