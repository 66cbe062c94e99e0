package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Outbox event types.
const (
	EventActivityAudited     = "activity.audited"
	EventSettlementRequested = "activity.settlement_requested"
	aggregateActivity        = "activity"
)

// EventMetadata describes how to route an outbox event.
type EventMetadata struct {
	Topic          string
	SchemaSubject  string
	PartitionKeyFn func(aggregateID string) string
}

var eventCatalog = map[string]EventMetadata{
	EventActivityAudited: {
		Topic:         "activity_audit",
		SchemaSubject: "activity_audit-value",
		PartitionKeyFn: func(id string) string {
			return id
		},
	},
	EventSettlementRequested: {
		Topic:         "activity_settlement",
		SchemaSubject: "activity_settlement-value",
		PartitionKeyFn: func(id string) string {
			return id
		},
	},
}

// Metadata returns the routing of eventType.
func Metadata(eventType string) (EventMetadata, bool) {
	meta, ok := eventCatalog[eventType]
	return meta, ok
}

// execer is satisfied by pgx.Tx and *pgxpool.Pool.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// insertOutbox queues an event. An empty dedupeKey allows duplicates; a zero availableAt publishes immediately.
func insertOutbox(ctx context.Context, db execer, eventType, aggregateID, dedupeKey string, payload interface{}, availableAt time.Time) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	meta, ok := eventCatalog[eventType]
	if !ok {
		return fmt.Errorf("unknown event type: %s", eventType)
	}

	const stmt = `INSERT INTO outbox (aggregate_type, aggregate_id, event_type, topic, schema_subject, partition_key, payload, dedupe_key, available_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,COALESCE($9::timestamptz, NOW()))
        ON CONFLICT (dedupe_key) DO NOTHING`

	var available interface{}
	if !availableAt.IsZero() {
		available = availableAt
	}

	_, err = db.Exec(ctx, stmt,
		aggregateActivity,
		aggregateID,
		eventType,
		meta.Topic,
		meta.SchemaSubject,
		meta.PartitionKeyFn(aggregateID),
		body,
		nullIfEmpty(dedupeKey),
		available,
	)
	return err
}

var _ execer = (pgx.Tx)(nil)
