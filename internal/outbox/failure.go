package outbox

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// maxReasonLength bounds the failure text stored per dead letter.
const maxReasonLength = 1024

// deadLetter is an outbox row that could not be delivered, with the reason it failed.
type deadLetter struct {
	Message
	Reason string
}

// writeDeadLetters inserts failures into outbox_dlq inside tx. Entries are due for replay
// immediately; the DLQ manager applies backoff from the first retry onward.
func writeDeadLetters(ctx context.Context, tx pgx.Tx, letters []deadLetter) error {
	if len(letters) == 0 {
		return nil
	}

	const stmt = `INSERT INTO outbox_dlq (event_id, event_type, topic, payload, reason, aggregate_type, aggregate_id, schema_subject, partition_key, next_retry_at)
         VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9, NOW())`

	batch := &pgx.Batch{}
	for _, l := range letters {
		batch.Queue(stmt, l.EventID, l.EventType, l.Topic, l.Payload, truncateReason(l.Reason),
			l.AggregateType, l.AggregateID, l.SchemaSubject, l.PartitionKey)
	}

	results := tx.SendBatch(ctx, batch)
	for _, l := range letters {
		if _, err := results.Exec(); err != nil {
			results.Close()
			return fmt.Errorf("dead-letter event %d: %w", l.EventID, err)
		}
	}
	return results.Close()
}

func truncateReason(reason string) string {
	if len(reason) <= maxReasonLength {
		return reason
	}
	return reason[:maxReasonLength]
}
