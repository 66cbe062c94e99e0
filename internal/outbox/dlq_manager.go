package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

const maxRetryDelay = time.Hour

// DLQManager replays dead-lettered outbox events and quarantines the ones that keep failing.
type DLQManager struct {
	pool       *pgxpool.Pool
	maxRetries int
	baseDelay  time.Duration
	logger     zerolog.Logger
}

// NewDLQManager constructs a DLQManager. Non-positive settings fall back to five retries and a
// one minute base delay.
func NewDLQManager(pool *pgxpool.Pool, maxRetries int, baseDelay time.Duration, logger zerolog.Logger) *DLQManager {
	if maxRetries <= 0 {
		maxRetries = 5
	}
	if baseDelay <= 0 {
		baseDelay = time.Minute
	}
	return &DLQManager{
		pool:       pool,
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		logger:     logger.With().Str("component", "dlq_manager").Logger(),
	}
}

// RunOnce locks up to batchSize due entries and resolves each one: requeued into the outbox,
// rescheduled, or quarantined. It returns how many entries were resolved.
func (m *DLQManager) RunOnce(ctx context.Context, batchSize int) (int, error) {
	var resolved []dlqResolution

	err := pgx.BeginFunc(ctx, m.pool, func(tx pgx.Tx) error {
		entries, err := lockDueEntries(ctx, tx, batchSize)
		if err != nil {
			return err
		}
		for _, entry := range entries {
			outcome, err := m.resolve(ctx, tx, entry)
			if err != nil {
				return fmt.Errorf("dlq entry %d: %w", entry.ID, err)
			}
			resolved = append(resolved, dlqResolution{entry: entry, outcome: outcome})
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	for _, r := range resolved {
		recordDLQOutcome(r.entry, r.outcome)
	}
	if err := refreshBacklog(ctx, m.pool); err != nil {
		m.logger.Warn().Err(err).Msg("dlq backlog refresh failed")
	}
	return len(resolved), nil
}

func (m *DLQManager) resolve(ctx context.Context, tx pgx.Tx, entry dlqEntry) (string, error) {
	log := m.logger.With().
		Int64("dlq_id", entry.ID).
		Str("event_type", entry.EventType).
		Int("retry_count", entry.RetryCount).
		Logger()

	if entry.RetryCount >= m.maxRetries {
		if _, err := tx.Exec(ctx,
			`UPDATE outbox_dlq SET quarantined_at = NOW(), quarantine_reason = $1 WHERE dlq_id = $2`,
			"retry limit reached", entry.ID,
		); err != nil {
			return "", err
		}
		log.Warn().Str("reason", entry.Reason).Msg("dlq entry quarantined")
		return dlqQuarantined, nil
	}

	requeueErr := pgx.BeginFunc(ctx, tx, func(sp pgx.Tx) error {
		if err := requeueOutbox(ctx, sp, entry); err != nil {
			return err
		}
		_, err := sp.Exec(ctx, `DELETE FROM outbox_dlq WHERE dlq_id = $1`, entry.ID)
		return err
	})
	if requeueErr == nil {
		log.Debug().Msg("dlq entry requeued")
		return dlqRequeued, nil
	}
	if errors.Is(requeueErr, context.Canceled) {
		return "", requeueErr
	}

	delay := m.retryDelay(entry.RetryCount + 1)
	if _, err := tx.Exec(ctx,
		`UPDATE outbox_dlq
            SET retry_count = retry_count + 1,
                last_attempt_at = NOW(),
                next_retry_at = NOW() + $1::interval,
                reason = $2
          WHERE dlq_id = $3`,
		delay, truncateReason(requeueErr.Error()), entry.ID,
	); err != nil {
		return "", err
	}
	log.Info().Err(requeueErr).Dur("delay", delay).Msg("dlq replay rescheduled")
	return dlqRescheduled, nil
}

// retryDelay doubles baseDelay per attempt, capped at maxRetryDelay.
func (m *DLQManager) retryDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 32 {
		return maxRetryDelay
	}
	delay := m.baseDelay << uint(attempt-1)
	if delay <= 0 || delay > maxRetryDelay {
		return maxRetryDelay
	}
	return delay
}

func lockDueEntries(ctx context.Context, tx pgx.Tx, limit int) ([]dlqEntry, error) {
	const query = `SELECT dlq_id, event_id, event_type, topic, payload, reason, aggregate_type, aggregate_id, schema_subject, partition_key, retry_count
                     FROM outbox_dlq
                    WHERE quarantined_at IS NULL AND (next_retry_at IS NULL OR next_retry_at <= NOW())
                    ORDER BY created_at
                    LIMIT $1
                    FOR UPDATE SKIP LOCKED`

	rows, err := tx.Query(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (dlqEntry, error) {
		var e dlqEntry
		err := row.Scan(&e.ID, &e.EventID, &e.EventType, &e.Topic, &e.Payload, &e.Reason,
			&e.AggregateType, &e.AggregateID, &e.SchemaSubject, &e.PartitionKey, &e.RetryCount)
		return e, err
	})
}

// requeueOutbox reinserts the event into the outbox for the dispatcher to pick up.
func requeueOutbox(ctx context.Context, tx pgx.Tx, entry dlqEntry) error {
	if entry.SchemaSubject == "" {
		return fmt.Errorf("missing schema_subject for dlq entry %d", entry.ID)
	}
	if _, known := schemaCatalog[entry.EventType]; !known {
		return fmt.Errorf("no schema metadata for event_type=%s", entry.EventType)
	}

	_, err := tx.Exec(ctx,
		`INSERT INTO outbox (aggregate_type, aggregate_id, event_type, topic, schema_subject, partition_key, payload)
         VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		entry.AggregateType, entry.AggregateID, entry.EventType, entry.Topic,
		entry.SchemaSubject, entry.PartitionKey, entry.Payload,
	)
	return err
}

type dlqEntry struct {
	ID            int64
	EventID       int64
	EventType     string
	Topic         string
	Payload       []byte
	Reason        string
	AggregateType string
	AggregateID   string
	SchemaSubject string
	PartitionKey  string
	RetryCount    int
}

type dlqResolution struct {
	entry   dlqEntry
	outcome string
}
