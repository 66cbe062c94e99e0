package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"example.com/settlement/internal/events"
	"example.com/settlement/internal/settlement"
)

// SettlementRequester schedules settlement runs through the outbox so any consumer instance can pick them up.
type SettlementRequester struct {
	pool    *pgxpool.Pool
	logger  zerolog.Logger
	timeout time.Duration
	now     func() time.Time
}

var _ settlement.Trigger = (*SettlementRequester)(nil)

// NewSettlementRequester constructs a SettlementRequester.
func NewSettlementRequester(pool *pgxpool.Pool, logger zerolog.Logger) *SettlementRequester {
	return &SettlementRequester{
		pool:    pool,
		logger:  logger.With().Str("component", "settlement_requester").Logger(),
		timeout: 5 * time.Second,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Trigger queues a settlement request that becomes visible to the dispatcher after the given delay.
func (r *SettlementRequester) Trigger(activityID string, after time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	if err := r.Request(ctx, activityID, after); err != nil {
		r.logger.Error().Err(err).Str("activity_id", activityID).Dur("after", after).Msg("queue settlement request")
	}
}

// Request is Trigger with an explicit context and error.
func (r *SettlementRequester) Request(ctx context.Context, activityID string, after time.Duration) error {
	now := r.now()
	availableAt := time.Time{}
	if after > 0 {
		availableAt = now.Add(after)
	}
	return insertOutbox(ctx, r.pool, EventSettlementRequested, activityID, "", events.SettlementRequested{
		ActivityID:  activityID,
		RequestedAt: now,
	}, availableAt)
}
