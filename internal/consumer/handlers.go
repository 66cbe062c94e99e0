package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"example.com/settlement/internal/audit"
	"example.com/settlement/internal/domain"
	"example.com/settlement/internal/events"
)

// Event types the handlers understand.
const (
	EventSettlementRequested = "activity.settlement_requested"
	EventActivityAudited     = "activity.audited"
)

// Settler advances one activity through the settlement state machine.
type Settler interface {
	Settle(ctx context.Context, activityID string) error
}

// Requeuer queues a fresh settlement request for an activity.
type Requeuer interface {
	Request(ctx context.Context, activityID string, after time.Duration) error
}

const defaultRequeueDelay = 30 * time.Second

// SettlementHandler runs the settlement pipeline for each settlement request.
type SettlementHandler struct {
	settler      Settler
	requeuer     Requeuer
	requeueDelay time.Duration
	logger       zerolog.Logger
}

// HandlerOption configures a SettlementHandler.
type HandlerOption func(*SettlementHandler)

// WithRequeue hands failed settlements back to the queue after delay instead of failing the message.
func WithRequeue(r Requeuer, delay time.Duration) HandlerOption {
	return func(h *SettlementHandler) {
		h.requeuer = r
		if delay > 0 {
			h.requeueDelay = delay
		}
	}
}

// NewSettlementHandler constructs a SettlementHandler.
func NewSettlementHandler(settler Settler, logger zerolog.Logger, opts ...HandlerOption) *SettlementHandler {
	h := &SettlementHandler{
		settler:      settler,
		requeueDelay: defaultRequeueDelay,
		logger:       logger.With().Str("component", "settlement_handler").Logger(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Handle settles the requested activity. Requests for an activity another worker already holds, or
// for an activity that no longer exists, are acknowledged. Other failures are requeued when a
// Requeuer is configured; the message only fails if the requeue does too.
func (h *SettlementHandler) Handle(ctx context.Context, msg Message) error {
	if msg.EventType != EventSettlementRequested {
		return nil
	}

	var req events.SettlementRequested
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		return backoff.Permanent(fmt.Errorf("decode settlement request: %w", err))
	}
	if req.ActivityID == "" {
		return backoff.Permanent(errors.New("settlement request without activity_id"))
	}

	err := h.settler.Settle(ctx, req.ActivityID)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, domain.ErrSettlementInProgress):
		h.logger.Debug().Str("activity_id", req.ActivityID).Msg("settlement already in progress elsewhere")
		return nil
	case errors.Is(err, domain.ErrActivityNotFound):
		h.logger.Warn().Str("activity_id", req.ActivityID).Msg("settlement requested for unknown activity")
		return nil
	case h.requeuer == nil || ctx.Err() != nil:
		return err
	default:
		if rerr := h.requeuer.Request(ctx, req.ActivityID, h.requeueDelay); rerr != nil {
			return errors.Join(err, fmt.Errorf("requeue settlement: %w", rerr))
		}
		h.logger.Warn().Err(err).Str("activity_id", req.ActivityID).Dur("after", h.requeueDelay).Msg("settlement failed, requeued")
		return nil
	}
}

// AuditFeedHandler replays committed audit entries from the audit topic into sinks, so live
// subscribers see activity progress made by other processes.
type AuditFeedHandler struct {
	sink audit.Sink
}

// NewAuditFeedHandler constructs an AuditFeedHandler.
func NewAuditFeedHandler(sink audit.Sink) *AuditFeedHandler {
	return &AuditFeedHandler{sink: sink}
}

// Handle forwards one activity.audited event.
func (h *AuditFeedHandler) Handle(ctx context.Context, msg Message) error {
	if msg.EventType != EventActivityAudited {
		return nil
	}

	var evt events.ActivityAudited
	if err := json.Unmarshal(msg.Payload, &evt); err != nil {
		return backoff.Permanent(fmt.Errorf("decode audit event: %w", err))
	}

	h.sink.Observe(ctx, audit.Entry{
		Sequence:   evt.Sequence,
		ActivityID: evt.ActivityID,
		UserID:     evt.UserID,
		FromState:  domain.ActivityState(evt.FromState),
		ToState:    domain.ActivityState(evt.ToState),
		Kind:       audit.Kind(evt.Kind),
		Detail:     evt.Detail,
		Timestamp:  evt.OccurredAt,
	})
	return nil
}
