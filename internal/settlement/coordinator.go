// Package settlement owns the activity lifecycle from ingestion to a confirmed reward.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"example.com/settlement/internal/audit"
	"example.com/settlement/internal/codec"
	"example.com/settlement/internal/domain"
	"example.com/settlement/internal/fraud"
	"example.com/settlement/internal/ledger"
	"example.com/settlement/internal/lock"
	"example.com/settlement/internal/observability"
)

// Decoder opens an encrypted activity payload.
type Decoder interface {
	Decode(ciphertext, nonce []byte, key codec.Key) (domain.Measurements, error)
}

// Validator is the anti-fraud gate.
type Validator interface {
	Validate(m domain.Measurements) fraud.Result
}

// Ledger submits rewards and waits for their confirmation.
type Ledger interface {
	Submit(ctx context.Context, req ledger.SubmitRequest) (ledger.Handle, error)
	AwaitConfirmation(ctx context.Context, h ledger.Handle, timeout time.Duration) (ledger.Outcome, error)
}

// Trigger schedules an asynchronous Settle for an activity.
type Trigger interface {
	Trigger(activityID string, after time.Duration)
}

// Config tunes settlement timing.
type Config struct {
	// ConfirmationTimeout bounds one AwaitConfirmation call.
	ConfirmationTimeout time.Duration
	// RecheckDelay is the wait before re-checking a submission whose confirmation timed out.
	RecheckDelay time.Duration
	// MaxRechecks is how many timed-out confirmations are tolerated before the activity fails.
	MaxRechecks int
	// ClaimTTL must exceed the longest settle run (submit retries plus ConfirmationTimeout).
	ClaimTTL time.Duration
}

// DefaultConfig returns the local development settings.
func DefaultConfig() Config {
	return Config{
		ConfirmationTimeout: 2 * time.Minute,
		RecheckDelay:        30 * time.Second,
		MaxRechecks:         5,
		ClaimTTL:            10 * time.Minute,
	}
}

// Dependencies groups the collaborators of a Coordinator.
type Dependencies struct {
	Store     Store
	Decoder   Decoder
	Key       codec.Key
	Validator Validator
	Ledger    Ledger
	Locker    lock.Locker
}

// Option configures optional behaviour for the Coordinator.
type Option func(*Coordinator)

// WithLogger overrides the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Coordinator) {
		c.logger = logger.With().Str("component", "settlement").Logger()
	}
}

// WithSinks registers observers for committed audit entries.
func WithSinks(sinks ...audit.Sink) Option {
	return func(c *Coordinator) {
		c.sinks = append(c.sinks, sinks...)
	}
}

// WithTrigger replaces the in-process dispatcher, e.g. with a message queue publisher.
func WithTrigger(t Trigger) Option {
	return func(c *Coordinator) {
		c.trigger = t
	}
}

// WithFailureBackOff sets the reschedule schedule the in-process dispatcher applies to failed settlements.
func WithFailureBackOff(newBackOff func() backoff.BackOff) Option {
	return func(c *Coordinator) {
		c.failureBackOff = newBackOff
	}
}

// WithClock overrides the time source.
func WithClock(nowFn func() time.Time) Option {
	return func(c *Coordinator) {
		if nowFn != nil {
			c.nowFn = nowFn
		}
	}
}

// IngestRequest is the encrypted payload received from a client.
type IngestRequest struct {
	UserID     string
	Ciphertext []byte
	Nonce      []byte
}

// Coordinator drives every activity through its state machine.
type Coordinator struct {
	store     Store
	decoder   Decoder
	key       codec.Key
	validator Validator
	ledger    Ledger
	locker    lock.Locker
	cfg       Config

	sinks          audit.Sinks
	trigger        Trigger
	dispatcher     *Dispatcher
	failureBackOff func() backoff.BackOff
	logger         zerolog.Logger
	tracer         trace.Tracer
	nowFn          func() time.Time
}

// NewCoordinator constructs a Coordinator. Unless WithTrigger is given, settlements run on an
// in-process Dispatcher that is stopped by Close.
func NewCoordinator(deps Dependencies, cfg Config, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:     deps.Store,
		decoder:   deps.Decoder,
		key:       deps.Key,
		validator: deps.Validator,
		ledger:    deps.Ledger,
		locker:    deps.Locker,
		cfg:       cfg,
		logger:    zerolog.Nop(),
		tracer:    otel.Tracer("example.com/settlement/internal/settlement"),
		nowFn:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.locker == nil {
		c.locker = lock.NewMemoryLocker()
	}
	if c.trigger == nil {
		c.dispatcher = NewDispatcher(c.Settle, c.logger)
		if c.failureBackOff != nil {
			c.dispatcher.newBackOff = c.failureBackOff
		}
		c.trigger = c.dispatcher
	}
	return c
}

// Close stops the in-process dispatcher and waits for running settlements.
func (c *Coordinator) Close() {
	if c.dispatcher != nil {
		c.dispatcher.Close()
	}
}

// Ingest decodes the payload, persists a received activity and schedules its settlement.
// Nothing is written when decoding fails.
func (c *Coordinator) Ingest(ctx context.Context, req IngestRequest) (string, error) {
	ctx, span := c.tracer.Start(ctx, "settlement.ingest")
	defer span.End()

	if strings.TrimSpace(req.UserID) == "" {
		ingestCounter.WithLabelValues("schema_invalid").Inc()
		return "", fmt.Errorf("%w: user id is required", domain.ErrSchema)
	}

	measurements, err := c.decoder.Decode(req.Ciphertext, req.Nonce, c.key)
	if err != nil {
		ingestCounter.WithLabelValues(ingestResult(err)).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "decode failed")
		c.logger.Info().Err(err).Str("user_id", req.UserID).Msg("ingestion refused")
		return "", err
	}
	if measurements.ActivityType == "" {
		measurements.ActivityType = domain.DefaultActivityType
	}

	now := c.now()
	activity := domain.Activity{
		ID:           uuid.NewString(),
		UserID:       req.UserID,
		Measurements: measurements,
		ReceivedAt:   now,
		State:        domain.StateReceived,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	span.SetAttributes(attribute.String("activity.id", activity.ID))

	entry, err := c.store.CreateActivity(ctx, activity, audit.Entry{
		ActivityID: activity.ID,
		UserID:     activity.UserID,
		ToState:    domain.StateReceived,
		Kind:       audit.KindTransition,
		Detail:     "ingested",
		Timestamp:  now,
	})
	if err != nil {
		ingestCounter.WithLabelValues("error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "persistence failed")
		return "", fmt.Errorf("persist activity: %w", err)
	}

	ingestCounter.WithLabelValues("accepted").Inc()
	observability.RecordActivityIngested(now)
	c.sinks.Observe(ctx, entry)
	c.trigger.Trigger(activity.ID, 0)
	return activity.ID, nil
}

// Settle advances one activity as far as it can go. It is safe to call any number of times:
// the persisted state decides what happens and terminal activities are left untouched.
func (c *Coordinator) Settle(ctx context.Context, activityID string) error {
	ctx, span := c.tracer.Start(ctx, "settlement.settle", trace.WithAttributes(attribute.String("activity.id", activityID)))
	defer span.End()

	started := time.Now()
	defer func() { settleDuration.Observe(time.Since(started).Seconds()) }()

	claim, err := c.locker.TryAcquire(ctx, "activity:"+activityID, c.cfg.ClaimTTL)
	if errors.Is(err, lock.ErrNotAcquired) {
		inProgressCounter.Inc()
		return fmt.Errorf("%w: %s", domain.ErrSettlementInProgress, activityID)
	}
	if err != nil {
		return fmt.Errorf("claim activity %s: %w", activityID, err)
	}
	defer func() {
		if err := claim.Release(context.WithoutCancel(ctx)); err != nil {
			c.logger.Warn().Err(err).Str("activity_id", activityID).Msg("release claim")
		}
	}()

	for {
		activity, err := c.store.GetActivity(ctx, activityID)
		if err != nil {
			return err
		}

		switch activity.State {
		case domain.StateReceived:
			err = c.validate(ctx, activity)
		case domain.StateValidated:
			err = c.openSubmission(ctx, activity)
		case domain.StateSubmitted:
			err = c.advanceSubmission(ctx, activity)
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, "settlement incomplete")
			}
			return err
		default:
			return nil
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "transition failed")
			return err
		}
	}
}

// Retry re-opens a failed activity whose failure was transient.
func (c *Coordinator) Retry(ctx context.Context, activityID string) error {
	ctx, span := c.tracer.Start(ctx, "settlement.retry", trace.WithAttributes(attribute.String("activity.id", activityID)))
	defer span.End()

	activity, err := c.store.GetActivity(ctx, activityID)
	if err != nil {
		return err
	}
	if activity.State != domain.StateFailed || !activity.FailureRetryable {
		return fmt.Errorf("%w: %s is %s", domain.ErrNotRetryable, activityID, activity.State)
	}

	if _, err := c.transition(ctx, activity, Transition{
		From:           domain.StateFailed,
		To:             domain.StateSubmitted,
		Kind:           audit.KindOperatorRetry,
		Detail:         "operator re-trigger after: " + activity.FailureReason,
		OpenSubmission: true,
	}); err != nil {
		return err
	}
	c.trigger.Trigger(activityID, 0)
	return nil
}

// Resume schedules every activity that was in flight when the process stopped.
func (c *Coordinator) Resume(ctx context.Context) (int, error) {
	activities, err := c.store.ListByStates(ctx, domain.InFlight(), 0)
	if err != nil {
		return 0, fmt.Errorf("list in-flight activities: %w", err)
	}
	for _, a := range activities {
		c.trigger.Trigger(a.ID, 0)
	}
	c.logger.Info().Int("count", len(activities)).Msg("resumed in-flight activities")
	return len(activities), nil
}

// Get returns the current activity.
func (c *Coordinator) Get(ctx context.Context, activityID string) (domain.Activity, error) {
	return c.store.GetActivity(ctx, activityID)
}

// History returns the audit trail of an activity, oldest first.
func (c *Coordinator) History(ctx context.Context, activityID string) ([]audit.Entry, error) {
	if _, err := c.store.GetActivity(ctx, activityID); err != nil {
		return nil, err
	}
	return c.store.History(ctx, activityID)
}

// FailedForReview lists failed activities for operators, most recently updated first.
func (c *Coordinator) FailedForReview(ctx context.Context, cursor *domain.Cursor, limit int) ([]domain.Activity, *domain.Cursor, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return c.store.ListFailed(ctx, cursor, limit)
}

func (c *Coordinator) validate(ctx context.Context, activity domain.Activity) error {
	result := c.validator.Validate(activity.Measurements)
	if !result.OK {
		_, err := c.transition(ctx, activity, Transition{
			From:            domain.StateReceived,
			To:              domain.StateRejected,
			Detail:          result.Reason,
			RejectionReason: result.Reason,
		})
		if err == nil {
			c.logger.Info().
				Err(fmt.Errorf("%w: %s", domain.ErrRejected, result.Reason)).
				Str("activity_id", activity.ID).
				Str("user_id", activity.UserID).
				Msg("activity rejected")
		}
		return err
	}
	_, err := c.transition(ctx, activity, Transition{
		From:   domain.StateReceived,
		To:     domain.StateValidated,
		Detail: "anti-fraud checks passed",
	})
	return err
}

// openSubmission records the intent to submit before the chain is called.
func (c *Coordinator) openSubmission(ctx context.Context, activity domain.Activity) error {
	_, err := c.transition(ctx, activity, Transition{
		From:           domain.StateValidated,
		To:             domain.StateSubmitted,
		Detail:         "submission opened",
		OpenSubmission: true,
	})
	return err
}

func (c *Coordinator) advanceSubmission(ctx context.Context, activity domain.Activity) error {
	submission, err := c.store.LatestSubmission(ctx, activity.ID)
	if err != nil {
		return err
	}
	if submission == nil {
		return fmt.Errorf("activity %s is submitted without a submission record", activity.ID)
	}
	logger := c.logger.With().Str("activity_id", activity.ID).Int("attempt", submission.Attempt).Logger()

	handle := ledger.Handle{IdempotencyKey: submission.IdempotencyKey, TxReference: submission.TxReference}
	if !submission.HasHandle() {
		handle, err = c.submit(ctx, activity, submission)
		if err != nil {
			return c.handleSubmitError(ctx, activity, err)
		}
		if err := c.store.AttachHandle(ctx, activity.ID, submission.Attempt, handle.TxReference); err != nil {
			return fmt.Errorf("attach ledger handle: %w", err)
		}
		logger.Info().Str("tx_reference", handle.TxReference).Bool("replayed", handle.Replayed).Msg("submitted to ledger")
	}

	outcome, err := c.ledger.AwaitConfirmation(ctx, handle, c.cfg.ConfirmationTimeout)
	if err != nil {
		return err
	}

	switch outcome.Kind {
	case ledger.OutcomeConfirmed:
		_, err := c.transition(ctx, activity, Transition{
			From:            domain.StateSubmitted,
			To:              domain.StateConfirmed,
			Detail:          "confirmed tx " + outcome.Receipt.TxReference,
			CloseSubmission: domain.OutcomeConfirmed,
		})
		return err
	case ledger.OutcomeReverted:
		return c.fail(ctx, activity, "reverted: "+outcome.Reason, false)
	default:
		if submission.Rechecks >= c.cfg.MaxRechecks {
			return c.fail(ctx, activity, fmt.Sprintf("confirmation not observed after %d re-checks", submission.Rechecks), true)
		}
		if _, err := c.transition(ctx, activity, Transition{
			From:         domain.StateSubmitted,
			To:           domain.StateSubmitted,
			Kind:         audit.KindConfirmationTimeout,
			Detail:       fmt.Sprintf("no confirmation within %s, re-check %d of %d", c.cfg.ConfirmationTimeout, submission.Rechecks+1, c.cfg.MaxRechecks),
			CountRecheck: true,
		}); err != nil {
			return err
		}
		logger.Warn().Dur("recheck_in", c.cfg.RecheckDelay).Msg("confirmation timed out")
		c.trigger.Trigger(activity.ID, c.cfg.RecheckDelay)
		return nil
	}
}

func (c *Coordinator) submit(ctx context.Context, activity domain.Activity, submission *domain.RewardSubmission) (ledger.Handle, error) {
	submitCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var auditErr error
	handle, err := c.ledger.Submit(submitCtx, ledger.SubmitRequest{
		ActivityID:     activity.ID,
		UserID:         activity.UserID,
		Measurements:   activity.Measurements,
		IdempotencyKey: submission.IdempotencyKey,
		OnRetry: func(attempt int, err error) {
			if auditErr != nil {
				return
			}
			if appendErr := c.appendFact(submitCtx, activity, audit.KindTransientLedgerError, fmt.Sprintf("attempt %d: %v", attempt, err)); appendErr != nil {
				auditErr = appendErr
				cancel()
			}
		},
	})
	if auditErr != nil {
		return ledger.Handle{}, fmt.Errorf("%w: %w", domain.ErrAuditWrite, auditErr)
	}
	return handle, err
}

func (c *Coordinator) handleSubmitError(ctx context.Context, activity domain.Activity, err error) error {
	switch {
	case errors.Is(err, domain.ErrAuditWrite):
		return err
	case ctx.Err() != nil:
		// stays submitted without a handle; the next settle re-submits under the same key
		return ctx.Err()
	case ledger.IsRevert(err):
		var revert *ledger.RevertError
		errors.As(err, &revert)
		return c.fail(ctx, activity, "reverted: "+revert.Reason, false)
	default:
		return c.fail(ctx, activity, err.Error(), true)
	}
}

func (c *Coordinator) fail(ctx context.Context, activity domain.Activity, reason string, retryable bool) error {
	_, err := c.transition(ctx, activity, Transition{
		From:             domain.StateSubmitted,
		To:               domain.StateFailed,
		Detail:           reason,
		FailureReason:    reason,
		FailureRetryable: retryable,
		CloseSubmission:  domain.OutcomeFailed,
	})
	return err
}

func (c *Coordinator) transition(ctx context.Context, activity domain.Activity, t Transition) (domain.Activity, error) {
	t.ActivityID = activity.ID
	if t.Kind == "" {
		t.Kind = audit.KindTransition
	}
	t.At = c.now()

	updated, entry, err := c.store.Transition(ctx, t)
	if err != nil {
		c.logger.Error().Err(err).
			Str("activity_id", activity.ID).
			Str("from_state", string(t.From)).
			Str("to_state", string(t.To)).
			Str("kind", string(t.Kind)).
			Msg("transition not committed")
		return activity, err
	}

	transitionCounter.WithLabelValues(string(t.From), string(t.To), string(t.Kind)).Inc()
	if t.To.Terminal() {
		observability.RecordActivitySettled(string(t.To), t.At)
	}
	c.sinks.Observe(ctx, entry)
	return updated, nil
}

// appendFact audits something that happened to a submitted activity without changing its state.
func (c *Coordinator) appendFact(ctx context.Context, activity domain.Activity, kind audit.Kind, detail string) error {
	entry, err := c.store.Append(ctx, audit.Entry{
		ActivityID: activity.ID,
		UserID:     activity.UserID,
		FromState:  domain.StateSubmitted,
		ToState:    domain.StateSubmitted,
		Kind:       kind,
		Detail:     detail,
		Timestamp:  c.now(),
	})
	if err != nil {
		c.logger.Error().Err(err).Str("activity_id", activity.ID).Str("kind", string(kind)).Msg("audit append failed")
		return err
	}
	c.sinks.Observe(ctx, entry)
	return nil
}

func (c *Coordinator) now() time.Time {
	return c.nowFn().UTC()
}

func ingestResult(err error) string {
	switch {
	case errors.Is(err, domain.ErrDecryption):
		return "decryption_failed"
	case errors.Is(err, domain.ErrSchema):
		return "schema_invalid"
	default:
		return "error"
	}
}
