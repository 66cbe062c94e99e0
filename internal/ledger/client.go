package ledger

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"example.com/settlement/internal/domain"
)

// Handle identifies a submission on the ledger.
type Handle struct {
	IdempotencyKey string
	TxReference    string
	// Replayed is set when no new chain call was issued because the key was already known.
	Replayed bool
}

// SubmitRequest carries one activity to the ledger.
type SubmitRequest struct {
	ActivityID     string
	UserID         string
	Measurements   domain.Measurements
	IdempotencyKey string
	// OnRetry observes transient failures that will be retried.
	OnRetry func(attempt int, err error)
}

// OutcomeKind classifies the result of AwaitConfirmation.
type OutcomeKind string

const (
	OutcomeConfirmed OutcomeKind = "confirmed"
	OutcomeTimedOut  OutcomeKind = "timed_out"
	OutcomeReverted  OutcomeKind = "reverted"
)

// Receipt is the proof of confirmation.
type Receipt struct {
	IdempotencyKey string
	TxReference    string
	ConfirmedAt    time.Time
}

// Outcome is the result of waiting on a handle.
type Outcome struct {
	Kind    OutcomeKind
	Receipt Receipt
	Reason  string
}

// Option configures optional behaviour for the Client.
type Option func(*Client)

// WithLogger overrides the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Client) { c.logger = logger.With().Str("component", "ledger_client").Logger() }
}

// WithPollInterval sets how often AwaitConfirmation reads the submission status.
func WithPollInterval(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.pollInterval = d
		}
	}
}

// WithCallTimeout bounds each individual contract call.
func WithCallTimeout(d time.Duration) Option {
	return func(c *Client) { c.callTimeout = d }
}

// Client is the only component allowed to change ledger state.
type Client struct {
	contract     Contract
	policy       RetryPolicy
	pollInterval time.Duration
	callTimeout  time.Duration
	logger       zerolog.Logger
	tracer       trace.Tracer

	mu      sync.Mutex
	handles map[string]Handle
}

// NewClient constructs a Client around contract and policy.
func NewClient(contract Contract, policy RetryPolicy, opts ...Option) *Client {
	c := &Client{
		contract:     contract,
		policy:       policy.withDefaults(),
		pollInterval: 2 * time.Second,
		logger:       zerolog.Nop(),
		tracer:       otel.Tracer("example.com/settlement/internal/ledger"),
		handles:      make(map[string]Handle),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Submit records the activity on the ledger. Repeated calls with the same idempotency key
// return the existing handle instead of minting twice.
func (c *Client) Submit(ctx context.Context, req SubmitRequest) (Handle, error) {
	ctx, span := c.tracer.Start(ctx, "ledger.submit", trace.WithAttributes(
		attribute.String("activity.id", req.ActivityID),
		attribute.String("ledger.idempotency_key", req.IdempotencyKey),
	))
	defer span.End()

	if h, ok := c.cached(req.IdempotencyKey); ok {
		return h, nil
	}

	if h, ok := c.knownOnChain(ctx, req.IdempotencyKey); ok {
		submitCounter.WithLabelValues("replayed").Inc()
		return h, nil
	}

	reward := toReward(req)
	var (
		txRef  string
		landed bool
	)
	attempts, err := c.policy.run(ctx, func(attempt int) error {
		if attempt > 1 {
			if _, ok := c.knownOnChain(ctx, req.IdempotencyKey); ok {
				landed = true
				return nil
			}
		}
		callCtx, cancel := c.callContext(ctx)
		defer cancel()
		ref, err := c.contract.RecordActivityAndReward(callCtx, reward)
		if err != nil {
			return err
		}
		txRef = ref
		return nil
	}, func(attempt int, err error, wait time.Duration) {
		retryCounter.Inc()
		c.logger.Warn().Err(err).
			Str("activity_id", req.ActivityID).
			Int("attempt", attempt).
			Dur("backoff", wait).
			Msg("transient ledger error, retrying")
		if req.OnRetry != nil {
			req.OnRetry(attempt, err)
		}
	})
	span.SetAttributes(attribute.Int("ledger.attempts", attempts))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "submit failed")
		if IsRevert(err) {
			submitCounter.WithLabelValues("reverted").Inc()
		} else {
			submitCounter.WithLabelValues("exhausted").Inc()
		}
		return Handle{}, err
	}

	h := Handle{IdempotencyKey: req.IdempotencyKey, TxReference: txRef, Replayed: landed}
	if h.TxReference == "" {
		h.TxReference = req.IdempotencyKey
	}
	c.remember(h)
	submitCounter.WithLabelValues("submitted").Inc()
	return h, nil
}

// AwaitConfirmation polls the ledger until the submission is confirmed, reverted, or timeout elapses.
// A timeout is not a failure: the transaction may still confirm later.
func (c *Client) AwaitConfirmation(ctx context.Context, h Handle, timeout time.Duration) (Outcome, error) {
	ctx, span := c.tracer.Start(ctx, "ledger.await_confirmation", trace.WithAttributes(
		attribute.String("ledger.idempotency_key", h.IdempotencyKey),
	))
	defer span.End()

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		status, reason, err := c.contract.SubmissionStatus(waitCtx, h.IdempotencyKey)
		switch {
		case err != nil:
			c.logger.Debug().Err(err).Str("idempotency_key", h.IdempotencyKey).Msg("status poll failed")
		case status == StatusConfirmed:
			c.forget(h.IdempotencyKey)
			return Outcome{Kind: OutcomeConfirmed, Receipt: Receipt{
				IdempotencyKey: h.IdempotencyKey,
				TxReference:    h.TxReference,
				ConfirmedAt:    time.Now().UTC(),
			}}, nil
		case status == StatusReverted:
			c.forget(h.IdempotencyKey)
			return Outcome{Kind: OutcomeReverted, Reason: reason}, nil
		}

		select {
		case <-ctx.Done():
			return Outcome{}, ctx.Err()
		case <-waitCtx.Done():
			if err := ctx.Err(); err != nil {
				return Outcome{}, err
			}
			span.SetAttributes(attribute.Bool("ledger.timed_out", true))
			return Outcome{Kind: OutcomeTimedOut}, nil
		case <-ticker.C:
		}
	}
}

func (c *Client) knownOnChain(ctx context.Context, key string) (Handle, bool) {
	callCtx, cancel := c.callContext(ctx)
	defer cancel()
	status, _, err := c.contract.SubmissionStatus(callCtx, key)
	if err != nil {
		c.logger.Debug().Err(err).Str("idempotency_key", key).Msg("status lookup failed, submitting")
		return Handle{}, false
	}
	if status == StatusUnknown {
		return Handle{}, false
	}
	h := Handle{IdempotencyKey: key, TxReference: key, Replayed: true}
	c.remember(h)
	return h, true
}

func (c *Client) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.callTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.callTimeout)
}

func (c *Client) cached(key string) (Handle, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.handles[key]
	if ok {
		h.Replayed = true
	}
	return h, ok
}

func (c *Client) remember(h Handle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handles[h.IdempotencyKey] = h
}

func (c *Client) forget(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.handles, key)
}

func toReward(req SubmitRequest) Reward {
	return Reward{
		UserID:          req.UserID,
		DistanceMeters:  roundUnsigned(req.Measurements.DistanceMeters),
		DurationSeconds: roundUnsigned(req.Measurements.DurationSeconds),
		CaloriesKcal:    roundUnsigned(req.Measurements.CaloriesKcal),
		IdempotencyKey:  req.IdempotencyKey,
	}
}

func roundUnsigned(v float64) uint64 {
	if v <= 0 || math.IsNaN(v) {
		return 0
	}
	return uint64(math.Round(v))
}
