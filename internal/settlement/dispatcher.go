package settlement

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"example.com/settlement/internal/domain"
)

// SettleFunc settles one activity.
type SettleFunc func(ctx context.Context, activityID string) error

// Dispatcher runs one goroutine per triggered settlement. Delayed triggers are kept as timers
// and dropped on Close; the activity stays persisted and is picked up again by Resume.
// A settlement that fails with anything other than claim contention or shutdown is rescheduled
// with capped exponential backoff until it succeeds.
type Dispatcher struct {
	settle SettleFunc
	logger zerolog.Logger

	// a trigger that loses the claim race is retried a few times so it is not lost
	busyDelay   time.Duration
	busyRetries int

	newBackOff func() backoff.BackOff

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
	timers map[*time.Timer]struct{}
}

// NewDispatcher constructs a Dispatcher.
func NewDispatcher(settle SettleFunc, logger zerolog.Logger) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		settle:      settle,
		logger:      logger.With().Str("component", "settlement_dispatcher").Logger(),
		busyDelay:   time.Second,
		busyRetries: 5,
		newBackOff:  defaultFailureBackOff,
		ctx:         ctx,
		cancel:      cancel,
		timers:      make(map[*time.Timer]struct{}),
	}
}

func defaultFailureBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = time.Minute
	b.MaxElapsedTime = 0
	return b
}

// attempt carries retry state across the reschedules of one trigger.
type attempt struct {
	busy     int
	failures backoff.BackOff
}

// Trigger schedules a settlement of activityID after the given delay.
func (d *Dispatcher) Trigger(activityID string, after time.Duration) {
	d.schedule(activityID, after, attempt{})
}

// Close cancels running settlements, drops pending timers and waits for goroutines to exit.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	for timer := range d.timers {
		if timer.Stop() {
			d.wg.Done()
		}
	}
	d.timers = nil
	d.mu.Unlock()

	d.cancel()
	d.wg.Wait()
}

func (d *Dispatcher) schedule(activityID string, after time.Duration, at attempt) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}

	d.wg.Add(1)
	if after <= 0 {
		go d.run(activityID, at)
		return
	}

	var timer *time.Timer
	timer = time.AfterFunc(after, func() {
		d.mu.Lock()
		delete(d.timers, timer)
		closed := d.closed
		d.mu.Unlock()
		if closed {
			d.wg.Done()
			return
		}
		d.run(activityID, at)
	})
	d.timers[timer] = struct{}{}
}

func (d *Dispatcher) run(activityID string, at attempt) {
	defer d.wg.Done()

	err := d.settle(d.ctx, activityID)
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrSettlementInProgress):
		if at.busy < d.busyRetries {
			at.busy++
			d.schedule(activityID, d.busyDelay, at)
			return
		}
		d.logger.Debug().Str("activity_id", activityID).Msg("claim still held, giving up trigger")
	case errors.Is(err, context.Canceled) || d.ctx.Err() != nil:
		d.logger.Debug().Str("activity_id", activityID).Msg("settlement interrupted by shutdown")
	case errors.Is(err, domain.ErrActivityNotFound):
		d.logger.Warn().Str("activity_id", activityID).Msg("settlement triggered for unknown activity")
	default:
		if at.failures == nil {
			at.failures = d.newBackOff()
		}
		next := at.failures.NextBackOff()
		if next == backoff.Stop {
			d.logger.Error().Err(err).Str("activity_id", activityID).Msg("settlement failed, giving up trigger")
			return
		}
		d.logger.Warn().Err(err).Str("activity_id", activityID).Dur("retry_in", next).Msg("settlement failed, rescheduling")
		at.busy = 0
		d.schedule(activityID, next, at)
	}
}
