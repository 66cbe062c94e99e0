package settlement_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/require"

	"example.com/settlement/internal/audit"
	"example.com/settlement/internal/codec"
	"example.com/settlement/internal/domain"
	"example.com/settlement/internal/fraud"
	"example.com/settlement/internal/ledger"
	"example.com/settlement/internal/ledger/simulated"
	"example.com/settlement/internal/lock"
	"example.com/settlement/internal/persistence/memory"
	"example.com/settlement/internal/settlement"
)

type triggered struct {
	id    string
	after time.Duration
}

type recordingTrigger struct {
	mu    sync.Mutex
	calls []triggered
}

func (r *recordingTrigger) Trigger(id string, after time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, triggered{id: id, after: after})
}

func (r *recordingTrigger) snapshot() []triggered {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]triggered(nil), r.calls...)
}

type spyLedger struct {
	inner *ledger.Client

	mu      sync.Mutex
	submits int
}

func (s *spyLedger) Submit(ctx context.Context, req ledger.SubmitRequest) (ledger.Handle, error) {
	s.mu.Lock()
	s.submits++
	s.mu.Unlock()
	return s.inner.Submit(ctx, req)
}

func (s *spyLedger) AwaitConfirmation(ctx context.Context, h ledger.Handle, timeout time.Duration) (ledger.Outcome, error) {
	return s.inner.AwaitConfirmation(ctx, h, timeout)
}

func (s *spyLedger) submitCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.submits
}

type harness struct {
	t        *testing.T
	store    *memory.Store
	contract *simulated.Contract
	ledger   *spyLedger
	trigger  *recordingTrigger
	codec    *codec.Codec
	key      codec.Key
	locker   lock.Locker
	cfg      settlement.Config
	coord    *settlement.Coordinator
}

func testConfig() settlement.Config {
	return settlement.Config{
		ConfirmationTimeout: time.Second,
		RecheckDelay:        time.Minute,
		MaxRechecks:         2,
		ClaimTTL:            time.Minute,
	}
}

func newHarness(t *testing.T, cfg settlement.Config, opts ...settlement.Option) *harness {
	t.Helper()

	c, err := codec.New()
	require.NoError(t, err)

	var key codec.Key
	for i := range key {
		key[i] = byte(i + 1)
	}

	h := &harness{
		t:        t,
		store:    memory.NewStore(),
		contract: simulated.New(0),
		trigger:  &recordingTrigger{},
		codec:    c,
		key:      key,
		locker:   lock.NewMemoryLocker(),
		cfg:      cfg,
	}
	h.restart(opts...)
	return h
}

// restart builds a fresh coordinator and ledger client over the same store and chain.
func (h *harness) restart(opts ...settlement.Option) {
	policy := ledger.RetryPolicy{
		MaxAttempts: 5,
		NewBackOff:  func() backoff.BackOff { return &backoff.ZeroBackOff{} },
	}
	h.ledger = &spyLedger{inner: ledger.NewClient(h.contract, policy, ledger.WithPollInterval(time.Millisecond))}
	h.trigger = &recordingTrigger{}
	all := append([]settlement.Option{settlement.WithTrigger(h.trigger)}, opts...)
	h.coord = settlement.NewCoordinator(settlement.Dependencies{
		Store:     h.store,
		Decoder:   h.codec,
		Key:       h.key,
		Validator: fraud.NewValidator(fraud.DefaultPolicy()),
		Ledger:    h.ledger,
		Locker:    h.locker,
	}, h.cfg, all...)
}

func (h *harness) ingest(distance, duration, calories float64) string {
	h.t.Helper()
	ciphertext, nonce, err := h.codec.Encode(domain.Measurements{
		ActivityType:    domain.ActivityTypeCycling,
		DistanceMeters:  distance,
		DurationSeconds: duration,
		CaloriesKcal:    calories,
		RecordedAt:      time.Date(2026, 5, 4, 7, 30, 0, 0, time.UTC),
	}, h.key)
	require.NoError(h.t, err)

	id, err := h.coord.Ingest(context.Background(), settlement.IngestRequest{
		UserID:     "user-1",
		Ciphertext: ciphertext,
		Nonce:      nonce,
	})
	require.NoError(h.t, err)
	return id
}

func (h *harness) activity(id string) domain.Activity {
	h.t.Helper()
	a, err := h.coord.Get(context.Background(), id)
	require.NoError(h.t, err)
	return a
}

func (h *harness) history(id string) []audit.Entry {
	h.t.Helper()
	entries, err := h.coord.History(context.Background(), id)
	require.NoError(h.t, err)
	return entries
}

func toStates(entries []audit.Entry) []domain.ActivityState {
	out := make([]domain.ActivityState, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.ToState)
	}
	return out
}

func countKind(entries []audit.Entry, kind audit.Kind) int {
	n := 0
	for _, e := range entries {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

func TestPlausibleRideIsConfirmed(t *testing.T) {
	h := newHarness(t, testConfig())
	id := h.ingest(10000, 1800, 400)

	require.Equal(t, []triggered{{id: id}}, h.trigger.snapshot())
	require.Equal(t, domain.StateReceived, h.activity(id).State)

	require.NoError(t, h.coord.Settle(context.Background(), id))

	a := h.activity(id)
	require.Equal(t, domain.StateConfirmed, a.State)
	require.Equal(t, "confirmed", domain.UserStatus(a))
	require.Equal(t, []domain.ActivityState{
		domain.StateReceived, domain.StateValidated, domain.StateSubmitted, domain.StateConfirmed,
	}, toStates(h.history(id)))

	subs := h.store.Submissions(id)
	require.Len(t, subs, 1)
	require.Equal(t, 1, subs[0].Attempt)
	require.Equal(t, id, subs[0].IdempotencyKey)
	require.Equal(t, domain.OutcomeConfirmed, subs[0].Outcome)
	require.NotEmpty(t, subs[0].TxReference)

	require.Equal(t, 1, h.ledger.submitCalls())
	require.Equal(t, 1, h.contract.Mints())
}

func TestRejectedActivitiesNeverReachTheLedger(t *testing.T) {
	tests := []struct {
		name     string
		distance float64
		duration float64
		calories float64
		reason   string
	}{
		{name: "implausible speed", distance: 10000, duration: 10, calories: 1, reason: fraud.ReasonSpeed},
		{name: "non-positive distance", distance: 0, duration: 600, calories: 50, reason: fraud.ReasonNonPositive},
		{name: "implausible calories", distance: 10000, duration: 1800, calories: 5000, reason: fraud.ReasonCalories},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, testConfig())
			id := h.ingest(tc.distance, tc.duration, tc.calories)

			require.NoError(t, h.coord.Settle(context.Background(), id))

			a := h.activity(id)
			require.Equal(t, domain.StateRejected, a.State)
			require.Equal(t, tc.reason, a.RejectionReason)
			require.Equal(t, "rejected — "+tc.reason, domain.UserStatus(a))

			entries := h.history(id)
			require.Equal(t, domain.StateRejected, entries[len(entries)-1].ToState)
			require.Equal(t, tc.reason, entries[len(entries)-1].Detail)

			require.Zero(t, h.ledger.submitCalls())
			require.Zero(t, h.contract.Calls())
			require.Empty(t, h.store.Submissions(id))
		})
	}
}

func TestTransientLedgerErrorsAreAuditedThenConfirmed(t *testing.T) {
	h := newHarness(t, testConfig())
	timeout := ledger.Transient(errors.New("rpc timeout"))
	h.contract.FailNext(timeout, timeout, timeout)

	id := h.ingest(10000, 1800, 400)
	require.NoError(t, h.coord.Settle(context.Background(), id))

	require.Equal(t, domain.StateConfirmed, h.activity(id).State)

	entries := h.history(id)
	require.Equal(t, 3, countKind(entries, audit.KindTransientLedgerError))
	require.Equal(t, domain.StateConfirmed, entries[len(entries)-1].ToState)
	require.Equal(t, 4, h.contract.Calls())
	require.Equal(t, 1, h.contract.Mints())

	for i := 1; i < len(entries); i++ {
		require.Greater(t, entries[i].Sequence, entries[i-1].Sequence)
	}
}

func TestRevertFailsImmediately(t *testing.T) {
	h := newHarness(t, testConfig())
	h.contract.RevertWith("user blacklisted")

	id := h.ingest(10000, 1800, 400)
	require.NoError(t, h.coord.Settle(context.Background(), id))

	a := h.activity(id)
	require.Equal(t, domain.StateFailed, a.State)
	require.False(t, a.FailureRetryable)
	require.Contains(t, a.FailureReason, "user blacklisted")
	require.Equal(t, "failed — contact support", domain.UserStatus(a))

	require.Equal(t, 1, h.contract.Calls())
	require.Zero(t, countKind(h.history(id), audit.KindTransientLedgerError))

	err := h.coord.Retry(context.Background(), id)
	require.ErrorIs(t, err, domain.ErrNotRetryable)
}

func TestTamperedPayloadIsNeverPersisted(t *testing.T) {
	h := newHarness(t, testConfig())

	ciphertext, nonce, err := h.codec.Encode(domain.Measurements{
		DistanceMeters:  10000,
		DurationSeconds: 1800,
		CaloriesKcal:    400,
		RecordedAt:      time.Now().UTC(),
	}, h.key)
	require.NoError(t, err)
	ciphertext[3] ^= 0x01

	_, err = h.coord.Ingest(context.Background(), settlement.IngestRequest{UserID: "user-1", Ciphertext: ciphertext, Nonce: nonce})
	require.ErrorIs(t, err, domain.ErrDecryption)

	_, err = h.coord.Ingest(context.Background(), settlement.IngestRequest{UserID: "user-1", Ciphertext: ciphertext, Nonce: nonce[:5]})
	require.ErrorIs(t, err, domain.ErrDecryption)

	all, err := h.store.ListByStates(context.Background(), []domain.ActivityState{
		domain.StateReceived, domain.StateValidated, domain.StateSubmitted,
		domain.StateConfirmed, domain.StateRejected, domain.StateFailed,
	}, 0)
	require.NoError(t, err)
	require.Empty(t, all)
	require.Empty(t, h.trigger.snapshot())
}

func TestIngestRequiresUser(t *testing.T) {
	h := newHarness(t, testConfig())
	_, err := h.coord.Ingest(context.Background(), settlement.IngestRequest{Ciphertext: []byte{1}, Nonce: []byte{2}})
	require.ErrorIs(t, err, domain.ErrSchema)
}

func TestRepeatedSettleIsANoOp(t *testing.T) {
	h := newHarness(t, testConfig())
	id := h.ingest(10000, 1800, 400)

	for i := 0; i < 3; i++ {
		require.NoError(t, h.coord.Settle(context.Background(), id))
	}

	require.Equal(t, domain.StateConfirmed, h.activity(id).State)
	require.Len(t, h.history(id), 4)
	require.Equal(t, 1, h.ledger.submitCalls())
	require.Equal(t, 1, h.contract.Mints())
}

func TestConcurrentSettleMintsOnce(t *testing.T) {
	h := newHarness(t, testConfig())
	id := h.ingest(10000, 1800, 400)

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- h.coord.Settle(context.Background(), id)
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			require.ErrorIs(t, err, domain.ErrSettlementInProgress)
		}
	}
	require.NoError(t, h.coord.Settle(context.Background(), id))

	require.Equal(t, domain.StateConfirmed, h.activity(id).State)
	require.Equal(t, 1, h.contract.Mints())

	confirmed := 0
	for _, sub := range h.store.Submissions(id) {
		if sub.Outcome == domain.OutcomeConfirmed {
			confirmed++
		}
	}
	require.Equal(t, 1, confirmed)
}

func TestSettleReportsClaimContention(t *testing.T) {
	h := newHarness(t, testConfig())
	id := h.ingest(10000, 1800, 400)

	claim, err := h.locker.TryAcquire(context.Background(), "activity:"+id, time.Minute)
	require.NoError(t, err)

	err = h.coord.Settle(context.Background(), id)
	require.ErrorIs(t, err, domain.ErrSettlementInProgress)
	require.Equal(t, domain.StateReceived, h.activity(id).State)

	require.NoError(t, claim.Release(context.Background()))
	require.NoError(t, h.coord.Settle(context.Background(), id))
	require.Equal(t, domain.StateConfirmed, h.activity(id).State)
}

func TestResumeAfterCrashWithHandle(t *testing.T) {
	cfg := testConfig()
	cfg.ConfirmationTimeout = 20 * time.Millisecond
	cfg.MaxRechecks = 10
	h := newHarness(t, cfg)
	h.contract.NeverConfirm()

	id := h.ingest(10000, 1800, 400)
	require.NoError(t, h.coord.Settle(context.Background(), id))

	a := h.activity(id)
	require.Equal(t, domain.StateSubmitted, a.State)
	require.Equal(t, "pending", domain.UserStatus(a))
	subs := h.store.Submissions(id)
	require.Len(t, subs, 1)
	require.True(t, subs[0].HasHandle())
	require.Equal(t, 1, subs[0].Rechecks)
	require.Contains(t, h.trigger.snapshot(), triggered{id: id, after: cfg.RecheckDelay})

	// process restarts; the chain confirms in the meantime
	h.restart()
	h.contract.Release()

	resumed, err := h.coord.Resume(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, resumed)
	require.Equal(t, []triggered{{id: id}}, h.trigger.snapshot())

	require.NoError(t, h.coord.Settle(context.Background(), id))
	require.Equal(t, domain.StateConfirmed, h.activity(id).State)
	require.Zero(t, h.ledger.submitCalls())
	require.Equal(t, 1, h.contract.Calls())
}

func TestResumeAfterCrashBeforeHandle(t *testing.T) {
	h := newHarness(t, testConfig())
	id := h.ingest(10000, 1800, 400)
	ctx := context.Background()

	// the write-ahead intent was stored and the chain call landed, then the process died
	_, _, err := h.store.Transition(ctx, settlement.Transition{ActivityID: id, From: domain.StateReceived, To: domain.StateValidated, Kind: audit.KindTransition, At: time.Now()})
	require.NoError(t, err)
	_, _, err = h.store.Transition(ctx, settlement.Transition{ActivityID: id, From: domain.StateValidated, To: domain.StateSubmitted, Kind: audit.KindTransition, OpenSubmission: true, At: time.Now()})
	require.NoError(t, err)
	_, err = h.contract.RecordActivityAndReward(ctx, ledger.Reward{UserID: "user-1", IdempotencyKey: id})
	require.NoError(t, err)

	h.restart()
	resumed, err := h.coord.Resume(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, resumed)

	require.NoError(t, h.coord.Settle(ctx, id))
	require.Equal(t, domain.StateConfirmed, h.activity(id).State)
	require.Equal(t, 1, h.contract.Calls())
	require.Equal(t, 1, h.contract.Mints())
}

func TestConfirmationTimeoutEscalatesAfterMaxRechecks(t *testing.T) {
	cfg := testConfig()
	cfg.ConfirmationTimeout = 10 * time.Millisecond
	cfg.MaxRechecks = 2
	h := newHarness(t, cfg)
	h.contract.NeverConfirm()
	ctx := context.Background()

	id := h.ingest(10000, 1800, 400)
	require.NoError(t, h.coord.Settle(ctx, id))
	require.NoError(t, h.coord.Settle(ctx, id))
	require.Equal(t, domain.StateSubmitted, h.activity(id).State)
	require.Equal(t, 2, countKind(h.history(id), audit.KindConfirmationTimeout))

	require.NoError(t, h.coord.Settle(ctx, id))
	a := h.activity(id)
	require.Equal(t, domain.StateFailed, a.State)
	require.True(t, a.FailureRetryable)

	failed, next, err := h.coord.FailedForReview(ctx, nil, 10)
	require.NoError(t, err)
	require.Nil(t, next)
	require.Len(t, failed, 1)
	require.Equal(t, id, failed[0].ID)

	// operator re-trigger after the chain recovers
	h.contract.Release()
	require.NoError(t, h.coord.Retry(ctx, id))

	a = h.activity(id)
	require.Equal(t, domain.StateSubmitted, a.State)
	require.Empty(t, a.FailureReason)
	entries := h.history(id)
	require.Equal(t, audit.KindOperatorRetry, entries[len(entries)-1].Kind)

	require.NoError(t, h.coord.Settle(ctx, id))
	require.Equal(t, domain.StateConfirmed, h.activity(id).State)

	subs := h.store.Submissions(id)
	require.Len(t, subs, 2)
	require.Equal(t, domain.OutcomeFailed, subs[0].Outcome)
	require.Equal(t, domain.OutcomeConfirmed, subs[1].Outcome)
	require.Equal(t, 1, h.contract.Mints())
	require.Equal(t, 1, h.contract.Calls())
}

func TestExhaustedRetriesAreRetryableByOperator(t *testing.T) {
	h := newHarness(t, testConfig())
	down := ledger.Transient(errors.New("connection refused"))
	h.contract.FailNext(down, down, down, down, down)
	ctx := context.Background()

	id := h.ingest(10000, 1800, 400)
	require.NoError(t, h.coord.Settle(ctx, id))

	a := h.activity(id)
	require.Equal(t, domain.StateFailed, a.State)
	require.True(t, a.FailureRetryable)
	require.Equal(t, 4, countKind(h.history(id), audit.KindTransientLedgerError))

	require.NoError(t, h.coord.Retry(ctx, id))
	require.Contains(t, h.trigger.snapshot(), triggered{id: id})
	require.NoError(t, h.coord.Settle(ctx, id))
	require.Equal(t, domain.StateConfirmed, h.activity(id).State)
	require.Equal(t, 1, h.contract.Mints())

	err := h.coord.Retry(ctx, id)
	require.ErrorIs(t, err, domain.ErrNotRetryable)
}

func TestAuditFailureRollsBackTransition(t *testing.T) {
	h := newHarness(t, testConfig())
	id := h.ingest(10000, 1800, 400)

	h.store.FailNextAudit(errors.New("disk full"))
	err := h.coord.Settle(context.Background(), id)
	require.ErrorIs(t, err, domain.ErrAuditWrite)
	require.Equal(t, domain.StateReceived, h.activity(id).State)
	require.Len(t, h.history(id), 1)
	require.Zero(t, h.contract.Calls())

	require.NoError(t, h.coord.Settle(context.Background(), id))
	require.Equal(t, domain.StateConfirmed, h.activity(id).State)
}

func TestAuditFailureOnIngestWritesNothing(t *testing.T) {
	h := newHarness(t, testConfig())
	h.store.FailNextAudit(errors.New("disk full"))

	ciphertext, nonce, err := h.codec.Encode(domain.Measurements{
		DistanceMeters:  10000,
		DurationSeconds: 1800,
		CaloriesKcal:    400,
		RecordedAt:      time.Now().UTC(),
	}, h.key)
	require.NoError(t, err)

	_, err = h.coord.Ingest(context.Background(), settlement.IngestRequest{UserID: "user-1", Ciphertext: ciphertext, Nonce: nonce})
	require.ErrorIs(t, err, domain.ErrAuditWrite)
	require.Empty(t, h.trigger.snapshot())
}

func TestAuditFailureDuringRetryStopsSubmission(t *testing.T) {
	h := newHarness(t, testConfig())
	timeout := ledger.Transient(errors.New("rpc timeout"))
	h.contract.FailNext(timeout, timeout)
	ctx := context.Background()

	id := h.ingest(10000, 1800, 400)
	_, _, err := h.store.Transition(ctx, settlement.Transition{ActivityID: id, From: domain.StateReceived, To: domain.StateValidated, Kind: audit.KindTransition, At: time.Now()})
	require.NoError(t, err)
	_, _, err = h.store.Transition(ctx, settlement.Transition{ActivityID: id, From: domain.StateValidated, To: domain.StateSubmitted, Kind: audit.KindTransition, OpenSubmission: true, At: time.Now()})
	require.NoError(t, err)

	// the first transient error cannot be audited, so the submission stops there
	h.store.FailNextAudit(nil)
	err = h.coord.Settle(ctx, id)
	require.ErrorIs(t, err, domain.ErrAuditWrite)
	require.Equal(t, domain.StateSubmitted, h.activity(id).State)
	require.False(t, h.store.Submissions(id)[0].HasHandle())
	require.Equal(t, 1, h.contract.Calls())

	require.NoError(t, h.coord.Settle(ctx, id))
	require.Equal(t, domain.StateConfirmed, h.activity(id).State)
	require.Equal(t, 1, countKind(h.history(id), audit.KindTransientLedgerError))
	require.Equal(t, 3, h.contract.Calls())
	require.Equal(t, 1, h.contract.Mints())
}

func TestUnknownActivity(t *testing.T) {
	h := newHarness(t, testConfig())
	require.ErrorIs(t, h.coord.Settle(context.Background(), "missing"), domain.ErrActivityNotFound)
	require.ErrorIs(t, h.coord.Retry(context.Background(), "missing"), domain.ErrActivityNotFound)
	_, err := h.coord.History(context.Background(), "missing")
	require.ErrorIs(t, err, domain.ErrActivityNotFound)
}

func TestFailedForReviewPaginates(t *testing.T) {
	now := time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(time.Second)
		return now
	}

	h := newHarness(t, testConfig(), settlement.WithClock(clock))
	h.contract.RevertWith("reward cap reached")
	ctx := context.Background()

	ids := make([]string, 0, 3)
	for i := 0; i < 3; i++ {
		id := h.ingest(10000, 1800, 400)
		require.NoError(t, h.coord.Settle(ctx, id))
		ids = append(ids, id)
	}

	page, next, err := h.coord.FailedForReview(ctx, nil, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	require.NotNil(t, next)
	require.Equal(t, ids[2], page[0].ID)
	require.Equal(t, ids[1], page[1].ID)

	page, next, err = h.coord.FailedForReview(ctx, next, 2)
	require.NoError(t, err)
	require.Nil(t, next)
	require.Len(t, page, 1)
	require.Equal(t, ids[0], page[0].ID)
}

func TestSinksObserveCommittedEntries(t *testing.T) {
	var (
		mu   sync.Mutex
		seen []audit.Entry
	)
	sink := audit.SinkFunc(func(_ context.Context, e audit.Entry) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, e)
	})

	h := newHarness(t, testConfig(), settlement.WithSinks(sink))
	id := h.ingest(10000, 1800, 400)
	require.NoError(t, h.coord.Settle(context.Background(), id))

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, h.history(id), seen)
	for _, e := range seen {
		require.Equal(t, "user-1", e.UserID)
	}
}

func TestIngestSettlesAsynchronously(t *testing.T) {
	c, err := codec.New()
	require.NoError(t, err)
	var key codec.Key
	store := memory.NewStore()
	contract := simulated.New(0)

	coord := settlement.NewCoordinator(settlement.Dependencies{
		Store:     store,
		Decoder:   c,
		Key:       key,
		Validator: fraud.NewValidator(fraud.DefaultPolicy()),
		Ledger:    ledger.NewClient(contract, ledger.DefaultRetryPolicy(3, time.Millisecond, 10*time.Millisecond), ledger.WithPollInterval(time.Millisecond)),
	}, testConfig())
	defer coord.Close()

	ciphertext, nonce, err := c.Encode(domain.Measurements{
		ActivityType:    domain.ActivityTypeRunning,
		DistanceMeters:  5000,
		DurationSeconds: 1500,
		CaloriesKcal:    350,
		RecordedAt:      time.Now().UTC(),
	}, key)
	require.NoError(t, err)

	id, err := coord.Ingest(context.Background(), settlement.IngestRequest{UserID: "runner", Ciphertext: ciphertext, Nonce: nonce})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		a, err := coord.Get(context.Background(), id)
		return err == nil && a.State == domain.StateConfirmed
	}, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, 1, contract.Mints())
}

// flakyStore loses the audit write of its first transition.
type flakyStore struct {
	*memory.Store
	once sync.Once
}

func (s *flakyStore) Transition(ctx context.Context, t settlement.Transition) (domain.Activity, audit.Entry, error) {
	s.once.Do(func() { s.Store.FailNextAudit(errors.New("connection reset by peer")) })
	return s.Store.Transition(ctx, t)
}

func TestFailedSettlementIsRescheduled(t *testing.T) {
	c, err := codec.New()
	require.NoError(t, err)
	var key codec.Key
	store := &flakyStore{Store: memory.NewStore()}
	contract := simulated.New(0)

	coord := settlement.NewCoordinator(settlement.Dependencies{
		Store:     store,
		Decoder:   c,
		Key:       key,
		Validator: fraud.NewValidator(fraud.DefaultPolicy()),
		Ledger:    ledger.NewClient(contract, ledger.DefaultRetryPolicy(3, time.Millisecond, 10*time.Millisecond), ledger.WithPollInterval(time.Millisecond)),
	}, testConfig(), settlement.WithFailureBackOff(func() backoff.BackOff { return backoff.NewConstantBackOff(5 * time.Millisecond) }))
	defer coord.Close()

	ciphertext, nonce, err := c.Encode(domain.Measurements{
		ActivityType:    domain.ActivityTypeCycling,
		DistanceMeters:  10000,
		DurationSeconds: 1800,
		CaloriesKcal:    400,
		RecordedAt:      time.Now().UTC(),
	}, key)
	require.NoError(t, err)

	id, err := coord.Ingest(context.Background(), settlement.IngestRequest{UserID: "user-1", Ciphertext: ciphertext, Nonce: nonce})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		a, err := coord.Get(context.Background(), id)
		return err == nil && a.State == domain.StateConfirmed
	}, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, 1, contract.Mints())

	entries, err := coord.History(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, []domain.ActivityState{domain.StateReceived, domain.StateValidated, domain.StateSubmitted, domain.StateConfirmed}, toStates(entries))
}

func TestIngestDefaultsMissingActivityType(t *testing.T) {
	h := newHarness(t, testConfig())

	ciphertext, nonce, err := h.codec.Encode(domain.Measurements{
		DistanceMeters:  10000,
		DurationSeconds: 1800,
		CaloriesKcal:    400,
		RecordedAt:      time.Date(2026, 5, 4, 7, 30, 0, 0, time.UTC),
	}, h.key)
	require.NoError(t, err)

	id, err := h.coord.Ingest(context.Background(), settlement.IngestRequest{UserID: "user-1", Ciphertext: ciphertext, Nonce: nonce})
	require.NoError(t, err)
	require.Equal(t, domain.DefaultActivityType, h.activity(id).ActivityType)
}
