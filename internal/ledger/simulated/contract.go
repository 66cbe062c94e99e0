// Package simulated provides an in-process reward contract for local runs and tests.
package simulated

import (
	"context"
	"fmt"
	"sync"
	"time"

	"example.com/settlement/internal/ledger"
)

type record struct {
	txRef     string
	confirmAt time.Time
	reverted  string
}

type scripted struct {
	err  error
	land bool
}

// Contract de-duplicates by idempotency key like the real contract and lets tests script failures.
type Contract struct {
	mu           sync.Mutex
	records      map[string]*record
	script       []scripted
	revertReason string
	delay        time.Duration
	neverConfirm bool
	calls        int
	mints        int
	nowFn        func() time.Time
}

var _ ledger.Contract = (*Contract)(nil)

// New returns a contract that confirms submissions after delay.
func New(delay time.Duration) *Contract {
	return &Contract{
		records: make(map[string]*record),
		delay:   delay,
		nowFn:   time.Now,
	}
}

// FailNext makes the next len(errs) calls fail without recording anything.
func (c *Contract) FailNext(errs ...error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, err := range errs {
		c.script = append(c.script, scripted{err: err})
	}
}

// LandThenFail records the next call on-chain but still reports err to the caller.
func (c *Contract) LandThenFail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.script = append(c.script, scripted{err: err, land: true})
}

// RevertWith makes every new submission revert with reason. An empty reason disables reverts.
func (c *Contract) RevertWith(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.revertReason = reason
}

// NeverConfirm keeps every submission pending until Release is called.
func (c *Contract) NeverConfirm() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.neverConfirm = true
}

// Release lets pending submissions confirm again.
func (c *Contract) Release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.neverConfirm = false
}

// Calls returns how many times RecordActivityAndReward was invoked.
func (c *Contract) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

// Mints returns how many distinct submissions were recorded.
func (c *Contract) Mints() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mints
}

func (c *Contract) RecordActivityAndReward(ctx context.Context, reward ledger.Reward) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", ledger.Transient(err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++

	if len(c.script) > 0 {
		next := c.script[0]
		c.script = c.script[1:]
		if next.land {
			c.record(reward.IdempotencyKey)
		}
		return "", next.err
	}

	if existing, ok := c.records[reward.IdempotencyKey]; ok {
		return existing.txRef, nil
	}
	if c.revertReason != "" {
		return "", &ledger.RevertError{Reason: c.revertReason}
	}
	return c.record(reward.IdempotencyKey).txRef, nil
}

func (c *Contract) SubmissionStatus(ctx context.Context, idempotencyKey string) (ledger.Status, string, error) {
	if err := ctx.Err(); err != nil {
		return ledger.StatusUnknown, "", ledger.Transient(err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.records[idempotencyKey]
	switch {
	case !ok:
		return ledger.StatusUnknown, "", nil
	case rec.reverted != "":
		return ledger.StatusReverted, rec.reverted, nil
	case c.neverConfirm || c.nowFn().Before(rec.confirmAt):
		return ledger.StatusPending, "", nil
	default:
		return ledger.StatusConfirmed, "", nil
	}
}

// Revert marks an already recorded submission as reverted.
func (c *Contract) Revert(idempotencyKey, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if rec, ok := c.records[idempotencyKey]; ok {
		rec.reverted = reason
	}
}

func (c *Contract) record(key string) *record {
	if rec, ok := c.records[key]; ok {
		return rec
	}
	c.mints++
	rec := &record{
		txRef:     fmt.Sprintf("sim-tx-%06d", c.mints),
		confirmAt: c.nowFn().Add(c.delay),
	}
	c.records[key] = rec
	return rec
}
