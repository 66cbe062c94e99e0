// Package ledger wraps the on-chain reward contract behind a retrying, idempotent client.
package ledger

import (
	"context"
	"errors"
	"fmt"
)

// Status is the on-chain state of a submission, keyed by idempotency key.
type Status uint8

const (
	StatusUnknown Status = iota
	StatusPending
	StatusConfirmed
	StatusReverted
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusConfirmed:
		return "confirmed"
	case StatusReverted:
		return "reverted"
	default:
		return "unknown"
	}
}

// Reward is the argument set of recordActivityAndReward.
type Reward struct {
	UserID          string
	DistanceMeters  uint64
	DurationSeconds uint64
	CaloriesKcal    uint64
	IdempotencyKey  string
}

// Contract is the external reward ledger collaborator.
type Contract interface {
	// RecordActivityAndReward issues the state-changing call and returns an opaque tx reference.
	RecordActivityAndReward(ctx context.Context, reward Reward) (string, error)
	// SubmissionStatus reads the status recorded for an idempotency key, with a revert reason if any.
	SubmissionStatus(ctx context.Context, idempotencyKey string) (Status, string, error)
}

var (
	// ErrTransient marks errors worth retrying (network, congestion, RPC timeouts).
	ErrTransient = errors.New("transient ledger error")
	// ErrRetriesExhausted is returned once the retry policy gives up on transient errors.
	ErrRetriesExhausted = errors.New("ledger retries exhausted")
)

// RevertError is a definitive on-chain rejection. It is never retried.
type RevertError struct {
	Reason string
}

func (e *RevertError) Error() string {
	return fmt.Sprintf("ledger reverted: %s", e.Reason)
}

// Transient wraps err so the default retry predicate treats it as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrTransient, err)
}

// IsRevert reports whether err carries a RevertError.
func IsRevert(err error) bool {
	var revert *RevertError
	return errors.As(err, &revert)
}
