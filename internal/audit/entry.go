// Package audit records the append-only history of every activity.
package audit

import (
	"context"
	"time"

	"example.com/settlement/internal/domain"
)

// Kind distinguishes state transitions from other auditable facts.
type Kind string

const (
	KindTransition           Kind = "transition"
	KindTransientLedgerError Kind = "transient_ledger_error"
	KindConfirmationTimeout  Kind = "confirmation_timeout"
	KindOperatorRetry        Kind = "operator_retry"
)

// Entry is one immutable audit record. Sequence is assigned by the store and grows monotonically.
type Entry struct {
	Sequence   int64                `json:"sequence"`
	ActivityID string               `json:"activity_id"`
	UserID     string               `json:"user_id"`
	FromState  domain.ActivityState `json:"from_state,omitempty"`
	ToState    domain.ActivityState `json:"to_state"`
	Kind       Kind                 `json:"kind"`
	Detail     string               `json:"detail,omitempty"`
	Timestamp  time.Time            `json:"timestamp"`
}

// Log is the durable audit trail. Entries are never updated or deleted.
type Log interface {
	Append(ctx context.Context, entry Entry) (Entry, error)
	History(ctx context.Context, activityID string) ([]Entry, error)
}

// StatusUpdate is the only view of the audit trail an activity's owner gets: the user-facing status
// after a change, never the internal state, kind or detail.
type StatusUpdate struct {
	ActivityID string    `json:"activity_id"`
	Status     string    `json:"status"`
	Timestamp  time.Time `json:"timestamp"`
}

// UserView projects e for the activity's owner. It reports false for entries owners never see:
// non-transition facts such as ledger retries, and transitions that leave the user status as it was.
func (e Entry) UserView() (StatusUpdate, bool) {
	if e.Kind != KindTransition && e.Kind != KindOperatorRetry {
		return StatusUpdate{}, false
	}
	to := userStatus(e.ToState, e.Detail)
	if e.FromState != "" && userStatus(e.FromState, "") == to {
		return StatusUpdate{}, false
	}
	return StatusUpdate{ActivityID: e.ActivityID, Status: to, Timestamp: e.Timestamp}, true
}

// UserHistory filters entries down to their owner-visible status updates.
func UserHistory(entries []Entry) []StatusUpdate {
	out := make([]StatusUpdate, 0, len(entries))
	for _, e := range entries {
		if u, ok := e.UserView(); ok {
			out = append(out, u)
		}
	}
	return out
}

// userStatus reads the rejection reason from the detail of the entry that rejected the activity.
func userStatus(state domain.ActivityState, detail string) string {
	a := domain.Activity{State: state}
	if state == domain.StateRejected {
		a.RejectionReason = detail
	}
	return domain.UserStatus(a)
}
