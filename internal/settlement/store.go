package settlement

import (
	"context"
	"time"

	"example.com/settlement/internal/audit"
	"example.com/settlement/internal/domain"
)

// Transition describes one compare-and-set move of an activity. The store applies it only when the
// persisted state still equals From, and writes the audit entry in the same unit of work.
type Transition struct {
	ActivityID string
	From       domain.ActivityState
	To         domain.ActivityState
	Kind       audit.Kind
	Detail     string

	RejectionReason  string
	FailureReason    string
	FailureRetryable bool

	// OpenSubmission starts a new RewardSubmission attempt with outcome pending.
	OpenSubmission bool
	// CloseSubmission sets the outcome of the latest attempt when non-empty.
	CloseSubmission domain.SubmissionOutcome
	// CountRecheck increments the re-check counter of the latest attempt.
	CountRecheck bool

	At time.Time
}

// Store is the single source of truth for activities, submissions and their audit trail.
type Store interface {
	audit.Log

	// CreateActivity persists a received activity together with its first audit entry.
	CreateActivity(ctx context.Context, activity domain.Activity, entry audit.Entry) (audit.Entry, error)
	GetActivity(ctx context.Context, id string) (domain.Activity, error)
	// LatestSubmission returns nil when the activity never reached submitted.
	LatestSubmission(ctx context.Context, activityID string) (*domain.RewardSubmission, error)
	// Transition returns ErrStateConflict when the persisted state is not t.From and
	// ErrAuditWrite when the audit entry could not be stored; in both cases nothing changes.
	Transition(ctx context.Context, t Transition) (domain.Activity, audit.Entry, error)
	// AttachHandle records the ledger reference on an attempt that is still pending.
	AttachHandle(ctx context.Context, activityID string, attempt int, txReference string) error
	ListByStates(ctx context.Context, states []domain.ActivityState, limit int) ([]domain.Activity, error)
	ListFailed(ctx context.Context, cursor *domain.Cursor, limit int) ([]domain.Activity, *domain.Cursor, error)
}

// Apply copies the effect of t onto activity.
func (t Transition) Apply(activity *domain.Activity) {
	activity.State = t.To
	activity.UpdatedAt = t.At
	switch t.To {
	case domain.StateRejected:
		activity.RejectionReason = t.RejectionReason
	case domain.StateFailed:
		activity.FailureReason = t.FailureReason
		activity.FailureRetryable = t.FailureRetryable
	case domain.StateSubmitted:
		if t.From == domain.StateFailed {
			activity.FailureReason = ""
			activity.FailureRetryable = false
		}
	}
}
