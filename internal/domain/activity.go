package domain

import "time"

// ActivityType names the exercise discipline declared by the client.
type ActivityType string

const (
	ActivityTypeCycling ActivityType = "cycling"
	ActivityTypeRunning ActivityType = "running"
	ActivityTypeWalking ActivityType = "walking"

	// DefaultActivityType applies to payloads that omit the discipline.
	DefaultActivityType = ActivityTypeCycling
)

// RouteSample is one GPS fix recorded during the activity.
type RouteSample struct {
	Latitude  float64   `json:"lat"`
	Longitude float64   `json:"lon"`
	Timestamp time.Time `json:"ts"`
}

// Measurements holds the client-reported figures of an activity.
type Measurements struct {
	ActivityType    ActivityType  `json:"activity_type,omitempty"`
	DistanceMeters  float64       `json:"distance_meters"`
	DurationSeconds float64       `json:"duration_seconds"`
	CaloriesKcal    float64       `json:"calories_kcal"`
	Route           []RouteSample `json:"route,omitempty"`
	RecordedAt      time.Time     `json:"recorded_at"`
}

// Activity is one recorded exercise session submitted for reward.
type Activity struct {
	ID     string
	UserID string
	Measurements

	ReceivedAt       time.Time
	State            ActivityState
	RejectionReason  string
	FailureReason    string
	FailureRetryable bool
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// SubmissionOutcome tracks a RewardSubmission on the ledger.
type SubmissionOutcome string

const (
	OutcomePending   SubmissionOutcome = "pending"
	OutcomeConfirmed SubmissionOutcome = "confirmed"
	OutcomeFailed    SubmissionOutcome = "failed"
)

// RewardSubmission is one attempt to record an activity on the ledger.
type RewardSubmission struct {
	ActivityID     string
	IdempotencyKey string
	Attempt        int
	TxReference    string
	Outcome        SubmissionOutcome
	Rechecks       int
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// HasHandle reports whether the ledger already returned a handle for this attempt.
func (s *RewardSubmission) HasHandle() bool {
	return s != nil && s.TxReference != ""
}

// IdempotencyKeyFor derives the ledger idempotency key for an activity.
func IdempotencyKeyFor(activityID string) string {
	return activityID
}

// Cursor models the pagination token for operator listings.
type Cursor struct {
	UpdatedAt time.Time
	ID        string
}
