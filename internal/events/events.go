// Package events defines the payloads published by the settlement pipeline.
package events

import "time"

// ActivityAudited mirrors one committed audit entry for downstream log and metrics collectors.
type ActivityAudited struct {
	Sequence   int64     `json:"sequence"`
	ActivityID string    `json:"activity_id"`
	UserID     string    `json:"user_id"`
	FromState  string    `json:"from_state,omitempty"`
	ToState    string    `json:"to_state"`
	Kind       string    `json:"kind"`
	Detail     string    `json:"detail,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// SettlementRequested asks a settlement worker to advance an activity.
type SettlementRequested struct {
	ActivityID  string    `json:"activity_id"`
	RequestedAt time.Time `json:"requested_at"`
}
