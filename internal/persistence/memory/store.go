// Package memory is a process-local Store used for single-node runs and tests.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"example.com/settlement/internal/audit"
	"example.com/settlement/internal/domain"
	"example.com/settlement/internal/settlement"
)

// Store keeps activities, submissions and audit entries in maps guarded by one mutex.
type Store struct {
	mu          sync.Mutex
	activities  map[string]domain.Activity
	submissions map[string][]domain.RewardSubmission
	entries     map[string][]audit.Entry
	sequence    int64

	auditFailures []error
}

var _ settlement.Store = (*Store)(nil)

// NewStore constructs an empty Store.
func NewStore() *Store {
	return &Store{
		activities:  make(map[string]domain.Activity),
		submissions: make(map[string][]domain.RewardSubmission),
		entries:     make(map[string][]audit.Entry),
	}
}

// FailNextAudit makes the next audit write fail with err, rolling back its transition.
func (s *Store) FailNextAudit(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.auditFailures = append(s.auditFailures, err)
}

func (s *Store) CreateActivity(_ context.Context, activity domain.Activity, entry audit.Entry) (audit.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.activities[activity.ID]; exists {
		return audit.Entry{}, fmt.Errorf("activity %s already exists", activity.ID)
	}
	stored, err := s.appendLocked(entry)
	if err != nil {
		return audit.Entry{}, err
	}
	s.activities[activity.ID] = activity
	return stored, nil
}

func (s *Store) GetActivity(_ context.Context, id string) (domain.Activity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	activity, ok := s.activities[id]
	if !ok {
		return domain.Activity{}, fmt.Errorf("%w: %s", domain.ErrActivityNotFound, id)
	}
	return cloneActivity(activity), nil
}

func (s *Store) LatestSubmission(_ context.Context, activityID string) (*domain.RewardSubmission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	subs := s.submissions[activityID]
	if len(subs) == 0 {
		return nil, nil
	}
	latest := subs[len(subs)-1]
	return &latest, nil
}

// Submissions returns every attempt recorded for an activity.
func (s *Store) Submissions(activityID string) []domain.RewardSubmission {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.RewardSubmission(nil), s.submissions[activityID]...)
}

func (s *Store) Transition(_ context.Context, t settlement.Transition) (domain.Activity, audit.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	activity, ok := s.activities[t.ActivityID]
	if !ok {
		return domain.Activity{}, audit.Entry{}, fmt.Errorf("%w: %s", domain.ErrActivityNotFound, t.ActivityID)
	}
	if activity.State != t.From {
		return activity, audit.Entry{}, fmt.Errorf("%w: %s is %s, expected %s", domain.ErrStateConflict, t.ActivityID, activity.State, t.From)
	}
	if err := domain.ValidateTransition(t.From, t.To); err != nil {
		return activity, audit.Entry{}, err
	}

	subs := append([]domain.RewardSubmission(nil), s.submissions[t.ActivityID]...)
	if t.OpenSubmission {
		subs = append(subs, domain.RewardSubmission{
			ActivityID:     t.ActivityID,
			IdempotencyKey: domain.IdempotencyKeyFor(t.ActivityID),
			Attempt:        len(subs) + 1,
			Outcome:        domain.OutcomePending,
			CreatedAt:      t.At,
			UpdatedAt:      t.At,
		})
	}
	if n := len(subs); n > 0 && (t.CloseSubmission != "" || t.CountRecheck) {
		latest := subs[n-1]
		if t.CloseSubmission != "" {
			latest.Outcome = t.CloseSubmission
		}
		if t.CountRecheck {
			latest.Rechecks++
		}
		latest.UpdatedAt = t.At
		subs[n-1] = latest
	}

	t.Apply(&activity)

	entry, err := s.appendLocked(audit.Entry{
		ActivityID: t.ActivityID,
		UserID:     activity.UserID,
		FromState:  t.From,
		ToState:    t.To,
		Kind:       t.Kind,
		Detail:     t.Detail,
		Timestamp:  t.At,
	})
	if err != nil {
		return domain.Activity{}, audit.Entry{}, err
	}

	s.activities[t.ActivityID] = activity
	s.submissions[t.ActivityID] = subs
	return cloneActivity(activity), entry, nil
}

func (s *Store) AttachHandle(_ context.Context, activityID string, attempt int, txReference string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	subs := s.submissions[activityID]
	for i := range subs {
		if subs[i].Attempt != attempt {
			continue
		}
		if subs[i].Outcome != domain.OutcomePending {
			return fmt.Errorf("%w: attempt %d of %s is %s", domain.ErrStateConflict, attempt, activityID, subs[i].Outcome)
		}
		subs[i].TxReference = txReference
		return nil
	}
	return fmt.Errorf("%w: attempt %d of %s", domain.ErrActivityNotFound, attempt, activityID)
}

func (s *Store) ListByStates(_ context.Context, states []domain.ActivityState, limit int) ([]domain.Activity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wanted := make(map[domain.ActivityState]bool, len(states))
	for _, st := range states {
		wanted[st] = true
	}
	var out []domain.Activity
	for _, a := range s.activities {
		if wanted[a.State] {
			out = append(out, cloneActivity(a))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].UpdatedAt.Before(out[j].UpdatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) ListFailed(_ context.Context, cursor *domain.Cursor, limit int) ([]domain.Activity, *domain.Cursor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var failed []domain.Activity
	for _, a := range s.activities {
		if a.State != domain.StateFailed {
			continue
		}
		if cursor != nil && !before(a, *cursor) {
			continue
		}
		failed = append(failed, cloneActivity(a))
	}
	sort.Slice(failed, func(i, j int) bool {
		return before(failed[j], domain.Cursor{UpdatedAt: failed[i].UpdatedAt, ID: failed[i].ID})
	})
	if limit > 0 && len(failed) > limit {
		failed = failed[:limit]
	}
	var next *domain.Cursor
	if limit > 0 && len(failed) == limit {
		last := failed[len(failed)-1]
		next = &domain.Cursor{UpdatedAt: last.UpdatedAt, ID: last.ID}
	}
	return failed, next, nil
}

func (s *Store) Append(_ context.Context, entry audit.Entry) (audit.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.activities[entry.ActivityID]; !ok {
		return audit.Entry{}, fmt.Errorf("%w: %s", domain.ErrActivityNotFound, entry.ActivityID)
	}
	return s.appendLocked(entry)
}

func (s *Store) History(_ context.Context, activityID string) ([]audit.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]audit.Entry(nil), s.entries[activityID]...), nil
}

func (s *Store) appendLocked(entry audit.Entry) (audit.Entry, error) {
	if len(s.auditFailures) > 0 {
		err := s.auditFailures[0]
		s.auditFailures = s.auditFailures[1:]
		if err == nil {
			err = errors.New("audit store unavailable")
		}
		return audit.Entry{}, fmt.Errorf("%w: %w", domain.ErrAuditWrite, err)
	}
	s.sequence++
	entry.Sequence = s.sequence
	s.entries[entry.ActivityID] = append(s.entries[entry.ActivityID], entry)
	return entry, nil
}

// before orders activities by (updated_at, id) descending.
func before(a domain.Activity, c domain.Cursor) bool {
	if a.UpdatedAt.Equal(c.UpdatedAt) {
		return a.ID < c.ID
	}
	return a.UpdatedAt.Before(c.UpdatedAt)
}

func cloneActivity(a domain.Activity) domain.Activity {
	if a.Route != nil {
		a.Route = append([]domain.RouteSample(nil), a.Route...)
	}
	return a
}
