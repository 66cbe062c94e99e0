// Package postgres stores activities, submissions, the audit log and the outbox in one database so
// every transition commits atomically with its audit entry and outgoing events.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"example.com/settlement/internal/audit"
	"example.com/settlement/internal/domain"
	"example.com/settlement/internal/events"
	"example.com/settlement/internal/settlement"
)

const activityColumns = `activity_id, user_id, activity_type, distance_meters, duration_seconds, calories_kcal, route,
        recorded_at, received_at, state, rejection_reason, failure_reason, failure_retryable, created_at, updated_at`

const foreignKeyViolation = "23503"

// checkActivityID rejects ids that cannot name a stored activity before they reach a uuid column.
func checkActivityID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return fmt.Errorf("%w: %s", domain.ErrActivityNotFound, id)
	}
	return nil
}

// Repository provides Postgres-backed persistence for the settlement pipeline.
type Repository struct {
	pool *pgxpool.Pool
}

var _ settlement.Store = (*Repository)(nil)

// NewRepository constructs a Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// CreateActivity persists the aggregate, its first audit entry and the outbox event in one transaction.
func (r *Repository) CreateActivity(ctx context.Context, activity domain.Activity, entry audit.Entry) (stored audit.Entry, err error) {
	route, err := marshalRoute(activity.Route)
	if err != nil {
		return audit.Entry{}, err
	}

	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return audit.Entry{}, err
	}
	defer func() {
		if err != nil {
			tx.Rollback(ctx)
		}
	}()

	const insertActivity = `INSERT INTO activities (` + activityColumns + `)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`

	if _, err = tx.Exec(ctx, insertActivity,
		activity.ID,
		activity.UserID,
		string(activity.ActivityType),
		activity.DistanceMeters,
		activity.DurationSeconds,
		activity.CaloriesKcal,
		route,
		activity.RecordedAt,
		activity.ReceivedAt,
		string(activity.State),
		nullIfEmpty(activity.RejectionReason),
		nullIfEmpty(activity.FailureReason),
		activity.FailureRetryable,
		activity.CreatedAt,
		activity.UpdatedAt,
	); err != nil {
		return audit.Entry{}, err
	}

	if stored, err = r.appendTx(ctx, tx, entry); err != nil {
		return audit.Entry{}, err
	}

	if err = tx.Commit(ctx); err != nil {
		return audit.Entry{}, err
	}
	return stored, nil
}

// GetActivity retrieves an activity by ID.
func (r *Repository) GetActivity(ctx context.Context, id string) (domain.Activity, error) {
	if err := checkActivityID(id); err != nil {
		return domain.Activity{}, err
	}
	row := r.pool.QueryRow(ctx, `SELECT `+activityColumns+` FROM activities WHERE activity_id=$1`, id)
	activity, err := scanActivity(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Activity{}, fmt.Errorf("%w: %s", domain.ErrActivityNotFound, id)
	}
	if err != nil {
		return domain.Activity{}, err
	}
	return activity, nil
}

// LatestSubmission returns the newest attempt or nil.
func (r *Repository) LatestSubmission(ctx context.Context, activityID string) (*domain.RewardSubmission, error) {
	if err := checkActivityID(activityID); err != nil {
		return nil, err
	}
	const query = `SELECT activity_id, idempotency_key, attempt, COALESCE(tx_reference, ''), outcome, rechecks, created_at, updated_at
        FROM reward_submissions WHERE activity_id=$1 ORDER BY attempt DESC LIMIT 1`

	var sub domain.RewardSubmission
	err := r.pool.QueryRow(ctx, query, activityID).Scan(
		&sub.ActivityID, &sub.IdempotencyKey, &sub.Attempt, &sub.TxReference, &sub.Outcome, &sub.Rechecks, &sub.CreatedAt, &sub.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

// Transition applies a compare-and-set state change with its audit row and outbox event.
func (r *Repository) Transition(ctx context.Context, t settlement.Transition) (activity domain.Activity, entry audit.Entry, err error) {
	if err := checkActivityID(t.ActivityID); err != nil {
		return domain.Activity{}, audit.Entry{}, err
	}
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return domain.Activity{}, audit.Entry{}, err
	}
	defer func() {
		if err != nil {
			tx.Rollback(ctx)
		}
	}()

	activity, err = scanActivity(tx.QueryRow(ctx, `SELECT `+activityColumns+` FROM activities WHERE activity_id=$1 FOR UPDATE`, t.ActivityID))
	if errors.Is(err, pgx.ErrNoRows) {
		err = fmt.Errorf("%w: %s", domain.ErrActivityNotFound, t.ActivityID)
		return domain.Activity{}, audit.Entry{}, err
	}
	if err != nil {
		return domain.Activity{}, audit.Entry{}, err
	}
	if activity.State != t.From {
		err = fmt.Errorf("%w: %s is %s, expected %s", domain.ErrStateConflict, t.ActivityID, activity.State, t.From)
		return domain.Activity{}, audit.Entry{}, err
	}
	if err = domain.ValidateTransition(t.From, t.To); err != nil {
		return domain.Activity{}, audit.Entry{}, err
	}

	t.Apply(&activity)

	tag, err := tx.Exec(ctx,
		`UPDATE activities
            SET state=$3, rejection_reason=$4, failure_reason=$5, failure_retryable=$6, updated_at=$7
          WHERE activity_id=$1 AND state=$2`,
		t.ActivityID, string(t.From), string(activity.State),
		nullIfEmpty(activity.RejectionReason), nullIfEmpty(activity.FailureReason), activity.FailureRetryable,
		activity.UpdatedAt,
	)
	if err != nil {
		return domain.Activity{}, audit.Entry{}, err
	}
	if tag.RowsAffected() != 1 {
		err = fmt.Errorf("%w: %s", domain.ErrStateConflict, t.ActivityID)
		return domain.Activity{}, audit.Entry{}, err
	}

	if t.OpenSubmission {
		if _, err = tx.Exec(ctx,
			`INSERT INTO reward_submissions (activity_id, attempt, idempotency_key, outcome, created_at, updated_at)
             SELECT $1::uuid, COALESCE(MAX(attempt), 0) + 1, $2::text, 'pending', $3::timestamptz, $3::timestamptz FROM reward_submissions WHERE activity_id=$1::uuid`,
			t.ActivityID, domain.IdempotencyKeyFor(t.ActivityID), t.At,
		); err != nil {
			return domain.Activity{}, audit.Entry{}, err
		}
	}
	if t.CloseSubmission != "" || t.CountRecheck {
		recheck := 0
		if t.CountRecheck {
			recheck = 1
		}
		if _, err = tx.Exec(ctx,
			`UPDATE reward_submissions
                SET outcome = COALESCE(NULLIF($2::text, ''), outcome), rechecks = rechecks + $3::int, updated_at = $4
              WHERE activity_id = $1
                AND attempt = (SELECT MAX(attempt) FROM reward_submissions WHERE activity_id = $1)`,
			t.ActivityID, string(t.CloseSubmission), recheck, t.At,
		); err != nil {
			return domain.Activity{}, audit.Entry{}, err
		}
	}

	entry, err = r.appendTx(ctx, tx, audit.Entry{
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

	if err = tx.Commit(ctx); err != nil {
		return domain.Activity{}, audit.Entry{}, err
	}
	return activity, entry, nil
}

// AttachHandle records the ledger reference of a pending attempt.
func (r *Repository) AttachHandle(ctx context.Context, activityID string, attempt int, txReference string) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE reward_submissions SET tx_reference=$3, updated_at=NOW()
          WHERE activity_id=$1 AND attempt=$2 AND outcome='pending'`,
		activityID, attempt, txReference,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: attempt %d of %s is not pending", domain.ErrStateConflict, attempt, activityID)
	}
	return nil
}

// ListByStates returns activities in any of states, oldest update first. limit <= 0 means no limit.
func (r *Repository) ListByStates(ctx context.Context, states []domain.ActivityState, limit int) ([]domain.Activity, error) {
	names := make([]string, 0, len(states))
	for _, s := range states {
		names = append(names, string(s))
	}

	args := []interface{}{names}
	query := `SELECT ` + activityColumns + ` FROM activities WHERE state = ANY($1) ORDER BY updated_at, activity_id`
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectActivities(rows, limit)
}

// ListFailed returns failed activities ordered by most recent update.
func (r *Repository) ListFailed(ctx context.Context, cursor *domain.Cursor, limit int) ([]domain.Activity, *domain.Cursor, error) {
	args := []interface{}{string(domain.StateFailed), limit}
	query := `SELECT ` + activityColumns + ` FROM activities WHERE state=$1`

	if cursor != nil {
		query += ` AND (updated_at, activity_id) < ($3, $4)`
		args = append(args, cursor.UpdatedAt, cursor.ID)
	}

	query += ` ORDER BY updated_at DESC, activity_id DESC LIMIT $2`

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	results, err := collectActivities(rows, limit)
	if err != nil {
		return nil, nil, err
	}

	var nextCursor *domain.Cursor
	if len(results) == limit {
		last := results[len(results)-1]
		nextCursor = &domain.Cursor{UpdatedAt: last.UpdatedAt, ID: last.ID}
	}
	return results, nextCursor, nil
}

// Append stores an audit entry that does not change state.
func (r *Repository) Append(ctx context.Context, entry audit.Entry) (stored audit.Entry, err error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return audit.Entry{}, fmt.Errorf("%w: %v", domain.ErrAuditWrite, err)
	}
	defer func() {
		if err != nil {
			tx.Rollback(ctx)
		}
	}()

	if stored, err = r.appendTx(ctx, tx, entry); err != nil {
		return audit.Entry{}, err
	}
	if err = tx.Commit(ctx); err != nil {
		err = fmt.Errorf("%w: %v", domain.ErrAuditWrite, err)
		return audit.Entry{}, err
	}
	return stored, nil
}

// History returns the audit trail ordered by sequence.
func (r *Repository) History(ctx context.Context, activityID string) ([]audit.Entry, error) {
	if err := checkActivityID(activityID); err != nil {
		return nil, err
	}
	rows, err := r.pool.Query(ctx,
		`SELECT sequence, activity_id, user_id, COALESCE(from_state, ''), to_state, kind, COALESCE(detail, ''), recorded_at
           FROM activity_audit_log WHERE activity_id=$1 ORDER BY sequence`, activityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []audit.Entry
	for rows.Next() {
		var e audit.Entry
		if err := rows.Scan(&e.Sequence, &e.ActivityID, &e.UserID, &e.FromState, &e.ToState, &e.Kind, &e.Detail, &e.Timestamp); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// appendTx writes the audit row and its outbox event. Any failure is an audit write failure.
func (r *Repository) appendTx(ctx context.Context, tx pgx.Tx, entry audit.Entry) (audit.Entry, error) {
	err := tx.QueryRow(ctx,
		`INSERT INTO activity_audit_log (activity_id, user_id, from_state, to_state, kind, detail, recorded_at)
         VALUES ($1,$2,$3,$4,$5,$6,$7) RETURNING sequence`,
		entry.ActivityID, entry.UserID, nullIfEmpty(string(entry.FromState)), string(entry.ToState),
		string(entry.Kind), nullIfEmpty(entry.Detail), entry.Timestamp,
	).Scan(&entry.Sequence)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == foreignKeyViolation {
			return audit.Entry{}, fmt.Errorf("%w: %s", domain.ErrActivityNotFound, entry.ActivityID)
		}
		return audit.Entry{}, fmt.Errorf("%w: %v", domain.ErrAuditWrite, err)
	}

	if err := insertOutbox(ctx, tx, EventActivityAudited, entry.ActivityID, fmt.Sprintf("audit:%d", entry.Sequence), events.ActivityAudited{
		Sequence:   entry.Sequence,
		ActivityID: entry.ActivityID,
		UserID:     entry.UserID,
		FromState:  string(entry.FromState),
		ToState:    string(entry.ToState),
		Kind:       string(entry.Kind),
		Detail:     entry.Detail,
		OccurredAt: entry.Timestamp,
	}, time.Time{}); err != nil {
		return audit.Entry{}, fmt.Errorf("%w: outbox: %v", domain.ErrAuditWrite, err)
	}
	return entry, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanActivity(row rowScanner) (domain.Activity, error) {
	var (
		a               domain.Activity
		activityType    string
		state           string
		route           []byte
		rejectionReason *string
		failureReason   *string
	)
	if err := row.Scan(
		&a.ID, &a.UserID, &activityType, &a.DistanceMeters, &a.DurationSeconds, &a.CaloriesKcal, &route,
		&a.RecordedAt, &a.ReceivedAt, &state, &rejectionReason, &failureReason, &a.FailureRetryable, &a.CreatedAt, &a.UpdatedAt,
	); err != nil {
		return domain.Activity{}, err
	}
	a.ActivityType = domain.ActivityType(activityType)
	a.State = domain.ActivityState(state)
	if rejectionReason != nil {
		a.RejectionReason = *rejectionReason
	}
	if failureReason != nil {
		a.FailureReason = *failureReason
	}
	if len(route) > 0 {
		if err := json.Unmarshal(route, &a.Route); err != nil {
			return domain.Activity{}, fmt.Errorf("decode route: %w", err)
		}
	}
	return a, nil
}

func collectActivities(rows pgx.Rows, limit int) ([]domain.Activity, error) {
	capacity := limit
	if capacity <= 0 {
		capacity = 16
	}
	results := make([]domain.Activity, 0, capacity)
	for rows.Next() {
		a, err := scanActivity(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, a)
	}
	return results, rows.Err()
}

func marshalRoute(route []domain.RouteSample) ([]byte, error) {
	if len(route) == 0 {
		return nil, nil
	}
	return json.Marshal(route)
}

func nullIfEmpty(value string) interface{} {
	if value == "" {
		return nil
	}
	return value
}
