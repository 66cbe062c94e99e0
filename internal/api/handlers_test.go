package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"example.com/settlement/internal/audit"
	"example.com/settlement/internal/auth"
	"example.com/settlement/internal/domain"
	"example.com/settlement/internal/persistence"
	"example.com/settlement/internal/settlement"
)

type stubService struct {
	ingestErr  error
	ingested   []settlement.IngestRequest
	activities map[string]domain.Activity
	history    []audit.Entry
	retryErr   error
	retried    []string
	failed     []domain.Activity
	next       *domain.Cursor
	gotCursor  *domain.Cursor
	gotLimit   int
}

func (s *stubService) Ingest(_ context.Context, req settlement.IngestRequest) (string, error) {
	if s.ingestErr != nil {
		return "", s.ingestErr
	}
	s.ingested = append(s.ingested, req)
	return "act-new", nil
}

func (s *stubService) Get(_ context.Context, id string) (domain.Activity, error) {
	a, ok := s.activities[id]
	if !ok {
		return domain.Activity{}, fmt.Errorf("%w: %s", domain.ErrActivityNotFound, id)
	}
	return a, nil
}

func (s *stubService) History(context.Context, string) ([]audit.Entry, error) {
	return s.history, nil
}

func (s *stubService) Retry(_ context.Context, id string) error {
	s.retried = append(s.retried, id)
	return s.retryErr
}

func (s *stubService) FailedForReview(_ context.Context, cursor *domain.Cursor, limit int) ([]domain.Activity, *domain.Cursor, error) {
	s.gotCursor = cursor
	s.gotLimit = limit
	return s.failed, s.next, nil
}

func caller(subject string, scopes ...string) *auth.Claims {
	set := make(map[string]struct{}, len(scopes))
	for _, s := range scopes {
		set[s] = struct{}{}
	}
	return &auth.Claims{Subject: subject, Scopes: set, ExpiresAt: time.Now().Add(time.Hour)}
}

func serve(t *testing.T, svc Service, claims *auth.Claims, method, target string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	mux := http.NewServeMux()
	NewHandler(svc, nil, zerolog.Nop()).RegisterRoutes(mux)

	req := httptest.NewRequest(method, target, reader)
	if claims != nil {
		req = req.WithContext(auth.WithClaims(req.Context(), claims))
	}
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	return rr
}

func errorCode(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	return body["error"]
}

func ingestBody(user string) map[string]interface{} {
	return map[string]interface{}{
		"user_id":    user,
		"ciphertext": bytes.Repeat([]byte{1}, 32),
		"nonce":      bytes.Repeat([]byte{2}, 24),
	}
}

func TestIngestAcceptsOwnActivity(t *testing.T) {
	svc := &stubService{}
	rr := serve(t, svc, caller("user-1", auth.ScopeActivitiesWrite), http.MethodPost, "/v1/activities", ingestBody("user-1"))

	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())
	var resp IngestActivityResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Equal(t, "act-new", resp.ActivityID)
	require.Len(t, svc.ingested, 1)
	require.Len(t, svc.ingested[0].Nonce, 24)
}

func TestIngestRejectsOtherUsersActivity(t *testing.T) {
	svc := &stubService{}
	rr := serve(t, svc, caller("user-1", auth.ScopeActivitiesWrite), http.MethodPost, "/v1/activities", ingestBody("user-2"))

	require.Equal(t, http.StatusForbidden, rr.Code)
	require.Empty(t, svc.ingested)

	rr = serve(t, svc, caller("ops", auth.ScopeActivitiesWrite, auth.ScopeSettlementOperate), http.MethodPost, "/v1/activities", ingestBody("user-2"))
	require.Equal(t, http.StatusAccepted, rr.Code)
}

func TestIngestMapsCodecErrors(t *testing.T) {
	cases := map[string]error{
		"decryption_failed": fmt.Errorf("%w: authentication failed", domain.ErrDecryption),
		"schema_invalid":    fmt.Errorf("%w: distance_meters required", domain.ErrSchema),
	}
	for code, err := range cases {
		t.Run(code, func(t *testing.T) {
			rr := serve(t, &stubService{ingestErr: err}, caller("user-1", auth.ScopeActivitiesWrite), http.MethodPost, "/v1/activities", ingestBody("user-1"))
			require.Equal(t, http.StatusBadRequest, rr.Code)
			require.Equal(t, code, errorCode(t, rr))
		})
	}
}

func TestIngestValidatesRequest(t *testing.T) {
	claims := caller("user-1", auth.ScopeActivitiesWrite)

	rr := serve(t, &stubService{}, claims, http.MethodPost, "/v1/activities", map[string]interface{}{"user_id": "user-1"})
	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Equal(t, "invalid_request", errorCode(t, rr))

	rr = serve(t, &stubService{}, nil, http.MethodPost, "/v1/activities", ingestBody("user-1"))
	require.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = serve(t, &stubService{}, caller("user-1", auth.ScopeActivitiesRead), http.MethodPost, "/v1/activities", ingestBody("user-1"))
	require.Equal(t, http.StatusForbidden, rr.Code)
}

func TestGetActivityShowsUserStatus(t *testing.T) {
	svc := &stubService{activities: map[string]domain.Activity{
		"act-1": {ID: "act-1", UserID: "user-1", State: domain.StateSubmitted},
		"act-2": {ID: "act-2", UserID: "user-1", State: domain.StateRejected, RejectionReason: "speed_exceeds_limit"},
	}}
	claims := caller("user-1", auth.ScopeActivitiesRead)

	rr := serve(t, svc, claims, http.MethodGet, "/v1/activities/act-1", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var view ActivityView
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &view))
	require.Equal(t, "pending", view.Status)

	rr = serve(t, svc, claims, http.MethodGet, "/v1/activities/act-2", nil)
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &view))
	require.Equal(t, "rejected — speed_exceeds_limit", view.Status)

	rr = serve(t, svc, claims, http.MethodGet, "/v1/activities/missing", nil)
	require.Equal(t, http.StatusNotFound, rr.Code)
}

func TestOwnerViewsHideSettlementInternals(t *testing.T) {
	svc := &stubService{
		activities: map[string]domain.Activity{
			"act-1": {ID: "act-1", UserID: "user-1", State: domain.StateFailed, FailureReason: "ledger unavailable: dial tcp 10.0.0.7:8545", FailureRetryable: true},
		},
		history: []audit.Entry{
			{Sequence: 1, ActivityID: "act-1", ToState: domain.StateReceived, Kind: audit.KindTransition},
			{Sequence: 2, ActivityID: "act-1", FromState: domain.StateReceived, ToState: domain.StateValidated, Kind: audit.KindTransition},
			{Sequence: 3, ActivityID: "act-1", FromState: domain.StateValidated, ToState: domain.StateSubmitted, Kind: audit.KindTransition},
			{Sequence: 4, ActivityID: "act-1", FromState: domain.StateSubmitted, ToState: domain.StateSubmitted, Kind: audit.KindTransientLedgerError, Detail: "dial tcp 10.0.0.7:8545"},
			{Sequence: 5, ActivityID: "act-1", FromState: domain.StateSubmitted, ToState: domain.StateFailed, Kind: audit.KindTransition, Detail: "ledger unavailable: dial tcp 10.0.0.7:8545"},
		},
	}
	owner := caller("user-1", auth.ScopeActivitiesRead)

	rr := serve(t, svc, owner, http.MethodGet, "/v1/activities/act-1", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var fields map[string]interface{}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &fields))
	require.Equal(t, "failed — contact support", fields["status"])
	for _, key := range []string{"state", "failure_reason", "failure_retryable", "rejection_reason"} {
		require.NotContains(t, fields, key)
	}
	require.NotContains(t, rr.Body.String(), "10.0.0.7")

	rr = serve(t, svc, owner, http.MethodGet, "/v1/activities/act-1/audit", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	require.NotContains(t, rr.Body.String(), "transient_ledger_error")
	require.NotContains(t, rr.Body.String(), "10.0.0.7")
	require.NotContains(t, rr.Body.String(), "detail")

	var history StatusHistoryResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &history))
	statuses := make([]string, 0, len(history.Statuses))
	for _, u := range history.Statuses {
		statuses = append(statuses, u.Status)
	}
	require.Equal(t, []string{"pending", "failed — contact support"}, statuses)

	ops := caller("ops", auth.ScopeActivitiesRead, auth.ScopeSettlementOperate)
	rr = serve(t, svc, ops, http.MethodGet, "/v1/activities/act-1", nil)
	var view OperatorActivityView
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &view))
	require.Equal(t, "failed", view.State)
	require.True(t, view.FailureRetryable)
	require.Contains(t, view.FailureReason, "ledger unavailable")
}

func TestActivitiesOfOtherUsersAreHidden(t *testing.T) {
	svc := &stubService{activities: map[string]domain.Activity{
		"act-1": {ID: "act-1", UserID: "user-1", State: domain.StateConfirmed},
	}}

	rr := serve(t, svc, caller("user-2", auth.ScopeActivitiesRead), http.MethodGet, "/v1/activities/act-1", nil)
	require.Equal(t, http.StatusNotFound, rr.Code)

	rr = serve(t, svc, caller("user-2", auth.ScopeActivitiesRead), http.MethodGet, "/v1/activities/act-1/audit", nil)
	require.Equal(t, http.StatusNotFound, rr.Code)

	rr = serve(t, svc, caller("ops", auth.ScopeActivitiesRead, auth.ScopeSettlementOperate), http.MethodGet, "/v1/activities/act-1", nil)
	require.Equal(t, http.StatusOK, rr.Code)
}

func TestHistoryReturnsEntriesInOrder(t *testing.T) {
	svc := &stubService{
		activities: map[string]domain.Activity{"act-1": {ID: "act-1", UserID: "user-1"}},
		history: []audit.Entry{
			{Sequence: 1, ActivityID: "act-1", ToState: domain.StateReceived, Kind: audit.KindTransition},
			{Sequence: 2, ActivityID: "act-1", FromState: domain.StateReceived, ToState: domain.StateValidated, Kind: audit.KindTransition},
		},
	}

	rr := serve(t, svc, caller("ops", auth.ScopeActivitiesRead, auth.ScopeSettlementOperate), http.MethodGet, "/v1/activities/act-1/audit", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	var resp AuditHistoryResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Len(t, resp.Entries, 2)
	require.Equal(t, int64(2), resp.Entries[1].Sequence)

	rr = serve(t, svc, caller("user-1", auth.ScopeActivitiesRead), http.MethodGet, "/v1/activities/act-1/audit", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	var owner StatusHistoryResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &owner))
	require.Len(t, owner.Statuses, 1)
	require.Equal(t, "pending", owner.Statuses[0].Status)
}

func TestRetryRequiresOperator(t *testing.T) {
	svc := &stubService{}

	rr := serve(t, svc, caller("user-1", auth.ScopeActivitiesRead, auth.ScopeActivitiesWrite), http.MethodPost, "/v1/activities/act-1/retry", nil)
	require.Equal(t, http.StatusForbidden, rr.Code)
	require.Empty(t, svc.retried)

	rr = serve(t, svc, caller("ops", auth.ScopeSettlementOperate), http.MethodPost, "/v1/activities/act-1/retry", nil)
	require.Equal(t, http.StatusAccepted, rr.Code)
	require.Equal(t, []string{"act-1"}, svc.retried)
}

func TestRetryOfNonRetryableFailureConflicts(t *testing.T) {
	svc := &stubService{retryErr: fmt.Errorf("%w: act-1 is failed", domain.ErrNotRetryable)}

	rr := serve(t, svc, caller("ops", auth.ScopeSettlementOperate), http.MethodPost, "/v1/activities/act-1/retry", nil)
	require.Equal(t, http.StatusConflict, rr.Code)
	require.Equal(t, "not_retryable", errorCode(t, rr))
}

func TestFailedListingPaginates(t *testing.T) {
	now := time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)
	next := &domain.Cursor{UpdatedAt: now, ID: "act-2"}
	svc := &stubService{
		failed: []domain.Activity{
			{ID: "act-1", UserID: "user-1", State: domain.StateFailed, FailureReason: "retries exhausted", FailureRetryable: true, UpdatedAt: now.Add(time.Minute)},
			{ID: "act-2", UserID: "user-2", State: domain.StateFailed, FailureReason: "reverted", UpdatedAt: now},
		},
		next: next,
	}
	claims := caller("ops", auth.ScopeSettlementOperate)

	rr := serve(t, svc, claims, http.MethodGet, "/v1/settlements/failed?limit=2", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	var resp ListActivitiesResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Len(t, resp.Items, 2)
	require.Equal(t, "failed — contact support", resp.Items[0].Status)
	require.True(t, resp.Items[0].FailureRetryable)
	require.Equal(t, persistence.EncodeCursor(next), resp.NextCursor)
	require.Equal(t, 2, svc.gotLimit)

	rr = serve(t, svc, claims, http.MethodGet, "/v1/settlements/failed?cursor="+resp.NextCursor, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	require.NotNil(t, svc.gotCursor)
	require.Equal(t, "act-2", svc.gotCursor.ID)
	require.True(t, now.Equal(svc.gotCursor.UpdatedAt))

	rr = serve(t, svc, claims, http.MethodGet, "/v1/settlements/failed?cursor=not*base64", nil)
	require.Equal(t, http.StatusBadRequest, rr.Code)

	rr = serve(t, svc, caller("user-1", auth.ScopeActivitiesRead), http.MethodGet, "/v1/settlements/failed", nil)
	require.Equal(t, http.StatusForbidden, rr.Code)
}

func TestHealthz(t *testing.T) {
	rr := serve(t, &stubService{}, nil, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "ok", rr.Body.String())
}
