// Package api exposes HTTP handlers for the settlement service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"example.com/settlement/internal/audit"
	"example.com/settlement/internal/auth"
	"example.com/settlement/internal/domain"
	"example.com/settlement/internal/persistence"
	"example.com/settlement/internal/settlement"
)

// Service is the settlement surface the handlers drive.
type Service interface {
	Ingest(ctx context.Context, req settlement.IngestRequest) (string, error)
	Get(ctx context.Context, activityID string) (domain.Activity, error)
	History(ctx context.Context, activityID string) ([]audit.Entry, error)
	Retry(ctx context.Context, activityID string) error
	FailedForReview(ctx context.Context, cursor *domain.Cursor, limit int) ([]domain.Activity, *domain.Cursor, error)
}

var _ Service = (*settlement.Coordinator)(nil)

// Handler coordinates HTTP requests with the settlement coordinator.
type Handler struct {
	service  Service
	feed     http.Handler
	validate *validator.Validate
	logger   zerolog.Logger
}

// NewHandler builds a Handler. feed serves the live audit stream and may be nil.
func NewHandler(service Service, feed http.Handler, logger zerolog.Logger) *Handler {
	return &Handler{
		service:  service,
		feed:     feed,
		validate: validator.New(),
		logger:   logger.With().Str("component", "api").Logger(),
	}
}

// RegisterRoutes wires endpoints to the mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/activities", h.ingest)
	mux.HandleFunc("GET /v1/activities/{id}", h.getActivity)
	mux.HandleFunc("GET /v1/activities/{id}/audit", h.history)
	mux.HandleFunc("POST /v1/activities/{id}/retry", h.retry)
	mux.HandleFunc("GET /v1/settlements/failed", h.failed)
	if h.feed != nil {
		mux.Handle("GET /v1/activities/stream", h.feed)
	}
	mux.HandleFunc("/healthz", healthz)
	mux.Handle("/metrics", promhttp.Handler())
}

// healthz reports a simple OK status for container health checks.
func healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h *Handler) ingest(w http.ResponseWriter, r *http.Request) {
	claims, ok := requireScope(w, r, auth.ScopeActivitiesWrite)
	if !ok {
		return
	}

	var req IngestActivityRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "unable to parse body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if req.UserID != claims.Subject && !claims.IsOperator() {
		writeError(w, http.StatusForbidden, "forbidden", "cannot submit activities for another user")
		return
	}

	id, err := h.service.Ingest(r.Context(), settlement.IngestRequest{
		UserID:     req.UserID,
		Ciphertext: req.Ciphertext,
		Nonce:      req.Nonce,
	})
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, IngestActivityResponse{ActivityID: id})
}

func (h *Handler) getActivity(w http.ResponseWriter, r *http.Request) {
	claims, ok := requireScope(w, r, auth.ScopeActivitiesRead)
	if !ok {
		return
	}

	activity, ok := h.loadVisible(w, r, claims)
	if !ok {
		return
	}
	if claims.IsOperator() {
		writeJSON(w, http.StatusOK, toOperatorView(activity))
		return
	}
	writeJSON(w, http.StatusOK, toActivityView(activity))
}

func (h *Handler) history(w http.ResponseWriter, r *http.Request) {
	claims, ok := requireScope(w, r, auth.ScopeActivitiesRead)
	if !ok {
		return
	}
	activity, ok := h.loadVisible(w, r, claims)
	if !ok {
		return
	}

	entries, err := h.service.History(r.Context(), activity.ID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	if !claims.IsOperator() {
		writeJSON(w, http.StatusOK, StatusHistoryResponse{ActivityID: activity.ID, Statuses: audit.UserHistory(entries)})
		return
	}
	if entries == nil {
		entries = []audit.Entry{}
	}
	writeJSON(w, http.StatusOK, AuditHistoryResponse{ActivityID: activity.ID, Entries: entries})
}

func (h *Handler) retry(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireScope(w, r, auth.ScopeSettlementOperate); !ok {
		return
	}

	id := r.PathValue("id")
	if err := h.service.Retry(r.Context(), id); err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.logger.Info().Str("activity_id", id).Msg("operator retry accepted")
	writeJSON(w, http.StatusAccepted, IngestActivityResponse{ActivityID: id})
}

func (h *Handler) failed(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireScope(w, r, auth.ScopeSettlementOperate); !ok {
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "invalid_request", "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	cursor, err := persistence.DecodeCursor(r.URL.Query().Get("cursor"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid cursor")
		return
	}

	activities, next, err := h.service.FailedForReview(r.Context(), cursor, limit)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	items := make([]OperatorActivityView, 0, len(activities))
	for _, a := range activities {
		items = append(items, toOperatorView(a))
	}
	writeJSON(w, http.StatusOK, ListActivitiesResponse{
		Items:      items,
		NextCursor: persistence.EncodeCursor(next),
	})
}

// loadVisible fetches the path activity and hides other users' activities from non-operators.
func (h *Handler) loadVisible(w http.ResponseWriter, r *http.Request, claims *auth.Claims) (domain.Activity, bool) {
	activity, err := h.service.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeServiceError(w, err)
		return domain.Activity{}, false
	}
	if activity.UserID != claims.Subject && !claims.IsOperator() {
		writeError(w, http.StatusNotFound, "not_found", "activity not found")
		return domain.Activity{}, false
	}
	return activity, true
}

func (h *Handler) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrDecryption):
		writeError(w, http.StatusBadRequest, "decryption_failed", "payload could not be decrypted")
	case errors.Is(err, domain.ErrSchema):
		writeError(w, http.StatusBadRequest, "schema_invalid", err.Error())
	case errors.Is(err, domain.ErrActivityNotFound):
		writeError(w, http.StatusNotFound, "not_found", "activity not found")
	case errors.Is(err, domain.ErrNotRetryable):
		writeError(w, http.StatusConflict, "not_retryable", err.Error())
	case errors.Is(err, domain.ErrStateConflict), errors.Is(err, domain.ErrSettlementInProgress):
		writeError(w, http.StatusConflict, "conflict", err.Error())
	default:
		h.logger.Error().Err(err).Msg("request failed")
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
	}
}

func requireScope(w http.ResponseWriter, r *http.Request, scope string) (*auth.Claims, bool) {
	claims, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return nil, false
	}
	if !claims.HasScope(scope) {
		writeError(w, http.StatusForbidden, "forbidden", "scope "+scope+" required")
		return nil, false
	}
	return claims, true
}

const maxBodyBytes = 1 << 20

// IngestActivityRequest is the payload for POST /v1/activities. Binary fields are base64 encoded.
type IngestActivityRequest struct {
	UserID     string `json:"user_id" validate:"required,max=128"`
	Ciphertext []byte `json:"ciphertext" validate:"required,min=16"`
	Nonce      []byte `json:"nonce" validate:"required"`
}

// IngestActivityResponse acknowledges an accepted activity.
type IngestActivityResponse struct {
	ActivityID string `json:"activity_id"`
}

// ActivityView is what an activity's owner sees: measurements and the user-facing status only.
type ActivityView struct {
	ActivityID      string    `json:"activity_id"`
	UserID          string    `json:"user_id"`
	ActivityType    string    `json:"activity_type,omitempty"`
	DistanceMeters  float64   `json:"distance_meters"`
	DurationSeconds float64   `json:"duration_seconds"`
	CaloriesKcal    float64   `json:"calories_kcal"`
	RecordedAt      time.Time `json:"recorded_at"`
	ReceivedAt      time.Time `json:"received_at"`
	Status          string    `json:"status"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// OperatorActivityView adds the internal state and failure details for operators.
type OperatorActivityView struct {
	ActivityView
	State            string `json:"state"`
	RejectionReason  string `json:"rejection_reason,omitempty"`
	FailureReason    string `json:"failure_reason,omitempty"`
	FailureRetryable bool   `json:"failure_retryable,omitempty"`
}

// AuditHistoryResponse lists the full audit trail of one activity for operators.
type AuditHistoryResponse struct {
	ActivityID string        `json:"activity_id"`
	Entries    []audit.Entry `json:"entries"`
}

// StatusHistoryResponse lists the status changes an owner may see.
type StatusHistoryResponse struct {
	ActivityID string               `json:"activity_id"`
	Statuses   []audit.StatusUpdate `json:"statuses"`
}

// ListActivitiesResponse packages list results.
type ListActivitiesResponse struct {
	Items      []OperatorActivityView `json:"items"`
	NextCursor string                 `json:"next_cursor,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code, detail string) {
	writeJSON(w, status, map[string]string{
		"error":  code,
		"detail": detail,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func toActivityView(a domain.Activity) ActivityView {
	return ActivityView{
		ActivityID:      a.ID,
		UserID:          a.UserID,
		ActivityType:    string(a.ActivityType),
		DistanceMeters:  a.DistanceMeters,
		DurationSeconds: a.DurationSeconds,
		CaloriesKcal:    a.CaloriesKcal,
		RecordedAt:      a.RecordedAt,
		ReceivedAt:      a.ReceivedAt,
		Status:          domain.UserStatus(a),
		UpdatedAt:       a.UpdatedAt,
	}
}

func toOperatorView(a domain.Activity) OperatorActivityView {
	return OperatorActivityView{
		ActivityView:     toActivityView(a),
		State:            string(a.State),
		RejectionReason:  a.RejectionReason,
		FailureReason:    a.FailureReason,
		FailureRetryable: a.FailureRetryable,
	}
}
