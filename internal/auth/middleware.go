package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
)

type contextKey struct{}

// WithClaims returns a copy of ctx carrying claims.
func WithClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, contextKey{}, claims)
}

// FromContext returns the claims attached by the middleware, if any.
func FromContext(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(contextKey{}).(*Claims)
	return claims, ok && claims != nil
}

// Middleware authenticates every request except health and metrics probes. Paths registered as
// query-token paths also accept ?access_token=, since browsers cannot set headers on a
// websocket upgrade.
type Middleware struct {
	cfg        Config
	public     map[string]bool
	queryToken map[string]bool
}

// NewMiddleware builds a Middleware for cfg.
func NewMiddleware(cfg Config, queryTokenPaths ...string) *Middleware {
	m := &Middleware{
		cfg:        cfg,
		public:     map[string]bool{"/healthz": true, "/metrics": true},
		queryToken: make(map[string]bool, len(queryTokenPaths)),
	}
	for _, p := range queryTokenPaths {
		m.queryToken[p] = true
	}
	return m
}

// Wrap rejects unauthenticated requests with 401 and passes the rest to next with their claims
// in the request context.
func (m *Middleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.public[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		claims, err := m.authenticate(r)
		if err != nil {
			unauthorized(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
	})
}

func (m *Middleware) authenticate(r *http.Request) (*Claims, error) {
	token, err := m.bearer(r)
	if err != nil {
		return nil, err
	}
	return Parse(token, m.cfg)
}

func (m *Middleware) bearer(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		if m.queryToken[r.URL.Path] {
			return r.URL.Query().Get("access_token"), nil
		}
		return "", ErrMissingToken
	}
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "bearer") {
		return "", ErrInvalidToken
	}
	return token, nil
}

func unauthorized(w http.ResponseWriter, err error) {
	code := "invalid_token"
	if errors.Is(err, ErrMissingToken) {
		code = "missing_token"
	}
	w.Header().Set("WWW-Authenticate", `Bearer error="`+code+`"`)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": code, "message": err.Error()})
}
