// Package auth validates bearer tokens and carries the caller's claims through request contexts.
package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Config holds the HS256 verification parameters. An empty Issuer accepts any issuer.
type Config struct {
	Secret string
	Issuer string
}

// Claims is the authenticated caller.
type Claims struct {
	Subject   string
	Scopes    map[string]struct{}
	ExpiresAt time.Time
}

var (
	// ErrMissingToken is returned when a request carries no token.
	ErrMissingToken = errors.New("missing bearer token")
	// ErrInvalidToken wraps every signature, expiry, issuer or shape failure.
	ErrInvalidToken = errors.New("invalid bearer token")
)

// tokenClaims is the JWT body issued by the identity service.
type tokenClaims struct {
	Scopes scopeList `json:"scopes,omitempty"`
	jwt.RegisteredClaims
}

// scopeList accepts scopes either as a JSON array or as one space-delimited string.
type scopeList []string

func (s *scopeList) UnmarshalJSON(data []byte) error {
	var joined string
	if err := json.Unmarshal(data, &joined); err == nil {
		*s = strings.Fields(joined)
		return nil
	}
	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return fmt.Errorf("scopes: %w", err)
	}
	*s = list
	return nil
}

// Parse verifies token against cfg and returns its claims. Tokens must carry a subject and an
// expiry.
func Parse(token string, cfg Config) (*Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrMissingToken
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}),
		jwt.WithExpirationRequired(),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}

	var body tokenClaims
	if _, err := jwt.ParseWithClaims(token, &body, func(*jwt.Token) (interface{}, error) {
		return []byte(cfg.Secret), nil
	}, opts...); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if body.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}

	scopes := make(map[string]struct{}, len(body.Scopes))
	for _, scope := range body.Scopes {
		if scope != "" {
			scopes[scope] = struct{}{}
		}
	}
	return &Claims{
		Subject:   body.Subject,
		Scopes:    scopes,
		ExpiresAt: body.ExpiresAt.Time,
	}, nil
}

// HasScope reports whether the caller was granted scope.
func (c *Claims) HasScope(scope string) bool {
	if c == nil {
		return false
	}
	_, ok := c.Scopes[scope]
	return ok
}

// IsOperator reports whether the caller may act on other users' activities.
func (c *Claims) IsOperator() bool {
	return c.HasScope(ScopeSettlementOperate)
}
