// Package persistence holds helpers shared by the store implementations.
package persistence

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"example.com/settlement/internal/domain"
)

// ErrInvalidCursor reports a page token that was not produced by EncodeCursor.
var ErrInvalidCursor = errors.New("invalid cursor")

// cursorToken is the wire shape of a page token. Timestamps travel as Unix nanoseconds so the
// keyset comparison in SQL sees exactly the value that was read.
type cursorToken struct {
	UpdatedAt int64  `json:"u"`
	ID        string `json:"id"`
}

// EncodeCursor serialises c to an opaque URL-safe token. A nil cursor encodes to "".
func EncodeCursor(c *domain.Cursor) string {
	if c == nil {
		return ""
	}
	raw, _ := json.Marshal(cursorToken{UpdatedAt: c.UpdatedAt.UnixNano(), ID: c.ID})
	return base64.RawURLEncoding.EncodeToString(raw)
}

// DecodeCursor parses a token from EncodeCursor. A blank token means the first page and decodes
// to nil.
func DecodeCursor(token string) (*domain.Cursor, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(token, "="))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}
	var tok cursorToken
	if err := json.Unmarshal(raw, &tok); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}
	if tok.ID == "" || tok.UpdatedAt <= 0 {
		return nil, ErrInvalidCursor
	}
	return &domain.Cursor{UpdatedAt: time.Unix(0, tok.UpdatedAt).UTC(), ID: tok.ID}, nil
}
