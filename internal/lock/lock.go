// Package lock provides per-key exclusive claims with expiry.
package lock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrNotAcquired is returned when the key is already claimed.
var ErrNotAcquired = errors.New("lock already held")

// Claim is a held lock. Release is safe to call more than once.
type Claim interface {
	Release(ctx context.Context) error
}

// Locker hands out exclusive claims. A claim expires after ttl even if never released.
type Locker interface {
	TryAcquire(ctx context.Context, key string, ttl time.Duration) (Claim, error)
}

type memoryEntry struct {
	token   string
	expires time.Time
}

// MemoryLocker is a Locker for a single process.
type MemoryLocker struct {
	mu    sync.Mutex
	held  map[string]memoryEntry
	nowFn func() time.Time
}

// NewMemoryLocker constructs a MemoryLocker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: make(map[string]memoryEntry), nowFn: time.Now}
}

func (l *MemoryLocker) TryAcquire(ctx context.Context, key string, ttl time.Duration) (Claim, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.nowFn()
	if current, ok := l.held[key]; ok && now.Before(current.expires) {
		return nil, ErrNotAcquired
	}
	token := uuid.NewString()
	l.held[key] = memoryEntry{token: token, expires: now.Add(ttl)}
	return &memoryClaim{locker: l, key: key, token: token}, nil
}

type memoryClaim struct {
	locker *MemoryLocker
	key    string
	token  string
}

func (c *memoryClaim) Release(context.Context) error {
	c.locker.mu.Lock()
	defer c.locker.mu.Unlock()
	if current, ok := c.locker.held[c.key]; ok && current.token == c.token {
		delete(c.locker.held, c.key)
	}
	return nil
}
