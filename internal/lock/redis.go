package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only while it still carries our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker shares claims across processes through Redis.
type RedisLocker struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisLocker constructs a RedisLocker. Keys are stored under prefix.
func NewRedisLocker(client redis.UniversalClient, prefix string) *RedisLocker {
	if prefix == "" {
		prefix = "settlement:claim:"
	}
	return &RedisLocker{client: client, prefix: prefix}
}

// Connect configures a Redis client using the supplied URL.
func Connect(ctx context.Context, url string) (*redis.Client, error) {
	if url == "" {
		return nil, fmt.Errorf("redis url must not be empty")
	}
	options, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	client := redis.NewClient(options)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("unable to connect to redis: %w", err)
	}
	return client, nil
}

func (l *RedisLocker) TryAcquire(ctx context.Context, key string, ttl time.Duration) (Claim, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.prefix+key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire claim %s: %w", key, err)
	}
	if !ok {
		return nil, ErrNotAcquired
	}
	return &redisClaim{client: l.client, key: l.prefix + key, token: token}, nil
}

type redisClaim struct {
	client redis.UniversalClient
	key    string
	token  string
}

func (c *redisClaim) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, c.client, []string{c.key}, c.token).Err(); err != nil {
		return fmt.Errorf("release claim %s: %w", c.key, err)
	}
	return nil
}
