package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only when it still holds our token, so an
// expired lease taken over by another holder is never released by us.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker implements Locker on Redis using SET NX PX with a per-lease
// token.
type RedisLocker struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisLocker creates a Redis-backed locker. The prefix namespaces lock
// keys; empty means "reporthooks:lock".
func NewRedisLocker(client redis.UniversalClient, prefix string) *RedisLocker {
	if prefix == "" {
		prefix = "reporthooks:lock"
	}
	return &RedisLocker{client: client, prefix: prefix}
}

func (l *RedisLocker) key(key string) string {
	return l.prefix + ":" + key
}

// Acquire takes the key with SET NX PX. A key already held by another
// process yields ErrNotAcquired; transport failures surface as errors so
// callers can decide whether to degrade.
func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	token := uuid.New().String()
	namespaced := l.key(key)

	ok, err := l.client.SetNX(ctx, namespaced, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquiring lock %s: %w", key, err)
	}
	if !ok {
		return nil, ErrNotAcquired
	}

	release := func() {
		// Release is best effort; the TTL reclaims the key if it fails.
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = releaseScript.Run(releaseCtx, l.client, []string{namespaced}, token).Err()
	}
	return release, nil
}
