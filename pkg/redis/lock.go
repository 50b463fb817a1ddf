package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only if it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Locker hands out short-lived exclusive leases keyed by name.
type Locker struct {
	rdb redis.Cmdable
}

// NewLocker creates a Locker over rdb.
func NewLocker(rdb redis.Cmdable) *Locker {
	return &Locker{rdb: rdb}
}

// Lease is a held lock. Release it when done; it also expires on its own after the TTL.
type Lease struct {
	locker *Locker
	key    string
	token  string
}

// TryAcquire takes key for ttl. It returns nil, nil when someone else holds it.
func (l *Locker) TryAcquire(ctx context.Context, key string, ttl time.Duration) (*Lease, error) {
	token := uuid.NewString()
	ok, err := l.rdb.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, nil
	}
	return &Lease{locker: l, key: key, token: token}, nil
}

// Release gives the lock back if it is still ours.
func (le *Lease) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, le.locker.rdb, []string{le.key}, le.token).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("release lock %s: %w", le.key, err)
	}
	return nil
}
