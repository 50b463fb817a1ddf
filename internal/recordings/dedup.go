package recordings

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DefaultDedupTTL is how long a delivery id is remembered.
const DefaultDedupTTL = 24 * time.Hour

// pendingTTL bounds how long a claimed delivery blocks duplicates if its handler dies without releasing it.
const pendingTTL = 5 * time.Minute

const pendingPrefix = "\x00pending:"

// ClaimState says what to do with a delivery after Claim.
type ClaimState int

const (
	// ClaimAcquired means the caller owns the delivery and must Remember or Release it.
	ClaimAcquired ClaimState = iota
	// ClaimDone means an earlier delivery succeeded; Result holds its response.
	ClaimDone
	// ClaimInFlight means another request is applying the same delivery right now.
	ClaimInFlight
)

// Claim is the outcome of Deduper.Claim.
type Claim struct {
	State  ClaimState
	Result string
	token  string
}

// Deduper makes webhook deliveries apply at most once per delivery id.
type Deduper interface {
	Claim(ctx context.Context, event, deliveryID string) (Claim, error)
	Remember(ctx context.Context, event, deliveryID string, claim Claim, result string) error
	Release(ctx context.Context, event, deliveryID string, claim Claim) error
}

var releasePendingScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisDeduper keeps delivery ids in Redis under webhook:<event>:<id>. A claim stores a pending marker with
// SET NX; success overwrites it with the response and failure deletes it.
type RedisDeduper struct {
	rdb redis.Cmdable
	ttl time.Duration
}

// NewRedisDeduper creates a deduper. A ttl <= 0 uses DefaultDedupTTL.
func NewRedisDeduper(rdb redis.Cmdable, ttl time.Duration) *RedisDeduper {
	if ttl <= 0 {
		ttl = DefaultDedupTTL
	}
	return &RedisDeduper{rdb: rdb, ttl: ttl}
}

func dedupKey(event, deliveryID string) string {
	return fmt.Sprintf("webhook:%s:%s", event, deliveryID)
}

func (d *RedisDeduper) Claim(ctx context.Context, event, deliveryID string) (Claim, error) {
	key := dedupKey(event, deliveryID)
	token := pendingPrefix + uuid.NewString()
	ok, err := d.rdb.SetNX(ctx, key, token, pendingTTL).Result()
	if err != nil {
		return Claim{}, fmt.Errorf("dedup claim: %w", err)
	}
	if ok {
		return Claim{State: ClaimAcquired, token: token}, nil
	}

	v, err := d.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		// The holder released or expired between our two calls.
		return Claim{State: ClaimInFlight}, nil
	}
	if err != nil {
		return Claim{}, fmt.Errorf("dedup lookup: %w", err)
	}
	if strings.HasPrefix(v, pendingPrefix) {
		return Claim{State: ClaimInFlight}, nil
	}
	return Claim{State: ClaimDone, Result: v}, nil
}

func (d *RedisDeduper) Remember(ctx context.Context, event, deliveryID string, _ Claim, result string) error {
	if err := d.rdb.Set(ctx, dedupKey(event, deliveryID), result, d.ttl).Err(); err != nil {
		return fmt.Errorf("dedup store: %w", err)
	}
	return nil
}

func (d *RedisDeduper) Release(ctx context.Context, event, deliveryID string, claim Claim) error {
	if claim.token == "" {
		return nil
	}
	err := releasePendingScript.Run(ctx, d.rdb, []string{dedupKey(event, deliveryID)}, claim.token).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("dedup release: %w", err)
	}
	return nil
}
