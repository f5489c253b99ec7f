package shared

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLockHeld is returned when another holder owns the lock.
var ErrLockHeld = errors.New("shared: lock held by another request")

// CohortLockKey builds redis keys for billing cohort critical sections.
func CohortLockKey(societyID int64, year, month int) string {
	return fmt.Sprintf("billing:society:%d:cohort:%04d-%02d:lock", societyID, year, month)
}

// YearLockKey builds redis keys for financial year transitions.
func YearLockKey(societyID, yearID int64) string {
	return fmt.Sprintf("close:society:%d:year:%d:lock", societyID, yearID)
}

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// Locker hands out short-lived redis locks. A nil Locker grants every lock,
// leaving serialization to the database.
type Locker struct {
	client redis.Cmdable
	ttl    time.Duration
}

// NewLocker builds a Locker backed by client.
func NewLocker(client redis.Cmdable, ttl time.Duration) *Locker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Locker{client: client, ttl: ttl}
}

// Acquire takes the lock for key and returns its release func.
func (l *Locker) Acquire(ctx context.Context, key string) (func(), error) {
	if l == nil || l.client == nil {
		return func() {}, nil
	}
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("shared: acquire %s: %w", key, err)
	}
	if !ok {
		return nil, ErrLockHeld
	}
	return func() {
		_ = releaseScript.Run(context.WithoutCancel(ctx), l.client, []string{key}, token).Err()
	}, nil
}
