package redis

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/dayahead/internal/domain"
)

// releaseLua deletes the lock only while it still holds the caller's token.
var releaseLua = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`)

// LockManager implements domain.LockManager with SET NX and a per-holder
// token.
type LockManager struct {
	c *Client
}

// NewLockManager creates a LockManager backed by the given Client.
func NewLockManager(c *Client) *LockManager {
	return &LockManager{c: c}
}

// Acquire takes the lock for key or returns domain.ErrLockHeld. The
// returned unlock function is idempotent and does not depend on ctx.
func (lm *LockManager) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	token := uuid.NewString()
	lk := lm.c.Key("lock", key)

	ok, err := lm.c.rdb.SetNX(ctx, lk, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, domain.ErrLockHeld
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			uctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = releaseLua.Run(uctx, lm.c.rdb, []string{lk}, token).Err()
		})
	}, nil
}

var _ domain.LockManager = (*LockManager)(nil)
