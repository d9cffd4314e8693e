package redis

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/dayahead/internal/domain"
)

//go:embed scripts/sliding_window.lua
var slidingWindowLua string

// RateLimiter implements domain.RateLimiter as a sliding window over a
// sorted set, evaluated atomically in Lua.
type RateLimiter struct {
	c      *Client
	script *redis.Script
}

// NewRateLimiter creates a RateLimiter backed by the given Client.
func NewRateLimiter(c *Client) *RateLimiter {
	return &RateLimiter{c: c, script: redis.NewScript(slidingWindowLua)}
}

// Allow counts one request for key and reports whether it fits in limit
// requests per window.
func (rl *RateLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	res, err := rl.script.Run(ctx, rl.c.rdb,
		[]string{rl.c.Key("ratelimit", key)},
		time.Now().UnixMicro(), window.Microseconds(), limit,
	).Int64Slice()
	if err != nil {
		return false, fmt.Errorf("redis: rate limit %s: %w", key, err)
	}
	if len(res) < 2 {
		return false, fmt.Errorf("redis: rate limit %s: unexpected result length %d", key, len(res))
	}
	return res[0] == 1, nil
}

var _ domain.RateLimiter = (*RateLimiter)(nil)
