package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/dayahead/internal/domain"
)

// PriceCache implements domain.PriceCache. The outcomes of one delivery
// day live in a hash at "prices:{date}" keyed by hour, each value being the
// JSON-encoded domain.HourOutcome. The whole hash expires after ttl.
type PriceCache struct {
	c   *Client
	ttl time.Duration
}

// NewPriceCache creates a PriceCache. A zero ttl keeps entries forever.
func NewPriceCache(c *Client, ttl time.Duration) *PriceCache {
	return &PriceCache{c: c, ttl: ttl}
}

func (pc *PriceCache) dayKey(date time.Time) string {
	return pc.c.Key("prices", date.Format(time.DateOnly))
}

// SetDay replaces the cached outcomes of date.
func (pc *PriceCache) SetDay(ctx context.Context, date time.Time, hours []domain.HourOutcome) error {
	key := pc.dayKey(date)
	fields := make(map[string]any, len(hours))
	for _, o := range hours {
		data, err := json.Marshal(o)
		if err != nil {
			return fmt.Errorf("redis: marshal hour %d: %w", o.Hour, err)
		}
		fields[strconv.Itoa(o.Hour)] = data
	}

	_, err := pc.c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		if len(fields) > 0 {
			pipe.HSet(ctx, key, fields)
		}
		if pc.ttl > 0 {
			pipe.Expire(ctx, key, pc.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis: set day %s: %w", date.Format(time.DateOnly), err)
	}
	return nil
}

// GetDay returns the cached outcomes of date ordered by hour, or
// domain.ErrNotFound.
func (pc *PriceCache) GetDay(ctx context.Context, date time.Time) ([]domain.HourOutcome, error) {
	vals, err := pc.c.rdb.HGetAll(ctx, pc.dayKey(date)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: get day %s: %w", date.Format(time.DateOnly), err)
	}
	if len(vals) == 0 {
		return nil, domain.ErrNotFound
	}

	out := make([]domain.HourOutcome, 0, len(vals))
	for field, raw := range vals {
		var o domain.HourOutcome
		if err := json.Unmarshal([]byte(raw), &o); err != nil {
			return nil, fmt.Errorf("redis: decode hour %s: %w", field, err)
		}
		out = append(out, o)
	}
	slices.SortFunc(out, func(a, b domain.HourOutcome) int { return a.Hour - b.Hour })
	return out, nil
}

// GetHour returns one cached outcome, or domain.ErrNotFound.
func (pc *PriceCache) GetHour(ctx context.Context, date time.Time, hour int) (domain.HourOutcome, error) {
	raw, err := pc.c.rdb.HGet(ctx, pc.dayKey(date), strconv.Itoa(hour)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.HourOutcome{}, domain.ErrNotFound
		}
		return domain.HourOutcome{}, fmt.Errorf("redis: get hour %s/%d: %w", date.Format(time.DateOnly), hour, err)
	}
	var o domain.HourOutcome
	if err := json.Unmarshal(raw, &o); err != nil {
		return domain.HourOutcome{}, fmt.Errorf("redis: decode hour %d: %w", hour, err)
	}
	return o, nil
}

var _ domain.PriceCache = (*PriceCache)(nil)
