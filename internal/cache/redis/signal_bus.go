package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/dayahead/internal/domain"
)

// streamMaxLen caps streams approximately via XADD MAXLEN ~.
const streamMaxLen int64 = 10000

// SignalBus implements domain.SignalBus: pub/sub for live clearing events
// and streams for the replayable history. Channel and stream names are
// namespaced by the client prefix.
type SignalBus struct {
	c *Client
}

// NewSignalBus creates a SignalBus backed by the given Client.
func NewSignalBus(c *Client) *SignalBus {
	return &SignalBus{c: c}
}

// Publish sends payload on channel.
func (sb *SignalBus) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := sb.c.rdb.Publish(ctx, sb.c.Key(channel), payload).Err(); err != nil {
		return fmt.Errorf("redis: publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe returns a channel of payloads published on channel. Glob
// patterns use PSUBSCRIBE. The returned channel closes when ctx is done.
func (sb *SignalBus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	name := sb.c.Key(channel)
	var ps *redis.PubSub
	if strings.ContainsAny(channel, "*?[") {
		ps = sb.c.rdb.PSubscribe(ctx, name)
	} else {
		ps = sb.c.rdb.Subscribe(ctx, name)
	}
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("redis: subscribe %s: %w", channel, err)
	}

	out := make(chan []byte, 64)
	go func() {
		defer close(out)
		defer ps.Close()
		in := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-in:
				if !ok {
					return
				}
				select {
				case out <- []byte(msg.Payload):
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// StreamAppend adds payload to stream.
func (sb *SignalBus) StreamAppend(ctx context.Context, stream string, payload []byte) error {
	err := sb.c.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: sb.c.Key(stream),
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]any{"payload": payload},
	}).Err()
	if err != nil {
		return fmt.Errorf("redis: stream append %s: %w", stream, err)
	}
	return nil
}

// StreamRead returns up to count entries after lastID without blocking.
// Use "0" to read from the start.
func (sb *SignalBus) StreamRead(ctx context.Context, stream string, lastID string, count int) ([]domain.StreamMessage, error) {
	res, err := sb.c.rdb.XRead(ctx, &redis.XReadArgs{
		Streams: []string{sb.c.Key(stream), lastID},
		Count:   int64(count),
		Block:   -1,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("redis: stream read %s: %w", stream, err)
	}

	var out []domain.StreamMessage
	for _, s := range res {
		for _, msg := range s.Messages {
			var data []byte
			switch v := msg.Values["payload"].(type) {
			case string:
				data = []byte(v)
			case []byte:
				data = v
			default:
				continue
			}
			out = append(out, domain.StreamMessage{ID: msg.ID, Payload: data})
		}
	}
	return out, nil
}

var _ domain.SignalBus = (*SignalBus)(nil)
