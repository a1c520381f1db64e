// Package cache keeps a Redis copy of conversation history so a conversation
// can still be shown when the history endpoint is unreachable.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/quictalk/chat-client/internal/chat"
)

const (
	// HistoryPrefix is the Redis key prefix for per-conversation lists.
	HistoryPrefix = "history:"

	// DefaultTTL is how long an untouched conversation is kept.
	DefaultTTL = 24 * time.Hour

	// DefaultMaxEntries caps the number of messages kept per conversation.
	DefaultMaxEntries = 500
)

// History stores each conversation as a Redis list of JSON messages, oldest
// first, keyed by chat.PairKey.
type History struct {
	client     *redis.Client
	ttl        time.Duration
	maxEntries int64
}

// Dial connects to Redis at addr and verifies the connection.
func Dial(addr string, ttl time.Duration) (*History, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("cache: redis connection failed: %w", err)
	}
	return New(client, ttl, DefaultMaxEntries), nil
}

// New wraps an existing client. Zero values select the defaults.
func New(client *redis.Client, ttl time.Duration, maxEntries int64) *History {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &History{client: client, ttl: ttl, maxEntries: maxEntries}
}

func key(pair string) string {
	return HistoryPrefix + pair
}

// Load returns the cached history for pair. A missing key yields an empty
// slice. Entries that no longer decode are skipped.
func (h *History) Load(ctx context.Context, pair string) ([]chat.Message, error) {
	raw, err := h.client.LRange(ctx, key(pair), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("cache: load %s: %w", pair, err)
	}
	msgs := make([]chat.Message, 0, len(raw))
	for _, r := range raw {
		var m chat.Message
		if err := json.Unmarshal([]byte(r), &m); err != nil {
			continue
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

// Save replaces the cached history for pair.
func (h *History) Save(ctx context.Context, pair string, msgs []chat.Message) error {
	values, err := encode(msgs)
	if err != nil {
		return fmt.Errorf("cache: save %s: %w", pair, err)
	}

	k := key(pair)
	pipe := h.client.TxPipeline()
	pipe.Del(ctx, k)
	if len(values) > 0 {
		pipe.RPush(ctx, k, values...)
		pipe.LTrim(ctx, k, -h.maxEntries, -1)
		pipe.Expire(ctx, k, h.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("cache: save %s: %w", pair, err)
	}
	return nil
}

// Append adds one message to the end of the cached history for pair.
func (h *History) Append(ctx context.Context, pair string, msg chat.Message) error {
	values, err := encode([]chat.Message{msg})
	if err != nil {
		return fmt.Errorf("cache: append %s: %w", pair, err)
	}

	k := key(pair)
	pipe := h.client.TxPipeline()
	pipe.RPush(ctx, k, values...)
	pipe.LTrim(ctx, k, -h.maxEntries, -1)
	pipe.Expire(ctx, k, h.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("cache: append %s: %w", pair, err)
	}
	return nil
}

// Delete drops the cached history for pair.
func (h *History) Delete(ctx context.Context, pair string) error {
	return h.client.Del(ctx, key(pair)).Err()
}

// Close closes the Redis client.
func (h *History) Close() error {
	return h.client.Close()
}

func encode(msgs []chat.Message) ([]interface{}, error) {
	values := make([]interface{}, 0, len(msgs))
	for _, m := range msgs {
		b, err := json.Marshal(m)
		if err != nil {
			return nil, err
		}
		values = append(values, b)
	}
	return values, nil
}
