package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// KeyPrefix namespaces every key and pub/sub channel this service touches so
// a shared Redis can host other tenants.
const KeyPrefix = "loopcaster:"

// Redis is the shared client behind the channel read cache and event fan-out.
type Redis struct {
	client *redis.Client
	prefix string
}

// New parses a Redis URL (e.g. "redis://host:6379/0"). It does not dial;
// call Ping to verify the server is reachable.
func New(rawURL string) (*Redis, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return &Redis{client: redis.NewClient(opts), prefix: KeyPrefix}, nil
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *Redis) Close() error {
	return r.client.Close()
}

func (r *Redis) key(k string) string { return r.prefix + k }

// Lookup fetches key and decodes it. A missing key is (zero, false, nil).
func Lookup[T any](ctx context.Context, r *Redis, key string) (T, bool, error) {
	var v T
	raw, err := r.client.Get(ctx, r.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return v, false, nil
	}
	if err != nil {
		return v, false, fmt.Errorf("cache get %s: %w", key, err)
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, false, fmt.Errorf("cache decode %s: %w", key, err)
	}
	return v, true, nil
}

// Store encodes v as JSON under key for ttl.
func Store(ctx context.Context, r *Redis, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("cache encode %s: %w", key, err)
	}
	return r.client.Set(ctx, r.key(key), data, ttl).Err()
}

// Evict deletes exact keys.
func Evict(ctx context.Context, r *Redis, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = r.key(k)
	}
	return r.client.Del(ctx, full...).Err()
}

// EvictMatching deletes every key matching a glob such as "channel:*",
// walking the keyspace with SCAN.
func EvictMatching(ctx context.Context, r *Redis, pattern string) error {
	var cursor uint64
	for {
		keys, next, err := r.client.Scan(ctx, cursor, r.key(pattern), 100).Result()
		if err != nil {
			return fmt.Errorf("cache scan %s: %w", pattern, err)
		}
		if len(keys) > 0 {
			if err := r.client.Unlink(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("cache evict %s: %w", pattern, err)
			}
		}
		if cursor = next; cursor == 0 {
			return nil
		}
	}
}

func (r *Redis) publish(ctx context.Context, channel string, payload []byte) error {
	return r.client.Publish(ctx, r.key(channel), payload).Err()
}

func (r *Redis) subscribe(ctx context.Context, channel string) *redis.PubSub {
	return r.client.Subscribe(ctx, r.key(channel))
}
