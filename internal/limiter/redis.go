package limiter

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// deleteIfEquals makes the conditional release atomic; a plain GET/DEL pair
// could delete a slot re-acquired between the two commands.
var deleteIfEquals = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisKV implements KV on a Redis client.
type RedisKV struct {
	client *redis.Client
}

// NewRedisKV wraps the given client.
func NewRedisKV(client *redis.Client) *RedisKV {
	return &RedisKV{client: client}
}

// IncrWithTTL increments key, attaching the expiry on first increment.
func (r *RedisKV) IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	count, err := r.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	if count == 1 {
		if err := r.client.Expire(ctx, key, ttl).Err(); err != nil {
			return count, err
		}
	}
	return count, nil
}

// SetIfAbsent performs SET NX with expiry.
func (r *RedisKV) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return r.client.SetNX(ctx, key, value, ttl).Result()
}

// DeleteIfEquals deletes key only while it still holds value.
func (r *RedisKV) DeleteIfEquals(ctx context.Context, key, value string) error {
	return deleteIfEquals.Run(ctx, r.client, []string{key}, value).Err()
}

// Get returns the value of key, or "" when the key is absent.
func (r *RedisKV) Get(ctx context.Context, key string) (string, error) {
	value, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return value, err
}
