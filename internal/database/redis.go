package database

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis wraps the shared Redis client backing the admission limiter.
type Redis struct {
	client *redis.Client
}

// NewRedis connects to Redis and verifies the connection before returning.
// The admission limiter needs this store at request time, so an unreachable
// Redis fails startup.
func NewRedis(redisURL string) (*Redis, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return &Redis{client: client}, nil
}

// Client returns the underlying Redis client for callers that issue their
// own commands, such as the limiter's key-value adapter.
func (r *Redis) Client() *redis.Client {
	return r.client
}

// Ping checks the Redis connection, used by the deep health check.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (r *Redis) Close() error {
	return r.client.Close()
}
