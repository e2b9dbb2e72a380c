// Package limiter enforces per-user admission control for generations: a
// fixed one-second request-rate window and a single in-flight generation
// slot. Both live in a shared key-value store so the limits hold across
// process restarts and multiple server instances.
package limiter

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/minichat/api/internal/models"
)

// KV is the shared fast key-value store the limiter runs against.
type KV interface {
	// IncrWithTTL atomically increments key and returns the new value. The
	// expiry is applied when the increment creates the key.
	IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error)
	// SetIfAbsent sets key to value with the given expiry only if the key
	// does not exist, reporting whether it was set.
	SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// DeleteIfEquals deletes key only if its current value matches value.
	DeleteIfEquals(ctx context.Context, key, value string) error
	// Get returns the value of key, or "" if the key does not exist.
	Get(ctx context.Context, key string) (string, error)
}

// Limiter tracks per-user request budgets and the in-flight generation slot.
type Limiter struct {
	kv          KV
	qpsLimit    int
	inflightTTL time.Duration
}

// New creates a limiter with the given per-second budget and slot TTL. The
// TTL is a crash-recovery safety net, not a normal-path timeout.
func New(kv KV, qpsLimit int, inflightTTL time.Duration) *Limiter {
	return &Limiter{kv: kv, qpsLimit: qpsLimit, inflightTTL: inflightTTL}
}

// EnforceRate counts the request against the user's current one-second
// window and fails with ErrRateLimited once the budget is exceeded. The
// window is fixed, not sliding; bursts straddling a window boundary are
// accepted.
func (l *Limiter) EnforceRate(ctx context.Context, userID uuid.UUID) error {
	key := fmt.Sprintf("rl:%s:%d", userID, time.Now().Unix())
	count, err := l.kv.IncrWithTTL(ctx, key, 2*time.Second)
	if err != nil {
		return fmt.Errorf("rate counter: %w", err)
	}
	if count > int64(l.qpsLimit) {
		return models.ErrRateLimited
	}
	return nil
}

// AcquireSlot claims the user's single in-flight slot for generationID,
// reporting whether the claim succeeded.
func (l *Limiter) AcquireSlot(ctx context.Context, userID, generationID uuid.UUID) (bool, error) {
	return l.kv.SetIfAbsent(ctx, inflightKey(userID), generationID.String(), l.inflightTTL)
}

// ReleaseSlot frees the user's slot, but only while it is still held by
// generationID. A slot re-acquired by a newer generation after TTL expiry is
// left untouched.
func (l *Limiter) ReleaseSlot(ctx context.Context, userID, generationID uuid.UUID) error {
	return l.kv.DeleteIfEquals(ctx, inflightKey(userID), generationID.String())
}

// SlotHolder returns the generation id currently holding the user's slot,
// or uuid.Nil if the slot is free.
func (l *Limiter) SlotHolder(ctx context.Context, userID uuid.UUID) (uuid.UUID, error) {
	value, err := l.kv.Get(ctx, inflightKey(userID))
	if err != nil || value == "" {
		return uuid.Nil, err
	}
	return uuid.Parse(value)
}

func inflightKey(userID uuid.UUID) string {
	return fmt.Sprintf("user:%s:inflight_generation", userID)
}
