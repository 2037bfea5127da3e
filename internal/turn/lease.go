package turn

import (
	"context"
	"fmt"
	"time"

	"wa-ingress/internal/cache"
)

// Lease is the per-sender single-flight flag, a Redis key with a TTL so a
// crashed holder self-clears instead of blocking the sender forever.
type Lease struct {
	redis *cache.Redis
	ttl   time.Duration
}

// NewLease creates a lease store with the given TTL.
func NewLease(redis *cache.Redis, ttl time.Duration) *Lease {
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	return &Lease{redis: redis, ttl: ttl}
}

// TryAcquire atomically claims the flag. Returns true when this caller now
// holds it.
func (l *Lease) TryAcquire(ctx context.Context, tenantID int64, senderID string) (bool, error) {
	ok, err := l.redis.SetIfAbsent(ctx, leaseKey(tenantID, senderID), "1", l.ttl)
	if err != nil {
		return false, fmt.Errorf("acquire lease: %w", err)
	}
	return ok, nil
}

// Refresh extends the holder's TTL; called once per coordinator loop
// iteration.
func (l *Lease) Refresh(ctx context.Context, tenantID int64, senderID string) error {
	if err := l.redis.Refresh(ctx, leaseKey(tenantID, senderID), l.ttl); err != nil {
		return fmt.Errorf("refresh lease: %w", err)
	}
	return nil
}

// Release drops the flag. Safe to call when already expired.
func (l *Lease) Release(ctx context.Context, tenantID int64, senderID string) error {
	if err := l.redis.Delete(ctx, leaseKey(tenantID, senderID)); err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	return nil
}

func leaseKey(tenantID int64, senderID string) string {
	return fmt.Sprintf("active_task:%d:%s", tenantID, senderID)
}
