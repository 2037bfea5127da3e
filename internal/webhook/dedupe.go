package webhook

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// DedupeStore is the persistence primitive the deduper needs.
type DedupeStore interface {
	SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
}

// Deduper tracks provider message ids already seen within the redelivery
// window, scoped by tenant.
type Deduper struct {
	store  DedupeStore
	logger *slog.Logger
	ttl    time.Duration
}

// NewDeduper creates a deduper with the given replay window.
func NewDeduper(store DedupeStore, ttl time.Duration, logger *slog.Logger) *Deduper {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Deduper{
		store:  store,
		logger: logger.With("component", "dedupe"),
		ttl:    ttl,
	}
}

// TryInsert atomically records the message id. It returns true when the id
// is fresh and false when it was already seen within the window.
func (d *Deduper) TryInsert(ctx context.Context, tenantID int64, messageID string) (bool, error) {
	key := fmt.Sprintf("wamid_seen:%d:%s", tenantID, messageID)
	fresh, err := d.store.SetIfAbsent(ctx, key, "1", d.ttl)
	if err != nil {
		return false, fmt.Errorf("dedupe insert: %w", err)
	}
	if !fresh {
		d.logger.Debug("duplicate delivery ignored", "tenant_id", tenantID, "message_id", messageID)
	}
	return fresh, nil
}
