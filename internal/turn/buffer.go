package turn

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"wa-ingress/internal/cache"
	"wa-ingress/internal/engine"
)

// Utterance is one buffered user input awaiting coalescing.
type Utterance struct {
	Text      string            `json:"text"`
	MessageID string            `json:"message_id"`
	EventID   string            `json:"event_id"`
	Referral  json.RawMessage   `json:"referral,omitempty"`
	Media     []engine.MediaRef `json:"media,omitempty"`
}

// Buffer holds the per-sender pending utterance list and the sliding
// silence timer, both in Redis. Appends go to the tail; the coordinator
// trims exactly the prefix it observed.
type Buffer struct {
	redis    *cache.Redis
	debounce time.Duration
}

// NewBuffer creates a buffer with the given debounce window.
func NewBuffer(redis *cache.Redis, debounce time.Duration) *Buffer {
	if debounce <= 0 {
		debounce = 11 * time.Second
	}
	return &Buffer{redis: redis, debounce: debounce}
}

// Append pushes the utterance to the tail and extends the silence deadline
// to now + debounce.
func (b *Buffer) Append(ctx context.Context, tenantID int64, senderID string, u Utterance) error {
	if u.Text == "" {
		return fmt.Errorf("append: empty utterance text")
	}
	if err := b.redis.PushTailJSON(ctx, bufferKey(tenantID, senderID), u); err != nil {
		return fmt.Errorf("append utterance: %w", err)
	}
	return b.ResetSilence(ctx, tenantID, senderID)
}

// Len returns the number of pending utterances.
func (b *Buffer) Len(ctx context.Context, tenantID int64, senderID string) (int64, error) {
	return b.redis.ListLen(ctx, bufferKey(tenantID, senderID))
}

// Snapshot reads the first n utterances without mutating the list.
func (b *Buffer) Snapshot(ctx context.Context, tenantID int64, senderID string, n int64) ([]Utterance, error) {
	if n <= 0 {
		return nil, nil
	}
	raw, err := b.redis.ListRange(ctx, bufferKey(tenantID, senderID), 0, n-1)
	if err != nil {
		return nil, fmt.Errorf("snapshot buffer: %w", err)
	}
	utterances := make([]Utterance, 0, len(raw))
	for _, item := range raw {
		var u Utterance
		if err := json.Unmarshal([]byte(item), &u); err != nil {
			return nil, fmt.Errorf("decode buffered utterance: %w", err)
		}
		utterances = append(utterances, u)
	}
	return utterances, nil
}

// DropPrefix atomically removes the first n entries. Entries appended after
// the snapshot live at the tail and survive.
func (b *Buffer) DropPrefix(ctx context.Context, tenantID int64, senderID string, n int64) error {
	if n <= 0 {
		return nil
	}
	if err := b.redis.ListTrimHead(ctx, bufferKey(tenantID, senderID), n); err != nil {
		return fmt.Errorf("drop prefix: %w", err)
	}
	return nil
}

// SilenceRemaining reports how long until the silence deadline, zero when
// it has passed.
func (b *Buffer) SilenceRemaining(ctx context.Context, tenantID int64, senderID string) (time.Duration, error) {
	return b.redis.TTLRemaining(ctx, timerKey(tenantID, senderID))
}

// ClearSilence removes the silence timer.
func (b *Buffer) ClearSilence(ctx context.Context, tenantID int64, senderID string) error {
	if err := b.redis.Delete(ctx, timerKey(tenantID, senderID)); err != nil {
		return fmt.Errorf("clear silence timer: %w", err)
	}
	return nil
}

// ResetSilence sets the silence deadline to now + debounce.
func (b *Buffer) ResetSilence(ctx context.Context, tenantID int64, senderID string) error {
	if err := b.redis.SetWithTTL(ctx, timerKey(tenantID, senderID), "1", b.debounce); err != nil {
		return fmt.Errorf("reset silence timer: %w", err)
	}
	return nil
}

func bufferKey(tenantID int64, senderID string) string {
	return fmt.Sprintf("buffer:%d:%s", tenantID, senderID)
}

func timerKey(tenantID int64, senderID string) string {
	return fmt.Sprintf("timer:%d:%s", tenantID, senderID)
}
