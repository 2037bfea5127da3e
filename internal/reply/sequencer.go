package reply

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"wa-ingress/internal/engine"
	"wa-ingress/internal/metrics"
)

// Sender is the subset of the provider client the sequencer drives.
type Sender interface {
	SendText(ctx context.Context, tenantID int64, to, text string) error
	SendImage(ctx context.Context, tenantID int64, to, imageURL, caption string) error
	MarkAsRead(ctx context.Context, tenantID int64, messageID string) error
	TypingIndicator(ctx context.Context, tenantID int64, to, messageID string) error
}

// Sequencer converts an engine reply into a paced, ordered stream of
// provider sends. Within a bubble the image goes first, then the text in
// safe-length pieces. Typing indicators and read receipts are best-effort.
type Sequencer struct {
	logger     *slog.Logger
	metrics    *metrics.Metrics
	sender     Sender
	delay      time.Duration
	splitLimit int
	sleep      func(time.Duration)
}

// Config holds sequencer pacing options.
type Config struct {
	BubbleDelay time.Duration
	SplitLimit  int
}

// New creates a reply sequencer.
func New(cfg Config, sender Sender, logger *slog.Logger, metricRegistry *metrics.Metrics) *Sequencer {
	delay := cfg.BubbleDelay
	if delay < 0 {
		delay = 0
	}
	limit := cfg.SplitLimit
	if limit <= 0 {
		limit = 400
	}
	return &Sequencer{
		logger:     logger.With("component", "sequencer"),
		metrics:    metricRegistry,
		sender:     sender,
		delay:      delay,
		splitLimit: limit,
		sleep:      time.Sleep,
	}
}

// Emit sends the bubbles in order. A single send failure aborts the
// remaining bubbles; a partial reply beats a stalled one.
func (s *Sequencer) Emit(ctx context.Context, tenantID int64, to, inboundID string, bubbles []engine.Bubble) error {
	for i, bubble := range bubbles {
		if i > 0 {
			s.pause(ctx)
		}
		if err := s.emitBubble(ctx, tenantID, to, inboundID, bubble); err != nil {
			s.logger.Error("bubble send failed, aborting remainder",
				"tenant_id", tenantID,
				"to", to,
				"bubble", i,
				"error", err)
			if s.metrics != nil {
				s.metrics.Errors.WithLabelValues("sequencer").Inc()
			}
			return fmt.Errorf("emit bubble %d: %w", i, err)
		}
	}
	return nil
}

func (s *Sequencer) emitBubble(ctx context.Context, tenantID int64, to, inboundID string, bubble engine.Bubble) error {
	if bubble.ImageURL != "" {
		s.showTyping(ctx, tenantID, to, inboundID)
		s.pause(ctx)
		if err := s.sender.SendImage(ctx, tenantID, to, bubble.ImageURL, ""); err != nil {
			return err
		}
		s.countBubble("image")
		s.markRead(ctx, tenantID, inboundID)
	}

	if bubble.Text != "" {
		for _, piece := range SplitText(bubble.Text, s.splitLimit) {
			s.showTyping(ctx, tenantID, to, inboundID)
			s.pause(ctx)
			if err := s.sender.SendText(ctx, tenantID, to, piece); err != nil {
				return err
			}
			s.countBubble("text")
			s.markRead(ctx, tenantID, inboundID)
		}
	}
	return nil
}

func (s *Sequencer) showTyping(ctx context.Context, tenantID int64, to, inboundID string) {
	if err := s.sender.TypingIndicator(ctx, tenantID, to, inboundID); err != nil {
		s.logger.Debug("typing indicator failed", "tenant_id", tenantID, "error", err)
	}
}

func (s *Sequencer) markRead(ctx context.Context, tenantID int64, inboundID string) {
	if inboundID == "" {
		return
	}
	if err := s.sender.MarkAsRead(ctx, tenantID, inboundID); err != nil {
		s.logger.Debug("mark-as-read failed", "tenant_id", tenantID, "error", err)
	}
}

func (s *Sequencer) pause(ctx context.Context) {
	if s.delay <= 0 || ctx.Err() != nil {
		return
	}
	s.sleep(s.delay)
}

func (s *Sequencer) countBubble(kind string) {
	if s.metrics != nil {
		s.metrics.BubblesSent.WithLabelValues(kind).Inc()
	}
}
