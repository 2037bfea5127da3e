package turn

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"wa-ingress/internal/engine"
	"wa-ingress/internal/metrics"

	"github.com/google/uuid"
)

// BufferStore is the pending-utterance storage the coordinator drives.
type BufferStore interface {
	Append(ctx context.Context, tenantID int64, senderID string, u Utterance) error
	Len(ctx context.Context, tenantID int64, senderID string) (int64, error)
	Snapshot(ctx context.Context, tenantID int64, senderID string, n int64) ([]Utterance, error)
	DropPrefix(ctx context.Context, tenantID int64, senderID string, n int64) error
	SilenceRemaining(ctx context.Context, tenantID int64, senderID string) (time.Duration, error)
	ResetSilence(ctx context.Context, tenantID int64, senderID string) error
	ClearSilence(ctx context.Context, tenantID int64, senderID string) error
}

// LeaseStore is the per-sender single-flight flag.
type LeaseStore interface {
	TryAcquire(ctx context.Context, tenantID int64, senderID string) (bool, error)
	Refresh(ctx context.Context, tenantID int64, senderID string) error
	Release(ctx context.Context, tenantID int64, senderID string) error
}

// Invoker calls the reasoning engine.
type Invoker interface {
	Invoke(ctx context.Context, req engine.Request) (engine.Reply, error)
}

// Emitter sequences the reply bubbles out through the provider.
type Emitter interface {
	Emit(ctx context.Context, tenantID int64, to, inboundID string, bubbles []engine.Bubble) error
}

// HistoryReader supplies conversation context from the CRM. Optional.
type HistoryReader interface {
	CustomerName(ctx context.Context, tenantID int64, senderID string) (string, error)
	RecentHistory(ctx context.Context, tenantID int64, senderID string, limit int) ([]engine.HistoryEntry, error)
}

// Config holds coordinator tuning.
type Config struct {
	Provider     string
	PollSlice    time.Duration
	HistoryDepth int
}

// Coordinator runs the per-sender turn state machine: debounce until the
// user goes quiet, snapshot the buffer, invoke the engine, emit the reply,
// drop exactly what was snapshotted, and loop while input keeps arriving.
// At most one task runs per sender, enforced by the lease.
type Coordinator struct {
	logger  *slog.Logger
	metrics *metrics.Metrics
	buffer  BufferStore
	lease   LeaseStore
	engine  Invoker
	emitter Emitter
	history HistoryReader
	cfg     Config

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewCoordinator creates the turn coordinator. Tasks it spawns live under
// ctx and are joined by Shutdown.
func NewCoordinator(ctx context.Context, cfg Config, buffer BufferStore, lease LeaseStore, invoker Invoker, emitter Emitter, history HistoryReader, logger *slog.Logger, metricRegistry *metrics.Metrics) *Coordinator {
	if cfg.PollSlice <= 0 {
		cfg.PollSlice = 2 * time.Second
	}
	if cfg.HistoryDepth <= 0 {
		cfg.HistoryDepth = 20
	}
	taskCtx, cancel := context.WithCancel(ctx)
	return &Coordinator{
		logger:  logger.With("component", "coordinator"),
		metrics: metricRegistry,
		buffer:  buffer,
		lease:   lease,
		engine:  invoker,
		emitter: emitter,
		history: history,
		cfg:     cfg,
		ctx:     taskCtx,
		cancel:  cancel,
	}
}

// Ingest appends the utterance and ensures a coordinator task is running
// for the sender. Returns once the utterance is persisted; the webhook can
// acknowledge immediately.
func (c *Coordinator) Ingest(ctx context.Context, tenantID int64, senderID, recipientID string, u Utterance) error {
	if err := c.buffer.Append(ctx, tenantID, senderID, u); err != nil {
		return err
	}

	acquired, err := c.lease.TryAcquire(ctx, tenantID, senderID)
	if err != nil {
		// The utterance is safe in the buffer; the next message retries
		// the spawn, or the running task picks it up.
		c.logger.Warn("lease acquire failed", "tenant_id", tenantID, "sender_id", senderID, "error", err)
		return nil
	}
	if !acquired {
		return nil
	}

	c.wg.Add(1)
	go c.run(tenantID, senderID, recipientID)
	return nil
}

// Shutdown stops spawning work and waits for running tasks to finish, up
// to the deadline of ctx.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.cancel()
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run is the outer loop of turn processing for one sender. It holds the
// lease for its whole lifetime and releases it on every exit path.
func (c *Coordinator) run(tenantID int64, senderID, recipientID string) {
	defer c.wg.Done()
	defer c.release(tenantID, senderID)

	log := c.logger.With("tenant_id", tenantID, "sender_id", senderID, "task_id", uuid.NewString())
	log.Debug("coordinator task started")

	for {
		if err := c.lease.Refresh(c.ctx, tenantID, senderID); err != nil {
			log.Warn("lease refresh failed", "error", err)
		}

		if !c.debounce(tenantID, senderID) {
			log.Debug("coordinator task cancelled during debounce")
			return
		}

		n, err := c.buffer.Len(c.ctx, tenantID, senderID)
		if err != nil {
			log.Error("buffer length failed", "error", err)
			c.countTurn("buffer_error")
			return
		}
		if n == 0 {
			log.Debug("coordinator task exiting, buffer empty")
			return
		}

		batch, err := c.buffer.Snapshot(c.ctx, tenantID, senderID, n)
		if err != nil {
			log.Error("buffer snapshot failed", "error", err)
			c.countTurn("buffer_error")
			return
		}

		outcome := c.processBatch(log, tenantID, senderID, recipientID, batch)
		c.countTurn(outcome)
		if outcome == "engine_error" {
			// Utterances stay buffered; the next user message re-drives
			// the loop and the engine rejects any duplicate it has seen.
			return
		}

		if err := c.buffer.DropPrefix(c.ctx, tenantID, senderID, int64(len(batch))); err != nil {
			log.Error("drop prefix failed", "error", err)
			return
		}

		remaining, err := c.buffer.Len(c.ctx, tenantID, senderID)
		if err != nil {
			log.Error("buffer length failed", "error", err)
			return
		}
		if remaining == 0 {
			log.Debug("coordinator task finished")
			return
		}

		// Input arrived during invoke/emit. Give the user a fresh
		// debounce window and go again.
		if err := c.buffer.ResetSilence(c.ctx, tenantID, senderID); err != nil {
			log.Warn("silence reset failed", "error", err)
		}
	}
}

// debounce waits until the sender has been quiet for the full window.
// Every append extends the deadline, so a user who keeps typing is never
// interrupted. Returns false when the supervisor shuts down.
func (c *Coordinator) debounce(tenantID int64, senderID string) bool {
	for {
		remaining, err := c.buffer.SilenceRemaining(c.ctx, tenantID, senderID)
		if err != nil {
			c.logger.Warn("silence probe failed", "tenant_id", tenantID, "error", err)
			return c.wait(c.cfg.PollSlice)
		}
		if remaining <= 0 {
			return true
		}
		slice := c.cfg.PollSlice
		if remaining < slice {
			slice = remaining
		}
		if !c.wait(slice) {
			return false
		}
	}
}

func (c *Coordinator) processBatch(log *slog.Logger, tenantID int64, senderID, recipientID string, batch []Utterance) string {
	if len(batch) == 0 {
		return "empty"
	}
	if c.metrics != nil {
		c.metrics.TurnBatchSize.Observe(float64(len(batch)))
	}

	req := c.coalesce(tenantID, senderID, recipientID, batch)
	c.enrich(&req)

	reply, err := c.engine.Invoke(c.ctx, req)
	if err != nil {
		log.Error("engine invocation failed", "event_id", req.EventID, "message_id", req.MessageID, "error", err)
		return "engine_error"
	}

	switch reply.Status {
	case engine.StatusDuplicate:
		// The engine already persisted state for this id. Trim and loop,
		// emit nothing.
		log.Info("engine reported duplicate", "message_id", req.MessageID)
		return "duplicate"
	case engine.StatusError:
		// An explicit engine verdict: the input is poisoned. Drop the
		// prefix to avoid re-invoking it forever.
		log.Error("engine reported error verdict", "message_id", req.MessageID)
		return "engine_verdict_error"
	}

	if !reply.Send {
		return "silent"
	}
	bubbles := reply.Bubbles()
	if len(bubbles) == 0 {
		return "noop"
	}

	if err := c.emitter.Emit(c.ctx, tenantID, senderID, req.MessageID, bubbles); err != nil {
		// Partial replies are acceptable; the turn still completes so the
		// batch is not replayed at the user.
		log.Error("reply emission aborted", "message_id", req.MessageID, "error", err)
		return "emit_error"
	}
	return "ok"
}

// coalesce folds the batch into a single engine request: texts joined by
// newline in arrival order, the earliest referral, the media union, and
// the last entry's ids as the idempotency key.
func (c *Coordinator) coalesce(tenantID int64, senderID, recipientID string, batch []Utterance) engine.Request {
	texts := make([]string, 0, len(batch))
	var referral json.RawMessage
	var media []engine.MediaRef
	for _, u := range batch {
		texts = append(texts, u.Text)
		if referral == nil && len(u.Referral) > 0 {
			referral = u.Referral
		}
		media = append(media, u.Media...)
	}

	last := batch[len(batch)-1]
	return engine.Request{
		Provider:    c.cfg.Provider,
		EventID:     last.EventID,
		MessageID:   last.MessageID,
		TenantID:    tenantID,
		SenderID:    senderID,
		RecipientID: recipientID,
		Text:        strings.Join(texts, "\n"),
		Referral:    referral,
		Media:       media,
	}
}

// enrich attaches CRM context when a history reader is wired. Failures
// degrade to an anonymous request.
func (c *Coordinator) enrich(req *engine.Request) {
	if c.history == nil {
		return
	}
	name, err := c.history.CustomerName(c.ctx, req.TenantID, req.SenderID)
	if err != nil {
		c.logger.Debug("customer name lookup failed", "tenant_id", req.TenantID, "error", err)
	} else {
		req.CustomerName = name
	}
	entries, err := c.history.RecentHistory(c.ctx, req.TenantID, req.SenderID, c.cfg.HistoryDepth)
	if err != nil {
		c.logger.Debug("history lookup failed", "tenant_id", req.TenantID, "error", err)
		return
	}
	req.History = entries
}

func (c *Coordinator) release(tenantID int64, senderID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.buffer.ClearSilence(ctx, tenantID, senderID); err != nil {
		c.logger.Warn("silence timer clear failed, TTL will clear it", "tenant_id", tenantID, "sender_id", senderID, "error", err)
	}
	if err := c.lease.Release(ctx, tenantID, senderID); err != nil {
		c.logger.Warn("lease release failed, TTL will clear it", "tenant_id", tenantID, "sender_id", senderID, "error", err)
	}
}

func (c *Coordinator) wait(d time.Duration) bool {
	select {
	case <-c.ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

func (c *Coordinator) countTurn(outcome string) {
	if c.metrics != nil {
		c.metrics.TurnsProcessed.WithLabelValues(outcome).Inc()
	}
}
