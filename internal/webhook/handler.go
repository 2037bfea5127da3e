package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"wa-ingress/internal/metrics"
	"wa-ingress/internal/secrets"
)

// EnvelopeProcessor handles verified, deduplicated envelopes.
type EnvelopeProcessor interface {
	ProcessEnvelope(ctx context.Context, env InboundEnvelope) error
}

// Handler verifies webhook signatures, rejects replays, and forwards fresh
// envelopes to the processor. It answers 2xx as soon as the envelope is
// persisted or recognized as a duplicate; downstream work is asynchronous.
type Handler struct {
	logger    *slog.Logger
	metrics   *metrics.Metrics
	creds     secrets.Source
	deduper   *Deduper
	processor EnvelopeProcessor
	provider  string
	skew      time.Duration
}

// Config holds webhook handler configuration.
type Config struct {
	Provider string
	Skew     time.Duration
}

// NewHandler creates a webhook handler.
func NewHandler(cfg Config, creds secrets.Source, deduper *Deduper, processor EnvelopeProcessor, logger *slog.Logger, metricRegistry *metrics.Metrics) *Handler {
	skew := cfg.Skew
	if skew <= 0 {
		skew = 300 * time.Second
	}
	return &Handler{
		logger:    logger.With("component", "webhook"),
		metrics:   metricRegistry,
		creds:     creds,
		deduper:   deduper,
		processor: processor,
		provider:  cfg.Provider,
		skew:      skew,
	}
}

// ServeHTTP satisfies http.Handler. The route carries the tenant id as the
// trailing path segment.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	tenantID, err := strconv.ParseInt(r.PathValue("tenant"), 10, 64)
	if err != nil || tenantID <= 0 {
		http.Error(w, "invalid tenant", http.StatusBadRequest)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.countError("webhook_read")
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	secret, err := h.creds.Get(r.Context(), tenantID, secrets.NameSigningSecret)
	if err != nil {
		h.logger.Error("signing secret unavailable", "tenant_id", tenantID, "error", err)
		h.countError("webhook_secret")
		http.Error(w, "configuration error", http.StatusInternalServerError)
		return
	}

	header := r.Header.Get(h.provider + "-signature")
	if err := VerifySignature(body, header, secret, h.skew, time.Now()); err != nil {
		if errors.Is(err, ErrMissingSecret) {
			h.countError("webhook_secret")
			http.Error(w, "configuration error", http.StatusInternalServerError)
			return
		}
		h.logger.Warn("signature rejected", "tenant_id", tenantID, "error", err)
		h.countError("webhook_signature")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	envelopes, err := ParseEnvelopes(body, h.provider, tenantID, time.Now())
	if err != nil {
		h.countError("webhook_payload")
		http.Error(w, "malformed payload", http.StatusBadRequest)
		return
	}

	status := "ignored"
	for _, env := range envelopes {
		outcome := h.dispatch(r.Context(), env)
		if status == "ignored" || outcome == "accepted" {
			status = outcome
		}
		if h.metrics != nil {
			h.metrics.WebhookEvents.WithLabelValues(string(env.Kind), outcome).Inc()
		}
	}

	writeStatus(w, status)
}

func (h *Handler) dispatch(ctx context.Context, env InboundEnvelope) string {
	fresh, err := h.deduper.TryInsert(ctx, env.TenantID, env.MessageID)
	if err != nil {
		// Fail open: a dedup outage must not drop user messages. The
		// engine de-duplicates on (event_id, message_id) regardless.
		h.logger.Warn("dedupe check failed, treating as fresh", "error", err)
	} else if !fresh {
		if h.metrics != nil {
			h.metrics.WebhookDuplicate.Inc()
		}
		return "duplicate"
	}

	if h.processor == nil {
		return "ignored"
	}
	if err := h.processor.ProcessEnvelope(ctx, env); err != nil {
		h.logger.Error("failed processing envelope",
			"tenant_id", env.TenantID,
			"message_id", env.MessageID,
			"kind", env.Kind,
			"error", err)
		h.countError("webhook_process")
		return "ignored"
	}
	return "accepted"
}

func (h *Handler) countError(component string) {
	if h.metrics != nil {
		h.metrics.Errors.WithLabelValues(component).Inc()
	}
}

func writeStatus(w http.ResponseWriter, status string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": status})
}

// Route is the mux pattern this handler is mounted at.
const Route = "POST /webhook/whatsapp/{tenant}"
