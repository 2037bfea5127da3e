package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"wa-ingress/internal/metrics"
	"wa-ingress/internal/retry"
)

// Reply status verdicts returned by the reasoning engine.
const (
	StatusOK        = "ok"
	StatusDuplicate = "duplicate"
	StatusError     = "error"
)

// MediaRef points the engine at an inbound attachment.
type MediaRef struct {
	Kind           string `json:"kind"`
	URL            string `json:"url"`
	Mime           string `json:"mime"`
	Filename       string `json:"filename,omitempty"`
	ProviderBlobID string `json:"provider_blob_id,omitempty"`
}

// HistoryEntry is one prior conversation message, oldest first.
type HistoryEntry struct {
	Direction string `json:"direction"`
	Text      string `json:"text"`
}

// Request is the coalesced payload for one engine invocation.
type Request struct {
	Provider     string          `json:"provider"`
	EventID      string          `json:"event_id"`
	MessageID    string          `json:"message_id"`
	TenantID     int64           `json:"tenant_id"`
	SenderID     string          `json:"sender_id"`
	RecipientID  string          `json:"recipient_id"`
	Text         string          `json:"text"`
	Referral     json.RawMessage `json:"referral,omitempty"`
	Media        []MediaRef      `json:"media,omitempty"`
	CustomerName string          `json:"customer_name,omitempty"`
	EventType    string          `json:"event_type,omitempty"`
	History      []HistoryEntry  `json:"history,omitempty"`
}

// Bubble is one ordered reply message from the engine.
type Bubble struct {
	Text     string `json:"text,omitempty"`
	ImageURL string `json:"imageUrl,omitempty"`
}

// Reply is the engine's response envelope. Parsed but otherwise opaque.
type Reply struct {
	Status   string   `json:"status"`
	Send     bool     `json:"send"`
	Text     string   `json:"text,omitempty"`
	Messages []Bubble `json:"messages,omitempty"`
}

// Bubbles normalizes the reply into an ordered bubble list, folding the
// legacy single-text form into one bubble.
func (r Reply) Bubbles() []Bubble {
	if len(r.Messages) > 0 {
		return r.Messages
	}
	if r.Text != "" {
		return []Bubble{{Text: r.Text}}
	}
	return nil
}

// HTTPError carries a non-2xx engine HTTP response.
type HTTPError struct {
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("engine status %d: %s", e.Status, e.Body)
}

// Client invokes the external reasoning service.
type Client struct {
	logger  *slog.Logger
	baseURL string
	token   string
	http    *http.Client
	metrics *metrics.Metrics
	retry   retry.Config
}

// Config holds engine adapter configuration.
type Config struct {
	BaseURL        string
	Token          string
	Attempts       int
	ReadTimeout    time.Duration
	ConnectTimeout time.Duration
}

// New creates an engine client.
func New(cfg Config, logger *slog.Logger, metricRegistry *metrics.Metrics) *Client {
	readTimeout := cfg.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = 120 * time.Second
	}
	connectTimeout := cfg.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 5 * time.Second
	}
	attempts := cfg.Attempts
	if attempts <= 0 {
		attempts = 3
	}

	transport := &http.Transport{
		DialContext: (&net.Dialer{Timeout: connectTimeout}).DialContext,
	}

	return &Client{
		logger:  logger.With("component", "engine"),
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		http: &http.Client{
			Timeout:   readTimeout,
			Transport: transport,
		},
		metrics: metricRegistry,
		retry: retry.Config{
			MaxAttempts: attempts,
			BaseDelay:   2 * time.Second,
			MaxDelay:    8 * time.Second,
			Jitter:      0.5,
			IsRetryable: isTransient,
		},
	}
}

// Invoke posts the coalesced turn to the engine and parses the reply
// envelope. Transport errors and 5xx are retried; 4xx never is.
func (c *Client) Invoke(ctx context.Context, req Request) (Reply, error) {
	if c.baseURL == "" {
		return Reply{}, errors.New("engine base url not configured")
	}

	body, err := json.Marshal(req)
	if err != nil {
		return Reply{}, fmt.Errorf("marshal engine request: %w", err)
	}

	var reply Reply
	err = retry.Do(ctx, c.retry, func(ctx context.Context) error {
		var attemptErr error
		reply, attemptErr = c.post(ctx, body)
		return attemptErr
	})
	if err != nil {
		return Reply{}, err
	}
	return reply, nil
}

func (c *Client) post(ctx context.Context, body []byte) (Reply, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat", bytes.NewReader(body))
	if err != nil {
		return Reply{}, fmt.Errorf("build engine request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Internal-Token", c.token)

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		c.observe("transport_error", start)
		return Reply{}, fmt.Errorf("engine request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		c.observe(fmt.Sprintf("http_%d", resp.StatusCode), start)
		return Reply{}, &HTTPError{Status: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
	}

	var reply Reply
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		c.observe("decode_error", start)
		return Reply{}, fmt.Errorf("decode engine reply: %w", err)
	}
	if reply.Status == "" {
		reply.Status = StatusOK
	}
	c.observe(reply.Status, start)
	return reply, nil
}

func (c *Client) observe(status string, start time.Time) {
	if c.metrics == nil {
		return
	}
	c.metrics.EngineRequests.WithLabelValues(status).Inc()
	c.metrics.EngineLatency.WithLabelValues(status).Observe(time.Since(start).Seconds())
}

func isTransient(err error) bool {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.Status >= 500
	}
	return retry.DefaultIsRetryable(err)
}
