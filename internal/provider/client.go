package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"wa-ingress/internal/metrics"
	"wa-ingress/internal/retry"
	"wa-ingress/internal/secrets"
)

// Client provides typed access to the WhatsApp provider HTTP API. Every verb
// resolves the tenant's API key and business number before the call.
type Client struct {
	logger  *slog.Logger
	baseURL string
	http    *http.Client
	metrics *metrics.Metrics
	creds   secrets.Source
	retry   retry.Config
}

// Config holds provider client configuration.
type Config struct {
	BaseURL string
	Timeout time.Duration
}

// StatusError carries a non-2xx provider response.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("provider status %d: %s", e.Status, e.Body)
}

// Transient reports whether the failure is worth retrying.
func (e *StatusError) Transient() bool {
	return e.Status >= 500
}

// Template describes a pre-approved message template.
type Template struct {
	Name     string `json:"name"`
	Language string `json:"language"`
	Category string `json:"category"`
	Status   string `json:"status"`
}

// New creates a provider client.
func New(cfg Config, creds secrets.Source, logger *slog.Logger, metricRegistry *metrics.Metrics) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		logger:  logger.With("component", "provider"),
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		metrics: metricRegistry,
		creds:   creds,
		retry: retry.Config{
			MaxAttempts: 3,
			BaseDelay:   2 * time.Second,
			MaxDelay:    8 * time.Second,
			Jitter:      0.5,
			IsRetryable: isTransient,
		},
	}
}

// SendText delivers a plain text message to the recipient.
func (c *Client) SendText(ctx context.Context, tenantID int64, to, text string) error {
	return c.sendRetried(ctx, tenantID, "send_text", "/messages/text", map[string]any{
		"to":   to,
		"body": text,
	})
}

// SendImage delivers an image by URL with an optional caption.
func (c *Client) SendImage(ctx context.Context, tenantID int64, to, imageURL, caption string) error {
	payload := map[string]any{
		"to":        to,
		"image_url": imageURL,
	}
	if caption != "" {
		payload["caption"] = caption
	}
	return c.sendRetried(ctx, tenantID, "send_image", "/messages/image", payload)
}

// SendTemplate delivers a pre-approved template outside the session window.
func (c *Client) SendTemplate(ctx context.Context, tenantID int64, to, name, language string, params []string) error {
	return c.sendRetried(ctx, tenantID, "send_template", "/messages/template", map[string]any{
		"to":       to,
		"template": name,
		"language": language,
		"params":   params,
	})
}

// MarkAsRead flags the inbound message as read. Best-effort: a single
// attempt, failures are logged by the caller.
func (c *Client) MarkAsRead(ctx context.Context, tenantID int64, messageID string) error {
	return c.send(ctx, tenantID, "mark_read", "/messages/read", map[string]any{
		"message_id": messageID,
	})
}

// TypingIndicator shows the typing state on the user's conversation.
// Best-effort like MarkAsRead.
func (c *Client) TypingIndicator(ctx context.Context, tenantID int64, to, messageID string) error {
	return c.send(ctx, tenantID, "typing", "/messages/typing", map[string]any{
		"to":         to,
		"message_id": messageID,
	})
}

// ListTemplates retrieves the templates approved for the tenant's number.
func (c *Client) ListTemplates(ctx context.Context, tenantID int64) ([]Template, error) {
	apiKey, fromNumber, err := c.tenantAuth(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	endpoint := fmt.Sprintf("%s/templates?from_number=%s", c.baseURL, fromNumber)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build templates request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)

	start := time.Now()
	resp, err := c.http.Do(req)
	c.observe("list_templates", start, err, resp)
	if err != nil {
		return nil, fmt.Errorf("list templates: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, &StatusError{Status: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	var payload struct {
		Templates []Template `json:"templates"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode templates: %w", err)
	}
	return payload.Templates, nil
}

func (c *Client) sendRetried(ctx context.Context, tenantID int64, verb, path string, payload map[string]any) error {
	return retry.Do(ctx, c.retry, func(ctx context.Context) error {
		return c.send(ctx, tenantID, verb, path, payload)
	})
}

func (c *Client) send(ctx context.Context, tenantID int64, verb, path string, payload map[string]any) error {
	apiKey, fromNumber, err := c.tenantAuth(ctx, tenantID)
	if err != nil {
		return err
	}
	payload["from_number"] = fromNumber

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", verb, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build %s request: %w", verb, err)
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	c.observe(verb, start, err, resp)
	if err != nil {
		return fmt.Errorf("%s: %w", verb, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &StatusError{Status: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// tenantAuth resolves the tenant's API key and business number. A missing
// key degrades to a failed send, never a panic or silent success.
func (c *Client) tenantAuth(ctx context.Context, tenantID int64) (apiKey, fromNumber string, err error) {
	apiKey, err = c.creds.Get(ctx, tenantID, secrets.NameProviderKey)
	if err != nil {
		return "", "", fmt.Errorf("resolve provider api key: %w", err)
	}
	fromNumber, err = c.creds.Get(ctx, tenantID, secrets.NameFromNumber)
	if err != nil {
		return "", "", fmt.Errorf("resolve provider from number: %w", err)
	}
	return apiKey, fromNumber, nil
}

func (c *Client) observe(verb string, start time.Time, err error, resp *http.Response) {
	if c.metrics == nil {
		return
	}
	status := "error"
	if err == nil && resp != nil {
		status = fmt.Sprintf("%d", resp.StatusCode)
	}
	c.metrics.ProviderRequests.WithLabelValues(verb, status).Inc()
	c.metrics.ProviderLatency.WithLabelValues(verb, status).Observe(time.Since(start).Seconds())
}

func isTransient(err error) bool {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Transient()
	}
	if errors.Is(err, secrets.ErrNotFound) {
		return false
	}
	return retry.DefaultIsRetryable(err)
}
