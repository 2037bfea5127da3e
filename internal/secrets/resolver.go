package secrets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"
)

// Credential names used across the service.
const (
	NameSigningSecret = "webhook_signing_secret"
	NameProviderKey   = "provider_api_key"
	NameFromNumber    = "provider_from_number"
	NameLLMKey        = "llm_api_key"
)

// ErrNotFound indicates the credential exists in no configured source.
var ErrNotFound = errors.New("credential not found")

// Source resolves per-tenant credentials.
type Source interface {
	Get(ctx context.Context, tenantID int64, name string) (string, error)
}

// Resolver looks up credentials through a read-through cache backed by the
// admin service, with the process environment as a global fallback.
type Resolver struct {
	logger  *slog.Logger
	baseURL string
	token   string
	http    *http.Client

	mu    sync.RWMutex
	cache map[string]string
}

// Config holds resolver configuration.
type Config struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

// New creates a credential resolver.
func New(cfg Config, logger *slog.Logger) *Resolver {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Resolver{
		logger:  logger.With("component", "secrets"),
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		http:    &http.Client{Timeout: timeout},
		cache:   map[string]string{},
	}
}

// Get resolves a credential for the tenant. Lookup order: in-memory cache,
// admin service, process environment. Hits from the latter two are cached
// for the process lifetime.
func (r *Resolver) Get(ctx context.Context, tenantID int64, name string) (string, error) {
	key := fmt.Sprintf("%d:%s", tenantID, name)

	r.mu.RLock()
	val, ok := r.cache[key]
	r.mu.RUnlock()
	if ok {
		return val, nil
	}

	val, err := r.fetch(ctx, tenantID, name)
	if err != nil && !errors.Is(err, ErrNotFound) {
		r.logger.Warn("admin credential lookup failed", "tenant_id", tenantID, "name", name, "error", err)
	}
	if val == "" {
		val = os.Getenv(strings.ToUpper(name))
	}
	if val == "" {
		return "", ErrNotFound
	}

	r.mu.Lock()
	r.cache[key] = val
	r.mu.Unlock()
	return val, nil
}

func (r *Resolver) fetch(ctx context.Context, tenantID int64, name string) (string, error) {
	if r.baseURL == "" {
		return "", ErrNotFound
	}

	endpoint := fmt.Sprintf("%s/internal/credentials?tenant_id=%d&name=%s", r.baseURL, tenantID, url.QueryEscape(name))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("build credential request: %w", err)
	}
	req.Header.Set("X-Internal-Token", r.token)

	resp, err := r.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("credential request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return "", ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("credential request status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var payload struct {
		Value string `json:"value"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("decode credential response: %w", err)
	}
	if payload.Value == "" {
		return "", ErrNotFound
	}
	return payload.Value, nil
}
