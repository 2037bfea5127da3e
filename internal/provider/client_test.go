package provider

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"wa-ingress/internal/secrets"
)

type fakeCreds struct {
	values map[string]string
}

func (f *fakeCreds) Get(_ context.Context, _ int64, name string) (string, error) {
	if v, ok := f.values[name]; ok {
		return v, nil
	}
	return "", secrets.ErrNotFound
}

func testCreds() secrets.Source {
	return &fakeCreds{values: map[string]string{
		secrets.NameProviderKey: "api-key-1",
		secrets.NameFromNumber:  "5215559999",
	}}
}

func newTestProvider(baseURL string) *Client {
	c := New(Config{BaseURL: baseURL}, testCreds(), slog.Default(), nil)
	c.retry.Sleep = func(time.Duration) {}
	return c
}

func TestSendTextInjectsAuthAndFromNumber(t *testing.T) {
	var gotAuth string
	var gotPayload map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&gotPayload); err != nil {
			t.Errorf("decode payload: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := newTestProvider(srv.URL)
	if err := c.SendText(context.Background(), 7, "5215550001", "hola"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotAuth != "Bearer api-key-1" {
		t.Fatalf("bad auth header: %q", gotAuth)
	}
	if gotPayload["from_number"] != "5215559999" {
		t.Fatalf("from_number not injected: %+v", gotPayload)
	}
	if gotPayload["to"] != "5215550001" || gotPayload["body"] != "hola" {
		t.Fatalf("payload mangled: %+v", gotPayload)
	}
}

func TestSendTextRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 2 {
			http.Error(w, "flaky", http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := newTestProvider(srv.URL)
	if err := c.SendText(context.Background(), 7, "5215550001", "hola"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected 2 attempts, got %d", calls.Load())
	}
}

func TestSendTextSurfacesClientError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "number not on whatsapp", http.StatusBadRequest)
	}))
	defer srv.Close()

	c := newTestProvider(srv.URL)
	err := c.SendText(context.Background(), 7, "5215550001", "hola")
	var statusErr *StatusError
	if !errors.As(err, &statusErr) || statusErr.Status != http.StatusBadRequest {
		t.Fatalf("expected StatusError 400, got %v", err)
	}
	if statusErr.Transient() {
		t.Fatal("4xx must not be transient")
	}
	if calls.Load() != 1 {
		t.Fatalf("expected single attempt, got %d", calls.Load())
	}
}

func TestSendFailsWithoutCredentials(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("provider reached without credentials")
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL}, &fakeCreds{}, slog.Default(), nil)
	c.retry.Sleep = func(time.Duration) {}

	err := c.SendText(context.Background(), 7, "5215550001", "hola")
	if !errors.Is(err, secrets.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMarkAsReadSingleAttempt(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := newTestProvider(srv.URL)
	if err := c.MarkAsRead(context.Background(), 7, "wamid.A"); err == nil {
		t.Fatal("expected error")
	}
	if calls.Load() != 1 {
		t.Fatalf("mark-as-read must not retry, got %d attempts", calls.Load())
	}
}

func TestListTemplates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("from_number"); got != "5215559999" {
			t.Errorf("from_number query missing, got %q", got)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"templates": []Template{
				{Name: "order_update", Language: "es_MX", Category: "UTILITY", Status: "APPROVED"},
			},
		})
	}))
	defer srv.Close()

	c := newTestProvider(srv.URL)
	templates, err := c.ListTemplates(context.Background(), 7)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(templates) != 1 || templates[0].Name != "order_update" {
		t.Fatalf("unexpected templates: %+v", templates)
	}
}
