package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"wa-ingress/internal/secrets"
)

type fakeSecrets struct {
	secret string
	err    error
}

func (f *fakeSecrets) Get(_ context.Context, _ int64, _ string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.secret, nil
}

type fakeProcessor struct {
	envelopes []InboundEnvelope
	err       error
}

func (f *fakeProcessor) ProcessEnvelope(_ context.Context, env InboundEnvelope) error {
	f.envelopes = append(f.envelopes, env)
	return f.err
}

func newTestHandler(creds secrets.Source, store DedupeStore, processor EnvelopeProcessor) http.Handler {
	h := NewHandler(Config{Provider: "whatsapp", Skew: 5 * time.Minute},
		creds,
		NewDeduper(store, time.Hour, slog.Default()),
		processor,
		slog.Default(),
		nil)
	mux := http.NewServeMux()
	mux.Handle(Route, h)
	return mux
}

func postWebhook(t *testing.T, handler http.Handler, body []byte, secret string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhook/whatsapp/7", strings.NewReader(string(body)))
	if secret != "" {
		req.Header.Set("whatsapp-signature", signBody(t, body, secret, time.Now().Unix()))
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func textDelivery(msgID, text string) []byte {
	return []byte(`{"id": "` + msgID + `", "message": {"id": "` + msgID + `", "from": "5215550001", "to": "5215559999", "type": "text", "text": {"body": "` + text + `"}}}`)
}

func decodeStatus(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var payload map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return payload["status"]
}

func TestHandlerAcceptsSignedDelivery(t *testing.T) {
	processor := &fakeProcessor{}
	handler := newTestHandler(&fakeSecrets{secret: "topsecret"}, &fakeDedupeStore{}, processor)

	rec := postWebhook(t, handler, textDelivery("wamid.A", "hola"), "topsecret")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if got := decodeStatus(t, rec); got != "accepted" {
		t.Fatalf("expected accepted status, got %q", got)
	}
	if len(processor.envelopes) != 1 || processor.envelopes[0].Text != "hola" {
		t.Fatalf("processor not invoked correctly: %+v", processor.envelopes)
	}
	if processor.envelopes[0].TenantID != 7 {
		t.Fatalf("tenant id not taken from path: %d", processor.envelopes[0].TenantID)
	}
}

func TestHandlerAnswersDuplicateWithoutProcessing(t *testing.T) {
	processor := &fakeProcessor{}
	store := &fakeDedupeStore{}
	handler := newTestHandler(&fakeSecrets{secret: "topsecret"}, store, processor)

	body := textDelivery("wamid.A", "hola")
	postWebhook(t, handler, body, "topsecret")
	rec := postWebhook(t, handler, body, "topsecret")

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 on redelivery, got %d", rec.Code)
	}
	if got := decodeStatus(t, rec); got != "duplicate" {
		t.Fatalf("expected duplicate status, got %q", got)
	}
	if len(processor.envelopes) != 1 {
		t.Fatalf("duplicate delivery reached the processor: %d calls", len(processor.envelopes))
	}
}

func TestHandlerRejectsBadSignature(t *testing.T) {
	processor := &fakeProcessor{}
	handler := newTestHandler(&fakeSecrets{secret: "topsecret"}, &fakeDedupeStore{}, processor)

	rec := postWebhook(t, handler, textDelivery("wamid.A", "hola"), "wrongsecret")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if len(processor.envelopes) != 0 {
		t.Fatal("unsigned delivery reached the processor")
	}
}

func TestHandlerRejectsMissingSignatureHeader(t *testing.T) {
	handler := newTestHandler(&fakeSecrets{secret: "topsecret"}, &fakeDedupeStore{}, &fakeProcessor{})

	rec := postWebhook(t, handler, textDelivery("wamid.A", "hola"), "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestHandlerFailsClosedWithoutSecret(t *testing.T) {
	handler := newTestHandler(&fakeSecrets{err: secrets.ErrNotFound}, &fakeDedupeStore{}, &fakeProcessor{})

	rec := postWebhook(t, handler, textDelivery("wamid.A", "hola"), "topsecret")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
}

func TestHandlerRejectsMalformedBody(t *testing.T) {
	handler := newTestHandler(&fakeSecrets{secret: "topsecret"}, &fakeDedupeStore{}, &fakeProcessor{})

	rec := postWebhook(t, handler, []byte("not json"), "topsecret")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandlerFailsOpenOnDedupeOutage(t *testing.T) {
	processor := &fakeProcessor{}
	store := &fakeDedupeStore{err: errors.New("redis down")}
	handler := newTestHandler(&fakeSecrets{secret: "topsecret"}, store, processor)

	rec := postWebhook(t, handler, textDelivery("wamid.A", "hola"), "topsecret")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if len(processor.envelopes) != 1 {
		t.Fatal("dedupe outage dropped the envelope")
	}
}

func TestHandlerRejectsInvalidTenant(t *testing.T) {
	handler := newTestHandler(&fakeSecrets{secret: "topsecret"}, &fakeDedupeStore{}, &fakeProcessor{})

	req := httptest.NewRequest(http.MethodPost, "/webhook/whatsapp/abc", strings.NewReader("{}"))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}
