package webhook

import (
	"testing"
	"time"
)

func TestParseEnvelopesTextMessage(t *testing.T) {
	body := []byte(`{
		"id": "evt_100",
		"event": {"type": "message"},
		"message": {
			"id": "wamid.ABC",
			"from": "5215550001",
			"to": "5215559999",
			"type": "text",
			"text": {"body": "hola"}
		}
	}`)

	now := time.Now()
	envelopes, err := ParseEnvelopes(body, "whatsapp", 7, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(envelopes) != 1 {
		t.Fatalf("expected 1 envelope, got %d", len(envelopes))
	}

	env := envelopes[0]
	if env.Kind != KindText {
		t.Fatalf("expected text kind, got %q", env.Kind)
	}
	if env.MessageID != "wamid.ABC" {
		t.Fatalf("expected innermost id as message id, got %q", env.MessageID)
	}
	if env.EventID != "evt_100" {
		t.Fatalf("expected delivery id as event id, got %q", env.EventID)
	}
	if env.Text != "hola" || env.SenderID != "5215550001" || env.RecipientID != "5215559999" {
		t.Fatalf("bad normalization: %+v", env)
	}
	if env.TenantID != 7 || env.Provider != "whatsapp" {
		t.Fatalf("tenant/provider not propagated: %+v", env)
	}
}

func TestParseEnvelopesArrayBody(t *testing.T) {
	body := []byte(`[
		{"id": "evt_1", "message": {"id": "wamid.A", "type": "text", "text": {"body": "uno"}}},
		{"id": "evt_2", "message": {"id": "wamid.B", "type": "text", "text": {"body": "dos"}}}
	]`)

	envelopes, err := ParseEnvelopes(body, "whatsapp", 1, time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(envelopes) != 2 {
		t.Fatalf("expected 2 envelopes, got %d", len(envelopes))
	}
	if envelopes[0].Text != "uno" || envelopes[1].Text != "dos" {
		t.Fatalf("envelopes out of order: %+v", envelopes)
	}
}

func TestParseEnvelopesFallsBackToDeliveryID(t *testing.T) {
	body := []byte(`{"id": "evt_only", "message": {"type": "text", "text": {"body": "hola"}}}`)

	envelopes, err := ParseEnvelopes(body, "whatsapp", 1, time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if envelopes[0].MessageID != "evt_only" {
		t.Fatalf("expected delivery id fallback, got %q", envelopes[0].MessageID)
	}
}

func TestParseEnvelopesImageCaption(t *testing.T) {
	body := []byte(`{
		"id": "evt_3",
		"message": {
			"id": "wamid.IMG",
			"type": "image",
			"image": {"url": "https://cdn.example/a.jpg", "mime_type": "image/jpeg", "id": "blob_1", "caption": "mira esto"}
		}
	}`)

	envelopes, err := ParseEnvelopes(body, "whatsapp", 1, time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	env := envelopes[0]
	if env.Kind != KindImage {
		t.Fatalf("expected image kind, got %q", env.Kind)
	}
	if env.Text != "mira esto" {
		t.Fatalf("caption not funneled into text: %q", env.Text)
	}
	if len(env.Media) != 1 || env.Media[0].URL != "https://cdn.example/a.jpg" || env.Media[0].ProviderBlobID != "blob_1" {
		t.Fatalf("media reference missing: %+v", env.Media)
	}
}

func TestParseEnvelopesEchoEvent(t *testing.T) {
	body := []byte(`{
		"id": "evt_4",
		"event": {"type": "message_echo"},
		"message": {
			"id": "wamid.ECHO",
			"from": "5215559999",
			"to": "5215550001",
			"type": "text",
			"text": {"body": "respuesta del operador"}
		}
	}`)

	envelopes, err := ParseEnvelopes(body, "whatsapp", 1, time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	env := envelopes[0]
	if env.Kind != KindEcho {
		t.Fatalf("expected echo kind, got %q", env.Kind)
	}
	if env.Text != "respuesta del operador" {
		t.Fatalf("echo text missing: %q", env.Text)
	}
}

func TestParseEnvelopesReferralPassthrough(t *testing.T) {
	body := []byte(`{
		"id": "evt_5",
		"message": {
			"id": "wamid.REF",
			"type": "text",
			"text": {"body": "vengo del anuncio"},
			"referral": {"source_id": "ad_123", "headline": "Promo"}
		}
	}`)

	envelopes, err := ParseEnvelopes(body, "whatsapp", 1, time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(envelopes[0].Referral) == 0 {
		t.Fatal("expected referral payload to pass through")
	}
}

func TestParseEnvelopesSkipsDeliveryWithoutIDs(t *testing.T) {
	body := []byte(`[{"message": {"type": "text", "text": {"body": "sin id"}}}]`)

	envelopes, err := ParseEnvelopes(body, "whatsapp", 1, time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(envelopes) != 0 {
		t.Fatalf("expected delivery without ids to be dropped, got %d", len(envelopes))
	}
}

func TestParseEnvelopesRejectsMalformedBody(t *testing.T) {
	if _, err := ParseEnvelopes([]byte("not json"), "whatsapp", 1, time.Now()); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestParseEnvelopesUnknownTypeBecomesOther(t *testing.T) {
	body := []byte(`{"id": "evt_6", "message": {"id": "wamid.X", "type": "sticker"}}`)

	envelopes, err := ParseEnvelopes(body, "whatsapp", 1, time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if envelopes[0].Kind != KindOther {
		t.Fatalf("expected other kind, got %q", envelopes[0].Kind)
	}
}
