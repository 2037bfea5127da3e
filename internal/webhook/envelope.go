package webhook

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind classifies an inbound message.
type Kind string

// Message kinds carried by the provider.
const (
	KindText     Kind = "text"
	KindAudio    Kind = "audio"
	KindImage    Kind = "image"
	KindDocument Kind = "document"
	KindVideo    Kind = "video"
	KindEcho     Kind = "echo"
	KindOther    Kind = "other"
)

// Media references a provider-hosted attachment.
type Media struct {
	Kind           string `json:"kind"`
	URL            string `json:"url"`
	Mime           string `json:"mime"`
	Filename       string `json:"filename,omitempty"`
	ProviderBlobID string `json:"provider_blob_id,omitempty"`
}

// InboundEnvelope is the normalized form of one webhook message delivery.
type InboundEnvelope struct {
	Provider    string
	EventID     string
	MessageID   string
	TenantID    int64
	SenderID    string
	RecipientID string
	Kind        Kind
	Text        string
	Media       []Media
	Referral    json.RawMessage
	ReceivedAt  time.Time
}

type wireMedia struct {
	URL      string `json:"url"`
	Mime     string `json:"mime_type"`
	Filename string `json:"filename"`
	BlobID   string `json:"id"`
	Caption  string `json:"caption"`
}

type wireMessage struct {
	ID   string `json:"id"`
	From string `json:"from"`
	To   string `json:"to"`
	Type string `json:"type"`
	Text *struct {
		Body string `json:"body"`
	} `json:"text"`
	Image    *wireMedia      `json:"image"`
	Audio    *wireMedia      `json:"audio"`
	Video    *wireMedia      `json:"video"`
	Document *wireMedia      `json:"document"`
	Referral json.RawMessage `json:"referral"`
}

type wireDelivery struct {
	ID    string `json:"id"`
	Event struct {
		Type string `json:"type"`
	} `json:"event"`
	Message wireMessage `json:"message"`
}

// ParseEnvelopes decodes a provider webhook body into normalized envelopes.
// The body may be a single delivery object or an array of them.
func ParseEnvelopes(body []byte, provider string, tenantID int64, now time.Time) ([]InboundEnvelope, error) {
	var deliveries []wireDelivery
	if err := json.Unmarshal(body, &deliveries); err != nil {
		var single wireDelivery
		if err := json.Unmarshal(body, &single); err != nil {
			return nil, fmt.Errorf("decode webhook body: %w", err)
		}
		deliveries = []wireDelivery{single}
	}

	envelopes := make([]InboundEnvelope, 0, len(deliveries))
	for _, d := range deliveries {
		env, ok := normalize(d, provider, tenantID, now)
		if !ok {
			continue
		}
		envelopes = append(envelopes, env)
	}
	return envelopes, nil
}

func normalize(d wireDelivery, provider string, tenantID int64, now time.Time) (InboundEnvelope, bool) {
	msg := d.Message
	if d.ID == "" && msg.ID == "" {
		return InboundEnvelope{}, false
	}

	// The innermost provider id (the wamid) wins as the dedup key.
	messageID := msg.ID
	if messageID == "" {
		messageID = d.ID
	}
	eventID := d.ID
	if eventID == "" {
		eventID = messageID
	}

	env := InboundEnvelope{
		Provider:    provider,
		EventID:     eventID,
		MessageID:   messageID,
		TenantID:    tenantID,
		SenderID:    msg.From,
		RecipientID: msg.To,
		Referral:    msg.Referral,
		ReceivedAt:  now,
	}

	if isEchoEvent(d.Event.Type) {
		env.Kind = KindEcho
		if msg.Text != nil {
			env.Text = msg.Text.Body
		}
		return env, true
	}

	switch msg.Type {
	case "text":
		env.Kind = KindText
		if msg.Text != nil {
			env.Text = msg.Text.Body
		}
	case "audio", "voice", "ptt":
		env.Kind = KindAudio
		env.Media = mediaList("audio", msg.Audio)
	case "image":
		env.Kind = KindImage
		env.Text = captionOf(msg.Image)
		env.Media = mediaList("image", msg.Image)
	case "video":
		env.Kind = KindVideo
		env.Text = captionOf(msg.Video)
		env.Media = mediaList("video", msg.Video)
	case "document":
		env.Kind = KindDocument
		env.Text = captionOf(msg.Document)
		env.Media = mediaList("document", msg.Document)
	default:
		env.Kind = KindOther
	}
	return env, true
}

func isEchoEvent(eventType string) bool {
	switch eventType {
	case "echo", "message_echo", "message:echo":
		return true
	}
	return false
}

func captionOf(m *wireMedia) string {
	if m == nil {
		return ""
	}
	return m.Caption
}

func mediaList(kind string, m *wireMedia) []Media {
	if m == nil {
		return nil
	}
	return []Media{{
		Kind:           kind,
		URL:            m.URL,
		Mime:           m.Mime,
		Filename:       m.Filename,
		ProviderBlobID: m.BlobID,
	}}
}
