package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"wa-ingress/internal/audio"
	"wa-ingress/internal/engine"
	"wa-ingress/internal/metrics"
	"wa-ingress/internal/turn"
	"wa-ingress/internal/webhook"
)

// Ingestor is the coordinator-facing half of the pipeline.
type Ingestor interface {
	Ingest(ctx context.Context, tenantID int64, senderID, recipientID string, u turn.Utterance) error
}

// EchoInvoker forwards operator echoes to the reasoning engine.
type EchoInvoker interface {
	Invoke(ctx context.Context, req engine.Request) (engine.Reply, error)
}

// Transcriber converts inbound audio into text.
type Transcriber interface {
	Transcribe(ctx context.Context, mediaURL, mimeType string) (string, error)
}

// Processor routes verified envelopes: text and captioned media into the
// turn buffer, audio through ASR into the same path, echoes straight to
// the engine as history writes.
type Processor struct {
	logger      *slog.Logger
	metrics     *metrics.Metrics
	ingestor    Ingestor
	echo        EchoInvoker
	transcriber Transcriber
	provider    string
	background  time.Duration
}

// New creates the envelope processor.
func New(provider string, ingestor Ingestor, echo EchoInvoker, transcriber Transcriber, logger *slog.Logger, metricRegistry *metrics.Metrics) *Processor {
	return &Processor{
		logger:      logger.With("component", "pipeline"),
		metrics:     metricRegistry,
		ingestor:    ingestor,
		echo:        echo,
		transcriber: transcriber,
		provider:    provider,
		background:  2 * time.Minute,
	}
}

// ProcessEnvelope satisfies webhook.EnvelopeProcessor. The synchronous part
// ends once the envelope is persisted or handed to a background task; the
// webhook edge acknowledges right after.
func (p *Processor) ProcessEnvelope(ctx context.Context, env webhook.InboundEnvelope) error {
	switch env.Kind {
	case webhook.KindEcho:
		go p.forwardEcho(env)
		return nil
	case webhook.KindAudio:
		go p.transcribeAndIngest(env)
		return nil
	case webhook.KindText:
		return p.ingestText(ctx, env)
	case webhook.KindImage, webhook.KindDocument, webhook.KindVideo:
		if env.Text == "" && env.Referral == nil {
			p.logger.Debug("media without caption ignored", "tenant_id", env.TenantID, "message_id", env.MessageID)
			return nil
		}
		if env.Text == "" {
			// Keep the referral flowing even without a caption.
			env.Text = "[" + string(env.Kind) + "]"
		}
		return p.ingestText(ctx, env)
	default:
		p.logger.Debug("unsupported message kind ignored", "kind", env.Kind, "tenant_id", env.TenantID)
		return nil
	}
}

func (p *Processor) ingestText(ctx context.Context, env webhook.InboundEnvelope) error {
	if env.Text == "" {
		return errors.New("text envelope without body")
	}
	return p.ingestor.Ingest(ctx, env.TenantID, env.SenderID, env.RecipientID, utteranceOf(env))
}

// transcribeAndIngest runs off the request path. Failed or empty
// transcriptions are dropped silently; the next user message drives the
// loop.
func (p *Processor) transcribeAndIngest(env webhook.InboundEnvelope) {
	ctx, cancel := context.WithTimeout(context.Background(), p.background)
	defer cancel()

	if len(env.Media) == 0 || p.transcriber == nil {
		p.logger.Warn("audio envelope without media reference", "tenant_id", env.TenantID, "message_id", env.MessageID)
		return
	}

	media := env.Media[0]
	transcript, err := p.transcriber.Transcribe(ctx, media.URL, media.Mime)
	if err != nil {
		if errors.Is(err, audio.ErrEmptyTranscript) {
			p.logger.Info("audio produced empty transcript, dropped", "tenant_id", env.TenantID, "message_id", env.MessageID)
		} else {
			p.logger.Error("audio transcription failed", "tenant_id", env.TenantID, "message_id", env.MessageID, "error", err)
			p.countError("audio")
		}
		return
	}

	env.Text = transcript
	if err := p.ingestor.Ingest(ctx, env.TenantID, env.SenderID, env.RecipientID, utteranceOf(env)); err != nil {
		p.logger.Error("transcript ingest failed", "tenant_id", env.TenantID, "message_id", env.MessageID, "error", err)
		p.countError("audio")
	}
}

// forwardEcho pushes an operator-authored message into the engine's
// conversation history. The sender is swapped to the user's number so the
// history lands on the right thread. No buffering, no reply.
func (p *Processor) forwardEcho(env webhook.InboundEnvelope) {
	if p.echo == nil || env.Text == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), p.background)
	defer cancel()

	req := engine.Request{
		Provider:    p.provider,
		EventID:     env.EventID,
		MessageID:   env.MessageID,
		TenantID:    env.TenantID,
		SenderID:    env.RecipientID,
		RecipientID: env.SenderID,
		Text:        env.Text,
		EventType:   "echo",
	}
	if _, err := p.echo.Invoke(ctx, req); err != nil {
		p.logger.Warn("echo forward failed", "tenant_id", env.TenantID, "message_id", env.MessageID, "error", err)
		p.countError("echo")
	}
}

func utteranceOf(env webhook.InboundEnvelope) turn.Utterance {
	u := turn.Utterance{
		Text:      env.Text,
		MessageID: env.MessageID,
		EventID:   env.EventID,
		Referral:  env.Referral,
	}
	for _, m := range env.Media {
		u.Media = append(u.Media, engine.MediaRef{
			Kind:           m.Kind,
			URL:            m.URL,
			Mime:           m.Mime,
			Filename:       m.Filename,
			ProviderBlobID: m.ProviderBlobID,
		})
	}
	return u
}

func (p *Processor) countError(component string) {
	if p.metrics != nil {
		p.metrics.Errors.WithLabelValues(component).Inc()
	}
}
