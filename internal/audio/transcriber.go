package audio

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"wa-ingress/internal/metrics"
)

// ErrEmptyTranscript indicates the ASR produced no usable text.
var ErrEmptyTranscript = errors.New("empty transcript")

const maxAudioBytes = 32 << 20

// Transcriber downloads inbound audio and converts it to text through the
// ASR service.
type Transcriber struct {
	logger  *slog.Logger
	metrics *metrics.Metrics
	asrURL  string
	http    *http.Client
}

// Config holds transcriber configuration.
type Config struct {
	ASRBaseURL string
	Timeout    time.Duration
}

// New creates a transcriber.
func New(cfg Config, logger *slog.Logger, metricRegistry *metrics.Metrics) *Transcriber {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Transcriber{
		logger:  logger.With("component", "audio"),
		metrics: metricRegistry,
		asrURL:  strings.TrimRight(cfg.ASRBaseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

// Transcribe fetches the audio at mediaURL and returns the ASR transcript.
func (t *Transcriber) Transcribe(ctx context.Context, mediaURL, mimeType string) (string, error) {
	if t.asrURL == "" {
		return "", errors.New("asr base url not configured")
	}

	data, err := t.download(ctx, mediaURL)
	if err != nil {
		return "", err
	}

	transcript, err := t.post(ctx, data, mimeType)
	if err != nil {
		return "", err
	}
	transcript = strings.TrimSpace(transcript)
	if transcript == "" {
		return "", ErrEmptyTranscript
	}
	return transcript, nil
}

func (t *Transcriber) download(ctx context.Context, mediaURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, mediaURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build audio download request: %w", err)
	}

	resp, err := t.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download audio: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download audio: status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxAudioBytes))
	if err != nil {
		return nil, fmt.Errorf("read audio body: %w", err)
	}
	if len(data) == 0 {
		return nil, errors.New("download audio: empty body")
	}
	return data, nil
}

func (t *Transcriber) post(ctx context.Context, data []byte, mimeType string) (string, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	part, err := writer.CreateFormFile("file", "audio")
	if err != nil {
		return "", fmt.Errorf("build multipart: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return "", fmt.Errorf("write multipart: %w", err)
	}
	if mimeType != "" {
		_ = writer.WriteField("mime_type", mimeType)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("close multipart: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.asrURL+"/transcribe", &buf)
	if err != nil {
		return "", fmt.Errorf("build asr request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	start := time.Now()
	resp, err := t.http.Do(req)
	if err != nil {
		t.count("transport_error")
		return "", fmt.Errorf("asr request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.count(fmt.Sprintf("http_%d", resp.StatusCode))
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("asr status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var payload struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.count("decode_error")
		return "", fmt.Errorf("decode asr response: %w", err)
	}
	t.logger.Debug("audio transcribed", "bytes", len(data), "duration", time.Since(start))
	return payload.Text, nil
}

func (t *Transcriber) count(reason string) {
	if t.metrics != nil {
		t.metrics.Errors.WithLabelValues("asr_" + reason).Inc()
	}
}
