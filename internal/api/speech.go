package api

import (
	"bytes"
	"context"
	"log/slog"
	"time"

	"github.com/hollien/bookvoice/internal/config"
	"github.com/hollien/bookvoice/internal/ports"
	"github.com/hollien/bookvoice/internal/util"
)

// SpeechSynthesizer converts combined text into audio through an
// OpenAI-compatible speech endpoint. Long texts are split on paragraph
// boundaries and the chunk audio is concatenated in order.
type SpeechSynthesizer struct {
	client  *Client
	cfg     config.SynthesisConfig
	apiKey  string
	timeout time.Duration
	logger  *slog.Logger
}

// NewSpeechSynthesizer creates a synthesizer bound to the configured speech model.
func NewSpeechSynthesizer(client *Client, cfg config.SynthesisConfig, apiKey string, timeout time.Duration, logger *slog.Logger) *SpeechSynthesizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &SpeechSynthesizer{client: client, cfg: cfg, apiKey: apiKey, timeout: timeout, logger: logger}
}

// Synthesize performs a single synthesis attempt over the whole text. Each
// chunk is one request; the per-call timeout applies per chunk, not to the
// whole document.
func (s *SpeechSynthesizer) Synthesize(ctx context.Context, text string, req ports.SynthesisRequest) ([]byte, error) {
	voice := req.Voice
	if voice == "" {
		voice = s.cfg.Voice
	}
	format := req.Format
	if format == "" {
		format = s.cfg.Format
	}
	speed := req.Speed
	if speed == 0 {
		speed = s.cfg.Speed
	}

	chunks := util.SplitChunks(text, s.cfg.MaxChunkChars)
	if len(chunks) > 1 {
		s.logger.Info("Splitting text for synthesis", "chunks", len(chunks), "chars", len(text))
	}

	var audio bytes.Buffer
	for i, chunk := range chunks {
		data, err := s.synthesizeChunk(ctx, chunk, voice, format, speed)
		if err != nil {
			return nil, err
		}
		audio.Write(data)
		s.logger.Debug("Synthesized chunk",
			"chunk", i+1,
			"total", len(chunks),
			"chars", len(chunk),
			"audio_bytes", len(data))
	}
	return audio.Bytes(), nil
}

func (s *SpeechSynthesizer) synthesizeChunk(ctx context.Context, chunk, voice, format string, speed float64) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	return s.client.Speech(ctx, s.cfg.BaseURL, s.apiKey, s.cfg.RateLimitPerMinute, SpeechRequest{
		Model:          s.cfg.ModelName,
		Input:          chunk,
		Voice:          voice,
		ResponseFormat: format,
		Speed:          speed,
	})
}
