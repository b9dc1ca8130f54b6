package api

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hollien/bookvoice/internal/config"
)

const extractionSystemPrompt = "You are a helpful assistant that specializes in optical character recognition (OCR). " +
	"Extract all text from images accurately, maintaining the original structure and formatting as much as possible."

const extractionUserPrompt = "Please extract all text from this image. Maintain the original structure, " +
	"paragraph breaks, and formatting. If there are multiple columns, read from left to right, top to bottom. " +
	"Only return the extracted text without any additional commentary."

// VisionExtractor extracts page text from images through a vision-capable
// chat model.
type VisionExtractor struct {
	client  *Client
	cfg     config.RemoteConfig
	apiKey  string
	timeout time.Duration
	logger  *slog.Logger
}

// NewVisionExtractor creates an extractor bound to the configured remote model.
func NewVisionExtractor(client *Client, cfg config.RemoteConfig, apiKey string, timeout time.Duration, logger *slog.Logger) *VisionExtractor {
	if logger == nil {
		logger = slog.Default()
	}
	return &VisionExtractor{client: client, cfg: cfg, apiKey: apiKey, timeout: timeout, logger: logger}
}

// ExtractText performs a single extraction attempt for one page image.
func (e *VisionExtractor) ExtractText(ctx context.Context, image []byte) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	req := ChatCompletionRequest{
		Model: e.cfg.ModelName,
		Messages: []Message{
			{Role: "system", Content: extractionSystemPrompt},
			{Role: "user", Content: []ContentPart{
				{Type: "image_url", ImageURL: &ImageURL{URL: imageDataURL(image)}},
				{Type: "text", Text: extractionUserPrompt},
			}},
		},
		Temperature: e.cfg.Temperature,
		MaxTokens:   e.cfg.MaxOutputTokens,
	}

	resp, err := e.client.ChatCompletion(ctx, e.cfg.BaseURL, e.apiKey, e.cfg.RateLimitPerMinute, req)
	if err != nil {
		return "", err
	}

	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	e.logger.Debug("Extraction attempt completed", "chars", len(text))
	return text, nil
}

// imageDataURL embeds image bytes as a base64 data URL, sniffing the content
// type so PNG scans are not mislabeled as JPEG.
func imageDataURL(image []byte) string {
	mime := http.DetectContentType(image)
	if !strings.HasPrefix(mime, "image/") {
		mime = "image/jpeg"
	}
	return fmt.Sprintf("data:%s;base64,%s", mime, base64.StdEncoding.EncodeToString(image))
}
