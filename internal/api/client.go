// Package api provides the OpenAI-compatible HTTP client and the port
// adapters built on it. The client performs single attempts only and
// classifies failures; retrying is the caller's concern.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hollien/bookvoice/internal/metrics"
	"github.com/hollien/bookvoice/internal/remote"
)

// Client is a thin OpenAI-compatible API client shared by all port adapters.
type Client struct {
	httpClient *http.Client
	limiters   *LimiterPool
	metrics    *metrics.Collector
	logger     *slog.Logger
}

// NewClient creates an API client. The timeout bounds a single HTTP exchange;
// per-operation deadlines are layered on via context by the adapters.
func NewClient(timeout time.Duration, limiters *LimiterPool, collector *metrics.Collector, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		limiters:   limiters,
		metrics:    collector,
		logger:     logger,
	}
}

// ChatCompletion performs a single chat completion request against baseURL.
func (c *Client) ChatCompletion(ctx context.Context, baseURL, apiKey string, rpm int, req ChatCompletionRequest) (*ChatCompletionResponse, error) {
	const op = "chat_completion"

	body, err := c.post(ctx, op, endpointURL(baseURL, "/chat/completions"), apiKey, rpm, req)
	if err != nil {
		return nil, err
	}

	var resp ChatCompletionResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, remote.Fatal(op, fmt.Sprintf("parsing response: %v", err))
	}
	if len(resp.Choices) == 0 {
		return nil, remote.Transient(op, "response contained no choices")
	}
	return &resp, nil
}

// Speech performs a single text-to-speech request and returns raw audio bytes.
func (c *Client) Speech(ctx context.Context, baseURL, apiKey string, rpm int, req SpeechRequest) ([]byte, error) {
	const op = "speech"
	return c.post(ctx, op, endpointURL(baseURL, "/audio/speech"), apiKey, rpm, req)
}

// post sends one JSON request and returns the response body. Non-2xx statuses
// and transport failures come back classified as *remote.Error.
func (c *Client) post(ctx context.Context, op, url, apiKey string, rpm int, payload any) ([]byte, error) {
	if c.limiters != nil {
		if err := c.limiters.Wait(ctx, url, rpm); err != nil {
			return nil, err
		}
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, remote.Fatal(op, fmt.Sprintf("encoding request: %v", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, remote.Fatal(op, fmt.Sprintf("building request: %v", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+apiKey)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if c.metrics != nil {
			c.metrics.RecordRemoteCall(op, time.Since(start), false)
		}
		// Respect the caller's cancellation over any classification.
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, remote.Transient(op, fmt.Sprintf("request failed: %v", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	duration := time.Since(start)
	success := err == nil && resp.StatusCode >= 200 && resp.StatusCode < 300
	if c.metrics != nil {
		c.metrics.RecordRemoteCall(op, duration, success)
	}
	if err != nil {
		return nil, remote.Transient(op, fmt.Sprintf("reading response: %v", err))
	}

	c.logger.Debug("Remote call completed",
		"op", op,
		"status", resp.StatusCode,
		"duration", duration)

	if !success {
		return nil, remote.FromStatus(op, resp.StatusCode, apiErrorMessage(body, resp.StatusCode))
	}
	return body, nil
}

// apiErrorMessage extracts the server's error message when the body follows
// the OpenAI error envelope, falling back to the raw body.
func apiErrorMessage(body []byte, status int) string {
	var errResp ErrorResponse
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error.Message != "" {
		return errResp.Error.Message
	}
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		return fmt.Sprintf("status %d with empty body", status)
	}
	return msg
}

func endpointURL(baseURL, path string) string {
	return strings.TrimSuffix(baseURL, "/") + path
}
