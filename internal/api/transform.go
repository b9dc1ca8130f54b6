package api

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hollien/bookvoice/internal/config"
	"github.com/hollien/bookvoice/internal/ports"
	"github.com/hollien/bookvoice/internal/remote"
)

const cleaningSystemPrompt = `You are a text cleaning assistant. Your job is to clean up OCR-extracted text by removing unnecessary elements while preserving the actual content. Follow these rules strictly:

1. Remove any OCR artifacts like '--- OCR Start ---', '--- OCR End ---', '--- Page X ---', or similar separators
2. Remove excessive newline characters (more than 2 consecutive newlines)
3. Remove any metadata or processing comments added by OCR systems
4. Remove any emoji characters
5. Remove inline references such as superscript numbers, footnote markers (e.g., [1], (1), or ^1), and any other common citation indicators embedded within the text.
6. Fix obvious OCR errors in spacing (like 'w o r d s' -> 'words')
7. Preserve original paragraph structure and remove unnecessary line breaks
8. Keep all actual content text intact
9. Do not add any commentary, explanations, or your own text
10. Return only the cleaned text content`

const translationSystemPrompt = "You are a professional translator with expertise in multiple languages. " +
	"Your task is to provide accurate, natural, and culturally appropriate translations while preserving " +
	"the original meaning, tone, and style."

const detectionSystemPrompt = "You are a language detection expert. Identify the primary language of the given text accurately."

// detectionSampleChars bounds how much text is sent for language detection.
const detectionSampleChars = 1000

// ChatTransformer runs the cleaning, translation, and language-detection
// operations against the configured chat model.
type ChatTransformer struct {
	client  *Client
	cfg     config.RemoteConfig
	apiKey  string
	timeout time.Duration
	logger  *slog.Logger
}

// NewChatTransformer creates a transformer bound to the configured remote model.
func NewChatTransformer(client *Client, cfg config.RemoteConfig, apiKey string, timeout time.Duration, logger *slog.Logger) *ChatTransformer {
	if logger == nil {
		logger = slog.Default()
	}
	return &ChatTransformer{client: client, cfg: cfg, apiKey: apiKey, timeout: timeout, logger: logger}
}

// Transform performs a single transformation attempt.
func (t *ChatTransformer) Transform(ctx context.Context, text string, req ports.TransformRequest) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	var system, user string
	maxTokens := t.cfg.MaxOutputTokens

	switch req.Mode {
	case ports.ModeClean:
		system = cleaningSystemPrompt
		user = "Please clean the following OCR-extracted text:\n\n" + text
	case ports.ModeTranslate:
		system = translationSystemPrompt
		user = translationPrompt(text, req.SourceLanguage, req.TargetLanguage)
	case ports.ModeDetectLanguage:
		system = detectionSystemPrompt
		user = detectionPrompt(sampleText(text, detectionSampleChars))
		maxTokens = 50
	default:
		return "", remote.Fatal("transform", fmt.Sprintf("unknown transform mode %q", req.Mode))
	}

	chatReq := ChatCompletionRequest{
		Model: t.cfg.ModelName,
		Messages: []Message{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		Temperature: t.cfg.Temperature,
		MaxTokens:   maxTokens,
	}

	resp, err := t.client.ChatCompletion(ctx, t.cfg.BaseURL, t.apiKey, t.cfg.RateLimitPerMinute, chatReq)
	if err != nil {
		return "", err
	}

	out := strings.TrimSpace(resp.Choices[0].Message.Content)
	t.logger.Debug("Transform attempt completed", "mode", req.Mode, "in_chars", len(text), "out_chars", len(out))
	return out, nil
}

func translationPrompt(text, sourceLanguage, targetLanguage string) string {
	return fmt.Sprintf(`Please translate the following text from %s to %s.

TRANSLATION GUIDELINES:
1. Maintain the original meaning and context
2. Use natural, fluent language in the target language
3. Preserve the tone and style of the original text
4. Keep proper nouns, names, and technical terms appropriate for the target language
5. Maintain paragraph structure and formatting
6. If certain phrases don't have direct translations, provide the most appropriate equivalent
7. For technical or specialized content, prioritize accuracy over literal translation
8. If the source language is incorrect or the text contains multiple languages, please translate the predominant language content

IMPORTANT:
- Provide ONLY the translated text in your response
- Do not include explanations, notes, or meta-commentary
- Do not add prefixes like "Translation:" or "Here is the translation:"
- Maintain the original text structure including line breaks and paragraphs

TEXT TO TRANSLATE:
---
%s
---

Please provide the %s translation:`, sourceLanguage, targetLanguage, text, targetLanguage)
}

func detectionPrompt(sample string) string {
	return fmt.Sprintf(`Please identify the primary language of the following text.

INSTRUCTIONS:
- Provide only the language name in English (e.g., "English", "Traditional Chinese", "Simplified Chinese", "Spanish", "French", "German", etc.)
- If the text contains multiple languages, identify the predominant one
- If the language cannot be determined, respond with "Unknown"
- Do not provide explanations or additional information

TEXT TO ANALYZE:
---
%s
---

Language:`, sample)
}

func sampleText(text string, maxChars int) string {
	if len(text) <= maxChars {
		return text
	}
	return text[:maxChars]
}
