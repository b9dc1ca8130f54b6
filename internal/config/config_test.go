package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hollien/bookvoice/pkg/models"
)

func validConfig() *Config {
	cfg := &Config{}
	cfg.Pipeline.InputDir = "pages"
	cfg.Pipeline.OutputAudio = "book.mp3"
	ApplyDefaults(cfg)
	return cfg
}

func TestValidateAcceptsDefaults(t *testing.T) {
	if err := validConfig().Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestValidateRejectsBadStartStage(t *testing.T) {
	cfg := validConfig()
	cfg.Pipeline.StartFrom = "transcription"
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for unknown start stage")
	}
}

func TestValidateRequiresInputDir(t *testing.T) {
	cfg := validConfig()
	cfg.Pipeline.InputDir = ""
	if err := cfg.Validate(); err == nil {
		t.Error("expected error when input_dir is missing")
	}

	// Text input with a later start stage lifts the requirement.
	cfg.Pipeline.InputText = "book.txt"
	cfg.Pipeline.StartFrom = "synthesis"
	if err := cfg.Validate(); err != nil {
		t.Errorf("text input with synthesis start should validate: %v", err)
	}
}

func TestValidateRejectsNonPositiveRetryAttempts(t *testing.T) {
	cfg := validConfig()
	cfg.Retry.MaxAttempts = -1
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for negative max_attempts")
	}
	cfg.Retry.MaxAttempts = MaxRetryAttempts + 1
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for excessive max_attempts")
	}
}

func TestValidateRejectsBadConcurrency(t *testing.T) {
	cfg := validConfig()
	cfg.Pipeline.Concurrency = 0
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for zero concurrency")
	}
	cfg.Pipeline.Concurrency = MaxConcurrency + 1
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for excessive concurrency")
	}
}

func TestValidateRejectsBadFormat(t *testing.T) {
	cfg := validConfig()
	cfg.Synthesis.Format = "ogg"
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for unsupported audio format")
	}
}

func TestApplyDefaults(t *testing.T) {
	cfg := &Config{}
	ApplyDefaults(cfg)

	if cfg.Pipeline.StartFrom != "extraction" {
		t.Errorf("expected extraction default, got %q", cfg.Pipeline.StartFrom)
	}
	if cfg.Pipeline.Concurrency != 1 {
		t.Errorf("expected sequential default, got %d", cfg.Pipeline.Concurrency)
	}
	if cfg.Retry.MaxAttempts != 3 {
		t.Errorf("expected 3 attempts default, got %d", cfg.Retry.MaxAttempts)
	}
	if cfg.Retry.BaseDelay() != 2*time.Second {
		t.Errorf("expected 2s base delay, got %v", cfg.Retry.BaseDelay())
	}
	if cfg.Synthesis.BaseURL != cfg.Remote.BaseURL {
		t.Error("synthesis base URL should default to the remote base URL")
	}
	if cfg.Synthesis.RateLimitPerMinute != cfg.Remote.RateLimitPerMinute {
		t.Error("synthesis rate limit should default to the remote rate limit")
	}
	if cfg.Translation.SourceLanguage != "auto" {
		t.Errorf("expected auto source language, got %q", cfg.Translation.SourceLanguage)
	}
}

func TestStartStageMapping(t *testing.T) {
	cfg := validConfig()
	cfg.Pipeline.StartFrom = "translation"
	if cfg.StartStage() != models.StageTranslation {
		t.Errorf("expected translation stage, got %s", cfg.StartStage())
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")

	content := `
[pipeline]
input_dir = "scans"
output_audio = "out/book.mp3"
concurrency = 4
skip_translation = true

[retry]
max_attempts = 5
base_delay_seconds = 1.5

[remote]
model_name = "openai/gpt-4o"

[synthesis]
voice = "nova"
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("writing config: %v", err)
	}

	cfg, secrets, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if secrets == nil {
		t.Fatal("expected secrets")
	}

	if cfg.Pipeline.InputDir != "scans" {
		t.Errorf("input_dir: got %q", cfg.Pipeline.InputDir)
	}
	if cfg.Pipeline.Concurrency != 4 {
		t.Errorf("concurrency: got %d", cfg.Pipeline.Concurrency)
	}
	if !cfg.Pipeline.SkipTranslation {
		t.Error("skip_translation not parsed")
	}
	if cfg.Retry.MaxAttempts != 5 {
		t.Errorf("max_attempts: got %d", cfg.Retry.MaxAttempts)
	}
	if cfg.Retry.BaseDelay() != 1500*time.Millisecond {
		t.Errorf("base delay: got %v", cfg.Retry.BaseDelay())
	}
	if cfg.Remote.ModelName != "openai/gpt-4o" {
		t.Errorf("model_name: got %q", cfg.Remote.ModelName)
	}
	if cfg.Synthesis.Voice != "nova" {
		t.Errorf("voice: got %q", cfg.Synthesis.Voice)
	}
	// Unset fields pick up defaults.
	if cfg.Synthesis.Format != "mp3" {
		t.Errorf("format default: got %q", cfg.Synthesis.Format)
	}
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")

	content := `
[pipeline]
input_dir = "scans"
output_audio = "book.mp3"

[retry]
max_attempts = -2
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("writing config: %v", err)
	}

	if _, _, err := Load(path); err == nil {
		t.Error("expected validation error for negative max_attempts")
	}
}

func TestGetAPIKeySelection(t *testing.T) {
	secrets := &Secrets{APIKeys: map[string]string{
		"openai":  "sk-openai",
		"github":  "ghp-token",
		"generic": "generic-key",
	}}

	if key := secrets.GetAPIKey("https://api.openai.com/v1"); key != "sk-openai" {
		t.Errorf("openai key: got %q", key)
	}
	if key := secrets.GetAPIKey("https://models.github.ai/inference"); key != "ghp-token" {
		t.Errorf("github key: got %q", key)
	}
	if key := secrets.GetAPIKey("http://localhost:8080/v1"); key != "generic-key" {
		t.Errorf("generic fallback: got %q", key)
	}
}
