package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/hollien/bookvoice/pkg/models"
)

// Config represents the complete application configuration
type Config struct {
	Pipeline    PipelineConfig    `toml:"pipeline"`
	Retry       RetryConfig       `toml:"retry"`
	Remote      RemoteConfig      `toml:"remote"`
	Synthesis   SynthesisConfig   `toml:"synthesis"`
	Translation TranslationConfig `toml:"translation"`
}

// PipelineConfig holds run-level settings
type PipelineConfig struct {
	InputDir    string `toml:"input_dir"`
	InputText   string `toml:"input_text"` // text file input when starting at synthesis
	OutputAudio string `toml:"output_audio"`
	SessionDir  string `toml:"session_dir"` // where session records and run logs live

	StartFrom       string `toml:"start_from"`  // extraction, cleaning, translation, synthesis
	NoResume        bool   `toml:"no_resume"`   // discard existing session state and start fresh
	SkipFailed      bool   `toml:"skip_failed"` // leave previously failed items failed on resume
	SkipCleaning    bool   `toml:"skip_cleaning"`
	SkipTranslation bool   `toml:"skip_translation"`
	AutoSaveText    bool   `toml:"auto_save_text"` // persist raw/cleaned/translated text next to the audio

	Concurrency int `toml:"concurrency"` // extraction worker pool size, 1 = sequential
}

// RetryConfig holds the retry policy parameters applied to every remote call
type RetryConfig struct {
	MaxAttempts     int     `toml:"max_attempts"`
	BaseDelaySecs   float64 `toml:"base_delay_seconds"`
	MaxDelaySecs    float64 `toml:"max_delay_seconds"`
	TimeoutSecs     float64 `toml:"timeout_seconds"`       // per remote call
	CourtesyDelayMS int     `toml:"courtesy_delay_millis"` // pause between successive remote calls
}

// RemoteConfig points at the OpenAI-compatible endpoint used for extraction
// and text transforms
type RemoteConfig struct {
	BaseURL            string  `toml:"base_url"`
	ModelName          string  `toml:"model_name"`
	Temperature        float64 `toml:"temperature"`
	MaxOutputTokens    int     `toml:"max_output_tokens"`
	RateLimitPerMinute int     `toml:"rate_limit_per_minute"`
}

// SynthesisConfig selects the speech endpoint, voice and output format
type SynthesisConfig struct {
	BaseURL       string  `toml:"base_url"` // defaults to remote.base_url
	ModelName     string  `toml:"model_name"`
	Voice         string  `toml:"voice"`
	Format        string  `toml:"format"`
	Speed         float64 `toml:"speed"`
	MaxChunkChars int     `toml:"max_chunk_chars"` // synthesis input is chunked at this size

	RateLimitPerMinute int `toml:"rate_limit_per_minute"` // defaults to remote.rate_limit_per_minute
}

// TranslationConfig holds language selection for the translation stage
type TranslationConfig struct {
	SourceLanguage string `toml:"source_language"` // "auto" enables detection
	TargetLanguage string `toml:"target_language"`
}

// Secrets holds credentials loaded from environment variables, never from
// the config file
type Secrets struct {
	APIKeys map[string]string
}

const (
	// MaxConcurrency bounds the extraction worker pool
	MaxConcurrency = 64
	// MaxRetryAttempts bounds the per-call retry budget
	MaxRetryAttempts = 10
)

var validStartStages = map[string]models.Stage{
	"extraction":  models.StageExtraction,
	"cleaning":    models.StageCleaning,
	"translation": models.StageTranslation,
	"synthesis":   models.StageSynthesis,
}

// StartStage maps the configured start_from string onto a pipeline stage.
func (c *Config) StartStage() models.Stage {
	return validStartStages[c.Pipeline.StartFrom]
}

// BaseDelay returns the retry backoff unit as a duration.
func (r RetryConfig) BaseDelay() time.Duration {
	return time.Duration(r.BaseDelaySecs * float64(time.Second))
}

// MaxDelay returns the backoff cap as a duration.
func (r RetryConfig) MaxDelay() time.Duration {
	return time.Duration(r.MaxDelaySecs * float64(time.Second))
}

// Timeout returns the per-call timeout as a duration.
func (r RetryConfig) Timeout() time.Duration {
	return time.Duration(r.TimeoutSecs * float64(time.Second))
}

// CourtesyDelay returns the mandatory pause between remote calls.
func (r RetryConfig) CourtesyDelay() time.Duration {
	return time.Duration(r.CourtesyDelayMS) * time.Millisecond
}

// Validate checks the configuration and fails fast before any remote call
// or session mutation happens.
func (c *Config) Validate() error {
	if _, ok := validStartStages[c.Pipeline.StartFrom]; !ok {
		return fmt.Errorf("pipeline.start_from must be one of: extraction, cleaning, translation, synthesis (got %q)", c.Pipeline.StartFrom)
	}
	if c.Pipeline.InputDir == "" && !(c.Pipeline.StartFrom != "extraction" && c.Pipeline.InputText != "") {
		return fmt.Errorf("pipeline.input_dir is required unless pipeline.input_text is set with a later start_from")
	}
	if c.Pipeline.OutputAudio == "" {
		return fmt.Errorf("pipeline.output_audio is required")
	}
	if c.Pipeline.Concurrency < 1 {
		return fmt.Errorf("pipeline.concurrency must be at least 1 (got %d)", c.Pipeline.Concurrency)
	}
	if c.Pipeline.Concurrency > MaxConcurrency {
		return fmt.Errorf("pipeline.concurrency must not exceed %d (got %d)", MaxConcurrency, c.Pipeline.Concurrency)
	}

	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be at least 1 (got %d)", c.Retry.MaxAttempts)
	}
	if c.Retry.MaxAttempts > MaxRetryAttempts {
		return fmt.Errorf("retry.max_attempts must not exceed %d (got %d)", MaxRetryAttempts, c.Retry.MaxAttempts)
	}
	if c.Retry.BaseDelaySecs < 0 {
		return fmt.Errorf("retry.base_delay_seconds must not be negative")
	}
	if c.Retry.CourtesyDelayMS < 0 {
		return fmt.Errorf("retry.courtesy_delay_millis must not be negative")
	}

	if c.Remote.BaseURL == "" {
		return fmt.Errorf("remote.base_url is required")
	}
	if c.Remote.ModelName == "" {
		return fmt.Errorf("remote.model_name is required")
	}
	if c.Remote.RateLimitPerMinute < 1 {
		return fmt.Errorf("remote.rate_limit_per_minute must be at least 1")
	}

	if c.Synthesis.Voice == "" {
		return fmt.Errorf("synthesis.voice is required")
	}
	if c.Synthesis.MaxChunkChars < 1 {
		return fmt.Errorf("synthesis.max_chunk_chars must be at least 1")
	}
	switch c.Synthesis.Format {
	case "mp3", "wav", "opus", "aac", "flac":
	default:
		return fmt.Errorf("synthesis.format must be one of: mp3, wav, opus, aac, flac (got %q)", c.Synthesis.Format)
	}

	if !c.Pipeline.SkipTranslation && c.Translation.TargetLanguage == "" {
		return fmt.Errorf("translation.target_language is required when translation is enabled")
	}

	return nil
}

// LoadSecrets reads API credentials from environment variables
func LoadSecrets() (*Secrets, error) {
	secrets := &Secrets{
		APIKeys: make(map[string]string),
	}

	if key := os.Getenv("API_KEY"); key != "" {
		secrets.APIKeys["generic"] = key
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		secrets.APIKeys["openai"] = key
	}
	if key := os.Getenv("GITHUB_TOKEN"); key != "" {
		secrets.APIKeys["github"] = key
	}

	return secrets, nil
}

// GetAPIKey returns the credential matching a base URL, falling back to the
// generic API_KEY. An empty string means an unauthenticated local endpoint.
func (s *Secrets) GetAPIKey(baseURL string) string {
	if strings.Contains(baseURL, "openai.com") {
		if key := s.APIKeys["openai"]; key != "" {
			return key
		}
	}
	if strings.Contains(baseURL, "github.ai") {
		if key := s.APIKeys["github"]; key != "" {
			return key
		}
	}
	return s.APIKeys["generic"]
}
