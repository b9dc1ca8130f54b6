package config

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
)

// Load reads and parses the configuration file, applies defaults, validates,
// and loads secrets from the environment.
func Load(configPath string) (*Config, *Secrets, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}

	secrets, err := LoadSecrets()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load secrets: %w", err)
	}

	return &cfg, secrets, nil
}

// ApplyDefaults sets default values for optional configuration fields.
// Exported so the CLI can build a config from flags alone when no file is
// given.
func ApplyDefaults(cfg *Config) {
	if cfg.Pipeline.StartFrom == "" {
		cfg.Pipeline.StartFrom = "extraction"
	}
	if cfg.Pipeline.SessionDir == "" {
		cfg.Pipeline.SessionDir = "sessions"
	}
	if cfg.Pipeline.Concurrency == 0 {
		cfg.Pipeline.Concurrency = 1
	}

	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry.MaxAttempts = 3
	}
	if cfg.Retry.BaseDelaySecs == 0 {
		cfg.Retry.BaseDelaySecs = 2
	}
	if cfg.Retry.MaxDelaySecs == 0 {
		cfg.Retry.MaxDelaySecs = 120
	}
	if cfg.Retry.TimeoutSecs == 0 {
		cfg.Retry.TimeoutSecs = 120
	}
	if cfg.Retry.CourtesyDelayMS == 0 {
		cfg.Retry.CourtesyDelayMS = 1000
	}

	if cfg.Remote.BaseURL == "" {
		cfg.Remote.BaseURL = "https://models.github.ai/inference"
	}
	if cfg.Remote.ModelName == "" {
		cfg.Remote.ModelName = "openai/gpt-4o-mini"
	}
	if cfg.Remote.Temperature == 0 {
		cfg.Remote.Temperature = 0.1
	}
	if cfg.Remote.MaxOutputTokens == 0 {
		cfg.Remote.MaxOutputTokens = 16384
	}
	if cfg.Remote.RateLimitPerMinute == 0 {
		cfg.Remote.RateLimitPerMinute = 60
	}

	if cfg.Synthesis.BaseURL == "" {
		cfg.Synthesis.BaseURL = cfg.Remote.BaseURL
	}
	if cfg.Synthesis.ModelName == "" {
		cfg.Synthesis.ModelName = "tts-1"
	}
	if cfg.Synthesis.Voice == "" {
		cfg.Synthesis.Voice = "alloy"
	}
	if cfg.Synthesis.Format == "" {
		cfg.Synthesis.Format = "mp3"
	}
	if cfg.Synthesis.Speed == 0 {
		cfg.Synthesis.Speed = 1.0
	}
	if cfg.Synthesis.MaxChunkChars == 0 {
		cfg.Synthesis.MaxChunkChars = 4096
	}
	if cfg.Synthesis.RateLimitPerMinute == 0 {
		cfg.Synthesis.RateLimitPerMinute = cfg.Remote.RateLimitPerMinute
	}

	if cfg.Translation.SourceLanguage == "" {
		cfg.Translation.SourceLanguage = "auto"
	}
	if cfg.Translation.TargetLanguage == "" {
		cfg.Translation.TargetLanguage = "English"
	}
}
