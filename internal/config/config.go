// Package config handles PocketSage configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/pocketsage/config.yaml, /etc/pocketsage/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "pocketsage", "config.yaml"))
	}

	paths = append(paths, "/etc/pocketsage/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all PocketSage configuration.
type Config struct {
	Listen    ListenConfig            `yaml:"listen"`
	Anthropic AnthropicConfig         `yaml:"anthropic"`
	Ollama    OllamaConfig            `yaml:"ollama"`
	Models    ModelsConfig            `yaml:"models"`
	FinData   FinDataConfig           `yaml:"findata"`
	Cache     CacheConfig             `yaml:"cache"`
	Confirm   ConfirmConfig           `yaml:"confirm"`
	Queue     QueueConfig             `yaml:"queue"`
	Shadow    ShadowConfig            `yaml:"shadow"`
	Analytics AnalyticsConfig         `yaml:"analytics"`
	Pricing   map[string]PricingEntry `yaml:"pricing"`
	DataDir   string                  `yaml:"data_dir"`
	LogLevel  string                  `yaml:"log_level"`
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// AnthropicConfig defines Anthropic API settings.
type AnthropicConfig struct {
	APIKey string `yaml:"api_key"`
}

// OllamaConfig defines the local Ollama endpoint, used when a tier maps
// to a local model.
type OllamaConfig struct {
	URL string `yaml:"url"`
}

// ModelsConfig maps cascade tiers to concrete models.
type ModelsConfig struct {
	Mini TierModel `yaml:"mini"`
	Std  TierModel `yaml:"std"`
	Pro  TierModel `yaml:"pro"`
}

// TierModel names the model backing a tier and which provider serves it.
type TierModel struct {
	Name     string `yaml:"name"`
	Provider string `yaml:"provider"` // anthropic, ollama
}

// PricingEntry holds per-million-token pricing for a model. Models not
// in the pricing table are treated as free (local models).
type PricingEntry struct {
	InputPerMillion  float64 `yaml:"input_per_million"`
	OutputPerMillion float64 `yaml:"output_per_million"`
}

// FinDataConfig defines the financial data service connection.
type FinDataConfig struct {
	URL   string `yaml:"url"`
	Token string `yaml:"token"`
}

// CacheConfig controls the grounding cache.
type CacheConfig struct {
	Capacity   int `yaml:"capacity"`    // Max entries (default 256)
	TTLMinutes int `yaml:"ttl_minutes"` // Per-entry TTL (default 240)
}

// ConfirmConfig controls action confirmation tokens.
type ConfirmConfig struct {
	TTLSeconds int `yaml:"ttl_seconds"` // Token lifetime (default 180)
}

// QueueConfig controls the offline action queue.
type QueueConfig struct {
	MaxRetries  int `yaml:"max_retries"`   // Per-action retry ceiling (default 5)
	BaseDelayMS int `yaml:"base_delay_ms"` // Backoff base (default 2000)
	MaxDelayMS  int `yaml:"max_delay_ms"`  // Backoff cap (default 60000)
	TTLHours    int `yaml:"ttl_hours"`     // Staleness purge at load (default 24)
}

// ShadowConfig controls the shadow A/B harness.
type ShadowConfig struct {
	Enabled        bool    `yaml:"enabled"`
	SampleRate     float64 `yaml:"sample_rate"`     // Fraction of users dual-run (default 0.05)
	DailyCap       int     `yaml:"daily_cap"`       // Max dual-runs per day (default 200)
	TokenThreshold int     `yaml:"token_threshold"` // Skip when current run spent more (default 4000)
}

// AnalyticsConfig controls the analytics emitter.
type AnalyticsConfig struct {
	SinkURL     string             `yaml:"sink_url"`
	SampleRates map[string]float64 `yaml:"sample_rates"` // Per event type, default 1.0
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		Listen: ListenConfig{Port: 8080},
		Ollama: OllamaConfig{URL: "http://localhost:11434"},
		Models: ModelsConfig{
			Mini: TierModel{Name: "claude-haiku-3-20240307", Provider: "anthropic"},
			Std:  TierModel{Name: "claude-sonnet-4-20250514", Provider: "anthropic"},
			Pro:  TierModel{Name: "claude-opus-4-20250514", Provider: "anthropic"},
		},
		Cache:   CacheConfig{Capacity: 256, TTLMinutes: 240},
		Confirm: ConfirmConfig{TTLSeconds: 180},
		Queue:   QueueConfig{MaxRetries: 5, BaseDelayMS: 2000, MaxDelayMS: 60000, TTLHours: 24},
		Shadow:  ShadowConfig{SampleRate: 0.05, DailyCap: 200, TokenThreshold: 4000},
		Pricing: map[string]PricingEntry{
			"claude-opus-4-20250514":   {InputPerMillion: 15.0, OutputPerMillion: 75.0},
			"claude-sonnet-4-20250514": {InputPerMillion: 3.0, OutputPerMillion: 15.0},
			"claude-haiku-3-20240307":  {InputPerMillion: 0.25, OutputPerMillion: 1.25},
		},
		DataDir: ".",
	}
}
