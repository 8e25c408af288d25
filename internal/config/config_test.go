package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	yaml := `
listen:
  port: 9090
anthropic:
  api_key: test-key
models:
  mini:
    name: claude-haiku-3-20240307
    provider: anthropic
  pro:
    name: claude-opus-4-20250514
    provider: anthropic
cache:
  capacity: 64
  ttl_minutes: 60
shadow:
  enabled: true
  sample_rate: 0.1
log_level: debug
`
	if err := os.WriteFile(path, []byte(yaml), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Listen.Port != 9090 {
		t.Errorf("Listen.Port = %d, want 9090", cfg.Listen.Port)
	}
	if cfg.Anthropic.APIKey != "test-key" {
		t.Errorf("Anthropic.APIKey = %q, want test-key", cfg.Anthropic.APIKey)
	}
	if cfg.Cache.Capacity != 64 {
		t.Errorf("Cache.Capacity = %d, want 64", cfg.Cache.Capacity)
	}
	if !cfg.Shadow.Enabled {
		t.Error("Shadow.Enabled = false, want true")
	}
	if cfg.Shadow.SampleRate != 0.1 {
		t.Errorf("Shadow.SampleRate = %v, want 0.1", cfg.Shadow.SampleRate)
	}
	// Defaults survive partial configs.
	if cfg.Queue.MaxRetries != 5 {
		t.Errorf("Queue.MaxRetries = %d, want default 5", cfg.Queue.MaxRetries)
	}
	if cfg.Confirm.TTLSeconds != 180 {
		t.Errorf("Confirm.TTLSeconds = %d, want default 180", cfg.Confirm.TTLSeconds)
	}
}

func TestLoadEnvExpansion(t *testing.T) {
	t.Setenv("PS_TEST_KEY", "expanded-key")

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("anthropic:\n  api_key: $PS_TEST_KEY\n"), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Anthropic.APIKey != "expanded-key" {
		t.Errorf("APIKey = %q, want expanded-key", cfg.Anthropic.APIKey)
	}
}

func TestFindConfigExplicitMissing(t *testing.T) {
	_, err := FindConfig("/nonexistent/config.yaml")
	if err == nil {
		t.Error("FindConfig() should fail for missing explicit path")
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"", slog.LevelInfo, false},
		{"info", slog.LevelInfo, false},
		{"trace", LevelTrace, false},
		{"DEBUG", slog.LevelDebug, false},
		{" warn ", slog.LevelWarn, false},
		{"warning", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"verbose", slog.LevelInfo, true},
	}

	for _, tt := range tests {
		got, err := ParseLogLevel(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseLogLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
