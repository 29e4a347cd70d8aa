// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML loading, env var expansion, and duration parsing

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	path := writeConfig(t, `
server:
  http_addr: "0.0.0.0:8080"

session:
  pairing_timeout: "60s"
  degraded_timeout: "30s"

hub:
  queue_size: 256
  snapshot_messages: 50

reply:
  provider: "openai"
  auto_reply: true
  system_prompt: "You are a helpful assistant."
  temperature: 0.7
  max_tokens: 512

providers:
  openai:
    enabled: true
    api_key: "sk-test"
    model: "gpt-4o-mini"
    timeout: "60s"
  anthropic:
    enabled: false

dispatch:
  max_attempts: 3
  base_delay: "500ms"
  factor: 2

dedupe:
  ttl: "5m"
  max_size: 1000

logging:
  level: "debug"
  format: "json"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.HTTPAddr != "0.0.0.0:8080" {
		t.Errorf("Server.HTTPAddr = %q, want %q", cfg.Server.HTTPAddr, "0.0.0.0:8080")
	}
	if cfg.Session.PairingTimeout != 60*time.Second {
		t.Errorf("Session.PairingTimeout = %v, want 60s", cfg.Session.PairingTimeout)
	}
	if cfg.Session.DegradedTimeout != 30*time.Second {
		t.Errorf("Session.DegradedTimeout = %v, want 30s", cfg.Session.DegradedTimeout)
	}
	if cfg.Hub.QueueSize != 256 {
		t.Errorf("Hub.QueueSize = %d, want 256", cfg.Hub.QueueSize)
	}
	if cfg.Reply.Provider != "openai" {
		t.Errorf("Reply.Provider = %q, want openai", cfg.Reply.Provider)
	}
	if !cfg.Reply.AutoReply {
		t.Error("Reply.AutoReply = false, want true")
	}
	if cfg.Providers.OpenAI.Timeout != 60*time.Second {
		t.Errorf("Providers.OpenAI.Timeout = %v, want 60s", cfg.Providers.OpenAI.Timeout)
	}
	if cfg.Dispatch.BaseDelay != 500*time.Millisecond {
		t.Errorf("Dispatch.BaseDelay = %v, want 500ms", cfg.Dispatch.BaseDelay)
	}
	if cfg.Dedupe.TTL != 5*time.Minute {
		t.Errorf("Dedupe.TTL = %v, want 5m", cfg.Dedupe.TTL)
	}
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("PAIRLINK_TEST_KEY", "sk-from-env")

	path := writeConfig(t, `
server:
  http_addr: "0.0.0.0:8080"

providers:
  openai:
    enabled: true
    api_key: "${PAIRLINK_TEST_KEY}"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Providers.OpenAI.APIKey != "sk-from-env" {
		t.Errorf("APIKey = %q, want %q", cfg.Providers.OpenAI.APIKey, "sk-from-env")
	}
}

func TestLoad_UnsetEnvVarBecomesEmpty(t *testing.T) {
	path := writeConfig(t, `
server:
  http_addr: "0.0.0.0:8080"

providers:
  openai:
    api_key: "${PAIRLINK_DEFINITELY_UNSET_VAR}"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Providers.OpenAI.APIKey != "" {
		t.Errorf("APIKey = %q, want empty", cfg.Providers.OpenAI.APIKey)
	}
}

func TestLoad_MissingHTTPAddr(t *testing.T) {
	path := writeConfig(t, `
logging:
  level: "info"
`)

	_, err := Load(path)
	if err == nil {
		t.Fatal("Load() expected error for missing http_addr")
	}
	if !strings.Contains(err.Error(), "http_addr") {
		t.Errorf("error = %v, want mention of http_addr", err)
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	path := writeConfig(t, `
server:
  http_addr: "0.0.0.0:8080"

session:
  pairing_timeout: "sixty seconds"
`)

	_, err := Load(path)
	if err == nil {
		t.Fatal("Load() expected error for invalid duration")
	}
	if !strings.Contains(err.Error(), "pairing_timeout") {
		t.Errorf("error = %v, want mention of pairing_timeout", err)
	}
}

func TestLoad_UnknownProvider(t *testing.T) {
	path := writeConfig(t, `
server:
  http_addr: "0.0.0.0:8080"

reply:
  provider: "grok"
`)

	_, err := Load(path)
	if err == nil {
		t.Fatal("Load() expected error for unknown provider")
	}
}

func TestLoad_ProviderSelectedButDisabled(t *testing.T) {
	path := writeConfig(t, `
server:
  http_addr: "0.0.0.0:8080"

reply:
  provider: "anthropic"

providers:
  anthropic:
    enabled: false
`)

	_, err := Load(path)
	if err == nil {
		t.Fatal("Load() expected error when selected provider is disabled")
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	if err == nil {
		t.Fatal("Load() expected error for missing file")
	}
}
