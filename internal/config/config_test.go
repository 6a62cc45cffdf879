package config

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

func clearKeyEnv(t *testing.T) {
	t.Helper()
	t.Setenv("AUTOSTOCK_LLM_OPENAI_KEY", "")
	t.Setenv("OPENAI_API_KEY", "")
}

// ── Load / Defaults ──

func TestLoadReturnsDefaults(t *testing.T) {
	clearKeyEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.LLM.Primary != "openai" {
		t.Errorf("LLM.Primary: got %q, want %q", cfg.LLM.Primary, "openai")
	}
	if cfg.LLM.APIType != APITypeOpenAI {
		t.Errorf("LLM.APIType: got %q, want %q", cfg.LLM.APIType, APITypeOpenAI)
	}
	if cfg.LLM.Model != "gpt-4.1-mini" {
		t.Errorf("LLM.Model: got %q, want %q", cfg.LLM.Model, "gpt-4.1-mini")
	}
	if cfg.LLM.Temperature != 0.3 {
		t.Errorf("LLM.Temperature: got %f, want 0.3", cfg.LLM.Temperature)
	}
	if cfg.LLM.TimeoutSec != 120 {
		t.Errorf("LLM.TimeoutSec: got %d, want 120", cfg.LLM.TimeoutSec)
	}
	if cfg.LLM.MaxRetries != 3 {
		t.Errorf("LLM.MaxRetries: got %d, want 3", cfg.LLM.MaxRetries)
	}
	if cfg.Cache.Seed != 42 {
		t.Errorf("Cache.Seed: got %d, want 42", cfg.Cache.Seed)
	}
	if cfg.Cache.Backend != CacheDisk {
		t.Errorf("Cache.Backend: got %q, want %q", cfg.Cache.Backend, CacheDisk)
	}
	if cfg.Executor.WorkDir != "coding" {
		t.Errorf("Executor.WorkDir: got %q, want %q", cfg.Executor.WorkDir, "coding")
	}
	if cfg.Executor.LastNMessages != 3 {
		t.Errorf("Executor.LastNMessages: got %d, want 3", cfg.Executor.LastNMessages)
	}
	if cfg.Executor.UseDocker {
		t.Error("Executor.UseDocker should be false by default")
	}
	if cfg.Market.HistoryRange != "6mo" {
		t.Errorf("Market.HistoryRange: got %q, want %q", cfg.Market.HistoryRange, "6mo")
	}
	if cfg.Market.HeadlinesPerStock != 10 {
		t.Errorf("Market.HeadlinesPerStock: got %d, want 10", cfg.Market.HeadlinesPerStock)
	}
	if cfg.Chat.TerminationKeyword != "TERMINATE" {
		t.Errorf("Chat.TerminationKeyword: got %q", cfg.Chat.TerminationKeyword)
	}
	if cfg.API.Port != 8501 {
		t.Errorf("API.Port: got %d, want 8501", cfg.API.Port)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("Logging.Level: got %q, want %q", cfg.Logging.Level, "info")
	}
}

func TestLLMTimeout(t *testing.T) {
	c := LLMConfig{TimeoutSec: 120}
	if got := c.Timeout().Seconds(); got != 120 {
		t.Errorf("Timeout: got %v, want 120s", got)
	}
}

func TestDefaultMatchesLoad(t *testing.T) {
	clearKeyEnv(t)
	d := Default()
	if d.LLM.Model != "gpt-4.1-mini" || d.Executor.WorkDir != "coding" {
		t.Errorf("Default() did not apply defaults: %+v", d.LLM)
	}
}

// ── Env overrides ──

func TestEnvOverridesDefaults(t *testing.T) {
	clearKeyEnv(t)
	t.Setenv("AUTOSTOCK_LLM_MODEL", "gpt-4o")
	t.Setenv("AUTOSTOCK_API_PORT", "9090")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.LLM.Model != "gpt-4o" {
		t.Errorf("LLM.Model: got %q, want %q", cfg.LLM.Model, "gpt-4o")
	}
	if cfg.API.Port != 9090 {
		t.Errorf("API.Port: got %d, want 9090", cfg.API.Port)
	}
}

func TestOpenAIKeyFallback(t *testing.T) {
	clearKeyEnv(t)
	t.Setenv("OPENAI_API_KEY", "sk-plain-fallback-key")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.LLM.OpenAIKey != "sk-plain-fallback-key" {
		t.Errorf("OpenAIKey: got %q", cfg.LLM.OpenAIKey)
	}
}

func TestPrefixedKeyWinsOverFallback(t *testing.T) {
	clearKeyEnv(t)
	t.Setenv("OPENAI_API_KEY", "sk-plain")
	t.Setenv("AUTOSTOCK_LLM_OPENAI_KEY", "sk-prefixed")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.LLM.OpenAIKey != "sk-prefixed" {
		t.Errorf("OpenAIKey: got %q, want %q", cfg.LLM.OpenAIKey, "sk-prefixed")
	}
}

// ── Files ──

func TestLoadFromFile(t *testing.T) {
	clearKeyEnv(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	yaml := `
llm:
  api_type: azure
  base_url: https://example.openai.azure.com
  api_version: 2024-06-01
  model: gpt-4.1
executor:
  work_dir: out
cache:
  backend: none
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile() error: %v", err)
	}
	if cfg.LLM.APIType != APITypeAzure {
		t.Errorf("APIType: got %q", cfg.LLM.APIType)
	}
	if cfg.LLM.APIVersion != "2024-06-01" {
		t.Errorf("APIVersion: got %q", cfg.LLM.APIVersion)
	}
	if cfg.Executor.WorkDir != "out" {
		t.Errorf("WorkDir: got %q", cfg.Executor.WorkDir)
	}
	if cfg.Cache.Backend != CacheNone {
		t.Errorf("Cache.Backend: got %q", cfg.Cache.Backend)
	}
	// untouched values keep defaults
	if cfg.LLM.Temperature != 0.3 {
		t.Errorf("Temperature: got %f", cfg.LLM.Temperature)
	}
}

func TestLoadFromFileMissing(t *testing.T) {
	if _, err := LoadFromFile(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestDateToString(t *testing.T) {
	str := reflect.TypeOf("")
	day := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	stamp := time.Date(2024, 6, 1, 12, 30, 0, 0, time.UTC)

	tests := []struct {
		name string
		to   reflect.Type
		in   any
		want any
	}{
		{"date to string", str, day, "2024-06-01"},
		{"timestamp to string", str, stamp, "2024-06-01T12:30:00Z"},
		{"date to time keeps value", reflect.TypeOf(time.Time{}), day, day},
		{"plain string untouched", str, "2024-06-01-preview", "2024-06-01-preview"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := dateToString(reflect.TypeOf(tt.in), tt.to, tt.in)
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestLoadDotEnv(t *testing.T) {
	t.Setenv("AUTOSTOCK_DOTENV_PROBE", "")
	os.Unsetenv("AUTOSTOCK_DOTENV_PROBE")
	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte("AUTOSTOCK_DOTENV_PROBE=from-file\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := LoadDotEnv(path, filepath.Join(t.TempDir(), "missing.env")); err != nil {
		t.Fatalf("LoadDotEnv() error: %v", err)
	}
	if got := os.Getenv("AUTOSTOCK_DOTENV_PROBE"); got != "from-file" {
		t.Errorf("probe: got %q, want %q", got, "from-file")
	}
}

// ── Validate ──

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(c *Config) { c.LLM.OpenAIKey = "sk-test-123456" }, ""},
		{"missing key", func(c *Config) {}, "openai_key"},
		{"bad api type", func(c *Config) {
			c.LLM.OpenAIKey = "sk-test-123456"
			c.LLM.APIType = "vertex"
		}, "api_type"},
		{"azure without version", func(c *Config) {
			c.LLM.OpenAIKey = "sk-test-123456"
			c.LLM.APIType = APITypeAzure
			c.LLM.BaseURL = "https://x.openai.azure.com"
		}, "api_version"},
		{"docker", func(c *Config) {
			c.LLM.OpenAIKey = "sk-test-123456"
			c.Executor.UseDocker = true
		}, "use_docker"},
		{"bad port", func(c *Config) {
			c.LLM.OpenAIKey = "sk-test-123456"
			c.API.Port = 70000
		}, "api.port"},
		{"ollama", func(c *Config) {
			c.LLM.Primary = "ollama"
			c.LLM.OllamaURL = "http://localhost:11434"
		}, ""},
		{"bad cache", func(c *Config) {
			c.LLM.OpenAIKey = "sk-test-123456"
			c.Cache.Backend = "memcached"
		}, "cache.backend"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %v should mention %q", err, tt.wantErr)
			}
		})
	}
}

// ── Keys ──

func TestCheckAPIKeys(t *testing.T) {
	clearKeyEnv(t)
	t.Setenv("OPENAI_API_KEY", "sk-abcdefghijklmnop")
	cfg := Default()
	cfg.LLM.OpenAIKey = "sk-abcdefghijklmnop"

	keys := CheckAPIKeys(cfg)
	if len(keys) != 1 {
		t.Fatalf("got %d keys, want 1", len(keys))
	}
	k := keys[0]
	if !k.IsSet || k.Source != KeySourceEnv {
		t.Errorf("status: %+v", k)
	}
	if k.Masked != "sk-...nop" {
		t.Errorf("Masked: got %q, want %q", k.Masked, "sk-...nop")
	}
}

func TestCheckKeyFromConfig(t *testing.T) {
	clearKeyEnv(t)
	s := checkKey("x", "config-only-value", "AUTOSTOCK_LLM_OPENAI_KEY")
	if s.Source != KeySourceConfig {
		t.Errorf("Source: got %q, want %q", s.Source, KeySourceConfig)
	}
	none := checkKey("x", "")
	if none.IsSet || none.Source != KeySourceNone {
		t.Errorf("empty key status: %+v", none)
	}
}

func TestMaskKeyShort(t *testing.T) {
	if got := maskKey("short"); got != "***" {
		t.Errorf("maskKey: got %q", got)
	}
}

func TestRedacted(t *testing.T) {
	cfg := Default()
	cfg.LLM.OpenAIKey = "sk-abcdefghijklmnop"
	r := cfg.Redacted()
	if r.LLM.OpenAIKey != "sk-...nop" {
		t.Errorf("redacted key: got %q", r.LLM.OpenAIKey)
	}
	if cfg.LLM.OpenAIKey != "sk-abcdefghijklmnop" {
		t.Error("Redacted modified the original")
	}
	r.API.CORSOrigins[0] = "changed"
	if cfg.API.CORSOrigins[0] == "changed" {
		t.Error("Redacted shares CORS origins with the original")
	}
}
