// Package config handles configuration loading for AutoStock.
// It supports YAML config files, a .env file, and environment variable overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"reflect"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// Supported values for LLMConfig.APIType.
const (
	APITypeOpenAI = "open_ai"
	APITypeAzure  = "azure"
)

// Supported values for CacheConfig.Backend.
const (
	CacheDisk  = "disk"
	CacheRedis = "redis"
	CacheNone  = "none"
)

// Config represents the complete application configuration.
type Config struct {
	LLM      LLMConfig      `mapstructure:"llm"      yaml:"llm"`
	Chat     ChatConfig     `mapstructure:"chat"     yaml:"chat"`
	Executor ExecutorConfig `mapstructure:"executor" yaml:"executor"`
	Market   MarketConfig   `mapstructure:"market"   yaml:"market"`
	Cache    CacheConfig    `mapstructure:"cache"    yaml:"cache"`
	Store    StoreConfig    `mapstructure:"store"    yaml:"store"`
	API      APIConfig      `mapstructure:"api"      yaml:"api"`
	Logging  LoggingConfig  `mapstructure:"logging"  yaml:"logging"`
}

// LLMConfig holds LLM provider configuration.
type LLMConfig struct {
	Primary     string  `mapstructure:"primary"     yaml:"primary"` // "openai" or "ollama"
	APIType     string  `mapstructure:"api_type"    yaml:"api_type"` // "open_ai" or "azure"
	OpenAIKey   string  `mapstructure:"openai_key"  yaml:"openai_key"`
	BaseURL     string  `mapstructure:"base_url"    yaml:"base_url"`
	APIVersion  string  `mapstructure:"api_version" yaml:"api_version"`
	OllamaURL   string  `mapstructure:"ollama_url"  yaml:"ollama_url"`
	Model       string  `mapstructure:"model"       yaml:"model"`
	Temperature float64 `mapstructure:"temperature" yaml:"temperature"`
	MaxTokens   int     `mapstructure:"max_tokens"  yaml:"max_tokens"`
	TimeoutSec  int     `mapstructure:"timeout"     yaml:"timeout"`
	MaxRetries  int     `mapstructure:"max_retries" yaml:"max_retries"`
}

// Timeout returns the per-request timeout.
func (c LLMConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSec) * time.Second
}

// ChatConfig bounds the agent conversations.
type ChatConfig struct {
	MaxConsecutiveAutoReply int    `mapstructure:"max_consecutive_auto_reply" yaml:"max_consecutive_auto_reply"`
	MaxToolIterations       int    `mapstructure:"max_tool_iterations"        yaml:"max_tool_iterations"`
	TerminationKeyword      string `mapstructure:"termination_keyword"        yaml:"termination_keyword"`
}

// ExecutorConfig holds code execution settings for the user proxy.
type ExecutorConfig struct {
	WorkDir       string `mapstructure:"work_dir"        yaml:"work_dir"`
	LastNMessages int    `mapstructure:"last_n_messages" yaml:"last_n_messages"`
	UseDocker     bool   `mapstructure:"use_docker"      yaml:"use_docker"`
	TimeoutSec    int    `mapstructure:"timeout"         yaml:"timeout"`
}

// MarketConfig holds market data source settings.
type MarketConfig struct {
	YahooBaseURL      string `mapstructure:"yahoo_base_url"      yaml:"yahoo_base_url"`
	GoogleNewsURL     string `mapstructure:"google_news_url"     yaml:"google_news_url"`
	BingNewsURL       string `mapstructure:"bing_news_url"       yaml:"bing_news_url"`
	HistoryRange      string `mapstructure:"history_range"       yaml:"history_range"`
	HeadlinesPerStock int    `mapstructure:"headlines_per_stock" yaml:"headlines_per_stock"`
	CacheTTL          int    `mapstructure:"cache_ttl"           yaml:"cache_ttl"` // seconds
	ConcurrentFetches int    `mapstructure:"concurrent_fetches"  yaml:"concurrent_fetches"`
}

// CacheConfig holds the LLM response cache settings.
type CacheConfig struct {
	Backend  string `mapstructure:"backend"   yaml:"backend"` // "disk", "redis", "none"
	Seed     int    `mapstructure:"seed"      yaml:"seed"`
	Dir      string `mapstructure:"dir"       yaml:"dir"`
	RedisURL string `mapstructure:"redis_url" yaml:"redis_url"`
}

// StoreConfig holds report run storage settings.
type StoreConfig struct {
	Driver string `mapstructure:"driver" yaml:"driver"` // "sqlite" or "memory"
	Path   string `mapstructure:"path"   yaml:"path"`
}

// APIConfig holds HTTP server settings.
type APIConfig struct {
	Host        string   `mapstructure:"host"         yaml:"host"`
	Port        int      `mapstructure:"port"         yaml:"port"`
	CORSOrigins []string `mapstructure:"cors_origins" yaml:"cors_origins"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level"  yaml:"level"`  // "debug", "info", "warn", "error"
	Format string `mapstructure:"format" yaml:"format"` // "console" or "json"
}

// Load reads the configuration from file and environment variables.
// Config file search order:
//  1. ./config/config.yaml (project root)
//  2. ~/.autostock/config.yaml (home directory)
//  3. /etc/autostock/config.yaml (system)
//
// A .env file in the working directory is loaded first; variables already
// present in the environment win. Environment variables override config file
// values. Format: AUTOSTOCK_<SECTION>_<KEY>, e.g., AUTOSTOCK_LLM_OPENAI_KEY
func Load() (*Config, error) {
	if err := LoadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := newViper()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("./config")
	v.AddConfigPath(filepath.Join(homeDir(), ".autostock"))
	v.AddConfigPath("/etc/autostock")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}
	return unmarshal(v)
}

// LoadFromFile reads configuration from a specific file path.
func LoadFromFile(path string) (*Config, error) {
	if err := LoadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := newViper()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("error reading config file %s: %w", path, err)
	}
	return unmarshal(v)
}

// LoadDotEnv loads KEY=VALUE pairs from the given files into the process
// environment. Missing files are skipped.
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		if _, err := os.Stat(p); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := gotenv.Load(p); err != nil {
			return fmt.Errorf("error loading %s: %w", p, err)
		}
	}
	return nil
}

// EnvPrefix prefixes every environment override.
const EnvPrefix = "AUTOSTOCK"

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func unmarshal(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	overrideFromEnv(&cfg)
	return &cfg, nil
}

// Default returns a configuration populated only with defaults.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg, decodeHook)
	return &cfg
}

// decodeHook keeps viper's string conversions and adds dateToString.
var decodeHook = viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
	dateToString,
	mapstructure.StringToTimeDurationHookFunc(),
	mapstructure.StringToSliceHookFunc(","),
))

// dateToString turns YAML timestamps back into text for string fields. An
// unquoted api_version such as 2024-06-01 is parsed as a date.
func dateToString(from, to reflect.Type, data any) (any, error) {
	t, ok := data.(time.Time)
	if !ok || to.Kind() != reflect.String {
		return data, nil
	}
	if t.Hour() == 0 && t.Minute() == 0 && t.Second() == 0 && t.Nanosecond() == 0 {
		return t.Format(time.DateOnly), nil
	}
	return t.Format(time.RFC3339), nil
}

// setDefaults sets sensible defaults for all config values.
func setDefaults(v *viper.Viper) {
	// LLM defaults
	v.SetDefault("llm.primary", "openai")
	v.SetDefault("llm.api_type", APITypeOpenAI)
	v.SetDefault("llm.base_url", "")
	v.SetDefault("llm.api_version", "")
	v.SetDefault("llm.ollama_url", "")
	v.SetDefault("llm.model", "gpt-4.1-mini")
	v.SetDefault("llm.temperature", 0.3)
	v.SetDefault("llm.max_tokens", 4096)
	v.SetDefault("llm.timeout", 120)
	v.SetDefault("llm.max_retries", 3)

	// Conversation bounds
	v.SetDefault("chat.max_consecutive_auto_reply", 10)
	v.SetDefault("chat.max_tool_iterations", 10)
	v.SetDefault("chat.termination_keyword", "TERMINATE")

	// Code execution
	v.SetDefault("executor.work_dir", "coding")
	v.SetDefault("executor.last_n_messages", 3)
	v.SetDefault("executor.use_docker", false)
	v.SetDefault("executor.timeout", 60)

	// Market data
	v.SetDefault("market.yahoo_base_url", "https://query1.finance.yahoo.com")
	v.SetDefault("market.google_news_url", "https://news.google.com/rss/search")
	v.SetDefault("market.bing_news_url", "https://www.bing.com/news/search")
	v.SetDefault("market.history_range", "6mo")
	v.SetDefault("market.headlines_per_stock", 10)
	v.SetDefault("market.cache_ttl", 300) // 5 minutes
	v.SetDefault("market.concurrent_fetches", 5)

	// LLM response cache
	v.SetDefault("cache.backend", CacheDisk)
	v.SetDefault("cache.seed", 42)
	v.SetDefault("cache.dir", ".cache")
	v.SetDefault("cache.redis_url", "redis://localhost:6379/0")

	// Run store
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.path", "autostock.db")

	// API defaults
	v.SetDefault("api.host", "0.0.0.0")
	v.SetDefault("api.port", 8501)
	v.SetDefault("api.cors_origins", []string{"http://localhost:8501"})

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
}

// overrideFromEnv explicitly reads sensitive keys from environment variables.
// OPENAI_API_KEY is honored when no prefixed key is set.
func overrideFromEnv(cfg *Config) {
	if key := os.Getenv("AUTOSTOCK_LLM_OPENAI_KEY"); key != "" {
		cfg.LLM.OpenAIKey = key
	}
	if cfg.LLM.OpenAIKey == "" {
		cfg.LLM.OpenAIKey = os.Getenv("OPENAI_API_KEY")
	}
}

// Validate reports configuration problems that would prevent a run.
func (c *Config) Validate() error {
	var errs []error
	switch c.LLM.Primary {
	case "openai":
		if c.LLM.OpenAIKey == "" {
			errs = append(errs, errors.New("llm.openai_key is not set (AUTOSTOCK_LLM_OPENAI_KEY or OPENAI_API_KEY)"))
		}
	case "ollama":
		if c.LLM.OllamaURL == "" {
			errs = append(errs, errors.New("llm.ollama_url is required for the ollama provider"))
		}
	default:
		errs = append(errs, fmt.Errorf("llm.primary %q is not supported", c.LLM.Primary))
	}
	switch c.LLM.APIType {
	case APITypeOpenAI:
	case APITypeAzure:
		if c.LLM.BaseURL == "" || c.LLM.APIVersion == "" {
			errs = append(errs, errors.New("llm.base_url and llm.api_version are required for azure"))
		}
	default:
		errs = append(errs, fmt.Errorf("llm.api_type %q is not supported", c.LLM.APIType))
	}
	if c.Executor.UseDocker {
		errs = append(errs, errors.New("executor.use_docker is not supported"))
	}
	switch c.Cache.Backend {
	case CacheDisk, CacheRedis, CacheNone:
	default:
		errs = append(errs, fmt.Errorf("cache.backend %q is not supported", c.Cache.Backend))
	}
	if c.API.Port <= 0 || c.API.Port > 65535 {
		errs = append(errs, fmt.Errorf("api.port %d is out of range", c.API.Port))
	}
	return errors.Join(errs...)
}

// homeDir returns the user's home directory.
func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}
