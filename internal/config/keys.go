package config

import (
	"os"
	"slices"
)

// APIKeySource says which layer supplied a secret.
type APIKeySource string

const (
	KeySourceEnv    APIKeySource = "env"
	KeySourceConfig APIKeySource = "config"
	KeySourceNone   APIKeySource = "none"
)

// KeyStatus describes one secret without revealing it.
type KeyStatus struct {
	Name   string       `json:"name"   yaml:"name"`
	Source APIKeySource `json:"source" yaml:"source"`
	IsSet  bool         `json:"is_set" yaml:"is_set"`
	Masked string       `json:"masked,omitempty" yaml:"masked,omitempty"`
}

// secret names a credential and the variables that may carry it.
type secret struct {
	name string
	get  func(*Config) string
	envs []string
}

var secrets = []secret{
	{
		name: "OpenAI API Key",
		get:  func(c *Config) string { return c.LLM.OpenAIKey },
		envs: []string{EnvPrefix + "_LLM_OPENAI_KEY", "OPENAI_API_KEY"},
	},
}

// CheckAPIKeys reports every known secret of cfg.
func CheckAPIKeys(cfg *Config) []KeyStatus {
	out := make([]KeyStatus, 0, len(secrets))
	for _, s := range secrets {
		out = append(out, checkKey(s.name, s.get(cfg), s.envs...))
	}
	return out
}

// checkKey attributes value to the environment when one of envVars holds it
// verbatim and to the config file otherwise.
func checkKey(name, value string, envVars ...string) KeyStatus {
	if value == "" {
		return KeyStatus{Name: name, Source: KeySourceNone}
	}
	src := KeySourceConfig
	if slices.ContainsFunc(envVars, func(env string) bool { return os.Getenv(env) == value }) {
		src = KeySourceEnv
	}
	return KeyStatus{Name: name, Source: src, IsSet: true, Masked: maskKey(value)}
}

// maskKey keeps three characters at each end. Short keys are hidden entirely.
func maskKey(key string) string {
	const keep = 3
	if len(key) <= 8 {
		return "***"
	}
	return key[:keep] + "..." + key[len(key)-keep:]
}

// Redacted copies c with secrets masked.
func (c *Config) Redacted() *Config {
	r := *c
	if r.LLM.OpenAIKey != "" {
		r.LLM.OpenAIKey = maskKey(r.LLM.OpenAIKey)
	}
	r.API.CORSOrigins = slices.Clone(c.API.CORSOrigins)
	return &r
}
