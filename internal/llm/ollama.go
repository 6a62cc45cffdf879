package llm

import (
	"net/http"
	"strings"
	"time"
)

// ollamaModels lists commonly used local models with tool-calling support.
var ollamaModels = []string{
	"qwen2.5:7b",
	"qwen2.5:14b",
	"llama3.1:8b",
	"mistral-nemo:12b",
}

// NewOllamaProvider creates a provider for a local Ollama server through its
// OpenAI-compatible /v1 endpoint. baseURL is the server URL
// (e.g., "http://localhost:11434").
func NewOllamaProvider(baseURL, model string, client *http.Client) (*OpenAIProvider, error) {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if model == "" {
		model = ollamaModels[0]
	}
	if client == nil {
		client = &http.Client{Timeout: 300 * time.Second} // local models are slow
	}
	// Ollama ignores the key but the client always sends one.
	return NewOpenAIProvider("ollama",
		withProviderName(ProviderOllama),
		WithOpenAIBaseURL(strings.TrimRight(baseURL, "/")+"/v1"),
		WithOpenAIModel(model),
		WithOpenAIHTTPClient(client),
	)
}
