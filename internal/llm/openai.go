package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// openAIModels lists commonly available OpenAI chat models.
var openAIModels = []string{
	"gpt-4.1",
	"gpt-4.1-mini",
	"gpt-4.1-nano",
	"gpt-4o",
	"gpt-4o-mini",
	"o3-mini",
}

// OpenAIProvider implements LLMProvider on the Chat Completions API through
// go-openai. The same type serves Azure OpenAI deployments and
// OpenAI-compatible servers.
type OpenAIProvider struct {
	name       string
	apiKey     string
	baseURL    string
	apiType    string // "open_ai" or "azure"
	apiVersion string
	model      string
	httpClient *http.Client
	client     *openai.Client
}

// OpenAIOption configures the OpenAI provider.
type OpenAIOption func(*OpenAIProvider)

// WithOpenAIBaseURL sets a custom base URL (proxies, compatible servers, test fakes).
func WithOpenAIBaseURL(url string) OpenAIOption {
	return func(p *OpenAIProvider) { p.baseURL = strings.TrimRight(url, "/") }
}

// WithOpenAIModel sets the default model. For Azure this is the deployment name.
func WithOpenAIModel(model string) OpenAIOption {
	return func(p *OpenAIProvider) { p.model = model }
}

// WithOpenAIHTTPClient sets a custom HTTP client.
func WithOpenAIHTTPClient(client *http.Client) OpenAIOption {
	return func(p *OpenAIProvider) { p.httpClient = client }
}

// WithOpenAITimeout sets the per-request timeout of the default HTTP client.
func WithOpenAITimeout(d time.Duration) OpenAIOption {
	return func(p *OpenAIProvider) {
		if d > 0 {
			p.httpClient = &http.Client{Timeout: d}
		}
	}
}

// WithAzure targets an Azure OpenAI resource. endpoint is the resource URL
// and apiVersion the REST api-version query parameter.
func WithAzure(endpoint, apiVersion string) OpenAIOption {
	return func(p *OpenAIProvider) {
		p.apiType = "azure"
		p.baseURL = strings.TrimRight(endpoint, "/")
		p.apiVersion = apiVersion
	}
}

// withProviderName lets compatible backends reuse the OpenAI client.
func withProviderName(name string) OpenAIOption {
	return func(p *OpenAIProvider) { p.name = name }
}

// NewOpenAIProvider creates an OpenAI provider.
func NewOpenAIProvider(apiKey string, opts ...OpenAIOption) (*OpenAIProvider, error) {
	p := &OpenAIProvider{
		name:       ProviderOpenAI,
		apiKey:     apiKey,
		baseURL:    "https://api.openai.com/v1",
		apiType:    "open_ai",
		model:      "gpt-4.1-mini",
		httpClient: &http.Client{Timeout: 120 * time.Second},
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.apiKey == "" && p.name == ProviderOpenAI {
		return nil, ErrNoAPIKey
	}
	if p.apiType == "azure" && p.baseURL == "" {
		return nil, fmt.Errorf("openai: azure requires a base URL")
	}

	var cfg openai.ClientConfig
	if p.apiType == "azure" {
		cfg = openai.DefaultAzureConfig(p.apiKey, p.baseURL)
		if p.apiVersion != "" {
			cfg.APIVersion = p.apiVersion
		}
		// Deployment names are used exactly as configured.
		cfg.AzureModelMapperFunc = func(model string) string { return model }
	} else {
		cfg = openai.DefaultConfig(p.apiKey)
		cfg.BaseURL = p.baseURL
	}
	cfg.HTTPClient = p.httpClient
	p.client = openai.NewClientWithConfig(cfg)
	return p, nil
}

func (p *OpenAIProvider) Name() string { return p.name }

// Models returns the known chat models plus the configured default.
func (p *OpenAIProvider) Models() []string {
	for _, m := range openAIModels {
		if m == p.model {
			return openAIModels
		}
	}
	return append([]string{p.model}, openAIModels...)
}

// Ping verifies the endpoint and key by listing models.
func (p *OpenAIProvider) Ping(ctx context.Context) error {
	if _, err := p.client.ListModels(ctx); err != nil {
		return p.mapError(err)
	}
	return nil
}

// Chat sends a chat completion request.
func (p *OpenAIProvider) Chat(ctx context.Context, messages []Message, tools []Tool, opts *ChatOptions) (*Response, error) {
	start := time.Now()
	req := p.buildRequest(messages, tools, opts, false)

	resp, err := p.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return nil, p.mapError(err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%s: %w", p.name, ErrEmptyResponse)
	}
	return p.parseResponse(resp, req.Model, start), nil
}

// ChatStream sends a streaming chat completion request.
func (p *OpenAIProvider) ChatStream(ctx context.Context, messages []Message, tools []Tool, opts *ChatOptions) (<-chan StreamChunk, error) {
	req := p.buildRequest(messages, tools, opts, true)
	stream, err := p.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return nil, p.mapError(err)
	}

	ch := make(chan StreamChunk, 64)
	go p.readStream(stream, ch)
	return ch, nil
}

// ── Helpers ──

func (p *OpenAIProvider) resolveModel(opts *ChatOptions) string {
	if opts != nil && opts.Model != "" {
		return opts.Model
	}
	return p.model
}

func (p *OpenAIProvider) buildRequest(messages []Message, tools []Tool, opts *ChatOptions, stream bool) openai.ChatCompletionRequest {
	r := openai.ChatCompletionRequest{
		Model:    p.resolveModel(opts),
		Messages: convertToOpenAIMessages(messages),
		Stream:   stream,
	}
	if len(tools) > 0 {
		r.Tools = convertToOpenAITools(tools)
	}
	if opts != nil {
		r.Temperature = float32(opts.Temperature)
		r.MaxTokens = opts.MaxTokens
		r.TopP = float32(opts.TopP)
		r.Stop = opts.Stop
	}
	return r
}

// mapError converts go-openai errors into the package sentinels so the router
// can decide whether to retry.
func (p *OpenAIProvider) mapError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		code := fmt.Sprint(apiErr.Code)
		switch {
		case apiErr.HTTPStatusCode == http.StatusUnauthorized:
			return fmt.Errorf("%w: %s", ErrNoAPIKey, apiErr.Message)
		case apiErr.HTTPStatusCode == http.StatusTooManyRequests:
			return fmt.Errorf("%w: %s", ErrRateLimit, apiErr.Message)
		case strings.Contains(code, "context_length"):
			return fmt.Errorf("%w: %s", ErrContextLength, apiErr.Message)
		case strings.Contains(code, "model_not_found"), strings.Contains(code, "DeploymentNotFound"):
			return fmt.Errorf("%w: %s", ErrInvalidModel, apiErr.Message)
		case apiErr.HTTPStatusCode >= 500:
			return fmt.Errorf("%w: %s", ErrProviderDown, apiErr.Message)
		}
		return fmt.Errorf("%s: API error (%d): %s", p.name, apiErr.HTTPStatusCode, apiErr.Message)
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		switch reqErr.HTTPStatusCode {
		case http.StatusUnauthorized:
			return fmt.Errorf("%w: %v", ErrNoAPIKey, reqErr.Err)
		case http.StatusTooManyRequests:
			return fmt.Errorf("%w: %v", ErrRateLimit, reqErr.Err)
		}
		return fmt.Errorf("%w: HTTP %d: %v", ErrProviderDown, reqErr.HTTPStatusCode, reqErr.Err)
	}
	return fmt.Errorf("%w: %v", ErrProviderDown, err)
}

func (p *OpenAIProvider) parseResponse(raw openai.ChatCompletionResponse, model string, start time.Time) *Response {
	r := &Response{
		Model:    raw.Model,
		Provider: p.name,
		Latency:  time.Since(start),
		Usage: Usage{
			PromptTokens:     raw.Usage.PromptTokens,
			CompletionTokens: raw.Usage.CompletionTokens,
			TotalTokens:      raw.Usage.TotalTokens,
		},
	}
	if r.Model == "" {
		r.Model = model
	}
	choice := raw.Choices[0]
	r.Content = choice.Message.Content
	r.FinishReason = mapFinishReason(string(choice.FinishReason))
	r.ToolCalls = convertFromOpenAIToolCalls(choice.Message.ToolCalls)
	return r
}

func (p *OpenAIProvider) readStream(stream *openai.ChatCompletionStream, ch chan<- StreamChunk) {
	defer close(ch)
	defer stream.Close()

	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			ch <- StreamChunk{Done: true}
			return
		}
		if err != nil {
			ch <- StreamChunk{Err: fmt.Errorf("%s: stream read: %w", p.name, p.mapError(err))}
			return
		}
		if len(chunk.Choices) == 0 {
			continue
		}

		choice := chunk.Choices[0]
		sc := StreamChunk{
			Content:   choice.Delta.Content,
			ToolCalls: convertFromOpenAIToolCalls(choice.Delta.ToolCalls),
		}
		if fr := string(choice.FinishReason); fr != "" {
			sc.FinishReason = mapFinishReason(fr)
		}
		ch <- sc
	}
}

// ── Conversion Helpers ──

func convertToOpenAIMessages(messages []Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, len(messages))
	for i, m := range messages {
		msg := openai.ChatCompletionMessage{
			Role:       string(m.Role),
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
			Name:       openAIName(m),
		}
		for _, tc := range m.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
				ID:   tc.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      tc.Name,
					Arguments: string(tc.Arguments),
				},
			})
		}
		out[i] = msg
	}
	return out
}

// openAIName returns the name field the API accepts: letters, digits,
// underscores and dashes only.
func openAIName(m Message) string {
	if m.Name == "" || m.Role == RoleSystem {
		return ""
	}
	var b strings.Builder
	for _, r := range m.Name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

func convertToOpenAITools(tools []Tool) []openai.Tool {
	out := make([]openai.Tool, len(tools))
	for i, t := range tools {
		params := t.Parameters
		if params == nil {
			params = ObjectSchema("", map[string]*JSONSchema{})
		}
		out[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  params,
			},
		}
	}
	return out
}

func convertFromOpenAIToolCalls(calls []openai.ToolCall) []ToolCall {
	if len(calls) == 0 {
		return nil
	}
	out := make([]ToolCall, len(calls))
	for i, tc := range calls {
		out[i] = ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: json.RawMessage(tc.Function.Arguments),
		}
	}
	return out
}

func mapFinishReason(reason string) FinishReason {
	switch reason {
	case "stop":
		return FinishStop
	case "tool_calls", "function_call":
		return FinishToolCalls
	case "length":
		return FinishLength
	default:
		return FinishReason(reason)
	}
}
