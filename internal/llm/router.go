package llm

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/seenimoa/autostock/internal/config"
)

const (
	maxBackoff      = 30 * time.Second
	healthTimeout   = 10 * time.Second
	rateLimitFactor = 2
)

// Router is an LLMProvider that sends each request to the primary backend and
// walks the fallback chain when it stays unavailable. Transient errors are
// retried per backend with exponential backoff.
type Router struct {
	mu         sync.RWMutex
	providers  map[string]LLMProvider
	primary    string
	fallbacks  []string
	maxRetries int
	retryDelay time.Duration
	logger     *zap.Logger
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithFallbacks sets the backends tried after the primary, in order.
func WithFallbacks(names ...string) RouterOption {
	return func(r *Router) { r.fallbacks = names }
}

// WithMaxRetries sets how many times a backend is retried after its first attempt.
func WithMaxRetries(n int) RouterOption {
	return func(r *Router) {
		if n >= 0 {
			r.maxRetries = n
		}
	}
}

// WithRetryDelay sets the first backoff delay. It doubles on each retry.
func WithRetryDelay(d time.Duration) RouterOption {
	return func(r *Router) { r.retryDelay = d }
}

func WithRouterLogger(l *zap.Logger) RouterOption {
	return func(r *Router) {
		if l != nil {
			r.logger = l
		}
	}
}

func NewRouter(primary string, opts ...RouterOption) *Router {
	r := &Router{
		providers:  make(map[string]LLMProvider),
		primary:    primary,
		maxRetries: 3,
		retryDelay: time.Second,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RegisterProvider adds p under its Name, replacing any backend with that name.
func (r *Router) RegisterProvider(p LLMProvider) {
	r.mu.Lock()
	r.providers[p.Name()] = p
	r.mu.Unlock()
}

func (r *Router) GetProvider(name string) (LLMProvider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	return p, ok
}

func (r *Router) Primary() (LLMProvider, error) {
	if p, ok := r.GetProvider(r.primary); ok {
		return p, nil
	}
	return nil, fmt.Errorf("%w: primary provider %q not registered", ErrNoProviders, r.primary)
}

// ProviderNames lists the registered backends alphabetically.
func (r *Router) ProviderNames() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}

func (r *Router) Name() string { return "router/" + r.primary }

// Models is the sorted union of every backend's models.
func (r *Router) Models() []string {
	r.mu.RLock()
	seen := make(map[string]struct{})
	for _, p := range r.providers {
		for _, m := range p.Models() {
			seen[m] = struct{}{}
		}
	}
	r.mu.RUnlock()

	models := make([]string, 0, len(seen))
	for m := range seen {
		models = append(models, m)
	}
	sort.Strings(models)
	return models
}

func (r *Router) Ping(ctx context.Context) error {
	p, err := r.Primary()
	if err != nil {
		return err
	}
	return p.Ping(ctx)
}

func (r *Router) Chat(ctx context.Context, messages []Message, tools []Tool, opts *ChatOptions) (*Response, error) {
	return route(ctx, r, "chat", func(ctx context.Context, p LLMProvider) (*Response, error) {
		return p.Chat(ctx, messages, tools, opts)
	})
}

// ChatStream opens a stream on the first backend that accepts it. Errors
// after the stream is open are reported in-band and are not retried.
func (r *Router) ChatStream(ctx context.Context, messages []Message, tools []Tool, opts *ChatOptions) (<-chan StreamChunk, error) {
	return route(ctx, r, "stream", func(ctx context.Context, p LLMProvider) (<-chan StreamChunk, error) {
		return p.ChatStream(ctx, messages, tools, opts)
	})
}

// HealthCheck pings every registered backend concurrently. A nil entry means
// the backend answered.
func (r *Router) HealthCheck(ctx context.Context) map[string]error {
	names := r.ProviderNames()
	errs := make([]error, len(names))

	var g errgroup.Group
	for i, name := range names {
		p, ok := r.GetProvider(name)
		if !ok {
			continue
		}
		g.Go(func() error {
			pingCtx, cancel := context.WithTimeout(ctx, healthTimeout)
			defer cancel()
			errs[i] = p.Ping(pingCtx)
			return nil
		})
	}
	_ = g.Wait()

	results := make(map[string]error, len(names))
	for i, name := range names {
		results[name] = errs[i]
	}
	return results
}

// chain is the primary followed by the distinct fallbacks that are registered.
func (r *Router) chain() []LLMProvider {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := map[string]bool{}
	var out []LLMProvider
	for _, name := range append([]string{r.primary}, r.fallbacks...) {
		if seen[name] {
			continue
		}
		seen[name] = true
		if p, ok := r.providers[name]; ok {
			out = append(out, p)
		}
	}
	return out
}

// route runs call against each backend of the chain until one succeeds.
func route[T any](ctx context.Context, r *Router, op string, call func(context.Context, LLMProvider) (T, error)) (T, error) {
	var zero T
	chain := r.chain()
	if len(chain) == 0 {
		return zero, ErrNoProviders
	}

	var lastErr error
	for _, p := range chain {
		out, err := withRetry(ctx, r, p, call)
		if err == nil {
			return out, nil
		}
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		if isNonRetryable(err) {
			return zero, err
		}
		lastErr = err
		r.logger.Warn("llm provider failed, trying next",
			zap.String("op", op), zap.String("provider", p.Name()), zap.Error(err))
	}
	return zero, fmt.Errorf("llm/router: all providers failed, last error: %w", lastErr)
}

func withRetry[T any](ctx context.Context, r *Router, p LLMProvider, call func(context.Context, LLMProvider) (T, error)) (T, error) {
	var zero T
	var err error
	for attempt := 0; attempt <= r.maxRetries; attempt++ {
		if attempt > 0 {
			delay := r.backoff(attempt, err)
			r.logger.Debug("retrying llm request",
				zap.String("provider", p.Name()),
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
				zap.Error(err))
			if serr := sleep(ctx, delay); serr != nil {
				return zero, serr
			}
		}

		var out T
		out, err = call(ctx, p)
		if err == nil {
			return out, nil
		}
		if isNonRetryable(err) || ctx.Err() != nil {
			return zero, err
		}
	}
	return zero, err
}

// backoff doubles the base delay per attempt. Rate limits wait longer.
func (r *Router) backoff(attempt int, cause error) time.Duration {
	if r.retryDelay <= 0 {
		return 0
	}
	d := r.retryDelay << (attempt - 1)
	if errors.Is(cause, ErrRateLimit) {
		d *= rateLimitFactor
	}
	if d <= 0 || d > maxBackoff {
		d = maxBackoff
	}
	return d
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// isNonRetryable reports errors another attempt cannot fix.
func isNonRetryable(err error) bool {
	return errors.Is(err, ErrNoAPIKey) ||
		errors.Is(err, ErrInvalidModel) ||
		errors.Is(err, ErrContextLength) ||
		errors.Is(err, context.Canceled)
}

// NewRouterFromConfig registers the OpenAI backend (plain or Azure) when a
// key is set and Ollama when its URL is set. The one that is not primary
// becomes the fallback.
func NewRouterFromConfig(cfg *config.Config, logger *zap.Logger) (*Router, error) {
	primary := cfg.LLM.Primary
	if primary == "" {
		primary = ProviderOpenAI
	}

	var backends []LLMProvider
	if cfg.LLM.OpenAIKey != "" {
		p, err := openAIFromConfig(cfg.LLM)
		if err != nil {
			return nil, err
		}
		backends = append(backends, p)
	}
	if cfg.LLM.OllamaURL != "" {
		model := ""
		if primary == ProviderOllama {
			model = cfg.LLM.Model
		}
		p, err := NewOllamaProvider(cfg.LLM.OllamaURL, model, nil)
		if err != nil {
			return nil, err
		}
		backends = append(backends, p)
	}
	if len(backends) == 0 {
		return nil, ErrNoProviders
	}

	var fallbacks []string
	for _, p := range backends {
		if p.Name() != primary {
			fallbacks = append(fallbacks, p.Name())
		}
	}
	router := NewRouter(primary,
		WithMaxRetries(cfg.LLM.MaxRetries),
		WithFallbacks(fallbacks...),
		WithRouterLogger(logger),
	)
	for _, p := range backends {
		router.RegisterProvider(p)
	}
	if _, err := router.Primary(); err != nil {
		return nil, err
	}
	return router, nil
}

func openAIFromConfig(c config.LLMConfig) (*OpenAIProvider, error) {
	opts := []OpenAIOption{
		WithOpenAIModel(c.Model),
		WithOpenAITimeout(c.Timeout()),
	}
	switch {
	case c.APIType == config.APITypeAzure:
		opts = append(opts, WithAzure(c.BaseURL, c.APIVersion))
	case c.BaseURL != "":
		opts = append(opts, WithOpenAIBaseURL(c.BaseURL))
	}
	return NewOpenAIProvider(c.OpenAIKey, opts...)
}
