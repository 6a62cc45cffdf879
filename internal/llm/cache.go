package llm

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/seenimoa/autostock/internal/config"
)

// ════════════════════════════════════════════════════════════════════
// Response cache: identical requests under the same seed replay the
// stored completion instead of calling the model again.
// ════════════════════════════════════════════════════════════════════

// ResponseCache stores completions by request key.
type ResponseCache interface {
	Get(ctx context.Context, key string) (*Response, bool, error)
	Set(ctx context.Context, key string, resp *Response) error
	Close() error
}

// CacheKey hashes everything that determines a completion.
func CacheKey(seed int, messages []Message, tools []Tool, opts *ChatOptions) (string, error) {
	var o ChatOptions
	if opts != nil {
		o = *opts
	}
	payload := struct {
		Seed     int         `json:"seed"`
		Options  ChatOptions `json:"options"`
		Messages []Message   `json:"messages"`
		Tools    []Tool      `json:"tools"`
	}{seed, o, messages, tools}

	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("llm cache: encode key: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// CachedProvider wraps a provider with a ResponseCache. Streaming requests
// bypass the cache.
type CachedProvider struct {
	inner  LLMProvider
	cache  ResponseCache
	seed   int
	logger *zap.Logger
}

// NewCachedProvider wraps inner. A nil cache returns inner unchanged.
func NewCachedProvider(inner LLMProvider, cache ResponseCache, seed int, logger *zap.Logger) LLMProvider {
	if cache == nil {
		return inner
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CachedProvider{inner: inner, cache: cache, seed: seed, logger: logger}
}

func (c *CachedProvider) Name() string                   { return c.inner.Name() }
func (c *CachedProvider) Models() []string               { return c.inner.Models() }
func (c *CachedProvider) Ping(ctx context.Context) error { return c.inner.Ping(ctx) }

// Chat returns the cached completion for an identical request, or calls the
// wrapped provider and stores the result. Cache failures are logged and
// never fail the request.
func (c *CachedProvider) Chat(ctx context.Context, messages []Message, tools []Tool, opts *ChatOptions) (*Response, error) {
	key, err := CacheKey(c.seed, messages, tools, opts)
	if err != nil {
		return c.inner.Chat(ctx, messages, tools, opts)
	}

	if resp, ok, err := c.cache.Get(ctx, key); err != nil {
		c.logger.Warn("llm cache read failed", zap.Error(err))
	} else if ok {
		c.logger.Debug("llm cache hit", zap.String("key", key[:12]))
		resp.Cached = true
		return resp, nil
	}

	resp, err := c.inner.Chat(ctx, messages, tools, opts)
	if err != nil {
		return nil, err
	}
	if resp.FinishReason != FinishError {
		if err := c.cache.Set(ctx, key, resp); err != nil {
			c.logger.Warn("llm cache write failed", zap.Error(err))
		}
	}
	return resp, nil
}

func (c *CachedProvider) ChatStream(ctx context.Context, messages []Message, tools []Tool, opts *ChatOptions) (<-chan StreamChunk, error) {
	return c.inner.ChatStream(ctx, messages, tools, opts)
}

// NewCacheFromConfig opens the configured cache backend. It returns nil for
// backend "none".
func NewCacheFromConfig(ctx context.Context, cfg config.CacheConfig) (ResponseCache, error) {
	switch cfg.Backend {
	case config.CacheNone, "":
		return nil, nil
	case config.CacheDisk:
		return NewDiskCache(filepath.Join(cfg.Dir, strconv.Itoa(cfg.Seed)))
	case config.CacheRedis:
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("llm cache: redis url: %w", err)
		}
		rc := NewRedisCache(redis.NewClient(opts), cfg.Seed, 0)
		if err := rc.client.Ping(ctx).Err(); err != nil {
			rc.Close()
			return nil, fmt.Errorf("llm cache: redis ping: %w", err)
		}
		return rc, nil
	default:
		return nil, fmt.Errorf("llm cache: unknown backend %q", cfg.Backend)
	}
}

// ── Disk (SQLite) ──

// DiskCache keeps completions in a SQLite file inside dir.
type DiskCache struct {
	db *sql.DB
}

// NewDiskCache opens or creates dir/cache.db.
func NewDiskCache(dir string) (*DiskCache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("llm cache: create dir: %w", err)
	}
	db, err := sql.Open("sqlite3", filepath.Join(dir, "cache.db")+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("llm cache: open: %w", err)
	}
	db.SetMaxOpenConns(1)

	const schema = `
		CREATE TABLE IF NOT EXISTS responses (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			created_at DATETIME NOT NULL
		);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("llm cache: create schema: %w", err)
	}
	return &DiskCache{db: db}, nil
}

func (d *DiskCache) Get(ctx context.Context, key string) (*Response, bool, error) {
	var value string
	err := d.db.QueryRowContext(ctx, `SELECT value FROM responses WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("llm cache: read: %w", err)
	}
	var resp Response
	if err := json.Unmarshal([]byte(value), &resp); err != nil {
		return nil, false, fmt.Errorf("llm cache: decode: %w", err)
	}
	return &resp, true, nil
}

func (d *DiskCache) Set(ctx context.Context, key string, resp *Response) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("llm cache: encode: %w", err)
	}
	_, err = d.db.ExecContext(ctx, `
		INSERT INTO responses (key, value, created_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, created_at = excluded.created_at`,
		key, string(data), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("llm cache: write: %w", err)
	}
	return nil
}

func (d *DiskCache) Close() error { return d.db.Close() }

// ── Redis ──

// RedisCache keeps completions in Redis under autostock:llm:<seed>:<key>.
type RedisCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisCache uses client; ttl 0 keeps entries forever.
func NewRedisCache(client *redis.Client, seed int, ttl time.Duration) *RedisCache {
	return &RedisCache{
		client: client,
		prefix: fmt.Sprintf("autostock:llm:%d:", seed),
		ttl:    ttl,
	}
}

func (r *RedisCache) Get(ctx context.Context, key string) (*Response, bool, error) {
	data, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("llm cache: redis get: %w", err)
	}
	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, false, fmt.Errorf("llm cache: decode: %w", err)
	}
	return &resp, true, nil
}

func (r *RedisCache) Set(ctx context.Context, key string, resp *Response) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("llm cache: encode: %w", err)
	}
	if err := r.client.Set(ctx, r.prefix+key, data, r.ttl).Err(); err != nil {
		return fmt.Errorf("llm cache: redis set: %w", err)
	}
	return nil
}

func (r *RedisCache) Close() error { return r.client.Close() }
