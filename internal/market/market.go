// Package market fetches the data that backs the financial and research agents:
// quotes, price history and fundamentals from Yahoo Finance, and headlines from
// Google News and Bing News RSS search.
package market

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

var (
	ErrTickerNotFound = errors.New("market: ticker not found")
	// ErrBadPrice is returned when a source reports a non-positive price.
	ErrBadPrice = errors.New("market: invalid price data")
	// ErrNoData is returned when a series is too short to analyze.
	ErrNoData = errors.New("market: not enough data")
)

// HTTPError is a non-2xx reply from an upstream source. Body holds the first
// KiB of the response.
type HTTPError struct {
	StatusCode int
	Status     string
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d %s: %s", e.StatusCode, e.Status, e.Body)
}

// Browser-like user agent. Yahoo and the news engines reject Go's default.
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"

const (
	httpTimeout  = 30 * time.Second
	maxBodyBytes = 16 << 20
)

func NewHTTPClient() *http.Client {
	return &http.Client{Timeout: httpTimeout}
}

// fetch GETs url and returns the whole body.
func fetch(ctx context.Context, client *http.Client, url, accept string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", DefaultUserAgent)
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	req.Header.Set("Accept", accept)

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP GET %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, &HTTPError{StatusCode: resp.StatusCode, Status: resp.Status, Body: string(snippet)}
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return data, nil
}

// ttlCache is an in-memory map whose entries expire. Expired entries are
// dropped when next read.
type ttlCache[V any] struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]ttlEntry[V]
	now     func() time.Time
}

type ttlEntry[V any] struct {
	value   V
	expires time.Time
}

func newTTLCache[V any](ttl time.Duration) *ttlCache[V] {
	return &ttlCache[V]{ttl: ttl, entries: make(map[string]ttlEntry[V]), now: time.Now}
}

func (c *ttlCache[V]) get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		var zero V
		return zero, false
	}
	if !c.now().Before(e.expires) {
		delete(c.entries, key)
		var zero V
		return zero, false
	}
	return e.value, true
}

// put stores v for the cache TTL. A non-positive TTL disables caching.
func (c *ttlCache[V]) put(key string, v V) {
	if c.ttl <= 0 {
		return
	}
	c.mu.Lock()
	c.entries[key] = ttlEntry[V]{value: v, expires: c.now().Add(c.ttl)}
	c.mu.Unlock()
}

// pacer spaces requests at least interval apart. Waiters queue for
// successive slots.
type pacer struct {
	mu       sync.Mutex
	interval time.Duration
	next     time.Time
}

// newPacer allows perSecond requests per second on average.
func newPacer(perSecond int) *pacer {
	return &pacer{interval: time.Second / time.Duration(max(perSecond, 1))}
}

// Wait blocks until the caller's slot or ctx is done. A cancelled waiter
// keeps its slot reserved.
func (p *pacer) Wait(ctx context.Context) error {
	p.mu.Lock()
	now := time.Now()
	slot := p.next
	if slot.Before(now) {
		slot = now
	}
	p.next = slot.Add(p.interval)
	p.mu.Unlock()

	d := time.Until(slot)
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
