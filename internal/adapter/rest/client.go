package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/poer2023/chusea-sub003/internal/domain"
	"github.com/poer2023/chusea-sub003/internal/infra/config"
	"github.com/poer2023/chusea-sub003/internal/infra/tracer"
)

const maxBackoff = 30 * time.Second

// Client is an HTTP client for the gateway's REST API with retry, response
// caching, and in-flight de-duplication. Safe for concurrent use.
type Client struct {
	base       string
	httpClient *http.Client
	retries    int
	retryDelay time.Duration
	logger     *slog.Logger
	cache      *responseCache
	group      singleflight.Group

	// tokenFn, when set, supplies the bearer token for each request.
	tokenFn func() string
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithTokenSource sets a bearer token supplier, called per request so
// refreshed tokens take effect without rebuilding the client.
func WithTokenSource(fn func() string) ClientOption {
	return func(c *Client) { c.tokenFn = fn }
}

// WithHTTPClient replaces the underlying HTTP client. Used by tests.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// NewClient builds a REST client from config. Zero-valued delay and cache
// settings fall back to the package defaults; Retries is taken as configured,
// so zero disables retrying.
func NewClient(cfg config.ClientConfig, logger *slog.Logger, opts ...ClientOption) *Client {
	retries := cfg.Retries
	retryDelay := cfg.RetryDelay
	if retryDelay <= 0 {
		retryDelay = time.Second
	}
	cacheTTL := cfg.CacheTTL
	if cacheTTL <= 0 {
		cacheTTL = 5 * time.Minute
	}
	cacheMax := cfg.CacheMaxSize
	if cacheMax <= 0 {
		cacheMax = 512
	}

	c := &Client{
		base:       strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: newPooledClient(cfg),
		retries:    retries,
		retryDelay: retryDelay,
		logger:     logger,
		cache:      newResponseCache(cacheTTL, cacheMax),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// newPooledClient builds an HTTP client with connection pooling tuned for
// repeated calls against a single host.
func newPooledClient(cfg config.ClientConfig) *http.Client {
	connTimeout := cfg.ConnTimeout
	if connTimeout <= 0 {
		connTimeout = 30 * time.Second
	}
	respTimeout := cfg.RespTimeout
	if respTimeout <= 0 {
		respTimeout = 120 * time.Second
	}
	return &http.Client{
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   connTimeout,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   10,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: respTimeout,
		},
	}
}

// Get performs a cached GET. Concurrent identical GETs share one network
// call; cached responses are served until their TTL expires.
func (c *Client) Get(ctx context.Context, path string, out any) error {
	return c.do(ctx, http.MethodGet, path, nil, out)
}

// Post performs a POST and invalidates cached entries under path.
func (c *Client) Post(ctx context.Context, path string, body, out any) error {
	return c.do(ctx, http.MethodPost, path, body, out)
}

// Put performs a PUT and invalidates cached entries under path.
func (c *Client) Put(ctx context.Context, path string, body, out any) error {
	return c.do(ctx, http.MethodPut, path, body, out)
}

// Delete performs a DELETE and invalidates cached entries under path.
func (c *Client) Delete(ctx context.Context, path string) error {
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}

// InvalidateCache drops cached responses related to path. Exposed for
// callers that mutate state outside this client.
func (c *Client) InvalidateCache(path string) {
	c.cache.invalidatePrefix(path)
}

// SweepCache removes expired cache entries. Wired to the housekeeping
// janitor.
func (c *Client) SweepCache() int {
	return c.cache.sweep()
}

// CacheSize returns the current cache entry count.
func (c *Client) CacheSize() int {
	return c.cache.size()
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	ctx, span := tracer.StartSpan(ctx, "rest."+method, tracer.StringAttr("http.path", path))
	defer span.End()

	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return domain.WrapOp("rest.do", fmt.Errorf("encode body: %w", err))
		}
	}

	fullURL := c.base + path
	key := cacheKey(method, fullURL, payload)

	var respBody []byte
	var err error
	if method == http.MethodGet {
		respBody, err = c.cachedGet(ctx, key, fullURL, path)
	} else {
		respBody, err = c.withRetry(ctx, method, fullURL, payload)
		if err == nil {
			c.cache.invalidatePrefix(path)
		}
	}
	if err != nil {
		tracer.RecordError(span, err)
		return err
	}
	tracer.SetOK(span)

	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return domain.WrapOp("rest.do", fmt.Errorf("decode response: %w", err))
	}
	return nil
}

// cachedGet serves from cache when fresh, otherwise fetches through
// singleflight so identical concurrent GETs perform one network call. The
// fetch itself runs detached from any single caller's context: a waiter that
// cancels gets its own context error while the shared flight (and the other
// waiters) carry on.
func (c *Client) cachedGet(ctx context.Context, key, fullURL, path string) ([]byte, error) {
	if body, ok := c.cache.get(key); ok {
		c.logger.Debug("cache hit", "path", path)
		return body, nil
	}

	fetchCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(key, func() (any, error) {
		// Re-check: another flight may have populated the cache while
		// this call waited for the singleflight lock.
		if body, ok := c.cache.get(key); ok {
			return body, nil
		}
		body, err := c.withRetry(fetchCtx, http.MethodGet, fullURL, nil)
		if err != nil {
			return nil, err
		}
		c.cache.put(key, path, body)
		return body, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		if res.Shared {
			c.logger.Debug("request deduplicated", "path", path)
		}
		return res.Val.([]byte), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// withRetry executes the request with exponential backoff. Permanent
// failures (4xx, non-retryable error codes) return immediately.
func (c *Client) withRetry(ctx context.Context, method, fullURL string, payload []byte) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 {
			delay := retryBackoff(c.retryDelay, attempt-1)
			c.logger.Debug("retrying request",
				"method", method,
				"url", fullURL,
				"attempt", attempt,
				"delay", delay,
			)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		body, err := c.once(ctx, method, fullURL, payload)
		if err == nil {
			return body, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return nil, err
		}
		if Classify(err) != CategoryRetryable {
			return nil, err
		}
	}
	return nil, fmt.Errorf("after %d attempts: %w", c.retries+1, lastErr)
}

// retryBackoff computes exponential backoff with jitter for a retry attempt.
func retryBackoff(base time.Duration, attempt int) time.Duration {
	delay := base
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= maxBackoff {
			delay = maxBackoff
			break
		}
	}
	jitter := time.Duration(rand.Int63n(int64(delay)/4 + 1))
	return delay + jitter
}

// once performs a single HTTP exchange.
func (c *Client) once(ctx context.Context, method, fullURL string, payload []byte) ([]byte, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, fullURL, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.tokenFn != nil {
		if tok := c.tokenFn(); tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http %s %s: %w", method, fullURL, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		apiErr := &APIError{Status: resp.StatusCode}
		if jsonErr := json.Unmarshal(body, apiErr); jsonErr != nil || apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(body))
			if apiErr.Message == "" {
				apiErr.Message = http.StatusText(resp.StatusCode)
			}
		}
		return nil, apiErr
	}
	return body, nil
}
