// Package robots decides whether robots.txt lets the crawler fetch a URL.
package robots

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/temoto/robotstxt"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlfrontier/internal/crawler"
)

const maxRobotsBytes = 1 << 20

// Config controls the enforcer.
type Config struct {
	UserAgent string
	// CacheTTL bounds how long a host's robots.txt is reused. Zero keeps it forever.
	CacheTTL time.Duration
	Timeout  time.Duration
	// Transport overrides the HTTP transport used for robots.txt requests.
	Transport http.RoundTripper
}

// Enforcer enforces robots.txt directives per host.
type Enforcer struct {
	client    *http.Client
	userAgent string
	ttl       time.Duration
	logger    *zap.Logger
	now       func() time.Time

	mu    sync.Mutex
	cache map[string]cachedRobots
}

type cachedRobots struct {
	data    *robotstxt.RobotsData
	fetched time.Time
}

// New builds an Enforcer. When respect is false every URL is allowed.
func New(respect bool, cfg Config, logger *zap.Logger) crawler.RobotsPolicy {
	if !respect {
		return allowAll{}
	}
	return NewEnforcer(cfg, logger)
}

// NewEnforcer builds an Enforcer that always consults robots.txt.
func NewEnforcer(cfg Config, logger *zap.Logger) *Enforcer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	base := cfg.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	return &Enforcer{
		client: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: &retryTransport{base: base, backoff: defaultBackoff, logger: logger},
		},
		userAgent: cfg.UserAgent,
		ttl:       cfg.CacheTTL,
		logger:    logger,
		now:       time.Now,
		cache:     make(map[string]cachedRobots),
	}
}

// Allowed implements crawler.RobotsPolicy. Non-HTTP URLs are always allowed and
// fetch failures fail open.
func (e *Enforcer) Allowed(ctx context.Context, rawURL string) bool {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "http" && scheme != "https" {
		return true
	}
	data, err := e.load(ctx, parsed)
	if err != nil {
		e.logger.Warn("robots fetch failed; allowing access", zap.String("host", parsed.Host), zap.Error(err))
		return true
	}
	group := data.FindGroup(e.userAgent)
	if group == nil {
		return true
	}
	return group.Test(parsed.RequestURI())
}

// Disallowed is the negation of Allowed.
func (e *Enforcer) Disallowed(ctx context.Context, rawURL string) bool {
	return !e.Allowed(ctx, rawURL)
}

// Forget drops the cached robots.txt for host.
func (e *Enforcer) Forget(host string) {
	e.mu.Lock()
	delete(e.cache, strings.ToLower(host))
	e.mu.Unlock()
}

func (e *Enforcer) load(ctx context.Context, parsed *url.URL) (*robotstxt.RobotsData, error) {
	hostKey := strings.ToLower(parsed.Scheme + "://" + parsed.Host)
	e.mu.Lock()
	cached, ok := e.cache[hostKey]
	e.mu.Unlock()
	if ok && (e.ttl <= 0 || e.now().Sub(cached.fetched) < e.ttl) {
		return cached.data, nil
	}

	robotsURL := url.URL{Scheme: parsed.Scheme, Host: parsed.Host, Path: "/robots.txt"}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("new robots request: %w", err)
	}
	if e.userAgent != "" {
		req.Header.Set("User-Agent", e.userAgent)
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch robots: %w", err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			e.logger.Debug("Failed to close robots response body", zap.Error(cerr))
		}
	}()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxRobotsBytes))
	if err != nil {
		return nil, fmt.Errorf("read robots body: %w", err)
	}
	data, err := robotstxt.FromStatusAndBytes(resp.StatusCode, body)
	if err != nil {
		return nil, fmt.Errorf("parse robots: %w", err)
	}
	e.mu.Lock()
	e.cache[hostKey] = cachedRobots{data: data, fetched: e.now()}
	e.mu.Unlock()
	return data, nil
}

type allowAll struct{}

func (allowAll) Allowed(context.Context, string) bool { return true }
