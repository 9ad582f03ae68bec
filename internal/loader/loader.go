// Package loader dispatches fetches to a per-scheme fetcher and applies the
// robots.txt check for web resources.
package loader

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawlfrontier/internal/crawler"
	"github.com/JakeFAU/crawlfrontier/internal/metrics"
)

// ReasonRobotsDenied is the failure reason for URLs excluded by robots.txt.
const ReasonRobotsDenied = "denied by robots.txt"

// ErrUnsupported is returned for URL schemes without a registered fetcher.
var ErrUnsupported = errors.New("unsupported protocol")

// Mode selects what happens to a loaded resource.
type Mode int

const (
	// ModeCrawler hands successful loads to the indexer.
	ModeCrawler Mode = iota
	// ModeImage returns the resource to the caller only.
	ModeImage
)

func (m Mode) String() string {
	if m == ModeImage {
		return "image"
	}
	return "crawler"
}

// LoadError describes a failed load.
type LoadError struct {
	URL string
	Err error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load %s: %v", e.URL, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// Reason renders the error as an outcome-log reason.
func (e *LoadError) Reason() string {
	return "cannot load: " + e.Err.Error()
}

// Config holds per-fetch limits.
type Config struct {
	Timeout  time.Duration
	MaxBytes int64
	Headers  http.Header
}

// Loader is a capability index of fetchers keyed by scheme.
type Loader struct {
	cfg    Config
	robots   crawler.RobotsPolicy
	profiles crawler.ProfileRegistry
	sink     crawler.ResponseSink
	logger   *zap.Logger

	mu       sync.RWMutex
	fetchers map[string]crawler.Fetcher
}

// New builds a Loader. robots and sink may be nil.
func New(cfg Config, robots crawler.RobotsPolicy, sink crawler.ResponseSink, logger *zap.Logger) *Loader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loader{
		cfg:      cfg,
		robots:   robots,
		sink:     sink,
		logger:   logger,
		fetchers: make(map[string]crawler.Fetcher),
	}
}

// Register binds a fetcher to one or more schemes.
func (l *Loader) Register(f crawler.Fetcher, schemes ...string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, s := range schemes {
		l.fetchers[strings.ToLower(s)] = f
	}
}

// UseProfiles makes CheckRobots honour each entry's profile. Entries whose
// profile has RespectRobots unset skip the robots.txt check.
func (l *Loader) UseProfiles(profiles crawler.ProfileRegistry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.profiles = profiles
}

// IsSupportedProtocol reports whether a fetcher is registered for scheme.
func (l *Loader) IsSupportedProtocol(scheme string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.fetchers[strings.ToLower(scheme)]
	return ok
}

func isWeb(scheme string) bool {
	return scheme == "http" || scheme == "https"
}

// CheckRobots returns ReasonRobotsDenied when robots.txt excludes entry, or "".
func (l *Loader) CheckRobots(ctx context.Context, entry *crawler.Entry) string {
	if l.robots == nil || !isWeb(entry.Scheme()) {
		return ""
	}
	l.mu.RLock()
	profiles := l.profiles
	l.mu.RUnlock()
	if profiles != nil {
		if prof, ok := profiles.Get(entry.ProfileHandle); ok && !prof.RespectRobots {
			return ""
		}
	}
	if l.robots.Allowed(ctx, entry.URL) {
		return ""
	}
	metrics.ObserveFetch(entry.URL, entry.Scheme(), "robots", 0)
	return ReasonRobotsDenied
}

// Load fetches entry and returns the resource. Failures are *LoadError.
func (l *Loader) Load(ctx context.Context, entry *crawler.Entry, mode Mode) (*crawler.Response, error) {
	scheme := entry.Scheme()
	l.mu.RLock()
	f, ok := l.fetchers[scheme]
	l.mu.RUnlock()
	if !ok {
		return nil, &LoadError{URL: entry.URL, Err: fmt.Errorf("%w: %q", ErrUnsupported, scheme)}
	}
	if l.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.cfg.Timeout)
		defer cancel()
	}
	resp, err := f.Fetch(ctx, crawler.FetchRequest{
		URL:      entry.URL,
		Headers:  l.cfg.Headers,
		Timeout:  l.cfg.Timeout,
		MaxBytes: l.cfg.MaxBytes,
	})
	if err != nil {
		metrics.ObserveFetch(entry.URL, scheme, "error", 0)
		return nil, &LoadError{URL: entry.URL, Err: err}
	}
	if resp.StatusCode >= http.StatusBadRequest {
		metrics.ObserveFetch(entry.URL, scheme, "status", len(resp.Body))
		return nil, &LoadError{URL: entry.URL, Err: fmt.Errorf("status %d", resp.StatusCode)}
	}
	metrics.ObserveFetch(entry.URL, scheme, "ok", len(resp.Body))
	resp.Entry = entry
	l.logger.Debug("loaded resource",
		zap.String("url", entry.URL),
		zap.Int("status", resp.StatusCode),
		zap.Int("bytes", len(resp.Body)),
		zap.Stringer("mode", mode),
	)
	return resp, nil
}

// Fetch loads entry and, in crawler mode, hands it to the indexer. It returns
// "" on success and a failure reason otherwise. robots.txt is not consulted.
func (l *Loader) Fetch(ctx context.Context, entry *crawler.Entry, mode Mode) string {
	resp, err := l.Load(ctx, entry, mode)
	if err != nil {
		return reasonFor(err)
	}
	if mode != ModeCrawler || l.sink == nil {
		return ""
	}
	if err := l.sink.Submit(ctx, resp); err != nil {
		return reasonFor(&LoadError{URL: entry.URL, Err: fmt.Errorf("indexer hand-off: %w", err)})
	}
	return ""
}

// Process checks robots.txt for web URLs and then fetches entry. It returns ""
// on success and a failure reason otherwise.
func (l *Loader) Process(ctx context.Context, entry *crawler.Entry, mode Mode) string {
	if reason := l.CheckRobots(ctx, entry); reason != "" {
		return reason
	}
	return l.Fetch(ctx, entry, mode)
}

func reasonFor(err error) string {
	var le *LoadError
	if errors.As(err, &le) {
		return le.Reason()
	}
	return "cannot load: " + err.Error()
}
