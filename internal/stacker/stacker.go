// Package stacker decides whether a discovered URL enters the frontier and
// which queue receives it.
package stacker

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawlfrontier/internal/crawler"
	"github.com/JakeFAU/crawlfrontier/internal/frontier"
)

// Locator reports where a URL hash currently lives.
type Locator interface {
	URLExists(ctx context.Context, hash string) (string, bool)
}

// LocatorFunc adapts a function to Locator.
type LocatorFunc func(ctx context.Context, hash string) (string, bool)

// URLExists implements Locator.
func (f LocatorFunc) URLExists(ctx context.Context, hash string) (string, bool) { return f(ctx, hash) }

// ProtocolChecker reports whether a URL scheme can be loaded.
type ProtocolChecker interface {
	IsSupportedProtocol(scheme string) bool
}

// Queue is the part of the frontier the stacker pushes into.
type Queue interface {
	Push(ctx context.Context, k frontier.Kind, entry *crawler.Entry) error
}

// Config holds the acceptance rules.
type Config struct {
	Blocklist []string
}

// Stacker implements crawler.Stacker.
type Stacker struct {
	queue     Queue
	profiles  crawler.ProfileRegistry
	locator   Locator
	protocols ProtocolChecker
	blocklist *crawler.DomainBlocklist
	self      string
	logger    *zap.Logger
}

// New builds a Stacker. self is the local peer id.
func New(
	cfg Config,
	queue Queue,
	profiles crawler.ProfileRegistry,
	locator Locator,
	protocols ProtocolChecker,
	self string,
	logger *zap.Logger,
) *Stacker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Stacker{
		queue:     queue,
		profiles:  profiles,
		locator:   locator,
		protocols: protocols,
		blocklist: crawler.NewDomainBlocklist(cfg.Blocklist),
		self:      self,
		logger:    logger,
	}
}

// Accept returns "" when rawURL may be crawled, otherwise the reason it may not.
func (s *Stacker) Accept(rawURL string) string {
	if strings.TrimSpace(rawURL) == "" {
		return "url is empty"
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return "malformed url: " + err.Error()
	}
	return s.accept(u)
}

func (s *Stacker) accept(u *url.URL) string {
	scheme := strings.ToLower(u.Scheme)
	if scheme == "" {
		return "url has no protocol"
	}
	if s.protocols != nil && !s.protocols.IsSupportedProtocol(scheme) {
		return "unsupported protocol " + scheme
	}
	if scheme != "file" && u.Hostname() == "" {
		return "url has no host"
	}
	if s.blocklist.IsBlocked(u.Hostname()) {
		return "host in blocklist: " + strings.ToLower(u.Hostname())
	}
	return ""
}

// StackCrawl places req into the frontier. It returns "" on success; a reason
// starting with "double" means the URL is already known.
func (s *Stacker) StackCrawl(ctx context.Context, req crawler.StackRequest) string {
	if req.URL == nil {
		return "url is null"
	}
	if reason := s.accept(req.URL); reason != "" {
		return reason
	}
	prof, ok := s.profiles.Get(req.ProfileHandle)
	if !ok {
		return "unknown profile " + req.ProfileHandle
	}
	if req.Depth > prof.DepthLimit {
		return fmt.Sprintf("depth %d exceeds profile limit %d", req.Depth, prof.DepthLimit)
	}
	if !prof.MatchesFilter(req.URL.String()) {
		return "url does not match profile filter"
	}
	referrer := ""
	if req.Referrer != nil {
		referrer = req.Referrer.String()
	}
	entry, err := crawler.NewEntry(crawler.EntryParams{
		URL:            req.URL.String(),
		Initiator:      req.Initiator,
		Referrer:       referrer,
		ProfileHandle:  prof.Handle,
		Depth:          req.Depth,
		AnchorName:     req.Name,
		AppearanceDate: req.AppearanceDate,
	})
	if err != nil {
		return "malformed url: " + err.Error()
	}
	if s.locator != nil {
		if where, found := s.locator.URLExists(ctx, entry.Hash); found {
			return "double registered in " + where
		}
	}

	kind := s.queueFor(entry, prof)
	if err := s.queue.Push(ctx, kind, entry); err != nil {
		if errors.Is(err, frontier.ErrAlreadyQueued) {
			return "double registered in queue"
		}
		s.logger.Error("stack push failed", zap.String("url", entry.URL), zap.Error(err))
		return "push failed: " + err.Error()
	}
	s.logger.Debug("stacked url",
		zap.String("url", entry.URL),
		zap.Stringer("queue", kind),
		zap.String("initiator", entry.Initiator),
	)
	return ""
}

// queueFor keeps remote-origin entries on REMOTE, sends profiles that allow
// remote indexing to LIMIT, and everything else to CORE.
func (s *Stacker) queueFor(entry *crawler.Entry, prof *crawler.Profile) frontier.Kind {
	switch {
	case entry.Initiator != "" && entry.Initiator != s.self:
		return frontier.Remote
	case prof.RemoteIndexing:
		return frontier.Limit
	default:
		return frontier.Core
	}
}
