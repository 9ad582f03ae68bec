// Package peers is a static, config-seeded peer directory with the client for
// the remote crawl hand-out call.
package peers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/antchfx/xmlquery"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlfrontier/internal/crawler"
)

// Cluster modes.
const (
	ModePublicPeer     = "publicpeer"
	ModePrivatePeer    = "privatepeer"
	ModePublicCluster  = "publiccluster"
	ModePrivateCluster = "privatecluster"
)

const (
	remoteCrawlPath = "/yacy/urls.xml"
	maxFeedBytes    = 4 << 20
)

var (
	// ErrNoRemoteWork is returned when a peer advertises no remote crawl URLs.
	ErrNoRemoteWork = errors.New("peer has no remote crawl urls")
	// ErrBadResponse is returned when a peer's feed cannot be read.
	ErrBadResponse = errors.New("bad response from remote peer")
)

// Config seeds the directory.
type Config struct {
	Self           crawler.Peer
	Seeds          []crawler.Peer
	ClusterMode    string
	RequestTimeout time.Duration
	UserAgent      string
	// Transport overrides the HTTP transport used for peer calls.
	Transport http.RoundTripper
}

// Directory implements crawler.PeerDirectory over a fixed peer list.
type Directory struct {
	self        crawler.Peer
	clusterMode string
	timeout     time.Duration
	userAgent   string
	client      *http.Client
	logger      *zap.Logger
	online      atomic.Bool

	mu    sync.RWMutex
	peers map[string]crawler.Peer
	order []string
}

// New builds a Directory. The local peer starts online.
func New(cfg Config, logger *zap.Logger) *Directory {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.ClusterMode == "" {
		cfg.ClusterMode = ModePublicPeer
	}
	d := &Directory{
		self:        cfg.Self,
		clusterMode: cfg.ClusterMode,
		timeout:     cfg.RequestTimeout,
		userAgent:   cfg.UserAgent,
		client:      &http.Client{Timeout: cfg.RequestTimeout, Transport: cfg.Transport},
		logger:      logger,
		peers:       make(map[string]crawler.Peer),
	}
	d.online.Store(true)
	for _, p := range cfg.Seeds {
		d.Put(p)
	}
	return d
}

// Self returns the local peer.
func (d *Directory) Self() crawler.Peer { return d.self }

// Online reports whether the local peer is active.
func (d *Directory) Online() bool { return d.online.Load() }

// SetOnline marks the local peer active or inactive.
func (d *Directory) SetOnline(on bool) { d.online.Store(on) }

// Put adds or replaces a peer.
func (d *Directory) Put(p crawler.Peer) {
	if p.ID == "" || p.ID == d.self.ID {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.peers[p.ID]; !ok {
		d.order = append(d.order, p.ID)
	}
	d.peers[p.ID] = p
}

// Get returns the peer with id.
func (d *Directory) Get(id string) (crawler.Peer, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.peers[id]
	return p, ok
}

// List returns every known peer in seed order.
func (d *Directory) List() []crawler.Peer {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]crawler.Peer, 0, len(d.order))
	for _, id := range d.order {
		out = append(out, d.peers[id])
	}
	return out
}

// RemoteCrawlProviders returns the ids of peers advertising remote crawl URLs.
func (d *Directory) RemoteCrawlProviders(context.Context) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []string
	for _, id := range d.order {
		if d.peers[id].RemoteCrawlCount > 0 {
			out = append(out, id)
		}
	}
	return out
}

// IsInMyCluster reports whether p belongs to the configured cluster. Outside
// the cluster modes no peer is a cluster member.
func (d *Directory) IsInMyCluster(p crawler.Peer) bool {
	switch d.clusterMode {
	case ModePublicCluster, ModePrivateCluster:
		known, ok := d.Get(p.ID)
		return ok && known.Cluster
	default:
		return false
	}
}

func (d *Directory) setRemoteCount(id string, n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if p, ok := d.peers[id]; ok {
		p.RemoteCrawlCount = max(0, n)
		d.peers[id] = p
	}
}

// FetchRemoteCrawlCandidates asks peer for up to maxCount URLs to crawl. A
// peer that answers with something unreadable has its advertised count reset
// so it is not asked again until it reports new work.
func (d *Directory) FetchRemoteCrawlCandidates(ctx context.Context, peer crawler.Peer, maxCount int) ([]crawler.Candidate, error) {
	if current, ok := d.Get(peer.ID); ok {
		peer = current
	}
	if peer.RemoteCrawlCount <= 0 {
		d.logger.Warn("wrong peer selected: not enough links available", zap.String("peer", peer.Name))
		return nil, fmt.Errorf("%s: %w", peer.Name, ErrNoRemoteWork)
	}
	form := url.Values{}
	form.Set("call", "remotecrawl")
	form.Set("count", strconv.Itoa(maxCount))
	form.Set("time", strconv.FormatInt(d.timeout.Milliseconds(), 10))
	form.Set("iam", d.self.ID)
	form.Set("youare", peer.ID)
	target := "http://" + peer.Address + remoteCrawlPath
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("new remote crawl request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if d.userAgent != "" {
		req.Header.Set("User-Agent", d.userAgent)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		d.logger.Warn("remote crawl request failed", zap.String("peer", peer.Name), zap.Error(err))
		return nil, fmt.Errorf("ask peer %s: %w", peer.Name, err)
	}
	defer func() { _ = resp.Body.Close() }()

	items, err := parseFeed(resp.StatusCode, io.LimitReader(resp.Body, maxFeedBytes))
	if err != nil {
		d.logger.Warn("remote crawl feed unreadable", zap.String("peer", peer.Name), zap.Error(err))
		d.setRemoteCount(peer.ID, 0)
		return nil, fmt.Errorf("ask peer %s: %w", peer.Name, err)
	}
	d.setRemoteCount(peer.ID, peer.RemoteCrawlCount-len(items))
	return items, nil
}

func parseFeed(status int, body io.Reader) ([]crawler.Candidate, error) {
	if status != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", ErrBadResponse, status)
	}
	doc, err := xmlquery.Parse(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadResponse, err)
	}
	channel := xmlquery.FindOne(doc, "//channel")
	if channel == nil {
		return nil, fmt.Errorf("%w: no rss channel", ErrBadResponse)
	}
	nodes := xmlquery.Find(channel, "item")
	out := make([]crawler.Candidate, 0, len(nodes))
	for _, item := range nodes {
		out = append(out, crawler.Candidate{
			Link:        childText(item, "link"),
			Referrer:    childText(item, "referrer"),
			Description: childText(item, "description"),
			PubDate:     childText(item, "pubDate"),
		})
	}
	return out, nil
}

func childText(n *xmlquery.Node, name string) string {
	child := xmlquery.FindOne(n, "*[local-name()='"+name+"']")
	if child == nil {
		return ""
	}
	return strings.TrimSpace(child.InnerText())
}
