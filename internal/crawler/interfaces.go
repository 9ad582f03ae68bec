package crawler

import (
	"context"
	"io"
	"net/http"
	"time"
)

// FetchRequest describes one resource to load.
type FetchRequest struct {
	URL      string
	Headers  http.Header
	Timeout  time.Duration
	MaxBytes int64
}

// Fetcher loads a single resource for one URL scheme.
type Fetcher interface {
	Fetch(ctx context.Context, req FetchRequest) (*Response, error)
}

// ProfileRegistry resolves crawl profiles by handle.
type ProfileRegistry interface {
	Get(handle string) (*Profile, bool)
}

// Stacker decides whether a discovered URL enters the frontier.
// Both methods return "" on success and a reason otherwise.
type Stacker interface {
	Accept(rawURL string) string
	StackCrawl(ctx context.Context, req StackRequest) string
}

// PeerDirectory is the slice of peer membership the frontier needs.
type PeerDirectory interface {
	Self() Peer
	Online() bool
	RemoteCrawlProviders(ctx context.Context) []string
	Get(id string) (Peer, bool)
	IsInMyCluster(peer Peer) bool
	FetchRemoteCrawlCandidates(ctx context.Context, peer Peer, maxCount int) ([]Candidate, error)
}

// BacklogGauge reports the number of loaded resources waiting for the indexer.
type BacklogGauge interface {
	Depth() int
}

// ResponseSink receives successfully loaded resources for indexing.
type ResponseSink interface {
	Submit(ctx context.Context, resp *Response) error
}

// RobotsPolicy decides whether robots.txt allows fetching a URL.
type RobotsPolicy interface {
	Allowed(ctx context.Context, rawURL string) bool
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes indexing notifications to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher computes content digests.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces opaque identifiers (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
