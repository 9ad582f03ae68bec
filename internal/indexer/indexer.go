// Package indexer is the hand-off point between the loader and downstream
// indexing. Loaded resources wait in a bounded backlog; consumers persist each
// body to the blob store and publish a notification for it.
package indexer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/crawlfrontier/internal/crawler"
	"github.com/JakeFAU/crawlfrontier/internal/metrics"
)

// ErrClosed is returned by Submit after Close.
var ErrClosed = errors.New("indexer closed")

// Config controls the backlog.
type Config struct {
	Capacity   int
	Workers    int
	Topic      string
	BlobPrefix string
}

// Document is the notification published for every stored resource.
type Document struct {
	URL         string    `json:"url"`
	URLHash     string    `json:"url_hash"`
	ContentHash string    `json:"content_hash"`
	BlobURI     string    `json:"blob_uri"`
	StatusCode  int       `json:"status_code"`
	ContentType string    `json:"content_type,omitempty"`
	Bytes       int       `json:"bytes"`
	Initiator   string    `json:"initiator,omitempty"`
	Profile     string    `json:"profile,omitempty"`
	Depth       int       `json:"depth"`
	FetchedAt   time.Time `json:"fetched_at"`
	// NeedsRender marks HTML that likely builds its content client-side.
	NeedsRender bool `json:"needs_render,omitempty"`
}

// Indexer implements crawler.ResponseSink and crawler.BacklogGauge.
type Indexer struct {
	cfg    Config
	blobs  crawler.BlobStore
	pub    crawler.Publisher
	hasher crawler.Hasher
	logger *zap.Logger

	ch       chan *crawler.Response
	inFlight atomic.Int64
	closeMu  sync.RWMutex
	closed   bool
}

// New builds an Indexer. pub may be nil, in which case nothing is published.
func New(cfg Config, blobs crawler.BlobStore, pub crawler.Publisher, hasher crawler.Hasher, logger *zap.Logger) *Indexer {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 64
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.BlobPrefix == "" {
		cfg.BlobPrefix = "pages"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Indexer{
		cfg:    cfg,
		blobs:  blobs,
		pub:    pub,
		hasher: hasher,
		logger: logger,
		ch:     make(chan *crawler.Response, cfg.Capacity),
	}
}

// Depth returns the number of resources queued or being indexed.
func (ix *Indexer) Depth() int {
	return len(ix.ch) + int(ix.inFlight.Load())
}

// Submit queues resp, blocking while the backlog is full.
func (ix *Indexer) Submit(ctx context.Context, resp *crawler.Response) error {
	ix.closeMu.RLock()
	defer ix.closeMu.RUnlock()
	if ix.closed {
		return ErrClosed
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("submit canceled: %w", ctx.Err())
	case ix.ch <- resp:
		metrics.SetIndexerBacklog(ix.Depth())
		return nil
	}
}

// Run consumes the backlog until ctx is done or Close drains it.
func (ix *Indexer) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for range ix.cfg.Workers {
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return nil
				case resp, ok := <-ix.ch:
					if !ok {
						return nil
					}
					ix.inFlight.Add(1)
					if err := ix.index(gctx, resp); err != nil {
						ix.logger.Error("index resource failed", zap.String("url", resp.URL), zap.Error(err))
					}
					ix.inFlight.Add(-1)
					metrics.SetIndexerBacklog(ix.Depth())
				}
			}
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("indexer workers: %w", err)
	}
	return nil
}

func (ix *Indexer) index(ctx context.Context, resp *crawler.Response) error {
	contentHash, err := ix.hasher.Hash(resp.Body)
	if err != nil {
		return fmt.Errorf("hash body: %w", err)
	}
	doc := Document{
		URL:         resp.URL,
		ContentHash: contentHash,
		StatusCode:  resp.StatusCode,
		ContentType: resp.ContentType,
		Bytes:       len(resp.Body),
		FetchedAt:   resp.FetchedAt,
		NeedsRender: needsRender(resp.StatusCode, resp.ContentType, resp.Body),
	}
	if e := resp.Entry; e != nil {
		doc.URL = e.URL
		doc.URLHash = e.Hash
		doc.Initiator = e.Initiator
		doc.Profile = e.ProfileHandle
		doc.Depth = e.Depth
	}
	key := path.Join(ix.cfg.BlobPrefix, doc.URLHash, contentHash)
	uri, err := ix.blobs.PutObject(ctx, key, resp.ContentType, bytes.NewReader(resp.Body))
	if err != nil {
		return fmt.Errorf("store body: %w", err)
	}
	doc.BlobURI = uri
	if ix.pub == nil {
		return nil
	}
	id, err := ix.pub.Publish(ctx, ix.cfg.Topic, doc)
	if err != nil {
		return fmt.Errorf("publish document: %w", err)
	}
	ix.logger.Debug("indexed resource", zap.String("url", doc.URL), zap.String("blob", uri), zap.String("message_id", id))
	return nil
}

// Close stops accepting resources. Queued resources are still consumed by Run.
func (ix *Indexer) Close() {
	ix.closeMu.Lock()
	defer ix.closeMu.Unlock()
	if ix.closed {
		return
	}
	ix.closed = true
	close(ix.ch)
}
