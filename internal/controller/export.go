package controller

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawlfrontier/internal/crawler"
	"github.com/JakeFAU/crawlfrontier/internal/frontier"
)

// ReasonRemoteCrawl is recorded for entries handed out to a peer.
const ReasonRemoteCrawl = "remote crawl"

// Delegate moves a queued entry into the delegated log with peerID as executor.
func (c *CrawlQueues) Delegate(ctx context.Context, hash, peerID, reason string) error {
	entry, err := c.noticed.Get(ctx, hash)
	if err != nil {
		return fmt.Errorf("delegate %s: %w", hash, err)
	}
	if _, err := c.noticed.RemoveByURLHash(ctx, hash); err != nil {
		return fmt.Errorf("delegate %s: %w", hash, err)
	}
	defer c.publishSizes()
	return c.recordDelegated(ctx, entry, peerID, reason)
}

// ExportRemoteCrawl hands up to count LIMIT entries to peerID and records each
// in the delegated log. Only LIMIT holds entries whose profile allows remote
// indexing.
func (c *CrawlQueues) ExportRemoteCrawl(ctx context.Context, peerID string, count int) ([]*crawler.Entry, error) {
	defer c.publishSizes()
	out := make([]*crawler.Entry, 0, max(count, 0))
	for len(out) < count {
		entry, err := c.noticed.Pop(ctx, frontier.Limit, false)
		switch {
		case errors.Is(err, frontier.ErrEmpty):
			return out, nil
		case errors.Is(err, frontier.ErrCorruptRecord):
			c.logger.Error("dropping corrupt limit entry", zap.Error(err))
			continue
		case err != nil:
			return out, fmt.Errorf("export remote crawl: %w", err)
		}
		if err := c.recordDelegated(ctx, entry, peerID, ReasonRemoteCrawl); err != nil {
			if perr := c.noticed.Push(context.WithoutCancel(ctx), frontier.Limit, entry); perr != nil {
				c.logger.Error("restore limit entry failed", zap.String("url", entry.URL), zap.Error(perr))
			}
			return out, err
		}
		out = append(out, entry)
	}
	c.logger.Info("handed out remote crawl urls", zap.String("peer", peerID), zap.Int("count", len(out)))
	return out, nil
}

func (c *CrawlQueues) recordDelegated(ctx context.Context, entry *crawler.Entry, peerID, reason string) error {
	e := c.delegated.NewEntry(entry, peerID, c.now(), 1, reason)
	if err := e.Store(ctx); err != nil {
		return fmt.Errorf("store delegated entry: %w", err)
	}
	if err := c.delegated.Push(ctx, e); err != nil {
		return fmt.Errorf("push delegated entry: %w", err)
	}
	return nil
}
