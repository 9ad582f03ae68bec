package controller

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawlfrontier/internal/crawler"
	"github.com/JakeFAU/crawlfrontier/internal/frontier"
	"github.com/JakeFAU/crawlfrontier/internal/loader"
	"github.com/JakeFAU/crawlfrontier/internal/metrics"
	"github.com/JakeFAU/crawlfrontier/internal/peers"
	"github.com/JakeFAU/crawlfrontier/internal/profile"
)

// Job names used for metrics.
const (
	JobCore            = "core"
	JobRemoteTriggered = "remote_triggered"
	JobRemoteLoader    = "remote_loader"
)

// guard ends every job: a panic is logged and reported as work done so the
// scheduling loop keeps running.
func (c *CrawlQueues) guard(job string, didWork *bool) {
	if r := recover(); r != nil {
		c.logger.Error("job panicked", zap.String("job", job), zap.Any("panic", r), zap.Stack("stack"))
		*didWork = true
	}
	metrics.ObserveJob(job, *didWork)
	c.publishSizes()
}

// robinsonPrivate is robinson mode outside of any cluster.
func (c *CrawlQueues) robinsonPrivate() bool {
	return c.cfg.RobinsonMode &&
		c.cfg.ClusterMode != peers.ModePublicCluster &&
		c.cfg.ClusterMode != peers.ModePrivateCluster
}

// admit checks the backlog, worker and caution gates.
func (c *CrawlQueues) admit(job string) bool {
	if c.backlog != nil {
		if depth := c.backlog.Depth(); depth >= c.cfg.IndexerSlots {
			c.logger.Debug("too many processes in indexing queue, dismissed",
				zap.String("job", job), zap.Int("backlog", depth))
			return false
		}
	}
	if size := c.pool.Size(); size >= c.cfg.MaxActiveWorkers {
		c.logger.Debug("too many processes in loader queue, dismissed",
			zap.String("job", job), zap.Int("workers", size))
		return false
	}
	if c.caution.On() {
		c.logger.Debug("online caution, omitting processing", zap.String("job", job))
		return false
	}
	return true
}

// rebalance moves a bounded number of LIMIT entries into a starved CORE queue.
func (c *CrawlQueues) rebalance(ctx context.Context) {
	limit := c.LimitCrawlJobSize()
	if limit == 0 {
		return
	}
	if !c.robinsonPrivate() && c.CoreCrawlJobSize() > starvedCoreSize {
		return
	}
	moved, err := c.noticed.MoveN(ctx, min(maxShift, limit), frontier.Limit, frontier.Core)
	if err != nil {
		c.logger.Warn("shift from global crawl failed", zap.Error(err))
	}
	c.logger.Info("shifted jobs from global crawl to local crawl",
		zap.Int("shifted", moved),
		zap.Int("core", c.CoreCrawlJobSize()),
		zap.Int("limit", c.LimitCrawlJobSize()),
		zap.String("cluster_mode", c.cfg.ClusterMode),
		zap.Bool("robinson", c.cfg.RobinsonMode),
	)
}

// CoreCrawlJob dispatches one CORE entry to a worker.
func (c *CrawlQueues) CoreCrawlJob(ctx context.Context) (didWork bool) {
	defer c.guard(JobCore, &didWork)

	c.rebalance(ctx)
	if c.CoreCrawlJobSize() == 0 {
		return false
	}
	if !c.admit(JobCore) {
		return false
	}
	if err := c.localPause.Wait(ctx); err != nil {
		return false
	}

	for c.CoreCrawlJobSize() > 0 {
		stats := c.stats("LOCALCRAWL")
		entry, err := c.noticed.Pop(ctx, frontier.Core, true)
		if err != nil {
			if ctx.Err() != nil {
				return false
			}
			if errors.Is(err, frontier.ErrEmpty) {
				break
			}
			c.popFailed(ctx, frontier.Core, stats, err)
			if !errors.Is(err, frontier.ErrCorruptRecord) {
				// The entry is still queued; retry on the next tick.
				return false
			}
			continue
		}
		return c.process(ctx, frontier.Core, entry, stats)
	}
	return true
}

// RemoteTriggeredCrawlJob dispatches one REMOTE entry to a worker. It never
// shifts entries into REMOTE.
func (c *CrawlQueues) RemoteTriggeredCrawlJob(ctx context.Context) (didWork bool) {
	defer c.guard(JobRemoteTriggered, &didWork)

	if c.RemoteTriggeredCrawlJobSize() == 0 {
		return false
	}
	if !c.admit(JobRemoteTriggered) {
		return false
	}
	if err := c.remotePause.Wait(ctx); err != nil {
		return false
	}

	stats := c.stats("REMOTETRIGGEREDCRAWL")
	entry, err := c.noticed.Pop(ctx, frontier.Remote, true)
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, frontier.ErrEmpty) {
			return false
		}
		c.popFailed(ctx, frontier.Remote, stats, err)
		return true
	}
	return c.process(ctx, frontier.Remote, entry, stats)
}

// popFailed logs a pop error and clears the queue when the record was corrupt.
func (c *CrawlQueues) popFailed(ctx context.Context, k frontier.Kind, stats string, err error) {
	c.logger.Error(stats+": cannot fetch entry", zap.Stringer("queue", k), zap.Error(err))
	if !errors.Is(err, frontier.ErrCorruptRecord) {
		return
	}
	if cerr := c.noticed.Clear(ctx, k); cerr != nil {
		c.logger.Error("clear corrupt queue failed", zap.Stringer("queue", k), zap.Error(cerr))
		return
	}
	c.logger.Error("cleared queue after corrupt record", zap.Stringer("queue", k))
}

// process validates a popped entry and hands it to a worker. Entries with an
// unknown profile or protocol are dropped.
func (c *CrawlQueues) process(ctx context.Context, k frontier.Kind, entry *crawler.Entry, stats string) bool {
	if entry.ProfileHandle == "" {
		c.logger.Error(stats+": null profile handle", zap.String("url", entry.URL), zap.String("hash", entry.Hash))
		return true
	}
	prof, ok := c.profiles.Get(entry.ProfileHandle)
	if !ok {
		c.logger.Error(stats+": lost profile handle",
			zap.String("profile", entry.ProfileHandle),
			zap.String("url", entry.URL),
			zap.String("hash", entry.Hash),
		)
		return true
	}
	if !c.loader.IsSupportedProtocol(entry.Scheme()) {
		c.logger.Error("unsupported protocol in url", zap.String("url", entry.URL))
		return true
	}
	c.logger.Debug(stats,
		zap.String("url", entry.URL),
		zap.String("initiator", entry.Initiator),
		zap.Bool("crawl_order", prof.RemoteIndexing),
		zap.Int("depth", entry.Depth),
		zap.Int("crawl_depth", prof.DepthLimit),
		zap.String("filter", prof.URLFilter),
	)

	id, err := c.pool.TryStart(entry, loader.ModeCrawler)
	if err != nil {
		c.requeue(ctx, k, entry, err)
		return false
	}
	c.logger.Info(stats+": enqueued for load",
		zap.String("url", entry.URL),
		zap.String("hash", entry.Hash),
		zap.String("task_id", id),
	)
	return true
}

// requeue puts back an entry the pool refused. If that fails the entry is
// written to the error log so it stays accounted for.
func (c *CrawlQueues) requeue(ctx context.Context, k frontier.Kind, entry *crawler.Entry, cause error) {
	wctx := context.WithoutCancel(ctx)
	c.logger.Warn("worker pool refused entry, requeued", zap.String("url", entry.URL), zap.Error(cause))
	err := c.noticed.Push(wctx, k, entry)
	if err == nil {
		return
	}
	c.logger.Error("requeue failed", zap.String("url", entry.URL), zap.Error(err))
	e := c.errors.NewEntry(entry, c.pool.Executor(), c.now(), 1, fmt.Sprintf("%v - in worker", cause))
	if serr := e.Store(wctx); serr != nil {
		c.logger.Error("store error log entry", zap.String("url", entry.URL), zap.Error(serr))
		return
	}
	if perr := c.errors.Push(wctx, e); perr != nil {
		c.logger.Error("push error log entry", zap.String("url", entry.URL), zap.Error(perr))
	}
}

// RemoteCrawlLoaderJob imports one batch of crawl work from a peer that
// advertises it.
func (c *CrawlQueues) RemoteCrawlLoaderJob(ctx context.Context) (didWork bool) {
	defer c.guard(JobRemoteLoader, &didWork)

	if !c.cfg.AcceptRemoteCrawl || c.peers == nil || c.stacker == nil {
		return false
	}
	if !c.peers.Online() {
		return false
	}
	if !c.admit(JobRemoteLoader) {
		return false
	}

	if len(c.providers) == 0 &&
		c.CoreCrawlJobSize() == 0 &&
		c.RemoteTriggeredCrawlJobSize() == 0 &&
		c.backlogDepth() < refillBacklog {
		c.providers = append(c.providers, c.peers.RemoteCrawlProviders(ctx)...)
	}
	if len(c.providers) == 0 {
		return false
	}

	peer, ok := c.nextProvider()
	if !ok {
		return false
	}

	items, err := c.peers.FetchRemoteCrawlCandidates(ctx, peer, c.cfg.RemoteBatchSize)
	if err != nil {
		c.logger.Info("no remote crawl feed", zap.String("peer", peer.Name), zap.Error(err))
		metrics.ObserveRemoteImport("unavailable")
		return true
	}
	for _, item := range items {
		c.importCandidate(ctx, peer, item)
	}
	return true
}

// nextProvider pops provider ids from the back until one resolves to a peer
// we may take work from. Peers outside our cluster are discarded.
func (c *CrawlQueues) nextProvider() (crawler.Peer, bool) {
	for len(c.providers) > 0 {
		last := len(c.providers) - 1
		id := c.providers[last]
		c.providers = c.providers[:last]
		if id == "" {
			continue
		}
		p, ok := c.peers.Get(id)
		if !ok {
			continue
		}
		if c.cfg.RobinsonMode && !c.peers.IsInMyCluster(p) {
			c.logger.Debug("discarding provider outside cluster", zap.String("peer", p.Name))
			continue
		}
		return p, true
	}
	return crawler.Peer{}, false
}

func (c *CrawlQueues) importCandidate(ctx context.Context, peer crawler.Peer, item crawler.Candidate) {
	link := parseURL(item.Link)
	referrer := parseURL(item.Referrer)
	loadDate := parsePubDate(item.PubDate, c.now())

	reason := c.stacker.Accept(item.Link)
	if reason == "" && link == nil {
		reason = "malformed url"
	}
	if reason != "" {
		c.logger.Warn("Rejected URL", zap.String("url", item.Link), zap.String("reason", reason))
		metrics.ObserveRemoteImport("rejected")
		return
	}
	reason = c.stacker.StackCrawl(ctx, crawler.StackRequest{
		URL:            link,
		Referrer:       referrer,
		Initiator:      peer.ID,
		Name:           item.Description,
		AppearanceDate: loadDate,
		ProfileHandle:  profile.Remote,
		Depth:          0,
	})
	switch {
	case reason == "":
		c.logger.Info("added remote crawl url", zap.String("url", link.String()), zap.String("peer", peer.Name))
		metrics.ObserveRemoteImport("added")
	case strings.HasPrefix(reason, "double"):
		c.logger.Info("ignored double remote crawl url", zap.String("url", link.String()))
		metrics.ObserveRemoteImport("double")
	default:
		c.logger.Info("ignored ["+reason+"] remote crawl url", zap.String("url", item.Link))
		metrics.ObserveRemoteImport("ignored")
	}
}

func (c *CrawlQueues) backlogDepth() int {
	if c.backlog == nil {
		return 0
	}
	return c.backlog.Depth()
}

// parseURL returns nil for anything that is not an absolute URL.
func parseURL(raw string) *url.URL {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" {
		return nil
	}
	return u
}

var pubDateLayouts = []string{"20060102150405", time.RFC1123Z, time.RFC1123}

// parsePubDate reads a feed date, falling back to now.
func parsePubDate(raw string, now time.Time) time.Time {
	raw = strings.TrimSpace(raw)
	for _, layout := range pubDateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC()
		}
	}
	return now
}

// LoadResourceFromWeb fetches one URL right now against a snippet profile,
// bypassing the queues, the admission gates and the worker pool. Text loads
// that are not kept in memory are also handed to the indexer.
func (c *CrawlQueues) LoadResourceFromWeb(
	ctx context.Context,
	rawURL string,
	timeout time.Duration,
	keepInMemory, forText, global bool,
) (*crawler.Response, error) {
	initiator := ""
	if c.peers != nil {
		initiator = c.peers.Self().ID
	}
	entry, err := crawler.NewEntry(crawler.EntryParams{
		URL:            rawURL,
		Initiator:      initiator,
		ProfileHandle:  profile.SnippetHandle(forText, global),
		AppearanceDate: c.now(),
	})
	if err != nil {
		return nil, fmt.Errorf("load resource: %w", err)
	}
	mode := loader.ModeImage
	if forText {
		mode = loader.ModeCrawler
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	resp, err := c.loader.Load(ctx, entry, mode)
	if err != nil {
		return nil, err
	}
	if !keepInMemory && mode == loader.ModeCrawler && c.sink != nil {
		if err := c.sink.Submit(ctx, resp); err != nil {
			c.logger.Warn("indexer hand-off failed", zap.String("url", entry.URL), zap.Error(err))
		}
	}
	return resp, nil
}
