// Package controller is the crawl queues orchestrator. It owns the frontier
// queues, the outcome logs and the worker pool, and exposes the scheduling
// jobs an external loop calls on every tick.
//
// Jobs never return errors: every failure is logged, and the boolean result
// only reports whether the call did any work.
package controller

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawlfrontier/internal/crawler"
	"github.com/JakeFAU/crawlfrontier/internal/frontier"
	"github.com/JakeFAU/crawlfrontier/internal/gate"
	"github.com/JakeFAU/crawlfrontier/internal/kv"
	"github.com/JakeFAU/crawlfrontier/internal/loader"
	"github.com/JakeFAU/crawlfrontier/internal/metrics"
	"github.com/JakeFAU/crawlfrontier/internal/outcome"
	"github.com/JakeFAU/crawlfrontier/internal/progress"
	"github.com/JakeFAU/crawlfrontier/internal/worker"
)

// Locations reported by URLExists, in lookup order.
const (
	LocationCore      = "core"
	LocationLimit     = "limit"
	LocationOverhang  = "overhang"
	LocationRemote    = "remote"
	LocationDelegated = "delegated"
	LocationErrors    = "errors"
	LocationWorker    = "worker"
)

const (
	// starvedCoreSize is the CORE size at or below which LIMIT entries are shifted in.
	starvedCoreSize = 20
	// maxShift bounds one rebalancing pass.
	maxShift = 10
	// refillBacklog is the indexer depth below which the provider list may be refilled.
	refillBacklog = 10
)

// Loader is the protocol loader as seen by the controller.
type Loader interface {
	worker.Loader
	IsSupportedProtocol(scheme string) bool
	Load(ctx context.Context, entry *crawler.Entry, mode loader.Mode) (*crawler.Response, error)
}

// Deps are the collaborators of CrawlQueues.
type Deps struct {
	// Backend holds the outcome logs.
	Backend kv.Backend
	// Noticed is the frontier queue set. CrawlQueues closes it.
	Noticed  *frontier.NoticedURL
	Loader   Loader
	Profiles crawler.ProfileRegistry
	Stacker  crawler.Stacker
	Peers    crawler.PeerDirectory
	Backlog  crawler.BacklogGauge
	// Sink receives resources from LoadResourceFromWeb that are not kept in memory.
	Sink    crawler.ResponseSink
	Caution *gate.Caution
	// LocalPause gates CoreCrawlJob, RemotePause gates RemoteTriggeredCrawlJob.
	LocalPause  *gate.Pause
	RemotePause *gate.Pause
	// Events receives worker task events; nil discards them.
	Events progress.Emitter
	Clock  crawler.Clock
	IDs    crawler.IDGenerator
	Logger *zap.Logger
}

// Config holds the admission limits and remote crawl policy.
type Config struct {
	IndexerSlots      int
	MaxActiveWorkers  int
	RobinsonMode      bool
	ClusterMode       string
	AcceptRemoteCrawl bool
	RemoteBatchSize   int
}

// CrawlQueues schedules fetches from the frontier queues.
type CrawlQueues struct {
	cfg         Config
	noticed     *frontier.NoticedURL
	errors      *outcome.Store
	delegated   *outcome.Store
	pool        *worker.Pool
	loader      Loader
	profiles    crawler.ProfileRegistry
	stacker     crawler.Stacker
	peers       crawler.PeerDirectory
	backlog     crawler.BacklogGauge
	sink        crawler.ResponseSink
	caution     *gate.Caution
	localPause  *gate.Pause
	remotePause *gate.Pause
	clock       crawler.Clock
	logger      *zap.Logger

	// providers is only touched by RemoteCrawlLoaderJob on the scheduling loop.
	providers []string
}

// New opens the outcome logs, dropping the error log, and builds the worker pool.
func New(ctx context.Context, deps Deps, cfg Config) (*CrawlQueues, error) {
	if deps.Backend == nil || deps.Noticed == nil {
		return nil, errors.New("controller: backend and frontier queues are required")
	}
	if deps.Loader == nil || deps.Profiles == nil {
		return nil, errors.New("controller: loader and profiles are required")
	}
	if deps.Clock == nil || deps.IDs == nil {
		return nil, errors.New("controller: clock and id generator are required")
	}
	if cfg.IndexerSlots <= 0 {
		cfg.IndexerSlots = 30
	}
	if cfg.MaxActiveWorkers <= 0 {
		cfg.MaxActiveWorkers = 10
	}
	if cfg.RemoteBatchSize <= 0 {
		cfg.RemoteBatchSize = 20
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("controller")
	if deps.Caution == nil {
		deps.Caution = &gate.Caution{}
	}
	if deps.LocalPause == nil {
		deps.LocalPause = &gate.Pause{}
	}
	if deps.RemotePause == nil {
		deps.RemotePause = &gate.Pause{}
	}

	logger.Info("starting crawling management")
	errLog, err := outcome.Open(ctx, deps.Backend, outcome.ErrorLog, true, logger)
	if err != nil {
		return nil, fmt.Errorf("open error log: %w", err)
	}
	delegated, err := outcome.Open(ctx, deps.Backend, outcome.DelegatedLog, false, logger)
	if err != nil {
		_ = errLog.Close()
		return nil, fmt.Errorf("open delegated log: %w", err)
	}

	executor := ""
	if deps.Peers != nil {
		executor = deps.Peers.Self().ID
	}
	pool := worker.NewPool(
		worker.Config{Max: cfg.MaxActiveWorkers, Executor: executor, Events: deps.Events},
		deps.Loader,
		errLog,
		deps.Clock,
		deps.IDs,
		logger.Named("worker"),
	)

	c := &CrawlQueues{
		cfg:         cfg,
		noticed:     deps.Noticed,
		errors:      errLog,
		delegated:   delegated,
		pool:        pool,
		loader:      deps.Loader,
		profiles:    deps.Profiles,
		stacker:     deps.Stacker,
		peers:       deps.Peers,
		backlog:     deps.Backlog,
		sink:        deps.Sink,
		caution:     deps.Caution,
		localPause:  deps.LocalPause,
		remotePause: deps.RemotePause,
		clock:       deps.Clock,
		logger:      logger,
	}
	c.publishSizes()
	return c, nil
}

// Noticed returns the frontier queue set.
func (c *CrawlQueues) Noticed() *frontier.NoticedURL { return c.noticed }

// ErrorLog returns the error outcome log.
func (c *CrawlQueues) ErrorLog() *outcome.Store { return c.errors }

// DelegatedLog returns the delegated outcome log.
func (c *CrawlQueues) DelegatedLog() *outcome.Store { return c.delegated }

// URLExists reports where hash currently lives. Queues are checked first,
// then the delegated and error logs, then the running workers.
func (c *CrawlQueues) URLExists(ctx context.Context, hash string) (string, bool) {
	if k, ok := c.noticed.ExistsInStack(hash); ok {
		return k.String(), true
	}
	if c.delegated.Exists(ctx, hash) {
		return LocationDelegated, true
	}
	if c.errors.Exists(ctx, hash) {
		return LocationErrors, true
	}
	if _, ok := c.pool.Find(hash); ok {
		return LocationWorker, true
	}
	return "", false
}

// URLRemove purges hash from the queues and both outcome logs. Running
// workers are not interrupted.
func (c *CrawlQueues) URLRemove(ctx context.Context, hash string) error {
	_, qErr := c.noticed.RemoveByURLHash(ctx, hash)
	err := errors.Join(qErr, c.delegated.Remove(ctx, hash), c.errors.Remove(ctx, hash))
	c.publishSizes()
	if err != nil {
		return fmt.Errorf("remove %s: %w", hash, err)
	}
	return nil
}

// GetURL returns the URL recorded for hash in the same order as URLExists.
func (c *CrawlQueues) GetURL(ctx context.Context, hash string) (string, bool) {
	if e, err := c.noticed.Get(ctx, hash); err == nil {
		return e.URL, true
	}
	if e, err := c.delegated.GetEntry(ctx, hash); err == nil {
		return e.URL(), true
	}
	if e, err := c.errors.GetEntry(ctx, hash); err == nil {
		return e.URL(), true
	}
	if e, ok := c.pool.Find(hash); ok {
		return e.URL, true
	}
	return "", false
}

// ActiveWorkerEntries snapshots the entries being fetched right now.
func (c *CrawlQueues) ActiveWorkerEntries() []*crawler.Entry { return c.pool.Entries() }

// ActiveTasks snapshots the running worker tasks.
func (c *CrawlQueues) ActiveTasks() []*worker.Task { return c.pool.Tasks() }

// IsSupportedProtocol reports whether the loader can fetch scheme.
func (c *CrawlQueues) IsSupportedProtocol(scheme string) bool {
	return c.loader.IsSupportedProtocol(scheme)
}

// CoreCrawlJobSize is the size of the CORE queue.
func (c *CrawlQueues) CoreCrawlJobSize() int { return c.noticed.Size(frontier.Core) }

// LimitCrawlJobSize is the size of the LIMIT queue.
func (c *CrawlQueues) LimitCrawlJobSize() int { return c.noticed.Size(frontier.Limit) }

// OverhangSize is the size of the OVERHANG queue.
func (c *CrawlQueues) OverhangSize() int { return c.noticed.Size(frontier.Overhang) }

// RemoteTriggeredCrawlJobSize is the size of the REMOTE queue.
func (c *CrawlQueues) RemoteTriggeredCrawlJobSize() int { return c.noticed.Size(frontier.Remote) }

// Size is the number of active workers.
func (c *CrawlQueues) Size() int { return c.pool.Size() }

// Caution returns the online-caution flag.
func (c *CrawlQueues) Caution() *gate.Caution { return c.caution }

// LocalPause returns the pause gate of CoreCrawlJob.
func (c *CrawlQueues) LocalPause() *gate.Pause { return c.localPause }

// RemotePause returns the pause gate of RemoteTriggeredCrawlJob.
func (c *CrawlQueues) RemotePause() *gate.Pause { return c.remotePause }

// WaitWorkers blocks until running workers finish or ctx is done.
func (c *CrawlQueues) WaitWorkers(ctx context.Context) error { return c.pool.Wait(ctx) }

// Close interrupts every worker and closes the queues and outcome logs. It
// does not wait for workers to finish.
func (c *CrawlQueues) Close() error {
	c.pool.Close()
	err := errors.Join(c.noticed.Close(), c.errors.Close(), c.delegated.Close())
	if err != nil {
		return fmt.Errorf("close crawl queues: %w", err)
	}
	return nil
}

// stats renders queue sizes the way job log lines are prefixed.
func (c *CrawlQueues) stats(prefix string) string {
	return fmt.Sprintf("%s[%d, %d, %d, %d]", prefix,
		c.CoreCrawlJobSize(), c.LimitCrawlJobSize(), c.OverhangSize(), c.RemoteTriggeredCrawlJobSize())
}

func (c *CrawlQueues) publishSizes() {
	for _, k := range frontier.Kinds() {
		metrics.SetQueueSize(k.String(), c.noticed.Size(k))
	}
}

func (c *CrawlQueues) now() time.Time { return c.clock.Now() }
