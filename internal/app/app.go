// Package app builds the frontier service from configuration and runs it.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlfrontier/internal/api"
	"github.com/JakeFAU/crawlfrontier/internal/clock/system"
	"github.com/JakeFAU/crawlfrontier/internal/config"
	"github.com/JakeFAU/crawlfrontier/internal/controller"
	"github.com/JakeFAU/crawlfrontier/internal/crawler"
	"github.com/JakeFAU/crawlfrontier/internal/dispatcher"
	collyfetcher "github.com/JakeFAU/crawlfrontier/internal/fetcher/colly"
	filefetcher "github.com/JakeFAU/crawlfrontier/internal/fetcher/file"
	"github.com/JakeFAU/crawlfrontier/internal/frontier"
	"github.com/JakeFAU/crawlfrontier/internal/hash/sha256"
	"github.com/JakeFAU/crawlfrontier/internal/id/uuid"
	"github.com/JakeFAU/crawlfrontier/internal/indexer"
	"github.com/JakeFAU/crawlfrontier/internal/kv"
	kvbolt "github.com/JakeFAU/crawlfrontier/internal/kv/bolt"
	kvmemory "github.com/JakeFAU/crawlfrontier/internal/kv/memory"
	kvpostgres "github.com/JakeFAU/crawlfrontier/internal/kv/postgres"
	kvredis "github.com/JakeFAU/crawlfrontier/internal/kv/redis"
	"github.com/JakeFAU/crawlfrontier/internal/loader"
	"github.com/JakeFAU/crawlfrontier/internal/logging"
	"github.com/JakeFAU/crawlfrontier/internal/metrics"
	"github.com/JakeFAU/crawlfrontier/internal/peers"
	"github.com/JakeFAU/crawlfrontier/internal/policy/ratelimit"
	"github.com/JakeFAU/crawlfrontier/internal/profile"
	"github.com/JakeFAU/crawlfrontier/internal/progress"
	"github.com/JakeFAU/crawlfrontier/internal/progress/sinks"
	memorypublisher "github.com/JakeFAU/crawlfrontier/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/crawlfrontier/internal/publisher/pubsub"
	"github.com/JakeFAU/crawlfrontier/internal/robots"
	"github.com/JakeFAU/crawlfrontier/internal/stacker"
	gcsstorage "github.com/JakeFAU/crawlfrontier/internal/storage/gcs"
	localstorage "github.com/JakeFAU/crawlfrontier/internal/storage/local"
	memorystorage "github.com/JakeFAU/crawlfrontier/internal/storage/memory"
)

// App contains the application's dependencies.
type App struct {
	cfg       config.Config
	logger    *zap.Logger
	backend   kv.Backend
	queues    *controller.CrawlQueues
	indexer   *indexer.Indexer
	peers     *peers.Directory
	apiServer *api.Server
	dispatch  *dispatcher.Dispatcher
	events    *progress.Hub

	pubsubClient    *pubsub.Client
	pubsubPublisher *gcppublisher.Publisher
	storage         *storage.Client
}

// Queues exposes the crawl queues controller.
func (a *App) Queues() *controller.CrawlQueues { return a.queues }

// Handler returns the admin HTTP handler.
func (a *App) Handler() http.Handler { return a.apiServer.Handler() }

// Build creates the application's dependencies. On error everything opened so
// far is closed again.
func Build(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.NewWithLevel(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	return BuildWithLogger(ctx, cfg, logger)
}

// BuildWithLogger is Build with a caller-supplied logger.
func BuildWithLogger(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	metrics.Init()
	app := &App{cfg: cfg, logger: logger}
	if err := app.build(ctx); err != nil {
		app.closeInfrastructure()
		return nil, err
	}
	return app, nil
}

func (a *App) build(ctx context.Context) error {
	cfg := a.cfg
	a.logger.Info("building application dependencies",
		zap.Int("port", cfg.Server.Port),
		zap.String("frontier_backend", cfg.Frontier.Backend),
		zap.String("storage_backend", cfg.Storage.Backend),
		zap.String("peer", cfg.Peers.Self.ID),
	)

	var err error
	if a.backend, err = setupBackend(ctx, cfg, a.logger); err != nil {
		return err
	}
	noticed, err := frontier.Open(ctx, a.backend, frontier.Config{
		Politeness: frontier.NewHostDelay(cfg.Frontier.MinHostDelay),
	})
	if err != nil {
		return fmt.Errorf("open frontier: %w", err)
	}

	blobStore, err := a.setupStorage(ctx)
	if err != nil {
		_ = noticed.Close()
		return err
	}
	publisher, err := a.setupPublisher(ctx)
	if err != nil {
		_ = noticed.Close()
		return err
	}
	a.indexer = indexer.New(indexer.Config{
		Capacity:   cfg.Indexer.QueueDepth,
		Workers:    cfg.Indexer.Workers,
		Topic:      cfg.PubSub.TopicName,
		BlobPrefix: cfg.Storage.Prefix,
	}, blobStore, publisher, sha256.New(), a.logger.Named("indexer"))

	ld := a.setupLoader()
	profiles, err := setupProfiles(cfg)
	if err != nil {
		_ = noticed.Close()
		return err
	}
	ld.UseProfiles(profiles)
	a.peers = peers.New(peers.Config{
		Self:           cfg.Peers.Self,
		Seeds:          cfg.Peers.Seeds,
		ClusterMode:    cfg.Peers.ClusterMode,
		RequestTimeout: cfg.Peers.RequestTimeout,
		UserAgent:      cfg.Crawler.UserAgent,
	}, a.logger.Named("peers"))

	recent := sinks.NewRecentSink(cfg.Server.RecentEvents)
	a.events = progress.NewHub(progress.Config{Logger: a.logger.Named("progress")},
		sinks.NewLogSink(a.logger.Named("task")),
		recent,
	)

	// The stacker asks the controller where a URL lives, and the controller
	// needs the stacker, so the lookup is bound after both exist.
	locate := stacker.LocatorFunc(func(ctx context.Context, hash string) (string, bool) {
		return a.queues.URLExists(ctx, hash)
	})
	st := stacker.New(
		stacker.Config{Blocklist: cfg.Crawler.Blocklist},
		noticed,
		profiles,
		locate,
		ld,
		cfg.Peers.Self.ID,
		a.logger.Named("stacker"),
	)

	a.queues, err = controller.New(ctx, controller.Deps{
		Backend:  a.backend,
		Noticed:  noticed,
		Loader:   ld,
		Profiles: profiles,
		Stacker:  st,
		Peers:    a.peers,
		Backlog:  a.indexer,
		Sink:     a.indexer,
		Events:   a.events,
		Clock:    system.New(),
		IDs:      uuid.New(),
		Logger:   a.logger,
	}, controller.Config{
		IndexerSlots:      cfg.Crawler.IndexerSlots,
		MaxActiveWorkers:  cfg.Crawler.MaxActiveWorkers,
		RobinsonMode:      cfg.Crawler.RobinsonMode,
		ClusterMode:       cfg.Peers.ClusterMode,
		AcceptRemoteCrawl: cfg.Crawler.AcceptRemoteCrawl,
		RemoteBatchSize:   cfg.Crawler.RemoteBatchSize,
	})
	if err != nil {
		_ = noticed.Close()
		return fmt.Errorf("crawl queues init failed: %w", err)
	}

	a.apiServer = api.NewServer(a.queues, st, api.Options{
		Self:         cfg.Peers.Self.ID,
		FetchTimeout: cfg.Loader.Timeout,
		Events:       recent,
	}, a.logger)

	a.dispatch = dispatcher.New(a.logger,
		dispatcher.Job{
			Name:     controller.JobCore,
			Interval: cfg.Scheduler.CoreInterval,
			Busy:     cfg.Scheduler.CoreInterval / 4,
			Run:      a.queues.CoreCrawlJob,
		},
		dispatcher.Job{
			Name:     controller.JobRemoteTriggered,
			Interval: cfg.Scheduler.RemoteInterval,
			Busy:     cfg.Scheduler.RemoteInterval / 4,
			Run:      a.queues.RemoteTriggeredCrawlJob,
		},
		dispatcher.Job{
			Name:     controller.JobRemoteLoader,
			Interval: cfg.Scheduler.RemoteLoaderInterval,
			Busy:     cfg.Scheduler.RemoteLoaderInterval / 4,
			Run:      a.queues.RemoteCrawlLoaderJob,
		},
	)
	a.dispatch.Go(a.serveHTTP)
	return nil
}

func setupBackend(ctx context.Context, cfg config.Config, logger *zap.Logger) (kv.Backend, error) {
	switch cfg.Frontier.Backend {
	case "memory":
		logger.Warn("using in-memory frontier state; nothing survives a restart")
		return kvmemory.New(), nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.KV.Redis.Addr,
			Password: cfg.KV.Redis.Password,
			DB:       cfg.KV.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("redis ping failed: %w", err)
		}
		logger.Info("using redis frontier state", zap.String("addr", cfg.KV.Redis.Addr))
		b, err := kvredis.New(client, kvredis.Config{Prefix: cfg.KV.Redis.Prefix, OwnClient: true})
		if err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("redis backend init failed: %w", err)
		}
		return b, nil
	case "postgres":
		b, err := kvpostgres.New(ctx, kvpostgres.Config{
			DSN:      cfg.KV.Postgres.DSN,
			Table:    cfg.KV.Postgres.Table,
			MaxConns: cfg.KV.Postgres.MaxConns,
		})
		if err != nil {
			return nil, fmt.Errorf("postgres backend init failed: %w", err)
		}
		logger.Info("using postgres frontier state", zap.String("table", cfg.KV.Postgres.Table))
		return b, nil
	default:
		b, err := kvbolt.New(kvbolt.Config{Dir: cfg.Frontier.StateDir})
		if err != nil {
			return nil, fmt.Errorf("bolt backend init failed: %w", err)
		}
		logger.Info("using bolt frontier state", zap.String("dir", cfg.Frontier.StateDir))
		return b, nil
	}
}

func (a *App) setupStorage(ctx context.Context) (crawler.BlobStore, error) {
	cfg := a.cfg.Storage
	switch cfg.Backend {
	case "gcs":
		a.logger.Info("using GCS storage backend", zap.String("bucket", cfg.Bucket))
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		a.storage = client
		blobStore, err := gcsstorage.New(client, gcsstorage.Config{Bucket: cfg.Bucket})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		return blobStore, nil
	case "local":
		a.logger.Info("using local storage backend", zap.String("path", cfg.BaseDir))
		blobStore, err := localstorage.New(localstorage.Config{BaseDir: cfg.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		return blobStore, nil
	default:
		a.logger.Info("using in-memory storage backend")
		return memorystorage.NewBlobStore(), nil
	}
}

func (a *App) setupPublisher(ctx context.Context) (crawler.Publisher, error) {
	cfg := a.cfg.PubSub
	if cfg.ProjectID == "" || cfg.TopicName == "" {
		a.logger.Warn("No Pub/Sub topic configured, using in-memory publisher")
		return memorypublisher.New(), nil
	}
	client, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	a.pubsubClient = client
	a.pubsubPublisher = gcppublisher.New(client)
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", cfg.ProjectID),
		zap.String("topic", cfg.TopicName),
	)
	return a.pubsubPublisher, nil
}

func (a *App) setupLoader() *loader.Loader {
	cfg := a.cfg
	policy := robots.New(respectsRobots(cfg), robots.Config{
		UserAgent: cfg.Crawler.UserAgent,
		CacheTTL:  cfg.Crawler.RobotsCacheTTL,
		Timeout:   cfg.Loader.Timeout,
	}, a.logger.Named("robots"))
	ld := loader.New(loader.Config{
		Timeout:  cfg.Loader.Timeout,
		MaxBytes: cfg.Loader.MaxBodyBytes,
		Headers:  http.Header{"User-Agent": []string{cfg.Crawler.UserAgent}},
	}, policy, a.indexer, a.logger.Named("loader"))

	web := ratelimit.Wrap(collyfetcher.New(collyfetcher.Config{
		UserAgent:   cfg.Crawler.UserAgent,
		Timeout:     cfg.Loader.Timeout,
		MaxBodySize: cfg.Loader.MaxBodyBytes,
	}), ratelimit.New(ratelimit.Config{
		DefaultRPS:   cfg.Loader.HostRPS,
		DefaultBurst: cfg.Loader.HostBurst,
	}))
	ld.Register(web, "http", "https")
	ld.Register(filefetcher.New(cfg.Loader.MaxBodyBytes), "file")
	a.logger.Info("loader ready",
		zap.String("user_agent", cfg.Crawler.UserAgent),
		zap.Bool("respect_robots", cfg.Crawler.RespectRobots),
		zap.Float64("host_rps", cfg.Loader.HostRPS),
	)
	return ld
}

// respectsRobots reports whether any profile, built-in or custom, wants
// robots.txt consulted.
func respectsRobots(cfg config.Config) bool {
	if cfg.Crawler.RespectRobots {
		return true
	}
	for _, pc := range cfg.Profiles.Custom {
		if pc.RespectRobots {
			return true
		}
	}
	return false
}

func setupProfiles(cfg config.Config) (*profile.Registry, error) {
	reg := profile.NewRegistry(cfg.Profiles.DefaultDepth, cfg.Crawler.RespectRobots)
	for _, pc := range cfg.Profiles.Custom {
		if err := reg.Put(pc.Profile()); err != nil {
			return nil, fmt.Errorf("custom profile: %w", err)
		}
	}
	return reg, nil
}

// Run starts the scheduling jobs, the indexer and the HTTP server, and blocks
// until ctx is canceled or a signal arrives.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("application started")
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// The indexer outlives the jobs so it can drain what the workers hand it.
	indexCtx, cancelIndex := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelIndex()
	indexDone := make(chan error, 1)
	go func() { indexDone <- a.indexer.Run(indexCtx) }()

	runErr := a.dispatch.Run(ctx)
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout())
	defer cancel()
	closeErr := a.Close(shutdownCtx)

	a.indexer.Close()
	select {
	case err := <-indexDone:
		if err != nil {
			a.logger.Warn("indexer stopped with error", zap.Error(err))
		}
	case <-shutdownCtx.Done():
		a.logger.Warn("indexer did not drain before shutdown timeout", zap.Int("backlog", a.indexer.Depth()))
		cancelIndex()
	}
	a.closeInfrastructure()
	a.logger.Info("shutdown complete")
	_ = a.logger.Sync()
	return errors.Join(runErr, closeErr)
}

func (a *App) shutdownTimeout() time.Duration {
	if a.cfg.Server.ShutdownTimeout > 0 {
		return a.cfg.Server.ShutdownTimeout
	}
	return 10 * time.Second
}

func (a *App) serveHTTP(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.shutdownTimeout())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	return nil
}

// Close interrupts running workers, waits for them up to ctx, and closes the
// queues and outcome logs.
func (a *App) Close(ctx context.Context) error {
	if a.queues == nil {
		return nil
	}
	err := a.queues.Close()
	if werr := a.queues.WaitWorkers(ctx); werr != nil {
		a.logger.Warn("workers still running at shutdown", zap.Int("active", a.queues.Size()), zap.Error(werr))
	}
	return err
}

func (a *App) closeInfrastructure() {
	if a.events != nil {
		ctx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout())
		if err := a.events.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
		cancel()
	}
	if a.pubsubPublisher != nil {
		a.pubsubPublisher.Close()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.backend != nil {
		if err := a.backend.Close(); err != nil {
			a.logger.Warn("frontier backend close failed", zap.Error(err))
		}
	}
}
