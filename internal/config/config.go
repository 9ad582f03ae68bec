// Package config loads and validates frontier configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/crawlfrontier/internal/crawler"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Frontier  FrontierConfig  `mapstructure:"frontier"`
	KV        KVConfig        `mapstructure:"kv"`
	Crawler   CrawlerConfig   `mapstructure:"crawler"`
	Loader    LoaderConfig    `mapstructure:"loader"`
	Peers     PeersConfig     `mapstructure:"peers"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Indexer   IndexerConfig   `mapstructure:"indexer"`
	Storage   StorageConfig   `mapstructure:"storage"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Profiles  ProfilesConfig  `mapstructure:"profiles"`
}

// ServerConfig controls the admin HTTP server.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	// RecentEvents is how many worker task events GET /v1/events can return.
	RecentEvents int `mapstructure:"recent_events"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// FrontierConfig selects where the queues and outcome logs live.
type FrontierConfig struct {
	StateDir     string        `mapstructure:"state_dir"`
	Backend      string        `mapstructure:"backend"`
	MinHostDelay time.Duration `mapstructure:"min_host_delay"`
}

// KVConfig holds connection settings for the networked backends.
type KVConfig struct {
	Redis    RedisConfig    `mapstructure:"redis"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

// RedisConfig configures the Redis backend.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

// PostgresConfig configures the Postgres backend.
type PostgresConfig struct {
	DSN      string `mapstructure:"dsn"`
	Table    string `mapstructure:"table"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// CrawlerConfig governs admission and remote crawling.
type CrawlerConfig struct {
	IndexerSlots      int           `mapstructure:"indexer_slots"`
	MaxActiveWorkers  int           `mapstructure:"max_active_workers"`
	UserAgent         string        `mapstructure:"user_agent"`
	RespectRobots     bool          `mapstructure:"respect_robots"`
	RobotsCacheTTL    time.Duration `mapstructure:"robots_cache_ttl"`
	RobinsonMode      bool          `mapstructure:"robinson_mode"`
	AcceptRemoteCrawl bool          `mapstructure:"accept_remote_crawl"`
	RemoteBatchSize   int           `mapstructure:"remote_batch_size"`
	Blocklist         []string      `mapstructure:"blocklist"`
}

// LoaderConfig bounds each fetch.
type LoaderConfig struct {
	Timeout      time.Duration `mapstructure:"timeout"`
	MaxBodyBytes int64         `mapstructure:"max_body_bytes"`
	// HostRPS caps requests per second to one host; zero disables the cap.
	HostRPS   float64 `mapstructure:"host_rps"`
	HostBurst int     `mapstructure:"host_burst"`
}

// PeersConfig describes this node and the peers it knows at startup.
type PeersConfig struct {
	Self           crawler.Peer   `mapstructure:"self"`
	Seeds          []crawler.Peer `mapstructure:"seeds"`
	ClusterMode    string         `mapstructure:"cluster_mode"`
	RequestTimeout time.Duration  `mapstructure:"request_timeout"`
}

// SchedulerConfig sets how often each job is attempted.
type SchedulerConfig struct {
	CoreInterval         time.Duration `mapstructure:"core_interval"`
	RemoteInterval       time.Duration `mapstructure:"remote_interval"`
	RemoteLoaderInterval time.Duration `mapstructure:"remote_loader_interval"`
}

// IndexerConfig sizes the loaded-resource backlog.
type IndexerConfig struct {
	QueueDepth int `mapstructure:"queue_depth"`
	Workers    int `mapstructure:"workers"`
}

// StorageConfig selects where loaded bodies are written.
type StorageConfig struct {
	Backend string `mapstructure:"backend"`
	BaseDir string `mapstructure:"base_dir"`
	Bucket  string `mapstructure:"gcs_bucket"`
	Prefix  string `mapstructure:"prefix"`
}

// PubSubConfig holds metadata for indexing notifications. An empty project
// keeps notifications in memory.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// ProfilesConfig tunes the built-in profiles and adds custom ones.
type ProfilesConfig struct {
	DefaultDepth int             `mapstructure:"default_depth"`
	Custom       []ProfileConfig `mapstructure:"custom"`
}

// ProfileConfig is one custom crawl profile.
type ProfileConfig struct {
	Handle         string `mapstructure:"handle"`
	Name           string `mapstructure:"name"`
	DepthLimit     int    `mapstructure:"depth_limit"`
	URLFilter      string `mapstructure:"url_filter"`
	RemoteIndexing bool   `mapstructure:"remote_indexing"`
	RespectRobots  bool   `mapstructure:"respect_robots"`
}

// Profile builds the crawler.Profile described by p.
func (p ProfileConfig) Profile() *crawler.Profile {
	name := p.Name
	if name == "" {
		name = p.Handle
	}
	return &crawler.Profile{
		Handle:         p.Handle,
		Name:           name,
		DepthLimit:     p.DepthLimit,
		URLFilter:      p.URLFilter,
		RemoteIndexing: p.RemoteIndexing,
		RespectRobots:  p.RespectRobots,
	}
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("FRONTIER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8090)
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("server.recent_events", 500)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("frontier.state_dir", "data/frontier")
	v.SetDefault("frontier.backend", "bolt")
	v.SetDefault("frontier.min_host_delay", "500ms")
	v.SetDefault("kv.redis.addr", "localhost:6379")
	v.SetDefault("kv.redis.prefix", "frontier")
	v.SetDefault("kv.postgres.table", "frontier_kv")
	v.SetDefault("crawler.indexer_slots", 30)
	v.SetDefault("crawler.max_active_workers", 10)
	v.SetDefault("crawler.user_agent", "crawlfrontier/0.1")
	v.SetDefault("crawler.respect_robots", true)
	v.SetDefault("crawler.robots_cache_ttl", "1h")
	v.SetDefault("crawler.robinson_mode", false)
	v.SetDefault("crawler.accept_remote_crawl", false)
	v.SetDefault("crawler.remote_batch_size", 20)
	v.SetDefault("loader.timeout", "20s")
	v.SetDefault("loader.max_body_bytes", 10<<20)
	v.SetDefault("loader.host_rps", 2.0)
	v.SetDefault("loader.host_burst", 1)
	v.SetDefault("peers.self.id", "local")
	v.SetDefault("peers.self.name", "local")
	v.SetDefault("peers.cluster_mode", "publicpeer")
	v.SetDefault("peers.request_timeout", "30s")
	v.SetDefault("scheduler.core_interval", "200ms")
	v.SetDefault("scheduler.remote_interval", "1s")
	v.SetDefault("scheduler.remote_loader_interval", "10s")
	v.SetDefault("indexer.queue_depth", 64)
	v.SetDefault("indexer.workers", 2)
	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.prefix", "pages")
	v.SetDefault("pubsub.topic_name", "frontier-documents")
	v.SetDefault("profiles.default_depth", 3)
}

var (
	frontierBackends = []string{"memory", "bolt", "redis", "postgres"}
	storageBackends  = []string{"memory", "local", "gcs"}
	clusterModes     = []string{"publicpeer", "privatepeer", "publiccluster", "privatecluster"}
)

func oneOf(value string, allowed []string) bool {
	for _, a := range allowed {
		if value == a {
			return true
		}
	}
	return false
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if !oneOf(c.Frontier.Backend, frontierBackends) {
		return fmt.Errorf("frontier.backend must be one of %s", strings.Join(frontierBackends, ", "))
	}
	if c.Frontier.Backend == "bolt" && c.Frontier.StateDir == "" {
		return fmt.Errorf("frontier.state_dir is required for the bolt backend")
	}
	if c.Frontier.Backend == "redis" && c.KV.Redis.Addr == "" {
		return fmt.Errorf("kv.redis.addr is required for the redis backend")
	}
	if c.Frontier.Backend == "postgres" && c.KV.Postgres.DSN == "" {
		return fmt.Errorf("kv.postgres.dsn is required for the postgres backend")
	}
	if c.Crawler.IndexerSlots <= 0 {
		return fmt.Errorf("crawler.indexer_slots must be > 0")
	}
	if c.Crawler.MaxActiveWorkers <= 0 {
		return fmt.Errorf("crawler.max_active_workers must be > 0")
	}
	if c.Crawler.RemoteBatchSize <= 0 {
		return fmt.Errorf("crawler.remote_batch_size must be > 0")
	}
	if c.Loader.Timeout <= 0 {
		return fmt.Errorf("loader.timeout must be > 0")
	}
	if c.Loader.HostRPS < 0 {
		return fmt.Errorf("loader.host_rps must be >= 0")
	}
	if c.Peers.Self.ID == "" {
		return fmt.Errorf("peers.self.id is required")
	}
	if !oneOf(c.Peers.ClusterMode, clusterModes) {
		return fmt.Errorf("peers.cluster_mode must be one of %s", strings.Join(clusterModes, ", "))
	}
	if c.Scheduler.CoreInterval <= 0 || c.Scheduler.RemoteInterval <= 0 || c.Scheduler.RemoteLoaderInterval <= 0 {
		return fmt.Errorf("scheduler intervals must be > 0")
	}
	if c.Indexer.QueueDepth <= 0 || c.Indexer.Workers <= 0 {
		return fmt.Errorf("indexer.queue_depth and indexer.workers must be > 0")
	}
	if !oneOf(c.Storage.Backend, storageBackends) {
		return fmt.Errorf("storage.backend must be one of %s", strings.Join(storageBackends, ", "))
	}
	if c.Storage.Backend == "local" && c.Storage.BaseDir == "" {
		return fmt.Errorf("storage.base_dir is required for the local backend")
	}
	if c.Storage.Backend == "gcs" && c.Storage.Bucket == "" {
		return fmt.Errorf("storage.gcs_bucket is required for the gcs backend")
	}
	if c.PubSub.ProjectID != "" && c.PubSub.TopicName == "" {
		return fmt.Errorf("pubsub.topic_name is required when pubsub.project_id is set")
	}
	if c.Profiles.DefaultDepth < 0 {
		return fmt.Errorf("profiles.default_depth must be >= 0")
	}
	for i, p := range c.Profiles.Custom {
		if p.Handle == "" {
			return fmt.Errorf("profiles.custom[%d].handle is required", i)
		}
	}
	return nil
}
