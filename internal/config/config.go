// Package config loads and validates archiver configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Auth        AuthConfig        `mapstructure:"auth"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Storage     StorageConfig     `mapstructure:"storage"`
	Store       StoreConfig       `mapstructure:"store"`
	Dedup       DedupConfig       `mapstructure:"dedup"`
	Handlers    HandlersConfig    `mapstructure:"handlers"`
	DirectFetch DirectFetchConfig `mapstructure:"direct_fetch"`
	Snapshot    SnapshotConfig    `mapstructure:"snapshot"`
	Mirror      MirrorConfig      `mapstructure:"mirror"`
	Notify      NotifyConfig      `mapstructure:"notify"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Name                 string `mapstructure:"name"`
	Port                 int    `mapstructure:"port"`
	ReadTimeoutSeconds   int    `mapstructure:"read_timeout_seconds"`
	WriteTimeoutSeconds  int    `mapstructure:"write_timeout_seconds"`
	ShutdownGraceSeconds int    `mapstructure:"shutdown_grace_seconds"`
	MaxBodyMB            int    `mapstructure:"max_body_mb"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// StorageConfig locates the archive tree on disk.
type StorageConfig struct {
	RootDir        string `mapstructure:"root_dir"`
	IndexFile      string `mapstructure:"index_file"`
	SnapshotSuffix string `mapstructure:"snapshot_suffix"`
}

// StoreConfig selects the job and media record backend.
type StoreConfig struct {
	Backend  string         `mapstructure:"backend"`
	Postgres PostgresConfig `mapstructure:"postgres"`
	Redis    RedisConfig    `mapstructure:"redis"`
}

// PostgresConfig controls the pgx pool.
type PostgresConfig struct {
	DSN        string `mapstructure:"dsn"`
	JobsTable  string `mapstructure:"jobs_table"`
	MediaTable string `mapstructure:"media_table"`
	MaxConns   int32  `mapstructure:"max_conns"`
	Migrate    bool   `mapstructure:"migrate"`
}

// RedisConfig controls the go-redis client.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

// DedupConfig sets the default lookback for already-archived checks.
type DedupConfig struct {
	WindowMonths int `mapstructure:"window_months"`
}

// HandlersConfig configures the external download tools.
type HandlersConfig struct {
	Dezoomify DezoomifyConfig `mapstructure:"dezoomify"`
	GalleryDL GalleryDLConfig `mapstructure:"gallery_dl"`
	YtDlp     YtDlpConfig     `mapstructure:"yt_dlp"`
}

// DezoomifyConfig configures dezoomify-rs.
type DezoomifyConfig struct {
	Binary      string `mapstructure:"binary"`
	MaxWidth    int    `mapstructure:"max_width"`
	Parallelism int    `mapstructure:"parallelism"`
	Retries     int    `mapstructure:"retries"`
	MinPixels   int    `mapstructure:"min_pixels"`
}

// GalleryDLConfig configures gallery-dl.
type GalleryDLConfig struct {
	Binary        string `mapstructure:"binary"`
	Retries       int    `mapstructure:"retries"`
	FlickrMaxSize int    `mapstructure:"flickr_max_size"`
}

// YtDlpConfig configures yt-dlp.
type YtDlpConfig struct {
	Binary              string   `mapstructure:"binary"`
	Format              string   `mapstructure:"format"`
	MergeFormat         string   `mapstructure:"merge_format"`
	ConcurrentFragments int      `mapstructure:"concurrent_fragments"`
	Retries             int      `mapstructure:"retries"`
	SubLangs            []string `mapstructure:"sub_langs"`
}

// DirectFetchConfig configures the image-post shortcut.
type DirectFetchConfig struct {
	UserAgent      string  `mapstructure:"user_agent"`
	Referer        string  `mapstructure:"referer"`
	TimeoutSeconds int     `mapstructure:"timeout_seconds"`
	RatePerSecond  float64 `mapstructure:"rate_per_second"`
	Burst          int     `mapstructure:"burst"`
	MaxBytes       int     `mapstructure:"max_bytes"`
}

// SnapshotConfig controls server-side page capture when a request carries
// no snapshot.
type SnapshotConfig struct {
	Enabled           bool `mapstructure:"enabled"`
	MaxParallel       int  `mapstructure:"max_parallel"`
	NavTimeoutSeconds int  `mapstructure:"nav_timeout_seconds"`
	SettleMillis      int  `mapstructure:"settle_millis"`
}

// MirrorConfig selects where completed artifacts are copied.
type MirrorConfig struct {
	Backend   string `mapstructure:"backend"`
	BaseDir   string `mapstructure:"base_dir"`
	Bucket    string `mapstructure:"bucket"`
	Prefix    string `mapstructure:"prefix"`
	Region    string `mapstructure:"region"`
	Endpoint  string `mapstructure:"endpoint"`
	PathStyle bool   `mapstructure:"path_style"`
}

// NotifyConfig selects where job events are published.
type NotifyConfig struct {
	Backend    string `mapstructure:"backend"`
	ProjectID  string `mapstructure:"project_id"`
	Topic      string `mapstructure:"topic"`
	AMQPURL    string `mapstructure:"amqp_url"`
	Exchange   string `mapstructure:"exchange"`
	RoutingKey string `mapstructure:"routing_key"`
}

// MetricsConfig toggles the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("ARCHIVER")
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
	v.SetDefault("server.name", "Media Archiver v1.0")
	v.SetDefault("server.port", 8888)
	v.SetDefault("server.read_timeout_seconds", 30)
	v.SetDefault("server.write_timeout_seconds", 60)
	v.SetDefault("server.shutdown_grace_seconds", 300)
	v.SetDefault("server.max_body_mb", 64)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
	v.SetDefault("storage.root_dir", "MediaArchive")
	v.SetDefault("storage.index_file", "index.md")
	v.SetDefault("storage.snapshot_suffix", ".context.png")
	v.SetDefault("store.backend", "memory")
	v.SetDefault("store.postgres.jobs_table", "archive_jobs")
	v.SetDefault("store.postgres.media_table", "media_files")
	v.SetDefault("store.postgres.migrate", true)
	v.SetDefault("store.redis.addr", "localhost:6379")
	v.SetDefault("store.redis.prefix", "archiver:")
	v.SetDefault("dedup.window_months", 3)
	v.SetDefault("handlers.dezoomify.binary", "dezoomify-rs")
	v.SetDefault("handlers.dezoomify.parallelism", 16)
	v.SetDefault("handlers.dezoomify.retries", 1)
	v.SetDefault("handlers.dezoomify.min_pixels", 800)
	v.SetDefault("handlers.gallery_dl.binary", "gallery-dl")
	v.SetDefault("handlers.gallery_dl.retries", 3)
	v.SetDefault("handlers.gallery_dl.flickr_max_size", 8000)
	v.SetDefault("handlers.yt_dlp.binary", "yt-dlp")
	v.SetDefault("handlers.yt_dlp.format", "bestvideo+bestaudio/best")
	v.SetDefault("handlers.yt_dlp.merge_format", "mp4")
	v.SetDefault("handlers.yt_dlp.concurrent_fragments", 4)
	v.SetDefault("handlers.yt_dlp.retries", 10)
	v.SetDefault("handlers.yt_dlp.sub_langs", []string{"en", "en-US"})
	v.SetDefault("direct_fetch.user_agent", "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36")
	v.SetDefault("direct_fetch.referer", "https://x.com/")
	v.SetDefault("direct_fetch.timeout_seconds", 30)
	v.SetDefault("direct_fetch.rate_per_second", 2.0)
	v.SetDefault("direct_fetch.burst", 4)
	v.SetDefault("direct_fetch.max_bytes", 50<<20)
	v.SetDefault("snapshot.enabled", false)
	v.SetDefault("snapshot.max_parallel", 1)
	v.SetDefault("snapshot.nav_timeout_seconds", 45)
	v.SetDefault("snapshot.settle_millis", 500)
	v.SetDefault("mirror.backend", "none")
	v.SetDefault("mirror.region", "us-east-1")
	v.SetDefault("notify.backend", "none")
	v.SetDefault("notify.topic", "archive-jobs")
	v.SetDefault("notify.exchange", "archiver")
	v.SetDefault("metrics.enabled", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if strings.TrimSpace(c.Storage.RootDir) == "" {
		return fmt.Errorf("storage.root_dir is required")
	}
	if c.Dedup.WindowMonths <= 0 {
		return fmt.Errorf("dedup.window_months must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.DirectFetch.RatePerSecond < 0 {
		return fmt.Errorf("direct_fetch.rate_per_second must be >= 0")
	}
	if c.Snapshot.Enabled && c.Snapshot.MaxParallel <= 0 {
		return fmt.Errorf("snapshot.max_parallel must be > 0 when snapshot is enabled")
	}

	switch c.Store.Backend {
	case "memory":
	case "postgres":
		if c.Store.Postgres.DSN == "" {
			return fmt.Errorf("store.postgres.dsn is required for the postgres backend")
		}
	case "redis":
		if c.Store.Redis.Addr == "" {
			return fmt.Errorf("store.redis.addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("store.backend %q is not one of memory, postgres, redis", c.Store.Backend)
	}

	switch c.Mirror.Backend {
	case "", "none":
	case "local":
		if c.Mirror.BaseDir == "" {
			return fmt.Errorf("mirror.base_dir is required for the local mirror")
		}
	case "gcs", "s3":
		if c.Mirror.Bucket == "" {
			return fmt.Errorf("mirror.bucket is required for the %s mirror", c.Mirror.Backend)
		}
	default:
		return fmt.Errorf("mirror.backend %q is not one of none, local, gcs, s3", c.Mirror.Backend)
	}

	switch c.Notify.Backend {
	case "", "none", "memory":
	case "pubsub":
		if c.Notify.ProjectID == "" || c.Notify.Topic == "" {
			return fmt.Errorf("notify.project_id and notify.topic are required for pubsub")
		}
	case "amqp":
		if c.Notify.AMQPURL == "" {
			return fmt.Errorf("notify.amqp_url is required for amqp")
		}
	default:
		return fmt.Errorf("notify.backend %q is not one of none, memory, pubsub, amqp", c.Notify.Backend)
	}
	return nil
}

// ShutdownGrace is how long serve waits for in-flight jobs on exit.
func (c Config) ShutdownGrace() time.Duration {
	return time.Duration(c.Server.ShutdownGraceSeconds) * time.Second
}

// DirectFetchTimeout converts the direct fetch timeout to a duration.
func (c Config) DirectFetchTimeout() time.Duration {
	return time.Duration(c.DirectFetch.TimeoutSeconds) * time.Second
}
