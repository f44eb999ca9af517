// Package config loads and validates service configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/JakeFAU/media-fetcher/internal/logging"
)

// EnvPrefix prefixes every environment override, e.g. MEDIAFETCH_SERVER_PORT.
const EnvPrefix = "MEDIAFETCH"

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Logging   logging.Config  `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Workers   WorkersConfig   `mapstructure:"workers"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Jobs      JobsConfig      `mapstructure:"jobs"`
	Fetcher   FetcherConfig   `mapstructure:"fetcher"`
	Storage   StorageConfig   `mapstructure:"storage"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Progress  ProgressConfig  `mapstructure:"progress"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// DatabaseConfig selects and tunes the job record store.
type DatabaseConfig struct {
	Backend         string        `mapstructure:"backend"`
	DSN             string        `mapstructure:"dsn"`
	SQLitePath      string        `mapstructure:"sqlite_path"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// WorkersConfig sizes the worker pool.
type WorkersConfig struct {
	Concurrency int `mapstructure:"concurrency"`
}

// QueueConfig selects the dispatch queue.
type QueueConfig struct {
	Backend string            `mapstructure:"backend"`
	Depth   int               `mapstructure:"depth"`
	PubSub  QueuePubSubConfig `mapstructure:"pubsub"`
}

// QueuePubSubConfig names the Pub/Sub resources backing the queue.
type QueuePubSubConfig struct {
	Topic          string `mapstructure:"topic"`
	Subscription   string `mapstructure:"subscription"`
	MaxOutstanding int    `mapstructure:"max_outstanding"`
}

// JobsConfig bounds job execution and listing.
type JobsConfig struct {
	Timeout          time.Duration `mapstructure:"timeout"`
	SubmitTimeout    time.Duration `mapstructure:"submit_timeout"`
	ListDefaultLimit int           `mapstructure:"list_default_limit"`
	ListMaxLimit     int           `mapstructure:"list_max_limit"`
	// RecoverOnStart fails jobs left running by a previous process and
	// re-dispatches queued ones. Disable it when several replicas share a
	// store, since a replica cannot tell its peers' live jobs from lost ones.
	RecoverOnStart bool `mapstructure:"recover_on_start"`
}

// FetcherConfig selects how media is retrieved.
type FetcherConfig struct {
	Kind        string        `mapstructure:"kind"`
	DownloadDir string        `mapstructure:"download_dir"`
	UserAgent   string        `mapstructure:"user_agent"`
	YTDLP       YTDLPConfig   `mapstructure:"ytdlp"`
	HTTPTimeout time.Duration `mapstructure:"http_timeout"`
}

// YTDLPConfig tunes the yt-dlp invocation.
type YTDLPConfig struct {
	Binary         string   `mapstructure:"binary"`
	Format         string   `mapstructure:"format"`
	OutputTemplate string   `mapstructure:"output_template"`
	MergeFormat    string   `mapstructure:"merge_format"`
	PlayerClients  []string `mapstructure:"player_clients"`
	ExtraArgs      []string `mapstructure:"extra_args"`
}

// StorageConfig selects the artifact store.
type StorageConfig struct {
	Backend   string `mapstructure:"backend"`
	LocalDir  string `mapstructure:"local_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// PubSubConfig holds metadata for publish-subscribe notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// ProgressConfig wires the progress hub and its sinks.
type ProgressConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	LogEnabled  bool          `mapstructure:"log_enabled"`
	BufferSize  int           `mapstructure:"buffer_size"`
	Batch       BatchConfig   `mapstructure:"batch"`
	SinkTimeout time.Duration `mapstructure:"sink_timeout"`
}

// BatchConfig controls hub batching.
type BatchConfig struct {
	MaxEvents int           `mapstructure:"max_events"`
	MaxWait   time.Duration `mapstructure:"max_wait"`
}

// TelemetryConfig configures tracing export.
type TelemetryConfig struct {
	ServiceName string  `mapstructure:"service_name"`
	ProjectID   string  `mapstructure:"project_id"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
	// Region tags the telemetry resource with the cloud region.
	Region string `mapstructure:"region"`
}

// Load builds a Config from an optional .env file, an optional config file
// and the environment. Later sources win.
func Load(path string) (Config, error) {
	return LoadWithEnvFile(path, ".env")
}

// LoadWithEnvFile is Load with an explicit .env location. A missing .env
// file is not an error.
func LoadWithEnvFile(path, envFile string) (Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("load env file: %w", err)
		}
	}

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := bindLegacyEnv(v); err != nil {
		return Config{}, err
	}

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

// bindLegacyEnv keeps the unprefixed variable names of earlier deployments
// working alongside the prefixed ones.
func bindLegacyEnv(v *viper.Viper) error {
	bindings := map[string][]string{
		"database.dsn":         {EnvPrefix + "_DATABASE_DSN", "DATABASE_URL"},
		"fetcher.download_dir": {EnvPrefix + "_FETCHER_DOWNLOAD_DIR", "DOWNLOAD_DIR"},
		"pubsub.project_id":    {EnvPrefix + "_PUBSUB_PROJECT_ID", "GOOGLE_CLOUD_PROJECT"},
	}
	for key, envs := range bindings {
		if err := v.BindEnv(append([]string{key}, envs...)...); err != nil {
			return fmt.Errorf("bind env %s: %w", key, err)
		}
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout", 60*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "")
	v.SetDefault("database.backend", "memory")
	v.SetDefault("database.sqlite_path", "data/media-fetcher.db")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 1)
	v.SetDefault("database.max_conn_lifetime", 30*time.Minute)
	v.SetDefault("workers.concurrency", 1)
	v.SetDefault("queue.backend", "memory")
	v.SetDefault("queue.depth", 64)
	v.SetDefault("queue.pubsub.topic", "media-fetch-jobs")
	v.SetDefault("queue.pubsub.subscription", "media-fetch-workers")
	v.SetDefault("queue.pubsub.max_outstanding", 1)
	v.SetDefault("jobs.timeout", time.Hour)
	v.SetDefault("jobs.submit_timeout", 5*time.Second)
	v.SetDefault("jobs.list_default_limit", 50)
	v.SetDefault("jobs.list_max_limit", 500)
	v.SetDefault("jobs.recover_on_start", true)
	v.SetDefault("fetcher.kind", "auto")
	v.SetDefault("fetcher.download_dir", "/tmp/downloads")
	v.SetDefault("fetcher.user_agent", "media-fetcher/1.0")
	v.SetDefault("fetcher.http_timeout", 30*time.Second)
	v.SetDefault("fetcher.ytdlp.binary", "yt-dlp")
	v.SetDefault("fetcher.ytdlp.format", "bestvideo[ext=mp4]+bestaudio[ext=m4a]/bestvideo+bestaudio/best")
	v.SetDefault("fetcher.ytdlp.output_template", "%(title)s.%(ext)s")
	v.SetDefault("fetcher.ytdlp.merge_format", "mp4")
	v.SetDefault("fetcher.ytdlp.player_clients", []string{"ios", "web"})
	v.SetDefault("storage.backend", "local")
	v.SetDefault("storage.local_dir", "data/artifacts")
	v.SetDefault("storage.prefix", "downloads")
	v.SetDefault("storage.gcs_bucket", "")
	v.SetDefault("pubsub.topic_name", "")
	v.SetDefault("progress.enabled", true)
	v.SetDefault("progress.log_enabled", true)
	v.SetDefault("progress.buffer_size", 4096)
	v.SetDefault("progress.batch.max_events", 1000)
	v.SetDefault("progress.batch.max_wait", 500*time.Millisecond)
	v.SetDefault("progress.sink_timeout", 10*time.Second)
	v.SetDefault("telemetry.service_name", "media-fetcher")
	v.SetDefault("telemetry.sample_ratio", 1.0)
	v.SetDefault("telemetry.project_id", "")
	v.SetDefault("telemetry.region", "")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 {
		errs = append(errs, errors.New("server.port must be > 0"))
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		errs = append(errs, errors.New("auth.api_key must be set when auth is enabled"))
	}
	if c.Workers.Concurrency <= 0 {
		errs = append(errs, errors.New("workers.concurrency must be > 0"))
	}
	if c.Jobs.Timeout <= 0 {
		errs = append(errs, errors.New("jobs.timeout must be > 0"))
	}
	if c.Jobs.ListDefaultLimit <= 0 || c.Jobs.ListMaxLimit < c.Jobs.ListDefaultLimit {
		errs = append(errs, errors.New("jobs.list_max_limit must be >= jobs.list_default_limit > 0"))
	}

	switch c.Database.Backend {
	case "memory":
	case "postgres":
		if c.Database.DSN == "" {
			errs = append(errs, errors.New("database.dsn is required for the postgres backend"))
		}
	case "sqlite":
		if c.Database.SQLitePath == "" {
			errs = append(errs, errors.New("database.sqlite_path is required for the sqlite backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("database.backend %q is not one of memory, postgres, sqlite", c.Database.Backend))
	}

	switch c.Queue.Backend {
	case "memory":
		if c.Queue.Depth <= 0 {
			errs = append(errs, errors.New("queue.depth must be > 0"))
		}
	case "pubsub":
		if c.PubSub.ProjectID == "" {
			errs = append(errs, errors.New("pubsub.project_id is required for the pubsub queue"))
		}
		if c.Queue.PubSub.Topic == "" || c.Queue.PubSub.Subscription == "" {
			errs = append(errs, errors.New("queue.pubsub.topic and queue.pubsub.subscription are required"))
		}
	default:
		errs = append(errs, fmt.Errorf("queue.backend %q is not one of memory, pubsub", c.Queue.Backend))
	}

	switch c.Fetcher.Kind {
	case "auto", "ytdlp", "direct", "youtube":
	default:
		errs = append(errs, fmt.Errorf("fetcher.kind %q is not one of auto, ytdlp, direct, youtube", c.Fetcher.Kind))
	}

	switch c.Storage.Backend {
	case "memory":
	case "local":
		if c.Storage.LocalDir == "" {
			errs = append(errs, errors.New("storage.local_dir is required for the local backend"))
		}
	case "gcs":
		if c.Storage.GCSBucket == "" {
			errs = append(errs, errors.New("storage.gcs_bucket is required for the gcs backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.backend %q is not one of memory, local, gcs", c.Storage.Backend))
	}

	if c.PubSub.TopicName != "" && c.PubSub.ProjectID == "" {
		errs = append(errs, errors.New("pubsub.project_id is required when pubsub.topic_name is set"))
	}
	return errors.Join(errs...)
}
