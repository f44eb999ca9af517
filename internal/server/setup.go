package server

import (
	"context"
	"fmt"
	"net/http"

	pubsub "cloud.google.com/go/pubsub/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/media-fetcher/internal/config"
	"github.com/JakeFAU/media-fetcher/internal/download"
	"github.com/JakeFAU/media-fetcher/internal/fetcher"
	directfetcher "github.com/JakeFAU/media-fetcher/internal/fetcher/direct"
	"github.com/JakeFAU/media-fetcher/internal/fetcher/youtube"
	"github.com/JakeFAU/media-fetcher/internal/fetcher/ytdlp"
	"github.com/JakeFAU/media-fetcher/internal/progress"
	progresssinks "github.com/JakeFAU/media-fetcher/internal/progress/sinks"
	gcppublisher "github.com/JakeFAU/media-fetcher/internal/publisher/pubsub"
	queuememory "github.com/JakeFAU/media-fetcher/internal/queue/memory"
	queuepubsub "github.com/JakeFAU/media-fetcher/internal/queue/pubsub"
	gcsstorage "github.com/JakeFAU/media-fetcher/internal/storage/gcs"
	localstorage "github.com/JakeFAU/media-fetcher/internal/storage/local"
	memorystorage "github.com/JakeFAU/media-fetcher/internal/storage/memory"
	pgstore "github.com/JakeFAU/media-fetcher/internal/storage/postgres"
	sqlitestore "github.com/JakeFAU/media-fetcher/internal/storage/sqlite"
)

type migrator interface {
	Migrate(ctx context.Context) error
}

// OpenStore opens the configured job record store and applies its schema.
func OpenStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (download.Store, error) {
	var (
		store download.Store
		err   error
	)
	switch cfg.Database.Backend {
	case "postgres":
		store, err = pgstore.NewJobStore(ctx, pgstore.Config{
			DSN:             cfg.Database.DSN,
			MaxConns:        cfg.Database.MaxConns,
			MinConns:        cfg.Database.MinConns,
			MaxConnLifetime: cfg.Database.MaxConnLifetime,
		})
	case "sqlite":
		store, err = sqlitestore.New(ctx, cfg.Database.SQLitePath)
	default:
		logger.Warn("using in-memory job store; jobs are lost on restart")
		return memorystorage.NewJobStore(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("%s job store init failed: %w", cfg.Database.Backend, err)
	}
	if m, ok := store.(migrator); ok {
		if err := m.Migrate(ctx); err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("%s schema migration failed: %w", cfg.Database.Backend, err)
		}
	}
	logger.Info("job store ready", zap.String("backend", cfg.Database.Backend))
	return store, nil
}

// Migrate applies the schema of the configured SQL backend and exits.
func Migrate(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	if cfg.Database.Backend == "memory" {
		return fmt.Errorf("database.backend is memory; nothing to migrate")
	}
	store, err := OpenStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	return store.Close() //nolint:wrapcheck // close error is self-describing
}

func setupStorage(ctx context.Context, app *App) (download.BlobStore, error) {
	switch app.cfg.Storage.Backend {
	case "gcs":
		store, err := gcsstorage.Open(ctx, gcsstorage.Config{Bucket: app.cfg.Storage.GCSBucket})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		app.blobCloser = store.Close
		app.logger.Info("using GCS storage backend", zap.String("bucket", app.cfg.Storage.GCSBucket))
		return store, nil
	case "local":
		store, err := localstorage.New(localstorage.Config{BaseDir: app.cfg.Storage.LocalDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		app.logger.Info("using local storage backend", zap.String("path", app.cfg.Storage.LocalDir))
		return store, nil
	default:
		app.logger.Warn("using in-memory storage backend; artifacts are lost on restart")
		return memorystorage.NewBlobStore(), nil
	}
}

func setupPubSub(ctx context.Context, app *App) error {
	needClient := app.cfg.Queue.Backend == "pubsub" || app.cfg.PubSub.TopicName != ""
	if !needClient {
		return nil
	}
	client, err := pubsub.NewClient(ctx, app.cfg.PubSub.ProjectID)
	if err != nil {
		return fmt.Errorf("pubsub client init failed: %w", err)
	}
	app.pubsubClient = client
	app.logger.Info("Pub/Sub client initialized", zap.String("project", app.cfg.PubSub.ProjectID))
	return nil
}

func setupProgress(ctx context.Context, app *App) (progress.Emitter, error) {
	if !app.cfg.Progress.Enabled {
		app.logger.Info("progress events disabled")
		return progress.NopEmitter{}, nil
	}
	var sinkList []progress.Sink
	if app.cfg.Progress.LogEnabled {
		sinkList = append(sinkList, progresssinks.NewLogSink(app.logger.Named("progress_log")))
	}
	promSink, err := progresssinks.NewPrometheusSink(app.registerer)
	if err != nil {
		return nil, fmt.Errorf("progress metrics init failed: %w", err)
	}
	sinkList = append(sinkList, promSink)

	if app.cfg.PubSub.TopicName != "" {
		pub := gcppublisher.New(app.pubsubClient)
		app.publisher = pub
		sinkList = append(sinkList, progresssinks.NewPublisherSink(pub, app.cfg.PubSub.TopicName, app.logger.Named("notify")))
		app.logger.Info("completion notifications enabled", zap.String("topic", app.cfg.PubSub.TopicName))
	} else {
		app.logger.Debug("no notification topic configured, completion notifications disabled")
	}

	hubCfg := progress.Config{
		BufferSize:     app.cfg.Progress.BufferSize,
		MaxBatchEvents: app.cfg.Progress.Batch.MaxEvents,
		MaxBatchWait:   app.cfg.Progress.Batch.MaxWait,
		SinkTimeout:    app.cfg.Progress.SinkTimeout,
		BaseContext:    context.WithoutCancel(ctx),
		Logger:         app.logger.Named("progress_hub"),
	}
	app.progressHub = progress.NewHub(hubCfg, sinkList...)
	app.logger.Info("progress hub initialized",
		zap.Int("sinks", len(sinkList)),
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Int("max_batch_events", hubCfg.MaxBatchEvents),
		zap.Duration("max_batch_wait", hubCfg.MaxBatchWait),
	)
	return app.progressHub, nil
}

func setupQueue(ctx context.Context, app *App) (download.Queue, error) {
	if app.cfg.Queue.Backend != "pubsub" {
		return queuememory.NewQueue(app.cfg.Queue.Depth), nil
	}
	qcfg := queuepubsub.Config{
		Topic:          app.cfg.Queue.PubSub.Topic,
		Subscription:   app.cfg.Queue.PubSub.Subscription,
		MaxOutstanding: app.cfg.Queue.PubSub.MaxOutstanding,
	}
	if qcfg.MaxOutstanding <= 0 {
		qcfg.MaxOutstanding = app.cfg.Workers.Concurrency
	}
	if err := queuepubsub.Provision(ctx, app.pubsubClient, app.cfg.PubSub.ProjectID, qcfg); err != nil {
		return nil, fmt.Errorf("pubsub queue provisioning failed: %w", err)
	}
	q, err := queuepubsub.New(app.pubsubClient, qcfg, app.logger.Named("queue"))
	if err != nil {
		return nil, fmt.Errorf("pubsub queue init failed: %w", err)
	}
	app.logger.Info("using Pub/Sub queue",
		zap.String("topic", qcfg.Topic),
		zap.String("subscription", qcfg.Subscription))
	return q, nil
}

func setupFetcher(app *App, blobs download.BlobStore) (download.Fetcher, error) {
	cfg := app.cfg.Fetcher
	uploader := fetcher.Uploader{Blobs: blobs, Prefix: app.cfg.Storage.Prefix}

	ytdlpFetcher := ytdlp.New(ytdlp.Config{
		Binary:         cfg.YTDLP.Binary,
		Format:         cfg.YTDLP.Format,
		OutputTemplate: cfg.YTDLP.OutputTemplate,
		MergeFormat:    cfg.YTDLP.MergeFormat,
		PlayerClients:  cfg.YTDLP.PlayerClients,
		ExtraArgs:      cfg.YTDLP.ExtraArgs,
		WorkDir:        cfg.DownloadDir,
	}, uploader, app.logger.Named("ytdlp"))
	direct := directfetcher.New(nil, directfetcher.Config{
		UserAgent:      cfg.UserAgent,
		ConnectTimeout: cfg.HTTPTimeout,
	}, uploader, app.logger.Named("direct"))
	native := youtube.New(youtube.NewClient(&http.Client{}), youtube.Config{}, uploader, app.logger.Named("youtube"))

	registry := fetcher.NewRegistry()
	switch cfg.Kind {
	case "ytdlp":
		registry.Register("ytdlp", nil, ytdlpFetcher)
	case "direct":
		registry.Register("direct", nil, direct)
	case "youtube":
		registry.Register("youtube", fetcher.IsYouTube, native)
	default:
		registry.Register("direct", fetcher.IsMediaFile, direct)
		if ytdlpFetcher.Available() {
			registry.Register("ytdlp", nil, ytdlpFetcher)
		} else {
			app.logger.Warn("yt-dlp not found; falling back to native YouTube and plain HTTP fetchers",
				zap.String("binary", cfg.YTDLP.Binary))
			registry.Register("youtube", fetcher.IsYouTube, native)
			registry.Register("direct-fallback", nil, direct)
		}
	}
	if cfg.DownloadDir != "" {
		if err := ensureDir(cfg.DownloadDir); err != nil {
			return nil, err
		}
	}
	app.logger.Info("fetchers registered", zap.Strings("order", registry.Names()))
	return registry, nil
}
