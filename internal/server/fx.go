// Package server builds the application's dependency graph from configuration
// and runs it until shutdown.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/media-fetcher/internal/api"
	"github.com/JakeFAU/media-fetcher/internal/clock/system"
	"github.com/JakeFAU/media-fetcher/internal/config"
	"github.com/JakeFAU/media-fetcher/internal/dispatcher"
	"github.com/JakeFAU/media-fetcher/internal/download"
	iduuid "github.com/JakeFAU/media-fetcher/internal/id/uuid"
	"github.com/JakeFAU/media-fetcher/internal/lifecycle"
	"github.com/JakeFAU/media-fetcher/internal/logging"
	"github.com/JakeFAU/media-fetcher/internal/progress"
	"github.com/JakeFAU/media-fetcher/internal/telemetry"
	"github.com/JakeFAU/media-fetcher/internal/worker"
)

// Version is stamped at build time.
var Version = "dev"

// App contains the application's dependencies.
type App struct {
	cfg          *config.Config
	logger       *zap.Logger
	registerer   prometheus.Registerer
	store        download.Store
	blobCloser   func() error
	queue        download.Queue
	dispatch     *dispatcher.Dispatcher
	controller   *lifecycle.Controller
	workers      []dispatcher.Runner
	apiServer    *api.Server
	progressHub  *progress.Hub
	pubsubClient *pubsub.Client
	publisher    interface{ Close() error }
	telemetry    *telemetry.Providers

	listener net.Listener
}

// Option customises Build.
type Option func(*App)

// WithLogger replaces the logger built from configuration.
func WithLogger(logger *zap.Logger) Option {
	return func(a *App) { a.logger = logger }
}

// WithRegisterer registers collectors owned by the app on reg instead of the
// default registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(a *App) { a.registerer = reg }
}

// WithListener serves HTTP on l instead of listening on server.port.
func WithListener(l net.Listener) Option {
	return func(a *App) { a.listener = l }
}

// Build creates the application's dependencies. On error every dependency
// opened so far is closed.
func Build(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	app := &App{cfg: cfg, registerer: prometheus.DefaultRegisterer}
	for _, opt := range opts {
		opt(app)
	}
	if app.logger == nil {
		logger, err := logging.New(cfg.Logging)
		if err != nil {
			return nil, fmt.Errorf("logger init failed: %w", err)
		}
		app.logger = logger
		zap.ReplaceGlobals(logger)
	}
	built := false
	defer func() {
		if !built {
			app.closeInfrastructure(context.WithoutCancel(ctx))
			_ = app.telemetry.Shutdown(context.WithoutCancel(ctx))
		}
	}()

	app.logger.Info("building application dependencies",
		zap.Int("server_port", cfg.Server.Port),
		zap.String("database_backend", cfg.Database.Backend),
		zap.String("queue_backend", cfg.Queue.Backend),
		zap.String("storage_backend", cfg.Storage.Backend),
		zap.String("fetcher_kind", cfg.Fetcher.Kind),
		zap.Int("workers", cfg.Workers.Concurrency),
	)

	var err error
	app.telemetry, err = telemetry.Init(ctx, telemetry.Settings{
		ServiceName: cfg.Telemetry.ServiceName,
		Version:     Version,
		ProjectID:   cfg.Telemetry.ProjectID,
		SampleRatio: cfg.Telemetry.SampleRatio,
		Region:      cfg.Telemetry.Region,
		Registerer:  app.registerer,
	})
	if err != nil {
		return nil, fmt.Errorf("telemetry init failed: %w", err)
	}

	app.store, err = OpenStore(ctx, cfg, app.logger)
	if err != nil {
		return nil, err
	}
	blobs, err := setupStorage(ctx, app)
	if err != nil {
		return nil, err
	}
	if err = setupPubSub(ctx, app); err != nil {
		return nil, err
	}
	emitter, err := setupProgress(ctx, app)
	if err != nil {
		return nil, err
	}
	app.queue, err = setupQueue(ctx, app)
	if err != nil {
		return nil, err
	}
	fetch, err := setupFetcher(app, blobs)
	if err != nil {
		return nil, err
	}

	clock := system.New()
	ids := iduuid.New()
	app.dispatch = dispatcher.New(app.queue, ids, clock, app.logger.Named("dispatcher"))
	app.controller = lifecycle.NewController(app.store, app.dispatch, ids, clock, emitter, lifecycle.Config{
		SubmitTimeout: cfg.Jobs.SubmitTimeout,
		DefaultLimit:  cfg.Jobs.ListDefaultLimit,
		MaxLimit:      cfg.Jobs.ListMaxLimit,
	}, app.logger.Named("lifecycle"))
	coordinator := lifecycle.NewCoordinator(app.controller, app.dispatch, app.logger.Named("cancel"))

	for i := 0; i < cfg.Workers.Concurrency; i++ {
		app.workers = append(app.workers, worker.New(
			app.queue,
			app.dispatch,
			app.controller,
			app.store,
			fetch,
			clock,
			emitter,
			worker.Config{ID: i, Timeout: cfg.Jobs.Timeout},
			app.logger.Named("worker").With(zap.Int("index", i)),
		))
	}

	app.apiServer = api.NewServer(app.controller, coordinator, app.store, api.Config{
		AuthEnabled:    cfg.Auth.Enabled,
		APIKey:         cfg.Auth.APIKey,
		RequestTimeout: cfg.Server.RequestTimeout,
		DefaultLimit:   cfg.Jobs.ListDefaultLimit,
		MaxLimit:       cfg.Jobs.ListMaxLimit,
	}, app.logger.Named("api"))

	built = true
	return app, nil
}

// Handler exposes the HTTP handler, mainly for tests.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Run recovers jobs lost by a previous process, starts the worker pool and
// the HTTP server, and blocks until ctx is cancelled or a termination signal
// arrives. Executions still running at shutdown end Failed ("interrupted").
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if a.cfg.Jobs.RecoverOnStart {
		if n, err := a.controller.RecoverInterrupted(ctx); err != nil {
			a.logger.Error("job recovery incomplete", zap.Int("recovered", n), zap.Error(err))
		}
	}

	workersDone := make(chan struct{})
	go func() {
		defer close(workersDone)
		a.logger.Info("worker pool started", zap.Int("workers", len(a.workers)))
		a.dispatch.Run(ctx, a.workers...)
	}()

	srv := &http.Server{
		Addr:              net.JoinHostPort("", strconv.Itoa(a.cfg.Server.Port)),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		var err error
		if a.listener != nil {
			a.logger.Info("http server started", zap.String("addr", a.listener.Addr().String()))
			err = srv.Serve(a.listener)
		} else {
			a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			serveErr <- err
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	select {
	case <-workersDone:
	case <-shutdownCtx.Done():
		a.logger.Warn("workers did not stop before the shutdown deadline")
	}

	closeErr := a.Close(shutdownCtx)
	select {
	case err := <-serveErr:
		return errors.Join(fmt.Errorf("http server: %w", err), closeErr)
	default:
		return closeErr
	}
}

// Close gracefully shuts down the application.
func (a *App) Close(ctx context.Context) error {
	errs := a.closeInfrastructure(ctx)
	if err := a.telemetry.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("telemetry shutdown: %w", err))
	}
	a.logger.Info("shutdown complete")
	_ = a.logger.Sync()
	return errors.Join(errs...)
}

func (a *App) closeInfrastructure(ctx context.Context) []error {
	var errs []error
	if a.queue != nil {
		if err := a.queue.Close(); err != nil {
			errs = append(errs, fmt.Errorf("queue close: %w", err))
		}
	}
	if a.progressHub != nil {
		if err := a.progressHub.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("progress hub close: %w", err))
		}
	}
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			errs = append(errs, fmt.Errorf("publisher close: %w", err))
		}
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			errs = append(errs, fmt.Errorf("pubsub client close: %w", err))
		}
	}
	if a.blobCloser != nil {
		if err := a.blobCloser(); err != nil {
			errs = append(errs, fmt.Errorf("blob store close: %w", err))
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("job store close: %w", err))
		}
	}
	for _, err := range errs {
		a.logger.Warn("close failed", zap.Error(err))
	}
	return errs
}
