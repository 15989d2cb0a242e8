// Package app builds and runs the runprogress service: it wires configuration
// into the run coordinator, its event sinks and the HTTP API.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/runprogress/internal/api"
	"github.com/JakeFAU/runprogress/internal/clock/system"
	"github.com/JakeFAU/runprogress/internal/config"
	"github.com/JakeFAU/runprogress/internal/coordinator"
	"github.com/JakeFAU/runprogress/internal/hash/sha256"
	runid "github.com/JakeFAU/runprogress/internal/id/uuid"
	"github.com/JakeFAU/runprogress/internal/logging"
	"github.com/JakeFAU/runprogress/internal/metrics"
	"github.com/JakeFAU/runprogress/internal/policy/ratelimit"
	"github.com/JakeFAU/runprogress/internal/progress"
	progresssinks "github.com/JakeFAU/runprogress/internal/progress/sinks"
	memorypublisher "github.com/JakeFAU/runprogress/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/runprogress/internal/publisher/pubsub"
	"github.com/JakeFAU/runprogress/internal/runstate"
	gcsstorage "github.com/JakeFAU/runprogress/internal/storage/gcs"
	localstorage "github.com/JakeFAU/runprogress/internal/storage/local"
	memorystorage "github.com/JakeFAU/runprogress/internal/storage/memory"
	pgstore "github.com/JakeFAU/runprogress/internal/storage/postgres"
	"github.com/JakeFAU/runprogress/internal/store"
	"github.com/JakeFAU/runprogress/internal/telemetry"
	"github.com/JakeFAU/runprogress/internal/worker"
)

const serviceName = "runprogress"

// App contains the application's dependencies.
type App struct {
	cfg         config.Config
	logger      *zap.Logger
	registry    *prometheus.Registry
	coordinator *coordinator.Coordinator
	apiServer   *api.Server

	progressHub     *progress.Hub
	runRepo         store.RunRepository
	pgStore         *pgstore.RunStore
	pubsubClient    *pubsub.Client
	pubsubPublisher *gcppublisher.Publisher
	storage         *storage.Client
	tracerProvider  *sdktrace.TracerProvider
}

// Option customizes Build.
type Option func(*buildOptions)

type buildOptions struct {
	logger    *zap.Logger
	callbacks coordinator.Callbacks
	traceOpts []sdktrace.TracerProviderOption
}

// WithLogger replaces the logger Build would construct from configuration.
func WithLogger(logger *zap.Logger) Option {
	return func(o *buildOptions) { o.logger = logger }
}

// WithCallbacks installs run callbacks, e.g. a terminal progress printer.
func WithCallbacks(callbacks coordinator.Callbacks) Option {
	return func(o *buildOptions) { o.callbacks = callbacks }
}

// WithTracerOptions passes options (exporters, samplers) to the tracer provider.
func WithTracerOptions(opts ...sdktrace.TracerProviderOption) Option {
	return func(o *buildOptions) { o.traceOpts = append(o.traceOpts, opts...) }
}

// Build creates the application's dependencies. ctx parents asynchronous runs
// and sink calls, so canceling it aborts any run in flight.
func Build(ctx context.Context, cfg config.Config, opts ...Option) (*App, error) {
	var bo buildOptions
	for _, opt := range opts {
		opt(&bo)
	}
	logger := bo.logger
	if logger == nil {
		var err error
		logger, err = logging.New(cfg.Logging.Development, logging.WithLevel(cfg.Logging.Level))
		if err != nil {
			return nil, fmt.Errorf("logger init failed: %w", err)
		}
		zap.ReplaceGlobals(logger)
	}

	app := &App{
		cfg:      cfg,
		logger:   logger,
		registry: metrics.NewRegistry(),
	}
	app.logger.Info("building application dependencies",
		zap.Int("server_port", cfg.Server.Port),
		zap.String("storage_backend", cfg.Storage.Backend),
		zap.Bool("database", cfg.DB.DSN != ""),
		zap.Bool("pubsub", cfg.PubSub.ProjectID != ""),
	)

	ok := false
	defer func() {
		if !ok {
			app.closeInfrastructure(context.Background())
		}
	}()

	var err error
	app.tracerProvider, err = telemetry.InitTracerProvider(ctx, serviceName, bo.traceOpts...)
	if err != nil {
		return nil, fmt.Errorf("tracer init failed: %w", err)
	}
	if err = app.setupDatabase(ctx); err != nil {
		return nil, err
	}
	publisher, err := app.setupPublisher(ctx)
	if err != nil {
		return nil, err
	}
	blobStore, err := app.setupStorage(ctx)
	if err != nil {
		return nil, err
	}
	emitter, err := app.setupProgress(ctx, publisher, blobStore)
	if err != nil {
		return nil, err
	}
	if err = app.setupCoordinator(ctx, emitter, bo.callbacks); err != nil {
		return nil, err
	}
	if err = app.setupAPI(); err != nil {
		return nil, err
	}
	ok = true
	return app, nil
}

// Logger returns the application logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Coordinator returns the run coordinator.
func (a *App) Coordinator() *coordinator.Coordinator {
	return a.coordinator
}

// Handler returns the HTTP handler serving the API.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Run serves HTTP and blocks until ctx is canceled or the server fails.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		a.logger.Info("shutdown initiated")
	case serveErr = <-errCh:
		a.logger.Error("http server error", zap.Error(serveErr))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	return errors.Join(serveErr, a.Close(shutdownCtx))
}

// Close cancels any active run, waits for it to wind down, then flushes and
// releases every dependency.
func (a *App) Close(ctx context.Context) error {
	if a.coordinator != nil {
		if err := a.coordinator.CancelRun(); err == nil {
			a.logger.Info("canceled active run during shutdown")
		}
		if err := a.coordinator.Wait(ctx); err != nil {
			a.logger.Warn("active run did not stop", zap.Error(err))
		}
	}
	a.closeInfrastructure(ctx)
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
	return nil
}

func (a *App) shutdownTimeout() time.Duration {
	if a.cfg.Server.ShutdownTimeout > 0 {
		return a.cfg.Server.ShutdownTimeout
	}
	return 10 * time.Second
}

func (a *App) closeInfrastructure(ctx context.Context) {
	if a.progressHub != nil {
		if err := a.progressHub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
		a.progressHub = nil
	}
	if a.pubsubPublisher != nil {
		a.pubsubPublisher.Close()
		a.pubsubPublisher = nil
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
		a.pubsubClient = nil
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
		a.storage = nil
	}
	if a.pgStore != nil {
		a.pgStore.Close()
		a.pgStore = nil
	}
	if a.tracerProvider != nil {
		if err := a.tracerProvider.Shutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
		a.tracerProvider = nil
	}
}

func (a *App) setupDatabase(ctx context.Context) error {
	if a.cfg.DB.DSN == "" {
		a.logger.Warn("no DSN specified for database, keeping run history in memory")
		a.runRepo = memorystorage.NewRunStore()
		return nil
	}
	pg, err := pgstore.NewRunStore(ctx, pgstore.RunStoreConfig{
		DSN:             a.cfg.DB.DSN,
		Table:           a.cfg.DB.Table,
		MaxConns:        a.cfg.DB.MaxConns,
		MinConns:        a.cfg.DB.MinConns,
		MaxConnLifetime: a.cfg.DB.MaxConnLifetime,
	})
	if err != nil {
		return fmt.Errorf("run store init failed: %w", err)
	}
	a.pgStore = pg
	if err := pg.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("run store init failed: %w", err)
	}
	a.runRepo = pg
	a.logger.Info("run store initialized", zap.String("table", a.cfg.DB.Table))
	return nil
}

func (a *App) setupPublisher(ctx context.Context) (progresssinks.Publisher, error) {
	if a.cfg.PubSub.TopicName == "" || a.cfg.PubSub.ProjectID == "" {
		a.logger.Warn("no Pub/Sub topic configured, using in-memory publisher")
		return memorypublisher.New(), nil
	}
	var err error
	a.pubsubClient, err = pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	a.pubsubPublisher, err = gcppublisher.NewForTopic(ctx, a.pubsubClient, a.cfg.PubSub.ProjectID, a.cfg.PubSub.TopicName)
	if err != nil {
		return nil, err
	}
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.TopicName),
	)
	return a.pubsubPublisher, nil
}

func (a *App) setupStorage(ctx context.Context) (progresssinks.BlobStore, error) {
	switch a.cfg.Storage.Backend {
	case config.StorageGCS:
		var err error
		a.storage, err = storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		blobStore, err := gcsstorage.New(a.storage, gcsstorage.Config{Bucket: a.cfg.Storage.GCSBucket})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.logger.Info("using GCS report storage", zap.String("bucket", a.cfg.Storage.GCSBucket))
		return blobStore, nil
	case config.StorageLocal:
		blobStore, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Storage.LocalDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		a.logger.Info("using local report storage", zap.String("path", a.cfg.Storage.LocalDir))
		return blobStore, nil
	case config.StorageNone:
		a.logger.Info("run reports disabled")
		return nil, nil
	default:
		a.logger.Info("using in-memory report storage")
		return memorystorage.NewBlobStore(), nil
	}
}

func (a *App) setupProgress(
	ctx context.Context,
	publisher progresssinks.Publisher,
	blobStore progresssinks.BlobStore,
) (progress.Emitter, error) {
	if !a.cfg.Progress.Enabled {
		a.logger.Info("run event hub disabled")
		return progress.NopEmitter{}, nil
	}
	promSink, err := progresssinks.NewPrometheusSink(a.registry)
	if err != nil {
		return nil, fmt.Errorf("prometheus sink init failed: %w", err)
	}
	sinkList := []progress.Sink{
		promSink,
		progresssinks.NewStoreSink(a.runRepo, a.logger.Named("run_store")),
		progresssinks.NewPublishSink(publisher, a.cfg.PubSub.TopicName, a.logger.Named("run_publish")),
		progresssinks.NewTraceSink(a.tracerProvider),
	}
	if blobStore != nil {
		sinkList = append(sinkList, progresssinks.NewReportSink(blobStore, a.cfg.Storage.Prefix, sha256.New()))
	}
	if a.cfg.Progress.LogEnabled {
		sinkList = append(sinkList, progresssinks.NewLogSink(a.logger.Named("run_events")))
	}
	hubCfg := progress.Config{
		BufferSize:     a.cfg.Progress.BufferSize,
		MaxBatchEvents: a.cfg.Progress.Batch.MaxEvents,
		MaxBatchWait:   a.cfg.Progress.MaxBatchWait(),
		SinkTimeout:    a.cfg.Progress.SinkTimeout(),
		BaseContext:    context.WithoutCancel(ctx),
		Logger:         a.logger.Named("progress_hub"),
	}
	a.progressHub = progress.NewHub(hubCfg, sinkList...)
	a.logger.Info("run event hub initialized",
		zap.Int("sinks", len(sinkList)),
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Int("max_batch_events", hubCfg.MaxBatchEvents),
		zap.Duration("max_batch_wait", hubCfg.MaxBatchWait),
		zap.Duration("sink_timeout", hubCfg.SinkTimeout),
	)
	return a.progressHub, nil
}

func (a *App) setupCoordinator(ctx context.Context, emitter progress.Emitter, callbacks coordinator.Callbacks) error {
	clock := system.New()
	state, err := runstate.New(a.cfg.Run.Target, runstate.WithClock(clock))
	if err != nil {
		return fmt.Errorf("run state init failed: %w", err)
	}
	unit, err := worker.NewUnit(a.cfg.UnitConfig())
	if err != nil {
		return fmt.Errorf("work unit init failed: %w", err)
	}
	mode, err := a.cfg.Mode()
	if err != nil {
		return err
	}
	a.coordinator, err = coordinator.New(state, unit, coordinator.Config{
		Mode:           mode,
		Steps:          a.cfg.Run.Steps,
		SampleInterval: a.cfg.Run.SampleInterval,
	}, callbacks, coordinator.Options{
		Emitter:     emitter,
		IDs:         runid.New(),
		Clock:       clock,
		Logger:      a.logger.Named("coordinator"),
		BaseContext: ctx,
	})
	if err != nil {
		return fmt.Errorf("coordinator init failed: %w", err)
	}
	a.logger.Info("coordinator initialized",
		zap.Stringer("mode", mode),
		zap.String("unit", a.cfg.Run.Unit),
		zap.Int64("target", a.cfg.Run.Target),
		zap.Int("steps", a.cfg.Run.Steps),
		zap.Duration("sample_interval", a.cfg.Run.SampleInterval),
	)
	return nil
}

func (a *App) setupAPI() error {
	httpMetrics, err := metrics.NewHTTP(a.registry)
	if err != nil {
		return fmt.Errorf("http metrics init failed: %w", err)
	}
	var ready api.ReadinessCheck
	if a.pgStore != nil {
		ready = a.pgStore.Ping
	}
	var limiter *ratelimit.Limiter
	if a.cfg.Server.StartRPS > 0 {
		limiter = ratelimit.New(ratelimit.Config{RPS: a.cfg.Server.StartRPS, Burst: a.cfg.Server.StartBurst})
	}
	a.apiServer = api.NewServer(a.coordinator, api.Options{
		Auth:           a.cfg.Auth,
		History:        a.runRepo,
		Metrics:        httpMetrics,
		MetricsHandler: metrics.Handler(a.registry),
		Ready:          ready,
		StartLimiter:   limiter,
		Logger:         a.logger.Named("api"),
	})
	return nil
}
