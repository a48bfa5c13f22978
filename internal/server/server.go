// Package server builds the gateway's dependency graph and runs it until a
// shutdown signal arrives.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/product-search-gateway/internal/api"
	"github.com/JakeFAU/product-search-gateway/internal/archive"
	"github.com/JakeFAU/product-search-gateway/internal/artifact"
	"github.com/JakeFAU/product-search-gateway/internal/clock/system"
	"github.com/JakeFAU/product-search-gateway/internal/config"
	"github.com/JakeFAU/product-search-gateway/internal/dispatcher"
	"github.com/JakeFAU/product-search-gateway/internal/hash/sha256"
	"github.com/JakeFAU/product-search-gateway/internal/id/sequence"
	"github.com/JakeFAU/product-search-gateway/internal/id/uuid"
	"github.com/JakeFAU/product-search-gateway/internal/logging"
	"github.com/JakeFAU/product-search-gateway/internal/metrics"
	"github.com/JakeFAU/product-search-gateway/internal/policy/ratelimit"
	"github.com/JakeFAU/product-search-gateway/internal/progress"
	progresssinks "github.com/JakeFAU/product-search-gateway/internal/progress/sinks"
	memorypublisher "github.com/JakeFAU/product-search-gateway/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/product-search-gateway/internal/publisher/pubsub"
	"github.com/JakeFAU/product-search-gateway/internal/search"
	gcsstorage "github.com/JakeFAU/product-search-gateway/internal/storage/gcs"
	localstorage "github.com/JakeFAU/product-search-gateway/internal/storage/local"
	memorystorage "github.com/JakeFAU/product-search-gateway/internal/storage/memory"
	pgstore "github.com/JakeFAU/product-search-gateway/internal/storage/postgres"
	"github.com/JakeFAU/product-search-gateway/internal/telemetry"
	"github.com/JakeFAU/product-search-gateway/internal/worker"
)

// Version is reported by /health. It is overridden at link time.
var Version = "dev"

// Option customizes Build.
type Option func(*options)

type options struct {
	logger     *zap.Logger
	registerer prometheus.Registerer
}

// WithLogger supplies a logger instead of building one from config.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithRegisterer registers invocation collectors somewhere other than the
// default Prometheus registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// App contains the application's dependencies.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	apiServer    *api.Server
	orchestrator *worker.Orchestrator
	progressHub  *progress.Hub
	janitor      *artifact.Janitor

	blobs   search.BlobStore
	pub     search.Publisher
	history search.HistoryStore

	storageClient   *storage.Client
	pubsubClient    *pubsub.Client
	pubsubPublisher *gcppublisher.Publisher
	historyStore    *pgstore.HistoryStore
	tracerProvider  *sdktrace.TracerProvider

	closeOnce sync.Once
}

// Build creates the application's dependencies. On error every resource
// opened so far is released.
func Build(ctx context.Context, cfg config.Config, opts ...Option) (_ *App, err error) {
	o := options{registerer: prometheus.DefaultRegisterer}
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger
	if logger == nil {
		logger, err = logging.New(logging.Config{
			Development: cfg.Logging.Development,
			Level:       cfg.Logging.Level,
			Dir:         cfg.Logging.Dir,
		})
		if err != nil {
			return nil, fmt.Errorf("logger init failed: %w", err)
		}
		zap.ReplaceGlobals(logger)
	}

	app := &App{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			app.closeInfrastructure(context.Background())
		}
	}()

	logger.Info("building application dependencies",
		zap.String("environment", cfg.Environment),
		zap.Int("port", cfg.Server.Port),
		zap.String("worker_script", cfg.Worker.Script),
		zap.Duration("worker_timeout", cfg.Worker.Timeout),
		zap.Int("max_concurrent", cfg.Worker.MaxConcurrent),
	)
	metrics.Init()

	if cfg.Tracing.Enabled {
		app.tracerProvider, err = telemetry.InitTracerProvider(ctx, telemetry.Config{
			ServiceName: cfg.Tracing.ServiceName,
			Version:     Version,
			Environment: cfg.Environment,
		})
		if err != nil {
			return nil, fmt.Errorf("tracer init failed: %w", err)
		}
	}

	clock := system.New()
	idGen, err := newIDGenerator(cfg.ID)
	if err != nil {
		return nil, err
	}

	app.janitor = artifact.NewJanitor(cfg.Artifacts.Patterns, logger.Named("janitor"))
	if cfg.Artifacts.SweepOnStartup {
		removed := app.janitor.Sweep(cfg.Artifacts.Dir)
		metrics.ObserveSwept(removed)
		logger.Info("startup artifact sweep", zap.String("dir", cfg.Artifacts.Dir), zap.Int("removed", removed))
	}

	if err = app.setupProgress(o.registerer); err != nil {
		return nil, err
	}
	if err = app.setupStorage(ctx); err != nil {
		return nil, err
	}
	if err = app.setupPublisher(ctx); err != nil {
		return nil, err
	}
	if err = app.setupHistory(ctx); err != nil {
		return nil, err
	}

	app.orchestrator, err = worker.New(worker.Config{
		Interpreter:   cfg.Worker.Interpreter,
		Script:        cfg.Worker.Script,
		Args:          cfg.Worker.Args,
		QueryFlag:     cfg.Worker.QueryFlag,
		WorkDir:       cfg.Artifacts.Dir,
		Timeout:       cfg.Worker.Timeout,
		RequestIDEnv:  cfg.Worker.RequestIDEnv,
		ResultPathEnv: cfg.Worker.ResultPathEnv,
		Env:           cfg.Worker.Env,
		StderrLimit:   cfg.Worker.StderrLimit,
		WaitDelay:     cfg.Worker.WaitDelay,
	}, app.janitor, clock, app.progressHub, logger.Named("worker"))
	if err != nil {
		return nil, fmt.Errorf("worker init failed: %w", err)
	}

	slots := dispatcher.New(app.orchestrator, dispatcher.Config{
		MaxConcurrent: cfg.Worker.MaxConcurrent,
		SlotWait:      cfg.Worker.SlotWait,
	}, clock, app.progressHub, logger.Named("dispatcher"))

	recorder := archive.New(slots, app.blobs, app.pub, app.history, sha256.New(), clock, archive.Config{
		Prefix:      cfg.Archive.Prefix,
		ContentType: cfg.Archive.ContentType,
		Topic:       cfg.Notify.Topic,
	}, logger.Named("archive"))

	serverOpts := []api.Option{api.WithVersion(Version)}
	if app.history != nil {
		serverOpts = append(serverOpts, api.WithHistory(app.history))
	}
	limiter := ratelimit.New(ratelimit.Config{
		RPS:   cfg.Limits.RatePerSecond,
		Burst: cfg.Limits.RateBurst,
	})
	if limiter.Enabled() {
		serverOpts = append(serverOpts, api.WithRateLimiter(limiter))
		logger.Info("search rate limit enabled",
			zap.Float64("rps", cfg.Limits.RatePerSecond),
			zap.Int("burst", cfg.Limits.RateBurst),
		)
	}
	app.apiServer = api.NewServer(recorder, idGen, clock, cfg, logger.Named("api"), serverOpts...)

	return app, nil
}

func newIDGenerator(cfg config.IDConfig) (search.IDGenerator, error) {
	switch cfg.Format {
	case "", "sequence":
		return sequence.New(), nil
	case "uuid":
		return uuid.New(cfg.Prefix), nil
	default:
		return nil, fmt.Errorf("unknown id format %q", cfg.Format)
	}
}

func (a *App) setupProgress(reg prometheus.Registerer) error {
	promSink, err := progresssinks.NewPrometheusSink(reg)
	if err != nil {
		return fmt.Errorf("progress metrics init failed: %w", err)
	}
	a.progressHub = progress.NewHub(progress.Config{
		Logger: a.logger.Named("progress_hub"),
	}, progresssinks.NewLogSink(a.logger.Named("progress_log")), promSink)
	return nil
}

func (a *App) setupStorage(ctx context.Context) error {
	var err error
	switch a.cfg.Archive.Backend {
	case "gcs":
		a.storageClient, err = storage.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("gcs client init failed: %w", err)
		}
		a.blobs, err = gcsstorage.New(a.storageClient, gcsstorage.Config{Bucket: a.cfg.Archive.GCSBucket})
		if err != nil {
			return fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.logger.Info("using GCS archive backend", zap.String("bucket", a.cfg.Archive.GCSBucket))
	case "local":
		a.blobs, err = localstorage.New(localstorage.Config{BaseDir: a.cfg.Archive.Dir})
		if err != nil {
			return fmt.Errorf("local blob store init failed: %w", err)
		}
		a.logger.Info("using local archive backend", zap.String("path", a.cfg.Archive.Dir))
	case "memory":
		a.blobs = memorystorage.NewBlobStore()
		a.logger.Info("using in-memory archive backend")
	default:
		a.logger.Info("result archive disabled")
	}
	return nil
}

func (a *App) setupPublisher(ctx context.Context) error {
	switch a.cfg.Notify.Backend {
	case "pubsub":
		client, err := pubsub.NewClient(ctx, a.cfg.Notify.ProjectID)
		if err != nil {
			return fmt.Errorf("pubsub client init failed: %w", err)
		}
		a.pubsubClient = client
		a.pubsubPublisher = gcppublisher.New(client.Publisher(a.cfg.Notify.Topic))
		a.pub = a.pubsubPublisher
		a.logger.Info("Pub/Sub publisher initialized",
			zap.String("project", a.cfg.Notify.ProjectID),
			zap.String("topic", a.cfg.Notify.Topic),
		)
	case "memory":
		a.pub = memorypublisher.New()
		a.logger.Info("using in-memory notification publisher")
	default:
		a.logger.Info("completion notifications disabled")
	}
	return nil
}

func (a *App) setupHistory(ctx context.Context) error {
	switch a.cfg.History.Backend {
	case "postgres":
		store, err := pgstore.NewHistoryStore(ctx, pgstore.HistoryStoreConfig{
			DSN:      a.cfg.History.DSN,
			MaxConns: a.cfg.History.MaxConns,
		})
		if err != nil {
			return fmt.Errorf("history store init failed: %w", err)
		}
		a.historyStore = store
		if err := store.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("history schema init failed: %w", err)
		}
		a.history = store
		a.logger.Info("postgres invocation history initialized")
	case "memory":
		a.history = memorystorage.NewHistoryStore(a.cfg.History.MaxRecords)
		a.logger.Info("using in-memory invocation history", zap.Int("max_records", a.cfg.History.MaxRecords))
	default:
		a.logger.Info("invocation history disabled")
	}
	return nil
}

// Handler exposes the HTTP handler, mostly for tests.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Run serves HTTP until ctx is canceled or SIGINT/SIGTERM arrives, then
// shuts down gracefully.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: a.cfg.Server.ReadTimeout,
		ReadTimeout:       a.cfg.Server.ReadTimeout,
		WriteTimeout:      a.cfg.Server.WriteTimeout,
		IdleTimeout:       a.cfg.Server.IdleTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		a.logger.Info("shutdown initiated")
	case err := <-serveErr:
		if err != nil {
			a.logger.Error("http server error", zap.Error(err))
			runErr = fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}

	a.Close(shutdownCtx)
	return runErr
}

// Close kills in-flight workers and releases every backend. It is safe to
// call more than once.
func (a *App) Close(ctx context.Context) {
	a.closeOnce.Do(func() {
		if a.orchestrator != nil {
			if live := a.orchestrator.Live(); live > 0 {
				a.logger.Warn("killing in-flight workers", zap.Int("live", live))
			}
			a.orchestrator.Close()
		}
		a.closeInfrastructure(ctx)
		a.logger.Info("shutdown complete")
		if err := a.logger.Sync(); err != nil {
			a.logger.Debug("logger sync failed", zap.Error(err))
		}
	})
}

func (a *App) closeInfrastructure(ctx context.Context) {
	if a.progressHub != nil {
		if err := a.progressHub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
	}
	if a.pubsubPublisher != nil {
		a.pubsubPublisher.Stop()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.storageClient != nil {
		if err := a.storageClient.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.historyStore != nil {
		a.historyStore.Close()
	}
	if a.tracerProvider != nil {
		if err := a.tracerProvider.Shutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
}
