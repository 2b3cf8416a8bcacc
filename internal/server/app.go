// Package server wires configuration into a running supervisor process.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"syscall"
	"time"

	"cloud.google.com/go/storage"
	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/extraction-supervisor/internal/api"
	"github.com/JakeFAU/extraction-supervisor/internal/clock/system"
	"github.com/JakeFAU/extraction-supervisor/internal/config"
	"github.com/JakeFAU/extraction-supervisor/internal/downstream"
	"github.com/JakeFAU/extraction-supervisor/internal/id/uuid"
	"github.com/JakeFAU/extraction-supervisor/internal/logging"
	"github.com/JakeFAU/extraction-supervisor/internal/metrics"
	"github.com/JakeFAU/extraction-supervisor/internal/progress"
	progresssinks "github.com/JakeFAU/extraction-supervisor/internal/progress/sinks"
	gcppublisher "github.com/JakeFAU/extraction-supervisor/internal/publisher/pubsub"
	"github.com/JakeFAU/extraction-supervisor/internal/scheduler"
	gcsstorage "github.com/JakeFAU/extraction-supervisor/internal/storage/gcs"
	localstorage "github.com/JakeFAU/extraction-supervisor/internal/storage/local"
	memorystorage "github.com/JakeFAU/extraction-supervisor/internal/storage/memory"
	pgstore "github.com/JakeFAU/extraction-supervisor/internal/storage/postgres"
	sqlitestore "github.com/JakeFAU/extraction-supervisor/internal/storage/sqlite"
	"github.com/JakeFAU/extraction-supervisor/internal/store"
	"github.com/JakeFAU/extraction-supervisor/internal/supervisor"
	"github.com/JakeFAU/extraction-supervisor/internal/telemetry"
)

const shutdownTimeout = 10 * time.Second

// App contains the application's dependencies.
type App struct {
	cfg        config.Config
	logger     *zap.Logger
	repo       store.ProgressRepository
	hub        *progress.Hub
	publisher  *gcppublisher.Publisher
	gcs        *storage.Client
	tracer     *sdktrace.TracerProvider
	registry   *prometheus.Registry
	collectors *metrics.Collectors
	supervisor *supervisor.Supervisor
	apiServer  *api.Server
	sweeper    *scheduler.Sweeper
}

// Build creates the application's dependencies. On error everything built so
// far is released.
func Build(ctx context.Context, cfg config.Config, version string) (_ *App, err error) {
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)

	app := &App{cfg: cfg, logger: logger, registry: metrics.NewRegistry()}
	defer func() {
		if err != nil {
			app.Close(context.Background())
		}
	}()
	logger.Info("building application",
		zap.Int("port", cfg.Server.Port),
		zap.String("store", cfg.Store.Backend),
		zap.String("downstream", cfg.Downstream.Backend),
		zap.Duration("stale_threshold", cfg.Supervisor.StaleThreshold),
	)

	if cfg.Telemetry.Enabled {
		app.tracer, err = telemetry.InitTracerProvider(ctx, telemetry.Config{
			ServiceName: "extraction-supervisor",
			Version:     version,
			SampleRatio: cfg.Telemetry.SampleRatio,
		})
		if err != nil {
			return nil, fmt.Errorf("tracer init failed: %w", err)
		}
	}

	if app.repo, err = openStore(ctx, cfg, logger); err != nil {
		return nil, err
	}
	if err = app.setupProgress(ctx); err != nil {
		return nil, err
	}
	cleaner, err := app.setupDownstream(ctx)
	if err != nil {
		return nil, err
	}

	var opts []supervisor.Option
	var dropped func() int64
	if app.hub != nil {
		opts = append(opts, supervisor.WithEmitter(app.hub))
		dropped = app.hub.Dropped
	}
	if cleaner != nil {
		opts = append(opts, supervisor.WithCleaner(cleaner))
	}
	app.supervisor, err = supervisor.New(app.repo, system.New(), uuid.New(), supervisor.Config{
		StaleThreshold: cfg.Supervisor.StaleThreshold,
		StoreTimeout:   cfg.Supervisor.StoreTimeout,
		Logger:         logger,
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("supervisor init failed: %w", err)
	}

	app.collectors, err = metrics.New(app.registry, dropped)
	if err != nil {
		return nil, fmt.Errorf("metrics init failed: %w", err)
	}

	apiKey := ""
	if cfg.Auth.Enabled {
		apiKey = cfg.Auth.APIKey
	}
	app.apiServer, err = api.NewServer(app.supervisor, api.Config{
		APIKey:         apiKey,
		RequestTimeout: cfg.Server.RequestTimeout,
		StatsTTL:       cfg.Stats.CacheTTL,
		Readiness:      app.repo,
		Metrics:        app.collectors,
		MetricsHandler: metrics.Handler(app.registry),
		Logger:         logger,
	})
	if err != nil {
		return nil, fmt.Errorf("api init failed: %w", err)
	}

	if cfg.Supervisor.SweepEnabled {
		app.sweeper, err = scheduler.New(app.sweepTarget(), scheduler.Config{
			Schedule: cfg.Supervisor.SweepSchedule,
			Logger:   logger,
		})
		if err != nil {
			return nil, fmt.Errorf("sweeper init failed: %w", err)
		}
	}

	return app, nil
}

func openStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (store.ProgressRepository, error) {
	switch cfg.Store.Backend {
	case config.StorePostgres:
		if cfg.DB.Migrate {
			if err := pgstore.Migrate(cfg.DB.DSN, logger.Named("migrations")); err != nil {
				return nil, fmt.Errorf("postgres migrations failed: %w", err)
			}
		}
		repo, err := pgstore.NewProgressStore(ctx, pgstore.Config{
			DSN:             cfg.DB.DSN,
			MaxConns:        cfg.DB.MaxConns,
			MinConns:        cfg.DB.MinConns,
			MaxConnLifetime: cfg.DB.MaxConnLifetime,
		})
		if err != nil {
			return nil, fmt.Errorf("postgres progress store init failed: %w", err)
		}
		logger.Info("using postgres progress store")
		return repo, nil
	case config.StoreSQLite:
		repo, err := sqlitestore.NewProgressStore(sqlitestore.Config{
			Path:   cfg.Store.SQLitePath,
			Logger: logger.Named("sqlite"),
		})
		if err != nil {
			return nil, fmt.Errorf("sqlite progress store init failed: %w", err)
		}
		logger.Info("using sqlite progress store", zap.String("path", cfg.Store.SQLitePath))
		return repo, nil
	default:
		logger.Warn("using in-memory progress store; records are lost on restart")
		return memorystorage.NewProgressStore(), nil
	}
}

func (a *App) setupProgress(ctx context.Context) error {
	if !a.cfg.Progress.Enabled {
		a.logger.Info("progress events disabled")
		return nil
	}
	promSink, err := progresssinks.NewPrometheusSink(a.registry)
	if err != nil {
		return fmt.Errorf("prometheus sink init failed: %w", err)
	}
	sinkList := []progress.Sink{promSink}
	if a.cfg.Progress.LogEnabled {
		sinkList = append(sinkList, progresssinks.NewLogSink(a.logger.Named("progress_log")))
	}
	if a.cfg.PubSub.Enabled() {
		a.publisher, err = gcppublisher.New(ctx, gcppublisher.Config{
			ProjectID: a.cfg.PubSub.ProjectID,
			TopicName: a.cfg.PubSub.TopicName,
		})
		if err != nil {
			return fmt.Errorf("pubsub publisher init failed: %w", err)
		}
		pubSink, err := progresssinks.NewPublisherSink(a.publisher, a.cfg.PubSub.IncludeHeartbeats)
		if err != nil {
			return fmt.Errorf("publisher sink init failed: %w", err)
		}
		sinkList = append(sinkList, pubSink)
		a.logger.Info("Pub/Sub notifications enabled",
			zap.String("project", a.cfg.PubSub.ProjectID),
			zap.String("topic", a.cfg.PubSub.TopicName),
		)
	}

	hubCfg := progress.Config{
		BufferSize:     a.cfg.Progress.BufferSize,
		MaxBatchEvents: a.cfg.Progress.Batch.MaxEvents,
		MaxBatchWait:   a.cfg.Progress.Batch.MaxWait,
		SinkTimeout:    a.cfg.Progress.SinkTimeout,
		BaseContext:    context.WithoutCancel(ctx),
		Logger:         a.logger.Named("progress_hub"),
	}
	a.hub = progress.NewHub(hubCfg, sinkList...)
	a.logger.Info("progress hub initialized",
		zap.Int("sinks", len(sinkList)),
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Duration("max_batch_wait", hubCfg.MaxBatchWait),
	)
	return nil
}

func (a *App) setupDownstream(ctx context.Context) (*downstream.Cleaner, error) {
	var blobs store.BlobStore
	switch a.cfg.Downstream.Backend {
	case config.DownstreamGCS:
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		a.gcs = client
		if blobs, err = gcsstorage.New(client, gcsstorage.Config{Bucket: a.cfg.Downstream.Bucket}); err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
	case config.DownstreamLocal:
		local, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Downstream.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		blobs = local
	case config.DownstreamMemory:
		blobs = memorystorage.NewBlobStore()
	default:
		a.logger.Info("downstream clearing disabled")
		return nil, nil
	}
	cleaner, err := downstream.NewCleaner(blobs, a.cfg.Downstream.Prefix, a.logger)
	if err != nil {
		return nil, fmt.Errorf("downstream cleaner init failed: %w", err)
	}
	a.logger.Info("downstream clearing enabled", zap.String("backend", a.cfg.Downstream.Backend))
	return cleaner, nil
}

// Handler exposes the HTTP surface.
func (a *App) Handler() http.Handler { return a.apiServer.Handler() }

// Supervisor exposes the lifecycle service.
func (a *App) Supervisor() *supervisor.Supervisor { return a.supervisor }

// Sweep runs one watchdog sweep and records it in the sweep metrics.
func (a *App) Sweep(ctx context.Context) (supervisor.SweepReport, error) {
	return a.sweepTarget().ResetStaleExtractions(ctx)
}

func (a *App) sweepTarget() observedSweep {
	return observedSweep{target: a.supervisor, collectors: a.collectors, onRecovered: a.apiServer.InvalidateStats}
}

// Run listens on the configured port and blocks until ctx is canceled, a
// termination signal arrives or an actor fails.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", a.cfg.Server.Port))
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	return a.Serve(ctx, ln)
}

// Serve runs the HTTP server on ln alongside the sweeper and signal handler
// as one run group. The first actor to return stops the others.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	var g run.Group

	{
		srv := &http.Server{
			Handler:           a.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Add(func() error {
			a.logger.Info("http server started", zap.String("addr", ln.Addr().String()))
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		}, func(error) {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				a.logger.Error("server shutdown error", zap.Error(err))
			}
		})
	}

	if a.sweeper != nil {
		sweepCtx, cancel := context.WithCancel(context.Background())
		g.Add(func() error {
			return a.sweeper.Run(sweepCtx)
		}, func(error) {
			cancel()
		})
	}

	g.Add(run.SignalHandler(ctx, syscall.SIGINT, syscall.SIGTERM))

	err := g.Run()
	a.logger.Info("shutdown initiated", zap.Error(err))
	if errors.Is(err, run.ErrSignal) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Close releases every dependency, flushing queued progress events first.
func (a *App) Close(ctx context.Context) {
	if a.hub != nil {
		if err := a.hub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
	}
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			a.logger.Warn("pubsub publisher close failed", zap.Error(err))
		}
	}
	if a.gcs != nil {
		if err := a.gcs.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.repo != nil {
		if err := a.repo.Close(); err != nil {
			a.logger.Warn("progress store close failed", zap.Error(err))
		}
	}
	if a.tracer != nil {
		if err := a.tracer.Shutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	a.logger.Info("shutdown complete")
	_ = a.logger.Sync()
}

// Migrate applies the schema for the configured durable store. The memory
// store has no schema.
func Migrate(cfg config.Config, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch cfg.Store.Backend {
	case config.StorePostgres:
		return pgstore.Migrate(cfg.DB.DSN, logger.Named("migrations"))
	case config.StoreSQLite:
		repo, err := sqlitestore.NewProgressStore(sqlitestore.Config{
			Path:   cfg.Store.SQLitePath,
			Logger: logger.Named("sqlite"),
		})
		if err != nil {
			return err
		}
		return repo.Close()
	default:
		logger.Info("memory store has no schema to migrate")
		return nil
	}
}

// observedSweep records scheduled and one-shot sweeps in the sweep metrics
// and calls onRecovered when records changed, even on a partial sweep.
type observedSweep struct {
	target      scheduler.Target
	collectors  *metrics.Collectors
	onRecovered func()
}

func (o observedSweep) ResetStaleExtractions(ctx context.Context) (supervisor.SweepReport, error) {
	report, err := o.target.ResetStaleExtractions(ctx)
	o.collectors.ObserveSweep(report.Transitioned, report.Duration, err)
	if report.Transitioned > 0 && o.onRecovered != nil {
		o.onRecovered()
	}
	return report, err
}
