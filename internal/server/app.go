// Package server builds the newsstand service from configuration and runs it.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/storage"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/newsstand/internal/acquire"
	"github.com/JakeFAU/newsstand/internal/api"
	"github.com/JakeFAU/newsstand/internal/catalog"
	"github.com/JakeFAU/newsstand/internal/clock/system"
	"github.com/JakeFAU/newsstand/internal/config"
	"github.com/JakeFAU/newsstand/internal/devicestatus"
	collyfetcher "github.com/JakeFAU/newsstand/internal/fetcher/colly"
	"github.com/JakeFAU/newsstand/internal/hash/sha256"
	"github.com/JakeFAU/newsstand/internal/logging"
	"github.com/JakeFAU/newsstand/internal/newsstand"
	"github.com/JakeFAU/newsstand/internal/policy/ratelimit"
	memorypublisher "github.com/JakeFAU/newsstand/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/newsstand/internal/publisher/pubsub"
	"github.com/JakeFAU/newsstand/internal/raster"
	"github.com/JakeFAU/newsstand/internal/refresh"
	"github.com/JakeFAU/newsstand/internal/retention"
	"github.com/JakeFAU/newsstand/internal/rotation"
	"github.com/JakeFAU/newsstand/internal/scheduler"
	gcsstorage "github.com/JakeFAU/newsstand/internal/storage/gcs"
	localstorage "github.com/JakeFAU/newsstand/internal/storage/local"
	memorystorage "github.com/JakeFAU/newsstand/internal/storage/memory"
	"github.com/JakeFAU/newsstand/internal/telemetry"
)

// App contains the application's dependencies.
type App struct {
	cfg     config.Config
	logger  *zap.Logger
	clock   newsstand.Clock
	catalog *catalog.Catalog
	store   newsstand.CacheStore

	pipeline  *acquire.Pipeline
	sweeper   *retention.Sweeper
	selector  *rotation.Selector
	refresher *refresh.Refresher
	scheduler *scheduler.Scheduler
	poller    *devicestatus.Poller
	apiServer *api.Server

	pubsubClient    *pubsub.Client
	pubsubPublisher *gcppublisher.Publisher
	storage         *storage.Client
	tracer          *sdktrace.TracerProvider

	// baseCtx bounds refreshes triggered over HTTP; it is canceled by Run.
	baseCtx context.Context
}

// Build creates the application's dependencies.
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
	app := &App{
		cfg:     cfg,
		logger:  logger,
		clock:   system.New(),
		baseCtx: context.Background(),
	}
	logger.Info("building application",
		zap.Int("port", cfg.Server.Port),
		zap.String("cache_backend", cfg.Cache.Backend),
		zap.String("catalog", cfg.Catalog.Path),
	)

	tp, err := telemetry.InitTracerProvider(ctx, cfg.Telemetry.ServiceName)
	if err != nil {
		return nil, fmt.Errorf("tracer init failed: %w", err)
	}
	app.tracer = tp
	// Every failure from here on releases what was already built.
	fail := func(err error) (*App, error) {
		app.Close(ctx)
		return nil, err
	}

	app.catalog, err = catalog.Load(cfg.Catalog.Path)
	if err != nil {
		return fail(fmt.Errorf("catalog init failed: %w", err))
	}
	logger.Info("catalog loaded",
		zap.Int("sources", len(app.catalog.Sources())),
		zap.Int("viewers", len(app.catalog.Viewers())),
	)

	if app.store, err = setupCache(app); err != nil {
		return fail(err)
	}
	if err := setupPipeline(ctx, app); err != nil {
		return fail(err)
	}

	app.sweeper = retention.New(app.store, logger.Named("retention"))

	picker, err := rotation.NewPicker(rotation.Policy(cfg.Rotation.Policy), cfg.Rotation.Seed)
	if err != nil {
		return fail(fmt.Errorf("rotation init failed: %w", err))
	}
	app.selector = rotation.New(app.store, app.catalog, picker, app.clock, rotation.Config{
		WindowDays:            cfg.Rotation.WindowDays,
		DefaultDisplayMinutes: cfg.Rotation.DefaultDisplayMinutes,
	}, logger.Named("rotation"))

	app.refresher = refresh.New(app.sweeper, app.pipeline, app.catalog, app.catalog, app.clock, refresh.Config{
		RetentionDays: cfg.Cache.RetentionDays,
		WindowDays:    cfg.Rotation.WindowDays,
	}, logger.Named("refresh"))

	if err := setupDevices(ctx, app); err != nil {
		return fail(err)
	}
	if err := setupScheduler(app); err != nil {
		return fail(err)
	}

	var statuses api.StatusSource
	if app.poller != nil {
		statuses = app.poller
	}
	app.apiServer = api.NewServer(
		app.store,
		app.catalog,
		app.catalog,
		app.selector,
		func() { app.refresher.Run(app.baseCtx) },
		statuses,
		logger.Named("api"),
	)
	return app, nil
}

func setupCache(app *App) (newsstand.CacheStore, error) {
	switch app.cfg.Cache.Backend {
	case config.BackendMemory:
		app.logger.Info("using in-memory cache store")
		return memorystorage.NewCacheStore(), nil
	default:
		store, err := localstorage.New(localstorage.Config{BaseDir: app.cfg.Cache.Root})
		if err != nil {
			return nil, fmt.Errorf("local cache store init failed: %w", err)
		}
		app.logger.Info("using local cache store", zap.String("root", store.Root()))
		return store, nil
	}
}

func setupPipeline(ctx context.Context, app *App) error {
	cfg := app.cfg
	fetcher := collyfetcher.New(collyfetcher.Config{
		UserAgent:   cfg.HTTP.UserAgent,
		Timeout:     cfg.FetchTimeout(),
		MaxBodySize: cfg.HTTP.MaxBodyBytes,
	})
	app.logger.Info("using colly fetcher", zap.String("user_agent", cfg.HTTP.UserAgent))
	rasterizer := raster.New(raster.Config{Width: cfg.Raster.Width, MaxDPI: cfg.Raster.MaxDPI})

	opts := []acquire.Option{
		acquire.WithLimiter(ratelimit.New(cfg.RateLimit)),
		acquire.WithHasher(sha256.New()),
		acquire.WithClock(app.clock),
	}

	publisher, err := setupPublisher(ctx, app)
	if err != nil {
		return err
	}
	opts = append(opts, acquire.WithPublisher(publisher))

	archive, err := setupArchive(ctx, app)
	if err != nil {
		return err
	}
	if archive != nil {
		opts = append(opts, acquire.WithArchiver(archive))
	}

	app.pipeline = acquire.New(app.store, fetcher, rasterizer, acquire.Config{
		Width:        cfg.Raster.Width,
		MaxInFlight:  cfg.Acquire.MaxInFlight,
		FetchTimeout: cfg.FetchTimeout(),
		ReadyTopic:   cfg.PubSub.TopicName,
	}, app.logger.Named("acquire"), opts...)
	return nil
}

func setupPublisher(ctx context.Context, app *App) (newsstand.Publisher, error) {
	if app.cfg.PubSub.TopicName == "" || app.cfg.PubSub.ProjectID == "" {
		app.logger.Info("no Pub/Sub topic configured, using in-memory publisher")
		return memorypublisher.New(), nil
	}
	var err error
	app.pubsubClient, err = pubsub.NewClient(ctx, app.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	app.pubsubPublisher = gcppublisher.New(app.pubsubClient.Publisher(app.cfg.PubSub.TopicName))
	app.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", app.cfg.PubSub.ProjectID),
		zap.String("topic", app.cfg.PubSub.TopicName),
	)
	return app.pubsubPublisher, nil
}

func setupArchive(ctx context.Context, app *App) (newsstand.Archiver, error) {
	if app.cfg.Archive.GCSBucket == "" {
		return nil, nil
	}
	var err error
	app.storage, err = storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("gcs client init failed: %w", err)
	}
	archive, err := gcsstorage.New(app.storage, gcsstorage.Config{
		Bucket: app.cfg.Archive.GCSBucket,
		Prefix: app.cfg.Archive.Prefix,
	})
	if err != nil {
		return nil, fmt.Errorf("gcs archive init failed: %w", err)
	}
	app.logger.Info("archiving ready rasters to GCS",
		zap.String("bucket", app.cfg.Archive.GCSBucket),
		zap.String("prefix", app.cfg.Archive.Prefix),
	)
	return archive, nil
}

func setupDevices(ctx context.Context, app *App) error {
	if app.cfg.Devices.ClientID == "" {
		app.logger.Debug("device status polling disabled")
		return nil
	}
	client, err := devicestatus.New(ctx, devicestatus.Config{
		APIHost:      app.cfg.Devices.APIHost,
		ClientID:     app.cfg.Devices.ClientID,
		ClientSecret: app.cfg.Devices.ClientSecret,
	})
	if err != nil {
		return fmt.Errorf("device client init failed: %w", err)
	}
	app.poller = devicestatus.NewPoller(client, app.catalog, app.clock, app.logger.Named("devices"))
	return nil
}

func setupScheduler(app *App) error {
	loc := time.Local
	if tz := app.cfg.Scheduler.Timezone; tz != "" {
		var err error
		if loc, err = time.LoadLocation(tz); err != nil {
			return fmt.Errorf("scheduler timezone %q: %w", tz, err)
		}
	}
	sched, err := scheduler.New(scheduler.Config{
		Cron:     app.cfg.Scheduler.Cron,
		Interval: app.cfg.Scheduler.Interval,
		Location: loc,
	}, app.logger.Named("scheduler"))
	if err != nil {
		return fmt.Errorf("scheduler init failed: %w", err)
	}
	sched.Add("refresh", func(ctx context.Context) { app.refresher.Run(ctx) })
	if app.poller != nil {
		sched.Add("devices", func(ctx context.Context) {
			if err := app.poller.Refresh(ctx); err != nil {
				app.logger.Warn("device status refresh failed", zap.Error(err))
			}
		})
	}
	app.scheduler = sched
	return nil
}

// Logger returns the application logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Handler returns the HTTP handler of the API.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Refresh runs one refresh pass synchronously.
func (a *App) Refresh(ctx context.Context) refresh.PassReport {
	return a.refresher.Run(ctx)
}

// Sweep applies the retention policy once.
func (a *App) Sweep(ctx context.Context) retention.Report {
	return a.refresher.Sweep(ctx)
}

// Next answers the rotation question for viewerID; an empty or unknown id is
// served as the wildcard.
func (a *App) Next(ctx context.Context, viewerID, previous string) (newsstand.Selection, error) {
	var viewer *newsstand.Viewer
	if v, ok := a.catalog.Viewer(viewerID); ok {
		viewer = v
	}
	sel, err := a.selector.SelectNext(ctx, viewer, previous)
	if err != nil {
		return newsstand.Selection{}, fmt.Errorf("select next: %w", err)
	}
	return sel, nil
}

// Run starts the scheduler and the HTTP server and blocks until the context
// is canceled or a termination signal arrives.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	a.baseCtx = ctx

	schedDone := make(chan struct{})
	go func() {
		defer close(schedDone)
		if err := a.scheduler.Run(ctx); err != nil {
			a.logger.Error("scheduler error", zap.Error(err))
			stop()
		}
	}()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	<-schedDone
	a.Close(shutdownCtx)
	return nil
}

// Close releases external clients and flushes telemetry.
func (a *App) Close(ctx context.Context) {
	if a.pubsubPublisher != nil {
		a.pubsubPublisher.Stop()
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
	if a.tracer != nil {
		if err := a.tracer.Shutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	a.logger.Info("shutdown complete")
	_ = a.logger.Sync()
}
