// Package app builds and holds the long-lived services of the crawler and
// wires them into crawl runs.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/Dankin/vmware-kb/internal/api"
	"github.com/Dankin/vmware-kb/internal/assets"
	"github.com/Dankin/vmware-kb/internal/clock/system"
	"github.com/Dankin/vmware-kb/internal/config"
	"github.com/Dankin/vmware-kb/internal/dispatcher"
	"github.com/Dankin/vmware-kb/internal/extract"
	collyfetcher "github.com/Dankin/vmware-kb/internal/fetcher/colly"
	"github.com/Dankin/vmware-kb/internal/gateway"
	idgen "github.com/Dankin/vmware-kb/internal/id/uuid"
	"github.com/Dankin/vmware-kb/internal/kb"
	"github.com/Dankin/vmware-kb/internal/metrics"
	"github.com/Dankin/vmware-kb/internal/policy/ratelimit"
	"github.com/Dankin/vmware-kb/internal/progress"
	progresssinks "github.com/Dankin/vmware-kb/internal/progress/sinks"
	memorypublisher "github.com/Dankin/vmware-kb/internal/publisher/memory"
	gcppublisher "github.com/Dankin/vmware-kb/internal/publisher/pubsub"
	gcsstorage "github.com/Dankin/vmware-kb/internal/storage/gcs"
	localstorage "github.com/Dankin/vmware-kb/internal/storage/local"
	pgstore "github.com/Dankin/vmware-kb/internal/storage/postgres"
	"github.com/Dankin/vmware-kb/internal/storage/sqlite"
	"github.com/Dankin/vmware-kb/internal/store"
	"github.com/Dankin/vmware-kb/internal/telemetry"
	"github.com/Dankin/vmware-kb/internal/worker"
)

// ArticleStore is the database seen by the application.
type ArticleStore interface {
	kb.ArticleStore
	kb.SchemaManager
	Ping(ctx context.Context) error
}

var newTraceExporter = telemetry.NewCloudTraceExporter

// App contains the application's dependencies.
type App struct {
	cfg    config.Config
	logger *zap.Logger
	clock  kb.Clock

	store     ArticleStore
	runs      store.RunRepository
	gateway   *gateway.Gateway
	extractor *extract.Extractor
	publisher kb.Publisher
	pubsub    *gcppublisher.Publisher
	files     *localstorage.BlobStore
	mirror    assets.Mirror
	gcs       *gcsstorage.BlobStore
	limiter   *ratelimit.Limiter
	hub       *progress.Hub

	registerer     prometheus.Registerer
	version        string
	tracerProvider *sdktrace.TracerProvider
}

// Option customizes Build.
type Option func(*App)

// WithRegisterer registers progress collectors against reg instead of the
// default registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(a *App) {
		a.registerer = reg
	}
}

// WithVersion tags traces with the build version.
func WithVersion(v string) Option {
	return func(a *App) {
		a.version = v
	}
}

// Build creates the application's dependencies. On error everything opened
// so far is released.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	app := &App{
		cfg:        cfg,
		logger:     logger,
		clock:      system.New(),
		registerer: prometheus.DefaultRegisterer,
		version:    "dev",
	}
	for _, opt := range opts {
		opt(app)
	}
	metrics.Init()

	if err := app.build(ctx); err != nil {
		if cerr := app.Close(context.WithoutCancel(ctx)); cerr != nil {
			logger.Warn("cleanup after failed build", zap.Error(cerr))
		}
		return nil, err
	}
	return app, nil
}

func (a *App) build(ctx context.Context) error {
	var err error
	traceCfg := telemetry.Config{
		ServiceName: a.cfg.Tracing.ServiceName,
		Version:     a.version,
		SampleRatio: a.cfg.Tracing.SampleRatio,
	}
	if a.cfg.Tracing.ProjectID != "" {
		traceCfg.Exporter, err = newTraceExporter(a.cfg.Tracing.ProjectID)
		if err != nil {
			return fmt.Errorf("trace exporter init failed: %w", err)
		}
		a.logger.Info("exporting spans to Cloud Trace", zap.String("project", a.cfg.Tracing.ProjectID))
	}
	a.tracerProvider, err = telemetry.InitTracerProvider(ctx, traceCfg)
	if err != nil {
		return fmt.Errorf("tracer init failed: %w", err)
	}

	a.logger.Info("building application dependencies")
	if err = a.setupDatabase(ctx); err != nil {
		return err
	}
	if err = a.setupPublisher(ctx); err != nil {
		return err
	}
	if err = a.setupAssets(ctx); err != nil {
		return err
	}
	if err = a.setupProgress(ctx); err != nil {
		return err
	}

	if a.cfg.Throttle.GlobalRPS > 0 {
		a.limiter = ratelimit.New(ratelimit.Config{
			RPS:   a.cfg.Throttle.GlobalRPS,
			Burst: a.cfg.Throttle.GlobalBurst,
		})
		a.logger.Info("global rate limit enabled",
			zap.Float64("rps", a.cfg.Throttle.GlobalRPS),
			zap.Int("burst", a.cfg.Throttle.GlobalBurst))
	}

	a.extractor = extract.New(a.logger.Named("extract"))
	a.gateway = gateway.New(a.store, a.clock, a.logger.Named("gateway"))
	known, err := a.gateway.Load(ctx)
	if err != nil {
		return fmt.Errorf("load existing ids: %w", err)
	}
	a.logger.Info("existing articles loaded", zap.Int("count", known))
	return nil
}

func (a *App) setupDatabase(ctx context.Context) error {
	switch a.cfg.DB.Driver {
	case config.DriverPostgres:
		pg, err := pgstore.NewArticleStore(ctx, pgstore.Config{
			DSN:      a.cfg.DB.DSN,
			MaxConns: a.cfg.DB.MaxConns,
		})
		if err != nil {
			return fmt.Errorf("postgres store init failed: %w", err)
		}
		a.store = pg
		if err := pg.Migrate(ctx); err != nil {
			return fmt.Errorf("postgres migrate failed: %w", err)
		}
		a.runs = pg.Runs()
		a.logger.Info("using postgres article store")
	default:
		lite, err := sqlite.Open(ctx, sqlite.Config{Path: a.cfg.DB.Path})
		if err != nil {
			return fmt.Errorf("sqlite store init failed: %w", err)
		}
		a.store = lite
		a.runs = lite.Runs()
		a.logger.Info("using sqlite article store", zap.String("path", lite.Path()))
	}
	return nil
}

func (a *App) setupPublisher(ctx context.Context) error {
	if !a.cfg.PubSub.Enabled() {
		a.logger.Warn("no Pub/Sub topic configured, using in-memory publisher")
		a.publisher = memorypublisher.New()
		return nil
	}
	pub, err := gcppublisher.Dial(ctx, a.cfg.PubSub.ProjectID, a.logger.Named("pubsub"))
	if err != nil {
		return fmt.Errorf("pubsub client init failed: %w", err)
	}
	a.pubsub = pub
	if err := pub.CheckTopic(ctx, a.cfg.PubSub.Topic); err != nil {
		return fmt.Errorf("pubsub topic check failed: %w", err)
	}
	a.publisher = pub
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.Topic))
	return nil
}

func (a *App) setupAssets(ctx context.Context) error {
	if !a.cfg.Assets.Enabled {
		a.logger.Info("asset localization disabled")
		return nil
	}
	files, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Assets.Root})
	if err != nil {
		return fmt.Errorf("asset store init failed: %w", err)
	}
	a.files = files
	switch {
	case a.cfg.Assets.GCSBucket != "":
		client, err := gcsstorage.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("gcs client init failed: %w", err)
		}
		a.gcs, err = gcsstorage.New(client, gcsstorage.Config{
			Bucket: a.cfg.Assets.GCSBucket,
			Prefix: a.cfg.Assets.GCSPrefix,
		})
		if err != nil {
			_ = client.Close()
			return fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.mirror = a.gcs
		a.logger.Info("mirroring assets to GCS", zap.String("bucket", a.cfg.Assets.GCSBucket))
	case a.cfg.Assets.MirrorDir != "":
		dir, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Assets.MirrorDir})
		if err != nil {
			return fmt.Errorf("asset mirror init failed: %w", err)
		}
		a.mirror = dir
		a.logger.Info("mirroring assets to directory", zap.String("dir", a.cfg.Assets.MirrorDir))
	}
	return nil
}

func (a *App) setupProgress(ctx context.Context) error {
	sinkList := []progress.Sink{progresssinks.NewLogSink(a.logger.Named("progress_log"))}
	promSink, err := progresssinks.NewPrometheusSink(a.registerer)
	if err != nil {
		return fmt.Errorf("progress metrics init failed: %w", err)
	}
	sinkList = append(sinkList, promSink)
	if a.cfg.Progress.PersistRuns {
		sinkList = append(sinkList, progresssinks.NewStoreSink(a.runs, a.logger.Named("progress_store")))
	}
	hubCfg := progress.Config{
		BufferSize:   a.cfg.Progress.BufferSize,
		MaxBatchWait: a.cfg.Progress.MaxBatchWait,
		BaseContext:  context.WithoutCancel(ctx),
		Logger:       a.logger.Named("progress_hub"),
	}
	a.hub = progress.NewHub(hubCfg, sinkList...)
	a.logger.Debug("progress hub initialized",
		zap.Int("sinks", len(sinkList)),
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Duration("max_batch_wait", hubCfg.MaxBatchWait))
	return nil
}

// Store returns the article database.
func (a *App) Store() ArticleStore {
	return a.store
}

// Gateway returns the shared store gateway.
func (a *App) Gateway() *gateway.Gateway {
	return a.gateway
}

// Publisher returns the notification publisher.
func (a *App) Publisher() kb.Publisher {
	return a.publisher
}

// Crawl processes every id in [start, end] with the configured pool. The ops
// server, when enabled, runs for the duration of the crawl.
func (a *App) Crawl(ctx context.Context, start, end int) (dispatcher.Summary, error) {
	d, release, err := a.newDispatcher(a.cfg.Crawler.Workers)
	if err != nil {
		return dispatcher.Summary{}, err
	}
	defer release()

	if a.cfg.Server.Enabled {
		srvCtx, stopServer := context.WithCancel(ctx)
		srvDone := make(chan struct{})
		defer func() {
			stopServer()
			<-srvDone
		}()
		srv := api.NewServer(api.Deps{Runs: a.runs, Live: d, Ready: a.store.Ping}, a.logger.Named("api"))
		go func() {
			defer close(srvDone)
			a.logger.Info("http server started", zap.String("addr", a.cfg.Server.Addr))
			if err := srv.ListenAndServe(srvCtx, a.cfg.Server.Addr); err != nil {
				a.logger.Error("http server error", zap.Error(err))
			}
		}()
	}

	return d.Run(ctx, start, end)
}

// Fetch processes a single id. With force the stored article is deleted
// first so the page is fetched again.
func (a *App) Fetch(ctx context.Context, id int, force bool) (dispatcher.Summary, error) {
	if force {
		removed, err := a.gateway.Forget(ctx, id)
		if err != nil {
			return dispatcher.Summary{}, fmt.Errorf("forget kb %d: %w", id, err)
		}
		a.logger.Info("existing article removed", zap.Int("kb", id), zap.Bool("existed", removed))
	}
	d, release, err := a.newDispatcher(1)
	if err != nil {
		return dispatcher.Summary{}, err
	}
	defer release()
	return d.Run(ctx, id, id)
}

// Migrate applies the schema and indexes articles missing from search.
func (a *App) Migrate(ctx context.Context) (kb.SearchStatus, error) {
	if err := a.store.Migrate(ctx); err != nil {
		return kb.SearchStatus{}, err
	}
	added, err := a.store.BackfillSearch(ctx)
	if err != nil {
		return kb.SearchStatus{}, err
	}
	status, err := a.store.SearchStatus(ctx)
	if err != nil {
		return kb.SearchStatus{}, err
	}
	a.logger.Info("schema up to date",
		zap.Int64("search_rows_added", added),
		zap.Int64("articles", status.Articles),
		zap.Int64("indexed", status.Indexed))
	return status, nil
}

func (a *App) newDispatcher(n int) (*dispatcher.Dispatcher, func(), error) {
	runID, err := idgen.New().NewRunID()
	if err != nil {
		return nil, nil, fmt.Errorf("run id: %w", err)
	}
	workers, release := a.newWorkers(n)
	d := dispatcher.New(dispatcher.Config{
		RunID:       runID,
		ResultWait:  a.cfg.Crawler.ResultWait,
		ReportEvery: a.cfg.Crawler.ReportEvery,
	}, workers, a.hub, a.clock, a.logger.Named("dispatcher").With(zap.String("run_id", runID.String())))
	return d, release, nil
}

// newWorkers builds n workers. Each owns its fetcher, pacing state and asset
// localizer; the gateway, extractor, publisher and global limiter are shared.
func (a *App) newWorkers(n int) ([]dispatcher.Processor, func()) {
	workerCfg := worker.Config{Topic: a.cfg.PubSub.Topic}
	fetchers := make([]*collyfetcher.Fetcher, 0, n)
	workers := make([]dispatcher.Processor, 0, n)
	for i := range n {
		logger := a.logger.Named("worker").With(zap.Int("index", i))
		governor := ratelimit.NewGovernor(ratelimit.GovernorConfig{
			MinDelay:    a.cfg.Throttle.Min,
			MaxDelay:    a.cfg.Throttle.Max,
			BackoffBase: a.cfg.Throttle.BackoffBase,
			MaxJitter:   a.cfg.Throttle.MaxJitter,
		}, a.limiter)
		fetcher := collyfetcher.New(collyfetcher.Config{
			BaseURL:       a.cfg.Crawler.BaseURL,
			UserAgent:     a.cfg.Crawler.UserAgent,
			Timeout:       a.cfg.HTTP.Timeout,
			MaxAttempts:   a.cfg.HTTP.MaxAttempts,
			MinBodyBytes:  a.cfg.HTTP.MinBodyBytes,
			RespectRobots: a.cfg.Crawler.RespectRobots,
		}, governor, logger)
		fetchers = append(fetchers, fetcher)

		deps := worker.Deps{
			Fetcher:   fetcher,
			Extractor: a.extractor,
			Gateway:   a.gateway,
			Publisher: a.publisher,
			Clock:     a.clock,
		}
		if a.files != nil {
			deps.Localizer = a.newLocalizer(fetcher, logger)
		}
		workers = append(workers, worker.New(workerCfg, deps, logger))
	}
	return workers, func() {
		for _, f := range fetchers {
			f.Close()
		}
	}
}

func (a *App) newLocalizer(fetcher *collyfetcher.Fetcher, logger *zap.Logger) *assets.Localizer {
	cfg := assets.DefaultConfig()
	cfg.UserAgent = a.cfg.Crawler.UserAgent
	if a.cfg.Assets.PublicPrefix != "" {
		cfg.PublicPrefix = a.cfg.Assets.PublicPrefix
	}
	if a.cfg.Assets.ImageTimeout > 0 {
		cfg.ImageTimeout = a.cfg.Assets.ImageTimeout
	}
	if a.cfg.Assets.AttachmentTimeout > 0 {
		cfg.AttachmentTimeout = a.cfg.Assets.AttachmentTimeout
	}
	if a.cfg.Assets.AttachmentMaxBytes > 0 {
		cfg.MaxAttachmentBytes = a.cfg.Assets.AttachmentMaxBytes
	}
	var opts []assets.Option
	if a.mirror != nil {
		opts = append(opts, assets.WithMirror(a.mirror))
	}
	return assets.New(cfg, fetcher.Transport(), a.files, logger.Named("assets"), opts...)
}

// Close gracefully shuts down the application.
func (a *App) Close(ctx context.Context) error {
	err := a.closeInfrastructure(ctx)
	a.closeObservability(ctx)
	a.logger.Info("shutdown complete")
	return err
}

func (a *App) closeInfrastructure(ctx context.Context) error {
	var errs []error
	if a.hub != nil {
		if err := a.hub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
			errs = append(errs, err)
		}
	}
	if a.pubsub != nil {
		if err := a.pubsub.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
			errs = append(errs, err)
		}
	}
	if a.gcs != nil {
		if err := a.gcs.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
			errs = append(errs, err)
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("article store close failed", zap.Error(err))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (a *App) closeObservability(ctx context.Context) {
	if a.tracerProvider != nil {
		if err := a.tracerProvider.Shutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	// Sync reports an error for terminal outputs.
	_ = a.logger.Sync()
}
