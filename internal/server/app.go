// Package server builds the tracker's dependency graph and runs it.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/tm-status-tracker/internal/api"
	"github.com/JakeFAU/tm-status-tracker/internal/captcha"
	"github.com/JakeFAU/tm-status-tracker/internal/clock/system"
	"github.com/JakeFAU/tm-status-tracker/internal/config"
	"github.com/JakeFAU/tm-status-tracker/internal/diagnostics"
	"github.com/JakeFAU/tm-status-tracker/internal/dispatcher"
	"github.com/JakeFAU/tm-status-tracker/internal/hash/sha256"
	"github.com/JakeFAU/tm-status-tracker/internal/id/uuid"
	"github.com/JakeFAU/tm-status-tracker/internal/jobs"
	"github.com/JakeFAU/tm-status-tracker/internal/parser"
	"github.com/JakeFAU/tm-status-tracker/internal/policy/ratelimit"
	"github.com/JakeFAU/tm-status-tracker/internal/progress"
	progresssinks "github.com/JakeFAU/tm-status-tracker/internal/progress/sinks"
	memorypublisher "github.com/JakeFAU/tm-status-tracker/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/tm-status-tracker/internal/publisher/pubsub"
	queueMemory "github.com/JakeFAU/tm-status-tracker/internal/queue/memory"
	"github.com/JakeFAU/tm-status-tracker/internal/registry"
	"github.com/JakeFAU/tm-status-tracker/internal/scheduler"
	"github.com/JakeFAU/tm-status-tracker/internal/scraper"
	collyscraper "github.com/JakeFAU/tm-status-tracker/internal/scraper/colly"
	headlessscraper "github.com/JakeFAU/tm-status-tracker/internal/scraper/headless"
	gcsstorage "github.com/JakeFAU/tm-status-tracker/internal/storage/gcs"
	localstorage "github.com/JakeFAU/tm-status-tracker/internal/storage/local"
	memoryStorage "github.com/JakeFAU/tm-status-tracker/internal/storage/memory"
	pgstore "github.com/JakeFAU/tm-status-tracker/internal/storage/postgres"
	sqlitestore "github.com/JakeFAU/tm-status-tracker/internal/storage/sqlite"
	"github.com/JakeFAU/tm-status-tracker/internal/telemetry"
	"github.com/JakeFAU/tm-status-tracker/internal/tracker"
	"github.com/JakeFAU/tm-status-tracker/internal/worker"
)

const (
	housekeepingInterval = time.Minute
	shutdownTimeout      = 10 * time.Second
)

// App contains the application's dependencies.
type App struct {
	cfg             config.Config
	logger          *zap.Logger
	clock           tracker.Clock
	records         tracker.RecordStore
	registry        *registry.Registry
	jobs            *jobs.Service
	queue           *queueMemory.Queue
	dispatch        *dispatcher.Dispatcher
	progressHub     *progress.Hub
	apiServer       *api.Server
	scheduler       *scheduler.Scheduler
	inbound         *ratelimit.Limiter
	outbound        *ratelimit.Limiter
	pubsubClient    *pubsub.Client
	pubsubPublisher *pubsub.Publisher
	storage         *storage.Client
	closers         []func() error
	tracerShutdown  func(context.Context) error
	// workers tracks dispatcher runs so Close can drain them before the
	// backends they write to are released.
	workers sync.WaitGroup

	// overrides applied by Options before the defaults are built
	registerer prometheus.Registerer
	scraper    tracker.Scraper
	solver     tracker.CaptchaSolver
	version    string
}

// Option customizes Build.
type Option func(*App)

// WithRegisterer registers progress collectors somewhere other than the
// default Prometheus registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(a *App) { a.registerer = reg }
}

// WithScraper replaces the configured upstream scraper.
func WithScraper(s tracker.Scraper) Option {
	return func(a *App) { a.scraper = s }
}

// WithSolver replaces the configured CAPTCHA solver.
func WithSolver(s tracker.CaptchaSolver) Option {
	return func(a *App) { a.solver = s }
}

// WithVersion labels traces with the build version.
func WithVersion(v string) Option {
	return func(a *App) { a.version = v }
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	app := &App{
		cfg:        cfg,
		logger:     logger,
		clock:      system.New(),
		registerer: prometheus.DefaultRegisterer,
	}
	for _, opt := range opts {
		opt(app)
	}
	logger.Info("building application dependencies",
		zap.Int("port", cfg.Server.Port),
		zap.String("storage", cfg.Storage.Provider),
		zap.String("scraper", cfg.Scraper.Provider),
	)

	if err := app.build(ctx); err != nil {
		app.closeInfrastructure(ctx)
		return nil, err
	}
	return app, nil
}

func (a *App) build(ctx context.Context) error {
	if err := a.setupTelemetry(ctx); err != nil {
		return err
	}
	var err error
	a.records, err = a.setupRecordStore(ctx)
	if err != nil {
		return err
	}
	blobs, err := a.setupDiagnostics(ctx)
	if err != nil {
		return err
	}
	publisher, err := a.setupPublisher(ctx)
	if err != nil {
		return err
	}
	upstream, err := a.setupScraper()
	if err != nil {
		return err
	}
	solver, err := a.setupSolver()
	if err != nil {
		return err
	}
	emitter, err := a.setupProgress(ctx)
	if err != nil {
		return err
	}

	a.registry = registry.New(registry.Config{
		Retention: a.cfg.Jobs.Retention,
		Logger:    a.logger.Named("registry"),
	}, uuid.New(), a.clock)
	a.outbound = ratelimit.New(ratelimit.Config{
		Limit:  a.cfg.RateLimit.Outbound.Limit,
		Window: a.cfg.RateLimit.Outbound.Window(),
		Scope:  "outbound",
	})
	a.inbound = ratelimit.New(ratelimit.Config{
		Limit:  a.cfg.RateLimit.Inbound.Limit,
		Window: a.cfg.RateLimit.Inbound.Window(),
		Scope:  "inbound",
	})

	pipeline := worker.NewPipeline(worker.PipelineDeps{
		Store:       a.records,
		Scraper:     upstream,
		Solver:      solver,
		Parser:      parser.New(),
		Limiter:     a.outbound,
		Diagnostics: diagnostics.NewSink(blobs, sha256.New(), a.clock, a.cfg.Diagnostics.Prefix, a.logger.Named("diagnostics")),
		Publisher:   publisher,
		Clock:       a.clock,
	}, worker.PipelineConfig{
		MaxCaptchaAttempts: a.cfg.Captcha.MaxAttempts,
		MaxWait:            a.cfg.RateLimit.Outbound.MaxWait(),
		LimiterKey:         a.cfg.Scraper.Target,
		Topic:              a.cfg.PubSub.TopicName,
	}, a.logger.Named("pipeline"))
	runner := worker.NewRunner(a.registry, pipeline, a.records, emitter, a.clock, a.logger.Named("runner"))

	a.queue = queueMemory.NewQueue(a.cfg.Jobs.QueueDepth)
	a.dispatch = dispatcher.NewPool(a.queue, runner, a.cfg.Jobs.Concurrency, a.logger.Named("worker"))
	a.jobs = jobs.NewService(a.registry, a.dispatch, a.clock, jobs.Config{
		MaxConcurrentRefresh: a.cfg.Jobs.MaxConcurrentRefresh,
		DefaultStaleness:     a.cfg.DefaultStaleness(),
	}, a.logger.Named("jobs"))
	a.logger.Info("worker pool configured",
		zap.Int("concurrency", a.cfg.Jobs.Concurrency),
		zap.Int("queue_depth", a.cfg.Jobs.QueueDepth),
		zap.Int("max_captcha_attempts", a.cfg.Captcha.MaxAttempts),
		zap.Int("outbound_limit", a.cfg.RateLimit.Outbound.Limit),
	)

	a.apiServer = api.NewServer(a.jobs, a.records, a.clock, api.Options{
		Token:          a.cfg.Auth.Token,
		Limiter:        a.inbound,
		RequestTimeout: time.Duration(a.cfg.Server.TimeoutSeconds) * time.Second,
	}, a.logger.Named("api"))
	if a.cfg.Auth.Token == "" {
		a.logger.Warn("auth.token is empty; every /v1 request will be rejected")
	}

	return a.setupScheduler()
}

func (a *App) setupTelemetry(ctx context.Context) error {
	if !a.cfg.Telemetry.Enabled {
		return nil
	}
	tp, err := telemetry.InitTracerProvider(ctx, telemetry.Config{
		ServiceName: a.cfg.Telemetry.ServiceName,
		Version:     a.version,
		SampleRatio: a.cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("tracer init failed: %w", err)
	}
	a.tracerShutdown = tp.Shutdown
	return nil
}

func (a *App) setupRecordStore(ctx context.Context) (tracker.RecordStore, error) {
	switch a.cfg.Storage.Provider {
	case "postgres":
		pg := a.cfg.Storage.Postgres
		store, err := pgstore.NewRecordStore(ctx, pgstore.Config{
			DSN:             pg.DSN,
			SnapshotsTable:  pg.SnapshotsTable,
			FailuresTable:   pg.FailuresTable,
			MaxConns:        pg.MaxConns,
			MaxConnIdleTime: time.Duration(pg.ConnMaxIdleSeconds) * time.Second,
		})
		if err != nil {
			return nil, fmt.Errorf("postgres record store init failed: %w", err)
		}
		a.closers = append(a.closers, func() error { store.Close(); return nil })
		a.logger.Info("using postgres record store",
			zap.String("snapshots_table", pg.SnapshotsTable),
			zap.String("failures_table", pg.FailuresTable),
		)
		return store, nil
	case "sqlite":
		store, err := sqlitestore.Open(ctx, a.cfg.Storage.SQLite.Path)
		if err != nil {
			return nil, fmt.Errorf("sqlite record store init failed: %w", err)
		}
		a.closers = append(a.closers, store.Close)
		a.logger.Info("using sqlite record store", zap.String("path", a.cfg.Storage.SQLite.Path))
		return store, nil
	default:
		a.logger.Warn("using in-memory record store; history is lost on restart")
		return memoryStorage.NewRecordStore(), nil
	}
}

func (a *App) setupDiagnostics(ctx context.Context) (tracker.BlobStore, error) {
	switch a.cfg.Diagnostics.Provider {
	case "gcs":
		var err error
		a.storage, err = storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		blobs, err := gcsstorage.New(a.storage, gcsstorage.Config{Bucket: a.cfg.Diagnostics.Bucket})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.logger.Info("using GCS diagnostics store", zap.String("bucket", a.cfg.Diagnostics.Bucket))
		return blobs, nil
	case "local":
		blobs, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Diagnostics.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		a.logger.Info("using local diagnostics store", zap.String("path", a.cfg.Diagnostics.BaseDir))
		return blobs, nil
	default:
		a.logger.Info("using in-memory diagnostics store")
		return memoryStorage.NewBlobStore(), nil
	}
}

func (a *App) setupPublisher(ctx context.Context) (tracker.Publisher, error) {
	if a.cfg.PubSub.TopicName == "" || a.cfg.PubSub.ProjectID == "" {
		a.logger.Warn("No Pub/Sub topic configured, using in-memory publisher")
		return memorypublisher.New(), nil
	}
	var err error
	a.pubsubClient, err = pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	a.pubsubPublisher = a.pubsubClient.Publisher(a.cfg.PubSub.TopicName)
	// notifications carry the record key as ordering key
	a.pubsubPublisher.EnableMessageOrdering = true
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.TopicName),
	)
	return gcppublisher.New(a.pubsubPublisher), nil
}

func (a *App) setupScraper() (tracker.Scraper, error) {
	if a.scraper != nil {
		return a.scraper, nil
	}
	sc := a.cfg.Scraper
	forms := scraper.Forms{
		Key:  scraper.KeyForm(sc.KeySearchURL),
		Name: scraper.NameForm(sc.NameSearchURL),
	}
	if sc.Provider == "headless" {
		s, err := headlessscraper.New(headlessscraper.Config{
			MaxParallel:       sc.MaxParallel,
			UserAgent:         sc.UserAgent,
			NavigationTimeout: sc.Timeout(),
			Forms:             forms,
		}, a.logger.Named("scraper"))
		if err != nil {
			return nil, fmt.Errorf("headless scraper init failed: %w", err)
		}
		a.closers = append(a.closers, func() error { s.Close(); return nil })
		a.logger.Info("using headless scraper", zap.Int("max_parallel", sc.MaxParallel))
		return s, nil
	}
	a.logger.Info("using colly scraper", zap.String("user_agent", sc.UserAgent))
	return collyscraper.New(collyscraper.Config{
		UserAgent:     sc.UserAgent,
		RespectRobots: sc.RespectRobots,
		Timeout:       sc.Timeout(),
		Forms:         forms,
	}, a.logger.Named("scraper")), nil
}

func (a *App) setupSolver() (tracker.CaptchaSolver, error) {
	if a.solver != nil {
		return a.solver, nil
	}
	c := a.cfg.Captcha
	solver, err := captcha.New(captcha.Config{
		APIKey:  c.APIKey,
		Model:   c.Model,
		BaseURL: c.BaseURL,
		RPS:     c.RPS,
	}, a.logger.Named("captcha"))
	if err != nil {
		return nil, fmt.Errorf("captcha solver init failed: %w", err)
	}
	a.logger.Info("captcha solver initialized", zap.String("model", c.Model))
	return solver, nil
}

func (a *App) setupProgress(ctx context.Context) (progress.Emitter, error) {
	promSink, err := progresssinks.NewPrometheusSink(a.registerer)
	if err != nil {
		return nil, fmt.Errorf("progress sink init failed: %w", err)
	}
	a.progressHub = progress.NewHub(progress.Config{
		BaseContext: ctx,
		Logger:      a.logger.Named("progress_hub"),
	}, progresssinks.NewLogSink(a.logger.Named("progress")), promSink)
	return a.progressHub, nil
}

func (a *App) setupScheduler() error {
	if a.cfg.Schedule.RefreshCron == "" {
		a.logger.Info("no refresh schedule configured")
		return nil
	}
	loc, err := time.LoadLocation(a.cfg.Schedule.TimeZone)
	if err != nil {
		return fmt.Errorf("load schedule time zone: %w", err)
	}
	a.scheduler, err = scheduler.New(scheduler.Config{
		Cron:      a.cfg.Schedule.RefreshCron,
		Location:  loc,
		Staleness: config.Days(a.cfg.Schedule.StalenessDays),
	}, a.jobs, a.logger.Named("scheduler"))
	if err != nil {
		return fmt.Errorf("scheduler init failed: %w", err)
	}
	return nil
}

// Handler exposes the HTTP API.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Jobs exposes the job service.
func (a *App) Jobs() *jobs.Service {
	return a.jobs
}

// Records exposes the record store.
func (a *App) Records() tracker.RecordStore {
	return a.records
}

// Start launches the worker pool, the schedule and housekeeping. They stop
// when ctx is done.
func (a *App) Start(ctx context.Context) {
	a.logger.Info("dispatcher started", zap.Int("workers", a.dispatch.Size()))
	a.runDispatcher(ctx)
	go a.housekeeping(ctx)
	if a.scheduler != nil {
		a.scheduler.Start()
	}
}

// Run serves HTTP and processes jobs until ctx is canceled.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("application started")
	ctx, stop := context.WithCancel(ctx)
	defer stop()

	a.Start(ctx)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			serveErr <- err
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")
	a.apiServer.SetReady(false)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	closeErr := a.Close(shutdownCtx)

	select {
	case err := <-serveErr:
		return fmt.Errorf("http server: %w", err)
	default:
		return closeErr
	}
}

// RefreshOnce runs a single refresh-all job through the worker pool and
// returns it once terminal.
func (a *App) RefreshOnce(ctx context.Context, staleness time.Duration) (tracker.Job, error) {
	ctx, stop := context.WithCancel(ctx)
	defer stop()
	a.runDispatcher(ctx)

	id, err := a.jobs.SubmitRefreshStale(ctx, staleness)
	if err != nil {
		return tracker.Job{}, fmt.Errorf("submit refresh: %w", err)
	}
	a.logger.Info("refresh submitted", zap.String("job_id", id), zap.Duration("staleness", staleness))
	job, err := a.jobs.Wait(ctx, id, 500*time.Millisecond)
	if err != nil {
		if _, cancelErr := a.jobs.Cancel(id); cancelErr != nil && !errors.Is(cancelErr, tracker.ErrAlreadyTerminal) {
			a.logger.Warn("cancel refresh failed", zap.String("job_id", id), zap.Error(cancelErr))
		}
		return tracker.Job{}, fmt.Errorf("wait for refresh %s: %w", id, err)
	}
	return job, nil
}

func (a *App) runDispatcher(ctx context.Context) {
	a.workers.Add(1)
	go func() {
		defer a.workers.Done()
		a.dispatch.Run(ctx)
	}()
}

// drainWorkers waits for every dispatcher run to return, or for ctx to end.
func (a *App) drainWorkers(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		a.workers.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		a.logger.Warn("workers still running at shutdown", zap.Error(ctx.Err()))
	}
}

func (a *App) housekeeping(ctx context.Context) {
	ticker := time.NewTicker(housekeepingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			swept := a.inbound.Sweep() + a.outbound.Sweep()
			pruned := a.registry.Prune()
			if swept > 0 || pruned > 0 {
				a.logger.Debug("housekeeping", zap.Int("limiter_windows", swept), zap.Int("jobs_pruned", pruned))
			}
		}
	}
}

// Close gracefully shuts down the application.
func (a *App) Close(ctx context.Context) error {
	if a.scheduler != nil {
		if err := a.scheduler.Stop(ctx); err != nil {
			a.logger.Warn("scheduler stop failed", zap.Error(err))
		}
	}
	if a.queue != nil {
		a.queue.Close()
	}
	a.drainWorkers(ctx)
	a.closeInfrastructure(ctx)
	a.closeObservability(ctx)
	a.logger.Info("shutdown complete")
	return nil
}

func (a *App) closeInfrastructure(ctx context.Context) {
	if a.progressHub != nil {
		if err := a.progressHub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
		a.progressHub = nil
	}
	if a.pubsubPublisher != nil {
		a.pubsubPublisher.Stop()
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
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("close failed", zap.Error(err))
		}
	}
	a.closers = nil
}

func (a *App) closeObservability(ctx context.Context) {
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
}
