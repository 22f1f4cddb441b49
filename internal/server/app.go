// Package server builds the crawler's dependencies from config and runs
// them either as a one-shot crawl session or behind the HTTP API.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"cloud.google.com/go/storage"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/webcrawl-indexer/internal/api"
	"github.com/JakeFAU/webcrawl-indexer/internal/clock/system"
	"github.com/JakeFAU/webcrawl-indexer/internal/config"
	"github.com/JakeFAU/webcrawl-indexer/internal/crawler"
	collyfetcher "github.com/JakeFAU/webcrawl-indexer/internal/fetcher/colly"
	"github.com/JakeFAU/webcrawl-indexer/internal/hash/sha256"
	"github.com/JakeFAU/webcrawl-indexer/internal/id/uuid"
	esindex "github.com/JakeFAU/webcrawl-indexer/internal/index/elasticsearch"
	memoryindex "github.com/JakeFAU/webcrawl-indexer/internal/index/memory"
	"github.com/JakeFAU/webcrawl-indexer/internal/metrics"
	"github.com/JakeFAU/webcrawl-indexer/internal/parser"
	"github.com/JakeFAU/webcrawl-indexer/internal/pattern"
	"github.com/JakeFAU/webcrawl-indexer/internal/progress"
	progresssinks "github.com/JakeFAU/webcrawl-indexer/internal/progress/sinks"
	pubsubpublisher "github.com/JakeFAU/webcrawl-indexer/internal/publisher/pubsub"
	"github.com/JakeFAU/webcrawl-indexer/internal/queue"
	"github.com/JakeFAU/webcrawl-indexer/internal/scheduler"
	gcsstorage "github.com/JakeFAU/webcrawl-indexer/internal/storage/gcs"
	localstorage "github.com/JakeFAU/webcrawl-indexer/internal/storage/local"
	memorystorage "github.com/JakeFAU/webcrawl-indexer/internal/storage/memory"
	pgstore "github.com/JakeFAU/webcrawl-indexer/internal/storage/postgres"
	"github.com/JakeFAU/webcrawl-indexer/internal/store"
	"github.com/JakeFAU/webcrawl-indexer/internal/worker"
)

const (
	shutdownTimeout   = 10 * time.Second
	sessionDrainLimit = 30 * time.Second
)

// Options override process-wide collaborators, mainly for tests.
type Options struct {
	// Registerer receives the progress collectors. Defaults to
	// prometheus.DefaultRegisterer.
	Registerer prometheus.Registerer
}

// App contains the application's dependencies.
type App struct {
	cfg    config.Config
	logger *zap.Logger
	clock  *system.Clock

	scheduler *scheduler.Scheduler
	queue     *queue.Queue
	filter    *pattern.Live
	connector *collyfetcher.Connector
	urls      crawler.URLStore
	index     crawler.IndexWriter
	history   store.SessionRepository

	pool        *pgxpool.Pool
	blobs       crawler.BlobStore
	gcs         *gcsstorage.BlobStore
	publisher   *pubsubpublisher.Publisher
	progressHub *progress.Hub
}

// Build creates the application's dependencies. Everything opened so far is
// released when a later step fails.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger, opts Options) (_ *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	app := &App{cfg: cfg, logger: logger, clock: system.New()}
	defer func() {
		if err != nil {
			app.closeInfrastructure(context.Background())
		}
	}()

	app.logger.Info("building application dependencies")
	if err = app.setupDatabase(ctx); err != nil {
		return nil, err
	}
	if err = app.setupPatterns(ctx); err != nil {
		return nil, err
	}
	if err = app.setupIndex(ctx); err != nil {
		return nil, err
	}
	if err = app.setupArchive(ctx); err != nil {
		return nil, err
	}
	if err = app.setupPublisher(ctx); err != nil {
		return nil, err
	}
	emitter, err := app.setupProgress(opts.Registerer)
	if err != nil {
		return nil, err
	}
	if err = app.setupScheduler(emitter); err != nil {
		return nil, err
	}
	return app, nil
}

func (a *App) setupDatabase(ctx context.Context) error {
	if a.cfg.DB.DSN == "" {
		a.logger.Warn("no database DSN configured, using in-memory URL store seeded from config",
			zap.Int("seeds", len(a.cfg.Seeds)))
		urlStore := memorystorage.NewURLStore()
		urlStore.Seed(a.cfg.Seeds...)
		a.urls = urlStore
		a.history = memorystorage.NewSessionStore()
		return nil
	}
	var err error
	a.pool, err = pgstore.NewPool(ctx, pgstore.PoolConfig{
		DSN:             a.cfg.DB.DSN,
		MaxConns:        a.cfg.DB.MaxConns,
		MinConns:        a.cfg.DB.MinConns,
		MaxConnLifetime: a.cfg.DB.MaxConnLifetime,
	})
	if err != nil {
		return fmt.Errorf("postgres pool init failed: %w", err)
	}
	urlStore, err := pgstore.NewURLStore(a.pool, a.cfg.DB.Table)
	if err != nil {
		return fmt.Errorf("url store init failed: %w", err)
	}
	sessionStore, err := pgstore.NewSessionStore(a.pool)
	if err != nil {
		return fmt.Errorf("session store init failed: %w", err)
	}
	if a.cfg.DB.EnsureSchema {
		if err := urlStore.EnsureSchema(ctx); err != nil {
			return err
		}
		if err := sessionStore.EnsureSchema(ctx); err != nil {
			return err
		}
	}
	if len(a.cfg.Seeds) > 0 {
		if err := urlStore.Seed(ctx, a.cfg.Seeds); err != nil {
			return err
		}
	}
	a.urls = urlStore
	a.history = sessionStore
	a.logger.Info("postgres url store initialized", zap.String("table", a.cfg.DB.Table))
	return nil
}

func (a *App) setupPatterns(ctx context.Context) error {
	var source crawler.PatternStore = pattern.StaticStore{
		Inclusion: a.cfg.Patterns.Inclusion,
		Exclusion: a.cfg.Patterns.Exclusion,
	}
	if a.cfg.Patterns.Source == config.PatternSourceDB {
		patternStore, err := pgstore.NewPatternStore(a.pool, a.cfg.DB.PatternTable)
		if err != nil {
			return fmt.Errorf("pattern store init failed: %w", err)
		}
		if a.cfg.DB.EnsureSchema {
			if err := patternStore.EnsureSchema(ctx); err != nil {
				return err
			}
		}
		source = patternStore
	}
	a.filter = pattern.NewLive(source)
	if err := a.filter.Reload(ctx); err != nil {
		return fmt.Errorf("initial pattern load failed: %w", err)
	}
	inc, exc := a.filter.Sizes()
	a.logger.Info("url patterns loaded",
		zap.String("source", a.cfg.Patterns.Source),
		zap.Int("inclusion", inc),
		zap.Int("exclusion", exc))
	return nil
}

func (a *App) setupIndex(ctx context.Context) error {
	if a.cfg.Index.Backend != config.IndexElasticsearch {
		a.logger.Info("using in-memory index")
		a.index = memoryindex.New()
		return nil
	}
	writer, err := esindex.New(esindex.Config{
		Addresses:  a.cfg.Index.Addresses,
		Index:      a.cfg.Index.Name,
		Username:   a.cfg.Index.Username,
		Password:   a.cfg.Index.Password,
		MaxRetries: a.cfg.Index.MaxRetries,
	}, a.logger)
	if err != nil {
		return fmt.Errorf("elasticsearch writer init failed: %w", err)
	}
	if err := writer.EnsureIndex(ctx); err != nil {
		return err
	}
	a.index = writer
	a.logger.Info("using elasticsearch index",
		zap.Strings("addresses", a.cfg.Index.Addresses),
		zap.String("index", a.cfg.Index.Name))
	return nil
}

func (a *App) setupArchive(ctx context.Context) error {
	switch a.cfg.Storage.Archive {
	case config.ArchiveGCS:
		client, err := storage.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("gcs client init failed: %w", err)
		}
		a.gcs, err = gcsstorage.New(client, gcsstorage.Config{
			Bucket:   a.cfg.Storage.Bucket,
			Metadata: map[string]string{"producer": "webcrawl-indexer"},
		})
		if err != nil {
			_ = client.Close()
			return fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.blobs = a.gcs
		a.logger.Info("archiving bodies to GCS", zap.String("bucket", a.cfg.Storage.Bucket))
	case config.ArchiveLocal:
		localStore, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Storage.BaseDir})
		if err != nil {
			return fmt.Errorf("local blob store init failed: %w", err)
		}
		a.blobs = localStore
		a.logger.Info("archiving bodies to local disk", zap.String("path", a.cfg.Storage.BaseDir))
	case config.ArchiveMemory:
		a.blobs = memorystorage.NewBlobStore()
		a.logger.Info("archiving bodies in memory")
	default:
		a.logger.Info("body archive disabled")
	}
	return nil
}

func (a *App) setupPublisher(ctx context.Context) error {
	if a.cfg.PubSub.Topic == "" {
		a.logger.Info("no Pub/Sub topic configured, commit notices disabled")
		return nil
	}
	var err error
	a.publisher, err = pubsubpublisher.Dial(ctx, a.cfg.PubSub.ProjectID, a.cfg.PubSub.Topic, a.logger)
	if err != nil {
		return fmt.Errorf("pubsub publisher init failed: %w", err)
	}
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.Topic))
	return nil
}

func (a *App) setupProgress(reg prometheus.Registerer) (progress.Emitter, error) {
	if !a.cfg.Progress.Enabled {
		a.logger.Info("progress tracking disabled")
		return progress.Discard{}, nil
	}
	promSink, err := progresssinks.NewPrometheusSink(reg)
	if err != nil {
		return nil, err
	}
	sinkList := []progress.Sink{promSink, progresssinks.NewStoreSink(a.history, a.logger.Named("progress_store"))}
	if a.cfg.Progress.LogEnabled {
		sinkList = append(sinkList, progresssinks.NewLogSink(a.logger.Named("progress_log")))
	}
	hubCfg := progress.Config{
		BufferSize:     a.cfg.Progress.BufferSize,
		MaxBatchEvents: a.cfg.Progress.MaxBatchEvents,
		MaxBatchWait:   a.cfg.Progress.MaxBatchWait(),
		Logger:         a.logger.Named("progress_hub"),
	}
	a.progressHub = progress.NewHub(hubCfg, sinkList...)
	a.logger.Info("progress hub initialized",
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Int("max_batch_events", hubCfg.MaxBatchEvents),
		zap.Duration("max_batch_wait", hubCfg.MaxBatchWait))
	return a.progressHub, nil
}

func (a *App) setupScheduler(emitter progress.Emitter) error {
	queueDeps := queue.Dependencies{
		URLs:   a.urls,
		Index:  a.index,
		Blobs:  a.blobs,
		Hasher: sha256.New(),
		Clock:  a.clock,
	}
	if a.publisher != nil {
		queueDeps.Publisher = a.publisher
	}
	var err error
	a.queue, err = queue.New(queue.Config{
		MaxBuffer:     a.cfg.Queue.MaxBuffer,
		Topic:         a.cfg.PubSub.Topic,
		ArchivePrefix: a.cfg.Storage.Prefix,
	}, queueDeps, a.logger)
	if err != nil {
		return fmt.Errorf("crawl queue init failed: %w", err)
	}

	crawlCfg := a.cfg.Crawler
	a.connector = collyfetcher.NewConnector(collyfetcher.Config{
		UserAgent:     crawlCfg.UserAgent,
		RespectRobots: crawlCfg.RespectRobots,
		Timeout:       crawlCfg.RequestTimeout(),
		Proxy:         crawlCfg.ProxyURL(),
		MaxBodySize:   crawlCfg.MaxBodyBytes,
	}, a.logger)
	a.logger.Info("using colly fetcher",
		zap.String("user_agent", crawlCfg.UserAgent),
		zap.Bool("respect_robots", crawlCfg.RespectRobots),
		zap.Bool("proxy", crawlCfg.Proxy.Enabled))

	schedCfg := scheduler.Config{
		MaxWorkers: crawlCfg.MaxWorkers,
		URLBudget:  crawlCfg.URLBudget,
		Worker: worker.Config{
			Delay:            crawlCfg.Delay(),
			InclusionEnabled: crawlCfg.InclusionEnabled,
			ExclusionEnabled: crawlCfg.ExclusionEnabled,
		},
	}
	a.scheduler, err = scheduler.New(schedCfg, scheduler.Dependencies{
		Worker: worker.Dependencies{
			Connector: a.connector,
			Filter:    a.filter,
			Parser:    parser.HTML{MaxTextBytes: crawlCfg.MaxTextBytes},
			Queue:     a.queue,
			Clock:     a.clock,
			Pauser:    a.clock,
			Emitter:   emitter,
		},
		IDs:     uuid.New(),
		Prepare: a.filter.Reload,
	}, a.logger)
	if err != nil {
		return fmt.Errorf("scheduler init failed: %w", err)
	}
	a.logger.Info("scheduler config",
		zap.Int("max_workers", schedCfg.MaxWorkers),
		zap.Int64("url_budget", schedCfg.URLBudget),
		zap.Duration("delay", schedCfg.Worker.Delay),
		zap.Bool("inclusion", schedCfg.Worker.InclusionEnabled),
		zap.Bool("exclusion", schedCfg.Worker.ExclusionEnabled))
	return nil
}

// Scheduler exposes the session scheduler.
func (a *App) Scheduler() *scheduler.Scheduler { return a.scheduler }

// History exposes the recorded session history.
func (a *App) History() store.SessionRepository { return a.history }

// HostLists loads the NEW and OLD lists due for crawling.
func (a *App) HostLists(ctx context.Context) ([]crawler.HostURLList, error) {
	cutoff := a.clock.Now().Add(-a.cfg.DB.RefreshAfter)
	lists, err := a.urls.LoadHostLists(ctx, cutoff, a.cfg.DB.LimitPerHost)
	if err != nil {
		return nil, fmt.Errorf("load host lists: %w", err)
	}
	return lists, nil
}

// RunSession crawls the lists currently due and returns the summary.
func (a *App) RunSession(ctx context.Context) (scheduler.Summary, error) {
	lists, err := a.HostLists(ctx)
	if err != nil {
		return scheduler.Summary{}, err
	}
	a.logger.Info("starting crawl session", zap.Int("host_lists", len(lists)))
	return a.scheduler.Run(ctx, lists)
}

// RunManual crawls rawURLs as MANUAL lists, outside the URL budget.
func (a *App) RunManual(ctx context.Context, rawURLs []string) (scheduler.Summary, error) {
	lists := crawler.GroupByHost(rawURLs, crawler.ListTypeManual)
	a.logger.Info("starting manual crawl session", zap.Int("host_lists", len(lists)))
	return a.scheduler.Run(ctx, lists)
}

// Handler builds the HTTP API. Sessions started over HTTP are parented by
// sessionCtx.
func (a *App) Handler(sessionCtx context.Context) http.Handler {
	opts := api.Options{
		RequestTimeout: a.cfg.Server.RequestTimeout(),
		Ready:          a.ready,
		SessionContext: sessionCtx,
		History:        a.history,
	}
	if a.cfg.Auth.Enabled {
		opts.APIKey = a.cfg.Auth.APIKey
	}
	return api.NewServer(a.scheduler, a.HostLists, opts, a.logger).Handler()
}

func (a *App) ready(ctx context.Context) error {
	if a.pool == nil {
		return nil
	}
	if err := a.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// Serve runs the HTTP API until ctx is canceled, then aborts any running
// session and waits for its final commit.
func (a *App) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.Handler(ctx),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			serveErr = fmt.Errorf("http server: %w", err)
		}
	}
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	a.drainSession()
	return serveErr
}

func (a *App) drainSession() {
	if !a.scheduler.Abort() {
		return
	}
	a.logger.Info("waiting for running session to commit")
	deadline := time.Now().Add(sessionDrainLimit)
	for a.scheduler.Running() && time.Now().Before(deadline) {
		time.Sleep(100 * time.Millisecond)
	}
	if a.scheduler.Running() {
		a.logger.Warn("session still running at shutdown")
	}
}

// Close gracefully shuts down the application.
func (a *App) Close(ctx context.Context) error {
	if a.connector != nil {
		a.connector.Shutdown()
	}
	if a.queue != nil {
		a.queue.Close()
	}
	a.closeInfrastructure(ctx)
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
	a.logger.Info("shutdown complete")
	return nil
}

func (a *App) closeInfrastructure(ctx context.Context) {
	if a.progressHub != nil {
		if err := a.progressHub.Close(ctx); err != nil {
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
	if a.pool != nil {
		a.pool.Close()
	}
}
