// Package server provides the core application server and dependency injection.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/media-archiver/internal/api"
	"github.com/JakeFAU/media-archiver/internal/archive"
	"github.com/JakeFAU/media-archiver/internal/clock/system"
	"github.com/JakeFAU/media-archiver/internal/config"
	"github.com/JakeFAU/media-archiver/internal/dedup"
	"github.com/JakeFAU/media-archiver/internal/dispatcher"
	"github.com/JakeFAU/media-archiver/internal/downloader"
	"github.com/JakeFAU/media-archiver/internal/downloader/dezoomify"
	"github.com/JakeFAU/media-archiver/internal/downloader/gallerydl"
	"github.com/JakeFAU/media-archiver/internal/downloader/toolexec"
	"github.com/JakeFAU/media-archiver/internal/downloader/ytdlp"
	collyfetcher "github.com/JakeFAU/media-archiver/internal/fetcher/colly"
	"github.com/JakeFAU/media-archiver/internal/fetcher/headless"
	"github.com/JakeFAU/media-archiver/internal/hash/sha256"
	"github.com/JakeFAU/media-archiver/internal/id/uuid"
	"github.com/JakeFAU/media-archiver/internal/layout"
	"github.com/JakeFAU/media-archiver/internal/policy/ratelimit"
	amqppublisher "github.com/JakeFAU/media-archiver/internal/publisher/amqp"
	memorypublisher "github.com/JakeFAU/media-archiver/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/media-archiver/internal/publisher/pubsub"
	gcsstorage "github.com/JakeFAU/media-archiver/internal/storage/gcs"
	localstorage "github.com/JakeFAU/media-archiver/internal/storage/local"
	memorystorage "github.com/JakeFAU/media-archiver/internal/storage/memory"
	pgstore "github.com/JakeFAU/media-archiver/internal/storage/postgres"
	redisstore "github.com/JakeFAU/media-archiver/internal/storage/redis"
	s3storage "github.com/JakeFAU/media-archiver/internal/storage/s3"
	"github.com/JakeFAU/media-archiver/internal/worker"
)

// App contains the application's dependencies.
type App struct {
	cfg        config.Config
	logger     *zap.Logger
	apiServer  *api.Server
	dispatch   *dispatcher.Dispatcher
	router     *downloader.Router
	store      archive.Store
	publisher  archive.Publisher
	closers    []closer
	lookPath   toolexec.LookupFunc
	toolRunner toolexec.Runner
}

type closer struct {
	name string
	fn   func() error
}

// Option overrides a dependency before Build wires it. Tests use these to
// avoid real binaries.
type Option func(*App)

// WithToolRunner replaces the runner used for the download tools.
func WithToolRunner(runner toolexec.Runner, lookup toolexec.LookupFunc) Option {
	return func(a *App) {
		a.toolRunner = runner
		a.lookPath = lookup
	}
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	app := &App{
		cfg:        cfg,
		logger:     logger,
		lookPath:   exec.LookPath,
		toolRunner: toolexec.ExecRunner{},
	}
	for _, opt := range opts {
		opt(app)
	}
	logger.Info("building application dependencies",
		zap.Int("server_port", cfg.Server.Port),
		zap.String("store", cfg.Store.Backend),
		zap.String("mirror", cfg.Mirror.Backend),
		zap.String("notify", cfg.Notify.Backend),
	)

	if err := app.build(ctx); err != nil {
		app.closeAll()
		return nil, err
	}
	return app, nil
}

func (a *App) build(ctx context.Context) error {
	cfg := a.cfg
	clock := system.New()

	lay, err := layout.New(layout.Config{
		Root:           ExpandHome(cfg.Storage.RootDir),
		IndexFile:      cfg.Storage.IndexFile,
		SnapshotSuffix: cfg.Storage.SnapshotSuffix,
	})
	if err != nil {
		return fmt.Errorf("storage layout init failed: %w", err)
	}
	a.logger.Info("archive root ready", zap.String("root", lay.Root()))

	store, closeStore, err := OpenStore(ctx, cfg.Store, a.logger)
	if err != nil {
		return err
	}
	a.store = store
	a.addCloser("store", closeStore)

	a.router, err = a.setupRouter()
	if err != nil {
		return err
	}

	mirror, err := a.setupMirror(ctx)
	if err != nil {
		return err
	}
	a.publisher, err = a.setupPublisher(ctx)
	if err != nil {
		return err
	}

	limiter := ratelimit.New(ratelimit.Config{
		RPS:   cfg.DirectFetch.RatePerSecond,
		Burst: cfg.DirectFetch.Burst,
	})
	fetcher := collyfetcher.New(collyfetcher.Config{
		UserAgent:   cfg.DirectFetch.UserAgent,
		Timeout:     cfg.DirectFetchTimeout(),
		MaxBodySize: cfg.DirectFetch.MaxBytes,
	}, limiter)

	deps := worker.Deps{
		Store:   store,
		Router:  a.router,
		Layout:  lay,
		Hasher:  sha256.New(),
		Clock:   clock,
		Fetcher: fetcher,
	}
	if mirror != nil {
		deps.Mirror = mirror
	}
	if a.publisher != nil {
		deps.Publisher = a.publisher
	}
	if cfg.Snapshot.Enabled {
		snap, err := headless.NewChromedp(headless.Config{
			MaxParallel:       cfg.Snapshot.MaxParallel,
			UserAgent:         cfg.DirectFetch.UserAgent,
			NavigationTimeout: time.Duration(cfg.Snapshot.NavTimeoutSeconds) * time.Second,
			SettleDelay:       time.Duration(cfg.Snapshot.SettleMillis) * time.Millisecond,
		})
		if err != nil {
			return fmt.Errorf("headless snapshotter init failed: %w", err)
		}
		deps.Snapshotter = snap
		a.addCloser("snapshotter", func() error { snap.Close(); return nil })
		a.logger.Info("server-side snapshots enabled", zap.Int("max_parallel", cfg.Snapshot.MaxParallel))
	}

	w := worker.New(deps, worker.Config{
		Referer:      cfg.DirectFetch.Referer,
		MirrorPrefix: cfg.Mirror.Prefix,
		Topic:        a.topic(),
	}, a.logger.Named("worker"))
	a.dispatch = dispatcher.New(w, a.logger.Named("dispatcher"))

	apiKey := ""
	if cfg.Auth.Enabled {
		apiKey = cfg.Auth.APIKey
	}
	a.apiServer = api.NewServer(api.Deps{
		Store:      store,
		Dedup:      dedup.New(store, clock, cfg.Dedup.WindowMonths),
		Dispatcher: a.dispatch,
		Handlers:   a.router,
		Images:     w,
		IDs:        uuid.New(),
		Clock:      clock,
		Ready:      readiness(store),
	}, api.Config{
		ServerName:     cfg.Server.Name,
		APIKey:         apiKey,
		RequestTimeout: time.Duration(cfg.Server.WriteTimeoutSeconds) * time.Second,
		MaxBodyBytes:   int64(cfg.Server.MaxBodyMB) << 20,
		MetricsEnabled: cfg.Metrics.Enabled,
	}, a.logger.Named("api"))
	return nil
}

// OpenStore builds the configured job and media store. The returned close
// function is never nil.
func OpenStore(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (archive.Store, func() error, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch cfg.Backend {
	case "postgres":
		store, err := pgstore.New(ctx, pgstore.Config{
			DSN:        cfg.Postgres.DSN,
			JobsTable:  cfg.Postgres.JobsTable,
			MediaTable: cfg.Postgres.MediaTable,
			MaxConns:   cfg.Postgres.MaxConns,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("postgres store init failed: %w", err)
		}
		if cfg.Postgres.Migrate {
			if err := store.Migrate(ctx); err != nil {
				store.Close()
				return nil, nil, fmt.Errorf("postgres migrate failed: %w", err)
			}
		}
		logger.Info("using postgres store", zap.String("jobs_table", cfg.Postgres.JobsTable))
		return store, func() error { store.Close(); return nil }, nil
	case "redis":
		store, err := redisstore.New(redisstore.Config{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.Prefix,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("redis store init failed: %w", err)
		}
		if err := store.Ping(ctx); err != nil {
			_ = store.Close()
			return nil, nil, fmt.Errorf("redis ping failed: %w", err)
		}
		logger.Info("using redis store", zap.String("addr", cfg.Redis.Addr))
		return store, store.Close, nil
	default:
		logger.Warn("using in-memory store; job history is lost on restart")
		return memorystorage.NewStore(), func() error { return nil }, nil
	}
}

func (a *App) setupRouter() (*downloader.Router, error) {
	cfg := a.cfg.Handlers
	ua := a.cfg.DirectFetch.UserAgent
	handlers := []archive.Handler{
		dezoomify.New(dezoomify.Config{
			Binary:      cfg.Dezoomify.Binary,
			MaxWidth:    cfg.Dezoomify.MaxWidth,
			Parallelism: cfg.Dezoomify.Parallelism,
			Retries:     cfg.Dezoomify.Retries,
			MinPixels:   cfg.Dezoomify.MinPixels,
			UserAgent:   ua,
		}, a.toolRunner, a.lookPath, a.logger.Named(dezoomify.Name)),
		gallerydl.New(gallerydl.Config{
			Binary:        cfg.GalleryDL.Binary,
			UserAgent:     ua,
			Retries:       cfg.GalleryDL.Retries,
			FlickrMaxSize: cfg.GalleryDL.FlickrMaxSize,
		}, a.toolRunner, a.lookPath, a.logger.Named(gallerydl.Name)),
		ytdlp.New(ytdlp.Config{
			Binary:              cfg.YtDlp.Binary,
			Format:              cfg.YtDlp.Format,
			MergeFormat:         cfg.YtDlp.MergeFormat,
			ConcurrentFragments: cfg.YtDlp.ConcurrentFragments,
			Retries:             cfg.YtDlp.Retries,
			SubLangs:            cfg.YtDlp.SubLangs,
		}, a.toolRunner, a.lookPath, a.logger.Named(ytdlp.Name)),
	}
	router, err := downloader.NewRouter(a.logger.Named("router"), handlers...)
	if err != nil {
		return nil, fmt.Errorf("handler registry init failed: %w", err)
	}
	a.logger.Info("download handlers registered", zap.Strings("handlers", router.Names()))
	return router, nil
}

func (a *App) setupMirror(ctx context.Context) (archive.BlobStore, error) {
	cfg := a.cfg.Mirror
	switch cfg.Backend {
	case "local":
		store, err := localstorage.New(localstorage.Config{BaseDir: ExpandHome(cfg.BaseDir)})
		if err != nil {
			return nil, fmt.Errorf("local mirror init failed: %w", err)
		}
		a.logger.Info("mirroring to local directory", zap.String("path", cfg.BaseDir))
		return store, nil
	case "gcs":
		store, err := gcsstorage.Open(ctx, gcsstorage.Config{Bucket: cfg.Bucket}, a.logger)
		if err != nil {
			return nil, fmt.Errorf("gcs mirror init failed: %w", err)
		}
		a.addCloser("gcs", store.Close)
		a.logger.Info("mirroring to GCS", zap.String("bucket", cfg.Bucket))
		return store, nil
	case "s3":
		client, err := s3storage.NewClient(ctx, s3storage.Config{
			Bucket:    cfg.Bucket,
			Region:    cfg.Region,
			Endpoint:  cfg.Endpoint,
			PathStyle: cfg.PathStyle,
		})
		if err != nil {
			return nil, fmt.Errorf("s3 mirror init failed: %w", err)
		}
		store, err := s3storage.New(client, s3storage.Config{Bucket: cfg.Bucket})
		if err != nil {
			return nil, fmt.Errorf("s3 mirror init failed: %w", err)
		}
		a.logger.Info("mirroring to S3", zap.String("bucket", cfg.Bucket), zap.String("endpoint", cfg.Endpoint))
		return store, nil
	default:
		return nil, nil
	}
}

func (a *App) setupPublisher(ctx context.Context) (archive.Publisher, error) {
	cfg := a.cfg.Notify
	switch cfg.Backend {
	case "memory":
		return memorypublisher.New(), nil
	case "pubsub":
		pub, err := gcppublisher.Open(ctx, cfg.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("pubsub publisher init failed: %w", err)
		}
		a.addCloser("pubsub", pub.Close)
		a.logger.Info("Pub/Sub publisher initialized",
			zap.String("project", cfg.ProjectID),
			zap.String("topic", cfg.Topic),
		)
		return pub, nil
	case "amqp":
		pub, err := amqppublisher.Dial(amqppublisher.Config{
			URL:        cfg.AMQPURL,
			Exchange:   cfg.Exchange,
			RoutingKey: cfg.RoutingKey,
		}, a.logger.Named("amqp"))
		if err != nil {
			return nil, fmt.Errorf("amqp publisher init failed: %w", err)
		}
		a.addCloser("amqp", pub.Close)
		return pub, nil
	default:
		return nil, nil
	}
}

func (a *App) topic() string {
	if a.publisher == nil {
		return ""
	}
	return a.cfg.Notify.Topic
}

func (a *App) addCloser(name string, fn func() error) {
	a.closers = append(a.closers, closer{name: name, fn: fn})
}

// Handler exposes the HTTP handler, mainly for tests.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Run serves HTTP until ctx is canceled, then stops admitting jobs and waits
// for in-flight jobs up to the shutdown grace period.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       time.Duration(a.cfg.Server.ReadTimeoutSeconds) * time.Second,
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
	case err := <-serveErr:
		if err != nil {
			a.logger.Error("http server error", zap.Error(err))
			runErr = fmt.Errorf("http server: %w", err)
		}
	}
	a.logger.Info("shutdown initiated", zap.Int("in_flight", a.dispatch.InFlight()))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}

	drainCtx, cancelDrain := context.WithTimeout(context.Background(), a.cfg.ShutdownGrace())
	defer cancelDrain()
	if err := a.dispatch.Wait(drainCtx); err != nil {
		a.logger.Warn("jobs still running at exit", zap.Int("in_flight", a.dispatch.InFlight()), zap.Error(err))
	}

	a.Close()
	return runErr
}

// Close releases infrastructure clients in reverse construction order.
func (a *App) Close() {
	a.closeAll()
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
	a.logger.Info("shutdown complete")
}

func (a *App) closeAll() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.fn(); err != nil {
			a.logger.Warn("close failed", zap.String("component", c.name), zap.Error(err))
		}
	}
	a.closers = nil
}

func readiness(store archive.Store) func(context.Context) error {
	pinger, ok := store.(interface{ Ping(context.Context) error })
	if !ok {
		return nil
	}
	return pinger.Ping
}

// ExpandHome resolves a leading "~/" against the user's home directory.
func ExpandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[2:])
}
