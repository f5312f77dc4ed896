// Package server provides the core application server and dependency wiring.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/JakeFAU/doris-feishu-pusher/internal/api"
	"github.com/JakeFAU/doris-feishu-pusher/internal/clock/system"
	"github.com/JakeFAU/doris-feishu-pusher/internal/config"
	"github.com/JakeFAU/doris-feishu-pusher/internal/dispatcher"
	"github.com/JakeFAU/doris-feishu-pusher/internal/doris"
	"github.com/JakeFAU/doris-feishu-pusher/internal/feishu"
	"github.com/JakeFAU/doris-feishu-pusher/internal/hash/sha256"
	"github.com/JakeFAU/doris-feishu-pusher/internal/id/uuid"
	"github.com/JakeFAU/doris-feishu-pusher/internal/logging"
	"github.com/JakeFAU/doris-feishu-pusher/internal/metrics"
	memorypublisher "github.com/JakeFAU/doris-feishu-pusher/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/doris-feishu-pusher/internal/publisher/pubsub"
	"github.com/JakeFAU/doris-feishu-pusher/internal/push"
	queuememory "github.com/JakeFAU/doris-feishu-pusher/internal/queue/memory"
	"github.com/JakeFAU/doris-feishu-pusher/internal/scheduler"
	gcsarchive "github.com/JakeFAU/doris-feishu-pusher/internal/storage/gcs"
	localarchive "github.com/JakeFAU/doris-feishu-pusher/internal/storage/local"
	memorystorage "github.com/JakeFAU/doris-feishu-pusher/internal/storage/memory"
	pgstore "github.com/JakeFAU/doris-feishu-pusher/internal/storage/postgres"
	sqlitestore "github.com/JakeFAU/doris-feishu-pusher/internal/storage/sqlite"
	"github.com/JakeFAU/doris-feishu-pusher/internal/worker"
)

// App contains the application's dependencies.
type App struct {
	cfg       config.Config
	logger    *zap.Logger
	clock     *system.Clock
	ids       push.IDGenerator
	store     push.Store
	querier   *doris.Querier
	queue     *queuememory.Queue
	dispatch  *dispatcher.Dispatcher
	executor  *worker.Worker
	scheduler *scheduler.Scheduler
	lifecycle *Lifecycle
	apiServer *api.Server

	gcsArchive      *gcsarchive.Archive
	pubsubPublisher *gcppublisher.Publisher
	eventLog        *memorypublisher.Publisher

	closeOnce sync.Once
	closeErr  error
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	metrics.Init()

	app := &App{
		cfg:    cfg,
		logger: logger,
		ids:    uuid.New(),
	}
	if err := app.build(ctx); err != nil {
		_ = app.Close()
		return nil, err
	}
	return app, nil
}

func (a *App) build(ctx context.Context) error {
	loc, err := time.LoadLocation(a.cfg.Scheduler.Timezone)
	if err != nil {
		return fmt.Errorf("load timezone: %w", err)
	}
	a.clock = system.New(loc)
	a.logger.Info("building application dependencies",
		zap.String("store", a.cfg.Store.Backend),
		zap.String("archive", a.cfg.Archive.Backend),
		zap.String("events", a.cfg.Events.Backend),
		zap.String("timezone", loc.String()),
	)

	if a.store, err = setupStore(ctx, a); err != nil {
		return err
	}
	archiver, err := setupArchive(ctx, a)
	if err != nil {
		return err
	}
	publisher, err := setupPublisher(ctx, a)
	if err != nil {
		return err
	}

	a.querier, err = doris.New(a.cfg.Doris, a.logger.Named("doris"))
	if err != nil {
		return fmt.Errorf("doris init failed: %w", err)
	}
	feishuClient := feishu.NewClient(feishu.Config{
		Timeout:       time.Duration(a.cfg.Feishu.TimeoutSeconds) * time.Second,
		MaxRetries:    a.cfg.Feishu.MaxRetries,
		RatePerSecond: a.cfg.Feishu.RatePerSecond,
		Burst:         a.cfg.Feishu.Burst,
	}, a.logger.Named("feishu"))
	notifier := feishu.NewNotifier(feishuClient, feishu.NotifierConfig{
		DefaultWebhookURL: a.cfg.Feishu.WebhookURL,
		DefaultSecret:     a.cfg.Feishu.Secret,
		MaxMessageRows:    a.cfg.Feishu.MaxMessageRows,
	})

	a.queue = queuememory.NewQueue(a.cfg.Scheduler.QueueDepth)
	workerCfg := worker.Config{
		ArchivePrefix: a.cfg.Archive.Prefix,
		JobTimeout:    a.cfg.JobTimeout(),
	}
	if publisher != nil {
		workerCfg.Topic = a.cfg.Events.Topic
	}
	newWorker := func(logger *zap.Logger) *worker.Worker {
		return worker.New(a.queue, a.store, a.querier, notifier, archiver, publisher, sha256.New(), a.clock, workerCfg, logger)
	}
	workers := make([]*worker.Worker, 0, a.cfg.Scheduler.Workers)
	for i := range a.cfg.Scheduler.Workers {
		workers = append(workers, newWorker(a.logger.Named("worker").With(zap.Int("index", i))))
	}
	a.executor = newWorker(a.logger.Named("worker").With(zap.String("mode", "direct")))
	a.dispatch = dispatcher.New(a.queue, a.store, a.ids, a.clock, workers)
	a.logger.Info("run pipeline ready",
		zap.Int("workers", len(workers)),
		zap.Int("queue_depth", a.cfg.Scheduler.QueueDepth),
		zap.Duration("job_timeout", workerCfg.JobTimeout),
	)

	a.scheduler = scheduler.New(scheduler.Config{
		Location:       loc,
		EnqueueTimeout: time.Duration(a.cfg.Scheduler.EnqueueTimeoutSeconds) * time.Second,
	}, a.dispatch, a.logger.Named("scheduler"))
	if err := a.seedTasks(ctx); err != nil {
		return err
	}
	tasks, err := a.store.ListTasks(ctx)
	if err != nil {
		return fmt.Errorf("load tasks: %w", err)
	}
	if err := a.scheduler.Sync(tasks); err != nil {
		// Broken cron specs are skipped rather than blocking startup.
		a.logger.Warn("some tasks could not be scheduled", zap.Error(err))
	}

	deps := api.Deps{
		Store:     a.store,
		Submitter: a.dispatch,
		Scheduler: a.scheduler,
		Querier:   a.querier,
		Feishu:    notifier,
		Clock:     a.clock,
		Queue:     a.queue,
	}
	if a.eventLog != nil {
		deps.Events = a.eventLog
	}
	a.apiServer = api.NewServer(deps, a.cfg, a.logger.Named("api"))

	a.lifecycle = NewLifecycle(a.scheduler, Banner{
		Service:   a.cfg.Service.Name,
		Version:   a.cfg.Service.Version,
		Addr:      a.cfg.Addr(),
		Root:      workingDir(),
		IndexPath: api.IndexPath(a.cfg.Server.StaticDir),
	}, a.logger.Named("lifecycle"))
	return nil
}

// seedTasks inserts configured tasks whose id is not stored yet.
func (a *App) seedTasks(ctx context.Context) error {
	for _, task := range a.cfg.Tasks {
		task = task.Normalize()
		_, err := a.store.GetTask(ctx, task.ID)
		switch {
		case err == nil:
			continue
		case !errors.Is(err, push.ErrTaskNotFound):
			return fmt.Errorf("look up seed task %s: %w", task.ID, err)
		}
		now := a.clock.Now()
		task.CreatedAt, task.UpdatedAt = now, now
		if err := a.store.CreateTask(ctx, task); err != nil {
			return fmt.Errorf("seed task %s: %w", task.ID, err)
		}
		a.logger.Info("seeded task", zap.String("task_id", task.ID), zap.String("cron", task.Cron))
	}
	return nil
}

// Handler exposes the HTTP router, mainly for tests.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Run starts the application and blocks until the context is canceled or a
// termination signal arrives.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.lifecycle.Startup(ctx); err != nil {
		a.lifecycle.Shutdown(context.WithoutCancel(ctx))
		return errors.Join(err, a.Close())
	}

	dispatchCtx, cancelDispatch := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelDispatch()
	dispatchDone := make(chan struct{})
	go func() {
		defer close(dispatchDone)
		a.logger.Info("dispatcher started")
		a.dispatch.Run(dispatchCtx)
	}()

	srv := &http.Server{
		Addr:              a.cfg.Addr(),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: time.Duration(a.cfg.Server.ReadHeaderTimeoutSeconds) * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			serveErr <- err
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout())
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	a.lifecycle.Shutdown(shutdownCtx)

	// Workers finish queued runs, then exit on the closed queue.
	a.queue.Close()
	select {
	case <-dispatchDone:
	case <-shutdownCtx.Done():
		a.logger.Warn("workers did not drain before the shutdown deadline")
		cancelDispatch()
		<-dispatchDone
	}

	var runErr error
	select {
	case runErr = <-serveErr:
	default:
	}
	return errors.Join(runErr, a.Close())
}

// RunTask executes one task synchronously with a manual trigger.
func (a *App) RunTask(ctx context.Context, taskID string) (push.Run, error) {
	if _, err := a.store.GetTask(ctx, taskID); err != nil {
		return push.Run{}, fmt.Errorf("load task: %w", err)
	}
	runID, err := a.ids.NewID()
	if err != nil {
		return push.Run{}, fmt.Errorf("generate run id: %w", err)
	}
	return a.executor.Execute(ctx, push.QueueItem{
		RunID:     runID,
		TaskID:    taskID,
		Trigger:   push.TriggerManual,
		Submitted: a.clock.Now().UnixNano(),
	})
}

// Close releases every resource Build acquired. It is safe to call more than once.
func (a *App) Close() error {
	a.closeOnce.Do(func() {
		var errs []error
		if a.queue != nil {
			a.queue.Close()
		}
		if a.querier != nil {
			if err := a.querier.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close doris: %w", err))
			}
		}
		if a.store != nil {
			if err := a.store.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close store: %w", err))
			}
		}
		if a.pubsubPublisher != nil {
			if err := a.pubsubPublisher.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close pubsub: %w", err))
			}
		}
		if a.gcsArchive != nil {
			if err := a.gcsArchive.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close gcs: %w", err))
			}
		}
		a.closeErr = errors.Join(errs...)
		if a.closeErr != nil {
			a.logger.Warn("shutdown finished with errors", zap.Error(a.closeErr))
		} else {
			a.logger.Info("shutdown complete")
		}
		_ = a.logger.Sync()
	})
	return a.closeErr
}

func setupStore(ctx context.Context, app *App) (push.Store, error) {
	switch app.cfg.Store.Backend {
	case "sqlite":
		store, err := sqlitestore.Open(ctx, app.cfg.Store.SQLitePath, app.logger.Named("sqlite"))
		if err != nil {
			return nil, fmt.Errorf("sqlite store init failed: %w", err)
		}
		app.logger.Info("using sqlite store", zap.String("path", app.cfg.Store.SQLitePath))
		return store, nil
	case "postgres":
		store, err := pgstore.NewStore(ctx, pgstore.Config{
			DSN:      app.cfg.Store.Postgres.DSN,
			MaxConns: app.cfg.Store.Postgres.MaxConns,
			MinConns: app.cfg.Store.Postgres.MinConns,
		})
		if err != nil {
			return nil, fmt.Errorf("postgres store init failed: %w", err)
		}
		app.logger.Info("using postgres store")
		return store, nil
	default:
		app.logger.Warn("using in-memory store, tasks and runs are lost on restart")
		return memorystorage.NewStore(), nil
	}
}

func setupArchive(ctx context.Context, app *App) (push.Archiver, error) {
	switch app.cfg.Archive.Backend {
	case "gcs":
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		app.gcsArchive, err = gcsarchive.New(client, gcsarchive.Config{Bucket: app.cfg.Archive.Bucket})
		if err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("gcs archive init failed: %w", err)
		}
		app.logger.Info("using GCS archive", zap.String("bucket", app.cfg.Archive.Bucket))
		return app.gcsArchive, nil
	case "memory":
		app.logger.Warn("using in-memory archive, snapshots are lost on restart")
		return memorystorage.NewArchive(), nil
	case "local":
		archive, err := localarchive.New(localarchive.Config{BaseDir: app.cfg.Archive.Local.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("local archive init failed: %w", err)
		}
		app.logger.Info("using local archive", zap.String("path", app.cfg.Archive.Local.BaseDir))
		return archive, nil
	default:
		app.logger.Info("result archiving disabled")
		return nil, nil
	}
}

func setupPublisher(ctx context.Context, app *App) (push.Publisher, error) {
	switch app.cfg.Events.Backend {
	case "memory":
		app.eventLog = memorypublisher.New(app.cfg.Events.History)
		app.logger.Info("run events kept in memory",
			zap.String("topic", app.cfg.Events.Topic),
			zap.Int("history", app.cfg.Events.History),
		)
		return app.eventLog, nil
	case "pubsub":
	default:
		app.logger.Info("run events disabled")
		return nil, nil
	}
	client, err := pubsub.NewClient(ctx, app.cfg.Events.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	app.pubsubPublisher = gcppublisher.New(client)
	app.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", app.cfg.Events.ProjectID),
		zap.String("topic", app.cfg.Events.Topic),
	)
	return app.pubsubPublisher, nil
}

func workingDir() string {
	wd, err := os.Getwd()
	if err != nil {
		return "."
	}
	return wd
}
