// Package quadoflow assembles the workflow engine, the background queues and the HTTP API into a
// runnable application.
package quadoflow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/robfig/cron/v3"

	"github.com/arelbir/quado-lite-sub003/internal/assignment"
	"github.com/arelbir/quado-lite-sub003/internal/broadcast"
	"github.com/arelbir/quado-lite-sub003/internal/config"
	"github.com/arelbir/quado-lite-sub003/internal/controllers"
	"github.com/arelbir/quado-lite-sub003/internal/engine"
	"github.com/arelbir/quado-lite-sub003/internal/graph"
	"github.com/arelbir/quado-lite-sub003/internal/jobs"
	"github.com/arelbir/quado-lite-sub003/internal/migrations"
	"github.com/arelbir/quado-lite-sub003/internal/queue"
	"github.com/arelbir/quado-lite-sub003/internal/repository"
	"github.com/arelbir/quado-lite-sub003/pkg/quadoflow/core"
)

// App is a fully wired instance. Build it with New (or Setup), then Start it and finally Shutdown.
type App struct {
	DB       *sql.DB
	Repos    *repository.Repositories
	Engine   *engine.Engine
	Notifier *jobs.Notifier
	Sync     *jobs.SyncService
	Queues   map[string]*queue.Queue
	Workers  map[string]*queue.Worker
	Mux      *http.ServeMux

	channel broadcast.Channel
	cron    *cron.Cron
	server  *http.Server
}

type settings struct {
	mux        *http.ServeMux
	channel    broadcast.Channel
	directory  jobs.DirectoryClient
	httpClient *http.Client
	queueOpts  queue.Options
	workerOpts queue.WorkerOptions
}

type Option func(*settings)

// WithMux registers the API on an existing mux instead of a new one.
func WithMux(mux *http.ServeMux) Option {
	return func(s *settings) { s.mux = mux }
}

// WithChannel replaces the broadcast channel chosen from QFLOW_REDIS_ADDR.
func WithChannel(c broadcast.Channel) Option {
	return func(s *settings) { s.channel = c }
}

// WithDirectoryClient enables the "directory" sync source.
func WithDirectoryClient(d jobs.DirectoryClient) Option {
	return func(s *settings) { s.directory = d }
}

func WithHTTPClient(c *http.Client) Option {
	return func(s *settings) { s.httpClient = c }
}

func WithQueueOptions(o queue.Options) Option {
	return func(s *settings) { s.queueOpts = o }
}

func WithWorkerOptions(o queue.WorkerOptions) Option {
	return func(s *settings) { s.workerOpts = o }
}

// Setup opens the configured database, migrates it and wires the application on the wall clock.
func Setup(opts ...Option) (*App, error) {
	return SetupWithClock(core.NewRealClock(), opts...)
}

func SetupWithClock(clock core.Clock, opts ...Option) (*App, error) {
	db, err := OpenDatabase()
	if err != nil {
		return nil, err
	}
	app, err := New(db, clock, opts...)
	if err != nil {
		db.Close()
		return nil, err
	}
	return app, nil
}

// New wires every component over an already migrated database.
func New(db *sql.DB, clock core.Clock, opts ...Option) (*App, error) {
	s := settings{
		queueOpts:  queue.DefaultOptions(),
		workerOpts: queue.DefaultWorkerOptions(),
		httpClient: &http.Client{Timeout: config.GetSystemSettingDuration(config.SYNC_HTTP_TIMEOUT)},
	}
	for _, o := range opts {
		o(&s)
	}
	if s.mux == nil {
		s.mux = http.NewServeMux()
	}
	if s.channel == nil {
		channel, err := openChannel()
		if err != nil {
			return nil, err
		}
		s.channel = channel
	}

	strategy, err := assignment.ParseStrategy(config.GetSystemSettingString(config.DEFAULT_ASSIGNMENT_STRATEGY))
	if err != nil {
		slog.Warn("Unknown default assignment strategy, using workload", "error", err)
		strategy = assignment.Workload
	}

	repos := repository.NewRepositories(db, clock)
	app := &App{
		DB:      db,
		Repos:   repos,
		Queues:  map[string]*queue.Queue{},
		Workers: map[string]*queue.Worker{},
		Mux:     s.mux,
		channel: s.channel,
		server:  &http.Server{Handler: s.mux, ReadHeaderTimeout: 10 * time.Second},
	}
	for _, name := range []string{jobs.QueueNotifications, jobs.QueueSync} {
		q := queue.New(name, repos.Jobs, clock, s.queueOpts)
		app.Queues[name] = q
		app.Workers[name] = queue.NewWorker(q, repos.Executors, s.workerOpts)
	}

	app.Notifier = jobs.NewNotifier(app.Queues[jobs.QueueNotifications], clock, repos.Users,
		config.GetSystemSettingString(config.ESCALATION_ROLE))
	app.Workers[jobs.QueueNotifications].Handle(jobs.JobSendNotification,
		jobs.NotificationHandler(repos.Notifications, s.channel, clock))

	app.Sync = jobs.NewSyncService(repos.SyncConfigs, repos.SyncLogs, app.Queues[jobs.QueueSync])
	jobs.RegisterStrategies(app.Sync, jobs.NewUserSink(repos.Users), s.httpClient, s.directory)
	app.Workers[jobs.QueueSync].Handle(jobs.JobRunSync, app.Sync.Handle)

	resolver := assignment.NewResolver(repos.Users, repos.Delegations, repos.Assignments, repos.Rotation, clock)
	app.Engine = engine.NewEngine(repos.Definitions, repos.Instances, repos.Assignments, repos.Timeline, resolver, clock,
		engine.WithDefaultStrategy(strategy),
		engine.WithAssignmentListener(app.Notifier),
		engine.WithEscalator(app.Notifier),
	)

	catalog, err := graph.LoadCatalog()
	if err != nil {
		return nil, fmt.Errorf("load template catalog: %w", err)
	}
	statuses := map[string]controllers.QueueStatusReader{}
	for name, q := range app.Queues {
		statuses[name] = q
	}
	controllers.NewWorkflowsController(app.Engine).RegisterRoutes(s.mux)
	controllers.NewDefinitionsController(app.Engine, catalog).RegisterRoutes(s.mux)
	controllers.NewQueuesController(statuses, repos.Executors).RegisterRoutes(s.mux)
	controllers.NewSyncController(app.Sync).RegisterRoutes(s.mux)
	return app, nil
}

// Start launches the queue workers and the maintenance schedule. It does not serve HTTP.
func (a *App) Start(ctx context.Context) error {
	for name, w := range a.Workers {
		if err := w.Start(ctx); err != nil {
			return fmt.Errorf("start %s worker: %w", name, err)
		}
	}
	a.cron = cron.New(cron.WithChain(cron.Recover(cronLogger{}), cron.SkipIfStillRunning(cronLogger{})))
	if _, err := a.cron.AddFunc(config.GetSystemSettingString(config.ESCALATION_SCHEDULE), func() { a.escalate(ctx) }); err != nil {
		return fmt.Errorf("escalation schedule: %w", err)
	}
	if _, err := a.cron.AddFunc(config.GetSystemSettingString(config.PRUNE_SCHEDULE), func() { a.maintainQueues(ctx) }); err != nil {
		return fmt.Errorf("prune schedule: %w", err)
	}
	a.cron.Start()
	slog.Info("Quadoflow started", "queues", len(a.Queues))
	return nil
}

func (a *App) escalate(ctx context.Context) {
	n, err := a.Engine.EscalateOverdue(ctx)
	if err != nil {
		slog.Error("Escalation sweep failed", "error", err)
		return
	}
	if n > 0 {
		slog.Info("Escalated overdue assignments", "count", n)
	}
}

func (a *App) maintainQueues(ctx context.Context) {
	for name, q := range a.Queues {
		if n, err := q.RepairStalled(ctx); err != nil {
			slog.Error("Repairing stalled jobs failed", "queue", name, "error", err)
		} else if n > 0 {
			slog.Warn("Requeued stalled jobs", "queue", name, "count", n)
		}
		if n, err := q.Prune(ctx); err != nil {
			slog.Error("Pruning jobs failed", "queue", name, "error", err)
		} else if n > 0 {
			slog.Info("Pruned jobs", "queue", name, "count", n)
		}
	}
}

// ListenAndServe serves the API on addr until Shutdown is called.
func (a *App) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	slog.Info("Starting HTTP server", "addr", ln.Addr().String())
	if err := a.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting work and releases resources: the schedule and HTTP server first, then
// the workers (draining running jobs until ctx expires), the queues and finally the connections.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	if a.cron != nil {
		<-a.cron.Stop().Done()
	}
	errs = append(errs, a.server.Shutdown(ctx))
	for name, w := range a.Workers {
		if err := w.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close %s worker: %w", name, err))
		}
	}
	for _, q := range a.Queues {
		q.Close()
	}
	errs = append(errs, a.channel.Close(), a.DB.Close())
	slog.Info("Quadoflow stopped")
	return errors.Join(errs...)
}

// Run wires the application from the environment, serves it and blocks until ctx is cancelled.
func Run(ctx context.Context, opts ...Option) error {
	app, err := Setup(opts...)
	if err != nil {
		return err
	}
	if err := app.Start(ctx); err != nil {
		_ = app.Shutdown(context.Background())
		return err
	}
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- app.ListenAndServe(":" + config.GetSystemSettingString(config.SERVER_WEB_PORT))
	}()

	select {
	case <-ctx.Done():
	case err = <-serveErr:
		if err != nil {
			slog.Error("HTTP server failed", "error", err)
		}
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), config.GetSystemSettingDuration(config.SHUTDOWN_TIMEOUT))
	defer cancel()
	return errors.Join(err, app.Shutdown(shutdownCtx))
}

func openChannel() (broadcast.Channel, error) {
	addr := config.GetSystemSettingString(config.REDIS_ADDR)
	if addr == "" {
		slog.Info("No Redis configured, notifications are only logged")
		return broadcast.LogChannel{}, nil
	}
	return broadcast.NewRedisChannel(broadcast.RedisOptions{
		Addr:     addr,
		Password: config.GetSystemSettingString(config.REDIS_PASSWORD),
		DB:       config.GetSystemSettingInteger(config.REDIS_DB),
		PoolSize: config.GetSystemSettingInteger(config.REDIS_POOL_SIZE),
	})
}

// OpenDatabase opens the database named by QFLOW_DATABASE_TYPE after applying its migrations.
func OpenDatabase() (*sql.DB, error) {
	switch databaseType := config.GetSystemSettingString(config.DATABASE_TYPE); databaseType {
	case config.DATABASE_TYPE_POSTGRES:
		dbURL := config.GetSystemSettingString(config.DATABASE_URL)
		if dbURL == "" {
			return nil, errors.New("QFLOW_DATABASE_URL must be set when using the POSTGRES database type")
		}
		return open("postgres", "postgres", dbURL, dbURL)
	case config.DATABASE_TYPE_MYSQL:
		dbURL := config.GetSystemSettingString(config.DATABASE_URL)
		if !strings.HasPrefix(dbURL, "mysql://") {
			return nil, errors.New("QFLOW_DATABASE_URL must start with 'mysql://' for MySQL")
		}
		if !strings.Contains(dbURL, "parseTime=true") {
			return nil, errors.New("QFLOW_DATABASE_URL must contain 'parseTime=true' for MySQL")
		}
		return open("mysql", "mysql", dbURL, strings.TrimPrefix(dbURL, "mysql://"))
	case config.DATABASE_TYPE_SQLLITE:
		fileName := config.GetSystemSettingString(config.DATABASE_SQLLITE_FILE_NAME)
		return open("sqllite3", "sqlite3", "sqlite3://"+fileName, fileName)
	default:
		return nil, fmt.Errorf("QFLOW_DATABASE_TYPE must be one of POSTGRES, MYSQL, SQLLITE, got %q", databaseType)
	}
}

func open(dialect, driver, migrateURL, dsn string) (*sql.DB, error) {
	slog.Info("Running migrations", "dialect", dialect)
	if err := migrations.Up(dialect, migrateURL); err != nil {
		return nil, fmt.Errorf("migrate %s: %w", dialect, err)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}
	return db, nil
}

// cronLogger routes the scheduler's own messages to slog.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...any) {
	slog.Debug("cron: "+msg, keysAndValues...)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...any) {
	slog.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
