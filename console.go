// Package console wires the scheduler, command routing, migrations and the
// status API into one application.
package console

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/deesoft/console/config"
	"github.com/deesoft/console/core"
	"github.com/deesoft/console/errors"
	"github.com/deesoft/console/modules/cache"
	"github.com/deesoft/console/modules/command"
	"github.com/deesoft/console/modules/database"
	"github.com/deesoft/console/modules/event"
	"github.com/deesoft/console/modules/migration"
	"github.com/deesoft/console/modules/process"
	"github.com/deesoft/console/modules/router"
	"github.com/deesoft/console/modules/sampledata"
	"github.com/deesoft/console/modules/scheduler"
	"github.com/deesoft/console/modules/servers"
)

const routeCacheTTL = 24 * time.Hour

type Application struct {
	cfg        *config.Config
	logger     *slog.Logger
	commands   core.CommandBus
	router     *router.Router
	cache      cache.Cache
	runner     core.ProcessRunner
	dispatcher *scheduler.Dispatcher
	events     *event.Bus
	stats      *outcomeStats

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	db     *database.Database
	server *servers.HttpServer
	daemon *scheduler.Daemon
	last   *scheduler.Report
}

type Option func(*Application)

func WithLogger(logger *slog.Logger) Option {
	return func(app *Application) {
		if logger != nil {
			app.logger = logger
		}
	}
}

// WithCache replaces the cache chosen from configuration.
func WithCache(c cache.Cache) Option {
	return func(app *Application) {
		app.cache = c
	}
}

// WithProcessRunner replaces the os/exec runner used by the dispatcher.
func WithProcessRunner(r core.ProcessRunner) Option {
	return func(app *Application) {
		app.runner = r
	}
}

func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Application, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	app := &Application{
		cfg:    cfg,
		logger: cfg.NewLogger(),
		stats:  &outcomeStats{},
	}
	for _, opt := range opts {
		opt(app)
	}
	for _, w := range cfg.Warnings() {
		app.logger.Warn("scheduler: schedule never matches", "detail", w)
	}

	if app.cache == nil {
		if cfg.Redis.Enabled() {
			rc, err := cache.New(ctx, &cfg.Redis)
			if err != nil {
				return nil, err
			}
			app.cache = rc
		} else {
			app.cache = cache.NewMemory()
		}
	}
	app.router = router.New(cfg.Routes,
		router.WithCache(app.cache, routeCacheTTL),
		router.WithLogger(app.logger))

	bus := command.NewInMemory()
	bus.Use(command.Logging(app.logger))
	app.commands = bus

	events, err := event.NewBus(app.logger)
	if err != nil {
		return nil, errors.InfraError(err)
	}
	app.events = events
	if err := core.SubscribeEvent[*core.JobDispatched](events, &outcomeLogger{logger: app.logger, stats: app.stats}); err != nil {
		return nil, err
	}

	if app.runner == nil {
		app.runner = process.NewExec(process.WithLogger(app.logger))
	}
	app.dispatcher, err = scheduler.NewDispatcher(cfg.Scheduler, app.runner,
		scheduler.WithLogger(app.logger),
		scheduler.WithPublisher(events))
	if err != nil {
		return nil, err
	}

	if err := app.registerBuiltins(); err != nil {
		return nil, err
	}

	app.ctx, app.cancel = context.WithCancel(context.WithoutCancel(ctx))
	go func() {
		if err := events.Run(app.ctx); err != nil {
			app.logger.Error("event bus stopped", "error", err)
		}
	}()
	select {
	case <-events.Running():
	case <-time.After(5 * time.Second):
		app.cancel()
		return nil, errors.InfraError(fmt.Errorf("event bus did not start"))
	}
	return app, nil
}

func (app *Application) Config() *config.Config {
	return app.cfg
}

func (app *Application) Logger() *slog.Logger {
	return app.logger
}

// Commands is where embedding programs register their routes.
func (app *Application) Commands() core.CommandBus {
	return app.commands
}

func (app *Application) Dispatcher() *scheduler.Dispatcher {
	return app.dispatcher
}

func (app *Application) registerBuiltins() error {
	builtins := map[string]core.CommandHandlerFunc{
		"cache/flush": func(ctx context.Context, in core.Input) error {
			if m, ok := app.cache.(*cache.Memory); ok {
				m.Flush()
				return nil
			}
			key := in.Param("key", "")
			if key == "" {
				return errors.ValidationError(fmt.Errorf("cache/flush needs --key with a redis cache"))
			}
			return app.cache.Del(ctx, key)
		},
		"scheduler/run": func(ctx context.Context, in core.Input) error {
			_, err := app.RunScheduler(ctx, time.Now(), true)
			return err
		},
	}
	for route, h := range builtins {
		if err := app.commands.Register(route, h); err != nil {
			return err
		}
	}
	return nil
}

// Execute resolves path through the routing rules and dispatches it. Args of
// the form --name=value become params, the rest stay positional.
func (app *Application) Execute(ctx context.Context, path string, args []string) error {
	positional, params := ParseArgs(args)
	route, params, err := app.router.Resolve(ctx, path, params)
	if err != nil {
		return err
	}
	return app.commands.Dispatch(ctx, core.Input{Route: route, Args: positional, Params: params})
}

// ParseArgs splits console arguments into positional values and
// --name=value params. A bare --flag becomes "1".
func ParseArgs(args []string) ([]string, map[string]string) {
	var positional []string
	params := make(map[string]string)
	for i, a := range args {
		if a == "--" {
			positional = append(positional, args[i+1:]...)
			break
		}
		if !strings.HasPrefix(a, "--") || len(a) == 2 {
			positional = append(positional, a)
			continue
		}
		name, value, ok := strings.Cut(a[2:], "=")
		if !ok {
			value = "1"
		}
		params[name] = value
	}
	return positional, params
}

// RunScheduler runs one dispatcher pass over the configured jobs. With wait
// it also waits for asynchronously launched children.
func (app *Application) RunScheduler(ctx context.Context, now time.Time, wait bool) (*scheduler.Report, error) {
	report, err := app.dispatcher.Run(ctx, app.cfg.Scheduler.Jobs, now)
	if report != nil {
		app.setLast(report)
	}
	if err != nil || !wait {
		return report, err
	}
	_, err = report.Wait(ctx)
	return report, err
}

func (app *Application) setLast(r *scheduler.Report) {
	app.mu.Lock()
	app.last = r
	app.mu.Unlock()
}

func (app *Application) LastReport() *scheduler.Report {
	app.mu.Lock()
	defer app.mu.Unlock()
	return app.last
}

// Database opens the configured database on first use.
func (app *Application) Database(ctx context.Context) (*database.Database, error) {
	app.mu.Lock()
	defer app.mu.Unlock()
	if app.db != nil {
		return app.db, nil
	}
	if !app.cfg.Database.Enabled() {
		return nil, errors.ConfigError(fmt.Errorf("database is not configured"))
	}
	db, err := database.New(ctx, &app.cfg.Database)
	if err != nil {
		return nil, err
	}
	app.db = db
	return db, nil
}

func (app *Application) Migrator(ctx context.Context) (*migration.Migrator, error) {
	db, err := app.Database(ctx)
	if err != nil {
		return nil, err
	}
	return app.newMigrator(database.NewMigrationStore(db.Pool, app.cfg.Migration.Table)), nil
}

func (app *Application) newMigrator(store core.MigrationStore) *migration.Migrator {
	mc := app.cfg.Migration
	finder := &migration.Finder{Path: mc.Path, Lookup: mc.Lookup, ExtraFile: mc.ExtraFile}
	return migration.New(store, finder,
		migration.WithExcepts(mc.Excepts),
		migration.WithLogger(app.logger))
}

func (app *Application) SampleData(ctx context.Context) (*sampledata.Loader, error) {
	db, err := app.Database(ctx)
	if err != nil {
		return nil, err
	}
	return sampledata.NewLoader(app.cfg.SampleData, db.Pool, app.logger)
}

// Serve runs the dispatcher every minute and the status API until ctx is
// done.
func (app *Application) Serve(ctx context.Context) error {
	loc, err := app.cfg.Scheduler.Location()
	if err != nil {
		return err
	}
	daemon, err := scheduler.NewDaemon(
		scheduler.WithDaemonLogger(app.logger),
		scheduler.WithDaemonLocation(loc))
	if err != nil {
		return errors.InfraError(err)
	}
	daemon.Use(app.jobLogging)
	if err := scheduler.RunEveryMinute(daemon, app.dispatcher, app.cfg.Scheduler.Jobs, app.setLast); err != nil {
		return err
	}

	serverCfg := app.cfg.Server
	serverCfg.Logger = app.logger
	server, err := servers.NewHttpServer(servers.WithConfig(&serverCfg))
	if err != nil {
		return err
	}
	if err := app.RegisterStatus(server); err != nil {
		return err
	}

	app.mu.Lock()
	app.daemon = daemon
	app.server = server
	app.mu.Unlock()

	daemon.Start()
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Run()
	}()

	select {
	case err := <-errCh:
		_ = daemon.Shutdown()
		return errors.InfraError(err)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), servers.DefaultShutdownTimeout)
	defer cancel()
	return app.Shutdown(shutdownCtx)
}

func (app *Application) jobLogging(next core.JobFunc) core.JobFunc {
	return func(ctx context.Context) error {
		start := time.Now()
		err := next(ctx)
		app.logger.Debug("scheduler: tick done", "duration", time.Since(start), "error", err)
		return err
	}
}

// Shutdown stops the daemon and the status API.
func (app *Application) Shutdown(ctx context.Context) error {
	app.mu.Lock()
	daemon, server := app.daemon, app.server
	app.daemon, app.server = nil, nil
	app.mu.Unlock()

	var errs []error
	if daemon != nil {
		errs = append(errs, daemon.Shutdown())
	}
	if server != nil {
		errs = append(errs, server.Shutdown(ctx))
	}
	return errors.Join(errs...)
}

// Close releases the event bus, cache and database.
func (app *Application) Close() error {
	app.cancel()
	var errs []error
	errs = append(errs, app.events.Close())
	errs = append(errs, app.cache.Close())
	app.mu.Lock()
	if app.db != nil {
		app.db.Close()
		app.db = nil
	}
	app.mu.Unlock()
	return errors.Join(errs...)
}
