package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/deesoft/console/core"
	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
)

// EveryMinute is the cron expression the daemon re-runs the dispatcher with.
const EveryMinute = "* * * * *"

// Daemon runs named periodic jobs in-process on top of gocron. It is used in
// place of an OS crontab entry that invokes the dispatcher once per minute.
type Daemon struct {
	scheduler   gocron.Scheduler
	jobs        map[string]uuid.UUID
	middlewares []core.SchedulerMiddleware
	logger      *slog.Logger
	ctx         context.Context
	cancel      context.CancelFunc
	mu          sync.RWMutex
}

type DaemonOption func(*daemonOptions)

type daemonOptions struct {
	logger *slog.Logger
	loc    *time.Location
}

func WithDaemonLogger(logger *slog.Logger) DaemonOption {
	return func(o *daemonOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

func WithDaemonLocation(loc *time.Location) DaemonOption {
	return func(o *daemonOptions) {
		if loc != nil {
			o.loc = loc
		}
	}
}

var _ core.Scheduler = (*Daemon)(nil)

func NewDaemon(opts ...DaemonOption) (*Daemon, error) {
	o := daemonOptions{logger: slog.Default(), loc: time.Local}
	for _, opt := range opts {
		opt(&o)
	}
	s, err := gocron.NewScheduler(gocron.WithLocation(o.loc))
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Daemon{
		scheduler: s,
		jobs:      make(map[string]uuid.UUID),
		logger:    o.logger,
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

func (d *Daemon) Start() {
	d.scheduler.Start()
	d.logger.Info("scheduler: daemon started", "jobs", len(d.Jobs()))
}

// Shutdown cancels the context handed to running jobs and waits for them.
func (d *Daemon) Shutdown() error {
	d.cancel()
	err := d.scheduler.Shutdown()
	d.logger.Info("scheduler: daemon stopped")
	return err
}

func (d *Daemon) Use(middleware ...core.SchedulerMiddleware) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.middlewares = append(d.middlewares, middleware...)
}

func (d *Daemon) applyMiddlewares(fn core.JobFunc) core.JobFunc {
	chain := fn
	for i := len(d.middlewares) - 1; i >= 0; i-- {
		chain = d.middlewares[i](chain)
	}
	return chain
}

// task adapts a JobFunc to gocron. Overlapping ticks of the same job are
// skipped by singleton mode, not queued.
func (d *Daemon) task(name string, fn core.JobFunc) gocron.Task {
	return gocron.NewTask(func() {
		if err := fn(d.ctx); err != nil {
			d.logger.Error("scheduler: daemon job failed", "job", name, "error", err)
		}
	})
}

func (d *Daemon) RegisterJob(name string, fn core.JobFunc, interval time.Duration) error {
	return d.register(name, gocron.DurationJob(interval), fn)
}

func (d *Daemon) RegisterCron(name string, cronExpr string, fn core.JobFunc) error {
	// Six fields means the expression carries seconds.
	withSeconds := len(strings.Fields(cronExpr)) == 6
	return d.register(name, gocron.CronJob(cronExpr, withSeconds), fn)
}

func (d *Daemon) register(name string, def gocron.JobDefinition, fn core.JobFunc) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.jobs[name]; exists {
		return fmt.Errorf("job with name %s already exists", name)
	}

	job, err := d.scheduler.NewJob(
		def,
		d.task(name, d.applyMiddlewares(fn)),
		gocron.WithName(name),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("job %s: %w", name, err)
	}

	d.jobs[name] = job.ID()
	return nil
}

func (d *Daemon) RemoveJob(name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	id, exists := d.jobs[name]
	if !exists {
		return fmt.Errorf("job with name %s not found", name)
	}

	if err := d.scheduler.RemoveJob(id); err != nil {
		return err
	}

	delete(d.jobs, name)
	return nil
}

func (d *Daemon) Clear() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	for name, id := range d.jobs {
		if err := d.scheduler.RemoveJob(id); err != nil {
			return fmt.Errorf("failed to remove job %s: %w", name, err)
		}
		delete(d.jobs, name)
	}
	return nil
}

// Jobs returns the registered job names, sorted.
func (d *Daemon) Jobs() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, 0, len(d.jobs))
	for name := range d.jobs {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// RunEveryMinute registers a job that runs the dispatcher over jobs at every
// minute boundary, with the tick truncated to the minute as reference time.
// onReport receives each completed report; it may be nil.
func RunEveryMinute(d core.Scheduler, dispatcher *Dispatcher, jobs []core.Job, onReport func(*Report)) error {
	return d.RegisterCron("scheduler", EveryMinute, func(ctx context.Context) error {
		report, err := dispatcher.Run(ctx, jobs, time.Now().Truncate(time.Minute))
		if report != nil && onReport != nil {
			onReport(report)
		}
		return err
	})
}
