package scheduler

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/deesoft/console/core"
	"github.com/deesoft/console/errors"
	"github.com/deesoft/console/modules/cron"
	"github.com/kballard/go-shellquote"
)

// Dispatcher evaluates a job table against one reference time and launches
// the script for every due route.
type Dispatcher struct {
	cfg       Config
	runner    core.ProcessRunner
	logger    *slog.Logger
	publisher core.EventPublisher
	debugOut  io.Writer
	loc       *time.Location
	aliases   map[string]cron.Alias
}

type Option func(*Dispatcher)

func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithPublisher publishes a core.JobDispatched event per evaluated job.
func WithPublisher(publisher core.EventPublisher) Option {
	return func(d *Dispatcher) {
		d.publisher = publisher
	}
}

// WithDebugOutput sets where the debug trace line goes. Defaults to stdout.
func WithDebugOutput(w io.Writer) Option {
	return func(d *Dispatcher) {
		if w != nil {
			d.debugOut = w
		}
	}
}

// WithAliases merges aliases on top of the configured ones.
func WithAliases(aliases map[string]cron.Alias) Option {
	return func(d *Dispatcher) {
		maps.Copy(d.aliases, aliases)
	}
}

func NewDispatcher(cfg Config, runner core.ProcessRunner, opts ...Option) (*Dispatcher, error) {
	if runner == nil {
		return nil, errors.ConfigError(fmt.Errorf("scheduler: process runner is required"))
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()
	script, err := ResolveScriptFile(cfg.ScriptFile)
	if err != nil {
		return nil, err
	}
	cfg.ScriptFile = script
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}

	d := &Dispatcher{
		cfg:      cfg,
		runner:   runner,
		logger:   slog.Default(),
		debugOut: os.Stdout,
		loc:      loc,
		aliases:  cfg.AliasMap(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

func (d *Dispatcher) Config() Config {
	return d.cfg
}

// Evaluator returns an evaluator bound to t with the dispatcher's location
// and aliases.
func (d *Dispatcher) Evaluator(t time.Time) *cron.Evaluator {
	return cron.New(cron.WithTime(t), cron.WithLocation(d.loc), cron.WithMapping(d.aliases))
}

// Run evaluates jobs in order against now and launches every due route.
// Only a failure to open the log is returned as an error; launch failures,
// non-zero exits and timeouts end up in the job's outcome.
func (d *Dispatcher) Run(ctx context.Context, jobs []core.Job, now time.Time) (*Report, error) {
	cwd := filepath.Dir(d.cfg.ScriptFile)
	logFile, err := openLog(d.cfg.LogRoot, now.In(d.loc))
	if err != nil {
		return nil, err
	}
	// Children hold their own copy of the descriptor.
	defer logFile.Close()

	eval := d.Evaluator(now)
	report := newReport(now)
	logger := d.logger.With("run_id", report.ID)
	logger.Debug("scheduler: run started", "time", now, "jobs", len(jobs), "policy", d.cfg.Policy)

	for i, job := range jobs {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		outcome := core.Outcome{
			RunID:    report.ID,
			Route:    job.Route,
			Schedule: job.Schedule,
			ExitCode: -1,
		}
		outcome.Due = job.Schedule == "" || eval.IsDue(job.Schedule)
		if !outcome.Due {
			report.add(outcome)
			d.publish(ctx, logger, outcome)
			continue
		}

		spec, err := d.command(job.Route, cwd, report.ID, logFile)
		if err != nil {
			outcome.Error = err.Error()
			logger.Warn("scheduler: invalid route", "route", job.Route, "error", err)
			report.add(outcome)
			d.publish(ctx, logger, outcome)
			continue
		}

		async := d.cfg.Policy == PolicyAsync
		spec.Detached = async
		outcome.Async = async
		outcome.StartedAt = time.Now()
		proc, err := d.runner.Start(ctx, spec)
		if err != nil {
			outcome.Error = err.Error()
			logger.Error("scheduler: job failed to start", "route", job.Route, "error", err)
			report.add(outcome)
			d.publish(ctx, logger, outcome)
			continue
		}
		outcome.Started = true
		logger.Info("scheduler: job started", "route", job.Route, "pid", proc.Pid(), "async", async)

		if !async {
			applyResult(&outcome, proc.Wait())
			d.logFinished(logger, outcome)
			report.add(outcome)
			d.publish(ctx, logger, outcome)
			continue
		}

		idx := report.add(outcome)
		d.publish(ctx, logger, outcome)
		report.track(idx, proc, func(final core.Outcome) {
			d.logFinished(logger, final)
			d.publish(context.WithoutCancel(ctx), logger, final)
		})
		if i < len(jobs)-1 {
			if err := sleep(ctx, d.cfg.Debounce); err != nil {
				return report, err
			}
		}
	}

	if d.cfg.Debug {
		fmt.Fprintf(d.debugOut, "%s: %s\n", now.In(d.loc).Format(time.DateTime), strings.Join(report.Due(), ", "))
	}
	return report, nil
}

// command builds "[invoker] script route-args..." for route. The route is
// split with shell quoting rules so it may carry its own arguments.
func (d *Dispatcher) command(route, cwd, runID string, out io.Writer) (core.ProcessSpec, error) {
	routeArgs, err := shellquote.Split(route)
	if err != nil {
		return core.ProcessSpec{}, errors.ValidationError(fmt.Errorf("route %q: %w", route, err))
	}
	if len(routeArgs) == 0 {
		return core.ProcessSpec{}, errors.ValidationError(fmt.Errorf("route is empty"))
	}

	path := d.cfg.ScriptFile
	var args []string
	if d.cfg.Invoker != "" {
		invoker, err := shellquote.Split(d.cfg.Invoker)
		if err != nil || len(invoker) == 0 {
			return core.ProcessSpec{}, errors.ConfigError(fmt.Errorf("invoker %q is invalid", d.cfg.Invoker))
		}
		path = invoker[0]
		args = append(args, invoker[1:]...)
		args = append(args, d.cfg.ScriptFile)
	}
	args = append(args, routeArgs...)

	return core.ProcessSpec{
		Path:    path,
		Args:    args,
		Dir:     cwd,
		Env:     []string{"CONSOLE_SCHEDULER_RUN=" + runID},
		Timeout: d.cfg.Timeout,
		Output:  out,
	}, nil
}

func (d *Dispatcher) logFinished(logger *slog.Logger, o core.Outcome) {
	attrs := []any{
		"route", o.Route,
		"exit_code", o.ExitCode,
		"timed_out", o.TimedOut,
		"duration", o.Duration,
	}
	if o.Failed() {
		logger.Warn("scheduler: job failed", append(attrs, "error", o.Error)...)
		return
	}
	logger.Info("scheduler: job finished", attrs...)
}

func (d *Dispatcher) publish(ctx context.Context, logger *slog.Logger, o core.Outcome) {
	if d.publisher == nil {
		return
	}
	if err := d.publisher.Publish(ctx, core.NewJobDispatched(o)); err != nil {
		logger.Warn("scheduler: publish outcome", "route", o.Route, "error", err)
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
