package core

import (
	"context"
	"time"
)

// JobFunc is the function signature for scheduled jobs.
type JobFunc func(ctx context.Context) error

// SchedulerMiddleware wraps a JobFunc to add cross-cutting concerns.
type SchedulerMiddleware func(next JobFunc) JobFunc

// Scheduler defines the interface for in-process periodic jobs. The console
// uses it to re-run the dispatcher once per minute when it is not driven by
// an external crontab.
type Scheduler interface {
	Start()
	Shutdown() error
	RegisterJob(name string, fn JobFunc, interval time.Duration) error
	RegisterCron(name string, cronExpr string, fn JobFunc) error
	RemoveJob(name string) error
	Clear() error
	Use(middleware ...SchedulerMiddleware)
}

// Job is one entry of the dispatcher's job table. Route is appended to the
// script invocation as-is; an empty Schedule means the job is always due.
type Job struct {
	Route    string `mapstructure:"route" json:"route" yaml:"route"`
	Schedule string `mapstructure:"schedule" json:"schedule,omitempty" yaml:"schedule,omitempty"`
}

// Outcome is the result of evaluating (and possibly launching) one job during
// a dispatcher run. ExitCode is -1 while unknown.
type Outcome struct {
	RunID     string        `json:"run_id"`
	Route     string        `json:"route"`
	Schedule  string        `json:"schedule,omitempty"`
	Due       bool          `json:"due"`
	Started   bool          `json:"started"`
	Async     bool          `json:"async"`
	Finished  bool          `json:"finished"`
	ExitCode  int           `json:"exit_code"`
	TimedOut  bool          `json:"timed_out"`
	Error     string        `json:"error,omitempty"`
	StartedAt time.Time     `json:"started_at,omitempty"`
	Duration  time.Duration `json:"duration,omitempty"`
}

// Failed reports whether a due job did not complete successfully.
func (o Outcome) Failed() bool {
	if !o.Due {
		return false
	}
	if !o.Started || o.TimedOut || o.Error != "" {
		return true
	}
	return o.Finished && o.ExitCode != 0
}
