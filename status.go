package console

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/deesoft/console/core"
	"github.com/deesoft/console/errors"
	"github.com/deesoft/console/modules/auth"
)

// nextRunHorizon bounds the search for a job's next due minute.
const nextRunHorizon = 366 * 24 * time.Hour

type outcomeStats struct {
	evaluated atomic.Int64
	launched  atomic.Int64
	failed    atomic.Int64
	timedOut  atomic.Int64
}

type Totals struct {
	Evaluated int64 `json:"evaluated"`
	Launched  int64 `json:"launched"`
	Failed    int64 `json:"failed"`
	TimedOut  int64 `json:"timed_out"`
}

func (s *outcomeStats) snapshot() Totals {
	return Totals{
		Evaluated: s.evaluated.Load(),
		Launched:  s.launched.Load(),
		Failed:    s.failed.Load(),
		TimedOut:  s.timedOut.Load(),
	}
}

// outcomeLogger consumes JobDispatched events. An async job produces two
// events; only the final one is counted as failed or timed out.
type outcomeLogger struct {
	logger *slog.Logger
	stats  *outcomeStats
}

func (h *outcomeLogger) Handle(ctx context.Context, e *core.JobDispatched) error {
	o := e.Outcome
	pending := o.Async && o.Started && !o.Finished
	if !o.Finished || !o.Async {
		h.stats.evaluated.Add(1)
		if o.Started {
			h.stats.launched.Add(1)
		}
	}
	if !pending && o.Failed() {
		h.stats.failed.Add(1)
		if o.TimedOut {
			h.stats.timedOut.Add(1)
		}
	}
	h.logger.Debug("scheduler: outcome",
		"run_id", o.RunID, "route", o.Route, "due", o.Due, "pending", pending, "exit_code", o.ExitCode)
	return nil
}

type JobStatus struct {
	Route    string     `json:"route"`
	Schedule string     `json:"schedule,omitempty"`
	Due      bool       `json:"due"`
	Valid    bool       `json:"valid"`
	Next     *time.Time `json:"next,omitempty"`
}

type RunStatus struct {
	ID       string         `json:"id"`
	Time     time.Time      `json:"time"`
	Outcomes []core.Outcome `json:"outcomes"`
	Totals   Totals         `json:"totals"`
}

type DueStatus struct {
	Expression string     `json:"expression"`
	Time       time.Time  `json:"time"`
	Due        bool       `json:"due"`
	Valid      bool       `json:"valid"`
	Problem    string     `json:"problem,omitempty"`
	Next       *time.Time `json:"next,omitempty"`
}

type JobsRequest struct {
	Time string `query:"time"`
}

func (r *JobsRequest) Validate() error { return nil }

type LastRunRequest struct{}

func (r *LastRunRequest) Validate() error { return nil }

type DueRequest struct {
	Expression string `query:"expression"`
	Time       string `query:"time"`
}

func (r *DueRequest) Validate() error {
	if r.Expression == "" {
		return fmt.Errorf("expression is required")
	}
	return nil
}

// parseTime reads an RFC 3339 time; empty means now.
func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Now(), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, errors.ValidationError(fmt.Errorf("time must be RFC 3339: %w", err))
	}
	return t, nil
}

type jobsHandler struct{ app *Application }

func (h jobsHandler) Handle(ctx context.Context, req *JobsRequest) ([]JobStatus, error) {
	now, err := parseTime(req.Time)
	if err != nil {
		return nil, err
	}
	d := h.app.dispatcher
	eval := d.Evaluator(now)
	out := make([]JobStatus, 0, len(h.app.cfg.Scheduler.Jobs))
	for _, job := range h.app.cfg.Scheduler.Jobs {
		st := JobStatus{Route: job.Route, Schedule: job.Schedule, Valid: true}
		if job.Schedule == "" {
			st.Due = true
			out = append(out, st)
			continue
		}
		st.Valid = eval.Validate(job.Schedule) == nil
		st.Due = eval.IsDue(job.Schedule)
		if next, ok := eval.Next(job.Schedule, now, nextRunHorizon); ok {
			st.Next = &next
		}
		out = append(out, st)
	}
	return out, nil
}

type lastRunHandler struct{ app *Application }

func (h lastRunHandler) Handle(ctx context.Context, _ *LastRunRequest) (*RunStatus, error) {
	r := h.app.LastReport()
	if r == nil {
		return nil, errors.NotFoundError(fmt.Errorf("the scheduler has not run yet")).WithCode("NO_RUN")
	}
	return &RunStatus{
		ID:       r.ID,
		Time:     r.Time,
		Outcomes: r.Outcomes(),
		Totals:   h.app.stats.snapshot(),
	}, nil
}

type dueHandler struct{ app *Application }

func (h dueHandler) Handle(ctx context.Context, req *DueRequest) (*DueStatus, error) {
	t, err := parseTime(req.Time)
	if err != nil {
		return nil, err
	}
	eval := h.app.dispatcher.Evaluator(t)
	st := &DueStatus{
		Expression: req.Expression,
		Time:       t,
		Due:        eval.IsDue(req.Expression),
		Valid:      true,
	}
	if err := eval.Validate(req.Expression); err != nil {
		st.Valid = false
		st.Problem = err.Error()
	}
	if next, ok := eval.Next(req.Expression, t, nextRunHorizon); ok {
		st.Next = &next
	}
	return st, nil
}

// RegisterStatus mounts the scheduler status endpoints on server. With an
// auth secret configured every endpoint requires a bearer token.
func (app *Application) RegisterStatus(server core.Server) error {
	if app.cfg.Auth.Enabled() {
		provider, err := auth.NewTokenProvider(app.cfg.Auth)
		if err != nil {
			return err
		}
		server.Use(auth.Guard(provider, app.cfg.Auth.Scopes...))
	}
	core.RegisterEndpoint[*JobsRequest, []JobStatus](server, "GET", "/scheduler/jobs", jobsHandler{app})
	core.RegisterEndpoint[*LastRunRequest, *RunStatus](server, "GET", "/scheduler/runs/last", lastRunHandler{app})
	core.RegisterEndpoint[*DueRequest, *DueStatus](server, "GET", "/scheduler/due", dueHandler{app})
	return nil
}
