package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/deesoft/console/core"
	"github.com/google/uuid"
)

// Report collects the outcomes of one dispatcher run. Outcomes of jobs
// launched asynchronously are completed in the background; use Wait to get
// their final state.
type Report struct {
	ID   string
	Time time.Time

	mu       sync.Mutex
	outcomes []core.Outcome
	pending  sync.WaitGroup
}

func newReport(t time.Time) *Report {
	return &Report{
		ID:   uuid.NewString(),
		Time: t,
	}
}

func (r *Report) add(o core.Outcome) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, o)
	return len(r.outcomes) - 1
}

// track completes outcome i once p exits and hands the final value to onDone.
func (r *Report) track(i int, p core.Process, onDone func(core.Outcome)) {
	r.pending.Add(1)
	go func() {
		defer r.pending.Done()
		res := p.Wait()

		r.mu.Lock()
		applyResult(&r.outcomes[i], res)
		final := r.outcomes[i]
		r.mu.Unlock()

		if onDone != nil {
			onDone(final)
		}
	}()
}

func applyResult(o *core.Outcome, res core.ProcessResult) {
	o.Finished = true
	o.ExitCode = res.ExitCode
	o.TimedOut = res.TimedOut
	o.Duration = res.Duration
	if res.Err != nil {
		o.Error = res.Err.Error()
	}
}

// Outcomes returns a snapshot in job table order.
func (r *Report) Outcomes() []core.Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]core.Outcome, len(r.outcomes))
	copy(out, r.outcomes)
	return out
}

// Due lists the routes judged due, in job table order.
func (r *Report) Due() []string {
	var due []string
	for _, o := range r.Outcomes() {
		if o.Due {
			due = append(due, o.Route)
		}
	}
	return due
}

// Failed lists due jobs that did not complete successfully. Asynchronous
// jobs still running are not counted.
func (r *Report) Failed() []core.Outcome {
	var failed []core.Outcome
	for _, o := range r.Outcomes() {
		if o.Async && o.Started && !o.Finished {
			continue
		}
		if o.Failed() {
			failed = append(failed, o)
		}
	}
	return failed
}

// Wait blocks until every asynchronously launched child has finished or ctx
// is done, then returns the outcomes.
func (r *Report) Wait(ctx context.Context) ([]core.Outcome, error) {
	done := make(chan struct{})
	go func() {
		r.pending.Wait()
		close(done)
	}()
	select {
	case <-done:
		return r.Outcomes(), nil
	case <-ctx.Done():
		return r.Outcomes(), ctx.Err()
	}
}
