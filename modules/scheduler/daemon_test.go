package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/deesoft/console/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDaemon(t *testing.T) *Daemon {
	t.Helper()
	d, err := NewDaemon(WithDaemonLocation(time.UTC))
	require.NoError(t, err)
	d.Start()
	t.Cleanup(func() { _ = d.Shutdown() })
	return d
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func TestDaemon_RegisterJob(t *testing.T) {
	d := newTestDaemon(t)

	done := make(chan struct{}, 1)
	err := d.RegisterJob("test-job", func(ctx context.Context) error {
		signal(done)
		return nil
	}, 100*time.Millisecond)
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("job did not run in time")
	}

	err = d.RegisterJob("test-job", func(ctx context.Context) error { return nil }, time.Second)
	assert.EqualError(t, err, "job with name test-job already exists")
}

func TestDaemon_RegisterCron(t *testing.T) {
	d := newTestDaemon(t)

	done := make(chan struct{}, 1)
	err := d.RegisterCron("cron-job", "* * * * * *", func(ctx context.Context) error {
		signal(done)
		return nil
	})
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("cron job did not run in time")
	}

	assert.Error(t, d.RegisterCron("bad", "not a cron", func(ctx context.Context) error { return nil }))
	assert.Equal(t, []string{"cron-job"}, d.Jobs())
}

func TestDaemon_RemoveJob(t *testing.T) {
	d := newTestDaemon(t)

	var runs atomic.Int32
	err := d.RegisterJob("remove-job", func(ctx context.Context) error {
		runs.Add(1)
		return nil
	}, 100*time.Millisecond)
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return runs.Load() > 0 }, time.Second, 10*time.Millisecond)

	require.NoError(t, d.RemoveJob("remove-job"))
	// allow an in-flight tick to settle
	time.Sleep(50 * time.Millisecond)
	current := runs.Load()
	time.Sleep(250 * time.Millisecond)
	assert.Equal(t, current, runs.Load(), "job should not run after removal")

	assert.EqualError(t, d.RemoveJob("remove-job"), "job with name remove-job not found")
}

func TestDaemon_Clear(t *testing.T) {
	d := newTestDaemon(t)

	require.NoError(t, d.RegisterJob("job1", func(ctx context.Context) error { return nil }, time.Second))
	require.NoError(t, d.RegisterJob("job2", func(ctx context.Context) error { return nil }, time.Second))
	assert.Equal(t, []string{"job1", "job2"}, d.Jobs())

	require.NoError(t, d.Clear())
	assert.Empty(t, d.Jobs())
	assert.Error(t, d.RemoveJob("job1"))
}

func TestDaemon_Middleware(t *testing.T) {
	d := newTestDaemon(t)

	var order []string
	var called atomic.Bool
	mw := func(name string) core.SchedulerMiddleware {
		return func(next core.JobFunc) core.JobFunc {
			return func(ctx context.Context) error {
				if !called.Load() {
					order = append(order, name)
				}
				return next(ctx)
			}
		}
	}
	d.Use(mw("outer"), mw("inner"))

	done := make(chan struct{}, 1)
	err := d.RegisterJob("middleware-job", func(ctx context.Context) error {
		if called.CompareAndSwap(false, true) {
			signal(done)
		}
		return nil
	}, 100*time.Millisecond)
	require.NoError(t, err)

	select {
	case <-done:
		assert.Equal(t, []string{"outer", "inner"}, order)
	case <-time.After(time.Second):
		t.Fatal("job did not run in time")
	}
}

type recordingScheduler struct {
	core.Scheduler
	name string
	expr string
	fn   core.JobFunc
}

func (s *recordingScheduler) RegisterCron(name, expr string, fn core.JobFunc) error {
	s.name, s.expr, s.fn = name, expr, fn
	return nil
}

func TestRunEveryMinute(t *testing.T) {
	runner := newFakeRunner()
	dispatcher, err := NewDispatcher(testConfig(t, PolicySync), runner)
	require.NoError(t, err)

	s := &recordingScheduler{}
	var got *Report
	err = RunEveryMinute(s, dispatcher, []core.Job{{Route: "a"}}, func(r *Report) { got = r })
	require.NoError(t, err)

	assert.Equal(t, "scheduler", s.name)
	assert.Equal(t, EveryMinute, s.expr)

	require.NoError(t, s.fn(context.Background()))
	require.NotNil(t, got)
	assert.Equal(t, []string{"a"}, got.Due())
	assert.Zero(t, got.Time.Second())
	assert.Zero(t, got.Time.Nanosecond())
}
