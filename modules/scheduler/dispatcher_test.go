package scheduler

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/deesoft/console/core"
	"github.com/deesoft/console/errors"
	"github.com/deesoft/console/modules/process"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Monday 2024-01-01 09:00 UTC.
var monday9 = time.Date(2024, time.January, 1, 9, 0, 0, 0, time.UTC)

type fakeRunner struct {
	mu       sync.Mutex
	events   []string
	specs    []core.ProcessSpec
	results  map[string]core.ProcessResult
	startErr map[string]error
	delay    time.Duration
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		results:  make(map[string]core.ProcessResult),
		startErr: make(map[string]error),
	}
}

func (r *fakeRunner) record(event string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *fakeRunner) Events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func (r *fakeRunner) Start(_ context.Context, spec core.ProcessSpec) (core.Process, error) {
	route := strings.Join(spec.Args, " ")
	r.mu.Lock()
	r.specs = append(r.specs, spec)
	err := r.startErr[route]
	res, ok := r.results[route]
	r.mu.Unlock()
	if err != nil {
		r.record("fail " + route)
		return nil, err
	}
	if !ok {
		res = core.ProcessResult{ExitCode: 0}
	}
	r.record("start " + route)

	p := &fakeProcess{done: make(chan struct{})}
	go func() {
		time.Sleep(r.delay)
		r.record("finish " + route)
		p.result = res
		close(p.done)
	}()
	return p, nil
}

type fakeProcess struct {
	done   chan struct{}
	result core.ProcessResult
}

func (p *fakeProcess) Pid() int              { return 42 }
func (p *fakeProcess) Done() <-chan struct{} { return p.done }

func (p *fakeProcess) Wait() core.ProcessResult {
	<-p.done
	return p.result
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []*core.JobDispatched
}

func (p *recordingPublisher) Publish(_ context.Context, event core.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event.(*core.JobDispatched))
	return nil
}

func (p *recordingPublisher) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

func testConfig(t *testing.T, policy Policy) Config {
	t.Helper()
	script := filepath.Join(t.TempDir(), "console")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\n"), 0o755))
	return Config{
		ScriptFile: script,
		LogRoot:    t.TempDir(),
		Timeout:    5 * time.Second,
		Policy:     policy,
		Debounce:   -1,
		Timezone:   "UTC",
	}
}

func TestDispatcher_SyncOrdering(t *testing.T) {
	runner := newFakeRunner()
	runner.delay = 50 * time.Millisecond
	d, err := NewDispatcher(testConfig(t, PolicySync), runner)
	require.NoError(t, err)

	report, err := d.Run(context.Background(), []core.Job{{Route: "a"}, {Route: "b"}}, monday9)
	require.NoError(t, err)

	assert.Equal(t, []string{"start a", "finish a", "start b", "finish b"}, runner.Events())
	assert.Equal(t, []string{"a", "b"}, report.Due())
	for _, o := range report.Outcomes() {
		assert.True(t, o.Started)
		assert.True(t, o.Finished)
		assert.False(t, o.Async)
		assert.Equal(t, 0, o.ExitCode)
	}
}

func TestDispatcher_FaultIsolation(t *testing.T) {
	t.Run("Start failure", func(t *testing.T) {
		runner := newFakeRunner()
		runner.startErr["a"] = errors.ProcessError(fmt.Errorf("no such file"))
		d, err := NewDispatcher(testConfig(t, PolicySync), runner)
		require.NoError(t, err)

		report, err := d.Run(context.Background(), []core.Job{{Route: "a"}, {Route: "b"}}, monday9)
		require.NoError(t, err)

		outcomes := report.Outcomes()
		require.Len(t, outcomes, 2)
		assert.False(t, outcomes[0].Started)
		assert.Contains(t, outcomes[0].Error, "no such file")
		assert.True(t, outcomes[0].Failed())
		assert.True(t, outcomes[1].Started)
		assert.Len(t, report.Failed(), 1)
	})

	t.Run("Non-zero exit", func(t *testing.T) {
		runner := newFakeRunner()
		runner.results["a"] = core.ProcessResult{ExitCode: 1, Err: fmt.Errorf("exit status 1")}
		d, err := NewDispatcher(testConfig(t, PolicySync), runner)
		require.NoError(t, err)

		report, err := d.Run(context.Background(), []core.Job{{Route: "a"}, {Route: "b"}}, monday9)
		require.NoError(t, err)

		outcomes := report.Outcomes()
		assert.Equal(t, 1, outcomes[0].ExitCode)
		assert.True(t, outcomes[0].Failed())
		assert.Equal(t, []string{"start a", "finish a", "start b", "finish b"}, runner.Events())
	})
}

func TestDispatcher_NotDue(t *testing.T) {
	runner := newFakeRunner()
	d, err := NewDispatcher(testConfig(t, PolicySync), runner)
	require.NoError(t, err)

	jobs := []core.Job{
		{Route: "cache/flush", Schedule: "@daily"},
		{Route: "report/send", Schedule: "0 9 * * 1-5"},
		{Route: "broken", Schedule: "* * *"},
	}
	report, err := d.Run(context.Background(), jobs, monday9)
	require.NoError(t, err)

	assert.Equal(t, []string{"report/send"}, report.Due())
	assert.Equal(t, []string{"start report/send", "finish report/send"}, runner.Events())
	outcomes := report.Outcomes()
	require.Len(t, outcomes, 3)
	assert.False(t, outcomes[0].Due)
	assert.Equal(t, -1, outcomes[0].ExitCode)
	assert.False(t, outcomes[2].Failed(), "a job that is not due never fails")
}

func TestDispatcher_CommandLine(t *testing.T) {
	runner := newFakeRunner()
	cfg := testConfig(t, PolicySync)
	cfg.Invoker = "/usr/bin/env php"
	d, err := NewDispatcher(cfg, runner)
	require.NoError(t, err)

	_, err = d.Run(context.Background(), []core.Job{{Route: `report/send --to="ops team"`}}, monday9)
	require.NoError(t, err)

	require.Len(t, runner.specs, 1)
	spec := runner.specs[0]
	script := d.Config().ScriptFile
	assert.Equal(t, "/usr/bin/env", spec.Path)
	assert.Equal(t, []string{"php", script, "report/send", "--to=ops team"}, spec.Args)
	assert.Equal(t, filepath.Dir(script), spec.Dir)
	assert.Equal(t, 5*time.Second, spec.Timeout)
	assert.False(t, spec.Detached)
	assert.NotNil(t, spec.Output)
}

func TestDispatcher_InvalidRoute(t *testing.T) {
	runner := newFakeRunner()
	d, err := NewDispatcher(testConfig(t, PolicySync), runner)
	require.NoError(t, err)

	report, err := d.Run(context.Background(), []core.Job{{Route: `unterminated "quote`}, {Route: "b"}}, monday9)
	require.NoError(t, err)

	outcomes := report.Outcomes()
	assert.NotEmpty(t, outcomes[0].Error)
	assert.False(t, outcomes[0].Started)
	assert.True(t, outcomes[1].Started)
}

func TestDispatcher_DebugLine(t *testing.T) {
	var out bytes.Buffer
	cfg := testConfig(t, PolicySync)
	cfg.Debug = true
	d, err := NewDispatcher(cfg, newFakeRunner(), WithDebugOutput(&out))
	require.NoError(t, err)

	_, err = d.Run(context.Background(), []core.Job{{Route: "a"}, {Route: "b", Schedule: "@daily"}, {Route: "c"}}, monday9)
	require.NoError(t, err)

	assert.Equal(t, "2024-01-01 09:00:00: a, c\n", out.String())
}

func TestDispatcher_Publisher(t *testing.T) {
	pub := &recordingPublisher{}
	d, err := NewDispatcher(testConfig(t, PolicySync), newFakeRunner(), WithPublisher(pub))
	require.NoError(t, err)

	report, err := d.Run(context.Background(), []core.Job{{Route: "a"}, {Route: "b", Schedule: "@daily"}}, monday9)
	require.NoError(t, err)

	require.Equal(t, 2, pub.Len())
	assert.Equal(t, report.ID, pub.events[0].Outcome.RunID)
	assert.Equal(t, core.JobDispatchedEvent, pub.events[0].EventName())
	assert.False(t, pub.events[1].Outcome.Due)
}

func TestDispatcher_AsyncDoesNotWait(t *testing.T) {
	runner := newFakeRunner()
	runner.delay = 300 * time.Millisecond
	pub := &recordingPublisher{}
	cfg := testConfig(t, PolicyAsync)
	cfg.Debounce = 20 * time.Millisecond
	d, err := NewDispatcher(cfg, runner, WithPublisher(pub))
	require.NoError(t, err)

	start := time.Now()
	report, err := d.Run(context.Background(), []core.Job{{Route: "a"}, {Route: "b"}}, monday9)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 250*time.Millisecond)
	assert.Equal(t, []string{"start a", "start b"}, runner.Events())
	assert.True(t, runner.specs[0].Detached)

	outcomes, err := report.Wait(context.Background())
	require.NoError(t, err)
	for _, o := range outcomes {
		assert.True(t, o.Async)
		assert.True(t, o.Finished)
		assert.Equal(t, 0, o.ExitCode)
	}
	// one event at launch and one on completion per job
	assert.Equal(t, 4, pub.Len())
}

func TestDispatcher_AsyncDebounce(t *testing.T) {
	cfg := testConfig(t, PolicyAsync)
	cfg.Debounce = 100 * time.Millisecond
	d, err := NewDispatcher(cfg, newFakeRunner())
	require.NoError(t, err)

	start := time.Now()
	report, err := d.Run(context.Background(), []core.Job{{Route: "a"}, {Route: "b"}, {Route: "c"}}, monday9)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)

	_, err = report.Wait(context.Background())
	require.NoError(t, err)
}

func TestDispatcher_LogFailureIsFatal(t *testing.T) {
	cfg := testConfig(t, PolicySync)
	blocker := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(blocker, nil, 0o644))
	cfg.LogRoot = blocker

	runner := newFakeRunner()
	d, err := NewDispatcher(cfg, runner)
	require.NoError(t, err)

	report, err := d.Run(context.Background(), []core.Job{{Route: "a"}}, monday9)
	require.Error(t, err)
	assert.Nil(t, report)
	assert.Equal(t, errors.ERR_INFRASTRUCTURE, errors.GetLevel(err))
	assert.Empty(t, runner.Events())
}

func TestDispatcher_Cancelled(t *testing.T) {
	d, err := NewDispatcher(testConfig(t, PolicySync), newFakeRunner())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	report, err := d.Run(ctx, []core.Job{{Route: "a"}}, monday9)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, report.Outcomes())
}

// writeScript creates a shell script that dispatches on its first argument.
func writeScript(t *testing.T) string {
	t.Helper()
	script := filepath.Join(t.TempDir(), "tasks.sh")
	body := `#!/bin/sh
case "$1" in
  slow) exec sleep 5 ;;
  fail) echo "failing $1"; exit 2 ;;
  *) echo "ran $1 in $(basename "$PWD")" ;;
esac
`
	require.NoError(t, os.WriteFile(script, []byte(body), 0o755))
	return script
}

func TestDispatcher_RealProcesses(t *testing.T) {
	cfg := testConfig(t, PolicySync)
	cfg.ScriptFile = writeScript(t)
	cfg.Invoker = "/bin/sh"
	cfg.Timeout = 200 * time.Millisecond

	d, err := NewDispatcher(cfg, process.NewExec(process.WithWaitDelay(time.Second)))
	require.NoError(t, err)

	start := time.Now()
	report, err := d.Run(context.Background(), []core.Job{
		{Route: "slow"},
		{Route: "fail"},
		{Route: "hello"},
	}, monday9)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 4*time.Second)

	outcomes := report.Outcomes()
	require.Len(t, outcomes, 3)
	assert.True(t, outcomes[0].TimedOut)
	assert.True(t, outcomes[0].Failed())
	assert.Equal(t, 2, outcomes[1].ExitCode)
	assert.Equal(t, 0, outcomes[2].ExitCode)
	assert.Len(t, report.Failed(), 2)

	logPath := LogFile(cfg.LogRoot, monday9)
	assert.Equal(t, filepath.Join(cfg.LogRoot, "scheduler", "2024", "01", "01.log"), logPath)
	content, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Contains(t, string(content), "failing fail")
	assert.Contains(t, string(content), "ran hello in "+filepath.Base(filepath.Dir(d.Config().ScriptFile)))
}

func TestDispatcher_RealProcessesAsync(t *testing.T) {
	cfg := testConfig(t, PolicyAsync)
	cfg.ScriptFile = writeScript(t)
	cfg.Invoker = "/bin/sh"
	cfg.Timeout = 200 * time.Millisecond
	cfg.Debounce = 10 * time.Millisecond

	d, err := NewDispatcher(cfg, process.NewExec(process.WithWaitDelay(time.Second)))
	require.NoError(t, err)

	report, err := d.Run(context.Background(), []core.Job{{Route: "slow"}, {Route: "one"}, {Route: "two"}}, monday9)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	outcomes, err := report.Wait(ctx)
	require.NoError(t, err)
	assert.True(t, outcomes[0].TimedOut)
	assert.Equal(t, 0, outcomes[1].ExitCode)
	assert.Equal(t, 0, outcomes[2].ExitCode)

	content, err := os.ReadFile(LogFile(cfg.LogRoot, monday9))
	require.NoError(t, err)
	assert.Contains(t, string(content), "ran one")
	assert.Contains(t, string(content), "ran two")
}

func TestConfig_Validate(t *testing.T) {
	assert.NoError(t, Config{}.Validate())
	assert.Error(t, Config{Policy: "parallel"}.Validate())
	assert.Error(t, Config{Timeout: -time.Second}.Validate())
	assert.Error(t, Config{Timezone: "Mars/Olympus"}.Validate())
	assert.Error(t, Config{Jobs: []core.Job{{Schedule: "@daily"}}}.Validate())

	for _, schedule := range []string{"always", "ALWAYS", "true", " true "} {
		err := Config{Jobs: []core.Job{{Route: "a", Schedule: schedule}}}.Validate()
		require.Error(t, err, schedule)
		assert.Equal(t, errors.ERR_CONFIG, errors.GetLevel(err))
		assert.Contains(t, err.Error(), "@minutes")
	}
	assert.NoError(t, Config{Jobs: []core.Job{{Route: "a"}, {Route: "b", Schedule: "@minutes"}}}.Validate())

	cfg := Config{}.withDefaults()
	assert.Equal(t, DefaultTimeout, cfg.Timeout)
	assert.Equal(t, DefaultDebounce, cfg.Debounce)
	assert.Equal(t, PolicyAsync, cfg.Policy)
	assert.Equal(t, DefaultLogRoot, cfg.LogRoot)
}

func TestConfig_AliasMap(t *testing.T) {
	cfg := Config{Aliases: []AliasConfig{
		{Name: "@always", Schedule: "always"},
		{Name: "@fiveMinutes", Schedule: "*/15 * * * *"},
	}}
	d, err := NewDispatcher(testConfig(t, PolicySync), newFakeRunner(), WithAliases(cfg.AliasMap()))
	require.NoError(t, err)

	e := d.Evaluator(monday9.Add(15 * time.Minute))
	assert.True(t, e.IsDue("@always"))
	assert.True(t, e.IsDue("@fiveMinutes"))
	assert.False(t, d.Evaluator(monday9.Add(5*time.Minute)).IsDue("@fiveMinutes"))
}
