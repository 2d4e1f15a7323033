package console

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/deesoft/console/config"
	"github.com/deesoft/console/core"
	"github.com/deesoft/console/errors"
	"github.com/deesoft/console/modules/auth"
	"github.com/deesoft/console/modules/router"
	"github.com/deesoft/console/modules/scheduler"
	"github.com/deesoft/console/modules/servers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubRunner struct {
	mu     sync.Mutex
	routes []string
	exit   map[string]int
}

func (r *stubRunner) Start(_ context.Context, spec core.ProcessSpec) (core.Process, error) {
	route := spec.Args[len(spec.Args)-1]
	r.mu.Lock()
	r.routes = append(r.routes, route)
	code := r.exit[route]
	r.mu.Unlock()
	done := make(chan struct{})
	close(done)
	return stubProcess{done: done, code: code}, nil
}

type stubProcess struct {
	done chan struct{}
	code int
}

func (p stubProcess) Pid() int              { return 1 }
func (p stubProcess) Done() <-chan struct{} { return p.done }
func (p stubProcess) Wait() core.ProcessResult {
	return core.ProcessResult{ExitCode: p.code}
}

// Monday 2024-01-01 09:00 UTC.
var monday9 = time.Date(2024, time.January, 1, 9, 0, 0, 0, time.UTC)

func newTestApp(t *testing.T, runner core.ProcessRunner) *Application {
	t.Helper()
	script := filepath.Join(t.TempDir(), "yii")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\n"), 0o755))

	cfg := &config.Config{
		Scheduler: scheduler.Config{
			ScriptFile: script,
			LogRoot:    t.TempDir(),
			Policy:     scheduler.PolicySync,
			Timezone:   "UTC",
			Jobs: []core.Job{
				{Route: "cache/flush", Schedule: "@daily"},
				{Route: "report/send", Schedule: "0 9 * * 1-5"},
				{Route: "broken", Schedule: "* * *"},
			},
		},
		Routes: []router.Rule{
			{Pattern: "greet/{name}", Route: "app/hello", Params: map[string]string{"greeting": "hi"}},
		},
	}
	app, err := New(context.Background(), cfg,
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithProcessRunner(runner))
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close() })
	return app
}

func TestParseArgs(t *testing.T) {
	positional, params := ParseArgs([]string{"3", "--excepts=101129_185401", "--force", "x", "--", "--raw"})
	assert.Equal(t, []string{"3", "x", "--raw"}, positional)
	assert.Equal(t, map[string]string{"excepts": "101129_185401", "force": "1"}, params)
}

func TestApplication_Execute(t *testing.T) {
	app := newTestApp(t, &stubRunner{})

	var got core.Input
	require.NoError(t, app.Commands().Register("app/hello", func(ctx context.Context, in core.Input) error {
		got = in
		return nil
	}))

	require.NoError(t, app.Execute(context.Background(), "greet/ops", []string{"loud", "--greeting=hello"}))
	assert.Equal(t, "app/hello", got.Route)
	assert.Equal(t, []string{"loud"}, got.Args)
	assert.Equal(t, "ops", got.Param("name", ""))
	assert.Equal(t, "hello", got.Param("greeting", ""), "caller params win")

	err := app.Execute(context.Background(), "nothing/here", nil)
	assert.Equal(t, errors.ERR_NOT_FOUND, errors.GetLevel(err))

	assert.Contains(t, app.Commands().Routes(), "cache/flush")
	assert.NoError(t, app.Execute(context.Background(), "cache/flush", nil))
}

func TestApplication_RunScheduler(t *testing.T) {
	runner := &stubRunner{exit: map[string]int{"report/send": 3}}
	app := newTestApp(t, runner)
	assert.Nil(t, app.LastReport())

	report, err := app.RunScheduler(context.Background(), monday9, true)
	require.NoError(t, err)
	assert.Equal(t, []string{"report/send"}, report.Due())
	assert.Equal(t, []string{"report/send"}, runner.routes)
	assert.Same(t, report, app.LastReport())

	assert.Eventually(t, func() bool {
		totals := app.stats.snapshot()
		return totals.Evaluated == 3 && totals.Failed == 1
	}, 2*time.Second, 10*time.Millisecond)

	// midnight picks up the @daily job instead
	report, err = app.RunScheduler(context.Background(), monday9.Add(-9*time.Hour), true)
	require.NoError(t, err)
	assert.Equal(t, []string{"cache/flush"}, report.Due())
}

func getJSON(t *testing.T, s *servers.HttpServer, target string, out any) int {
	t.Helper()
	resp, err := s.GetApp().Test(httptest.NewRequest("GET", target, nil))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	return resp.StatusCode
}

func TestApplication_Status(t *testing.T) {
	app := newTestApp(t, &stubRunner{})
	server, err := servers.NewHttpServer(servers.WithConfig(&servers.HttpServerConfig{Logger: app.Logger()}))
	require.NoError(t, err)
	require.NoError(t, app.RegisterStatus(server))

	var last core.BaseResponse[*RunStatus]
	assert.Equal(t, 404, getJSON(t, server, "/scheduler/runs/last", &last))

	var jobs core.BaseResponse[[]JobStatus]
	require.Equal(t, 200, getJSON(t, server, "/scheduler/jobs?time=2024-01-01T09:00:00Z", &jobs))
	require.Len(t, jobs.Data, 3)
	assert.False(t, jobs.Data[0].Due)
	require.NotNil(t, jobs.Data[0].Next)
	assert.True(t, time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC).Equal(*jobs.Data[0].Next))
	assert.True(t, jobs.Data[1].Due)
	assert.False(t, jobs.Data[2].Valid)
	assert.Nil(t, jobs.Data[2].Next)

	var due core.BaseResponse[*DueStatus]
	require.Equal(t, 200, getJSON(t, server, "/scheduler/due?expression=*/15+*+*+*+*&time=2024-01-01T09:30:00Z", &due))
	assert.True(t, due.Data.Due)
	assert.True(t, due.Data.Valid)
	assert.True(t, time.Date(2024, 1, 1, 9, 45, 0, 0, time.UTC).Equal(*due.Data.Next))

	assert.Equal(t, 400, getJSON(t, server, "/scheduler/due", &due))
	assert.Equal(t, 400, getJSON(t, server, "/scheduler/due?expression=@daily&time=yesterday", &due))

	_, err = app.RunScheduler(context.Background(), monday9, true)
	require.NoError(t, err)
	require.Equal(t, 200, getJSON(t, server, "/scheduler/runs/last", &last))
	assert.Len(t, last.Data.Outcomes, 3)
	assert.Equal(t, "report/send", last.Data.Outcomes[1].Route)
}

func TestApplication_StatusAuth(t *testing.T) {
	app := newTestApp(t, &stubRunner{})
	app.cfg.Auth = auth.Config{Secret: "status-secret-that-is-32-chars-long", Scopes: []string{"scheduler:read"}}
	server, err := servers.NewHttpServer(servers.WithConfig(&servers.HttpServerConfig{Logger: app.Logger()}))
	require.NoError(t, err)
	require.NoError(t, app.RegisterStatus(server))

	var jobs core.BaseResponse[[]JobStatus]
	assert.Equal(t, 401, getJSON(t, server, "/scheduler/jobs", &jobs))

	provider, err := auth.NewTokenProvider(app.cfg.Auth)
	require.NoError(t, err)
	token, err := provider.Issue("ops", time.Minute, "scheduler:read")
	require.NoError(t, err)

	req := httptest.NewRequest("GET", "/scheduler/jobs?time=2024-01-01T09:00:00Z", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := server.GetApp().Test(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, 200, resp.StatusCode)
}

func TestApplication_DatabaseNotConfigured(t *testing.T) {
	app := newTestApp(t, &stubRunner{})
	_, err := app.Migrator(context.Background())
	assert.Equal(t, errors.ERR_CONFIG, errors.GetLevel(err))
	_, err = app.SampleData(context.Background())
	assert.Equal(t, errors.ERR_CONFIG, errors.GetLevel(err))
}
