package servers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http/httptest"
	"testing"

	"github.com/deesoft/console/core"
	"github.com/deesoft/console/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type echoRequest struct {
	Name string `query:"name"`
	ID   string `params:"id"`
}

func (r *echoRequest) Validate() error {
	if r.Name == "invalid" {
		return fmt.Errorf("name is invalid")
	}
	return nil
}

type echoHandler struct {
	err error
}

func (h echoHandler) Handle(ctx context.Context, req *echoRequest) (map[string]string, error) {
	if h.err != nil {
		return nil, h.err
	}
	return map[string]string{"name": req.Name, "id": req.ID}, nil
}

func newTestServer(t *testing.T) *HttpServer {
	t.Helper()
	s, err := NewHttpServer(WithConfig(&HttpServerConfig{
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		Features: Features{HealthCheck: HealthCheck{Enabled: true}},
	}))
	require.NoError(t, err)
	return s
}

func call(t *testing.T, s *HttpServer, target string) (int, core.BaseResponse[map[string]any]) {
	t.Helper()
	resp, err := s.GetApp().Test(httptest.NewRequest("GET", target, nil))
	require.NoError(t, err)
	defer resp.Body.Close()
	var body core.BaseResponse[map[string]any]
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return resp.StatusCode, body
}

func TestHttpServer_Register(t *testing.T) {
	s := newTestServer(t)
	core.RegisterEndpoint[*echoRequest, map[string]string](s, "GET", "/echo/:id", echoHandler{})

	status, body := call(t, s, "/echo/7?name=ops")
	assert.Equal(t, 200, status)
	assert.True(t, body.Success)
	assert.Equal(t, "ops", body.Data["name"])
	assert.Equal(t, "7", body.Data["id"])

	status, body = call(t, s, "/echo/7?name=invalid")
	assert.Equal(t, 400, status)
	assert.False(t, body.Success)
	assert.Equal(t, "name is invalid", body.Error.Message)
}

func TestHttpServer_ErrorLevels(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		status  int
		message string
	}{
		{"validation", errors.ValidationError(fmt.Errorf("bad time")), 400, "bad time"},
		{"not found", errors.NotFoundError(fmt.Errorf("no run yet")), 404, "no run yet"},
		{"auth", errors.AuthError(fmt.Errorf("token expired")), 401, "token expired"},
		{"process", errors.ProcessError(fmt.Errorf("child died")), 503, "child died"},
		{"infrastructure", errors.InfraError(fmt.Errorf("disk full")), 502, "Internal Server Error"},
		{"config", errors.ConfigError(fmt.Errorf("bad config")), 500, "Internal Server Error"},
		{"plain", fmt.Errorf("boom"), 500, "Internal Server Error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t)
			core.RegisterEndpoint[*echoRequest, map[string]string](s, "GET", "/fail", echoHandler{err: tt.err})

			status, body := call(t, s, "/fail")
			assert.Equal(t, tt.status, status)
			require.NotNil(t, body.Error)
			assert.Equal(t, tt.message, body.Error.Message)
		})
	}
}

func TestHttpServer_Use(t *testing.T) {
	s := newTestServer(t)
	var seen []string
	s.Use(func(next core.HandlerFunc) core.HandlerFunc {
		return func(ctx context.Context, req any) (any, error) {
			seen = append(seen, req.(*echoRequest).Name)
			return next(ctx, req)
		}
	})
	core.RegisterEndpoint[*echoRequest, map[string]string](s, "GET", "/echo/:id", echoHandler{})

	status, _ := call(t, s, "/echo/1?name=mw")
	assert.Equal(t, 200, status)
	assert.Equal(t, []string{"mw"}, seen)
}

func TestHttpServer_Token(t *testing.T) {
	s := newTestServer(t)
	var token string
	s.Use(func(next core.HandlerFunc) core.HandlerFunc {
		return func(ctx context.Context, req any) (any, error) {
			token = core.TokenFromContext(ctx)
			return next(ctx, req)
		}
	})
	core.RegisterEndpoint[*echoRequest, map[string]string](s, "GET", "/echo/:id", echoHandler{})

	req := httptest.NewRequest("GET", "/echo/1", nil)
	req.Header.Set("Authorization", "Bearer abc.def")
	resp, err := s.GetApp().Test(req)
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, "abc.def", token)
}

func TestHttpServer_Config(t *testing.T) {
	_, err := NewHttpServer(WithConfig(&HttpServerConfig{ReadTimeout: "soon"}))
	require.Error(t, err)
	assert.Equal(t, errors.ERR_CONFIG, errors.GetLevel(err))

	s, err := NewHttpServer(WithConfig(&HttpServerConfig{Port: "9090", Host: "0.0.0.0"}))
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:9090", s.Addr())

	s, err = NewHttpServer(WithConfig(&HttpServerConfig{Port: "9090", Features: Features{Proxy: Proxy{Enabled: true}}}))
	require.NoError(t, err)
	assert.Equal(t, ":9090", s.Addr())
}

func TestHttpServer_HealthCheck(t *testing.T) {
	s := newTestServer(t)
	resp, err := s.GetApp().Test(httptest.NewRequest("GET", "/livez", nil))
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
}
