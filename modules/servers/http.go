package servers

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/deesoft/console/core"
	"github.com/deesoft/console/errors"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/etag"
	"github.com/gofiber/fiber/v2/middleware/healthcheck"
	"github.com/gofiber/fiber/v2/middleware/helmet"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"

	"go.elastic.co/apm/module/apmfiber/v2"
	"go.elastic.co/apm/v2"
)

const (
	DefaultReadTimeout     = 3 * time.Second
	DefaultWriteTimeout    = 3 * time.Second
	DefaultServerHeader    = "Console"
	DefaultBodyLimit       = 1 * 1024 * 1024 // 1 MB
	DefaultPort            = "8080"
	DefaultAllowedOrigins  = "*"
	DefaultShutdownTimeout = 5 * time.Second
	DefaultHost            = "localhost"
)

type HttpServer struct {
	app         *fiber.App
	cfg         *HttpServerConfig
	logger      *slog.Logger
	middlewares []core.Middleware
	mu          sync.RWMutex
}

var _ core.Server = (*HttpServer)(nil)

type HttpServerConfig struct {
	ReadTimeout    string `mapstructure:"read_timeout"`
	WriteTimeout   string `mapstructure:"write_timeout"`
	ServerHeader   string `mapstructure:"server_header"`
	BodyLimit      int    `mapstructure:"body_limit"`
	ErrorHandler   fiber.ErrorHandler
	Port           string   `mapstructure:"port"`
	Host           string   `mapstructure:"host"`
	AllowedOrigins string   `mapstructure:"allowed_origins"`
	Features       Features `mapstructure:"features"`
	Logger         *slog.Logger
}

type Features struct {
	RequestID   RequestID   `mapstructure:"request_id"`
	Proxy       Proxy       `mapstructure:"proxy"`
	RateLimit   RateLimit   `mapstructure:"rate_limit"`
	HealthCheck HealthCheck `mapstructure:"health_check"`
	Etag        Etag        `mapstructure:"etag"`
	ElasticAPM  ElasticAPM  `mapstructure:"elastic_apm"`
}
type Etag struct {
	Enabled bool `mapstructure:"enabled"`
}

type ElasticAPM struct {
	Enabled bool `mapstructure:"enabled"`
}

type RequestID struct {
	Enabled bool `mapstructure:"enabled"`
}

type Proxy struct {
	Enabled        bool     `mapstructure:"enabled"`
	ProxyHeader    string   `mapstructure:"proxy_header"`
	TrustedProxies []string `mapstructure:"trusted_proxies"`
}

type RateLimit struct {
	Enabled    bool   `mapstructure:"enabled"`
	Max        int    `mapstructure:"max"`
	Expiration string `mapstructure:"expiration"`
}

type HealthCheck struct {
	Enabled bool `mapstructure:"enabled"`
}

func WithConfig(cfg *HttpServerConfig) func(*HttpServerConfig) {
	return func(s *HttpServerConfig) {
		if cfg.ReadTimeout != "" {
			s.ReadTimeout = cfg.ReadTimeout
		}
		if cfg.WriteTimeout != "" {
			s.WriteTimeout = cfg.WriteTimeout
		}
		if cfg.ServerHeader != "" {
			s.ServerHeader = cfg.ServerHeader
		}
		if cfg.BodyLimit != 0 {
			s.BodyLimit = cfg.BodyLimit
		}
		if cfg.ErrorHandler != nil {
			s.ErrorHandler = cfg.ErrorHandler
		}
		if cfg.Port != "" {
			s.Port = cfg.Port
		}
		if cfg.AllowedOrigins != "" {
			s.AllowedOrigins = cfg.AllowedOrigins
		}
		if cfg.Host != "" {
			s.Host = cfg.Host
		}
		if cfg.Logger != nil {
			s.Logger = cfg.Logger
		}
		s.Features = cfg.Features
	}
}

func NewHttpServer(options ...func(*HttpServerConfig)) (*HttpServer, error) {
	cfg := &HttpServerConfig{
		ReadTimeout:    DefaultReadTimeout.String(),
		WriteTimeout:   DefaultWriteTimeout.String(),
		ServerHeader:   DefaultServerHeader,
		BodyLimit:      DefaultBodyLimit,
		Port:           DefaultPort,
		AllowedOrigins: DefaultAllowedOrigins,
		Host:           DefaultHost,
		Logger:         slog.Default(),
	}
	for _, option := range options {
		option(cfg)
	}
	fiberConfig, err := buildFiberConfig(cfg)
	if err != nil {
		return nil, errors.ConfigError(fmt.Errorf("invalid server configuration: %w", err))
	}

	server := &HttpServer{
		app:    fiber.New(fiberConfig),
		cfg:    cfg,
		logger: cfg.Logger,
	}
	server.applyMiddlewares()
	return server, nil
}

func (s *HttpServer) applyMiddlewares() {
	s.app.Use(recover.New())
	s.app.Use(helmet.New())
	s.app.Use(cors.New(cors.Config{
		AllowOrigins:     s.cfg.AllowedOrigins,
		AllowMethods:     "GET,OPTIONS",
		AllowHeaders:     "Accept, Content-Type",
		ExposeHeaders:    "Content-Length, X-Request-ID",
		AllowCredentials: s.cfg.AllowedOrigins != "*",
		MaxAge:           300, // 5 minutes
	}))
	if s.cfg.Features.RequestID.Enabled {
		s.app.Use(requestid.New())
	}
	if s.cfg.Features.RateLimit.Enabled {
		expiration := 60 * time.Second
		if s.cfg.Features.RateLimit.Expiration != "" {
			d, err := time.ParseDuration(s.cfg.Features.RateLimit.Expiration)
			if err != nil {
				s.logger.Warn("invalid rate limit expiration, using default",
					"expiration", s.cfg.Features.RateLimit.Expiration, "default", expiration)
			} else {
				expiration = d
			}
		}
		s.app.Use(limiter.New(limiter.Config{
			Max:        s.cfg.Features.RateLimit.Max,
			Expiration: expiration,
		}))
	}
	if s.cfg.Features.HealthCheck.Enabled {
		s.app.Use(healthcheck.New())
	}
	if s.cfg.Features.Etag.Enabled {
		s.app.Use(etag.New())
	}
	if s.cfg.Features.ElasticAPM.Enabled {
		s.app.Use(apmfiber.Middleware())
	}
}

func (s *HttpServer) GetApp() *fiber.App {
	return s.app
}

func (s *HttpServer) Addr() string {
	if s.cfg.Features.Proxy.Enabled {
		return fmt.Sprintf(":%s", s.cfg.Port)
	}
	return fmt.Sprintf("%s:%s", s.cfg.Host, s.cfg.Port)
}

func (s *HttpServer) Run() error {
	s.logger.Info("status api listening", "addr", s.Addr())
	return s.app.Listen(s.Addr())
}

func (s *HttpServer) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}

// Use adds handler middleware. It only affects endpoints registered later.
func (s *HttpServer) Use(middleware ...core.Middleware) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.middlewares = append(s.middlewares, middleware...)
}

func buildFiberConfig(cfg *HttpServerConfig) (fiber.Config, error) {
	config := fiber.Config{
		ReadTimeout:           DefaultReadTimeout,
		WriteTimeout:          DefaultWriteTimeout,
		ServerHeader:          DefaultServerHeader,
		BodyLimit:             DefaultBodyLimit,
		DisableStartupMessage: true,
	}
	if cfg.ReadTimeout != "" {
		readTimeout, err := time.ParseDuration(cfg.ReadTimeout)
		if err != nil {
			return fiber.Config{}, fmt.Errorf("invalid read_timeout: %s", cfg.ReadTimeout)
		}
		config.ReadTimeout = readTimeout
	}
	if cfg.WriteTimeout != "" {
		writeTimeout, err := time.ParseDuration(cfg.WriteTimeout)
		if err != nil {
			return fiber.Config{}, fmt.Errorf("invalid write_timeout: %s", cfg.WriteTimeout)
		}
		config.WriteTimeout = writeTimeout
	}
	if cfg.ServerHeader != "" {
		config.ServerHeader = cfg.ServerHeader
	}
	if cfg.BodyLimit != 0 {
		config.BodyLimit = cfg.BodyLimit
	}
	if cfg.Features.Proxy.Enabled {
		if cfg.Features.Proxy.ProxyHeader != "" {
			config.ProxyHeader = cfg.Features.Proxy.ProxyHeader
		}
		if len(cfg.Features.Proxy.TrustedProxies) > 0 {
			config.EnableTrustedProxyCheck = true
			config.TrustedProxies = cfg.Features.Proxy.TrustedProxies
		}
	}
	if cfg.ErrorHandler != nil {
		config.ErrorHandler = cfg.ErrorHandler
	}
	return config, nil
}

func (s *HttpServer) Register(method, path string, handler core.HandlerFunc, reqFactory func() any) {
	s.mu.RLock()
	chain := handler
	for i := len(s.middlewares) - 1; i >= 0; i-- {
		chain = s.middlewares[i](chain)
	}
	s.mu.RUnlock()

	genHandler := func(c *fiber.Ctx) error {
		req := reqFactory()

		if len(c.Body()) > 0 {
			if err := c.BodyParser(req); err != nil {
				return badRequest(c, err)
			}
		}
		if err := c.ParamsParser(req); err != nil {
			return badRequest(c, err)
		}
		if err := c.QueryParser(req); err != nil {
			return badRequest(c, err)
		}
		if validator, ok := req.(core.Request); ok {
			if err := validator.Validate(); err != nil {
				return badRequest(c, err)
			}
		}

		ctx := c.UserContext()
		if token := c.Get(fiber.HeaderAuthorization); token != "" {
			ctx = core.WithToken(ctx, token)
		}
		res, err := chain(ctx, req)
		if err != nil {
			return s.writeError(ctx, c, err)
		}
		return c.JSON(core.BaseResponse[any]{Success: true, Data: res})
	}

	s.app.Add(method, path, genHandler)
}

func badRequest(c *fiber.Ctx, err error) error {
	return c.Status(fiber.StatusBadRequest).JSON(core.BaseResponse[any]{
		Error: &core.APIError{Message: err.Error()},
	})
}

// writeError maps the error level to a status code. Infrastructure and
// unknown failures hide their message behind the APM trace id.
func (s *HttpServer) writeError(ctx context.Context, c *fiber.Ctx, err error) error {
	var traceID string
	if tx := apm.TransactionFromContext(ctx); tx != nil {
		traceID = tx.TraceContext().Trace.String()
	}

	var resp core.BaseResponse[any]
	var extendErr *errors.ExtendError
	if !errors.As(err, &extendErr) {
		if errors.Is(fiber.ErrNotFound, err) {
			resp.Error = &core.APIError{Message: "Resource not found"}
			return c.Status(fiber.StatusNotFound).JSON(resp)
		}
		extendErr = errors.UnknownError(err)
	}

	resp.Error = &core.APIError{
		Code:    extendErr.Code,
		Details: extendErr.Metadata,
	}
	status := fiber.StatusInternalServerError
	switch extendErr.Level {
	case errors.ERR_VALIDATION:
		status = fiber.StatusBadRequest
		resp.Error.Message = extendErr.Error()
	case errors.ERR_AUTH:
		status = fiber.StatusUnauthorized
		resp.Error.Message = extendErr.Error()
	case errors.ERR_NOT_FOUND:
		status = fiber.StatusNotFound
		resp.Error.Message = extendErr.Error()
	case errors.ERR_PROCESS:
		status = fiber.StatusServiceUnavailable
		resp.Error.Message = extendErr.Error()
	case errors.ERR_INFRASTRUCTURE:
		status = fiber.StatusBadGateway
		resp.Error.Message = "Internal Server Error"
		resp.Error.TraceID = traceID
	default:
		resp.Error.Message = "Internal Server Error"
		resp.Error.TraceID = traceID
	}
	if status >= fiber.StatusInternalServerError {
		s.logger.Error("request failed", "path", c.Path(), "level", extendErr.Level, "trace_id", traceID, "error", err)
	}
	return c.Status(status).JSON(resp)
}
