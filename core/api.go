package core

import (
	"context"
	"reflect"
	"strings"
)

// Request is implemented by every typed endpoint request; Validate runs after
// the transport has bound path, query and body values.
type Request interface {
	Validate() error
}

type Response any

// HandlerInterface is the generic contract of a typed endpoint handler.
type HandlerInterface[R Request, Res Response] interface {
	Handle(ctx context.Context, req R) (Res, error)
}

// Middleware wraps a HandlerFunc.
type Middleware func(next HandlerFunc) HandlerFunc

// HandlerFunc is the type-erased handler stored by a Server.
type HandlerFunc func(ctx context.Context, req any) (any, error)

// Server is the HTTP surface of the application (status API).
type Server interface {
	Run() error
	Shutdown(ctx context.Context) error
	Use(middleware ...Middleware)
	Register(method, path string, handler HandlerFunc, reqFactory func() any)
}

type tokenKey struct{}

// WithToken stores the raw Authorization header value of a request.
func WithToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, tokenKey{}, token)
}

// TokenFromContext returns the token stored by WithToken without its
// "Bearer " prefix.
func TokenFromContext(ctx context.Context) string {
	token, _ := ctx.Value(tokenKey{}).(string)
	if len(token) > 7 && strings.EqualFold(token[:7], "bearer ") {
		return strings.TrimSpace(token[7:])
	}
	return strings.TrimSpace(token)
}

type APIError struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
	TraceID string `json:"trace_id,omitempty"`
}

type BaseResponse[T any] struct {
	Success bool      `json:"success"`
	Data    T         `json:"data,omitempty"`
	Error   *APIError `json:"error,omitempty"`
}

// RegisterEndpoint registers a typed handler on the server. The request value
// handed to the handler is a fresh instance for every call.
func RegisterEndpoint[R Request, Res Response](server Server, method, path string, handler HandlerInterface[R, Res]) {
	adapter := func(ctx context.Context, req any) (any, error) {
		return handler.Handle(ctx, req.(R))
	}

	reqFactory := func() any {
		var r R
		t := reflect.TypeOf(r)
		if t.Kind() == reflect.Ptr {
			return reflect.New(t.Elem()).Interface()
		}
		return reflect.New(t).Interface()
	}

	server.Register(method, path, adapter, reqFactory)
}
