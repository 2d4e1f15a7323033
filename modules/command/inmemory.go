package command

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/deesoft/console/core"
	"github.com/deesoft/console/errors"
)

type inMemory struct {
	handlers    map[string]core.CommandHandlerFunc
	middlewares []core.CommandMiddleware
	mu          sync.RWMutex
}

var _ core.CommandBus = (*inMemory)(nil)

func NewInMemory() *inMemory {
	return &inMemory{
		handlers: make(map[string]core.CommandHandlerFunc),
	}
}

func (b *inMemory) Use(middleware ...core.CommandMiddleware) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.middlewares = append(b.middlewares, middleware...)
}

func (b *inMemory) Dispatch(ctx context.Context, in core.Input) error {
	b.mu.RLock()
	handler, ok := b.handlers[in.Route]
	middlewares := b.middlewares
	b.mu.RUnlock()
	if !ok {
		return errors.NotFoundError(fmt.Errorf("unknown command %q", in.Route)).
			WithCode("COMMAND_NOT_FOUND")
	}

	// The first registered middleware ends up outermost.
	chain := handler
	for i := len(middlewares) - 1; i >= 0; i-- {
		chain = middlewares[i](chain)
	}
	return chain(ctx, in)
}

// Register binds route to handler. Prefer core.RegisterCommand for handler
// values.
func (b *inMemory) Register(route string, handler core.CommandHandlerFunc) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.handlers[route]; exists {
		return fmt.Errorf("handler already registered for command: %s", route)
	}
	b.handlers[route] = handler
	return nil
}

func (b *inMemory) Routes() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	routes := make([]string, 0, len(b.handlers))
	for route := range b.handlers {
		routes = append(routes, route)
	}
	slices.Sort(routes)
	return routes
}

// Logging logs every dispatched command with its duration.
func Logging(logger *slog.Logger) core.CommandMiddleware {
	return func(next core.CommandHandlerFunc) core.CommandHandlerFunc {
		return func(ctx context.Context, in core.Input) error {
			start := time.Now()
			err := next(ctx, in)
			if err != nil {
				logger.Error("command failed", "route", in.Route, "duration", time.Since(start), "error", err)
				return err
			}
			logger.Debug("command handled", "route", in.Route, "duration", time.Since(start))
			return nil
		}
	}
}
