package core

import "context"

// Input is a resolved console request: the route selected by the router, the
// remaining positional arguments and the named parameters.
type Input struct {
	Route  string
	Args   []string
	Params map[string]string
}

// Param returns a named parameter or def when absent.
func (in Input) Param(name, def string) string {
	if v, ok := in.Params[name]; ok {
		return v
	}
	return def
}

type CommandHandler interface {
	Handle(ctx context.Context, in Input) error
}

// CommandHandlerFunc is the form a CommandBus stores; middlewares use it too.
type CommandHandlerFunc func(ctx context.Context, in Input) error

func (f CommandHandlerFunc) Handle(ctx context.Context, in Input) error {
	return f(ctx, in)
}

type CommandMiddleware func(next CommandHandlerFunc) CommandHandlerFunc

// CommandBus maps console routes to handlers.
type CommandBus interface {
	Dispatch(ctx context.Context, in Input) error
	Register(route string, handler CommandHandlerFunc) error
	Use(middleware ...CommandMiddleware)
	Routes() []string
}

// RegisterCommand registers a CommandHandler value under route.
func RegisterCommand[H CommandHandler](bus CommandBus, route string, handler H) error {
	return bus.Register(route, handler.Handle)
}
