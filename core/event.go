package core

import (
	"context"
	"reflect"
	"time"

	"github.com/google/uuid"
)

/**--------------------------------------------
 *               EVENT BUS
 *---------------------------------------------**/

// Event is a fact that already happened.
type Event interface {
	EventID() string
	EventName() string
	OccurredOn() time.Time
}

type EventHandler[E Event] interface {
	Handle(ctx context.Context, event E) error
}

type EventHandlerFunc func(context.Context, Event) error

// EventPublisher is the write side of an EventBus. The dispatcher only needs this.
type EventPublisher interface {
	Publish(ctx context.Context, event Event) error
}

type EventBus interface {
	EventPublisher
	Subscribe(prototype Event, handler EventHandler[Event]) error
	Run(ctx context.Context) error
}

// SubscribeEvent registers a typed event handler.
func SubscribeEvent[E Event](bus EventBus, handler EventHandler[E]) error {
	var zero E
	// A nil pointer prototype cannot answer EventName, so allocate one.
	val := reflect.ValueOf(zero)
	if val.Kind() == reflect.Ptr && val.IsNil() {
		val = reflect.New(val.Type().Elem())
		zero = val.Interface().(E)
	}

	return bus.Subscribe(zero, &eventHandlerWrapper[E]{handler: handler})
}

type eventHandlerWrapper[E Event] struct {
	handler EventHandler[E]
}

func (w *eventHandlerWrapper[E]) Handle(ctx context.Context, event Event) error {
	return w.handler.Handle(ctx, event.(E))
}

/**--------------------------------------------
 *               SCHEDULER EVENTS
 *---------------------------------------------**/

const JobDispatchedEvent = "scheduler.job.dispatched"

// JobDispatched is published once per evaluated job of a dispatcher run.
// For asynchronous launches it is published again when the child finishes.
type JobDispatched struct {
	ID      string    `json:"id"`
	At      time.Time `json:"at"`
	Outcome Outcome   `json:"outcome"`
}

func NewJobDispatched(outcome Outcome) *JobDispatched {
	return &JobDispatched{
		ID:      uuid.NewString(),
		At:      time.Now(),
		Outcome: outcome,
	}
}

func (e *JobDispatched) EventID() string       { return e.ID }
func (e *JobDispatched) EventName() string     { return JobDispatchedEvent }
func (e *JobDispatched) OccurredOn() time.Time { return e.At }
