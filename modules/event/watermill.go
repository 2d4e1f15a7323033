package event

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"reflect"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/deesoft/console/core"
)

const PoisonTopic = "console.poison"

// Bus is an in-process core.EventBus on a watermill go channel. Messages
// published before Run has started are dropped, so wait on Running first.
type Bus struct {
	router *message.Router
	pubSub *gochannel.GoChannel
	logger watermill.LoggerAdapter
}

var _ core.EventBus = (*Bus)(nil)

func NewBus(sl *slog.Logger) (*Bus, error) {
	logger := watermill.NewSlogLogger(sl)
	router, err := message.NewRouter(message.RouterConfig{CloseTimeout: 5 * time.Second}, logger)
	if err != nil {
		return nil, err
	}
	// PreserveContext hands the publisher's context (and trace) to handlers.
	pubSub := gochannel.NewGoChannel(gochannel.Config{
		PreserveContext:     true,
		OutputChannelBuffer: 64,
	}, logger)
	return &Bus{router: router, pubSub: pubSub, logger: logger}, nil
}

func (b *Bus) Use(middleware ...message.HandlerMiddleware) {
	b.router.AddMiddleware(middleware...)
}

func (b *Bus) AddPublisherDecorator(decorators ...message.PublisherDecorator) {
	b.router.AddPublisherDecorators(decorators...)
}

func (b *Bus) Publish(ctx context.Context, event core.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	msg := message.NewMessageWithContext(ctx, event.EventID(), payload)
	msg.Metadata.Set(MetadataEventName, event.EventName())
	if jd, ok := event.(*core.JobDispatched); ok {
		msg.Metadata.Set(MetadataRoute, jd.Outcome.Route)
		msg.Metadata.Set(MetadataRunID, jd.Outcome.RunID)
	}
	injectTrace(ctx, msg)
	return b.pubSub.Publish(event.EventName(), msg)
}

// Subscribe decodes every message on the prototype's topic into a fresh
// value of the prototype's type.
func (b *Bus) Subscribe(prototype core.Event, handler core.EventHandler[core.Event]) error {
	eventName := prototype.EventName()
	eventType := reflect.TypeOf(prototype)
	if eventType.Kind() == reflect.Ptr {
		eventType = eventType.Elem()
	}

	b.router.AddNoPublisherHandler(
		eventName+"."+watermill.NewShortUUID(),
		eventName,
		b.pubSub,
		func(msg *message.Message) error {
			newEvent := reflect.New(eventType).Interface()
			if err := json.Unmarshal(msg.Payload, newEvent); err != nil {
				return err
			}
			evt, ok := newEvent.(core.Event)
			if !ok {
				return fmt.Errorf("%T does not implement core.Event", newEvent)
			}
			return handler.Handle(msg.Context(), evt)
		},
	)
	return nil
}

// Run installs retry, poison queue and tracing middleware and blocks until
// ctx is done.
func (b *Bus) Run(ctx context.Context) error {
	poisonQueueMiddleware, err := middleware.PoisonQueue(b.pubSub, PoisonTopic)
	if err != nil {
		return err
	}

	retryMiddleware := middleware.Retry{
		MaxRetries:      3,
		InitialInterval: time.Millisecond * 100,
		MaxInterval:     time.Second * 1,
		Multiplier:      2.0,
		Logger:          b.logger,
	}

	b.router.AddMiddleware(
		poisonQueueMiddleware,
		retryMiddleware.Middleware,
		OTelMiddleware,
	)
	b.AddPublisherDecorator(TraceContextDecorator)

	return b.router.Run(ctx)
}

// Running is closed once handlers are subscribed and consuming.
func (b *Bus) Running() chan struct{} {
	return b.router.Running()
}

func (b *Bus) Close() error {
	if err := b.router.Close(); err != nil {
		return err
	}
	return b.pubSub.Close()
}
