package event

import (
	"context"

	"github.com/ThreeDotsLabs/watermill/message"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const (
	MetadataEventName = "event_name"
	MetadataRoute     = "route"
	MetadataRunID     = "run_id"

	tracerName = "github.com/deesoft/console/modules/event"
)

// injectTrace writes the span context of ctx into the message metadata so
// the consumer span joins the publisher's trace.
func injectTrace(ctx context.Context, msg *message.Message) {
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(msg.Metadata))
}

// OTelMiddleware opens a consumer span per delivery, continuing the trace
// found in the message metadata.
func OTelMiddleware(h message.HandlerFunc) message.HandlerFunc {
	return func(msg *message.Message) ([]*message.Message, error) {
		ctx := otel.GetTextMapPropagator().Extract(msg.Context(), propagation.MapCarrier(msg.Metadata))

		attrs := []attribute.KeyValue{
			attribute.String("messaging.system", "watermill"),
			attribute.String("messaging.message_id", msg.UUID),
			attribute.String("console.event", msg.Metadata.Get(MetadataEventName)),
		}
		if route := msg.Metadata.Get(MetadataRoute); route != "" {
			attrs = append(attrs,
				attribute.String("console.job.route", route),
				attribute.String("console.run_id", msg.Metadata.Get(MetadataRunID)))
		}

		ctx, span := otel.Tracer(tracerName).Start(ctx, "handle "+msg.Metadata.Get(MetadataEventName),
			trace.WithAttributes(attrs...),
			trace.WithSpanKind(trace.SpanKindConsumer),
		)
		defer span.End()
		msg.SetContext(ctx)

		msgs, err := h(msg)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return msgs, err
	}
}

// TraceContextDecorator injects the trace context into messages published
// by router handlers, such as poison queue forwards.
func TraceContextDecorator(pub message.Publisher) (message.Publisher, error) {
	return &traceContextPublisher{pub}, nil
}

type traceContextPublisher struct {
	message.Publisher
}

func (t *traceContextPublisher) Publish(topic string, messages ...*message.Message) error {
	for _, msg := range messages {
		injectTrace(msg.Context(), msg)
	}
	return t.Publisher.Publish(topic, messages...)
}
