package events

import (
	"context"

	"github.com/rs/zerolog/log"
)

type ctxKey int

const (
	ctxKeyEventSinks ctxKey = iota
)

// WithEventSinks attaches sinks to the context, in addition to any already
// attached.
func WithEventSinks(ctx context.Context, sinks ...EventSink) context.Context {
	if len(sinks) == 0 {
		return ctx
	}
	existing := GetEventSinks(ctx)
	combined := append([]EventSink{}, existing...)
	combined = append(combined, sinks...)
	return context.WithValue(ctx, ctxKeyEventSinks, combined)
}

func GetEventSinks(ctx context.Context) []EventSink {
	if v := ctx.Value(ctxKeyEventSinks); v != nil {
		if sinks, ok := v.([]EventSink); ok {
			return sinks
		}
	}
	return nil
}

// Publish sends event to the given sinks and to the sinks carried by ctx.
// Sink failures are logged; update delivery is best effort and never fails
// the operation that produced the event.
func Publish(ctx context.Context, sinks []EventSink, event Event) {
	all := append(append([]EventSink{}, sinks...), GetEventSinks(ctx)...)
	for _, sink := range all {
		if err := sink.PublishEvent(event); err != nil {
			log.Warn().Err(err).Str("event_type", string(event.Type)).Msg("failed to publish event")
		}
	}
}
