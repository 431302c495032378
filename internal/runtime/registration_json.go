package runtime

import (
	"context"

	errspkg "github.com/drblury/eventwire/internal/runtime/errors"
	"github.com/drblury/eventwire/internal/runtime/jsoncodec"
)

// JSONEvent exposes the decoded payload and delivery identity to typed
// JSON subscribers.
type JSONEvent[T any] struct {
	Payload  T
	ID       string
	Revision uint8
}

// JSONSubscriberRegistration wires a typed JSON subscriber to the bus.
type JSONSubscriberRegistration[T any] struct {
	Schema    string
	Name      string
	QueueSize int

	// Revisions this subscriber can decode. Empty means DefaultRevision.
	Revisions []uint8

	Handler func(ctx context.Context, event JSONEvent[T]) error
}

// RegisterJSONSubscriber converts the typed handler into a raw
// subscription and registers it. Payloads are decoded with the sonic
// codec; a payload that does not unmarshal fails that delivery as a
// bad-request.
func RegisterJSONSubscriber[T any](bus *Bus, cfg JSONSubscriberRegistration[T]) error {
	if bus == nil {
		return errspkg.ErrBusRequired
	}
	if cfg.Handler == nil {
		return errspkg.ErrHandlerRequired
	}

	if err := bus.RegisterEventType(cfg.Schema, cfg.Revisions...); err != nil {
		return err
	}

	wrapped := func(ctx context.Context, event Envelope) error {
		var typed T
		if err := jsoncodec.Unmarshal(event.Payload, &typed); err != nil {
			return errspkg.Wrap(err, "unmarshal JSON payload", errspkg.ClassBadRequest)
		}
		return cfg.Handler(ctx, JSONEvent[T]{
			Payload:  typed,
			ID:       event.ID,
			Revision: event.Revision,
		})
	}

	return bus.Subscribe(SubscriberRegistration{
		Schema:    cfg.Schema,
		Name:      cfg.Name,
		Handler:   wrapped,
		QueueSize: cfg.QueueSize,
	})
}

// PublishJSON marshals the payload with the sonic codec and publishes it
// under the schema's default revision.
func PublishJSON[T any](ctx context.Context, bus *Bus, schema string, payload T) error {
	return PublishJSONRevision(ctx, bus, schema, DefaultRevision, payload)
}

// PublishJSONRevision is PublishJSON with an explicit schema revision.
func PublishJSONRevision[T any](ctx context.Context, bus *Bus, schema string, revision uint8, payload T) error {
	if bus == nil {
		return errspkg.ErrBusRequired
	}
	if schema == "" {
		return errspkg.ErrSchemaRequired
	}

	data, err := jsoncodec.Marshal(payload)
	if err != nil {
		return errspkg.Wrap(err, "marshal JSON payload", errspkg.ClassBadRequest)
	}
	return bus.Publish(ctx, NewEnvelope(schema, revision, data))
}
