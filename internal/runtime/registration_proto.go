package runtime

import (
	"context"
	"reflect"

	"google.golang.org/protobuf/proto"

	errspkg "github.com/drblury/eventwire/internal/runtime/errors"
)

// ProtoEvent exposes the decoded message and delivery identity to typed
// proto subscribers.
type ProtoEvent[T proto.Message] struct {
	Payload  T
	ID       string
	Revision uint8
}

// ProtoSubscriberRegistration wires a typed proto subscriber to the bus.
// Payloads travel as compact proto binary.
type ProtoSubscriberRegistration[T proto.Message] struct {
	Schema    string
	Name      string
	QueueSize int
	Revisions []uint8

	Handler func(ctx context.Context, event ProtoEvent[T]) error
}

// RegisterProtoSubscriber converts the typed handler into a raw
// subscription and registers it.
func RegisterProtoSubscriber[T proto.Message](bus *Bus, cfg ProtoSubscriberRegistration[T]) error {
	if bus == nil {
		return errspkg.ErrBusRequired
	}
	if cfg.Handler == nil {
		return errspkg.ErrHandlerRequired
	}

	factory, err := protoPrototypeFactory[T]()
	if err != nil {
		return err
	}

	if err := bus.RegisterEventType(cfg.Schema, cfg.Revisions...); err != nil {
		return err
	}

	wrapped := func(ctx context.Context, event Envelope) error {
		typed := factory()
		if err := proto.Unmarshal(event.Payload, typed); err != nil {
			return errspkg.Wrap(err, "unmarshal proto payload", errspkg.ClassBadRequest)
		}
		return cfg.Handler(ctx, ProtoEvent[T]{
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

// protoPrototypeFactory builds fresh instances of the concrete message
// type behind T, which must be a pointer type.
func protoPrototypeFactory[T proto.Message]() (func() T, error) {
	var zero T
	typ := reflect.TypeOf(zero)
	if typ == nil || typ.Kind() != reflect.Ptr {
		return nil, errspkg.ErrMessagePointerRequired
	}
	elem := typ.Elem()
	return func() T {
		return reflect.New(elem).Interface().(T)
	}, nil
}

// PublishProto marshals the message as compact proto binary and
// publishes it under the schema's default revision.
func PublishProto(ctx context.Context, bus *Bus, schema string, event proto.Message) error {
	return PublishProtoRevision(ctx, bus, schema, DefaultRevision, event)
}

// PublishProtoRevision is PublishProto with an explicit schema revision.
func PublishProtoRevision(ctx context.Context, bus *Bus, schema string, revision uint8, event proto.Message) error {
	if bus == nil {
		return errspkg.ErrBusRequired
	}
	if schema == "" {
		return errspkg.ErrSchemaRequired
	}
	if event == nil {
		return errspkg.ErrPayloadRequired
	}

	data, err := proto.Marshal(event)
	if err != nil {
		return errspkg.Wrap(err, "marshal proto payload", errspkg.ClassBadRequest)
	}
	return bus.Publish(ctx, NewEnvelope(schema, revision, data))
}
