package runtime

import (
	"context"
	"errors"
	"testing"
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	configpkg "github.com/drblury/eventwire/internal/runtime/config"
	errspkg "github.com/drblury/eventwire/internal/runtime/errors"
)

func inprocConfig() *configpkg.Config {
	return &configpkg.Config{Transport: "inproc"}
}

func TestTryNewBusValidation(t *testing.T) {
	if _, err := TryNewBus(nil, testLogger(), BusDependencies{}); !errors.Is(err, errspkg.ErrConfigRequired) {
		t.Fatalf("nil config: got %v", err)
	}
	if _, err := TryNewBus(inprocConfig(), nil, BusDependencies{}); !errors.Is(err, errspkg.ErrLoggerRequired) {
		t.Fatalf("nil logger: got %v", err)
	}

	bad := &configpkg.Config{Transport: "nats"}
	if _, err := TryNewBus(bad, testLogger(), BusDependencies{}); err == nil {
		t.Fatal("invalid config accepted")
	}
}

func TestBusLifecycle(t *testing.T) {
	bus, err := TryNewBus(inprocConfig(), testLogger(), BusDependencies{})
	if err != nil {
		t.Fatal(err)
	}

	received := make(chan Envelope, 8)
	err = bus.Subscribe(SubscriberRegistration{
		Schema: "orders.created",
		Name:   "collector",
		Handler: func(ctx context.Context, event Envelope) error {
			received <- event
			return nil
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	// Publish before Start fails.
	if err := bus.Publish(context.Background(), NewEnvelope("orders.created", 1, nil)); !errors.Is(err, errspkg.ErrBusNotStarted) {
		t.Fatalf("publish before start: got %v", err)
	}

	if err := bus.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	// The subscription set is frozen after Start.
	err = bus.Subscribe(SubscriberRegistration{Schema: "orders.paid", Name: "late", Handler: nopHandler})
	if !errors.Is(err, errspkg.ErrBusStarted) {
		t.Fatalf("subscribe after start: got %v", err)
	}
	if err := bus.Start(context.Background()); !errors.Is(err, errspkg.ErrBusStarted) {
		t.Fatalf("second start: got %v", err)
	}

	ev := NewEnvelope("orders.created", 1, []byte(`{"id":1}`))
	if err := bus.Publish(context.Background(), ev); err != nil {
		t.Fatal(err)
	}

	select {
	case got := <-received:
		if got.ID != ev.ID || string(got.Payload) != `{"id":1}` {
			t.Fatalf("delivered %+v, published %+v", got, ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("event never delivered")
	}

	infos := bus.Subscribers()
	if len(infos) != 1 || infos[0].Name != "collector" {
		t.Fatalf("Subscribers() = %+v", infos)
	}
	// Stats are snapshots, so re-fetch on every poll.
	waitFor(t, time.Second, func() bool {
		return bus.Subscribers()[0].Stats.EventsDelivered == 1
	})

	if err := bus.Close(); err != nil {
		t.Fatal(err)
	}
	if err := bus.Publish(context.Background(), ev); !errors.Is(err, errspkg.ErrBusNotStarted) {
		t.Fatalf("publish after close: got %v", err)
	}
	// Close is idempotent.
	if err := bus.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestPublishWithoutSubscribersIsNoop(t *testing.T) {
	bus, err := TryNewBus(inprocConfig(), testLogger(), BusDependencies{})
	if err != nil {
		t.Fatal(err)
	}
	if err := bus.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer bus.Close()

	if err := bus.Publish(context.Background(), NewEnvelope("nobody.listens", 1, nil)); err != nil {
		t.Fatal(err)
	}
}

func TestPublishFillsDefaults(t *testing.T) {
	bus, err := TryNewBus(inprocConfig(), testLogger(), BusDependencies{})
	if err != nil {
		t.Fatal(err)
	}

	received := make(chan Envelope, 1)
	err = bus.Subscribe(SubscriberRegistration{
		Schema: "orders.created",
		Name:   "collector",
		Handler: func(ctx context.Context, event Envelope) error {
			received <- event
			return nil
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := bus.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer bus.Close()

	// Schema only: type tag and revision are derived.
	if err := bus.Publish(context.Background(), Envelope{Schema: "orders.created", Payload: []byte("x")}); err != nil {
		t.Fatal(err)
	}
	select {
	case got := <-received:
		if got.Revision != DefaultRevision {
			t.Fatalf("revision = %d", got.Revision)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("event never delivered")
	}

	if err := bus.Publish(context.Background(), Envelope{}); !errors.Is(err, errspkg.ErrSchemaRequired) {
		t.Fatalf("empty envelope: got %v", err)
	}
}

func TestTwoBusesOverInprocTransport(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	server, err := TryNewBus(&configpkg.Config{
		Transport:     "inproc",
		ListenAddress: "bus-test/" + t.Name(),
	}, testLogger(), BusDependencies{})
	if err != nil {
		t.Fatal(err)
	}

	received := make(chan Envelope, 8)
	err = server.Subscribe(SubscriberRegistration{
		Schema: "orders.created",
		Name:   "remote-collector",
		Handler: func(ctx context.Context, event Envelope) error {
			received <- event
			return nil
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := server.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer server.Close()

	client, err := TryNewBus(&configpkg.Config{
		Transport:     "inproc",
		PeerAddresses: []string{"bus-test/" + t.Name()},
	}, testLogger(), BusDependencies{})
	if err != nil {
		t.Fatal(err)
	}
	if err := client.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	if client.ConnCount() != 1 {
		t.Fatalf("client conns = %d", client.ConnCount())
	}
	waitFor(t, 2*time.Second, func() bool { return server.ConnCount() == 1 })

	if err := client.Publish(ctx, NewEnvelope("orders.created", 1, []byte(`{"id":7}`))); err != nil {
		t.Fatal(err)
	}

	select {
	case got := <-received:
		if got.Schema != "orders.created" || string(got.Payload) != `{"id":7}` {
			t.Fatalf("remote delivery = %+v", got)
		}
	case <-ctx.Done():
		t.Fatal("event never crossed the transport")
	}
}

func TestJSONSubscriberRoundTrip(t *testing.T) {
	type orderCreated struct {
		OrderID string `json:"order_id"`
		Total   int    `json:"total"`
	}

	bus, err := TryNewBus(inprocConfig(), testLogger(), BusDependencies{})
	if err != nil {
		t.Fatal(err)
	}

	received := make(chan orderCreated, 1)
	err = RegisterJSONSubscriber(bus, JSONSubscriberRegistration[orderCreated]{
		Schema: "orders.created",
		Name:   "typed",
		Handler: func(ctx context.Context, event JSONEvent[orderCreated]) error {
			received <- event.Payload
			return nil
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := bus.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer bus.Close()

	if err := PublishJSON(context.Background(), bus, "orders.created", orderCreated{OrderID: "o-1", Total: 42}); err != nil {
		t.Fatal(err)
	}

	select {
	case got := <-received:
		if got.OrderID != "o-1" || got.Total != 42 {
			t.Fatalf("decoded %+v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("typed event never delivered")
	}
}

func TestProtoSubscriberRoundTrip(t *testing.T) {
	bus, err := TryNewBus(inprocConfig(), testLogger(), BusDependencies{})
	if err != nil {
		t.Fatal(err)
	}

	received := make(chan *structpb.Struct, 1)
	err = RegisterProtoSubscriber(bus, ProtoSubscriberRegistration[*structpb.Struct]{
		Schema: "orders.snapshot",
		Name:   "typed-proto",
		Handler: func(ctx context.Context, event ProtoEvent[*structpb.Struct]) error {
			received <- event.Payload
			return nil
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := bus.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer bus.Close()

	payload, err := structpb.NewStruct(map[string]any{"order_id": "o-2"})
	if err != nil {
		t.Fatal(err)
	}
	if err := PublishProto(context.Background(), bus, "orders.snapshot", payload); err != nil {
		t.Fatal(err)
	}

	select {
	case got := <-received:
		if got.Fields["order_id"].GetStringValue() != "o-2" {
			t.Fatalf("decoded %+v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("proto event never delivered")
	}
}

func TestDuplicateSubscribeThroughBus(t *testing.T) {
	bus, err := TryNewBus(inprocConfig(), testLogger(), BusDependencies{})
	if err != nil {
		t.Fatal(err)
	}

	reg := SubscriberRegistration{Schema: "orders.created", Name: "dup", Handler: nopHandler}
	if err := bus.Subscribe(reg); err != nil {
		t.Fatal(err)
	}
	if err := bus.Subscribe(reg); !errors.Is(err, errspkg.ErrRegistrationConflict) {
		t.Fatalf("duplicate: got %v", err)
	}
}
