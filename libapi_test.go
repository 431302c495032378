package eventwire

import (
	"errors"
	"log/slog"
	"testing"

	"google.golang.org/protobuf/types/known/structpb"
)

func TestSubscriberExportsPropagateErrors(t *testing.T) {
	if err := RegisterJSONSubscriber[map[string]string](nil, JSONSubscriberRegistration[map[string]string]{}); !errors.Is(err, ErrBusRequired) {
		t.Fatalf("expected bus required error, got %v", err)
	}

	if err := RegisterProtoSubscriber[*structpb.Struct](nil, ProtoSubscriberRegistration[*structpb.Struct]{}); !errors.Is(err, ErrBusRequired) {
		t.Fatalf("expected bus required error, got %v", err)
	}
}

func TestProtoMessageHelpers(t *testing.T) {
	msg, err := NewProtoMessage[*structpb.Struct]()
	if err != nil {
		t.Fatalf("unexpected error creating proto: %v", err)
	}
	if msg == nil {
		t.Fatal("expected proto message instance")
	}

	must := MustProtoMessage[*structpb.Struct]()
	if must == nil {
		t.Fatal("expected must helper to return instance")
	}
}

func TestLoggerExports(t *testing.T) {
	logger := NewSlogServiceLogger(slog.Default())
	logger.Info("boot", LogFields{"component": "test"})
}

func TestEncodingExportAliases(t *testing.T) {
	payload := map[string]string{"hello": "world"}
	if _, err := Marshal(payload); err != nil {
		t.Fatalf("marshal alias failed: %v", err)
	}
	if _, err := MarshalIndent(payload, "", "  "); err != nil {
		t.Fatalf("marshal indent alias failed: %v", err)
	}
	if err := Unmarshal([]byte(`{"hello":"world"}`), &payload); err != nil {
		t.Fatalf("unmarshal alias failed: %v", err)
	}
}

func TestWireExportAliases(t *testing.T) {
	env := NewEnvelope("orders.created", DefaultRevision, []byte(`{}`))
	if env.Type != NewTypeID("orders.created") {
		t.Fatalf("expected type tag derived from schema, got %v", env.Type)
	}

	buf := EncodeFrame(Frame{Type: env.Type, Revision: env.Revision, Payload: env.Payload})
	if len(buf) != FrameHeaderSize+len(env.Payload) {
		t.Fatalf("unexpected frame length %d", len(buf))
	}
}

func TestTransportRegistryExport(t *testing.T) {
	// The runtime links every built-in transport, so all four show up in
	// the default registry.
	for _, name := range []string{"inproc", "tcp", "fdpass", "nats"} {
		if caps := TransportCaps(name); caps.Name != name {
			t.Fatalf("expected %q registered, got %#v", name, caps)
		}
	}
}

func TestErrorClassExports(t *testing.T) {
	if got := ClassifyError(ErrBackpressureExceeded); got != ClassResourceExhausted {
		t.Fatalf("expected resource-exhausted class, got %v", got)
	}
	if got := ClassifyError(ErrUnknownType); got != ClassUnsupported {
		t.Fatalf("expected unsupported class, got %v", got)
	}
	if ClassResourceExhausted.String() != "resource-exhausted" {
		t.Fatalf("unexpected class string %q", ClassResourceExhausted.String())
	}
}
