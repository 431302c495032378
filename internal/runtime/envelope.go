package runtime

import (
	idspkg "github.com/drblury/eventwire/internal/runtime/ids"
	"github.com/drblury/eventwire/wire"
)

// Envelope is one event moving through the bus. The ID travels only in
// logs and traces; on the wire a frame carries just the type tag, the
// schema revision, and the payload.
type Envelope struct {
	// ID correlates log lines and spans for one delivery.
	ID string

	// Schema is the canonical schema name the type tag was derived from.
	// Empty for events decoded off the wire before schema resolution.
	Schema string

	// Type is the FNV-1a tag of Schema.
	Type wire.TypeID

	// Revision versions the payload encoding within a type.
	Revision uint8

	Payload []byte
}

// NewEnvelope stamps a fresh event for the given schema. The type tag is
// derived from the schema name, so every process computes the same tag.
func NewEnvelope(schema string, revision uint8, payload []byte) Envelope {
	return Envelope{
		ID:       idspkg.NewEnvelopeID(),
		Schema:   schema,
		Type:     wire.NewTypeID(schema),
		Revision: revision,
		Payload:  payload,
	}
}

// Frame converts the envelope to its wire form.
func (e Envelope) Frame() wire.Frame {
	return wire.Frame{Type: e.Type, Revision: e.Revision, Payload: e.Payload}
}

// envelopeFromFrame rebuilds an envelope from a decoded frame. IDs do not
// travel on the wire, so the receiving side stamps its own.
func envelopeFromFrame(f wire.Frame, schema string) Envelope {
	return Envelope{
		ID:       idspkg.NewEnvelopeID(),
		Schema:   schema,
		Type:     f.Type,
		Revision: f.Revision,
		Payload:  f.Payload,
	}
}
