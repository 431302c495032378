package runtime

import (
	"context"
	"fmt"
	"sort"
	"sync"

	errspkg "github.com/drblury/eventwire/internal/runtime/errors"
	"github.com/drblury/eventwire/wire"
)

// Handler processes one delivered event. A non-nil error marks the
// delivery failed; it is reported and counted but never propagated to
// the publisher.
type Handler func(ctx context.Context, event Envelope) error

// DefaultRevision is assumed for event types registered without an
// explicit revision set.
const DefaultRevision uint8 = 1

// SubscriberRegistration wires one handler to one event type.
type SubscriberRegistration struct {
	// Schema is the canonical schema name; the type tag is derived from
	// it.
	Schema string

	// Name identifies the subscription. The (type, name) pair must be
	// unique across the registry.
	Name string

	Handler Handler

	// QueueSize bounds this subscription's delivery queue. Zero means
	// the bus default.
	QueueSize int
}

type subscription struct {
	schema    string
	typeID    wire.TypeID
	name      string
	handler   Handler
	seq       int
	queueSize int
}

type eventType struct {
	schema    string
	revisions map[uint8]struct{}
}

// RegistryBuilder collects event types and subscriptions during
// composition. Seal produces the immutable Registry the running bus
// reads without locks.
type RegistryBuilder struct {
	mu     sync.Mutex
	sealed bool
	seq    int

	types         map[wire.TypeID]*eventType
	subscriptions map[wire.TypeID][]*subscription
}

// NewRegistryBuilder creates an empty builder.
func NewRegistryBuilder() *RegistryBuilder {
	return &RegistryBuilder{
		types:         make(map[wire.TypeID]*eventType),
		subscriptions: make(map[wire.TypeID][]*subscription),
	}
}

// RegisterEventType declares a schema and the revisions the process can
// decode. Registering the same schema again merges revision sets.
// Without explicit revisions only DefaultRevision is accepted.
func (b *RegistryBuilder) RegisterEventType(schema string, revisions ...uint8) error {
	if schema == "" {
		return errspkg.ErrSchemaRequired
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sealed {
		return errspkg.ErrRegistrySealed
	}

	b.registerTypeLocked(schema, revisions)
	return nil
}

func (b *RegistryBuilder) registerTypeLocked(schema string, revisions []uint8) *eventType {
	id := wire.NewTypeID(schema)
	et, ok := b.types[id]
	if !ok {
		et = &eventType{schema: schema, revisions: make(map[uint8]struct{})}
		b.types[id] = et
	}
	if len(revisions) == 0 && len(et.revisions) == 0 {
		et.revisions[DefaultRevision] = struct{}{}
	}
	for _, rev := range revisions {
		et.revisions[rev] = struct{}{}
	}
	return et
}

// Register adds one subscription. The schema is registered implicitly
// when it was not declared before.
func (b *RegistryBuilder) Register(cfg SubscriberRegistration) error {
	if cfg.Schema == "" {
		return errspkg.ErrSchemaRequired
	}
	if cfg.Name == "" {
		return errspkg.ErrNameRequired
	}
	if cfg.Handler == nil {
		return errspkg.ErrHandlerRequired
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sealed {
		return errspkg.ErrRegistrySealed
	}

	b.registerTypeLocked(cfg.Schema, nil)
	id := wire.NewTypeID(cfg.Schema)

	for _, existing := range b.subscriptions[id] {
		if existing.name == cfg.Name {
			return fmt.Errorf("%w: %q on %q", errspkg.ErrRegistrationConflict, cfg.Name, cfg.Schema)
		}
	}

	b.seq++
	b.subscriptions[id] = append(b.subscriptions[id], &subscription{
		schema:    cfg.Schema,
		typeID:    id,
		name:      cfg.Name,
		handler:   cfg.Handler,
		seq:       b.seq,
		queueSize: cfg.QueueSize,
	})
	return nil
}

// Seal freezes the builder and returns the registry. All later builder
// calls fail with ErrRegistrySealed; the returned registry is safe for
// concurrent reads without locking.
func (b *RegistryBuilder) Seal() *Registry {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sealed = true

	reg := &Registry{
		types:         make(map[wire.TypeID]eventType, len(b.types)),
		subscriptions: make(map[wire.TypeID][]*subscription, len(b.subscriptions)),
	}
	for id, et := range b.types {
		revisions := make(map[uint8]struct{}, len(et.revisions))
		for rev := range et.revisions {
			revisions[rev] = struct{}{}
		}
		reg.types[id] = eventType{schema: et.schema, revisions: revisions}
	}
	for id, subs := range b.subscriptions {
		ordered := make([]*subscription, len(subs))
		copy(ordered, subs)
		sort.Slice(ordered, func(i, j int) bool { return ordered[i].seq < ordered[j].seq })
		reg.subscriptions[id] = ordered
	}
	return reg
}

// Registry is the sealed, immutable subscription table. It implements
// wire.TypeTable so the codec can reject unknown tags at decode time.
type Registry struct {
	types         map[wire.TypeID]eventType
	subscriptions map[wire.TypeID][]*subscription
}

// SupportsType reports whether the type tag names a registered schema.
func (r *Registry) SupportsType(id wire.TypeID) bool {
	_, ok := r.types[id]
	return ok
}

// SupportsRevision reports whether the revision was declared for the
// type.
func (r *Registry) SupportsRevision(id wire.TypeID, revision uint8) bool {
	et, ok := r.types[id]
	if !ok {
		return false
	}
	_, ok = et.revisions[revision]
	return ok
}

// SchemaFor resolves a type tag back to its schema name.
func (r *Registry) SchemaFor(id wire.TypeID) (string, bool) {
	et, ok := r.types[id]
	return et.schema, ok
}

// Lookup returns the subscriptions for a type in registration order.
// Unknown types yield an empty slice, never an error.
func (r *Registry) Lookup(id wire.TypeID) []*subscription {
	return r.subscriptions[id]
}

// Schemas lists the registered schema names, sorted.
func (r *Registry) Schemas() []string {
	schemas := make([]string, 0, len(r.types))
	for _, et := range r.types {
		schemas = append(schemas, et.schema)
	}
	sort.Strings(schemas)
	return schemas
}

// SubscriberCount totals registered subscriptions across all types.
func (r *Registry) SubscriberCount() int {
	n := 0
	for _, subs := range r.subscriptions {
		n += len(subs)
	}
	return n
}
