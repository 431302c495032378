// Package eventwire is a typed, event-driven pub/sub core for services that
// exchange schema-tagged events inside one process or across process
// boundaries. Events are addressed by schema name, not by topic: publishing
// an Envelope delivers it to every local subscriber registered for that
// schema and fans an encoded frame out to every connected peer.
//
// Bus hosts the subscriber registry, the dispatcher, and the transport.
// Registration happens before Start: Subscribe binds a named handler to a
// schema, and the typed helpers RegisterJSONSubscriber and
// RegisterProtoSubscriber take care of decoding payloads into concrete
// types. Start seals the registry, builds the configured transport, and
// begins accepting and dialling peers. A minimal setup therefore involves
// filling Config, creating a Bus, registering subscribers, and calling
// Start; see the examples directory for runnable setups.
//
// # Transports
//
// Eventwire supports 4 transports out of the box:
//   - inproc: In-memory channels for tests and single-process wiring
//   - tcp: Length-prefixed frames over plain TCP sockets
//   - fdpass: Preopened file descriptors handed in by a sandbox supervisor
//   - nats: Peer connections brokered over NATS subjects
//
// All four carry the same wire format, so a bus built against one transport
// behaves identically on any other.
//
// # Backpressure
//
// Every queue in the system is bounded. The BackpressurePolicy config field
// chooses between rejecting publishes with ErrBackpressureExceeded (the
// default) and blocking the publisher until space frees. Events are never
// dropped silently.
//
// # Delivery Hooks
//
// DeliveryHooks provide OnDeliveryStart, OnDeliveryDone, and
// OnDeliveryFailed callbacks for custom logging, metrics collection, and
// alerting around handler execution.
//
// When you need more control, BusDependencies exposes well-scoped knobs:
// bring your own DeliveryHooks, Prometheus registerer, trace provider, or a
// custom transport registry to plug in additional transports.
package eventwire
