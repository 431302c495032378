// Package transport defines the contract shared by all eventwire
// transports and the connection manager that runs their read and write
// loops. Each implementation (inproc, tcp, fdpass, nats) lives in its own
// sub-package and registers itself with the transport registry, so
// application code selects a transport by configuration and never branches
// on the environment.
package transport

import (
	"context"
	"errors"
	"time"

	"github.com/ThreeDotsLabs/watermill"

	"github.com/drblury/eventwire/wire"
)

// Transport opens connections to peers. The same contract backs dynamic
// sockets (tcp, nats) and fixed pre-opened descriptors (fdpass); frames
// behave identically over every implementation.
type Transport interface {
	// Dial opens an outbound connection to the peer at address. The
	// returned Conn is Open and its loops are running.
	Dial(ctx context.Context, address string) (*Conn, error)

	// Listen starts accepting inbound connections at address. The listen
	// operation itself is not restartable once closed.
	Listen(ctx context.Context, address string) (Listener, error)

	// Close releases resources shared by the transport's connections.
	Close() error
}

// Listener produces an unbounded sequence of accepted connections.
type Listener interface {
	// Accept blocks until the next inbound connection, ctx cancellation,
	// or listener close.
	Accept(ctx context.Context) (*Conn, error)

	// Addr is the effective listen address (useful when the requested
	// address had an ephemeral port).
	Addr() string

	Close() error
}

// ErrListenerClosed is returned by Accept after the listener shuts down.
var ErrListenerClosed = errors.New("transport: listener closed")

// Builder is the function signature for creating a transport from config.
// Each transport package provides a Builder that can be registered. opts
// carries the per-connection tuning plus the frame sink supplied by the
// bus; every connection the transport opens inherits it.
type Builder func(ctx context.Context, cfg Config, opts ConnOptions, logger watermill.LoggerAdapter) (Transport, error)

// Config provides the configuration values needed by transports. The
// interface lets each transport access only the keys it needs without
// depending on the full config package.
type Config interface {
	// GetTransport returns the transport type name.
	GetTransport() string

	GetListenAddress() string
	GetPeerAddresses() []string

	// NATS
	GetNATSURL() string

	// Fdpass
	GetPreopenStart() int
	GetPreopenCount() int

	// Connection tuning
	GetOutboundQueueSize() int
	GetBackpressurePolicy() string
	GetIdleTimeout() time.Duration
	GetMaxFrameSize() uint32
}

// ConnOptions carries the per-connection tuning derived from Config plus
// the frame sink wired in by the bus.
type ConnOptions struct {
	// QueueSize bounds the outbound frame queue. Zero means 64.
	QueueSize int

	// Policy selects the behaviour on a full outbound queue.
	Policy BackpressurePolicy

	// IdleTimeout closes the connection when no frames move in either
	// direction within the window. Zero disables.
	IdleTimeout time.Duration

	// Types optionally restricts inbound frames to known event types.
	Types wire.TypeTable

	// MaxFrameSize bounds inbound frame lengths. Zero means the codec
	// default.
	MaxFrameSize uint32

	// Sink receives every decoded inbound frame. Required for any
	// connection expected to deliver remote events.
	Sink FrameSink

	// OnClose runs exactly once after the connection reaches Closed.
	OnClose func(c *Conn, reason error)
}

// FrameSink consumes decoded inbound frames. A sink that blocks stalls
// only the read loop of the connection that delivered the frame.
type FrameSink func(c *Conn, f wire.Frame)

// BackpressurePolicy selects the behaviour when a bounded outbound queue
// is full. Frames are never dropped silently.
type BackpressurePolicy int

const (
	// BackpressureReject fails the send with ErrBackpressureExceeded,
	// keeping the publisher in control. This is the default.
	BackpressureReject BackpressurePolicy = iota

	// BackpressureBlock stalls the send until queue space frees, the
	// context is cancelled, or the connection closes.
	BackpressureBlock
)

// ParseBackpressurePolicy maps the config string onto a policy. Unknown
// values fall back to reject.
func ParseBackpressurePolicy(name string) BackpressurePolicy {
	if name == "block" {
		return BackpressureBlock
	}
	return BackpressureReject
}

// OptionsFromConfig derives ConnOptions from the transport configuration.
// Sink, Types, and OnClose are wired separately by the bus.
func OptionsFromConfig(cfg Config) ConnOptions {
	return ConnOptions{
		QueueSize:    cfg.GetOutboundQueueSize(),
		Policy:       ParseBackpressurePolicy(cfg.GetBackpressurePolicy()),
		IdleTimeout:  cfg.GetIdleTimeout(),
		MaxFrameSize: cfg.GetMaxFrameSize(),
	}
}
