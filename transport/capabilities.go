package transport

// Capabilities describes what a transport implementation can do. Use it to
// introspect the selected transport at runtime instead of branching on its
// name.
type Capabilities struct {
	// Name is the registered transport name.
	Name string

	// SupportsDial indicates the transport can open outbound connections
	// to arbitrary addresses.
	SupportsDial bool

	// SupportsListen indicates the transport can accept inbound
	// connections.
	SupportsListen bool

	// FixedDescriptors indicates connections come from a fixed,
	// externally supplied set of pre-opened descriptors rather than
	// dynamically created sockets.
	FixedDescriptors bool

	// StreamFramed indicates frames are delimited by the wire codec on a
	// byte stream. MessageFramed indicates the carrier already delimits
	// messages and each carries exactly one frame.
	StreamFramed  bool
	MessageFramed bool

	// SupportsOrdering indicates frames arrive in the order they were
	// sent on a single connection.
	SupportsOrdering bool

	// MaxFrameSize is the largest frame the carrier can move
	// (0 = unlimited/unknown).
	MaxFrameSize int64
}

// Predefined capability sets for the built-in transports.
var (
	// InprocCapabilities for the in-process watermill channel transport.
	InprocCapabilities = Capabilities{
		Name:             "inproc",
		SupportsDial:     true,
		SupportsListen:   true,
		MessageFramed:    true,
		SupportsOrdering: true,
	}

	// TCPCapabilities for the TCP stream transport.
	TCPCapabilities = Capabilities{
		Name:             "tcp",
		SupportsDial:     true,
		SupportsListen:   true,
		StreamFramed:     true,
		SupportsOrdering: true,
	}

	// FdpassCapabilities for the sandboxed fixed-descriptor transport.
	FdpassCapabilities = Capabilities{
		Name:             "fdpass",
		SupportsDial:     true, // only onto already-opened descriptors
		SupportsListen:   true,
		FixedDescriptors: true,
		StreamFramed:     true,
		SupportsOrdering: true,
	}

	// NATSCapabilities for the NATS subject transport.
	NATSCapabilities = Capabilities{
		Name:           "nats",
		SupportsDial:   true,
		SupportsListen: true,
		MessageFramed:  true,
		MaxFrameSize:   1048576, // NATS default max payload
	}
)

// GetCapabilities returns the capabilities for a transport registered with
// the default registry.
func GetCapabilities(name string) Capabilities {
	return DefaultRegistry.GetCapabilities(name)
}
