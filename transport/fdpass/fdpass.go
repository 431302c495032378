// Package fdpass provides the fixed-descriptor transport for sandboxed
// processes. The supervisor preopens a contiguous range of descriptors
// before the process starts; each descriptor is a ready bidirectional
// byte stream to one peer, so there is no dial or accept handshake on
// the wire. Listen hands out every preopened descriptor exactly once as
// an acceptor connection, and Dial claims one explicitly by number.
package fdpass

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/ThreeDotsLabs/watermill"

	"github.com/drblury/eventwire/transport"
)

// TransportName is the config value selecting this transport.
const TransportName = "fdpass"

// DefaultPreopenStart is the first descriptor number used when the
// config leaves the start unset. Descriptors 0-2 stay reserved for the
// standard streams.
const DefaultPreopenStart = 3

// OpenDescriptor materialises a preopened descriptor as a byte stream.
// Tests replace it to avoid depending on real inherited descriptors.
var OpenDescriptor = func(fd int) (io.ReadWriteCloser, error) {
	f := os.NewFile(uintptr(fd), "preopen-"+strconv.Itoa(fd))
	if f == nil {
		return nil, fmt.Errorf("fdpass: invalid descriptor %d", fd)
	}
	return f, nil
}

func init() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.FdpassCapabilities)
}

// Build creates an fdpass transport over the preopen range named by the
// config.
func Build(ctx context.Context, cfg transport.Config, opts transport.ConnOptions, logger watermill.LoggerAdapter) (transport.Transport, error) {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	start := cfg.GetPreopenStart()
	if start <= 0 {
		start = DefaultPreopenStart
	}
	count := cfg.GetPreopenCount()
	if count <= 0 {
		return nil, fmt.Errorf("fdpass: preopen count must be positive, got %d", count)
	}

	return &Transport{
		start:   start,
		count:   count,
		opts:    opts,
		logger:  logger.With(watermill.LogFields{"transport": TransportName}),
		claimed: make(map[int]bool, count),
	}, nil
}

// Transport implements transport.Transport over a fixed preopen range.
// Every descriptor is claimed at most once, whether through Dial or
// through a listener.
type Transport struct {
	start  int
	count  int
	opts   transport.ConnOptions
	logger watermill.LoggerAdapter

	mu      sync.Mutex
	claimed map[int]bool
	closed  bool
}

// Dial claims the descriptor named by address ("fd://N" or plain "N")
// and wraps it as an initiator connection.
func (t *Transport) Dial(ctx context.Context, address string) (*transport.Conn, error) {
	fd, err := parseAddress(address)
	if err != nil {
		return nil, err
	}
	if err := t.claim(fd); err != nil {
		return nil, err
	}

	stream, err := OpenDescriptor(fd)
	if err != nil {
		t.release(fd)
		return nil, err
	}

	t.logger.Debug("claimed descriptor", watermill.LogFields{"fd": fd})
	return transport.NewConn(transport.RoleInitiator, address, stream, t.opts, t.logger), nil
}

// Listen yields every still-unclaimed descriptor in the preopen range,
// in ascending order, as acceptor connections. Once the range is
// exhausted Accept blocks until the listener or context is done; the
// supervisor cannot add descriptors to a running process.
func (t *Transport) Listen(ctx context.Context, address string) (transport.Listener, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, transport.ErrListenerClosed
	}

	return &listener{
		t:      t,
		next:   t.start,
		closed: make(chan struct{}),
	}, nil
}

// Close marks the transport closed. Claimed descriptors stay open until
// their connections close.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

func (t *Transport) claim(fd int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return transport.ErrListenerClosed
	}
	if fd < t.start || fd >= t.start+t.count {
		return fmt.Errorf("fdpass: descriptor %d outside preopen range [%d,%d)", fd, t.start, t.start+t.count)
	}
	if t.claimed[fd] {
		return fmt.Errorf("fdpass: descriptor %d already claimed", fd)
	}
	t.claimed[fd] = true
	return nil
}

func (t *Transport) release(fd int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.claimed, fd)
}

// nextUnclaimed claims and returns the next descriptor at or after from,
// or -1 when the range is exhausted.
func (t *Transport) nextUnclaimed(from int) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	for fd := from; fd < t.start+t.count; fd++ {
		if !t.claimed[fd] {
			t.claimed[fd] = true
			return fd
		}
	}
	return -1
}

type listener struct {
	t    *Transport
	next int

	once   sync.Once
	closed chan struct{}
}

func (l *listener) Accept(ctx context.Context) (*transport.Conn, error) {
	select {
	case <-l.closed:
		return nil, transport.ErrListenerClosed
	default:
	}

	fd := l.t.nextUnclaimed(l.next)
	if fd < 0 {
		// Range exhausted. Block so callers running an accept loop do
		// not spin.
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-l.closed:
			return nil, transport.ErrListenerClosed
		}
	}
	l.next = fd + 1

	stream, err := OpenDescriptor(fd)
	if err != nil {
		l.t.release(fd)
		return nil, err
	}

	remote := "fd://" + strconv.Itoa(fd)
	l.t.logger.Debug("claimed descriptor", watermill.LogFields{"fd": fd})
	return transport.NewConn(transport.RoleAcceptor, remote, stream, l.t.opts, l.t.logger), nil
}

func (l *listener) Addr() string {
	return fmt.Sprintf("fd://%d+%d", l.t.start, l.t.count)
}

func (l *listener) Close() error {
	l.once.Do(func() { close(l.closed) })
	return nil
}

func parseAddress(address string) (int, error) {
	s := strings.TrimPrefix(address, "fd://")
	fd, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("fdpass: address %q is not a descriptor number: %w", address, err)
	}
	return fd, nil
}
