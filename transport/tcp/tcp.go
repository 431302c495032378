// Package tcp provides the TCP transport: length-prefixed frames over
// plain TCP streams. Dial opens an initiator connection per peer, Listen
// accepts inbound peers on a local address.
package tcp

import (
	"context"
	"errors"
	"net"
	"sync"

	"github.com/ThreeDotsLabs/watermill"

	"github.com/drblury/eventwire/transport"
)

// TransportName is the config value selecting this transport.
const TransportName = "tcp"

func init() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.TCPCapabilities)
}

// Build creates a TCP transport. The config's listen address and peer
// addresses are resolved lazily by the caller through Dial and Listen.
func Build(ctx context.Context, cfg transport.Config, opts transport.ConnOptions, logger watermill.LoggerAdapter) (transport.Transport, error) {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	return &Transport{
		opts:   opts,
		logger: logger.With(watermill.LogFields{"transport": TransportName}),
	}, nil
}

// Transport implements transport.Transport over TCP.
type Transport struct {
	opts   transport.ConnOptions
	logger watermill.LoggerAdapter

	mu        sync.Mutex
	listeners []*listener
	closed    bool
}

// Dial connects to a peer and returns an initiator connection carrying
// frames as soon as the TCP handshake completes.
func (t *Transport) Dial(ctx context.Context, address string) (*transport.Conn, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, transport.ErrListenerClosed
	}
	t.mu.Unlock()

	var d net.Dialer
	nc, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, err
	}

	t.logger.Debug("dialed peer", watermill.LogFields{"address": address})
	return transport.NewConn(transport.RoleInitiator, address, nc, t.opts, t.logger), nil
}

// Listen binds a local TCP address. Each accepted peer becomes an
// acceptor connection.
func (t *Transport) Listen(ctx context.Context, address string) (transport.Listener, error) {
	var lc net.ListenConfig
	nl, err := lc.Listen(ctx, "tcp", address)
	if err != nil {
		return nil, err
	}

	l := &listener{
		nl:     nl,
		t:      t,
		closed: make(chan struct{}),
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		_ = nl.Close()
		return nil, transport.ErrListenerClosed
	}
	t.listeners = append(t.listeners, l)
	t.mu.Unlock()

	// Closing the net listener is the only way to interrupt a blocked
	// Accept, so tie it to the listen context as well.
	go func() {
		select {
		case <-ctx.Done():
			_ = l.Close()
		case <-l.closed:
		}
	}()

	t.logger.Debug("listening", watermill.LogFields{"address": nl.Addr().String()})
	return l, nil
}

// Close shuts down all listeners. Established connections keep running
// until closed individually.
func (t *Transport) Close() error {
	t.mu.Lock()
	t.closed = true
	listeners := t.listeners
	t.listeners = nil
	t.mu.Unlock()

	var errs []error
	for _, l := range listeners {
		if err := l.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type listener struct {
	nl net.Listener
	t  *Transport

	once   sync.Once
	closed chan struct{}
}

func (l *listener) Accept(ctx context.Context) (*transport.Conn, error) {
	nc, err := l.nl.Accept()
	if err != nil {
		select {
		case <-l.closed:
			return nil, transport.ErrListenerClosed
		default:
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}

	remote := nc.RemoteAddr().String()
	l.t.logger.Debug("accepted peer", watermill.LogFields{"address": remote})
	return transport.NewConn(transport.RoleAcceptor, remote, nc, l.t.opts, l.t.logger), nil
}

func (l *listener) Addr() string { return l.nl.Addr().String() }

func (l *listener) Close() error {
	var err error
	l.once.Do(func() {
		close(l.closed)
		err = l.nl.Close()
	})
	return err
}
