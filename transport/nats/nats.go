// Package nats provides the NATS transport. A listen address is a NATS
// subject; dialing performs a request/reply handshake on it, after which
// each connection exchanges frames over its own subject pair. NATS
// messages already carry boundaries, so each message holds exactly one
// encoded frame and the codec never has to reassemble across messages.
package nats

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	natsgo "github.com/nats-io/nats.go"

	"github.com/drblury/eventwire/transport"
)

// TransportName is the config value selecting this transport.
const TransportName = "nats"

const inboundBuffer = 64

// ConnectFactory opens the NATS connection for a transport. Tests
// replace it to point at an embedded or mock server.
var ConnectFactory = func(url string) (*natsgo.Conn, error) {
	return natsgo.Connect(url, natsgo.Name("eventwire"))
}

func init() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.NATSCapabilities)
}

// Build connects to the NATS server named by the config.
func Build(ctx context.Context, cfg transport.Config, opts transport.ConnOptions, logger watermill.LoggerAdapter) (transport.Transport, error) {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	url := cfg.GetNATSURL()
	if url == "" {
		return nil, fmt.Errorf("nats: server URL is required")
	}

	nc, err := ConnectFactory(url)
	if err != nil {
		return nil, fmt.Errorf("nats: connect %q: %w", url, err)
	}

	return &Transport{
		nc:     nc,
		opts:   opts,
		logger: logger.With(watermill.LogFields{"transport": TransportName}),
	}, nil
}

// Transport implements transport.Transport over NATS subjects.
type Transport struct {
	nc     *natsgo.Conn
	opts   transport.ConnOptions
	logger watermill.LoggerAdapter
}

// Dial performs the accept handshake on the subject and returns an
// initiator connection once a listener has answered.
func (t *Transport) Dial(ctx context.Context, subject string) (*transport.Conn, error) {
	id := strings.TrimPrefix(natsgo.NewInbox(), "_INBOX.")
	base := subject + ".conn." + id

	inbound := make(chan *natsgo.Msg, inboundBuffer)
	sub, err := t.nc.ChanSubscribe(base+".a2i", inbound)
	if err != nil {
		return nil, err
	}

	if _, err := t.nc.RequestWithContext(ctx, subject+".accept", []byte(base)); err != nil {
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("nats: handshake on %q: %w", subject, err)
	}

	stream := newMsgStream(t.nc, base+".i2a", inbound, sub)
	return transport.NewConn(transport.RoleInitiator, base, stream, t.opts, t.logger), nil
}

// Listen subscribes the subject's handshake topic.
func (t *Transport) Listen(ctx context.Context, subject string) (transport.Listener, error) {
	accepts := make(chan *natsgo.Msg, 16)
	sub, err := t.nc.ChanSubscribe(subject+".accept", accepts)
	if err != nil {
		return nil, err
	}

	l := &listener{
		t:       t,
		subject: subject,
		accepts: accepts,
		sub:     sub,
		closed:  make(chan struct{}),
	}
	go func() {
		select {
		case <-ctx.Done():
			_ = l.Close()
		case <-l.closed:
		}
	}()
	return l, nil
}

// Close drops the server connection; all connections on it die with it.
func (t *Transport) Close() error {
	t.nc.Close()
	return nil
}

type listener struct {
	t       *Transport
	subject string
	accepts chan *natsgo.Msg
	sub     *natsgo.Subscription

	once   sync.Once
	closed chan struct{}
}

func (l *listener) Accept(ctx context.Context) (*transport.Conn, error) {
	select {
	case m := <-l.accepts:
		base := string(m.Data)

		inbound := make(chan *natsgo.Msg, inboundBuffer)
		sub, err := l.t.nc.ChanSubscribe(base+".i2a", inbound)
		if err != nil {
			return nil, err
		}
		// Answer only after the data subscription exists, so the dialer
		// cannot publish into the void.
		if err := m.Respond([]byte("ok")); err != nil {
			_ = sub.Unsubscribe()
			return nil, err
		}

		stream := newMsgStream(l.t.nc, base+".a2i", inbound, sub)
		return transport.NewConn(transport.RoleAcceptor, base, stream, l.t.opts, l.t.logger), nil

	case <-l.closed:
		return nil, transport.ErrListenerClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *listener) Addr() string { return l.subject }

func (l *listener) Close() error {
	var err error
	l.once.Do(func() {
		close(l.closed)
		err = l.sub.Unsubscribe()
	})
	return err
}

// msgStream adapts a subject pair to the byte stream the connection
// manager expects. Each Write publishes one message carrying one frame.
type msgStream struct {
	nc         *natsgo.Conn
	outSubject string
	inbound    chan *natsgo.Msg
	sub        *natsgo.Subscription

	pending []byte
	once    sync.Once
	closed  chan struct{}
}

func newMsgStream(nc *natsgo.Conn, outSubject string, inbound chan *natsgo.Msg, sub *natsgo.Subscription) *msgStream {
	return &msgStream{
		nc:         nc,
		outSubject: outSubject,
		inbound:    inbound,
		sub:        sub,
		closed:     make(chan struct{}),
	}
}

func (s *msgStream) Read(p []byte) (int, error) {
	for len(s.pending) == 0 {
		select {
		case m := <-s.inbound:
			s.pending = m.Data
		case <-s.closed:
			return 0, io.EOF
		}
	}
	n := copy(p, s.pending)
	s.pending = s.pending[n:]
	return n, nil
}

func (s *msgStream) Write(p []byte) (int, error) {
	select {
	case <-s.closed:
		return 0, io.ErrClosedPipe
	default:
	}
	if err := s.nc.Publish(s.outSubject, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (s *msgStream) Close() error {
	var err error
	s.once.Do(func() {
		close(s.closed)
		err = s.sub.Unsubscribe()
	})
	return err
}
