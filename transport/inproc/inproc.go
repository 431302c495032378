// Package inproc provides the in-process transport, built on watermill's
// gochannel Pub/Sub. It links buses living in the same process through a
// shared named channel space: Listen subscribes an address, Dial performs
// a small topic handshake against it, and every established connection
// gets a private topic pair. Subscribers on the same bus never touch this
// package; the dispatcher hands them events directly.
package inproc

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/drblury/eventwire/transport"
)

// TransportName is the config value selecting this transport.
const TransportName = "inproc"

func init() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.InprocCapabilities)
}

// Addresses share one process-global channel space per name, so two
// buses built independently can still find each other.
var (
	spacesMu sync.Mutex
	spaces   = map[string]*gochannel.GoChannel{}
)

func channelSpace(address string, logger watermill.LoggerAdapter) *gochannel.GoChannel {
	spacesMu.Lock()
	defer spacesMu.Unlock()
	if gc, ok := spaces[address]; ok {
		return gc
	}
	// Without BlockPublishUntilSubscriberAck the pub/sub spawns one
	// goroutine per published message and frames can overtake each other
	// on the way to the peer's read loop.
	gc := gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer:            64,
		BlockPublishUntilSubscriberAck: true,
	}, logger)
	spaces[address] = gc
	return gc
}

func topicAccept(address string) string         { return address + "/accept" }
func topicOK(address, id string) string         { return address + "/" + id + "/ok" }
func topicToAcceptor(address, id string) string { return address + "/" + id + "/i2a" }
func topicToDialer(address, id string) string   { return address + "/" + id + "/a2i" }

// Build creates an in-process transport.
func Build(ctx context.Context, cfg transport.Config, opts transport.ConnOptions, logger watermill.LoggerAdapter) (transport.Transport, error) {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	return &Transport{
		opts:   opts,
		logger: logger.With(watermill.LogFields{"transport": TransportName}),
	}, nil
}

// Transport implements transport.Transport over shared in-process
// channels.
type Transport struct {
	opts   transport.ConnOptions
	logger watermill.LoggerAdapter
}

// Dial connects to an address that some bus in this process is
// listening on. It fails when the handshake gets no answer before ctx
// ends, which is how an absent listener shows up.
func (t *Transport) Dial(ctx context.Context, address string) (*transport.Conn, error) {
	gc := channelSpace(address, t.logger)
	id := watermill.NewUUID()

	connCtx, cancel := context.WithCancel(context.Background())

	okCh, err := gc.Subscribe(connCtx, topicOK(address, id))
	if err != nil {
		cancel()
		return nil, err
	}
	inbound, err := gc.Subscribe(connCtx, topicToDialer(address, id))
	if err != nil {
		cancel()
		return nil, err
	}

	if err := gc.Publish(topicAccept(address), message.NewMessage(id, []byte(id))); err != nil {
		cancel()
		return nil, err
	}

	select {
	case m, ok := <-okCh:
		if !ok {
			cancel()
			return nil, fmt.Errorf("inproc: handshake channel closed for %q", address)
		}
		m.Ack()
	case <-ctx.Done():
		cancel()
		return nil, fmt.Errorf("inproc: no listener on %q: %w", address, ctx.Err())
	}

	stream := newMsgStream(gc, topicToAcceptor(address, id), inbound, cancel)
	return transport.NewConn(transport.RoleInitiator, address+"/"+id, stream, t.opts, t.logger), nil
}

// Listen subscribes the address's handshake topic. Dials from anywhere
// in the process surface as accepted connections.
func (t *Transport) Listen(ctx context.Context, address string) (transport.Listener, error) {
	gc := channelSpace(address, t.logger)

	lctx, cancel := context.WithCancel(context.Background())
	acceptCh, err := gc.Subscribe(lctx, topicAccept(address))
	if err != nil {
		cancel()
		return nil, err
	}

	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-lctx.Done():
		}
	}()

	return &listener{
		t:       t,
		gc:      gc,
		address: address,
		accepts: acceptCh,
		cancel:  cancel,
		done:    lctx.Done(),
	}, nil
}

// Close is a no-op; the shared channel space outlives any one transport.
func (t *Transport) Close() error { return nil }

type listener struct {
	t       *Transport
	gc      *gochannel.GoChannel
	address string
	accepts <-chan *message.Message
	cancel  context.CancelFunc
	done    <-chan struct{}
}

func (l *listener) Accept(ctx context.Context) (*transport.Conn, error) {
	select {
	case m, ok := <-l.accepts:
		if !ok {
			return nil, transport.ErrListenerClosed
		}
		m.Ack()
		id := string(m.Payload)

		connCtx, cancel := context.WithCancel(context.Background())
		inbound, err := l.gc.Subscribe(connCtx, topicToAcceptor(l.address, id))
		if err != nil {
			cancel()
			return nil, err
		}
		// Reply only after the data subscription exists, so the dialer
		// cannot outrun us.
		if err := l.gc.Publish(topicOK(l.address, id), message.NewMessage(id, nil)); err != nil {
			cancel()
			return nil, err
		}

		stream := newMsgStream(l.gc, topicToDialer(l.address, id), inbound, cancel)
		return transport.NewConn(transport.RoleAcceptor, l.address+"/"+id, stream, l.t.opts, l.t.logger), nil

	case <-l.done:
		return nil, transport.ErrListenerClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *listener) Addr() string { return l.address }

func (l *listener) Close() error {
	l.cancel()
	return nil
}

// msgStream adapts a topic pair to the byte stream the connection
// manager expects. Each Write publishes one message; Read drains
// received payloads in order.
type msgStream struct {
	gc       *gochannel.GoChannel
	outTopic string
	inbound  <-chan *message.Message
	cancel   context.CancelFunc

	pending []byte
	once    sync.Once
	closed  chan struct{}
}

func newMsgStream(gc *gochannel.GoChannel, outTopic string, inbound <-chan *message.Message, cancel context.CancelFunc) *msgStream {
	return &msgStream{
		gc:       gc,
		outTopic: outTopic,
		inbound:  inbound,
		cancel:   cancel,
		closed:   make(chan struct{}),
	}
}

func (s *msgStream) Read(p []byte) (int, error) {
	for len(s.pending) == 0 {
		select {
		case m, ok := <-s.inbound:
			if !ok {
				return 0, io.EOF
			}
			m.Ack()
			s.pending = m.Payload
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
	buf := make([]byte, len(p))
	copy(buf, p)
	if err := s.gc.Publish(s.outTopic, message.NewMessage(watermill.NewUUID(), buf)); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (s *msgStream) Close() error {
	s.once.Do(func() {
		close(s.closed)
		s.cancel()
	})
	return nil
}
