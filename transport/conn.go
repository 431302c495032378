package transport

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill"

	"github.com/drblury/eventwire/wire"
)

// Role records which side initiated a connection.
type Role int

const (
	RoleInitiator Role = iota
	RoleAcceptor
)

func (r Role) String() string {
	if r == RoleAcceptor {
		return "acceptor"
	}
	return "initiator"
}

// State is the connection lifecycle state. Transitions only move forward:
// Connecting -> Open -> Closing -> Closed.
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	default:
		return "closed"
	}
}

var (
	// ErrConnClosed reports a send on a connection that is no longer open.
	ErrConnClosed = errors.New("transport: connection closed")

	// ErrBackpressureExceeded reports a full outbound queue under the
	// reject policy.
	ErrBackpressureExceeded = errors.New("transport: outbound queue full")

	// ErrIdleTimeout is the close reason for connections collected by the
	// idle window.
	ErrIdleTimeout = errors.New("transport: connection idle")
)

const defaultQueueSize = 64

// Conn is one framed peer connection. The connection manager runs two
// independent loops per Conn: a read/decode loop feeding inbound frames to
// the sink and a write/encode loop draining the bounded outbound queue, so
// a slow reader never blocks writes and vice versa. The outbound queue is
// the only steady-state shared mutable resource and is synchronised
// independently per connection.
type Conn struct {
	role   Role
	remote string
	stream io.ReadWriteCloser
	opts   ConnOptions
	logger watermill.LoggerAdapter

	decoder wire.Decoder

	// outMu fences senders against teardown: enqueues hold the read side,
	// and the shutdown goroutine takes the write side for the final drain
	// before marking the queue drained. A send that wins the enqueue race
	// is therefore always written before the stream closes.
	outMu   sync.RWMutex
	drained bool
	out     chan []byte

	state        atomic.Int32
	lastActivity atomic.Int64
	framesIn     atomic.Uint64
	framesOut    atomic.Uint64

	closing   chan struct{}
	closed    chan struct{}
	writeDone chan struct{}
	closeOnce sync.Once

	reasonMu sync.Mutex
	reason   error
}

// NewConn wraps an established bidirectional stream as an Open connection
// and starts its loops. The transport performs any dial/accept handshake
// before calling NewConn; the stream must already be ready to carry frames.
func NewConn(role Role, remote string, stream io.ReadWriteCloser, opts ConnOptions, logger watermill.LoggerAdapter) *Conn {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	queueSize := opts.QueueSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}

	c := &Conn{
		role:      role,
		remote:    remote,
		stream:    stream,
		opts:      opts,
		logger:    logger.With(watermill.LogFields{"remote": remote, "role": role.String()}),
		decoder:   wire.Decoder{Types: opts.Types, MaxFrameSize: opts.MaxFrameSize},
		out:       make(chan []byte, queueSize),
		closing:   make(chan struct{}),
		closed:    make(chan struct{}),
		writeDone: make(chan struct{}),
	}
	c.state.Store(int32(StateOpen))
	c.touch()

	go c.readLoop()
	go c.writeLoop()
	if opts.IdleTimeout > 0 {
		go c.idleLoop()
	}
	return c
}

// Role reports which side initiated the connection.
func (c *Conn) Role() Role { return c.role }

// RemoteAddr is the peer address as understood by the transport.
func (c *Conn) RemoteAddr() string { return c.remote }

// State returns the current lifecycle state.
func (c *Conn) State() State { return State(c.state.Load()) }

// Done is closed when the connection starts shutting down. Sinks that may
// block should select on it.
func (c *Conn) Done() <-chan struct{} { return c.closing }

// Err returns the close reason, or nil for an orderly local close. It is
// only meaningful once Done is closed.
func (c *Conn) Err() error {
	c.reasonMu.Lock()
	defer c.reasonMu.Unlock()
	return c.reason
}

// FramesReceived counts decoded inbound frames.
func (c *Conn) FramesReceived() uint64 { return c.framesIn.Load() }

// FramesSent counts frames written to the stream.
func (c *Conn) FramesSent() uint64 { return c.framesOut.Load() }

// Send encodes f and enqueues it for the write loop.
func (c *Conn) Send(ctx context.Context, f wire.Frame) error {
	return c.SendEncoded(ctx, wire.Encode(f))
}

// SendEncoded enqueues pre-encoded frame bytes. The caller must not modify
// frame after the call; fan-out paths share one encoding across
// connections. Under the reject policy a full queue fails immediately with
// ErrBackpressureExceeded; under the block policy the call waits for queue
// space, ctx cancellation, or connection shutdown.
func (c *Conn) SendEncoded(ctx context.Context, frame []byte) error {
	if c.State() != StateOpen {
		return ErrConnClosed
	}

	c.outMu.RLock()
	defer c.outMu.RUnlock()
	if c.drained {
		return ErrConnClosed
	}

	if c.opts.Policy == BackpressureBlock {
		select {
		case c.out <- frame:
			return nil
		case <-c.closing:
			return ErrConnClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	select {
	case c.out <- frame:
		return nil
	case <-c.closing:
		return ErrConnClosed
	default:
		return ErrBackpressureExceeded
	}
}

// Close requests an orderly shutdown: queued outbound frames are flushed,
// the stream is closed, and the descriptor is released. Close blocks until
// the connection reaches Closed.
func (c *Conn) Close() error {
	c.shutdown(nil)
	<-c.closed
	return nil
}

// shutdown moves the connection to Closing exactly once and runs the
// teardown sequence in the background. reason is nil for an orderly close.
func (c *Conn) shutdown(reason error) {
	c.closeOnce.Do(func() {
		c.reasonMu.Lock()
		c.reason = reason
		c.reasonMu.Unlock()

		c.state.Store(int32(StateClosing))
		close(c.closing)

		if reason != nil {
			c.logger.Error("Closing connection", reason, nil)
		} else {
			c.logger.Debug("Closing connection", nil)
		}

		go func() {
			// Let the write loop flush queued frames before the stream
			// goes away; closing the stream also unblocks a pending read.
			<-c.writeDone
			// A sender racing the write loop's exit can still win the
			// enqueue select after that flush ran. Drain once more under
			// the write lock so every accepted frame reaches the stream,
			// then fail all later sends up front.
			c.outMu.Lock()
			c.flush()
			c.drained = true
			c.outMu.Unlock()
			_ = c.stream.Close()
			c.state.Store(int32(StateClosed))
			close(c.closed)
			if c.opts.OnClose != nil {
				c.opts.OnClose(c, reason)
			}
		}()
	})
}

func (c *Conn) readLoop() {
	buf := make([]byte, 0, 4096)
	chunk := make([]byte, 4096)

	for {
		consumed := 0
		for {
			f, n, err := c.decoder.Decode(buf[consumed:])
			if errors.Is(err, wire.ErrNeedMoreData) {
				break
			}
			if err != nil {
				// A malformed or unknown frame poisons the whole stream;
				// only this connection is affected.
				c.shutdown(err)
				return
			}
			consumed += n
			c.framesIn.Add(1)
			c.touch()
			if c.opts.Sink != nil {
				c.opts.Sink(c, f)
			}
		}
		if consumed > 0 {
			buf = append(buf[:0], buf[consumed:]...)
		}

		n, err := c.stream.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
		}
		if err != nil {
			select {
			case <-c.closing:
				// Read unblocked by our own teardown.
			default:
				c.shutdown(err)
			}
			return
		}
	}
}

func (c *Conn) writeLoop() {
	defer close(c.writeDone)

	for {
		select {
		case frame := <-c.out:
			if !c.writeFrame(frame) {
				return
			}
		case <-c.closing:
			c.flush()
			return
		}
	}
}

// flush drains frames already queued at shutdown. Anything that cannot be
// written is abandoned with the stream.
func (c *Conn) flush() {
	for {
		select {
		case frame := <-c.out:
			if !c.writeFrame(frame) {
				return
			}
		default:
			return
		}
	}
}

func (c *Conn) writeFrame(frame []byte) bool {
	if _, err := c.stream.Write(frame); err != nil {
		c.shutdown(err)
		return false
	}
	c.framesOut.Add(1)
	c.touch()
	return true
}

func (c *Conn) idleLoop() {
	timer := time.NewTimer(c.opts.IdleTimeout)
	defer timer.Stop()

	for {
		select {
		case <-c.closing:
			return
		case <-timer.C:
			idle := time.Since(time.Unix(0, c.lastActivity.Load()))
			if idle >= c.opts.IdleTimeout {
				c.shutdown(ErrIdleTimeout)
				return
			}
			timer.Reset(c.opts.IdleTimeout - idle)
		}
	}
}

func (c *Conn) touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}
