package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	configpkg "github.com/drblury/eventwire/internal/runtime/config"
	errspkg "github.com/drblury/eventwire/internal/runtime/errors"
	loggingpkg "github.com/drblury/eventwire/internal/runtime/logging"
	transportpkg "github.com/drblury/eventwire/transport"
	"github.com/drblury/eventwire/wire"

	// Built-in transports self-register with the default transport
	// registry.
	_ "github.com/drblury/eventwire/transport/fdpass"
	_ "github.com/drblury/eventwire/transport/inproc"
	_ "github.com/drblury/eventwire/transport/nats"
	_ "github.com/drblury/eventwire/transport/tcp"

	"github.com/prometheus/client_golang/prometheus"
)

const tracerName = "github.com/drblury/eventwire"

// BusDependencies holds the optional collaborators a Bus can use. Leave
// fields nil or zero to take the defaults.
type BusDependencies struct {
	// Hooks observe every handler invocation.
	Hooks DeliveryHooks

	// TransportRegistry overrides the default global transport registry.
	TransportRegistry *transportpkg.Registry

	// MetricsRegisterer receives the bus collectors when the config
	// enables metrics. Nil means the default Prometheus registerer.
	MetricsRegisterer prometheus.Registerer

	// TracerProvider overrides the global otel provider.
	TracerProvider trace.TracerProvider
}

// Bus is the event service: it owns the subscriber registry, the
// dispatcher, and the peer connections of one process. Subscribe during
// composition, then Start; Publish is valid until Close.
type Bus struct {
	Conf   *configpkg.Config
	Logger loggingpkg.ServiceLogger

	builder    *RegistryBuilder
	registry   *Registry
	dispatcher *dispatcher
	metrics    *BusMetrics
	tracer     trace.Tracer
	hooks      DeliveryHooks

	transportRegistry *transportpkg.Registry
	transport         transportpkg.Transport
	listener          transportpkg.Listener

	connsMu sync.Mutex
	conns   map[*transportpkg.Conn]struct{}

	resources *resourceTracker

	started atomic.Bool
	closed  atomic.Bool
	cancel  context.CancelFunc
	runCtx  context.Context
	wg      sync.WaitGroup
}

// TryNewBus constructs a Bus for the supplied configuration. Register
// subscribers on the returned Bus before calling Start.
func TryNewBus(conf *configpkg.Config, log loggingpkg.ServiceLogger, deps BusDependencies) (*Bus, error) {
	if conf == nil {
		return nil, errspkg.ErrConfigRequired
	}
	if log == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	if err := conf.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	log.Info("Creating event bus", loggingpkg.LogFields{
		"transport": conf.Transport,
		"config":    conf,
	})

	tp := deps.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}

	registry := deps.TransportRegistry
	if registry == nil {
		registry = transportpkg.DefaultRegistry
	}

	b := &Bus{
		Conf:              conf,
		Logger:            log,
		builder:           NewRegistryBuilder(),
		hooks:             deps.Hooks,
		tracer:            tp.Tracer(tracerName),
		transportRegistry: registry,
		conns:             make(map[*transportpkg.Conn]struct{}),
		resources:         newResourceTracker(),
	}

	if conf.MetricsEnabled {
		b.metrics = NewBusMetrics(deps.MetricsRegisterer)
		if err := b.metrics.Register(); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}

	return b, nil
}

// NewBus is TryNewBus that panics on error, for composition roots that
// treat a misconfigured bus as fatal.
func NewBus(conf *configpkg.Config, log loggingpkg.ServiceLogger, deps BusDependencies) *Bus {
	b, err := TryNewBus(conf, log, deps)
	if err != nil {
		panic(err)
	}
	return b
}

// RegisterEventType declares a schema and its decodable revisions
// without attaching a handler. Useful for types this process only
// publishes or forwards.
func (b *Bus) RegisterEventType(schema string, revisions ...uint8) error {
	if b.started.Load() {
		return errspkg.ErrBusStarted
	}
	return b.builder.RegisterEventType(schema, revisions...)
}

// Subscribe registers a handler during composition. After Start the
// subscription set is frozen.
func (b *Bus) Subscribe(cfg SubscriberRegistration) error {
	if b.started.Load() {
		return errspkg.ErrBusStarted
	}
	return b.builder.Register(cfg)
}

// Start seals the registry, builds the configured transport, dials the
// configured peers, and begins accepting inbound connections. It returns
// once the bus is running; delivery happens on background goroutines.
func (b *Bus) Start(ctx context.Context) error {
	if !b.started.CompareAndSwap(false, true) {
		return errspkg.ErrBusStarted
	}

	b.registry = b.builder.Seal()
	b.runCtx, b.cancel = context.WithCancel(context.Background())

	b.dispatcher = newDispatcher(
		b.registry,
		b.Conf.HandlerQueueSize,
		transportpkg.ParseBackpressurePolicy(b.Conf.BackpressurePolicy),
		b.Logger,
		b.metrics,
		b.tracer,
		b.hooks,
	)
	b.dispatcher.start(b.runCtx)

	wmLogger := loggingpkg.NewWatermillAdapter(b.Logger)

	opts := transportpkg.OptionsFromConfig(b.Conf)
	opts.Types = b.registry
	opts.Sink = b.deliverRemote
	opts.OnClose = b.onConnClose

	tr, err := b.transportRegistry.Build(ctx, b.Conf, opts, wmLogger)
	if err != nil {
		b.dispatcher.stop()
		b.cancel()
		return fmt.Errorf("build transport %q: %w", b.Conf.Transport, err)
	}
	b.transport = tr

	if b.Conf.ListenAddress != "" || b.Conf.Transport == "fdpass" {
		listener, err := tr.Listen(ctx, b.Conf.ListenAddress)
		if err != nil {
			b.teardown()
			return fmt.Errorf("listen on %q: %w", b.Conf.ListenAddress, err)
		}
		b.listener = listener
		b.wg.Add(1)
		go b.acceptLoop(listener)
	}

	for _, addr := range b.Conf.PeerAddresses {
		conn, err := tr.Dial(ctx, addr)
		if err != nil {
			b.teardown()
			return fmt.Errorf("dial peer %q: %w", addr, err)
		}
		b.trackConn(conn)
	}

	b.Logger.Info("Event bus started", loggingpkg.LogFields{
		"transport":   b.Conf.Transport,
		"subscribers": b.registry.SubscriberCount(),
		"peers":       len(b.Conf.PeerAddresses),
	})
	return nil
}

// Publish hands the event to every matching local subscription queue and
// every open peer connection, then returns. Delivery outcomes are
// reported through logs, metrics, and hooks, never to the publisher; the
// only synchronous failure is a saturated queue under the reject policy.
func (b *Bus) Publish(ctx context.Context, event Envelope) error {
	if !b.started.Load() || b.closed.Load() {
		return errspkg.ErrBusNotStarted
	}
	if event.Type == 0 && event.Schema == "" {
		return errspkg.ErrSchemaRequired
	}
	if event.Type == 0 {
		event.Type = wire.NewTypeID(event.Schema)
	}
	if event.Revision == 0 {
		event.Revision = DefaultRevision
	}

	var span trace.Span
	if b.tracer != nil {
		ctx, span = b.tracer.Start(ctx, "eventwire.publish", trace.WithAttributes(
			attribute.String("eventwire.schema", event.Schema),
			attribute.String("eventwire.event_id", event.ID),
		))
		defer span.End()
	}

	if b.metrics != nil {
		b.metrics.onPublish(event.Schema)
	}

	err := b.dispatcher.dispatchLocal(ctx, event)
	if fanErr := b.fanOut(ctx, event); err == nil {
		err = fanErr
	}
	if err != nil && span != nil {
		span.RecordError(err)
	}
	return err
}

// fanOut encodes the event once and enqueues the bytes on every open
// connection's outbound queue.
func (b *Bus) fanOut(ctx context.Context, event Envelope) error {
	conns := b.snapshotConns()
	if len(conns) == 0 {
		return nil
	}

	encoded := wire.Encode(event.Frame())
	var rejected bool
	for _, conn := range conns {
		err := conn.SendEncoded(ctx, encoded)
		switch {
		case err == nil:
			if b.metrics != nil {
				b.metrics.onFrameSent()
			}
		case errors.Is(err, transportpkg.ErrBackpressureExceeded):
			rejected = true
			if b.metrics != nil {
				b.metrics.onRejected(event.Schema)
			}
			b.Logger.Debug("Peer queue full, frame rejected", loggingpkg.LogFields{
				"remote":   conn.RemoteAddr(),
				"schema":   event.Schema,
				"event_id": event.ID,
			})
		case errors.Is(err, transportpkg.ErrConnClosed):
			// The close callback untracks it; nothing to do here.
		default:
			b.Logger.Error("Failed to enqueue frame", err, loggingpkg.LogFields{
				"remote": conn.RemoteAddr(),
				"schema": event.Schema,
			})
		}
	}
	if rejected {
		return errspkg.ErrBackpressureExceeded
	}
	return nil
}

// Connect dials one additional peer on the running bus.
func (b *Bus) Connect(ctx context.Context, address string) error {
	if !b.started.Load() || b.closed.Load() {
		return errspkg.ErrBusNotStarted
	}
	conn, err := b.transport.Dial(ctx, address)
	if err != nil {
		return err
	}
	b.trackConn(conn)
	return nil
}

// Subscribers lists the registered subscriptions with live stats. Valid
// after Start.
func (b *Bus) Subscribers() []SubscriberInfo {
	if b.dispatcher == nil {
		return nil
	}
	return b.dispatcher.infos()
}

// Resources samples the process's current CPU, memory, and goroutine
// usage.
func (b *Bus) Resources() ResourceUsage {
	return b.resources.Snapshot()
}

// ConnCount reports the open peer connections.
func (b *Bus) ConnCount() int {
	b.connsMu.Lock()
	defer b.connsMu.Unlock()
	return len(b.conns)
}

// Close stops accepting, closes every connection (flushing queued
// frames), drains the subscription queues, and shuts the transport down.
func (b *Bus) Close() error {
	if !b.started.Load() {
		return errspkg.ErrBusNotStarted
	}
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	b.teardown()
	b.Logger.Info("Event bus closed", nil)
	return nil
}

func (b *Bus) teardown() {
	b.closed.Store(true)
	if b.listener != nil {
		_ = b.listener.Close()
	}
	for _, conn := range b.snapshotConns() {
		_ = conn.Close()
	}
	b.wg.Wait()
	if b.dispatcher != nil {
		b.dispatcher.stop()
	}
	if b.transport != nil {
		_ = b.transport.Close()
	}
	if b.cancel != nil {
		b.cancel()
	}
}

func (b *Bus) acceptLoop(listener transportpkg.Listener) {
	defer b.wg.Done()
	for {
		conn, err := listener.Accept(b.runCtx)
		if err != nil {
			if !errors.Is(err, transportpkg.ErrListenerClosed) && !errors.Is(err, context.Canceled) {
				b.Logger.Error("Accept failed", err, nil)
			}
			return
		}
		b.trackConn(conn)
	}
}

func (b *Bus) trackConn(conn *transportpkg.Conn) {
	b.connsMu.Lock()
	b.conns[conn] = struct{}{}
	b.connsMu.Unlock()
	if b.metrics != nil {
		b.metrics.onConnOpened()
	}
	b.Logger.Info("Peer connection open", loggingpkg.LogFields{
		"remote": conn.RemoteAddr(),
		"role":   conn.Role().String(),
	})
}

func (b *Bus) snapshotConns() []*transportpkg.Conn {
	b.connsMu.Lock()
	defer b.connsMu.Unlock()
	conns := make([]*transportpkg.Conn, 0, len(b.conns))
	for conn := range b.conns {
		conns = append(conns, conn)
	}
	return conns
}

// deliverRemote is the frame sink attached to every connection. Blocking
// here stalls only the delivering connection's read loop, which is the
// remote backpressure signal.
func (b *Bus) deliverRemote(conn *transportpkg.Conn, f wire.Frame) {
	if b.metrics != nil {
		b.metrics.onFrameReceived()
	}

	schema, ok := b.registry.SchemaFor(f.Type)
	if !ok {
		// The decoder already rejects unknown tags when a type table is
		// attached; this guards transports built without one.
		b.Logger.Debug("Dropping frame with unknown type", loggingpkg.LogFields{
			"type":   f.Type,
			"remote": conn.RemoteAddr(),
		})
		return
	}

	event := envelopeFromFrame(f, schema)
	b.dispatcher.dispatchInbound(b.runCtx, event)
}

func (b *Bus) onConnClose(conn *transportpkg.Conn, reason error) {
	b.connsMu.Lock()
	_, tracked := b.conns[conn]
	delete(b.conns, conn)
	b.connsMu.Unlock()

	if !tracked {
		return
	}
	if b.metrics != nil {
		b.metrics.onConnClosed()
	}

	fields := loggingpkg.LogFields{"remote": conn.RemoteAddr()}
	if reason != nil {
		b.Logger.Error("Peer connection closed", reason, fields)
		return
	}
	b.Logger.Info("Peer connection closed", fields)
}
