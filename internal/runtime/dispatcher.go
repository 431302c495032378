package runtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	errspkg "github.com/drblury/eventwire/internal/runtime/errors"
	loggingpkg "github.com/drblury/eventwire/internal/runtime/logging"
	transportpkg "github.com/drblury/eventwire/transport"
	"github.com/drblury/eventwire/wire"
)

const defaultHandlerQueueSize = 256

// dispatcher fans published events out to subscription workers. Each
// subscription owns a dedicated goroutine draining a bounded FIFO queue,
// so one handler's order is the publish order and a slow or failing
// handler never delays its siblings.
type dispatcher struct {
	registry *Registry
	logger   loggingpkg.ServiceLogger
	metrics  *BusMetrics
	tracer   trace.Tracer
	hooks    DeliveryHooks
	policy   transportpkg.BackpressurePolicy

	workers map[wire.TypeID][]*subscriptionWorker
	all     []*subscriptionWorker

	done chan struct{}
	wg   sync.WaitGroup
}

type subscriptionWorker struct {
	sub   *subscription
	queue chan Envelope
	stats *subscriberTracker
}

func newDispatcher(
	registry *Registry,
	queueSize int,
	policy transportpkg.BackpressurePolicy,
	logger loggingpkg.ServiceLogger,
	metrics *BusMetrics,
	tracer trace.Tracer,
	hooks DeliveryHooks,
) *dispatcher {
	if queueSize <= 0 {
		queueSize = defaultHandlerQueueSize
	}

	d := &dispatcher{
		registry: registry,
		logger:   logger,
		metrics:  metrics,
		tracer:   tracer,
		hooks:    hooks,
		policy:   policy,
		workers:  make(map[wire.TypeID][]*subscriptionWorker),
		done:     make(chan struct{}),
	}

	for id, subs := range registry.subscriptions {
		for _, sub := range subs {
			size := sub.queueSize
			if size <= 0 {
				size = queueSize
			}
			w := &subscriptionWorker{
				sub:   sub,
				queue: make(chan Envelope, size),
				stats: newSubscriberTracker(),
			}
			d.workers[id] = append(d.workers[id], w)
			d.all = append(d.all, w)
		}
	}
	return d
}

// start launches one goroutine per subscription. ctx is the bus run
// context; handlers receive it.
func (d *dispatcher) start(ctx context.Context) {
	for _, w := range d.all {
		d.wg.Add(1)
		go d.run(ctx, w)
	}
}

// stop drains queued deliveries and waits for all workers to exit.
func (d *dispatcher) stop() {
	close(d.done)
	d.wg.Wait()
}

// dispatchLocal enqueues the event onto every matching subscription
// queue and returns after handoff. Under the reject policy a saturated
// queue skips that subscriber and surfaces ErrBackpressureExceeded once.
func (d *dispatcher) dispatchLocal(ctx context.Context, event Envelope) error {
	select {
	case <-d.done:
		return errspkg.ErrBusNotStarted
	default:
	}

	var rejected bool
	for _, w := range d.workers[event.Type] {
		if d.policy == transportpkg.BackpressureBlock {
			select {
			case w.queue <- event:
			case <-ctx.Done():
				return ctx.Err()
			case <-d.done:
				return errspkg.ErrBusNotStarted
			}
			continue
		}

		select {
		case w.queue <- event:
		default:
			rejected = true
			if d.metrics != nil {
				d.metrics.onRejected(event.Schema)
			}
			d.logger.Debug("Subscriber queue full, event rejected", loggingpkg.LogFields{
				"subscriber": w.sub.name,
				"schema":     event.Schema,
				"event_id":   event.ID,
			})
		}
	}
	if rejected {
		return errspkg.ErrBackpressureExceeded
	}
	return nil
}

// dispatchInbound delivers an event decoded from a peer connection. It
// always blocks on a full queue: stalling the delivering connection's
// read loop is the remote backpressure signal.
func (d *dispatcher) dispatchInbound(ctx context.Context, event Envelope) {
	for _, w := range d.workers[event.Type] {
		select {
		case w.queue <- event:
		case <-ctx.Done():
			return
		case <-d.done:
			return
		}
	}
}

func (d *dispatcher) run(ctx context.Context, w *subscriptionWorker) {
	defer d.wg.Done()
	for {
		select {
		case event := <-w.queue:
			d.deliver(ctx, w, event)
		case <-d.done:
			for {
				select {
				case event := <-w.queue:
					d.deliver(ctx, w, event)
				default:
					return
				}
			}
		}
	}
}

func (d *dispatcher) deliver(ctx context.Context, w *subscriptionWorker, event Envelope) {
	dctx := DeliveryContext{
		Subscriber: w.sub.name,
		Schema:     event.Schema,
		EventID:    event.ID,
		StartedAt:  time.Now(),
	}
	if d.hooks.OnDeliveryStart != nil {
		d.hooks.OnDeliveryStart(dctx)
	}

	spanCtx := ctx
	var span trace.Span
	if d.tracer != nil {
		spanCtx, span = d.tracer.Start(ctx, "eventwire.handle", trace.WithAttributes(
			attribute.String("eventwire.schema", event.Schema),
			attribute.String("eventwire.subscriber", w.sub.name),
			attribute.String("eventwire.event_id", event.ID),
		))
	}

	start := time.Now()
	panicked, err := safeInvoke(spanCtx, w.sub.handler, event)
	duration := time.Since(start)
	dctx.Duration = duration

	w.stats.onDelivered(duration, err, panicked)
	if d.metrics != nil {
		d.metrics.onDelivered(event.Schema, w.sub.name, duration.Seconds(), err != nil, panicked)
	}

	if span != nil {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}

	if err != nil {
		d.logger.Error("Handler failed", err, loggingpkg.LogFields{
			"subscriber": w.sub.name,
			"schema":     event.Schema,
			"event_id":   event.ID,
			"panicked":   panicked,
		})
		if d.hooks.OnDeliveryFailed != nil {
			d.hooks.OnDeliveryFailed(dctx, err)
		}
		return
	}
	if d.hooks.OnDeliveryDone != nil {
		d.hooks.OnDeliveryDone(dctx)
	}
}

// safeInvoke runs the handler with panic isolation. A panicking handler
// fails only its own delivery.
func safeInvoke(ctx context.Context, h Handler, event Envelope) (panicked bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			panicked = true
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	err = h(ctx, event)
	return
}

// infos snapshots every subscription for introspection.
func (d *dispatcher) infos() []SubscriberInfo {
	infos := make([]SubscriberInfo, 0, len(d.all))
	for _, w := range d.all {
		infos = append(infos, SubscriberInfo{
			Name:      w.sub.name,
			Schema:    w.sub.schema,
			QueueSize: cap(w.queue),
			Stats:     w.stats.Snapshot(),
		})
	}
	return infos
}
