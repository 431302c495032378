package runtime

import (
	"time"

	loggingpkg "github.com/drblury/eventwire/internal/runtime/logging"
)

// DeliveryContext describes one handler invocation to hooks.
type DeliveryContext struct {
	// Subscriber is the registered subscription name.
	Subscriber string
	// Schema is the event's canonical schema name.
	Schema string
	// EventID correlates this delivery with log lines and traces.
	EventID string
	// StartedAt is when the handler was invoked.
	StartedAt time.Time
	// Duration is how long the handler ran (set for done and failed).
	Duration time.Duration
}

// DeliveryHooks are optional callbacks around each handler invocation.
// Nil hooks are simply not called. Hooks run on the subscription worker
// goroutine; slow hooks delay that subscription only.
type DeliveryHooks struct {
	OnDeliveryStart func(ctx DeliveryContext)
	OnDeliveryDone  func(ctx DeliveryContext)

	// OnDeliveryFailed fires for handler errors and recovered panics.
	OnDeliveryFailed func(ctx DeliveryContext, err error)
}

// Merge combines two hook sets; other's callbacks run after h's.
func (h DeliveryHooks) Merge(other DeliveryHooks) DeliveryHooks {
	return DeliveryHooks{
		OnDeliveryStart:  chainHooks(h.OnDeliveryStart, other.OnDeliveryStart),
		OnDeliveryDone:   chainHooks(h.OnDeliveryDone, other.OnDeliveryDone),
		OnDeliveryFailed: chainFailedHooks(h.OnDeliveryFailed, other.OnDeliveryFailed),
	}
}

func chainHooks(a, b func(DeliveryContext)) func(DeliveryContext) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx DeliveryContext) {
		a(ctx)
		b(ctx)
	}
}

func chainFailedHooks(a, b func(DeliveryContext, error)) func(DeliveryContext, error) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx DeliveryContext, err error) {
		a(ctx, err)
		b(ctx, err)
	}
}

// LoggingHooks returns hooks that log every delivery outcome.
func LoggingHooks(logger loggingpkg.ServiceLogger) DeliveryHooks {
	return DeliveryHooks{
		OnDeliveryDone: func(ctx DeliveryContext) {
			logger.Debug("Event delivered", loggingpkg.LogFields{
				"subscriber":  ctx.Subscriber,
				"schema":      ctx.Schema,
				"event_id":    ctx.EventID,
				"duration_ms": ctx.Duration.Milliseconds(),
			})
		},
		OnDeliveryFailed: func(ctx DeliveryContext, err error) {
			logger.Error("Event delivery failed", err, loggingpkg.LogFields{
				"subscriber":  ctx.Subscriber,
				"schema":      ctx.Schema,
				"event_id":    ctx.EventID,
				"duration_ms": ctx.Duration.Milliseconds(),
			})
		},
	}
}

// AlertingHooks returns hooks that call alertFunc on every failed
// delivery.
func AlertingHooks(alertFunc func(ctx DeliveryContext, err error)) DeliveryHooks {
	return DeliveryHooks{OnDeliveryFailed: alertFunc}
}
