/*
Package runtime provides the core event bus for eventwire.

# Architecture Overview

The runtime package implements a typed publish/subscribe core. Events
carry a type tag derived from their schema name; subscriptions bind a
named handler to one type. Delivery is asynchronous: each subscription
owns a dedicated worker goroutine draining a bounded FIFO queue, and
peer processes receive the same events as length-prefixed frames over
the configured transport.

# Package Structure

## Core Bus (service.go)

The Bus struct is the central orchestrator that wires together:
  - Subscriber registry (sealed at Start)
  - Dispatcher with per-subscription workers
  - Transport, listener, and peer connections
  - Prometheus metrics and OpenTelemetry tracing

## Registration (registry.go, registration_*.go)

  - registry.go: Two-phase builder producing the immutable registry
  - registration_json.go: Typed JSON subscribers and publishing
  - registration_proto.go: Typed Protocol Buffer subscribers

## Dispatch (dispatcher.go, hooks.go)

The dispatcher enqueues published events onto subscription queues and
the bus fans frames out to peer connections. Handler failures and
panics are recovered per invocation and reported through logs, metrics,
stats, and the optional DeliveryHooks; they never reach the publisher.

## Stats & Monitoring (stats.go, resources.go, metrics.go)

Per-subscription delivery counters with latency percentiles and an
error breakdown by outward class, plus coarse process resource
sampling and the Prometheus collectors.

# Sub-packages

  - config/: Bus configuration with validation
  - errors/: Sentinel errors and outward classification
  - ids/: ULID generation for event IDs
  - jsoncodec/: JSON marshaling utilities
  - logging/: Logger contract and slog/watermill adapters

# Usage Example

	cfg := &config.Config{
		Transport:      "tcp",
		ListenAddress:  ":7600",
		MetricsEnabled: true,
	}

	bus, err := runtime.TryNewBus(cfg, logger, runtime.BusDependencies{})
	if err != nil {
		return err
	}

	err = runtime.RegisterJSONSubscriber(bus, runtime.JSONSubscriberRegistration[OrderCreated]{
		Schema:  "orders.created",
		Name:    "order-processor",
		Handler: processOrder,
	})
	if err != nil {
		return err
	}

	if err := bus.Start(ctx); err != nil {
		return err
	}
	defer bus.Close()
*/
package runtime
