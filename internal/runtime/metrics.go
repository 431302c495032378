package runtime

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// newBusCounterVec creates a counter vec under the standard eventwire/bus
// namespace.
func newBusCounterVec(name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "eventwire",
			Subsystem: "bus",
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

func newBusGauge(name, help string) prometheus.Gauge {
	return prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "eventwire",
		Subsystem: "bus",
		Name:      name,
		Help:      help,
	})
}

func newBusHistogramVec(name, help string, buckets []float64, labels []string) *prometheus.HistogramVec {
	return prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "eventwire",
			Subsystem: "bus",
			Name:      name,
			Help:      help,
			Buckets:   buckets,
		},
		labels,
	)
}

// BusMetrics holds the Prometheus collectors for one bus.
type BusMetrics struct {
	publishesTotal    *prometheus.CounterVec
	deliveriesTotal   *prometheus.CounterVec
	failuresTotal     *prometheus.CounterVec
	panicsTotal       *prometheus.CounterVec
	rejectionsTotal   *prometheus.CounterVec
	framesInTotal     prometheus.Counter
	framesOutTotal    prometheus.Counter
	connectionsOpen   prometheus.Gauge
	handlingSeconds   *prometheus.HistogramVec

	registerer prometheus.Registerer
	mu         sync.Mutex
	registered bool
}

// NewBusMetrics creates the collectors. Pass nil to use the default
// registerer.
func NewBusMetrics(registerer prometheus.Registerer) *BusMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &BusMetrics{
		registerer:      registerer,
		publishesTotal:  newBusCounterVec("publishes_total", "Events accepted by Publish", []string{"schema"}),
		deliveriesTotal: newBusCounterVec("deliveries_total", "Handler invocations completed", []string{"schema", "subscriber"}),
		failuresTotal:   newBusCounterVec("handler_failures_total", "Handler invocations that returned an error", []string{"schema", "subscriber"}),
		panicsTotal:     newBusCounterVec("handler_panics_total", "Handler invocations that panicked and were recovered", []string{"schema", "subscriber"}),
		rejectionsTotal: newBusCounterVec("backpressure_rejections_total", "Publishes rejected by a saturated queue", []string{"schema"}),
		framesInTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "eventwire", Subsystem: "bus",
			Name: "frames_received_total", Help: "Frames decoded from peer connections",
		}),
		framesOutTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "eventwire", Subsystem: "bus",
			Name: "frames_sent_total", Help: "Frames handed to peer connections",
		}),
		connectionsOpen: newBusGauge("connections_open", "Peer connections currently open"),
		handlingSeconds: newBusHistogramVec("handling_seconds", "Handler execution time",
			[]float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1, 5}, []string{"schema", "subscriber"}),
	}
}

// Register registers the collectors. Safe to call multiple times; an
// already-registered collector is not an error.
func (m *BusMetrics) Register() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.registered {
		return nil
	}

	collectors := []prometheus.Collector{
		m.publishesTotal,
		m.deliveriesTotal,
		m.failuresTotal,
		m.panicsTotal,
		m.rejectionsTotal,
		m.framesInTotal,
		m.framesOutTotal,
		m.connectionsOpen,
		m.handlingSeconds,
	}
	for _, c := range collectors {
		if err := m.registerer.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}
	m.registered = true
	return nil
}

func (m *BusMetrics) onPublish(schema string) {
	m.publishesTotal.WithLabelValues(schema).Inc()
}

func (m *BusMetrics) onRejected(schema string) {
	m.rejectionsTotal.WithLabelValues(schema).Inc()
}

func (m *BusMetrics) onDelivered(schema, subscriber string, seconds float64, failed, panicked bool) {
	m.deliveriesTotal.WithLabelValues(schema, subscriber).Inc()
	m.handlingSeconds.WithLabelValues(schema, subscriber).Observe(seconds)
	if failed {
		m.failuresTotal.WithLabelValues(schema, subscriber).Inc()
	}
	if panicked {
		m.panicsTotal.WithLabelValues(schema, subscriber).Inc()
	}
}

func (m *BusMetrics) onFrameReceived() { m.framesInTotal.Inc() }
func (m *BusMetrics) onFrameSent()     { m.framesOutTotal.Inc() }

func (m *BusMetrics) onConnOpened() { m.connectionsOpen.Inc() }
func (m *BusMetrics) onConnClosed() { m.connectionsOpen.Dec() }
