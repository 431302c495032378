package runtime

import (
	"math"
	"sort"
	"sync"
	"time"

	errspkg "github.com/drblury/eventwire/internal/runtime/errors"
)

const latencySampleSize = 256

// SubscriberStats is a point-in-time view of one subscription's delivery
// counters. Values are produced by the worker's tracker and carry no
// synchronisation, so they copy freely.
type SubscriberStats struct {
	EventsDelivered uint64    `json:"events_delivered"`
	EventsFailed    uint64    `json:"events_failed"`
	PanicsRecovered uint64    `json:"panics_recovered"`
	TotalHandlingNs int64     `json:"total_handling_ns"`
	LastDeliveredAt time.Time `json:"last_delivered_at"`

	Latency LatencyMetrics `json:"latency"`
	Errors  ErrorBreakdown `json:"errors"`
}

// SubscriberInfo is the introspection view of one subscription.
type SubscriberInfo struct {
	Name      string          `json:"name"`
	Schema    string          `json:"schema"`
	QueueSize int             `json:"queue_size"`
	Stats     SubscriberStats `json:"stats"`
}

// LatencyMetrics summarises the rolling handler latency window.
type LatencyMetrics struct {
	AverageNs  int64 `json:"average_ns"`
	P50Ns      int64 `json:"p50_ns"`
	P95Ns      int64 `json:"p95_ns"`
	P99Ns      int64 `json:"p99_ns"`
	LastNs     int64 `json:"last_ns"`
	SampleSize int   `json:"sample_size"`
}

// ErrorBreakdown counts handler failures by outward error class.
type ErrorBreakdown struct {
	BadRequest        uint64 `json:"bad_request"`
	Unsupported       uint64 `json:"unsupported"`
	ResourceExhausted uint64 `json:"resource_exhausted"`
	Unavailable       uint64 `json:"unavailable"`
	Other             uint64 `json:"other"`
	LastError         string `json:"last_error,omitempty"`
}

func (e *ErrorBreakdown) record(err error) {
	if err == nil {
		return
	}
	switch errspkg.Classify(err) {
	case errspkg.ClassBadRequest:
		e.BadRequest++
	case errspkg.ClassUnsupported:
		e.Unsupported++
	case errspkg.ClassResourceExhausted:
		e.ResourceExhausted++
	case errspkg.ClassUnavailable:
		e.Unavailable++
	default:
		e.Other++
	}
	e.LastError = err.Error()
}

// subscriberTracker accumulates delivery counters for one worker. It is
// the synchronised side of the stats pair; Snapshot hands out the plain
// SubscriberStats value exposed through introspection.
type subscriberTracker struct {
	mu            sync.Mutex
	stats         SubscriberStats
	latencyWindow *latencyWindow
}

func newSubscriberTracker() *subscriberTracker {
	return &subscriberTracker{
		latencyWindow: newLatencyWindow(latencySampleSize),
	}
}

func (s *subscriberTracker) onDelivered(duration time.Duration, err error, panicked bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stats.EventsDelivered++
	if err != nil {
		s.stats.EventsFailed++
	}
	if panicked {
		s.stats.PanicsRecovered++
	}
	s.stats.TotalHandlingNs += int64(duration)
	s.stats.LastDeliveredAt = time.Now().UTC()

	s.latencyWindow.Add(duration)
	snapshot := s.latencyWindow.Snapshot()
	snapshot.LastNs = int64(duration)
	if s.stats.EventsDelivered > 0 {
		snapshot.AverageNs = s.stats.TotalHandlingNs / int64(s.stats.EventsDelivered)
	}
	s.stats.Latency = snapshot

	s.stats.Errors.record(err)
}

// Snapshot returns a copy safe to hand to introspection callers.
func (s *subscriberTracker) Snapshot() SubscriberStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

type latencyWindow struct {
	samples []int64
	next    int
	filled  int
	last    int64
}

func newLatencyWindow(size int) *latencyWindow {
	if size <= 0 {
		size = latencySampleSize
	}
	return &latencyWindow{samples: make([]int64, size)}
}

func (lw *latencyWindow) Add(d time.Duration) {
	if lw == nil || len(lw.samples) == 0 {
		return
	}
	lw.samples[lw.next] = int64(d)
	lw.last = int64(d)
	lw.next = (lw.next + 1) % len(lw.samples)
	if lw.filled < len(lw.samples) {
		lw.filled++
	}
}

func (lw *latencyWindow) Snapshot() LatencyMetrics {
	var metrics LatencyMetrics
	if lw == nil || lw.filled == 0 {
		return metrics
	}
	samples := make([]int64, lw.filled)
	for i := 0; i < lw.filled; i++ {
		idx := lw.next - lw.filled + i
		if idx < 0 {
			idx += len(lw.samples)
		}
		samples[i] = lw.samples[idx]
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	metrics.SampleSize = lw.filled
	metrics.P50Ns = percentile(samples, 0.50)
	metrics.P95Ns = percentile(samples, 0.95)
	metrics.P99Ns = percentile(samples, 0.99)
	var sum int64
	for _, v := range samples {
		sum += v
	}
	metrics.AverageNs = sum / int64(len(samples))
	metrics.LastNs = lw.last
	return metrics
}

func percentile(samples []int64, quantile float64) int64 {
	if len(samples) == 0 {
		return 0
	}
	if quantile <= 0 {
		return samples[0]
	}
	if quantile >= 1 {
		return samples[len(samples)-1]
	}
	pos := quantile * float64(len(samples)-1)
	lower := int(math.Floor(pos))
	upper := int(math.Ceil(pos))
	if lower == upper {
		return samples[lower]
	}
	frac := pos - float64(lower)
	return samples[lower] + int64(float64(samples[upper]-samples[lower])*frac)
}
