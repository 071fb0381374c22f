// Package metrics exposes the recorder's Prometheus collectors. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "recorder"

// Drop reasons reported on the frames_dropped counter.
const (
	DropEmpty      = "empty"
	DropUnresolved = "unresolved"
	DropStale      = "stale"
	DropOversize   = "oversize"
	DropFailure    = "callback_failure"
	DropFinalized  = "finalized"
)

// Metrics groups the collectors for one recorder process.
type Metrics struct {
	FramesCaptured   *prometheus.CounterVec
	BytesCaptured    *prometheus.CounterVec
	FramesDropped    *prometheus.CounterVec
	Subscriptions    *prometheus.CounterVec
	Evictions        prometheus.Counter
	AssignedChannels prometheus.Gauge
	FlushFailures    *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer, callID string) (*Metrics, error) {
	labels := prometheus.Labels{"call_id": callID}

	m := &Metrics{
		FramesCaptured: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "capture",
			Name:        "frames_total",
			Help:        "Frames copied into participant sequences.",
			ConstLabels: labels,
		}, []string{"modality"}),
		BytesCaptured: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "capture",
			Name:        "bytes_total",
			Help:        "Payload bytes copied into participant sequences.",
			ConstLabels: labels,
		}, []string{"modality"}),
		FramesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "capture",
			Name:        "frames_dropped_total",
			Help:        "Frames dropped by the capture pipeline.",
			ConstLabels: labels,
		}, []string{"modality", "reason"}),
		Subscriptions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "subscription",
			Name:        "decisions_total",
			Help:        "Subscribe decisions by outcome.",
			ConstLabels: labels,
		}, []string{"modality", "outcome"}),
		Evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "subscription",
			Name:        "evictions_total",
			Help:        "Video subscriptions evicted to make room for another source.",
			ConstLabels: labels,
		}),
		AssignedChannels: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "subscription",
			Name:        "assigned_channels",
			Help:        "Video channels currently assigned to a source.",
			ConstLabels: labels,
		}),
		FlushFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "storage",
			Name:        "flush_failures_total",
			Help:        "Payloads that could not be persisted at teardown.",
			ConstLabels: labels,
		}, []string{"kind"}),
	}

	for _, c := range []prometheus.Collector{
		m.FramesCaptured, m.BytesCaptured, m.FramesDropped,
		m.Subscriptions, m.Evictions, m.AssignedChannels, m.FlushFailures,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// FrameCaptured counts one appended frame.
func (m *Metrics) FrameCaptured(modality string, size int) {
	if m == nil {
		return
	}
	m.FramesCaptured.WithLabelValues(modality).Inc()
	m.BytesCaptured.WithLabelValues(modality).Add(float64(size))
}

// FrameDropped counts one dropped frame.
func (m *Metrics) FrameDropped(modality, reason string) {
	if m == nil {
		return
	}
	m.FramesDropped.WithLabelValues(modality, reason).Inc()
}

// SubscriptionDecided counts one subscribe decision.
func (m *Metrics) SubscriptionDecided(modality, outcome string) {
	if m == nil {
		return
	}
	m.Subscriptions.WithLabelValues(modality, outcome).Inc()
}

// Evicted counts one eviction.
func (m *Metrics) Evicted() {
	if m == nil {
		return
	}
	m.Evictions.Inc()
}

// SetAssigned publishes the number of assigned video channels.
func (m *Metrics) SetAssigned(n int) {
	if m == nil {
		return
	}
	m.AssignedChannels.Set(float64(n))
}

// FlushFailed counts one payload that failed to persist.
func (m *Metrics) FlushFailed(kind string) {
	if m == nil {
		return
	}
	m.FlushFailures.WithLabelValues(kind).Inc()
}
