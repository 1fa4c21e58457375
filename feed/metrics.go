package feed

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus diagnostics for the feed. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	framesTotal        *prometheus.CounterVec
	malformedTotal     prometheus.Counter
	unknownCameraTotal prometheus.Counter
	topologyTotal      *prometheus.CounterVec
	liveHandles        prometheus.Gauge
	cameras            prometheus.Gauge
	subscriptions      prometheus.Gauge
}

// NewMetrics creates the feed metrics and registers them on reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		return nil, nil
	}

	m := &Metrics{
		framesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "oko",
			Subsystem: "feed",
			Name:      "frames_total",
			Help:      "Image frames routed, by outcome",
		}, []string{"outcome"}),

		malformedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "oko",
			Subsystem: "feed",
			Name:      "malformed_messages_total",
			Help:      "Inbound messages rejected by the codec",
		}),

		unknownCameraTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "oko",
			Subsystem: "feed",
			Name:      "unknown_camera_frames_total",
			Help:      "Frames that created a slot without a prior Added event",
		}),

		topologyTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "oko",
			Subsystem: "feed",
			Name:      "topology_changes_total",
			Help:      "Topology changes applied, by kind",
		}, []string{"kind"}),

		liveHandles: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "oko",
			Subsystem: "feed",
			Name:      "live_handles",
			Help:      "Frame handles currently installed",
		}),

		cameras: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "oko",
			Subsystem: "feed",
			Name:      "cameras",
			Help:      "Cameras present in the channel table",
		}),

		subscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "oko",
			Subsystem: "feed",
			Name:      "subscriptions",
			Help:      "Active display subscriptions",
		}),
	}

	collectors := []prometheus.Collector{
		m.framesTotal,
		m.malformedTotal,
		m.unknownCameraTotal,
		m.topologyTotal,
		m.liveHandles,
		m.cameras,
		m.subscriptions,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}

	return m, nil
}

func (m *Metrics) frameRouted(o Outcome) {
	if m == nil {
		return
	}
	m.framesTotal.WithLabelValues(o.String()).Inc()
}

func (m *Metrics) malformed() {
	if m == nil {
		return
	}
	m.malformedTotal.Inc()
}

func (m *Metrics) unknownCamera() {
	if m == nil {
		return
	}
	m.unknownCameraTotal.Inc()
}

func (m *Metrics) topologyApplied(kind string) {
	if m == nil {
		return
	}
	m.topologyTotal.WithLabelValues(kind).Inc()
}

func (m *Metrics) handleCreated() {
	if m == nil {
		return
	}
	m.liveHandles.Inc()
}

func (m *Metrics) handleReleased() {
	if m == nil {
		return
	}
	m.liveHandles.Dec()
}

func (m *Metrics) setCameras(n int) {
	if m == nil {
		return
	}
	m.cameras.Set(float64(n))
}

func (m *Metrics) setSubscriptions(n int) {
	if m == nil {
		return
	}
	m.subscriptions.Set(float64(n))
}
