package session

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the session's Prometheus collectors. A nil *Metrics records nothing.
type Metrics struct {
	state         prometheus.Gauge
	connectsTotal prometheus.Counter
	reconnects    prometheus.Counter
	dialFailures  prometheus.Counter
	messagesTotal *prometheus.CounterVec
	bytesReceived prometheus.Counter
}

// NewMetrics creates the session metrics and registers them on reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		return nil, nil
	}

	m := &Metrics{
		state: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "oko",
			Subsystem: "session",
			Name:      "state",
			Help:      "Connection state (0 disconnected, 1 connecting, 2 connected, 3 closed)",
		}),
		connectsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "oko",
			Subsystem: "session",
			Name:      "connects_total",
			Help:      "Successful connection handshakes",
		}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "oko",
			Subsystem: "session",
			Name:      "reconnect_attempts_total",
			Help:      "Reconnect attempts scheduled after a failure",
		}),
		dialFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "oko",
			Subsystem: "session",
			Name:      "dial_failures_total",
			Help:      "Failed or timed out connection attempts",
		}),
		messagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "oko",
			Subsystem: "session",
			Name:      "messages_total",
			Help:      "Inbound transport messages, by framing",
		}, []string{"framing"}),
		bytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "oko",
			Subsystem: "session",
			Name:      "received_bytes_total",
			Help:      "Inbound message bytes",
		}),
	}

	for _, c := range []prometheus.Collector{m.state, m.connectsTotal, m.reconnects, m.dialFailures, m.messagesTotal, m.bytesReceived} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) setState(s State) {
	if m == nil {
		return
	}
	m.state.Set(float64(s))
}

func (m *Metrics) connected() {
	if m == nil {
		return
	}
	m.connectsTotal.Inc()
}

func (m *Metrics) reconnectScheduled() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

func (m *Metrics) dialFailed() {
	if m == nil {
		return
	}
	m.dialFailures.Inc()
}

func (m *Metrics) received(framing string, n int) {
	if m == nil {
		return
	}
	m.messagesTotal.WithLabelValues(framing).Inc()
	m.bytesReceived.Add(float64(n))
}
