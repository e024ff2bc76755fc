package client

import "github.com/prometheus/client_golang/prometheus"

// Metrics exposes the counters a caller can register with its own
// Prometheus registry to observe client health without touching Snapshot's
// JSON document. A nil *Metrics (the default) disables instrumentation
// entirely; every call site checks for it before touching a collector.
type Metrics struct {
	framesSent       prometheus.Counter
	framesReceived   prometheus.Counter
	failovers        prometheus.Counter
	messagesInFlight prometheus.Gauge
}

// NewMetrics builds a Metrics instance and registers its collectors on reg.
// namespace prefixes every metric name, e.g. "risq_frames_sent_total".
func NewMetrics(reg prometheus.Registerer, namespace string) (*Metrics, error) {
	m := &Metrics{
		framesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_sent_total",
			Help:      "RISP frames written to a controller connection.",
		}),
		framesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Socket reads fed to the RISP parser on a controller connection (one read may hold several frames or part of one).",
		}),
		failovers: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "failovers_total",
			Help:      "Times a controller connection went through the closed-path or a connect attempt failed.",
		}),
		messagesInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "messages_in_flight",
			Help:      "Occupied slots in the pending-message table.",
		}),
	}
	for _, c := range []prometheus.Collector{m.framesSent, m.framesReceived, m.failovers, m.messagesInFlight} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}
