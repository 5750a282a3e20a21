package server

import "github.com/prometheus/client_golang/prometheus"

// Metrics exposes per-opcode counters and waiter-queue gauges, grounded in
// the teacher's prometheus/client_golang usage (SPEC_FULL §2 domain stack).
type Metrics struct {
	Ops        *prometheus.CounterVec
	Waiters    prometheus.Gauge
	Timeouts   prometheus.Counter
	Restores   prometheus.Counter
	LinkBroken prometheus.Counter
}

func NewMetrics() *Metrics {
	m := &Metrics{
		Ops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hybridmem",
			Subsystem: "rstore_server",
			Name:      "ops_total",
			Help:      "Rendezvous store operations processed, by opcode.",
		}, []string{"opcode"}),
		Waiters: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "hybridmem",
			Subsystem: "rstore_server",
			Name:      "blocked_waiters",
			Help:      "Number of GET requests currently blocked awaiting a key.",
		}),
		Timeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hybridmem",
			Subsystem: "rstore_server",
			Name:      "get_timeouts_total",
			Help:      "Blocking GETs that expired before a matching write.",
		}),
		Restores: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hybridmem",
			Subsystem: "rstore_server",
			Name:      "restores_total",
			Help:      "GETs answered with a Restore recovery payload.",
		}),
		LinkBroken: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hybridmem",
			Subsystem: "rstore_server",
			Name:      "link_broken_total",
			Help:      "Connections observed as broken by the server.",
		}),
	}
	return m
}

// Register adds m's collectors to reg; tests typically use a private
// registry to avoid cross-test collisions.
func (m *Metrics) Register(reg prometheus.Registerer) {
	reg.MustRegister(m.Ops, m.Waiters, m.Timeouts, m.Restores, m.LinkBroken)
}
