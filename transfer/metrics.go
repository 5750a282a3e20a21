package transfer

import "github.com/prometheus/client_golang/prometheus"

// Metrics exposes per-entity counters (SPEC_FULL §4 C10 expansion),
// grounded in rstore/server.Metrics' unregistered-by-default shape.
// (*Entity).Stats() does not read them.
type Metrics struct {
	BytesWritten prometheus.Counter
	BytesRead    prometheus.Counter
	WatchCycles  prometheus.Counter
	Imports      prometheus.Counter
	Removals     prometheus.Counter
}

func NewMetrics() *Metrics {
	return &Metrics{
		BytesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hybridmem",
			Subsystem: "transfer",
			Name:      "bytes_written_total",
			Help:      "Bytes moved by SyncWrite.",
		}),
		BytesRead: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hybridmem",
			Subsystem: "transfer",
			Name:      "bytes_read_total",
			Help:      "Bytes moved by SyncRead.",
		}),
		WatchCycles: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hybridmem",
			Subsystem: "transfer",
			Name:      "watch_cycles_total",
			Help:      "Watcher-thread cycles run.",
		}),
		Imports: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hybridmem",
			Subsystem: "transfer",
			Name:      "remote_imports_total",
			Help:      "Peer device/slice descriptors imported.",
		}),
		Removals: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hybridmem",
			Subsystem: "transfer",
			Name:      "remote_removals_total",
			Help:      "Peer remote-slice entries dropped on ABNORMAL transition.",
		}),
	}
}

// Register adds m's collectors to reg; tests typically use a private
// registry to avoid cross-test collisions.
func (m *Metrics) Register(reg prometheus.Registerer) {
	reg.MustRegister(m.BytesWritten, m.BytesRead, m.WatchCycles, m.Imports, m.Removals)
}
