package runtime

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/wippyai/wasm-bridge/memory"
)

// Call directions for bridge_calls_total.
const (
	DirectionGuest = "guest" // host calling a guest export
	DirectionHost  = "host"  // guest calling a host import
)

// Metrics are the bridge collectors of one Runtime. They live on their own
// registry so several runtimes in a process never collide.
type Metrics struct {
	registry  *prometheus.Registry
	calls     *prometheus.CounterVec
	traps     prometheus.Counter
	handles   prometheus.Gauge
	instances prometheus.Gauge
}

// NewMetrics registers the bridge collectors on reg, or on a fresh
// registry when reg is nil.
func NewMetrics(reg *prometheus.Registry) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{
		registry: reg,
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_calls_total",
			Help: "Calls across the host/guest boundary.",
		}, []string{"direction", "name"}),
		traps: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bridge_traps_total",
			Help: "Instances poisoned by a trap.",
		}),
		handles: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bridge_handles_live",
			Help: "Memory handles currently valid across all instances.",
		}),
		instances: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bridge_instances_live",
			Help: "Instances created and not yet closed or trapped.",
		}),
	}
	for _, c := range []prometheus.Collector{m.calls, m.traps, m.handles, m.instances} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Registry returns the registry holding the collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) call(direction, name string) {
	m.calls.WithLabelValues(direction, name).Inc()
}

// OnHandleEvent keeps bridge_handles_live in step with handle tables.
func (m *Metrics) OnHandleEvent(e memory.Event) {
	switch e.Type {
	case memory.EventCreated:
		m.handles.Inc()
	case memory.EventFreed, memory.EventInvalidated:
		m.handles.Dec()
	}
}
