// Package metrics exposes Prometheus counters and gauges for the
// mediation core's ambient observability surface — gate verdicts,
// proxy connections, and container lifecycle events. Grounded on
// kadirpekel-hector's pkg/observability/metrics.go, trimmed to the
// counters Carapace's own components actually increment.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry wraps every metric the core's components increment.
// One Registry is constructed during startup and passed by reference
// to the Gate, Sandbox Manager, and Proxy.
type Registry struct {
	reg *prometheus.Registry

	GateVerdicts     *prometheus.CounterVec
	RuleActivations  *prometheus.CounterVec
	ProxyConnections *prometheus.CounterVec
	ProxyApprovals   *prometheus.CounterVec
	ContainerCreated prometheus.Counter
	ContainerEvicted prometheus.Counter
	ContainersActive prometheus.Gauge
}

// New constructs a Registry and registers every metric with a fresh
// prometheus.Registry (not the global DefaultRegisterer, so repeated
// construction in tests never panics on duplicate registration).
func New() *Registry {
	reg := prometheus.NewRegistry()

	m := &Registry{
		reg: reg,
		GateVerdicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "carapace",
			Subsystem: "gate",
			Name:      "verdicts_total",
			Help:      "Operation Gate verdicts by outcome (pass, approval_required, blocked).",
		}, []string{"verdict"}),
		RuleActivations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "carapace",
			Subsystem: "rules",
			Name:      "activations_total",
			Help:      "Rule activations by rule id.",
		}, []string{"rule_id"}),
		ProxyConnections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "carapace",
			Subsystem: "proxy",
			Name:      "connections_total",
			Help:      "Egress proxy connections by outcome (allowed, denied, error).",
		}, []string{"outcome"}),
		ProxyApprovals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "carapace",
			Subsystem: "proxy",
			Name:      "approvals_total",
			Help:      "Proxy domain approval resolutions by decision.",
		}, []string{"decision"}),
		ContainerCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "carapace",
			Subsystem: "sandbox",
			Name:      "containers_created_total",
			Help:      "Session containers created or recreated.",
		}),
		ContainerEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "carapace",
			Subsystem: "sandbox",
			Name:      "containers_evicted_total",
			Help:      "Session containers removed by idle sweep or session deletion.",
		}),
		ContainersActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "carapace",
			Subsystem: "sandbox",
			Name:      "containers_active",
			Help:      "Session containers currently tracked as running.",
		}),
	}

	reg.MustRegister(
		m.GateVerdicts,
		m.RuleActivations,
		m.ProxyConnections,
		m.ProxyApprovals,
		m.ContainerCreated,
		m.ContainerEvicted,
		m.ContainersActive,
	)
	return m
}

// Gatherer exposes the underlying prometheus.Registry for wiring into
// promhttp.HandlerFor at the REST layer (GET /metrics).
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }
