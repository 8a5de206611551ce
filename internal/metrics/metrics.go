// Package metrics exposes the scheduler's purely observational gauges:
// builds/evaluations in flight, build queue depth, and healthy node-tunnel
// count. Nothing in internal/builddispatch or internal/evaldriver reads
// these back for control decisions -- pgstore remains the only source of
// truth -- they exist so an operator can see the two control loops working.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry bundles every gauge the scheduler updates. Constructed once by
// cmd/orchestratord and threaded into both control loops.
type Registry struct {
	BuildsInFlight      prometheus.Gauge
	EvaluationsInFlight prometheus.Gauge
	BuildQueueDepth     prometheus.Gauge
	NodeTunnelsHealthy  prometheus.Gauge
}

// New registers every gauge against reg (typically prometheus.NewRegistry()
// or prometheus.DefaultRegisterer).
func New(reg prometheus.Registerer) *Registry {
	r := &Registry{
		BuildsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gradient_builds_in_flight",
			Help: "Number of builds currently in the Building state, across all organizations.",
		}),
		EvaluationsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gradient_evaluations_in_flight",
			Help: "Number of evaluations currently being evaluated (Evaluating state).",
		}),
		BuildQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gradient_build_queue_depth",
			Help: "Number of ready Queued builds fetched on the dispatcher's last tick, limited by its free dispatch capacity.",
		}),
		NodeTunnelsHealthy: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gradient_node_tunnels_healthy",
			Help: "Number of builder nodes whose NCP tunnel is currently healthy.",
		}),
	}
	reg.MustRegister(r.BuildsInFlight, r.EvaluationsInFlight, r.BuildQueueDepth, r.NodeTunnelsHealthy)
	return r
}
