package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the control plane's Prometheus collectors. Components
// increment them directly; the registry is exposed on /metrics.
type Metrics struct {
	registry *prometheus.Registry

	RequestsRouted    *prometheus.CounterVec
	RoutingErrors     *prometheus.CounterVec
	ScalingOperations *prometheus.CounterVec
	HealthTransitions *prometheus.CounterVec
	HealthyTargets    *prometheus.GaugeVec
	GroupInstances    *prometheus.GaugeVec
}

// New creates and registers the collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		RequestsRouted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fleetgate",
			Name:      "requests_routed_total",
			Help:      "Routing decisions made, by load balancer and algorithm.",
		}, []string{"load_balancer", "algorithm"}),
		RoutingErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fleetgate",
			Name:      "routing_errors_total",
			Help:      "Failed routing decisions, by error code.",
		}, []string{"load_balancer", "code"}),
		ScalingOperations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fleetgate",
			Name:      "scaling_operations_total",
			Help:      "Scaling attempts, by group and outcome.",
		}, []string{"group", "outcome"}),
		HealthTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fleetgate",
			Name:      "health_transitions_total",
			Help:      "Target health status transitions, by new status.",
		}, []string{"load_balancer", "to"}),
		HealthyTargets: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "fleetgate",
			Name:      "healthy_targets",
			Help:      "Healthy targets per load balancer.",
		}, []string{"load_balancer"}),
		GroupInstances: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "fleetgate",
			Name:      "group_current_instances",
			Help:      "Provisioned instances per auto-scaling group.",
		}, []string{"group"}),
	}

	m.registry.MustRegister(
		m.RequestsRouted,
		m.RoutingErrors,
		m.ScalingOperations,
		m.HealthTransitions,
		m.HealthyTargets,
		m.GroupInstances,
	)
	return m
}

// Handler returns the HTTP handler serving the collected metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
