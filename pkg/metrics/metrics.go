// Package metrics exposes Prometheus counters for both the
// control plane and the data plane, served on /metrics.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// ReconcileApplyTotal counts each completed reconciliation apply, by
	// outcome ("success" or "error").
	ReconcileApplyTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_dataplane_reconcile_apply_total",
		Help: "Total number of reconciliation apply attempts, by outcome.",
	}, []string{"outcome"})

	// RouteMatchTotal counts requests matched to a route, by listener port.
	RouteMatchTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_dataplane_route_match_total",
		Help: "Total number of requests matched to a route, by listener port.",
	}, []string{"port"})

	// RouteUnmatchedTotal counts requests that matched no route on a listener.
	RouteUnmatchedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_dataplane_route_unmatched_total",
		Help: "Total number of requests that matched no route, by listener port.",
	}, []string{"port"})

	// UpstreamHealthTransitionsTotal counts health-check transitions, by
	// pool id and new state.
	UpstreamHealthTransitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_dataplane_upstream_health_transitions_total",
		Help: "Total number of upstream target health transitions, by pool and new state.",
	}, []string{"pool_id", "healthy"})

	// DispatchOutcomeTotal counts forwarded requests by outcome ("ok",
	// "no_pool", "no_healthy_target", "upstream_error").
	DispatchOutcomeTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_dataplane_dispatch_outcome_total",
		Help: "Total number of dispatched requests, by outcome.",
	}, []string{"outcome"})

	// PublishTotal counts control-plane publish operations, by outcome.
	PublishTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_controlplane_publish_total",
		Help: "Total number of publish operations, by outcome.",
	}, []string{"outcome"})
)

func init() {
	prometheus.MustRegister(
		ReconcileApplyTotal,
		RouteMatchTotal,
		RouteUnmatchedTotal,
		UpstreamHealthTransitionsTotal,
		DispatchOutcomeTotal,
		PublishTotal,
	)
}
