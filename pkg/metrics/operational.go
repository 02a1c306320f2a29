package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// OperationalMetrics tracks the deployment, autoscaling, and
// incident-response state machines.
type OperationalMetrics struct {
	DeploymentsTotal    *prometheus.CounterVec
	RollbacksTotal      *prometheus.CounterVec
	ScalingActionsTotal *prometheus.CounterVec
	IncidentsTotal      *prometheus.CounterVec

	ServiceReplicas  *prometheus.GaugeVec
	DeploymentActive *prometheus.GaugeVec
}

// NewOperationalMetrics builds deployment/scaling/incident metrics.
func NewOperationalMetrics(namespace string) *OperationalMetrics {
	return &OperationalMetrics{
		DeploymentsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "operational",
				Name:      "deployments_total",
				Help:      "Total number of rolling deployments started, by outcome",
			},
			[]string{"service", "outcome"}, // outcome: succeeded|rolled_back|failed
		),

		RollbacksTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "operational",
				Name:      "rollbacks_total",
				Help:      "Total number of rollbacks performed, automatic or manual",
			},
			[]string{"service", "reason"},
		),

		ScalingActionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "operational",
				Name:      "scaling_actions_total",
				Help:      "Total number of reactive autoscaling actions taken",
			},
			[]string{"service", "direction"}, // direction: UP|DOWN
		),

		IncidentsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "operational",
				Name:      "incidents_total",
				Help:      "Total number of incidents opened, by final state",
			},
			[]string{"service", "final_state"}, // resolved|escalated|follow_up
		),

		ServiceReplicas: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "operational",
				Name:      "service_replicas",
				Help:      "Current replica count reported by the orchestrator",
			},
			[]string{"service"},
		),

		DeploymentActive: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "operational",
				Name:      "deployment_active",
				Help:      "1 while a rolling deployment is in progress for the service, else 0",
			},
			[]string{"service"},
		),
	}
}
