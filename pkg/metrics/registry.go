// Package metrics provides centralized Prometheus metric management.
//
// Metrics are organized by category and lazily constructed on first access:
//   - Infra: database pools, cache, source-repository queries
//   - Processor: queue claim/complete/fail/orphan counters and batch timing
//   - Operational: deployment, scaling, and incident-response counters
//
// All metrics follow the naming convention:
// <namespace>_<category>_<subsystem>_<metric_name>_<unit>
package metrics

import "sync"

// MetricsRegistry is the central registry for all Prometheus metrics,
// organized by category (Infra, Processor, Operational).
type MetricsRegistry struct {
	namespace string

	infra       *InfraMetrics
	processor   *ProcessorMetrics
	operational *OperationalMetrics

	infraOnce       sync.Once
	processorOnce   sync.Once
	operationalOnce sync.Once
}

var (
	defaultRegistry     *MetricsRegistry
	defaultRegistryOnce sync.Once
)

// DefaultRegistry returns the global singleton MetricsRegistry.
func DefaultRegistry() *MetricsRegistry {
	defaultRegistryOnce.Do(func() {
		defaultRegistry = NewMetricsRegistry("queue_processor")
	})
	return defaultRegistry
}

// NewMetricsRegistry creates a registry under the given namespace. Most
// call sites should use DefaultRegistry(); tests construct their own
// registry with a unique namespace to avoid colliding on the global
// Prometheus registerer.
func NewMetricsRegistry(namespace string) *MetricsRegistry {
	if namespace == "" {
		namespace = "queue_processor"
	}
	return &MetricsRegistry{namespace: namespace}
}

// Infra returns the infrastructure metrics manager (database, cache).
func (r *MetricsRegistry) Infra() *InfraMetrics {
	r.infraOnce.Do(func() {
		r.infra = NewInfraMetrics(r.namespace)
	})
	return r.infra
}

// Processor returns the queue processor metrics manager.
func (r *MetricsRegistry) Processor() *ProcessorMetrics {
	r.processorOnce.Do(func() {
		r.processor = NewProcessorMetrics(r.namespace)
	})
	return r.processor
}

// Operational returns the deployment/scaling/incident metrics manager.
func (r *MetricsRegistry) Operational() *OperationalMetrics {
	r.operationalOnce.Do(func() {
		r.operational = NewOperationalMetrics(r.namespace)
	})
	return r.operational
}

// Namespace returns the configured Prometheus namespace.
func (r *MetricsRegistry) Namespace() string {
	return r.namespace
}
