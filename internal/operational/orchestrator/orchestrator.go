// Package orchestrator defines the container orchestrator adapter the
// operational manager drives deployments, scaling, and incident response
// through, plus a Kubernetes-backed implementation and an in-memory mock
// for tests.
package orchestrator

import (
	"context"
	"errors"
)

// ErrServiceNotFound is returned by GetService/GetTasks/GetMetrics when the
// named service has no corresponding workload.
var ErrServiceNotFound = errors.New("orchestrator: service not found")

// ServiceInfo is the orchestrator's view of a running service: its current
// image, environment, and desired replica count.
type ServiceInfo struct {
	Name        string
	Image       string
	Env         map[string]string
	Replicas    int32
	Labels      map[string]string
	ResourceCPU string
	ResourceMem string
}

// TaskState mirrors the lifecycle states the deployment rollout waits on.
type TaskState string

const (
	TaskPending TaskState = "pending"
	TaskRunning TaskState = "running"
	TaskFailed  TaskState = "failed"
)

// TaskInfo is one running (or starting) instance of a service.
type TaskInfo struct {
	ID    string
	State TaskState
	Image string
}

// ServiceMetrics is the {cpu, mem} pair the scaling decision is made from,
// expressed as a fraction of requested resources in [0, 1+).
type ServiceMetrics struct {
	CPU float64
	Mem float64
}

// UpdateSpec carries the optional fields update_service may change; a nil
// pointer field leaves that aspect of the service untouched.
type UpdateSpec struct {
	Image    *string
	Env      map[string]string
	Replicas *int32
	Force    bool
}

// ServiceOrchestrator is the adapter the operational manager consumes,
// named directly after the operations in the container orchestrator API:
// get_service, create_service, update_service, list_services, get_tasks,
// get_metrics. Implementations may wrap Kubernetes, Docker Swarm, or a
// local mock; all methods must be safe for concurrent use.
type ServiceOrchestrator interface {
	GetService(ctx context.Context, name string) (ServiceInfo, error)
	CreateService(ctx context.Context, spec ServiceInfo) error
	UpdateService(ctx context.Context, name string, update UpdateSpec) error
	ListServices(ctx context.Context) ([]ServiceInfo, error)
	GetTasks(ctx context.Context, name string) ([]TaskInfo, error)
	GetMetrics(ctx context.Context, name string) (ServiceMetrics, error)
}
