package orchestrator

import (
	"context"
	"strconv"
	"sync"
)

// MockOrchestrator is an in-memory ServiceOrchestrator for exercising the
// operational manager's deployment/scaling/incident logic without a real
// cluster. Safe for concurrent use.
type MockOrchestrator struct {
	mu       sync.Mutex
	services map[string]ServiceInfo
	tasks    map[string][]TaskInfo
	metrics  map[string]ServiceMetrics
}

func NewMockOrchestrator() *MockOrchestrator {
	return &MockOrchestrator{
		services: make(map[string]ServiceInfo),
		tasks:    make(map[string][]TaskInfo),
		metrics:  make(map[string]ServiceMetrics),
	}
}

func (m *MockOrchestrator) GetService(_ context.Context, name string) (ServiceInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	svc, ok := m.services[name]
	if !ok {
		return ServiceInfo{}, ErrServiceNotFound
	}
	return svc, nil
}

func (m *MockOrchestrator) CreateService(_ context.Context, spec ServiceInfo) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if spec.Env == nil {
		spec.Env = map[string]string{}
	}
	m.services[spec.Name] = spec
	m.tasks[spec.Name] = tasksForReplicas(spec.Name, spec.Image, spec.Replicas)
	return nil
}

func (m *MockOrchestrator) UpdateService(_ context.Context, name string, update UpdateSpec) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	svc, ok := m.services[name]
	if !ok {
		return ErrServiceNotFound
	}

	if update.Image != nil {
		svc.Image = *update.Image
	}
	if update.Replicas != nil {
		svc.Replicas = *update.Replicas
	}
	if update.Env != nil {
		svc.Env = update.Env
	}
	m.services[name] = svc
	m.tasks[name] = tasksForReplicas(name, svc.Image, svc.Replicas)
	return nil
}

func (m *MockOrchestrator) ListServices(_ context.Context) ([]ServiceInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]ServiceInfo, 0, len(m.services))
	for _, svc := range m.services {
		out = append(out, svc)
	}
	return out, nil
}

func (m *MockOrchestrator) GetTasks(_ context.Context, name string) ([]TaskInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.services[name]; !ok {
		return nil, ErrServiceNotFound
	}
	return append([]TaskInfo(nil), m.tasks[name]...), nil
}

func (m *MockOrchestrator) GetMetrics(_ context.Context, name string) (ServiceMetrics, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.services[name]; !ok {
		return ServiceMetrics{}, ErrServiceNotFound
	}
	return m.metrics[name], nil
}

// SetMetrics lets a test drive GetMetrics' result for a given service,
// simulating what metrics.k8s.io would report.
func (m *MockOrchestrator) SetMetrics(name string, metrics ServiceMetrics) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.metrics[name] = metrics
}

// SetTaskState overrides one task's reported state, for exercising rollout
// wait/timeout paths deterministically.
func (m *MockOrchestrator) SetTaskState(name string, index int, state TaskState) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tasks := m.tasks[name]
	if index < 0 || index >= len(tasks) {
		return
	}
	tasks[index].State = state
}

func tasksForReplicas(name, image string, replicas int32) []TaskInfo {
	if replicas <= 0 {
		replicas = 1
	}
	out := make([]TaskInfo, replicas)
	for i := range out {
		out[i] = TaskInfo{
			ID:    name + "-task-" + strconv.Itoa(i),
			State: TaskRunning,
			Image: image,
		}
	}
	return out
}
