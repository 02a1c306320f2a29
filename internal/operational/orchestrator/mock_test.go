package orchestrator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockOrchestrator_CreateAndGetService(t *testing.T) {
	m := NewMockOrchestrator()
	ctx := context.Background()

	require.NoError(t, m.CreateService(ctx, ServiceInfo{Name: "worker", Image: "img:v1", Replicas: 2}))

	info, err := m.GetService(ctx, "worker")
	require.NoError(t, err)
	assert.Equal(t, "img:v1", info.Image)
	assert.Equal(t, int32(2), info.Replicas)

	tasks, err := m.GetTasks(ctx, "worker")
	require.NoError(t, err)
	assert.Len(t, tasks, 2)
	for _, task := range tasks {
		assert.Equal(t, TaskRunning, task.State)
	}
}

func TestMockOrchestrator_GetService_NotFound(t *testing.T) {
	m := NewMockOrchestrator()
	_, err := m.GetService(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrServiceNotFound)
}

func TestMockOrchestrator_UpdateService(t *testing.T) {
	m := NewMockOrchestrator()
	ctx := context.Background()
	require.NoError(t, m.CreateService(ctx, ServiceInfo{Name: "worker", Image: "img:v1", Replicas: 1}))

	newImage := "img:v2"
	newReplicas := int32(3)
	require.NoError(t, m.UpdateService(ctx, "worker", UpdateSpec{Image: &newImage, Replicas: &newReplicas}))

	info, err := m.GetService(ctx, "worker")
	require.NoError(t, err)
	assert.Equal(t, "img:v2", info.Image)
	assert.Equal(t, int32(3), info.Replicas)

	tasks, err := m.GetTasks(ctx, "worker")
	require.NoError(t, err)
	assert.Len(t, tasks, 3)
}

func TestMockOrchestrator_SetMetricsAndGetMetrics(t *testing.T) {
	m := NewMockOrchestrator()
	ctx := context.Background()
	require.NoError(t, m.CreateService(ctx, ServiceInfo{Name: "worker", Replicas: 1}))

	m.SetMetrics("worker", ServiceMetrics{CPU: 0.92, Mem: 0.4})

	metrics, err := m.GetMetrics(ctx, "worker")
	require.NoError(t, err)
	assert.InDelta(t, 0.92, metrics.CPU, 0.001)
}

func TestMockOrchestrator_SetTaskState(t *testing.T) {
	m := NewMockOrchestrator()
	ctx := context.Background()
	require.NoError(t, m.CreateService(ctx, ServiceInfo{Name: "worker", Replicas: 2}))

	m.SetTaskState("worker", 0, TaskFailed)

	tasks, err := m.GetTasks(ctx, "worker")
	require.NoError(t, err)
	assert.Equal(t, TaskFailed, tasks[0].State)
	assert.Equal(t, TaskRunning, tasks[1].State)
}

func TestMockOrchestrator_ListServices(t *testing.T) {
	m := NewMockOrchestrator()
	ctx := context.Background()
	require.NoError(t, m.CreateService(ctx, ServiceInfo{Name: "worker", Replicas: 1}))
	require.NoError(t, m.CreateService(ctx, ServiceInfo{Name: "operator", Replicas: 1}))

	services, err := m.ListServices(ctx)
	require.NoError(t, err)
	assert.Len(t, services, 2)
}
