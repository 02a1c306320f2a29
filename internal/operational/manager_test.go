package operational

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitaliisemenov/alert-history/internal/operational/orchestrator"
	"github.com/vitaliisemenov/alert-history/pkg/metrics"
)

func testOperationalMetrics() *metrics.OperationalMetrics {
	return metrics.NewMetricsRegistry("operational_test_" + time.Now().Format("150405.000000000")).Operational()
}

func newTestManager(orch orchestrator.ServiceOrchestrator) *Manager {
	return New(orch, nil, testOperationalMetrics())
}

func TestManager_Deploy_NewService(t *testing.T) {
	orch := orchestrator.NewMockOrchestrator()
	mgr := newTestManager(orch)

	deployment, err := mgr.Deploy(context.Background(), DeploymentConfig{
		ServiceName:     "worker",
		ImageTag:        "registry/worker:v1",
		Replicas:        2,
		RollbackEnabled: true,
	})

	require.NoError(t, err)
	assert.Equal(t, DeploymentCompleted, deployment.Status)
	assert.False(t, deployment.RollbackPerformed)

	history := mgr.DeploymentHistory()
	require.Len(t, history, 1)
}

func TestManager_Deploy_RollsBackOnValidationFailure(t *testing.T) {
	orch := orchestrator.NewMockOrchestrator()
	require.NoError(t, orch.CreateService(context.Background(), orchestrator.ServiceInfo{Name: "worker", Image: "registry/worker:v1", Replicas: 2}))

	mgr := newTestManager(orch)
	mgr.rolloutTimeout = 200 * time.Millisecond
	mgr.rollbackTimeout = 200 * time.Millisecond

	_, err := mgr.Deploy(context.Background(), DeploymentConfig{
		ServiceName:       "worker",
		ImageTag:          "registry/worker:v2",
		Replicas:          3,
		RollbackEnabled:   true,
		HealthCheckConfig: HealthCheckConfig{MinRunningTasks: 10},
	})

	require.Error(t, err)
	history := mgr.DeploymentHistory()
	require.Len(t, history, 1)
	assert.Equal(t, DeploymentRolledBack, history[0].Status)
	assert.True(t, history[0].RollbackPerformed)

	info, getErr := orch.GetService(context.Background(), "worker")
	require.NoError(t, getErr)
	assert.Equal(t, "registry/worker:v1", info.Image)
}

func TestManager_Scale_Up(t *testing.T) {
	orch := orchestrator.NewMockOrchestrator()
	require.NoError(t, orch.CreateService(context.Background(), orchestrator.ServiceInfo{Name: "worker", Replicas: 2}))
	orch.SetMetrics("worker", orchestrator.ServiceMetrics{CPU: 0.95, Mem: 0.3})

	mgr := newTestManager(orch)
	decision, err := mgr.Scale(context.Background(), ScalingPolicy{
		ServiceName: "worker", MinReplicas: 1, MaxReplicas: 5,
		ScaleUpThreshold: 0.8, ScaleDownThreshold: 0.2, StepUp: 1, StepDown: 1,
	})

	require.NoError(t, err)
	assert.Equal(t, ScaleUp, decision.Direction)
	assert.Equal(t, int32(3), decision.NewReplicas)
}

func TestManager_Scale_Cooldown(t *testing.T) {
	orch := orchestrator.NewMockOrchestrator()
	require.NoError(t, orch.CreateService(context.Background(), orchestrator.ServiceInfo{Name: "worker", Replicas: 2}))
	orch.SetMetrics("worker", orchestrator.ServiceMetrics{CPU: 0.95, Mem: 0.3})

	mgr := newTestManager(orch)
	policy := ScalingPolicy{
		ServiceName: "worker", MinReplicas: 1, MaxReplicas: 5,
		ScaleUpThreshold: 0.8, ScaleDownThreshold: 0.2, StepUp: 1, StepDown: 1, Cooldown: time.Minute,
	}

	first, err := mgr.Scale(context.Background(), policy)
	require.NoError(t, err)
	assert.Equal(t, ScaleUp, first.Direction)

	second, err := mgr.Scale(context.Background(), policy)
	require.NoError(t, err)
	assert.Equal(t, ScaleStable, second.Direction)
}

func TestManager_HandleIncident_ContainerCrashResolves(t *testing.T) {
	orch := orchestrator.NewMockOrchestrator()
	require.NoError(t, orch.CreateService(context.Background(), orchestrator.ServiceInfo{Name: "worker", Replicas: 1}))

	mgr := newTestManager(orch)
	incident, err := mgr.HandleIncident(context.Background(), "", "worker", SeverityHigh, "container crash detected")

	require.NoError(t, err)
	assert.Equal(t, IncidentResolved, incident.State)
	assert.True(t, incident.Resolved)

	_, active := mgr.ActiveIncident(incident.IncidentID)
	assert.False(t, active)

	resolved, ok := mgr.RecentlyResolvedIncident(incident.IncidentID)
	assert.True(t, ok)
	assert.Equal(t, incident.IncidentID, resolved.IncidentID)
}

func TestManager_HandleIncident_DuplicateIDOverwrites(t *testing.T) {
	orch := orchestrator.NewMockOrchestrator()
	require.NoError(t, orch.CreateService(context.Background(), orchestrator.ServiceInfo{Name: "worker", Replicas: 1}))
	mgr := newTestManager(orch)

	first, err := mgr.HandleIncident(context.Background(), "inc-1", "worker", SeverityLow, "cpu high")
	require.NoError(t, err)
	assert.Equal(t, "inc-1", first.IncidentID)

	second, err := mgr.HandleIncident(context.Background(), "inc-1", "worker", SeverityMedium, "memory high")
	require.NoError(t, err)
	assert.Equal(t, "inc-1", second.IncidentID)
	assert.Equal(t, SeverityMedium, second.Severity)
}

func TestClassify_Keywords(t *testing.T) {
	cases := map[string]IncidentClass{
		"container crash detected":   ClassContainerCrash,
		"process exit code 137":      ClassContainerCrash,
		"cpu high on node":           ClassHighCPU,
		"memory high, OOM risk":      ClassHighMemory,
		"service unavailable":        ClassServiceUnavailable,
		"endpoint unreachable":       ClassServiceUnavailable,
		"deployment fail for worker": ClassDeploymentFailure,
		"something else entirely":    ClassGeneric,
	}
	for description, want := range cases {
		assert.Equal(t, want, classify(description), description)
	}
}
