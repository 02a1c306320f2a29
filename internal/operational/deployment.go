package operational

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/vitaliisemenov/alert-history/internal/operational/orchestrator"
)

const (
	defaultRolloutTimeout  = 600 * time.Second
	defaultRollbackTimeout = 300 * time.Second
)

// Deploy runs a rolling update for config.ServiceName: capture the
// current service state, create-or-update it, wait for the rollout to
// converge, validate health, and roll back on failure if enabled.
func (m *Manager) Deploy(ctx context.Context, config DeploymentConfig) (Deployment, error) {
	if err := m.validator.Struct(config); err != nil {
		return Deployment{}, fmt.Errorf("operational: invalid deployment config: %w", err)
	}

	lock := m.serviceLock(config.ServiceName)
	lock.Lock()
	defer lock.Unlock()

	deployment := Deployment{
		DeploymentID: uuid.NewString(),
		ServiceName:  config.ServiceName,
		Status:       DeploymentPending,
		StartTime:    time.Now(),
	}

	m.m.DeploymentActive.WithLabelValues(config.ServiceName).Set(1)
	defer m.m.DeploymentActive.WithLabelValues(config.ServiceName).Set(0)

	prev, err := m.orch.GetService(ctx, config.ServiceName)
	existed := true
	if errors.Is(err, orchestrator.ErrServiceNotFound) {
		existed = false
	} else if err != nil {
		deployment.Status = DeploymentFailed
		deployment.ErrorMessage = err.Error()
		deployment.EndTime = time.Now()
		m.appendHistory(deployment)
		return deployment, fmt.Errorf("operational: get_service(%s): %w", config.ServiceName, err)
	}

	deployment.Status = DeploymentInProgress

	rolloutTimeout := m.rolloutTimeout
	if config.HealthCheckConfig.Timeout > 0 {
		rolloutTimeout = config.HealthCheckConfig.Timeout
	}
	deployCtx, cancel := context.WithTimeout(ctx, rolloutTimeout)
	defer cancel()

	if !existed {
		err = m.orch.CreateService(deployCtx, orchestrator.ServiceInfo{
			Name:        config.ServiceName,
			Image:       config.ImageTag,
			Env:         config.EnvironmentVariables,
			Replicas:    config.Replicas,
			ResourceCPU: config.ResourceLimits.CPU,
			ResourceMem: config.ResourceLimits.Memory,
		})
	} else {
		image := config.ImageTag
		replicas := config.Replicas
		err = m.orch.UpdateService(deployCtx, config.ServiceName, orchestrator.UpdateSpec{
			Image:    &image,
			Env:      config.EnvironmentVariables,
			Replicas: &replicas,
		})
	}
	if err != nil {
		return m.failOrRollback(ctx, config, deployment, prev, existed, fmt.Sprintf("rollout failed: %v", err))
	}

	if err := m.waitForRunningTasks(deployCtx, config); err != nil {
		return m.failOrRollback(ctx, config, deployment, prev, existed, err.Error())
	}

	if err := m.validateHealth(deployCtx, config); err != nil {
		return m.failOrRollback(ctx, config, deployment, prev, existed, err.Error())
	}

	deployment.Status = DeploymentCompleted
	deployment.EndTime = time.Now()
	m.appendHistory(deployment)
	m.m.DeploymentsTotal.WithLabelValues(config.ServiceName, "succeeded").Inc()
	return deployment, nil
}

// waitForRunningTasks polls get_tasks until at least MinRunningTasks tasks
// (Replicas when MinRunningTasks is unset) are running or ctx's deadline
// elapses.
func (m *Manager) waitForRunningTasks(ctx context.Context, config DeploymentConfig) error {
	minRunning := int(config.Replicas)
	if config.HealthCheckConfig.MinRunningTasks > 0 {
		minRunning = config.HealthCheckConfig.MinRunningTasks
	}

	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		tasks, err := m.orch.GetTasks(ctx, config.ServiceName)
		if err != nil {
			return fmt.Errorf("get_tasks(%s): %w", config.ServiceName, err)
		}

		running := 0
		for _, task := range tasks {
			if task.State == orchestrator.TaskRunning {
				running++
			}
		}
		if running >= minRunning {
			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("rollout timeout waiting for %s to reach %d running tasks", config.ServiceName, minRunning)
		case <-ticker.C:
		}
	}
}

// validateHealth checks that at least Replicas tasks are running after the
// rollout settles, whatever MinRunningTasks is. Custom health checks beyond task count are represented
// by HealthCheckConfig and are the caller's responsibility to satisfy
// before Deploy is invoked with a given MinRunningTasks.
func (m *Manager) validateHealth(ctx context.Context, config DeploymentConfig) error {
	tasks, err := m.orch.GetTasks(ctx, config.ServiceName)
	if err != nil {
		return fmt.Errorf("health validation: get_tasks: %w", err)
	}

	running := 0
	for _, task := range tasks {
		if task.State == orchestrator.TaskRunning {
			running++
		}
	}
	if int32(running) < config.Replicas {
		return fmt.Errorf("health validation failed: %d/%d tasks running", running, config.Replicas)
	}
	return nil
}

// failOrRollback marks a deployment failed, rolling back to prev when
// rollback_enabled and a prior state existed.
func (m *Manager) failOrRollback(ctx context.Context, config DeploymentConfig, deployment Deployment, prev orchestrator.ServiceInfo, existed bool, reason string) (Deployment, error) {
	deployment.ErrorMessage = reason
	deployment.EndTime = time.Now()

	if config.RollbackEnabled && existed {
		rollbackCtx, cancel := context.WithTimeout(ctx, m.rollbackTimeout)
		defer cancel()

		image := prev.Image
		replicas := prev.Replicas
		if err := m.orch.UpdateService(rollbackCtx, config.ServiceName, orchestrator.UpdateSpec{
			Image:    &image,
			Env:      prev.Env,
			Replicas: &replicas,
			Force:    true,
		}); err != nil {
			deployment.Status = DeploymentFailed
			deployment.ErrorMessage = fmt.Sprintf("%s; rollback also failed: %v", reason, err)
			m.appendHistory(deployment)
			m.m.DeploymentsTotal.WithLabelValues(config.ServiceName, "failed").Inc()
			return deployment, fmt.Errorf("operational: deploy failed and rollback failed for %s: %s", config.ServiceName, deployment.ErrorMessage)
		}

		deployment.Status = DeploymentRolledBack
		deployment.RollbackPerformed = true
		m.appendHistory(deployment)
		m.m.DeploymentsTotal.WithLabelValues(config.ServiceName, "rolled_back").Inc()
		m.m.RollbacksTotal.WithLabelValues(config.ServiceName, reason).Inc()
		return deployment, fmt.Errorf("operational: deployment failed for %s and was rolled back: %s", config.ServiceName, reason)
	}

	deployment.Status = DeploymentFailed
	m.appendHistory(deployment)
	m.m.DeploymentsTotal.WithLabelValues(config.ServiceName, "failed").Inc()
	return deployment, fmt.Errorf("operational: deployment failed for %s: %s", config.ServiceName, reason)
}

// Rollback sets serviceName to the caller-supplied targetImage and env with
// a forced UpdateService and records a rolled_back history entry, a thin
// shell for the explicit `rollback` CLI verb. It does not consult the
// deployment history to pick the image.
func (m *Manager) Rollback(ctx context.Context, serviceName, targetImage string, env map[string]string) (Deployment, error) {
	lock := m.serviceLock(serviceName)
	lock.Lock()
	defer lock.Unlock()

	deployment := Deployment{
		DeploymentID: uuid.NewString(),
		ServiceName:  serviceName,
		Status:       DeploymentInProgress,
		StartTime:    time.Now(),
	}

	rollbackCtx, cancel := context.WithTimeout(ctx, m.rollbackTimeout)
	defer cancel()

	image := targetImage
	if err := m.orch.UpdateService(rollbackCtx, serviceName, orchestrator.UpdateSpec{Image: &image, Env: env, Force: true}); err != nil {
		deployment.Status = DeploymentFailed
		deployment.ErrorMessage = err.Error()
		deployment.EndTime = time.Now()
		m.appendHistory(deployment)
		return deployment, fmt.Errorf("operational: rollback(%s): %w", serviceName, err)
	}

	deployment.Status = DeploymentRolledBack
	deployment.RollbackPerformed = true
	deployment.EndTime = time.Now()
	m.appendHistory(deployment)
	m.m.RollbacksTotal.WithLabelValues(serviceName, "manual").Inc()
	return deployment, nil
}
