package operational

import (
	"context"
	"fmt"
	"time"

	"github.com/vitaliisemenov/alert-history/internal/operational/orchestrator"
)

// Scale reads current replicas and metrics for policy.ServiceName and
// applies the threshold decision from spec §4.E, suppressing the action if
// the service's cooldown from a previous successful scale has not elapsed.
func (m *Manager) Scale(ctx context.Context, policy ScalingPolicy) (ScalingDecision, error) {
	if err := m.validator.Struct(policy); err != nil {
		return ScalingDecision{}, fmt.Errorf("operational: invalid scaling policy: %w", err)
	}

	lock := m.serviceLock(policy.ServiceName)
	lock.Lock()
	defer lock.Unlock()

	if until, cooling := m.cooldownUntil(policy.ServiceName); cooling && time.Now().Before(until) {
		return ScalingDecision{ServiceName: policy.ServiceName, Direction: ScaleStable, Reason: "cooldown active"}, nil
	}

	service, err := m.orch.GetService(ctx, policy.ServiceName)
	if err != nil {
		return ScalingDecision{}, fmt.Errorf("operational: get_service(%s): %w", policy.ServiceName, err)
	}

	current := service.Replicas
	metrics, err := m.orch.GetMetrics(ctx, policy.ServiceName)
	if err != nil {
		return ScalingDecision{}, fmt.Errorf("operational: get_metrics(%s): %w", policy.ServiceName, err)
	}

	decision := decide(policy, current, metrics.CPU, metrics.Mem)

	if decision.Direction == ScaleStable {
		return decision, nil
	}

	newReplicas := decision.NewReplicas
	if err := m.orch.UpdateService(ctx, policy.ServiceName, orchestrator.UpdateSpec{Replicas: &newReplicas}); err != nil {
		return decision, fmt.Errorf("operational: update_service(%s) for scaling: %w", policy.ServiceName, err)
	}

	m.startCooldown(policy.ServiceName, policy.Cooldown)
	m.m.ScalingActionsTotal.WithLabelValues(policy.ServiceName, string(decision.Direction)).Inc()
	m.m.ServiceReplicas.WithLabelValues(policy.ServiceName).Set(float64(newReplicas))

	return decision, nil
}

func decide(policy ScalingPolicy, current int32, cpu, mem float64) ScalingDecision {
	base := ScalingDecision{ServiceName: policy.ServiceName, PreviousReplicas: current, NewReplicas: current, Direction: ScaleStable}

	if (cpu > policy.ScaleUpThreshold || mem > policy.ScaleUpThreshold) && current < policy.MaxReplicas {
		newReplicas := current + policy.StepUp
		if newReplicas > policy.MaxReplicas {
			newReplicas = policy.MaxReplicas
		}
		base.Direction = ScaleUp
		base.NewReplicas = newReplicas
		base.Reason = fmt.Sprintf("cpu=%.2f mem=%.2f exceeds scale_up_threshold=%.2f", cpu, mem, policy.ScaleUpThreshold)
		return base
	}

	if cpu < policy.ScaleDownThreshold && mem < policy.ScaleDownThreshold && current > policy.MinReplicas {
		newReplicas := current - policy.StepDown
		if newReplicas < policy.MinReplicas {
			newReplicas = policy.MinReplicas
		}
		base.Direction = ScaleDown
		base.NewReplicas = newReplicas
		base.Reason = fmt.Sprintf("cpu=%.2f mem=%.2f below scale_down_threshold=%.2f", cpu, mem, policy.ScaleDownThreshold)
		return base
	}

	base.Reason = "within thresholds"
	return base
}

func (m *Manager) cooldownUntil(serviceName string) (time.Time, bool) {
	m.cooldownMu.Lock()
	defer m.cooldownMu.Unlock()
	until, ok := m.cooldowns[serviceName]
	return until, ok
}

func (m *Manager) startCooldown(serviceName string, d time.Duration) {
	if d <= 0 {
		return
	}
	m.cooldownMu.Lock()
	defer m.cooldownMu.Unlock()
	m.cooldowns[serviceName] = time.Now().Add(d)
}
