package operational

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/vitaliisemenov/alert-history/internal/operational/orchestrator"
)

// classify keyword-matches an incident's description per spec §4.E.
func classify(description string) IncidentClass {
	d := strings.ToLower(description)
	switch {
	case strings.Contains(d, "crash") || strings.Contains(d, "exit"):
		return ClassContainerCrash
	case strings.Contains(d, "cpu high"):
		return ClassHighCPU
	case strings.Contains(d, "memory high"):
		return ClassHighMemory
	case strings.Contains(d, "unavailable") || strings.Contains(d, "unreachable"):
		return ClassServiceUnavailable
	case strings.Contains(d, "deployment fail"):
		return ClassDeploymentFailure
	default:
		return ClassGeneric
	}
}

// HandleIncident runs one incident through open -> handling ->
// {resolved, escalated, follow_up}. Duplicate incident_ids overwrite the
// active entry (idempotent by id).
func (m *Manager) HandleIncident(ctx context.Context, incidentID, serviceName string, severity IncidentSeverity, description string) (*Incident, error) {
	if incidentID == "" {
		incidentID = uuid.NewString()
	}

	incident := &Incident{
		IncidentID:  incidentID,
		ServiceName: serviceName,
		Severity:    severity,
		Description: description,
		Timestamp:   time.Now(),
		State:       IncidentOpen,
	}

	m.incidentsMu.Lock()
	m.incidents[incidentID] = incident
	m.incidentsMu.Unlock()

	incident.State = IncidentHandling
	class := classify(description)

	response, err := m.dispatch(ctx, serviceName, class)
	if err != nil {
		return incident, fmt.Errorf("operational: handling incident %s: %w", incidentID, err)
	}

	incident.ActionsTaken = response.Actions

	m.incidentsMu.Lock()
	defer m.incidentsMu.Unlock()

	switch {
	case response.ResolutionSuccessful:
		incident.State = IncidentResolved
		incident.Resolved = true
		now := time.Now()
		incident.ResolutionTime = &now
		delete(m.incidents, incidentID)
		m.resolved.Add(incidentID, *incident)
		m.m.IncidentsTotal.WithLabelValues(serviceName, "resolved").Inc()
	case response.EscalationNeeded:
		incident.State = IncidentEscalated
		m.incidents[incidentID] = incident
		m.m.IncidentsTotal.WithLabelValues(serviceName, "escalated").Inc()
	case response.FollowUpRequired:
		incident.State = IncidentFollowUp
		m.incidents[incidentID] = incident
		m.m.IncidentsTotal.WithLabelValues(serviceName, "follow_up").Inc()
	default:
		incident.State = IncidentHandling
		m.incidents[incidentID] = incident
	}

	return incident, nil
}

// ActiveIncident returns the active registry entry for id, if any.
func (m *Manager) ActiveIncident(id string) (*Incident, bool) {
	m.incidentsMu.Lock()
	defer m.incidentsMu.Unlock()
	inc, ok := m.incidents[id]
	return inc, ok
}

// RecentlyResolvedIncident returns a bounded-window lookup of an incident
// that resolved recently, after it has dropped out of the active registry.
func (m *Manager) RecentlyResolvedIncident(id string) (Incident, bool) {
	return m.resolved.Get(id)
}

func (m *Manager) dispatch(ctx context.Context, serviceName string, class IncidentClass) (IncidentResponse, error) {
	switch class {
	case ClassContainerCrash:
		return m.handleContainerCrash(ctx, serviceName)
	case ClassHighCPU, ClassHighMemory:
		return m.handleResourcePressure(ctx, serviceName, class)
	case ClassServiceUnavailable:
		return m.handleServiceUnavailable(ctx, serviceName)
	case ClassDeploymentFailure:
		return m.handleDeploymentFailure(serviceName)
	default:
		return IncidentResponse{Actions: []string{"logged generic incident for manual review"}, FollowUpRequired: true}, nil
	}
}

// handleContainerCrash checks the service's tasks and restarts (via a
// forced no-op update) any that are not running.
func (m *Manager) handleContainerCrash(ctx context.Context, serviceName string) (IncidentResponse, error) {
	tasks, err := m.orch.GetTasks(ctx, serviceName)
	if err != nil {
		return IncidentResponse{}, err
	}

	failedCount := 0
	for _, task := range tasks {
		if task.State != orchestrator.TaskRunning {
			failedCount++
		}
	}

	if failedCount == 0 {
		return IncidentResponse{Actions: []string{"no failed tasks found, treating as transient"}, ResolutionSuccessful: true}, nil
	}

	if err := m.orch.UpdateService(ctx, serviceName, orchestrator.UpdateSpec{Force: true}); err != nil {
		return IncidentResponse{Actions: []string{"restart attempt failed"}, EscalationNeeded: true}, err
	}

	return IncidentResponse{Actions: []string{fmt.Sprintf("forced restart of %d failed task(s)", failedCount)}, ResolutionSuccessful: true}, nil
}

// handleResourcePressure scales the service up by one step as a stopgap.
func (m *Manager) handleResourcePressure(ctx context.Context, serviceName string, class IncidentClass) (IncidentResponse, error) {
	service, err := m.orch.GetService(ctx, serviceName)
	if err != nil {
		return IncidentResponse{}, err
	}

	newReplicas := service.Replicas + 1
	if err := m.orch.UpdateService(ctx, serviceName, orchestrator.UpdateSpec{Replicas: &newReplicas}); err != nil {
		return IncidentResponse{Actions: []string{"scale-up attempt failed"}, EscalationNeeded: true}, err
	}

	return IncidentResponse{
		Actions:              []string{fmt.Sprintf("scaled %s to %d replicas in response to %s", serviceName, newReplicas, class)},
		ResolutionSuccessful: true,
		FollowUpRequired:     true,
	}, nil
}

// handleServiceUnavailable confirms whether any tasks are running; if
// none are, the incident escalates. No restart is attempted.
func (m *Manager) handleServiceUnavailable(ctx context.Context, serviceName string) (IncidentResponse, error) {
	tasks, err := m.orch.GetTasks(ctx, serviceName)
	if err != nil {
		return IncidentResponse{}, err
	}

	running := 0
	for _, task := range tasks {
		if task.State == orchestrator.TaskRunning {
			running++
		}
	}

	if running == 0 {
		return IncidentResponse{Actions: []string{"no running tasks; escalating"}, EscalationNeeded: true}, nil
	}

	return IncidentResponse{Actions: []string{fmt.Sprintf("%d task(s) running, service reachable", running)}, ResolutionSuccessful: true}, nil
}

// handleDeploymentFailure always requires human follow-up: the deployment
// FSM already attempted rollback itself.
func (m *Manager) handleDeploymentFailure(serviceName string) (IncidentResponse, error) {
	return IncidentResponse{
		Actions:          []string{fmt.Sprintf("deployment failure for %s recorded; review deployment history", serviceName)},
		FollowUpRequired: true,
	}, nil
}
