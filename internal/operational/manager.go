package operational

import (
	"log/slog"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/vitaliisemenov/alert-history/internal/operational/orchestrator"
	"github.com/vitaliisemenov/alert-history/pkg/metrics"
)

// resolvedIncidentHistorySize is how many recently resolved incidents
// remain briefly queryable after dropping out of the active registry.
const resolvedIncidentHistorySize = 100

// Manager coordinates deployments, scaling, and incident response for a
// worker fleet through a ServiceOrchestrator. Deploy, Rollback and Scale
// for a given service are serialized by that service's own mutex;
// HandleIncident does not take it and guards only the incident registry.
type Manager struct {
	orch      orchestrator.ServiceOrchestrator
	logger    *slog.Logger
	m         *metrics.OperationalMetrics
	validator *validator.Validate

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	historyMu   sync.Mutex
	deployments []Deployment

	cooldownMu sync.Mutex
	cooldowns  map[string]time.Time

	incidentsMu sync.Mutex
	incidents   map[string]*Incident
	resolved    *lru.Cache[string, Incident]

	rolloutTimeout  time.Duration
	rollbackTimeout time.Duration
}

// New builds an operational manager over orch, with the spec's default
// rollout (600s) and rollback (300s) timeouts.
func New(orch orchestrator.ServiceOrchestrator, logger *slog.Logger, m *metrics.OperationalMetrics) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if m == nil {
		m = metrics.DefaultRegistry().Operational()
	}

	resolvedCache, _ := lru.New[string, Incident](resolvedIncidentHistorySize)

	return &Manager{
		orch:            orch,
		logger:          logger.With("component", "operational_manager"),
		m:               m,
		validator:       validator.New(),
		locks:           make(map[string]*sync.Mutex),
		cooldowns:       make(map[string]time.Time),
		incidents:       make(map[string]*Incident),
		resolved:        resolvedCache,
		rolloutTimeout:  defaultRolloutTimeout,
		rollbackTimeout: defaultRollbackTimeout,
	}
}

// serviceLock returns (creating if necessary) the mutex guarding one
// service's deployment/scaling state.
func (m *Manager) serviceLock(serviceName string) *sync.Mutex {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()

	lock, ok := m.locks[serviceName]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[serviceName] = lock
	}
	return lock
}

func (m *Manager) appendHistory(d Deployment) {
	m.historyMu.Lock()
	defer m.historyMu.Unlock()
	m.deployments = append(m.deployments, d)
}

// DeploymentHistory returns every recorded deployment, in the order they
// were appended.
func (m *Manager) DeploymentHistory() []Deployment {
	m.historyMu.Lock()
	defer m.historyMu.Unlock()
	out := make([]Deployment, len(m.deployments))
	copy(out, m.deployments)
	return out
}
