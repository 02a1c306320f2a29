package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/vitaliisemenov/alert-history/pkg/resilience"
)

// Row is one result row from ExecuteQuery, keyed by column name.
type Row map[string]interface{}

// QueryExecutor is the minimal surface the processor depends on instead of
// a concrete Manager, so claim/complete/fail logic can be tested against a
// fake.
type QueryExecutor interface {
	ExecuteQuery(ctx context.Context, sql string, params []interface{}, fetch bool) ([]Row, error)
	ExecuteQueryWithRetry(ctx context.Context, sql string, params []interface{}, fetch bool) ([]Row, error)
}

// PoolInspector exposes point-in-time pool shape for status reporting.
type PoolInspector interface {
	GetPoolStatus() PoolStatus
}

// HealthCheckable is implemented by anything the processor's health gate
// can poll.
type HealthCheckable interface {
	HealthCheck(ctx context.Context) (HealthStatus, error)
	HealthCheckWithRetry(ctx context.Context) (HealthStatus, error)
}

// Pool is the full Database Manager surface named in §4.B: one named
// connection pool plus retry-wrapped and plain variants of every operation.
type Pool interface {
	QueryExecutor
	PoolInspector
	HealthCheckable
	RunMigrations(ctx context.Context) error
	Name() string
	Close() error
}

// HealthStatus is the health-check result shape from §4.B.
type HealthStatus struct {
	Status          string `json:"status"` // healthy|degraded|unhealthy
	ResponseTimeMs  int64  `json:"response_time_ms"`
	Pool            PoolStatus `json:"pool"`
	Error           string `json:"error,omitempty"`
}

// PoolStatus reports pool shape in the vocabulary spec §4.B names:
// size, checked_out, overflow, invalid.
type PoolStatus struct {
	Size       int32 `json:"size"`
	CheckedOut int32 `json:"checked_out"`
	Overflow   int32 `json:"overflow"`
	Invalid    int32 `json:"invalid"`
}

// Manager implements Pool over one PostgresPool, adding retry-wrapped
// variants and a degraded-health warning threshold.
type Manager struct {
	name            string
	db              *PostgresPool
	logger          *slog.Logger
	retryPolicy     resilience.Policy
	degradedWarnMs  int64
	migrationRunner MigrationRunner
}

// MigrationRunner abstracts internal/database/migrations so this package
// does not import it directly (it would be a cycle: migrations depends on
// a Pool to apply SQL against).
type MigrationRunner interface {
	Run(ctx context.Context, pool *PostgresPool) error
}

// NewManager builds a Database Manager named after its logical database
// ("queue", "source"). degradedWarnMs is the response-time threshold past
// which a successful health check is reported "degraded" rather than
// "healthy".
func NewManager(name string, db *PostgresPool, logger *slog.Logger, degradedWarnMs int64, migrations MigrationRunner) *Manager {
	if logger == nil {
		logger = slog.Default()
	}

	return &Manager{
		name:   name,
		db:     db,
		logger: logger.With("db_manager", name),
		retryPolicy: resilience.Policy{
			MaxAttempts:   4,
			BaseDelay:     100 * time.Millisecond,
			MaxDelay:      5 * time.Second,
			Classifier:    RetryClassifier{},
			Logger:        logger,
			OperationName: "db." + name,
		},
		degradedWarnMs:  degradedWarnMs,
		migrationRunner: migrations,
	}
}

// Name returns the logical database name this manager owns.
func (m *Manager) Name() string {
	return m.name
}

// Close shuts down the underlying pool.
func (m *Manager) Close() error {
	return m.db.Close()
}

// ExecuteQuery runs sql once, with no retry. fetch=false skips row
// materialization for statements that return no rows (INSERT/UPDATE/DELETE
// without RETURNING).
func (m *Manager) ExecuteQuery(ctx context.Context, sql string, params []interface{}, fetch bool) ([]Row, error) {
	if !fetch {
		_, err := m.db.Exec(ctx, sql, params...)
		return nil, err
	}

	rows, err := m.db.Query(ctx, sql, params...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	fieldDescs := rows.FieldDescriptions()
	var out []Row

	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, err
		}
		row := make(Row, len(fieldDescs))
		for i, fd := range fieldDescs {
			row[string(fd.Name)] = values[i]
		}
		out = append(out, row)
	}

	return out, rows.Err()
}

// ExecuteQueryWithRetry retries ExecuteQuery per the shared backoff policy,
// only for errors classify.Classify reports as transient.
func (m *Manager) ExecuteQueryWithRetry(ctx context.Context, sql string, params []interface{}, fetch bool) ([]Row, error) {
	return resilience.DoValue(ctx, m.retryPolicy, func(ctx context.Context) ([]Row, error) {
		return m.ExecuteQuery(ctx, sql, params, fetch)
	})
}

// HealthCheck runs "SELECT 1" once and classifies the result per §4.B.
func (m *Manager) HealthCheck(ctx context.Context) (HealthStatus, error) {
	start := time.Now()
	err := m.db.Health(ctx)
	elapsed := time.Since(start).Milliseconds()

	status := m.GetPoolStatus()

	if err != nil {
		return HealthStatus{
			Status:         "unhealthy",
			ResponseTimeMs: elapsed,
			Pool:           status,
			Error:          err.Error(),
		}, nil
	}

	result := "healthy"
	if m.degradedWarnMs > 0 && elapsed > m.degradedWarnMs {
		result = "degraded"
	}

	return HealthStatus{
		Status:         result,
		ResponseTimeMs: elapsed,
		Pool:           status,
	}, nil
}

// HealthCheckWithRetry retries HealthCheck's underlying ping on transient
// failure before reporting unhealthy.
func (m *Manager) HealthCheckWithRetry(ctx context.Context) (HealthStatus, error) {
	return resilience.DoValue(ctx, m.retryPolicy, func(ctx context.Context) (HealthStatus, error) {
		hs, err := m.HealthCheck(ctx)
		if hs.Status == "unhealthy" {
			return hs, fmt.Errorf("%w: %s", ErrHealthCheckFailed, hs.Error)
		}
		return hs, err
	})
}

// GetPoolStatus reports current pool shape in the size/checked_out/
// overflow/invalid vocabulary.
func (m *Manager) GetPoolStatus() PoolStatus {
	stats := m.db.Stats()
	return PoolStatus{
		Size:       int32(stats.TotalConnections),
		CheckedOut: stats.ActiveConnections,
		Overflow:   0,
		Invalid:    int32(stats.ConnectionErrors),
	}
}

// RunMigrations delegates to the configured migration runner, if any.
func (m *Manager) RunMigrations(ctx context.Context) error {
	if m.migrationRunner == nil {
		return fmt.Errorf("db manager %q: no migration runner configured", m.name)
	}
	return m.migrationRunner.Run(ctx, m.db)
}
