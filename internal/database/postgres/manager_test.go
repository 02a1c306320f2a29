package postgres

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestManager_Name(t *testing.T) {
	db := NewPostgresPool(DefaultPoolConfig("queue", "postgres://u:p@localhost/queue", 10, 5), nil)
	m := NewManager("queue", db, nil, 200, nil)

	assert.Equal(t, "queue", m.Name())
}

func TestManager_GetPoolStatus_BeforeConnect(t *testing.T) {
	db := NewPostgresPool(DefaultPoolConfig("queue", "postgres://u:p@localhost/queue", 10, 5), nil)
	m := NewManager("queue", db, nil, 200, nil)

	status := m.GetPoolStatus()
	assert.Equal(t, int32(0), status.Size)
	assert.Equal(t, int32(0), status.CheckedOut)
}

func TestManager_RunMigrations_NoRunnerConfigured(t *testing.T) {
	db := NewPostgresPool(DefaultPoolConfig("queue", "postgres://u:p@localhost/queue", 10, 5), nil)
	m := NewManager("queue", db, nil, 200, nil)

	err := m.RunMigrations(context.Background())
	assert.Error(t, err)
}

type stubMigrationRunner struct {
	called bool
	err    error
}

func (s *stubMigrationRunner) Run(ctx context.Context, pool *PostgresPool) error {
	s.called = true
	return s.err
}

func TestManager_RunMigrations_DelegatesToRunner(t *testing.T) {
	db := NewPostgresPool(DefaultPoolConfig("queue", "postgres://u:p@localhost/queue", 10, 5), nil)
	runner := &stubMigrationRunner{}
	m := NewManager("queue", db, nil, 200, runner)

	err := m.RunMigrations(context.Background())
	assert.NoError(t, err)
	assert.True(t, runner.called)
}
