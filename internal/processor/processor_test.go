package processor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitaliisemenov/alert-history/internal/database/postgres"
	"github.com/vitaliisemenov/alert-history/pkg/metrics"
)

// fakePool is an in-memory postgres.Pool stand-in so processor logic can be
// tested without a real database.
type fakePool struct {
	name        string
	queryFunc   func(sql string, params []interface{}, fetch bool) ([]postgres.Row, error)
	healthFunc  func() (postgres.HealthStatus, error)
}

func (f *fakePool) ExecuteQuery(_ context.Context, sql string, params []interface{}, fetch bool) ([]postgres.Row, error) {
	return f.queryFunc(sql, params, fetch)
}

func (f *fakePool) ExecuteQueryWithRetry(ctx context.Context, sql string, params []interface{}, fetch bool) ([]postgres.Row, error) {
	return f.ExecuteQuery(ctx, sql, params, fetch)
}

func (f *fakePool) GetPoolStatus() postgres.PoolStatus { return postgres.PoolStatus{} }

func (f *fakePool) HealthCheck(context.Context) (postgres.HealthStatus, error) {
	if f.healthFunc != nil {
		return f.healthFunc()
	}
	return postgres.HealthStatus{Status: "healthy"}, nil
}

func (f *fakePool) HealthCheckWithRetry(ctx context.Context) (postgres.HealthStatus, error) {
	return f.HealthCheck(ctx)
}

func (f *fakePool) RunMigrations(context.Context) error { return nil }
func (f *fakePool) Name() string                        { return f.name }
func (f *fakePool) Close() error                         { return nil }

func testMetrics() *metrics.ProcessorMetrics {
	return metrics.NewMetricsRegistry("processor_test_" + time.Now().Format("150405.000000000")).Processor()
}

func TestProcessor_ClaimRecordsBatch_Success(t *testing.T) {
	claimedAt := time.Now()
	pool := &fakePool{
		name: "queue",
		queryFunc: func(sql string, params []interface{}, fetch bool) ([]postgres.Row, error) {
			return []postgres.Row{
				{
					"id": int64(1), "flow_name": "ingest", "payload": []byte(`{"a":1}`),
					"status": "processing", "retry_count": int32(0), "flow_instance_id": "worker-abc",
					"claimed_at": claimedAt, "created_at": claimedAt, "updated_at": claimedAt,
					"completed_at": nil, "error_message": nil, "result": nil,
				},
			}, nil
		},
	}

	p := New(pool, nil, nil, testMetrics())
	records, err := p.ClaimRecordsBatch(context.Background(), "ingest", 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, int64(1), records[0].ID)
	assert.Equal(t, "ingest", records[0].FlowName)
	assert.Equal(t, 1.0, records[0].Payload["a"])
}

func TestProcessor_ClaimRecordsBatch_InvalidInput(t *testing.T) {
	p := New(&fakePool{name: "queue"}, nil, nil, testMetrics())

	_, err := p.ClaimRecordsBatch(context.Background(), "", 10)
	assert.Error(t, err)

	_, err = p.ClaimRecordsBatch(context.Background(), "ingest", 0)
	assert.Error(t, err)
}

func TestProcessor_MarkRecordCompleted(t *testing.T) {
	pool := &fakePool{
		name: "queue",
		queryFunc: func(sql string, params []interface{}, fetch bool) ([]postgres.Row, error) {
			return nil, nil
		},
	}
	p := New(pool, nil, nil, testMetrics())

	err := p.MarkRecordCompleted(context.Background(), "ingest", 1, map[string]interface{}{"ok": true})
	assert.NoError(t, err)
}

func TestProcessor_MarkRecordFailed(t *testing.T) {
	pool := &fakePool{
		name: "queue",
		queryFunc: func(sql string, params []interface{}, fetch bool) ([]postgres.Row, error) {
			return nil, nil
		},
	}
	p := New(pool, nil, nil, testMetrics())

	err := p.MarkRecordFailed(context.Background(), "ingest", 1, "boom")
	assert.NoError(t, err)
}

func TestProcessor_GetQueueStatus(t *testing.T) {
	pool := &fakePool{
		name: "queue",
		queryFunc: func(sql string, params []interface{}, fetch bool) ([]postgres.Row, error) {
			return []postgres.Row{
				{"status": "pending", "n": int64(3)},
				{"status": "completed", "n": int64(7)},
			}, nil
		},
	}
	p := New(pool, nil, nil, testMetrics())

	status, err := p.GetQueueStatus(context.Background(), "ingest", false)
	require.NoError(t, err)
	assert.Equal(t, int64(3), status.Counts.Pending)
	assert.Equal(t, int64(7), status.Counts.Completed)
}

func TestProcessor_HealthCheck_HealthyQueueOnly(t *testing.T) {
	pool := &fakePool{
		name: "queue",
		queryFunc: func(sql string, params []interface{}, fetch bool) ([]postgres.Row, error) {
			return nil, nil
		},
	}
	p := New(pool, nil, nil, testMetrics())

	result, err := p.HealthCheck(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "healthy", result.Status)
}

func TestProcessor_HealthCheck_DegradedSource(t *testing.T) {
	queueDB := &fakePool{
		name: "queue",
		queryFunc: func(sql string, params []interface{}, fetch bool) ([]postgres.Row, error) {
			return nil, nil
		},
		healthFunc: func() (postgres.HealthStatus, error) { return postgres.HealthStatus{Status: "healthy"}, nil },
	}
	sourceDB := &fakePool{
		name:       "source",
		healthFunc: func() (postgres.HealthStatus, error) { return postgres.HealthStatus{Status: "degraded"}, nil },
	}
	p := New(queueDB, sourceDB, nil, testMetrics())

	result, err := p.HealthCheck(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "degraded", result.Status)
}

func TestProcessor_InstanceID_IsStable(t *testing.T) {
	p := New(&fakePool{name: "queue"}, nil, nil, testMetrics())
	first := p.InstanceID()
	second := p.InstanceID()
	assert.Equal(t, first, second)
	assert.NotEmpty(t, first)
}
