package processor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	dbmigrations "github.com/vitaliisemenov/alert-history/internal/database/migrations"
	dbpostgres "github.com/vitaliisemenov/alert-history/internal/database/postgres"
	"github.com/vitaliisemenov/alert-history/pkg/metrics"
)

// setupQueueDB starts a real Postgres container, runs the migrations this
// repo ships, and returns a connected pool ready for a Processor.
func setupQueueDB(t *testing.T) *dbpostgres.PostgresPool {
	t.Helper()
	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"postgres:15-alpine",
		postgres.WithDatabase("queue_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = container.Terminate(context.Background())
	})

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	pool := dbpostgres.NewPostgresPool(dbpostgres.DefaultPoolConfig("queue", connStr, 10, 5), nil)
	require.NoError(t, pool.Connect(ctx))
	t.Cleanup(func() { _ = pool.Close() })

	require.NoError(t, dbmigrations.NewManager(nil).Run(ctx, pool))

	return pool
}

func newTestProcessorMetrics() *metrics.ProcessorMetrics {
	return metrics.NewMetricsRegistry("processor_integration_test_" + time.Now().Format("150405.000000000")).Processor()
}

// TestProcessor_ClaimBatch_NoOverlapAcrossConcurrentWorkers drives two
// processor instances against the same queue concurrently and asserts
// every claimed record went to exactly one of them.
func TestProcessor_ClaimBatch_NoOverlapAcrossConcurrentWorkers(t *testing.T) {
	pool := setupQueueDB(t)
	ctx := context.Background()

	const flowName = "integration-flow"
	const recordCount = 200

	seeder := New(dbpostgres.NewManager("queue", pool, nil, 500, nil), nil, nil, newTestProcessorMetrics())
	payloads := make([]map[string]interface{}, recordCount)
	for i := range payloads {
		payloads[i] = map[string]interface{}{"n": i}
	}
	added, err := seeder.AddRecordsToQueue(ctx, flowName, payloads)
	require.NoError(t, err)
	require.Equal(t, recordCount, added)

	workerA := New(dbpostgres.NewManager("queue", pool, nil, 500, nil), nil, nil, newTestProcessorMetrics())
	workerB := New(dbpostgres.NewManager("queue", pool, nil, 500, nil), nil, nil, newTestProcessorMetrics())

	var mu sync.Mutex
	claimed := make(map[int64]string)

	var wg sync.WaitGroup
	for _, w := range []struct {
		name string
		proc *Processor
	}{{"A", workerA}, {"B", workerB}} {
		w := w
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				records, err := w.proc.ClaimRecordsBatch(ctx, flowName, 10)
				require.NoError(t, err)
				if len(records) == 0 {
					return
				}
				mu.Lock()
				for _, r := range records {
					assert.NotContains(t, claimed, r.ID, "record claimed by more than one worker")
					claimed[r.ID] = w.name
				}
				mu.Unlock()
				for _, r := range records {
					require.NoError(t, w.proc.MarkRecordCompleted(ctx, flowName, r.ID, map[string]interface{}{"ok": true}))
				}
			}
		}()
	}
	wg.Wait()

	assert.Len(t, claimed, recordCount, "every record must be claimed exactly once across both workers")

	status, err := seeder.GetQueueStatus(ctx, flowName, false)
	require.NoError(t, err)
	assert.Equal(t, int64(recordCount), status.Counts.Completed)
	assert.Equal(t, int64(0), status.Counts.Pending)
}

// TestProcessor_CleanupOrphanedRecords_RecoversStaleClaims verifies a
// record claimed and then abandoned (simulating a crashed worker) is
// returned to pending once its claim is older than the cleanup timeout.
func TestProcessor_CleanupOrphanedRecords_RecoversStaleClaims(t *testing.T) {
	pool := setupQueueDB(t)
	ctx := context.Background()

	mgr := dbpostgres.NewManager("queue", pool, nil, 500, nil)
	proc := New(mgr, nil, nil, newTestProcessorMetrics())

	_, err := proc.AddRecordsToQueue(ctx, "cleanup-flow", []map[string]interface{}{{"n": 1}})
	require.NoError(t, err)

	records, err := proc.ClaimRecordsBatch(ctx, "cleanup-flow", 1)
	require.NoError(t, err)
	require.Len(t, records, 1)

	_, err = pool.Pool().Exec(ctx,
		`UPDATE processing_queue SET claimed_at = now() - interval '2 hours' WHERE id = $1`,
		records[0].ID)
	require.NoError(t, err)

	recovered, err := proc.CleanupOrphanedRecords(ctx, 1.0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), recovered)

	status, err := proc.GetQueueStatus(ctx, "cleanup-flow", false)
	require.NoError(t, err)
	assert.Equal(t, int64(1), status.Counts.Pending)
	assert.Equal(t, int64(0), status.Counts.Processing)
}
