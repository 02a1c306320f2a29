package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/vitaliisemenov/alert-history/pkg/metrics"
)

// mockPoolStatsProvider is a minimal PoolStatsProvider for exporter tests.
type mockPoolStatsProvider struct {
	stats PoolStats
}

func (m *mockPoolStatsProvider) Stats() PoolStats {
	return m.stats
}

func TestNewPrometheusExporter(t *testing.T) {
	mockPool := &mockPoolStatsProvider{
		stats: PoolStats{
			ActiveConnections:  5,
			IdleConnections:    10,
			ConnectionsCreated: 100,
			ConnectionWaitTime: 50 * time.Millisecond,
			TotalQueries:       1000,
			QueryExecutionTime: 500 * time.Millisecond,
			ConnectionErrors:   2,
			QueryErrors:        5,
			TimeoutErrors:      1,
		},
	}

	registry := metrics.NewMetricsRegistry("test_prom_exporter")
	dbMetrics := registry.Infra().DB

	exporter := NewPrometheusExporter(mockPool, dbMetrics)

	if exporter == nil {
		t.Fatal("NewPrometheusExporter returned nil")
	}
	if exporter.dbMetrics != dbMetrics {
		t.Error("dbMetrics not set correctly")
	}
}

func TestPrometheusExporter_StartStop(t *testing.T) {
	mockPool := &mockPoolStatsProvider{
		stats: PoolStats{ActiveConnections: 5, IdleConnections: 10, TotalQueries: 1000},
	}

	registry := metrics.NewMetricsRegistry("test_prom_start_stop")
	exporter := NewPrometheusExporter(mockPool, registry.Infra().DB)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	exporter.Start(ctx, 20*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	exporter.Stop()
	time.Sleep(10 * time.Millisecond)
}

func TestPrometheusExporter_ExportMetrics(t *testing.T) {
	mockPool := &mockPoolStatsProvider{
		stats: PoolStats{
			ActiveConnections:  7,
			IdleConnections:    3,
			TotalQueries:       500,
			QueryExecutionTime: 250 * time.Millisecond,
			ConnectionErrors:   1,
			QueryErrors:        2,
		},
	}

	registry := metrics.NewMetricsRegistry("test_prom_export")
	exporter := NewPrometheusExporter(mockPool, registry.Infra().DB)

	exporter.exportMetrics()

	exporter.pool = nil
	exporter.exportMetrics()

	exporter.pool = mockPool
	exporter.dbMetrics = nil
	exporter.exportMetrics()
}

func TestPrometheusExporter_RecordQuery(t *testing.T) {
	registry := metrics.NewMetricsRegistry("test_prom_record_query")
	exporter := NewPrometheusExporter(&mockPoolStatsProvider{}, registry.Infra().DB)

	exporter.RecordQuery("SELECT", 5*time.Millisecond, true)
	exporter.RecordQuery("UPDATE", 5*time.Millisecond, false)
}
