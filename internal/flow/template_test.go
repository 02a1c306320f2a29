package flow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitaliisemenov/alert-history/internal/processor"
	"github.com/vitaliisemenov/alert-history/internal/queue"
	"github.com/vitaliisemenov/alert-history/pkg/metrics"
)

type fakeProcessor struct {
	mu          sync.Mutex
	health      processor.HealthResult
	healthErr   error
	claimed     []queue.Record
	claimErr    error
	completed   []int64
	failed      []int64
}

func (f *fakeProcessor) HealthCheck(context.Context) (processor.HealthResult, error) {
	return f.health, f.healthErr
}

func (f *fakeProcessor) ClaimRecordsBatch(context.Context, string, int) ([]queue.Record, error) {
	return f.claimed, f.claimErr
}

func (f *fakeProcessor) MarkRecordCompleted(_ context.Context, _ string, id int64, _ map[string]interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed = append(f.completed, id)
	return nil
}

func (f *fakeProcessor) MarkRecordFailed(_ context.Context, _ string, id int64, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed = append(f.failed, id)
	return nil
}

func (f *fakeProcessor) InstanceID() string { return "worker-test" }

func testProcessorMetrics() *metrics.ProcessorMetrics {
	return metrics.NewMetricsRegistry("flow_test_" + time.Now().Format("150405.000000000")).Processor()
}

func TestTemplate_Run_InvalidInput(t *testing.T) {
	proc := &fakeProcessor{health: processor.HealthResult{Status: "healthy"}}
	tmpl := New(proc, 2, nil, testProcessorMetrics())

	_, err := tmpl.Run(context.Background(), "", 10, nil)
	assert.Error(t, err)

	_, err = tmpl.Run(context.Background(), "ingest", 0, nil)
	assert.Error(t, err)
}

func TestTemplate_Run_UnhealthyAbortsFast(t *testing.T) {
	proc := &fakeProcessor{health: processor.HealthResult{Status: "unhealthy"}}
	tmpl := New(proc, 2, nil, testProcessorMetrics())

	_, err := tmpl.Run(context.Background(), "ingest", 10, func(map[string]interface{}) (map[string]interface{}, error) {
		return nil, nil
	})
	assert.Error(t, err)
}

func TestTemplate_Run_NoRecordsClaimed(t *testing.T) {
	proc := &fakeProcessor{health: processor.HealthResult{Status: "healthy"}}
	tmpl := New(proc, 2, nil, testProcessorMetrics())

	summary, err := tmpl.Run(context.Background(), "ingest", 10, func(map[string]interface{}) (map[string]interface{}, error) {
		t.Fatal("business func must not be called with zero claimed records")
		return nil, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 0, summary.RecordsClaimed)
	assert.NotEmpty(t, summary.Message)
}

func TestTemplate_Run_MixedOutcomes(t *testing.T) {
	proc := &fakeProcessor{
		health: processor.HealthResult{Status: "healthy"},
		claimed: []queue.Record{
			{ID: 1, FlowName: "ingest", Payload: map[string]interface{}{"ok": true}},
			{ID: 2, FlowName: "ingest", Payload: map[string]interface{}{"ok": false}},
		},
	}
	tmpl := New(proc, 2, nil, testProcessorMetrics())

	summary, err := tmpl.Run(context.Background(), "ingest", 10, func(payload map[string]interface{}) (map[string]interface{}, error) {
		if ok, _ := payload["ok"].(bool); !ok {
			return nil, errors.New("boom")
		}
		return map[string]interface{}{"done": true}, nil
	})

	require.NoError(t, err)
	assert.Equal(t, 2, summary.RecordsClaimed)
	assert.Equal(t, 2, summary.RecordsProcessed)
	assert.Equal(t, 1, summary.RecordsCompleted)
	assert.Equal(t, 1, summary.RecordsFailed)
	assert.Equal(t, 1, summary.ErrorCount)
	assert.Len(t, summary.Errors, 1)
	assert.InDelta(t, 50.0, summary.SuccessRatePercent, 0.01)
}

func TestTemplate_Run_ErrorsCappedAtTen(t *testing.T) {
	records := make([]queue.Record, 15)
	for i := range records {
		records[i] = queue.Record{ID: int64(i + 1), FlowName: "ingest"}
	}
	proc := &fakeProcessor{health: processor.HealthResult{Status: "healthy"}, claimed: records}
	tmpl := New(proc, 4, nil, testProcessorMetrics())

	summary, err := tmpl.Run(context.Background(), "ingest", 15, func(map[string]interface{}) (map[string]interface{}, error) {
		return nil, errors.New("always fails")
	})

	require.NoError(t, err)
	assert.Equal(t, 15, summary.ErrorCount)
	assert.Len(t, summary.Errors, maxReportedErrors)
}
