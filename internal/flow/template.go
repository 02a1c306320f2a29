// Package flow implements the single-batch worker loop that binds
// health-check, claim, concurrent processing, and summary for one flow
// invocation.
package flow

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/vitaliisemenov/alert-history/internal/processor"
	"github.com/vitaliisemenov/alert-history/internal/queue"
	"github.com/vitaliisemenov/alert-history/pkg/metrics"
)

// maxReportedErrors caps Summary.Errors; Summary.ErrorCount always carries
// the untruncated total.
const maxReportedErrors = 10

// BusinessFunc is the injected per-record transformation. It must be safe
// to invoke concurrently; a returned error maps the record to failed, a
// normal return maps it to completed.
type BusinessFunc func(payload map[string]interface{}) (map[string]interface{}, error)

// Processor is the subset of internal/processor.Processor the template
// depends on, named so tests can supply a fake.
type Processor interface {
	HealthCheck(ctx context.Context) (processor.HealthResult, error)
	ClaimRecordsBatch(ctx context.Context, flowName string, batchSize int) ([]queue.Record, error)
	MarkRecordCompleted(ctx context.Context, flowName string, id int64, result map[string]interface{}) error
	MarkRecordFailed(ctx context.Context, flowName string, id int64, errMessage string) error
	InstanceID() string
}

// Summary is one invocation's outcome, exactly the shape spec §4.D names.
type Summary struct {
	FlowName             string   `json:"flow_name"`
	BatchSize            int      `json:"batch_size"`
	RecordsClaimed       int      `json:"records_claimed"`
	RecordsProcessed     int      `json:"records_processed"`
	RecordsCompleted     int      `json:"records_completed"`
	RecordsFailed        int      `json:"records_failed"`
	SuccessRatePercent   float64  `json:"success_rate_percent"`
	ProcessorInstance    string   `json:"processor_instance"`
	Errors               []string `json:"errors"`
	ErrorCount           int      `json:"error_count"`
	Message              string   `json:"message,omitempty"`
}

// Template runs one batch per Run invocation against a fixed concurrency
// bound.
type Template struct {
	proc        Processor
	concurrency int
	logger      *slog.Logger
	m           *metrics.ProcessorMetrics
}

// New builds a flow template. concurrency bounds how many records are
// processed at once within one batch; it must be positive.
func New(proc Processor, concurrency int, logger *slog.Logger, m *metrics.ProcessorMetrics) *Template {
	if concurrency <= 0 {
		concurrency = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	if m == nil {
		m = metrics.DefaultRegistry().Processor()
	}
	return &Template{proc: proc, concurrency: concurrency, logger: logger.With("component", "flow_template"), m: m}
}

// Run processes at most one batch of flowName and returns. batchSize must
// be positive; callers fall back to their own configured default before
// calling Run.
func (t *Template) Run(ctx context.Context, flowName string, batchSize int, business BusinessFunc) (Summary, error) {
	summary := Summary{FlowName: flowName, BatchSize: batchSize, ProcessorInstance: t.proc.InstanceID()}

	if flowName == "" {
		return summary, fmt.Errorf("flow: flow_name must not be empty")
	}
	if batchSize <= 0 {
		return summary, fmt.Errorf("flow: batch_size must be positive")
	}

	health, err := t.proc.HealthCheck(ctx)
	if err != nil {
		return summary, fmt.Errorf("flow: health_check: %w", err)
	}
	if health.Status == "unhealthy" {
		return summary, fmt.Errorf("flow: processor unhealthy, aborting batch for %s", flowName)
	}
	if health.Status == "degraded" {
		t.logger.Warn("processor degraded, continuing", "flow_name", flowName)
	}

	start := time.Now()
	records, err := t.proc.ClaimRecordsBatch(ctx, flowName, batchSize)
	if err != nil {
		return summary, fmt.Errorf("flow: claim_records_batch: %w", err)
	}

	summary.RecordsClaimed = len(records)
	if len(records) == 0 {
		summary.Message = fmt.Sprintf("no pending records for flow %q", flowName)
		return summary, nil
	}

	outcomes := t.processConcurrently(ctx, flowName, records, business)

	for _, o := range outcomes {
		summary.RecordsProcessed++
		if o.err != nil {
			summary.RecordsFailed++
			summary.ErrorCount++
			if len(summary.Errors) < maxReportedErrors {
				summary.Errors = append(summary.Errors, fmt.Sprintf("record %d: %s", o.id, o.err))
			}
		} else {
			summary.RecordsCompleted++
		}
	}

	if summary.RecordsProcessed > 0 {
		summary.SuccessRatePercent = 100 * float64(summary.RecordsCompleted) / float64(summary.RecordsProcessed)
	}

	t.m.BatchSize.WithLabelValues(flowName).Observe(float64(summary.RecordsClaimed))
	t.m.BatchDurationSeconds.WithLabelValues(flowName).Observe(time.Since(start).Seconds())

	return summary, nil
}

type recordOutcome struct {
	id  int64
	err error
}

// processConcurrently runs business over every record with a fixed worker
// pool; a per-record error never aborts siblings. Cancellation interrupts
// dispatch of not-yet-started work; already-running workers run to
// completion.
func (t *Template) processConcurrently(ctx context.Context, flowName string, records []queue.Record, business BusinessFunc) []recordOutcome {
	jobs := make(chan queue.Record)
	results := make(chan recordOutcome, len(records))

	var wg sync.WaitGroup
	for i := 0; i < t.concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for record := range jobs {
				results <- t.processOne(ctx, flowName, record, business)
			}
		}()
	}

	go func() {
		defer close(jobs)
		for _, record := range records {
			select {
			case jobs <- record:
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		wg.Wait()
		close(results)
	}()

	outcomes := make([]recordOutcome, 0, len(records))
	for o := range results {
		outcomes = append(outcomes, o)
	}
	return outcomes
}

func (t *Template) processOne(ctx context.Context, flowName string, record queue.Record, business BusinessFunc) recordOutcome {
	result, err := business(record.Payload)
	if err != nil {
		if markErr := t.proc.MarkRecordFailed(ctx, flowName, record.ID, err.Error()); markErr != nil {
			t.logger.Error("mark_record_failed failed", "record_id", record.ID, "error", markErr)
		}
		return recordOutcome{id: record.ID, err: err}
	}

	if markErr := t.proc.MarkRecordCompleted(ctx, flowName, record.ID, result); markErr != nil {
		t.logger.Error("mark_record_completed failed", "record_id", record.ID, "error", markErr)
	}
	return recordOutcome{id: record.ID}
}
