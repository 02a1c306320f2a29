// Package processor implements the distributed processor: atomic
// claim/complete/fail against a queue database, queue introspection, orphan
// recovery, and an aggregated health check spanning a queue DB and an
// optional read-only source DB.
package processor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/vitaliisemenov/alert-history/internal/database/postgres"
	"github.com/vitaliisemenov/alert-history/internal/queue"
	"github.com/vitaliisemenov/alert-history/pkg/metrics"
)

// QueueStatus is get_queue_status's result shape: an aggregate plus an
// optional per-flow breakdown.
type QueueStatus struct {
	Counts queue.StatusCounts            `json:"counts"`
	ByFlow map[string]queue.StatusCounts `json:"by_flow,omitempty"`
}

// InstanceInfo identifies this processor for health-check reporting.
type InstanceInfo struct {
	InstanceID string `json:"instance_id"`
	Hostname   string `json:"hostname"`
}

// HealthResult is health_check's aggregate result, spanning every database
// the processor touches plus a queue snapshot.
type HealthResult struct {
	Status       string                         `json:"status"` // healthy|degraded|unhealthy
	Databases    map[string]postgres.HealthStatus `json:"databases"`
	QueueStatus  QueueStatus                    `json:"queue_status"`
	InstanceInfo InstanceInfo                   `json:"instance_info"`
}

// Processor is the Distributed Processor over a primary "queue" database
// and an optional read-only "source" database. The two are never coupled
// transactionally: claim/complete/fail/cleanup/reset only ever touch
// queueDB; sourceDB exists purely so health_check can report on it.
type Processor struct {
	instanceID string
	queueDB    postgres.Pool
	sourceDB   postgres.Pool
	logger     *slog.Logger
	m          *metrics.ProcessorMetrics
}

// New builds a processor. sourceDB may be nil when the deployment has no
// separate read-only source database; health_check then reports only on
// queueDB.
func New(queueDB postgres.Pool, sourceDB postgres.Pool, logger *slog.Logger, m *metrics.ProcessorMetrics) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	if m == nil {
		m = metrics.DefaultRegistry().Processor()
	}

	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "worker"
	}

	return &Processor{
		instanceID: fmt.Sprintf("%s-%s", hostname, uuid.NewString()[:8]),
		queueDB:    queueDB,
		sourceDB:   sourceDB,
		logger:     logger.With("processor_instance", hostname),
		m:          m,
	}
}

// InstanceID returns this process's stable claim identity.
func (p *Processor) InstanceID() string {
	return p.instanceID
}

// ClaimRecordsBatch atomically claims up to batchSize pending rows for
// flowName and marks them processing, returning the claimed rows as updated
// (status processing, owned by this instance).
func (p *Processor) ClaimRecordsBatch(ctx context.Context, flowName string, batchSize int) ([]queue.Record, error) {
	if flowName == "" {
		return nil, fmt.Errorf("processor: flow_name must not be empty")
	}
	if batchSize <= 0 {
		return nil, fmt.Errorf("processor: batch_size must be positive")
	}

	rows, err := p.queueDB.ExecuteQueryWithRetry(ctx, queue.ClaimBatchSQL, []interface{}{flowName, batchSize, p.instanceID}, true)
	if err != nil {
		return nil, fmt.Errorf("processor: claim_records_batch(%s): %w", flowName, err)
	}

	records := make([]queue.Record, 0, len(rows))
	for _, row := range rows {
		rec, err := rowToRecord(row)
		if err != nil {
			return nil, fmt.Errorf("processor: decoding claimed row: %w", err)
		}
		records = append(records, rec)
	}

	if len(records) > 0 {
		p.m.RecordsClaimedTotal.WithLabelValues(flowName).Add(float64(len(records)))
	}

	return records, nil
}

// MarkRecordCompleted transitions id to completed if this instance still
// owns it; a predicate mismatch (already reclaimed) is a silent no-op.
func (p *Processor) MarkRecordCompleted(ctx context.Context, flowName string, id int64, result map[string]interface{}) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("processor: marshaling result for record %d: %w", id, err)
	}

	_, err = p.queueDB.ExecuteQueryWithRetry(ctx, queue.MarkCompletedSQL, []interface{}{resultJSON, id, p.instanceID}, false)
	if err != nil {
		return fmt.Errorf("processor: mark_record_completed(%d): %w", id, err)
	}

	p.m.RecordsCompletedTotal.WithLabelValues(flowName).Inc()
	return nil
}

// MarkRecordFailed transitions id to failed and increments retry_count, if
// this instance still owns it.
func (p *Processor) MarkRecordFailed(ctx context.Context, flowName string, id int64, errMessage string) error {
	_, err := p.queueDB.ExecuteQueryWithRetry(ctx, queue.MarkFailedSQL, []interface{}{errMessage, id, p.instanceID}, false)
	if err != nil {
		return fmt.Errorf("processor: mark_record_failed(%d): %w", id, err)
	}

	p.m.RecordsFailedTotal.WithLabelValues(flowName, "application").Inc()
	return nil
}

// AddRecordsToQueue batch-inserts pending records for flowName, returning
// the number inserted.
func (p *Processor) AddRecordsToQueue(ctx context.Context, flowName string, payloads []map[string]interface{}) (int, error) {
	if flowName == "" {
		return 0, fmt.Errorf("processor: flow_name must not be empty")
	}

	count := 0
	for _, payload := range payloads {
		payloadJSON, err := json.Marshal(payload)
		if err != nil {
			return count, fmt.Errorf("processor: marshaling payload: %w", err)
		}
		if _, err := p.queueDB.ExecuteQueryWithRetry(ctx, queue.InsertRecordSQL, []interface{}{flowName, payloadJSON}, false); err != nil {
			return count, fmt.Errorf("processor: add_records_to_queue(%s): %w", flowName, err)
		}
		count++
	}

	return count, nil
}

// GetQueueStatus aggregates counts per status, optionally grouped by flow.
func (p *Processor) GetQueueStatus(ctx context.Context, flowName string, groupByFlow bool) (QueueStatus, error) {
	var out QueueStatus

	rows, err := p.queueDB.ExecuteQuery(ctx, queue.CountsByStatusSQL, []interface{}{flowName}, true)
	if err != nil {
		return out, fmt.Errorf("processor: get_queue_status: %w", err)
	}
	for _, row := range rows {
		status, _ := row["status"].(string)
		n := asInt64(row["n"])
		out.Counts.AddCount(status, n)
	}

	if !groupByFlow {
		return out, nil
	}

	byFlowRows, err := p.queueDB.ExecuteQuery(ctx, queue.CountsByFlowAndStatusSQL, nil, true)
	if err != nil {
		return out, fmt.Errorf("processor: get_queue_status (by_flow): %w", err)
	}
	out.ByFlow = make(map[string]queue.StatusCounts)
	for _, row := range byFlowRows {
		flow, _ := row["flow_name"].(string)
		status, _ := row["status"].(string)
		n := asInt64(row["n"])
		counts := out.ByFlow[flow]
		counts.AddCount(status, n)
		out.ByFlow[flow] = counts
	}

	return out, nil
}

// CleanupOrphanedRecords resets processing rows claimed longer than
// timeoutHours ago back to pending, recovering after a worker crash.
func (p *Processor) CleanupOrphanedRecords(ctx context.Context, timeoutHours float64) (int64, error) {
	rows, err := p.queueDB.ExecuteQueryWithRetry(ctx, queue.CleanupOrphanedSQL+"\nRETURNING id", []interface{}{timeoutHours * 3600}, true)
	if err != nil {
		return 0, fmt.Errorf("processor: cleanup_orphaned_records: %w", err)
	}

	n := int64(len(rows))
	if n > 0 {
		p.m.OrphansRecoveredTotal.WithLabelValues("all").Add(float64(n))
	}
	return n, nil
}

// ResetFailedRecords moves failed rows below the retry cap back to
// pending, optionally scoped to one flow.
func (p *Processor) ResetFailedRecords(ctx context.Context, flowName string, maxRetries int) (int64, error) {
	rows, err := p.queueDB.ExecuteQueryWithRetry(ctx, queue.ResetFailedSQL+"\nRETURNING id", []interface{}{maxRetries, flowName}, true)
	if err != nil {
		return 0, fmt.Errorf("processor: reset_failed_records: %w", err)
	}
	return int64(len(rows)), nil
}

// HealthCheck aggregates the queue DB's (and, if configured, the source
// DB's) health plus a queue snapshot. Overall status is the queue DB's own
// status (healthy, degraded or unhealthy), except that a healthy queue DB
// with a source DB that is not healthy (degraded or unhealthy) reports
// degraded.
func (p *Processor) HealthCheck(ctx context.Context) (HealthResult, error) {
	result := HealthResult{
		Databases:    make(map[string]postgres.HealthStatus),
		InstanceInfo: InstanceInfo{InstanceID: p.instanceID, Hostname: hostnamePart(p.instanceID)},
	}

	queueHealth, err := p.queueDB.HealthCheck(ctx)
	if err != nil {
		queueHealth.Status = "unhealthy"
		queueHealth.Error = err.Error()
	}
	result.Databases[p.queueDB.Name()] = queueHealth

	overall := queueHealth.Status

	if p.sourceDB != nil {
		sourceHealth, err := p.sourceDB.HealthCheck(ctx)
		if err != nil {
			sourceHealth.Status = "unhealthy"
			sourceHealth.Error = err.Error()
		}
		result.Databases[p.sourceDB.Name()] = sourceHealth

		if queueHealth.Status == "healthy" && sourceHealth.Status != "healthy" {
			overall = "degraded"
		}
	}

	result.Status = overall

	status, err := p.GetQueueStatus(ctx, "", false)
	if err == nil {
		result.QueueStatus = status
	}

	return result, nil
}

func hostnamePart(instanceID string) string {
	for i := len(instanceID) - 1; i >= 0; i-- {
		if instanceID[i] == '-' {
			return instanceID[:i]
		}
	}
	return instanceID
}

func rowToRecord(row postgres.Row) (queue.Record, error) {
	var rec queue.Record

	rec.ID = asInt64(row["id"])
	rec.FlowName, _ = row["flow_name"].(string)
	rec.Status = queue.Status(asString(row["status"]))
	rec.RetryCount = int(asInt64(row["retry_count"]))

	if v, ok := row["flow_instance_id"].(string); ok && v != "" {
		rec.FlowInstanceID = &v
	}
	if v, ok := row["error_message"].(string); ok && v != "" {
		rec.ErrorMessage = &v
	}

	if t, ok := row["claimed_at"].(time.Time); ok {
		rec.ClaimedAt = &t
	}
	if t, ok := row["created_at"].(time.Time); ok {
		rec.CreatedAt = t
	}
	if t, ok := row["updated_at"].(time.Time); ok {
		rec.UpdatedAt = t
	}
	if t, ok := row["completed_at"].(time.Time); ok {
		rec.CompletedAt = &t
	}

	if payload := row["payload"]; payload != nil {
		m, err := asJSONMap(payload)
		if err != nil {
			return rec, fmt.Errorf("decoding payload: %w", err)
		}
		rec.Payload = m
	}
	if result := row["result"]; result != nil {
		m, err := asJSONMap(result)
		if err != nil {
			return rec, fmt.Errorf("decoding result: %w", err)
		}
		rec.Result = m
	}

	return rec, nil
}

func asInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int32:
		return int64(n)
	case int:
		return int64(n)
	default:
		return 0
	}
}

func asString(v interface{}) string {
	s, _ := v.(string)
	return s
}

func asJSONMap(v interface{}) (map[string]interface{}, error) {
	var raw []byte
	switch b := v.(type) {
	case []byte:
		raw = b
	case string:
		raw = []byte(b)
	default:
		return nil, nil
	}

	if len(raw) == 0 {
		return nil, nil
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}
