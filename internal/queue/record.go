// Package queue defines the processing_queue row shape and the SQL the
// distributed processor runs against it. The schema itself lives in
// internal/database/migrations/sql; this package is the Go-side mirror
// plus the parameterized statements.
package queue

import "time"

// Status is one of the four lifecycle states a record can hold.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Record mirrors one processing_queue row.
type Record struct {
	ID             int64
	FlowName       string
	Payload        map[string]interface{}
	Status         Status
	RetryCount     int
	FlowInstanceID *string
	ClaimedAt      *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
	CompletedAt    *time.Time
	ErrorMessage   *string
	Result         map[string]interface{}
}

// StatusCounts aggregates record counts by status.
type StatusCounts struct {
	Pending    int64 `json:"pending"`
	Processing int64 `json:"processing"`
	Completed  int64 `json:"completed"`
	Failed     int64 `json:"failed"`
}

func (c *StatusCounts) add(status string, n int64) {
	switch Status(status) {
	case StatusPending:
		c.Pending += n
	case StatusProcessing:
		c.Processing += n
	case StatusCompleted:
		c.Completed += n
	case StatusFailed:
		c.Failed += n
	}
}

// AddCount is the exported form used by the processor when folding query
// results into a StatusCounts value.
func (c *StatusCounts) AddCount(status string, n int64) {
	c.add(status, n)
}

// SQL statements for the mutating and reading operations the processor
// performs against processing_queue. Claim is a single statement so the
// select-and-update happens in one implicit transaction, satisfying the
// "disjoint claim" invariant without the caller managing a transaction.
const (
	ClaimBatchSQL = `
WITH claimed AS (
	SELECT id FROM processing_queue
	WHERE status = 'pending' AND flow_name = $1
	ORDER BY created_at ASC
	LIMIT $2
	FOR UPDATE SKIP LOCKED
)
UPDATE processing_queue
SET status = 'processing', flow_instance_id = $3, claimed_at = now(), updated_at = now()
WHERE id IN (SELECT id FROM claimed)
RETURNING id, flow_name, payload, status, retry_count, flow_instance_id, claimed_at, created_at, updated_at, completed_at, error_message, result`

	MarkCompletedSQL = `
UPDATE processing_queue
SET status = 'completed', result = $1, completed_at = now(), updated_at = now()
WHERE id = $2 AND flow_instance_id = $3 AND status = 'processing'`

	MarkFailedSQL = `
UPDATE processing_queue
SET status = 'failed', retry_count = retry_count + 1, error_message = $1, completed_at = now(), updated_at = now()
WHERE id = $2 AND flow_instance_id = $3 AND status = 'processing'`

	InsertRecordSQL = `
INSERT INTO processing_queue (flow_name, payload, status)
VALUES ($1, $2, 'pending')`

	CleanupOrphanedSQL = `
UPDATE processing_queue
SET status = 'pending', flow_instance_id = NULL, claimed_at = NULL, updated_at = now()
WHERE status = 'processing' AND claimed_at < now() - ($1::double precision * interval '1 second')`

	ResetFailedSQL = `
UPDATE processing_queue
SET status = 'pending', flow_instance_id = NULL, claimed_at = NULL, error_message = NULL, updated_at = now()
WHERE status = 'failed' AND retry_count < $1 AND ($2 = '' OR flow_name = $2)`

	CountsByStatusSQL = `
SELECT status, count(*) AS n FROM processing_queue
WHERE ($1 = '' OR flow_name = $1)
GROUP BY status`

	CountsByFlowAndStatusSQL = `
SELECT flow_name, status, count(*) AS n FROM processing_queue
GROUP BY flow_name, status`
)
