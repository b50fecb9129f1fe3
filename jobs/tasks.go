// Package jobs wires background processing: the Asynq worker, the scheduler
// and the task definitions for nightly inventory maintenance.
package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskExpiryScan flags lots whose expiry date has passed.
	TaskExpiryScan = "inventory:expiry_scan"
	// TaskLedgerReconcile verifies that movement ledgers replay to lot state.
	TaskLedgerReconcile = "inventory:ledger_reconcile"
	// TaskIdempotencyCleanup prunes stale idempotency keys.
	TaskIdempotencyCleanup = "shared:idempotency_cleanup"
)

// ExpiryScanPayload carries scheduling metadata for the expiry scan.
type ExpiryScanPayload struct {
	ScheduledFor time.Time `json:"scheduled_for"`
}

// NewExpiryScanTask constructs an Asynq task for the nightly expiry scan.
func NewExpiryScanTask(at time.Time) (*asynq.Task, error) {
	body, err := json.Marshal(ExpiryScanPayload{ScheduledFor: at})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskExpiryScan, body, asynq.Queue(QueueDefault)), nil
}

// LedgerReconcilePayload bounds how many lots one reconcile run inspects.
type LedgerReconcilePayload struct {
	MaxLots int `json:"max_lots"`
}

// NewLedgerReconcileTask constructs an Asynq task for ledger reconciliation.
func NewLedgerReconcileTask(maxLots int) (*asynq.Task, error) {
	body, err := json.Marshal(LedgerReconcilePayload{MaxLots: maxLots})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskLedgerReconcile, body, asynq.Queue(QueueDefault)), nil
}

// IdempotencyCleanupPayload carries the retention window in hours.
type IdempotencyCleanupPayload struct {
	OlderThanHours int `json:"older_than_hours"`
}

// NewIdempotencyCleanupTask constructs an Asynq task for key cleanup.
func NewIdempotencyCleanupTask(olderThanHours int) (*asynq.Task, error) {
	body, err := json.Marshal(IdempotencyCleanupPayload{OlderThanHours: olderThanHours})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskIdempotencyCleanup, body, asynq.Queue(QueueDefault)), nil
}
