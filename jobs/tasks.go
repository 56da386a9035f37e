// Package jobs holds the background task types and the Asynq worker that
// processes them.
package jobs

import (
	"encoding/json"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskMarginSnapshotWarmup re-primes the breakdown cache after an
	// adjustment invalidated it.
	TaskMarginSnapshotWarmup = "margin:snapshot_warmup"
)

// MarginSnapshotPayload names the orders whose breakdowns should be warmed.
// An empty list means "orders adjusted recently", resolved by the handler.
type MarginSnapshotPayload struct {
	OrderIDs []int64 `json:"order_ids,omitempty"`
}

// NewMarginSnapshotTask constructs an Asynq task.
func NewMarginSnapshotTask(payload MarginSnapshotPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskMarginSnapshotWarmup, data), nil
}
