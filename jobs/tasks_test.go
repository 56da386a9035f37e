package jobs

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMarginSnapshotTask(t *testing.T) {
	task, err := NewMarginSnapshotTask(MarginSnapshotPayload{OrderIDs: []int64{3, 9}})
	require.NoError(t, err)
	assert.Equal(t, TaskMarginSnapshotWarmup, task.Type())

	var payload MarginSnapshotPayload
	require.NoError(t, json.Unmarshal(task.Payload(), &payload))
	assert.Equal(t, []int64{3, 9}, payload.OrderIDs)
}

func TestSnapshotWarmupSkipsRetryOnBadPayload(t *testing.T) {
	job := NewSnapshotWarmupJob(nil, nil, nil)
	task := asynq.NewTask(TaskMarginSnapshotWarmup, []byte(`{broken`))

	err := job.Handle(context.Background(), task)
	assert.ErrorIs(t, err, asynq.SkipRetry)
}
