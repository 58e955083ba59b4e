package audit

import (
	"context"
	"encoding/json"

	"github.com/hibiken/asynq"
)

// TaskTypeWrite is the task type for persisting an audit event.
const TaskTypeWrite = "audit:write"

// NewWriteTask constructs an Asynq task carrying one event.
func NewWriteTask(event Event) (*asynq.Task, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeWrite, data), nil
}

// NewWriteHandler returns the worker-side handler that persists queued
// events through the given store. Malformed payloads are dropped rather
// than retried.
func NewWriteHandler(store Store) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		var event Event
		if err := json.Unmarshal(t.Payload(), &event); err != nil {
			return asynq.SkipRetry
		}
		return store.Append(ctx, event)
	}
}
