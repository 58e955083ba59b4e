package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
)

// Recorder is the submission side of the audit log. Record never
// blocks the caller on persistence and never returns an error: audit
// failures are logged and swallowed.
type Recorder struct {
	client *asynq.Client
	store  Store
	logger *slog.Logger
}

// NewRecorder constructs a Recorder. client may be nil; events are then
// written directly through the store on a detached goroutine. store may
// also be nil, in which case events are dropped with a warning (useful
// for tests and minimal deployments).
func NewRecorder(client *asynq.Client, store Store, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{client: client, store: store, logger: logger}
}

// Record submits one event. The event is stamped here so enqueue delay
// does not shift its timestamp.
func (r *Recorder) Record(ctx context.Context, event Event) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}

	if r.client != nil {
		if _, err := r.client.EnqueueContext(ctx, mustWriteTask(event)); err == nil {
			return
		} else if r.logger != nil {
			r.logger.Warn("audit enqueue failed, writing inline",
				slog.String("kind", string(event.Kind)), slog.Any("error", err))
		}
	}
	if r.store == nil {
		if r.logger != nil {
			r.logger.Warn("audit event dropped, no store configured",
				slog.String("kind", string(event.Kind)))
		}
		return
	}

	// Detach from the request so a finished handler cannot cancel the
	// write mid-flight.
	go func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := r.store.Append(ctx, event); err != nil && r.logger != nil {
			r.logger.Warn("audit write failed",
				slog.String("kind", string(event.Kind)), slog.Any("error", err))
		}
	}()
}

func mustWriteTask(event Event) *asynq.Task {
	task, err := NewWriteTask(event)
	if err != nil {
		// Event fields are plain strings and maps; marshalling cannot
		// fail for well-formed callers.
		return asynq.NewTask(TaskTypeWrite, nil)
	}
	return task
}
