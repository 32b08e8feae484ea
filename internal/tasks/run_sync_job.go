package tasks

import (
	"context"
	"fmt"
	"time"

	"github.com/mikestefanello/backlite"
)

// JobExecutor runs one submitted sync job to a terminal state. The job
// manager implements it.
type JobExecutor interface {
	Execute(ctx context.Context, jobID string) error
}

// RunSyncJobTask executes one submitted sync job.
type RunSyncJobTask struct {
	JobID string `json:"job_id"`
}

// Config returns the queue configuration for sync job execution. The
// engine retries batches itself, so the queue never re-runs a job.
func (t RunSyncJobTask) Config() backlite.QueueConfig {
	return backlite.QueueConfig{
		Name:        "run_sync_job",
		MaxAttempts: 1,
		Backoff:     time.Minute,
		Timeout:     3 * time.Hour,
		Retention: &backlite.Retention{
			Duration:   24 * time.Hour,
			OnlyFailed: false,
			Data:       &backlite.RetainData{OnlyFailed: true},
		},
	}
}

// RunSyncJobProcessor creates a processor function for RunSyncJobTask.
func RunSyncJobProcessor(executor JobExecutor) backlite.QueueProcessor[RunSyncJobTask] {
	return func(ctx context.Context, task RunSyncJobTask) error {
		if executor == nil {
			return fmt.Errorf("job executor not configured")
		}
		if err := executor.Execute(ctx, task.JobID); err != nil {
			return fmt.Errorf("execute job %s: %w", task.JobID, err)
		}
		return nil
	}
}

// NewRunSyncJobQueue creates a backlite queue for sync job execution.
func NewRunSyncJobQueue(executor JobExecutor) backlite.Queue {
	return backlite.NewQueue(RunSyncJobProcessor(executor))
}
