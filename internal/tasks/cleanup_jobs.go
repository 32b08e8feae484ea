package tasks

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/mikestefanello/backlite"
)

// JobCleaner removes terminal jobs past their retention window.
type JobCleaner interface {
	CleanupOldJobs(retention time.Duration) (int64, error)
}

// CleanupJobsTask prunes old terminal sync jobs and their logs.
type CleanupJobsTask struct {
	RetentionHours int `json:"retention_hours"`
}

// Config returns the queue configuration for job cleanup tasks.
func (t CleanupJobsTask) Config() backlite.QueueConfig {
	return backlite.QueueConfig{
		Name:        "cleanup_jobs",
		MaxAttempts: 3,
		Backoff:     5 * time.Minute,
		Timeout:     2 * time.Minute,
		Retention: &backlite.Retention{
			Duration:   24 * time.Hour,
			OnlyFailed: false,
			Data:       &backlite.RetainData{OnlyFailed: true},
		},
	}
}

// CleanupJobsProcessor creates a processor function for CleanupJobsTask.
func CleanupJobsProcessor(cleaner JobCleaner) backlite.QueueProcessor[CleanupJobsTask] {
	return func(ctx context.Context, task CleanupJobsTask) error {
		if cleaner == nil {
			return fmt.Errorf("job cleaner not configured")
		}

		retentionHours := task.RetentionHours
		if retentionHours <= 0 {
			retentionHours = 30 * 24
		}
		retention := time.Duration(retentionHours) * time.Hour

		deleted, err := cleaner.CleanupOldJobs(retention)
		if err != nil {
			return fmt.Errorf("cleanup jobs: %w", err)
		}

		log.Printf("[TASK] Cleaned up %d sync jobs older than %d hours", deleted, retentionHours)
		return nil
	}
}

// NewCleanupJobsQueue creates a backlite queue for job cleanup tasks.
func NewCleanupJobsQueue(cleaner JobCleaner) backlite.Queue {
	return backlite.NewQueue(CleanupJobsProcessor(cleaner))
}
