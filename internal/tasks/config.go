package tasks

import "time"

// Config holds configuration for the task queue system.
type Config struct {
	// Workers is the number of concurrent job workers. Default: 2
	Workers int

	// JobTimeout is the per-job deadline enforced at the queue level.
	// Default: 2h
	JobTimeout time.Duration

	// ReleaseAfter is when stuck tasks are released back to the queue.
	// Default: 15m
	ReleaseAfter time.Duration

	// CleanupInterval is how often completed queue entries are purged.
	// Default: 1h
	CleanupInterval time.Duration

	// RetentionDuration is how long terminal jobs and their logs are kept
	// in the application database. Default: 30d
	RetentionDuration time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Workers:           2,
		JobTimeout:        2 * time.Hour,
		ReleaseAfter:      15 * time.Minute,
		CleanupInterval:   time.Hour,
		RetentionDuration: 30 * 24 * time.Hour,
	}
}
