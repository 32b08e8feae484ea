package config

import (
	"time"

	"github.com/spf13/viper"
)

type (
	Config struct {
		HTTP
		Database
		Endpoints
		Sync
		Jobs
		Scheduler
		Notify
		Export
		Global
	}

	HTTP struct {
		Port int32
		Host string
	}
	Database struct {
		Path string // application database (configs, jobs, quality, notifications)
	}
	// Endpoints holds the two synchronized databases. Paths come from
	// environment variables; there is no other required configuration.
	Endpoints struct {
		SourcePath string // production assessment database
		TargetPath string // training/staging replica
		PoolSize   int    // per-endpoint connection cap
	}
	Sync struct {
		BatchSize         int
		MaxRetries        int           // batch retry cap on transient target errors
		RetryBaseDelay    time.Duration // doubled per attempt
		BatchTimeout      time.Duration
		JobTimeout        time.Duration
		GeometryPrecision int // decimal places for coordinate equality
		SampleCeiling     int // quality report switches to sampling above this row count
	}
	Jobs struct {
		Workers           int
		ReleaseAfter      time.Duration
		CleanupInterval   time.Duration
		RetentionDuration time.Duration
	}
	Scheduler struct {
		Enabled      bool
		TickInterval time.Duration
	}
	Notify struct {
		SMTPTimeout    time.Duration
		WebhookTimeout time.Duration
	}
	Export struct {
		Dir string // property export output directory
	}
	Global struct {
		ShutdownTimeoutInSeconds int
	}
)

const DefaultDatabasePath = "./assessor-sync.db"

func NewConfig() *Config {
	v := viper.New()
	v.AutomaticEnv()
	v.SetDefault("port", 8188)
	v.SetDefault("host", "0.0.0.0")
	v.SetDefault("shutdown_timeout_in_seconds", 5)
	v.SetDefault("database_path", DefaultDatabasePath)

	// Endpoint defaults; real deployments set SOURCE_DATABASE_PATH and
	// TARGET_DATABASE_PATH explicitly.
	v.SetDefault("source_database_path", "./production.db")
	v.SetDefault("target_database_path", "./training.db")
	v.SetDefault("endpoint_pool_size", 5)

	// Sync engine defaults
	v.SetDefault("sync_batch_size", 1000)
	v.SetDefault("sync_max_retries", 5)
	v.SetDefault("sync_retry_base_delay", "1s")
	v.SetDefault("sync_batch_timeout", "5m")
	v.SetDefault("sync_job_timeout", "2h")
	v.SetDefault("sync_geometry_precision", 6)
	v.SetDefault("quality_sample_ceiling", 50000)

	// Job worker defaults
	v.SetDefault("job_workers", 2)
	v.SetDefault("job_release_after", "15m")
	v.SetDefault("job_cleanup_interval", "1h")
	v.SetDefault("job_retention_duration", "720h")

	// Scheduler defaults
	v.SetDefault("scheduler_enabled", true)
	v.SetDefault("scheduler_tick_interval", "1m")

	// Notification defaults
	v.SetDefault("notify_smtp_timeout", "30s")
	v.SetDefault("notify_webhook_timeout", "15s")

	v.SetDefault("export_dir", "./exports")

	return &Config{
		HTTP: HTTP{
			Port: v.GetInt32("PORT"),
			Host: v.GetString("HOST"),
		},
		Database: Database{
			Path: v.GetString("DATABASE_PATH"),
		},
		Endpoints: Endpoints{
			SourcePath: v.GetString("SOURCE_DATABASE_PATH"),
			TargetPath: v.GetString("TARGET_DATABASE_PATH"),
			PoolSize:   v.GetInt("ENDPOINT_POOL_SIZE"),
		},
		Sync: Sync{
			BatchSize:         v.GetInt("SYNC_BATCH_SIZE"),
			MaxRetries:        v.GetInt("SYNC_MAX_RETRIES"),
			RetryBaseDelay:    v.GetDuration("SYNC_RETRY_BASE_DELAY"),
			BatchTimeout:      v.GetDuration("SYNC_BATCH_TIMEOUT"),
			JobTimeout:        v.GetDuration("SYNC_JOB_TIMEOUT"),
			GeometryPrecision: v.GetInt("SYNC_GEOMETRY_PRECISION"),
			SampleCeiling:     v.GetInt("QUALITY_SAMPLE_CEILING"),
		},
		Jobs: Jobs{
			Workers:           v.GetInt("JOB_WORKERS"),
			ReleaseAfter:      v.GetDuration("JOB_RELEASE_AFTER"),
			CleanupInterval:   v.GetDuration("JOB_CLEANUP_INTERVAL"),
			RetentionDuration: v.GetDuration("JOB_RETENTION_DURATION"),
		},
		Scheduler: Scheduler{
			Enabled:      v.GetBool("SCHEDULER_ENABLED"),
			TickInterval: v.GetDuration("SCHEDULER_TICK_INTERVAL"),
		},
		Notify: Notify{
			SMTPTimeout:    v.GetDuration("NOTIFY_SMTP_TIMEOUT"),
			WebhookTimeout: v.GetDuration("NOTIFY_WEBHOOK_TIMEOUT"),
		},
		Export: Export{
			Dir: v.GetString("EXPORT_DIR"),
		},
		Global: Global{
			ShutdownTimeoutInSeconds: v.GetInt("SHUTDOWN_TIMEOUT_IN_SECONDS"),
		},
	}
}
