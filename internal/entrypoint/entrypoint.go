// Package entrypoint wires the application together and runs the HTTP
// server. Construction is explicit: config, stores, engines, workers,
// then the router on top.
package entrypoint

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/parcelworks/assessor-sync/internal/config"
	"github.com/parcelworks/assessor-sync/internal/database"
	"github.com/parcelworks/assessor-sync/internal/engine"
	"github.com/parcelworks/assessor-sync/internal/export"
	http_controllers "github.com/parcelworks/assessor-sync/internal/http"
	"github.com/parcelworks/assessor-sync/internal/jobs"
	"github.com/parcelworks/assessor-sync/internal/notify"
	"github.com/parcelworks/assessor-sync/internal/quality"
	"github.com/parcelworks/assessor-sync/internal/sanitizer"
	"github.com/parcelworks/assessor-sync/internal/scheduler"
	"github.com/parcelworks/assessor-sync/internal/tasks"
)

// ShutdownFunc is called during graceful shutdown to clean up resources.
type ShutdownFunc func(ctx context.Context)

// Serve runs the HTTP server until SIGINT/SIGTERM, then drains with the
// configured shutdown timeout.
func Serve(router *gin.Engine, cfg *config.Config, onShutdown ShutdownFunc) {
	timeout := time.Duration(cfg.Global.ShutdownTimeoutInSeconds) * time.Second

	srv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.HTTP.Host, cfg.HTTP.Port),
		Handler: router,
	}

	go func() {
		log.Printf("Starting server at %s:%d", cfg.HTTP.Host, cfg.HTTP.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %s", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Printf("Shutdown requested, waiting up to %v", timeout)

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	// Stop background workers before the listener so in-flight jobs can
	// checkpoint their progress.
	if onShutdown != nil {
		onShutdown(ctx)
	}

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatal("Server Shutdown:", err)
	}
	log.Println("Server exiting")
}

func Run(cfg *config.Config, version string) {
	log.Printf("Starting assessor-sync v%s", version)

	// Application database (configuration, jobs, quality, notifications)
	db, err := database.NewDatabase(cfg.Database.Path)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Printf("Error closing database: %v", err)
		}
	}()

	// The two synchronized endpoints
	ends, err := database.NewEndpoints(cfg.Endpoints.SourcePath, cfg.Endpoints.TargetPath, cfg.Endpoints.PoolSize)
	if err != nil {
		log.Fatalf("Failed to open sync endpoints: %v", err)
	}
	defer func() {
		if err := ends.Close(); err != nil {
			log.Printf("Error closing endpoints: %v", err)
		}
	}()
	if err := ends.Ping(); err != nil {
		log.Printf("WARNING: endpoint connectivity check failed: %v", err)
	}

	// Notification router doubles as the quality engine's alert sink.
	notifyRouter, err := notify.NewRouter(db.DB, cfg.Notify)
	if err != nil {
		log.Fatalf("Failed to initialize notification router: %v", err)
	}

	san := sanitizer.NewEngine(db.DB, nil)
	qual := quality.NewEngine(db.DB, ends.Target, cfg.Sync.SampleCeiling, notifyRouter)

	// Manager and engine reference each other (the engine logs through
	// the manager), so the engine is injected after construction.
	manager := jobs.NewManager(db.DB, nil, cfg.Sync.JobTimeout)
	defer manager.Close()

	exporter := export.NewExporter(db, ends, cfg.Export.Dir, manager)
	manager.SetEngine(engine.NewEngine(cfg.Sync, db, ends, san, qual, exporter, manager))

	// Task queue executes submitted jobs on a bounded worker pool.
	taskClient, err := tasks.NewClient(cfg.Database.Path, tasks.Config{
		Workers:           cfg.Jobs.Workers,
		JobTimeout:        cfg.Sync.JobTimeout,
		ReleaseAfter:      cfg.Jobs.ReleaseAfter,
		CleanupInterval:   cfg.Jobs.CleanupInterval,
		RetentionDuration: cfg.Jobs.RetentionDuration,
	})
	if err != nil {
		log.Fatalf("Failed to initialize task queue: %v", err)
	}
	defer func() {
		if err := taskClient.Close(); err != nil {
			log.Printf("Error closing task client: %v", err)
		}
	}()

	taskClient.Register(
		tasks.NewRunSyncJobQueue(manager),
		tasks.NewCleanupJobsQueue(manager),
	)
	manager.SetEnqueuer(taskClient)

	taskCtx, taskCancel := context.WithCancel(context.Background())
	defer taskCancel()
	go taskClient.Start(taskCtx)

	// Periodic retention cleanup rides the same queue.
	go func() {
		interval := cfg.Jobs.CleanupInterval
		if interval <= 0 {
			interval = time.Hour
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		retentionHours := int(cfg.Jobs.RetentionDuration.Hours())
		for {
			select {
			case <-ticker.C:
				if _, err := taskClient.Add(tasks.CleanupJobsTask{RetentionHours: retentionHours}).Save(); err != nil {
					log.Printf("Failed to enqueue job cleanup: %v", err)
				}
			case <-taskCtx.Done():
				return
			}
		}
	}()

	// Scheduler submits recurring jobs through the manager.
	sched := scheduler.NewScheduler(db.DB, manager, cfg.Scheduler.TickInterval)
	if cfg.Scheduler.Enabled {
		sched.Start(taskCtx)
	} else {
		log.Printf("Scheduler disabled by configuration")
	}

	router := http_controllers.NewRouter(http_controllers.RouterConfig{
		Database:   db,
		Endpoints:  ends,
		JobManager: manager,
		Scheduler:  sched,
		Quality:    qual,
		Notify:     notifyRouter,
		Version:    version,
	})

	Serve(router, cfg, func(ctx context.Context) {
		sched.Stop()
		taskCancel()
		taskClient.Stop(ctx)
		manager.FlushLogs()
	})
}
