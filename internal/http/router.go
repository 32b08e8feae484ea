package http

import (
	"github.com/gin-gonic/gin"
)

// NewRouter creates and configures the HTTP router with all endpoints.
// Uses RouterConfig to receive all dependencies, improving testability
// and reducing parameter count.
func NewRouter(cfg RouterConfig) *gin.Engine {
	router := gin.New()
	router.Use(gin.Logger())
	router.Use(gin.Recovery())

	health := NewHealthController(cfg.Database, cfg.Endpoints, cfg.Version)
	router.GET("/health", health.Status)
	router.GET("/ping", func(c *gin.Context) {
		c.JSON(200, gin.H{"message": "pong"})
	})

	api := router.Group("/api")
	api.GET("/health", health.Status)

	// Job endpoints
	if cfg.JobManager != nil {
		jobsController := NewJobsController(cfg.JobManager)
		api.POST("/jobs", jobsController.Submit)
		api.GET("/jobs", jobsController.List)
		api.GET("/jobs/:id", jobsController.Get)
		api.POST("/jobs/:id/cancel", jobsController.Cancel)
		api.POST("/jobs/:id/pause", jobsController.Pause)
		api.POST("/jobs/:id/resume", jobsController.Resume)
		api.GET("/jobs/:id/logs", jobsController.Logs)
	}

	// Schedule endpoints
	if cfg.Scheduler != nil {
		schedulesController := NewSchedulesController(cfg.Scheduler)
		api.GET("/schedules", schedulesController.List)
		api.POST("/schedules", schedulesController.Create)
		api.GET("/schedules/:id", schedulesController.Get)
		api.PUT("/schedules/:id", schedulesController.Update)
		api.DELETE("/schedules/:id", schedulesController.Delete)
		api.POST("/schedules/:id/pause", schedulesController.Pause)
		api.POST("/schedules/:id/resume", schedulesController.Resume)
		api.POST("/schedules/:id/run", schedulesController.RunNow)
	}

	// Quality endpoints
	if cfg.Quality != nil {
		qualityController := NewQualityController(cfg.Quality, cfg.Database.DB)
		api.GET("/quality/rules", qualityController.ListRules)
		api.POST("/quality/rules", qualityController.CreateRule)
		api.PUT("/quality/rules/:id", qualityController.UpdateRule)
		api.DELETE("/quality/rules/:id", qualityController.DeleteRule)

		api.GET("/quality/issues", qualityController.ListIssues)
		api.POST("/quality/issues/:id/acknowledge", qualityController.IssueAction("acknowledge"))
		api.POST("/quality/issues/:id/resolve", qualityController.IssueAction("resolve"))
		api.POST("/quality/issues/:id/suppress", qualityController.IssueAction("suppress"))
		api.POST("/quality/issues/:id/reopen", qualityController.IssueAction("reopen"))

		api.POST("/quality/reports", qualityController.RunReport)
		api.GET("/quality/reports", qualityController.ListReports)
		api.GET("/quality/reports/:id", qualityController.GetReport)
		api.GET("/quality/reports/:id/download", qualityController.DownloadReport)

		api.GET("/quality/alerts", qualityController.ListAlerts)
		api.POST("/quality/alerts", qualityController.CreateAlert)
		api.PUT("/quality/alerts/:id", qualityController.UpdateAlert)
		api.DELETE("/quality/alerts/:id", qualityController.DeleteAlert)

		api.GET("/quality/anomalies", qualityController.ListAnomalies)
	}

	// Sanitization endpoints
	if cfg.Database != nil {
		sanitizationController := NewSanitizationController(cfg.Database)
		api.GET("/sanitization/rules", sanitizationController.ListRules)
		api.POST("/sanitization/rules", sanitizationController.SaveRule)
		api.DELETE("/sanitization/rules/:id", sanitizationController.DeleteRule)
		api.GET("/sanitization/audit", sanitizationController.ListAudit)

		tablesController := NewTablesController(cfg.Database)
		api.GET("/tables", tablesController.List)
		api.GET("/tables/:name", tablesController.Get)
	}

	// Notification endpoints. The config read also answers under the
	// quality prefix, where alert routing is managed.
	if cfg.Notify != nil {
		notificationsController := NewNotificationsController(cfg.Notify)
		api.GET("/notifications", notificationsController.ListConfigs)
		api.GET("/quality/notifications", notificationsController.ListConfigs)
		api.PUT("/notifications", notificationsController.UpdateConfig)
		api.POST("/notifications/:channel/test", notificationsController.SendTest)
		api.GET("/notifications/deliveries", notificationsController.ListDeliveries)
	}

	return router
}
