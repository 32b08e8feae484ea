package http

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/parcelworks/assessor-sync/internal/database"
)

type HealthResponse struct {
	Status  string            `json:"status"`
	Time    string            `json:"time"`
	Version string            `json:"version,omitempty"`
	Checks  map[string]string `json:"checks"`
}

type HealthController struct {
	db      *database.Database
	ends    *database.Endpoints
	version string
}

func NewHealthController(db *database.Database, ends *database.Endpoints, version string) *HealthController {
	return &HealthController{db: db, ends: ends, version: version}
}

// Status reports application DB plus both endpoint connections. Any
// failed check flips the response to 503.
func (h *HealthController) Status(c *gin.Context) {
	checks := make(map[string]string)
	status := "healthy"

	if h.db != nil {
		sqlDB, err := h.db.DB.DB()
		if err == nil {
			err = sqlDB.Ping()
		}
		if err != nil {
			checks["database"] = "error: " + err.Error()
			status = "unhealthy"
		} else {
			checks["database"] = "ok"
		}
	} else {
		checks["database"] = "not configured"
	}

	if h.ends != nil {
		if err := h.ends.Ping(); err != nil {
			checks["endpoints"] = "error: " + err.Error()
			status = "unhealthy"
		} else {
			checks["endpoints"] = "ok"
		}
	} else {
		checks["endpoints"] = "not configured"
	}

	health := HealthResponse{
		Status:  status,
		Time:    time.Now().Format(time.RFC3339),
		Version: h.version,
		Checks:  checks,
	}

	statusCode := http.StatusOK
	if status != "healthy" {
		statusCode = http.StatusServiceUnavailable
	}
	c.IndentedJSON(statusCode, health)
}
