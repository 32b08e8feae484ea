package http

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/parcelworks/assessor-sync/internal/entities"
	"github.com/parcelworks/assessor-sync/internal/jobs"
)

// JobManager is the job surface the controller needs.
type JobManager interface {
	Submit(jobType entities.JobType, params, initiator, idempotencyKey string) (*entities.SyncJob, error)
	Get(jobID string) (*entities.SyncJob, error)
	Cancel(jobID string) error
	Pause(jobID string) error
	Resume(jobID string) error
	List(filter jobs.ListFilter) ([]entities.SyncJob, int64, error)
	Logs(jobID string, level entities.SyncLogLevel, limit int) ([]entities.SyncLog, error)
	FlushLogs()
}

type JobsController struct {
	manager JobManager
}

func NewJobsController(manager JobManager) *JobsController {
	return &JobsController{manager: manager}
}

type submitJobRequest struct {
	JobType        string `json:"job_type" binding:"required"`
	Parameters     string `json:"parameters,omitempty"`
	Initiator      string `json:"initiator,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// Submit accepts a new sync job. Returns 202 with the job; resubmission
// with a matching idempotency key returns the prior job.
func (j *JobsController) Submit(c *gin.Context) {
	var req submitJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, "job_type is required")
		return
	}
	initiator := req.Initiator
	if initiator == "" {
		initiator = "api"
	}

	job, err := j.manager.Submit(entities.JobType(req.JobType), req.Parameters, initiator, req.IdempotencyKey)
	if err != nil {
		switch {
		case errors.Is(err, jobs.ErrAlreadyRunning):
			respondConflict(c, err.Error(), entities.ErrKindAlreadyRunning)
		case strings.Contains(err.Error(), entities.ErrKindConfigInvalid):
			respondBadRequest(c, err.Error())
		default:
			respondInternalError(c, err, "submit job")
		}
		return
	}
	respondAccepted(c, "job submitted", job)
}

func (j *JobsController) Get(c *gin.Context) {
	job, err := j.manager.Get(c.Param("id"))
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			respondNotFound(c, "job")
			return
		}
		respondInternalError(c, err, "get job")
		return
	}
	c.JSON(http.StatusOK, job)
}

func (j *JobsController) List(c *gin.Context) {
	limit, offset := parsePagination(c)
	filter := jobs.ListFilter{
		JobType: entities.JobType(c.Query("job_type")),
		State:   entities.JobState(c.Query("state")),
		Limit:   limit,
		Offset:  offset,
	}
	list, total, err := j.manager.List(filter)
	if err != nil {
		respondInternalError(c, err, "list jobs")
		return
	}
	c.JSON(http.StatusOK, PaginatedResponse{
		Data: list, Total: total, Limit: limit, Offset: offset,
		HasMore: int64(offset+len(list)) < total,
	})
}

func (j *JobsController) Cancel(c *gin.Context) {
	if err := j.manager.Cancel(c.Param("id")); err != nil {
		j.respondControlError(c, err)
		return
	}
	respondSuccess(c, "cancellation requested")
}

func (j *JobsController) Pause(c *gin.Context) {
	if err := j.manager.Pause(c.Param("id")); err != nil {
		j.respondControlError(c, err)
		return
	}
	respondSuccess(c, "pause requested")
}

func (j *JobsController) Resume(c *gin.Context) {
	if err := j.manager.Resume(c.Param("id")); err != nil {
		j.respondControlError(c, err)
		return
	}
	respondSuccess(c, "job resumed")
}

// Logs returns a job's log lines; ?level= filters, ?limit= caps.
func (j *JobsController) Logs(c *gin.Context) {
	if _, err := j.manager.Get(c.Param("id")); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			respondNotFound(c, "job")
			return
		}
		respondInternalError(c, err, "get job")
		return
	}

	limit, _ := parsePagination(c)
	j.manager.FlushLogs()
	logs, err := j.manager.Logs(c.Param("id"), entities.SyncLogLevel(c.Query("level")), limit)
	if err != nil {
		respondInternalError(c, err, "job logs")
		return
	}
	c.JSON(http.StatusOK, gin.H{"job_id": c.Param("id"), "logs": logs})
}

// respondControlError maps state-transition failures to 409, missing
// jobs to 404.
func (j *JobsController) respondControlError(c *gin.Context, err error) {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		respondNotFound(c, "job")
		return
	}
	respondConflict(c, err.Error(), "")
}
