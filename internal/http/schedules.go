package http

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/parcelworks/assessor-sync/internal/entities"
	"github.com/parcelworks/assessor-sync/internal/scheduler"
)

type SchedulesController struct {
	scheduler *scheduler.Scheduler
}

func NewSchedulesController(sched *scheduler.Scheduler) *SchedulesController {
	return &SchedulesController{scheduler: sched}
}

type scheduleRequest struct {
	Name           string  `json:"name" binding:"required"`
	JobType        string  `json:"job_type" binding:"required"`
	ScheduleType   string  `json:"schedule_type" binding:"required"`
	CronExpression *string `json:"cron_expression,omitempty"`
	IntervalHours  *int    `json:"interval_hours,omitempty"`
	Parameters     string  `json:"parameters,omitempty"`
	IsActive       *bool   `json:"is_active,omitempty"`
}

func (r scheduleRequest) apply(schedule *entities.SyncSchedule) {
	schedule.Name = r.Name
	schedule.JobType = entities.JobType(r.JobType)
	schedule.ScheduleType = entities.ScheduleType(r.ScheduleType)
	schedule.CronExpression = r.CronExpression
	schedule.IntervalHours = r.IntervalHours
	schedule.Parameters = r.Parameters
	if r.IsActive != nil {
		schedule.IsActive = *r.IsActive
	}
}

func (s *SchedulesController) List(c *gin.Context) {
	schedules, err := s.scheduler.List()
	if err != nil {
		respondInternalError(c, err, "list schedules")
		return
	}
	c.JSON(http.StatusOK, gin.H{"schedules": schedules})
}

func (s *SchedulesController) Get(c *gin.Context) {
	id, ok := parseIDParam(c, "id")
	if !ok {
		return
	}
	schedule, err := s.scheduler.Get(id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			respondNotFound(c, "schedule")
			return
		}
		respondInternalError(c, err, "get schedule")
		return
	}
	c.JSON(http.StatusOK, schedule)
}

func (s *SchedulesController) Create(c *gin.Context) {
	var req scheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, "name, job_type and schedule_type are required")
		return
	}

	schedule := entities.SyncSchedule{IsActive: true}
	req.apply(&schedule)

	if err := s.scheduler.Create(&schedule); err != nil {
		s.respondScheduleError(c, err, "create schedule")
		return
	}
	respondCreated(c, schedule)
}

func (s *SchedulesController) Update(c *gin.Context) {
	id, ok := parseIDParam(c, "id")
	if !ok {
		return
	}
	schedule, err := s.scheduler.Get(id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			respondNotFound(c, "schedule")
			return
		}
		respondInternalError(c, err, "get schedule")
		return
	}

	var req scheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, "name, job_type and schedule_type are required")
		return
	}
	req.apply(schedule)

	if err := s.scheduler.Update(schedule); err != nil {
		s.respondScheduleError(c, err, "update schedule")
		return
	}
	c.JSON(http.StatusOK, schedule)
}

func (s *SchedulesController) Delete(c *gin.Context) {
	id, ok := parseIDParam(c, "id")
	if !ok {
		return
	}
	if err := s.scheduler.Delete(id); err != nil {
		respondInternalError(c, err, "delete schedule")
		return
	}
	respondSuccess(c, "schedule deleted")
}

// Pause stops a schedule from firing without deactivating it.
func (s *SchedulesController) Pause(c *gin.Context) {
	id, ok := parseIDParam(c, "id")
	if !ok {
		return
	}
	if err := s.scheduler.Pause(id); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			respondNotFound(c, "schedule")
			return
		}
		respondInternalError(c, err, "pause schedule")
		return
	}
	respondSuccess(c, "schedule paused")
}

// Resume recomputes next_run from the current time.
func (s *SchedulesController) Resume(c *gin.Context) {
	id, ok := parseIDParam(c, "id")
	if !ok {
		return
	}
	if err := s.scheduler.Resume(id); err != nil {
		s.respondScheduleError(c, err, "resume schedule")
		return
	}
	respondSuccess(c, "schedule resumed")
}

// RunNow submits the schedule's job immediately.
func (s *SchedulesController) RunNow(c *gin.Context) {
	id, ok := parseIDParam(c, "id")
	if !ok {
		return
	}
	job, err := s.scheduler.RunNow(id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			respondNotFound(c, "schedule")
			return
		}
		respondConflict(c, err.Error(), "")
		return
	}
	respondAccepted(c, "job submitted", job)
}

func (s *SchedulesController) respondScheduleError(c *gin.Context, err error, context string) {
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		respondNotFound(c, "schedule")
	case strings.Contains(err.Error(), entities.ErrKindConfigInvalid):
		respondBadRequest(c, err.Error())
	default:
		respondInternalError(c, err, context)
	}
}
