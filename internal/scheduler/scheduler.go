// Package scheduler submits recurring sync jobs. The schedule table is
// the store of record; the scheduler itself holds no durable state and
// just walks due schedules on a fixed tick.
package scheduler

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"gorm.io/gorm"

	"github.com/parcelworks/assessor-sync/internal/entities"
)

// JobSubmitter creates jobs for due schedules. The job manager
// implements it.
type JobSubmitter interface {
	Submit(jobType entities.JobType, params, initiator, idempotencyKey string) (*entities.SyncJob, error)
	Get(jobID string) (*entities.SyncJob, error)
}

// Scheduler evaluates sync schedules on a fixed tick (1 minute by
// default) and submits due jobs through the job manager.
type Scheduler struct {
	db     *gorm.DB
	jobs   JobSubmitter
	tick   time.Duration
	parser cron.Parser

	mu        sync.Mutex
	isRunning bool
	stopCh    chan struct{}
	wg        sync.WaitGroup

	now func() time.Time
}

func NewScheduler(db *gorm.DB, jobs JobSubmitter, tick time.Duration) *Scheduler {
	if tick <= 0 {
		tick = time.Minute
	}
	return &Scheduler{
		db:     db,
		jobs:   jobs,
		tick:   tick,
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		now:    time.Now,
	}
}

// Start begins the tick loop.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isRunning {
		return
	}
	s.isRunning = true
	s.stopCh = make(chan struct{})

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.tick)
		defer ticker.Stop()
		log.Printf("Scheduler: started (tick %s)", s.tick)
		for {
			select {
			case <-ticker.C:
				s.Tick()
			case <-s.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the tick loop and waits for an in-flight tick to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()
	log.Printf("Scheduler: stopped")
}

// IsRunning reports whether the tick loop is active.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isRunning
}

// Tick evaluates every active schedule once. Due schedules submit a job
// and recompute next_run; a schedule whose previous job is still running
// skips this occurrence instead of stacking another.
func (s *Scheduler) Tick() {
	now := s.now()
	var schedules []entities.SyncSchedule
	err := s.db.Where("is_active = ? AND next_run IS NOT NULL AND next_run <= ?", true, now).
		Find(&schedules).Error
	if err != nil {
		log.Printf("Scheduler: failed to load due schedules: %v", err)
		return
	}

	for _, schedule := range schedules {
		s.fire(&schedule, now)
	}
}

func (s *Scheduler) fire(schedule *entities.SyncSchedule, now time.Time) {
	if schedule.LastJobID != "" {
		if prev, err := s.jobs.Get(schedule.LastJobID); err == nil && !prev.State.IsTerminal() {
			log.Printf("Scheduler: schedule %q skipped, job %s still %s", schedule.Name, prev.ID, prev.State)
			s.advance(schedule, now)
			return
		}
	}

	idempotencyKey := fmt.Sprintf("schedule-%d-%d", schedule.ID, schedule.NextRun.Unix())
	job, err := s.jobs.Submit(schedule.JobType, schedule.Parameters, "scheduler:"+schedule.Name, idempotencyKey)
	if err != nil {
		log.Printf("Scheduler: schedule %q failed to submit %s job: %v", schedule.Name, schedule.JobType, err)
		s.advance(schedule, now)
		return
	}

	log.Printf("Scheduler: schedule %q submitted job %s", schedule.Name, job.ID)
	schedule.LastJobID = job.ID
	schedule.LastRun = &now
	s.advance(schedule, now)
}

func (s *Scheduler) advance(schedule *entities.SyncSchedule, from time.Time) {
	next, err := s.NextRun(schedule, from)
	if err != nil {
		log.Printf("Scheduler: schedule %q has an invalid expression, deactivating: %v", schedule.Name, err)
		schedule.IsActive = false
		schedule.NextRun = nil
	} else {
		schedule.NextRun = &next
	}
	if err := s.db.Save(schedule).Error; err != nil {
		log.Printf("Scheduler: failed to persist schedule %q: %v", schedule.Name, err)
	}
}

// NextRun computes the next occurrence after the given time.
func (s *Scheduler) NextRun(schedule *entities.SyncSchedule, after time.Time) (time.Time, error) {
	switch schedule.ScheduleType {
	case entities.ScheduleTypeCron:
		if schedule.CronExpression == nil {
			return time.Time{}, fmt.Errorf("cron schedule without expression")
		}
		spec, err := s.parser.Parse(*schedule.CronExpression)
		if err != nil {
			return time.Time{}, err
		}
		return spec.Next(after), nil
	case entities.ScheduleTypeInterval:
		if schedule.IntervalHours == nil || *schedule.IntervalHours < 1 {
			return time.Time{}, fmt.Errorf("interval schedule requires interval_hours >= 1")
		}
		return after.Add(time.Duration(*schedule.IntervalHours) * time.Hour), nil
	}
	return time.Time{}, fmt.Errorf("unknown schedule type %q", schedule.ScheduleType)
}

// Validate checks a schedule definition before it is saved. Invalid
// expressions are config_invalid errors and never reach the tick loop.
func (s *Scheduler) Validate(schedule *entities.SyncSchedule) error {
	if schedule.Name == "" {
		return fmt.Errorf("%s: schedule requires a name", entities.ErrKindConfigInvalid)
	}
	if _, err := s.NextRun(schedule, s.now()); err != nil {
		return fmt.Errorf("%s: %v", entities.ErrKindConfigInvalid, err)
	}
	return nil
}

// Create validates and stores a schedule with its first next_run.
func (s *Scheduler) Create(schedule *entities.SyncSchedule) error {
	if err := s.Validate(schedule); err != nil {
		return err
	}
	if schedule.IsActive {
		next, _ := s.NextRun(schedule, s.now())
		schedule.NextRun = &next
	}
	return s.db.Create(schedule).Error
}

// Update validates and stores schedule changes, recomputing next_run.
func (s *Scheduler) Update(schedule *entities.SyncSchedule) error {
	if err := s.Validate(schedule); err != nil {
		return err
	}
	if schedule.IsActive {
		next, _ := s.NextRun(schedule, s.now())
		schedule.NextRun = &next
	} else {
		schedule.NextRun = nil
	}
	return s.db.Save(schedule).Error
}

// Delete removes a schedule.
func (s *Scheduler) Delete(id uint) error {
	return s.db.Delete(&entities.SyncSchedule{}, id).Error
}

// Get loads one schedule.
func (s *Scheduler) Get(id uint) (*entities.SyncSchedule, error) {
	var schedule entities.SyncSchedule
	if err := s.db.First(&schedule, id).Error; err != nil {
		return nil, err
	}
	return &schedule, nil
}

// List returns all schedules ordered by name.
func (s *Scheduler) List() ([]entities.SyncSchedule, error) {
	var schedules []entities.SyncSchedule
	err := s.db.Order("name ASC").Find(&schedules).Error
	return schedules, err
}

// Pause clears next_run so the schedule stops firing.
func (s *Scheduler) Pause(id uint) error {
	schedule, err := s.Get(id)
	if err != nil {
		return err
	}
	schedule.NextRun = nil
	return s.db.Save(schedule).Error
}

// Resume recomputes next_run from now.
func (s *Scheduler) Resume(id uint) error {
	schedule, err := s.Get(id)
	if err != nil {
		return err
	}
	next, err := s.NextRun(schedule, s.now())
	if err != nil {
		return fmt.Errorf("%s: %v", entities.ErrKindConfigInvalid, err)
	}
	schedule.NextRun = &next
	return s.db.Save(schedule).Error
}

// RunNow submits the schedule's job immediately without touching the
// recurring next_run.
func (s *Scheduler) RunNow(id uint) (*entities.SyncJob, error) {
	schedule, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	job, err := s.jobs.Submit(schedule.JobType, schedule.Parameters, "scheduler:"+schedule.Name+":manual", "")
	if err != nil {
		return nil, err
	}
	now := s.now()
	schedule.LastJobID = job.ID
	schedule.LastRun = &now
	if err := s.db.Save(schedule).Error; err != nil {
		log.Printf("Scheduler: failed to record manual run for %q: %v", schedule.Name, err)
	}
	return job, nil
}
