package scheduler

import (
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parcelworks/assessor-sync/internal/database"
	"github.com/parcelworks/assessor-sync/internal/entities"
)

type submitted struct {
	jobType        entities.JobType
	params         string
	initiator      string
	idempotencyKey string
}

// fakeSubmitter records submissions and serves job state lookups.
type fakeSubmitter struct {
	calls  []submitted
	jobs   map[string]*entities.SyncJob
	nextID int
	err    error
}

func newFakeSubmitter() *fakeSubmitter {
	return &fakeSubmitter{jobs: map[string]*entities.SyncJob{}}
}

func (f *fakeSubmitter) Submit(jobType entities.JobType, params, initiator, idempotencyKey string) (*entities.SyncJob, error) {
	f.calls = append(f.calls, submitted{jobType, params, initiator, idempotencyKey})
	if f.err != nil {
		return nil, f.err
	}
	f.nextID++
	job := &entities.SyncJob{
		ID:      fmt.Sprintf("job-%d", f.nextID),
		JobType: jobType,
		State:   entities.JobStatePending,
	}
	f.jobs[job.ID] = job
	return job, nil
}

func (f *fakeSubmitter) Get(jobID string) (*entities.SyncJob, error) {
	job, ok := f.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("job %s not found", jobID)
	}
	return job, nil
}

func setupTestScheduler(t *testing.T) (*Scheduler, *fakeSubmitter, *database.Database, func()) {
	dbPath := "./test_scheduler_" + t.Name() + ".db"
	app, err := database.NewDatabase(dbPath)
	require.NoError(t, err)

	submitter := newFakeSubmitter()
	sched := NewScheduler(app.DB, submitter, time.Minute)

	cleanup := func() {
		app.Close()
		os.Remove(dbPath)
	}
	return sched, submitter, app, cleanup
}

func intPtr(v int) *int          { return &v }
func strPtr(v string) *string    { return &v }
func at(s string) time.Time      { ts, _ := time.Parse("2006-01-02 15:04", s); return ts }

func TestCreate_IntervalScheduleComputesNextRun(t *testing.T) {
	sched, _, _, cleanup := setupTestScheduler(t)
	defer cleanup()

	now := at("2024-03-01 08:00")
	sched.now = func() time.Time { return now }

	schedule := &entities.SyncSchedule{
		Name: "hourly-down", JobType: entities.JobTypeIncrementalSync,
		ScheduleType: entities.ScheduleTypeInterval, IntervalHours: intPtr(1),
		IsActive: true,
	}
	require.NoError(t, sched.Create(schedule))

	require.NotNil(t, schedule.NextRun)
	assert.Equal(t, at("2024-03-01 09:00"), schedule.NextRun.UTC())
}

func TestCreate_CronScheduleComputesNextRun(t *testing.T) {
	sched, _, _, cleanup := setupTestScheduler(t)
	defer cleanup()

	now := at("2024-03-01 08:15")
	sched.now = func() time.Time { return now }

	schedule := &entities.SyncSchedule{
		Name: "nightly-full", JobType: entities.JobTypeFullSync,
		ScheduleType: entities.ScheduleTypeCron, CronExpression: strPtr("0 2 * * *"),
		IsActive: true,
	}
	require.NoError(t, sched.Create(schedule))

	require.NotNil(t, schedule.NextRun)
	assert.Equal(t, at("2024-03-02 02:00"), schedule.NextRun.UTC())
}

func TestValidate_RejectsBadDefinitions(t *testing.T) {
	sched, _, _, cleanup := setupTestScheduler(t)
	defer cleanup()

	cases := []struct {
		name     string
		schedule entities.SyncSchedule
	}{
		{"missing name", entities.SyncSchedule{
			ScheduleType: entities.ScheduleTypeInterval, IntervalHours: intPtr(1),
		}},
		{"bad cron expression", entities.SyncSchedule{
			Name: "x", ScheduleType: entities.ScheduleTypeCron, CronExpression: strPtr("not a cron"),
		}},
		{"cron without expression", entities.SyncSchedule{
			Name: "x", ScheduleType: entities.ScheduleTypeCron,
		}},
		{"interval below one hour", entities.SyncSchedule{
			Name: "x", ScheduleType: entities.ScheduleTypeInterval, IntervalHours: intPtr(0),
		}},
		{"unknown type", entities.SyncSchedule{
			Name: "x", ScheduleType: "sometimes",
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := sched.Validate(&tc.schedule)
			require.Error(t, err)
			assert.Contains(t, err.Error(), entities.ErrKindConfigInvalid)
		})
	}
}

func TestTick_SubmitsDueSchedule(t *testing.T) {
	sched, submitter, app, cleanup := setupTestScheduler(t)
	defer cleanup()

	due := at("2024-03-01 08:00")
	schedule := entities.SyncSchedule{
		Name: "hourly-down", JobType: entities.JobTypeIncrementalSync,
		ScheduleType: entities.ScheduleTypeInterval, IntervalHours: intPtr(1),
		Parameters: `{"scope":"all"}`, IsActive: true, NextRun: &due,
	}
	require.NoError(t, app.DB.Create(&schedule).Error)

	now := at("2024-03-01 08:01")
	sched.now = func() time.Time { return now }
	sched.Tick()

	require.Len(t, submitter.calls, 1)
	call := submitter.calls[0]
	assert.Equal(t, entities.JobTypeIncrementalSync, call.jobType)
	assert.Equal(t, `{"scope":"all"}`, call.params)
	assert.Equal(t, "scheduler:hourly-down", call.initiator)
	assert.Equal(t, fmt.Sprintf("schedule-%d-%d", schedule.ID, due.Unix()), call.idempotencyKey)

	var got entities.SyncSchedule
	require.NoError(t, app.DB.First(&got, schedule.ID).Error)
	assert.Equal(t, "job-1", got.LastJobID)
	require.NotNil(t, got.LastRun)
	require.NotNil(t, got.NextRun)
	assert.Equal(t, at("2024-03-01 09:01"), got.NextRun.UTC())
}

func TestTick_SkipsScheduleNotYetDue(t *testing.T) {
	sched, submitter, app, cleanup := setupTestScheduler(t)
	defer cleanup()

	future := at("2024-03-01 10:00")
	require.NoError(t, app.DB.Create(&entities.SyncSchedule{
		Name: "later", JobType: entities.JobTypeFullSync,
		ScheduleType: entities.ScheduleTypeInterval, IntervalHours: intPtr(24),
		IsActive: true, NextRun: &future,
	}).Error)

	sched.now = func() time.Time { return at("2024-03-01 08:00") }
	sched.Tick()

	assert.Empty(t, submitter.calls)
}

func TestTick_SkipsInactiveAndPausedSchedules(t *testing.T) {
	sched, submitter, app, cleanup := setupTestScheduler(t)
	defer cleanup()

	due := at("2024-03-01 08:00")
	require.NoError(t, app.DB.Create(&entities.SyncSchedule{
		Name: "inactive", JobType: entities.JobTypeFullSync,
		ScheduleType: entities.ScheduleTypeInterval, IntervalHours: intPtr(1),
		IsActive: false, NextRun: &due,
	}).Error)
	// Paused schedules stay active but have no next_run.
	require.NoError(t, app.DB.Create(&entities.SyncSchedule{
		Name: "paused", JobType: entities.JobTypeFullSync,
		ScheduleType: entities.ScheduleTypeInterval, IntervalHours: intPtr(1),
		IsActive: true,
	}).Error)

	sched.now = func() time.Time { return at("2024-03-01 09:00") }
	sched.Tick()

	assert.Empty(t, submitter.calls)
}

func TestTick_OverrunSkipsOccurrenceWithoutStacking(t *testing.T) {
	sched, submitter, app, cleanup := setupTestScheduler(t)
	defer cleanup()

	// Previous job is still running.
	prev, err := submitter.Submit(entities.JobTypeIncrementalSync, "", "scheduler:hourly", "")
	require.NoError(t, err)
	prev.State = entities.JobStateRunning
	submitter.calls = nil

	due := at("2024-03-01 08:00")
	schedule := entities.SyncSchedule{
		Name: "hourly", JobType: entities.JobTypeIncrementalSync,
		ScheduleType: entities.ScheduleTypeInterval, IntervalHours: intPtr(1),
		IsActive: true, NextRun: &due, LastJobID: prev.ID,
	}
	require.NoError(t, app.DB.Create(&schedule).Error)

	sched.now = func() time.Time { return at("2024-03-01 08:05") }
	sched.Tick()

	// No job submitted, but next_run still advances.
	assert.Empty(t, submitter.calls)
	var got entities.SyncSchedule
	require.NoError(t, app.DB.First(&got, schedule.ID).Error)
	require.NotNil(t, got.NextRun)
	assert.Equal(t, at("2024-03-01 09:05"), got.NextRun.UTC())
	assert.Equal(t, prev.ID, got.LastJobID)

	// Once the previous job finishes, the next due tick fires normally.
	prev.State = entities.JobStateSucceeded
	sched.now = func() time.Time { return at("2024-03-01 09:10") }
	sched.Tick()
	assert.Len(t, submitter.calls, 1)
}

func TestTick_SubmitFailureStillAdvancesNextRun(t *testing.T) {
	sched, submitter, app, cleanup := setupTestScheduler(t)
	defer cleanup()

	due := at("2024-03-01 08:00")
	schedule := entities.SyncSchedule{
		Name: "hourly", JobType: entities.JobTypeIncrementalSync,
		ScheduleType: entities.ScheduleTypeInterval, IntervalHours: intPtr(1),
		IsActive: true, NextRun: &due,
	}
	require.NoError(t, app.DB.Create(&schedule).Error)

	submitter.err = fmt.Errorf("another incremental_sync job is already running")
	sched.now = func() time.Time { return at("2024-03-01 08:02") }
	sched.Tick()

	var got entities.SyncSchedule
	require.NoError(t, app.DB.First(&got, schedule.ID).Error)
	assert.Empty(t, got.LastJobID)
	require.NotNil(t, got.NextRun)
	assert.Equal(t, at("2024-03-01 09:02"), got.NextRun.UTC())
}

func TestPauseResume_RecomputesFromResumeTime(t *testing.T) {
	sched, submitter, app, cleanup := setupTestScheduler(t)
	defer cleanup()

	start := at("2024-03-01 08:00")
	next := start.Add(time.Hour)
	schedule := entities.SyncSchedule{
		Name: "hourly", JobType: entities.JobTypeIncrementalSync,
		ScheduleType: entities.ScheduleTypeInterval, IntervalHours: intPtr(1),
		IsActive: true, NextRun: &next,
	}
	require.NoError(t, app.DB.Create(&schedule).Error)

	// Paused at T: next_run cleared, nothing fires while paused.
	require.NoError(t, sched.Pause(schedule.ID))
	got, err := sched.Get(schedule.ID)
	require.NoError(t, err)
	assert.Nil(t, got.NextRun)
	assert.True(t, got.IsActive)

	sched.now = func() time.Time { return start.Add(30 * time.Minute) }
	sched.Tick()
	sched.now = func() time.Time { return start.Add(80 * time.Minute) }
	sched.Tick()
	assert.Empty(t, submitter.calls)

	// Resumed at T+90min: next_run becomes resume time + interval.
	resume := start.Add(90 * time.Minute)
	sched.now = func() time.Time { return resume }
	require.NoError(t, sched.Resume(schedule.ID))

	got, err = sched.Get(schedule.ID)
	require.NoError(t, err)
	require.NotNil(t, got.NextRun)
	assert.Equal(t, resume.Add(time.Hour), got.NextRun.UTC())
}

func TestRunNow_SubmitsWithoutTouchingNextRun(t *testing.T) {
	sched, submitter, app, cleanup := setupTestScheduler(t)
	defer cleanup()

	next := at("2024-03-01 12:00")
	schedule := entities.SyncSchedule{
		Name: "nightly", JobType: entities.JobTypeFullSync,
		ScheduleType: entities.ScheduleTypeInterval, IntervalHours: intPtr(24),
		IsActive: true, NextRun: &next,
	}
	require.NoError(t, app.DB.Create(&schedule).Error)

	sched.now = func() time.Time { return at("2024-03-01 09:00") }
	job, err := sched.RunNow(schedule.ID)
	require.NoError(t, err)
	require.Len(t, submitter.calls, 1)
	assert.Equal(t, "scheduler:nightly:manual", submitter.calls[0].initiator)
	assert.Empty(t, submitter.calls[0].idempotencyKey)

	got, err := sched.Get(schedule.ID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, got.LastJobID)
	require.NotNil(t, got.NextRun)
	assert.Equal(t, next, got.NextRun.UTC())
}

func TestUpdate_InactiveClearsNextRun(t *testing.T) {
	sched, _, _, cleanup := setupTestScheduler(t)
	defer cleanup()

	sched.now = func() time.Time { return at("2024-03-01 08:00") }
	schedule := &entities.SyncSchedule{
		Name: "hourly", JobType: entities.JobTypeIncrementalSync,
		ScheduleType: entities.ScheduleTypeInterval, IntervalHours: intPtr(1),
		IsActive: true,
	}
	require.NoError(t, sched.Create(schedule))
	require.NotNil(t, schedule.NextRun)

	schedule.IsActive = false
	require.NoError(t, sched.Update(schedule))
	assert.Nil(t, schedule.NextRun)
}
