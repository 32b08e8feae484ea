package jobs

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parcelworks/assessor-sync/internal/config"
	"github.com/parcelworks/assessor-sync/internal/database"
	"github.com/parcelworks/assessor-sync/internal/engine"
	"github.com/parcelworks/assessor-sync/internal/entities"
	"github.com/parcelworks/assessor-sync/internal/quality"
	"github.com/parcelworks/assessor-sync/internal/sanitizer"
)

func setupTestManager(t *testing.T) (*Manager, *database.Database, func()) {
	prefix := "./test_jobs_" + t.Name()
	appPath := prefix + "_app.db"
	srcPath := prefix + "_src.db"
	tgtPath := prefix + "_tgt.db"

	app, err := database.NewDatabase(appPath)
	require.NoError(t, err)

	// One tiny table instead of the seeded assessor schema.
	require.NoError(t, app.DB.Model(&entities.TableConfiguration{}).
		Where("id > 0").Update("is_active", false).Error)
	require.NoError(t, app.DB.Create(&entities.TableConfiguration{
		Name: "widgets", SortOrder: 100, DirectionPolicy: entities.DirectionPolicyBoth,
		PrimaryKeyColumns: "pk", IsActive: true,
	}).Error)
	require.NoError(t, app.DB.Create(&entities.FieldConfiguration{
		Table: "widgets", Name: "pk", DeclaredType: "integer", Nullable: false, IsPrimaryKey: true,
	}).Error)
	require.NoError(t, app.DB.Create(&entities.FieldConfiguration{
		Table: "widgets", Name: "label", DeclaredType: "text",
	}).Error)

	ends, err := database.NewEndpoints(srcPath, tgtPath, 4)
	require.NoError(t, err)
	require.NoError(t, ends.Source.Exec(`CREATE TABLE widgets (pk INTEGER PRIMARY KEY, label TEXT)`).Error)
	require.NoError(t, ends.Target.Exec(`CREATE TABLE widgets (pk INTEGER PRIMARY KEY, label TEXT)`).Error)

	san := sanitizer.NewEngine(app.DB, nil)
	qual := quality.NewEngine(app.DB, app.DB, 50000, nil)

	// Manager and engine reference each other: the engine logs through
	// the manager, so wire the engine in after construction.
	mgr := NewManager(app.DB, nil, time.Minute)
	mgr.engine = engine.NewEngine(config.Sync{
		BatchSize: 100, MaxRetries: 1, RetryBaseDelay: time.Millisecond, GeometryPrecision: 6,
	}, app, ends, san, qual, nil, mgr)

	cleanup := func() {
		mgr.Close()
		ends.Close()
		app.Close()
		os.Remove(appPath)
		os.Remove(srcPath)
		os.Remove(tgtPath)
	}
	return mgr, app, cleanup
}

func TestSubmit_CreatesPendingJob(t *testing.T) {
	mgr, _, cleanup := setupTestManager(t)
	defer cleanup()

	job, err := mgr.Submit(entities.JobTypeIncrementalSync, `{"note":"test"}`, "assessor", "")
	require.NoError(t, err)
	assert.NotEmpty(t, job.ID)
	assert.Equal(t, entities.JobStatePending, job.State)
	assert.Equal(t, "assessor", job.Initiator)
}

func TestSubmit_RejectsUnknownJobType(t *testing.T) {
	mgr, _, cleanup := setupTestManager(t)
	defer cleanup()

	_, err := mgr.Submit("mystery_sync", "", "assessor", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), entities.ErrKindConfigInvalid)
}

func TestSubmit_IdempotencyKeyReturnsExistingJob(t *testing.T) {
	mgr, _, cleanup := setupTestManager(t)
	defer cleanup()

	first, err := mgr.Submit(entities.JobTypeFullSync, "", "assessor", "nightly-2024-01-01")
	require.NoError(t, err)

	second, err := mgr.Submit(entities.JobTypeFullSync, "", "assessor", "nightly-2024-01-01")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	// Same key, different job type: a new job.
	third, err := mgr.Submit(entities.JobTypeUpSync, "", "assessor", "nightly-2024-01-01")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, third.ID)
}

func TestSubmit_FailsFastWhenLockHeld(t *testing.T) {
	mgr, _, cleanup := setupTestManager(t)
	defer cleanup()

	require.True(t, mgr.tryLock(lockKey(entities.JobTypeIncrementalSync)))
	defer mgr.unlock(lockKey(entities.JobTypeIncrementalSync))

	_, err := mgr.Submit(entities.JobTypeIncrementalSync, "", "assessor", "")
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	// Down-sync shares the lock key semantics but not the key itself.
	_, err = mgr.Submit(entities.JobTypeUpSync, "", "assessor", "")
	assert.NoError(t, err)
}

func TestSubmit_DuplicatePendingIsNeverCreated(t *testing.T) {
	mgr, app, cleanup := setupTestManager(t)
	defer cleanup()

	first, err := mgr.Submit(entities.JobTypeIncrementalSync, "", "assessor", "")
	require.NoError(t, err)

	// The first job has not acquired its lock yet; the duplicate still
	// fails fast and leaves no row behind.
	_, err = mgr.Submit(entities.JobTypeIncrementalSync, "", "operator", "")
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	var count int64
	require.NoError(t, app.DB.Model(&entities.SyncJob{}).
		Where("job_type = ?", entities.JobTypeIncrementalSync).Count(&count).Error)
	assert.Equal(t, int64(1), count)

	// A terminal first job reopens submission.
	require.NoError(t, mgr.Execute(context.Background(), first.ID))
	_, err = mgr.Submit(entities.JobTypeIncrementalSync, "", "assessor", "")
	assert.NoError(t, err)
}

func TestExecute_RunsJobToSucceeded(t *testing.T) {
	mgr, app, cleanup := setupTestManager(t)
	defer cleanup()

	job, err := mgr.Submit(entities.JobTypeIncrementalSync, "", "assessor", "")
	require.NoError(t, err)

	require.NoError(t, mgr.Execute(context.Background(), job.ID))

	got, err := mgr.Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, entities.JobStateSucceeded, got.State)
	require.NotNil(t, got.StartedAt)
	require.NotNil(t, got.EndedAt)
	assert.False(t, got.EndedAt.Before(*got.StartedAt))

	// Terminal states are write-once: re-execution is a no-op.
	endedAt := *got.EndedAt
	require.NoError(t, mgr.Execute(context.Background(), job.ID))
	again, err := mgr.Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, entities.JobStateSucceeded, again.State)
	assert.True(t, again.EndedAt.Equal(endedAt))
	_ = app
}

func TestCancel_PendingJobCancelsImmediately(t *testing.T) {
	mgr, _, cleanup := setupTestManager(t)
	defer cleanup()

	job, err := mgr.Submit(entities.JobTypeFullSync, "", "assessor", "")
	require.NoError(t, err)

	require.NoError(t, mgr.Cancel(job.ID))

	got, err := mgr.Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, entities.JobStateCancelled, got.State)
	assert.Equal(t, entities.ErrKindCancelledByUser, got.ErrorKind)

	// Cancelling a terminal job is rejected.
	assert.Error(t, mgr.Cancel(job.ID))
}

func TestPauseResume_Validation(t *testing.T) {
	mgr, app, cleanup := setupTestManager(t)
	defer cleanup()

	job, err := mgr.Submit(entities.JobTypeIncrementalSync, "", "assessor", "")
	require.NoError(t, err)

	// Pending jobs cannot pause.
	assert.Error(t, mgr.Pause(job.ID))

	require.NoError(t, app.DB.Model(&entities.SyncJob{}).
		Where("id = ?", job.ID).Update("state", entities.JobStateRunning).Error)
	require.NoError(t, mgr.Pause(job.ID))

	got, err := mgr.Get(job.ID)
	require.NoError(t, err)
	assert.True(t, got.PauseRequested)

	require.NoError(t, mgr.Resume(job.ID))
	got, err = mgr.Get(job.ID)
	require.NoError(t, err)
	assert.False(t, got.PauseRequested)

	// Resuming an unpaused job is rejected.
	assert.Error(t, mgr.Resume(job.ID))
}

func TestAppendLog_BufferedWrite(t *testing.T) {
	mgr, _, cleanup := setupTestManager(t)
	defer cleanup()

	job, err := mgr.Submit(entities.JobTypeIncrementalSync, "", "assessor", "")
	require.NoError(t, err)

	mgr.AppendLog(job.ID, entities.SyncLogInfo, "starting up")
	mgr.Append(job.ID, entities.SyncLogError, "widgets", "7", "write rejected")
	mgr.FlushLogs()

	logs, err := mgr.Logs(job.ID, "", 100)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, "starting up", logs[0].Message)
	assert.Equal(t, "widgets", logs[1].Table)

	errorsOnly, err := mgr.Logs(job.ID, entities.SyncLogError, 100)
	require.NoError(t, err)
	require.Len(t, errorsOnly, 1)
	assert.Equal(t, "7", errorsOnly[0].RecordID)
}

func TestList_Filters(t *testing.T) {
	mgr, app, cleanup := setupTestManager(t)
	defer cleanup()

	a, err := mgr.Submit(entities.JobTypeIncrementalSync, "", "assessor", "")
	require.NoError(t, err)
	_, err = mgr.Submit(entities.JobTypeFullSync, "", "assessor", "")
	require.NoError(t, err)

	require.NoError(t, app.DB.Model(&entities.SyncJob{}).
		Where("id = ?", a.ID).Update("state", entities.JobStateSucceeded).Error)

	all, total, err := mgr.List(ListFilter{})
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
	assert.Len(t, all, 2)

	succeeded, total, err := mgr.List(ListFilter{State: entities.JobStateSucceeded})
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	require.Len(t, succeeded, 1)
	assert.Equal(t, a.ID, succeeded[0].ID)

	full, _, err := mgr.List(ListFilter{JobType: entities.JobTypeFullSync})
	require.NoError(t, err)
	assert.Len(t, full, 1)
}

func TestCleanupOldJobs(t *testing.T) {
	mgr, app, cleanup := setupTestManager(t)
	defer cleanup()

	old := time.Now().Add(-48 * time.Hour)
	stale := entities.SyncJob{
		ID: "stale-job", JobType: entities.JobTypeFullSync,
		State: entities.JobStateSucceeded, EndedAt: &old,
	}
	require.NoError(t, app.DB.Create(&stale).Error)
	require.NoError(t, app.DB.Create(&entities.SyncLog{
		JobID: stale.ID, Level: entities.SyncLogInfo, Message: "done",
	}).Error)

	fresh, err := mgr.Submit(entities.JobTypeIncrementalSync, "", "assessor", "")
	require.NoError(t, err)

	deleted, err := mgr.CleanupOldJobs(24 * time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	_, err = mgr.Get(stale.ID)
	assert.Error(t, err)
	_, err = mgr.Get(fresh.ID)
	assert.NoError(t, err)

	var logCount int64
	require.NoError(t, app.DB.Model(&entities.SyncLog{}).
		Where("job_id = ?", stale.ID).Count(&logCount).Error)
	assert.Zero(t, logCount)
}
