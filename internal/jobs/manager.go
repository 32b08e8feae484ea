// Package jobs owns the lifecycle of sync jobs: submission, logical
// locking, cooperative cancel/pause, buffered logging, and terminal
// state transitions. The engine does the actual data movement.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/parcelworks/assessor-sync/internal/engine"
	"github.com/parcelworks/assessor-sync/internal/entities"
)

// ErrAlreadyRunning is returned by Submit when a job with the same
// (job_type, direction) lock key is already in flight.
var ErrAlreadyRunning = errors.New(entities.ErrKindAlreadyRunning)

var validJobTypes = map[entities.JobType]bool{
	entities.JobTypeFullSync:        true,
	entities.JobTypeIncrementalSync: true,
	entities.JobTypeUpSync:          true,
	entities.JobTypeDownSync:        true,
	entities.JobTypePropertyExport:  true,
}

// Enqueuer hands a submitted job to the worker pool. The task client
// implements it; tests can run jobs inline instead.
type Enqueuer interface {
	EnqueueJob(jobID string) error
}

// Manager is the only writer of job state transitions. Engine workers
// call Execute; the HTTP layer calls everything else.
type Manager struct {
	db         *gorm.DB
	engine     *engine.Engine
	enqueue    Enqueuer
	jobTimeout time.Duration

	mu    sync.Mutex
	locks map[string]struct{}

	logCh chan entities.SyncLog
	done  chan struct{}
	wg    sync.WaitGroup
}

func NewManager(db *gorm.DB, eng *engine.Engine, jobTimeout time.Duration) *Manager {
	m := &Manager{
		db:         db,
		engine:     eng,
		jobTimeout: jobTimeout,
		locks:      map[string]struct{}{},
		logCh:      make(chan entities.SyncLog, 1024),
		done:       make(chan struct{}),
	}
	m.wg.Add(1)
	go m.flushLogs()
	return m
}

// SetEnqueuer wires the worker pool in after construction; the task
// client needs the manager first.
func (m *Manager) SetEnqueuer(e Enqueuer) { m.enqueue = e }

// SetEngine wires the sync engine in after construction. The engine logs
// through the manager, so the two are built in sequence.
func (m *Manager) SetEngine(e *engine.Engine) { m.engine = e }

// Close drains the log buffer and stops the flusher.
func (m *Manager) Close() {
	close(m.done)
	m.wg.Wait()
}

func lockKey(t entities.JobType) string {
	return string(t) + "|" + string(engine.DirectionOf(t))
}

func (m *Manager) tryLock(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, held := m.locks[key]; held {
		return false
	}
	m.locks[key] = struct{}{}
	return true
}

func (m *Manager) unlock(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.locks, key)
}

// Submit creates and enqueues a job. With an idempotency key, a prior
// job for the same (job_type, key) is returned instead of creating a
// duplicate. A held lock or a non-terminal job of the same type fails
// fast with already_running; the duplicate job is never created.
func (m *Manager) Submit(jobType entities.JobType, params, initiator, idempotencyKey string) (*entities.SyncJob, error) {
	if !validJobTypes[jobType] {
		return nil, fmt.Errorf("%s: unknown job type %q", entities.ErrKindConfigInvalid, jobType)
	}

	if idempotencyKey != "" {
		var existing entities.SyncJob
		err := m.db.Where("job_type = ? AND idempotency_key = ?", jobType, idempotencyKey).
			Order("created_at DESC").First(&existing).Error
		if err == nil {
			return &existing, nil
		}
		if err != gorm.ErrRecordNotFound {
			return nil, err
		}
	}

	// The in-flight check and the insert share the critical section, so
	// two racing submits cannot both create a pending job.
	m.mu.Lock()
	if _, held := m.locks[lockKey(jobType)]; held {
		m.mu.Unlock()
		return nil, ErrAlreadyRunning
	}
	var active int64
	err := m.db.Model(&entities.SyncJob{}).
		Where("job_type = ? AND state IN ?", jobType, []entities.JobState{
			entities.JobStatePending, entities.JobStateRunning, entities.JobStatePaused,
		}).Count(&active).Error
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	if active > 0 {
		m.mu.Unlock()
		return nil, ErrAlreadyRunning
	}

	job := &entities.SyncJob{
		ID:             uuid.NewString(),
		JobType:        jobType,
		State:          entities.JobStatePending,
		Initiator:      initiator,
		IdempotencyKey: idempotencyKey,
		Parameters:     params,
	}
	if err := m.db.Create(job).Error; err != nil {
		m.mu.Unlock()
		return nil, err
	}
	m.mu.Unlock()

	if m.enqueue != nil {
		if err := m.enqueue.EnqueueJob(job.ID); err != nil {
			m.finalize(job, entities.JobStateFailed, entities.ErrKindConfigInvalid,
				fmt.Sprintf("enqueue failed: %v", err))
			return nil, fmt.Errorf("enqueue job %s: %w", job.ID, err)
		}
	}
	log.Printf("Job manager: submitted %s job %s (initiator=%s)", jobType, job.ID, initiator)
	return job, nil
}

// Execute runs a job to completion. Called from a worker context; owns
// the logical lock for the job's (job_type, direction) key.
func (m *Manager) Execute(ctx context.Context, jobID string) error {
	job, err := m.Get(jobID)
	if err != nil {
		return fmt.Errorf("load job %s: %w", jobID, err)
	}
	if job.State.IsTerminal() {
		return nil
	}
	if job.CancelRequested {
		m.finalize(job, entities.JobStateCancelled, entities.ErrKindCancelledByUser, "cancelled before start")
		return nil
	}

	key := lockKey(job.JobType)
	if !m.tryLock(key) {
		m.finalize(job, entities.JobStateFailed, entities.ErrKindAlreadyRunning,
			"a job with the same type and direction is already running")
		return nil
	}
	defer m.unlock(key)

	now := time.Now()
	job.State = entities.JobStateRunning
	job.StartedAt = &now
	if err := m.db.Model(job).Updates(map[string]any{
		"state":      job.State,
		"started_at": job.StartedAt,
	}).Error; err != nil {
		return err
	}
	m.AppendLog(job.ID, entities.SyncLogInfo, fmt.Sprintf("job started (%s)", job.JobType))

	runCtx := ctx
	if m.jobTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, m.jobTimeout)
		defer cancel()
	}

	runErr := m.engine.Run(runCtx, job)

	switch {
	case runErr == nil && job.ErrorKind == entities.ErrKindAbortedOnCritical:
		// Table-level abort: remaining tables ran, but the job reports failure.
		m.finalize(job, entities.JobStateFailed, entities.ErrKindAbortedOnCritical,
			"one or more tables aborted on critical validation issues")
	case runErr == nil:
		m.finalize(job, entities.JobStateSucceeded, "", "")
	default:
		var kerr *engine.KindError
		if errors.As(runErr, &kerr) && kerr.Kind == entities.ErrKindCancelledByUser {
			m.finalize(job, entities.JobStateCancelled, kerr.Kind, kerr.Err.Error())
		} else if errors.As(runErr, &kerr) {
			m.finalize(job, entities.JobStateFailed, kerr.Kind, kerr.Err.Error())
		} else {
			m.finalize(job, entities.JobStateFailed, "", runErr.Error())
		}
	}
	return nil
}

// finalize applies a terminal transition exactly once. A second attempt
// is a no-op: the guard matches only non-terminal states.
func (m *Manager) finalize(job *entities.SyncJob, state entities.JobState, errorKind, errMsg string) {
	now := time.Now()
	result := m.db.Model(&entities.SyncJob{}).
		Where("id = ? AND state IN ?", job.ID, []entities.JobState{
			entities.JobStatePending, entities.JobStateRunning, entities.JobStatePaused,
		}).
		Updates(map[string]any{
			"state":      state,
			"error_kind": errorKind,
			"error":      errMsg,
			"ended_at":   &now,
		})
	if result.Error != nil {
		log.Printf("Job manager: failed to finalize job %s: %v", job.ID, result.Error)
		return
	}
	if result.RowsAffected == 0 {
		return // already terminal
	}
	job.State = state
	job.ErrorKind = errorKind
	job.Error = errMsg
	job.EndedAt = &now
	m.AppendLog(job.ID, levelFor(state), fmt.Sprintf("job %s", state))
	log.Printf("Job manager: job %s finished as %s (read=%d written=%d skipped=%d)",
		job.ID, state, job.RowsRead, job.RowsWritten, job.RowsSkipped)
}

func levelFor(state entities.JobState) entities.SyncLogLevel {
	if state == entities.JobStateFailed {
		return entities.SyncLogError
	}
	return entities.SyncLogInfo
}

// Get loads one job.
func (m *Manager) Get(jobID string) (*entities.SyncJob, error) {
	var job entities.SyncJob
	if err := m.db.First(&job, "id = ?", jobID).Error; err != nil {
		return nil, err
	}
	return &job, nil
}

// Cancel requests cooperative termination. A pending job cancels
// immediately; a running one stops at the next batch boundary.
func (m *Manager) Cancel(jobID string) error {
	job, err := m.Get(jobID)
	if err != nil {
		return err
	}
	if job.State.IsTerminal() {
		return fmt.Errorf("job %s is already %s", jobID, job.State)
	}
	if err := m.db.Model(job).Update("cancel_requested", true).Error; err != nil {
		return err
	}
	if job.State == entities.JobStatePending {
		m.finalize(job, entities.JobStateCancelled, entities.ErrKindCancelledByUser, "cancelled before start")
	}
	return nil
}

// Pause requests a pause at the next table boundary.
func (m *Manager) Pause(jobID string) error {
	job, err := m.Get(jobID)
	if err != nil {
		return err
	}
	if job.State != entities.JobStateRunning {
		return fmt.Errorf("job %s is %s, only running jobs can pause", jobID, job.State)
	}
	return m.db.Model(job).Update("pause_requested", true).Error
}

// Resume clears the pause request; the parked engine picks it up within
// a poll interval.
func (m *Manager) Resume(jobID string) error {
	job, err := m.Get(jobID)
	if err != nil {
		return err
	}
	if job.State != entities.JobStatePaused && !job.PauseRequested {
		return fmt.Errorf("job %s is not paused", jobID)
	}
	return m.db.Model(job).Update("pause_requested", false).Error
}

// ListFilter narrows List. Zero values mean "any".
type ListFilter struct {
	JobType entities.JobType
	State   entities.JobState
	Limit   int
	Offset  int
}

// List returns jobs newest-first plus the total match count.
func (m *Manager) List(filter ListFilter) ([]entities.SyncJob, int64, error) {
	q := m.db.Model(&entities.SyncJob{})
	if filter.JobType != "" {
		q = q.Where("job_type = ?", filter.JobType)
	}
	if filter.State != "" {
		q = q.Where("state = ?", filter.State)
	}
	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	if filter.Limit <= 0 || filter.Limit > 200 {
		filter.Limit = 50
	}
	var jobs []entities.SyncJob
	err := q.Order("created_at DESC").Limit(filter.Limit).Offset(filter.Offset).Find(&jobs).Error
	return jobs, total, err
}

// AppendLog queues a log line without blocking the caller. On a full
// buffer the line goes straight to the process log instead.
func (m *Manager) AppendLog(jobID string, level entities.SyncLogLevel, message string) {
	m.Append(jobID, level, "", "", message)
}

// Append implements engine.JobLogger.
func (m *Manager) Append(jobID string, level entities.SyncLogLevel, table, recordID, message string) {
	entry := entities.SyncLog{
		JobID:     jobID,
		Level:     level,
		Table:     table,
		RecordID:  recordID,
		Message:   message,
		CreatedAt: time.Now(),
	}
	select {
	case m.logCh <- entry:
	default:
		log.Printf("Job %s [%s] %s: %s (log buffer full)", jobID, level, table, message)
	}
}

// Logs returns a job's log lines oldest-first, optionally filtered by level.
func (m *Manager) Logs(jobID string, level entities.SyncLogLevel, limit int) ([]entities.SyncLog, error) {
	if limit <= 0 || limit > 1000 {
		limit = 200
	}
	q := m.db.Where("job_id = ?", jobID)
	if level != "" {
		q = q.Where("level = ?", level)
	}
	var logs []entities.SyncLog
	err := q.Order("created_at ASC, id ASC").Limit(limit).Find(&logs).Error
	return logs, err
}

// FlushLogs forces buffered log lines to disk. Tests use it; production
// callers rely on the background flusher.
func (m *Manager) FlushLogs() {
	m.drain()
}

func (m *Manager) flushLogs() {
	defer m.wg.Done()
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.drain()
		case <-m.done:
			m.drain()
			return
		}
	}
}

func (m *Manager) drain() {
	var batch []entities.SyncLog
	for {
		select {
		case entry := <-m.logCh:
			batch = append(batch, entry)
		default:
			if len(batch) > 0 {
				if err := m.db.Create(&batch).Error; err != nil {
					log.Printf("Job manager: failed to flush %d log lines: %v", len(batch), err)
				}
			}
			return
		}
	}
}

// CleanupOldJobs removes terminal jobs (and their logs) older than the
// retention window. Returns the number of jobs removed.
func (m *Manager) CleanupOldJobs(retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention)
	var old []entities.SyncJob
	err := m.db.Where("ended_at IS NOT NULL AND ended_at < ?", cutoff).Find(&old).Error
	if err != nil {
		return 0, err
	}
	for _, job := range old {
		if err := m.db.Where("job_id = ?", job.ID).Delete(&entities.SyncLog{}).Error; err != nil {
			return 0, err
		}
		if err := m.db.Delete(&entities.SyncJob{}, "id = ?", job.ID).Error; err != nil {
			return 0, err
		}
	}
	return int64(len(old)), nil
}
