package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/parcelworks/assessor-sync/internal/config"
	"github.com/parcelworks/assessor-sync/internal/database"
	"github.com/parcelworks/assessor-sync/internal/entities"
	"github.com/parcelworks/assessor-sync/internal/quality"
	"github.com/parcelworks/assessor-sync/internal/sanitizer"
	"github.com/parcelworks/assessor-sync/internal/typehandlers"
)

// KindError attaches an error-kind classification to a failure. The job
// manager copies the kind onto the failed job.
type KindError struct {
	Kind string
	Err  error
}

func (e *KindError) Error() string { return e.Kind + ": " + e.Err.Error() }
func (e *KindError) Unwrap() error { return e.Err }

func errk(kind, format string, args ...any) *KindError {
	return &KindError{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// JobLogger receives per-job log lines. The job manager implements it
// with a buffered writer; the engine never blocks on logging.
type JobLogger interface {
	Append(jobID string, level entities.SyncLogLevel, table, recordID, message string)
}

// Exporter handles property_export jobs, which bypass change detection.
type Exporter interface {
	Export(ctx context.Context, job *entities.SyncJob) error
}

// Engine runs one sync job end to end. Tables are processed serially in
// configured order; concurrency across jobs belongs to the job manager.
type Engine struct {
	cfg      config.Sync
	app      *database.Database
	ends     *database.Endpoints
	registry *typehandlers.Registry
	detector *Detector
	sanitize *sanitizer.Engine
	quality  *quality.Engine
	exporter Exporter
	logs     JobLogger
}

func NewEngine(cfg config.Sync, app *database.Database, ends *database.Endpoints, san *sanitizer.Engine, qual *quality.Engine, exporter Exporter, logs JobLogger) *Engine {
	registry := typehandlers.NewRegistry()
	opts := typehandlers.DefaultOptions()
	opts.GeometryPrecision = cfg.GeometryPrecision
	return &Engine{
		cfg:      cfg,
		app:      app,
		ends:     ends,
		registry: registry,
		detector: NewDetector(registry, opts),
		sanitize: san,
		quality:  qual,
		exporter: exporter,
		logs:     logs,
	}
}

// DirectionOf maps a job type to its sync direction. Only up_sync moves
// data toward production; everything else flows down to training.
func DirectionOf(t entities.JobType) entities.Direction {
	if t == entities.JobTypeUpSync {
		return entities.DirectionUp
	}
	return entities.DirectionDown
}

// Run executes the job body. State transitions around it (running,
// terminal states, lock acquisition) belong to the job manager; Run
// reports failure through a KindError when one applies.
func (e *Engine) Run(ctx context.Context, job *entities.SyncJob) error {
	if job.JobType == entities.JobTypePropertyExport {
		if e.exporter == nil {
			return errk(entities.ErrKindConfigInvalid, "no exporter configured")
		}
		return e.exporter.Export(ctx, job)
	}

	direction := DirectionOf(job.JobType)
	fullSync := job.JobType == entities.JobTypeFullSync

	tables, err := e.app.GetActiveTableConfigurations()
	if err != nil {
		return errk(entities.ErrKindConfigInvalid, "load table configurations: %v", err)
	}

	watermarks := e.loadWatermarks(job)
	refs := quality.NewRefLookup(e.readEndpoint(direction))

	for _, table := range tables {
		if !table.DirectionPolicy.Allows(direction) {
			e.logs.Append(job.ID, entities.SyncLogDebug, table.Name, "",
				fmt.Sprintf("skipping table: direction policy %s excludes %s sync", table.DirectionPolicy, direction))
			continue
		}
		if err := e.pausePoint(ctx, job); err != nil {
			return err
		}
		if err := e.syncTable(ctx, job, table, direction, fullSync, watermarks, refs); err != nil {
			return err
		}
		job.TablesProcessed++
		e.persistProgress(job, watermarks)
	}
	return nil
}

func (e *Engine) readEndpoint(d entities.Direction) *gorm.DB {
	read, _ := e.ends.ForDirection(d == entities.DirectionUp)
	return read
}

func (e *Engine) syncTable(ctx context.Context, job *entities.SyncJob, table entities.TableConfiguration, direction entities.Direction, fullSync bool, watermarks map[string]any, refs quality.RefLookup) error {
	source, target := e.ends.ForDirection(direction == entities.DirectionUp)

	fields, err := e.app.GetFieldConfigurations(table.Name)
	if err != nil {
		return errk(entities.ErrKindConfigInvalid, "load field configurations for %s: %v", table.Name, err)
	}
	if len(fields) == 0 {
		return errk(entities.ErrKindConfigInvalid, "table %s has no field configurations", table.Name)
	}

	sanitizing := direction == entities.DirectionDown && table.Sanitize
	var strategies map[string]entities.SanitizationStrategy
	if sanitizing {
		if strategies, err = e.sanitize.Resolve(table.Name); err != nil {
			return errk(entities.ErrKindConfigInvalid, "resolve sanitization rules for %s: %v", table.Name, err)
		}
	}

	rowRules, _, err := e.quality.ActiveRules(table.Name)
	if err != nil {
		return errk(entities.ErrKindConfigInvalid, "load quality rules for %s: %v", table.Name, err)
	}

	var watermark any
	if !fullSync {
		watermark = watermarks[table.Name]
	}

	e.logs.Append(job.ID, entities.SyncLogInfo, table.Name, "",
		fmt.Sprintf("starting table (direction=%s, full=%t, watermark=%v)", direction, fullSync, watermark))

	sourceIDs := map[string]struct{}{}
	offset := 0
	for {
		if err := e.cancelPoint(ctx, job); err != nil {
			return err
		}

		rows, err := e.detector.FetchSourceBatch(source, table, watermark, offset, e.cfg.BatchSize)
		if err != nil {
			return errk(entities.ErrKindSourceUnavailable, "%v", err)
		}
		if len(rows) == 0 {
			break
		}
		offset += len(rows)
		job.RowsRead += len(rows)

		newMark, aborted, err := e.processBatch(ctx, job, table, fields, direction, rows, target, strategies, rowRules, refs, sourceIDs)
		if err != nil {
			return err
		}
		if aborted {
			return nil // table abandoned; remaining tables still run
		}
		// Watermark advances only after the batch's writes are committed.
		if newMark != nil {
			watermarks[table.Name] = newMark
		}
		e.persistProgress(job, watermarks)

		if len(rows) < e.cfg.BatchSize {
			break
		}
	}

	if fullSync {
		if err := e.applyDeletes(job, table, target, sourceIDs); err != nil {
			return err
		}
	}
	return nil
}

// processBatch runs the sanitize/validate/diff/apply pipeline for one
// batch. It returns the maximum watermark observed (nil when none
// applies) and whether the table was aborted on a critical issue.
func (e *Engine) processBatch(ctx context.Context, job *entities.SyncJob, table entities.TableConfiguration, fields map[string]entities.FieldConfiguration, direction entities.Direction, rows []map[string]any, target *gorm.DB, strategies map[string]entities.SanitizationStrategy, rowRules []entities.QualityRule, refs quality.RefLookup, sourceIDs map[string]struct{}) (any, bool, error) {
	type keyedRow struct {
		key      map[string]any
		recordID string
		row      map[string]any
		audits   []sanitizer.AuditEntry
	}
	var (
		batch   []keyedRow
		keys    []map[string]any
		maxMark any
	)

	for i, row := range rows {
		if table.WatermarkColumn != "" {
			maxMark = maxWatermark(maxMark, row[table.WatermarkColumn])
		}

		key, recordID, err := KeyOf(table, row)
		if err != nil {
			job.RowsSkipped++
			job.IssueCount++
			e.logs.Append(job.ID, entities.SyncLogError, table.Name, "", entities.ErrKindInvalidKey+": "+err.Error())
			e.recordKeyIssue(job.ID, table.Name, err)
			continue
		}
		sourceIDs[recordID] = struct{}{}

		row = e.extractRow(job, table.Name, recordID, fields, row)

		var rowAudits []sanitizer.AuditEntry
		if len(strategies) > 0 {
			row, rowAudits = e.sanitize.SanitizeRow(table.Name, recordID, row, strategies, fields)
		}

		drafts := e.quality.EvaluateRow(table.Name, recordID, row, rowRules, refs)
		if len(drafts) > 0 {
			opened, err := e.quality.PersistIssues(job.ID, drafts)
			if err != nil {
				return nil, false, errk(entities.ErrKindTargetUnavailable, "persist quality issues: %v", err)
			}
			job.IssueCount += opened
			if direction == entities.DirectionUp && hasCritical(drafts) {
				e.logs.Append(job.ID, entities.SyncLogError, table.Name, recordID,
					entities.ErrKindAbortedOnCritical+": critical validation issue on up-sync")
				job.ErrorKind = entities.ErrKindAbortedOnCritical
				// Nothing from this batch is written; the abandoned rows
				// count as skipped so the totals still reconcile.
				job.RowsSkipped += len(rows) - i + len(batch)
				return nil, true, nil
			}
		}

		batch = append(batch, keyedRow{key: key, recordID: recordID, row: row, audits: rowAudits})
		keys = append(keys, key)
	}

	if len(batch) == 0 {
		return maxMark, false, nil
	}

	targetRows, err := e.detector.FetchTargetRows(target, table, keys)
	if err != nil {
		return nil, false, errk(entities.ErrKindTargetUnavailable, "%v", err)
	}

	// Audit entries cover only sanitized fields that are actually sent:
	// an unchanged sanitized field in a skipped or partial update leaves
	// no audit trace.
	var changes []Change
	var audits []sanitizer.AuditEntry
	for _, kr := range batch {
		change := e.detector.PlanRow(table, fields, kr.key, kr.recordID, kr.row, targetRows[kr.recordID])
		if change.Action == ActionSkip {
			job.RowsSkipped++
			continue
		}
		e.prepareChange(job, table.Name, fields, &change)
		for _, a := range kr.audits {
			if _, sent := change.Fields[a.FieldName]; sent {
				audits = append(audits, a)
			}
		}
		changes = append(changes, change)
	}
	if len(audits) > 0 {
		if err := e.sanitize.PersistAudit(job.ID, audits); err != nil {
			return nil, false, errk(entities.ErrKindTargetUnavailable, "persist sanitization audit: %v", err)
		}
		job.SanitizedFields += len(audits)
	}
	if len(changes) == 0 {
		return maxMark, false, nil
	}

	if err := e.applyWithRetry(ctx, job, table, target, changes); err != nil {
		return nil, false, err
	}
	return maxMark, false, nil
}

// extractRow normalizes configured columns into their canonical forms
// through the type handler for each declared type, so GeoJSON and WKT
// geometries, string and native datetimes, and numeric strings all
// compare on equal footing. An unreadable value is logged and carried
// as nil per the handler contract. Primary key components stay raw;
// they were already validated by KeyOf and are used verbatim in lookups.
func (e *Engine) extractRow(job *entities.SyncJob, table, recordID string, fields map[string]entities.FieldConfiguration, row map[string]any) map[string]any {
	out := make(map[string]any, len(row))
	for name, v := range row {
		field, configured := fields[name]
		if !configured || field.IsPrimaryKey {
			out[name] = v
			continue
		}
		canonical, err := e.registry.ForField(field).Extract(field, v)
		if err != nil {
			e.logs.Append(job.ID, entities.SyncLogWarning, table, recordID,
				fmt.Sprintf("unreadable %s value in column %s: %v", field.DeclaredType, name, err))
			out[name] = nil
			continue
		}
		out[name] = canonical
	}
	return out
}

// prepareChange materializes canonical values into the form each target
// column declares before the write, e.g. a geometry lands as WKT text
// when the column's declared type says so. A value that cannot be
// prepared is logged and written as nil.
func (e *Engine) prepareChange(job *entities.SyncJob, table string, fields map[string]entities.FieldConfiguration, change *Change) {
	for name, v := range change.Fields {
		field, configured := fields[name]
		if !configured || field.IsPrimaryKey {
			continue
		}
		prepared, err := e.registry.ForField(field).Prepare(field, v)
		if err != nil {
			e.logs.Append(job.ID, entities.SyncLogWarning, table, change.RecordID,
				fmt.Sprintf("cannot prepare %s value for column %s: %v", field.DeclaredType, name, err))
			change.Fields[name] = nil
			continue
		}
		change.Fields[name] = prepared
	}
}

// applyWithRetry applies one batch inside a transaction, retrying the
// whole batch on transient target errors with exponential backoff.
// Per-row failures inside a healthy transaction are logged and skipped.
func (e *Engine) applyWithRetry(ctx context.Context, job *entities.SyncJob, table entities.TableConfiguration, target *gorm.DB, changes []Change) error {
	var lastErr error
	for attempt := 0; attempt <= e.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := e.cfg.RetryBaseDelay * time.Duration(1<<(attempt-1))
			e.logs.Append(job.ID, entities.SyncLogWarning, table.Name, "",
				fmt.Sprintf("batch retry %d/%d after %s: %v", attempt, e.cfg.MaxRetries, delay, lastErr))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return errk(entities.ErrKindTimeoutExceeded, "job deadline during batch retry: %v", ctx.Err())
			}
		}

		written, skipped := 0, 0
		var rowIssues []quality.Draft
		lastErr = target.Transaction(func(tx *gorm.DB) error {
			for _, change := range changes {
				if err := applyChange(tx, table, change); err != nil {
					skipped++
					e.logs.Append(job.ID, entities.SyncLogError, table.Name, change.RecordID,
						entities.ErrKindConstraintViolation+": "+err.Error())
					rowIssues = append(rowIssues, quality.Draft{
						TableName:  table.Name,
						RecordID:   change.RecordID,
						IssueType:  entities.ErrKindConstraintViolation,
						IssueValue: err.Error(),
						Severity:   entities.SeverityError,
					})
					continue
				}
				written++
			}
			return nil
		})
		if lastErr == nil {
			job.RowsWritten += written
			job.RowsSkipped += skipped
			if len(rowIssues) > 0 {
				opened, err := e.quality.PersistIssues(job.ID, rowIssues)
				if err != nil {
					log.Printf("Sync engine: failed to record constraint issues on %s: %v", table.Name, err)
				}
				job.IssueCount += opened
			}
			return nil
		}
	}
	return errk(entities.ErrKindTargetUnavailable, "batch on %s failed after %d attempts: %v", table.Name, e.cfg.MaxRetries, lastErr)
}

func applyChange(tx *gorm.DB, table entities.TableConfiguration, change Change) error {
	switch change.Action {
	case ActionInsert:
		fields := change.Fields
		return tx.Table(table.Name).Create(&fields).Error
	case ActionUpdate:
		return whereKey(tx.Table(table.Name), change.Key).Updates(change.Fields).Error
	case ActionSoftDelete:
		if table.TombstoneColumn != "" {
			return whereKey(tx.Table(table.Name), change.Key).
				Update(table.TombstoneColumn, time.Now()).Error
		}
		conds := make([]string, 0, len(change.Key))
		args := make([]any, 0, len(change.Key))
		for col, v := range change.Key {
			conds = append(conds, col+" = ?")
			args = append(args, v)
		}
		return tx.Exec("DELETE FROM "+table.Name+" WHERE "+strings.Join(conds, " AND "), args...).Error
	}
	return nil
}

func (e *Engine) applyDeletes(job *entities.SyncJob, table entities.TableConfiguration, target *gorm.DB, sourceIDs map[string]struct{}) error {
	deletes, err := e.detector.PlanDeletes(target, table, sourceIDs, e.cfg.BatchSize)
	if err != nil {
		return errk(entities.ErrKindTargetUnavailable, "%v", err)
	}
	if len(deletes) == 0 {
		return nil
	}
	e.logs.Append(job.ID, entities.SyncLogInfo, table.Name, "",
		fmt.Sprintf("soft-deleting %d rows absent from source", len(deletes)))
	// Deletes touch rows never read from the source, so they stay out of
	// the rows_read/rows_written totals.
	err = target.Transaction(func(tx *gorm.DB) error {
		for _, change := range deletes {
			if err := applyChange(tx, table, change); err != nil {
				e.logs.Append(job.ID, entities.SyncLogError, table.Name, change.RecordID,
					entities.ErrKindConstraintViolation+": "+err.Error())
			}
		}
		return nil
	})
	if err != nil {
		return errk(entities.ErrKindTargetUnavailable, "delete pass on %s: %v", table.Name, err)
	}
	return nil
}

func (e *Engine) recordKeyIssue(jobID, table string, cause error) {
	_, err := e.quality.PersistIssues(jobID, []quality.Draft{{
		TableName:  table,
		IssueType:  entities.ErrKindInvalidKey,
		IssueValue: cause.Error(),
		Severity:   entities.SeverityError,
	}})
	if err != nil {
		log.Printf("Sync engine: failed to record invalid_key issue on %s: %v", table, err)
	}
}

func hasCritical(drafts []quality.Draft) bool {
	for _, d := range drafts {
		if d.Severity == entities.SeverityCritical {
			return true
		}
	}
	return false
}

// cancelPoint re-reads the cooperative flags between batches.
func (e *Engine) cancelPoint(ctx context.Context, job *entities.SyncJob) error {
	if err := ctx.Err(); err != nil {
		return errk(entities.ErrKindTimeoutExceeded, "job deadline exceeded: %v", err)
	}
	var fresh entities.SyncJob
	if err := e.app.DB.Select("cancel_requested", "pause_requested").First(&fresh, "id = ?", job.ID).Error; err != nil {
		return nil // job row unreadable; keep working, the manager owns state
	}
	job.CancelRequested = fresh.CancelRequested
	job.PauseRequested = fresh.PauseRequested
	if job.CancelRequested {
		return errk(entities.ErrKindCancelledByUser, "cancellation requested")
	}
	return nil
}

// pausePoint honors a pause request between tables: the job parks in the
// paused state and polls until resumed or cancelled.
func (e *Engine) pausePoint(ctx context.Context, job *entities.SyncJob) error {
	if err := e.cancelPoint(ctx, job); err != nil {
		return err
	}
	if !job.PauseRequested {
		return nil
	}

	e.logs.Append(job.ID, entities.SyncLogInfo, "", "", "job paused between tables")
	e.app.DB.Model(job).Update("state", entities.JobStatePaused)
	job.State = entities.JobStatePaused

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return errk(entities.ErrKindTimeoutExceeded, "job deadline while paused: %v", ctx.Err())
		case <-ticker.C:
			if err := e.cancelPoint(ctx, job); err != nil {
				return err
			}
			if !job.PauseRequested {
				e.app.DB.Model(job).Update("state", entities.JobStateRunning)
				job.State = entities.JobStateRunning
				e.logs.Append(job.ID, entities.SyncLogInfo, "", "", "job resumed")
				return nil
			}
		}
	}
}

// loadWatermarks seeds the per-table watermark map from this job's
// snapshot, falling back to the most recent finished job that recorded
// one for the table.
func (e *Engine) loadWatermarks(job *entities.SyncJob) map[string]any {
	marks := map[string]any{}
	if strings.TrimSpace(job.Watermarks) != "" {
		_ = json.Unmarshal([]byte(job.Watermarks), &marks)
	}
	if len(marks) > 0 {
		return marks
	}

	var prior []entities.SyncJob
	e.app.DB.Where("state = ? AND watermarks != ''", entities.JobStateSucceeded).
		Order("created_at DESC").Limit(20).Find(&prior)
	for _, p := range prior {
		var m map[string]any
		if json.Unmarshal([]byte(p.Watermarks), &m) != nil {
			continue
		}
		for table, mark := range m {
			if _, seen := marks[table]; !seen {
				marks[table] = mark
			}
		}
	}
	return marks
}

func (e *Engine) persistProgress(job *entities.SyncJob, watermarks map[string]any) {
	if data, err := json.Marshal(watermarks); err == nil {
		job.Watermarks = string(data)
	}
	err := e.app.DB.Model(job).Updates(map[string]any{
		"tables_processed": job.TablesProcessed,
		"rows_read":        job.RowsRead,
		"rows_written":     job.RowsWritten,
		"rows_skipped":     job.RowsSkipped,
		"issue_count":      job.IssueCount,
		"sanitized_fields": job.SanitizedFields,
		"error_kind":       job.ErrorKind,
		"watermarks":       job.Watermarks,
	}).Error
	if err != nil {
		log.Printf("Sync engine: failed to persist progress for job %s: %v", job.ID, err)
	}
}

// maxWatermark keeps the larger of two watermark values, comparing
// numerically when both sides parse as numbers and lexically otherwise.
// Timestamps in RFC 3339 or "2006-01-02 15:04:05" form order correctly
// under lexical comparison.
func maxWatermark(current, candidate any) any {
	if candidate == nil {
		return current
	}
	if current == nil {
		return candidate
	}
	a := fmt.Sprintf("%v", current)
	b := fmt.Sprintf("%v", candidate)
	da, errA := decimal.NewFromString(a)
	db, errB := decimal.NewFromString(b)
	if errA == nil && errB == nil {
		if db.GreaterThan(da) {
			return candidate
		}
		return current
	}
	if b > a {
		return candidate
	}
	return current
}
