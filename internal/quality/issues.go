package quality

import (
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/parcelworks/assessor-sync/internal/entities"
)

// IssueFilter narrows ListIssues. Zero values mean "any".
type IssueFilter struct {
	Table    string
	Tables   []string
	Status   entities.IssueStatus
	Severity entities.Severity
	JobID    string
	// DetectedBefore bounds the detection time, so a report download
	// excludes issues found after the report was taken.
	DetectedBefore time.Time
	Limit          int
	Offset         int
}

// ListIssues returns issues newest-first plus the total match count.
func (e *Engine) ListIssues(filter IssueFilter) ([]entities.QualityIssue, int64, error) {
	q := e.appDB.Model(&entities.QualityIssue{})
	if filter.Table != "" {
		q = q.Where("table_name = ?", filter.Table)
	}
	if len(filter.Tables) > 0 {
		q = q.Where("table_name IN ?", filter.Tables)
	}
	if !filter.DetectedBefore.IsZero() {
		q = q.Where("detected_at <= ?", filter.DetectedBefore)
	}
	if filter.Status != "" {
		q = q.Where("status = ?", filter.Status)
	}
	if filter.Severity != "" {
		q = q.Where("severity = ?", filter.Severity)
	}
	if filter.JobID != "" {
		q = q.Where("job_id = ?", filter.JobID)
	}
	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	if filter.Limit <= 0 || filter.Limit > 500 {
		filter.Limit = 100
	}
	var issues []entities.QualityIssue
	err := q.Order("detected_at DESC").Limit(filter.Limit).Offset(filter.Offset).Find(&issues).Error
	return issues, total, err
}

// AcknowledgeIssue marks an open issue as acknowledged.
func (e *Engine) AcknowledgeIssue(id uint, by string) error {
	return e.transition(id, entities.IssueAcknowledged, by,
		entities.IssueOpen)
}

// ResolveIssue closes an issue, recording who and when.
func (e *Engine) ResolveIssue(id uint, by string) error {
	return e.transition(id, entities.IssueResolved, by,
		entities.IssueOpen, entities.IssueAcknowledged)
}

// SuppressIssue silences an issue and all future identical findings for
// the same (rule, record, field) until the issue is reopened.
func (e *Engine) SuppressIssue(id uint, by string) error {
	return e.transition(id, entities.IssueSuppressed, by,
		entities.IssueOpen, entities.IssueAcknowledged)
}

// ReopenIssue moves a resolved or suppressed issue back to open.
func (e *Engine) ReopenIssue(id uint) error {
	var issue entities.QualityIssue
	if err := e.appDB.First(&issue, id).Error; err != nil {
		return err
	}
	if issue.Status != entities.IssueResolved && issue.Status != entities.IssueSuppressed {
		return fmt.Errorf("issue %d is %s, cannot reopen", id, issue.Status)
	}
	return e.appDB.Model(&issue).Updates(map[string]any{
		"status":      entities.IssueOpen,
		"resolved_at": nil,
		"resolved_by": "",
	}).Error
}

func (e *Engine) transition(id uint, to entities.IssueStatus, by string, from ...entities.IssueStatus) error {
	var issue entities.QualityIssue
	if err := e.appDB.First(&issue, id).Error; err != nil {
		return err
	}
	allowed := false
	for _, s := range from {
		if issue.Status == s {
			allowed = true
			break
		}
	}
	if !allowed {
		return fmt.Errorf("issue %d is %s, cannot mark %s", id, issue.Status, to)
	}
	updates := map[string]any{"status": to}
	if to == entities.IssueResolved {
		now := time.Now()
		updates["resolved_at"] = &now
		updates["resolved_by"] = by
	}
	return e.appDB.Model(&issue).Updates(updates).Error
}

// GetReport fetches one immutable report by id.
func (e *Engine) GetReport(id uint) (*entities.QualityReport, error) {
	var report entities.QualityReport
	if err := e.appDB.First(&report, id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, err
		}
		return nil, fmt.Errorf("load report %d: %w", id, err)
	}
	return &report, nil
}

// ListReports returns reports newest-first.
func (e *Engine) ListReports(limit int) ([]entities.QualityReport, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var reports []entities.QualityReport
	err := e.appDB.Order("created_at DESC").Limit(limit).Find(&reports).Error
	return reports, err
}
