package entities

import "time"

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Weight returns the score penalty contribution for an open issue.
func (s Severity) Weight() float64 {
	switch s {
	case SeverityInfo:
		return 1
	case SeverityWarning:
		return 3
	case SeverityError:
		return 10
	case SeverityCritical:
		return 30
	}
	return 0
}

// AtLeast reports whether s is at or above the given threshold.
func (s Severity) AtLeast(threshold Severity) bool {
	return s.rank() >= threshold.rank()
}

func (s Severity) rank() int {
	switch s {
	case SeverityInfo:
		return 0
	case SeverityWarning:
		return 1
	case SeverityError:
		return 2
	case SeverityCritical:
		return 3
	}
	return -1
}

type RuleType string

const (
	RuleNotNull            RuleType = "not_null"
	RuleRange              RuleType = "range"
	RuleRegex              RuleType = "regex"
	RuleEnum               RuleType = "enum"
	RuleReferential        RuleType = "referential"
	RuleCustomExpression   RuleType = "custom_expression"
	RuleStatisticalOutlier RuleType = "statistical_outlier"
)

type IssueStatus string

const (
	IssueOpen         IssueStatus = "open"
	IssueAcknowledged IssueStatus = "acknowledged"
	IssueResolved     IssueStatus = "resolved"
	IssueSuppressed   IssueStatus = "suppressed"
)

// QualityRule is a per-field (or per-row when FieldName is empty) check.
// RuleConfig is a JSON object whose shape depends on RuleType and is
// validated at activation time.
type QualityRule struct {
	ID         uint     `gorm:"primaryKey" json:"id"`
	Table  string   `gorm:"column:table_name;index;size:128" json:"table"`
	FieldName  string   `gorm:"size:128" json:"field,omitempty"`
	RuleType   RuleType `gorm:"size:30" json:"rule_type"`
	RuleConfig string   `gorm:"type:text" json:"rule_config"`
	Severity   Severity `gorm:"size:10;default:'warning'" json:"severity"`
	IsActive   bool     `gorm:"default:true" json:"is_active"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// QualityIssue is one failed rule evaluation against one record/field.
// Lifecycle: open -> (acknowledged?) -> resolved | suppressed. Only open
// issues count toward scores.
type QualityIssue struct {
	ID         uint        `gorm:"primaryKey" json:"id"`
	RuleID     *uint       `gorm:"index" json:"rule_id,omitempty"` // nil when detected by the sync engine directly
	JobID      string      `gorm:"index;size:36" json:"job_id,omitempty"`
	Table  string      `gorm:"column:table_name;index;size:128" json:"table"`
	FieldName  string      `gorm:"size:128" json:"field,omitempty"`
	RecordID   string      `gorm:"index;size:256" json:"record_id"`
	IssueType  string      `gorm:"size:40" json:"issue_type"`
	IssueValue string      `gorm:"size:1024" json:"issue_value,omitempty"`
	Severity   Severity    `gorm:"size:10" json:"severity"`
	Status     IssueStatus `gorm:"index;size:15;default:'open'" json:"status"`
	DetectedAt time.Time   `json:"detected_at"`
	ResolvedAt *time.Time  `json:"resolved_at,omitempty"`
	ResolvedBy string      `gorm:"size:128" json:"resolved_by,omitempty"`
}

// QualityReport aggregates issues and scores over a set of tables at a
// point in time. Immutable once created. Scores are nil when the source
// set was empty: an absent score is reported as null, never a constant.
type QualityReport struct {
	ID            uint     `gorm:"primaryKey" json:"id"`
	Name          string   `gorm:"size:256" json:"name"`
	TablesChecked int      `json:"tables_checked"`
	RowsChecked   int      `json:"rows_checked"`
	OverallScore  *float64 `json:"overall_score"`
	Completeness  *float64 `json:"completeness"`
	Accuracy      *float64 `json:"accuracy"`
	Consistency   *float64 `json:"consistency"`
	InfoCount     int      `json:"info_count"`
	WarningCount  int      `json:"warning_count"`
	ErrorCount    int      `json:"error_count"`
	CriticalCount int      `json:"critical_count"`
	// ReportData holds the per-table breakdown as JSON.
	ReportData string    `gorm:"type:text" json:"report_data,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// DataAnomaly is produced only by statistical_outlier rules.
type DataAnomaly struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	Table   string    `gorm:"column:table_name;index;size:128" json:"table"`
	FieldName   string    `gorm:"size:128" json:"field"`
	RecordID    string    `gorm:"size:256" json:"record_id"`
	AnomalyType string    `gorm:"size:20" json:"anomaly_type"` // zscore or iqr
	Score       float64   `json:"score"`
	Status      IssueStatus `gorm:"size:15;default:'open'" json:"status"`
	DetectedAt  time.Time `json:"detected_at"`
}

// QualityAlert is a predicate over reports/issues that, when satisfied,
// triggers notifications. Channels is a comma-separated subset of
// email, chat, sms; Recipients is comma-separated addresses.
type QualityAlert struct {
	ID                uint     `gorm:"primaryKey" json:"id"`
	Name              string   `gorm:"size:128" json:"name"`
	AlertType         string   `gorm:"size:40" json:"alert_type"`
	Table         string   `gorm:"column:table_name;size:128" json:"table,omitempty"`
	FieldName         string   `gorm:"size:128" json:"field,omitempty"`
	SeverityThreshold Severity `gorm:"size:10;default:'error'" json:"severity_threshold"`
	// Conditions is a JSON predicate over the finished report, e.g.
	// {"min_overall_score": 90} or {"max_open_issues": 5}.
	Conditions string    `gorm:"type:text" json:"conditions,omitempty"`
	Recipients string    `gorm:"size:1024" json:"recipients,omitempty"`
	Channels   string    `gorm:"size:128" json:"channels"`
	IsActive   bool      `gorm:"default:true" json:"is_active"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// AlertDispatch deduplicates alert delivery: one row per
// (alert_id, report_id) pair ever dispatched.
type AlertDispatch struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	AlertID   uint      `gorm:"uniqueIndex:idx_alert_report" json:"alert_id"`
	ReportID  uint      `gorm:"uniqueIndex:idx_alert_report" json:"report_id"`
	CreatedAt time.Time `json:"created_at"`
}

func (QualityRule) TableName() string   { return "quality_rules" }
func (QualityIssue) TableName() string  { return "quality_issues" }
func (QualityReport) TableName() string { return "quality_reports" }
func (DataAnomaly) TableName() string   { return "quality_anomalies" }
func (QualityAlert) TableName() string  { return "quality_alerts" }
func (AlertDispatch) TableName() string { return "quality_alert_dispatches" }
