package entities

import (
	"strings"
	"time"
)

type JobType string

const (
	JobTypeFullSync        JobType = "full_sync"
	JobTypeIncrementalSync JobType = "incremental_sync"
	JobTypeUpSync          JobType = "up_sync"
	JobTypeDownSync        JobType = "down_sync"
	JobTypePropertyExport  JobType = "property_export"
)

type JobState string

const (
	JobStatePending   JobState = "pending"
	JobStateRunning   JobState = "running"
	JobStatePaused    JobState = "paused"
	JobStateSucceeded JobState = "succeeded"
	JobStateFailed    JobState = "failed"
	JobStateCancelled JobState = "cancelled"
)

// IsTerminal reports whether the state allows no further transitions.
func (s JobState) IsTerminal() bool {
	return s == JobStateSucceeded || s == JobStateFailed || s == JobStateCancelled
}

type Direction string

const (
	DirectionUp   Direction = "up"
	DirectionDown Direction = "down"
)

// DirectionPolicy restricts which sync directions may touch a table.
type DirectionPolicy string

const (
	DirectionPolicyUpOnly   DirectionPolicy = "up_only"
	DirectionPolicyDownOnly DirectionPolicy = "down_only"
	DirectionPolicyBoth     DirectionPolicy = "both"
)

// Allows reports whether a table with this policy participates in the
// given sync direction.
func (p DirectionPolicy) Allows(d Direction) bool {
	switch p {
	case DirectionPolicyBoth:
		return true
	case DirectionPolicyUpOnly:
		return d == DirectionUp
	case DirectionPolicyDownOnly:
		return d == DirectionDown
	}
	return false
}

type SyncLogLevel string

const (
	SyncLogDebug   SyncLogLevel = "debug"
	SyncLogInfo    SyncLogLevel = "info"
	SyncLogWarning SyncLogLevel = "warning"
	SyncLogError   SyncLogLevel = "error"
)

// Error kinds recorded on jobs, logs and issues. These are classifications,
// not Go error types; the sync loop reduces over them instead of raising.
const (
	ErrKindConfigInvalid       = "config_invalid"
	ErrKindSourceUnavailable   = "source_unavailable"
	ErrKindTargetUnavailable   = "target_unavailable"
	ErrKindConstraintViolation = "constraint_violation"
	ErrKindTypeMismatch        = "type_mismatch"
	ErrKindSanitizationError   = "sanitization_error"
	ErrKindCriticalValidation  = "critical_validation"
	ErrKindAlreadyRunning      = "already_running"
	ErrKindTimeoutExceeded     = "timeout_exceeded"
	ErrKindCancelledByUser     = "cancelled_by_user"
	ErrKindInvalidKey          = "invalid_key"
	ErrKindAbortedOnCritical   = "aborted_on_critical"
)

// TableConfiguration describes one synchronized table. SortOrder is unique
// and defines the deterministic per-job processing order.
type TableConfiguration struct {
	ID              uint            `gorm:"primaryKey" json:"id"`
	Name            string          `gorm:"uniqueIndex;size:128" json:"name"`
	SortOrder       int             `gorm:"uniqueIndex" json:"order"`
	DirectionPolicy DirectionPolicy `gorm:"size:20;default:'both'" json:"direction_policy"`
	// Comma-separated primary key column names; composite keys list all parts.
	PrimaryKeyColumns string `gorm:"size:256" json:"primary_key_columns"`
	WatermarkColumn   string `gorm:"size:128" json:"watermark_column,omitempty"`
	TombstoneColumn   string `gorm:"size:128" json:"tombstone_column,omitempty"`
	Sanitize          bool   `gorm:"default:false" json:"sanitize"`
	IsActive          bool   `gorm:"default:true" json:"is_active"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// PrimaryKeys returns the primary key column names in declared order.
func (t TableConfiguration) PrimaryKeys() []string {
	parts := strings.Split(t.PrimaryKeyColumns, ",")
	keys := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			keys = append(keys, p)
		}
	}
	return keys
}

// FieldConfiguration is the source of truth for a table's column list.
// The declared type tag selects a type handler; schema introspection is
// deliberately not used.
type FieldConfiguration struct {
	ID           uint   `gorm:"primaryKey" json:"id"`
	Table    string `gorm:"column:table_name;index:idx_field_table;size:128" json:"table"`
	Name         string `gorm:"index:idx_field_table;size:128" json:"name"`
	DeclaredType string `gorm:"size:64" json:"declared_type"`
	Nullable     bool   `gorm:"default:true" json:"nullable"`
	IsPrimaryKey bool   `gorm:"default:false" json:"is_primary_key"`
	CreatedAt    time.Time `json:"created_at"`
}

type SanitizationStrategy string

const (
	StrategyMask        SanitizationStrategy = "mask"
	StrategyHash        SanitizationStrategy = "hash"
	StrategyRedact      SanitizationStrategy = "redact"
	StrategyNull        SanitizationStrategy = "null"
	StrategyFakeName    SanitizationStrategy = "fake_name"
	StrategyFakeAddress SanitizationStrategy = "fake_address"
	StrategyTokenize    SanitizationStrategy = "tokenize"
)

// SanitizationRule binds a masking strategy to a (table, field) pair.
// At most one active rule may exist per pair; the repository enforces it.
type SanitizationRule struct {
	ID        uint                 `gorm:"primaryKey" json:"id"`
	Table string               `gorm:"column:table_name;index:idx_san_field;size:128" json:"table"`
	FieldName string               `gorm:"index:idx_san_field;size:128" json:"field"`
	Strategy  SanitizationStrategy `gorm:"size:20" json:"strategy"`
	IsActive  bool                 `gorm:"default:true" json:"is_active"`
	CreatedBy string               `gorm:"size:128" json:"created_by,omitempty"`
	CreatedAt time.Time            `json:"created_at"`
	UpdatedAt time.Time            `json:"updated_at"`
}

// SanitizationAudit records one sanitized value. The original value is
// never stored; only the fact that the strategy was applied.
type SanitizationAudit struct {
	ID        uint                 `gorm:"primaryKey" json:"id"`
	JobID     string               `gorm:"index;size:36" json:"job_id"`
	Table string               `gorm:"column:table_name;size:128" json:"table"`
	FieldName string               `gorm:"size:128" json:"field"`
	RecordID  string               `gorm:"size:256" json:"record_id"`
	Strategy  SanitizationStrategy `gorm:"size:20" json:"strategy"`
	Note      string               `gorm:"size:512" json:"note,omitempty"`
	CreatedAt time.Time            `json:"created_at"`
}

// SyncJob is the unit of orchestration. Terminal states are write-once;
// EndedAt is set iff the state is terminal.
type SyncJob struct {
	ID             string   `gorm:"primaryKey;size:36" json:"job_id"`
	JobType        JobType  `gorm:"index;size:30" json:"job_type"`
	State          JobState `gorm:"index;size:20;default:'pending'" json:"state"`
	Initiator      string   `gorm:"size:128" json:"initiator,omitempty"`
	IdempotencyKey string   `gorm:"index;size:128" json:"idempotency_key,omitempty"`
	Parameters     string   `gorm:"type:text" json:"parameters,omitempty"` // JSON object
	ErrorKind      string   `gorm:"size:40" json:"error_kind,omitempty"`
	Error          string   `gorm:"type:text" json:"error,omitempty"`

	TablesProcessed int `json:"tables_processed"`
	RowsRead        int `json:"rows_read"`
	RowsWritten     int `json:"rows_written"`
	RowsSkipped     int `json:"rows_skipped"`
	IssueCount      int `json:"issues"`
	SanitizedFields int `json:"sanitized_fields"`

	// Watermarks holds a JSON object mapping table name to the last
	// acknowledged watermark value.
	Watermarks string `gorm:"type:text" json:"last_watermark_per_table,omitempty"`

	// Cooperative control flags, observed by the engine between batches
	// (cancel) and between tables (pause).
	CancelRequested bool `gorm:"default:false" json:"-"`
	PauseRequested  bool `gorm:"default:false" json:"-"`

	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// SyncLog is append-only, ordered by CreatedAt within a job.
type SyncLog struct {
	ID        uint         `gorm:"primaryKey" json:"id"`
	JobID     string       `gorm:"index;size:36" json:"job_id"`
	Level     SyncLogLevel `gorm:"index;size:10" json:"level"`
	Table string       `gorm:"column:table_name;size:128" json:"table,omitempty"`
	RecordID  string       `gorm:"size:256" json:"record_id,omitempty"`
	Message   string       `gorm:"type:text" json:"message"`
	CreatedAt time.Time    `json:"created_at"`
}

type ScheduleType string

const (
	ScheduleTypeCron     ScheduleType = "cron"
	ScheduleTypeInterval ScheduleType = "interval"
)

// SyncSchedule drives periodic job submission. Exactly one of
// CronExpression/IntervalHours is set, matching ScheduleType.
type SyncSchedule struct {
	ID             uint         `gorm:"primaryKey" json:"id"`
	Name           string       `gorm:"uniqueIndex;size:128" json:"name"`
	JobType        JobType      `gorm:"size:30" json:"job_type"`
	ScheduleType   ScheduleType `gorm:"size:10" json:"schedule_type"`
	CronExpression *string      `gorm:"size:64" json:"cron_expression,omitempty"`
	IntervalHours  *int         `json:"interval_hours,omitempty"`
	Parameters     string       `gorm:"type:text" json:"parameters,omitempty"`
	IsActive       bool         `gorm:"default:true" json:"is_active"`
	LastRun        *time.Time   `json:"last_run,omitempty"`
	NextRun        *time.Time   `gorm:"index" json:"next_run,omitempty"`
	LastJobID      string       `gorm:"size:36" json:"last_job_id,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

func (TableConfiguration) TableName() string { return "sync_table_configurations" }
func (FieldConfiguration) TableName() string { return "sync_field_configurations" }
func (SanitizationRule) TableName() string   { return "sync_sanitization_rules" }
func (SanitizationAudit) TableName() string  { return "sync_sanitization_audit" }
func (SyncJob) TableName() string            { return "sync_jobs" }
func (SyncLog) TableName() string            { return "sync_logs" }
func (SyncSchedule) TableName() string       { return "sync_schedules" }
