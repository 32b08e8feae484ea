package http

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/parcelworks/assessor-sync/internal/entities"
	"github.com/parcelworks/assessor-sync/internal/export"
	"github.com/parcelworks/assessor-sync/internal/quality"
)

type QualityController struct {
	engine *quality.Engine
	db     *gorm.DB
}

func NewQualityController(engine *quality.Engine, db *gorm.DB) *QualityController {
	return &QualityController{engine: engine, db: db}
}

// --- Rules ---

type ruleRequest struct {
	TableName  string `json:"table" binding:"required"`
	FieldName  string `json:"field,omitempty"`
	RuleType   string `json:"rule_type" binding:"required"`
	RuleConfig string `json:"rule_config" binding:"required"`
	Severity   string `json:"severity,omitempty"`
	IsActive   *bool  `json:"is_active,omitempty"`
}

func (q *QualityController) ListRules(c *gin.Context) {
	query := q.db.Order("table_name ASC, field_name ASC")
	if table := c.Query("table"); table != "" {
		query = query.Where("table_name = ?", table)
	}
	var rules []entities.QualityRule
	if err := query.Find(&rules).Error; err != nil {
		respondInternalError(c, err, "list quality rules")
		return
	}
	c.JSON(http.StatusOK, gin.H{"rules": rules})
}

func (q *QualityController) CreateRule(c *gin.Context) {
	var req ruleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, "table, rule_type and rule_config are required")
		return
	}

	rule := entities.QualityRule{
		Table:      req.TableName,
		FieldName:  req.FieldName,
		RuleType:   entities.RuleType(req.RuleType),
		RuleConfig: req.RuleConfig,
		Severity:   entities.SeverityWarning,
		IsActive:   true,
	}
	if req.Severity != "" {
		rule.Severity = entities.Severity(req.Severity)
	}
	if req.IsActive != nil {
		rule.IsActive = *req.IsActive
	}

	if err := quality.ValidateRuleConfig(rule.RuleType, rule.RuleConfig); err != nil {
		respondBadRequest(c, err.Error())
		return
	}
	if err := q.db.Create(&rule).Error; err != nil {
		respondInternalError(c, err, "create quality rule")
		return
	}
	respondCreated(c, rule)
}

func (q *QualityController) UpdateRule(c *gin.Context) {
	id, ok := parseIDParam(c, "id")
	if !ok {
		return
	}
	var rule entities.QualityRule
	if err := q.db.First(&rule, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			respondNotFound(c, "rule")
			return
		}
		respondInternalError(c, err, "get quality rule")
		return
	}

	var req ruleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, "table, rule_type and rule_config are required")
		return
	}
	rule.Table = req.TableName
	rule.FieldName = req.FieldName
	rule.RuleType = entities.RuleType(req.RuleType)
	rule.RuleConfig = req.RuleConfig
	if req.Severity != "" {
		rule.Severity = entities.Severity(req.Severity)
	}
	if req.IsActive != nil {
		rule.IsActive = *req.IsActive
	}

	if err := quality.ValidateRuleConfig(rule.RuleType, rule.RuleConfig); err != nil {
		respondBadRequest(c, err.Error())
		return
	}
	if err := q.db.Save(&rule).Error; err != nil {
		respondInternalError(c, err, "update quality rule")
		return
	}
	c.JSON(http.StatusOK, rule)
}

func (q *QualityController) DeleteRule(c *gin.Context) {
	id, ok := parseIDParam(c, "id")
	if !ok {
		return
	}
	if err := q.db.Delete(&entities.QualityRule{}, id).Error; err != nil {
		respondInternalError(c, err, "delete quality rule")
		return
	}
	respondSuccess(c, "rule deleted")
}

// --- Issues ---

func (q *QualityController) ListIssues(c *gin.Context) {
	limit, offset := parsePagination(c)
	filter := quality.IssueFilter{
		Table:    c.Query("table"),
		Status:   entities.IssueStatus(c.Query("status")),
		Severity: entities.Severity(c.Query("severity")),
		JobID:    c.Query("job_id"),
		Limit:    limit,
		Offset:   offset,
	}
	issues, total, err := q.engine.ListIssues(filter)
	if err != nil {
		respondInternalError(c, err, "list quality issues")
		return
	}
	c.JSON(http.StatusOK, PaginatedResponse{
		Data: issues, Total: total, Limit: limit, Offset: offset,
		HasMore: int64(offset+len(issues)) < total,
	})
}

type issueActionRequest struct {
	By string `json:"by,omitempty"`
}

// IssueAction transitions one issue through its lifecycle. The action
// comes from the URL so each verb gets its own route.
func (q *QualityController) IssueAction(action string) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := parseIDParam(c, "id")
		if !ok {
			return
		}
		var req issueActionRequest
		_ = c.ShouldBindJSON(&req)
		if req.By == "" {
			req.By = "api"
		}

		var err error
		switch action {
		case "acknowledge":
			err = q.engine.AcknowledgeIssue(id, req.By)
		case "resolve":
			err = q.engine.ResolveIssue(id, req.By)
		case "suppress":
			err = q.engine.SuppressIssue(id, req.By)
		case "reopen":
			err = q.engine.ReopenIssue(id)
		}
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				respondNotFound(c, "issue")
				return
			}
			respondConflict(c, err.Error(), "")
			return
		}
		respondSuccess(c, "issue updated to "+statusFor(action))
	}
}

func statusFor(action string) string {
	switch action {
	case "acknowledge":
		return string(entities.IssueAcknowledged)
	case "resolve":
		return string(entities.IssueResolved)
	case "suppress":
		return string(entities.IssueSuppressed)
	}
	return string(entities.IssueOpen)
}

// --- Reports ---

type reportRequest struct {
	Name   string   `json:"name,omitempty"`
	Tables []string `json:"tables,omitempty"`
}

func (q *QualityController) RunReport(c *gin.Context) {
	var req reportRequest
	_ = c.ShouldBindJSON(&req)
	if req.Name == "" {
		req.Name = "ad-hoc"
	}

	report, err := q.engine.RunReport(req.Name, req.Tables)
	if err != nil {
		if strings.Contains(err.Error(), entities.ErrKindConfigInvalid) {
			respondBadRequest(c, err.Error())
			return
		}
		respondInternalError(c, err, "run quality report")
		return
	}
	respondCreated(c, report)
}

func (q *QualityController) ListReports(c *gin.Context) {
	limit, _ := parsePagination(c)
	reports, err := q.engine.ListReports(limit)
	if err != nil {
		respondInternalError(c, err, "list quality reports")
		return
	}
	c.JSON(http.StatusOK, gin.H{"reports": reports})
}

func (q *QualityController) GetReport(c *gin.Context) {
	id, ok := parseIDParam(c, "id")
	if !ok {
		return
	}
	report, err := q.engine.GetReport(id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			respondNotFound(c, "report")
			return
		}
		respondInternalError(c, err, "get quality report")
		return
	}
	c.JSON(http.StatusOK, report)
}

// DownloadReport streams a report as CSV or a workbook, selected by
// ?format=csv|xlsx (default csv). Open issues from the report's own
// tables and time window ride along.
func (q *QualityController) DownloadReport(c *gin.Context) {
	id, ok := parseIDParam(c, "id")
	if !ok {
		return
	}
	report, err := q.engine.GetReport(id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			respondNotFound(c, "report")
			return
		}
		respondInternalError(c, err, "get quality report")
		return
	}

	issues, _, err := q.engine.ListIssues(quality.IssueFilter{
		Status:         entities.IssueOpen,
		Tables:         export.ReportTables(report),
		DetectedBefore: report.CreatedAt,
		Limit:          500,
	})
	if err != nil {
		respondInternalError(c, err, "list report issues")
		return
	}

	format := c.DefaultQuery("format", "csv")
	filename := fmt.Sprintf("quality_report_%d.%s", report.ID, format)
	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, filename))

	switch format {
	case "csv":
		c.Header("Content-Type", "text/csv")
		err = export.WriteReportCSV(c.Writer, report, issues)
	case "xlsx":
		c.Header("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
		err = export.WriteReportXLSX(c.Writer, report, issues)
	default:
		respondBadRequest(c, "format must be csv or xlsx")
		return
	}
	if err != nil {
		respondInternalError(c, err, "write report download")
	}
}

// --- Alerts ---

type alertRequest struct {
	Name              string `json:"name" binding:"required"`
	AlertType         string `json:"alert_type,omitempty"`
	TableName         string `json:"table,omitempty"`
	FieldName         string `json:"field,omitempty"`
	SeverityThreshold string `json:"severity_threshold,omitempty"`
	Conditions        string `json:"conditions,omitempty"`
	Recipients        string `json:"recipients,omitempty"`
	Channels          string `json:"channels" binding:"required"`
	IsActive          *bool  `json:"is_active,omitempty"`
}

func (q *QualityController) ListAlerts(c *gin.Context) {
	var alerts []entities.QualityAlert
	if err := q.db.Order("name ASC").Find(&alerts).Error; err != nil {
		respondInternalError(c, err, "list quality alerts")
		return
	}
	c.JSON(http.StatusOK, gin.H{"alerts": alerts})
}

func (q *QualityController) CreateAlert(c *gin.Context) {
	var req alertRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, "name and channels are required")
		return
	}

	alert := entities.QualityAlert{
		Name:              req.Name,
		AlertType:         req.AlertType,
		Table:             req.TableName,
		FieldName:         req.FieldName,
		SeverityThreshold: entities.SeverityError,
		Conditions:        req.Conditions,
		Recipients:        req.Recipients,
		Channels:          req.Channels,
		IsActive:          true,
	}
	if req.SeverityThreshold != "" {
		alert.SeverityThreshold = entities.Severity(req.SeverityThreshold)
	}
	if req.IsActive != nil {
		alert.IsActive = *req.IsActive
	}

	if err := q.db.Create(&alert).Error; err != nil {
		respondInternalError(c, err, "create quality alert")
		return
	}
	respondCreated(c, alert)
}

func (q *QualityController) UpdateAlert(c *gin.Context) {
	id, ok := parseIDParam(c, "id")
	if !ok {
		return
	}
	var alert entities.QualityAlert
	if err := q.db.First(&alert, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			respondNotFound(c, "alert")
			return
		}
		respondInternalError(c, err, "get quality alert")
		return
	}

	var req alertRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, "name and channels are required")
		return
	}
	alert.Name = req.Name
	alert.AlertType = req.AlertType
	alert.Table = req.TableName
	alert.FieldName = req.FieldName
	alert.Conditions = req.Conditions
	alert.Recipients = req.Recipients
	alert.Channels = req.Channels
	if req.SeverityThreshold != "" {
		alert.SeverityThreshold = entities.Severity(req.SeverityThreshold)
	}
	if req.IsActive != nil {
		alert.IsActive = *req.IsActive
	}

	if err := q.db.Save(&alert).Error; err != nil {
		respondInternalError(c, err, "update quality alert")
		return
	}
	c.JSON(http.StatusOK, alert)
}

func (q *QualityController) DeleteAlert(c *gin.Context) {
	id, ok := parseIDParam(c, "id")
	if !ok {
		return
	}
	if err := q.db.Delete(&entities.QualityAlert{}, id).Error; err != nil {
		respondInternalError(c, err, "delete quality alert")
		return
	}
	respondSuccess(c, "alert deleted")
}

// ListAnomalies returns statistical outlier detections.
func (q *QualityController) ListAnomalies(c *gin.Context) {
	limit, offset := parsePagination(c)
	query := q.db.Model(&entities.DataAnomaly{}).Order("detected_at DESC")
	if table := c.Query("table"); table != "" {
		query = query.Where("table_name = ?", table)
	}
	var anomalies []entities.DataAnomaly
	if err := query.Limit(limit).Offset(offset).Find(&anomalies).Error; err != nil {
		respondInternalError(c, err, "list anomalies")
		return
	}
	c.JSON(http.StatusOK, gin.H{"anomalies": anomalies})
}
