package http

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/parcelworks/assessor-sync/internal/database"
	"github.com/parcelworks/assessor-sync/internal/entities"
	"github.com/parcelworks/assessor-sync/internal/sanitizer"
)

type SanitizationController struct {
	db *database.Database
}

func NewSanitizationController(db *database.Database) *SanitizationController {
	return &SanitizationController{db: db}
}

func (s *SanitizationController) ListRules(c *gin.Context) {
	rules, err := s.db.ListSanitizationRules(c.Query("table"))
	if err != nil {
		respondInternalError(c, err, "list sanitization rules")
		return
	}
	c.JSON(http.StatusOK, gin.H{"rules": rules})
}

type sanitizationRuleRequest struct {
	TableName string `json:"table" binding:"required"`
	FieldName string `json:"field" binding:"required"`
	Strategy  string `json:"strategy" binding:"required"`
	IsActive  *bool  `json:"is_active,omitempty"`
	CreatedBy string `json:"created_by,omitempty"`
}

// SaveRule creates or replaces the rule for a (table, field) pair.
// Activating it deactivates any other active rule on the same pair.
func (s *SanitizationController) SaveRule(c *gin.Context) {
	var req sanitizationRuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, "table, field and strategy are required")
		return
	}

	strategy := entities.SanitizationStrategy(req.Strategy)
	if !sanitizer.ValidStrategy(strategy) {
		respondBadRequest(c, "unknown sanitization strategy "+req.Strategy)
		return
	}

	rule := entities.SanitizationRule{
		Table:     req.TableName,
		FieldName: req.FieldName,
		Strategy:  strategy,
		IsActive:  true,
		CreatedBy: req.CreatedBy,
	}
	if req.IsActive != nil {
		rule.IsActive = *req.IsActive
	}

	if err := s.db.SaveSanitizationRule(&rule); err != nil {
		respondInternalError(c, err, "save sanitization rule")
		return
	}
	respondCreated(c, rule)
}

func (s *SanitizationController) DeleteRule(c *gin.Context) {
	id, ok := parseIDParam(c, "id")
	if !ok {
		return
	}
	if err := s.db.DeleteSanitizationRule(id); err != nil {
		respondInternalError(c, err, "delete sanitization rule")
		return
	}
	respondSuccess(c, "rule deleted")
}

// ListAudit returns sanitization audit entries, optionally narrowed to
// one job.
func (s *SanitizationController) ListAudit(c *gin.Context) {
	limit, offset := parsePagination(c)
	query := s.db.DB.Model(&entities.SanitizationAudit{}).Order("id DESC")
	if jobID := c.Query("job_id"); jobID != "" {
		query = query.Where("job_id = ?", jobID)
	}
	if table := c.Query("table"); table != "" {
		query = query.Where("table_name = ?", table)
	}
	var entries []entities.SanitizationAudit
	if err := query.Limit(limit).Offset(offset).Find(&entries).Error; err != nil {
		respondInternalError(c, err, "list sanitization audit")
		return
	}
	c.JSON(http.StatusOK, gin.H{"audit": entries})
}
