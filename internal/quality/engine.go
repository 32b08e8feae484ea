// Package quality evaluates data-quality rules against candidate rows,
// rolls issues up into scored reports, and drives alert dispatch.
package quality

import (
	"encoding/json"
	"fmt"
	"log"
	"math"
	"sort"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/parcelworks/assessor-sync/internal/entities"
)

// AlertSink receives matched alerts for delivery. The notification
// router implements it; tests substitute a recorder.
type AlertSink interface {
	NotifyAlert(alertID *uint, subject, body string, severity entities.Severity, channels []entities.Channel, recipients []string)
}

// Engine owns rule evaluation and report generation. The application
// database stores rules, issues, reports and anomalies; the data
// database (source endpoint) supplies the rows being checked.
type Engine struct {
	appDB         *gorm.DB
	dataDB        *gorm.DB
	sampleCeiling int
	alerts        AlertSink
}

// NewEngine creates a quality engine. sampleCeiling bounds the number of
// rows pulled per table during a report; tables above it are sampled.
func NewEngine(appDB, dataDB *gorm.DB, sampleCeiling int, alerts AlertSink) *Engine {
	if sampleCeiling <= 0 {
		sampleCeiling = 50000
	}
	return &Engine{appDB: appDB, dataDB: dataDB, sampleCeiling: sampleCeiling, alerts: alerts}
}

// ActiveRules loads the active rules for one table, statistical rules
// separated from per-row rules.
func (e *Engine) ActiveRules(table string) (rowRules, columnRules []entities.QualityRule, err error) {
	var rules []entities.QualityRule
	err = e.appDB.Where("table_name = ? AND is_active = ?", table, true).Find(&rules).Error
	if err != nil {
		return nil, nil, fmt.Errorf("load quality rules for %s: %w", table, err)
	}
	for _, r := range rules {
		if r.RuleType == entities.RuleStatisticalOutlier {
			columnRules = append(columnRules, r)
		} else {
			rowRules = append(rowRules, r)
		}
	}
	return rowRules, columnRules, nil
}

// EvaluateRow applies every per-row rule to one row; one rule may yield
// multiple issues for multi-value fields. Rule evaluation errors are
// logged and skipped, never fatal.
func (e *Engine) EvaluateRow(table, recordID string, row map[string]any, rules []entities.QualityRule, refs RefLookup) []Draft {
	var drafts []Draft
	for _, rule := range rules {
		found, err := evaluateRule(rule, recordID, row, refs)
		if err != nil {
			log.Printf("Quality: rule %d on %s failed to evaluate: %v", rule.ID, table, err)
			continue
		}
		drafts = append(drafts, found...)
	}
	return drafts
}

// PersistIssues writes drafts as open issues, honoring suppression: a
// suppressed issue with the same (rule_id, record_id, field) silences
// future identical findings. Returns the number actually opened.
func (e *Engine) PersistIssues(jobID string, drafts []Draft) (int, error) {
	opened := 0
	for _, d := range drafts {
		var suppressed int64
		q := e.appDB.Model(&entities.QualityIssue{}).
			Where("table_name = ? AND field_name = ? AND record_id = ? AND status = ?",
				d.TableName, d.FieldName, d.RecordID, entities.IssueSuppressed)
		if d.RuleID != nil {
			q = q.Where("rule_id = ?", *d.RuleID)
		} else {
			q = q.Where("rule_id IS NULL")
		}
		if err := q.Count(&suppressed).Error; err != nil {
			return opened, err
		}
		if suppressed > 0 {
			continue
		}
		issue := entities.QualityIssue{
			RuleID:     d.RuleID,
			JobID:      jobID,
			Table:      d.TableName,
			FieldName:  d.FieldName,
			RecordID:   d.RecordID,
			IssueType:  d.IssueType,
			IssueValue: d.IssueValue,
			Severity:   d.Severity,
			Status:     entities.IssueOpen,
			DetectedAt: time.Now(),
		}
		if err := e.appDB.Create(&issue).Error; err != nil {
			return opened, err
		}
		opened++
	}
	return opened, nil
}

// tableReport is the per-table breakdown embedded in ReportData.
type tableReport struct {
	Table          string   `json:"table"`
	RowsChecked    int      `json:"rows_checked"`
	IssuesWeighted float64  `json:"issues_weighted"`
	Score          *float64 `json:"score"`
	IssueCount     int      `json:"issue_count"`
}

// dimensionCounter tracks pass rates for one sub-score.
type dimensionCounter struct {
	checks int
	fails  int
}

func (d *dimensionCounter) rate() *float64 {
	if d.checks == 0 {
		return nil
	}
	r := 100 * float64(d.checks-d.fails) / float64(d.checks)
	return &r
}

// RunReport streams each named table, evaluates active rules, persists
// issues and anomalies, and writes an immutable QualityReport. When no
// rows exist anywhere, scores are null rather than invented.
func (e *Engine) RunReport(name string, tables []string) (*entities.QualityReport, error) {
	var (
		perTable    []tableReport
		totalRows   int
		weightedSum float64 // sum of table_score * rows_checked
		scoredRows  int
		sevCounts   = map[entities.Severity]int{}
		dims        = map[Dimension]*dimensionCounter{
			DimCompleteness: {}, DimAccuracy: {}, DimConsistency: {},
		}
	)

	refs := newRefCache(e.dataDB)

	for _, table := range tables {
		tr, err := e.reportTable(table, refs, sevCounts, dims)
		if err != nil {
			return nil, err
		}
		perTable = append(perTable, tr)
		totalRows += tr.RowsChecked
		if tr.Score != nil {
			weightedSum += *tr.Score * float64(tr.RowsChecked)
			scoredRows += tr.RowsChecked
		}
	}

	report := entities.QualityReport{
		Name:          name,
		TablesChecked: len(tables),
		RowsChecked:   totalRows,
		InfoCount:     sevCounts[entities.SeverityInfo],
		WarningCount:  sevCounts[entities.SeverityWarning],
		ErrorCount:    sevCounts[entities.SeverityError],
		CriticalCount: sevCounts[entities.SeverityCritical],
		Completeness:  dims[DimCompleteness].rate(),
		Accuracy:      dims[DimAccuracy].rate(),
		Consistency:   dims[DimConsistency].rate(),
		CreatedAt:     time.Now(),
	}
	if scoredRows > 0 {
		overall := weightedSum / float64(scoredRows)
		report.OverallScore = &overall
	}
	if data, err := json.Marshal(perTable); err == nil {
		report.ReportData = string(data)
	}

	if err := e.appDB.Create(&report).Error; err != nil {
		return nil, fmt.Errorf("persist quality report: %w", err)
	}

	e.checkAlerts(&report)

	return &report, nil
}

func (e *Engine) reportTable(table string, refs RefLookup, sevCounts map[entities.Severity]int, dims map[Dimension]*dimensionCounter) (tableReport, error) {
	tr := tableReport{Table: table}

	rowRules, columnRules, err := e.ActiveRules(table)
	if err != nil {
		return tr, err
	}

	var count int64
	if err := e.dataDB.Table(table).Count(&count).Error; err != nil {
		return tr, fmt.Errorf("count %s: %w", table, err)
	}

	q := e.dataDB.Table(table)
	if int(count) > e.sampleCeiling {
		log.Printf("Quality: sampling %s (%d rows exceeds ceiling %d)", table, count, e.sampleCeiling)
		q = q.Limit(e.sampleCeiling)
	}
	var rows []map[string]any
	if err := q.Find(&rows).Error; err != nil {
		return tr, fmt.Errorf("read %s: %w", table, err)
	}
	tr.RowsChecked = len(rows)

	var drafts []Draft
	columns := map[string][]sample{}
	for i, row := range rows {
		recordID := fmt.Sprintf("%d", i)
		if id, ok := row["id"]; ok {
			recordID = fmt.Sprintf("%v", id)
		}
		found := e.EvaluateRow(table, recordID, row, rowRules, refs)
		drafts = append(drafts, found...)

		// Dimension pass rates: one check per applicable rule per row.
		for _, rule := range rowRules {
			dim := dimensionOf(rule.RuleType)
			if c, ok := dims[dim]; ok {
				c.checks++
			}
		}
		for _, d := range found {
			if d.RuleID == nil {
				continue
			}
			for _, rule := range rowRules {
				if rule.ID == *d.RuleID {
					if c, ok := dims[dimensionOf(rule.RuleType)]; ok {
						c.fails++
					}
					break
				}
			}
		}

		for _, rule := range columnRules {
			if v, ok := toNumber(row[rule.FieldName]); ok {
				f, _ := v.Float64()
				columns[rule.FieldName] = append(columns[rule.FieldName], sample{recordID: recordID, value: f})
			}
		}
	}

	for _, rule := range columnRules {
		outliers, err := e.evaluateOutliers(rule, columns[rule.FieldName])
		if err != nil {
			log.Printf("Quality: outlier rule %d on %s failed: %v", rule.ID, table, err)
			continue
		}
		drafts = append(drafts, outliers...)
	}

	var weighted float64
	for _, d := range drafts {
		weighted += d.Severity.Weight()
		sevCounts[d.Severity]++
	}
	tr.IssuesWeighted = weighted
	tr.IssueCount = len(drafts)
	if tr.RowsChecked > 0 {
		score := math.Max(0, 100-100*weighted/float64(tr.RowsChecked))
		tr.Score = &score
	}

	if _, err := e.PersistIssues("", drafts); err != nil {
		return tr, err
	}
	return tr, nil
}

type sample struct {
	recordID string
	value    float64
}

// evaluateOutliers runs one statistical_outlier rule over a column's
// sampled distribution. Findings become both issues and DataAnomaly rows.
func (e *Engine) evaluateOutliers(rule entities.QualityRule, samples []sample) ([]Draft, error) {
	var cfg OutlierConfig
	if err := unmarshalConfig(rule.RuleConfig, &cfg); err != nil {
		return nil, err
	}
	if len(samples) < 3 {
		return nil, nil // not enough data to call anything an outlier
	}

	var flagged []struct {
		s     sample
		score float64
	}

	switch cfg.Method {
	case "zscore":
		mean, stddev := meanStddev(samples)
		if stddev == 0 {
			return nil, nil
		}
		for _, s := range samples {
			z := math.Abs(s.value-mean) / stddev
			if z > cfg.Threshold {
				flagged = append(flagged, struct {
					s     sample
					score float64
				}{s, z})
			}
		}
	case "iqr":
		q1, q3 := quartiles(samples)
		iqr := q3 - q1
		if iqr == 0 {
			return nil, nil
		}
		lo := q1 - cfg.Threshold*iqr
		hi := q3 + cfg.Threshold*iqr
		for _, s := range samples {
			if s.value < lo || s.value > hi {
				dist := math.Max(lo-s.value, s.value-hi) / iqr
				flagged = append(flagged, struct {
					s     sample
					score float64
				}{s, dist})
			}
		}
	}

	var drafts []Draft
	for _, f := range flagged {
		drafts = append(drafts, Draft{
			RuleID:     &rule.ID,
			TableName:  rule.Table,
			FieldName:  rule.FieldName,
			RecordID:   f.s.recordID,
			IssueType:  "statistical_outlier",
			IssueValue: fmt.Sprintf("%v", f.s.value),
			Severity:   rule.Severity,
		})
		anomaly := entities.DataAnomaly{
			Table:       rule.Table,
			FieldName:   rule.FieldName,
			RecordID:    f.s.recordID,
			AnomalyType: cfg.Method,
			Score:       f.score,
			Status:      entities.IssueOpen,
			DetectedAt:  time.Now(),
		}
		if err := e.appDB.Create(&anomaly).Error; err != nil {
			return drafts, err
		}
	}
	return drafts, nil
}

func meanStddev(samples []sample) (mean, stddev float64) {
	n := float64(len(samples))
	for _, s := range samples {
		mean += s.value
	}
	mean /= n
	var sq float64
	for _, s := range samples {
		sq += (s.value - mean) * (s.value - mean)
	}
	stddev = math.Sqrt(sq / n)
	return mean, stddev
}

func quartiles(samples []sample) (q1, q3 float64) {
	values := make([]float64, len(samples))
	for i, s := range samples {
		values[i] = s.value
	}
	sort.Float64s(values)
	q1 = percentile(values, 0.25)
	q3 = percentile(values, 0.75)
	return q1, q3
}

func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	pos := p * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return sorted[lo]
	}
	frac := pos - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}

// alertConditions is the opaque predicate shape stored on QualityAlert.
type alertConditions struct {
	MinOverallScore *float64 `json:"min_overall_score,omitempty"` // fire when overall drops below
	MaxOpenIssues   *int     `json:"max_open_issues,omitempty"`   // fire when open issues exceed
}

// checkAlerts dispatches each matching active alert exactly once per
// (alert, report) pair. Alert failures never affect the report.
func (e *Engine) checkAlerts(report *entities.QualityReport) {
	if e.alerts == nil {
		return
	}
	var alerts []entities.QualityAlert
	if err := e.appDB.Where("is_active = ?", true).Find(&alerts).Error; err != nil {
		log.Printf("Quality: failed to load alerts: %v", err)
		return
	}
	for _, alert := range alerts {
		matched, severity := e.alertMatches(alert, report)
		if !matched {
			continue
		}
		dispatch := entities.AlertDispatch{AlertID: alert.ID, ReportID: report.ID}
		if err := e.appDB.Create(&dispatch).Error; err != nil {
			// Unique constraint: already dispatched for this report.
			continue
		}
		subject := fmt.Sprintf("Data quality alert: %s", alert.Name)
		body := alertBody(alert, report)
		e.alerts.NotifyAlert(&alert.ID, subject, body, severity, parseChannels(alert.Channels), parseRecipients(alert.Recipients))
		log.Printf("Quality: dispatched alert %q for report %d", alert.Name, report.ID)
	}
}

func (e *Engine) alertMatches(alert entities.QualityAlert, report *entities.QualityReport) (bool, entities.Severity) {
	severity := alert.SeverityThreshold
	if severity == "" {
		severity = entities.SeverityError
	}

	if strings.TrimSpace(alert.Conditions) != "" {
		var cond alertConditions
		if err := json.Unmarshal([]byte(alert.Conditions), &cond); err != nil {
			log.Printf("Quality: alert %d has invalid conditions: %v", alert.ID, err)
			return false, severity
		}
		if cond.MinOverallScore != nil {
			if report.OverallScore == nil || *report.OverallScore >= *cond.MinOverallScore {
				return false, severity
			}
			return true, severity
		}
		if cond.MaxOpenIssues != nil {
			open := e.openIssueCount(alert.Table)
			return open > *cond.MaxOpenIssues, severity
		}
	}

	// No explicit conditions: fire when the report carries issues at or
	// above the alert's severity threshold.
	count := 0
	for _, sev := range []entities.Severity{entities.SeverityInfo, entities.SeverityWarning, entities.SeverityError, entities.SeverityCritical} {
		if !sev.AtLeast(severity) {
			continue
		}
		switch sev {
		case entities.SeverityInfo:
			count += report.InfoCount
		case entities.SeverityWarning:
			count += report.WarningCount
		case entities.SeverityError:
			count += report.ErrorCount
		case entities.SeverityCritical:
			count += report.CriticalCount
		}
	}
	return count > 0, severity
}

func (e *Engine) openIssueCount(table string) int {
	var n int64
	q := e.appDB.Model(&entities.QualityIssue{}).Where("status = ?", entities.IssueOpen)
	if table != "" {
		q = q.Where("table_name = ?", table)
	}
	q.Count(&n)
	return int(n)
}

func alertBody(alert entities.QualityAlert, report *entities.QualityReport) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Report %q (#%d): %d tables, %d rows checked.\n", report.Name, report.ID, report.TablesChecked, report.RowsChecked)
	if report.OverallScore != nil {
		fmt.Fprintf(&sb, "Overall score: %.1f\n", *report.OverallScore)
	} else {
		sb.WriteString("Overall score: n/a (no rows)\n")
	}
	fmt.Fprintf(&sb, "Issues: %d critical, %d error, %d warning, %d info.\n",
		report.CriticalCount, report.ErrorCount, report.WarningCount, report.InfoCount)
	if alert.Table != "" {
		fmt.Fprintf(&sb, "Scoped to table %s.\n", alert.Table)
	}
	return sb.String()
}

func parseChannels(s string) []entities.Channel {
	var out []entities.Channel
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, entities.Channel(part))
		}
	}
	return out
}

func parseRecipients(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
