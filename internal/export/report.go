package export

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"

	"github.com/xuri/excelize/v2"

	"github.com/parcelworks/assessor-sync/internal/entities"
)

// tableScore mirrors the per-table breakdown stored in a report's
// ReportData JSON.
type tableScore struct {
	Table          string   `json:"table"`
	RowsChecked    int      `json:"rows_checked"`
	IssuesWeighted float64  `json:"issues_weighted"`
	Score          *float64 `json:"score"`
	IssueCount     int      `json:"issue_count"`
}

func breakdown(report *entities.QualityReport) []tableScore {
	if report.ReportData == "" {
		return nil
	}
	var tables []tableScore
	if err := json.Unmarshal([]byte(report.ReportData), &tables); err != nil {
		return nil
	}
	return tables
}

// ReportTables lists the table names covered by a report's breakdown.
// Empty means the breakdown was not recorded; callers skip the table
// filter in that case.
func ReportTables(report *entities.QualityReport) []string {
	tables := breakdown(report)
	out := make([]string, 0, len(tables))
	for _, t := range tables {
		out = append(out, t.Table)
	}
	return out
}

func scoreString(score *float64) string {
	if score == nil {
		return ""
	}
	return fmt.Sprintf("%.2f", *score)
}

// WriteReportCSV renders a quality report with its open issues as CSV:
// a summary block, the per-table breakdown, then one line per issue.
func WriteReportCSV(w io.Writer, report *entities.QualityReport, issues []entities.QualityIssue) error {
	cw := csv.NewWriter(w)

	summary := [][]string{
		{"report", report.Name},
		{"created_at", report.CreatedAt.Format("2006-01-02 15:04:05")},
		{"tables_checked", fmt.Sprint(report.TablesChecked)},
		{"rows_checked", fmt.Sprint(report.RowsChecked)},
		{"overall_score", scoreString(report.OverallScore)},
		{"completeness", scoreString(report.Completeness)},
		{"accuracy", scoreString(report.Accuracy)},
		{"consistency", scoreString(report.Consistency)},
		{},
	}
	for _, record := range summary {
		if err := cw.Write(record); err != nil {
			return err
		}
	}

	if tables := breakdown(report); len(tables) > 0 {
		if err := cw.Write([]string{"table", "rows_checked", "issue_count", "score"}); err != nil {
			return err
		}
		for _, t := range tables {
			err := cw.Write([]string{t.Table, fmt.Sprint(t.RowsChecked), fmt.Sprint(t.IssueCount), scoreString(t.Score)})
			if err != nil {
				return err
			}
		}
		if err := cw.Write(nil); err != nil {
			return err
		}
	}

	if err := cw.Write([]string{"table", "field", "record_id", "issue_type", "severity", "status", "detected_at"}); err != nil {
		return err
	}
	for _, issue := range issues {
		err := cw.Write([]string{
			issue.Table, issue.FieldName, issue.RecordID, issue.IssueType,
			string(issue.Severity), string(issue.Status),
			issue.DetectedAt.Format("2006-01-02 15:04:05"),
		})
		if err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteReportXLSX renders the same report as a two-sheet workbook.
func WriteReportXLSX(w io.Writer, report *entities.QualityReport, issues []entities.QualityIssue) error {
	wb := excelize.NewFile()
	defer wb.Close()

	const summarySheet = "Summary"
	wb.SetSheetName(wb.GetSheetName(0), summarySheet)

	summaryRows := [][]any{
		{"Report", report.Name},
		{"Created", report.CreatedAt.Format("2006-01-02 15:04:05")},
		{"Tables checked", report.TablesChecked},
		{"Rows checked", report.RowsChecked},
		{"Overall score", scoreString(report.OverallScore)},
		{"Completeness", scoreString(report.Completeness)},
		{"Accuracy", scoreString(report.Accuracy)},
		{"Consistency", scoreString(report.Consistency)},
		{},
		{"Table", "Rows checked", "Issues", "Score"},
	}
	for _, t := range breakdown(report) {
		summaryRows = append(summaryRows, []any{t.Table, t.RowsChecked, t.IssueCount, scoreString(t.Score)})
	}
	for i, row := range summaryRows {
		if err := writeRow(wb, summarySheet, i+1, row); err != nil {
			return err
		}
	}

	const issueSheet = "Issues"
	if _, err := wb.NewSheet(issueSheet); err != nil {
		return err
	}
	header := []any{"Table", "Field", "Record", "Issue type", "Severity", "Status", "Detected"}
	if err := writeRow(wb, issueSheet, 1, header); err != nil {
		return err
	}
	for i, issue := range issues {
		row := []any{
			issue.Table, issue.FieldName, issue.RecordID, issue.IssueType,
			string(issue.Severity), string(issue.Status),
			issue.DetectedAt.Format("2006-01-02 15:04:05"),
		}
		if err := writeRow(wb, issueSheet, i+2, row); err != nil {
			return err
		}
	}
	return wb.Write(w)
}
