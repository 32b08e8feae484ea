// Package export produces property workbooks from the assessment
// databases. Export jobs are read-only: they bypass change detection
// and never write to either endpoint.
package export

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"
	"gorm.io/gorm"

	"github.com/parcelworks/assessor-sync/internal/database"
	"github.com/parcelworks/assessor-sync/internal/entities"
)

// Logger receives per-job log lines. The job manager implements it.
type Logger interface {
	Append(jobID string, level entities.SyncLogLevel, table, recordID, message string)
}

// Params is the job parameter shape for property_export jobs.
type Params struct {
	// DatabaseName selects the endpoint to read: "source" or "target".
	DatabaseName string `json:"database_name"`
	// NumYears bounds how many valuation years are included, counting
	// back from the current tax year.
	NumYears int `json:"num_years"`
	// MinBillYears drops parcels with fewer distinct billed years.
	MinBillYears int `json:"min_bill_years"`
	// Format is "xlsx" (default) or "csv".
	Format string `json:"format"`
}

func (p *Params) applyDefaults() {
	if p.DatabaseName == "" {
		p.DatabaseName = "source"
	}
	if p.NumYears <= 0 {
		p.NumYears = 5
	}
	if p.MinBillYears < 0 {
		p.MinBillYears = 0
	}
	if p.Format == "" {
		p.Format = "xlsx"
	}
}

// Exporter writes property export files into a configured directory.
// Files land atomically: content is written to a temp file in the same
// directory and renamed into place only when complete, so a failed
// export never leaves a partial file behind.
type Exporter struct {
	app  *database.Database
	ends *database.Endpoints
	dir  string
	logs Logger

	now func() time.Time
}

func NewExporter(app *database.Database, ends *database.Endpoints, dir string, logs Logger) *Exporter {
	if dir == "" {
		dir = "./exports"
	}
	return &Exporter{app: app, ends: ends, dir: dir, logs: logs, now: time.Now}
}

// Export runs one property_export job: parcels joined with their recent
// valuations, filtered to parcels with enough billing history.
func (e *Exporter) Export(ctx context.Context, job *entities.SyncJob) error {
	var params Params
	if job.Parameters != "" {
		if err := json.Unmarshal([]byte(job.Parameters), &params); err != nil {
			return fmt.Errorf("%s: unparseable export parameters: %v", entities.ErrKindConfigInvalid, err)
		}
	}
	params.applyDefaults()

	db, err := e.endpoint(params.DatabaseName)
	if err != nil {
		return err
	}
	if params.Format != "csv" && params.Format != "xlsx" {
		return fmt.Errorf("%s: unsupported export format %q", entities.ErrKindConfigInvalid, params.Format)
	}

	header, rows, read, dropped, err := e.collect(ctx, db, params)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(e.dir, 0o755); err != nil {
		return fmt.Errorf("create export directory: %w", err)
	}
	name := fmt.Sprintf("property_export_%s_%s.%s",
		e.now().Format("20060102_150405"), shortID(job.ID), params.Format)
	path := filepath.Join(e.dir, name)

	switch params.Format {
	case "csv":
		err = writeAtomic(path, func(f *os.File) error { return writeCSV(f, header, rows) })
	case "xlsx":
		err = writeAtomic(path, func(f *os.File) error { return writeWorkbook(f, header, rows) })
	}
	if err != nil {
		return fmt.Errorf("write export file: %w", err)
	}

	job.TablesProcessed = 1
	job.RowsRead = read
	job.RowsWritten = len(rows)
	job.RowsSkipped = dropped
	if err := e.app.DB.Model(job).Updates(map[string]any{
		"tables_processed": job.TablesProcessed,
		"rows_read":        job.RowsRead,
		"rows_written":     job.RowsWritten,
		"rows_skipped":     job.RowsSkipped,
	}).Error; err != nil {
		log.Printf("Export: failed to persist totals for job %s: %v", job.ID, err)
	}

	if e.logs != nil {
		e.logs.Append(job.ID, entities.SyncLogInfo, "parcels", "",
			fmt.Sprintf("exported %d rows to %s", len(rows), path))
	}
	log.Printf("Export: job %s wrote %d rows to %s", job.ID, len(rows), path)
	return nil
}

func (e *Exporter) endpoint(name string) (*gorm.DB, error) {
	switch strings.ToLower(name) {
	case "source", "production":
		return e.ends.Source, nil
	case "target", "training":
		return e.ends.Target, nil
	}
	return nil, fmt.Errorf("%s: unknown database_name %q", entities.ErrKindConfigInvalid, name)
}

// collect flattens parcels with their recent valuations into export
// rows. read counts parcels scanned; dropped counts parcels removed by
// the billing-history filter.
func (e *Exporter) collect(ctx context.Context, db *gorm.DB, params Params) (header []string, rows [][]any, read, dropped int, err error) {
	parcelFields, err := e.app.ListFieldConfigurations("parcels")
	if err != nil || len(parcelFields) == 0 {
		return nil, nil, 0, 0, fmt.Errorf("%s: parcels table has no field configuration", entities.ErrKindConfigInvalid)
	}
	valuationFields, err := e.app.ListFieldConfigurations("valuations")
	if err != nil {
		return nil, nil, 0, 0, err
	}

	var parcels []map[string]any
	if err := db.WithContext(ctx).Table("parcels").Find(&parcels).Error; err != nil {
		return nil, nil, 0, 0, fmt.Errorf("%s: read parcels: %v", entities.ErrKindSourceUnavailable, err)
	}

	cutoff := e.now().Year() - params.NumYears + 1
	var valuations []map[string]any
	if err := db.WithContext(ctx).Table("valuations").
		Where("tax_year >= ?", cutoff).Find(&valuations).Error; err != nil {
		return nil, nil, 0, 0, fmt.Errorf("%s: read valuations: %v", entities.ErrKindSourceUnavailable, err)
	}

	billYears, err := e.billYearCounts(ctx, db)
	if err != nil {
		return nil, nil, 0, 0, err
	}

	valuationsByParcel := map[string][]map[string]any{}
	for _, v := range valuations {
		key := fmt.Sprint(v["parcel_number"])
		valuationsByParcel[key] = append(valuationsByParcel[key], v)
	}

	header = make([]string, 0, len(parcelFields)+len(valuationFields))
	for _, f := range parcelFields {
		header = append(header, f.Name)
	}
	for _, f := range valuationFields {
		if f.Name != "parcel_number" {
			header = append(header, "valuation_"+f.Name)
		}
	}

	for _, parcel := range parcels {
		key := fmt.Sprint(parcel["parcel_number"])
		if billYears[key] < params.MinBillYears {
			dropped++
			continue
		}

		base := make([]any, 0, len(header))
		for _, f := range parcelFields {
			base = append(base, parcel[f.Name])
		}

		matched := valuationsByParcel[key]
		if len(matched) == 0 {
			row := append(append([]any{}, base...), make([]any, len(header)-len(base))...)
			rows = append(rows, row)
			continue
		}
		for _, v := range matched {
			row := append([]any{}, base...)
			for _, f := range valuationFields {
				if f.Name != "parcel_number" {
					row = append(row, v[f.Name])
				}
			}
			rows = append(rows, row)
		}
	}
	return header, rows, len(parcels), dropped, nil
}

func (e *Exporter) billYearCounts(ctx context.Context, db *gorm.DB) (map[string]int, error) {
	type billCount struct {
		ParcelNumber string `gorm:"column:parcel_number"`
		Years        int    `gorm:"column:years"`
	}
	var counts []billCount
	err := db.WithContext(ctx).Table("tax_bills").
		Select("parcel_number, COUNT(DISTINCT tax_year) AS years").
		Group("parcel_number").
		Find(&counts).Error
	if err != nil {
		return nil, fmt.Errorf("%s: read tax_bills: %v", entities.ErrKindSourceUnavailable, err)
	}
	byParcel := make(map[string]int, len(counts))
	for _, c := range counts {
		byParcel[c.ParcelNumber] = c.Years
	}
	return byParcel, nil
}

func writeAtomic(path string, write func(f *os.File) error) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".export-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if err := write(tmp); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func writeCSV(f *os.File, header []string, rows [][]any) error {
	w := csv.NewWriter(f)
	if err := w.Write(header); err != nil {
		return err
	}
	record := make([]string, len(header))
	for _, row := range rows {
		for i := range header {
			record[i] = cellString(row[i])
		}
		if err := w.Write(record); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}

func writeWorkbook(f *os.File, header []string, rows [][]any) error {
	wb := excelize.NewFile()
	defer wb.Close()

	const sheet = "Properties"
	wb.SetSheetName(wb.GetSheetName(0), sheet)

	headerCells := make([]any, len(header))
	for i, h := range header {
		headerCells[i] = h
	}
	if err := writeRow(wb, sheet, 1, headerCells); err != nil {
		return err
	}
	for i, row := range rows {
		if err := writeRow(wb, sheet, i+2, row); err != nil {
			return err
		}
	}
	return wb.Write(f)
}

func writeRow(wb *excelize.File, sheet string, rowNum int, values []any) error {
	cell, err := excelize.CoordinatesToCellName(1, rowNum)
	if err != nil {
		return err
	}
	return wb.SetSheetRow(sheet, cell, &values)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func cellString(v any) string {
	if v == nil {
		return ""
	}
	switch t := v.(type) {
	case time.Time:
		return t.Format("2006-01-02 15:04:05")
	case []byte:
		return string(t)
	}
	return fmt.Sprint(v)
}
