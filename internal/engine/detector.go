// Package engine executes sync jobs: it pulls source rows, sanitizes and
// validates them, plans per-row writes against the target, applies them
// in batched transactions, and advances watermarks on commit.
package engine

import (
	"fmt"
	"strings"

	"gorm.io/gorm"

	"github.com/parcelworks/assessor-sync/internal/entities"
	"github.com/parcelworks/assessor-sync/internal/typehandlers"
)

type Action string

const (
	ActionInsert     Action = "insert"
	ActionUpdate     Action = "update"
	ActionSoftDelete Action = "soft_delete"
	ActionSkip       Action = "skip"
)

// Change is one planned write. Fields carries the full configured row for
// inserts and only the differing columns for updates.
type Change struct {
	Action   Action
	RecordID string
	Key      map[string]any
	Fields   map[string]any
}

// Detector plans the writes that bring one table into convergence with
// the source. It owns no connections; the engine passes endpoints in.
type Detector struct {
	registry *typehandlers.Registry
	opts     typehandlers.Options
}

func NewDetector(registry *typehandlers.Registry, opts typehandlers.Options) *Detector {
	return &Detector{registry: registry, opts: opts}
}

// KeyOf extracts the primary key of a row. A missing or null component
// rejects the row; the engine records it as an invalid_key issue.
func KeyOf(cfg entities.TableConfiguration, row map[string]any) (map[string]any, string, error) {
	columns := cfg.PrimaryKeys()
	if len(columns) == 0 {
		return nil, "", fmt.Errorf("table %s has no primary key columns configured", cfg.Name)
	}
	key := make(map[string]any, len(columns))
	parts := make([]string, 0, len(columns))
	for _, col := range columns {
		v, ok := row[col]
		if !ok || v == nil {
			return nil, "", fmt.Errorf("%s: null or missing primary key component %s", cfg.Name, col)
		}
		key[col] = v
		parts = append(parts, fmt.Sprintf("%v", v))
	}
	return key, strings.Join(parts, "|"), nil
}

// FetchSourceBatch pulls one primary-key-ordered batch. With a watermark
// column configured and a non-nil watermark, only rows strictly past it
// are fetched; offset pages within the filtered set.
func (d *Detector) FetchSourceBatch(db *gorm.DB, cfg entities.TableConfiguration, watermark any, offset, batchSize int) ([]map[string]any, error) {
	q := db.Table(cfg.Name)
	if cfg.WatermarkColumn != "" && watermark != nil {
		q = q.Where(cfg.WatermarkColumn+" > ?", watermark)
	}
	var rows []map[string]any
	err := q.Order(strings.Join(cfg.PrimaryKeys(), ", ")).
		Limit(batchSize).Offset(offset).Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("fetch %s batch at offset %d: %w", cfg.Name, offset, err)
	}
	return rows, nil
}

// FetchTargetRows loads the target rows matching the given keys, indexed
// by record id. Composite keys match on every component.
func (d *Detector) FetchTargetRows(db *gorm.DB, cfg entities.TableConfiguration, keys []map[string]any) (map[string]map[string]any, error) {
	out := make(map[string]map[string]any, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	columns := cfg.PrimaryKeys()

	q := db.Table(cfg.Name)
	if len(columns) == 1 {
		values := make([]any, 0, len(keys))
		for _, k := range keys {
			values = append(values, k[columns[0]])
		}
		q = q.Where(columns[0]+" IN ?", values)
	} else {
		conds := make([]string, 0, len(columns))
		for _, col := range columns {
			conds = append(conds, col+" = ?")
		}
		tuple := "(" + strings.Join(conds, " AND ") + ")"
		var clauses []string
		var args []any
		for _, k := range keys {
			clauses = append(clauses, tuple)
			for _, col := range columns {
				args = append(args, k[col])
			}
		}
		q = q.Where(strings.Join(clauses, " OR "), args...)
	}

	var rows []map[string]any
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("fetch %s target rows: %w", cfg.Name, err)
	}
	for _, row := range rows {
		_, id, err := KeyOf(cfg, row)
		if err != nil {
			continue // unkeyable target rows are invisible to the planner
		}
		out[id] = row
	}
	return out, nil
}

// PlanRow decides the write for one source row. Only configured fields
// participate; undeclared columns on either side are ignored.
func (d *Detector) PlanRow(cfg entities.TableConfiguration, fields map[string]entities.FieldConfiguration, key map[string]any, recordID string, src, tgt map[string]any) Change {
	if tgt == nil {
		insert := make(map[string]any, len(fields))
		for name := range fields {
			if v, ok := src[name]; ok {
				insert[name] = v
			}
		}
		return Change{Action: ActionInsert, RecordID: recordID, Key: key, Fields: insert}
	}

	changed := map[string]any{}
	for name, field := range fields {
		if field.IsPrimaryKey {
			continue
		}
		sv, inSrc := src[name]
		if !inSrc {
			continue
		}
		if d.registry.Differs(field, sv, tgt[name], d.opts) {
			changed[name] = sv
		}
	}
	if len(changed) == 0 {
		return Change{Action: ActionSkip, RecordID: recordID, Key: key}
	}
	return Change{Action: ActionUpdate, RecordID: recordID, Key: key, Fields: changed}
}

// PlanDeletes scans the target for rows absent from the source and plans
// soft deletes. Only full syncs call this; incremental syncs never delete.
func (d *Detector) PlanDeletes(db *gorm.DB, cfg entities.TableConfiguration, sourceIDs map[string]struct{}, batchSize int) ([]Change, error) {
	var changes []Change
	offset := 0
	for {
		var rows []map[string]any
		err := db.Table(cfg.Name).
			Order(strings.Join(cfg.PrimaryKeys(), ", ")).
			Limit(batchSize).Offset(offset).Find(&rows).Error
		if err != nil {
			return nil, fmt.Errorf("scan %s for deletes: %w", cfg.Name, err)
		}
		if len(rows) == 0 {
			return changes, nil
		}
		for _, row := range rows {
			key, id, err := KeyOf(cfg, row)
			if err != nil {
				continue
			}
			if _, alive := sourceIDs[id]; alive {
				continue
			}
			// Already tombstoned rows stay skipped.
			if cfg.TombstoneColumn != "" && row[cfg.TombstoneColumn] != nil {
				continue
			}
			changes = append(changes, Change{Action: ActionSoftDelete, RecordID: id, Key: key})
		}
		offset += batchSize
	}
}

func whereKey(q *gorm.DB, key map[string]any) *gorm.DB {
	for col, v := range key {
		q = q.Where(col+" = ?", v)
	}
	return q
}
