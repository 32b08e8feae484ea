package quality

import (
	"fmt"

	"gorm.io/gorm"
)

// refCache loads the distinct values of a reference column once per
// report run and answers membership checks from memory. Reports over
// large tables would otherwise issue one lookup query per row.
type refCache struct {
	db   *gorm.DB
	sets map[string]map[string]struct{} // "table.field" -> value set
}

func newRefCache(db *gorm.DB) *refCache {
	return &refCache{db: db, sets: map[string]map[string]struct{}{}}
}

// NewRefLookup exposes the cached lookup to callers outside report runs,
// such as per-row validation inside a sync job.
func NewRefLookup(db *gorm.DB) RefLookup {
	return newRefCache(db)
}

func (c *refCache) Contains(refTable, refField string, value any) (bool, error) {
	key := refTable + "." + refField
	set, ok := c.sets[key]
	if !ok {
		var values []string
		err := c.db.Table(refTable).Distinct(refField).Pluck(refField, &values).Error
		if err != nil {
			return false, fmt.Errorf("load reference set %s: %w", key, err)
		}
		set = make(map[string]struct{}, len(values))
		for _, v := range values {
			set[v] = struct{}{}
		}
		c.sets[key] = set
	}
	_, found := set[fmt.Sprintf("%v", value)]
	return found, nil
}
