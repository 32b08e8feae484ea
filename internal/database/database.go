// Package database owns the application store: table and field
// configuration, jobs, logs, schedules, quality and notification state.
// The synchronized assessor databases themselves are opened separately
// as endpoints.
package database

import (
	"fmt"
	"log"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/parcelworks/assessor-sync/internal/entities"
)

type Database struct {
	DB *gorm.DB
}

func NewDatabase(dbPath string) (*Database, error) {
	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	err = db.AutoMigrate(
		&entities.TableConfiguration{},
		&entities.FieldConfiguration{},
		&entities.SanitizationRule{},
		&entities.SanitizationAudit{},
		&entities.SyncJob{},
		&entities.SyncLog{},
		&entities.SyncSchedule{},
		&entities.QualityRule{},
		&entities.QualityIssue{},
		&entities.QualityReport{},
		&entities.DataAnomaly{},
		&entities.QualityAlert{},
		&entities.AlertDispatch{},
		&entities.NotificationConfig{},
		&entities.NotificationDelivery{},
	)
	if err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	database := &Database{DB: db}

	if err := database.seedDefaults(); err != nil {
		return nil, fmt.Errorf("failed to seed defaults: %w", err)
	}

	log.Printf("Database initialized successfully at %s", dbPath)

	return database, nil
}

func (d *Database) Close() error {
	sqlDB, err := d.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Default assessor schema. Field configurations are the source of truth
// for column lists; nothing is introspected from the endpoints.
var defaultTables = []entities.TableConfiguration{
	{Name: "parcels", SortOrder: 1, DirectionPolicy: entities.DirectionPolicyBoth,
		PrimaryKeyColumns: "parcel_number", WatermarkColumn: "updated_at", TombstoneColumn: "deleted_at"},
	{Name: "owners", SortOrder: 2, DirectionPolicy: entities.DirectionPolicyBoth,
		PrimaryKeyColumns: "owner_id", WatermarkColumn: "updated_at", Sanitize: true},
	{Name: "valuations", SortOrder: 3, DirectionPolicy: entities.DirectionPolicyBoth,
		PrimaryKeyColumns: "parcel_number,tax_year", WatermarkColumn: "updated_at"},
	{Name: "tax_bills", SortOrder: 4, DirectionPolicy: entities.DirectionPolicyDownOnly,
		PrimaryKeyColumns: "bill_id", WatermarkColumn: "updated_at"},
}

var defaultFields = map[string][]entities.FieldConfiguration{
	"parcels": {
		{Name: "parcel_number", DeclaredType: "text", Nullable: false, IsPrimaryKey: true},
		{Name: "situs_address", DeclaredType: "text"},
		{Name: "legal_description", DeclaredType: "text"},
		{Name: "acreage", DeclaredType: "numeric"},
		{Name: "zoning", DeclaredType: "text"},
		{Name: "boundary", DeclaredType: "geometry"},
		{Name: "attachments", DeclaredType: "document"},
		{Name: "attributes", DeclaredType: "json"},
		{Name: "updated_at", DeclaredType: "datetime", Nullable: false},
		{Name: "deleted_at", DeclaredType: "datetime"},
	},
	"owners": {
		{Name: "owner_id", DeclaredType: "integer", Nullable: false, IsPrimaryKey: true},
		{Name: "parcel_number", DeclaredType: "text", Nullable: false},
		{Name: "owner_name", DeclaredType: "text"},
		{Name: "mailing_address", DeclaredType: "text"},
		{Name: "ssn", DeclaredType: "text"},
		{Name: "email", DeclaredType: "text"},
		{Name: "phone", DeclaredType: "text"},
		{Name: "ownership_pct", DeclaredType: "numeric"},
		{Name: "updated_at", DeclaredType: "datetime", Nullable: false},
	},
	"valuations": {
		{Name: "parcel_number", DeclaredType: "text", Nullable: false, IsPrimaryKey: true},
		{Name: "tax_year", DeclaredType: "integer", Nullable: false, IsPrimaryKey: true},
		{Name: "land_value", DeclaredType: "numeric"},
		{Name: "improvement_value", DeclaredType: "numeric"},
		{Name: "assessed_value", DeclaredType: "numeric"},
		{Name: "status", DeclaredType: "text"},
		{Name: "comparable_sales", DeclaredType: "text[]"},
		{Name: "updated_at", DeclaredType: "datetime", Nullable: false},
	},
	"tax_bills": {
		{Name: "bill_id", DeclaredType: "integer", Nullable: false, IsPrimaryKey: true},
		{Name: "parcel_number", DeclaredType: "text", Nullable: false},
		{Name: "tax_year", DeclaredType: "integer", Nullable: false},
		{Name: "amount_due", DeclaredType: "numeric"},
		{Name: "amount_paid", DeclaredType: "numeric"},
		{Name: "due_date", DeclaredType: "datetime"},
		{Name: "updated_at", DeclaredType: "datetime", Nullable: false},
	},
}

var defaultSanitizationRules = []entities.SanitizationRule{
	{Table: "owners", FieldName: "owner_name", Strategy: entities.StrategyFakeName, IsActive: true},
	{Table: "owners", FieldName: "mailing_address", Strategy: entities.StrategyFakeAddress, IsActive: true},
	{Table: "owners", FieldName: "ssn", Strategy: entities.StrategyMask, IsActive: true},
	{Table: "owners", FieldName: "email", Strategy: entities.StrategyHash, IsActive: true},
	{Table: "owners", FieldName: "phone", Strategy: entities.StrategyMask, IsActive: true},
}

func (d *Database) seedDefaults() error {
	for _, table := range defaultTables {
		var existing entities.TableConfiguration
		result := d.DB.Where("name = ?", table.Name).First(&existing)
		if result.Error != gorm.ErrRecordNotFound {
			continue
		}
		if err := d.DB.Create(&table).Error; err != nil {
			return fmt.Errorf("failed to create table configuration %s: %w", table.Name, err)
		}
		for _, field := range defaultFields[table.Name] {
			field.Table = table.Name
			if err := d.DB.Create(&field).Error; err != nil {
				return fmt.Errorf("failed to create field configuration %s.%s: %w", table.Name, field.Name, err)
			}
		}
		log.Printf("Created table configuration: %s", table.Name)
	}

	for _, rule := range defaultSanitizationRules {
		var count int64
		d.DB.Model(&entities.SanitizationRule{}).
			Where("table_name = ? AND field_name = ?", rule.Table, rule.FieldName).
			Count(&count)
		if count == 0 {
			if err := d.DB.Create(&rule).Error; err != nil {
				return fmt.Errorf("failed to create sanitization rule %s.%s: %w", rule.Table, rule.FieldName, err)
			}
		}
	}
	return nil
}

// GetTableConfiguration fetches one table's configuration by name.
func (d *Database) GetTableConfiguration(name string) (*entities.TableConfiguration, error) {
	var table entities.TableConfiguration
	err := d.DB.Where("name = ?", name).First(&table).Error
	if err != nil {
		return nil, err
	}
	return &table, nil
}

// GetActiveTableConfigurations returns active tables in processing order.
func (d *Database) GetActiveTableConfigurations() ([]entities.TableConfiguration, error) {
	var tables []entities.TableConfiguration
	err := d.DB.Where("is_active = ?", true).Order("sort_order ASC").Find(&tables).Error
	return tables, err
}

// GetAllTableConfigurations returns every table in processing order.
func (d *Database) GetAllTableConfigurations() ([]entities.TableConfiguration, error) {
	var tables []entities.TableConfiguration
	err := d.DB.Order("sort_order ASC").Find(&tables).Error
	return tables, err
}

// GetFieldConfigurations returns a table's declared columns keyed by name.
func (d *Database) GetFieldConfigurations(table string) (map[string]entities.FieldConfiguration, error) {
	var fields []entities.FieldConfiguration
	err := d.DB.Where("table_name = ?", table).Find(&fields).Error
	if err != nil {
		return nil, err
	}
	out := make(map[string]entities.FieldConfiguration, len(fields))
	for _, f := range fields {
		out[f.Name] = f
	}
	return out, nil
}

// ListFieldConfigurations returns a table's declared columns as a slice.
func (d *Database) ListFieldConfigurations(table string) ([]entities.FieldConfiguration, error) {
	var fields []entities.FieldConfiguration
	err := d.DB.Where("table_name = ?", table).Order("id ASC").Find(&fields).Error
	return fields, err
}

// SaveSanitizationRule creates or updates the rule for a (table, field)
// pair. Activating a rule deactivates any other active rule on the pair,
// keeping at most one active.
func (d *Database) SaveSanitizationRule(rule *entities.SanitizationRule) error {
	return d.DB.Transaction(func(tx *gorm.DB) error {
		if rule.IsActive {
			err := tx.Model(&entities.SanitizationRule{}).
				Where("table_name = ? AND field_name = ? AND id != ?", rule.Table, rule.FieldName, rule.ID).
				Update("is_active", false).Error
			if err != nil {
				return err
			}
		}
		return tx.Save(rule).Error
	})
}

// ListSanitizationRules returns all rules for a table, or all tables when
// table is empty.
func (d *Database) ListSanitizationRules(table string) ([]entities.SanitizationRule, error) {
	q := d.DB.Order("table_name ASC, field_name ASC")
	if table != "" {
		q = q.Where("table_name = ?", table)
	}
	var rules []entities.SanitizationRule
	err := q.Find(&rules).Error
	return rules, err
}

// DeleteSanitizationRule removes one rule by id.
func (d *Database) DeleteSanitizationRule(id uint) error {
	return d.DB.Delete(&entities.SanitizationRule{}, id).Error
}
