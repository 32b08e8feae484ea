package database

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parcelworks/assessor-sync/internal/entities"
)

func setupTestDB(t *testing.T) (*Database, func()) {
	dbPath := "./test_database_" + t.Name() + ".db"

	db, err := NewDatabase(dbPath)
	require.NoError(t, err)

	cleanup := func() {
		db.Close()
		os.Remove(dbPath)
	}

	return db, cleanup
}

func TestNewDatabase_SeedsDefaultSchema(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	tables, err := db.GetActiveTableConfigurations()
	require.NoError(t, err)
	require.Len(t, tables, 4)

	// Processing order is deterministic.
	names := make([]string, len(tables))
	for i, tbl := range tables {
		names[i] = tbl.Name
	}
	assert.Equal(t, []string{"parcels", "owners", "valuations", "tax_bills"}, names)

	owners, err := db.GetTableConfiguration("owners")
	require.NoError(t, err)
	assert.True(t, owners.Sanitize)
	assert.Equal(t, []string{"owner_id"}, owners.PrimaryKeys())

	valuations, err := db.GetTableConfiguration("valuations")
	require.NoError(t, err)
	assert.Equal(t, []string{"parcel_number", "tax_year"}, valuations.PrimaryKeys())

	taxBills, err := db.GetTableConfiguration("tax_bills")
	require.NoError(t, err)
	assert.Equal(t, entities.DirectionPolicyDownOnly, taxBills.DirectionPolicy)
}

func TestNewDatabase_SeedIsIdempotent(t *testing.T) {
	dbPath := "./test_database_idempotent.db"
	defer os.Remove(dbPath)

	db, err := NewDatabase(dbPath)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db, err = NewDatabase(dbPath)
	require.NoError(t, err)
	defer db.Close()

	tables, err := db.GetAllTableConfigurations()
	require.NoError(t, err)
	assert.Len(t, tables, 4)

	rules, err := db.ListSanitizationRules("owners")
	require.NoError(t, err)
	assert.Len(t, rules, 5)
}

func TestGetFieldConfigurations(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	fields, err := db.GetFieldConfigurations("parcels")
	require.NoError(t, err)

	boundary, ok := fields["boundary"]
	require.True(t, ok)
	assert.Equal(t, "geometry", boundary.DeclaredType)

	pk, ok := fields["parcel_number"]
	require.True(t, ok)
	assert.True(t, pk.IsPrimaryKey)
	assert.False(t, pk.Nullable)
}

func TestSaveSanitizationRule_SingleActivePerPair(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	// The seed already activated mask on owners.ssn; activating hash on
	// the same pair must deactivate it.
	require.NoError(t, db.SaveSanitizationRule(&entities.SanitizationRule{
		Table: "owners", FieldName: "ssn", Strategy: entities.StrategyHash, IsActive: true,
	}))

	var active []entities.SanitizationRule
	require.NoError(t, db.DB.
		Where("table_name = ? AND field_name = ? AND is_active = ?", "owners", "ssn", true).
		Find(&active).Error)
	require.Len(t, active, 1)
	assert.Equal(t, entities.StrategyHash, active[0].Strategy)
}

func TestEndpoints(t *testing.T) {
	sourcePath := "./test_endpoint_source.db"
	targetPath := "./test_endpoint_target.db"
	defer os.Remove(sourcePath)
	defer os.Remove(targetPath)

	endpoints, err := NewEndpoints(sourcePath, targetPath, 4)
	require.NoError(t, err)
	defer endpoints.Close()

	require.NoError(t, endpoints.Ping())

	read, write := endpoints.ForDirection(true)
	assert.Same(t, endpoints.Target, read)
	assert.Same(t, endpoints.Source, write)

	read, write = endpoints.ForDirection(false)
	assert.Same(t, endpoints.Source, read)
	assert.Same(t, endpoints.Target, write)
}
