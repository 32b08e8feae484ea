package sanitizer

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/parcelworks/assessor-sync/internal/entities"
)

func setupTestDB(t *testing.T) (*Engine, *gorm.DB, func()) {
	dbPath := "./test_sanitizer_" + t.Name() + ".db"

	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	err = db.AutoMigrate(&entities.SanitizationRule{}, &entities.SanitizationAudit{})
	require.NoError(t, err)

	engine := NewEngine(db, []byte("test-key"))

	cleanup := func() {
		sqlDB, _ := db.DB()
		sqlDB.Close()
		os.Remove(dbPath)
	}

	return engine, db, cleanup
}

func TestMask(t *testing.T) {
	assert.Equal(t, "999-99-9999", Mask("111-22-3333"))
	assert.Equal(t, "XXXXX XXX", Mask("Alice Doe"))
	assert.Equal(t, "XXX9@XXX.XXX", Mask("bob1@foo.com"))
	assert.Equal(t, "", Mask(""))

	// Masking is a fixed point.
	assert.Equal(t, Mask("111-22-3333"), Mask(Mask("111-22-3333")))
}

func TestHash_DeterministicFixedLength(t *testing.T) {
	e, _, cleanup := setupTestDB(t)
	defer cleanup()

	h1 := e.Hash("111-22-3333")
	h2 := e.Hash("111-22-3333")
	h3 := e.Hash("222-33-4444")

	assert.Equal(t, h1, h2)
	assert.NotEqual(t, h1, h3)
	assert.Len(t, h1, hashLength)

	// Different key, different digest.
	other := NewEngine(nil, []byte("other-key"))
	assert.NotEqual(t, h1, other.Hash("111-22-3333"))
}

func TestFakeName_Stable(t *testing.T) {
	a := FakeName("pk-7", "owner_name")
	b := FakeName("pk-7", "owner_name")
	c := FakeName("pk-8", "owner_name")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Contains(t, a, " ")
}

func TestFakeAddress_Stable(t *testing.T) {
	a := FakeAddress("pk-7", "mailing_address")
	b := FakeAddress("pk-7", "mailing_address")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, FakeAddress("pk-7", "situs_address"))
}

func TestResolve_OnlyActiveRules(t *testing.T) {
	e, db, cleanup := setupTestDB(t)
	defer cleanup()

	require.NoError(t, db.Create(&entities.SanitizationRule{
		Table: "owners", FieldName: "ssn", Strategy: entities.StrategyMask, IsActive: true,
	}).Error)
	require.NoError(t, db.Create(&entities.SanitizationRule{
		Table: "owners", FieldName: "email", Strategy: entities.StrategyHash, IsActive: false,
	}).Error)

	strategies, err := e.Resolve("owners")
	require.NoError(t, err)

	assert.Equal(t, map[string]entities.SanitizationStrategy{
		"ssn": entities.StrategyMask,
	}, strategies)
}

func TestSanitizeRow(t *testing.T) {
	e, _, cleanup := setupTestDB(t)
	defer cleanup()

	row := map[string]any{
		"pk":   1,
		"name": "Alice",
		"ssn":  "111-22-3333",
	}
	strategies := map[string]entities.SanitizationStrategy{
		"ssn": entities.StrategyMask,
	}

	out, entries := e.SanitizeRow("owners", "1", row, strategies, nil)

	assert.Equal(t, "999-99-9999", out["ssn"])
	assert.Equal(t, "Alice", out["name"])
	// Input row untouched.
	assert.Equal(t, "111-22-3333", row["ssn"])

	require.Len(t, entries, 1)
	assert.Equal(t, "ssn", entries[0].FieldName)
	assert.Equal(t, entities.StrategyMask, entries[0].Strategy)
	assert.Empty(t, entries[0].Note)
}

func TestSanitizeRow_NullDegradesOnNonNullable(t *testing.T) {
	e, _, cleanup := setupTestDB(t)
	defer cleanup()

	row := map[string]any{"ssn": "111-22-3333"}
	strategies := map[string]entities.SanitizationStrategy{"ssn": entities.StrategyNull}
	fields := map[string]entities.FieldConfiguration{
		"ssn": {Name: "ssn", Nullable: false},
	}

	out, entries := e.SanitizeRow("owners", "1", row, strategies, fields)
	assert.Equal(t, RedactedValue, out["ssn"])
	require.Len(t, entries, 1)

	// Nullable column actually goes to null.
	fields["ssn"] = entities.FieldConfiguration{Name: "ssn", Nullable: true}
	out, _ = e.SanitizeRow("owners", "1", row, strategies, fields)
	assert.Nil(t, out["ssn"])
}

func TestSanitizeRow_UnknownStrategyFallsBackToRedact(t *testing.T) {
	e, _, cleanup := setupTestDB(t)
	defer cleanup()

	row := map[string]any{"ssn": "111-22-3333"}
	strategies := map[string]entities.SanitizationStrategy{"ssn": "scramble"}

	out, entries := e.SanitizeRow("owners", "1", row, strategies, nil)
	assert.Equal(t, RedactedValue, out["ssn"])
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0].Note, entities.ErrKindSanitizationError)
}

func TestSanitizeRow_FixedPoints(t *testing.T) {
	e, _, cleanup := setupTestDB(t)
	defer cleanup()

	// Re-sanitizing an already-sanitized value with the same strategy
	// leaves it unchanged for redact and mask.
	row := map[string]any{"ssn": RedactedValue}
	out, _ := e.SanitizeRow("owners", "1", row,
		map[string]entities.SanitizationStrategy{"ssn": entities.StrategyRedact}, nil)
	assert.Equal(t, RedactedValue, out["ssn"])

	masked := Mask("111-22-3333")
	assert.Equal(t, masked, Mask(masked))
}

func TestPersistAudit(t *testing.T) {
	e, db, cleanup := setupTestDB(t)
	defer cleanup()

	entries := []AuditEntry{
		{TableName: "owners", FieldName: "ssn", RecordID: "1", Strategy: entities.StrategyMask},
		{TableName: "owners", FieldName: "ssn", RecordID: "2", Strategy: entities.StrategyMask},
	}
	require.NoError(t, e.PersistAudit("job-1", entries))

	var rows []entities.SanitizationAudit
	require.NoError(t, db.Where("job_id = ?", "job-1").Find(&rows).Error)
	assert.Len(t, rows, 2)
}

func TestTokenize(t *testing.T) {
	e, _, cleanup := setupTestDB(t)
	defer cleanup()

	tok := e.Tokenize("owners", "ssn", "111-22-3333")
	assert.Equal(t, tok, e.Tokenize("owners", "ssn", "111-22-3333"))
	assert.NotEqual(t, tok, e.Tokenize("owners", "email", "111-22-3333"))
	assert.Contains(t, tok, "tok_")
}
