// Package sanitizer applies field-level PII masking rules on the
// down-sync direction. Every applied strategy emits an audit entry;
// the original value is never written to the audit log.
package sanitizer

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash/fnv"
	"log"
	"math/rand"
	"strings"
	"unicode"

	"gorm.io/gorm"

	"github.com/parcelworks/assessor-sync/internal/entities"
)

// RedactedValue is the fixed constant substituted by the redact strategy.
const RedactedValue = "[REDACTED]"

// hashLength is the hex length of hash and tokenize surrogates.
const hashLength = 32

// AuditEntry records one sanitization decision.
type AuditEntry struct {
	TableName string
	FieldName string
	RecordID  string
	Strategy  entities.SanitizationStrategy
	Note      string
}

// Engine resolves active sanitization rules and applies them to rows.
// The HMAC key makes hash output deterministic within a job while
// remaining unlinkable across deployments.
type Engine struct {
	db      *gorm.DB
	hmacKey []byte
	fields  map[string]entities.FieldConfiguration // "table.field" -> config
}

// NewEngine creates a sanitization engine over the application database.
func NewEngine(db *gorm.DB, hmacKey []byte) *Engine {
	if len(hmacKey) == 0 {
		hmacKey = []byte("assessor-sync")
	}
	return &Engine{db: db, hmacKey: hmacKey}
}

// Resolve loads the active rules for a table as a field -> strategy map.
func (e *Engine) Resolve(table string) (map[string]entities.SanitizationStrategy, error) {
	var rules []entities.SanitizationRule
	err := e.db.Where("table_name = ? AND is_active = ?", table, true).Find(&rules).Error
	if err != nil {
		return nil, fmt.Errorf("load sanitization rules for %s: %w", table, err)
	}
	out := make(map[string]entities.SanitizationStrategy, len(rules))
	for _, r := range rules {
		out[r.FieldName] = r.Strategy
	}
	return out, nil
}

// SanitizeRow applies each resolved strategy to the referenced field and
// returns the sanitized copy plus one audit entry per touched field.
// Fields without rules pass through unchanged. A strategy failure
// degrades to redact and is recorded as a sanitization_error entry.
func (e *Engine) SanitizeRow(table string, recordID string, row map[string]any, strategies map[string]entities.SanitizationStrategy, fields map[string]entities.FieldConfiguration) (map[string]any, []AuditEntry) {
	if len(strategies) == 0 {
		return row, nil
	}
	out := make(map[string]any, len(row))
	for k, v := range row {
		out[k] = v
	}
	var entries []AuditEntry
	for field, strategy := range strategies {
		value, present := out[field]
		if !present {
			continue
		}
		sanitized, err := e.apply(strategy, table, field, recordID, value, fields[field])
		if err != nil {
			log.Printf("Sanitizer: %s.%s strategy %s failed, falling back to redact: %v", table, field, strategy, err)
			out[field] = RedactedValue
			entries = append(entries, AuditEntry{
				TableName: table,
				FieldName: field,
				RecordID:  recordID,
				Strategy:  strategy,
				Note:      entities.ErrKindSanitizationError + ": " + err.Error(),
			})
			continue
		}
		out[field] = sanitized
		entries = append(entries, AuditEntry{
			TableName: table,
			FieldName: field,
			RecordID:  recordID,
			Strategy:  strategy,
		})
	}
	return out, entries
}

// PersistAudit writes the audit entries for a job.
func (e *Engine) PersistAudit(jobID string, entries []AuditEntry) error {
	if len(entries) == 0 {
		return nil
	}
	rows := make([]entities.SanitizationAudit, 0, len(entries))
	for _, a := range entries {
		rows = append(rows, entities.SanitizationAudit{
			JobID:     jobID,
			Table:     a.TableName,
			FieldName: a.FieldName,
			RecordID:  a.RecordID,
			Strategy:  a.Strategy,
			Note:      a.Note,
		})
	}
	return e.db.Create(&rows).Error
}

// ValidStrategy reports whether the strategy name is one the engine can
// apply.
func ValidStrategy(strategy entities.SanitizationStrategy) bool {
	switch strategy {
	case entities.StrategyMask, entities.StrategyHash, entities.StrategyRedact,
		entities.StrategyNull, entities.StrategyFakeName, entities.StrategyFakeAddress,
		entities.StrategyTokenize:
		return true
	}
	return false
}

func (e *Engine) apply(strategy entities.SanitizationStrategy, table, field, recordID string, value any, fieldCfg entities.FieldConfiguration) (any, error) {
	switch strategy {
	case entities.StrategyMask:
		return Mask(asString(value)), nil
	case entities.StrategyHash:
		return e.Hash(asString(value)), nil
	case entities.StrategyRedact:
		return RedactedValue, nil
	case entities.StrategyNull:
		// Only nullable columns may be nulled; otherwise degrade to redact.
		if fieldCfg.Name != "" && !fieldCfg.Nullable {
			return RedactedValue, nil
		}
		return nil, nil
	case entities.StrategyFakeName:
		return FakeName(recordID, field), nil
	case entities.StrategyFakeAddress:
		return FakeAddress(recordID, field), nil
	case entities.StrategyTokenize:
		return e.Tokenize(table, field, asString(value)), nil
	}
	return nil, fmt.Errorf("unknown strategy %q", strategy)
}

// Mask preserves length and character classes: letters become X, digits
// become 9, punctuation is kept. Masking an already-masked value is a
// fixed point.
func Mask(s string) string {
	var sb strings.Builder
	sb.Grow(len(s))
	for _, r := range s {
		switch {
		case unicode.IsLetter(r):
			sb.WriteRune('X')
		case unicode.IsDigit(r):
			sb.WriteRune('9')
		default:
			sb.WriteRune(r)
		}
	}
	return sb.String()
}

// Hash returns a keyed deterministic hex digest of fixed length. The same
// input yields the same output within a job (and across jobs that share
// the key), so hashing is a fixed point under re-sanitization.
func (e *Engine) Hash(s string) string {
	mac := hmac.New(sha256.New, e.hmacKey)
	mac.Write([]byte(s))
	return hex.EncodeToString(mac.Sum(nil))[:hashLength]
}

// Tokenize substitutes a surrogate token. The original -> token mapping
// exists only in the audit trail, never in a persisted lookup table.
func (e *Engine) Tokenize(table, field, s string) string {
	mac := hmac.New(sha256.New, e.hmacKey)
	mac.Write([]byte(table))
	mac.Write([]byte{0})
	mac.Write([]byte(field))
	mac.Write([]byte{0})
	mac.Write([]byte(s))
	return "tok_" + hex.EncodeToString(mac.Sum(nil))[:hashLength]
}

var fakeFirstNames = []string{
	"Alex", "Jordan", "Casey", "Morgan", "Riley", "Taylor", "Avery",
	"Quinn", "Harper", "Rowan", "Sage", "Emerson", "Finley", "Dakota",
}

var fakeLastNames = []string{
	"Smith", "Johnson", "Williams", "Brown", "Jones", "Garcia", "Miller",
	"Davis", "Rodriguez", "Martinez", "Hernandez", "Lopez", "Wilson",
}

var fakeStreets = []string{
	"Oak St", "Maple Ave", "Cedar Ln", "Elm Dr", "Pine Rd", "Birch Ct",
	"Willow Way", "Chestnut Blvd", "Spruce Ter", "Aspen Pl",
}

var fakeCities = []string{
	"Riverton", "Lakeside", "Fairview", "Greenfield", "Milltown",
	"Brookhaven", "Cedar Falls", "Maplewood",
}

// FakeName synthesizes a stable replacement name. The generator is seeded
// from the record primary key plus field name so regenerating the
// training database produces identical values.
func FakeName(recordID, field string) string {
	rng := seededRand(recordID, field)
	first := fakeFirstNames[rng.Intn(len(fakeFirstNames))]
	last := fakeLastNames[rng.Intn(len(fakeLastNames))]
	return first + " " + last
}

// FakeAddress synthesizes a stable replacement street address.
func FakeAddress(recordID, field string) string {
	rng := seededRand(recordID, field)
	number := 100 + rng.Intn(9900)
	street := fakeStreets[rng.Intn(len(fakeStreets))]
	city := fakeCities[rng.Intn(len(fakeCities))]
	return fmt.Sprintf("%d %s, %s", number, street, city)
}

func seededRand(recordID, field string) *rand.Rand {
	h := fnv.New64a()
	h.Write([]byte(recordID))
	h.Write([]byte{0})
	h.Write([]byte(field))
	return rand.New(rand.NewSource(int64(h.Sum64())))
}

func asString(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}
