package typehandlers

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/parcelworks/assessor-sync/internal/entities"
)

// ScalarHandler is the fallback: direct equality with coercion between
// numeric and numeric-string forms ("1.50" equals 1.5).
type ScalarHandler struct{}

func (h *ScalarHandler) Name() string { return "scalar" }

// CanHandle always returns true; the scalar handler terminates resolution.
func (h *ScalarHandler) CanHandle(declaredType string) bool { return true }

func (h *ScalarHandler) Extract(field entities.FieldConfiguration, raw any) (any, error) {
	if b, ok := raw.([]byte); ok {
		return string(b), nil
	}
	return raw, nil
}

func (h *ScalarHandler) Prepare(field entities.FieldConfiguration, value any) (any, error) {
	return value, nil
}

func (h *ScalarHandler) Compare(a, b any, opts Options) bool {
	if eq, done := bothNil(a, b); done {
		return eq
	}
	if da, okA := toDecimal(a); okA {
		if db, okB := toDecimal(b); okB {
			return da.Equal(db)
		}
		return false
	}
	if ba, okA := toBool(a); okA {
		if bb, okB := toBool(b); okB {
			return ba == bb
		}
	}
	if sa, okA := a.(string); okA {
		if sb, okB := b.(string); okB {
			return sa == sb
		}
	}
	return reflect.DeepEqual(a, b)
}

func (h *ScalarHandler) Differs(a, b any, opts Options) bool {
	return !h.Compare(a, b, opts)
}

// Transform coerces between numeric and string representations.
func (h *ScalarHandler) Transform(value any, srcType, tgtType string, opts Options) (any, error) {
	if value == nil {
		return nil, nil
	}
	t := strings.ToLower(tgtType)
	switch {
	case strings.Contains(t, "int"):
		d, ok := toDecimal(value)
		if !ok {
			return nil, fmt.Errorf("cannot coerce %v to integer", value)
		}
		return d.IntPart(), nil
	case strings.Contains(t, "float") || strings.Contains(t, "real") ||
		strings.Contains(t, "numeric") || strings.Contains(t, "decimal"):
		d, ok := toDecimal(value)
		if !ok {
			return nil, fmt.Errorf("cannot coerce %v to number", value)
		}
		f, _ := d.Float64()
		return f, nil
	case strings.Contains(t, "text") || strings.Contains(t, "string") || strings.Contains(t, "varchar"):
		return fmt.Sprintf("%v", value), nil
	case strings.Contains(t, "bool"):
		b, ok := toBool(value)
		if !ok {
			return nil, fmt.Errorf("cannot coerce %v to bool", value)
		}
		return b, nil
	}
	return value, nil
}

// toDecimal widens any numeric value or numeric-looking string to an
// exact decimal, so "1.50" and 1.5 compare equal without float drift.
func toDecimal(v any) (decimal.Decimal, bool) {
	switch n := v.(type) {
	case int:
		return decimal.NewFromInt(int64(n)), true
	case int32:
		return decimal.NewFromInt(int64(n)), true
	case int64:
		return decimal.NewFromInt(n), true
	case uint:
		return decimal.NewFromInt(int64(n)), true
	case float32:
		return decimal.NewFromFloat32(n), true
	case float64:
		return decimal.NewFromFloat(n), true
	case string:
		s := strings.TrimSpace(n)
		if s == "" {
			return decimal.Decimal{}, false
		}
		d, err := decimal.NewFromString(s)
		return d, err == nil
	}
	return decimal.Decimal{}, false
}

func toBool(v any) (bool, bool) {
	switch b := v.(type) {
	case bool:
		return b, true
	case string:
		parsed, err := strconv.ParseBool(strings.TrimSpace(b))
		return parsed, err == nil
	}
	return false, false
}
