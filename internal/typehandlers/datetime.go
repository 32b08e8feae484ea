package typehandlers

import (
	"fmt"
	"strings"
	"time"

	"github.com/parcelworks/assessor-sync/internal/entities"
)

// Fallback layouts tried after ISO-8601, in order. The day-first layout
// precedes the month-first one, so ambiguous dates resolve day-first.
var dateTimeLayouts = []string{
	"2006-01-02 15:04:05",
	"2006-01-02",
	"02/01/2006",
	"01/02/2006",
}

// DateTimeHandler parses temporal values and compares them at a
// configurable precision (default second).
type DateTimeHandler struct{}

func (h *DateTimeHandler) Name() string { return "datetime" }

func (h *DateTimeHandler) CanHandle(declaredType string) bool {
	t := strings.ToLower(declaredType)
	return strings.Contains(t, "timestamp") ||
		strings.Contains(t, "datetime") ||
		strings.Contains(t, "date") ||
		strings.Contains(t, "time")
}

func (h *DateTimeHandler) Extract(field entities.FieldConfiguration, raw any) (any, error) {
	if raw == nil {
		return nil, nil
	}
	return parseDateTime(raw)
}

func (h *DateTimeHandler) Prepare(field entities.FieldConfiguration, value any) (any, error) {
	if value == nil {
		return nil, nil
	}
	t, err := parseDateTime(value)
	if err != nil {
		return nil, err
	}
	if strings.Contains(strings.ToLower(field.DeclaredType), "date") &&
		!strings.Contains(strings.ToLower(field.DeclaredType), "datetime") {
		return t.Format("2006-01-02"), nil
	}
	return t.UTC().Format(time.RFC3339Nano), nil
}

func (h *DateTimeHandler) Compare(a, b any, opts Options) bool {
	if eq, done := bothNil(a, b); done {
		return eq
	}
	ta, errA := parseDateTime(a)
	tb, errB := parseDateTime(b)
	if errA != nil || errB != nil {
		return false
	}
	precision := opts.DateTimePrecision
	if precision == "" {
		precision = PrecisionSecond
	}
	return truncateTo(ta, precision).Equal(truncateTo(tb, precision))
}

func (h *DateTimeHandler) Differs(a, b any, opts Options) bool {
	return !h.Compare(a, b, opts)
}

func (h *DateTimeHandler) Transform(value any, srcType, tgtType string, opts Options) (any, error) {
	if value == nil {
		return nil, nil
	}
	t, err := parseDateTime(value)
	if err != nil {
		return nil, err
	}
	tt := strings.ToLower(tgtType)
	switch {
	case strings.Contains(tt, "unix") || strings.Contains(tt, "epoch"):
		return t.Unix(), nil
	case tt == "date":
		return t.Format("2006-01-02"), nil
	default:
		return t, nil
	}
}

func parseDateTime(v any) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t, nil
	case *time.Time:
		if t == nil {
			return time.Time{}, fmt.Errorf("nil time pointer")
		}
		return *t, nil
	case int64:
		return time.Unix(t, 0).UTC(), nil
	case int:
		return time.Unix(int64(t), 0).UTC(), nil
	case float64:
		return time.Unix(int64(t), 0).UTC(), nil
	case []byte:
		return parseDateTimeString(string(t))
	case string:
		return parseDateTimeString(t)
	}
	return time.Time{}, fmt.Errorf("unsupported datetime value %T", v)
}

func parseDateTimeString(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty datetime string")
	}
	// ISO-8601 first.
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	for _, layout := range dateTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable datetime %q", s)
}

func truncateTo(t time.Time, p DateTimePrecision) time.Time {
	t = t.UTC()
	switch p {
	case PrecisionDay:
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	case PrecisionHour:
		return t.Truncate(time.Hour)
	case PrecisionMinute:
		return t.Truncate(time.Minute)
	case PrecisionMicrosecond:
		return t.Truncate(time.Microsecond)
	default:
		return t.Truncate(time.Second)
	}
}
