package typehandlers

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parcelworks/assessor-sync/internal/entities"
)

func TestRegistry_ResolutionOrder(t *testing.T) {
	r := NewRegistry()

	assert.Equal(t, "geometry", r.Resolve("geometry").Name())
	assert.Equal(t, "document", r.Resolve("document_ref").Name())
	assert.Equal(t, "json", r.Resolve("jsonb").Name())
	assert.Equal(t, "datetime", r.Resolve("timestamp").Name())
	assert.Equal(t, "array", r.Resolve("text[]").Name())
	assert.Equal(t, "scalar", r.Resolve("integer").Name())
	assert.Equal(t, "scalar", r.Resolve("anything else").Name())
}

func TestJSONHandler_Compare_KeyOrder(t *testing.T) {
	h := &JSONHandler{}
	opts := DefaultOptions()

	assert.True(t, h.Compare(`{"a":1,"b":2}`, `{"b":2,"a":1}`, opts))
	assert.False(t, h.Compare(`{"a":1}`, `{"a":2}`, opts))
	assert.False(t, h.Compare(`{"a":1}`, `{"a":1,"b":2}`, opts))
}

func TestJSONHandler_Compare_PrimitiveArrayOrder(t *testing.T) {
	h := &JSONHandler{}
	opts := DefaultOptions()

	// ignore_order defaults to true for primitive arrays
	assert.True(t, h.Compare(`[1,2,3]`, `[3,1,2]`, opts))

	opts.IgnoreOrder = false
	assert.False(t, h.Compare(`[1,2,3]`, `[3,1,2]`, opts))
}

func TestJSONHandler_Compare_ObjectArrayOrdered(t *testing.T) {
	h := &JSONHandler{}

	// Arrays of objects fall back to ordered compare even with IgnoreOrder.
	a := `[{"k":1},{"k":2}]`
	b := `[{"k":2},{"k":1}]`
	assert.False(t, h.Compare(a, b, DefaultOptions()))
	assert.True(t, h.Compare(a, a, DefaultOptions()))
}

func TestJSONHandler_Extract_ParsesStrings(t *testing.T) {
	h := &JSONHandler{}

	v, err := h.Extract(entities.FieldConfiguration{DeclaredType: "json"}, `{"x":1}`)
	require.NoError(t, err)
	m, ok := v.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(1), m["x"])

	_, err = h.Extract(entities.FieldConfiguration{DeclaredType: "json"}, `{broken`)
	assert.Error(t, err)
}

func TestDocumentHandler_Compare_PathOnly(t *testing.T) {
	h := &DocumentHandler{}
	opts := DefaultOptions()

	a := `{"path":"/docs/deed-1.pdf","metadata":{"pages":4}}`
	b := `{"path":"/docs/deed-1.pdf","metadata":{"pages":9}}`

	// Default: only path participates in equality.
	assert.True(t, h.Compare(a, b, opts))

	opts.CheckMetadata = true
	assert.False(t, h.Compare(a, b, opts))
}

func TestDocumentHandler_Compare_OpaquePath(t *testing.T) {
	h := &DocumentHandler{}

	assert.True(t, h.Compare("/docs/deed-1.pdf", `{"path":"/docs/deed-1.pdf"}`, DefaultOptions()))
	assert.False(t, h.Compare("/docs/deed-1.pdf", "/docs/deed-2.pdf", DefaultOptions()))
}

func TestDateTimeHandler_Parse_Fallbacks(t *testing.T) {
	cases := map[string]time.Time{
		"2024-03-05T12:30:45Z":  time.Date(2024, 3, 5, 12, 30, 45, 0, time.UTC),
		"2024-03-05 12:30:45":   time.Date(2024, 3, 5, 12, 30, 45, 0, time.UTC),
		"2024-03-05":            time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC),
		"25/03/2024":            time.Date(2024, 3, 25, 0, 0, 0, 0, time.UTC),
	}
	for in, want := range cases {
		got, err := parseDateTime(in)
		require.NoError(t, err, in)
		assert.True(t, want.Equal(got.UTC()), "%s parsed to %v", in, got)
	}

	// Ambiguous dates resolve day-first because that layout is tried first.
	got, err := parseDateTime("05/03/2024")
	require.NoError(t, err)
	assert.Equal(t, time.March, got.Month())
	assert.Equal(t, 5, got.Day())
}

func TestDateTimeHandler_Compare_Precision(t *testing.T) {
	h := &DateTimeHandler{}
	opts := DefaultOptions()

	// Default second precision ignores sub-second drift.
	assert.True(t, h.Compare("2024-03-05T12:30:45.100Z", "2024-03-05T12:30:45.900Z", opts))
	assert.False(t, h.Compare("2024-03-05T12:30:45Z", "2024-03-05T12:30:46Z", opts))

	opts.DateTimePrecision = PrecisionDay
	assert.True(t, h.Compare("2024-03-05T01:00:00Z", "2024-03-05T23:59:59Z", opts))

	opts.DateTimePrecision = PrecisionMicrosecond
	assert.False(t, h.Compare("2024-03-05T12:30:45.000001Z", "2024-03-05T12:30:45.000002Z", opts))
}

func TestArrayHandler_Compare(t *testing.T) {
	r := NewRegistry()
	h := r.Resolve("text[]")
	opts := DefaultOptions()

	assert.True(t, h.Compare(`["a","b"]`, `["b","a"]`, opts))
	assert.False(t, h.Compare(`["a","b"]`, `["a","b","c"]`, opts))

	opts.IgnoreOrder = false
	assert.False(t, h.Compare(`["a","b"]`, `["b","a"]`, opts))
}

func TestArrayHandler_GreedyObjectMatch(t *testing.T) {
	r := NewRegistry()
	h := r.Resolve("array<json>")
	opts := DefaultOptions()

	a := `[{"k":1},{"k":2}]`
	b := `[{"k":2},{"k":1}]`

	// Object arrays under IgnoreOrder use the greedy matching pass.
	assert.True(t, h.Compare(a, b, opts))
	assert.False(t, h.Compare(a, `[{"k":2},{"k":3}]`, opts))
}

func TestScalarHandler_NumericCoercion(t *testing.T) {
	h := &ScalarHandler{}
	opts := DefaultOptions()

	assert.True(t, h.Compare(1.5, "1.50", opts))
	assert.True(t, h.Compare(int64(7), 7.0, opts))
	assert.True(t, h.Compare("42", 42, opts))
	assert.False(t, h.Compare("42", 43, opts))
	assert.False(t, h.Compare("42", "fortytwo", opts))
	assert.True(t, h.Compare("abc", "abc", opts))
	assert.True(t, h.Compare(nil, nil, opts))
	assert.False(t, h.Compare(nil, 0, opts))
}

func TestRegistry_Differs(t *testing.T) {
	r := NewRegistry()
	field := entities.FieldConfiguration{Name: "geom", DeclaredType: "geometry"}

	assert.False(t, r.Differs(field, "POINT(1 2)", `{"type":"Point","coordinates":[1,2]}`, DefaultOptions()))
	assert.True(t, r.Differs(field, "POINT(1 2)", "POINT(1 3)", DefaultOptions()))
}
