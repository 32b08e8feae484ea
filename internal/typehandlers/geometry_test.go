package typehandlers

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGeometryHandler_CanHandle(t *testing.T) {
	h := &GeometryHandler{}

	assert.True(t, h.CanHandle("geometry"))
	assert.True(t, h.CanHandle("geography(Point,4326)"))
	assert.True(t, h.CanHandle("geojson"))
	assert.True(t, h.CanHandle("wkt"))
	assert.False(t, h.CanHandle("text"))
	assert.False(t, h.CanHandle("json"))
}

func TestParseWKT_Point(t *testing.T) {
	g, err := parseWKT("POINT(30 10)")
	require.NoError(t, err)

	assert.Equal(t, "Point", g.Type)
	assert.Equal(t, []any{30.0, 10.0}, g.Coordinates)
}

func TestParseWKT_Polygon(t *testing.T) {
	g, err := parseWKT("POLYGON((30 10, 40 40, 20 40, 10 20, 30 10))")
	require.NoError(t, err)

	assert.Equal(t, "Polygon", g.Type)
	rings, ok := g.Coordinates.([]any)
	require.True(t, ok)
	require.Len(t, rings, 1)
	ring, ok := rings[0].([]any)
	require.True(t, ok)
	assert.Len(t, ring, 5)
}

func TestParseWKT_SRIDPrefix(t *testing.T) {
	g, err := parseWKT("SRID=4326;POINT(1 2)")
	require.NoError(t, err)
	assert.Equal(t, "Point", g.Type)
}

func TestParseWKT_Malformed(t *testing.T) {
	_, err := parseWKT("POINT 30 10")
	assert.Error(t, err)

	_, err = parseWKT("TRIANGLE(1 2, 3 4)")
	assert.Error(t, err)

	_, err = parseWKT("POINT((1 2)")
	assert.Error(t, err)
}

func TestGeometry_GeoJSONWKTRoundTrip(t *testing.T) {
	h := &GeometryHandler{}
	opts := DefaultOptions()

	geojson := `{"type":"LineString","coordinates":[[30.123456,10.654321],[10,30],[40,40]]}`

	wkt, err := h.Transform(geojson, "geojson", "wkt", opts)
	require.NoError(t, err)

	back, err := h.Transform(wkt, "wkt", "geojson", opts)
	require.NoError(t, err)

	// Coordinates survive the round trip at the configured precision.
	assert.True(t, h.Compare(geojson, back, opts))
}

func TestGeometryHandler_Compare_Precision(t *testing.T) {
	h := &GeometryHandler{}
	opts := DefaultOptions()

	a := `{"type":"Point","coordinates":[30.1234564,10.0]}`
	b := `{"type":"Point","coordinates":[30.1234559,10.0]}`

	// Equal at 6 decimal places (both round to 30.123456).
	assert.True(t, h.Compare(a, b, opts))

	opts.GeometryPrecision = 7
	assert.False(t, h.Compare(a, b, opts))
}

func TestGeometryHandler_Compare_WKTvsGeoJSON(t *testing.T) {
	h := &GeometryHandler{}

	assert.True(t, h.Compare(
		"POINT(30 10)",
		`{"type":"Point","coordinates":[30,10]}`,
		DefaultOptions(),
	))
}

func TestGeometryHandler_Compare_Nulls(t *testing.T) {
	h := &GeometryHandler{}
	opts := DefaultOptions()

	assert.True(t, h.Compare(nil, nil, opts))
	assert.False(t, h.Compare(nil, "POINT(1 2)", opts))
	assert.False(t, h.Compare("POINT(1 2)", nil, opts))
}

func TestGeometryHandler_Compare_LengthMismatch(t *testing.T) {
	h := &GeometryHandler{}

	a := `{"type":"LineString","coordinates":[[1,2],[3,4]]}`
	b := `{"type":"LineString","coordinates":[[1,2],[3,4],[5,6]]}`
	assert.False(t, h.Compare(a, b, DefaultOptions()))
}

func TestGeometryHandler_Compare_TypeMismatch(t *testing.T) {
	h := &GeometryHandler{}

	a := `{"type":"Point","coordinates":[1,2]}`
	b := `{"type":"MultiPoint","coordinates":[[1,2]]}`
	assert.False(t, h.Compare(a, b, DefaultOptions()))
}

func TestGeometryHandler_Compare_Unparseable(t *testing.T) {
	h := &GeometryHandler{}

	// Garbage never aborts; it just differs.
	assert.False(t, h.Compare("not a geometry", "POINT(1 2)", DefaultOptions()))
}

func TestGeometryToWKT_MultiPolygon(t *testing.T) {
	g, err := parseWKT("MULTIPOLYGON(((1 2, 3 4, 5 6, 1 2)), ((7 8, 9 10, 11 12, 7 8)))")
	require.NoError(t, err)

	wkt, err := geometryToWKT(g)
	require.NoError(t, err)

	back, err := parseWKT(wkt)
	require.NoError(t, err)
	assert.True(t, coordsEqual(g.Coordinates, back.Coordinates, 6))
}
