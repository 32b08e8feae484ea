package typehandlers

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/parcelworks/assessor-sync/internal/entities"
)

// Geometry is the canonical in-memory form: GeoJSON type plus nested
// coordinate arrays ([]any of float64 at the leaves).
type Geometry struct {
	Type        string `json:"type"`
	Coordinates any    `json:"coordinates"`
}

// GeometryHandler converts between GeoJSON and WKT and compares
// coordinates at a configurable decimal precision.
type GeometryHandler struct{}

func (h *GeometryHandler) Name() string { return "geometry" }

func (h *GeometryHandler) CanHandle(declaredType string) bool {
	t := strings.ToLower(declaredType)
	return strings.Contains(t, "geometry") ||
		strings.Contains(t, "geography") ||
		strings.Contains(t, "geojson") ||
		strings.Contains(t, "wkt")
}

// Extract normalizes a driver value (GeoJSON string, WKT string, or a
// decoded GeoJSON map) into a *Geometry.
func (h *GeometryHandler) Extract(field entities.FieldConfiguration, raw any) (any, error) {
	if raw == nil {
		return nil, nil
	}
	return parseGeometry(raw)
}

// Prepare materializes the canonical geometry for the target driver.
// Declared types mentioning WKT get WKT text; everything else gets a
// GeoJSON string.
func (h *GeometryHandler) Prepare(field entities.FieldConfiguration, value any) (any, error) {
	if value == nil {
		return nil, nil
	}
	g, err := parseGeometry(value)
	if err != nil {
		return nil, err
	}
	if strings.Contains(strings.ToLower(field.DeclaredType), "wkt") {
		return geometryToWKT(g)
	}
	out, err := json.Marshal(g)
	if err != nil {
		return nil, fmt.Errorf("marshal geometry: %w", err)
	}
	return string(out), nil
}

func (h *GeometryHandler) Compare(a, b any, opts Options) bool {
	if eq, done := bothNil(a, b); done {
		return eq
	}
	ga, errA := parseGeometry(a)
	gb, errB := parseGeometry(b)
	if errA != nil || errB != nil {
		return false
	}
	if !strings.EqualFold(ga.Type, gb.Type) {
		return false
	}
	precision := opts.GeometryPrecision
	if precision <= 0 {
		precision = 6
	}
	return coordsEqual(ga.Coordinates, gb.Coordinates, precision)
}

func (h *GeometryHandler) Differs(a, b any, opts Options) bool {
	return !h.Compare(a, b, opts)
}

// Transform converts between the two supported representations.
func (h *GeometryHandler) Transform(value any, srcType, tgtType string, opts Options) (any, error) {
	if value == nil {
		return nil, nil
	}
	g, err := parseGeometry(value)
	if err != nil {
		return nil, err
	}
	if strings.Contains(strings.ToLower(tgtType), "wkt") {
		return geometryToWKT(g)
	}
	out, err := json.Marshal(g)
	if err != nil {
		return nil, err
	}
	return string(out), nil
}

// coordsEqual walks nested coordinate arrays element-wise. Arrays of
// different lengths differ. Leaf values are rounded to the configured
// number of decimal places before comparison.
func coordsEqual(a, b any, precision int) bool {
	la, aIsList := asList(a)
	lb, bIsList := asList(b)
	if aIsList != bIsList {
		return false
	}
	if aIsList {
		if len(la) != len(lb) {
			return false
		}
		for i := range la {
			if !coordsEqual(la[i], lb[i], precision) {
				return false
			}
		}
		return true
	}
	fa, okA := toFloat(a)
	fb, okB := toFloat(b)
	if !okA || !okB {
		return false
	}
	scale := math.Pow10(precision)
	return math.Round(fa*scale) == math.Round(fb*scale)
}

func asList(v any) ([]any, bool) {
	switch l := v.(type) {
	case []any:
		return l, true
	case []float64:
		out := make([]any, len(l))
		for i, f := range l {
			out[i] = f
		}
		return out, true
	}
	return nil, false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	return 0, false
}

// parseGeometry accepts a *Geometry, a GeoJSON map, a GeoJSON string or
// a WKT string.
func parseGeometry(v any) (*Geometry, error) {
	switch g := v.(type) {
	case *Geometry:
		return g, nil
	case Geometry:
		return &g, nil
	case map[string]any:
		typ, _ := g["type"].(string)
		if typ == "" {
			return nil, fmt.Errorf("geometry object missing type")
		}
		return &Geometry{Type: typ, Coordinates: g["coordinates"]}, nil
	case []byte:
		return parseGeometryString(string(g))
	case string:
		return parseGeometryString(g)
	}
	return nil, fmt.Errorf("unsupported geometry value %T", v)
}

func parseGeometryString(s string) (*Geometry, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("empty geometry string")
	}
	if strings.HasPrefix(s, "{") {
		var g Geometry
		if err := json.Unmarshal([]byte(s), &g); err != nil {
			return nil, fmt.Errorf("parse GeoJSON: %w", err)
		}
		if g.Type == "" {
			return nil, fmt.Errorf("GeoJSON missing type")
		}
		return &g, nil
	}
	return parseWKT(s)
}

var wktTypes = map[string]string{
	"POINT":           "Point",
	"LINESTRING":      "LineString",
	"POLYGON":         "Polygon",
	"MULTIPOINT":      "MultiPoint",
	"MULTILINESTRING": "MultiLineString",
	"MULTIPOLYGON":    "MultiPolygon",
}

// parseWKT handles the six common geometry types. SRID prefixes
// ("SRID=4326;...") are accepted and discarded.
func parseWKT(s string) (*Geometry, error) {
	if idx := strings.Index(s, ";"); idx >= 0 && strings.HasPrefix(strings.ToUpper(s), "SRID=") {
		s = s[idx+1:]
	}
	s = strings.TrimSpace(s)
	open := strings.Index(s, "(")
	if open < 0 {
		return nil, fmt.Errorf("malformed WKT %q", s)
	}
	keyword := strings.ToUpper(strings.TrimSpace(s[:open]))
	geoType, ok := wktTypes[keyword]
	if !ok {
		return nil, fmt.Errorf("unsupported WKT type %q", keyword)
	}
	body := strings.TrimSpace(s[open:])
	if !strings.HasSuffix(body, ")") {
		return nil, fmt.Errorf("malformed WKT %q", s)
	}
	coords, err := parseWKTBody(body)
	if err != nil {
		return nil, err
	}
	// POINT carries a bare position, not a list of positions.
	if geoType == "Point" {
		list, _ := coords.([]any)
		if len(list) == 1 {
			coords = list[0]
		}
	}
	return &Geometry{Type: geoType, Coordinates: coords}, nil
}

// parseWKTBody parses a parenthesized coordinate group recursively.
// "(30 10, 10 30)" yields [[30,10],[10,30]]; nested parens nest lists.
func parseWKTBody(s string) (any, error) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "(") || !strings.HasSuffix(s, ")") {
		return nil, fmt.Errorf("malformed WKT group %q", s)
	}
	inner := s[1 : len(s)-1]
	parts, err := splitTopLevel(inner)
	if err != nil {
		return nil, err
	}
	out := make([]any, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if strings.HasPrefix(p, "(") {
			sub, err := parseWKTBody(p)
			if err != nil {
				return nil, err
			}
			out = append(out, sub)
			continue
		}
		pos, err := parseWKTPosition(p)
		if err != nil {
			return nil, err
		}
		out = append(out, pos)
	}
	return out, nil
}

func parseWKTPosition(s string) (any, error) {
	fields := strings.Fields(s)
	if len(fields) < 2 {
		return nil, fmt.Errorf("malformed WKT position %q", s)
	}
	pos := make([]any, 0, len(fields))
	for _, f := range fields {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return nil, fmt.Errorf("malformed WKT coordinate %q", f)
		}
		pos = append(pos, v)
	}
	return pos, nil
}

// splitTopLevel splits on commas that are not inside parentheses.
func splitTopLevel(s string) ([]string, error) {
	var parts []string
	depth, start := 0, 0
	for i, r := range s {
		switch r {
		case '(':
			depth++
		case ')':
			depth--
			if depth < 0 {
				return nil, fmt.Errorf("unbalanced parentheses in WKT %q", s)
			}
		case ',':
			if depth == 0 {
				parts = append(parts, s[start:i])
				start = i + 1
			}
		}
	}
	if depth != 0 {
		return nil, fmt.Errorf("unbalanced parentheses in WKT %q", s)
	}
	parts = append(parts, s[start:])
	return parts, nil
}

func geometryToWKT(g *Geometry) (string, error) {
	keyword := strings.ToUpper(g.Type)
	if _, ok := wktTypes[keyword]; !ok {
		return "", fmt.Errorf("unsupported geometry type %q", g.Type)
	}
	coords := g.Coordinates
	// A Point position must be wrapped back into a single-element group.
	if strings.EqualFold(g.Type, "Point") {
		if list, isList := asList(coords); isList && len(list) > 0 {
			if _, nested := asList(list[0]); !nested {
				coords = []any{coords}
			}
		}
	}
	body, err := wktBody(coords)
	if err != nil {
		return "", err
	}
	return keyword + body, nil
}

func wktBody(coords any) (string, error) {
	list, ok := asList(coords)
	if !ok {
		return "", fmt.Errorf("coordinates are not a list")
	}
	var sb strings.Builder
	sb.WriteString("(")
	for i, item := range list {
		if i > 0 {
			sb.WriteString(", ")
		}
		sub, isList := asList(item)
		if !isList {
			return "", fmt.Errorf("coordinate leaf is not a position")
		}
		// A position is a flat list of numbers; anything nested recurses.
		if len(sub) > 0 {
			if _, nested := asList(sub[0]); nested {
				inner, err := wktBody(sub)
				if err != nil {
					return "", err
				}
				sb.WriteString(inner)
				continue
			}
		}
		for j, c := range sub {
			f, ok := toFloat(c)
			if !ok {
				return "", fmt.Errorf("non-numeric coordinate %v", c)
			}
			if j > 0 {
				sb.WriteString(" ")
			}
			sb.WriteString(formatCoord(f))
		}
	}
	sb.WriteString(")")
	return sb.String(), nil
}

func formatCoord(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
