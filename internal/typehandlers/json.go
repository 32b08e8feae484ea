package typehandlers

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/parcelworks/assessor-sync/internal/entities"
)

// JSONHandler compares JSON values structurally: objects by key regardless
// of order, primitive arrays order-insensitive when IgnoreOrder is set,
// arrays of objects always in order.
type JSONHandler struct{}

func (h *JSONHandler) Name() string { return "json" }

func (h *JSONHandler) CanHandle(declaredType string) bool {
	return strings.Contains(strings.ToLower(declaredType), "json")
}

// Extract parses string payloads into structured values; already-decoded
// maps and slices pass through.
func (h *JSONHandler) Extract(field entities.FieldConfiguration, raw any) (any, error) {
	if raw == nil {
		return nil, nil
	}
	switch v := raw.(type) {
	case string:
		return decodeJSON(v)
	case []byte:
		return decodeJSON(string(v))
	}
	return raw, nil
}

// Prepare serializes the canonical value back to a JSON string for the
// target driver.
func (h *JSONHandler) Prepare(field entities.FieldConfiguration, value any) (any, error) {
	if value == nil {
		return nil, nil
	}
	if s, ok := value.(string); ok {
		// Validate rather than double-encode.
		if _, err := decodeJSON(s); err != nil {
			return nil, err
		}
		return s, nil
	}
	out, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("marshal json value: %w", err)
	}
	return string(out), nil
}

func (h *JSONHandler) Compare(a, b any, opts Options) bool {
	if eq, done := bothNil(a, b); done {
		return eq
	}
	va, errA := normalizeJSON(a)
	vb, errB := normalizeJSON(b)
	if errA != nil || errB != nil {
		return false
	}
	return jsonEqual(va, vb, opts.IgnoreOrder)
}

func (h *JSONHandler) Differs(a, b any, opts Options) bool {
	return !h.Compare(a, b, opts)
}

// Transform parses strings when the destination is structured and
// serializes structures when it is textual.
func (h *JSONHandler) Transform(value any, srcType, tgtType string, opts Options) (any, error) {
	if value == nil {
		return nil, nil
	}
	t := strings.ToLower(tgtType)
	if strings.Contains(t, "text") || strings.Contains(t, "string") || strings.Contains(t, "varchar") {
		if s, ok := value.(string); ok {
			return s, nil
		}
		out, err := json.Marshal(value)
		if err != nil {
			return nil, err
		}
		return string(out), nil
	}
	return normalizeJSON(value)
}

func decodeJSON(s string) (any, error) {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil, fmt.Errorf("parse json: %w", err)
	}
	return v, nil
}

func normalizeJSON(v any) (any, error) {
	switch s := v.(type) {
	case string:
		return decodeJSON(s)
	case []byte:
		return decodeJSON(string(s))
	}
	// Round-trip through encoding/json so numbers and nested types take
	// their canonical decoded forms.
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return decodeJSON(string(raw))
}

func jsonEqual(a, b any, ignoreOrder bool) bool {
	switch va := a.(type) {
	case map[string]any:
		vb, ok := b.(map[string]any)
		if !ok || len(va) != len(vb) {
			return false
		}
		for k, av := range va {
			bv, present := vb[k]
			if !present || !jsonEqual(av, bv, ignoreOrder) {
				return false
			}
		}
		return true
	case []any:
		vb, ok := b.([]any)
		if !ok || len(va) != len(vb) {
			return false
		}
		if ignoreOrder && isPrimitiveArray(va) && isPrimitiveArray(vb) {
			sa := sortedJSONStrings(va)
			sb := sortedJSONStrings(vb)
			for i := range sa {
				if sa[i] != sb[i] {
					return false
				}
			}
			return true
		}
		// Arrays of objects fall back to ordered compare.
		for i := range va {
			if !jsonEqual(va[i], vb[i], ignoreOrder) {
				return false
			}
		}
		return true
	}
	return a == b
}

func isPrimitiveArray(l []any) bool {
	for _, v := range l {
		switch v.(type) {
		case map[string]any, []any:
			return false
		}
	}
	return true
}

func sortedJSONStrings(l []any) []string {
	out := make([]string, len(l))
	for i, v := range l {
		out[i] = fmt.Sprintf("%v", v)
	}
	sort.Strings(out)
	return out
}
