package typehandlers

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/parcelworks/assessor-sync/internal/entities"
)

// ArrayHandler compares array columns. When the declared type names an
// element type ("text[]", "array<geometry>"), element comparison is
// delegated to that element's handler; otherwise elements are compared
// as JSON values.
type ArrayHandler struct {
	registry *Registry
}

func (h *ArrayHandler) Name() string { return "array" }

func (h *ArrayHandler) CanHandle(declaredType string) bool {
	t := strings.ToLower(declaredType)
	return strings.HasSuffix(t, "[]") || strings.HasPrefix(t, "array")
}

// elementType extracts the element type tag from "text[]" or
// "array<text>" style declarations; empty when unknown.
func elementType(declaredType string) string {
	t := strings.TrimSpace(strings.ToLower(declaredType))
	if strings.HasSuffix(t, "[]") {
		return strings.TrimSuffix(t, "[]")
	}
	if strings.HasPrefix(t, "array<") && strings.HasSuffix(t, ">") {
		return t[len("array<") : len(t)-1]
	}
	return ""
}

func (h *ArrayHandler) Extract(field entities.FieldConfiguration, raw any) (any, error) {
	if raw == nil {
		return nil, nil
	}
	return parseArray(raw)
}

func (h *ArrayHandler) Prepare(field entities.FieldConfiguration, value any) (any, error) {
	if value == nil {
		return nil, nil
	}
	list, err := parseArray(value)
	if err != nil {
		return nil, err
	}
	out, err := json.Marshal(list)
	if err != nil {
		return nil, fmt.Errorf("marshal array: %w", err)
	}
	return string(out), nil
}

func (h *ArrayHandler) Compare(a, b any, opts Options) bool {
	return h.compareAs(a, b, "", opts)
}

// CompareAs compares two arrays whose elements carry the given declared
// element type.
func (h *ArrayHandler) CompareAs(a, b any, declaredType string, opts Options) bool {
	return h.compareAs(a, b, elementType(declaredType), opts)
}

func (h *ArrayHandler) compareAs(a, b any, elemType string, opts Options) bool {
	if eq, done := bothNil(a, b); done {
		return eq
	}
	la, errA := parseArray(a)
	lb, errB := parseArray(b)
	if errA != nil || errB != nil {
		return false
	}
	if len(la) != len(lb) {
		return false
	}
	elemEqual := func(x, y any) bool {
		if elemType != "" && h.registry != nil {
			return h.registry.Resolve(elemType).Compare(x, y, opts)
		}
		return jsonEqual(x, y, opts.IgnoreOrder)
	}
	if !opts.IgnoreOrder {
		for i := range la {
			if !elemEqual(la[i], lb[i]) {
				return false
			}
		}
		return true
	}
	if isPrimitiveArray(la) && isPrimitiveArray(lb) {
		sa := sortedJSONStrings(la)
		sb := sortedJSONStrings(lb)
		for i := range sa {
			if sa[i] != sb[i] {
				return false
			}
		}
		return true
	}
	return greedyMatch(la, lb, elemEqual)
}

func (h *ArrayHandler) Differs(a, b any, opts Options) bool {
	return !h.Compare(a, b, opts)
}

func (h *ArrayHandler) Transform(value any, srcType, tgtType string, opts Options) (any, error) {
	if value == nil {
		return nil, nil
	}
	list, err := parseArray(value)
	if err != nil {
		return nil, err
	}
	t := strings.ToLower(tgtType)
	if strings.Contains(t, "text") || strings.Contains(t, "string") || strings.Contains(t, "json") {
		out, err := json.Marshal(list)
		if err != nil {
			return nil, err
		}
		return string(out), nil
	}
	return list, nil
}

// greedyMatch pairs each element of a with the first unmatched equal
// element of b. Quadratic, acceptable for column-sized arrays.
func greedyMatch(a, b []any, equal func(x, y any) bool) bool {
	used := make([]bool, len(b))
	for _, av := range a {
		found := false
		for j, bv := range b {
			if used[j] {
				continue
			}
			if equal(av, bv) {
				used[j] = true
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func parseArray(v any) ([]any, error) {
	switch l := v.(type) {
	case []any:
		return l, nil
	case []string:
		out := make([]any, len(l))
		for i, s := range l {
			out[i] = s
		}
		return out, nil
	case []float64:
		out := make([]any, len(l))
		for i, f := range l {
			out[i] = f
		}
		return out, nil
	case []byte:
		return parseArrayString(string(l))
	case string:
		return parseArrayString(l)
	}
	return nil, fmt.Errorf("unsupported array value %T", v)
}

func parseArrayString(s string) ([]any, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("empty array string")
	}
	var out []any
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil, fmt.Errorf("parse array: %w", err)
	}
	return out, nil
}
