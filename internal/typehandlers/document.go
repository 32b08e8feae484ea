package typehandlers

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/parcelworks/assessor-sync/internal/entities"
)

// DocumentRef is the structured shape of a document reference. The opaque
// path-string shape maps to a DocumentRef with nil metadata.
type DocumentRef struct {
	Path     string         `json:"path"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// DocumentHandler compares document references. By default only the path
// participates in equality; CheckMetadata widens the comparison to the
// full object.
type DocumentHandler struct{}

func (h *DocumentHandler) Name() string { return "document" }

func (h *DocumentHandler) CanHandle(declaredType string) bool {
	t := strings.ToLower(declaredType)
	return strings.Contains(t, "document") || strings.Contains(t, "docref")
}

func (h *DocumentHandler) Extract(field entities.FieldConfiguration, raw any) (any, error) {
	if raw == nil {
		return nil, nil
	}
	return parseDocumentRef(raw)
}

// Prepare writes the path string back when the reference carries no
// metadata, otherwise the {path, metadata} object as JSON.
func (h *DocumentHandler) Prepare(field entities.FieldConfiguration, value any) (any, error) {
	if value == nil {
		return nil, nil
	}
	ref, err := parseDocumentRef(value)
	if err != nil {
		return nil, err
	}
	if len(ref.Metadata) == 0 {
		return ref.Path, nil
	}
	out, err := json.Marshal(ref)
	if err != nil {
		return nil, fmt.Errorf("marshal document ref: %w", err)
	}
	return string(out), nil
}

func (h *DocumentHandler) Compare(a, b any, opts Options) bool {
	if eq, done := bothNil(a, b); done {
		return eq
	}
	ra, errA := parseDocumentRef(a)
	rb, errB := parseDocumentRef(b)
	if errA != nil || errB != nil {
		return false
	}
	if ra.Path != rb.Path {
		return false
	}
	if !opts.CheckMetadata {
		return true
	}
	return jsonEqual(anyMap(ra.Metadata), anyMap(rb.Metadata), false)
}

func (h *DocumentHandler) Differs(a, b any, opts Options) bool {
	return !h.Compare(a, b, opts)
}

func (h *DocumentHandler) Transform(value any, srcType, tgtType string, opts Options) (any, error) {
	if value == nil {
		return nil, nil
	}
	ref, err := parseDocumentRef(value)
	if err != nil {
		return nil, err
	}
	t := strings.ToLower(tgtType)
	if strings.Contains(t, "text") || strings.Contains(t, "string") || strings.Contains(t, "varchar") {
		return ref.Path, nil
	}
	return ref, nil
}

func parseDocumentRef(v any) (*DocumentRef, error) {
	switch d := v.(type) {
	case *DocumentRef:
		return d, nil
	case DocumentRef:
		return &d, nil
	case map[string]any:
		path, _ := d["path"].(string)
		if path == "" {
			return nil, fmt.Errorf("document ref object missing path")
		}
		meta, _ := d["metadata"].(map[string]any)
		return &DocumentRef{Path: path, Metadata: meta}, nil
	case []byte:
		return parseDocumentString(string(d))
	case string:
		return parseDocumentString(d)
	}
	return nil, fmt.Errorf("unsupported document ref value %T", v)
}

func parseDocumentString(s string) (*DocumentRef, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("empty document ref")
	}
	if strings.HasPrefix(s, "{") {
		var obj map[string]any
		if err := json.Unmarshal([]byte(s), &obj); err != nil {
			return nil, fmt.Errorf("parse document ref: %w", err)
		}
		return parseDocumentRef(obj)
	}
	// Opaque path string shape.
	return &DocumentRef{Path: s}, nil
}

func anyMap(m map[string]any) any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
