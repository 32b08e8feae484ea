// Package typehandlers converts between on-wire row values and canonical
// in-memory values, and answers whether two values differ semantically.
//
// Handlers are resolved by declared type tag, first match wins. The
// resolution order is fixed: Geometric -> Document -> JSON -> DateTime ->
// Array -> Scalar. The scalar handler accepts every type, so resolution
// never fails.
package typehandlers

import (
	"github.com/parcelworks/assessor-sync/internal/entities"
)

// DateTimePrecision controls datetime equality truncation.
type DateTimePrecision string

const (
	PrecisionDay         DateTimePrecision = "day"
	PrecisionHour        DateTimePrecision = "hour"
	PrecisionMinute      DateTimePrecision = "minute"
	PrecisionSecond      DateTimePrecision = "second"
	PrecisionMicrosecond DateTimePrecision = "microsecond"
)

// Options carries per-comparison tolerance parameters.
type Options struct {
	GeometryPrecision int               // decimal places for coordinate equality
	DateTimePrecision DateTimePrecision // truncation unit for datetime equality
	IgnoreOrder       bool              // order-insensitive array/JSON-array compare
	CheckMetadata     bool              // document refs: compare metadata too
}

// DefaultOptions returns the documented defaults: 6 decimal places,
// second precision, order-insensitive primitive arrays.
func DefaultOptions() Options {
	return Options{
		GeometryPrecision: 6,
		DateTimePrecision: PrecisionSecond,
		IgnoreOrder:       true,
	}
}

// Handler is the per-column-type contract. Extract and Prepare return an
// error instead of aborting; the caller logs a warning and treats the
// value as nil. Compare treats unparseable pairs as different.
type Handler interface {
	Name() string
	CanHandle(declaredType string) bool
	Extract(field entities.FieldConfiguration, raw any) (any, error)
	Prepare(field entities.FieldConfiguration, value any) (any, error)
	Compare(a, b any, opts Options) bool
	Differs(a, b any, opts Options) bool
	Transform(value any, srcType, tgtType string, opts Options) (any, error)
}

// Registry resolves declared type tags to handlers. It is built once at
// startup and never mutated afterwards.
type Registry struct {
	handlers []Handler
}

// NewRegistry builds the registry in its fixed resolution order.
func NewRegistry() *Registry {
	r := &Registry{}
	array := &ArrayHandler{registry: r}
	r.handlers = []Handler{
		&GeometryHandler{},
		&DocumentHandler{},
		&JSONHandler{},
		&DateTimeHandler{},
		array,
		&ScalarHandler{},
	}
	return r
}

// Resolve returns the first handler claiming the declared type.
func (r *Registry) Resolve(declaredType string) Handler {
	for _, h := range r.handlers {
		if h.CanHandle(declaredType) {
			return h
		}
	}
	// Unreachable: the scalar handler accepts everything.
	return r.handlers[len(r.handlers)-1]
}

// ForField resolves the handler for a configured field.
func (r *Registry) ForField(field entities.FieldConfiguration) Handler {
	return r.Resolve(field.DeclaredType)
}

// Differs compares two raw values under the handler registered for the
// field's declared type.
func (r *Registry) Differs(field entities.FieldConfiguration, a, b any, opts Options) bool {
	return r.ForField(field).Differs(a, b, opts)
}

// bothNil reports the shared null semantics: nil vs nil is equal,
// nil vs non-nil differs. The second return value is true when the
// comparison was decided here.
func bothNil(a, b any) (equal, decided bool) {
	if a == nil && b == nil {
		return true, true
	}
	if a == nil || b == nil {
		return false, true
	}
	return false, false
}
