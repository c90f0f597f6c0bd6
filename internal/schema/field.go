package schema

import (
	"database/sql"
	"fmt"
	"reflect"
	"time"
)

// State is the dual-state flag of a column box.
type State uint8

const (
	// Unset means the column was never loaded nor assigned.
	Unset State = iota
	// Loaded means the value came from storage (or was written and reset).
	Loaded
	// Assigned means the value was explicitly changed since load.
	Assigned
)

func (s State) String() string {
	switch s {
	case Loaded:
		return "loaded"
	case Assigned:
		return "assigned"
	default:
		return "unset"
	}
}

// Box is the type-erased view of a Field used by descriptors, the
// materializer and the change-tracking visitors.
//
// Field is the only implementation.
type Box interface {
	State() State
	// Value returns the current value as a driver argument.
	Value() any
	// SetValue assigns with the same dirty semantics as Field.Set.
	SetValue(v any) error
	// LoadValue stores a value that matches storage and marks it Loaded.
	LoadValue(v any) error
	// ScanTarget returns a pointer suitable for (*sql.Rows).Scan. Call
	// MarkLoaded after a successful scan.
	ScanTarget() any
	MarkLoaded()
	// Reset flips Assigned back to Loaded without touching the value.
	Reset()

	save() boxSnapshot
	restore(boxSnapshot)
}

type boxSnapshot struct {
	value any
	state State
}

// Field is a dual-state column box.
//
// A Field is never dirty by equality: Set on a Loaded field with the loaded
// value leaves it Loaded, while any different value marks it Assigned, and it
// stays Assigned even if the original value is set back afterwards.
type Field[T comparable] struct {
	v     T
	state State
}

// Get returns the current value.
func (f *Field[T]) Get() T {
	return f.v
}

// Set assigns v.
func (f *Field[T]) Set(v T) {
	if f.state == Loaded && equal(f.v, v) {
		return
	}
	f.v = v
	f.state = Assigned
}

// equal compares instants with Time.Equal, so a value read back in another
// location or without its monotonic reading still matches.
func equal[T comparable](a, b T) bool {
	if a == b {
		return true
	}
	switch x := any(a).(type) {
	case time.Time:
		return x.Equal(any(b).(time.Time))
	case sql.NullTime:
		y := any(b).(sql.NullTime)
		return x.Valid == y.Valid && (!x.Valid || x.Time.Equal(y.Time))
	}
	return false
}

// Load stores v as the value currently held by storage.
func (f *Field[T]) Load(v T) {
	f.v = v
	f.state = Loaded
}

// State returns the dual-state flag.
func (f *Field[T]) State() State {
	return f.state
}

// IsAssigned reports whether the field was changed since load.
func (f *Field[T]) IsAssigned() bool {
	return f.state == Assigned
}

func (f *Field[T]) Value() any {
	return f.v
}

func (f *Field[T]) SetValue(v any) error {
	t, err := convert[T](v)
	if err != nil {
		return err
	}
	f.Set(t)
	return nil
}

func (f *Field[T]) LoadValue(v any) error {
	t, err := convert[T](v)
	if err != nil {
		return err
	}
	f.Load(t)
	return nil
}

// ScanTarget returns a sql.Scanner writing into the field, so NULL and
// driver-specific representations go through the same coercion as SetValue.
func (f *Field[T]) ScanTarget() any {
	return (*fieldScanner[T])(f)
}

type fieldScanner[T comparable] Field[T]

func (s *fieldScanner[T]) Scan(src any) error {
	v, err := convert[T](src)
	if err != nil {
		return err
	}
	s.v = v
	return nil
}

func (f *Field[T]) MarkLoaded() {
	f.state = Loaded
}

func (f *Field[T]) Reset() {
	if f.state == Assigned {
		f.state = Loaded
	}
}

func (f *Field[T]) save() boxSnapshot {
	return boxSnapshot{value: f.v, state: f.state}
}

func (f *Field[T]) restore(s boxSnapshot) {
	f.v = s.value.(T)
	f.state = s.state
}

// convert coerces a driver or caller value into T. It accepts T itself,
// anything T's pointer can Scan (the sql.Null* family), and numeric or
// string conversions between kinds.
func convert[T comparable](v any) (T, error) {
	var zero T
	if t, ok := v.(T); ok {
		return t, nil
	}

	if sc, ok := any(&zero).(sql.Scanner); ok {
		if err := sc.Scan(v); err != nil {
			return zero, fmt.Errorf("convert %T to %T: %w", v, zero, err)
		}
		return zero, nil
	}

	if v == nil {
		return zero, nil
	}

	rv := reflect.ValueOf(v)
	rt := reflect.TypeOf(zero)
	if rt == nil {
		return zero, fmt.Errorf("convert %T: untyped target", v)
	}
	if isNumeric(rv.Kind()) && isNumeric(rt.Kind()) {
		return rv.Convert(rt).Interface().(T), nil
	}
	if rt.Kind() == reflect.Bool && isNumeric(rv.Kind()) {
		return reflect.ValueOf(!rv.IsZero()).Convert(rt).Interface().(T), nil
	}
	if rt.Kind() == reflect.String && (rv.Kind() == reflect.String || rv.Type() == reflect.TypeOf([]byte(nil))) {
		return rv.Convert(rt).Interface().(T), nil
	}
	return zero, fmt.Errorf("convert %T to %T: incompatible types", v, zero)
}

func isNumeric(k reflect.Kind) bool {
	switch k {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	}
	return false
}
