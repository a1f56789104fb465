package service

import (
	"maps"
	"reflect"
)

// Extensions is a bag of values keyed by their Go type. It holds at most one
// value per type. Inserting a value of a type that is already present replaces
// it.
//
// A nil *Extensions is valid for reads and behaves as an empty bag.
type Extensions struct {
	m map[reflect.Type]any
}

// NewExtensions returns an empty extension bag.
func NewExtensions() *Extensions {
	return &Extensions{}
}

// Len returns the number of values in the bag.
func (e *Extensions) Len() int {
	if e == nil {
		return 0
	}
	return len(e.m)
}

// Extend copies all values from other into e, replacing values of the same
// type.
func (e *Extensions) Extend(other *Extensions) {
	if other == nil || len(other.m) == 0 {
		return
	}
	if e.m == nil {
		e.m = make(map[reflect.Type]any, len(other.m))
	}
	maps.Copy(e.m, other.m)
}

// Clone returns a shallow copy. Values themselves are not copied.
func (e *Extensions) Clone() *Extensions {
	if e == nil {
		return NewExtensions()
	}
	return &Extensions{m: maps.Clone(e.m)}
}

// Clear removes all values.
func (e *Extensions) Clear() {
	if e == nil {
		return
	}
	clear(e.m)
}

func keyOf[T any]() reflect.Type {
	return reflect.TypeFor[T]()
}

// Get returns the value of type T, if present.
func Get[T any](e *Extensions) (T, bool) {
	var zero T
	if e == nil {
		return zero, false
	}
	v, ok := e.m[keyOf[T]()]
	if !ok {
		return zero, false
	}
	t, _ := v.(T)
	return t, true
}

// Contains reports whether a value of type T is present.
func Contains[T any](e *Extensions) bool {
	if e == nil {
		return false
	}
	_, ok := e.m[keyOf[T]()]
	return ok
}

// Insert stores v as the value of type T and returns the value it replaced,
// if any.
func Insert[T any](e *Extensions, v T) (T, bool) {
	if e.m == nil {
		e.m = make(map[reflect.Type]any)
	}
	k := keyOf[T]()
	prev, had := e.m[k]
	e.m[k] = v
	if !had {
		var zero T
		return zero, false
	}
	p, _ := prev.(T)
	return p, true
}

// Remove deletes the value of type T and returns it, if it was present.
func Remove[T any](e *Extensions) (T, bool) {
	var zero T
	if e == nil {
		return zero, false
	}
	k := keyOf[T]()
	v, ok := e.m[k]
	if !ok {
		return zero, false
	}
	delete(e.m, k)
	t, _ := v.(T)
	return t, true
}

// GetOrInsertWith returns the value of type T, computing and storing it with
// fn first if it is absent. fn is called at most once per bag for a given T
// as long as the value is not removed.
func GetOrInsertWith[T any](e *Extensions, fn func() T) T {
	if v, ok := Get[T](e); ok {
		return v
	}
	v := fn()
	Insert(e, v)
	return v
}
