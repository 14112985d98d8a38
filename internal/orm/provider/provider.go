// Package provider defines the persistence contract the detach engine relies
// on: identity and version introspection, lazy placeholder detection, lookup
// by identifier, and persistence of newly attached instances.
package provider

import (
	"context"
	"errors"
	"reflect"
)

// ErrNotFound is returned by FindByIdentifier when no managed instance exists
var ErrNotFound = errors.New("provider: instance not found")

// Provider is the persistence capability consumed by the detach engine.
//
// The type arguments are entity struct types; values are pointers to those
// structs. Identifier and Version return false when the type declares no such
// property or the value carries the zero value for it.
type Provider interface {
	Identifier(t reflect.Type, v any) (any, bool)
	Version(t reflect.Type, v any) (any, bool)
	IsVersioned(t reflect.Type) bool

	IsPlaceholder(v any) bool
	IsPlaceholderLoaded(v any) bool
	IsLazyCollection(v any) bool
	IsLazyCollectionLoaded(v any) bool

	// FindByIdentifier returns the managed instance or ErrNotFound
	FindByIdentifier(ctx context.Context, t reflect.Type, id any) (any, error)
	// Persist makes a newly attached instance managed and returns it
	Persist(ctx context.Context, v any) (any, error)
	// Flush pushes pending changes to the backing store
	Flush(ctx context.Context) error
}

// EntityType returns the struct type behind t, dereferencing pointers
func EntityType(t reflect.Type) reflect.Type {
	for t != nil && t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return t
}
