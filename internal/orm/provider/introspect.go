package provider

import (
	"context"
	"reflect"

	"github.com/conduit-lang/detach/internal/orm/lazy"
	"github.com/conduit-lang/detach/internal/orm/metadata"
	"github.com/conduit-lang/detach/internal/orm/property"
)

// Introspector implements the metadata-driven half of Provider. Stores embed
// it and add lookup and persistence.
type Introspector struct {
	Resolver     *metadata.Resolver
	Placeholders *Placeholders
}

// NewIntrospector creates an introspector; a nil resolver uses metadata.Default
func NewIntrospector(resolver *metadata.Resolver, placeholders *Placeholders) *Introspector {
	if resolver == nil {
		resolver = metadata.Default()
	}
	if placeholders == nil {
		placeholders = NewPlaceholders()
	}
	return &Introspector{Resolver: resolver, Placeholders: placeholders}
}

// Identifier reads the identifier of v. It returns false for types without an
// identifier property and for values whose identifier is still zero.
func (i *Introspector) Identifier(t reflect.Type, v any) (any, bool) {
	meta, acc, ok := i.bind(t, v)
	if !ok {
		return nil, false
	}
	p, ok := meta.Identifier()
	if !ok {
		return nil, false
	}
	return read(acc, p)
}

// Version reads the version property of v
func (i *Introspector) Version(t reflect.Type, v any) (any, bool) {
	meta, acc, ok := i.bind(t, v)
	if !ok {
		return nil, false
	}
	p, ok := meta.Version()
	if !ok {
		return nil, false
	}
	val, err := acc.GetProperty(p)
	if err != nil {
		return nil, false
	}
	return val.Interface(), true
}

// IsVersioned returns true if t declares a version property
func (i *Introspector) IsVersioned(t reflect.Type) bool {
	meta, err := i.Resolver.Resolve(EntityType(t))
	return err == nil && meta.Versioned()
}

// IsPlaceholder returns true if v is a tracked reference proxy
func (i *Introspector) IsPlaceholder(v any) bool {
	return i.Placeholders.Contains(v)
}

// IsPlaceholderLoaded returns false only for tracked proxies that were never initialized
func (i *Introspector) IsPlaceholderLoaded(v any) bool {
	return i.Placeholders.Loaded(v)
}

// IsLazyCollection returns true if v is a lazy collection
func (i *Introspector) IsLazyCollection(v any) bool {
	c, ok := v.(lazy.Collection)
	return ok && !isNilPointer(c)
}

// IsLazyCollectionLoaded reports whether a lazy collection is materialized
func (i *Introspector) IsLazyCollectionLoaded(v any) bool {
	c, ok := v.(lazy.Collection)
	if !ok || isNilPointer(c) {
		return true
	}
	return c.Loaded()
}

func (i *Introspector) bind(t reflect.Type, v any) (*metadata.Object, *property.Accessor, bool) {
	if v == nil {
		return nil, nil, false
	}
	meta, err := i.Resolver.Resolve(EntityType(t))
	if err != nil {
		return nil, nil, false
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Struct {
		// by-value structs are copied so the accessor can address them
		cp := reflect.New(rv.Type()).Elem()
		cp.Set(rv)
		rv = cp
	}
	acc, err := property.For(meta, rv)
	if err != nil {
		return nil, nil, false
	}
	return meta, acc, true
}

func read(acc *property.Accessor, p metadata.Property) (any, bool) {
	val, err := acc.GetProperty(p)
	if err != nil || !val.IsValid() || val.IsZero() {
		return nil, false
	}
	return val.Interface(), true
}

func isNilPointer(v any) bool {
	rv := reflect.ValueOf(v)
	return rv.Kind() == reflect.Ptr && rv.IsNil()
}

// Standalone is a Provider without a backing store. Identity and version
// come from metadata, nothing is ever found, and Persist returns its argument.
// It suits pure in-memory disconnect and apply.
type Standalone struct {
	*Introspector
}

// NewStandalone creates a store-less provider
func NewStandalone(resolver *metadata.Resolver) *Standalone {
	return &Standalone{Introspector: NewIntrospector(resolver, nil)}
}

// FindByIdentifier always returns ErrNotFound
func (s *Standalone) FindByIdentifier(ctx context.Context, t reflect.Type, id any) (any, error) {
	return nil, ErrNotFound
}

// Persist returns v unchanged
func (s *Standalone) Persist(ctx context.Context, v any) (any, error) {
	return v, nil
}

// Flush is a no-op
func (s *Standalone) Flush(ctx context.Context) error {
	return nil
}

var _ Provider = (*Standalone)(nil)
