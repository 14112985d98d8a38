// Package ormerr defines the error taxonomy shared by the detach engine,
// the metadata resolver and the provider adapters.
//
// Every failure raised by a disconnect or apply belongs to exactly one Kind.
// Callers branch with errors.Is against the sentinels or with KindOf, never
// by matching error strings.
package ormerr

import (
	"errors"
	"fmt"
	"reflect"
)

// Kind classifies an error raised by the engine
type Kind int

const (
	// KindUnknown is any error that is not part of the taxonomy (provider I/O, context cancellation)
	KindUnknown Kind = iota
	// KindIdentity covers missing identifiers and identifiers with no live object
	KindIdentity
	// KindVersion covers optimistic-lock mismatches
	KindVersion
	// KindLazyContent covers writes to content that was never loaded
	KindLazyContent
	// KindShape covers non-instantiable types and unknown properties
	KindShape
)

// String returns the string representation of the kind
func (k Kind) String() string {
	switch k {
	case KindIdentity:
		return "identity"
	case KindVersion:
		return "version"
	case KindLazyContent:
		return "lazy_content"
	case KindShape:
		return "shape"
	default:
		return "unknown"
	}
}

var (
	// ErrIdentity is matched by every *IdentityError
	ErrIdentity = errors.New("identity error")

	// ErrStaleVersion is matched by every *VersionError
	ErrStaleVersion = errors.New("stale version")

	// ErrLazyContent is matched by every *LazyContentError
	ErrLazyContent = errors.New("lazy content touched without being loaded")

	// ErrShape is matched by every *ShapeError
	ErrShape = errors.New("shape error")

	// ErrNoSuchProperty is returned when a property name is not part of a type's metadata
	ErrNoSuchProperty = &ShapeError{Reason: "no such property"}
)

// IdentityReason tells apart the identity failures
type IdentityReason int

const (
	// IdentityMissing means the object carries no usable identifier
	IdentityMissing IdentityReason = iota
	// IdentityNotFound means no live object exists for the identifier
	IdentityNotFound
	// IdentityMismatch means modified and live objects assert different identifiers
	IdentityMismatch
)

// String returns the string representation of the reason
func (r IdentityReason) String() string {
	switch r {
	case IdentityMissing:
		return "missing identifier"
	case IdentityNotFound:
		return "not found"
	case IdentityMismatch:
		return "identifier mismatch"
	default:
		return "unknown"
	}
}

// IdentityError reports a referenced managed object without a valid identifier
// or without a live counterpart
type IdentityError struct {
	Type   reflect.Type
	ID     any
	Reason IdentityReason
}

// Error implements the error interface
func (e *IdentityError) Error() string {
	if e.Reason == IdentityMissing {
		return fmt.Sprintf("%s: %s has no identifier", ErrIdentity, typeName(e.Type))
	}
	return fmt.Sprintf("%s: %s with id %v: %s", ErrIdentity, typeName(e.Type), e.ID, e.Reason)
}

// Is reports whether target is ErrIdentity
func (e *IdentityError) Is(target error) bool {
	return target == ErrIdentity
}

// VersionError reports an optimistic-lock mismatch between a modified object and
// its live counterpart
type VersionError struct {
	Type     reflect.Type
	ID       any
	Expected any // version carried by the modified object
	Actual   any // version of the live object
}

// Error implements the error interface
func (e *VersionError) Error() string {
	return fmt.Sprintf("%s: %s with id %v: expected version %v, live version is %v",
		ErrStaleVersion, typeName(e.Type), e.ID, e.Expected, e.Actual)
}

// Is reports whether target is ErrStaleVersion
func (e *VersionError) Is(target error) bool {
	return target == ErrStaleVersion
}

// LazyContentError reports a populated value for content whose live side was
// never loaded
type LazyContentError struct {
	Type     reflect.Type
	Property string
}

// Error implements the error interface
func (e *LazyContentError) Error() string {
	if e.Property == "" {
		return fmt.Sprintf("%s: %s", ErrLazyContent, typeName(e.Type))
	}
	return fmt.Sprintf("%s: %s.%s", ErrLazyContent, typeName(e.Type), e.Property)
}

// Is reports whether target is ErrLazyContent
func (e *LazyContentError) Is(target error) bool {
	return target == ErrLazyContent
}

// ShapeError reports a type that cannot be instantiated or traversed, or a
// property that does not exist
type ShapeError struct {
	Type     reflect.Type
	Property string
	Reason   string
}

// Error implements the error interface
func (e *ShapeError) Error() string {
	switch {
	case e.Type == nil:
		return fmt.Sprintf("%s: %s", ErrShape, e.Reason)
	case e.Property != "":
		return fmt.Sprintf("%s: %s.%s: %s", ErrShape, typeName(e.Type), e.Property, e.Reason)
	default:
		return fmt.Sprintf("%s: %s: %s", ErrShape, typeName(e.Type), e.Reason)
	}
}

// Is reports whether target is ErrShape, or ErrNoSuchProperty for a missing property
func (e *ShapeError) Is(target error) bool {
	if target == ErrShape {
		return true
	}
	if target == ErrNoSuchProperty {
		return e.Reason == ErrNoSuchProperty.Reason
	}
	return false
}

// NoSuchProperty builds the error returned for an unknown property name
func NoSuchProperty(t reflect.Type, name string) error {
	return &ShapeError{Type: t, Property: name, Reason: ErrNoSuchProperty.Reason}
}

// KindOf classifies err
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return KindUnknown
	case errors.Is(err, ErrIdentity):
		return KindIdentity
	case errors.Is(err, ErrStaleVersion):
		return KindVersion
	case errors.Is(err, ErrLazyContent):
		return KindLazyContent
	case errors.Is(err, ErrShape):
		return KindShape
	default:
		return KindUnknown
	}
}

// IsIdentity returns true if err is an identity error
func IsIdentity(err error) bool {
	return errors.Is(err, ErrIdentity)
}

// IsNotFound returns true if err reports an identifier with no live object
func IsNotFound(err error) bool {
	var idErr *IdentityError
	return errors.As(err, &idErr) && idErr.Reason == IdentityNotFound
}

// IsStaleVersion returns true if err is an optimistic-lock mismatch
func IsStaleVersion(err error) bool {
	return errors.Is(err, ErrStaleVersion)
}

// IsLazyContent returns true if err reports unloaded content being written
func IsLazyContent(err error) bool {
	return errors.Is(err, ErrLazyContent)
}

// IsShape returns true if err is a shape error
func IsShape(err error) bool {
	return errors.Is(err, ErrShape)
}

func typeName(t reflect.Type) string {
	if t == nil {
		return "<nil>"
	}
	return t.String()
}
