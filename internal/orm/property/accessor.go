// Package property reads and writes named properties of a struct through the
// strategy chosen by its metadata: direct field access or accessor methods.
package property

import (
	"fmt"
	"reflect"

	"github.com/conduit-lang/detach/internal/orm/metadata"
	"github.com/conduit-lang/detach/internal/orm/ormerr"
)

// Accessor binds a struct instance to its metadata
type Accessor struct {
	meta   *metadata.Object
	target reflect.Value // addressable struct
}

// For binds v, a pointer to a struct or an addressable struct value, to meta
func For(meta *metadata.Object, v reflect.Value) (*Accessor, error) {
	if v.Kind() == reflect.Ptr {
		if v.IsNil() {
			return nil, &ormerr.ShapeError{Type: v.Type(), Reason: "nil pointer has no properties"}
		}
		v = v.Elem()
	}
	if v.Kind() != reflect.Struct {
		return nil, &ormerr.ShapeError{Type: v.Type(), Reason: "not a struct"}
	}
	if v.Type() != meta.Type() {
		return nil, &ormerr.ShapeError{Type: v.Type(), Reason: fmt.Sprintf("metadata describes %s", meta.Type())}
	}
	if !v.CanAddr() {
		return nil, &ormerr.ShapeError{Type: v.Type(), Reason: "struct value is not addressable"}
	}
	return &Accessor{meta: meta, target: v}, nil
}

// Metadata returns the bound metadata
func (a *Accessor) Metadata() *metadata.Object {
	return a.meta
}

// IsReadable returns true if the named property is declared and readable
func (a *Accessor) IsReadable(name string) bool {
	p, ok := a.meta.Property(name)
	return ok && p.Readable()
}

// IsWritable returns true if the named property is declared and writable
func (a *Accessor) IsWritable(name string) bool {
	p, ok := a.meta.Property(name)
	return ok && p.Writable()
}

// Get reads the named property
func (a *Accessor) Get(name string) (reflect.Value, error) {
	p, ok := a.meta.Property(name)
	if !ok {
		return reflect.Value{}, ormerr.NoSuchProperty(a.meta.Type(), name)
	}
	return a.get(p)
}

// Set writes the named property. value must be assignable to the property type;
// an invalid value writes the zero value.
func (a *Accessor) Set(name string, value reflect.Value) error {
	p, ok := a.meta.Property(name)
	if !ok {
		return ormerr.NoSuchProperty(a.meta.Type(), name)
	}
	return a.set(p, value)
}

// GetProperty reads p, which must belong to the bound metadata
func (a *Accessor) GetProperty(p metadata.Property) (reflect.Value, error) {
	return a.get(p)
}

// SetProperty writes p, which must belong to the bound metadata
func (a *Accessor) SetProperty(p metadata.Property, value reflect.Value) error {
	return a.set(p, value)
}

func (a *Accessor) get(p metadata.Property) (reflect.Value, error) {
	if !p.Readable() {
		return reflect.Value{}, &ormerr.ShapeError{Type: a.meta.Type(), Property: p.Name, Reason: "property is not readable"}
	}
	if p.Mode == metadata.AccessAccessor {
		out := a.target.Addr().MethodByName(p.Getter).Call(nil)
		return out[0], nil
	}
	return a.target.FieldByIndex(p.Index), nil
}

func (a *Accessor) set(p metadata.Property, value reflect.Value) error {
	if !p.Writable() {
		return &ormerr.ShapeError{Type: a.meta.Type(), Property: p.Name, Reason: "property is not writable"}
	}
	value, err := assignable(p, value)
	if err != nil {
		return &ormerr.ShapeError{Type: a.meta.Type(), Property: p.Name, Reason: err.Error()}
	}

	if p.Mode == metadata.AccessAccessor {
		out := a.target.Addr().MethodByName(p.Setter).Call([]reflect.Value{value})
		if p.SetterError && !out[0].IsNil() {
			return fmt.Errorf("%s.%s: %w", a.meta.Type(), p.Name, out[0].Interface().(error))
		}
		return nil
	}
	a.target.FieldByIndex(p.Index).Set(value)
	return nil
}

func assignable(p metadata.Property, value reflect.Value) (reflect.Value, error) {
	if !value.IsValid() {
		return reflect.Zero(p.Type), nil
	}
	if value.Type().AssignableTo(p.Type) {
		return value, nil
	}
	// an interface-wrapped value taken out of a container
	if value.Kind() == reflect.Interface && !value.IsNil() && value.Elem().Type().AssignableTo(p.Type) {
		return value.Elem(), nil
	}
	return reflect.Value{}, fmt.Errorf("cannot assign %s to %s", value.Type(), p.Type)
}
