// Package metadata derives, once per Go type, the set of properties that make
// up an object's semantic state and how each of them must be accessed.
//
// Metadata is driven by the `orm` struct tag:
//
//	type Post struct {
//		ID      int64  `orm:"id"`
//		Version int64  `orm:"version"`
//		Title   string
//		Draft   string `orm:"-"`
//		slug    string `orm:",access=accessor"`
//	}
//
// A published *Object is immutable and safe to share between goroutines.
package metadata

import (
	"reflect"
	"sort"
)

// AccessMode selects how a property is read and written
type AccessMode int

const (
	// AccessField reads and writes the struct field directly
	AccessField AccessMode = iota
	// AccessAccessor goes through getter and setter methods
	AccessAccessor
)

// String returns the string representation of the access mode
func (m AccessMode) String() string {
	switch m {
	case AccessField:
		return "field"
	case AccessAccessor:
		return "accessor"
	default:
		return "unknown"
	}
}

// ParseAccessMode converts a string to an AccessMode
func ParseAccessMode(s string) (AccessMode, bool) {
	switch s {
	case "field":
		return AccessField, true
	case "accessor":
		return AccessAccessor, true
	default:
		return 0, false
	}
}

// Property describes one significant property of a struct type
type Property struct {
	Name string
	Type reflect.Type
	Mode AccessMode

	// Index is the struct field index, usable with reflect.Value.FieldByIndex
	Index    []int
	Exported bool

	// Accessor methods on the pointer receiver, empty when absent
	Getter      string
	Setter      string
	SetterError bool // setter returns an error

	Identifier bool
	Assigned   bool // identifier is supplied by the caller, not generated
	Version    bool

	options map[string]string
}

// Readable reports whether the property can be read under its access mode
func (p Property) Readable() bool {
	if p.Mode == AccessAccessor {
		return p.Getter != ""
	}
	return p.Exported
}

// Writable reports whether the property can be written under its access mode
func (p Property) Writable() bool {
	if p.Mode == AccessAccessor {
		return p.Setter != ""
	}
	return p.Exported
}

// Option returns a tag option such as column or mapped_by
func (p Property) Option(key string) (string, bool) {
	v, ok := p.options[key]
	return v, ok
}

// Object is the immutable metadata of one struct type
type Object struct {
	typ     reflect.Type
	mode    AccessMode
	props   []Property
	index   map[string]int
	id      int
	version int
}

func newObject(typ reflect.Type, mode AccessMode, props []Property) *Object {
	obj := &Object{
		typ:     typ,
		mode:    mode,
		props:   props,
		index:   make(map[string]int, len(props)),
		id:      -1,
		version: -1,
	}
	for i, p := range props {
		obj.index[p.Name] = i
		if p.Identifier && obj.id < 0 {
			obj.id = i
		}
		if p.Version && obj.version < 0 {
			obj.version = i
		}
	}
	return obj
}

// Type returns the struct type described by the metadata
func (o *Object) Type() reflect.Type {
	return o.typ
}

// DefaultMode returns the type-level access mode
func (o *Object) DefaultMode() AccessMode {
	return o.mode
}

// Len returns the number of properties
func (o *Object) Len() int {
	return len(o.props)
}

// Properties returns a copy of the properties in declaration order
func (o *Object) Properties() []Property {
	out := make([]Property, len(o.props))
	copy(out, o.props)
	return out
}

// Names returns the property names in declaration order
func (o *Object) Names() []string {
	names := make([]string, len(o.props))
	for i, p := range o.props {
		names[i] = p.Name
	}
	return names
}

// Property looks up a property by name
func (o *Object) Property(name string) (Property, bool) {
	i, ok := o.index[name]
	if !ok {
		return Property{}, false
	}
	return o.props[i], true
}

// HasProperty returns true if the type declares the named property
func (o *Object) HasProperty(name string) bool {
	_, ok := o.index[name]
	return ok
}

// Identifier returns the identifier property
func (o *Object) Identifier() (Property, bool) {
	if o.id < 0 {
		return Property{}, false
	}
	return o.props[o.id], true
}

// Version returns the optimistic-lock version property
func (o *Object) Version() (Property, bool) {
	if o.version < 0 {
		return Property{}, false
	}
	return o.props[o.version], true
}

// Versioned returns true if the type carries a version property
func (o *Object) Versioned() bool {
	return o.version >= 0
}

// Opaque reports whether the type exposes no state: no identifier and no
// property that is both readable and writable. Values of opaque types such
// as big.Int or netip.Addr can only be handled as a whole.
func (o *Object) Opaque() bool {
	if o.id >= 0 {
		return false
	}
	for _, p := range o.props {
		if p.Readable() && p.Writable() {
			return false
		}
	}
	return true
}

// WithProperties returns a new Object with the given properties added, or
// replacing properties of the same name. The receiver is not modified.
func (o *Object) WithProperties(props ...Property) *Object {
	merged := o.Properties()
	for _, p := range props {
		if i, ok := o.index[p.Name]; ok {
			merged[i] = p
			continue
		}
		merged = append(merged, p)
	}
	return newObject(o.typ, o.mode, merged)
}

// WithoutProperty returns a new Object without the named property.
// The receiver is not modified.
func (o *Object) WithoutProperty(name string) *Object {
	if !o.HasProperty(name) {
		return o
	}
	kept := make([]Property, 0, len(o.props)-1)
	for _, p := range o.props {
		if p.Name != name {
			kept = append(kept, p)
		}
	}
	return newObject(o.typ, o.mode, kept)
}

// SortedNames returns the property names in lexical order
func (o *Object) SortedNames() []string {
	names := o.Names()
	sort.Strings(names)
	return names
}
