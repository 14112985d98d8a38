package store

import (
	"reflect"
	"strings"
	"unicode"

	"github.com/conduit-lang/detach/internal/orm/lazy"
	"github.com/conduit-lang/detach/internal/orm/metadata"
	"github.com/conduit-lang/detach/internal/orm/ormerr"
)

// TableNamer lets an entity choose its table name
type TableNamer interface {
	TableName() string
}

var (
	collectionType = reflect.TypeFor[lazy.Collection]()
	tableNamerType = reflect.TypeFor[TableNamer]()
)

type fieldKind int

const (
	kindScalar fieldKind = iota
	kindReference
	kindCollection
)

// field binds one property to its storage
type field struct {
	prop   metadata.Property
	kind   fieldKind
	column string
	// target is the referenced or contained entity struct type
	target reflect.Type
	// mappedBy names the property of the target that references the owner
	mappedBy string
}

// mapping is the storage layout of one entity type
type mapping struct {
	typ     reflect.Type
	meta    *metadata.Object
	table   Table
	id      field
	version *field
	scalars []field // includes id and version
	refs    []field
	lists   []field
}

func (m *mapping) ref(prop string) (field, bool) {
	for _, f := range m.refs {
		if f.prop.Name == prop {
			return f, true
		}
	}
	return field{}, false
}

// buildMapping derives the layout of t. entities reports whether a struct
// type is a registered entity, which decides between reference columns and
// embedded JSON values.
func buildMapping(resolver *metadata.Resolver, meta *metadata.Object, entities func(reflect.Type) bool) (*mapping, error) {
	t := meta.Type()
	idp, ok := meta.Identifier()
	if !ok {
		return nil, &ormerr.ShapeError{Type: t, Reason: "entity needs an identifier property"}
	}

	m := &mapping{
		typ:  t,
		meta: meta,
		table: Table{
			Name:      tableName(t),
			Generated: !idp.Assigned,
		},
	}

	for _, p := range meta.Properties() {
		if !p.Readable() || !p.Writable() {
			continue
		}
		f := field{prop: p, column: columnName(p)}

		switch {
		case isEntityPointer(p.Type, entities):
			f.kind = kindReference
			f.target = p.Type.Elem()
			if _, ok := p.Option("column"); !ok {
				f.column += "_id"
			}
			m.refs = append(m.refs, f)
			m.table.Columns = append(m.table.Columns, Column{
				Name:      f.column,
				Type:      identifierType(resolver, f.target),
				Reference: true,
				Nullable:  true,
			})
			continue

		case p.Type.Kind() == reflect.Ptr && p.Type.Implements(collectionType):
			elem := collectionElem(p.Type)
			if !isEntityPointer(elem, entities) {
				return nil, &ormerr.ShapeError{Type: t, Property: p.Name, Reason: "lazy lists must hold registered entities"}
			}
			mappedBy, ok := p.Option("mapped_by")
			if !ok {
				return nil, &ormerr.ShapeError{Type: t, Property: p.Name, Reason: "collection of entities needs mapped_by"}
			}
			f.kind = kindCollection
			f.target = elem.Elem()
			f.mappedBy = mappedBy
			m.lists = append(m.lists, f)
			continue

		case containsEntity(p.Type, entities):
			return nil, &ormerr.ShapeError{Type: t, Property: p.Name, Reason: "to-many associations must be lazy lists"}
		}

		if p.Version && !isInteger(p.Type) {
			return nil, &ormerr.ShapeError{Type: t, Property: p.Name, Reason: "version must be an integer"}
		}
		f.kind = kindScalar
		m.scalars = append(m.scalars, f)
		m.table.Columns = append(m.table.Columns, Column{
			Name:     f.column,
			Type:     encodedType(p.Type),
			Nullable: !p.Identifier && nullable(p.Type),
		})
		switch {
		case p.Identifier:
			m.id = f
			m.table.ID = f.column
		case p.Version:
			v := f
			m.version = &v
			m.table.Version = f.column
		}
	}

	if m.table.ID == "" {
		return nil, &ormerr.ShapeError{Type: t, Property: idp.Name, Reason: "identifier is not accessible"}
	}
	if m.table.Generated && !isInteger(idp.Type) {
		return nil, &ormerr.ShapeError{Type: t, Property: idp.Name, Reason: "generated identifiers must be integers; tag others as assigned"}
	}
	return m, nil
}

func tableName(t reflect.Type) string {
	if reflect.PointerTo(t).Implements(tableNamerType) {
		return reflect.New(t).Interface().(TableNamer).TableName()
	}
	return snakeCase(t.Name())
}

func columnName(p metadata.Property) string {
	if name, ok := p.Option("column"); ok && name != "" {
		return name
	}
	return snakeCase(p.Name)
}

func isEntityPointer(t reflect.Type, entities func(reflect.Type) bool) bool {
	return t.Kind() == reflect.Ptr && t.Elem().Kind() == reflect.Struct && entities(t.Elem())
}

// containsEntity reports whether a slice, array or map holds entity pointers
func containsEntity(t reflect.Type, entities func(reflect.Type) bool) bool {
	switch t.Kind() {
	case reflect.Slice, reflect.Array, reflect.Map:
		return isEntityPointer(t.Elem(), entities) || containsEntity(t.Elem(), entities)
	}
	return false
}

// collectionElem returns the element type of a lazy collection type
func collectionElem(t reflect.Type) reflect.Type {
	c := reflect.New(t.Elem()).Interface().(lazy.Collection)
	return reflect.TypeOf(c.Slice()).Elem()
}

func identifierType(resolver *metadata.Resolver, t reflect.Type) reflect.Type {
	meta, err := resolver.Resolve(t)
	if err != nil {
		return reflect.TypeFor[int64]()
	}
	if p, ok := meta.Identifier(); ok {
		return encodedType(p.Type)
	}
	return reflect.TypeFor[int64]()
}

func isInteger(t reflect.Type) bool {
	switch t.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return true
	}
	return false
}

func nullable(t reflect.Type) bool {
	switch t.Kind() {
	case reflect.Ptr, reflect.Map, reflect.Slice, reflect.Interface:
		return true
	}
	return false
}

// snakeCase converts a Go identifier to a column name: OrderLine becomes
// order_line and CustomerID becomes customer_id
func snakeCase(s string) string {
	runes := []rune(s)
	var b strings.Builder
	for i, r := range runes {
		if unicode.IsUpper(r) {
			if i > 0 {
				prev := runes[i-1]
				nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
				if unicode.IsLower(prev) || unicode.IsDigit(prev) || (unicode.IsUpper(prev) && nextLower) {
					b.WriteByte('_')
				}
			}
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
