package metadata

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"unicode"

	"golang.org/x/sync/singleflight"

	"github.com/conduit-lang/detach/internal/orm/ormerr"
)

// TagName is the struct tag key read by the resolver
const TagName = "orm"

var errorType = reflect.TypeFor[error]()

// Resolver derives and caches Object metadata per type
type Resolver struct {
	cache sync.Map // reflect.Type -> *Object
	group singleflight.Group
}

// NewResolver creates a new metadata resolver with an empty cache
func NewResolver() *Resolver {
	return &Resolver{}
}

var defaultResolver = NewResolver()

// Default returns the process-wide resolver
func Default() *Resolver {
	return defaultResolver
}

// Resolve returns the metadata for t. Pointer types resolve to their struct
// element. The result is derived on first use and cached.
func (r *Resolver) Resolve(t reflect.Type) (*Object, error) {
	t = structType(t)
	if t == nil || t.Kind() != reflect.Struct {
		return nil, &ormerr.ShapeError{Type: t, Reason: "metadata requires a struct type"}
	}

	if obj, ok := r.cache.Load(t); ok {
		return obj.(*Object), nil
	}

	// keyed by type address: distinct anonymous structs may share a String()
	key := strconv.FormatUint(uint64(reflect.ValueOf(t).Pointer()), 16)
	v, err, _ := r.group.Do(key, func() (interface{}, error) {
		if obj, ok := r.cache.Load(t); ok {
			return obj, nil
		}
		obj, err := derive(t)
		if err != nil {
			return nil, err
		}
		actual, _ := r.cache.LoadOrStore(t, obj)
		return actual, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Object), nil
}

// MustResolve is Resolve for setup code where the type is known to be valid
func (r *Resolver) MustResolve(t reflect.Type) *Object {
	obj, err := r.Resolve(t)
	if err != nil {
		panic(err)
	}
	return obj
}

// Publish replaces the cached metadata of a type, typically with the result of
// WithProperties or WithoutProperty. Intended for setup code.
func (r *Resolver) Publish(obj *Object) {
	r.cache.Store(obj.typ, obj)
}

// Forget drops the cached metadata of a type
func (r *Resolver) Forget(t reflect.Type) {
	if t = structType(t); t != nil {
		r.cache.Delete(t)
	}
}

func structType(t reflect.Type) reflect.Type {
	for t != nil && t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return t
}

// tagInfo is the parsed form of one `orm` tag
type tagInfo struct {
	skip       bool
	identifier bool
	assigned   bool
	version    bool
	access     *AccessMode
	options    map[string]string
}

func parseTag(tag string) (tagInfo, error) {
	info := tagInfo{options: map[string]string{}}
	if tag == "" {
		return info, nil
	}
	if tag == "-" {
		info.skip = true
		return info, nil
	}

	for _, part := range strings.Split(tag, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, value, hasValue := strings.Cut(part, "=")
		if !hasValue {
			switch key {
			case "id":
				info.identifier = true
			case "assigned":
				info.assigned = true
			case "version":
				info.version = true
			case "-":
				info.skip = true
			default:
				return info, fmt.Errorf("unknown tag flag %q", key)
			}
			continue
		}
		if key == "access" {
			mode, ok := ParseAccessMode(value)
			if !ok {
				return info, fmt.Errorf("unknown access mode %q", value)
			}
			info.access = &mode
			continue
		}
		info.options[key] = value
	}
	return info, nil
}

type candidate struct {
	field reflect.StructField
	tag   tagInfo
}

func derive(t reflect.Type) (*Object, error) {
	ptr := reflect.PointerTo(t)

	var candidates []candidate
	tagged := false
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		info, err := parseTag(f.Tag.Get(TagName))
		if err != nil {
			return nil, &ormerr.ShapeError{Type: t, Property: f.Name, Reason: err.Error()}
		}
		if info.skip || f.Name == "_" {
			continue
		}
		if info.identifier {
			tagged = true
		}
		candidates = append(candidates, candidate{field: f, tag: info})
	}

	// ID is the identifier unless another field is tagged
	if !tagged {
		for i := range candidates {
			if candidates[i].field.Name == "ID" {
				candidates[i].tag.identifier = true
				break
			}
		}
	}

	// The type-level mode follows the identifier property
	mode := AccessField
	for _, c := range candidates {
		if !c.tag.identifier {
			continue
		}
		switch {
		case c.tag.access != nil:
			mode = *c.tag.access
		case !c.field.IsExported():
			mode = AccessAccessor
		}
		break
	}

	props := make([]Property, 0, len(candidates))
	for _, c := range candidates {
		p, ok, err := buildProperty(t, ptr, c, mode)
		if err != nil {
			return nil, err
		}
		if ok {
			props = append(props, p)
		}
	}

	return newObject(t, mode, props), nil
}

func buildProperty(t, ptr reflect.Type, c candidate, typeMode AccessMode) (Property, bool, error) {
	f := c.field
	p := Property{
		Name:       f.Name,
		Type:       f.Type,
		Index:      f.Index,
		Exported:   f.IsExported(),
		Identifier: c.tag.identifier,
		Assigned:   c.tag.assigned,
		Version:    c.tag.version,
		options:    c.tag.options,
	}
	p.Getter = findGetter(ptr, f)
	p.Setter, p.SetterError = findSetter(ptr, f)

	switch {
	case c.tag.access != nil:
		p.Mode = *c.tag.access
		if p.Mode == AccessAccessor && p.Getter == "" && p.Setter == "" {
			return p, false, &ormerr.ShapeError{Type: t, Property: f.Name, Reason: "access=accessor without getter or setter"}
		}
		if p.Mode == AccessField && !p.Exported {
			return p, false, &ormerr.ShapeError{Type: t, Property: f.Name, Reason: "access=field on unexported field"}
		}
	case typeMode == AccessAccessor && (p.Getter != "" || p.Setter != ""):
		p.Mode = AccessAccessor
	case p.Exported:
		p.Mode = AccessField
	case p.Getter != "" || p.Setter != "":
		p.Mode = AccessAccessor
	default:
		// unexported and no accessors: not part of the observable state
		return p, false, nil
	}
	return p, true, nil
}

func getterNames(name string) []string {
	up := upperFirst(name)
	names := []string{"Get" + up, "Get" + strings.ToUpper(name)}
	if !isExportedName(name) {
		names = append([]string{up, strings.ToUpper(name)}, names...)
	}
	return names
}

func setterNames(name string) []string {
	return []string{"Set" + upperFirst(name), "Set" + strings.ToUpper(name)}
}

func findGetter(ptr reflect.Type, f reflect.StructField) string {
	for _, name := range getterNames(f.Name) {
		m, ok := ptr.MethodByName(name)
		if !ok {
			continue
		}
		// receiver plus no arguments, one result of the field type
		if m.Type.NumIn() == 1 && m.Type.NumOut() == 1 && m.Type.Out(0) == f.Type {
			return name
		}
	}
	return ""
}

func findSetter(ptr reflect.Type, f reflect.StructField) (string, bool) {
	for _, name := range setterNames(f.Name) {
		m, ok := ptr.MethodByName(name)
		if !ok || m.Type.NumIn() != 2 || m.Type.In(1) != f.Type {
			continue
		}
		switch {
		case m.Type.NumOut() == 0:
			return name, false
		case m.Type.NumOut() == 1 && m.Type.Out(0) == errorType:
			return name, true
		}
	}
	return "", false
}

func upperFirst(s string) string {
	if s == "" {
		return s
	}
	r := []rune(s)
	r[0] = unicode.ToUpper(r[0])
	return string(r)
}

func isExportedName(s string) bool {
	for _, r := range s {
		return unicode.IsUpper(r)
	}
	return false
}
