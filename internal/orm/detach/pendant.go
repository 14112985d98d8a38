package detach

import (
	"reflect"
	"sort"

	"github.com/davecgh/go-spew/spew"
)

// pendants finds, for each modified element, the live element it corresponds
// to. Elements with an identifier match by identifier only; the rest match
// by equality. Each live element is claimed at most once and ties go to the
// first unclaimed live element in iteration order.
type pendants struct {
	t       *Traversal
	lives   []reflect.Value
	claimed []bool
	byID    map[any][]int
	byValue map[any][]int
}

func newPendants(t *Traversal, lives []reflect.Value) *pendants {
	p := &pendants{
		t:       t,
		lives:   lives,
		claimed: make([]bool, len(lives)),
		byID:    make(map[any][]int),
		byValue: make(map[any][]int),
	}
	for i, live := range lives {
		live = unwrap(live)
		if isNil(live) {
			continue
		}
		if id, ok := t.identifier(live); ok && indexable(id) {
			p.byID[id] = append(p.byID[id], i)
			continue
		}
		if hashable(live) {
			key := live.Interface()
			p.byValue[key] = append(p.byValue[key], i)
		}
	}
	return p
}

// match returns the pendant of modified and claims it
func (p *pendants) match(modified reflect.Value) (reflect.Value, bool) {
	modified = unwrap(modified)
	if isNil(modified) {
		return reflect.Value{}, false
	}

	if id, ok := p.t.identifier(modified); ok {
		if indexable(id) {
			return p.claimFirst(p.byID[id])
		}
		for i, live := range p.lives {
			if p.claimed[i] {
				continue
			}
			if lid, ok := p.t.identifier(unwrap(live)); ok && reflect.DeepEqual(id, lid) {
				return p.claim(i)
			}
		}
		return reflect.Value{}, false
	}

	if hashable(modified) {
		return p.claimFirst(p.byValue[modified.Interface()])
	}
	for i, live := range p.lives {
		if !p.claimed[i] && equalElements(modified, unwrap(live)) {
			return p.claim(i)
		}
	}
	return reflect.Value{}, false
}

// claimValue claims the live element identical to v, used after a direct
// key lookup found the pendant
func (p *pendants) claimValue(v reflect.Value) {
	for i, live := range p.lives {
		if !p.claimed[i] && sameValue(unwrap(live), v) {
			p.claimed[i] = true
			return
		}
	}
}

func (p *pendants) claimFirst(candidates []int) (reflect.Value, bool) {
	for _, i := range candidates {
		if !p.claimed[i] {
			return p.claim(i)
		}
	}
	return reflect.Value{}, false
}

func (p *pendants) claim(i int) (reflect.Value, bool) {
	p.claimed[i] = true
	return p.lives[i], true
}

// equalElements reports whether two elements without identifier are equal:
// an Equal method when the type declares one, == for comparable values and
// deep equality otherwise
func equalElements(a, b reflect.Value) bool {
	if !a.IsValid() || !b.IsValid() || a.Type() != b.Type() {
		return false
	}
	if sameValue(a, b) {
		return true
	}
	if m := a.MethodByName("Equal"); m.IsValid() {
		mt := m.Type()
		if mt.NumIn() == 1 && mt.In(0) == b.Type() && mt.NumOut() == 1 && mt.Out(0).Kind() == reflect.Bool {
			return m.Call([]reflect.Value{b})[0].Bool()
		}
	}
	if a.Kind() != reflect.Ptr && a.Comparable() && b.Comparable() {
		return a.Equal(b)
	}
	if !a.CanInterface() || !b.CanInterface() {
		return false
	}
	return reflect.DeepEqual(a.Interface(), b.Interface())
}

// hashable reports whether v can key the equality index: comparable values
// that are neither pointers nor interfaces and whose type has no Equal method
func hashable(v reflect.Value) bool {
	t := v.Type()
	if !t.Comparable() || !v.CanInterface() || !v.Comparable() {
		return false
	}
	switch t.Kind() {
	case reflect.Ptr, reflect.Interface, reflect.Chan, reflect.UnsafePointer:
		return false
	case reflect.Struct, reflect.Array:
		if _, ok := t.MethodByName("Equal"); ok {
			return false
		}
		return !containsFloatNaN(v)
	case reflect.Float32, reflect.Float64:
		return v.Float() == v.Float()
	}
	return true
}

// containsFloatNaN guards the index against NaN keys that never match
func containsFloatNaN(v reflect.Value) bool {
	switch v.Kind() {
	case reflect.Float32, reflect.Float64:
		f := v.Float()
		return f != f
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			if containsFloatNaN(v.Field(i)) {
				return true
			}
		}
	case reflect.Array:
		for i := 0; i < v.Len(); i++ {
			if containsFloatNaN(v.Index(i)) {
				return true
			}
		}
	}
	return false
}

func indexable(v any) bool {
	return v != nil && reflect.TypeOf(v).Comparable()
}

// sameValue reports whether a and b hold the same value: identical
// references for pointer-like kinds, element-wise for sequences
func sameValue(a, b reflect.Value) bool {
	a, b = unwrap(a), unwrap(b)
	if !a.IsValid() || !b.IsValid() {
		return isNil(a) && isNil(b)
	}
	if a.Type() != b.Type() {
		return false
	}
	switch a.Kind() {
	case reflect.Ptr, reflect.Map, reflect.Chan, reflect.Func, reflect.UnsafePointer:
		return a.Pointer() == b.Pointer()
	case reflect.Slice:
		if a.IsNil() != b.IsNil() || a.Len() != b.Len() {
			return false
		}
		for i := 0; i < a.Len(); i++ {
			if !sameValue(a.Index(i), b.Index(i)) {
				return false
			}
		}
		return true
	case reflect.Array:
		for i := 0; i < a.Len(); i++ {
			if !sameValue(a.Index(i), b.Index(i)) {
				return false
			}
		}
		return true
	case reflect.Struct:
		if !a.CanInterface() || !b.CanInterface() {
			return false
		}
		return reflect.DeepEqual(a.Interface(), b.Interface())
	}
	if a.Comparable() && b.Comparable() {
		return a.Equal(b)
	}
	return false
}

// keyFormat renders keys without addresses so pointer keys sort the same way
// on every run
var keyFormat = spew.ConfigState{
	Indent:                  " ",
	DisablePointerAddresses: true,
	DisableCapacities:       true,
	DisableMethods:          true,
	SortKeys:                true,
}

// sortedKeys returns the keys of a map in a stable order. Entity keys come
// first, ordered by their identifier; the remaining keys order by value.
func sortedKeys(t *Traversal, m reflect.Value) []reflect.Value {
	keys := m.MapKeys()
	ids := make([]reflect.Value, len(keys))
	if t != nil {
		for i, k := range keys {
			if id, ok := t.identifier(unwrap(k)); ok && id != nil {
				ids[i] = reflect.ValueOf(id)
			}
		}
	}
	order := make([]int, len(keys))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(i, j int) bool {
		a, b := ids[order[i]], ids[order[j]]
		switch {
		case a.IsValid() && !b.IsValid():
			return true
		case !a.IsValid() && b.IsValid():
			return false
		case a.IsValid() && (keyLess(a, b) || keyLess(b, a)):
			return keyLess(a, b)
		}
		return keyLess(keys[order[i]], keys[order[j]])
	})
	out := make([]reflect.Value, len(keys))
	for i, k := range order {
		out[i] = keys[k]
	}
	return out
}

func keyLess(a, b reflect.Value) bool {
	a, b = unwrap(a), unwrap(b)
	if a.IsValid() && b.IsValid() && a.Kind() == b.Kind() {
		switch a.Kind() {
		case reflect.String:
			return a.String() < b.String()
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			return a.Int() < b.Int()
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
			return a.Uint() < b.Uint()
		case reflect.Float32, reflect.Float64:
			return a.Float() < b.Float()
		case reflect.Bool:
			return !a.Bool() && b.Bool()
		}
	}
	return keyString(a) < keyString(b)
}

func keyString(v reflect.Value) string {
	if !v.IsValid() {
		return ""
	}
	if v.CanInterface() {
		return keyFormat.Sdump(v.Interface())
	}
	return v.Type().String()
}
