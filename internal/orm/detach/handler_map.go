package detach

import (
	"fmt"
	"reflect"
)

// MapHandler reconciles maps key by key. Keys find their pendants by direct
// lookup first and by identifier or equality otherwise; the live value of a
// matched key is reconciled in place.
type MapHandler struct{}

func (h *MapHandler) Name() string { return "map" }

func (h *MapHandler) Types() []reflect.Type { return nil }

func (h *MapHandler) Accepts(t reflect.Type) bool {
	return t.Kind() == reflect.Map
}

func (h *MapHandler) CreateObject(sample reflect.Value) (reflect.Value, error) {
	return reflect.MakeMap(sample.Type()), nil
}

func (h *MapHandler) Disconnect(t *Traversal, managed reflect.Value) (reflect.Value, error) {
	if out, ok := t.adj.lookup(dirDisconnect, managed); ok {
		return out, nil
	}
	typ := managed.Type()
	shell := reflect.MakeMapWithSize(typ, managed.Len())
	t.adj.register(dirDisconnect, managed, shell)

	for _, k := range sortedKeys(t, managed) {
		leave := t.enter(keySegment(k))
		dk, err := t.Disconnect(k)
		if err != nil {
			leave()
			return reflect.Value{}, err
		}
		dv, err := t.Disconnect(managed.MapIndex(k))
		leave()
		if err != nil {
			return reflect.Value{}, err
		}
		shell.SetMapIndex(orZero(dk, typ.Key()), orZero(dv, typ.Elem()))
	}
	return shell, nil
}

type entry struct {
	key, value reflect.Value
}

func (h *MapHandler) Apply(t *Traversal, modified, managed reflect.Value) (reflect.Value, error) {
	if out, ok := t.adj.lookup(dirApply, modified); ok {
		return out, nil
	}
	t.adj.register(dirApply, modified, managed)

	typ := managed.Type()
	keys := newPendants(t, sortedKeys(t, managed))
	entries := make([]entry, 0, modified.Len())
	for _, mk := range sortedKeys(t, modified) {
		leave := t.enter(keySegment(mk))
		e, err := h.reconcileEntry(t, keys, mk, modified.MapIndex(mk), managed)
		leave()
		if err != nil {
			return reflect.Value{}, err
		}
		entries = append(entries, e)
	}

	t.Defer(func() (func(), error) {
		prev := copyMap(managed)
		managed.Clear()
		for _, e := range entries {
			managed.SetMapIndex(orZero(e.key, typ.Key()), orZero(e.value, typ.Elem()))
		}
		return func() { restoreMap(managed, prev) }, nil
	})
	return managed, nil
}

func (h *MapHandler) reconcileEntry(t *Traversal, keys *pendants, mk, mv, managed reflect.Value) (entry, error) {
	var liveKey reflect.Value
	if lv := managed.MapIndex(mk); lv.IsValid() {
		liveKey = mk
		keys.claimValue(mk)
	} else if pendant, ok := keys.match(mk); ok {
		liveKey = pendant
	}

	var (
		rk  reflect.Value
		err error
	)
	if liveKey.IsValid() {
		rk, err = t.Apply(mk, liveKey)
	} else {
		rk, err = t.Attach(mk)
	}
	if err != nil {
		return entry{}, err
	}

	var lv reflect.Value
	if liveKey.IsValid() {
		lv = managed.MapIndex(liveKey)
	}
	rv, err := t.Merge(mv, lv)
	if err != nil {
		return entry{}, err
	}
	return entry{key: rk, value: rv}, nil
}

// copyMap returns a shallow copy of m
func copyMap(m reflect.Value) reflect.Value {
	out := reflect.MakeMapWithSize(m.Type(), m.Len())
	iter := m.MapRange()
	for iter.Next() {
		out.SetMapIndex(iter.Key(), iter.Value())
	}
	return out
}

// restoreMap makes m hold exactly the entries of saved
func restoreMap(m, saved reflect.Value) {
	m.Clear()
	iter := saved.MapRange()
	for iter.Next() {
		m.SetMapIndex(iter.Key(), iter.Value())
	}
}

// Merge reconciles a modified value held by a slot (a property, a map value,
// a pointer target) with the live value of that slot. A nil modified value
// clears the slot unless the live value is content that was never loaded. A
// slot relinked to another entity attaches the new target instead of
// applying onto the old one.
func (t *Traversal) Merge(modified, live reflect.Value) (reflect.Value, error) {
	if isNil(unwrap(modified)) {
		if t.unloaded(live) {
			return live, nil
		}
		return reflect.Value{}, nil
	}
	if t.relinked(modified, live) {
		return t.Attach(modified)
	}
	return t.Apply(modified, live)
}

func (t *Traversal) relinked(modified, live reflect.Value) bool {
	modified, live = unwrap(modified), unwrap(live)
	if isNil(live) || modified.Type() != live.Type() || !t.isEntity(modified.Type()) {
		return false
	}
	mid, mok := t.identifier(modified)
	lid, lok := t.identifier(live)
	if !mok && !lok {
		return false
	}
	return mok != lok || !reflect.DeepEqual(mid, lid)
}

func keySegment(k reflect.Value) string {
	k = unwrap(k)
	if k.IsValid() && k.Kind() == reflect.String {
		return fmt.Sprintf("[%q]", k.String())
	}
	if k.IsValid() && k.CanInterface() && k.Kind() != reflect.Ptr {
		return fmt.Sprintf("[%v]", k.Interface())
	}
	return "[?]"
}
