package detach

import (
	"reflect"

	"github.com/conduit-lang/detach/internal/orm/lazy"
	"github.com/conduit-lang/detach/internal/orm/metadata"
	"github.com/conduit-lang/detach/internal/orm/ormerr"
	"github.com/conduit-lang/detach/internal/orm/property"
)

// CompositeHandler handles structs and pointers to structs property by
// property, as described by their metadata
type CompositeHandler struct{}

func (h *CompositeHandler) Name() string { return "composite" }

func (h *CompositeHandler) Types() []reflect.Type { return nil }

// Accepts claims structs with observable state and pointers to them. Opaque
// structs are leaves for the basic and pointer handlers.
func (h *CompositeHandler) Accepts(t reflect.Type) bool {
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return t.Kind() == reflect.Struct && !opaqueStruct(t)
}

func (h *CompositeHandler) CreateObject(sample reflect.Value) (reflect.Value, error) {
	typ := sample.Type()
	if typ.Kind() == reflect.Ptr {
		return reflect.New(typ.Elem()), nil
	}
	return reflect.New(typ).Elem(), nil
}

func (h *CompositeHandler) Disconnect(t *Traversal, managed reflect.Value) (reflect.Value, error) {
	typ := managed.Type()
	if typ.Kind() != reflect.Ptr {
		meta, err := t.Metadata(typ)
		if err != nil {
			return reflect.Value{}, err
		}
		out := reflect.New(typ).Elem()
		if err := h.copyProperties(t, meta, addressable(managed), out); err != nil {
			return reflect.Value{}, err
		}
		return out, nil
	}

	if out, ok := t.adj.lookup(dirDisconnect, managed); ok {
		return out, nil
	}
	if t.unloaded(managed) {
		return reflect.Zero(typ), nil
	}
	meta, err := t.Metadata(typ.Elem())
	if err != nil {
		return reflect.Value{}, err
	}
	shell := reflect.New(typ.Elem())
	t.adj.register(dirDisconnect, managed, shell)

	if err := h.copyProperties(t, meta, managed.Elem(), shell.Elem()); err != nil {
		return reflect.Value{}, err
	}
	return shell, nil
}

func (h *CompositeHandler) copyProperties(t *Traversal, meta *metadata.Object, src, dst reflect.Value) error {
	from, err := property.For(meta, src)
	if err != nil {
		return err
	}
	to, err := property.For(meta, dst)
	if err != nil {
		return err
	}

	for _, p := range meta.Properties() {
		if !p.Readable() || !p.Writable() {
			continue
		}
		v, err := from.GetProperty(p)
		if err != nil {
			return err
		}
		leave := t.enter("." + p.Name)
		d, err := t.Disconnect(v)
		if err == nil {
			if err = to.SetProperty(p, d); err != nil {
				err = t.wrap(err)
			}
		}
		leave()
		if err != nil {
			return err
		}
	}
	return nil
}

func (h *CompositeHandler) Apply(t *Traversal, modified, managed reflect.Value) (reflect.Value, error) {
	typ := modified.Type()
	if typ.Kind() != reflect.Ptr {
		meta, err := t.Metadata(typ)
		if err != nil {
			return reflect.Value{}, err
		}
		working := reflect.New(typ).Elem()
		working.Set(managed)
		if err := h.applyProperties(t, meta, addressable(modified), working, false); err != nil {
			return reflect.Value{}, err
		}
		return working, nil
	}

	if out, ok := t.adj.lookup(dirApply, modified); ok {
		return out, nil
	}
	if t.unloaded(managed) {
		return reflect.Value{}, &ormerr.LazyContentError{Type: typ.Elem()}
	}
	meta, err := t.Metadata(typ.Elem())
	if err != nil {
		return reflect.Value{}, err
	}
	t.adj.register(dirApply, modified, managed)

	checkVersion := !t.adj.isFresh(managed)
	if err := h.applyProperties(t, meta, modified.Elem(), managed.Elem(), checkVersion); err != nil {
		return reflect.Value{}, err
	}
	return managed, nil
}

func (h *CompositeHandler) applyProperties(t *Traversal, meta *metadata.Object, src, live reflect.Value, checkVersion bool) error {
	from, err := property.For(meta, src)
	if err != nil {
		return err
	}
	to, err := property.For(meta, live)
	if err != nil {
		return err
	}

	id, err := h.reconcileIdentifier(t, meta, from, to)
	if err != nil {
		return err
	}
	if checkVersion && meta.Versioned() {
		if err := h.checkVersion(t, meta, id, src, live); err != nil {
			return err
		}
	}

	for _, p := range meta.Properties() {
		if !p.Readable() || !p.Writable() || p.Identifier || p.Version {
			continue
		}
		mv, err := from.GetProperty(p)
		if err != nil {
			return err
		}
		lv, err := to.GetProperty(p)
		if err != nil {
			return err
		}

		leave := t.enter("." + p.Name)
		if t.unloaded(lv) {
			if isEmpty(mv) {
				leave()
				continue
			}
			err := t.wrap(&ormerr.LazyContentError{Type: meta.Type(), Property: p.Name})
			leave()
			return err
		}
		r, err := t.Merge(mv, lv)
		leave()
		if err != nil {
			return err
		}
		h.hold(t, meta, to, p, id, r)
	}
	return nil
}

// reconcileIdentifier refuses to change the identifier of a live object. A
// live object without identifier, a new instance, takes the modified one.
func (h *CompositeHandler) reconcileIdentifier(t *Traversal, meta *metadata.Object, from, to *property.Accessor) (any, error) {
	p, ok := meta.Identifier()
	if !ok || !p.Readable() {
		return nil, nil
	}
	mv, err := from.GetProperty(p)
	if err != nil {
		return nil, err
	}
	lv, err := to.GetProperty(p)
	if err != nil {
		return nil, err
	}

	switch {
	case lv.IsZero() && mv.IsZero():
		return nil, nil
	case lv.IsZero():
		if p.Writable() {
			t.Defer(func() (func(), error) {
				if err := to.SetProperty(p, mv); err != nil {
					return nil, err
				}
				return func() { _ = to.SetProperty(p, reflect.Zero(p.Type)) }, nil
			})
		}
		return mv.Interface(), nil
	case !mv.IsZero() && !sameValue(mv, lv):
		return nil, &ormerr.IdentityError{Type: meta.Type(), ID: mv.Interface(), Reason: ormerr.IdentityMismatch}
	}
	return lv.Interface(), nil
}

func (h *CompositeHandler) checkVersion(t *Traversal, meta *metadata.Object, id any, src, live reflect.Value) error {
	expected, _ := t.Provider().Version(meta.Type(), src.Addr().Interface())
	actual, _ := t.Provider().Version(meta.Type(), live.Addr().Interface())
	if reflect.DeepEqual(expected, actual) {
		return nil
	}
	return &ormerr.VersionError{Type: meta.Type(), ID: id, Expected: expected, Actual: actual}
}

// hold records the write of p and its change log entry until commit
func (h *CompositeHandler) hold(t *Traversal, meta *metadata.Object, to *property.Accessor, p metadata.Property, id any, r reflect.Value) {
	t.Defer(func() (func(), error) {
		cur, err := to.GetProperty(p)
		if err != nil {
			return nil, err
		}
		if sameValue(cur, r) {
			return nil, nil
		}
		prev := snapshot(cur)
		if err := to.SetProperty(p, r); err != nil {
			return nil, err
		}
		t.adj.record(Change{
			Type:     meta.Type(),
			ID:       id,
			Property: p.Name,
			OldValue: interfaceOf(prev),
			NewValue: interfaceOf(r),
		})
		return func() { _ = to.SetProperty(p, prev) }, nil
	})
}

func addressable(v reflect.Value) reflect.Value {
	if v.CanAddr() {
		return v
	}
	cp := reflect.New(v.Type()).Elem()
	cp.Set(v)
	return cp
}

func interfaceOf(v reflect.Value) any {
	if !v.IsValid() || !v.CanInterface() {
		return nil
	}
	return v.Interface()
}

// isEmpty reports whether a modified value carries no content
func isEmpty(v reflect.Value) bool {
	v = unwrap(v)
	if isNil(v) {
		return true
	}
	if v.CanInterface() {
		if c, ok := v.Interface().(lazy.Collection); ok {
			return c.Len() == 0
		}
	}
	switch v.Kind() {
	case reflect.Slice, reflect.Map:
		return v.Len() == 0
	}
	return false
}
