package detach

import (
	"reflect"

	"github.com/conduit-lang/detach/internal/orm/lazy"
	"github.com/conduit-lang/detach/internal/orm/ormerr"
)

// disconnectElements disconnects each element in order
func disconnectElements(t *Traversal, elems []reflect.Value) ([]reflect.Value, error) {
	out := make([]reflect.Value, len(elems))
	for i, e := range elems {
		leave := t.enter(index(i))
		d, err := t.Disconnect(e)
		leave()
		if err != nil {
			return nil, err
		}
		out[i] = d
	}
	return out, nil
}

// reconcileElements pairs every modified element with its live pendant and
// returns the reconciled elements in modified order. Live elements without a
// modified counterpart are dropped.
func reconcileElements(t *Traversal, modified, live []reflect.Value) ([]reflect.Value, error) {
	p := newPendants(t, live)
	out := make([]reflect.Value, len(modified))
	for i, m := range modified {
		leave := t.enter(index(i))
		var (
			r   reflect.Value
			err error
		)
		if isNil(unwrap(m)) {
			r = reflect.Value{}
		} else if pendant, ok := p.match(m); ok {
			r, err = t.Apply(m, pendant)
		} else {
			r, err = t.Attach(m)
		}
		leave()
		if err != nil {
			return nil, err
		}
		out[i] = r
	}
	return out, nil
}

func fill(dst reflect.Value, elems []reflect.Value) error {
	for i, e := range elems {
		if err := setValue(dst.Index(i), e); err != nil {
			return err
		}
	}
	return nil
}

// SliceHandler handles slices as ordered collections
type SliceHandler struct{}

func (h *SliceHandler) Name() string { return "slice" }

func (h *SliceHandler) Types() []reflect.Type { return nil }

func (h *SliceHandler) Accepts(t reflect.Type) bool {
	return t.Kind() == reflect.Slice
}

func (h *SliceHandler) CreateObject(sample reflect.Value) (reflect.Value, error) {
	return reflect.MakeSlice(sample.Type(), 0, 0), nil
}

func (h *SliceHandler) Disconnect(t *Traversal, managed reflect.Value) (reflect.Value, error) {
	if out, ok := t.adj.lookup(dirDisconnect, managed); ok {
		return out, nil
	}
	n := managed.Len()
	shell := reflect.MakeSlice(managed.Type(), n, n)
	t.adj.register(dirDisconnect, managed, shell)

	elems, err := disconnectElements(t, elements(managed))
	if err != nil {
		return reflect.Value{}, err
	}
	if err := fill(shell, elems); err != nil {
		return reflect.Value{}, err
	}
	return shell, nil
}

// Apply rebuilds the slice from the reconciled elements. The result is a
// new slice; the caller writes it where the live slice was held.
func (h *SliceHandler) Apply(t *Traversal, modified, managed reflect.Value) (reflect.Value, error) {
	if out, ok := t.adj.lookup(dirApply, modified); ok {
		return out, nil
	}
	n := modified.Len()
	out := reflect.MakeSlice(modified.Type(), n, n)
	t.adj.register(dirApply, modified, out)

	elems, err := reconcileElements(t, elements(modified), elements(managed))
	if err != nil {
		return reflect.Value{}, err
	}
	t.Defer(func() (func(), error) { return nil, fill(out, elems) })
	return out, nil
}

// ArrayHandler handles fixed-size arrays through the ordered collection logic
type ArrayHandler struct{}

func (h *ArrayHandler) Name() string { return "array" }

func (h *ArrayHandler) Types() []reflect.Type { return nil }

func (h *ArrayHandler) Accepts(t reflect.Type) bool {
	return t.Kind() == reflect.Array
}

func (h *ArrayHandler) CreateObject(sample reflect.Value) (reflect.Value, error) {
	return reflect.New(sample.Type()).Elem(), nil
}

func (h *ArrayHandler) Disconnect(t *Traversal, managed reflect.Value) (reflect.Value, error) {
	elems, err := disconnectElements(t, elements(managed))
	if err != nil {
		return reflect.Value{}, err
	}
	out := reflect.New(managed.Type()).Elem()
	if err := fill(out, elems); err != nil {
		return reflect.Value{}, err
	}
	return out, nil
}

func (h *ArrayHandler) Apply(t *Traversal, modified, managed reflect.Value) (reflect.Value, error) {
	elems, err := reconcileElements(t, elements(modified), elements(managed))
	if err != nil {
		return reflect.Value{}, err
	}
	out := reflect.New(modified.Type()).Elem()
	t.Defer(func() (func(), error) { return nil, fill(out, elems) })
	return out, nil
}

// SetHandler handles map[K]struct{} as an unordered collection of its keys
type SetHandler struct{}

func (h *SetHandler) Name() string { return "set" }

func (h *SetHandler) Types() []reflect.Type { return nil }

func (h *SetHandler) Accepts(t reflect.Type) bool {
	return t.Kind() == reflect.Map && t.Elem().Kind() == reflect.Struct && t.Elem().Size() == 0
}

func (h *SetHandler) CreateObject(sample reflect.Value) (reflect.Value, error) {
	return reflect.MakeMap(sample.Type()), nil
}

func (h *SetHandler) Disconnect(t *Traversal, managed reflect.Value) (reflect.Value, error) {
	if out, ok := t.adj.lookup(dirDisconnect, managed); ok {
		return out, nil
	}
	shell := reflect.MakeMapWithSize(managed.Type(), managed.Len())
	t.adj.register(dirDisconnect, managed, shell)

	keys, err := disconnectElements(t, sortedKeys(t, managed))
	if err != nil {
		return reflect.Value{}, err
	}
	member := reflect.Zero(managed.Type().Elem())
	for _, k := range keys {
		shell.SetMapIndex(orZero(k, managed.Type().Key()), member)
	}
	return shell, nil
}

func (h *SetHandler) Apply(t *Traversal, modified, managed reflect.Value) (reflect.Value, error) {
	if out, ok := t.adj.lookup(dirApply, modified); ok {
		return out, nil
	}
	t.adj.register(dirApply, modified, managed)

	keys, err := reconcileElements(t, sortedKeys(t, modified), sortedKeys(t, managed))
	if err != nil {
		return reflect.Value{}, err
	}
	keyType := managed.Type().Key()
	member := reflect.Zero(managed.Type().Elem())
	t.Defer(func() (func(), error) {
		prev := copyMap(managed)
		managed.Clear()
		for _, k := range keys {
			managed.SetMapIndex(orZero(k, keyType), member)
		}
		return func() { restoreMap(managed, prev) }, nil
	})
	return managed, nil
}

var collectionType = reflect.TypeFor[lazy.Collection]()

// LazyListHandler handles lazy.List, the placeholder form of a to-many
// collection. Pending lists disconnect to nil and are never loaded by the
// engine.
type LazyListHandler struct{}

func (h *LazyListHandler) Name() string { return "lazy-list" }

func (h *LazyListHandler) Types() []reflect.Type { return nil }

func (h *LazyListHandler) Accepts(t reflect.Type) bool {
	return t.Kind() == reflect.Ptr && t.Implements(collectionType)
}

func (h *LazyListHandler) CreateObject(sample reflect.Value) (reflect.Value, error) {
	return reflect.New(sample.Type().Elem()), nil
}

func (h *LazyListHandler) Disconnect(t *Traversal, managed reflect.Value) (reflect.Value, error) {
	if out, ok := t.adj.lookup(dirDisconnect, managed); ok {
		return out, nil
	}
	if t.unloaded(managed) {
		return reflect.Zero(managed.Type()), nil
	}
	shell, _ := h.CreateObject(managed)
	t.adj.register(dirDisconnect, managed, shell)

	items := reflect.ValueOf(managed.Interface().(lazy.Collection).Slice())
	elems, err := disconnectElements(t, elements(items))
	if err != nil {
		return reflect.Value{}, err
	}
	var out reflect.Value
	if !items.IsNil() {
		out = reflect.MakeSlice(items.Type(), len(elems), len(elems))
		if err := fill(out, elems); err != nil {
			return reflect.Value{}, err
		}
	} else {
		out = items
	}
	if err := shell.Interface().(lazy.Collection).Replace(out.Interface()); err != nil {
		return reflect.Value{}, err
	}
	return shell, nil
}

func (h *LazyListHandler) Apply(t *Traversal, modified, managed reflect.Value) (reflect.Value, error) {
	if out, ok := t.adj.lookup(dirApply, modified); ok {
		return out, nil
	}
	mod := modified.Interface().(lazy.Collection)
	if t.unloaded(managed) {
		if mod.Len() == 0 {
			return managed, nil
		}
		return reflect.Value{}, &ormerr.LazyContentError{Type: managed.Type()}
	}
	t.adj.register(dirApply, modified, managed)

	modItems := reflect.ValueOf(mod.Slice())
	live := managed.Interface().(lazy.Collection)
	elems, err := reconcileElements(t, elements(modItems), elements(reflect.ValueOf(live.Slice())))
	if err != nil {
		return reflect.Value{}, err
	}
	t.Defer(func() (func(), error) {
		out := reflect.MakeSlice(modItems.Type(), len(elems), len(elems))
		if err := fill(out, elems); err != nil {
			return nil, err
		}
		prev := live.Slice()
		if err := live.Replace(out.Interface()); err != nil {
			return nil, err
		}
		return func() { _ = live.Replace(prev) }, nil
	})
	return managed, nil
}
