package detach

import (
	"reflect"
)

// PointerHandler handles pointers to values that are not composites, such as
// *string, *time.Time or *big.Int
type PointerHandler struct{}

func (h *PointerHandler) Name() string { return "pointer" }

func (h *PointerHandler) Types() []reflect.Type { return nil }

func (h *PointerHandler) Accepts(t reflect.Type) bool {
	if t.Kind() != reflect.Ptr {
		return false
	}
	return t.Elem().Kind() != reflect.Struct || opaqueStruct(t.Elem())
}

func (h *PointerHandler) CreateObject(sample reflect.Value) (reflect.Value, error) {
	return reflect.New(sample.Type().Elem()), nil
}

func (h *PointerHandler) Disconnect(t *Traversal, managed reflect.Value) (reflect.Value, error) {
	if out, ok := t.adj.lookup(dirDisconnect, managed); ok {
		return out, nil
	}
	shell := reflect.New(managed.Type().Elem())
	t.adj.register(dirDisconnect, managed, shell)

	d, err := t.Disconnect(managed.Elem())
	if err != nil {
		return reflect.Value{}, err
	}
	if err := setValue(shell.Elem(), d); err != nil {
		return reflect.Value{}, err
	}
	return shell, nil
}

func (h *PointerHandler) Apply(t *Traversal, modified, managed reflect.Value) (reflect.Value, error) {
	if out, ok := t.adj.lookup(dirApply, modified); ok {
		return out, nil
	}
	t.adj.register(dirApply, modified, managed)

	r, err := t.Merge(modified.Elem(), managed.Elem())
	if err != nil {
		return reflect.Value{}, err
	}
	target := managed.Elem()
	t.deferSet(target, r)
	return managed, nil
}
