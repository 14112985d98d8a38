package detach

import (
	"encoding"
	"encoding/json"
	"reflect"
	"time"

	"github.com/google/uuid"

	"github.com/conduit-lang/detach/internal/orm/metadata"
	"github.com/conduit-lang/detach/internal/orm/ormerr"
)

// BasicHandler passes immutable values through. Byte slices are copied so no
// storage is shared between the graphs, and opaque structs such as big.Int
// or netip.Addr are handled as a whole.
type BasicHandler struct{}

func (h *BasicHandler) Name() string { return "basic" }

func (h *BasicHandler) Types() []reflect.Type {
	return []reflect.Type{
		reflect.TypeFor[time.Time](),
		reflect.TypeFor[*time.Location](),
		reflect.TypeFor[uuid.UUID](),
		reflect.TypeFor[[]byte](),
		reflect.TypeFor[json.RawMessage](),
	}
}

// Accepts claims scalar kinds, funcs, channels and opaque structs
func (h *BasicHandler) Accepts(t reflect.Type) bool {
	switch t.Kind() {
	case reflect.Bool,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr,
		reflect.Float32, reflect.Float64, reflect.Complex64, reflect.Complex128,
		reflect.String, reflect.Func, reflect.Chan:
		return true
	case reflect.Struct:
		return opaqueStruct(t)
	}
	return false
}

func (h *BasicHandler) CreateObject(sample reflect.Value) (reflect.Value, error) {
	if sample.Kind() == reflect.Interface || sample.Kind() == reflect.UnsafePointer {
		return reflect.Value{}, &ormerr.ShapeError{Type: sample.Type(), Reason: "cannot instantiate"}
	}
	return reflect.New(sample.Type()).Elem(), nil
}

func (h *BasicHandler) Disconnect(t *Traversal, managed reflect.Value) (reflect.Value, error) {
	return h.clone(t, dirDisconnect, managed)
}

func (h *BasicHandler) Apply(t *Traversal, modified, managed reflect.Value) (reflect.Value, error) {
	return h.clone(t, dirApply, modified)
}

// clone copies v unless it is immutable. A byte slice reached twice yields
// the same copy both times.
func (h *BasicHandler) clone(t *Traversal, dir direction, v reflect.Value) (reflect.Value, error) {
	switch v.Kind() {
	case reflect.Slice:
		if out, ok := t.adj.lookup(dir, v); ok {
			return out, nil
		}
		out := copyBytes(v)
		t.adj.register(dir, v, out)
		return out, nil
	case reflect.Struct:
		out, err := cloneOpaque(v)
		if err != nil {
			return reflect.Value{}, &ormerr.ShapeError{Type: v.Type(), Reason: err.Error()}
		}
		return out, nil
	}
	return v, nil
}

func copyBytes(v reflect.Value) reflect.Value {
	if v.Kind() != reflect.Slice || v.Type().Elem().Kind() != reflect.Uint8 || v.IsNil() {
		return v
	}
	out := reflect.MakeSlice(v.Type(), v.Len(), v.Len())
	reflect.Copy(out, v)
	return out
}

// opaqueStruct reports whether t is a struct without observable state
func opaqueStruct(t reflect.Type) bool {
	if t.Kind() != reflect.Struct {
		return false
	}
	obj, err := metadata.Default().Resolve(t)
	return err == nil && obj.Opaque()
}

// cloneOpaque copies an opaque struct whose value holds slices or maps, such
// as big.Int, through its binary or text encoding. Structs holding neither
// are immutable by value and pass through.
func cloneOpaque(v reflect.Value) (reflect.Value, error) {
	if !v.CanInterface() || !holdsStorage(v.Type()) {
		return v, nil
	}
	src := reflect.New(v.Type())
	src.Elem().Set(v)
	dst := reflect.New(v.Type())

	if m, ok := src.Interface().(encoding.BinaryMarshaler); ok {
		if u, ok := dst.Interface().(encoding.BinaryUnmarshaler); ok {
			b, err := m.MarshalBinary()
			if err == nil {
				err = u.UnmarshalBinary(b)
			}
			return dst.Elem(), err
		}
	}
	if m, ok := src.Interface().(encoding.TextMarshaler); ok {
		if u, ok := dst.Interface().(encoding.TextUnmarshaler); ok {
			b, err := m.MarshalText()
			if err == nil {
				err = u.UnmarshalText(b)
			}
			return dst.Elem(), err
		}
	}
	return v, nil
}

// holdsStorage reports whether values of t embed slices or maps directly
func holdsStorage(t reflect.Type) bool {
	switch t.Kind() {
	case reflect.Slice, reflect.Map:
		return true
	case reflect.Array:
		return holdsStorage(t.Elem())
	case reflect.Struct:
		for i := 0; i < t.NumField(); i++ {
			if holdsStorage(t.Field(i).Type) {
				return true
			}
		}
	}
	return false
}
