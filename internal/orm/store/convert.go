package store

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	timeType  = reflect.TypeFor[time.Time]()
	uuidType  = reflect.TypeFor[uuid.UUID]()
	bytesType = reflect.TypeFor[[]byte]()
)

// timeLayouts are tried in order when a time arrives as text
var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02",
}

// Encode converts a property value to its stored form. Nil pointers, maps
// and slices encode to nil; structured values other than time.Time encode
// to JSON text.
func Encode(v reflect.Value) (any, error) {
	if !v.IsValid() {
		return nil, nil
	}
	if v.Kind() == reflect.Interface {
		if v.IsNil() {
			return nil, nil
		}
		v = v.Elem()
	}
	if v.Kind() == reflect.Ptr {
		if v.IsNil() {
			return nil, nil
		}
		return Encode(v.Elem())
	}

	switch v.Type() {
	case timeType:
		return v.Interface().(time.Time), nil
	case uuidType:
		return v.Interface().(uuid.UUID).String(), nil
	}

	switch v.Kind() {
	case reflect.Bool:
		return v.Bool(), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return v.Int(), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		u := v.Uint()
		if u > math.MaxInt64 {
			return nil, fmt.Errorf("store: %d overflows a signed 64-bit column", u)
		}
		return int64(u), nil
	case reflect.Float32, reflect.Float64:
		return v.Float(), nil
	case reflect.String:
		return v.String(), nil
	case reflect.Slice:
		if v.IsNil() {
			return nil, nil
		}
		if v.Type().Elem().Kind() == reflect.Uint8 {
			return append([]byte(nil), v.Bytes()...), nil
		}
	case reflect.Map:
		if v.IsNil() {
			return nil, nil
		}
	case reflect.Func, reflect.Chan, reflect.UnsafePointer, reflect.Complex64, reflect.Complex128:
		return nil, fmt.Errorf("store: %s cannot be stored", v.Type())
	}

	if !v.CanInterface() {
		return nil, fmt.Errorf("store: %s is not accessible", v.Type())
	}
	data, err := json.Marshal(v.Interface())
	if err != nil {
		return nil, fmt.Errorf("store: encode %s: %w", v.Type(), err)
	}
	return string(data), nil
}

// encodedType returns the Go type Encode produces for values of t
func encodedType(t reflect.Type) reflect.Type {
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	switch t {
	case timeType:
		return timeType
	case uuidType:
		return reflect.TypeFor[string]()
	}
	switch t.Kind() {
	case reflect.Bool:
		return reflect.TypeFor[bool]()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return reflect.TypeFor[int64]()
	case reflect.Float32, reflect.Float64:
		return reflect.TypeFor[float64]()
	case reflect.Slice:
		if t.Elem().Kind() == reflect.Uint8 {
			return bytesType
		}
	}
	return reflect.TypeFor[string]()
}

// Convert turns a stored value back into a value of type to. It accepts the
// shapes drivers and JSON decoding produce: int64, float64, json.Number,
// []byte, text timestamps and JSON text for structured types.
func Convert(raw any, to reflect.Type) (reflect.Value, error) {
	if raw == nil {
		return reflect.Zero(to), nil
	}
	if to.Kind() == reflect.Ptr && reflect.TypeOf(raw) != to {
		elem, err := Convert(raw, to.Elem())
		if err != nil {
			return reflect.Value{}, err
		}
		ptr := reflect.New(to.Elem())
		ptr.Elem().Set(elem)
		return ptr, nil
	}

	rv := reflect.ValueOf(raw)
	if rv.Type() == to {
		if to == bytesType {
			return reflect.ValueOf(append([]byte(nil), raw.([]byte)...)), nil
		}
		return rv, nil
	}

	switch to {
	case timeType:
		return convertTime(raw)
	case uuidType:
		id, err := uuid.Parse(text(raw))
		if err != nil {
			return reflect.Value{}, fmt.Errorf("store: convert %T to uuid: %w", raw, err)
		}
		return reflect.ValueOf(id), nil
	}

	out := reflect.New(to).Elem()
	switch to.Kind() {
	case reflect.Bool:
		b, err := toBool(raw)
		if err != nil {
			return reflect.Value{}, err
		}
		out.SetBool(b)
		return out, nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := toInt(raw)
		if err != nil {
			return reflect.Value{}, err
		}
		if out.OverflowInt(n) {
			return reflect.Value{}, fmt.Errorf("store: %d overflows %s", n, to)
		}
		out.SetInt(n)
		return out, nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		n, err := toInt(raw)
		if err != nil {
			return reflect.Value{}, err
		}
		if n < 0 || out.OverflowUint(uint64(n)) {
			return reflect.Value{}, fmt.Errorf("store: %d overflows %s", n, to)
		}
		out.SetUint(uint64(n))
		return out, nil
	case reflect.Float32, reflect.Float64:
		f, err := toFloat(raw)
		if err != nil {
			return reflect.Value{}, err
		}
		out.SetFloat(f)
		return out, nil
	case reflect.String:
		switch raw.(type) {
		case string, []byte:
			out.SetString(text(raw))
			return out, nil
		}
	case reflect.Slice:
		if to.Elem().Kind() == reflect.Uint8 {
			if s, ok := raw.(string); ok {
				// JSON carries bytes as base64
				b, err := base64.StdEncoding.DecodeString(s)
				if err != nil {
					return reflect.Value{}, fmt.Errorf("store: decode bytes: %w", err)
				}
				out.SetBytes(b)
				return out, nil
			}
			if b, ok := raw.([]byte); ok {
				out.SetBytes(append([]byte(nil), b...))
				return out, nil
			}
		}
	}

	switch raw.(type) {
	case string, []byte:
		if err := json.Unmarshal([]byte(text(raw)), out.Addr().Interface()); err != nil {
			return reflect.Value{}, fmt.Errorf("store: decode %s: %w", to, err)
		}
		return out, nil
	}
	if rv.Type().ConvertibleTo(to) {
		return rv.Convert(to), nil
	}
	return reflect.Value{}, fmt.Errorf("store: cannot convert %T to %s", raw, to)
}

func text(raw any) string {
	switch x := raw.(type) {
	case string:
		return x
	case []byte:
		return string(x)
	}
	return fmt.Sprint(raw)
}

func convertTime(raw any) (reflect.Value, error) {
	switch x := raw.(type) {
	case time.Time:
		return reflect.ValueOf(x), nil
	case string, []byte:
		s := strings.TrimSpace(text(x))
		for _, layout := range timeLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return reflect.ValueOf(t), nil
			}
		}
		return reflect.Value{}, fmt.Errorf("store: unrecognized time %q", s)
	case int64:
		return reflect.ValueOf(time.Unix(x, 0).UTC()), nil
	}
	return reflect.Value{}, fmt.Errorf("store: cannot convert %T to time", raw)
}

func toBool(raw any) (bool, error) {
	switch x := raw.(type) {
	case bool:
		return x, nil
	case int64:
		return x != 0, nil
	case float64:
		return x != 0, nil
	case json.Number:
		n, err := x.Int64()
		return n != 0, err
	case string, []byte:
		return strconv.ParseBool(text(x))
	}
	return false, fmt.Errorf("store: cannot convert %T to bool", raw)
}

func toInt(raw any) (int64, error) {
	switch x := raw.(type) {
	case int64:
		return x, nil
	case int:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case uint64:
		if x > math.MaxInt64 {
			return 0, fmt.Errorf("store: %d overflows int64", x)
		}
		return int64(x), nil
	case float64:
		if x != math.Trunc(x) {
			return 0, fmt.Errorf("store: %v is not integral", x)
		}
		return int64(x), nil
	case json.Number:
		return x.Int64()
	case string, []byte:
		return strconv.ParseInt(strings.TrimSpace(text(x)), 10, 64)
	}
	return 0, fmt.Errorf("store: cannot convert %T to integer", raw)
}

func toFloat(raw any) (float64, error) {
	switch x := raw.(type) {
	case float64:
		return x, nil
	case float32:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case json.Number:
		return x.Float64()
	case string, []byte:
		return strconv.ParseFloat(strings.TrimSpace(text(x)), 64)
	}
	return 0, fmt.Errorf("store: cannot convert %T to float", raw)
}
