package state

import (
	"encoding/json"
	"fmt"
	"reflect"
)

// maxSerializeDepth bounds recursion into user objects. Values past the cap
// degrade to their repr instead of failing the capture.
const maxSerializeDepth = 10

// Serialize coerces an arbitrary value to a JSON-serializable form. Structs
// without native JSON representation become {"__class__": name, "__dict__":
// fields}; values that cannot be represented at all degrade to their
// fmt repr. Serialize never fails: it is the SerializationError fallback in
// one place. Struct types with slots-like unexported-only fields serialize
// to their repr.
func Serialize(v interface{}) interface{} {
	return serialize(reflect.ValueOf(v), 0)
}

func serialize(rv reflect.Value, depth int) interface{} {
	if depth > maxSerializeDepth {
		return repr(rv)
	}
	if !rv.IsValid() {
		return nil
	}
	switch rv.Kind() {
	case reflect.Interface, reflect.Ptr:
		if rv.IsNil() {
			return nil
		}
		return serialize(rv.Elem(), depth+1)
	case reflect.Bool:
		return rv.Bool()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int()
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return rv.Uint()
	case reflect.Float32, reflect.Float64:
		return rv.Float()
	case reflect.String:
		return rv.String()
	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.IsNil() {
			return nil
		}
		out := make([]interface{}, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			out[i] = serialize(rv.Index(i), depth+1)
		}
		return out
	case reflect.Map:
		if rv.IsNil() {
			return nil
		}
		out := make(map[string]interface{}, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			out[fmt.Sprintf("%v", iter.Key().Interface())] = serialize(iter.Value(), depth+1)
		}
		return out
	case reflect.Struct:
		t := rv.Type()
		fields := make(map[string]interface{})
		for i := 0; i < rv.NumField(); i++ {
			f := t.Field(i)
			if !f.IsExported() {
				continue
			}
			fields[f.Name] = serialize(rv.Field(i), depth+1)
		}
		if len(fields) == 0 {
			return repr(rv)
		}
		name := t.Name()
		if t.PkgPath() != "" {
			name = t.PkgPath() + "." + t.Name()
		}
		return map[string]interface{}{
			"__class__": name,
			"__dict__":  fields,
		}
	default:
		// Funcs, channels, complex numbers and unsafe pointers.
		return repr(rv)
	}
}

func repr(rv reflect.Value) string {
	if !rv.IsValid() {
		return "<invalid>"
	}
	return fmt.Sprintf("%v", rv.Interface())
}

// deepCopy clones JSON-form data. Serialize output only contains maps,
// slices and scalars, so a marshal round-trip is exact enough for cursor
// restores; non-marshalable residue falls back to the value itself.
func deepCopy(v interface{}) interface{} {
	if v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return v
	}
	return out
}
