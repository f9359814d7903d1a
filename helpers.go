package dbus

import "reflect"

// kv is one key/value pair pulled out of an arbitrary map value during
// signature verification and marshalling.
type kv struct {
	key   any
	value any
}

// asInt64 widens any of Go's signed and unsigned integer kinds (and
// plain int) to int64, reporting whether body was an integer at all.
// Unsigned values that overflow int64 also report false; callers that
// accept the full uint64 range check for uint64 before calling this.
func asInt64(body any) (int64, bool) {
	v := reflect.ValueOf(body)
	switch v.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return v.Int(), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u := v.Uint()
		if u > 1<<63-1 {
			return 0, false
		}
		return int64(u), true
	default:
		return 0, false
	}
}

// stringOf accepts a string or an ObjectPath as string content; any
// other type, Signature included, reports false.
func stringOf(body any) (string, bool) {
	switch v := body.(type) {
	case string:
		return v, true
	case ObjectPath:
		return string(v), true
	default:
		return "", false
	}
}

// asSequence normalizes any slice-kinded value into []any, so struct
// and array verification/marshalling can walk it uniformly regardless
// of whether the caller built it as []any, []string, []Variant, and so
// on.
func asSequence(body any) ([]any, bool) {
	if seq, ok := body.([]any); ok {
		return seq, true
	}
	v := reflect.ValueOf(body)
	if v.Kind() != reflect.Slice && v.Kind() != reflect.Array {
		return nil, false
	}
	out := make([]any, v.Len())
	for i := range out {
		out[i] = v.Index(i).Interface()
	}
	return out, true
}

// asMap normalizes any map-kinded value into an ordered slice of kv
// pairs. Go map iteration order is randomized, but marshalling a dict
// doesn't require a stable order across processes, only within a
// single marshal call where the caller can observe it via the
// returned slice.
func asMap(body any) ([]kv, bool) {
	v := reflect.ValueOf(body)
	if v.Kind() != reflect.Map {
		return nil, false
	}
	out := make([]kv, 0, v.Len())
	iter := v.MapRange()
	for iter.Next() {
		out = append(out, kv{key: iter.Key().Interface(), value: iter.Value().Interface()})
	}
	return out, true
}

// typeName returns a short description of body's dynamic type for use
// in error messages.
func typeName(body any) string {
	if body == nil {
		return "nil"
	}
	return reflect.TypeOf(body).String()
}
