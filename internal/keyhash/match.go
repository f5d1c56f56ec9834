package keyhash

import (
	"bytes"
	"reflect"
)

// PartialMatch reports whether b is a structural subset of a: every array
// element of b (by index) and every object field of b (by name) matches the
// corresponding value of a. A shorter key therefore matches as a prefix.
func PartialMatch(a, b QueryKey) bool {
	return partialMatch(a, b)
}

func partialMatch(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}

	av, bv := reflect.ValueOf(a), reflect.ValueOf(b)
	switch {
	case isList(bv):
		if !isList(av) {
			return false
		}
		if bv.Len() > av.Len() {
			return false
		}
		for i := 0; i < bv.Len(); i++ {
			if !partialMatch(av.Index(i).Interface(), bv.Index(i).Interface()) {
				return false
			}
		}
		return true

	case isObject(bv):
		if !isObject(av) {
			return false
		}
		for _, k := range bv.MapKeys() {
			ae := av.MapIndex(k.Convert(av.Type().Key()))
			if !ae.IsValid() {
				if bv.MapIndex(k).Interface() != nil {
					return false
				}
				continue
			}
			if !partialMatch(ae.Interface(), bv.MapIndex(k).Interface()) {
				return false
			}
		}
		return true
	}

	// Scalars compare by canonical form so 1 (int) matches 1.0 (float64).
	return bytes.Equal(Marshal(a), Marshal(b))
}

func isList(v reflect.Value) bool {
	return v.Kind() == reflect.Slice || v.Kind() == reflect.Array
}

func isObject(v reflect.Value) bool {
	return v.Kind() == reflect.Map && v.Type().Key().Kind() == reflect.String
}
