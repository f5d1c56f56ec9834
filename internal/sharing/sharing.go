// Package sharing implements structural sharing for cached query data.
//
// ReplaceEqualDeep reconciles a freshly fetched value against the previously
// cached one. Every subtree that is deep-equal to its previous counterpart is
// replaced by the previous reference, so consumers comparing with Same can skip
// work for data that did not change.
//
// Only the JSON-like shapes []any and map[string]any are reconciled
// element-wise. Any other value is either returned as prev (deep-equal) or
// replaced wholesale by next.
package sharing

import (
	"reflect"
)

// ReplaceEqualDeep returns prev if next is deep-equal to it. Otherwise it
// returns next with every unchanged []any element and map[string]any entry
// replaced by the previous reference.
func ReplaceEqualDeep(prev, next any) any {
	if Same(prev, next) {
		return prev
	}

	switch n := next.(type) {
	case []any:
		p, ok := prev.([]any)
		if !ok {
			return next
		}
		return replaceSlice(p, n)
	case map[string]any:
		p, ok := prev.(map[string]any)
		if !ok {
			return next
		}
		return replaceMap(p, n)
	}

	if DeepEqual(prev, next) {
		return prev
	}
	return next
}

func replaceSlice(prev, next []any) any {
	out := make([]any, len(next))
	equal := 0
	for i, nv := range next {
		if i >= len(prev) {
			out[i] = nv
			continue
		}
		out[i] = ReplaceEqualDeep(prev[i], nv)
		if Same(out[i], prev[i]) {
			equal++
		}
	}
	if len(prev) == len(next) && equal == len(prev) {
		return prev
	}
	return out
}

func replaceMap(prev, next map[string]any) any {
	out := make(map[string]any, len(next))
	equal := 0
	for k, nv := range next {
		pv, ok := prev[k]
		if !ok {
			out[k] = nv
			continue
		}
		out[k] = ReplaceEqualDeep(pv, nv)
		if Same(out[k], pv) {
			equal++
		}
	}
	if len(prev) == len(next) && equal == len(prev) {
		return prev
	}
	return out
}

// Same reports reference identity. Maps, slices, pointers, funcs and channels
// are the same when they share backing storage; comparable values use ==.
// Same never panics, including on values that hold uncomparable types.
func Same(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}

	av, bv := reflect.ValueOf(a), reflect.ValueOf(b)
	if av.Type() != bv.Type() {
		return false
	}

	switch av.Kind() {
	case reflect.Map, reflect.Pointer, reflect.Func, reflect.Chan, reflect.UnsafePointer:
		return av.Pointer() == bv.Pointer()
	case reflect.Slice:
		if av.IsNil() || bv.IsNil() {
			return av.IsNil() && bv.IsNil()
		}
		return av.Pointer() == bv.Pointer() && av.Len() == bv.Len()
	}

	if !av.Comparable() || !bv.Comparable() {
		return false
	}
	return av.Equal(bv)
}

// DeepEqual reports structural equality of two JSON-like values. Numbers of
// different Go types compare by value, so an int decoded by one codec equals
// the float64 decoded by another.
func DeepEqual(a, b any) bool {
	if Same(a, b) {
		return true
	}

	switch av := a.(type) {
	case []any:
		bv, ok := b.([]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !DeepEqual(av[i], bv[i]) {
				return false
			}
		}
		return true
	case map[string]any:
		bv, ok := b.(map[string]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, v := range av {
			w, ok := bv[k]
			if !ok || !DeepEqual(v, w) {
				return false
			}
		}
		return true
	}

	if x, ok := toFloat(a); ok {
		if y, ok := toFloat(b); ok {
			return x == y
		}
		return false
	}

	return reflect.DeepEqual(a, b)
}

func toFloat(v any) (float64, bool) {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int()), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return float64(rv.Uint()), true
	case reflect.Float32, reflect.Float64:
		return rv.Float(), true
	}
	return 0, false
}
