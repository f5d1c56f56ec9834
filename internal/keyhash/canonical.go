package keyhash

import (
	"bytes"
	"encoding/json"
	"math"
	"reflect"
	"slices"
	"strconv"
	"unicode/utf16"
)

// QueryKey is an ordered, JSON-serialisable query identity.
type QueryKey = []any

// Hash returns the canonical hash of a query key.
//
// Values JSON cannot represent (functions, channels, NaN, ±Inf) are written as
// null, matching what JSON.stringify produces inside an array.
func Hash(key QueryKey) string {
	var buf bytes.Buffer
	writeArray(&buf, reflect.ValueOf(key))
	return buf.String()
}

// Marshal writes any JSON-like value in canonical form.
func Marshal(v any) []byte {
	var buf bytes.Buffer
	writeValue(&buf, v)
	return buf.Bytes()
}

// Equal reports whether two keys have the same canonical hash.
func Equal(a, b QueryKey) bool {
	return Hash(a) == Hash(b)
}

func writeValue(buf *bytes.Buffer, v any) {
	switch val := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		buf.WriteString(strconv.FormatBool(val))
	case string:
		writeString(buf, val)
	case int:
		buf.WriteString(strconv.FormatInt(int64(val), 10))
	case int64:
		buf.WriteString(strconv.FormatInt(val, 10))
	case int32:
		buf.WriteString(strconv.FormatInt(int64(val), 10))
	case uint64:
		buf.WriteString(strconv.FormatUint(val, 10))
	case float64:
		writeFloat(buf, val)
	case float32:
		writeFloat(buf, float64(val))
	case json.Number:
		f, err := val.Float64()
		if err != nil {
			buf.WriteString("null")
			return
		}
		writeFloat(buf, f)
	case []any:
		writeArray(buf, reflect.ValueOf(val))
	case map[string]any:
		writeObject(buf, reflect.ValueOf(val))
	default:
		writeReflect(buf, reflect.ValueOf(v))
	}
}

func writeReflect(buf *bytes.Buffer, rv reflect.Value) {
	switch rv.Kind() {
	case reflect.Invalid, reflect.Func, reflect.Chan, reflect.UnsafePointer:
		buf.WriteString("null")
	case reflect.Bool:
		buf.WriteString(strconv.FormatBool(rv.Bool()))
	case reflect.String:
		writeString(buf, rv.String())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		buf.WriteString(strconv.FormatInt(rv.Int(), 10))
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		buf.WriteString(strconv.FormatUint(rv.Uint(), 10))
	case reflect.Float32, reflect.Float64:
		writeFloat(buf, rv.Float())
	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.IsNil() {
			buf.WriteString("null")
			return
		}
		writeArray(buf, rv)
	case reflect.Map:
		if rv.IsNil() || rv.Type().Key().Kind() != reflect.String {
			writeViaJSON(buf, rv)
			return
		}
		writeObject(buf, rv)
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			buf.WriteString("null")
			return
		}
		if _, ok := rv.Interface().(json.Marshaler); ok {
			writeViaJSON(buf, rv)
			return
		}
		writeValue(buf, rv.Elem().Interface())
	default:
		writeViaJSON(buf, rv)
	}
}

// writeViaJSON normalises structs and custom marshalers through a JSON round
// trip so their fields are hashed like a plain object.
func writeViaJSON(buf *bytes.Buffer, rv reflect.Value) {
	data, err := json.Marshal(rv.Interface())
	if err != nil {
		buf.WriteString("null")
		return
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		buf.WriteString("null")
		return
	}
	writeValue(buf, generic)
}

func writeArray(buf *bytes.Buffer, rv reflect.Value) {
	buf.WriteByte('[')
	for i := 0; i < rv.Len(); i++ {
		if i > 0 {
			buf.WriteByte(',')
		}
		writeValue(buf, rv.Index(i).Interface())
	}
	buf.WriteByte(']')
}

func writeObject(buf *bytes.Buffer, rv reflect.Value) {
	keys := make([]string, 0, rv.Len())
	for _, k := range rv.MapKeys() {
		keys = append(keys, k.String())
	}
	sortObjectKeys(keys)

	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		writeString(buf, k)
		buf.WriteByte(':')
		writeValue(buf, rv.MapIndex(reflect.ValueOf(k).Convert(rv.Type().Key())).Interface())
	}
	buf.WriteByte('}')
}

// writeString escapes exactly what JSON.stringify escapes: quote, backslash and
// control characters. HTML characters and U+2028/U+2029 are written literally.
func writeString(buf *bytes.Buffer, s string) {
	buf.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			buf.WriteString(`\"`)
		case '\\':
			buf.WriteString(`\\`)
		case '\b':
			buf.WriteString(`\b`)
		case '\f':
			buf.WriteString(`\f`)
		case '\n':
			buf.WriteString(`\n`)
		case '\r':
			buf.WriteString(`\r`)
		case '\t':
			buf.WriteString(`\t`)
		default:
			if r < 0x20 {
				buf.WriteString(`\u00`)
				buf.WriteByte(hexDigits[r>>4])
				buf.WriteByte(hexDigits[r&0xF])
				continue
			}
			buf.WriteRune(r)
		}
	}
	buf.WriteByte('"')
}

const hexDigits = "0123456789abcdef"

// writeFloat formats numbers the way ECMAScript Number#toString does.
// encoding/json already implements the ES6 algorithm for finite values; the
// remaining differences are -0 and the non-finite values.
func writeFloat(buf *bytes.Buffer, f float64) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		buf.WriteString("null")
		return
	}
	if f == 0 {
		buf.WriteByte('0')
		return
	}
	data, err := json.Marshal(f)
	if err != nil {
		buf.WriteString("null")
		return
	}
	buf.Write(data)
}

// sortObjectKeys orders keys the way a JavaScript engine enumerates an object
// built from Object.keys(v).sort(): integer-like keys first in ascending
// numeric order, then all other keys by UTF-16 code units.
func sortObjectKeys(keys []string) {
	slices.SortFunc(keys, func(a, b string) int {
		ai, aIdx := arrayIndex(a)
		bi, bIdx := arrayIndex(b)
		switch {
		case aIdx && bIdx:
			switch {
			case ai < bi:
				return -1
			case ai > bi:
				return 1
			}
			return 0
		case aIdx:
			return -1
		case bIdx:
			return 1
		}
		return compareUTF16(a, b)
	})
}

// arrayIndex reports whether s is a canonical array index ("0", "17", never
// "017"), which JavaScript enumerates before string keys.
func arrayIndex(s string) (uint64, bool) {
	if s == "" || len(s) > 10 || (len(s) > 1 && s[0] == '0') {
		return 0, false
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil || n >= math.MaxUint32 {
		return 0, false
	}
	return n, true
}

// compareUTF16 compares strings by UTF-16 code units. Go's native string
// comparison uses UTF-8 bytes, which orders astral characters differently.
func compareUTF16(a, b string) int {
	a16 := utf16.Encode([]rune(a))
	b16 := utf16.Encode([]rune(b))

	n := min(len(a16), len(b16))
	for i := 0; i < n; i++ {
		if a16[i] != b16[i] {
			if a16[i] < b16[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a16) < len(b16):
		return -1
	case len(a16) > len(b16):
		return 1
	}
	return 0
}
