package cache

import (
	"encoding"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"
)

// EncodeValue produces a deterministic string for v. It is used for filter
// values inside descriptors so that two logically identical descriptors
// always produce the same key segment.
//
// Strings are quoted so "1" and 1 never collide, maps are emitted with sorted
// keys, values implementing encoding.TextMarshaler (time.Time, uuid.UUID) use
// their text form, and anything else falls back to JSON.
func EncodeValue(v any) string {
	return defaultEncoder.encode(v)
}

type valueEncoder struct{}

var defaultEncoder valueEncoder

var textMarshalerType = reflect.TypeOf((*encoding.TextMarshaler)(nil)).Elem()

func (e valueEncoder) encode(v any) string {
	if v == nil {
		return "nil"
	}

	switch tv := v.(type) {
	case string:
		return strconv.Quote(tv)
	case time.Time:
		return "time:" + tv.UTC().Format(time.RFC3339Nano)
	case time.Duration:
		return "dur:" + tv.String()
	}

	rv := reflect.ValueOf(v)
	rt := rv.Type()

	if rt.Kind() == reflect.Ptr {
		if rv.IsNil() {
			return "nil"
		}
		return e.encode(rv.Elem().Interface())
	}

	if rt.Implements(textMarshalerType) {
		if text, err := v.(encoding.TextMarshaler).MarshalText(); err == nil {
			return "text:" + strconv.Quote(string(text))
		}
	}

	switch rt.Kind() {
	case reflect.Slice:
		if rv.IsNil() {
			return "slice:nil"
		}
		return e.encodeList("slice", rv)
	case reflect.Array:
		return e.encodeList("array", rv)
	case reflect.Map:
		if rv.IsNil() {
			return "map:nil"
		}
		return e.encodeMap(rv)
	case reflect.Struct:
		return e.encodeStruct(rv, rt)
	case reflect.Interface:
		if rv.IsNil() {
			return "nil"
		}
		return e.encode(rv.Elem().Interface())
	case reflect.Func, reflect.Chan, reflect.UnsafePointer:
		// not stable across processes, keep the type only
		return "opaque:" + rt.String()
	}

	if rt.Kind() == reflect.String {
		return strconv.Quote(rv.String())
	}
	if isBasicKind(rt.Kind()) {
		return fmt.Sprintf("%v", v)
	}

	return e.jsonFallback(v)
}

func (e valueEncoder) encodeList(kind string, rv reflect.Value) string {
	length := rv.Len()
	parts := make([]string, length)
	for i := 0; i < length; i++ {
		parts[i] = e.encode(rv.Index(i).Interface())
	}
	return fmt.Sprintf("%s[%d]:{%s}", kind, length, strings.Join(parts, ","))
}

func (e valueEncoder) encodeMap(rv reflect.Value) string {
	pairs := make([]string, 0, rv.Len())
	iter := rv.MapRange()
	for iter.Next() {
		pairs = append(pairs, e.encode(iter.Key().Interface())+"="+e.encode(iter.Value().Interface()))
	}
	sort.Strings(pairs)
	return fmt.Sprintf("map[%d]:{%s}", len(pairs), strings.Join(pairs, ","))
}

func (e valueEncoder) encodeStruct(rv reflect.Value, rt reflect.Type) string {
	parts := make([]string, 0, rv.NumField())
	for i := 0; i < rv.NumField(); i++ {
		field := rt.Field(i)
		if !field.IsExported() {
			continue
		}
		fv := rv.Field(i)
		if !fv.CanInterface() {
			continue
		}
		parts = append(parts, field.Name+":"+e.encode(fv.Interface()))
	}
	return fmt.Sprintf("struct:{%s}", strings.Join(parts, ","))
}

func (e valueEncoder) jsonFallback(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return "fallback:" + reflect.TypeOf(v).String()
	}
	return "json:" + string(data)
}

func isBasicKind(kind reflect.Kind) bool {
	switch kind {
	case reflect.Bool,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64,
		reflect.Complex64, reflect.Complex128,
		reflect.String:
		return true
	default:
		return false
	}
}

func sortStrings(values []string) {
	sort.Strings(values)
}
