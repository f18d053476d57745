package query

import (
	"fmt"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/goliatone/go-query-cache/cache"
)

// FieldValue reads field from record. Maps are looked up by key; structs
// match the json tag, the bun column tag, or the Go field name ignoring case
// and underscores, so "due_date" finds DueDate.
func FieldValue(record any, field string) (any, bool) {
	rv := reflect.ValueOf(record)
	for rv.Kind() == reflect.Ptr || rv.Kind() == reflect.Interface {
		if rv.IsNil() {
			return nil, false
		}
		rv = rv.Elem()
	}

	switch rv.Kind() {
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, false
		}
		v := rv.MapIndex(reflect.ValueOf(field).Convert(rv.Type().Key()))
		if !v.IsValid() {
			return nil, false
		}
		return v.Interface(), true
	case reflect.Struct:
		idx, ok := fieldIndex(rv.Type(), field)
		if !ok {
			return nil, false
		}
		fv := rv.FieldByIndex(idx)
		for fv.Kind() == reflect.Ptr {
			if fv.IsNil() {
				return nil, true
			}
			fv = fv.Elem()
		}
		return fv.Interface(), true
	}
	return nil, false
}

func fieldIndex(rt reflect.Type, field string) ([]int, bool) {
	loose := strings.ReplaceAll(field, "_", "")
	var fallback []int
	for i := 0; i < rt.NumField(); i++ {
		sf := rt.Field(i)
		if !sf.IsExported() {
			continue
		}
		if sf.Anonymous && sf.Type.Kind() == reflect.Struct {
			if idx, ok := fieldIndex(sf.Type, field); ok {
				return append([]int{i}, idx...), true
			}
			continue
		}
		if tagName(sf.Tag.Get("json")) == field || tagName(sf.Tag.Get("bun")) == field {
			return sf.Index, true
		}
		if fallback == nil && strings.EqualFold(sf.Name, loose) {
			fallback = sf.Index
		}
	}
	return fallback, fallback != nil
}

func tagName(tag string) string {
	name, _, _ := strings.Cut(tag, ",")
	if name == "-" {
		return ""
	}
	return name
}

// Compare orders two values: numbers numerically, times chronologically,
// strings lexically and anything else by its canonical encoding. nil sorts
// first.
func Compare(a, b any) int {
	if a == nil || b == nil {
		switch {
		case a == nil && b == nil:
			return 0
		case a == nil:
			return -1
		default:
			return 1
		}
	}

	if at, ok := asTime(a); ok {
		if bt, ok := asTime(b); ok {
			return at.Compare(bt)
		}
	}
	if af, ok := asFloat(a); ok {
		if bf, ok := asFloat(b); ok {
			switch {
			case af < bf:
				return -1
			case af > bf:
				return 1
			default:
				return 0
			}
		}
	}
	if as, ok := asString(a); ok {
		if bs, ok := asString(b); ok {
			return strings.Compare(as, bs)
		}
	}
	return strings.Compare(cache.EncodeValue(a), cache.EncodeValue(b))
}

func asTime(v any) (time.Time, bool) {
	switch tv := v.(type) {
	case time.Time:
		return tv, true
	case *time.Time:
		if tv == nil {
			return time.Time{}, false
		}
		return *tv, true
	case string:
		if t, err := time.Parse(time.RFC3339Nano, tv); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func asFloat(v any) (float64, bool) {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int()), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(rv.Uint()), true
	case reflect.Float32, reflect.Float64:
		return rv.Float(), true
	}
	return 0, false
}

func asString(v any) (string, bool) {
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.String {
		return rv.String(), true
	}
	if s, ok := v.(fmt.Stringer); ok {
		return s.String(), true
	}
	return "", false
}

func containsFold(value any, needle string) bool {
	if value == nil {
		return false
	}
	s, ok := asString(value)
	if !ok {
		s = fmt.Sprint(value)
	}
	return strings.Contains(strings.ToLower(s), strings.ToLower(needle))
}

// Matches reports whether record satisfies every predicate.
func Matches(record any, preds []cache.Predicate) bool {
	for _, p := range preds {
		if !matchOne(record, p) {
			return false
		}
	}
	return true
}

func matchOne(record any, p cache.Predicate) bool {
	if p.Op == cache.OpSearch {
		needle, _ := p.Value().(string)
		for _, field := range p.Fields {
			if v, ok := FieldValue(record, field); ok && containsFold(v, needle) {
				return true
			}
		}
		return false
	}

	v, ok := FieldValue(record, p.Field)
	if !ok {
		return false
	}

	switch p.Op {
	case cache.OpEq:
		return Compare(v, p.Value()) == 0
	case cache.OpIn:
		for _, candidate := range p.Values {
			if Compare(v, candidate) == 0 {
				return true
			}
		}
		return false
	case cache.OpGte:
		return v != nil && Compare(v, p.Value()) >= 0
	case cache.OpLte:
		return v != nil && Compare(v, p.Value()) <= 0
	case cache.OpContains:
		needle, _ := p.Value().(string)
		return containsFold(v, needle)
	}
	return false
}

// SortItems orders items in place by s. Items missing the key keep their
// relative order.
func SortItems[T any](items []T, s cache.Sort) {
	if s.Key == "" {
		return
	}
	desc := s.Direction == cache.SortDesc
	sort.SliceStable(items, func(i, j int) bool {
		a, _ := FieldValue(items[i], s.Key)
		b, _ := FieldValue(items[j], s.Key)
		c := Compare(a, b)
		if desc {
			return c > 0
		}
		return c < 0
	})
}

// Apply runs q against an in-memory slice: filter, sort, then window.
func Apply[T any](items []T, q cache.RemoteQuery) cache.Rows[T] {
	matched := make([]T, 0, len(items))
	for _, item := range items {
		if Matches(item, q.Predicates) {
			matched = append(matched, item)
		}
	}
	SortItems(matched, q.Sort)

	total := len(matched)
	from := q.Offset
	if from > total {
		from = total
	}
	to := total
	if q.Limit > 0 && from+q.Limit < total {
		to = from + q.Limit
	}
	window := append([]T(nil), matched[from:to]...)
	if window == nil {
		window = []T{}
	}
	return cache.Rows[T]{Items: window, TotalCount: total}
}
