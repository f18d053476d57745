package mutation

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Identity reads and sets the id of a record. Clone returns a copy that an
// update patch may modify without touching the cached record.
type Identity[T any] struct {
	ID     func(T) string
	WithID func(T, string) T
	Clone  func(T) T
}

func (i Identity[T]) complete() Identity[T] {
	fallback := ReflectIdentity[T]()
	if i.ID == nil {
		i.ID = fallback.ID
	}
	if i.WithID == nil {
		i.WithID = fallback.WithID
	}
	if i.Clone == nil {
		i.Clone = fallback.Clone
	}
	return i
}

// ReflectIdentity finds the id field of a struct record by name (ID, Id) or
// by a json tag of "id". String, integer and uuid.UUID fields are supported.
// Pointer records are cloned with a shallow copy of the pointed-to value.
func ReflectIdentity[T any]() Identity[T] {
	return Identity[T]{ID: extractID[T], WithID: assignID[T], Clone: shallowCopy[T]}
}

// shallowCopy copies the value behind a pointer record. Values are returned
// as is since they are already copied on assignment.
func shallowCopy[T any](record T) T {
	v := reflect.ValueOf(record)
	if !v.IsValid() || v.Kind() != reflect.Ptr || v.IsNil() {
		return record
	}
	cp := reflect.New(v.Elem().Type())
	cp.Elem().Set(v.Elem())
	return cp.Interface().(T)
}

func extractID[T any](record T) string {
	v := reflect.ValueOf(record)
	if v.Kind() == reflect.Ptr {
		if v.IsNil() {
			return ""
		}
		v = v.Elem()
	}
	field, ok := idField(v)
	if !ok || !field.CanInterface() {
		return ""
	}
	if id, ok := field.Interface().(uuid.UUID); ok {
		if id == uuid.Nil {
			return ""
		}
		return id.String()
	}
	if field.IsZero() {
		return ""
	}
	return fmt.Sprintf("%v", field.Interface())
}

func assignID[T any](record T, id string) T {
	v := reflect.ValueOf(record)
	if !v.IsValid() {
		return record
	}

	if v.Kind() == reflect.Ptr {
		if v.IsNil() {
			return record
		}
		cp := shallowCopy(record)
		if setID(reflect.ValueOf(cp).Elem(), id) {
			return cp
		}
		return record
	}

	cp := reflect.New(v.Type()).Elem()
	cp.Set(v)
	if setID(cp, id) {
		return cp.Interface().(T)
	}
	return record
}

func setID(v reflect.Value, id string) bool {
	field, ok := idField(v)
	if !ok || !field.CanSet() {
		return false
	}

	if field.Type() == reflect.TypeOf(uuid.UUID{}) {
		// temporary ids keep their uuid part
		parsed, err := uuid.Parse(strings.TrimPrefix(id, TempIDPrefix))
		if err != nil {
			return false
		}
		field.Set(reflect.ValueOf(parsed))
		return true
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(id)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(id, 10, 64)
		if err != nil {
			return false
		}
		field.SetInt(n)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, err := strconv.ParseUint(id, 10, 64)
		if err != nil {
			return false
		}
		field.SetUint(n)
	default:
		return false
	}
	return true
}

func idField(v reflect.Value) (reflect.Value, bool) {
	if v.Kind() != reflect.Struct {
		return reflect.Value{}, false
	}
	for _, name := range []string{"ID", "Id"} {
		if field := v.FieldByName(name); field.IsValid() {
			return field, true
		}
	}
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		tag := t.Field(i).Tag.Get("json")
		if name, _, _ := strings.Cut(tag, ","); name == "id" {
			return v.Field(i), true
		}
	}
	return reflect.Value{}, false
}
