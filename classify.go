package relic

import (
	"database/sql/driver"
	"reflect"
	"time"
)

// PropKind classifies a declared property type as something the storage
// layer handles natively, a single related entity, or a collection of
// related entities.
type PropKind int

const (
	// KindPrimitive is a storage-native value (string, numeric, bool,
	// time, nullable time, byte slice, or anything implementing
	// driver.Valuer).
	KindPrimitive PropKind = iota

	// KindEntity is a pointer to another registered model type.
	KindEntity

	// KindCollection is a slice of pointers to another registered model type.
	KindCollection
)

func (k PropKind) String() string {
	switch k {
	case KindEntity:
		return "entity"
	case KindCollection:
		return "collection"
	default:
		return "primitive"
	}
}

var (
	modelInterface = reflect.TypeOf((*Model)(nil)).Elem()
	valuerType     = reflect.TypeOf((*driver.Valuer)(nil)).Elem()
	timeType       = reflect.TypeOf(time.Time{})
)

// classifyType inspects a struct field type and returns its kind plus, for
// relation kinds, the element struct type. Navigation properties must be
// declared as *T (single) or []*T (collection) where *T satisfies Model.
func classifyType(t reflect.Type) (PropKind, reflect.Type) {
	switch t.Kind() {
	case reflect.Pointer:
		if isModelStruct(t.Elem()) {
			return KindEntity, t.Elem()
		}
	case reflect.Slice:
		elem := t.Elem()
		if elem.Kind() == reflect.Pointer && isModelStruct(elem.Elem()) {
			return KindCollection, elem.Elem()
		}
	}
	return KindPrimitive, nil
}

// isModelStruct reports whether *t satisfies the Model capability interface,
// i.e. t is a struct embedding Entity.
func isModelStruct(t reflect.Type) bool {
	if t.Kind() != reflect.Struct {
		return false
	}
	return reflect.PointerTo(t).Implements(modelInterface)
}

// isStorable reports whether a primitive property type can round-trip
// through the database layer.
func isStorable(t reflect.Type) bool {
	switch t.Kind() {
	case reflect.String, reflect.Bool,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	}
	if t == timeType {
		return true
	}
	if t.Kind() == reflect.Slice && t.Elem().Kind() == reflect.Uint8 {
		return true
	}
	return t.Implements(valuerType) || reflect.PointerTo(t).Implements(valuerType)
}
