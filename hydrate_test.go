package relic

import (
	"database/sql"
	"errors"
	"reflect"
	"testing"
	"time"
)

func TestCoerce(t *testing.T) {
	if v, err := coerce([]byte("ada"), reflect.TypeOf(""), "Name"); err != nil || v != "ada" {
		t.Errorf("bytes to string = %v, %v", v, err)
	}
	if v, err := coerce(int64(1), reflect.TypeOf(false), "Active"); err != nil || v != true {
		t.Errorf("int to bool = %v, %v", v, err)
	}
	if v, err := coerce(int64(7), reflect.TypeOf(int32(0)), "Rank"); err != nil || v != int32(7) {
		t.Errorf("int64 to int32 = %v, %v", v, err)
	}
	if v, err := coerce("2024-05-01 10:00:00", reflect.TypeOf(time.Time{}), "CreatedAt"); err != nil {
		t.Errorf("string to time: %v", err)
	} else if v.(time.Time).Day() != 1 {
		t.Errorf("parsed time = %v", v)
	}
	if v, err := coerce(time.Now(), reflect.TypeOf(sql.NullTime{}), "DeletedAt"); err != nil || !v.(sql.NullTime).Valid {
		t.Errorf("time to NullTime = %v, %v", v, err)
	}
	if v, err := coerce(nil, reflect.TypeOf(""), "Name"); err != nil || v != "" {
		t.Errorf("nil to zero = %v, %v", v, err)
	}
}

func TestCoerceIntToStringIsError(t *testing.T) {
	// Go's int-to-string conversion is a rune conversion; a numeric driver
	// value landing on a string property must surface as an error, not "A"
	_, err := coerce(int64(65), reflect.TypeOf(""), "Name")
	var ce *CoercionError
	if !errors.As(err, &ce) {
		t.Fatalf("expected CoercionError, got %v", err)
	}
	if ce.Property != "Name" {
		t.Errorf("property = %q", ce.Property)
	}
}
