package relic

import (
	"reflect"

	"github.com/iancoleman/strcase"
)

// ToRecord renders an entity as a plain key/value map: primitive
// properties under lowerCamel keys, loaded relation properties as nested
// records. Unloaded relations and previously visited instances are
// omitted, so cyclic graphs render once per instance.
func ToRecord(m Model) (map[string]any, error) {
	return toRecord(m, map[*Entity]bool{})
}

func toRecord(m Model, visited map[*Entity]bool) (map[string]any, error) {
	d, err := descriptorOf(m)
	if err != nil {
		return nil, err
	}
	st := m.ModelState()
	visited[st] = true

	v := reflect.ValueOf(m).Elem()
	rec := make(map[string]any, len(d.Properties))
	for _, p := range d.Properties {
		key := strcase.ToLowerCamel(p.Name)
		switch p.Kind {
		case KindPrimitive:
			rec[key] = storageValue(v.FieldByIndex(p.Index).Interface())
		case KindEntity:
			field := v.FieldByIndex(p.Index)
			if field.IsNil() {
				continue
			}
			child := field.Interface().(Model)
			if visited[child.ModelState()] {
				continue
			}
			sub, err := toRecord(child, visited)
			if err != nil {
				return nil, err
			}
			rec[key] = sub
		case KindCollection:
			field := v.FieldByIndex(p.Index)
			if field.IsNil() {
				continue
			}
			subs := make([]map[string]any, 0, field.Len())
			for i := 0; i < field.Len(); i++ {
				if field.Index(i).IsNil() {
					continue
				}
				child := field.Index(i).Interface().(Model)
				if visited[child.ModelState()] {
					continue
				}
				sub, err := toRecord(child, visited)
				if err != nil {
					return nil, err
				}
				subs = append(subs, sub)
			}
			rec[key] = subs
		}
	}
	return rec, nil
}

// FromRecord assigns primitive properties from a lowerCamel-keyed map,
// coercing each value to its declared type. Unknown keys and relation
// properties are ignored.
func FromRecord(m Model, rec map[string]any) error {
	d, err := descriptorOf(m)
	if err != nil {
		return err
	}
	for _, p := range d.Properties {
		if p.Kind != KindPrimitive {
			continue
		}
		raw, ok := rec[strcase.ToLowerCamel(p.Name)]
		if !ok {
			// exact property names are accepted too
			raw, ok = rec[p.Name]
		}
		if !ok {
			continue
		}
		if err := d.SetValue(m, p.Name, raw); err != nil {
			return err
		}
	}
	return nil
}
