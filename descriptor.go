package relic

import (
	"fmt"
	"reflect"
	"sync"

	"github.com/gertd/go-pluralize"
)

// TableNamer lets a model override the pluralized table name derived from
// its type name.
type TableNamer interface {
	TableName() string
}

// Property describes one declared property of a model type: its name, its
// classification, and a typed accessor path into the struct.
type Property struct {
	Name    string
	Kind    PropKind
	Type    reflect.Type // value type for primitives, element struct type for relations
	Index   []int
	Builtin bool // Id, CreatedAt, ModifiedAt, DeletedAt
}

// Descriptor is the per-type property table built once per process. It is
// what the discoverer, the dirty tracker, and the hydration engine consume
// instead of inspecting types at every call site.
type Descriptor struct {
	Type     reflect.Type
	Name     string // simple type name, e.g. "User"
	Singular string
	Table    string // pluralized type name unless overridden

	Properties []*Property // declaration order, builtins first
	byName     map[string]*Property

	// relations holds this type's sides of the discovered relation set,
	// filled in by Discover.
	relations []*Relation
}

// New constructs a zero-valued instance of the described type.
func (d *Descriptor) New() Model {
	return reflect.New(d.Type).Interface().(Model)
}

// Property returns the named property descriptor, or nil.
func (d *Descriptor) Property(name string) *Property {
	return d.byName[name]
}

// Value reads a property by name through the descriptor table.
func (d *Descriptor) Value(m Model, name string) (any, error) {
	p := d.byName[name]
	if p == nil {
		return nil, fmt.Errorf("relic: %s has no property %s", d.Name, name)
	}
	return reflect.ValueOf(m).Elem().FieldByIndex(p.Index).Interface(), nil
}

// SetValue writes a property by name, coercing the value to the property's
// declared type.
func (d *Descriptor) SetValue(m Model, name string, value any) error {
	p := d.byName[name]
	if p == nil {
		return fmt.Errorf("relic: %s has no property %s", d.Name, name)
	}
	field := reflect.ValueOf(m).Elem().FieldByIndex(p.Index)
	if p.Kind != KindPrimitive {
		v := reflect.ValueOf(value)
		if !v.IsValid() {
			field.Set(reflect.Zero(field.Type()))
			return nil
		}
		if !v.Type().AssignableTo(field.Type()) {
			return &CoercionError{Property: name, Value: value, Target: field.Type().String()}
		}
		field.Set(v)
		return nil
	}
	coerced, err := coerce(value, field.Type(), name)
	if err != nil {
		return err
	}
	field.Set(reflect.ValueOf(coerced))
	return nil
}

// Relations returns this type's declared sides of the discovered relation
// set, in discovery order.
func (d *Descriptor) Relations() []*Relation { return d.relations }

func (d *Descriptor) relationFor(prop string) *Relation {
	for _, r := range d.relations {
		if r.LocalProperty == prop {
			return r
		}
	}
	return nil
}

// registry is the process-wide model set. Computed state (descriptors and
// discovered relations) is built on first use and torn down by Reset.
type registry struct {
	mu          sync.RWMutex
	byName      map[string]*Descriptor
	byType      map[reflect.Type]*Descriptor
	order       []string // type names sorted for deterministic enumeration
	relations   []*Relation
	discovered  bool
	discoverErr error
}

var (
	models = &registry{byName: map[string]*Descriptor{}, byType: map[reflect.Type]*Descriptor{}}
	plural = pluralize.NewClient()
)

// Register adds model types to the process-wide registry. It must be called
// with every mapped type before the first query or save; relation discovery
// runs over the full registered set.
func Register(ms ...Model) error {
	models.mu.Lock()
	defer models.mu.Unlock()

	for _, m := range ms {
		t := reflect.TypeOf(m)
		for t.Kind() == reflect.Pointer {
			t = t.Elem()
		}
		if t.Kind() != reflect.Struct {
			return fmt.Errorf("%w: %s", ErrNotAStruct, t)
		}
		if _, ok := models.byType[t]; ok {
			continue
		}
		d, err := buildDescriptor(t, m)
		if err != nil {
			return err
		}
		models.byName[d.Name] = d
		models.byType[t] = d
		models.order = insertSorted(models.order, d.Name)
	}
	// a changed model set invalidates cached relation metadata
	models.relations = nil
	models.discovered = false
	models.discoverErr = nil
	return nil
}

// Reset clears the registry and all computed metadata. Intended for test
// isolation; production code registers once at startup.
func Reset() {
	models.mu.Lock()
	defer models.mu.Unlock()
	models.byName = map[string]*Descriptor{}
	models.byType = map[reflect.Type]*Descriptor{}
	models.order = nil
	models.relations = nil
	models.discovered = false
	models.discoverErr = nil
	defaultConn = nil
}

// Descriptors returns every registered descriptor in sorted type-name order.
func Descriptors() []*Descriptor {
	models.mu.RLock()
	defer models.mu.RUnlock()
	out := make([]*Descriptor, 0, len(models.order))
	for _, name := range models.order {
		out = append(out, models.byName[name])
	}
	return out
}

// descriptorOf resolves the descriptor for a live model instance.
func descriptorOf(m Model) (*Descriptor, error) {
	t := reflect.TypeOf(m)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	models.mu.RLock()
	d, ok := models.byType[t]
	models.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotRegistered, t)
	}
	return d, nil
}

func descriptorByName(name string) *Descriptor {
	models.mu.RLock()
	defer models.mu.RUnlock()
	return models.byName[name]
}

func buildDescriptor(t reflect.Type, probe Model) (*Descriptor, error) {
	name := t.Name()
	d := &Descriptor{
		Type:     t,
		Name:     name,
		Singular: name,
		Table:    plural.Plural(name),
		byName:   map[string]*Property{},
	}
	if namer, ok := probe.(TableNamer); ok {
		if tn := namer.TableName(); tn != "" {
			d.Table = tn
		}
	}

	entityType := reflect.TypeOf(Entity{})
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if field.PkgPath != "" {
			continue
		}
		if field.Anonymous && field.Type == entityType {
			// builtins surface as ordinary properties of the model
			for _, builtin := range []string{"Id", "CreatedAt", "ModifiedAt", "DeletedAt"} {
				sub, _ := entityType.FieldByName(builtin)
				p := &Property{
					Name:    builtin,
					Kind:    KindPrimitive,
					Type:    sub.Type,
					Index:   append([]int{i}, sub.Index...),
					Builtin: true,
				}
				d.Properties = append(d.Properties, p)
				d.byName[p.Name] = p
			}
			continue
		}
		if field.Tag.Get("relic") == "-" {
			continue
		}

		kind, elem := classifyType(field.Type)
		p := &Property{Name: field.Name, Kind: kind, Index: field.Index}
		switch kind {
		case KindPrimitive:
			if !isStorable(field.Type) {
				return nil, fmt.Errorf("relic: %s.%s has unsupported type %s", name, field.Name, field.Type)
			}
			p.Type = field.Type
		default:
			p.Type = elem
		}
		d.Properties = append(d.Properties, p)
		d.byName[p.Name] = p
	}

	if d.byName["Id"] == nil {
		return nil, fmt.Errorf("relic: %s does not embed relic.Entity", name)
	}
	return d, nil
}

func insertSorted(names []string, name string) []string {
	i := 0
	for i < len(names) && names[i] < name {
		i++
	}
	names = append(names, "")
	copy(names[i+1:], names[i:])
	names[i] = name
	return names
}

// primitiveColumns returns the writable primitive property names, Id
// excluded, in declaration order.
func (d *Descriptor) primitiveColumns() []string {
	cols := make([]string, 0, len(d.Properties))
	for _, p := range d.Properties {
		if p.Kind == KindPrimitive && p.Name != "Id" {
			cols = append(cols, p.Name)
		}
	}
	return cols
}

// foreignKeyColumns returns the foreign-key columns this type's table
// carries, one per to-one relation whose key lives locally.
func (d *Descriptor) foreignKeyColumns() []string {
	var cols []string
	seen := map[string]bool{}
	for _, r := range d.relations {
		if r.fkOnLocal() && !seen[r.ForeignKeyColumn] {
			seen[r.ForeignKeyColumn] = true
			cols = append(cols, r.ForeignKeyColumn)
		}
	}
	return cols
}
