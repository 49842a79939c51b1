package relic

import (
	"database/sql"
	"reflect"
	"sort"
	"time"
)

// Model is the capability interface every mapped type satisfies by
// embedding Entity. The descriptor table provides property get/set and the
// engine reaches the tracking state through ModelState.
type Model interface {
	ModelState() *Entity
}

// Entity is the embeddable base for every mapped type. It carries the row
// identity, the audit timestamps, the soft-delete marker, and the
// change-tracking state captured at load or construction time.
//
//	type User struct {
//	    relic.Entity
//	    Name  string
//	    Posts []*Post
//	}
type Entity struct {
	Id         int64
	CreatedAt  time.Time
	ModifiedAt time.Time
	DeletedAt  sql.NullTime

	// originals is the snapshot of primitive property values taken at
	// hydration/construction and after every successful save.
	originals map[string]any

	// refBaseline maps to-one relation property names to the related Id
	// observed at snapshot time (0 = none).
	refBaseline map[string]int64

	// collBaseline maps collection relation property names to the sorted
	// related Ids observed at snapshot time.
	collBaseline map[string][]int64

	// fks holds raw foreign-key column values captured from the row at
	// hydration, or assigned by a parent save before the child is written.
	fks map[string]int64

	// loaded marks relation properties whose loader already ran.
	loaded map[string]bool

	graph *graph
}

// ModelState returns the embedded tracking state; it is what makes any
// struct embedding Entity satisfy Model.
func (e *Entity) ModelState() *Entity { return e }

// Persisted reports whether the entity has a database identity.
func (e *Entity) Persisted() bool { return e.Id != 0 }

// Trashed reports whether the entity carries a soft-delete marker.
func (e *Entity) Trashed() bool { return e.DeletedAt.Valid }

// Baseline setters tolerate entities constructed by hand, which carry no
// snapshot until their first save.

func (e *Entity) markLoaded(prop string) {
	if e.loaded == nil {
		e.loaded = map[string]bool{}
	}
	e.loaded[prop] = true
}

func (e *Entity) setRefBaseline(prop string, id int64) {
	if e.refBaseline == nil {
		e.refBaseline = map[string]int64{}
	}
	e.refBaseline[prop] = id
}

func (e *Entity) setCollBaseline(prop string, ids []int64) {
	if e.collBaseline == nil {
		e.collBaseline = map[string][]int64{}
	}
	e.collBaseline[prop] = ids
}

// graph holds the caches shared across one object graph: the identity
// arena that deduplicates instances during hydration and terminates
// relation cycles, and the query-result cache keyed by builder fingerprint.
type graph struct {
	entities map[identityKey]Model
	queries  map[uint64][]map[string]any
}

type identityKey struct {
	Type string
	Id   int64
}

func newGraph() *graph {
	return &graph{
		entities: map[identityKey]Model{},
		queries:  map[uint64][]map[string]any{},
	}
}

func (g *graph) lookup(typeName string, id int64) (Model, bool) {
	m, ok := g.entities[identityKey{typeName, id}]
	return m, ok
}

func (g *graph) store(typeName string, id int64, m Model) {
	g.entities[identityKey{typeName, id}] = m
}

// graphOf returns the entity's shared graph state, creating a fresh one for
// entities constructed outside of hydration.
func graphOf(m Model) *graph {
	st := m.ModelState()
	if st.graph == nil {
		st.graph = newGraph()
	}
	return st.graph
}

// snapshot recaptures the originals bag and the relation baselines so the
// entity reports zero dirty properties. Called immediately after hydration
// and after every successful save.
func snapshot(d *Descriptor, m Model) {
	st := m.ModelState()
	st.originals = make(map[string]any, len(d.Properties))
	st.refBaseline = map[string]int64{}
	st.collBaseline = map[string][]int64{}
	if st.fks == nil {
		st.fks = map[string]int64{}
	}
	if st.loaded == nil {
		st.loaded = map[string]bool{}
	}

	v := reflect.ValueOf(m).Elem()
	for _, p := range d.Properties {
		switch p.Kind {
		case KindPrimitive:
			if p.Name == "Id" {
				continue
			}
			st.originals[p.Name] = copyValue(v.FieldByIndex(p.Index).Interface())
		case KindEntity:
			st.refBaseline[p.Name] = currentRef(d, m, p)
		case KindCollection:
			st.collBaseline[p.Name] = collectionIds(v.FieldByIndex(p.Index))
		}
	}
}

// currentRef resolves the Id an entity-valued property points at right now:
// the pointer target's Id when loaded, otherwise the raw foreign-key value
// captured at hydration or assigned by a parent save.
func currentRef(d *Descriptor, m Model, p *Property) int64 {
	v := reflect.ValueOf(m).Elem().FieldByIndex(p.Index)
	if !v.IsNil() {
		return v.Interface().(Model).ModelState().Id
	}
	if rel := d.relationFor(p.Name); rel != nil && rel.fkOnLocal() {
		return m.ModelState().fks[rel.ForeignKeyColumn]
	}
	return 0
}

// collectionIds returns the sorted persisted Ids of a []*T field. A value
// of -1 stands in for each unpersisted element so that adding a new, not
// yet saved entity still makes the collection differ from its baseline.
func collectionIds(v reflect.Value) []int64 {
	ids := make([]int64, 0, v.Len())
	for i := 0; i < v.Len(); i++ {
		if v.Index(i).IsNil() {
			continue
		}
		id := v.Index(i).Interface().(Model).ModelState().Id
		if id == 0 {
			id = -1
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func sameIds(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// ModifiedProps returns the names of properties whose current value differs
// from the snapshot, in declaration order. Collection-valued relation
// properties are compared by content, not by reference.
func ModifiedProps(m Model) ([]string, error) {
	d, err := descriptorOf(m)
	if err != nil {
		return nil, err
	}
	st := m.ModelState()
	v := reflect.ValueOf(m).Elem()

	var dirty []string
	for _, p := range d.Properties {
		switch p.Kind {
		case KindPrimitive:
			if p.Name == "Id" {
				continue
			}
			orig, ok := st.originals[p.Name]
			if !ok {
				continue
			}
			if !reflect.DeepEqual(orig, v.FieldByIndex(p.Index).Interface()) {
				dirty = append(dirty, p.Name)
			}
		case KindEntity:
			if st.refBaseline == nil {
				continue
			}
			if currentRef(d, m, p) != st.refBaseline[p.Name] {
				dirty = append(dirty, p.Name)
			}
		case KindCollection:
			if st.collBaseline == nil {
				continue
			}
			if !sameIds(collectionIds(v.FieldByIndex(p.Index)), st.collBaseline[p.Name]) {
				dirty = append(dirty, p.Name)
			}
		}
	}
	return dirty, nil
}

// IsDirty reports whether the named property differs from its snapshot.
func IsDirty(m Model, prop string) (bool, error) {
	dirty, err := ModifiedProps(m)
	if err != nil {
		return false, err
	}
	for _, name := range dirty {
		if name == prop {
			return true, nil
		}
	}
	return false, nil
}

// Original returns the snapshot value of a primitive property, or nil when
// the entity has never been snapshotted or the property is unknown.
func Original(m Model, prop string) any {
	st := m.ModelState()
	if st.originals == nil {
		return nil
	}
	return st.originals[prop]
}

func copyValue(v any) any {
	if b, ok := v.([]byte); ok {
		if b == nil {
			return []byte(nil)
		}
		cp := make([]byte, len(b))
		copy(cp, b)
		return cp
	}
	return v
}
