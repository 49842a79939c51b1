package relic

import (
	"context"
	"database/sql"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"time"
)

var scannerType = reflect.TypeOf((*sql.Scanner)(nil)).Elem()

// coerce converts a raw driver value into the target property type. Drivers
// disagree on what they hand back (sqlite returns int64 for every integer
// column, []byte for text, and so on), so hydration funnels every cell
// through here.
func coerce(value any, target reflect.Type, prop string) (any, error) {
	if value == nil {
		return reflect.Zero(target).Interface(), nil
	}
	v := reflect.ValueOf(value)
	if v.Type() == target {
		return value, nil
	}
	if convertibleValue(v.Type(), target) {
		return v.Convert(target).Interface(), nil
	}

	// Scanner targets (sql.NullTime, sql.NullString, custom types) accept
	// the raw value directly.
	if reflect.PointerTo(target).Implements(scannerType) {
		out := reflect.New(target)
		if err := out.Interface().(sql.Scanner).Scan(value); err != nil {
			return nil, &CoercionError{Property: prop, Value: value, Target: target.String()}
		}
		return out.Elem().Interface(), nil
	}

	switch target.Kind() {
	case reflect.String:
		switch raw := value.(type) {
		case []byte:
			return string(raw), nil
		}
	case reflect.Bool:
		switch raw := value.(type) {
		case int64:
			return raw != 0, nil
		}
	case reflect.Slice:
		if target.Elem().Kind() == reflect.Uint8 {
			if s, ok := value.(string); ok {
				return []byte(s), nil
			}
		}
	}
	if target == timeType {
		switch raw := value.(type) {
		case string:
			return parseTime(raw, prop)
		case []byte:
			return parseTime(string(raw), prop)
		}
	}
	return nil, &CoercionError{Property: prop, Value: value, Target: target.String()}
}

// convertibleValue reports whether reflect's Convert is a faithful value
// conversion for storage purposes. Slice conversions are excluded, as is
// integer-to-string (a rune conversion in Go, not formatting) and anything
// targeting time.Time, which goes through the layout parse instead.
func convertibleValue(from, to reflect.Type) bool {
	if !from.ConvertibleTo(to) || from.Kind() == reflect.Slice || to.Kind() == reflect.Slice {
		return false
	}
	if to.Kind() == reflect.String && from.Kind() != reflect.String {
		return false
	}
	if to == timeType && from != timeType {
		return false
	}
	return true
}

var timeLayouts = []string{
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05",
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02",
}

func parseTime(raw, prop string) (any, error) {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t, nil
		}
	}
	return nil, &CoercionError{Property: prop, Value: raw, Target: "time.Time"}
}

func toInt64(value any) (int64, bool) {
	switch raw := value.(type) {
	case int64:
		return raw, true
	case int:
		return int64(raw), true
	case int32:
		return int64(raw), true
	case uint64:
		return int64(raw), true
	case float64:
		return int64(raw), true
	case []byte:
		var n int64
		_, err := fmt.Sscanf(string(raw), "%d", &n)
		return n, err == nil
	}
	return 0, false
}

// hydrateRow materializes one row into the identity arena. When the arena
// already holds an instance for the row's identity, that instance is
// returned untouched; rows never overwrite live objects mid-graph.
func hydrateRow(d *Descriptor, row map[string]any, g *graph) (Model, error) {
	rawID, ok := row["Id"]
	if !ok {
		return nil, fmt.Errorf("relic: row for %s carries no Id column", d.Name)
	}
	id, ok := toInt64(rawID)
	if !ok {
		return nil, &CoercionError{Property: "Id", Value: rawID, Target: "int64"}
	}

	if existing, ok := g.lookup(d.Name, id); ok {
		return existing, nil
	}

	m := d.New()
	st := m.ModelState()
	st.graph = g
	st.Id = id
	// register before touching relations so cycles terminate
	g.store(d.Name, id, m)

	v := reflect.ValueOf(m).Elem()
	for _, p := range d.Properties {
		if p.Kind != KindPrimitive || p.Name == "Id" {
			continue
		}
		raw, ok := row[p.Name]
		if !ok {
			continue
		}
		coerced, err := coerce(raw, p.Type, p.Name)
		if err != nil {
			return nil, err
		}
		v.FieldByIndex(p.Index).Set(reflect.ValueOf(coerced))
	}

	// foreign-key columns are not properties; capture them raw so to-one
	// accessors and the dirty tracker can see where the row points
	st.fks = map[string]int64{}
	for _, col := range d.foreignKeyColumns() {
		if raw, ok := row[col]; ok && raw != nil {
			if fk, ok := toInt64(raw); ok {
				st.fks[col] = fk
			}
		}
	}

	snapshot(d, m)
	return m, nil
}

func hydrateBatch(d *Descriptor, rows []map[string]any, g *graph) ([]Model, error) {
	out := make([]Model, 0, len(rows))
	for _, row := range rows {
		m, err := hydrateRow(d, row, g)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

// fetchRows executes a select through the graph's query-result cache; an
// identical builder fingerprint within one graph never hits the database
// twice.
func fetchRows(ctx context.Context, c *Connection, g *graph, b *Builder) ([]map[string]any, error) {
	h := b.Hash()
	if rows, ok := g.queries[h]; ok {
		return rows, nil
	}
	rows, err := c.Executor.Rows(ctx, b.Sql(), b.Parameters())
	if err != nil {
		return nil, err
	}
	g.queries[h] = rows
	return rows, nil
}

// loadRelations eagerly loads one dot-separated relation path over a batch
// of same-typed entities, issuing one batched query per path segment.
func loadRelations(ctx context.Context, c *Connection, d *Descriptor, ms []Model, path string) error {
	if len(ms) == 0 {
		return nil
	}
	head, rest, _ := strings.Cut(path, ".")
	rel := d.relationFor(head)
	if rel == nil {
		return fmt.Errorf("%w: %s.%s", ErrRelationNotFound, d.Name, head)
	}

	children, err := loadRelation(ctx, c, d, ms, rel)
	if err != nil {
		return err
	}
	if rest == "" || len(children) == 0 {
		return nil
	}
	foreign := descriptorByName(rel.ForeignType)
	return loadRelations(ctx, c, foreign, children, rest)
}

func loadRelation(ctx context.Context, c *Connection, d *Descriptor, ms []Model, rel *Relation) ([]Model, error) {
	foreign := descriptorByName(rel.ForeignType)
	if foreign == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotRegistered, rel.ForeignType)
	}
	g := graphOf(ms[0])

	switch {
	case rel.Kind == ManyToMany:
		return loadManyToMany(ctx, c, foreign, ms, rel, g)
	case rel.fkOnLocal():
		return loadReferenced(ctx, c, foreign, ms, rel, g)
	default:
		return loadReferencing(ctx, c, foreign, ms, rel, g)
	}
}

// loadReferenced resolves to-one relations whose key sits on the local
// table: one IN query over the referenced Ids.
func loadReferenced(ctx context.Context, c *Connection, foreign *Descriptor, ms []Model, rel *Relation, g *graph) ([]Model, error) {
	ids := map[int64]bool{}
	for _, m := range ms {
		if fk := m.ModelState().fks[rel.ForeignKeyColumn]; fk != 0 {
			ids[fk] = true
		}
	}
	byID := map[int64]Model{}
	if len(ids) > 0 {
		rows, err := fetchRows(ctx, c, g, selectIn(foreign, "Id", keysOf(ids)))
		if err != nil {
			return nil, err
		}
		loaded, err := hydrateBatch(foreign, rows, g)
		if err != nil {
			return nil, err
		}
		for _, child := range loaded {
			byID[child.ModelState().Id] = child
		}
	}

	var children []Model
	for _, m := range ms {
		st := m.ModelState()
		child := byID[st.fks[rel.ForeignKeyColumn]]
		assignEntity(m, rel.LocalProperty, child)
		st.markLoaded(rel.LocalProperty)
		if child != nil {
			st.setRefBaseline(rel.LocalProperty, child.ModelState().Id)
			children = append(children, child)
		}
	}
	return children, nil
}

// loadReferencing resolves relations whose key sits on the foreign table:
// collections, and the inverse half of one-to-one.
func loadReferencing(ctx context.Context, c *Connection, foreign *Descriptor, ms []Model, rel *Relation, g *graph) ([]Model, error) {
	ids := make([]int64, 0, len(ms))
	for _, m := range ms {
		if id := m.ModelState().Id; id != 0 {
			ids = append(ids, id)
		}
	}

	var loaded []Model
	rowsByFK := map[int64][]Model{}
	if len(ids) > 0 {
		b := selectIn(foreign, rel.ForeignKeyColumn, ids)
		b.OrderBy("{0}", C(foreign.Table, "Id"))
		rows, err := fetchRows(ctx, c, g, b)
		if err != nil {
			return nil, err
		}
		loaded, err = hydrateBatch(foreign, rows, g)
		if err != nil {
			return nil, err
		}
		for i, child := range loaded {
			fk, _ := toInt64(rows[i][rel.ForeignKeyColumn])
			rowsByFK[fk] = append(rowsByFK[fk], child)
		}
	}

	for _, m := range ms {
		st := m.ModelState()
		group := rowsByFK[st.Id]
		if rel.Kind == OneToOne {
			var child Model
			if len(group) > 0 {
				child = group[0]
			}
			assignEntity(m, rel.LocalProperty, child)
			if child != nil {
				st.setRefBaseline(rel.LocalProperty, child.ModelState().Id)
			}
		} else {
			assignCollection(m, rel.LocalProperty, group)
			st.setCollBaseline(rel.LocalProperty, idsOf(group))
		}
		st.markLoaded(rel.LocalProperty)
	}
	return loaded, nil
}

func loadManyToMany(ctx context.Context, c *Connection, foreign *Descriptor, ms []Model, rel *Relation, g *graph) ([]Model, error) {
	ids := make([]int64, 0, len(ms))
	for _, m := range ms {
		if id := m.ModelState().Id; id != 0 {
			ids = append(ids, id)
		}
	}

	var loaded []Model
	pairs := map[int64][]int64{}
	if len(ids) > 0 {
		pb := NewBuilder()
		pb.Select("{0}, {1}", I(rel.PivotLocalColumn), I(rel.PivotForeignColumn)).
			From("{0}", T(rel.PivotTable)).
			Where("{0} IN {1}", I(rel.PivotLocalColumn), inList(ids)).
			OrderBy("{0}, {1}", I(rel.PivotLocalColumn), I(rel.PivotForeignColumn))
		pivotRows, err := fetchRows(ctx, c, g, pb)
		if err != nil {
			return nil, err
		}
		foreignIDs := map[int64]bool{}
		for _, row := range pivotRows {
			local, _ := toInt64(row[rel.PivotLocalColumn])
			fid, _ := toInt64(row[rel.PivotForeignColumn])
			pairs[local] = append(pairs[local], fid)
			foreignIDs[fid] = true
		}

		if len(foreignIDs) > 0 {
			rows, err := fetchRows(ctx, c, g, selectIn(foreign, "Id", keysOf(foreignIDs)))
			if err != nil {
				return nil, err
			}
			loaded, err = hydrateBatch(foreign, rows, g)
			if err != nil {
				return nil, err
			}
		}
	}

	byID := map[int64]Model{}
	for _, child := range loaded {
		byID[child.ModelState().Id] = child
	}
	for _, m := range ms {
		st := m.ModelState()
		var group []Model
		for _, fid := range pairs[st.Id] {
			if child := byID[fid]; child != nil {
				group = append(group, child)
			}
		}
		assignCollection(m, rel.LocalProperty, group)
		st.setCollBaseline(rel.LocalProperty, idsOf(group))
		st.markLoaded(rel.LocalProperty)
	}
	return loaded, nil
}

// Load resolves one relation property on demand, memoized per entity. Reads
// of unloaded navigation properties go through here; a second Load of the
// same property is a no-op.
func Load(ctx context.Context, m Model, prop string) error {
	st := m.ModelState()
	if st.loaded[prop] {
		return nil
	}
	d, err := descriptorOf(m)
	if err != nil {
		return err
	}
	rel := d.relationFor(prop)
	if rel == nil {
		return fmt.Errorf("%w: %s.%s", ErrRelationNotFound, d.Name, prop)
	}
	c, err := conn()
	if err != nil {
		return err
	}
	_, err = loadRelation(ctx, c, d, []Model{m}, rel)
	return err
}

// selectIn builds the batched relation query: every primitive column plus
// the foreign-key columns of the target table, scoped to live rows.
func selectIn(d *Descriptor, column string, ids []int64) *Builder {
	b := NewBuilder()
	b.Select(selectColumns(d)).
		From("{0}", T(d.Table)).
		Where("{0} IN {1}", C(d.Table, column), inList(ids)).
		Where("{0} IS NULL", C(d.Table, "DeletedAt"))
	return b
}

// selectColumns renders the quoted column list for a descriptor's table.
func selectColumns(d *Descriptor) string {
	cols := []string{quoteIdent("Id")}
	for _, name := range d.primitiveColumns() {
		cols = append(cols, quoteIdent(name))
	}
	for _, name := range d.foreignKeyColumns() {
		cols = append(cols, quoteIdent(name))
	}
	return strings.Join(cols, ", ")
}

// inList renders a sorted id list as a sub-builder so each id binds as its
// own parameter.
func inList(ids []int64) *Builder {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	b := NewBuilder()
	parts := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		parts[i] = "{" + fmt.Sprint(i) + "}"
		args[i] = id
	}
	b.Append(strings.Join(parts, ", "), args...)
	return b
}

func keysOf(set map[int64]bool) []int64 {
	out := make([]int64, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

func idsOf(ms []Model) []int64 {
	ids := make([]int64, 0, len(ms))
	for _, m := range ms {
		ids = append(ids, m.ModelState().Id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func assignEntity(m Model, prop string, child Model) {
	field := fieldOf(m, prop)
	if child == nil {
		field.Set(reflect.Zero(field.Type()))
		return
	}
	field.Set(reflect.ValueOf(child))
}

func assignCollection(m Model, prop string, children []Model) {
	field := fieldOf(m, prop)
	slice := reflect.MakeSlice(field.Type(), 0, len(children))
	for _, child := range children {
		slice = reflect.Append(slice, reflect.ValueOf(child))
	}
	field.Set(slice)
}

func fieldOf(m Model, prop string) reflect.Value {
	d, _ := descriptorOf(m)
	p := d.Property(prop)
	return reflect.ValueOf(m).Elem().FieldByIndex(p.Index)
}
