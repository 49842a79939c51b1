package relic

import (
	"context"
	"database/sql"
	"fmt"
	"reflect"
	"strings"
	"time"
)

// Save persists an entity graph: unsaved to-one targets first so their
// keys exist, then the entity itself (INSERT for new rows, a minimal
// UPDATE covering only modified properties otherwise), then owned
// collections and pivot rows. Each instance is written at most once per
// call, so cyclic graphs terminate.
func Save(ctx context.Context, m Model) error {
	c, err := conn()
	if err != nil {
		return err
	}
	if _, err := Discovered(); err != nil {
		return err
	}
	return saveEntity(ctx, c, m, map[*Entity]bool{})
}

func saveEntity(ctx context.Context, c *Connection, m Model, visited map[*Entity]bool) error {
	st := m.ModelState()
	if visited[st] {
		return nil
	}
	visited[st] = true

	d, err := descriptorOf(m)
	if err != nil {
		return err
	}
	if st.fks == nil {
		st.fks = map[string]int64{}
	}

	// referenced side first: the local row stores their keys
	for _, rel := range d.relations {
		if rel.LocalProperty == "" || !rel.fkOnLocal() {
			continue
		}
		field := fieldOf(m, rel.LocalProperty)
		if field.IsNil() {
			if st.refBaseline[rel.LocalProperty] != 0 {
				st.fks[rel.ForeignKeyColumn] = 0
			}
			continue
		}
		child := field.Interface().(Model)
		if err := saveEntity(ctx, c, child, visited); err != nil {
			return err
		}
		st.fks[rel.ForeignKeyColumn] = child.ModelState().Id
	}

	if !st.Persisted() {
		if err := insertEntity(ctx, c, d, m); err != nil {
			return err
		}
	} else if err := updateEntity(ctx, c, d, m); err != nil {
		return err
	}

	// owning side second: children store this row's key
	for _, rel := range d.relations {
		if rel.LocalProperty == "" || rel.fkOnLocal() {
			continue
		}
		switch rel.Kind {
		case OneToMany, OneToOne:
			if err := saveOwned(ctx, c, m, rel, visited); err != nil {
				return err
			}
		case ManyToMany:
			if err := savePivot(ctx, c, m, rel, visited); err != nil {
				return err
			}
		}
	}

	snapshot(d, m)
	return nil
}

func insertEntity(ctx context.Context, c *Connection, d *Descriptor, m Model) error {
	st := m.ModelState()
	now := time.Now().UTC()
	if st.CreatedAt.IsZero() {
		st.CreatedAt = now
	}
	st.ModifiedAt = now

	cols, vals := writableColumns(d, m, nil)
	b := NewBuilder()
	quoted := make([]string, len(cols))
	markers := make([]string, len(cols))
	for i, col := range cols {
		quoted[i] = quoteIdent(col)
		markers[i] = "{" + fmt.Sprint(i) + "}"
	}
	b.InsertInto("{0} ("+strings.Join(quoted, ", ")+")", T(d.Table))
	b.Clause("VALUES", "("+strings.Join(markers, ", ")+")", vals...)

	if c.Dialect.SupportsReturning {
		b.Append("RETURNING " + quoteIdent("Id"))
		raw, err := c.Executor.Scalar(ctx, b.Sql(), b.Parameters())
		if err != nil {
			return err
		}
		id, ok := toInt64(raw)
		if !ok {
			return &CoercionError{Property: "Id", Value: raw, Target: "int64"}
		}
		st.Id = id
		return nil
	}

	ie, ok := c.Executor.(insertExecutor)
	if !ok {
		return fmt.Errorf("relic: dialect %s needs an executor with generated-key support", c.Dialect.DriverName)
	}
	id, err := ie.ExecInsert(ctx, b.Sql(), b.Parameters())
	if err != nil {
		return err
	}
	st.Id = id
	return nil
}

// updateEntity writes only the properties that differ from the snapshot.
// A clean entity issues no statement at all.
func updateEntity(ctx context.Context, c *Connection, d *Descriptor, m Model) error {
	st := m.ModelState()
	dirty, err := ModifiedProps(m)
	if err != nil {
		return err
	}

	changed := map[string]bool{}
	fkChanged := map[string]bool{}
	for _, name := range dirty {
		p := d.Property(name)
		switch p.Kind {
		case KindPrimitive:
			changed[name] = true
		case KindEntity:
			if rel := d.relationFor(name); rel != nil && rel.fkOnLocal() {
				fkChanged[rel.ForeignKeyColumn] = true
			}
		}
	}
	if len(changed) == 0 && len(fkChanged) == 0 {
		return nil
	}

	st.ModifiedAt = time.Now().UTC()
	changed["ModifiedAt"] = true

	b := NewBuilder()
	b.Update("{0}", T(d.Table))
	v := reflect.ValueOf(m).Elem()
	for _, p := range d.Properties {
		if p.Kind != KindPrimitive || !changed[p.Name] {
			continue
		}
		b.Set("{0} = {1}", I(p.Name), storageValue(v.FieldByIndex(p.Index).Interface()))
	}
	for _, col := range d.foreignKeyColumns() {
		if !fkChanged[col] {
			continue
		}
		b.Set("{0} = {1}", I(col), nullableID(st.fks[col]))
	}
	b.Where("{0} = {1}", I("Id"), st.Id)

	_, err = c.Executor.Exec(ctx, b.Sql(), b.Parameters())
	return err
}

// saveOwned persists the current members of an owned collection (or the
// single owned half of a one-to-one), then dissociates members removed
// since the snapshot by clearing their key column.
func saveOwned(ctx context.Context, c *Connection, m Model, rel *Relation, visited map[*Entity]bool) error {
	st := m.ModelState()
	field := fieldOf(m, rel.LocalProperty)

	var members []Model
	if rel.Kind == OneToOne {
		if !field.IsNil() {
			members = []Model{field.Interface().(Model)}
		}
	} else {
		for i := 0; i < field.Len(); i++ {
			if !field.Index(i).IsNil() {
				members = append(members, field.Index(i).Interface().(Model))
			}
		}
	}

	current := map[int64]bool{}
	for _, child := range members {
		cst := child.ModelState()
		if cst.fks == nil {
			cst.fks = map[string]int64{}
		}
		wasNew := cst.Id == 0
		prev := cst.fks[rel.ForeignKeyColumn]
		cst.fks[rel.ForeignKeyColumn] = st.Id
		if err := saveEntity(ctx, c, child, visited); err != nil {
			return err
		}
		// a freshly inserted child carried the key in its INSERT; an
		// existing child whose row already points here needs nothing
		if !wasNew && prev != st.Id {
			if err := writeForeignKey(ctx, c, rel, child, st.Id); err != nil {
				return err
			}
		}
		current[cst.Id] = true
	}

	var removed []int64
	baseline := st.collBaseline[rel.LocalProperty]
	if rel.Kind == OneToOne {
		if prev := st.refBaseline[rel.LocalProperty]; prev != 0 {
			baseline = []int64{prev}
		}
	}
	for _, id := range baseline {
		if id > 0 && !current[id] {
			removed = append(removed, id)
		}
	}
	if len(removed) == 0 {
		return nil
	}

	b := NewBuilder()
	b.Update("{0}", T(rel.ForeignKeyTable)).
		Set("{0} = {1}", I(rel.ForeignKeyColumn), nil).
		Where("{0} = {1}", I(rel.ForeignKeyColumn), st.Id).
		Where("{0} IN {1}", I("Id"), inList(removed))
	_, err := c.Executor.Exec(ctx, b.Sql(), b.Parameters())
	return err
}

// writeForeignKey forces a child's key column to the parent id when the
// child's own save pass did not cover it.
func writeForeignKey(ctx context.Context, c *Connection, rel *Relation, child Model, parentID int64) error {
	cst := child.ModelState()
	cst.fks[rel.ForeignKeyColumn] = parentID

	b := NewBuilder()
	b.Update("{0}", T(rel.ForeignKeyTable)).
		Set("{0} = {1}", I(rel.ForeignKeyColumn), parentID).
		Where("{0} = {1}", I("Id"), cst.Id)
	_, err := c.Executor.Exec(ctx, b.Sql(), b.Parameters())
	return err
}

// savePivot reconciles a many-to-many collection against its snapshot:
// one DELETE for dropped links, one INSERT per added link.
func savePivot(ctx context.Context, c *Connection, m Model, rel *Relation, visited map[*Entity]bool) error {
	st := m.ModelState()
	field := fieldOf(m, rel.LocalProperty)

	current := map[int64]bool{}
	for i := 0; i < field.Len(); i++ {
		if field.Index(i).IsNil() {
			continue
		}
		child := field.Index(i).Interface().(Model)
		if err := saveEntity(ctx, c, child, visited); err != nil {
			return err
		}
		current[child.ModelState().Id] = true
	}

	previous := map[int64]bool{}
	for _, id := range st.collBaseline[rel.LocalProperty] {
		if id > 0 {
			previous[id] = true
		}
	}

	var removed []int64
	for id := range previous {
		if !current[id] {
			removed = append(removed, id)
		}
	}
	if len(removed) > 0 {
		b := NewBuilder()
		b.DeleteFrom("{0}", T(rel.PivotTable)).
			Where("{0} = {1}", I(rel.PivotLocalColumn), st.Id).
			Where("{0} IN {1}", I(rel.PivotForeignColumn), inList(removed))
		if _, err := c.Executor.Exec(ctx, b.Sql(), b.Parameters()); err != nil {
			return err
		}
	}

	var added []int64
	for id := range current {
		if !previous[id] {
			added = append(added, id)
		}
	}
	for _, id := range sortInts(added) {
		b := NewBuilder()
		b.InsertInto("{0} ({1}, {2})", T(rel.PivotTable), I(rel.PivotLocalColumn), I(rel.PivotForeignColumn)).
			Clause("VALUES", "({0}, {1})", st.Id, id)
		if _, err := c.Executor.Exec(ctx, b.Sql(), b.Parameters()); err != nil {
			return err
		}
	}
	return nil
}

// Delete soft-deletes an entity by stamping its DeletedAt marker.
func Delete(ctx context.Context, m Model) error {
	c, err := conn()
	if err != nil {
		return err
	}
	d, err := descriptorOf(m)
	if err != nil {
		return err
	}
	st := m.ModelState()
	if !st.Persisted() {
		return ErrRecordNotFound
	}
	now := time.Now().UTC()

	b := NewBuilder()
	b.Update("{0}", T(d.Table)).
		Set("{0} = {1}", I("DeletedAt"), now).
		Where("{0} = {1}", I("Id"), st.Id)
	if _, err := c.Executor.Exec(ctx, b.Sql(), b.Parameters()); err != nil {
		return err
	}
	st.DeletedAt = sql.NullTime{Time: now, Valid: true}
	return nil
}

// Restore clears an entity's soft-delete marker.
func Restore(ctx context.Context, m Model) error {
	c, err := conn()
	if err != nil {
		return err
	}
	d, err := descriptorOf(m)
	if err != nil {
		return err
	}
	st := m.ModelState()
	if !st.Persisted() {
		return ErrRecordNotFound
	}

	b := NewBuilder()
	b.Update("{0}", T(d.Table)).
		Set("{0} = {1}", I("DeletedAt"), nil).
		Where("{0} = {1}", I("Id"), st.Id)
	if _, err := c.Executor.Exec(ctx, b.Sql(), b.Parameters()); err != nil {
		return err
	}
	st.DeletedAt = sql.NullTime{}
	return nil
}

// HardDelete removes the row permanently.
func HardDelete(ctx context.Context, m Model) error {
	c, err := conn()
	if err != nil {
		return err
	}
	d, err := descriptorOf(m)
	if err != nil {
		return err
	}
	st := m.ModelState()
	if !st.Persisted() {
		return ErrRecordNotFound
	}

	b := NewBuilder()
	b.DeleteFrom("{0}", T(d.Table)).
		Where("{0} = {1}", I("Id"), st.Id)
	_, err = c.Executor.Exec(ctx, b.Sql(), b.Parameters())
	return err
}

// writableColumns collects every column an INSERT covers: the primitive
// properties (Id excluded) plus the foreign-key columns, with their
// current values.
func writableColumns(d *Descriptor, m Model, only map[string]bool) ([]string, []any) {
	st := m.ModelState()
	v := reflect.ValueOf(m).Elem()
	var cols []string
	var vals []any
	for _, p := range d.Properties {
		if p.Kind != KindPrimitive || p.Name == "Id" {
			continue
		}
		if only != nil && !only[p.Name] {
			continue
		}
		cols = append(cols, p.Name)
		vals = append(vals, storageValue(v.FieldByIndex(p.Index).Interface()))
	}
	for _, col := range d.foreignKeyColumns() {
		if only != nil && !only[col] {
			continue
		}
		cols = append(cols, col)
		vals = append(vals, nullableID(st.fks[col]))
	}
	return cols, vals
}

// storageValue maps Go-side zero conventions onto their SQL form.
func storageValue(v any) any {
	if nt, ok := v.(sql.NullTime); ok {
		if !nt.Valid {
			return nil
		}
		return nt.Time
	}
	return v
}

func nullableID(id int64) any {
	if id == 0 {
		return nil
	}
	return id
}

func sortInts(ids []int64) []int64 {
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && ids[j] < ids[j-1]; j-- {
			ids[j], ids[j-1] = ids[j-1], ids[j]
		}
	}
	return ids
}
