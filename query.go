package relic

import (
	"context"
	"fmt"
	"strings"
)

type whereFrag struct {
	fragment string
	args     []any
}

// Query is the typed, lazily-evaluated entry point. It accumulates
// builder fragments and renders nothing until a terminal method runs.
//
//	users, err := relic.From[User]().
//	    WhereExpr("Age >= ? AND Name LIKE ?", 18, "A%").
//	    OrderBy("Name", "ASC").
//	    With("Posts.Comments").
//	    All(ctx)
type Query[T any, PT interface {
	*T
	Model
}] struct {
	wheres         []whereFrag
	orders         []string
	orderArgs      []any
	with           []string
	limit          int
	offset         int
	includeTrashed bool
	err            error
}

// From starts a query over T's table.
func From[T any, PT interface {
	*T
	Model
}]() *Query[T, PT] {
	return &Query[T, PT]{limit: -1, offset: -1}
}

func (q *Query[T, PT]) descriptor() (*Descriptor, error) {
	var zero T
	return descriptorOf(PT(&zero))
}

// Where appends a raw builder fragment with {i} placeholders. Repeated
// calls AND together.
func (q *Query[T, PT]) Where(fragment string, args ...any) *Query[T, PT] {
	q.wheres = append(q.wheres, whereFrag{fragment: fragment, args: args})
	return q
}

// WhereExpr appends a predicate expression with ? bindings, compiled
// through the expression grammar. A malformed expression surfaces when the
// query runs.
func (q *Query[T, PT]) WhereExpr(expr string, bindings ...any) *Query[T, PT] {
	fragment, args, err := parsePredicate(expr, bindings)
	if err != nil {
		if q.err == nil {
			q.err = err
		}
		return q
	}
	return q.Where(fragment, args...)
}

// WherePK scopes the query to one primary key.
func (q *Query[T, PT]) WherePK(id int64) *Query[T, PT] {
	return q.Where("{0} = {1}", I("Id"), id)
}

// OrderBy appends a sort key. Direction is "ASC" or "DESC".
func (q *Query[T, PT]) OrderBy(column, direction string) *Query[T, PT] {
	dir := strings.ToUpper(strings.TrimSpace(direction))
	if dir != "ASC" && dir != "DESC" {
		if q.err == nil {
			q.err = fmt.Errorf("relic: invalid sort direction %q", direction)
		}
		return q
	}
	q.orders = append(q.orders, "{0} "+dir)
	q.orderArgs = append(q.orderArgs, I(column))
	return q
}

func (q *Query[T, PT]) Limit(n int) *Query[T, PT] {
	q.limit = n
	return q
}

func (q *Query[T, PT]) Offset(n int) *Query[T, PT] {
	q.offset = n
	return q
}

// With schedules eager loading of dot-separated relation paths.
func (q *Query[T, PT]) With(paths ...string) *Query[T, PT] {
	q.with = append(q.with, paths...)
	return q
}

// IncludeTrashed lifts the soft-delete scope for this query.
func (q *Query[T, PT]) IncludeTrashed() *Query[T, PT] {
	q.includeTrashed = true
	return q
}

// build assembles a fresh builder from the accumulated parts, so terminal
// methods can run repeatedly on one query.
func (q *Query[T, PT]) build(d *Descriptor, selectList string) *Builder {
	b := NewBuilder()
	// the type parameter T shadows the package-level table helper here
	b.Select(selectList).From("{0}", TableRef{Table: d.Table})
	if !q.includeTrashed {
		b.Where("{0} IS NULL", C(d.Table, "DeletedAt"))
	}
	for _, w := range q.wheres {
		b.Where(w.fragment, w.args...)
	}
	if selectList != "COUNT(*)" {
		for i, o := range q.orders {
			b.OrderBy(o, q.orderArgs[i])
		}
		if q.limit >= 0 {
			b.Limit(q.limit)
		}
		if q.offset >= 0 {
			b.Offset(q.offset)
		}
	}
	return b
}

func (q *Query[T, PT]) run(ctx context.Context) ([]PT, error) {
	if q.err != nil {
		return nil, q.err
	}
	c, err := conn()
	if err != nil {
		return nil, err
	}
	d, err := q.descriptor()
	if err != nil {
		return nil, err
	}
	if _, err := Discovered(); err != nil {
		return nil, err
	}

	g := newGraph()
	b := q.build(d, selectColumns(d))
	rows, err := fetchRows(ctx, c, g, b)
	if err != nil {
		return nil, err
	}
	ms, err := hydrateBatch(d, rows, g)
	if err != nil {
		return nil, err
	}
	for _, path := range q.with {
		if err := loadRelations(ctx, c, d, ms, path); err != nil {
			return nil, err
		}
	}

	out := make([]PT, len(ms))
	for i, m := range ms {
		out[i] = m.(PT)
	}
	return out, nil
}

// All materializes every matching row.
func (q *Query[T, PT]) All(ctx context.Context) ([]PT, error) {
	return q.run(ctx)
}

// First returns the first matching row, ErrRecordNotFound when none match.
func (q *Query[T, PT]) First(ctx context.Context) (PT, error) {
	saved := q.limit
	q.limit = 1
	out, err := q.run(ctx)
	q.limit = saved
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, ErrRecordNotFound
	}
	return out[0], nil
}

// Single requires exactly one matching row.
func (q *Query[T, PT]) Single(ctx context.Context) (PT, error) {
	out, err := q.atMostOne(ctx)
	if err != nil {
		return nil, err
	}
	if out == nil {
		return nil, ErrRecordNotFound
	}
	return out, nil
}

// SingleOrDefault requires at most one matching row, returning nil for
// none.
func (q *Query[T, PT]) SingleOrDefault(ctx context.Context) (PT, error) {
	return q.atMostOne(ctx)
}

func (q *Query[T, PT]) atMostOne(ctx context.Context) (PT, error) {
	// fetch two rows so excess cardinality is observable without draining
	// the full result set
	saved := q.limit
	q.limit = 2
	out, err := q.run(ctx)
	q.limit = saved
	if err != nil {
		return nil, err
	}
	switch len(out) {
	case 0:
		return nil, nil
	case 1:
		return out[0], nil
	default:
		d, _ := q.descriptor()
		name := ""
		if d != nil {
			name = d.Name
		}
		return nil, &CardinalityError{Type: name, Want: 1, Got: len(out)}
	}
}

// Count runs the query as SELECT COUNT(*), ignoring order and paging.
func (q *Query[T, PT]) Count(ctx context.Context) (int64, error) {
	if q.err != nil {
		return 0, q.err
	}
	c, err := conn()
	if err != nil {
		return 0, err
	}
	d, err := q.descriptor()
	if err != nil {
		return 0, err
	}

	b := q.build(d, "COUNT(*)")
	raw, err := c.Executor.Scalar(ctx, b.Sql(), b.Parameters())
	if err != nil {
		return 0, err
	}
	n, ok := toInt64(raw)
	if !ok {
		return 0, &CoercionError{Property: "COUNT(*)", Value: raw, Target: "int64"}
	}
	return n, nil
}

// Exists reports whether any row matches.
func (q *Query[T, PT]) Exists(ctx context.Context) (bool, error) {
	n, err := q.Count(ctx)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
