package relic

import (
	"fmt"
	"hash/fnv"
	"strconv"
	"strings"
)

// Ident is a bare SQL identifier. It is inlined into the statement text,
// quoted, instead of being bound as a parameter.
type Ident string

// TableRef is an optionally schema-qualified table reference.
type TableRef struct {
	Schema string
	Table  string
}

// ColumnRef is a table-qualified column reference.
type ColumnRef struct {
	Table  string
	Column string
}

// I wraps a bare identifier for safe inlining.
func I(name string) Ident { return Ident(name) }

// T wraps a table name for safe inlining.
func T(table string) TableRef { return TableRef{Table: table} }

// C wraps a table-qualified column for safe inlining.
func C(table, column string) ColumnRef { return ColumnRef{Table: table, Column: column} }

// quoteIdent renders one identifier part double-quoted, doubling any
// embedded quote so the text can never escape the identifier position.
func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func (i Ident) render() string { return quoteIdent(string(i)) }

func (t TableRef) render() string {
	if t.Schema != "" {
		return quoteIdent(t.Schema) + "." + quoteIdent(t.Table)
	}
	return quoteIdent(t.Table)
}

func (c ColumnRef) render() string {
	return quoteIdent(c.Table) + "." + quoteIdent(c.Column)
}

// clause is one started statement clause: its keyword and the fragments
// appended under it so far.
type clause struct {
	keyword string
	parts   []string
}

// separator is what joins repeated fragments of the same clause.
func (c *clause) separator() string {
	switch c.keyword {
	case "WHERE", "HAVING":
		return " AND "
	case "SELECT", "ORDER BY", "GROUP BY", "SET", "WITH":
		return ", "
	default:
		return " "
	}
}

// Builder accumulates a parameterized SQL statement from clause fragments.
// Fragments carry positional placeholders ({0}, {1}, ...) which are
// substituted at append time: ordinary values become uniquely-named @pN
// parameter tokens, identifier wrappers are inlined quoted, and nested
// builders are rendered as parenthesized sub-selects with their parameter
// sets re-keyed into this builder's namespace.
//
// A Builder is not safe for concurrent use.
type Builder struct {
	clauses []*clause
	params  map[string]any
	counter int
}

func NewBuilder() *Builder {
	return &Builder{params: map[string]any{}}
}

// IsEmpty reports whether no clause has been started.
func (b *Builder) IsEmpty() bool { return len(b.clauses) == 0 }

// Parameters exposes the bound-parameter map keyed by @pN token.
func (b *Builder) Parameters() map[string]any { return b.params }

func (b *Builder) Select(fragment string, args ...any) *Builder {
	return b.Clause("SELECT", fragment, args...)
}

func (b *Builder) From(fragment string, args ...any) *Builder {
	return b.Clause("FROM", fragment, args...)
}

func (b *Builder) Where(fragment string, args ...any) *Builder {
	return b.Clause("WHERE", fragment, args...)
}

func (b *Builder) OrderBy(fragment string, args ...any) *Builder {
	return b.Clause("ORDER BY", fragment, args...)
}

func (b *Builder) Limit(n int) *Builder {
	return b.Clause("LIMIT", strconv.Itoa(n))
}

func (b *Builder) Offset(n int) *Builder {
	return b.Clause("OFFSET", strconv.Itoa(n))
}

func (b *Builder) With(fragment string, args ...any) *Builder {
	return b.Clause("WITH", fragment, args...)
}

func (b *Builder) Update(fragment string, args ...any) *Builder {
	return b.Clause("UPDATE", fragment, args...)
}

func (b *Builder) Set(fragment string, args ...any) *Builder {
	return b.Clause("SET", fragment, args...)
}

func (b *Builder) DeleteFrom(fragment string, args ...any) *Builder {
	return b.Clause("DELETE FROM", fragment, args...)
}

func (b *Builder) InsertInto(fragment string, args ...any) *Builder {
	return b.Clause("INSERT INTO", fragment, args...)
}

// Clause appends a fragment under the given keyword. A repeated keyword
// folds into the already-started clause, joined by that clause's separator
// (AND for WHERE, comma for list clauses).
func (b *Builder) Clause(keyword, fragment string, args ...any) *Builder {
	text := b.substitute(fragment, args)
	for _, c := range b.clauses {
		if c.keyword == keyword {
			c.parts = append(c.parts, text)
			return b
		}
	}
	b.clauses = append(b.clauses, &clause{keyword: keyword, parts: []string{text}})
	return b
}

// Append extends the most recently started clause with a raw continuation,
// e.g. an OR branch inside WHERE. On an empty builder it starts a bare
// clause with no keyword.
func (b *Builder) Append(fragment string, args ...any) *Builder {
	text := b.substitute(fragment, args)
	if len(b.clauses) == 0 {
		b.clauses = append(b.clauses, &clause{parts: []string{text}})
		return b
	}
	last := b.clauses[len(b.clauses)-1]
	n := len(last.parts)
	last.parts[n-1] = last.parts[n-1] + " " + text
	return b
}

// AppendIf appends only when the guard holds.
func (b *Builder) AppendIf(cond bool, fragment string, args ...any) *Builder {
	if !cond {
		return b
	}
	return b.Append(fragment, args...)
}

// substitute replaces each {i} placeholder with the rendering of args[i].
func (b *Builder) substitute(fragment string, args []any) string {
	for i, arg := range args {
		marker := "{" + strconv.Itoa(i) + "}"
		var repl string
		switch v := arg.(type) {
		case Ident:
			repl = v.render()
		case TableRef:
			repl = v.render()
		case ColumnRef:
			repl = v.render()
		case *Builder:
			repl = "(" + b.merge(v) + ")"
		default:
			token := b.nextToken()
			b.params[token] = arg
			repl = token
		}
		fragment = strings.ReplaceAll(fragment, marker, repl)
	}
	return fragment
}

func (b *Builder) nextToken() string {
	token := "@p" + strconv.Itoa(b.counter)
	b.counter++
	return token
}

// merge renders a nested builder and re-keys its parameter tokens into
// this builder's namespace. The rewrite scans whole tokens, so @p1 can
// never clobber the tail of @p10.
func (b *Builder) merge(sub *Builder) string {
	sql := sub.Sql()
	fresh := make(map[string]string, len(sub.params))
	for _, old := range sortedKeys(sub.params) {
		token := b.nextToken()
		fresh[old] = token
		b.params[token] = sub.params[old]
	}

	var (
		sb       strings.Builder
		inSingle bool
		inDouble bool
	)
	sb.Grow(len(sql))
	for i := 0; i < len(sql); i++ {
		c := sql[i]
		switch {
		case c == '\'' && !inDouble:
			inSingle = !inSingle
		case c == '"' && !inSingle:
			inDouble = !inDouble
		case c == '@' && !inSingle && !inDouble && strings.HasPrefix(sql[i:], "@p"):
			j := i + 2
			for j < len(sql) && sql[j] >= '0' && sql[j] <= '9' {
				j++
			}
			if token, ok := fresh[sql[i:j]]; ok {
				sb.WriteString(token)
				i = j - 1
				continue
			}
		}
		sb.WriteByte(c)
	}
	return sb.String()
}

// Sql renders the statement text. Rendering is idempotent: it reads the
// accumulated clauses without consuming them.
func (b *Builder) Sql() string {
	if len(b.clauses) == 0 {
		return ""
	}
	var sb strings.Builder
	for i, c := range b.clauses {
		if i > 0 {
			sb.WriteByte(' ')
		}
		if c.keyword != "" {
			sb.WriteString(c.keyword)
			sb.WriteByte(' ')
		}
		sb.WriteString(strings.Join(c.parts, c.separator()))
	}
	return sb.String()
}

// Hash fingerprints the rendered statement plus its parameter values, in
// token order. Two builders with identical SQL but different bound values
// hash differently.
func (b *Builder) Hash() uint64 {
	h := fnv.New64a()
	h.Write([]byte(b.Sql()))
	for _, token := range sortedKeys(b.params) {
		h.Write([]byte(token))
		fmt.Fprintf(h, "=%v;", b.params[token])
	}
	return h.Sum64()
}
