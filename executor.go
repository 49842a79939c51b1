package relic

import (
	"context"
	"database/sql"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// RowStream is a forward-only cursor over a result set.
type RowStream interface {
	Next() bool
	Scan(dest ...any) error
	Columns() ([]string, error)
	Close() error
	Err() error
}

// Executor runs rendered statements against a database. Implementations
// receive the builder's parameter map keyed by @pN token and are
// responsible for translating tokens into the driver's bind style.
type Executor interface {
	// Scalar runs a query expected to yield a single value.
	Scalar(ctx context.Context, query string, params map[string]any) (any, error)
	// Stream runs a query and returns its cursor.
	Stream(ctx context.Context, query string, params map[string]any) (RowStream, error)
	// Rows runs a query and materializes every row as a column map.
	Rows(ctx context.Context, query string, params map[string]any) ([]map[string]any, error)
	// Exec runs a non-query statement and returns the affected row count.
	Exec(ctx context.Context, query string, params map[string]any) (int64, error)
}

// insertExecutor is implemented by executors whose dialect cannot return
// generated keys through RETURNING.
type insertExecutor interface {
	ExecInsert(ctx context.Context, query string, params map[string]any) (int64, error)
}

// sqlExecutor is the database/sql-backed Executor.
type sqlExecutor struct {
	db      *sql.DB
	dialect *Dialect
	log     *zap.Logger
}

func newSQLExecutor(db *sql.DB, dialect *Dialect, log *zap.Logger) *sqlExecutor {
	if log == nil {
		log = zap.NewNop()
	}
	return &sqlExecutor{db: db, dialect: dialect, log: log}
}

// rebind rewrites @pN tokens into the dialect's bind style and orders the
// bound values by occurrence. Tokens inside string literals and quoted
// identifiers are left alone.
func (e *sqlExecutor) rebind(query string, params map[string]any) (string, []any) {
	var (
		sb       strings.Builder
		args     []any
		inSingle bool
		inDouble bool
	)
	sb.Grow(len(query))

	for i := 0; i < len(query); i++ {
		c := query[i]
		switch {
		case c == '\'' && !inDouble:
			inSingle = !inSingle
		case c == '"' && !inSingle:
			inDouble = !inDouble
		case c == '@' && !inSingle && !inDouble && strings.HasPrefix(query[i:], "@p"):
			j := i + 2
			for j < len(query) && query[j] >= '0' && query[j] <= '9' {
				j++
			}
			if j > i+2 {
				token := query[i:j]
				args = append(args, params[token])
				if e.dialect.IncludeIndexInPlaceholder {
					sb.WriteString(e.dialect.PlaceholderChar + strconv.Itoa(len(args)))
				} else {
					sb.WriteString(e.dialect.PlaceholderChar)
				}
				i = j - 1
				continue
			}
		}
		sb.WriteByte(c)
	}
	return sb.String(), args
}

func (e *sqlExecutor) logQuery(op, query string, params map[string]any, start time.Time, err error) {
	fields := []zap.Field{
		zap.String("query", query),
		zap.Any("params", params),
		zap.Duration("elapsed", time.Since(start)),
	}
	if err != nil {
		e.log.Error(op, append(fields, zap.Error(err))...)
		return
	}
	e.log.Debug(op, fields...)
}

func (e *sqlExecutor) Scalar(ctx context.Context, query string, params map[string]any) (any, error) {
	start := time.Now()
	bound, args := e.rebind(query, params)
	var out any
	err := e.db.QueryRowContext(ctx, bound, args...).Scan(&out)
	e.logQuery("scalar", query, params, start, err)
	if err != nil {
		return nil, wrapQueryError("SELECT", query, params, err)
	}
	return out, nil
}

func (e *sqlExecutor) Stream(ctx context.Context, query string, params map[string]any) (RowStream, error) {
	start := time.Now()
	bound, args := e.rebind(query, params)
	rows, err := e.db.QueryContext(ctx, bound, args...)
	e.logQuery("stream", query, params, start, err)
	if err != nil {
		return nil, wrapQueryError("SELECT", query, params, err)
	}
	return rows, nil
}

func (e *sqlExecutor) Rows(ctx context.Context, query string, params map[string]any) ([]map[string]any, error) {
	stream, err := e.Stream(ctx, query, params)
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	cols, err := stream.Columns()
	if err != nil {
		return nil, wrapQueryError("COLUMNS", query, params, err)
	}

	var out []map[string]any
	for stream.Next() {
		cells := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range cells {
			ptrs[i] = &cells[i]
		}
		if err := stream.Scan(ptrs...); err != nil {
			return nil, wrapQueryError("SCAN", query, params, err)
		}
		row := make(map[string]any, len(cols))
		for i, col := range cols {
			row[col] = cells[i]
		}
		out = append(out, row)
	}
	if err := stream.Err(); err != nil {
		return nil, wrapQueryError("SCAN", query, params, err)
	}
	return out, nil
}

func (e *sqlExecutor) Exec(ctx context.Context, query string, params map[string]any) (int64, error) {
	start := time.Now()
	bound, args := e.rebind(query, params)
	res, err := e.db.ExecContext(ctx, bound, args...)
	e.logQuery("exec", query, params, start, err)
	if err != nil {
		return 0, wrapQueryError("EXEC", query, params, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, wrapQueryError("EXEC", query, params, err)
	}
	return affected, nil
}

// ExecInsert runs an INSERT and returns the generated key via the driver,
// for dialects without RETURNING.
func (e *sqlExecutor) ExecInsert(ctx context.Context, query string, params map[string]any) (int64, error) {
	start := time.Now()
	bound, args := e.rebind(query, params)
	res, err := e.db.ExecContext(ctx, bound, args...)
	e.logQuery("insert", query, params, start, err)
	if err != nil {
		return 0, wrapQueryError("INSERT", query, params, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, wrapQueryError("INSERT", query, params, err)
	}
	return id, nil
}
