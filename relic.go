// Package relic is a relationship-discovering ORM core. Model types embed
// Entity, declare plain struct fields for columns and *T / []*T fields for
// navigation properties, and the engine infers the relational shape from
// the declarations alone: no tags, no configuration callbacks.
package relic

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// Connection binds a database handle, its dialect, and the executor the
// engine runs statements through.
type Connection struct {
	Name     string
	DB       *sql.DB
	Dialect  *Dialect
	Executor Executor
	Logger   *zap.Logger
}

// Config configures Setup.
type Config struct {
	Name    string
	DB      *sql.DB
	Dialect *Dialect
	Logger  *zap.Logger

	// DatabaseValidations verifies at setup time that every inferred
	// table (entity tables and pivot tables) exists in the database.
	DatabaseValidations bool
}

var defaultConn *Connection

// Setup wires the default connection used by the query facade and the save
// path. Register every model before calling Setup when DatabaseValidations
// is on, since validation runs against the inferred table set.
func Setup(cfg Config) (*Connection, error) {
	if cfg.DB == nil {
		return nil, ErrNoConnection
	}
	if cfg.Dialect == nil {
		cfg.Dialect = Dialects.SQLite3
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Name == "" {
		cfg.Name = "default"
	}

	c := &Connection{
		Name:     cfg.Name,
		DB:       cfg.DB,
		Dialect:  cfg.Dialect,
		Executor: newSQLExecutor(cfg.DB, cfg.Dialect, cfg.Logger),
		Logger:   cfg.Logger,
	}

	if cfg.DatabaseValidations {
		if err := c.validateSchema(); err != nil {
			return nil, err
		}
	}

	defaultConn = c
	return c, nil
}

// SetDefault replaces the default connection, for callers that construct a
// Connection (e.g. with a custom Executor) instead of using Setup.
func SetDefault(c *Connection) { defaultConn = c }

func conn() (*Connection, error) {
	if defaultConn == nil {
		return nil, ErrNoConnection
	}
	return defaultConn, nil
}

// InferredTables collects every table the registered model set maps to,
// entity tables and pivot tables both. Order follows the registry.
func InferredTables() ([]string, error) {
	rels, err := Discovered()
	if err != nil {
		return nil, err
	}

	var tables []string
	seen := map[string]bool{}
	for _, d := range Descriptors() {
		if !seen[d.Table] {
			seen[d.Table] = true
			tables = append(tables, d.Table)
		}
	}
	for _, r := range rels {
		if r.Kind == ManyToMany && !seen[r.PivotTable] {
			seen[r.PivotTable] = true
			tables = append(tables, r.PivotTable)
		}
	}
	return tables, nil
}

// validateSchema checks that every inferred table exists.
func (c *Connection) validateSchema() error {
	want, err := InferredTables()
	if err != nil {
		return err
	}
	have, err := c.Dialect.listTables(c.DB)
	if err != nil {
		return fmt.Errorf("relic: cannot list tables: %w", err)
	}

	present := make(map[string]bool, len(have))
	for _, t := range have {
		present[t] = true
	}
	var missing []string
	for _, t := range want {
		if !present[t] {
			missing = append(missing, t)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("relic: schema validation failed, missing tables: %s", strings.Join(missing, ", "))
	}
	return nil
}

// Find loads one entity by primary key, soft-deleted rows excluded.
func Find[T any, PT interface {
	*T
	Model
}](ctx context.Context, id int64) (PT, error) {
	return From[T, PT]().WherePK(id).Single(ctx)
}
