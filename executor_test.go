package relic

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRebindPostgres(t *testing.T) {
	e := &sqlExecutor{dialect: Dialects.PostgreSQL}

	tests := []struct {
		name     string
		input    string
		params   map[string]any
		expected string
		args     []any
	}{
		{
			name:     "Simple",
			input:    `SELECT * FROM "Users" WHERE "Id" = @p0`,
			params:   map[string]any{"@p0": int64(1)},
			expected: `SELECT * FROM "Users" WHERE "Id" = $1`,
			args:     []any{int64(1)},
		},
		{
			name:     "OrderFollowsOccurrence",
			input:    `SELECT * FROM "Users" WHERE "Age" > @p1 AND "Name" = @p0`,
			params:   map[string]any{"@p0": "ada", "@p1": 18},
			expected: `SELECT * FROM "Users" WHERE "Age" > $1 AND "Name" = $2`,
			args:     []any{18, "ada"},
		},
		{
			name:     "InsideStringLiteral",
			input:    `SELECT * FROM "Users" WHERE "Name" = '@p0' AND "Age" = @p0`,
			params:   map[string]any{"@p0": 30},
			expected: `SELECT * FROM "Users" WHERE "Name" = '@p0' AND "Age" = $1`,
			args:     []any{30},
		},
		{
			name:     "InsideQuotedIdent",
			input:    `SELECT "Weird@p0" FROM "Users" WHERE "Id" = @p0`,
			params:   map[string]any{"@p0": int64(2)},
			expected: `SELECT "Weird@p0" FROM "Users" WHERE "Id" = $1`,
			args:     []any{int64(2)},
		},
		{
			name:     "DoubleDigitTokens",
			input:    `SELECT * FROM "T" WHERE "A" IN (@p9, @p10, @p11)`,
			params:   map[string]any{"@p9": 9, "@p10": 10, "@p11": 11},
			expected: `SELECT * FROM "T" WHERE "A" IN ($1, $2, $3)`,
			args:     []any{9, 10, 11},
		},
		{
			name:     "Empty",
			input:    "",
			params:   nil,
			expected: "",
			args:     nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, args := e.rebind(tt.input, tt.params)
			assert.Equal(t, tt.expected, got)
			assert.Equal(t, tt.args, args)
		})
	}
}

func TestRebindSQLitePlaceholders(t *testing.T) {
	e := &sqlExecutor{dialect: Dialects.SQLite3}
	got, args := e.rebind(`UPDATE "Users" SET "Name" = @p0 WHERE "Id" = @p1`, map[string]any{
		"@p0": "ada", "@p1": int64(3),
	})
	assert.Equal(t, `UPDATE "Users" SET "Name" = ? WHERE "Id" = ?`, got)
	assert.Equal(t, []any{"ada", int64(3)}, args)
}

func TestExecutorRows(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	e := newSQLExecutor(db, Dialects.SQLite3, nil)

	mock.ExpectQuery(`SELECT "Id", "Name" FROM "Users" WHERE "Id" = \?`).
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"Id", "Name"}).AddRow(int64(1), "ada"))

	rows, err := e.Rows(context.Background(), `SELECT "Id", "Name" FROM "Users" WHERE "Id" = @p0`, map[string]any{"@p0": int64(1)})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(1), rows[0]["Id"])
	assert.Equal(t, "ada", rows[0]["Name"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExecutorExecWrapsFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	e := newSQLExecutor(db, Dialects.SQLite3, nil)

	mock.ExpectExec(`DELETE FROM "Users"`).WillReturnError(errors.New("disk I/O error"))

	_, err = e.Exec(context.Background(), `DELETE FROM "Users" WHERE "Id" = @p0`, map[string]any{"@p0": int64(1)})
	require.Error(t, err)

	var qe *QueryError
	require.ErrorAs(t, err, &qe)
	assert.Equal(t, "EXEC", qe.Operation)
	assert.Contains(t, qe.Query, `DELETE FROM "Users"`)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExecutorScalarNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	e := newSQLExecutor(db, Dialects.SQLite3, nil)

	mock.ExpectQuery(`SELECT "Id" FROM "Users"`).
		WillReturnRows(sqlmock.NewRows([]string{"Id"}))

	_, err = e.Scalar(context.Background(), `SELECT "Id" FROM "Users" WHERE "Id" = @p0`, map[string]any{"@p0": int64(7)})
	assert.True(t, IsNotFound(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}
