// Package mssql implements storage.Session on database/sql with the
// microsoft/go-mssqldb driver.
package mssql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	mssqldb "github.com/microsoft/go-mssqldb"

	"csvload/internal/storage"
)

func init() {
	storage.Register("mssql", New)
}

// Session wraps a *sql.DB using the "sqlserver" driver.
type Session struct {
	db *sql.DB
}

// New opens a connection for the DSN and validates connectivity.
func New(ctx context.Context, cfg storage.Config) (storage.Session, error) {
	db, err := sql.Open("sqlserver", cfg.DSN)
	if err != nil {
		return nil, wrap(err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, wrap(err)
	}
	return &Session{db: db}, nil
}

// Close closes the database handle.
func (s *Session) Close() { _ = s.db.Close() }

// Exec runs a statement with no result set.
func (s *Session) Exec(ctx context.Context, stmt string) error {
	_, err := s.db.ExecContext(ctx, stmt)
	return wrap(err)
}

// TableExists reports whether schema.table exists.
func (s *Session) TableExists(ctx context.Context, schema, table string) (bool, error) {
	const q = `SELECT COUNT(*) FROM INFORMATION_SCHEMA.TABLES
		WHERE TABLE_SCHEMA = @p1 AND TABLE_NAME = @p2`

	var n int
	if err := s.db.QueryRowContext(ctx, q, schema, table).Scan(&n); err != nil {
		return false, wrap(err)
	}
	return n > 0, nil
}

// TableColumns returns the live columns of schema.table in ordinal order.
func (s *Session) TableColumns(ctx context.Context, schema, table string) ([]storage.Column, error) {
	const q = `SELECT COLUMN_NAME, DATA_TYPE FROM INFORMATION_SCHEMA.COLUMNS
		WHERE TABLE_SCHEMA = @p1 AND TABLE_NAME = @p2
		ORDER BY ORDINAL_POSITION`

	rows, err := s.db.QueryContext(ctx, q, schema, table)
	if err != nil {
		return nil, wrap(err)
	}
	defer rows.Close()

	var out []storage.Column
	for rows.Next() {
		var c storage.Column
		if err := rows.Scan(&c.Name, &c.Type); err != nil {
			return nil, wrap(err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap(err)
	}
	return out, nil
}

// AppendRows inserts the rows as a single multi-row INSERT.
//
// SQL Server caps statements at 2100 parameters; keep chunk_size * column
// count under that when targeting this backend.
func (s *Session) AppendRows(ctx context.Context, schema, table string, columns []string, rows [][]any) error {
	if len(rows) == 0 {
		return nil
	}
	q, args := buildInsertSQL(schema, table, columns, rows)
	_, err := s.db.ExecContext(ctx, q, args...)
	return wrap(err)
}

// Truncate removes all rows from schema.table.
func (s *Session) Truncate(ctx context.Context, schema, table string) error {
	_, err := s.db.ExecContext(ctx, "TRUNCATE TABLE "+qualify(schema, table))
	return wrap(err)
}

// buildInsertSQL constructs a single INSERT statement with @pN placeholders.
func buildInsertSQL(schema, table string, columns []string, rows [][]any) (string, []any) {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(qualify(schema, table))
	b.WriteString(" (")

	for i, c := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(msIdent(c))
	}
	b.WriteString(") VALUES ")

	args := make([]any, 0, len(rows)*len(columns))
	p := 1
	for i, row := range rows {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(")
		for j := range columns {
			if j > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "@p%d", p)
			args = append(args, row[j])
			p++
		}
		b.WriteString(")")
	}

	return b.String(), args
}

func qualify(schema, table string) string {
	if schema == "" {
		return msIdent(table)
	}
	return msIdent(schema) + "." + msIdent(table)
}

func msIdent(id string) string {
	return "[" + strings.ReplaceAll(id, "]", "]]") + "]"
}

func wrap(err error) error {
	if err == nil {
		return nil
	}
	return &storage.Error{Kind: classify(err), Err: err}
}

// classify maps SQL Server error numbers onto storage kinds.
func classify(err error) storage.Kind {
	var me mssqldb.Error
	if errors.As(err, &me) {
		switch me.Number {
		case 208, 207:
			// invalid object name, invalid column name
			return storage.KindMissingSchema
		case 1205, 4060, 10928, 10929, 40197, 40501, 40613:
			// deadlock victim, database unavailable, resource/throttling limits
			return storage.KindTransient
		}
		return storage.KindFatal
	}
	return storage.KindFatal
}
