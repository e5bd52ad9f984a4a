// Package postgres implements storage.Session on top of a pgx connection
// pool.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"csvload/internal/storage"
)

func init() {
	storage.Register("postgres", New)
}

// Session wraps a pgxpool.Pool.
type Session struct {
	pool *pgxpool.Pool
}

// New opens a pool for the DSN and validates connectivity.
func New(ctx context.Context, cfg storage.Config) (storage.Session, error) {
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, wrap(err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, wrap(err)
	}
	return &Session{pool: pool}, nil
}

// Close closes the connection pool.
func (s *Session) Close() {
	s.pool.Close()
}

// Exec runs a statement with no result set.
func (s *Session) Exec(ctx context.Context, sql string) error {
	_, err := s.pool.Exec(ctx, sql)
	return wrap(err)
}

// TableExists reports whether schema.table exists.
func (s *Session) TableExists(ctx context.Context, schema, table string) (bool, error) {
	const q = `SELECT EXISTS (
		SELECT 1 FROM information_schema.tables
		WHERE table_schema = $1 AND table_name = $2
	)`

	var exists bool
	if err := s.pool.QueryRow(ctx, q, schema, table).Scan(&exists); err != nil {
		return false, wrap(err)
	}
	return exists, nil
}

// TableColumns returns the live columns of schema.table in ordinal order.
func (s *Session) TableColumns(ctx context.Context, schema, table string) ([]storage.Column, error) {
	const q = `SELECT column_name, data_type
		FROM information_schema.columns
		WHERE table_schema = $1 AND table_name = $2
		ORDER BY ordinal_position`

	rows, err := s.pool.Query(ctx, q, schema, table)
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

// AppendRows inserts the rows as a single multi-row INSERT. One statement
// is one transaction in Postgres, so the chunk commits or fails whole.
func (s *Session) AppendRows(ctx context.Context, schema, table string, columns []string, rows [][]any) error {
	if len(rows) == 0 {
		return nil
	}
	sql, args := buildInsertSQL(schema, table, columns, rows)
	_, err := s.pool.Exec(ctx, sql, args...)
	return wrap(err)
}

// Truncate removes all rows from schema.table.
func (s *Session) Truncate(ctx context.Context, schema, table string) error {
	_, err := s.pool.Exec(ctx, "TRUNCATE TABLE "+qualify(schema, table))
	return wrap(err)
}

// buildInsertSQL constructs a single INSERT statement and its args.
//
// It is pure and deterministic so placeholder numbering can be unit tested
// without a database. Every row must have the same length as columns.
func buildInsertSQL(schema, table string, columns []string, rows [][]any) (string, []any) {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(qualify(schema, table))
	b.WriteString(" (")

	for i, c := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(pgIdent(c))
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
			fmt.Fprintf(&b, "$%d", p)
			args = append(args, row[j])
			p++
		}
		b.WriteString(")")
	}

	return b.String(), args
}

func qualify(schema, table string) string {
	if schema == "" {
		return pgIdent(table)
	}
	return pgIdent(schema) + "." + pgIdent(table)
}

func pgIdent(id string) string {
	return `"` + strings.ReplaceAll(id, `"`, `""`) + `"`
}

// wrap classifies a driver error into a storage error kind. Classification
// lives here, in one place per dialect, so the retry logic never has to
// know about pg error codes.
func wrap(err error) error {
	if err == nil {
		return nil
	}
	return &storage.Error{Kind: classify(err), Err: err}
}

func classify(err error) storage.Kind {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "42P01", "42703":
			// undefined_table, undefined_column
			return storage.KindMissingSchema
		case "40001", "40P01", "57P03":
			// serialization_failure, deadlock_detected, cannot_connect_now
			return storage.KindTransient
		}
		if strings.HasPrefix(pgErr.Code, "08") || strings.HasPrefix(pgErr.Code, "53") {
			// connection_exception, insufficient_resources
			return storage.KindTransient
		}
		return storage.KindFatal
	}
	if pgconn.SafeToRetry(err) {
		return storage.KindTransient
	}
	return storage.KindFatal
}
