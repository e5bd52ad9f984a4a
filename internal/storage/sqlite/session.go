// Package sqlite implements storage.Session on database/sql with the
// modernc.org/sqlite driver.
//
// SQLite has no schemas in the Postgres sense: the main database is always
// attached as "main". An empty or "main" schema leaves identifiers
// unqualified; anything else is assumed to be an attached database.
package sqlite

import (
	"context"
	"database/sql"
	"strings"

	_ "modernc.org/sqlite"

	"csvload/internal/storage"
)

func init() {
	storage.Register("sqlite", New)
}

// Session wraps a *sql.DB.
type Session struct {
	db *sql.DB
}

// New opens the database file and validates connectivity.
func New(ctx context.Context, cfg storage.Config) (storage.Session, error) {
	db, err := sql.Open("sqlite", cfg.DSN)
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

// Exec runs a statement with no result set. Schema-qualified DDL written
// for "main" works unchanged because SQLite resolves main.<table>.
func (s *Session) Exec(ctx context.Context, sql string) error {
	_, err := s.db.ExecContext(ctx, sql)
	return wrap(err)
}

// TableExists reports whether the table exists in sqlite_master.
func (s *Session) TableExists(ctx context.Context, schema, table string) (bool, error) {
	q := "SELECT COUNT(*) FROM " + qualifyMaster(schema) + " WHERE type = 'table' AND name = ?"

	var n int
	if err := s.db.QueryRowContext(ctx, q, table).Scan(&n); err != nil {
		return false, wrap(err)
	}
	return n > 0, nil
}

// TableColumns returns the live columns in ordinal order via table_info.
func (s *Session) TableColumns(ctx context.Context, schema, table string) ([]storage.Column, error) {
	q := "PRAGMA " + pragmaSchema(schema) + "table_info(" + sqlIdent(table) + ")"

	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, wrap(err)
	}
	defer rows.Close()

	var out []storage.Column
	for rows.Next() {
		var (
			cid     int
			c       storage.Column
			notNull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &c.Name, &c.Type, &notNull, &dflt, &pk); err != nil {
			return nil, wrap(err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap(err)
	}
	return out, nil
}

// AppendRows inserts the rows as a single multi-row INSERT, which SQLite
// executes atomically.
func (s *Session) AppendRows(ctx context.Context, schema, table string, columns []string, rows [][]any) error {
	if len(rows) == 0 {
		return nil
	}
	q, args := buildInsertSQL(schema, table, columns, rows)
	_, err := s.db.ExecContext(ctx, q, args...)
	return wrap(err)
}

// Truncate deletes all rows. SQLite has no TRUNCATE statement; an
// unqualified DELETE uses the truncate optimization internally.
func (s *Session) Truncate(ctx context.Context, schema, table string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM "+qualify(schema, table))
	return wrap(err)
}

// buildInsertSQL constructs a single INSERT statement with ? placeholders.
func buildInsertSQL(schema, table string, columns []string, rows [][]any) (string, []any) {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(qualify(schema, table))
	b.WriteString(" (")

	for i, c := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(sqlIdent(c))
	}
	b.WriteString(") VALUES ")

	args := make([]any, 0, len(rows)*len(columns))
	for i, row := range rows {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(")
		for j := range columns {
			if j > 0 {
				b.WriteString(", ")
			}
			b.WriteString("?")
			args = append(args, row[j])
		}
		b.WriteString(")")
	}

	return b.String(), args
}

func qualify(schema, table string) string {
	if schema == "" || schema == "main" {
		return sqlIdent(table)
	}
	return sqlIdent(schema) + "." + sqlIdent(table)
}

func qualifyMaster(schema string) string {
	if schema == "" || schema == "main" {
		return "sqlite_master"
	}
	return sqlIdent(schema) + ".sqlite_master"
}

func pragmaSchema(schema string) string {
	if schema == "" || schema == "main" {
		return ""
	}
	return sqlIdent(schema) + "."
}

func sqlIdent(id string) string {
	return `"` + strings.ReplaceAll(id, `"`, `""`) + `"`
}

func wrap(err error) error {
	if err == nil {
		return nil
	}
	return &storage.Error{Kind: classify(err), Err: err}
}

// classify maps sqlite errors onto storage kinds by message. The modernc
// driver surfaces SQLite's own error text, which is stable enough for the
// three cases we care about.
func classify(err error) storage.Kind {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "no such table"),
		strings.Contains(msg, "has no column named"),
		strings.Contains(msg, "no such column"):
		return storage.KindMissingSchema
	case strings.Contains(msg, "database is locked"),
		strings.Contains(msg, "database table is locked"),
		strings.Contains(msg, "busy"):
		return storage.KindTransient
	default:
		return storage.KindFatal
	}
}
