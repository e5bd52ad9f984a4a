// Package storage defines the database session used by the ingestion
// pipeline and a registry of backend factories.
//
// Backends register themselves from init() in their own packages; importing
// csvload/internal/storage/all pulls every backend in. Error classification
// is part of the contract: every driver error crossing the Session boundary
// is wrapped in *Error with a Kind the retry logic can act on.
package storage

import (
	"context"
	"fmt"
	"sync"
)

// Config selects and configures a backend.
type Config struct {
	// Kind matches a registered backend kind ("postgres", "sqlite", "mssql").
	Kind string
	// DSN is passed through to the backend factory; validation is
	// backend-specific.
	DSN string
}

// Column describes one column of a live table.
type Column struct {
	Name string
	Type string
}

// Session is the backend-agnostic database surface the loader needs.
//
// All implementations wrap driver errors in *Error so callers can branch on
// the error kind without importing driver packages.
type Session interface {
	// Exec runs a statement with no result set (DDL, TRUNCATE).
	Exec(ctx context.Context, sql string) error

	// TableExists reports whether schema.table exists.
	TableExists(ctx context.Context, schema, table string) (bool, error)

	// TableColumns returns the live column set of schema.table in ordinal
	// order.
	TableColumns(ctx context.Context, schema, table string) ([]Column, error)

	// AppendRows inserts the rows as one multi-row statement inside one
	// transaction: either every row lands or none do.
	//
	// Retrying a chunk whose commit outcome was lost in transit can insert
	// it twice; callers accepting retries accept at-least-once semantics.
	AppendRows(ctx context.Context, schema, table string, columns []string, rows [][]any) error

	// Truncate removes all rows from schema.table.
	Truncate(ctx context.Context, schema, table string) error

	// Close releases the underlying pool or connection. Call once.
	Close()
}

type factory func(ctx context.Context, cfg Config) (Session, error)

var (
	mu        sync.RWMutex
	factories = map[string]factory{}
)

// Register registers a backend factory under a kind.
//
// Call Register from an init() function in a backend package. Registering
// an empty kind, a nil factory, or the same kind twice panics; failing fast
// here avoids ambiguous backend selection later.
func Register(kind string, f factory) {
	mu.Lock()
	defer mu.Unlock()

	if kind == "" {
		panic("storage: Register called with empty kind")
	}
	if f == nil {
		panic("storage: Register called with nil factory")
	}
	if _, exists := factories[kind]; exists {
		panic(fmt.Sprintf("storage: factory already registered for kind=%q", kind))
	}

	factories[kind] = f
}

// New constructs a Session using the registered backend factory.
//
// Returns an error if cfg.Kind is empty or not registered, or whatever the
// factory returns. Safe for concurrent use with Register.
func New(ctx context.Context, cfg Config) (Session, error) {
	if cfg.Kind == "" {
		return nil, fmt.Errorf("storage: missing storage.kind")
	}

	mu.RLock()
	f := factories[cfg.Kind]
	mu.RUnlock()

	if f == nil {
		return nil, fmt.Errorf("unsupported storage.kind=%s", cfg.Kind)
	}
	return f(ctx, cfg)
}
