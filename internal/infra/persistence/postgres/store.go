// Package postgres provides a Postgres-backed persistent store that mirrors the
// in-memory semantics while applying the entity-model DDL on startup.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"titertrack/internal/entitymodel/sqlbundle"
	"titertrack/internal/infra/persistence/relational"
	"titertrack/pkg/domain"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver
)

// Compile-time contract assertion ensuring the store satisfies the domain interface.
var _ domain.PersistentStore = (*Store)(nil)

const (
	defaultDriver = "pgx"
	defaultDSN    = "postgres://localhost/titertrack?sslmode=disable"
)

var (
	sqlOpen = sql.Open
	openMu  sync.Mutex
)

// Dialect describes Postgres for the relational flush.
var Dialect = relational.Dialect{
	Name:        "postgres",
	DDL:         sqlbundle.Postgres(),
	Placeholder: relational.DollarPlaceholders,
}

// Store persists state to Postgres while reusing the in-memory implementation for transactions.
type Store struct {
	*relational.Store
}

// NewStore opens a Postgres-backed store using the provided DSN (falls back to defaultDSN).
// It applies the entity-model DDL and hydrates the in-memory store from the
// normalized tables.
func NewStore(dsn string, engine *domain.RulesEngine) (*Store, error) {
	if dsn == "" {
		dsn = defaultDSN
	}
	openMu.Lock()
	db, err := sqlOpen(defaultDriver, dsn)
	openMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	rs, err := relational.Open(ctx, db, Dialect, engine)
	if err != nil {
		return nil, err
	}
	return &Store{Store: rs}, nil
}

// OverrideSQLOpen swaps the sqlOpen function for tests and returns a restore function.
func OverrideSQLOpen(fn func(driverName, dataSourceName string) (*sql.DB, error)) func() {
	openMu.Lock()
	defer openMu.Unlock()
	prev := sqlOpen
	sqlOpen = fn
	return func() {
		openMu.Lock()
		defer openMu.Unlock()
		sqlOpen = prev
	}
}
