// Package sqlite provides the SQLite-backed persistent store. State lives in
// the in-memory store and is rewritten to normalized tables after every
// committed transaction.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"titertrack/internal/entitymodel/sqlbundle"
	"titertrack/internal/infra/persistence/relational"
	"titertrack/pkg/domain"

	_ "modernc.org/sqlite" // pure go sqlite driver
)

var _ domain.PersistentStore = (*Store)(nil)

const defaultPath = "titertrack.db"

// Dialect describes SQLite for the relational flush.
var Dialect = relational.Dialect{
	Name:        "sqlite",
	DDL:         sqlbundle.SQLite(),
	Placeholder: relational.QuestionPlaceholders,
}

// Store persists state to a SQLite database file.
type Store struct {
	*relational.Store
	path string
}

// NewStore opens (creating if needed) the database at path, applies the DDL
// and hydrates the store from existing rows.
func NewStore(path string, engine *domain.RulesEngine) (*Store, error) {
	if path == "" {
		path = defaultPath
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("create dirs: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// a single connection keeps foreign key pragmas and writes on one handle
	db.SetMaxOpenConns(1)
	ctx := context.Background()
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	rs, err := relational.Open(ctx, db, Dialect, engine)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{Store: rs, path: path}, nil
}

// Path returns the configured database path.
func (s *Store) Path() string { return s.path }
