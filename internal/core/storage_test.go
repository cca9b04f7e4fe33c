package core

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"titertrack/internal/infra/persistence/memory"
	"titertrack/internal/infra/persistence/postgres"
	"titertrack/internal/infra/persistence/postgres/testutil"
	"titertrack/internal/infra/persistence/sqlite"
)

func TestOpenPersistentStoreMemory(t *testing.T) {
	store, err := OpenPersistentStore(StorageConfig{Driver: StorageMemory}, NewDefaultRulesEngine())
	if err != nil {
		t.Fatalf("open memory: %v", err)
	}
	if _, ok := store.(*memory.Store); !ok {
		t.Fatalf("expected memory store, got %T", store)
	}
}

func TestOpenPersistentStoreDefaultsToSQLite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "titertrack.db")
	store, err := OpenPersistentStore(StorageConfig{SQLitePath: path}, NewDefaultRulesEngine())
	if err != nil {
		t.Skipf("sqlite unavailable: %v", err)
	}
	s, ok := store.(*sqlite.Store)
	if !ok {
		t.Fatalf("expected sqlite store, got %T", store)
	}
	defer func() { _ = s.Close() }()
	if s.Path() != path {
		t.Fatalf("expected path %s, got %s", path, s.Path())
	}

	svc := NewService(store)
	exp, _, err := svc.CreateExperiment(context.Background(), "Durable")
	if err != nil {
		t.Fatalf("create experiment: %v", err)
	}
	_ = s.Close()

	reopened, err := OpenPersistentStore(StorageConfig{Driver: StorageSQLite, SQLitePath: path}, NewDefaultRulesEngine())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer func() { _ = reopened.(*sqlite.Store).Close() }()
	if _, _, err := NewService(reopened).CreateSample(context.Background(), SampleInput{SampleID: "S-1", ExperimentID: exp.ID}); err != nil {
		t.Fatalf("expected experiment to survive reopen: %v", err)
	}
}

func TestOpenPersistentStorePostgres(t *testing.T) {
	db, _ := testutil.NewStubDB()
	restore := postgres.OverrideSQLOpen(func(_, _ string) (*sql.DB, error) { return db, nil })
	defer restore()

	store, err := OpenPersistentStore(StorageConfig{Driver: StoragePostgres, PostgresDSN: "postgres://stub"}, NewDefaultRulesEngine())
	if err != nil {
		t.Fatalf("open postgres: %v", err)
	}
	if _, ok := store.(*postgres.Store); !ok {
		t.Fatalf("expected postgres store, got %T", store)
	}
}

func TestOpenPersistentStoreUnknownDriver(t *testing.T) {
	if _, err := OpenPersistentStore(StorageConfig{Driver: "oracle"}, nil); err == nil {
		t.Fatalf("expected unknown driver error")
	}
}
