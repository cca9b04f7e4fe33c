package postgres

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"

	"titertrack/internal/infra/persistence/postgres/testutil"
	"titertrack/pkg/domain"
)

func TestNewStoreAppliesDDLAndLoadsRows(t *testing.T) {
	db, conn := testutil.NewStubDB()
	conn.Seed("experiments", map[string]any{"id": "e1", "seq": int64(1), "name": "Loaded", "created_at": "", "updated_at": ""})
	conn.Seed("samples", map[string]any{
		"id": "s1", "seq": int64(2), "sample_id": "L-1", "created_date": "2024-01-02",
		"sample_label": "", "experiment_id": "e1", "created_at": "", "updated_at": "",
	})
	conn.Seed("sample_metadata", map[string]any{"id": "m1", "seq": int64(3), "sample_id": "s1", "metadata": `{"Cell_Line":"Vero"}`, "created_at": "", "updated_at": ""})

	restore := OverrideSQLOpen(func(_, _ string) (*sql.DB, error) { return db, nil })
	defer restore()

	store, err := NewStore("", domain.NewRulesEngine())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	_ = store.View(context.Background(), func(v domain.TransactionView) error {
		samples := v.FindSamplesByLabel("L-1")
		if len(samples) != 1 || samples[0].CreatedDateString() != "2024-01-02" {
			t.Fatalf("expected sample loaded from normalized tables, got %+v", samples)
		}
		if md := v.MetadataForSample("s1"); len(md) != 1 || md[0].StringValue("Cell_Line") != "Vero" {
			t.Fatalf("expected metadata loaded, got %+v", md)
		}
		return nil
	})
	var sawDDL bool
	for _, stmt := range conn.Execs {
		if strings.Contains(strings.ToUpper(stmt), "CREATE TABLE") {
			sawDDL = true
			break
		}
	}
	if !sawDDL {
		t.Fatalf("expected entity-model DDL to be applied, got execs: %v", conn.Execs)
	}
}

func TestRunInTransactionPersistsNormalizedRows(t *testing.T) {
	db, conn := testutil.NewStubDB()
	restore := OverrideSQLOpen(func(_, _ string) (*sql.DB, error) { return db, nil })
	defer restore()

	store, err := NewStore("ignored", domain.NewRulesEngine())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	_, err = store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		exp, err := tx.CreateExperiment(domain.Experiment{Name: "Flush"})
		if err != nil {
			return err
		}
		sample, err := tx.CreateSample(domain.Sample{SampleID: "F-1", ExperimentID: exp.ID})
		if err != nil {
			return err
		}
		_, err = tx.UpsertTiter(sample.ID, func(ti *domain.Titer) error {
			ti.AssignMetrics("RUN-9", map[domain.Metric]float64{domain.MetricTotalReads: 1000})
			return nil
		})
		return err
	})
	if err != nil {
		t.Fatalf("transaction: %v", err)
	}
	if got := len(conn.Tables["experiments"]); got != 1 {
		t.Fatalf("expected 1 experiment row, got %d", got)
	}
	titers := conn.Tables["titers"]
	if len(titers) != 1 || titers[0]["sequencing_run"] != "RUN-9" || titers[0]["total_reads"] != float64(1000) {
		t.Fatalf("unexpected titer rows %+v", titers)
	}
	var sawDollar bool
	for _, stmt := range conn.Execs {
		if strings.HasPrefix(stmt, "INSERT INTO titers") && strings.Contains(stmt, "$17") {
			sawDollar = true
		}
	}
	if !sawDollar {
		t.Fatalf("expected dollar placeholders in titer insert")
	}
}

func TestRunInTransactionSurfacesFlushFailure(t *testing.T) {
	db, conn := testutil.NewStubDB()
	restore := OverrideSQLOpen(func(_, _ string) (*sql.DB, error) { return db, nil })
	defer restore()

	store, err := NewStore("ignored", domain.NewRulesEngine())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	conn.FailCommit = true
	_, err = store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		_, err := tx.CreateExperiment(domain.Experiment{Name: "Lost"})
		return err
	})
	if err == nil || !strings.Contains(err.Error(), "commit") {
		t.Fatalf("expected commit failure, got %v", err)
	}
	_ = store.View(context.Background(), func(v domain.TransactionView) error {
		if _, ok := v.FindExperimentByName("Lost"); ok {
			t.Fatalf("experiment must not be visible after a failed flush")
		}
		return nil
	})

	conn.FailCommit = false
	if _, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		_, err := tx.CreateExperiment(domain.Experiment{Name: "Kept"})
		return err
	}); err != nil {
		t.Fatalf("transaction after recovery: %v", err)
	}
	rows := conn.Tables["experiments"]
	if len(rows) != 1 || rows[0]["name"] != "Kept" {
		t.Fatalf("expected only the later experiment flushed, got %+v", rows)
	}
}

func TestNewStoreOpenAndPingErrors(t *testing.T) {
	restore := OverrideSQLOpen(func(_, _ string) (*sql.DB, error) { return nil, errors.New("dial") })
	if _, err := NewStore("x", nil); err == nil {
		t.Fatalf("expected open error")
	}
	restore()

	db, conn := testutil.NewStubDB()
	conn.FailExec = true
	restore = OverrideSQLOpen(func(_, _ string) (*sql.DB, error) { return db, nil })
	defer restore()
	if _, err := NewStore("x", nil); err == nil {
		t.Fatalf("expected ping error")
	}
}
