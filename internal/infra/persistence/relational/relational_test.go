package relational

import (
	"context"
	"strings"
	"testing"

	"titertrack/internal/infra/persistence/memory"
	"titertrack/internal/infra/persistence/postgres/testutil"
	"titertrack/pkg/domain"
)

func TestInsertSQLUsesDialectPlaceholders(t *testing.T) {
	q := experimentsTable.insertSQL(Dialect{Placeholder: QuestionPlaceholders})
	if !strings.HasSuffix(q, "VALUES (?, ?, ?, ?, ?)") {
		t.Fatalf("unexpected sqlite insert %q", q)
	}
	q = experimentsTable.insertSQL(Dialect{Placeholder: DollarPlaceholders})
	if !strings.HasSuffix(q, "VALUES ($1, $2, $3, $4, $5)") {
		t.Fatalf("unexpected postgres insert %q", q)
	}
	if got := len(titersTable.columns); got != 4+len(domain.Metrics)+2 {
		t.Fatalf("unexpected titer column count %d", got)
	}
}

func TestSaveThenLoadRoundTrip(t *testing.T) {
	ctx := context.Background()
	mem := memory.NewStore(nil)
	_, err := mem.RunInTransaction(ctx, func(tx domain.Transaction) error {
		exp, err := tx.CreateExperiment(domain.Experiment{Name: "RT"})
		if err != nil {
			return err
		}
		a, err := tx.CreateSample(domain.Sample{SampleID: "A", ExperimentID: exp.ID})
		if err != nil {
			return err
		}
		if _, err := tx.CreateSampleMetadata(domain.SampleMetadata{SampleID: a.ID, Metadata: map[string]any{"Infection": "wMel"}}); err != nil {
			return err
		}
		_, err = tx.UpsertReadPair(a.ID, func(rp *domain.ReadPair) error {
			rp.Read1Path, rp.Read2Path, rp.PlateNumber = "r1", "r2", 2
			return nil
		})
		return err
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	db, conn := testutil.NewStubDB()
	if err := Save(ctx, db, Dialect{Placeholder: DollarPlaceholders}, mem.ExportState()); err != nil {
		t.Fatalf("save: %v", err)
	}
	if len(conn.Tables["read_pairs"]) != 1 || len(conn.Tables["sample_metadata"]) != 1 {
		t.Fatalf("unexpected tables %+v", conn.Tables)
	}
	loaded, err := Load(ctx, db)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	want := mem.ExportState()
	if len(loaded.Samples) != 1 || len(loaded.ReadPairs) != 1 || len(loaded.Metadata) != 1 {
		t.Fatalf("unexpected loaded snapshot %+v", loaded)
	}
	for id, s := range want.Samples {
		got := loaded.Samples[id]
		if got.Seq != s.Seq || !got.CreatedAt.Equal(s.CreatedAt) || got.CreatedDateString() != s.CreatedDateString() {
			t.Fatalf("sample mismatch: want %+v got %+v", s, got)
		}
		if rp := loaded.ReadPairs[id]; rp.PlateNumber != 2 {
			t.Fatalf("read pair not keyed by sample: %+v", loaded.ReadPairs)
		}
	}
}

func TestSaveClearsChildTablesFirst(t *testing.T) {
	ctx := context.Background()
	db, conn := testutil.NewStubDB()
	if err := Save(ctx, db, Dialect{Placeholder: DollarPlaceholders}, memory.Snapshot{}); err != nil {
		t.Fatalf("save: %v", err)
	}
	want := []string{"DELETE FROM titers", "DELETE FROM read_pairs", "DELETE FROM sample_metadata", "DELETE FROM samples", "DELETE FROM experiments"}
	if len(conn.Execs) != len(want) {
		t.Fatalf("unexpected execs %v", conn.Execs)
	}
	for i, stmt := range want {
		if conn.Execs[i] != stmt {
			t.Fatalf("exec %d: want %q got %q", i, stmt, conn.Execs[i])
		}
	}
}

func TestLoadReportsQueryFailure(t *testing.T) {
	db, conn := testutil.NewStubDB()
	conn.FailTables = map[string]bool{"samples": true}
	if _, err := Load(context.Background(), db); err == nil || !strings.Contains(err.Error(), "select samples") {
		t.Fatalf("expected select failure, got %v", err)
	}
}

func TestLoadRejectsBadMetadata(t *testing.T) {
	db, conn := testutil.NewStubDB()
	conn.Seed("sample_metadata", map[string]any{"id": "m", "seq": int64(1), "sample_id": "s", "metadata": "{", "created_at": "", "updated_at": ""})
	if _, err := Load(context.Background(), db); err == nil {
		t.Fatalf("expected decode error")
	}
}
