package memory

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"titertrack/pkg/domain"
)

func seedSample(t *testing.T, store *Store, label string) (domain.Experiment, domain.Sample) {
	t.Helper()
	var exp domain.Experiment
	var sample domain.Sample
	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		var err error
		if found, ok := tx.Snapshot().FindExperimentByName("Exp"); ok {
			exp = found
		} else if exp, err = tx.CreateExperiment(domain.Experiment{Name: "Exp"}); err != nil {
			return err
		}
		sample, err = tx.CreateSample(domain.Sample{SampleID: label, ExperimentID: exp.ID})
		return err
	})
	if err != nil {
		t.Fatalf("seed sample: %v", err)
	}
	return exp, sample
}

func TestStoreRunInTransactionAndSnapshots(t *testing.T) {
	store := NewStore(nil)
	ctx := context.Background()
	_, err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		if _, ok := tx.Snapshot().FindExperiment("missing"); ok {
			t.Fatalf("expected missing experiment lookup")
		}
		created, err := tx.CreateExperiment(domain.Experiment{Name: "Test"})
		if err != nil {
			return err
		}
		if created.ID == "" || created.Seq == 0 {
			t.Fatalf("expected generated ID and seq, got %+v", created.Base)
		}
		if len(tx.Snapshot().ListExperiments()) != 1 {
			t.Fatalf("snapshot mismatch")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("run transaction: %v", err)
	}
	count := func() int {
		var n int
		_ = store.View(ctx, func(v domain.TransactionView) error {
			n = len(v.ListExperiments())
			return nil
		})
		return n
	}
	if count() != 1 {
		t.Fatalf("expected persisted experiment")
	}
	snapshot := store.ExportState()
	store.ImportState(Snapshot{})
	if count() != 0 {
		t.Fatalf("expected cleared state")
	}
	store.ImportState(snapshot)
	if count() != 1 {
		t.Fatalf("expected restored state")
	}
	if store.RulesEngine() == nil {
		t.Fatalf("expected rules engine")
	}
}

func TestStoreRollsBackOnError(t *testing.T) {
	store := NewStore(nil)
	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		if _, err := tx.CreateExperiment(domain.Experiment{Name: "Discarded"}); err != nil {
			return err
		}
		return fmt.Errorf("boom")
	})
	if err == nil {
		t.Fatalf("expected error")
	}
	if len(store.ExportState().Experiments) != 0 {
		t.Fatalf("expected rollback to discard experiment")
	}
}

func TestStoreRuleViolation(t *testing.T) {
	store := NewStore(domain.NewRulesEngine())
	store.RulesEngine().Register(blockingRule{})
	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		_, e := tx.CreateExperiment(domain.Experiment{Name: "Fail"})
		return e
	})
	var violation domain.RuleViolationError
	if !errors.As(err, &violation) {
		t.Fatalf("expected rule violation error, got %v", err)
	}
	if len(store.ExportState().Experiments) != 0 {
		t.Fatalf("blocked transaction must not commit")
	}
}

type blockingRule struct{}

func (blockingRule) Name() string { return "block" }

func (blockingRule) Evaluate(context.Context, domain.TransactionView, []domain.Change) (domain.Result, error) {
	return domain.Result{Violations: []domain.Violation{{Rule: "block", Severity: domain.SeverityBlock, Message: "no"}}}, nil
}

func TestExperimentNamesUnique(t *testing.T) {
	store := NewStore(nil)
	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		if _, err := tx.CreateExperiment(domain.Experiment{Name: "Dup"}); err != nil {
			return err
		}
		_, err := tx.CreateExperiment(domain.Experiment{Name: " Dup "})
		return err
	})
	if err == nil {
		t.Fatalf("expected duplicate name error")
	}
	_, err = store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		_, err := tx.CreateExperiment(domain.Experiment{Name: "  "})
		return err
	})
	if err == nil {
		t.Fatalf("expected blank name error")
	}
}

func TestCreateSampleRequiresExperiment(t *testing.T) {
	store := NewStore(nil)
	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		_, err := tx.CreateSample(domain.Sample{SampleID: "S1", ExperimentID: "missing"})
		return err
	})
	if err == nil {
		t.Fatalf("expected missing experiment error")
	}
}

func TestCreateSampleTruncatesDate(t *testing.T) {
	store := NewStore(nil)
	store.SetNowFunc(func() time.Time { return time.Date(2024, 3, 5, 17, 45, 0, 0, time.UTC) })
	_, sample := seedSample(t, store, "S1")
	if want := time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC); !sample.CreatedDate.Equal(want) {
		t.Fatalf("expected created date %v, got %v", want, sample.CreatedDate)
	}
	if sample.CreatedDateString() != "2024-03-05" {
		t.Fatalf("unexpected date string %q", sample.CreatedDateString())
	}
}

func TestUpsertReadPairKeepsSingleRow(t *testing.T) {
	store := NewStore(nil)
	_, sample := seedSample(t, store, "S1")
	ctx := context.Background()
	var first domain.ReadPair
	_, err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		var err error
		first, err = tx.UpsertReadPair(sample.ID, func(rp *domain.ReadPair) error {
			rp.Read1Path, rp.Read2Path, rp.PlateNumber = "a", "b", 4
			return nil
		})
		return err
	})
	if err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	_, err = store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		_, err := tx.UpsertReadPair(sample.ID, func(rp *domain.ReadPair) error {
			rp.Read1Path, rp.Read2Path = "c", "d"
			return nil
		})
		return err
	})
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	_ = store.View(ctx, func(v domain.TransactionView) error {
		pairs := v.ListReadPairs()
		if len(pairs) != 1 {
			t.Fatalf("expected one read pair, got %d", len(pairs))
		}
		rp := pairs[0]
		if rp.ID != first.ID || rp.Read1Path != "c" || rp.Read2Path != "d" || rp.PlateNumber != 4 {
			t.Fatalf("unexpected read pair %+v", rp)
		}
		return nil
	})
}

func TestUpsertTiterRequiresSample(t *testing.T) {
	store := NewStore(nil)
	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		_, err := tx.UpsertTiter("missing", func(*domain.Titer) error { return nil })
		return err
	})
	if err == nil {
		t.Fatalf("expected missing sample error")
	}
}

func TestDeleteExperimentCascades(t *testing.T) {
	store := NewStore(nil)
	exp, sample := seedSample(t, store, "S1")
	ctx := context.Background()
	_, err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		if _, err := tx.CreateSampleMetadata(domain.SampleMetadata{SampleID: sample.ID, Metadata: map[string]any{"Cell_Line": "HeLa"}}); err != nil {
			return err
		}
		if _, err := tx.UpsertReadPair(sample.ID, func(rp *domain.ReadPair) error { rp.Read1Path, rp.Read2Path = "a", "b"; return nil }); err != nil {
			return err
		}
		if _, err := tx.UpsertTiter(sample.ID, func(t *domain.Titer) error { t.SequencingRun = "R1"; return nil }); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		t.Fatalf("seed children: %v", err)
	}
	_, err = store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		return tx.DeleteExperiment(exp.ID)
	})
	if err != nil {
		t.Fatalf("delete experiment: %v", err)
	}
	state := store.ExportState()
	if len(state.Samples)+len(state.Metadata)+len(state.ReadPairs)+len(state.Titers) != 0 {
		t.Fatalf("expected cascade to remove children, got %+v", state)
	}
}

func TestFindSamplesByLabelOrdersBySeq(t *testing.T) {
	store := NewStore(nil)
	_, first := seedSample(t, store, "DUP")
	_, second := seedSample(t, store, "DUP")
	seedSample(t, store, "OTHER")
	_ = store.View(context.Background(), func(v domain.TransactionView) error {
		got := v.FindSamplesByLabel("DUP")
		if len(got) != 2 || got[0].ID != first.ID || got[1].ID != second.ID {
			t.Fatalf("unexpected label matches %+v", got)
		}
		if len(v.FindSamplesByLabel("none")) != 0 {
			t.Fatalf("expected no matches")
		}
		return nil
	})
}

func TestMetadataIsolatedFromCallers(t *testing.T) {
	store := NewStore(nil)
	_, sample := seedSample(t, store, "S1")
	payload := map[string]any{"Cell_Line": "HeLa"}
	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		_, err := tx.CreateSampleMetadata(domain.SampleMetadata{SampleID: sample.ID, Metadata: payload})
		return err
	})
	if err != nil {
		t.Fatalf("create metadata: %v", err)
	}
	payload["Cell_Line"] = "mutated"
	_ = store.View(context.Background(), func(v domain.TransactionView) error {
		rows := v.MetadataForSample(sample.ID)
		if len(rows) != 1 || rows[0].StringValue("Cell_Line") != "HeLa" {
			t.Fatalf("expected stored metadata to be isolated, got %+v", rows)
		}
		rows[0].Metadata["Cell_Line"] = "again"
		return nil
	})
	_ = store.View(context.Background(), func(v domain.TransactionView) error {
		if v.MetadataForSample(sample.ID)[0].StringValue("Cell_Line") != "HeLa" {
			t.Fatalf("view mutation leaked into store")
		}
		return nil
	})
}

func TestMetadataForSampleTracksWrites(t *testing.T) {
	ctx := context.Background()
	store := NewStore(nil)
	_, first := seedSample(t, store, "S1")
	_, second := seedSample(t, store, "S2")
	var rows []domain.SampleMetadata
	_, err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		for i, sampleID := range []string{first.ID, second.ID, first.ID, first.ID} {
			m, err := tx.CreateSampleMetadata(domain.SampleMetadata{SampleID: sampleID, Metadata: map[string]any{"Plate_Num": i}})
			if err != nil {
				return err
			}
			rows = append(rows, m)
		}
		return tx.DeleteSampleMetadata(rows[2].ID)
	})
	if err != nil {
		t.Fatalf("seed metadata: %v", err)
	}
	_ = store.View(ctx, func(v domain.TransactionView) error {
		got := v.MetadataForSample(first.ID)
		if len(got) != 2 || got[0].ID != rows[0].ID || got[1].ID != rows[3].ID {
			t.Fatalf("unexpected metadata for first sample %+v", got)
		}
		return nil
	})

	_, err = store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		return tx.DeleteSample(first.ID)
	})
	if err != nil {
		t.Fatalf("delete sample: %v", err)
	}
	_ = store.View(ctx, func(v domain.TransactionView) error {
		if got := v.MetadataForSample(first.ID); len(got) != 0 {
			t.Fatalf("expected cascade to clear metadata, got %+v", got)
		}
		if got := v.MetadataForSample(second.ID); len(got) != 1 || got[0].ID != rows[1].ID {
			t.Fatalf("unexpected metadata for second sample %+v", got)
		}
		return nil
	})

	restored := NewStore(nil)
	restored.ImportState(store.ExportState())
	_ = restored.View(ctx, func(v domain.TransactionView) error {
		if got := v.MetadataForSample(second.ID); len(got) != 1 || got[0].ID != rows[1].ID {
			t.Fatalf("expected index rebuilt on import, got %+v", got)
		}
		return nil
	})
}

func TestImportStateMigratesOrphansAndSeq(t *testing.T) {
	store := NewStore(nil)
	store.ImportState(Snapshot{
		Experiments: map[string]Experiment{"e": {Base: domain.Base{ID: "e", Seq: 3}, Name: "Exp"}},
		Samples: map[string]Sample{
			"s":      {Base: domain.Base{ID: "s", Seq: 7}, SampleID: "S", ExperimentID: "e"},
			"orphan": {Base: domain.Base{ID: "orphan", Seq: 9}, SampleID: "O", ExperimentID: "gone"},
		},
		Titers: map[string]Titer{"x": {Base: domain.Base{ID: "t", Seq: 5}, SampleID: "s"}},
	})
	state := store.ExportState()
	if _, ok := state.Samples["orphan"]; ok {
		t.Fatalf("expected orphan sample dropped")
	}
	if _, ok := state.Titers["s"]; !ok {
		t.Fatalf("expected titer re-keyed by sample")
	}
	if state.Seq != 7 {
		t.Fatalf("expected seq lifted to 7, got %d", state.Seq)
	}
	_, created := seedSample(t, store, "NEW")
	if created.Seq != 8 {
		t.Fatalf("expected next seq 8, got %d", created.Seq)
	}
}

func TestDeleteMissingRecords(t *testing.T) {
	store := NewStore(nil)
	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		if err := tx.DeleteExperiment("missing"); err == nil {
			t.Fatalf("expected missing experiment error")
		}
		if err := tx.DeleteSample("missing"); err == nil {
			t.Fatalf("expected missing sample error")
		}
		if err := tx.DeleteSampleMetadata("missing"); err == nil {
			t.Fatalf("expected missing metadata error")
		}
		if _, err := tx.UpdateSample("missing", func(*domain.Sample) error { return nil }); err == nil {
			t.Fatalf("expected missing sample update error")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("transaction: %v", err)
	}
}
