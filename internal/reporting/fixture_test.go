package reporting

import (
	"context"
	"testing"
	"time"

	"titertrack/internal/infra/persistence/memory"
	"titertrack/pkg/domain"
)

type sampleFixture struct {
	label    string
	date     string
	metadata []map[string]any
	plate    *int
	run      string
	titer    map[domain.Metric]float64
}

func intPtr(n int) *int { return &n }

// seedStore builds an experiment "Exp-A" holding the given samples and
// returns the store with the created samples in order.
func seedStore(t *testing.T, specs ...sampleFixture) (*memory.Store, domain.Experiment, []domain.Sample) {
	t.Helper()
	store := memory.NewStore(nil)
	var exp domain.Experiment
	var samples []domain.Sample
	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		var err error
		exp, err = tx.CreateExperiment(domain.Experiment{Name: "Exp-A"})
		if err != nil {
			return err
		}
		for _, spec := range specs {
			created, err := time.Parse(domain.DateLayout, spec.date)
			if err != nil {
				return err
			}
			sample, err := tx.CreateSample(domain.Sample{SampleID: spec.label, CreatedDate: created, ExperimentID: exp.ID})
			if err != nil {
				return err
			}
			for _, md := range spec.metadata {
				if _, err := tx.CreateSampleMetadata(domain.SampleMetadata{SampleID: sample.ID, Metadata: md}); err != nil {
					return err
				}
			}
			if spec.plate != nil {
				if _, err := tx.UpsertReadPair(sample.ID, func(rp *domain.ReadPair) error {
					rp.Read1Path = "/data/" + spec.label + "_R1.fq"
					rp.Read2Path = "/data/" + spec.label + "_R2.fq"
					rp.PlateNumber = *spec.plate
					return nil
				}); err != nil {
					return err
				}
			}
			if spec.titer != nil || spec.run != "" {
				if _, err := tx.UpsertTiter(sample.ID, func(ti *domain.Titer) error {
					ti.AssignMetrics(spec.run, spec.titer)
					return nil
				}); err != nil {
					return err
				}
			}
			samples = append(samples, sample)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("seed store: %v", err)
	}
	return store, exp, samples
}

func view(t *testing.T, store *memory.Store, fn func(domain.TransactionView)) {
	t.Helper()
	if err := store.View(context.Background(), func(v domain.TransactionView) error {
		fn(v)
		return nil
	}); err != nil {
		t.Fatalf("view: %v", err)
	}
}

func labels(samples []domain.Sample) []string {
	if len(samples) == 0 {
		return nil
	}
	out := make([]string, len(samples))
	for i, s := range samples {
		out[i] = s.SampleID
	}
	return out
}
