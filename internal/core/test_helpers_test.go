package core

import (
	"context"
	"testing"
	"time"

	"titertrack/pkg/domain"
)

// newSeededService returns a service holding one experiment with a sample per label.
func newSeededService(t *testing.T, labels []string, opts ...ServiceOption) (*Service, domain.Experiment, []domain.Sample) {
	t.Helper()
	ctx := context.Background()
	svc := NewInMemoryService(NewDefaultRulesEngine(), opts...)
	exp, _, err := svc.CreateExperiment(ctx, "Exp-1")
	if err != nil {
		t.Fatalf("create experiment: %v", err)
	}
	samples := make([]domain.Sample, 0, len(labels))
	for _, label := range labels {
		sample, _, err := svc.CreateSample(ctx, SampleInput{
			SampleID:     label,
			CreatedDate:  time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
			ExperimentID: exp.ID,
		})
		if err != nil {
			t.Fatalf("create sample %s: %v", label, err)
		}
		samples = append(samples, sample)
	}
	return svc, exp, samples
}

func titerFor(t *testing.T, svc *Service, sampleID string) (domain.Titer, bool) {
	t.Helper()
	var titer domain.Titer
	var ok bool
	_ = svc.View(context.Background(), func(v domain.TransactionView) error {
		titer, ok = v.FindTiter(sampleID)
		return nil
	})
	return titer, ok
}
