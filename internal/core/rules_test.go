package core

import (
	"context"
	"math"
	"testing"

	"titertrack/pkg/domain"
)

func TestDefaultRulesEngineRegistersPolicies(t *testing.T) {
	names := NewDefaultRulesEngine().Rules()
	want := []string{"read_pair_paths", "titer_metrics_finite", "titer_metrics_non_negative"}
	if len(names) != len(want) {
		t.Fatalf("expected %v, got %v", want, names)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, names)
		}
	}
}

func TestReadPairPathsRule(t *testing.T) {
	rule := ReadPairPathsRule()
	cases := []struct {
		name    string
		change  domain.Change
		blocked bool
	}{
		{"complete", domain.Change{Entity: domain.EntityReadPair, Action: domain.ActionCreate, After: domain.ReadPair{Read1Path: "/a", Read2Path: "/b"}}, false},
		{"missing read2", domain.Change{Entity: domain.EntityReadPair, Action: domain.ActionUpdate, After: domain.ReadPair{Read1Path: "/a", Read2Path: " "}}, true},
		{"delete ignored", domain.Change{Entity: domain.EntityReadPair, Action: domain.ActionDelete, Before: domain.ReadPair{}}, false},
		{"other entity", domain.Change{Entity: domain.EntitySample, Action: domain.ActionCreate, After: domain.Sample{}}, false},
	}
	for _, tc := range cases {
		res, err := rule.Evaluate(context.Background(), nil, []domain.Change{tc.change})
		if err != nil {
			t.Fatalf("%s: evaluate: %v", tc.name, err)
		}
		if res.HasBlocking() != tc.blocked {
			t.Fatalf("%s: expected blocked=%v, got %+v", tc.name, tc.blocked, res.Violations)
		}
	}
}

func TestTiterRules(t *testing.T) {
	titer := domain.Titer{SampleID: "s1"}
	titer.WriTiter = math.NaN()
	titer.DmelMeanDepth = -2
	changes := []domain.Change{{Entity: domain.EntityTiter, Action: domain.ActionCreate, After: titer}}

	finite, err := TiterMetricsFiniteRule().Evaluate(context.Background(), nil, changes)
	if err != nil {
		t.Fatalf("finite: %v", err)
	}
	if len(finite.Violations) != 1 || !finite.HasBlocking() {
		t.Fatalf("expected one blocking violation, got %+v", finite.Violations)
	}
	nonNeg, err := TiterMetricsNonNegativeRule().Evaluate(context.Background(), nil, changes)
	if err != nil {
		t.Fatalf("non-negative: %v", err)
	}
	if len(nonNeg.Violations) != 1 || nonNeg.HasBlocking() {
		t.Fatalf("expected one warning, got %+v", nonNeg.Violations)
	}
}

func TestInfiniteTiterIsBlocked(t *testing.T) {
	svc, _, samples := newSeededService(t, []string{"S-1"})
	_, _, err := svc.ReceiveTiter(context.Background(), TiterInput{
		SampleID: "S-1",
		Metrics:  map[domain.Metric]float64{domain.MetricWriTiter: math.Inf(1)},
	})
	if err == nil {
		t.Fatalf("expected infinite metric to be blocked")
	}
	if _, ok := titerFor(t, svc, samples[0].ID); ok {
		t.Fatalf("blocked titer must not be stored")
	}
}
