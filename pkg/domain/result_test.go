package domain

import (
	"context"
	"fmt"
	"testing"
)

func TestResultMergeAndBlocking(t *testing.T) {
	var result Result
	result.Merge(Result{Violations: []Violation{{Rule: "warn", Severity: SeverityWarn}}})
	if result.HasBlocking() {
		t.Fatalf("expected no blocking violations")
	}
	result.Merge(Result{Violations: []Violation{{Rule: "block", Severity: SeverityBlock, Message: "missing read path"}}})
	if !result.HasBlocking() {
		t.Fatalf("expected blocking violation")
	}
	err := RuleViolationError{Result: result}
	if err.Error() != "transaction blocked by rules: missing read path" {
		t.Fatalf("unexpected error string %q", err.Error())
	}
	if got := result.Warnings(); len(got) != 1 {
		t.Fatalf("expected one warning, got %v", got)
	}
}

func TestResultMergeEmptyInput(t *testing.T) {
	original := Result{Violations: []Violation{{Rule: "existing", Severity: SeverityWarn}}}
	original.Merge(Result{})
	if len(original.Violations) != 1 || original.Violations[0].Rule != "existing" {
		t.Fatalf("expected original violations to remain, got %+v", original.Violations)
	}
}

func TestRulesEngineEvaluate(t *testing.T) {
	engine := NewRulesEngine()
	engine.Register(staticRule{"warn"})
	res, err := engine.Evaluate(context.Background(), emptyView{}, nil)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if len(res.Violations) != 1 {
		t.Fatalf("expected violation")
	}
	if names := engine.Rules(); len(names) != 1 || names[0] != "warn" {
		t.Fatalf("unexpected rule names %v", names)
	}
}

type staticRule struct{ name string }

func (r staticRule) Name() string { return r.name }

func (r staticRule) Evaluate(ctx context.Context, view TransactionView, changes []Change) (Result, error) {
	return Result{Violations: []Violation{{Rule: r.name, Severity: SeverityWarn}}}, nil
}

type emptyView struct{}

func (emptyView) ListExperiments() []Experiment                  { return nil }
func (emptyView) FindExperiment(string) (Experiment, bool)       { return Experiment{}, false }
func (emptyView) FindExperimentByName(string) (Experiment, bool) { return Experiment{}, false }
func (emptyView) ListSamples() []Sample                          { return nil }
func (emptyView) FindSample(string) (Sample, bool)               { return Sample{}, false }
func (emptyView) FindSamplesByLabel(string) []Sample             { return nil }
func (emptyView) ListSampleMetadata() []SampleMetadata           { return nil }
func (emptyView) MetadataForSample(string) []SampleMetadata      { return nil }
func (emptyView) ListReadPairs() []ReadPair                      { return nil }
func (emptyView) FindReadPair(string) (ReadPair, bool)           { return ReadPair{}, false }
func (emptyView) ListTiters() []Titer                            { return nil }
func (emptyView) FindTiter(string) (Titer, bool)                 { return Titer{}, false }

func TestRulesEngineEvaluateError(t *testing.T) {
	engine := NewRulesEngine()
	engine.Register(errorRule{})
	if _, err := engine.Evaluate(context.Background(), emptyView{}, nil); err == nil {
		t.Fatalf("expected evaluation error")
	}
}

type errorRule struct{}

func (errorRule) Name() string { return "error" }

func (errorRule) Evaluate(ctx context.Context, view TransactionView, changes []Change) (Result, error) {
	return Result{}, fmt.Errorf("boom")
}
