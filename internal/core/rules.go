package core

import (
	"context"
	"fmt"
	"math"
	"strings"

	"titertrack/pkg/domain"
)

// NewDefaultRulesEngine builds a rules engine with the built-in policy set.
func NewDefaultRulesEngine() *domain.RulesEngine {
	engine := domain.NewRulesEngine()
	engine.Register(ReadPairPathsRule())
	engine.Register(TiterMetricsFiniteRule())
	engine.Register(TiterMetricsNonNegativeRule())
	return engine
}

type readPairPathsRule struct{}

// ReadPairPathsRule blocks read pairs that are missing either file path.
func ReadPairPathsRule() domain.Rule { return readPairPathsRule{} }

func (readPairPathsRule) Name() string { return "read_pair_paths" }

func (r readPairPathsRule) Evaluate(_ context.Context, _ domain.TransactionView, changes []domain.Change) (domain.Result, error) {
	var res domain.Result
	for _, change := range changes {
		if change.Entity != domain.EntityReadPair || change.Action == domain.ActionDelete {
			continue
		}
		rp, ok := change.After.(domain.ReadPair)
		if !ok {
			continue
		}
		var missing []string
		if strings.TrimSpace(rp.Read1Path) == "" {
			missing = append(missing, "read1_path")
		}
		if strings.TrimSpace(rp.Read2Path) == "" {
			missing = append(missing, "read2_path")
		}
		if len(missing) > 0 {
			res.Violations = append(res.Violations, domain.Violation{
				Rule:     r.Name(),
				Severity: domain.SeverityBlock,
				Message:  fmt.Sprintf("read pair for sample %s missing %s", rp.SampleID, strings.Join(missing, ", ")),
				Entity:   domain.EntityReadPair,
				EntityID: rp.ID,
			})
		}
	}
	return res, nil
}

// titerRule applies check to every metric of created or updated titers.
type titerRule struct {
	name     string
	severity domain.Severity
	check    func(v float64) bool
	describe string
}

// TiterMetricsFiniteRule blocks NaN and infinite metric values.
func TiterMetricsFiniteRule() domain.Rule {
	return titerRule{
		name:     "titer_metrics_finite",
		severity: domain.SeverityBlock,
		check:    func(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) },
		describe: "must be a finite number",
	}
}

// TiterMetricsNonNegativeRule warns about negative metric values.
func TiterMetricsNonNegativeRule() domain.Rule {
	return titerRule{
		name:     "titer_metrics_non_negative",
		severity: domain.SeverityWarn,
		check:    func(v float64) bool { return math.IsNaN(v) || v >= 0 },
		describe: "is negative",
	}
}

func (r titerRule) Name() string { return r.name }

func (r titerRule) Evaluate(_ context.Context, _ domain.TransactionView, changes []domain.Change) (domain.Result, error) {
	var res domain.Result
	for _, change := range changes {
		if change.Entity != domain.EntityTiter || change.Action == domain.ActionDelete {
			continue
		}
		titer, ok := change.After.(domain.Titer)
		if !ok {
			continue
		}
		for _, m := range domain.Metrics {
			v, _ := titer.Value(m)
			if r.check(v) {
				continue
			}
			res.Violations = append(res.Violations, domain.Violation{
				Rule:     r.name,
				Severity: r.severity,
				Message:  fmt.Sprintf("titer %s for sample %s %s", m, titer.SampleID, r.describe),
				Entity:   domain.EntityTiter,
				EntityID: titer.ID,
			})
		}
	}
	return res, nil
}
