package reporting

import (
	"context"
	"errors"
	"log/slog"

	"titertrack/internal/core"
	"titertrack/internal/resultcache"
	"titertrack/pkg/domain"
)

// Reports runs the filter, cache, metric-table and chart pipeline over a store.
type Reports struct {
	store  domain.PersistentStore
	cache  resultcache.Cache
	logger *slog.Logger
}

// Option customises Reports.
type Option func(*Reports)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Reports) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewReports wires the pipeline. A nil cache uses a fresh resultcache.Store
// with the default TTL.
func NewReports(store domain.PersistentStore, cache resultcache.Cache, opts ...Option) *Reports {
	if cache == nil {
		cache = resultcache.New(resultcache.DefaultTTL)
	}
	r := &Reports{store: store, cache: cache, logger: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Facets returns the distinct values for the filter form.
func (r *Reports) Facets(ctx context.Context) (Facets, error) {
	var f Facets
	err := r.store.View(ctx, func(view domain.TransactionView) error {
		f = BuildFacets(view)
		return nil
	})
	return f, err
}

func samplesInExperiment(view domain.TransactionView, experimentID string) []domain.Sample {
	var out []domain.Sample
	for _, sample := range view.ListSamples() {
		if sample.ExperimentID == experimentID {
			out = append(out, sample)
		}
	}
	return out
}

// ExperimentSamples lists the samples of the experiment named name, joined to
// their related records.
func (r *Reports) ExperimentSamples(ctx context.Context, name string) (domain.Experiment, []Row, error) {
	var exp domain.Experiment
	var rows []Row
	err := r.store.View(ctx, func(view domain.TransactionView) error {
		var ok bool
		exp, ok = view.FindExperimentByName(name)
		if !ok {
			return core.ErrNotFound{Entity: domain.EntityExperiment, ID: name}
		}
		rows = JoinRows(view, samplesInExperiment(view, exp.ID))
		return nil
	})
	return exp, rows, err
}

// ExperimentExport renders the CSV records of the experiment with internal ID id.
func (r *Reports) ExperimentExport(ctx context.Context, id string) (domain.Experiment, [][]string, error) {
	var exp domain.Experiment
	var records [][]string
	err := r.store.View(ctx, func(view domain.TransactionView) error {
		var ok bool
		exp, ok = view.FindExperiment(id)
		if !ok {
			return core.ErrNotFound{Entity: domain.EntityExperiment, ID: id}
		}
		records = ExportRows(view, samplesInExperiment(view, exp.ID))
		return nil
	})
	return exp, records, err
}

// FilterResult is a rendered filter: the joined rows, the criteria that
// produced them and the distinct sequencing runs among them.
type FilterResult struct {
	Criteria Criteria
	Rows     []Row
	SeqRuns  []string
}

// SampleIDs returns the internal IDs of the result rows in order.
func (f FilterResult) SampleIDs() []string {
	ids := make([]string, len(f.Rows))
	for i, row := range f.Rows {
		ids[i] = row.Sample.ID
	}
	return ids
}

// Filter applies c and, for a non-empty user, saves the matching sample IDs
// for later titer requests and drops the user's cached metric table.
func (r *Reports) Filter(ctx context.Context, user string, c Criteria) (FilterResult, error) {
	result := FilterResult{Criteria: c}
	err := r.store.View(ctx, func(view domain.TransactionView) error {
		result.Rows = JoinRows(view, ApplyFilters(view, c))
		return nil
	})
	if err != nil {
		return FilterResult{}, err
	}
	result.SeqRuns = DistinctSeqRuns(result.Rows)
	if user != "" {
		r.cache.Save(user, result.SampleIDs())
		r.cache.Invalidate(user)
	}
	r.logger.DebugContext(ctx, "samples filtered", "user", user, "matches", len(result.Rows))
	return result, nil
}

// FilterExport re-applies c and renders the CSV records.
func (r *Reports) FilterExport(ctx context.Context, c Criteria) ([][]string, error) {
	var records [][]string
	err := r.store.View(ctx, func(view domain.TransactionView) error {
		records = ExportRows(view, ApplyFilters(view, c))
		return nil
	})
	return records, err
}

// TiterTable returns the user's metric table, deriving and caching it from
// the user's saved sample list when needed. ErrMissingCacheEntry is returned
// when the user has no live filter result or the last filter matched nothing.
func (r *Reports) TiterTable(ctx context.Context, user string) (domain.MetricTable, error) {
	if table, ok := r.cache.LoadMetrics(user); ok && !table.Empty() {
		return table, nil
	}
	list, ok := r.cache.LoadSampleList(user)
	if !ok || len(list.IDs) == 0 {
		return domain.MetricTable{}, resultcache.ErrMissingCacheEntry
	}
	var table domain.MetricTable
	err := r.store.View(ctx, func(view domain.TransactionView) error {
		table = DeriveMetricTable(view, list.IDs)
		return nil
	})
	if err != nil {
		return domain.MetricTable{}, err
	}
	r.cache.SaveMetrics(user, list.Generation, table)
	return table, nil
}

// Chart renders metric for the user's cached result set. A missing result set
// yields the placeholder chart.
func (r *Reports) Chart(ctx context.Context, user string, metric domain.Metric) (BarChart, error) {
	table, err := r.TiterTable(ctx, user)
	if err != nil && !errors.Is(err, resultcache.ErrMissingCacheEntry) {
		return BarChart{}, err
	}
	return RenderBarChart(metric, table.Labels, table), nil
}
