package reporting

import "titertrack/pkg/domain"

// DeriveMetricTable builds the per-label metric table for the given internal
// sample IDs. Samples without a titer are left out. When several samples
// share a label the label keeps its first position and the later titer wins.
func DeriveMetricTable(view domain.TransactionView, sampleIDs []string) domain.MetricTable {
	table := domain.MetricTable{Values: make(map[string]map[domain.Metric]float64)}
	for _, id := range sampleIDs {
		sample, ok := view.FindSample(id)
		if !ok {
			continue
		}
		titer, ok := view.FindTiter(sample.ID)
		if !ok {
			continue
		}
		if _, seen := table.Values[sample.SampleID]; !seen {
			table.Labels = append(table.Labels, sample.SampleID)
		}
		table.Values[sample.SampleID] = titer.MetricValues()
	}
	return table
}
