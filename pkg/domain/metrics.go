package domain

import (
	"fmt"
	"strings"
)

// Metric names one of the titer measurements recorded per sample.
type Metric string

// Recognised titer metrics.
const (
	MetricWriMeanDepth   Metric = "wri_mean_depth"
	MetricDmelMeanDepth  Metric = "dmel_mean_depth"
	MetricWriTiter       Metric = "wri_titer"
	MetricTotalReads     Metric = "total_reads"
	MetricMappedReads    Metric = "mapped_reads"
	MetricDuplicateReads Metric = "duplicate_reads"
	MetricWmelMeanDepth  Metric = "wmel_mean_depth"
	MetricWwilMeanDepth  Metric = "wwil_mean_depth"
	MetricWmelTiter      Metric = "wmel_titer"
	MetricWwilTiter      Metric = "wwil_titer"
	MetricDsimMeanDepth  Metric = "dsim_mean_depth"
)

// Metrics lists every recognised metric in display order.
var Metrics = []Metric{
	MetricWriMeanDepth,
	MetricDmelMeanDepth,
	MetricWriTiter,
	MetricTotalReads,
	MetricMappedReads,
	MetricDuplicateReads,
	MetricWmelMeanDepth,
	MetricWwilMeanDepth,
	MetricWmelTiter,
	MetricWwilTiter,
	MetricDsimMeanDepth,
}

// ErrUnknownMetric is returned by ParseMetric for unrecognised names.
type ErrUnknownMetric struct {
	Name string
}

func (e ErrUnknownMetric) Error() string {
	names := make([]string, len(Metrics))
	for i, m := range Metrics {
		names[i] = string(m)
	}
	return fmt.Sprintf("unknown titer metric %q (expected one of %s)", e.Name, strings.Join(names, ", "))
}

// ParseMetric validates a metric name.
func ParseMetric(name string) (Metric, error) {
	trimmed := strings.TrimSpace(name)
	for _, m := range Metrics {
		if string(m) == trimmed {
			return m, nil
		}
	}
	return "", ErrUnknownMetric{Name: name}
}

// field returns a pointer to the struct field backing metric m.
func (t *Titer) field(m Metric) *float64 {
	switch m {
	case MetricWriMeanDepth:
		return &t.WriMeanDepth
	case MetricDmelMeanDepth:
		return &t.DmelMeanDepth
	case MetricWriTiter:
		return &t.WriTiter
	case MetricTotalReads:
		return &t.TotalReads
	case MetricMappedReads:
		return &t.MappedReads
	case MetricDuplicateReads:
		return &t.DuplicateReads
	case MetricWmelMeanDepth:
		return &t.WmelMeanDepth
	case MetricWwilMeanDepth:
		return &t.WwilMeanDepth
	case MetricWmelTiter:
		return &t.WmelTiter
	case MetricWwilTiter:
		return &t.WwilTiter
	case MetricDsimMeanDepth:
		return &t.DsimMeanDepth
	default:
		return nil
	}
}

// Value returns the value recorded for metric m.
func (t Titer) Value(m Metric) (float64, bool) {
	p := t.field(m)
	if p == nil {
		return 0, false
	}
	return *p, true
}

// SetValue assigns metric m. Unknown metrics are rejected.
func (t *Titer) SetValue(m Metric, v float64) error {
	p := t.field(m)
	if p == nil {
		return ErrUnknownMetric{Name: string(m)}
	}
	*p = v
	return nil
}

// MetricValues returns all metrics keyed by name.
func (t Titer) MetricValues() map[Metric]float64 {
	out := make(map[Metric]float64, len(Metrics))
	for _, m := range Metrics {
		v, _ := t.Value(m)
		out[m] = v
	}
	return out
}

// AssignMetrics overwrites the run identifier and every metric, so no value
// from a previous ingest survives.
func (t *Titer) AssignMetrics(run string, values map[Metric]float64) {
	t.SequencingRun = run
	for _, m := range Metrics {
		*t.field(m) = values[m]
	}
}

// MetricTable holds titer metrics keyed by lab sample label. Labels keeps the
// order in which labels were first seen.
type MetricTable struct {
	Labels []string                      `json:"labels"`
	Values map[string]map[Metric]float64 `json:"values"`
}

// Empty reports whether the table has no rows.
func (t MetricTable) Empty() bool {
	return len(t.Labels) == 0 || len(t.Values) == 0
}

// Clone returns a deep copy of the table.
func (t MetricTable) Clone() MetricTable {
	out := MetricTable{
		Labels: append([]string(nil), t.Labels...),
		Values: make(map[string]map[Metric]float64, len(t.Values)),
	}
	for label, row := range t.Values {
		cp := make(map[Metric]float64, len(row))
		for m, v := range row {
			cp[m] = v
		}
		out.Values[label] = cp
	}
	return out
}
