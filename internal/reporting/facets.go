package reporting

import (
	"slices"

	"titertrack/pkg/domain"
)

// Facets lists the distinct values offered by the filter form.
type Facets struct {
	Experiments  []string `json:"experiments"`
	Infections   []string `json:"infections"`
	CellLines    []string `json:"cell_lines"`
	Users        []string `json:"users"`
	PlateNumbers []int    `json:"plate_numbers"`
	SeqRuns      []string `json:"seq_runs"`
}

// BuildFacets collects sorted distinct filter values across the store.
func BuildFacets(view domain.TransactionView) Facets {
	f := Facets{
		Experiments:  []string{},
		PlateNumbers: []int{},
	}
	for _, exp := range view.ListExperiments() {
		f.Experiments = append(f.Experiments, exp.Name)
	}
	var infections, cellLines, users []string
	for _, md := range view.ListSampleMetadata() {
		infections = appendPresent(infections, md, domain.MetadataInfection)
		cellLines = appendPresent(cellLines, md, domain.MetadataCellLine)
		users = appendPresent(users, md, domain.MetadataInitials)
	}
	f.Infections = distinctSorted(infections)
	f.CellLines = distinctSorted(cellLines)
	f.Users = distinctSorted(users)
	for _, rp := range view.ListReadPairs() {
		f.PlateNumbers = append(f.PlateNumbers, rp.PlateNumber)
	}
	slices.Sort(f.PlateNumbers)
	f.PlateNumbers = slices.Compact(f.PlateNumbers)
	var runs []string
	for _, titer := range view.ListTiters() {
		runs = append(runs, titer.SequencingRun)
	}
	f.SeqRuns = distinctSorted(runs)
	slices.Sort(f.Experiments)
	return f
}

// DistinctSeqRuns returns the sorted sequencing runs recorded for rows.
func DistinctSeqRuns(rows []Row) []string {
	var runs []string
	for _, row := range rows {
		if row.Titer != nil {
			runs = append(runs, row.Titer.SequencingRun)
		}
	}
	return distinctSorted(runs)
}

func appendPresent(dst []string, md domain.SampleMetadata, key string) []string {
	if v := md.StringValue(key); v != "" {
		return append(dst, v)
	}
	return dst
}

func distinctSorted(values []string) []string {
	out := append([]string{}, values...)
	slices.Sort(out)
	return slices.Compact(out)
}
