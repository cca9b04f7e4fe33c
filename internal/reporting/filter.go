// Package reporting turns stored samples into the filtered listings, metric
// tables, charts and CSV exports shown to lab staff.
package reporting

import (
	"fmt"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"titertrack/pkg/domain"
)

// Form and query parameter names accepted by ParseCriteria.
const (
	ParamCellLine        = "cell_line"
	ParamStartDate       = "start_date"
	ParamEndDate         = "end_date"
	ParamInfectionStatus = "infection_status"
	ParamUsers           = "users"
	ParamPlateNumber     = "plate_num"
	ParamSeqRun          = "seq_run"
	// ParamSeqRunsLegacy is the list-stringified run parameter older export
	// links carry.
	ParamSeqRunsLegacy = "seq_runs"
)

// Criteria is a set of optional sample predicates combined with AND. Zero
// values mean "no constraint".
type Criteria struct {
	CellLine        string
	InfectionStatus string
	Users           string
	StartDate       *time.Time
	EndDate         *time.Time
	PlateNumber     *int
	SeqRuns         []string
}

// IsZero reports whether no predicate is set.
func (c Criteria) IsZero() bool {
	return c.CellLine == "" && c.InfectionStatus == "" && c.Users == "" &&
		c.StartDate == nil && c.EndDate == nil && c.PlateNumber == nil && len(c.SeqRuns) == 0
}

// Values renders the criteria back into request parameters, suitable for an
// export link that repeats the same filter.
func (c Criteria) Values() url.Values {
	v := url.Values{}
	if c.CellLine != "" {
		v.Set(ParamCellLine, c.CellLine)
	}
	if c.InfectionStatus != "" {
		v.Set(ParamInfectionStatus, c.InfectionStatus)
	}
	if c.Users != "" {
		v.Set(ParamUsers, c.Users)
	}
	if c.StartDate != nil {
		v.Set(ParamStartDate, c.StartDate.Format(domain.DateLayout))
	}
	if c.EndDate != nil {
		v.Set(ParamEndDate, c.EndDate.Format(domain.DateLayout))
	}
	if c.PlateNumber != nil {
		v.Set(ParamPlateNumber, strconv.Itoa(*c.PlateNumber))
	}
	for _, run := range c.SeqRuns {
		v.Add(ParamSeqRun, run)
	}
	return v
}

// CriteriaError reports a filter parameter that could not be parsed.
type CriteriaError struct {
	Field string
	Value string
	Err   error
}

func (e CriteriaError) Error() string {
	return fmt.Sprintf("invalid %s %q: %v", e.Field, e.Value, e.Err)
}

func (e CriteriaError) Unwrap() error { return e.Err }

// ParseCriteria normalizes request parameters into Criteria. Blank values are
// treated as absent.
func ParseCriteria(values url.Values) (Criteria, error) {
	c := Criteria{
		CellLine:        strings.TrimSpace(values.Get(ParamCellLine)),
		InfectionStatus: strings.TrimSpace(values.Get(ParamInfectionStatus)),
		Users:           strings.TrimSpace(values.Get(ParamUsers)),
	}
	var err error
	if c.StartDate, err = parseDate(ParamStartDate, values.Get(ParamStartDate)); err != nil {
		return Criteria{}, err
	}
	if c.EndDate, err = parseDate(ParamEndDate, values.Get(ParamEndDate)); err != nil {
		return Criteria{}, err
	}
	if raw := strings.TrimSpace(values.Get(ParamPlateNumber)); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return Criteria{}, CriteriaError{Field: ParamPlateNumber, Value: raw, Err: err}
		}
		c.PlateNumber = &n
	}
	for _, key := range []string{ParamSeqRun, ParamSeqRunsLegacy} {
		for _, raw := range values[key] {
			for _, run := range NormalizeSeqRuns(raw) {
				if !slices.Contains(c.SeqRuns, run) {
					c.SeqRuns = append(c.SeqRuns, run)
				}
			}
		}
	}
	return c, nil
}

func parseDate(field, raw string) (*time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	t, err := time.ParseInLocation(domain.DateLayout, raw, time.UTC)
	if err != nil {
		return nil, CriteriaError{Field: field, Value: raw, Err: err}
	}
	return &t, nil
}

// NormalizeSeqRuns unwraps a sequencing-run value that may arrive in list
// notation, e.g. "['RUN-7']" or `["A", "B"]`, into bare run identifiers. A
// plain value yields a single element; blank input yields none.
func NormalizeSeqRuns(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "None" {
		return nil
	}
	if !strings.HasPrefix(raw, "[") || !strings.HasSuffix(raw, "]") {
		return []string{raw}
	}
	var out []string
	for _, part := range strings.Split(raw[1:len(raw)-1], ",") {
		part = strings.Trim(strings.TrimSpace(part), `'"`)
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

// ApplyFilters returns the samples matching every predicate in c, in
// insertion order. Metadata predicates match when any metadata row of the
// sample holds exactly the requested string under the conventional key.
func ApplyFilters(view domain.TransactionView, c Criteria) []domain.Sample {
	samples := view.ListSamples()
	if c.IsZero() {
		return samples
	}
	out := make([]domain.Sample, 0, len(samples))
	for _, sample := range samples {
		if matches(view, sample, c) {
			out = append(out, sample)
		}
	}
	return out
}

func matches(view domain.TransactionView, sample domain.Sample, c Criteria) bool {
	if c.StartDate != nil && sample.CreatedDate.Before(*c.StartDate) {
		return false
	}
	if c.EndDate != nil && sample.CreatedDate.After(*c.EndDate) {
		return false
	}
	if c.CellLine != "" || c.InfectionStatus != "" || c.Users != "" {
		rows := view.MetadataForSample(sample.ID)
		if !anyRowEquals(rows, domain.MetadataCellLine, c.CellLine) ||
			!anyRowEquals(rows, domain.MetadataInfection, c.InfectionStatus) ||
			!anyRowEquals(rows, domain.MetadataInitials, c.Users) {
			return false
		}
	}
	if c.PlateNumber != nil {
		rp, ok := view.FindReadPair(sample.ID)
		if !ok || rp.PlateNumber != *c.PlateNumber {
			return false
		}
	}
	if len(c.SeqRuns) > 0 {
		titer, ok := view.FindTiter(sample.ID)
		if !ok || !slices.Contains(c.SeqRuns, titer.SequencingRun) {
			return false
		}
	}
	return true
}

// anyRowEquals is true for an empty want.
func anyRowEquals(rows []domain.SampleMetadata, key, want string) bool {
	if want == "" {
		return true
	}
	for _, row := range rows {
		if row.Equals(key, want) {
			return true
		}
	}
	return false
}
