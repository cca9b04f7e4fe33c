// Package domain defines the core persistent entities, value types, and
// rule evaluation primitives used by titertrack.
package domain

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// EntityType identifies the type of record stored in the core domain.
type EntityType string

// Supported entity type identifiers used in Change records and persistence buckets.
const (
	// EntityExperiment identifies an experiment record.
	EntityExperiment EntityType = "experiment"
	// EntitySample identifies a sequencing sample record.
	EntitySample EntityType = "sample"
	// EntitySampleMetadata identifies a free-form metadata record attached to a sample.
	EntitySampleMetadata EntityType = "sample_metadata"
	// EntityReadPair identifies the read file pair recorded for a sample.
	EntityReadPair EntityType = "read_pair"
	// EntityTiter identifies the titer metrics recorded for a sample.
	EntityTiter EntityType = "titer"
)

// Conventional metadata keys recognised by filters and exports.
const (
	MetadataCellLine  = "Cell_Line"
	MetadataInfection = "Infection"
	MetadataInitials  = "Initials"
)

// DateLayout is the calendar date format used for sample creation dates.
const DateLayout = "2006-01-02"

// Severity captures rule outcomes.
type Severity string

// Rule evaluation severities determine commit behavior and logging.
const (
	// SeverityBlock blocks transaction commit.
	SeverityBlock Severity = "block"
	// SeverityWarn logs a warning but allows commit.
	SeverityWarn Severity = "warn"
	SeverityLog  Severity = "log"
)

// Base contains common fields for all domain records. Seq is a store-assigned
// insertion sequence; it orders records and breaks ties between them.
type Base struct {
	ID        string    `json:"id"`
	Seq       int64     `json:"seq"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Experiment groups samples collected for a single study.
type Experiment struct {
	Base
	Name string `json:"name"`
}

// Sample is a sequencing sample. SampleID is the lab-assigned label and is not
// guaranteed to be unique; ID is the internal identifier.
type Sample struct {
	Base
	SampleID     string    `json:"sample_id"`
	CreatedDate  time.Time `json:"created_date"`
	SampleLabel  string    `json:"sample_label"`
	ExperimentID string    `json:"experiment_id"`
}

// CreatedDateString renders the creation date as a calendar date.
func (s Sample) CreatedDateString() string {
	if s.CreatedDate.IsZero() {
		return ""
	}
	return s.CreatedDate.UTC().Format(DateLayout)
}

// SampleMetadata carries unstructured annotations for a sample.
type SampleMetadata struct {
	Base
	SampleID string         `json:"sample_id"`
	Metadata map[string]any `json:"metadata"`
}

// Lookup returns the raw value stored under key.
func (m SampleMetadata) Lookup(key string) (any, bool) {
	if m.Metadata == nil {
		return nil, false
	}
	v, ok := m.Metadata[key]
	return v, ok
}

// StringValue returns the value stored under key rendered as text. Missing
// keys and JSON nulls yield an empty string.
func (m SampleMetadata) StringValue(key string) string {
	v, ok := m.Lookup(key)
	if !ok || v == nil {
		return ""
	}
	switch typed := v.(type) {
	case string:
		return typed
	case json.Number:
		return typed.String()
	case float64:
		return strconv.FormatFloat(typed, 'f', -1, 64)
	default:
		raw, err := json.Marshal(typed)
		if err != nil {
			return fmt.Sprint(typed)
		}
		return string(raw)
	}
}

// Equals reports whether the value under key is a JSON string exactly equal to want.
func (m SampleMetadata) Equals(key, want string) bool {
	v, ok := m.Lookup(key)
	if !ok {
		return false
	}
	s, ok := v.(string)
	return ok && s == want
}

// ReadPair records the sequencing read file paths for a sample.
type ReadPair struct {
	Base
	SampleID    string `json:"sample_id"`
	Read1Path   string `json:"read1_path"`
	Read2Path   string `json:"read2_path"`
	PlateNumber int    `json:"plate_number"`
}

// Titer holds sequencing-derived viral load and depth metrics for a sample.
type Titer struct {
	Base
	SampleID       string  `json:"sample_id"`
	SequencingRun  string  `json:"sequencing_run"`
	WriMeanDepth   float64 `json:"wri_mean_depth"`
	DmelMeanDepth  float64 `json:"dmel_mean_depth"`
	WriTiter       float64 `json:"wri_titer"`
	TotalReads     float64 `json:"total_reads"`
	MappedReads    float64 `json:"mapped_reads"`
	DuplicateReads float64 `json:"duplicate_reads"`
	WmelMeanDepth  float64 `json:"wmel_mean_depth"`
	WwilMeanDepth  float64 `json:"wwil_mean_depth"`
	WmelTiter      float64 `json:"wmel_titer"`
	WwilTiter      float64 `json:"wwil_titer"`
	DsimMeanDepth  float64 `json:"dsim_mean_depth"`
}

// Change describes a mutation applied to an entity during a transaction.
type Change struct {
	Entity EntityType
	Action Action
	Before any
	After  any
}

// Action indicates the type of modification performed.
type Action string

// Change actions enumerate supported CRUD operations captured in audit trail.
const (
	// ActionCreate indicates an entity was created.
	ActionCreate Action = "create"
	// ActionUpdate indicates an entity was updated.
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// Violation reports a failed rule evaluation.
type Violation struct {
	Rule     string
	Severity Severity
	Message  string
	Entity   EntityType
	EntityID string
}

// Result aggregates violations from the rules engine.
type Result struct {
	Violations []Violation
}

// Merge appends violations from another result.
func (r *Result) Merge(other Result) {
	if len(other.Violations) == 0 {
		return
	}
	r.Violations = append(r.Violations, other.Violations...)
}

// HasBlocking returns true if the result contains blocking violations.
func (r Result) HasBlocking() bool {
	for _, v := range r.Violations {
		if v.Severity == SeverityBlock {
			return true
		}
	}
	return false
}

// Warnings returns the non-blocking violation messages.
func (r Result) Warnings() []string {
	var out []string
	for _, v := range r.Violations {
		if v.Severity != SeverityBlock {
			out = append(out, v.Message)
		}
	}
	return out
}

// RuleViolationError is returned when blocking violations are present.
type RuleViolationError struct {
	Result Result
}

func (e RuleViolationError) Error() string {
	for _, v := range e.Result.Violations {
		if v.Severity == SeverityBlock {
			return "transaction blocked by rules: " + v.Message
		}
	}
	return "transaction blocked by rules"
}
