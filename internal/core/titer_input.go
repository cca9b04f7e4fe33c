package core

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cast"

	"titertrack/pkg/domain"
)

// Batch record keys.
const (
	RecordSampleID      = "SampleID"
	RecordSequencingRun = "sequencing_run"
)

// TiterInput is a single typed titer submission.
type TiterInput struct {
	SampleID      string
	SequencingRun string
	Metrics       map[domain.Metric]float64
}

// TiterInputFromRecord coerces a loosely typed batch record. Absent, null and
// blank metric fields become 0; any other value that does not parse as a
// number is an error naming the field.
func TiterInputFromRecord(record map[string]any) (TiterInput, error) {
	in := TiterInput{
		SampleID:      strings.TrimSpace(textField(record[RecordSampleID])),
		SequencingRun: textField(record[RecordSequencingRun]),
		Metrics:       make(map[domain.Metric]float64, len(domain.Metrics)),
	}
	if in.SampleID == "" {
		return in, fmt.Errorf("%w: missing %s", ErrInvalidRecord, RecordSampleID)
	}
	for _, m := range domain.Metrics {
		v, err := coerceMetric(record[string(m)])
		if err != nil {
			return in, fmt.Errorf("%w: field %s: %w", ErrInvalidRecord, m, err)
		}
		in.Metrics[m] = v
	}
	return in, nil
}

func textField(v any) string {
	if v == nil {
		return ""
	}
	if n, ok := v.(json.Number); ok {
		return n.String()
	}
	return cast.ToString(v)
}

func coerceMetric(v any) (float64, error) {
	switch typed := v.(type) {
	case nil:
		return 0, nil
	case string:
		if strings.TrimSpace(typed) == "" {
			return 0, nil
		}
		return cast.ToFloat64E(strings.TrimSpace(typed))
	case json.Number:
		return typed.Float64()
	case bool:
		return 0, fmt.Errorf("unable to cast %v of type bool to float64", typed)
	default:
		return cast.ToFloat64E(typed)
	}
}
