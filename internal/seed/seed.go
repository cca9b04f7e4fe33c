// Package seed loads YAML manifests of experiments and samples and applies
// them through the core service.
package seed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"titertrack/internal/core"
	"titertrack/pkg/domain"
)

// Manifest is the top-level seed document.
type Manifest struct {
	Experiments []Experiment     `yaml:"experiments"`
	Titers      []map[string]any `yaml:"titers"`
}

// Experiment lists the samples registered under one experiment name.
type Experiment struct {
	Name    string   `yaml:"name"`
	Samples []Sample `yaml:"samples"`
}

// Sample is one sample entry. Metadata rows are recorded in order, so the
// last one becomes the sample's primary metadata.
type Sample struct {
	SampleID    string           `yaml:"sample_id"`
	Label       string           `yaml:"label"`
	CreatedDate string           `yaml:"created_date"`
	Metadata    []map[string]any `yaml:"metadata"`
	ReadPair    *ReadPair        `yaml:"read_pair"`
}

// ReadPair seeds a sample's read files and plate.
type ReadPair struct {
	Read1 string `yaml:"read1"`
	Read2 string `yaml:"read2"`
	Plate int    `yaml:"plate"`
}

// Summary counts the records a manifest produced.
type Summary struct {
	Experiments int
	Samples     int
	Metadata    int
	ReadPairs   int
	Titers      int
}

// Decode parses a manifest, rejecting unknown fields.
func Decode(r io.Reader) (Manifest, error) {
	var m Manifest
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&m); err != nil {
		if errors.Is(err, io.EOF) {
			return Manifest{}, nil
		}
		return Manifest{}, fmt.Errorf("decode manifest: %w", err)
	}
	return m, nil
}

// LoadFile reads and decodes the manifest at path.
func LoadFile(path string) (Manifest, error) {
	f, err := os.Open(path)
	if err != nil {
		return Manifest{}, fmt.Errorf("open manifest: %w", err)
	}
	defer func() { _ = f.Close() }()
	return Decode(f)
}

// Validate checks the manifest before anything is written.
func (m Manifest) Validate() error {
	var errs []error
	for i, exp := range m.Experiments {
		if strings.TrimSpace(exp.Name) == "" {
			errs = append(errs, fmt.Errorf("experiments[%d]: name is required", i))
		}
		for j, s := range exp.Samples {
			if strings.TrimSpace(s.SampleID) == "" {
				errs = append(errs, fmt.Errorf("experiments[%d].samples[%d]: sample_id is required", i, j))
			}
			if _, err := s.date(); err != nil {
				errs = append(errs, fmt.Errorf("experiments[%d].samples[%d]: %w", i, j, err))
			}
		}
	}
	return errors.Join(errs...)
}

func (s Sample) date() (time.Time, error) {
	if s.CreatedDate == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(domain.DateLayout, s.CreatedDate)
	if err != nil {
		return time.Time{}, fmt.Errorf("created_date %q: %w", s.CreatedDate, err)
	}
	return t, nil
}

// Apply writes the manifest through svc. Experiments that already exist are
// reused by name; samples are always added. Titers are ingested last as one
// batch, so their sample labels may refer to samples from this manifest.
func Apply(ctx context.Context, svc *core.Service, m Manifest) (Summary, error) {
	var sum Summary
	if err := m.Validate(); err != nil {
		return sum, err
	}
	for _, exp := range m.Experiments {
		expID, created, err := ensureExperiment(ctx, svc, exp.Name)
		if err != nil {
			return sum, err
		}
		if created {
			sum.Experiments++
		}
		for _, s := range exp.Samples {
			if err := applySample(ctx, svc, expID, s, &sum); err != nil {
				return sum, fmt.Errorf("experiment %q sample %q: %w", exp.Name, s.SampleID, err)
			}
		}
	}
	if len(m.Titers) > 0 {
		report, err := svc.ReceiveTiterBatch(ctx, m.Titers)
		sum.Titers = report.Processed
		if err != nil {
			return sum, err
		}
	}
	return sum, nil
}

func ensureExperiment(ctx context.Context, svc *core.Service, name string) (string, bool, error) {
	name = strings.TrimSpace(name)
	var existing domain.Experiment
	var found bool
	if err := svc.View(ctx, func(v domain.TransactionView) error {
		existing, found = v.FindExperimentByName(name)
		return nil
	}); err != nil {
		return "", false, err
	}
	if found {
		return existing.ID, false, nil
	}
	exp, _, err := svc.CreateExperiment(ctx, name)
	if err != nil {
		return "", false, fmt.Errorf("create experiment %q: %w", name, err)
	}
	return exp.ID, true, nil
}

func applySample(ctx context.Context, svc *core.Service, expID string, s Sample, sum *Summary) error {
	date, err := s.date()
	if err != nil {
		return err
	}
	sample, _, err := svc.CreateSample(ctx, core.SampleInput{
		SampleID:     strings.TrimSpace(s.SampleID),
		SampleLabel:  s.Label,
		CreatedDate:  date,
		ExperimentID: expID,
	})
	if err != nil {
		return err
	}
	sum.Samples++
	for _, md := range s.Metadata {
		if _, _, err := svc.AddSampleMetadata(ctx, sample.ID, md); err != nil {
			return err
		}
		sum.Metadata++
	}
	if s.ReadPair != nil {
		if _, _, err := svc.RecordReadPair(ctx, sample.ID, core.ReadPairInput{
			Read1Path:   s.ReadPair.Read1,
			Read2Path:   s.ReadPair.Read2,
			PlateNumber: s.ReadPair.Plate,
		}); err != nil {
			return err
		}
		sum.ReadPairs++
	}
	return nil
}
