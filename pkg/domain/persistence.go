package domain

import "context"

// Transaction exposes the domain operations that a persistence implementation
// must support within an atomic scope.
type Transaction interface {
	Snapshot() TransactionView
	CreateExperiment(Experiment) (Experiment, error)
	UpdateExperiment(id string, mutator func(*Experiment) error) (Experiment, error)
	DeleteExperiment(id string) error
	CreateSample(Sample) (Sample, error)
	UpdateSample(id string, mutator func(*Sample) error) (Sample, error)
	DeleteSample(id string) error
	CreateSampleMetadata(SampleMetadata) (SampleMetadata, error)
	DeleteSampleMetadata(id string) error
	// UpsertReadPair creates or replaces the single read pair held for sampleID.
	UpsertReadPair(sampleID string, mutator func(*ReadPair) error) (ReadPair, error)
	// UpsertTiter creates or replaces the single titer held for sampleID.
	UpsertTiter(sampleID string, mutator func(*Titer) error) (Titer, error)
}

// TransactionView provides read-only access to snapshot data for rules and
// reporting. List methods return records in insertion (Seq) order.
type TransactionView interface {
	ListExperiments() []Experiment
	FindExperiment(id string) (Experiment, bool)
	FindExperimentByName(name string) (Experiment, bool)
	ListSamples() []Sample
	FindSample(id string) (Sample, bool)
	FindSamplesByLabel(label string) []Sample
	ListSampleMetadata() []SampleMetadata
	MetadataForSample(sampleID string) []SampleMetadata
	ListReadPairs() []ReadPair
	FindReadPair(sampleID string) (ReadPair, bool)
	ListTiters() []Titer
	FindTiter(sampleID string) (Titer, bool)
}

// PersistentStore is a minimal abstraction over durable backends.
type PersistentStore interface {
	RunInTransaction(ctx context.Context, fn func(Transaction) error) (Result, error)
	View(ctx context.Context, fn func(TransactionView) error) error
}

// PrimaryMetadata selects the metadata row that represents a sample: the most
// recently recorded one (highest Seq).
func PrimaryMetadata(rows []SampleMetadata) (SampleMetadata, bool) {
	if len(rows) == 0 {
		return SampleMetadata{}, false
	}
	best := rows[0]
	for _, row := range rows[1:] {
		if row.Seq > best.Seq || (row.Seq == best.Seq && row.ID < best.ID) {
			best = row
		}
	}
	return best, true
}
