// Package core implements the titertrack service layer: ingestion of read
// pairs and titer metrics, administrative record creation, rules, storage
// selection and service observability.
package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"titertrack/internal/infra/persistence/memory"
	"titertrack/pkg/domain"
)

// Service operation names used for tracing, metrics and audit.
const (
	opCreateExperiment  = "create_experiment"
	opDeleteExperiment  = "delete_experiment"
	opCreateSample      = "create_sample"
	opDeleteSample      = "delete_sample"
	opAddSampleMetadata = "add_sample_metadata"
	opRecordReadPair    = "record_read_pair"
	opReceivePaths      = "receive_paths"
	opReceiveTiter      = "receive_titer"
	opReceiveTiterBatch = "receive_titer_batch"
	opCellType          = "cell_type"
)

// UnknownCellType is reported when the primary metadata row has no Cell_Line.
const UnknownCellType = "Unknown"

// Service exposes transactional operations over the entity store.
type Service struct {
	store   domain.PersistentStore
	logger  *slog.Logger
	audit   AuditRecorder
	metrics MetricsRecorder
	tracer  Tracer
	clock   Clock
}

// NewService constructs a service backed by the supplied store.
func NewService(store domain.PersistentStore, opts ...ServiceOption) *Service {
	s := &Service{
		store:   store,
		logger:  slog.Default(),
		audit:   noopAudit{},
		metrics: noopMetrics{},
		tracer:  noopTracer{},
		clock:   ClockFunc(func() time.Time { return time.Now().UTC() }),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewInMemoryService creates a service over a fresh in-memory store.
func NewInMemoryService(engine *domain.RulesEngine, opts ...ServiceOption) *Service {
	return NewService(memory.NewStore(engine), opts...)
}

// Store returns the underlying storage implementation.
func (s *Service) Store() domain.PersistentStore {
	return s.store
}

// Logger returns the service logger.
func (s *Service) Logger() *slog.Logger {
	return s.logger
}

// View runs fn against a read-only snapshot of the store.
func (s *Service) View(ctx context.Context, fn func(domain.TransactionView) error) error {
	return s.store.View(ctx, fn)
}

func (s *Service) logWarnings(ctx context.Context, op string, res domain.Result) {
	for _, msg := range res.Warnings() {
		s.logger.WarnContext(ctx, "rule warning", "operation", op, "message", msg)
	}
}

// resolveSample maps a lab label to exactly one sample.
func resolveSample(view domain.TransactionView, label string) (domain.Sample, error) {
	matches := view.FindSamplesByLabel(label)
	switch len(matches) {
	case 0:
		return domain.Sample{}, ErrNotFound{Entity: domain.EntitySample, ID: label}
	case 1:
		return matches[0], nil
	default:
		return domain.Sample{}, fmt.Errorf("%w: %q resolves to %d samples", ErrAmbiguousSample, label, len(matches))
	}
}

// CreateExperiment persists a new experiment.
func (s *Service) CreateExperiment(ctx context.Context, name string) (domain.Experiment, domain.Result, error) {
	var created domain.Experiment
	var res domain.Result
	err := s.observe(ctx, opCreateExperiment, func(ctx context.Context) (string, error) {
		var err error
		res, err = s.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
			created, err = tx.CreateExperiment(domain.Experiment{Name: name})
			return err
		})
		return created.ID, err
	})
	return created, res, err
}

// DeleteExperiment removes an experiment and everything recorded under it.
func (s *Service) DeleteExperiment(ctx context.Context, id string) (domain.Result, error) {
	var res domain.Result
	err := s.observe(ctx, opDeleteExperiment, func(ctx context.Context) (string, error) {
		var err error
		res, err = s.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
			if _, ok := tx.Snapshot().FindExperiment(id); !ok {
				return ErrNotFound{Entity: domain.EntityExperiment, ID: id}
			}
			return tx.DeleteExperiment(id)
		})
		return id, err
	})
	return res, err
}

// SampleInput describes a sample to register.
type SampleInput struct {
	SampleID     string
	SampleLabel  string
	CreatedDate  time.Time
	ExperimentID string
}

// CreateSample registers a sample under an existing experiment.
func (s *Service) CreateSample(ctx context.Context, in SampleInput) (domain.Sample, domain.Result, error) {
	var created domain.Sample
	var res domain.Result
	err := s.observe(ctx, opCreateSample, func(ctx context.Context) (string, error) {
		var err error
		res, err = s.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
			if _, ok := tx.Snapshot().FindExperiment(in.ExperimentID); !ok {
				return ErrNotFound{Entity: domain.EntityExperiment, ID: in.ExperimentID}
			}
			created, err = tx.CreateSample(domain.Sample{
				SampleID:     in.SampleID,
				SampleLabel:  in.SampleLabel,
				CreatedDate:  in.CreatedDate,
				ExperimentID: in.ExperimentID,
			})
			return err
		})
		return created.ID, err
	})
	return created, res, err
}

// DeleteSample removes a sample and its metadata, read pair and titer.
func (s *Service) DeleteSample(ctx context.Context, id string) (domain.Result, error) {
	var res domain.Result
	err := s.observe(ctx, opDeleteSample, func(ctx context.Context) (string, error) {
		var err error
		res, err = s.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
			if _, ok := tx.Snapshot().FindSample(id); !ok {
				return ErrNotFound{Entity: domain.EntitySample, ID: id}
			}
			return tx.DeleteSample(id)
		})
		return id, err
	})
	return res, err
}

// AddSampleMetadata attaches a metadata row to the sample with internal ID sampleID.
func (s *Service) AddSampleMetadata(ctx context.Context, sampleID string, metadata map[string]any) (domain.SampleMetadata, domain.Result, error) {
	var created domain.SampleMetadata
	var res domain.Result
	err := s.observe(ctx, opAddSampleMetadata, func(ctx context.Context) (string, error) {
		var err error
		res, err = s.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
			if _, ok := tx.Snapshot().FindSample(sampleID); !ok {
				return ErrNotFound{Entity: domain.EntitySample, ID: sampleID}
			}
			created, err = tx.CreateSampleMetadata(domain.SampleMetadata{SampleID: sampleID, Metadata: metadata})
			return err
		})
		return created.ID, err
	})
	return created, res, err
}

// ReadPairInput describes an administratively recorded read pair.
type ReadPairInput struct {
	Read1Path   string
	Read2Path   string
	PlateNumber int
}

// RecordReadPair upserts the read pair of the sample with internal ID sampleID,
// setting the paths and plate number.
func (s *Service) RecordReadPair(ctx context.Context, sampleID string, in ReadPairInput) (domain.ReadPair, domain.Result, error) {
	var saved domain.ReadPair
	var res domain.Result
	err := s.observe(ctx, opRecordReadPair, func(ctx context.Context) (string, error) {
		var err error
		res, err = s.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
			if _, ok := tx.Snapshot().FindSample(sampleID); !ok {
				return ErrNotFound{Entity: domain.EntitySample, ID: sampleID}
			}
			saved, err = tx.UpsertReadPair(sampleID, func(rp *domain.ReadPair) error {
				rp.Read1Path = in.Read1Path
				rp.Read2Path = in.Read2Path
				rp.PlateNumber = in.PlateNumber
				return nil
			})
			return err
		})
		return saved.ID, err
	})
	return saved, res, err
}

// ReceivePaths records the read file paths for the sample labelled sampleID.
// An existing read pair has both paths replaced; its plate number is kept.
func (s *Service) ReceivePaths(ctx context.Context, sampleID, read1, read2 string) (domain.ReadPair, domain.Result, error) {
	var saved domain.ReadPair
	var res domain.Result
	err := s.observe(ctx, opReceivePaths, func(ctx context.Context) (string, error) {
		var err error
		res, err = s.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
			sample, err := resolveSample(tx.Snapshot(), strings.TrimSpace(sampleID))
			if err != nil {
				return err
			}
			saved, err = tx.UpsertReadPair(sample.ID, func(rp *domain.ReadPair) error {
				rp.Read1Path = read1
				rp.Read2Path = read2
				return nil
			})
			return err
		})
		return saved.ID, err
	})
	if err == nil {
		s.logWarnings(ctx, opReceivePaths, res)
	}
	return saved, res, err
}

// ReceiveTiter upserts the titer for in.SampleID, replacing the run and every metric.
func (s *Service) ReceiveTiter(ctx context.Context, in TiterInput) (domain.Titer, domain.Result, error) {
	var saved domain.Titer
	var res domain.Result
	err := s.observe(ctx, opReceiveTiter, func(ctx context.Context) (string, error) {
		var err error
		saved, res, err = s.receiveTiter(ctx, in)
		return saved.ID, err
	})
	return saved, res, err
}

func (s *Service) receiveTiter(ctx context.Context, in TiterInput) (domain.Titer, domain.Result, error) {
	var saved domain.Titer
	res, err := s.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		sample, err := resolveSample(tx.Snapshot(), strings.TrimSpace(in.SampleID))
		if err != nil {
			return err
		}
		saved, err = tx.UpsertTiter(sample.ID, func(t *domain.Titer) error {
			t.AssignMetrics(in.SequencingRun, in.Metrics)
			return nil
		})
		return err
	})
	if err == nil {
		s.logWarnings(ctx, opReceiveTiter, res)
	}
	return saved, res, err
}

// BatchReport summarises a batch titer ingestion.
type BatchReport struct {
	Processed      int
	FailedSampleID string
	Err            error
}

// ReceiveTiterBatch ingests loosely typed titer records in order, each in its
// own transaction. The first failing row stops the batch: earlier rows stay
// committed and the returned error wraps ErrPartialBatch.
func (s *Service) ReceiveTiterBatch(ctx context.Context, rows []map[string]any) (BatchReport, error) {
	var report BatchReport
	err := s.observe(ctx, opReceiveTiterBatch, func(ctx context.Context) (string, error) {
		for _, row := range rows {
			in, err := TiterInputFromRecord(row)
			if err == nil {
				_, _, err = s.receiveTiter(ctx, in)
			}
			if err != nil {
				report.FailedSampleID = in.SampleID
				report.Err = err
				s.logger.WarnContext(ctx, "titer batch aborted",
					"processed", report.Processed,
					"failed_sample_id", in.SampleID,
					"remaining", len(rows)-report.Processed-1,
					"error", err)
				return in.SampleID, fmt.Errorf("%w at sample %q: %w", ErrPartialBatch, in.SampleID, err)
			}
			report.Processed++
		}
		return "", nil
	})
	return report, err
}

// CellType returns the Cell_Line of the most recently recorded metadata row
// across the samples labelled sampleID, or UnknownCellType when that row has
// no Cell_Line. ErrNotFound is returned when no metadata row exists.
func (s *Service) CellType(ctx context.Context, sampleID string) (string, error) {
	ctx, span := s.tracer.Start(ctx, opCellType)
	started := s.clock.Now()
	cellType, err := s.cellType(ctx, strings.TrimSpace(sampleID))
	span.End(err)
	s.metrics.Observe(ctx, opCellType, err == nil || IsNotFound(err), s.clock.Now().Sub(started))
	return cellType, err
}

func (s *Service) cellType(ctx context.Context, label string) (string, error) {
	var cellType string
	err := s.store.View(ctx, func(view domain.TransactionView) error {
		var rows []domain.SampleMetadata
		for _, sample := range view.FindSamplesByLabel(label) {
			rows = append(rows, view.MetadataForSample(sample.ID)...)
		}
		primary, ok := domain.PrimaryMetadata(rows)
		if !ok {
			return ErrNotFound{Entity: domain.EntitySampleMetadata, ID: label}
		}
		if _, present := primary.Lookup(domain.MetadataCellLine); !present {
			cellType = UnknownCellType
			return nil
		}
		cellType = primary.StringValue(domain.MetadataCellLine)
		return nil
	})
	if err != nil && !errors.As(err, new(ErrNotFound)) {
		return "", fmt.Errorf("cell type %q: %w", label, err)
	}
	return cellType, err
}
