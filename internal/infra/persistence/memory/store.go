// Package memory provides an in-memory implementation of the core persistence
// store used for tests, ephemeral environments, and as the transactional
// engine behind the SQL-backed stores.
package memory

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"titertrack/pkg/domain"
)

// Compile-time contract assertions ensuring memory.Store adheres to the domain persistence interfaces.
var _ domain.PersistentStore = (*Store)(nil)

type (
	// Experiment aliases domain.Experiment.
	Experiment = domain.Experiment
	// Sample aliases domain.Sample.
	Sample = domain.Sample
	// SampleMetadata aliases domain.SampleMetadata.
	SampleMetadata = domain.SampleMetadata
	// ReadPair aliases domain.ReadPair.
	ReadPair = domain.ReadPair
	// Titer aliases domain.Titer.
	Titer = domain.Titer
	// Change aliases domain.Change captured in transactions.
	Change = domain.Change
	// Result aliases domain.Result summarizing rule evaluation.
	Result = domain.Result
	// RulesEngine aliases domain.RulesEngine used to evaluate rules.
	RulesEngine = domain.RulesEngine
	// Transaction aliases domain.Transaction representing a mutable unit of work.
	Transaction = domain.Transaction
	// TransactionView aliases domain.TransactionView providing read-only state.
	TransactionView = domain.TransactionView
)

// memoryState holds every bucket. Read pairs and titers are keyed by the
// owning sample's internal ID, which makes "at most one per sample" structural.
// metadataBySample indexes metadata IDs by sample and is rebuilt on clone.
type memoryState struct {
	seq              int64
	experiments      map[string]Experiment
	samples          map[string]Sample
	metadata         map[string]SampleMetadata
	metadataBySample map[string]map[string]struct{}
	readPairs        map[string]ReadPair
	titers           map[string]Titer
}

// Snapshot captures a point-in-time clone of the store state.
type Snapshot struct {
	Seq         int64                     `json:"seq"`
	Experiments map[string]Experiment     `json:"experiments"`
	Samples     map[string]Sample         `json:"samples"`
	Metadata    map[string]SampleMetadata `json:"metadata"`
	ReadPairs   map[string]ReadPair       `json:"read_pairs"`
	Titers      map[string]Titer          `json:"titers"`
}

func newMemoryState() memoryState {
	return memoryState{
		experiments: make(map[string]Experiment),
		samples:     make(map[string]Sample),
		metadata:    make(map[string]SampleMetadata),
		readPairs:   make(map[string]ReadPair),
		titers:      make(map[string]Titer),

		metadataBySample: make(map[string]map[string]struct{}),
	}
}

func (s memoryState) clone() memoryState {
	cp := newMemoryState()
	cp.seq = s.seq
	for k, v := range s.experiments {
		cp.experiments[k] = v
	}
	for k, v := range s.samples {
		cp.samples[k] = v
	}
	for _, v := range s.metadata {
		cp.putMetadata(cloneMetadata(v))
	}
	for k, v := range s.readPairs {
		cp.readPairs[k] = v
	}
	for k, v := range s.titers {
		cp.titers[k] = v
	}
	return cp
}

func (s memoryState) putMetadata(m SampleMetadata) {
	s.metadata[m.ID] = m
	ids := s.metadataBySample[m.SampleID]
	if ids == nil {
		ids = make(map[string]struct{})
		s.metadataBySample[m.SampleID] = ids
	}
	ids[m.ID] = struct{}{}
}

func (s memoryState) removeMetadata(m SampleMetadata) {
	delete(s.metadata, m.ID)
	ids := s.metadataBySample[m.SampleID]
	delete(ids, m.ID)
	if len(ids) == 0 {
		delete(s.metadataBySample, m.SampleID)
	}
}

func snapshotFromMemoryState(state memoryState) Snapshot {
	cp := state.clone()
	return Snapshot{
		Seq:         cp.seq,
		Experiments: cp.experiments,
		Samples:     cp.samples,
		Metadata:    cp.metadata,
		ReadPairs:   cp.readPairs,
		Titers:      cp.titers,
	}
}

func memoryStateFromSnapshot(s Snapshot) memoryState {
	state := memoryState{
		seq:         s.Seq,
		experiments: s.Experiments,
		samples:     s.Samples,
		metadata:    s.Metadata,
		readPairs:   s.ReadPairs,
		titers:      s.Titers,
	}
	return state.clone()
}

// migrateSnapshot fills nil buckets, re-keys child rows by sample, drops rows
// whose parent no longer exists and lifts the sequence counter above every
// stored Seq so new records always sort last.
func migrateSnapshot(snapshot Snapshot) Snapshot {
	if snapshot.Experiments == nil {
		snapshot.Experiments = map[string]Experiment{}
	}
	if snapshot.Samples == nil {
		snapshot.Samples = map[string]Sample{}
	}
	if snapshot.Metadata == nil {
		snapshot.Metadata = map[string]SampleMetadata{}
	}
	if snapshot.ReadPairs == nil {
		snapshot.ReadPairs = map[string]ReadPair{}
	}
	if snapshot.Titers == nil {
		snapshot.Titers = map[string]Titer{}
	}

	maxSeq := snapshot.Seq
	bump := func(seq int64) {
		if seq > maxSeq {
			maxSeq = seq
		}
	}
	for _, e := range snapshot.Experiments {
		bump(e.Seq)
	}
	for id, s := range snapshot.Samples {
		if _, ok := snapshot.Experiments[s.ExperimentID]; !ok {
			delete(snapshot.Samples, id)
			continue
		}
		bump(s.Seq)
	}
	for id, m := range snapshot.Metadata {
		if _, ok := snapshot.Samples[m.SampleID]; !ok {
			delete(snapshot.Metadata, id)
			continue
		}
		bump(m.Seq)
	}
	readPairs := make(map[string]ReadPair, len(snapshot.ReadPairs))
	for _, rp := range snapshot.ReadPairs {
		if _, ok := snapshot.Samples[rp.SampleID]; !ok {
			continue
		}
		if existing, dup := readPairs[rp.SampleID]; dup && existing.Seq > rp.Seq {
			continue
		}
		readPairs[rp.SampleID] = rp
		bump(rp.Seq)
	}
	snapshot.ReadPairs = readPairs
	titers := make(map[string]Titer, len(snapshot.Titers))
	for _, t := range snapshot.Titers {
		if _, ok := snapshot.Samples[t.SampleID]; !ok {
			continue
		}
		if existing, dup := titers[t.SampleID]; dup && existing.Seq > t.Seq {
			continue
		}
		titers[t.SampleID] = t
		bump(t.Seq)
	}
	snapshot.Titers = titers
	snapshot.Seq = maxSeq
	return snapshot
}

func cloneMetadata(m SampleMetadata) SampleMetadata {
	if m.Metadata == nil {
		return m
	}
	cp := m
	cp.Metadata = make(map[string]any, len(m.Metadata))
	for k, v := range m.Metadata {
		cp.Metadata[k] = v
	}
	return cp
}

// Store provides an in-memory transactional store for the core domain.
type Store struct {
	mu     sync.RWMutex
	state  memoryState
	engine *RulesEngine
	nowFn  func() time.Time
}

// NewStore constructs an in-memory store backed by the provided rules engine.
func NewStore(engine *RulesEngine) *Store {
	if engine == nil {
		engine = domain.NewRulesEngine()
	}
	return &Store{
		state:  newMemoryState(),
		engine: engine,
		nowFn:  func() time.Time { return time.Now().UTC() },
	}
}

func (s *Store) newID() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(err)
	}
	return hex.EncodeToString(b[:])
}

// ExportState clones the current store state for external persistence.
func (s *Store) ExportState() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return snapshotFromMemoryState(s.state)
}

// ImportState replaces the store state with the provided snapshot.
func (s *Store) ImportState(snapshot Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = memoryStateFromSnapshot(migrateSnapshot(snapshot))
}

// RulesEngine exposes the currently configured engine.
func (s *Store) RulesEngine() *RulesEngine {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.engine
}

// SetNowFunc overrides the clock used to stamp records.
func (s *Store) SetNowFunc(fn func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if fn != nil {
		s.nowFn = fn
	}
}

// transaction represents a mutation set applied to the store state.
type transaction struct {
	store   *Store
	state   memoryState
	changes []Change
	now     time.Time
}

// RunInTransaction executes fn within a transactional copy of the store state.
func (s *Store) RunInTransaction(ctx context.Context, fn func(tx Transaction) error) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &transaction{
		store: s,
		state: s.state.clone(),
		now:   s.nowFn(),
	}

	if err := fn(tx); err != nil {
		return Result{}, err
	}

	var result Result
	if s.engine != nil {
		view := newTransactionView(&tx.state)
		res, err := s.engine.Evaluate(ctx, view, tx.changes)
		if err != nil {
			return Result{}, err
		}
		result = res
		if res.HasBlocking() {
			return res, domain.RuleViolationError{Result: res}
		}
	}

	s.state = tx.state
	return result, nil
}

// View executes fn against a read-only snapshot of the store state.
func (s *Store) View(_ context.Context, fn func(TransactionView) error) error {
	s.mu.RLock()
	snapshot := s.state.clone()
	s.mu.RUnlock()
	return fn(newTransactionView(&snapshot))
}

func (tx *transaction) recordChange(change Change) {
	tx.changes = append(tx.changes, change)
}

func (tx *transaction) nextBase(id string) domain.Base {
	if id == "" {
		id = tx.store.newID()
	}
	tx.state.seq++
	return domain.Base{ID: id, Seq: tx.state.seq, CreatedAt: tx.now, UpdatedAt: tx.now}
}

// Snapshot returns a read-only view of the in-flight transaction state.
func (tx *transaction) Snapshot() TransactionView {
	return newTransactionView(&tx.state)
}

// CreateExperiment stores a new experiment. Names must be unique.
func (tx *transaction) CreateExperiment(e Experiment) (Experiment, error) {
	e.Name = strings.TrimSpace(e.Name)
	if e.Name == "" {
		return Experiment{}, errors.New("experiment requires name")
	}
	if e.ID != "" {
		if _, exists := tx.state.experiments[e.ID]; exists {
			return Experiment{}, fmt.Errorf("experiment %q already exists", e.ID)
		}
	}
	for _, existing := range tx.state.experiments {
		if existing.Name == e.Name {
			return Experiment{}, fmt.Errorf("experiment name %q already in use", e.Name)
		}
	}
	e.Base = tx.nextBase(e.ID)
	tx.state.experiments[e.ID] = e
	tx.recordChange(Change{Entity: domain.EntityExperiment, Action: domain.ActionCreate, After: e})
	return e, nil
}

// UpdateExperiment mutates an existing experiment.
func (tx *transaction) UpdateExperiment(id string, mutator func(*Experiment) error) (Experiment, error) {
	current, ok := tx.state.experiments[id]
	if !ok {
		return Experiment{}, fmt.Errorf("experiment %q not found", id)
	}
	before := current
	if err := mutator(&current); err != nil {
		return Experiment{}, err
	}
	current.Name = strings.TrimSpace(current.Name)
	if current.Name == "" {
		return Experiment{}, errors.New("experiment requires name")
	}
	for otherID, existing := range tx.state.experiments {
		if otherID != id && existing.Name == current.Name {
			return Experiment{}, fmt.Errorf("experiment name %q already in use", current.Name)
		}
	}
	current.Base = before.Base
	current.UpdatedAt = tx.now
	tx.state.experiments[id] = current
	tx.recordChange(Change{Entity: domain.EntityExperiment, Action: domain.ActionUpdate, Before: before, After: current})
	return current, nil
}

// DeleteExperiment removes an experiment and cascades to its samples.
func (tx *transaction) DeleteExperiment(id string) error {
	current, ok := tx.state.experiments[id]
	if !ok {
		return fmt.Errorf("experiment %q not found", id)
	}
	for sampleID, sample := range tx.state.samples {
		if sample.ExperimentID == id {
			tx.deleteSampleCascade(sampleID)
		}
	}
	delete(tx.state.experiments, id)
	tx.recordChange(Change{Entity: domain.EntityExperiment, Action: domain.ActionDelete, Before: current})
	return nil
}

// CreateSample stores a new sample under an existing experiment.
func (tx *transaction) CreateSample(s Sample) (Sample, error) {
	s.SampleID = strings.TrimSpace(s.SampleID)
	if s.SampleID == "" {
		return Sample{}, errors.New("sample requires sample_id")
	}
	if s.ID != "" {
		if _, exists := tx.state.samples[s.ID]; exists {
			return Sample{}, fmt.Errorf("sample %q already exists", s.ID)
		}
	}
	if _, ok := tx.state.experiments[s.ExperimentID]; !ok {
		return Sample{}, fmt.Errorf("experiment %q not found for sample", s.ExperimentID)
	}
	if s.CreatedDate.IsZero() {
		s.CreatedDate = tx.now
	}
	s.CreatedDate = truncateDate(s.CreatedDate)
	s.Base = tx.nextBase(s.ID)
	tx.state.samples[s.ID] = s
	tx.recordChange(Change{Entity: domain.EntitySample, Action: domain.ActionCreate, After: s})
	return s, nil
}

// UpdateSample mutates an existing sample.
func (tx *transaction) UpdateSample(id string, mutator func(*Sample) error) (Sample, error) {
	current, ok := tx.state.samples[id]
	if !ok {
		return Sample{}, fmt.Errorf("sample %q not found", id)
	}
	before := current
	if err := mutator(&current); err != nil {
		return Sample{}, err
	}
	if strings.TrimSpace(current.SampleID) == "" {
		return Sample{}, errors.New("sample requires sample_id")
	}
	if _, ok := tx.state.experiments[current.ExperimentID]; !ok {
		return Sample{}, fmt.Errorf("experiment %q not found for sample", current.ExperimentID)
	}
	current.CreatedDate = truncateDate(current.CreatedDate)
	current.Base = before.Base
	current.UpdatedAt = tx.now
	tx.state.samples[id] = current
	tx.recordChange(Change{Entity: domain.EntitySample, Action: domain.ActionUpdate, Before: before, After: current})
	return current, nil
}

// DeleteSample removes a sample together with its metadata, read pair and titer.
func (tx *transaction) DeleteSample(id string) error {
	if _, ok := tx.state.samples[id]; !ok {
		return fmt.Errorf("sample %q not found", id)
	}
	tx.deleteSampleCascade(id)
	return nil
}

func (tx *transaction) deleteSampleCascade(id string) {
	for metaID := range tx.state.metadataBySample[id] {
		meta := tx.state.metadata[metaID]
		tx.state.removeMetadata(meta)
		tx.recordChange(Change{Entity: domain.EntitySampleMetadata, Action: domain.ActionDelete, Before: meta})
	}
	if rp, ok := tx.state.readPairs[id]; ok {
		delete(tx.state.readPairs, id)
		tx.recordChange(Change{Entity: domain.EntityReadPair, Action: domain.ActionDelete, Before: rp})
	}
	if t, ok := tx.state.titers[id]; ok {
		delete(tx.state.titers, id)
		tx.recordChange(Change{Entity: domain.EntityTiter, Action: domain.ActionDelete, Before: t})
	}
	sample := tx.state.samples[id]
	delete(tx.state.samples, id)
	tx.recordChange(Change{Entity: domain.EntitySample, Action: domain.ActionDelete, Before: sample})
}

// CreateSampleMetadata attaches a metadata row to a sample.
func (tx *transaction) CreateSampleMetadata(m SampleMetadata) (SampleMetadata, error) {
	if _, ok := tx.state.samples[m.SampleID]; !ok {
		return SampleMetadata{}, fmt.Errorf("sample %q not found for metadata", m.SampleID)
	}
	if m.ID != "" {
		if _, exists := tx.state.metadata[m.ID]; exists {
			return SampleMetadata{}, fmt.Errorf("metadata %q already exists", m.ID)
		}
	}
	if m.Metadata == nil {
		m.Metadata = map[string]any{}
	}
	m = cloneMetadata(m)
	m.Base = tx.nextBase(m.ID)
	tx.state.putMetadata(m)
	tx.recordChange(Change{Entity: domain.EntitySampleMetadata, Action: domain.ActionCreate, After: cloneMetadata(m)})
	return cloneMetadata(m), nil
}

// DeleteSampleMetadata removes a metadata row.
func (tx *transaction) DeleteSampleMetadata(id string) error {
	current, ok := tx.state.metadata[id]
	if !ok {
		return fmt.Errorf("metadata %q not found", id)
	}
	tx.state.removeMetadata(current)
	tx.recordChange(Change{Entity: domain.EntitySampleMetadata, Action: domain.ActionDelete, Before: current})
	return nil
}

// UpsertReadPair creates the sample's read pair or mutates the existing one in place.
func (tx *transaction) UpsertReadPair(sampleID string, mutator func(*ReadPair) error) (ReadPair, error) {
	if _, ok := tx.state.samples[sampleID]; !ok {
		return ReadPair{}, fmt.Errorf("sample %q not found for read pair", sampleID)
	}
	current, exists := tx.state.readPairs[sampleID]
	before := current
	if err := mutator(&current); err != nil {
		return ReadPair{}, err
	}
	current.SampleID = sampleID
	if exists {
		current.Base = before.Base
		current.UpdatedAt = tx.now
	} else {
		current.Base = tx.nextBase("")
	}
	tx.state.readPairs[sampleID] = current
	if exists {
		tx.recordChange(Change{Entity: domain.EntityReadPair, Action: domain.ActionUpdate, Before: before, After: current})
	} else {
		tx.recordChange(Change{Entity: domain.EntityReadPair, Action: domain.ActionCreate, After: current})
	}
	return current, nil
}

// UpsertTiter creates the sample's titer or mutates the existing one in place.
func (tx *transaction) UpsertTiter(sampleID string, mutator func(*Titer) error) (Titer, error) {
	if _, ok := tx.state.samples[sampleID]; !ok {
		return Titer{}, fmt.Errorf("sample %q not found for titer", sampleID)
	}
	current, exists := tx.state.titers[sampleID]
	before := current
	if err := mutator(&current); err != nil {
		return Titer{}, err
	}
	current.SampleID = sampleID
	if exists {
		current.Base = before.Base
		current.UpdatedAt = tx.now
	} else {
		current.Base = tx.nextBase("")
	}
	tx.state.titers[sampleID] = current
	if exists {
		tx.recordChange(Change{Entity: domain.EntityTiter, Action: domain.ActionUpdate, Before: before, After: current})
	} else {
		tx.recordChange(Change{Entity: domain.EntityTiter, Action: domain.ActionCreate, After: current})
	}
	return current, nil
}

func truncateDate(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// transactionView exposes a read-only snapshot of the transactional state.
type transactionView struct {
	state *memoryState
}

func newTransactionView(state *memoryState) TransactionView {
	return transactionView{state: state}
}

func bySeq[T any](values map[string]T, seq func(T) (int64, string)) []T {
	out := make([]T, 0, len(values))
	for _, v := range values {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool {
		si, idI := seq(out[i])
		sj, idJ := seq(out[j])
		if si != sj {
			return si < sj
		}
		return idI < idJ
	})
	return out
}

func experimentSeq(e Experiment) (int64, string) { return e.Seq, e.ID }
func sampleSeq(s Sample) (int64, string)         { return s.Seq, s.ID }
func metadataSeq(m SampleMetadata) (int64, string) {
	return m.Seq, m.ID
}
func readPairSeq(r ReadPair) (int64, string) { return r.Seq, r.ID }
func titerSeq(t Titer) (int64, string)       { return t.Seq, t.ID }

// ListExperiments returns all experiments.
func (v transactionView) ListExperiments() []Experiment {
	return bySeq(v.state.experiments, experimentSeq)
}

// FindExperiment retrieves an experiment by ID.
func (v transactionView) FindExperiment(id string) (Experiment, bool) {
	e, ok := v.state.experiments[id]
	return e, ok
}

// FindExperimentByName retrieves an experiment by its unique name.
func (v transactionView) FindExperimentByName(name string) (Experiment, bool) {
	for _, e := range v.state.experiments {
		if e.Name == name {
			return e, true
		}
	}
	return Experiment{}, false
}

// ListSamples returns all samples.
func (v transactionView) ListSamples() []Sample {
	return bySeq(v.state.samples, sampleSeq)
}

// FindSample retrieves a sample by internal ID.
func (v transactionView) FindSample(id string) (Sample, bool) {
	s, ok := v.state.samples[id]
	return s, ok
}

// FindSamplesByLabel returns every sample carrying the lab label.
func (v transactionView) FindSamplesByLabel(label string) []Sample {
	matches := make(map[string]Sample)
	for id, s := range v.state.samples {
		if s.SampleID == label {
			matches[id] = s
		}
	}
	return bySeq(matches, sampleSeq)
}

// ListSampleMetadata returns all metadata rows.
func (v transactionView) ListSampleMetadata() []SampleMetadata {
	out := bySeq(v.state.metadata, metadataSeq)
	for i := range out {
		out[i] = cloneMetadata(out[i])
	}
	return out
}

// MetadataForSample returns the metadata rows attached to a sample.
func (v transactionView) MetadataForSample(sampleID string) []SampleMetadata {
	ids := v.state.metadataBySample[sampleID]
	matches := make(map[string]SampleMetadata, len(ids))
	for id := range ids {
		matches[id] = cloneMetadata(v.state.metadata[id])
	}
	return bySeq(matches, metadataSeq)
}

// ListReadPairs returns all read pairs.
func (v transactionView) ListReadPairs() []ReadPair {
	return bySeq(v.state.readPairs, readPairSeq)
}

// FindReadPair returns the read pair recorded for a sample.
func (v transactionView) FindReadPair(sampleID string) (ReadPair, bool) {
	rp, ok := v.state.readPairs[sampleID]
	return rp, ok
}

// ListTiters returns all titers.
func (v transactionView) ListTiters() []Titer {
	return bySeq(v.state.titers, titerSeq)
}

// FindTiter returns the titer recorded for a sample.
func (v transactionView) FindTiter(sampleID string) (Titer, bool) {
	t, ok := v.state.titers[sampleID]
	return t, ok
}
