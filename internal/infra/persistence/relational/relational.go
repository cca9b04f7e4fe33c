// Package relational persists the in-memory store state into the normalized
// entity tables shared by the SQLite and Postgres backends.
package relational

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"titertrack/internal/entitymodel/sqlbundle"
	"titertrack/internal/infra/persistence/memory"
	"titertrack/pkg/domain"
)

// Compile-time contract assertion ensuring the store satisfies the domain interface.
var _ domain.PersistentStore = (*Store)(nil)

// Dialect captures the per-driver differences of the relational backends.
type Dialect struct {
	Name string
	DDL  string
	// Placeholder renders the n-th (1-based) bind parameter.
	Placeholder func(n int) string
}

// QuestionPlaceholders binds with "?" (SQLite).
func QuestionPlaceholders(int) string { return "?" }

// DollarPlaceholders binds with "$n" (Postgres).
func DollarPlaceholders(n int) string { return "$" + strconv.Itoa(n) }

const timeLayout = time.RFC3339Nano

// Store wraps the in-memory store and rewrites the normalized tables after
// every committed transaction.
type Store struct {
	*memory.Store
	db      *sql.DB
	dialect Dialect
	mu      sync.Mutex
}

// Open applies the dialect DDL, hydrates a memory store from the tables and
// returns the combined store.
func Open(ctx context.Context, db *sql.DB, dialect Dialect, engine *domain.RulesEngine) (*Store, error) {
	if err := ApplyDDL(ctx, db, dialect.DDL); err != nil {
		return nil, err
	}
	snapshot, err := Load(ctx, db)
	if err != nil {
		return nil, err
	}
	mem := memory.NewStore(engine)
	mem.ImportState(snapshot)
	return &Store{Store: mem, db: db, dialect: dialect}, nil
}

// RunInTransaction applies fn through the memory store and flushes the
// resulting state when it commits. A failed flush restores the state held
// before fn ran, so memory never runs ahead of the database.
func (s *Store) RunInTransaction(ctx context.Context, fn func(domain.Transaction) error) (domain.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	before := s.ExportState()
	res, err := s.Store.RunInTransaction(ctx, fn)
	if err != nil {
		return res, err
	}
	if err := Save(ctx, s.db, s.dialect, s.ExportState()); err != nil {
		s.ImportState(before)
		return res, err
	}
	return res, nil
}

// DB exposes the underlying sql.DB for integration testing hooks.
func (s *Store) DB() *sql.DB { return s.db }

// Dialect returns the dialect the store was opened with.
func (s *Store) Dialect() Dialect { return s.dialect }

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

// ApplyDDL executes each statement of the bundle in order.
func ApplyDDL(ctx context.Context, db *sql.DB, ddl string) error {
	for _, stmt := range sqlbundle.SplitStatements(ddl) {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("execute ddl: %w", err)
		}
	}
	return nil
}

type table struct {
	name    string
	columns []string
}

var (
	experimentsTable = table{"experiments", []string{"id", "seq", "name", "created_at", "updated_at"}}
	samplesTable     = table{"samples", []string{"id", "seq", "sample_id", "created_date", "sample_label", "experiment_id", "created_at", "updated_at"}}
	metadataTable    = table{"sample_metadata", []string{"id", "seq", "sample_id", "metadata", "created_at", "updated_at"}}
	readPairsTable   = table{"read_pairs", []string{"id", "seq", "sample_id", "read1_path", "read2_path", "plate_number", "created_at", "updated_at"}}
	titersTable      = table{"titers", titerColumns()}
)

func titerColumns() []string {
	cols := []string{"id", "seq", "sample_id", "sequencing_run"}
	for _, m := range domain.Metrics {
		cols = append(cols, string(m))
	}
	return append(cols, "created_at", "updated_at")
}

func (t table) selectSQL() string {
	return "SELECT " + strings.Join(t.columns, ", ") + " FROM " + t.name + " ORDER BY seq"
}

func (t table) insertSQL(d Dialect) string {
	params := make([]string, len(t.columns))
	for i := range t.columns {
		params[i] = d.Placeholder(i + 1)
	}
	return "INSERT INTO " + t.name + " (" + strings.Join(t.columns, ", ") + ") VALUES (" + strings.Join(params, ", ") + ")"
}

// Save rewrites every table from the snapshot inside one SQL transaction.
// Children are cleared first and parents inserted first so foreign keys hold
// at every statement.
func Save(ctx context.Context, db *sql.DB, dialect Dialect, snapshot memory.Snapshot) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	for i := len(sqlbundle.Tables) - 1; i >= 0; i-- {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+sqlbundle.Tables[i]); err != nil {
			return fmt.Errorf("clear %s: %w", sqlbundle.Tables[i], err)
		}
	}

	insert := func(t table, args ...any) error {
		if _, err := tx.ExecContext(ctx, t.insertSQL(dialect), args...); err != nil {
			return fmt.Errorf("insert %s: %w", t.name, err)
		}
		return nil
	}

	view := snapshotView(snapshot)
	for _, e := range view.experiments {
		if err := insert(experimentsTable, e.ID, e.Seq, e.Name, formatTime(e.CreatedAt), formatTime(e.UpdatedAt)); err != nil {
			return err
		}
	}
	for _, s := range view.samples {
		if err := insert(samplesTable, s.ID, s.Seq, s.SampleID, s.CreatedDateString(), s.SampleLabel, s.ExperimentID, formatTime(s.CreatedAt), formatTime(s.UpdatedAt)); err != nil {
			return err
		}
	}
	for _, m := range view.metadata {
		payload := m.Metadata
		if payload == nil {
			payload = map[string]any{}
		}
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode metadata %s: %w", m.ID, err)
		}
		if err := insert(metadataTable, m.ID, m.Seq, m.SampleID, string(raw), formatTime(m.CreatedAt), formatTime(m.UpdatedAt)); err != nil {
			return err
		}
	}
	for _, rp := range view.readPairs {
		if err := insert(readPairsTable, rp.ID, rp.Seq, rp.SampleID, rp.Read1Path, rp.Read2Path, int64(rp.PlateNumber), formatTime(rp.CreatedAt), formatTime(rp.UpdatedAt)); err != nil {
			return err
		}
	}
	for _, t := range view.titers {
		args := []any{t.ID, t.Seq, t.SampleID, t.SequencingRun}
		for _, m := range domain.Metrics {
			v, _ := t.Value(m)
			args = append(args, v)
		}
		args = append(args, formatTime(t.CreatedAt), formatTime(t.UpdatedAt))
		if err := insert(titersTable, args...); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	committed = true
	return nil
}

type orderedSnapshot struct {
	experiments []domain.Experiment
	samples     []domain.Sample
	metadata    []domain.SampleMetadata
	readPairs   []domain.ReadPair
	titers      []domain.Titer
}

func snapshotView(snapshot memory.Snapshot) orderedSnapshot {
	tmp := memory.NewStore(nil)
	tmp.ImportState(snapshot)
	var out orderedSnapshot
	_ = tmp.View(context.Background(), func(v domain.TransactionView) error {
		out.experiments = v.ListExperiments()
		out.samples = v.ListSamples()
		out.metadata = v.ListSampleMetadata()
		out.readPairs = v.ListReadPairs()
		out.titers = v.ListTiters()
		return nil
	})
	return out
}

// Load hydrates a snapshot from the normalized tables.
func Load(ctx context.Context, db *sql.DB) (memory.Snapshot, error) {
	snapshot := memory.Snapshot{
		Experiments: map[string]domain.Experiment{},
		Samples:     map[string]domain.Sample{},
		Metadata:    map[string]domain.SampleMetadata{},
		ReadPairs:   map[string]domain.ReadPair{},
		Titers:      map[string]domain.Titer{},
	}

	err := query(ctx, db, experimentsTable, func(scan func(...any) error) error {
		var e domain.Experiment
		var created, updated string
		if err := scan(&e.ID, &e.Seq, &e.Name, &created, &updated); err != nil {
			return err
		}
		if err := parseTimes(&e.Base, created, updated); err != nil {
			return err
		}
		snapshot.Experiments[e.ID] = e
		return nil
	})
	if err != nil {
		return memory.Snapshot{}, err
	}

	err = query(ctx, db, samplesTable, func(scan func(...any) error) error {
		var s domain.Sample
		var createdDate, created, updated string
		if err := scan(&s.ID, &s.Seq, &s.SampleID, &createdDate, &s.SampleLabel, &s.ExperimentID, &created, &updated); err != nil {
			return err
		}
		if createdDate != "" {
			d, err := time.Parse(domain.DateLayout, createdDate)
			if err != nil {
				return fmt.Errorf("parse created_date for sample %s: %w", s.ID, err)
			}
			s.CreatedDate = d
		}
		if err := parseTimes(&s.Base, created, updated); err != nil {
			return err
		}
		snapshot.Samples[s.ID] = s
		return nil
	})
	if err != nil {
		return memory.Snapshot{}, err
	}

	err = query(ctx, db, metadataTable, func(scan func(...any) error) error {
		var m domain.SampleMetadata
		var raw []byte
		var created, updated string
		if err := scan(&m.ID, &m.Seq, &m.SampleID, &raw, &created, &updated); err != nil {
			return err
		}
		m.Metadata = map[string]any{}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &m.Metadata); err != nil {
				return fmt.Errorf("decode metadata %s: %w", m.ID, err)
			}
		}
		if err := parseTimes(&m.Base, created, updated); err != nil {
			return err
		}
		snapshot.Metadata[m.ID] = m
		return nil
	})
	if err != nil {
		return memory.Snapshot{}, err
	}

	err = query(ctx, db, readPairsTable, func(scan func(...any) error) error {
		var rp domain.ReadPair
		var plate int64
		var created, updated string
		if err := scan(&rp.ID, &rp.Seq, &rp.SampleID, &rp.Read1Path, &rp.Read2Path, &plate, &created, &updated); err != nil {
			return err
		}
		rp.PlateNumber = int(plate)
		if err := parseTimes(&rp.Base, created, updated); err != nil {
			return err
		}
		snapshot.ReadPairs[rp.SampleID] = rp
		return nil
	})
	if err != nil {
		return memory.Snapshot{}, err
	}

	err = query(ctx, db, titersTable, func(scan func(...any) error) error {
		var t domain.Titer
		var created, updated string
		values := make([]float64, len(domain.Metrics))
		dest := []any{&t.ID, &t.Seq, &t.SampleID, &t.SequencingRun}
		for i := range values {
			dest = append(dest, &values[i])
		}
		dest = append(dest, &created, &updated)
		if err := scan(dest...); err != nil {
			return err
		}
		for i, m := range domain.Metrics {
			if err := t.SetValue(m, values[i]); err != nil {
				return err
			}
		}
		if err := parseTimes(&t.Base, created, updated); err != nil {
			return err
		}
		snapshot.Titers[t.SampleID] = t
		return nil
	})
	if err != nil {
		return memory.Snapshot{}, err
	}
	return snapshot, nil
}

func query(ctx context.Context, db *sql.DB, t table, each func(scan func(...any) error) error) error {
	rows, err := db.QueryContext(ctx, t.selectSQL())
	if err != nil {
		return fmt.Errorf("select %s: %w", t.name, err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		if err := each(rows.Scan); err != nil {
			return fmt.Errorf("scan %s: %w", t.name, err)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate %s: %w", t.name, err)
	}
	return nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func parseTimes(base *domain.Base, created, updated string) error {
	var err error
	if created != "" {
		if base.CreatedAt, err = time.Parse(timeLayout, created); err != nil {
			return fmt.Errorf("parse created_at for %s: %w", base.ID, err)
		}
	}
	if updated != "" {
		if base.UpdatedAt, err = time.Parse(timeLayout, updated); err != nil {
			return fmt.Errorf("parse updated_at for %s: %w", base.ID, err)
		}
	}
	return nil
}
