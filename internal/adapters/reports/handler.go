// Package reports serves the lab reporting surface: filter facets, sample
// listings, CSV exports, the cached titer table and titer charts.
package reports

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"path"
	"strings"
	"time"

	"titertrack/internal/blob"
	"titertrack/internal/core"
	"titertrack/internal/reporting"
	"titertrack/internal/resultcache"
	"titertrack/pkg/domain"
)

// DefaultIdentityHeader carries the user name set by the authenticating proxy.
const DefaultIdentityHeader = "X-Remote-User"

// ArchiveKeyHeader reports where a generated artifact was archived.
const ArchiveKeyHeader = "X-Archive-Key"

const (
	prefix          = "/reports"
	archiveURLValid = 15 * time.Minute
)

// Pipeline is the reporting surface the handler drives.
type Pipeline interface {
	Facets(ctx context.Context) (reporting.Facets, error)
	ExperimentSamples(ctx context.Context, name string) (domain.Experiment, []reporting.Row, error)
	ExperimentExport(ctx context.Context, id string) (domain.Experiment, [][]string, error)
	Filter(ctx context.Context, user string, c reporting.Criteria) (reporting.FilterResult, error)
	FilterExport(ctx context.Context, c reporting.Criteria) ([][]string, error)
	TiterTable(ctx context.Context, user string) (domain.MetricTable, error)
	Chart(ctx context.Context, user string, metric domain.Metric) (reporting.BarChart, error)
}

// Handler provides HTTP access to reports.
type Handler struct {
	Reports        Pipeline
	Archive        *blob.Archiver
	IdentityHeader string
	Logger         *slog.Logger
}

// Option customises a Handler.
type Option func(*Handler)

// WithArchive stores generated CSV exports and PNG charts in archive.
func WithArchive(archive *blob.Archiver) Option {
	return func(h *Handler) { h.Archive = archive }
}

// WithIdentityHeader overrides the header carrying the user identity.
func WithIdentityHeader(name string) Option {
	return func(h *Handler) {
		if name != "" {
			h.IdentityHeader = name
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Handler) {
		if logger != nil {
			h.Logger = logger
		}
	}
}

// NewHandler constructs a reports handler.
func NewHandler(p Pipeline, opts ...Option) *Handler {
	h := &Handler{Reports: p, IdentityHeader: DefaultIdentityHeader, Logger: slog.Default()}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.Reports == nil {
		writeError(w, http.StatusInternalServerError, "reports not configured")
		return
	}
	path := strings.TrimSuffix(r.URL.Path, "/")
	switch {
	case path == prefix+"/options":
		if allow(w, r, http.MethodGet) {
			h.handleOptions(w, r)
		}
	case path == prefix+"/experiments/samples":
		if allow(w, r, http.MethodPost) {
			h.handleExperimentSamples(w, r)
		}
	case strings.HasPrefix(path, prefix+"/experiments/") && strings.HasSuffix(path, "/export.csv"):
		id := strings.TrimSuffix(strings.TrimPrefix(path, prefix+"/experiments/"), "/export.csv")
		if id == "" || strings.Contains(id, "/") {
			http.NotFound(w, r)
			return
		}
		if allow(w, r, http.MethodGet) {
			h.handleExperimentExport(w, r, id)
		}
	case path == prefix+"/filter":
		if allow(w, r, http.MethodPost) {
			h.handleFilter(w, r)
		}
	case path == prefix+"/filter/export.csv":
		if allow(w, r, http.MethodGet) {
			h.handleFilterExport(w, r)
		}
	case path == prefix+"/titer":
		if allow(w, r, http.MethodGet) {
			h.handleTiter(w, r)
		}
	case path == prefix+"/titer/chart":
		if allow(w, r, http.MethodGet) {
			h.handleChart(w, r)
		}
	case path == prefix+"/archive":
		if allow(w, r, http.MethodGet) {
			h.handleArchive(w, r)
		}
	case strings.HasPrefix(path, prefix+"/archive/"):
		key := strings.TrimPrefix(path, prefix+"/archive/")
		switch r.Method {
		case http.MethodGet:
			h.handleArchiveDownload(w, r, key)
		case http.MethodDelete:
			h.handleArchiveDelete(w, r, key)
		default:
			w.Header().Set("Allow", http.MethodGet+", "+http.MethodDelete)
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
	default:
		http.NotFound(w, r)
	}
}

func allow(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method == method {
		return true
	}
	w.Header().Set("Allow", method)
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	return false
}

func (h *Handler) identity(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(h.IdentityHeader))
}

// requireIdentity writes 401 and returns "" when the request carries no user.
func (h *Handler) requireIdentity(w http.ResponseWriter, r *http.Request) string {
	user := h.identity(r)
	if user == "" {
		writeError(w, http.StatusUnauthorized, "authentication required")
	}
	return user
}

func (h *Handler) handleOptions(w http.ResponseWriter, r *http.Request) {
	facets, err := h.Reports.Facets(r.Context())
	if err != nil {
		h.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"options": facets})
}

type rowView struct {
	ID            string         `json:"id"`
	SampleID      string         `json:"sample_id"`
	SampleLabel   string         `json:"sample_label,omitempty"`
	CreatedDate   string         `json:"created_date"`
	CellLine      string         `json:"cell_line"`
	Infection     string         `json:"infection"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	PlateNumber   *int           `json:"plate_number,omitempty"`
	Read1Path     string         `json:"read1_path,omitempty"`
	Read2Path     string         `json:"read2_path,omitempty"`
	SequencingRun string         `json:"sequencing_run,omitempty"`
}

func rowViews(rows []reporting.Row) []rowView {
	out := make([]rowView, 0, len(rows))
	for _, row := range rows {
		v := rowView{
			ID:          row.Sample.ID,
			SampleID:    row.Sample.SampleID,
			SampleLabel: row.Sample.SampleLabel,
			CreatedDate: row.Sample.CreatedDateString(),
			CellLine:    row.CellLine(),
			Infection:   row.Infection(),
		}
		if row.Metadata != nil {
			v.Metadata = row.Metadata.Metadata
		}
		if row.ReadPair != nil {
			plate := row.ReadPair.PlateNumber
			v.PlateNumber = &plate
			v.Read1Path = row.ReadPair.Read1Path
			v.Read2Path = row.ReadPair.Read2Path
		}
		if row.Titer != nil {
			v.SequencingRun = row.Titer.SequencingRun
		}
		out = append(out, v)
	}
	return out
}

func (h *Handler) handleExperimentSamples(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid form")
		return
	}
	name := strings.TrimSpace(r.PostForm.Get("exp_selection"))
	if name == "" {
		writeError(w, http.StatusBadRequest, "exp_selection required")
		return
	}
	exp, rows, err := h.Reports.ExperimentSamples(r.Context(), name)
	if err != nil {
		h.lookupError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"experiment": exp, "samples": rowViews(rows)})
}

func (h *Handler) handleExperimentExport(w http.ResponseWriter, r *http.Request, id string) {
	exp, records, err := h.Reports.ExperimentExport(r.Context(), id)
	if err != nil {
		h.lookupError(w, r, err)
		return
	}
	h.sendCSV(w, r, "samples_in_exp_"+exp.Name+".csv", records)
}

func (h *Handler) handleFilter(w http.ResponseWriter, r *http.Request) {
	user := h.requireIdentity(w, r)
	if user == "" {
		return
	}
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid form")
		return
	}
	criteria, ok := parseCriteria(w, r.PostForm)
	if !ok {
		return
	}
	result, err := h.Reports.Filter(r.Context(), user, criteria)
	if err != nil {
		h.internalError(w, r, err)
		return
	}
	echoed := criteria.Values()
	writeJSON(w, http.StatusOK, map[string]any{
		"criteria":     echoed,
		"export_query": echoed.Encode(),
		"samples":      rowViews(result.Rows),
		"seq_runs":     result.SeqRuns,
	})
}

func (h *Handler) handleFilterExport(w http.ResponseWriter, r *http.Request) {
	criteria, ok := parseCriteria(w, r.URL.Query())
	if !ok {
		return
	}
	records, err := h.Reports.FilterExport(r.Context(), criteria)
	if err != nil {
		h.internalError(w, r, err)
		return
	}
	h.sendCSV(w, r, "filtered_samples.csv", records)
}

func parseCriteria(w http.ResponseWriter, values map[string][]string) (reporting.Criteria, bool) {
	criteria, err := reporting.ParseCriteria(values)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return reporting.Criteria{}, false
	}
	return criteria, true
}

type titerRow struct {
	SampleID string                    `json:"sample_id"`
	Values   map[domain.Metric]float64 `json:"values"`
}

func (h *Handler) handleTiter(w http.ResponseWriter, r *http.Request) {
	user := h.requireIdentity(w, r)
	if user == "" {
		return
	}
	table, err := h.Reports.TiterTable(r.Context(), user)
	if errors.Is(err, resultcache.ErrMissingCacheEntry) {
		writeJSON(w, http.StatusOK, map[string]any{"message": resultcache.RepeatFilterMessage, "metrics": domain.Metrics})
		return
	}
	if err != nil {
		h.internalError(w, r, err)
		return
	}
	rows := make([]titerRow, 0, len(table.Labels))
	for _, label := range table.Labels {
		rows = append(rows, titerRow{SampleID: label, Values: table.Values[label]})
	}
	writeJSON(w, http.StatusOK, map[string]any{"metrics": domain.Metrics, "rows": rows})
}

func (h *Handler) handleChart(w http.ResponseWriter, r *http.Request) {
	user := h.requireIdentity(w, r)
	if user == "" {
		return
	}
	query := r.URL.Query()
	metric, err := domain.ParseMetric(query.Get("metric"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	format := strings.ToLower(strings.TrimSpace(query.Get("format")))
	if format == "" {
		format = "json"
	}
	if format != "json" && format != "html" && format != "png" {
		writeError(w, http.StatusBadRequest, "unsupported chart format")
		return
	}
	chart, err := h.Reports.Chart(r.Context(), user, metric)
	if err != nil {
		h.internalError(w, r, err)
		return
	}
	switch format {
	case "html":
		payload, err := chart.HTML()
		if err != nil {
			h.internalError(w, r, err)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(payload)
	case "png":
		payload, err := chart.PNG()
		if err != nil {
			h.internalError(w, r, err)
			return
		}
		h.archive(r, w, blob.KindChart, user, string(metric)+".png", "image/png", payload)
		w.Header().Set("Content-Type", "image/png")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(payload)
	default:
		writeJSON(w, http.StatusOK, map[string]any{"chart": chart.Figure(), "empty": chart.Empty})
	}
}

type archiveEntry struct {
	blob.Info
	URL string `json:"url,omitempty"`
}

func (h *Handler) handleArchive(w http.ResponseWriter, r *http.Request) {
	if h.requireIdentity(w, r) == "" {
		return
	}
	if h.Archive == nil {
		writeError(w, http.StatusNotFound, "archive not configured")
		return
	}
	kind := r.URL.Query().Get("kind")
	if kind == "" {
		kind = blob.KindExport
	}
	if kind != blob.KindExport && kind != blob.KindChart {
		writeError(w, http.StatusBadRequest, "unknown archive kind")
		return
	}
	infos, err := h.Archive.List(r.Context(), kind)
	if err != nil {
		h.internalError(w, r, err)
		return
	}
	entries := make([]archiveEntry, 0, len(infos))
	for _, info := range infos {
		entry := archiveEntry{Info: info}
		if url, err := h.Archive.Store().PresignURL(r.Context(), info.Key, blob.SignedURLOptions{Expiry: archiveURLValid}); err == nil {
			entry.URL = url
		}
		entries = append(entries, entry)
	}
	writeJSON(w, http.StatusOK, map[string]any{"kind": kind, "artifacts": entries})
}

func (h *Handler) handleArchiveDownload(w http.ResponseWriter, r *http.Request, key string) {
	if h.requireIdentity(w, r) == "" {
		return
	}
	if h.Archive == nil {
		writeError(w, http.StatusNotFound, "archive not configured")
		return
	}
	info, body, err := h.Archive.Open(r.Context(), key)
	if errors.Is(err, blob.ErrNotFound) {
		writeError(w, http.StatusNotFound, "artifact not found")
		return
	}
	if err != nil {
		h.internalError(w, r, err)
		return
	}
	defer body.Close()
	contentType := info.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": path.Base(key)}))
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, body); err != nil {
		h.Logger.WarnContext(r.Context(), "archive download interrupted", "key", key, "error", err)
	}
}

func (h *Handler) handleArchiveDelete(w http.ResponseWriter, r *http.Request, key string) {
	if h.requireIdentity(w, r) == "" {
		return
	}
	if h.Archive == nil {
		writeError(w, http.StatusNotFound, "archive not configured")
		return
	}
	removed, err := h.Archive.Remove(r.Context(), key)
	if err != nil {
		h.internalError(w, r, err)
		return
	}
	if !removed {
		writeError(w, http.StatusNotFound, "artifact not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) sendCSV(w http.ResponseWriter, r *http.Request, filename string, records [][]string) {
	var buf bytes.Buffer
	if err := reporting.WriteCSV(&buf, records); err != nil {
		h.internalError(w, r, err)
		return
	}
	h.archive(r, w, blob.KindExport, h.identity(r), filename, "text/csv", buf.Bytes())
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": filename}))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

// archive stores payload when an archive is configured. Failures are logged
// and never affect the response body.
func (h *Handler) archive(r *http.Request, w http.ResponseWriter, kind, user, name, contentType string, payload []byte) {
	if h.Archive == nil {
		return
	}
	info, err := h.Archive.Save(r.Context(), kind, user, name, contentType, payload)
	if err != nil {
		h.Logger.WarnContext(r.Context(), "archive artifact failed", "kind", kind, "name", name, "error", err)
		return
	}
	w.Header().Set(ArchiveKeyHeader, info.Key)
}

func (h *Handler) lookupError(w http.ResponseWriter, r *http.Request, err error) {
	if core.IsNotFound(err) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	h.internalError(w, r, err)
}

func (h *Handler) internalError(w http.ResponseWriter, r *http.Request, err error) {
	h.Logger.ErrorContext(r.Context(), "report request failed", "path", r.URL.Path, "error", err)
	writeError(w, http.StatusInternalServerError, "internal error")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"error": message})
}
