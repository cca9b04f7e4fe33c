// Package ingest serves the JSON endpoints used by sequencing pipelines to
// submit read paths and titer metrics and to look up cell types.
package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"titertrack/internal/core"
	"titertrack/pkg/domain"
)

// Route paths. Trailing slashes are optional.
const (
	PathReceivePaths = "/api/receive-paths"
	PathReceiveTiter = "/api/receive-titer"
	PathTiterBatch   = "/api/receive-titer/batch"
	PathCellType     = "/api/get-cell-type"
)

// Envelope messages.
const (
	MsgPathsSaved       = "Paths received and saved!"
	MsgTiterSaved       = "Titer received and saved!"
	MsgBatchSaved       = "Titer batch received and saved!"
	MsgSampleNotFound   = "Sample ID not found!"
	MsgCellTypeNotFound = "Sample ID not found"
	MsgAmbiguousSample  = "Sample ID matches more than one sample!"
	MsgInternal         = "Internal error, submission not saved"
)

const maxBodyBytes = 8 << 20

// Ingestor is the service surface the handler drives.
type Ingestor interface {
	ReceivePaths(ctx context.Context, sampleID, read1, read2 string) (domain.ReadPair, domain.Result, error)
	ReceiveTiter(ctx context.Context, in core.TiterInput) (domain.Titer, domain.Result, error)
	ReceiveTiterBatch(ctx context.Context, rows []map[string]any) (core.BatchReport, error)
	CellType(ctx context.Context, sampleID string) (string, error)
}

// Handler serves the ingestion API. Every outcome is a JSON envelope with a
// success flag; failures caused by the submitted data answer 200.
type Handler struct {
	Service Ingestor
	Logger  *slog.Logger
}

// NewHandler constructs an ingestion handler.
func NewHandler(svc Ingestor, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{Service: svc, Logger: logger}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.Service == nil {
		writeError(w, http.StatusInternalServerError, "ingestion service not configured")
		return
	}
	path := strings.TrimSuffix(r.URL.Path, "/")
	switch path {
	case PathReceivePaths:
		if !allow(w, r, http.MethodPost) {
			return
		}
		h.handleReceivePaths(w, r)
	case PathReceiveTiter:
		if !allow(w, r, http.MethodPost) {
			return
		}
		h.handleReceiveTiter(w, r)
	case PathTiterBatch:
		if !allow(w, r, http.MethodPost) {
			return
		}
		h.handleTiterBatch(w, r)
	case PathCellType:
		if !allow(w, r, http.MethodGet) {
			return
		}
		h.handleCellType(w, r)
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

type pathsRequest struct {
	SampleID  *string `json:"sample_id"`
	Read1Path *string `json:"read1_path"`
	Read2Path *string `json:"read2_path"`
}

func (h *Handler) handleReceivePaths(w http.ResponseWriter, r *http.Request) {
	var req pathsRequest
	if err := decodeBody(r, &req); err != nil {
		writeUnprocessable(w, err.Error())
		return
	}
	if missing := missingFields(map[string]bool{
		"sample_id":  req.SampleID == nil,
		"read1_path": req.Read1Path == nil,
		"read2_path": req.Read2Path == nil,
	}); missing != "" {
		writeUnprocessable(w, missing)
		return
	}
	_, _, err := h.Service.ReceivePaths(r.Context(), *req.SampleID, *req.Read1Path, *req.Read2Path)
	if err != nil {
		h.writeFailure(w, r, PathReceivePaths, MsgSampleNotFound, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Message: MsgPathsSaved})
}

type titerRequest struct {
	SampleID       *string  `json:"sample_id"`
	SequencingRun  *string  `json:"sequencing_run"`
	WriMeanDepth   *float64 `json:"wri_mean_depth"`
	DmelMeanDepth  *float64 `json:"dmel_mean_depth"`
	WriTiter       *float64 `json:"wri_titer"`
	TotalReads     *float64 `json:"total_reads"`
	MappedReads    *float64 `json:"mapped_reads"`
	DuplicateReads *float64 `json:"duplicate_reads"`
	WmelMeanDepth  *float64 `json:"wmel_mean_depth"`
	WwilMeanDepth  *float64 `json:"wwil_mean_depth"`
	WmelTiter      *float64 `json:"wmel_titer"`
	WwilTiter      *float64 `json:"wwil_titer"`
	DsimMeanDepth  *float64 `json:"dsim_mean_depth"`
}

func (req titerRequest) metrics() map[domain.Metric]*float64 {
	return map[domain.Metric]*float64{
		domain.MetricWriMeanDepth:   req.WriMeanDepth,
		domain.MetricDmelMeanDepth:  req.DmelMeanDepth,
		domain.MetricWriTiter:       req.WriTiter,
		domain.MetricTotalReads:     req.TotalReads,
		domain.MetricMappedReads:    req.MappedReads,
		domain.MetricDuplicateReads: req.DuplicateReads,
		domain.MetricWmelMeanDepth:  req.WmelMeanDepth,
		domain.MetricWwilMeanDepth:  req.WwilMeanDepth,
		domain.MetricWmelTiter:      req.WmelTiter,
		domain.MetricWwilTiter:      req.WwilTiter,
		domain.MetricDsimMeanDepth:  req.DsimMeanDepth,
	}
}

func (h *Handler) handleReceiveTiter(w http.ResponseWriter, r *http.Request) {
	var req titerRequest
	if err := decodeBody(r, &req); err != nil {
		writeUnprocessable(w, err.Error())
		return
	}
	absent := map[string]bool{
		"sample_id":      req.SampleID == nil,
		"sequencing_run": req.SequencingRun == nil,
	}
	in := core.TiterInput{Metrics: make(map[domain.Metric]float64, len(domain.Metrics))}
	for m, v := range req.metrics() {
		if v == nil {
			absent[string(m)] = true
			continue
		}
		in.Metrics[m] = *v
	}
	if missing := missingFields(absent); missing != "" {
		writeUnprocessable(w, missing)
		return
	}
	in.SampleID, in.SequencingRun = *req.SampleID, *req.SequencingRun
	if _, _, err := h.Service.ReceiveTiter(r.Context(), in); err != nil {
		h.writeFailure(w, r, PathReceiveTiter, MsgSampleNotFound, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Message: MsgTiterSaved})
}

func (h *Handler) handleTiterBatch(w http.ResponseWriter, r *http.Request) {
	rows, err := decodeBatch(r)
	if err != nil {
		writeUnprocessable(w, err.Error())
		return
	}
	report, err := h.Service.ReceiveTiterBatch(r.Context(), rows)
	processed := report.Processed
	if err != nil {
		cause := report.Err
		if cause == nil {
			cause = err
		}
		h.writeFailure(w, r, PathTiterBatch, MsgSampleNotFound, cause, func(env *envelope) {
			env.Processed = &processed
			env.FailedSampleID = report.FailedSampleID
		})
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Message: MsgBatchSaved, Processed: &processed})
}

func (h *Handler) handleCellType(w http.ResponseWriter, r *http.Request) {
	sampleID, ok := r.URL.Query()["sample_id"]
	if !ok || len(sampleID) == 0 {
		writeUnprocessable(w, "missing required field: sample_id")
		return
	}
	cellType, err := h.Service.CellType(r.Context(), sampleID[0])
	if err != nil {
		h.writeFailure(w, r, PathCellType, MsgCellTypeNotFound, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, cellTypeResponse{Success: true, SampleID: sampleID[0], CellType: cellType})
}

// writeFailure maps a service error onto an envelope. Data errors answer 200;
// anything else is logged and answers 500.
func (h *Handler) writeFailure(w http.ResponseWriter, r *http.Request, route, notFound string, err error, decorate func(*envelope)) {
	env := envelope{Success: false}
	status := http.StatusOK
	var rv domain.RuleViolationError
	switch {
	case core.IsNotFound(err):
		env.Message = notFound
	case errors.Is(err, core.ErrAmbiguousSample):
		env.Message = MsgAmbiguousSample
	case errors.As(err, &rv):
		env.Message = rv.Error()
	case errors.Is(err, core.ErrInvalidRecord):
		env.Message = err.Error()
	default:
		status = http.StatusInternalServerError
		env.Message = MsgInternal
		h.Logger.ErrorContext(r.Context(), "ingestion failed", "route", route, "error", err)
	}
	if decorate != nil {
		decorate(&env)
	}
	if status == http.StatusOK {
		h.Logger.InfoContext(r.Context(), "ingestion rejected", "route", route, "message", env.Message)
	}
	writeJSON(w, status, env)
}

type envelope struct {
	Success        bool   `json:"success"`
	Message        string `json:"message,omitempty"`
	SampleID       string `json:"sample_id,omitempty"`
	Processed      *int   `json:"processed,omitempty"`
	FailedSampleID string `json:"failed_sample_id,omitempty"`
}

// cellTypeResponse always carries cell_type, even when the stored value is blank.
type cellTypeResponse struct {
	Success  bool   `json:"success"`
	SampleID string `json:"sample_id"`
	CellType string `json:"cell_type"`
}

func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

// decodeBatch accepts a single record object or an array of them. Numbers are
// kept as json.Number for coercion downstream.
func decodeBatch(r *http.Request) ([]map[string]any, error) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	trimmed := bytes.TrimSpace(raw)
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var row map[string]any
		if err := dec.Decode(&row); err != nil {
			return nil, fmt.Errorf("invalid request body: %w", err)
		}
		return []map[string]any{row}, nil
	}
	var rows []map[string]any
	if err := dec.Decode(&rows); err != nil {
		return nil, fmt.Errorf("invalid request body: %w", err)
	}
	return rows, nil
}

func missingFields(absent map[string]bool) string {
	var names []string
	for _, name := range append([]string{"sample_id", "sequencing_run", "read1_path", "read2_path"}, metricNames()...) {
		if absent[name] {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return ""
	}
	return "missing required field: " + strings.Join(names, ", ")
}

func metricNames() []string {
	out := make([]string, len(domain.Metrics))
	for i, m := range domain.Metrics {
		out[i] = string(m)
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, envelope{Success: false, Message: message})
}

func writeUnprocessable(w http.ResponseWriter, message string) {
	writeError(w, http.StatusUnprocessableEntity, message)
}
