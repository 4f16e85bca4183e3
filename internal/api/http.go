// Package api exposes the classification pipeline over HTTP and MCP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Veraticus/taxflow/internal/common"
	"github.com/Veraticus/taxflow/internal/engine"
	"github.com/Veraticus/taxflow/internal/model"
	"github.com/Veraticus/taxflow/internal/service"
)

const maxRequestBodySize = 8 << 20 // 8MB

// Pipeline is the subset of the orchestrator served by the API.
type Pipeline interface {
	SubmitBatch(ctx context.Context, tenantID string, records []model.ProductRecord, strategy model.Strategy) (*model.Batch, error)
	RunBatch(ctx context.Context, batchID string) (*engine.Report, error)
	BatchStatus(ctx context.Context, batchID string) (*engine.Report, error)
	Decision(ctx context.Context, groupID string) (*model.ClassificationDecision, error)
	Reclassify(ctx context.Context, groupID string) (*model.ClassificationDecision, error)
	ListAudit(ctx context.Context, filter model.AuditFilter) ([]model.AuditEntry, error)
	ReviewQueue(ctx context.Context, filter service.DecisionFilter) ([]model.ClassificationDecision, error)
	Review(ctx context.Context, in engine.ReviewInput) (*model.ClassificationDecision, error)
}

// Deps holds what the handlers need.
type Deps struct {
	Pipeline Pipeline
	// Strategy resolves a strategy name from a submission; empty means the default.
	Strategy func(name string) (model.Strategy, error)
	// RunContext bounds batch runs started by submissions. Defaults to context.Background.
	RunContext context.Context
	Logger     *slog.Logger
}

// NewHandler returns the REST API.
func NewHandler(deps Deps) http.Handler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.RunContext == nil {
		deps.RunContext = context.Background()
	}
	if deps.Strategy == nil {
		deps.Strategy = func(string) (model.Strategy, error) { return model.DefaultStrategy(), nil }
	}
	h := &handler{deps: deps}

	r := chi.NewRouter()
	r.Get("/health", handleHealth)
	r.Route("/v1", func(r chi.Router) {
		r.Post("/batches", h.submitBatch)
		r.Get("/batches/{id}", h.batchStatus)
		r.Get("/groups/{id}/decision", h.decision)
		r.Post("/groups/{id}/reclassify", h.reclassify)
		r.Get("/groups/{id}/audit", h.audit)
		r.Post("/groups/{id}/review", h.review)
		r.Get("/reviews", h.reviewQueue)
	})
	return r
}

type handler struct {
	deps Deps
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

type submitRequest struct {
	TenantID string                `json:"tenant_id"`
	Strategy string                `json:"strategy"`
	Records  []model.ProductRecord `json:"records"`
	// Run starts processing right away; otherwise the batch waits for a resume.
	Run *bool `json:"run,omitempty"`
}

func (h *handler) submitBatch(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer r.Body.Close()

	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
		return
	}
	strategy, err := h.deps.Strategy(req.Strategy)
	if err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
		return
	}

	batch, err := h.deps.Pipeline.SubmitBatch(r.Context(), req.TenantID, req.Records, strategy)
	if err != nil {
		h.writeError(w, err)
		return
	}

	if req.Run == nil || *req.Run {
		go h.runBatch(batch.ID)
	}
	writeJSON(w, http.StatusAccepted, batch)
}

func (h *handler) runBatch(batchID string) {
	start := time.Now()
	report, err := h.deps.Pipeline.RunBatch(h.deps.RunContext, batchID)
	if err != nil {
		h.deps.Logger.Error("batch run failed", "batch_id", batchID, "error", err)
		return
	}
	h.deps.Logger.Info("batch run finished",
		"batch_id", batchID,
		"status", report.Batch.Status,
		"processed", report.Processed,
		"duration", time.Since(start))
}

type batchResponse struct {
	Batch     *model.Batch                `json:"batch"`
	States    map[model.WorkflowState]int `json:"states"`
	Terminal  int                         `json:"terminal"`
	Remaining int                         `json:"remaining"`
}

func (h *handler) batchStatus(w http.ResponseWriter, r *http.Request) {
	report, err := h.deps.Pipeline.BatchStatus(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, batchResponse{
		Batch:     report.Batch,
		States:    report.States,
		Terminal:  report.Terminal(),
		Remaining: report.Remaining(),
	})
}

func (h *handler) decision(w http.ResponseWriter, r *http.Request) {
	d, err := h.deps.Pipeline.Decision(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (h *handler) reclassify(w http.ResponseWriter, r *http.Request) {
	d, err := h.deps.Pipeline.Reclassify(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (h *handler) audit(w http.ResponseWriter, r *http.Request) {
	filter := model.AuditFilter{
		GroupID: chi.URLParam(r, "id"),
		Agent:   r.URL.Query().Get("agent"),
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
		return
	}
	filter.Limit = limit

	entries, err := h.deps.Pipeline.ListAudit(r.Context(), filter)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (h *handler) reviewQueue(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := queryInt(r, "limit")
	if err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
		return
	}
	decisions, err := h.deps.Pipeline.ReviewQueue(r.Context(), service.DecisionFilter{
		BatchID:     q.Get("batch_id"),
		TenantID:    q.Get("tenant_id"),
		Disposition: model.Disposition(q.Get("disposition")),
		Limit:       limit,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"decisions": decisions})
}

type reviewRequest struct {
	ReviewerID    string         `json:"reviewer_id"`
	CommodityCode string         `json:"commodity_code"`
	TaxCode       string         `json:"tax_code"`
	TaxState      model.TaxState `json:"tax_state"`
	Note          string         `json:"note"`
	Confidence    float64        `json:"confidence"`
}

func (h *handler) review(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer r.Body.Close()

	var req reviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
		return
	}
	d, err := h.deps.Pipeline.Review(r.Context(), engine.ReviewInput{
		GroupID:       chi.URLParam(r, "id"),
		ReviewerID:    req.ReviewerID,
		CommodityCode: req.CommodityCode,
		TaxCode:       req.TaxCode,
		TaxState:      req.TaxState,
		Note:          req.Note,
		Confidence:    req.Confidence,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// writeError maps pipeline failures to status codes. Only reasons written
// for humans reach the response body.
func (h *handler) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, common.ErrNotFound):
		httpError(w, http.StatusNotFound, "not_found_error", "not found")
	case errors.Is(err, common.ErrInvalidTransition):
		httpError(w, http.StatusConflict, "conflict_error", "the group is still being classified")
	case common.KindOf(err) == common.KindInput:
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%s", common.ReasonOf(err))
	case common.KindOf(err) == common.KindConflict:
		httpError(w, http.StatusConflict, "conflict_error", "%s", common.ReasonOf(err))
	case common.KindOf(err) == common.KindDependency:
		httpError(w, http.StatusBadGateway, "dependency_error", "%s", common.ReasonOf(err))
	default:
		h.deps.Logger.Error("request failed", "error", err)
		httpError(w, http.StatusInternalServerError, "api_error", "internal error")
	}
}

func queryInt(r *http.Request, key string) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer", key)
	}
	return n, nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	writeJSON(w, code, map[string]any{
		"error": map[string]any{
			"message": fmt.Sprintf(format, args...),
			"type":    errType,
		},
	})
}
