package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"medlit-assistant/internal/cache"
	"medlit-assistant/internal/extract"
	"medlit-assistant/internal/intent"
	"medlit-assistant/internal/provider"
	"medlit-assistant/internal/review"
	"medlit-assistant/pkg/logging"
)

// ResearchHandler holds the dependencies for the research endpoints: intent
// analysis, review generation, model listing, and the stats report.
type ResearchHandler struct {
	Orchestrator *provider.Orchestrator
	Analyzer     *intent.Analyzer
	Generator    *review.Generator
	Cache        cache.ResponseCache
}

func NewResearchHandler(orch *provider.Orchestrator, analyzer *intent.Analyzer, generator *review.Generator, responseCache cache.ResponseCache) *ResearchHandler {
	return &ResearchHandler{
		Orchestrator: orch,
		Analyzer:     analyzer,
		Generator:    generator,
		Cache:        responseCache,
	}
}

type intentRequest struct {
	Input string `json:"input"`
}

type intentResponse struct {
	AnalysisID string                 `json:"analysis_id"`
	Criteria   extract.SearchCriteria `json:"criteria"`
	Degraded   bool                   `json:"degraded"`
	Reason     string                 `json:"reason,omitempty"`
}

// AnalyzeIntent handles POST /v1/intent.
func (h *ResearchHandler) AnalyzeIntent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logging.L(ctx)
	start := time.Now()

	var req intentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		logger.Warn("invalid request", zap.Error(err))
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Input == "" {
		writeError(w, http.StatusBadRequest, "input is required")
		return
	}

	result, err := h.Analyzer.Analyze(ctx, req.Input)
	if err != nil {
		h.writeUpstreamError(w, logger, err)
		return
	}

	resp := intentResponse{
		AnalysisID: uuid.NewString(),
		Criteria:   result.Criteria,
		Degraded:   result.Degraded,
		Reason:     result.Reason,
	}

	logger.Info("intent_request",
		zap.String("analysis_id", resp.AnalysisID),
		zap.Bool("degraded", resp.Degraded),
		zap.Duration("total_latency_ms", time.Since(start)),
	)
	writeJSON(w, http.StatusOK, resp)
}

type intentBatchRequest struct {
	Inputs []string `json:"inputs"`
}

type intentBatchItem struct {
	Input    string                  `json:"input"`
	Criteria *extract.SearchCriteria `json:"criteria,omitempty"`
	Degraded bool                    `json:"degraded,omitempty"`
	Error    string                  `json:"error,omitempty"`
}

// AnalyzeIntentBatch handles POST /v1/intent/batch. Per-item failures are
// reported in place; the batch itself always answers 200.
func (h *ResearchHandler) AnalyzeIntentBatch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logging.L(ctx)

	var req intentBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		logger.Warn("invalid request", zap.Error(err))
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if len(req.Inputs) == 0 {
		writeError(w, http.StatusBadRequest, "inputs is required")
		return
	}

	items := h.Analyzer.AnalyzeBatch(ctx, req.Inputs)

	out := make([]intentBatchItem, len(items))
	for i, item := range items {
		out[i] = intentBatchItem{Input: item.Input}
		if item.Err != nil {
			out[i].Error = item.Err.Error()
			continue
		}
		out[i].Criteria = &item.Result.Criteria
		out[i].Degraded = item.Result.Degraded
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"analysis_id": uuid.NewString(),
		"items":       out,
	})
}

type outlineRequest struct {
	Criteria extract.SearchCriteria `json:"criteria"`
	Articles []review.Article       `json:"articles"`
}

// GenerateOutline handles POST /v1/review/outline.
func (h *ResearchHandler) GenerateOutline(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logging.L(ctx)

	var req outlineRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		logger.Warn("invalid request", zap.Error(err))
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if len(req.Articles) == 0 {
		writeError(w, http.StatusBadRequest, "articles is required")
		return
	}

	outline, err := h.Generator.Outline(ctx, req.Criteria, req.Articles)
	if err != nil {
		h.writeUpstreamError(w, logger, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"analysis_id": uuid.NewString(),
		"outline":     outline,
	})
}

type articleRequest struct {
	Criteria extract.SearchCriteria `json:"criteria"`
	Articles []review.Article       `json:"articles"`
	Outline  string                 `json:"outline"`
	Section  string                 `json:"section,omitempty"`
}

// GenerateArticle handles POST /v1/review/article.
func (h *ResearchHandler) GenerateArticle(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logging.L(ctx)

	var req articleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		logger.Warn("invalid request", zap.Error(err))
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if len(req.Articles) == 0 {
		writeError(w, http.StatusBadRequest, "articles is required")
		return
	}
	if req.Outline == "" {
		writeError(w, http.StatusBadRequest, "outline is required")
		return
	}

	content, err := h.Generator.Section(ctx, req.Criteria, req.Articles, req.Outline, req.Section)
	if err != nil {
		h.writeUpstreamError(w, logger, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"analysis_id": uuid.NewString(),
		"content":     content,
	})
}

// ListModels handles GET /v1/models, merging every configured provider's
// model list.
func (h *ResearchHandler) ListModels(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logging.L(ctx)

	out := make(map[string][]provider.ModelInfo)
	for _, a := range h.Orchestrator.Adapters() {
		models, err := a.ListModels(ctx)
		if err != nil {
			// A single unreachable provider must not hide the others.
			logger.Warn("model list failed",
				zap.String("provider", a.Name()),
				zap.Error(err),
			)
			continue
		}
		out[a.Name()] = models
	}

	writeJSON(w, http.StatusOK, map[string]any{"providers": out})
}

// Stats handles GET /v1/stats: per-provider transport counters plus cache
// effectiveness.
func (h *ResearchHandler) Stats(w http.ResponseWriter, r *http.Request) {
	report := h.Orchestrator.PerformanceReport()

	resp := map[string]any{
		"providers": report,
	}
	if h.Cache != nil {
		resp["cache"] = h.Cache.Stats()
	}
	writeJSON(w, http.StatusOK, resp)
}

// writeUpstreamError maps subsystem errors onto HTTP statuses: exhausted
// providers are 503, unusable model output is 502, everything else 500.
func (h *ResearchHandler) writeUpstreamError(w http.ResponseWriter, logger *zap.Logger, err error) {
	var unavailable *provider.AllProvidersUnavailableError
	var extraction *extract.ExtractionError

	switch {
	case errors.As(err, &unavailable):
		logger.Error("all providers unavailable", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "all AI providers unavailable")
	case errors.As(err, &extraction):
		logger.Warn("model output unusable", zap.Error(err))
		writeError(w, http.StatusBadGateway, "model returned unusable output")
	default:
		logger.Error("request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
