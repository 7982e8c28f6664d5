package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/processor"
	"github.com/opensource-finance/kestrel/internal/rules"
)

// MaxBatchSize bounds the transactions accepted by POST /transactions/batch.
const MaxBatchSize = 5000

// Handler holds dependencies for API handlers.
type Handler struct {
	repo      domain.Repository
	cache     domain.Cache
	bus       domain.EventBus
	engine    *rules.Engine
	processor *processor.Processor
	version   string
}

// NewHandler creates a new API handler. repo, cache and bus may be nil.
func NewHandler(repo domain.Repository, cache domain.Cache, bus domain.EventBus, engine *rules.Engine, proc *processor.Processor, version string) *Handler {
	return &Handler{
		repo:      repo,
		cache:     cache,
		bus:       bus,
		engine:    engine,
		processor: proc,
		version:   version,
	}
}

// ProcessRequest is the request body for POST /transactions/process.
type ProcessRequest struct {
	Transaction *domain.BankTransaction   `json:"transaction"`
	History     []*domain.BankTransaction `json:"history,omitempty"`
}

// BatchRequest is the request body for POST /transactions/batch.
// Transactions must already be sorted by account and date.
type BatchRequest struct {
	Transactions []*domain.BankTransaction `json:"transactions"`
	History      []*domain.BankTransaction `json:"history,omitempty"`
	Parallel     *bool                     `json:"parallel,omitempty"`
	ChunkSize    int                       `json:"chunkSize,omitempty"`
}

// BatchResponse is the response for POST /transactions/batch.
type BatchResponse struct {
	Results   []*domain.ProcessingResult `json:"results"`
	Count     int                        `json:"count"`
	Succeeded int                        `json:"succeeded"`
	Failed    int                        `json:"failed"`
	Ready     int                        `json:"ready"`
	Metadata  struct {
		TraceID string `json:"traceId"`
		TotalMs int64  `json:"totalMs"`
		Version string `json:"version"`
	} `json:"metadata"`
}

func history(txs []*domain.BankTransaction) *domain.HistoricalContext {
	if txs == nil {
		return nil
	}
	return domain.NewHistoricalContext(txs)
}

// Process handles POST /transactions/process requests.
func (h *Handler) Process(w http.ResponseWriter, r *http.Request) {
	var req ProcessRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}
	if req.Transaction == nil {
		writeError(w, http.StatusBadRequest, "transaction is required")
		return
	}
	if req.Transaction.ID == "" {
		writeError(w, http.StatusBadRequest, "transaction.id is required")
		return
	}

	result := h.processor.Process(r.Context(), req.Transaction, history(req.History))
	writeJSON(w, http.StatusOK, result)
}

// ProcessBatch handles POST /transactions/batch requests.
func (h *Handler) ProcessBatch(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var req BatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}
	if len(req.Transactions) == 0 {
		writeError(w, http.StatusBadRequest, "transactions are required")
		return
	}
	if len(req.Transactions) > MaxBatchSize {
		writeError(w, http.StatusRequestEntityTooLarge, "batch exceeds the maximum size")
		return
	}

	opts := processor.BatchOptions{
		Parallel:  h.processor.Config().Parallel,
		ChunkSize: req.ChunkSize,
		History:   history(req.History),
	}
	if req.Parallel != nil {
		opts.Parallel = *req.Parallel
	}

	results := h.processor.ProcessBatch(r.Context(), req.Transactions, opts)

	resp := BatchResponse{Results: results, Count: len(results)}
	for _, res := range results {
		if res.Success {
			resp.Succeeded++
		} else {
			resp.Failed++
		}
		if res.Status == domain.StatusReadyForInvoice {
			resp.Ready++
		}
	}
	resp.Metadata.TraceID = GetTraceID(r.Context())
	resp.Metadata.TotalMs = time.Since(start).Milliseconds()
	resp.Metadata.Version = h.version

	slog.Info("batch processed",
		"count", resp.Count,
		"succeeded", resp.Succeeded,
		"failed", resp.Failed,
		"parallel", opts.Parallel,
	)
	writeJSON(w, http.StatusOK, resp)
}

// GetProcessed retrieves a stored pipeline outcome by transaction ID.
func (h *Handler) GetProcessed(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	txID := chi.URLParam(r, "id")

	if txID == "" {
		writeError(w, http.StatusBadRequest, "transaction id is required")
		return
	}
	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "repository not available")
		return
	}

	payload, err := h.repo.GetProcessed(ctx, txID)
	if errors.Is(err, domain.ErrNotFound) {
		writeError(w, http.StatusNotFound, "processed transaction not found")
		return
	}
	if err != nil {
		slog.Error("failed to get processed transaction", "tx_id", txID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load processed transaction")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(payload)
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	// Check repository health
	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	// Check cache health
	if h.cache != nil {
		if err := h.cache.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	// Check bus health
	if h.bus != nil {
		if err := h.bus.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"version": h.version,
	})
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"ready": "false",
				"error": "repository unavailable",
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

// ListRules returns the business rule registry in evaluation order.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	registered := h.engine.Rules()

	writeJSON(w, http.StatusOK, map[string]any{
		"rules": registered,
		"count": len(registered),
	})
}

// GetRule retrieves a rule by ID from the registry.
func (h *Handler) GetRule(w http.ResponseWriter, r *http.Request) {
	ruleID := chi.URLParam(r, "id")

	for _, rule := range h.engine.Rules() {
		if rule.ID == ruleID {
			writeJSON(w, http.StatusOK, rule)
			return
		}
	}

	writeError(w, http.StatusNotFound, "rule not found")
}

// CreateRuleRequest is the request body for creating an expression rule.
type CreateRuleRequest struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Type        domain.RuleType   `json:"type"`
	Severity    domain.Severity   `json:"severity"`
	Expression  string            `json:"expression"`
	Bands       []domain.RuleBand `json:"bands,omitempty"`
	Parameters  map[string]any    `json:"parameters,omitempty"`
	Enabled     bool              `json:"enabled"`
}

// CreateRule compiles an expression rule, registers it and saves it to the
// repository so POST /rules/reload keeps it.
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req CreateRuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}

	if req.ID == "" || req.Name == "" || req.Expression == "" {
		writeError(w, http.StatusBadRequest, "id, name, and expression are required")
		return
	}
	if req.Severity != "" && !req.Severity.IsValid() {
		writeError(w, http.StatusBadRequest, "unknown severity: "+string(req.Severity))
		return
	}
	if req.Type == "" {
		req.Type = domain.RuleTypeOperational
	}

	ruleConfig := &domain.RuleConfig{
		ID:          req.ID,
		Name:        req.Name,
		Description: req.Description,
		Version:     "1.0.0",
		Type:        req.Type,
		Severity:    req.Severity,
		Expression:  req.Expression,
		Bands:       req.Bands,
		Parameters:  req.Parameters,
		Enabled:     req.Enabled,
	}

	if err := h.engine.ValidateRule(ruleConfig); err != nil {
		writeError(w, http.StatusBadRequest, "invalid CEL expression: "+err.Error())
		return
	}

	for _, existing := range h.engine.Rules() {
		if existing.ID == ruleConfig.ID && existing.Source == "builtin" {
			writeError(w, http.StatusConflict, "rule id is reserved by a builtin rule: "+ruleConfig.ID)
			return
		}
	}

	if h.repo != nil {
		if err := h.repo.SaveRuleConfig(ctx, ruleConfig); err != nil {
			slog.Error("failed to save rule config", "rule_id", ruleConfig.ID, "error", err)
			writeError(w, http.StatusInternalServerError, "failed to save rule")
			return
		}
	}

	if err := h.engine.LoadRule(ruleConfig); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, rules.ErrDuplicateRule) {
			status = http.StatusConflict
		}
		writeError(w, status, err.Error())
		return
	}

	slog.Info("rule created", "rule_id", ruleConfig.ID, "name", ruleConfig.Name)
	writeJSON(w, http.StatusCreated, map[string]any{
		"rule":    ruleConfig,
		"message": "rule created and loaded",
	})
}

// ReloadRules replaces the expression rules with those in the repository.
func (h *Handler) ReloadRules(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "repository not available")
		return
	}

	if err := h.engine.Sync(r.Context(), h.repo); err != nil {
		slog.Error("failed to reload rules", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to reload rules: "+err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"message": "rules reloaded successfully",
		"count":   h.engine.RulesCount(),
	})
}

// SetRuleEnabledRequest is the request body for PUT /rules/{id}/enabled.
type SetRuleEnabledRequest struct {
	Enabled *bool `json:"enabled"`
}

// SetRuleEnabled toggles a registered rule.
func (h *Handler) SetRuleEnabled(w http.ResponseWriter, r *http.Request) {
	ruleID := chi.URLParam(r, "id")

	var req SetRuleEnabledRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Enabled == nil {
		writeError(w, http.StatusBadRequest, "enabled is required")
		return
	}

	if err := h.engine.SetEnabled(ruleID, *req.Enabled); err != nil {
		if errors.Is(err, rules.ErrRuleNotFound) {
			writeError(w, http.StatusNotFound, "rule not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	slog.Info("rule toggled", "rule_id", ruleID, "enabled", *req.Enabled)
	writeJSON(w, http.StatusOK, map[string]any{
		"id":      ruleID,
		"enabled": *req.Enabled,
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
