// Package handlers implements the HTTP handlers for the agentloom
// orchestration engine: chain execution, parallel fan-out, routing,
// evaluation, the preset catalog, and run history.
package handlers

import (
	"encoding/json"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/agentloom/agentloom/internal/catalog"
	"github.com/agentloom/agentloom/internal/chain"
	"github.com/agentloom/agentloom/internal/config"
	"github.com/agentloom/agentloom/internal/evaluator"
	"github.com/agentloom/agentloom/internal/parallel"
	"github.com/agentloom/agentloom/internal/router"
	"github.com/agentloom/agentloom/internal/store"
	"github.com/agentloom/agentloom/pkg/models"
)

// Handlers holds all handler dependencies. Chain, parallel, and
// evaluation executors are built per request from the request's own
// config; routers are long-lived because they accumulate performance
// stats, so they live in a registry keyed by ID.
type Handlers struct {
	Config  *config.Config
	Store   store.Store
	Catalog *catalog.Catalog

	mu      sync.RWMutex
	routers map[string]*routerEntry
}

type routerEntry struct {
	id        string
	cfg       models.RouterConfig
	router    *router.Router
	createdAt time.Time
}

// New creates a new Handlers instance with all dependencies.
func New(cfg *config.Config, s store.Store, cat *catalog.Catalog) *Handlers {
	return &Handlers{
		Config:  cfg,
		Store:   s,
		Catalog: cat,
		routers: make(map[string]*routerEntry),
	}
}

// Close tears down every registered router.
func (h *Handlers) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, entry := range h.routers {
		entry.router.Close()
		delete(h.routers, id)
	}
}

// ── Request / response shapes ────────────────────────────────

type chainExecuteRequest struct {
	Config  models.ChainConfig     `json:"config"`
	Input   string                 `json:"input"`
	Context map[string]interface{} `json:"context,omitempty"`
}

type parallelExecuteRequest struct {
	Config  models.ParallelConfig  `json:"config"`
	Input   string                 `json:"input"`
	Context map[string]interface{} `json:"context,omitempty"`
}

type routeRequest struct {
	Input   string                 `json:"input"`
	Context map[string]interface{} `json:"context,omitempty"`
}

type evaluateRequest struct {
	Config   models.EvaluatorConfig `json:"config"`
	Output   string                 `json:"output"`
	Expected string                 `json:"expected,omitempty"`
	Context  map[string]interface{} `json:"context,omitempty"`
}

type compareRequest struct {
	Config  models.EvaluatorConfig   `json:"config"`
	Outputs []models.CandidateOutput `json:"outputs"`
	Context map[string]interface{}   `json:"context,omitempty"`
}

type chainRunResponse struct {
	RunID string `json:"run_id"`
	*models.ChainResult
}

type parallelRunResponse struct {
	RunID string `json:"run_id"`
	*models.ParallelResult
}

type routeRunResponse struct {
	RunID string `json:"run_id"`
	*models.RouteResult
}

type evaluationRunResponse struct {
	RunID string `json:"run_id"`
	*models.EvaluationResult
}

type comparisonRunResponse struct {
	RunID string `json:"run_id"`
	*models.ComparisonResult
}

type routerInfo struct {
	ID        string                             `json:"id"`
	Config    models.RouterConfig                `json:"config"`
	CreatedAt time.Time                          `json:"created_at"`
	Stats     map[string]models.PerformanceStats `json:"stats,omitempty"`
}

// ══════════════════════════════════════════════════════════════
// ── Chain Handlers ───────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

func (h *Handlers) ExecuteChain(w http.ResponseWriter, r *http.Request) {
	var req chainExecuteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	req.Config.Agents = h.resolvePresets(req.Config.Agents)

	exec, err := chain.New(req.Config, h.Config.Completion)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	defer exec.Close()

	result := exec.Execute(r.Context(), req.Input, req.Context)

	run := &models.Run{
		ID:      uuid.New().String(),
		Kind:    models.RunChain,
		Success: result.Success,
		Input:   req.Input,
		Chain:   result,
	}
	h.recordRun(r, run)

	log.Info().
		Str("run_id", run.ID).
		Int("steps", len(result.Steps)).
		Bool("success", result.Success).
		Msg("Chain executed")
	respondJSON(w, http.StatusOK, chainRunResponse{RunID: run.ID, ChainResult: result})
}

// ══════════════════════════════════════════════════════════════
// ── Parallel Handlers ────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

func (h *Handlers) ExecuteParallel(w http.ResponseWriter, r *http.Request) {
	var req parallelExecuteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	req.Config.Agents = h.resolvePresets(req.Config.Agents)

	exec, err := parallel.New(req.Config, h.Config.Completion)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	defer exec.Close()

	result := exec.Execute(r.Context(), req.Input, req.Context)

	run := &models.Run{
		ID:       uuid.New().String(),
		Kind:     models.RunParallel,
		Success:  result.Success,
		Input:    req.Input,
		Parallel: result,
	}
	h.recordRun(r, run)

	log.Info().
		Str("run_id", run.ID).
		Str("strategy", string(result.Strategy)).
		Int("branches", len(result.Results)).
		Bool("success", result.Success).
		Msg("Parallel fan-out executed")
	respondJSON(w, http.StatusOK, parallelRunResponse{RunID: run.ID, ParallelResult: result})
}

// ══════════════════════════════════════════════════════════════
// ── Router Handlers ──────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

func (h *Handlers) CreateRouter(w http.ResponseWriter, r *http.Request) {
	var cfg models.RouterConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	cfg.Agents = h.resolvePresets(cfg.Agents)

	rt, err := router.New(cfg, h.Config.Completion)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	entry := &routerEntry{
		id:        uuid.New().String(),
		cfg:       cfg,
		router:    rt,
		createdAt: time.Now().UTC(),
	}
	h.mu.Lock()
	h.routers[entry.id] = entry
	h.mu.Unlock()

	log.Info().
		Str("router_id", entry.id).
		Str("strategy", string(cfg.Strategy)).
		Int("agents", len(cfg.Agents)).
		Msg("Router created")
	respondJSON(w, http.StatusCreated, h.routerInfo(entry, false))
}

func (h *Handlers) ListRouters(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	infos := make([]routerInfo, 0, len(h.routers))
	for _, entry := range h.routers {
		infos = append(infos, h.routerInfo(entry, false))
	}
	h.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool {
		if !infos[i].CreatedAt.Equal(infos[j].CreatedAt) {
			return infos[i].CreatedAt.Before(infos[j].CreatedAt)
		}
		return infos[i].ID < infos[j].ID
	})
	respondJSON(w, http.StatusOK, infos)
}

func (h *Handlers) GetRouter(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "routerID")
	entry := h.lookupRouter(id)
	if entry == nil {
		respondError(w, http.StatusNotFound, "router not found: "+id)
		return
	}
	respondJSON(w, http.StatusOK, h.routerInfo(entry, true))
}

func (h *Handlers) RouteInput(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "routerID")
	entry := h.lookupRouter(id)
	if entry == nil {
		respondError(w, http.StatusNotFound, "router not found: "+id)
		return
	}

	var req routeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	result := entry.router.Route(r.Context(), req.Input, req.Context)

	run := &models.Run{
		ID:      uuid.New().String(),
		Kind:    models.RunRoute,
		Success: result.Success,
		Input:   req.Input,
		Route:   result,
	}
	h.recordRun(r, run)

	log.Info().
		Str("run_id", run.ID).
		Str("router_id", id).
		Str("agent", result.Agent).
		Bool("success", result.Success).
		Bool("fallback", result.UsedFallback).
		Msg("Input routed")
	respondJSON(w, http.StatusOK, routeRunResponse{RunID: run.ID, RouteResult: result})
}

func (h *Handlers) RouterStats(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "routerID")
	entry := h.lookupRouter(id)
	if entry == nil {
		respondError(w, http.StatusNotFound, "router not found: "+id)
		return
	}
	respondJSON(w, http.StatusOK, entry.router.Stats())
}

func (h *Handlers) DeleteRouter(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "routerID")

	h.mu.Lock()
	entry, ok := h.routers[id]
	if ok {
		delete(h.routers, id)
	}
	h.mu.Unlock()

	if !ok {
		respondError(w, http.StatusNotFound, "router not found: "+id)
		return
	}
	entry.router.Close()

	log.Info().Str("router_id", id).Msg("Router deleted")
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) lookupRouter(id string) *routerEntry {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.routers[id]
}

func (h *Handlers) routerInfo(entry *routerEntry, withStats bool) routerInfo {
	info := routerInfo{ID: entry.id, Config: entry.cfg, CreatedAt: entry.createdAt}
	if withStats {
		info.Stats = entry.router.Stats()
	}
	return info
}

// ══════════════════════════════════════════════════════════════
// ── Evaluation Handlers ──────────────────────────────────────
// ══════════════════════════════════════════════════════════════

func (h *Handlers) ExecuteEvaluation(w http.ResponseWriter, r *http.Request) {
	var req evaluateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	ev, err := evaluator.New(req.Config, h.Config.Completion)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	defer ev.Close()

	result := ev.Evaluate(r.Context(), req.Output, req.Expected, req.Context)

	run := &models.Run{
		ID:         uuid.New().String(),
		Kind:       models.RunEvaluation,
		Success:    result.Passed,
		Input:      req.Output,
		Evaluation: result,
	}
	h.recordRun(r, run)

	log.Info().
		Str("run_id", run.ID).
		Float64("overall", result.OverallScore).
		Bool("passed", result.Passed).
		Msg("Evaluation executed")
	respondJSON(w, http.StatusOK, evaluationRunResponse{RunID: run.ID, EvaluationResult: result})
}

func (h *Handlers) CompareOutputs(w http.ResponseWriter, r *http.Request) {
	var req compareRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	ev, err := evaluator.New(req.Config, h.Config.Completion)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	defer ev.Close()

	result := ev.Compare(r.Context(), req.Outputs, req.Context)

	run := &models.Run{
		ID:         uuid.New().String(),
		Kind:       models.RunEvaluation,
		Success:    result.Best != nil && result.Best.Passed,
		Comparison: result,
	}
	h.recordRun(r, run)

	log.Info().
		Str("run_id", run.ID).
		Int("candidates", len(result.Evaluations)).
		Msg("Outputs compared")
	respondJSON(w, http.StatusOK, comparisonRunResponse{RunID: run.ID, ComparisonResult: result})
}

// ══════════════════════════════════════════════════════════════
// ── Catalog Handlers ─────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

func (h *Handlers) ListPresets(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.Catalog.ListAll())
}

func (h *Handlers) GetPreset(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "presetName")
	preset := h.Catalog.Lookup(name)
	if preset == nil {
		respondError(w, http.StatusNotFound, "preset not found: "+name)
		return
	}
	respondJSON(w, http.StatusOK, preset)
}

// ══════════════════════════════════════════════════════════════
// ── Run Handlers ─────────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

func (h *Handlers) ListRuns(w http.ResponseWriter, r *http.Request) {
	kind := models.RunKind(r.URL.Query().Get("kind"))
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}

	runs, err := h.Store.ListRuns(r.Context(), kind, limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if runs == nil {
		runs = []models.Run{}
	}
	respondJSON(w, http.StatusOK, runs)
}

func (h *Handlers) GetRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "runID")
	run, err := h.Store.GetRun(r.Context(), id)
	if err != nil {
		if _, ok := err.(*store.ErrNotFound); ok {
			respondError(w, http.StatusNotFound, err.Error())
		} else {
			respondError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	respondJSON(w, http.StatusOK, run)
}

// ── Helpers ──────────────────────────────────────────────────

// resolvePresets replaces name-only agent specs with their catalog
// presets, so requests can reference the preset library by name.
func (h *Handlers) resolvePresets(specs []models.AgentSpec) []models.AgentSpec {
	resolved := make([]models.AgentSpec, len(specs))
	for i, spec := range specs {
		if isNameOnly(spec) {
			if preset := h.Catalog.Lookup(spec.Name); preset != nil {
				resolved[i] = *preset
				continue
			}
		}
		resolved[i] = spec
	}
	return resolved
}

func isNameOnly(spec models.AgentSpec) bool {
	return spec.Name != "" &&
		spec.SystemPrompt == "" &&
		spec.InputTemplate == "" &&
		spec.Model == "" &&
		spec.Temperature == nil &&
		spec.MaxTokens == 0 &&
		len(spec.ExtraParams) == 0 &&
		spec.OutputExtractor == "" &&
		len(spec.RoutingRules) == 0
}

func (h *Handlers) recordRun(r *http.Request, run *models.Run) {
	if err := h.Store.CreateRun(r.Context(), run); err != nil {
		log.Warn().Err(err).Str("run_id", run.ID).Msg("Failed to record run")
	}
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
