// Package handlers implements the HTTP handlers for the orchestration core:
// agent registry CRUD, health probes, single-task dispatch, plan execution,
// and the gateway metrics snapshot.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/mospit/bruno-ai-sub000/internal/gateway"
	"github.com/mospit/bruno-ai-sub000/internal/ledger"
	"github.com/mospit/bruno-ai-sub000/internal/orchestrator"
	"github.com/mospit/bruno-ai-sub000/internal/resolver"
	"github.com/mospit/bruno-ai-sub000/internal/store"
	"github.com/mospit/bruno-ai-sub000/pkg/models"
)

// Handlers holds all handler dependencies.
type Handlers struct {
	Store        store.Store
	Gateway      *gateway.Gateway
	Orchestrator *orchestrator.Orchestrator
}

// New creates a new Handlers instance.
func New(s store.Store, g *gateway.Gateway, o *orchestrator.Orchestrator) *Handlers {
	return &Handlers{Store: s, Gateway: g, Orchestrator: o}
}

// ── Agent Handlers ───────────────────────────────────────────

func (h *Handlers) ListAgents(w http.ResponseWriter, r *http.Request) {
	agents := h.Gateway.ListAgents()
	if agents == nil {
		agents = []models.AgentDescriptor{}
	}
	respondJSON(w, http.StatusOK, agents)
}

func (h *Handlers) RegisterAgent(w http.ResponseWriter, r *http.Request) {
	var req gateway.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	desc, err := h.Gateway.Register(r.Context(), req)
	if err != nil {
		var re *gateway.RegistrationError
		if errors.As(err, &re) {
			respondError(w, http.StatusUnprocessableEntity, err.Error())
		} else {
			respondError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	respondJSON(w, http.StatusCreated, desc)
}

func (h *Handlers) GetAgent(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")

	agent, err := h.Gateway.GetAgent(agentID)
	if err != nil {
		if isNotFound(err) {
			respondError(w, http.StatusNotFound, err.Error())
		} else {
			respondError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	respondJSON(w, http.StatusOK, agent)
}

func (h *Handlers) DeregisterAgent(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")

	if err := h.Gateway.Deregister(r.Context(), agentID); err != nil {
		if isNotFound(err) {
			respondError(w, http.StatusNotFound, err.Error())
		} else {
			respondError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ProbeAgent runs an on-demand health check against one agent.
func (h *Handlers) ProbeAgent(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")

	state, err := h.Gateway.ProbeAgent(r.Context(), agentID)
	if err != nil {
		if isNotFound(err) {
			respondError(w, http.StatusNotFound, err.Error())
		} else {
			respondError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{
		"agent_id": agentID,
		"health":   string(state),
	})
}

// ── Task Dispatch ────────────────────────────────────────────

// DispatchTask routes a single task to a worker agent, outside of any plan.
func (h *Handlers) DispatchTask(w http.ResponseWriter, r *http.Request) {
	var env models.TaskEnvelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if _, err := models.ParseCapability(string(env.Capability)); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if env.TaskID == "" {
		env.TaskID = uuid.New().String()
	}

	res, err := h.Gateway.Dispatch(r.Context(), &env)
	if err != nil {
		var na *gateway.NoAgentError
		if errors.As(err, &na) {
			respondError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		respondError(w, http.StatusBadGateway, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, res)
}

// ── Plan Handlers ────────────────────────────────────────────

// ExecutePlan runs a full plan. Only request validation and graph
// construction problems produce an error status; execution-time degradation
// lands in the result's warnings.
func (h *Handlers) ExecutePlan(w http.ResponseWriter, r *http.Request) {
	var req models.PlanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Goal == "" {
		respondError(w, http.StatusBadRequest, "goal is required")
		return
	}
	if req.BudgetLimit < 0 {
		respondError(w, http.StatusBadRequest, "budget_limit must be non-negative")
		return
	}

	result, err := h.Orchestrator.Execute(r.Context(), &req)
	if err != nil {
		var ce *resolver.CycleError
		if errors.As(err, &ce) {
			respondError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
		var be *ledger.ExceededError
		if errors.As(err, &be) {
			respondError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	log.Info().
		Str("plan_id", result.PlanID).
		Str("status", string(result.Status)).
		Msg("plan request served")
	respondJSON(w, http.StatusOK, result)
}

func (h *Handlers) GetPlanRun(w http.ResponseWriter, r *http.Request) {
	planID := chi.URLParam(r, "planID")

	run, err := h.Store.GetPlanRun(r.Context(), planID)
	if err != nil {
		if isNotFound(err) {
			respondError(w, http.StatusNotFound, err.Error())
		} else {
			respondError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	respondJSON(w, http.StatusOK, run)
}

func (h *Handlers) ListPlanRuns(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	runs, err := h.Store.ListPlanRuns(r.Context(), limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if runs == nil {
		runs = []models.PlanRun{}
	}
	respondJSON(w, http.StatusOK, runs)
}

// GetPlanLedger returns the durable budget audit trail for one plan.
func (h *Handlers) GetPlanLedger(w http.ResponseWriter, r *http.Request) {
	planID := chi.URLParam(r, "planID")

	entries, err := h.Store.ListLedgerEntries(r.Context(), planID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if entries == nil {
		entries = []models.LedgerEntry{}
	}
	respondJSON(w, http.StatusOK, entries)
}

// ── Metrics ──────────────────────────────────────────────────

func (h *Handlers) GatewayMetrics(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.Gateway.Metrics())
}

// ── Helpers ──────────────────────────────────────────────────

func isNotFound(err error) bool {
	var nf *store.ErrNotFound
	return errors.As(err, &nf)
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
