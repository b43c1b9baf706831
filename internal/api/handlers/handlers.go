// Package handlers implements the HTTP handlers for the AdPilot control
// plane: operation submission, action plans, workflow runs, approvals,
// sagas, tenants, and the audit query surface.
package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/adpilot/control-plane/internal/api/middleware"
	"github.com/adpilot/control-plane/internal/connector"
	"github.com/adpilot/control-plane/internal/planner"
	"github.com/adpilot/control-plane/internal/registry"
	"github.com/adpilot/control-plane/internal/saga"
	"github.com/adpilot/control-plane/internal/store"
	"github.com/adpilot/control-plane/internal/vault"
	"github.com/adpilot/control-plane/internal/workflow"
	"github.com/adpilot/control-plane/pkg/models"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Handlers holds all handler dependencies.
type Handlers struct {
	Store     store.Store
	Registry  *registry.Registry
	Vault     *vault.Vault
	Connector *connector.Connector
	Planner   *planner.Planner
	Workflow  *workflow.Engine
	Journal   *saga.Journal
}

// New creates a Handlers instance with all dependencies.
func New(s store.Store, reg *registry.Registry, v *vault.Vault, conn *connector.Connector, pl *planner.Planner, wf *workflow.Engine, journal *saga.Journal) *Handlers {
	return &Handlers{
		Store:     s,
		Registry:  reg,
		Vault:     v,
		Connector: conn,
		Planner:   pl,
		Workflow:  wf,
		Journal:   journal,
	}
}

// ══════════════════════════════════════════════════════════════
// ── Operation Handlers ───────────────────────────────────────
// ══════════════════════════════════════════════════════════════

func (h *Handlers) ListOperations(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.Registry.List())
}

// ExecuteOperation submits one operation request to the pipeline. The
// response status maps the pipeline outcome: 200 success/duplicate,
// 202 in-flight or pending approval, 422 blocked or invalid, 502/500
// platform or infrastructure failure.
func (h *Handlers) ExecuteOperation(w http.ResponseWriter, r *http.Request) {
	var req models.OperationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.TenantID == "" {
		req.TenantID = middleware.GetTenantID(r.Context())
	}
	if req.TenantID == "" {
		respondError(w, http.StatusBadRequest, "tenant_id is required")
		return
	}

	res := h.Connector.Execute(r.Context(), &req)
	respondJSON(w, resultStatusCode(res), res)
}

func resultStatusCode(res *models.OperationResult) int {
	switch res.Status {
	case models.ResultSuccess, models.ResultDuplicate:
		return http.StatusOK
	case models.ResultInFlight, models.ResultPendingApproval:
		return http.StatusAccepted
	case models.ResultBlocked:
		return http.StatusUnprocessableEntity
	default:
		switch res.ErrorKind {
		case models.ErrValidation, models.ErrPolicyBlocked:
			return http.StatusUnprocessableEntity
		case models.ErrTransient, models.ErrPermanent:
			return http.StatusBadGateway
		default:
			return http.StatusInternalServerError
		}
	}
}

// ══════════════════════════════════════════════════════════════
// ── Action Plan Handlers ─────────────────────────────────────
// ══════════════════════════════════════════════════════════════

func (h *Handlers) ExecutePlan(w http.ResponseWriter, r *http.Request) {
	var plan models.ActionPlan
	if err := json.NewDecoder(r.Body).Decode(&plan); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if plan.TenantID == "" {
		plan.TenantID = middleware.GetTenantID(r.Context())
	}
	if plan.TenantID == "" {
		respondError(w, http.StatusBadRequest, "tenant_id is required")
		return
	}

	res, err := h.Planner.Execute(r.Context(), &plan)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	status := http.StatusOK
	if res.Outcome != models.PlanCompleted {
		status = http.StatusMultiStatus
	}
	respondJSON(w, status, res)
}

// ══════════════════════════════════════════════════════════════
// ── Saga Handlers ────────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

func (h *Handlers) ListSagas(w http.ResponseWriter, r *http.Request) {
	tenant := middleware.GetTenantID(r.Context())
	if tenant == "" {
		respondError(w, http.StatusBadRequest, "tenant is required")
		return
	}
	sagas, err := h.Store.ListSagas(r.Context(), tenant, queryLimit(r, 100))
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if sagas == nil {
		sagas = []models.Saga{}
	}
	respondJSON(w, http.StatusOK, sagas)
}

func (h *Handlers) GetSaga(w http.ResponseWriter, r *http.Request) {
	sg, steps, err := h.Journal.Get(r.Context(), chi.URLParam(r, "sagaId"))
	if err != nil {
		if store.IsNotFound(err) {
			respondError(w, http.StatusNotFound, err.Error())
		} else {
			respondError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"saga":  sg,
		"steps": steps,
	})
}

// ══════════════════════════════════════════════════════════════
// ── Workflow Handlers ────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

func (h *Handlers) ListWorkflows(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.Workflow.Definitions())
}

func (h *Handlers) StartWorkflowRun(w http.ResponseWriter, r *http.Request) {
	workflowName := chi.URLParam(r, "workflowName")

	var body struct {
		TenantID string                 `json:"tenant_id"`
		Input    map[string]interface{} `json:"input"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if body.TenantID == "" {
		body.TenantID = middleware.GetTenantID(r.Context())
	}
	if body.TenantID == "" {
		respondError(w, http.StatusBadRequest, "tenant_id is required")
		return
	}

	run, err := h.Workflow.Start(r.Context(), workflowName, body.TenantID, body.Input)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, run)
}

func (h *Handlers) ListWorkflowRuns(w http.ResponseWriter, r *http.Request) {
	tenant := middleware.GetTenantID(r.Context())
	if tenant == "" {
		respondError(w, http.StatusBadRequest, "tenant is required")
		return
	}
	runs, err := h.Workflow.List(r.Context(), tenant, queryLimit(r, 100))
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if runs == nil {
		runs = []models.WorkflowRun{}
	}
	respondJSON(w, http.StatusOK, runs)
}

func (h *Handlers) GetWorkflowRun(w http.ResponseWriter, r *http.Request) {
	run, err := h.Workflow.Get(r.Context(), chi.URLParam(r, "runId"))
	if err != nil {
		if store.IsNotFound(err) {
			respondError(w, http.StatusNotFound, err.Error())
		} else {
			respondError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	respondJSON(w, http.StatusOK, run)
}

func (h *Handlers) CancelWorkflowRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runId")
	if err := h.Workflow.Cancel(r.Context(), runID); err != nil {
		if store.IsNotFound(err) {
			respondError(w, http.StatusNotFound, err.Error())
		} else {
			respondError(w, http.StatusConflict, err.Error())
		}
		return
	}
	log.Info().Str("run_id", runID).Msg("Workflow run canceled")
	respondJSON(w, http.StatusOK, map[string]string{"status": "canceled"})
}

// ══════════════════════════════════════════════════════════════
// ── Approval Handlers ────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

func (h *Handlers) ListApprovals(w http.ResponseWriter, r *http.Request) {
	tenant := middleware.GetTenantID(r.Context())
	if tenant == "" {
		respondError(w, http.StatusBadRequest, "tenant is required")
		return
	}
	status := models.ApprovalStatus(r.URL.Query().Get("status"))
	approvals, err := h.Store.ListApprovals(r.Context(), tenant, status, queryLimit(r, 100))
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if approvals == nil {
		approvals = []models.Approval{}
	}
	respondJSON(w, http.StatusOK, approvals)
}

func (h *Handlers) GetApproval(w http.ResponseWriter, r *http.Request) {
	approval, err := h.Store.GetApproval(r.Context(), chi.URLParam(r, "approvalId"))
	if err != nil {
		if store.IsNotFound(err) {
			respondError(w, http.StatusNotFound, err.Error())
		} else {
			respondError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	respondJSON(w, http.StatusOK, approval)
}

// ResolveApproval is the external approval signal entry point. Approving
// re-enters the pipeline and executes the parked step; rejecting fails it
// and compensates the saga.
func (h *Handlers) ResolveApproval(w http.ResponseWriter, r *http.Request) {
	approvalID := chi.URLParam(r, "approvalId")

	var body struct {
		Approve    bool   `json:"approve"`
		ResolvedBy string `json:"resolved_by"`
		Comments   string `json:"comments,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if body.ResolvedBy == "" {
		respondError(w, http.StatusBadRequest, "resolved_by is required")
		return
	}

	res, err := h.Connector.ResolveApproval(r.Context(), approvalID, body.Approve, body.ResolvedBy, body.Comments)
	if err != nil {
		if store.IsNotFound(err) {
			respondError(w, http.StatusNotFound, err.Error())
		} else {
			respondError(w, http.StatusConflict, err.Error())
		}
		return
	}
	respondJSON(w, resultStatusCode(res), res)
}

// ══════════════════════════════════════════════════════════════
// ── Tenant Handlers ──────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

func (h *Handlers) ListTenants(w http.ResponseWriter, r *http.Request) {
	tenants, err := h.Store.ListTenants(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if tenants == nil {
		tenants = []models.Tenant{}
	}
	respondJSON(w, http.StatusOK, tenants)
}

func (h *Handlers) CreateTenant(w http.ResponseWriter, r *http.Request) {
	var req models.Tenant
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Name == "" {
		respondError(w, http.StatusBadRequest, "name is required")
		return
	}

	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	req.Status = models.TenantActive
	req.CreatedAt = time.Now().UTC()
	req.UpdatedAt = req.CreatedAt

	if err := h.Store.CreateTenant(r.Context(), &req); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	log.Info().Str("tenant", req.ID).Str("name", req.Name).Msg("Tenant created")
	respondJSON(w, http.StatusCreated, req)
}

func (h *Handlers) GetTenant(w http.ResponseWriter, r *http.Request) {
	tenant, err := h.Store.GetTenant(r.Context(), chi.URLParam(r, "tenantId"))
	if err != nil {
		if store.IsNotFound(err) {
			respondError(w, http.StatusNotFound, err.Error())
		} else {
			respondError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	respondJSON(w, http.StatusOK, tenant)
}

// UpdateTenantStatus handles the tenant lifecycle: active, suspended,
// archived. Suspended tenants are rejected at the pipeline entry stage;
// archiving is soft so the audit history survives.
func (h *Handlers) UpdateTenantStatus(w http.ResponseWriter, r *http.Request) {
	tenant, err := h.Store.GetTenant(r.Context(), chi.URLParam(r, "tenantId"))
	if err != nil {
		if store.IsNotFound(err) {
			respondError(w, http.StatusNotFound, err.Error())
		} else {
			respondError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	var body struct {
		Status models.TenantStatus `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	switch body.Status {
	case models.TenantActive, models.TenantSuspended, models.TenantArchived:
	default:
		respondError(w, http.StatusBadRequest, "status must be active, suspended, or archived")
		return
	}

	tenant.Status = body.Status
	tenant.UpdatedAt = time.Now().UTC()
	if err := h.Store.UpdateTenant(r.Context(), tenant); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	log.Info().Str("tenant", tenant.ID).Str("status", string(tenant.Status)).Msg("Tenant status updated")
	respondJSON(w, http.StatusOK, tenant)
}

// ══════════════════════════════════════════════════════════════
// ── Policy Handlers ──────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

func (h *Handlers) GetPolicy(w http.ResponseWriter, r *http.Request) {
	set, err := h.Store.GetPolicySet(r.Context(), chi.URLParam(r, "tenantId"))
	if err != nil {
		if store.IsNotFound(err) {
			respondError(w, http.StatusNotFound, err.Error())
		} else {
			respondError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	respondJSON(w, http.StatusOK, set)
}

func (h *Handlers) PutPolicy(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantId")
	if _, err := h.Store.GetTenant(r.Context(), tenantID); err != nil {
		if store.IsNotFound(err) {
			respondError(w, http.StatusNotFound, err.Error())
		} else {
			respondError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	var set models.PolicySet
	if err := json.NewDecoder(r.Body).Decode(&set); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	set.TenantID = tenantID
	set.UpdatedAt = time.Now().UTC()

	if err := h.Store.PutPolicySet(r.Context(), &set); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	log.Info().Str("tenant", tenantID).Msg("Policy set updated")
	respondJSON(w, http.StatusOK, set)
}

// ══════════════════════════════════════════════════════════════
// ── Credential Handlers ──────────────────────────────────────
// ══════════════════════════════════════════════════════════════

// PutCredential stores a platform credential. The plaintext is encrypted
// before it reaches the store and is never echoed back.
func (h *Handlers) PutCredential(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantId")
	platformName := chi.URLParam(r, "platform")

	var body struct {
		AccountID    string `json:"account_id"`
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if body.RefreshToken == "" {
		respondError(w, http.StatusBadRequest, "refresh_token is required")
		return
	}

	err := h.Vault.Put(r.Context(), models.Credential{
		TenantID:     tenantID,
		Platform:     platformName,
		AccountID:    body.AccountID,
		RefreshToken: body.RefreshToken,
	})
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	log.Info().Str("tenant", tenantID).Str("platform", platformName).Msg("Credential stored")
	respondJSON(w, http.StatusCreated, map[string]string{
		"tenant_id": tenantID,
		"platform":  platformName,
		"status":    "stored",
	})
}

func (h *Handlers) RevokeCredential(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantId")
	platformName := chi.URLParam(r, "platform")

	if err := h.Vault.Revoke(r.Context(), tenantID, platformName); err != nil {
		if store.IsNotFound(err) {
			respondError(w, http.StatusNotFound, err.Error())
		} else {
			respondError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	log.Info().Str("tenant", tenantID).Str("platform", platformName).Msg("Credential revoked")
	respondJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}

// ══════════════════════════════════════════════════════════════
// ── Audit Handlers ───────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

// ListAuditEvents is the replay surface for regulated customers: every
// pipeline stage transition, filterable by stage, status, trace, and time.
func (h *Handlers) ListAuditEvents(w http.ResponseWriter, r *http.Request) {
	filter := models.AuditFilter{
		TenantID: middleware.GetTenantID(r.Context()),
		Stage:    r.URL.Query().Get("stage"),
		Status:   r.URL.Query().Get("status"),
		TraceID:  r.URL.Query().Get("trace_id"),
		Limit:    queryLimit(r, 100),
	}
	if since := r.URL.Query().Get("since"); since != "" {
		ts, err := time.Parse(time.RFC3339, since)
		if err != nil {
			respondError(w, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		filter.Since = &ts
	}
	if until := r.URL.Query().Get("until"); until != "" {
		ts, err := time.Parse(time.RFC3339, until)
		if err != nil {
			respondError(w, http.StatusBadRequest, "until must be RFC3339")
			return
		}
		filter.Until = &ts
	}
	if offset := r.URL.Query().Get("offset"); offset != "" {
		if n, err := strconv.Atoi(offset); err == nil && n > 0 {
			filter.Offset = n
		}
	}

	events, err := h.Store.ListAuditEvents(r.Context(), filter)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	total, err := h.Store.CountAuditEvents(r.Context(), filter)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if events == nil {
		events = []models.AuditEvent{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"events": events,
		"total":  total,
	})
}

// ══════════════════════════════════════════════════════════════
// ── Breaker Handlers ─────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

func (h *Handlers) ListBreakers(w http.ResponseWriter, r *http.Request) {
	states, err := h.Store.ListBreakerStates(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if tenant := middleware.GetTenantID(r.Context()); tenant != "" {
		filtered := states[:0]
		for _, st := range states {
			if st.TenantID == tenant {
				filtered = append(filtered, st)
			}
		}
		states = filtered
	}
	if states == nil {
		states = []models.BreakerState{}
	}
	respondJSON(w, http.StatusOK, states)
}

// ── Helpers ──────────────────────────────────────────────────

func queryLimit(r *http.Request, fallback int) int {
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
