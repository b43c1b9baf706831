// Package connector is the single entry point for executing an operation
// request. It strings the pipeline together: tenant check → credential
// check → registry validation → policy evaluation → idempotency
// reservation → saga step → executor call → commit. Any stage failure
// short-circuits the rest and produces a result tagged with the failing
// stage, so callers can tell "blocked by policy" from "platform rejected"
// from "infrastructure error".
package connector

import (
	"context"
	"strings"
	"time"

	"github.com/adpilot/control-plane/internal/audit"
	"github.com/adpilot/control-plane/internal/breaker"
	"github.com/adpilot/control-plane/internal/executor"
	"github.com/adpilot/control-plane/internal/idempotency"
	"github.com/adpilot/control-plane/internal/notify"
	"github.com/adpilot/control-plane/internal/platform"
	"github.com/adpilot/control-plane/internal/policy"
	"github.com/adpilot/control-plane/internal/registry"
	"github.com/adpilot/control-plane/internal/saga"
	"github.com/adpilot/control-plane/internal/store"
	"github.com/adpilot/control-plane/pkg/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// DefaultPlatform is used when a request does not name one.
const DefaultPlatform = "adwords"

type Connector struct {
	store       store.Store
	registry    *registry.Registry
	policy      *policy.Engine
	guard       *idempotency.Guard
	journal     *saga.Journal
	exec        *executor.Executor
	audit       *audit.Emitter
	approvalTTL time.Duration
	notifier    notify.Notifier
}

// SetNotifier attaches a webhook notifier for approval lifecycle events.
// Nil (the default) disables notifications.
func (c *Connector) SetNotifier(n notify.Notifier) {
	c.notifier = n
}

func (c *Connector) notify(ctx context.Context, event notify.Event) {
	if c.notifier != nil {
		c.notifier.Notify(ctx, event)
	}
}

func New(st store.Store, reg *registry.Registry, pol *policy.Engine, guard *idempotency.Guard, journal *saga.Journal, exec *executor.Executor, emitter *audit.Emitter, approvalTTL time.Duration) *Connector {
	return &Connector{
		store:       st,
		registry:    reg,
		policy:      pol,
		guard:       guard,
		journal:     journal,
		exec:        exec,
		audit:       emitter,
		approvalTTL: approvalTTL,
	}
}

// Execute runs one operation request in its own single-step saga.
func (c *Connector) Execute(ctx context.Context, req *models.OperationRequest) *models.OperationResult {
	return c.execute(ctx, req, nil)
}

// ExecuteInSaga runs one operation request as a step of an existing saga.
// The caller (action-plan executor, workflow engine) owns the saga's
// terminal state and compensation decision.
func (c *Connector) ExecuteInSaga(ctx context.Context, req *models.OperationRequest, sg *models.Saga) *models.OperationResult {
	return c.execute(ctx, req, sg)
}

func (c *Connector) execute(ctx context.Context, req *models.OperationRequest, sg *models.Saga) *models.OperationResult {
	started := time.Now()
	if req.Platform == "" {
		req.Platform = DefaultPlatform
	}
	if req.TraceID == "" {
		req.TraceID = uuid.NewString()
	}
	opRef := req.Operation + "@" + req.Version
	ownSaga := sg == nil

	fail := func(stage models.Stage, kind models.ErrorKind, status models.ResultStatus, errMsg string, reasons []string) *models.OperationResult {
		c.audit.Stage(ctx, req.TenantID, opRef, req.TraceID, stage, string(status), time.Since(started), map[string]interface{}{
			"error": errMsg, "reasons": reasons,
		})
		res := &models.OperationResult{
			Status:     status,
			Stage:      stage,
			ErrorKind:  kind,
			Error:      errMsg,
			Reasons:    reasons,
			TraceID:    req.TraceID,
			DurationMs: time.Since(started).Milliseconds(),
		}
		if sg != nil {
			res.SagaID = sg.ID
		}
		return res
	}

	// Tenant gate. Suspended and archived tenants are rejected before
	// anything else runs.
	tenant, err := c.store.GetTenant(ctx, req.TenantID)
	if err != nil {
		if store.IsNotFound(err) {
			return fail(models.StageTenant, models.ErrValidation, models.ResultFailed, "unknown tenant", nil)
		}
		return fail(models.StageTenant, models.ErrInfrastructure, models.ResultFailed, err.Error(), nil)
	}
	if tenant.Status != models.TenantActive {
		return fail(models.StageTenant, models.ErrValidation, models.ResultFailed,
			"tenant is "+string(tenant.Status), nil)
	}

	// Credential presence. Decryption waits until the executor's call
	// boundary; here we only verify the tenant is onboarded for the
	// platform.
	if _, err := c.store.GetCredential(ctx, req.TenantID, req.Platform); err != nil {
		if store.IsNotFound(err) {
			return fail(models.StageCredentials, models.ErrValidation, models.ResultFailed,
				"no credential for platform "+req.Platform, nil)
		}
		return fail(models.StageCredentials, models.ErrInfrastructure, models.ResultFailed, err.Error(), nil)
	}

	// Registry validation. A payload that fails schema validation never
	// reaches the policy engine or the platform.
	def, err := c.registry.Resolve(req.Operation, req.Version)
	if err != nil {
		return fail(models.StageValidation, models.ErrValidation, models.ResultFailed, err.Error(), nil)
	}
	violations, err := c.registry.ValidateInput(req.Operation, req.Version, req.Payload)
	if err != nil {
		return fail(models.StageValidation, models.ErrInfrastructure, models.ResultFailed, err.Error(), nil)
	}
	if len(violations) > 0 {
		return fail(models.StageValidation, models.ErrValidation, models.ResultFailed, "payload failed schema validation", violations)
	}

	// Policy. Compensation requests skip policy: the forward operation
	// already passed it, and rollback must not be vetoed halfway.
	if !req.Compensation {
		decision, err := c.policy.Evaluate(ctx, req.TenantID, def, req.Payload)
		if err != nil {
			return fail(models.StagePolicy, models.ErrInfrastructure, models.ResultFailed, err.Error(), nil)
		}
		switch decision.Outcome {
		case models.PolicyBlocked:
			return c.recordBlocked(ctx, req, sg, opRef, decision, started)
		case models.PolicyNeedsApproval:
			return c.parkForApproval(ctx, req, sg, def, decision, started)
		}
	}
	c.audit.Stage(ctx, req.TenantID, opRef, req.TraceID, models.StagePolicy, "approved", time.Since(started), nil)

	// Idempotency reservation for mutating operations.
	var idemKey string
	if def.Mutating && !req.Compensation {
		idemKey = req.IdempotencyKey
		if idemKey == "" {
			idemKey, err = idempotency.DeriveKey(req.TenantID, def, req.Payload)
			if err != nil {
				return fail(models.StageIdempotency, models.ErrInfrastructure, models.ResultFailed, err.Error(), nil)
			}
		}
		existing, err := c.guard.Reserve(ctx, req.TenantID, idemKey)
		if err != nil {
			return fail(models.StageIdempotency, models.ErrInfrastructure, models.ResultFailed, err.Error(), nil)
		}
		if existing != nil {
			if existing.Status == models.IdempotencyInFlight {
				return fail(models.StageIdempotency, "", models.ResultInFlight, "an identical request is in flight", nil)
			}
			c.audit.Stage(ctx, req.TenantID, opRef, req.TraceID, models.StageIdempotency, "duplicate", time.Since(started), nil)
			return &models.OperationResult{
				Status:     models.ResultDuplicate,
				Stage:      models.StageIdempotency,
				Result:     existing.Result,
				TraceID:    req.TraceID,
				DurationMs: time.Since(started).Milliseconds(),
			}
		}
	}

	// Saga step.
	if ownSaga {
		sg, err = c.journal.Open(ctx, req.TenantID, req.Platform, "")
		if err != nil {
			c.releaseReservation(ctx, idemKey)
			return fail(models.StageSaga, models.ErrInfrastructure, models.ResultFailed, err.Error(), nil)
		}
	}
	step, err := c.journal.OpenStep(ctx, sg.ID, opRef, req.Payload)
	if err != nil {
		c.releaseReservation(ctx, idemKey)
		return fail(models.StageSaga, models.ErrInfrastructure, models.ResultFailed, err.Error(), nil)
	}
	if _, err := c.journal.StartStep(ctx, step.ID); err != nil {
		c.releaseReservation(ctx, idemKey)
		return fail(models.StageSaga, models.ErrInfrastructure, models.ResultFailed, err.Error(), nil)
	}

	return c.runStep(ctx, req, sg, step, def, idemKey, ownSaga, started)
}

// runStep drives the executor for an already-running step and settles the
// saga, idempotency, and audit state from its outcome.
func (c *Connector) runStep(ctx context.Context, req *models.OperationRequest, sg *models.Saga, step *models.SagaStep, def *models.OperationDefinition, idemKey string, ownSaga bool, started time.Time) *models.OperationResult {
	opRef := def.Ref()
	result, events, execErr := c.exec.Execute(ctx, req.TenantID, req.Platform, def, req.Payload)

	if execErr != nil {
		kind := models.ErrPermanent
		status := "failed"
		switch {
		case breaker.IsOpen(execErr):
			kind = models.ErrInfrastructure
			status = "breaker_open"
		case platform.IsTransient(execErr):
			kind = models.ErrTransient
		}

		if err := c.journal.FailStep(ctx, step.ID, execErr.Error(), events); err != nil {
			log.Error().Err(err).Str("step_id", step.ID).Msg("Failed to journal step failure")
		}
		if ownSaga {
			if err := c.journal.Fail(ctx, sg.ID); err != nil {
				log.Error().Err(err).Str("saga_id", sg.ID).Msg("Failed to close saga")
			}
		}

		// A fail-fast from the breaker never touched the platform, and
		// exhausted transient retries mean the caller should resubmit
		// once the outage clears: both release the reservation. Only a
		// permanent failure commits the error as the key's recorded
		// outcome, so retrying the identical rejected mutation needs
		// operator action.
		if idemKey != "" {
			if kind == models.ErrPermanent {
				if err := c.guard.Commit(ctx, idemKey, map[string]interface{}{"error": execErr.Error()}); err != nil {
					log.Error().Err(err).Msg("Failed to commit idempotency record for terminal failure")
				}
			} else {
				c.releaseReservation(ctx, idemKey)
			}
		}

		c.audit.Stage(ctx, req.TenantID, opRef, req.TraceID, models.StageExecute, status, time.Since(started), map[string]interface{}{
			"error": execErr.Error(),
		})
		return &models.OperationResult{
			Status:     models.ResultFailed,
			Stage:      models.StageExecute,
			ErrorKind:  kind,
			Error:      execErr.Error(),
			SagaID:     sg.ID,
			SagaStepID: step.ID,
			TraceID:    req.TraceID,
			DurationMs: time.Since(started).Milliseconds(),
		}
	}

	// The platform may return reversal parameters (e.g. the previous
	// budget) under "compensation"; they become the rollback payload.
	var compPayload map[string]interface{}
	if cp, ok := result["compensation"].(map[string]interface{}); ok {
		compPayload = cp
	}

	if err := c.journal.CompleteStep(ctx, step.ID, result, events, compPayload); err != nil {
		log.Error().Err(err).Str("step_id", step.ID).Msg("Failed to journal step success")
	}
	if ownSaga {
		if err := c.journal.Complete(ctx, sg.ID); err != nil {
			log.Error().Err(err).Str("saga_id", sg.ID).Msg("Failed to complete saga")
		}
	}
	if idemKey != "" {
		if err := c.guard.Commit(ctx, idemKey, result); err != nil {
			log.Error().Err(err).Msg("Failed to commit idempotency record")
		}
	}

	c.audit.Stage(ctx, req.TenantID, opRef, req.TraceID, models.StageCommit, "success", time.Since(started), nil)
	return &models.OperationResult{
		Status:     models.ResultSuccess,
		Stage:      models.StageCommit,
		Result:     result,
		SagaID:     sg.ID,
		SagaStepID: step.ID,
		TraceID:    req.TraceID,
		DurationMs: time.Since(started).Milliseconds(),
	}
}

// recordBlocked journals a policy block as a terminal saga-step failure
// with the reason codes. The step never reaches running.
func (c *Connector) recordBlocked(ctx context.Context, req *models.OperationRequest, sg *models.Saga, opRef string, decision *models.PolicyDecision, started time.Time) *models.OperationResult {
	ownSaga := sg == nil
	var err error
	if ownSaga {
		sg, err = c.journal.Open(ctx, req.TenantID, req.Platform, "")
		if err != nil {
			log.Error().Err(err).Msg("Failed to open saga for blocked request")
		}
	}

	var stepID string
	if sg != nil {
		if step, err := c.journal.OpenStep(ctx, sg.ID, opRef, req.Payload); err == nil {
			stepID = step.ID
			if err := c.journal.FailStep(ctx, step.ID, "blocked by policy: "+strings.Join(decision.Reasons, "; "), nil); err != nil {
				log.Error().Err(err).Str("step_id", step.ID).Msg("Failed to journal policy block")
			}
		}
		if ownSaga {
			if err := c.journal.Fail(ctx, sg.ID); err != nil {
				log.Error().Err(err).Str("saga_id", sg.ID).Msg("Failed to close saga for blocked request")
			}
		}
	}

	c.audit.Stage(ctx, req.TenantID, opRef, req.TraceID, models.StagePolicy, "blocked", time.Since(started), map[string]interface{}{
		"reasons": decision.Reasons,
	})
	res := &models.OperationResult{
		Status:     models.ResultBlocked,
		Stage:      models.StagePolicy,
		ErrorKind:  models.ErrPolicyBlocked,
		Error:      "blocked by policy",
		Reasons:    decision.Reasons,
		SagaStepID: stepID,
		TraceID:    req.TraceID,
		DurationMs: time.Since(started).Milliseconds(),
	}
	if sg != nil {
		res.SagaID = sg.ID
	}
	return res
}

// parkForApproval journals the step in its pending_approval sub-state and
// creates the durable approval record that will later resume it.
func (c *Connector) parkForApproval(ctx context.Context, req *models.OperationRequest, sg *models.Saga, def *models.OperationDefinition, decision *models.PolicyDecision, started time.Time) *models.OperationResult {
	opRef := def.Ref()
	ownSaga := sg == nil
	var err error
	if ownSaga {
		sg, err = c.journal.Open(ctx, req.TenantID, req.Platform, "")
		if err != nil {
			return &models.OperationResult{
				Status: models.ResultFailed, Stage: models.StageSaga,
				ErrorKind: models.ErrInfrastructure, Error: err.Error(), TraceID: req.TraceID,
			}
		}
	}

	step, err := c.journal.OpenStep(ctx, sg.ID, opRef, req.Payload)
	if err != nil {
		return &models.OperationResult{
			Status: models.ResultFailed, Stage: models.StageSaga,
			ErrorKind: models.ErrInfrastructure, Error: err.Error(), SagaID: sg.ID, TraceID: req.TraceID,
		}
	}

	expires := time.Now().UTC().Add(c.approvalTTL)
	approval := &models.Approval{
		ID:          uuid.NewString(),
		TenantID:    req.TenantID,
		SagaID:      sg.ID,
		StepID:      step.ID,
		Operation:   opRef,
		Rules:       decision.Gates,
		Status:      models.ApprovalPending,
		RequestedAt: time.Now().UTC(),
		ExpiresAt:   &expires,
	}
	if len(approval.Rules) == 0 {
		approval.Rules = decision.Reasons
	}
	if err := c.store.CreateApproval(ctx, approval); err != nil {
		return &models.OperationResult{
			Status: models.ResultFailed, Stage: models.StageSaga,
			ErrorKind: models.ErrInfrastructure, Error: err.Error(), SagaID: sg.ID, TraceID: req.TraceID,
		}
	}
	if err := c.journal.SetGate(ctx, step.ID, approval.ID); err != nil {
		return &models.OperationResult{
			Status: models.ResultFailed, Stage: models.StageSaga,
			ErrorKind: models.ErrInfrastructure, Error: err.Error(), SagaID: sg.ID, TraceID: req.TraceID,
		}
	}

	c.audit.Stage(ctx, req.TenantID, opRef, req.TraceID, models.StagePolicy, "needs_approval", time.Since(started), map[string]interface{}{
		"reasons": decision.Reasons, "approval_id": approval.ID,
	})
	c.notify(ctx, notify.Event{
		Type:       notify.EventApprovalRequested,
		TenantID:   req.TenantID,
		SagaID:     sg.ID,
		StepID:     step.ID,
		ApprovalID: approval.ID,
		Operation:  opRef,
		Detail:     map[string]interface{}{"rules": approval.Rules},
	})
	return &models.OperationResult{
		Status:     models.ResultPendingApproval,
		Stage:      models.StagePolicy,
		ErrorKind:  models.ErrPendingApproval,
		Reasons:    decision.Reasons,
		SagaID:     sg.ID,
		SagaStepID: step.ID,
		ApprovalID: approval.ID,
		TraceID:    req.TraceID,
		DurationMs: time.Since(started).Milliseconds(),
	}
}

func (c *Connector) releaseReservation(ctx context.Context, idemKey string) {
	if idemKey == "" {
		return
	}
	if err := c.guard.Release(ctx, idemKey); err != nil {
		log.Error().Err(err).Msg("Failed to release idempotency reservation")
	}
}
