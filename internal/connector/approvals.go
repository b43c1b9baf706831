package connector

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/adpilot/control-plane/internal/idempotency"
	"github.com/adpilot/control-plane/internal/notify"
	"github.com/adpilot/control-plane/pkg/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// ResolveApproval settles a pending approval. An approved step resumes
// through the normal execution path: idempotency reservation, executor,
// breaker, journaling. A rejected step fails terminally and triggers
// compensation of any previously succeeded steps in its saga.
func (c *Connector) ResolveApproval(ctx context.Context, approvalID string, approve bool, resolvedBy, comments string) (*models.OperationResult, error) {
	approval, err := c.store.GetApproval(ctx, approvalID)
	if err != nil {
		return nil, err
	}
	if approval.Status != models.ApprovalPending {
		return nil, fmt.Errorf("approval %s already %s", approvalID, approval.Status)
	}
	now := time.Now().UTC()
	if approval.ExpiresAt != nil && now.After(*approval.ExpiresAt) {
		if err := c.expireApproval(ctx, approval); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("approval %s expired at %s", approvalID, approval.ExpiresAt.Format(time.RFC3339))
	}

	approval.ResolvedBy = resolvedBy
	approval.Comments = comments
	approval.ResolvedAt = &now
	if approve {
		approval.Status = models.ApprovalApproved
	} else {
		approval.Status = models.ApprovalRejected
	}
	if err := c.store.UpdateApproval(ctx, approval); err != nil {
		return nil, err
	}

	log.Info().
		Str("approval_id", approvalID).
		Str("tenant_id", approval.TenantID).
		Str("operation", approval.Operation).
		Bool("approved", approve).
		Str("resolved_by", resolvedBy).
		Msg("Approval resolved")

	c.notify(ctx, notify.Event{
		Type:       notify.EventApprovalResolved,
		TenantID:   approval.TenantID,
		SagaID:     approval.SagaID,
		StepID:     approval.StepID,
		ApprovalID: approval.ID,
		Operation:  approval.Operation,
		Detail:     map[string]interface{}{"status": approval.Status, "resolved_by": resolvedBy},
	})

	if !approve {
		return c.failGatedStep(ctx, approval, "approval rejected by "+resolvedBy)
	}
	return c.resumeGatedStep(ctx, approval)
}

// ExpireApprovals fails every pending approval past its deadline. Called
// by the retention janitor; returns how many were expired.
func (c *Connector) ExpireApprovals(ctx context.Context, now time.Time) (int, error) {
	pending, err := c.store.ListApprovals(ctx, "", models.ApprovalPending, 0)
	if err != nil {
		return 0, err
	}
	expired := 0
	for i := range pending {
		a := &pending[i]
		if a.ExpiresAt == nil || now.Before(*a.ExpiresAt) {
			continue
		}
		if err := c.expireApproval(ctx, a); err != nil {
			log.Error().Err(err).Str("approval_id", a.ID).Msg("Failed to expire approval")
			continue
		}
		expired++
	}
	return expired, nil
}

func (c *Connector) expireApproval(ctx context.Context, approval *models.Approval) error {
	now := time.Now().UTC()
	approval.Status = models.ApprovalExpired
	approval.ResolvedAt = &now
	if err := c.store.UpdateApproval(ctx, approval); err != nil {
		return err
	}
	log.Warn().
		Str("approval_id", approval.ID).
		Str("tenant_id", approval.TenantID).
		Str("operation", approval.Operation).
		Msg("Approval expired")
	c.notify(ctx, notify.Event{
		Type:       notify.EventApprovalExpired,
		TenantID:   approval.TenantID,
		SagaID:     approval.SagaID,
		StepID:     approval.StepID,
		ApprovalID: approval.ID,
		Operation:  approval.Operation,
	})
	_, err := c.failGatedStep(ctx, approval, "approval_expired")
	return err
}

// failGatedStep terminally fails a parked step and compensates its saga.
func (c *Connector) failGatedStep(ctx context.Context, approval *models.Approval, reason string) (*models.OperationResult, error) {
	if err := c.journal.FailStep(ctx, approval.StepID, reason, nil); err != nil {
		return nil, err
	}
	if err := c.journal.Compensate(ctx, approval.SagaID); err != nil {
		return nil, err
	}
	c.audit.Stage(ctx, approval.TenantID, approval.Operation, "", models.StagePolicy, "approval_"+string(approval.Status), 0, map[string]interface{}{
		"approval_id": approval.ID, "reason": reason,
	})
	return &models.OperationResult{
		Status:     models.ResultFailed,
		Stage:      models.StagePolicy,
		ErrorKind:  models.ErrPolicyBlocked,
		Error:      reason,
		SagaID:     approval.SagaID,
		SagaStepID: approval.StepID,
	}, nil
}

// resumeGatedStep re-enters the pipeline at the idempotency stage using
// the payload journaled when the step was parked.
func (c *Connector) resumeGatedStep(ctx context.Context, approval *models.Approval) (*models.OperationResult, error) {
	sg, err := c.store.GetSaga(ctx, approval.SagaID)
	if err != nil {
		return nil, err
	}
	step, err := c.store.GetSagaStep(ctx, approval.StepID)
	if err != nil {
		return nil, err
	}

	name, version, ok := strings.Cut(step.Operation, "@")
	if !ok {
		return nil, fmt.Errorf("malformed operation ref %q on step %s", step.Operation, step.ID)
	}
	def, err := c.registry.Resolve(name, version)
	if err != nil {
		return nil, err
	}

	req := &models.OperationRequest{
		TenantID:  sg.TenantID,
		Platform:  sg.Platform,
		Operation: name,
		Version:   version,
		Payload:   step.Payload,
		TraceID:   uuid.NewString(),
	}
	started := time.Now()

	var idemKey string
	if def.Mutating {
		idemKey, err = idempotency.DeriveKey(req.TenantID, def, req.Payload)
		if err != nil {
			return nil, err
		}
		existing, err := c.guard.Reserve(ctx, req.TenantID, idemKey)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			if existing.Status == models.IdempotencyInFlight {
				return &models.OperationResult{
					Status:  models.ResultInFlight,
					Stage:   models.StageIdempotency,
					Error:   "an identical request is in flight",
					SagaID:  sg.ID,
					TraceID: req.TraceID,
				}, nil
			}
			// Someone already executed the identical operation; adopt
			// its result and settle the step.
			if err := c.journal.CompleteStep(ctx, step.ID, existing.Result, nil, nil); err != nil {
				return nil, err
			}
			if sg.PlanRef == "" {
				if err := c.journal.Complete(ctx, sg.ID); err != nil {
					return nil, err
				}
			} else {
				c.settlePlanSaga(ctx, sg.ID)
			}
			return &models.OperationResult{
				Status:     models.ResultDuplicate,
				Stage:      models.StageIdempotency,
				Result:     existing.Result,
				SagaID:     sg.ID,
				SagaStepID: step.ID,
				TraceID:    req.TraceID,
			}, nil
		}
	}

	if _, err := c.journal.StartStep(ctx, step.ID); err != nil {
		c.releaseReservation(ctx, idemKey)
		return nil, err
	}

	// Single-operation sagas are settled inside runStep. A plan saga was
	// left running while its approvals queued; once this resolution makes
	// every step terminal, the saga must settle too.
	ownSaga := sg.PlanRef == ""
	res := c.runStep(ctx, req, sg, step, def, idemKey, ownSaga, started)
	if !ownSaga {
		c.settlePlanSaga(ctx, sg.ID)
	}
	return res, nil
}

// settlePlanSaga completes or fails a still-running plan saga once all of
// its steps reached a terminal state. A non-terminal step means another
// approval is still queued and the saga stays open.
func (c *Connector) settlePlanSaga(ctx context.Context, sagaID string) {
	sg, err := c.store.GetSaga(ctx, sagaID)
	if err != nil {
		log.Error().Err(err).Str("saga_id", sagaID).Msg("Failed to load plan saga for settlement")
		return
	}
	if sg.Status != models.SagaRunning {
		return
	}
	steps, err := c.store.ListSagaSteps(ctx, sagaID)
	if err != nil {
		log.Error().Err(err).Str("saga_id", sagaID).Msg("Failed to list plan saga steps")
		return
	}
	failed := false
	for i := range steps {
		switch steps[i].Status {
		case models.StepFailed, models.StepCompensated:
			failed = true
		case models.StepSuccess:
		default:
			return // still pending or running
		}
	}
	if failed {
		err = c.journal.Fail(ctx, sagaID)
	} else {
		err = c.journal.Complete(ctx, sagaID)
	}
	if err != nil {
		log.Error().Err(err).Str("saga_id", sagaID).Msg("Failed to settle plan saga")
		return
	}
	log.Info().Str("saga_id", sagaID).Bool("failed", failed).Msg("Plan saga settled after approvals")
}
