// Package planner drives action plans: batches of proposed operations
// produced by upstream analysis logic. A plan runs under a single saga,
// items in declared order. The first policy block short-circuits the
// remaining items; needs_approval items are queued and the plan moves
// on; transient failures are tolerated after the executor's own retries
// give up. The aggregate outcome reflects what actually landed.
package planner

import (
	"context"
	"fmt"

	"github.com/adpilot/control-plane/internal/connector"
	"github.com/adpilot/control-plane/internal/saga"
	"github.com/adpilot/control-plane/pkg/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

type Planner struct {
	conn    *connector.Connector
	journal *saga.Journal
}

func New(conn *connector.Connector, journal *saga.Journal) *Planner {
	return &Planner{conn: conn, journal: journal}
}

// Execute runs every item of the plan through the connector under one
// shared saga and returns the aggregated result.
func (p *Planner) Execute(ctx context.Context, plan *models.ActionPlan) (*models.ActionPlanResult, error) {
	if len(plan.Items) == 0 {
		return nil, fmt.Errorf("planner: plan has no items")
	}
	if plan.ID == "" {
		plan.ID = uuid.NewString()
	}
	if plan.TraceID == "" {
		plan.TraceID = uuid.NewString()
	}

	sg, err := p.journal.Open(ctx, plan.TenantID, connector.DefaultPlatform, plan.ID)
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("plan_id", plan.ID).
		Str("tenant_id", plan.TenantID).
		Str("saga_id", sg.ID).
		Int("items", len(plan.Items)).
		Msg("Executing action plan")

	out := &models.ActionPlanResult{
		PlanID:      plan.ID,
		SagaID:      sg.ID,
		ItemResults: make([]models.OperationResult, 0, len(plan.Items)),
	}

	var blocked, hardFailed bool
	var transientFailures int
	for i, item := range plan.Items {
		res := p.conn.ExecuteInSaga(ctx, &models.OperationRequest{
			TenantID:  plan.TenantID,
			Operation: item.Operation,
			Version:   item.Version,
			Payload:   item.Payload,
			TraceID:   plan.TraceID,
		}, sg)
		out.ItemResults = append(out.ItemResults, *res)

		switch res.Status {
		case models.ResultSuccess, models.ResultDuplicate:

		case models.ResultPendingApproval:
			out.QueuedApprovals = append(out.QueuedApprovals, res.ApprovalID)

		case models.ResultBlocked:
			// A policy block invalidates the rest of the plan; items
			// already applied stand on their own.
			blocked = true
			out.SkippedAfterItem = i + 1

		default:
			if res.ErrorKind == models.ErrTransient {
				transientFailures++
			} else {
				hardFailed = true
			}
		}
		if blocked || hardFailed {
			break
		}
	}

	switch {
	case hardFailed:
		out.Outcome = models.PlanFailed
		if err := p.journal.Compensate(ctx, sg.ID); err != nil {
			log.Error().Err(err).Str("saga_id", sg.ID).Msg("Plan compensation failed")
		}
	case blocked:
		out.Outcome = models.PlanBlocked
		if err := p.journal.Fail(ctx, sg.ID); err != nil {
			log.Error().Err(err).Str("saga_id", sg.ID).Msg("Failed to close blocked plan saga")
		}
	case transientFailures > 0:
		out.Outcome = models.PlanPartial
		if err := p.journal.Fail(ctx, sg.ID); err != nil {
			log.Error().Err(err).Str("saga_id", sg.ID).Msg("Failed to close partial plan saga")
		}
	case len(out.QueuedApprovals) > 0:
		// Gated items resolve later through the approval flow; the saga
		// stays open until they do.
		out.Outcome = models.PlanPartial
	default:
		out.Outcome = models.PlanCompleted
		if err := p.journal.Complete(ctx, sg.ID); err != nil {
			log.Error().Err(err).Str("saga_id", sg.ID).Msg("Failed to complete plan saga")
		}
	}

	log.Info().
		Str("plan_id", plan.ID).
		Str("saga_id", sg.ID).
		Str("outcome", string(out.Outcome)).
		Int("queued_approvals", len(out.QueuedApprovals)).
		Msg("Action plan finished")
	return out, nil
}
