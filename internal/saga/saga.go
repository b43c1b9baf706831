// Package saga journals multi-operation units of work and drives
// compensation on partial failure. Every step records its payload,
// result, attempt events, and terminal state; when a step fails, the
// journal walks previously succeeded steps of the same saga in reverse
// order and invokes each one's compensating operation. Compensation runs
// through the same executor as forward calls, circuit breaker included.
package saga

import (
	"context"
	"fmt"
	"time"

	"github.com/adpilot/control-plane/internal/executor"
	"github.com/adpilot/control-plane/internal/registry"
	"github.com/adpilot/control-plane/internal/store"
	"github.com/adpilot/control-plane/pkg/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Journal owns saga and step lifecycle. Step statuses only move forward;
// an attempt to reopen a terminal step is a programming error surfaced as
// an error return, never a silent overwrite.
type Journal struct {
	store store.SagaStore
	reg   *registry.Registry
	exec  *executor.Executor
}

func NewJournal(sagaStore store.SagaStore, reg *registry.Registry, exec *executor.Executor) *Journal {
	return &Journal{store: sagaStore, reg: reg, exec: exec}
}

// Open creates a saga in running state.
func (j *Journal) Open(ctx context.Context, tenantID, platform, planRef string) (*models.Saga, error) {
	saga := &models.Saga{
		ID:        uuid.NewString(),
		TenantID:  tenantID,
		Platform:  platform,
		PlanRef:   planRef,
		Status:    models.SagaRunning,
		CreatedAt: time.Now().UTC(),
	}
	if err := j.store.CreateSaga(ctx, saga); err != nil {
		return nil, fmt.Errorf("saga: create: %w", err)
	}
	return saga, nil
}

// OpenStep journals a step in pending state. Steps waiting on approval
// stay here with GateID set until the approval resolves.
func (j *Journal) OpenStep(ctx context.Context, sagaID, operationRef string, payload map[string]interface{}) (*models.SagaStep, error) {
	step := &models.SagaStep{
		ID:        uuid.NewString(),
		SagaID:    sagaID,
		Operation: operationRef,
		Status:    models.StepPending,
		Payload:   payload,
		StartedAt: time.Now().UTC(),
	}
	if err := j.store.CreateSagaStep(ctx, step); err != nil {
		return nil, fmt.Errorf("saga: create step: %w", err)
	}
	return step, nil
}

// StartStep moves a pending step to running.
func (j *Journal) StartStep(ctx context.Context, stepID string) (*models.SagaStep, error) {
	return j.transition(ctx, stepID, models.StepRunning, func(step *models.SagaStep) {})
}

// CompleteStep records a successful result. compensationPayload is what a
// later rollback would send; empty means the step's own payload is reused.
func (j *Journal) CompleteStep(ctx context.Context, stepID string, result map[string]interface{}, events []models.StepEvent, compensationPayload map[string]interface{}) error {
	_, err := j.transition(ctx, stepID, models.StepSuccess, func(step *models.SagaStep) {
		step.Result = result
		step.Events = append(step.Events, events...)
		step.CompensationPayload = compensationPayload
		now := time.Now().UTC()
		step.CompletedAt = &now
		step.DurationMs = now.Sub(step.StartedAt).Milliseconds()
	})
	return err
}

// FailStep records a terminal failure.
func (j *Journal) FailStep(ctx context.Context, stepID, errMsg string, events []models.StepEvent) error {
	_, err := j.transition(ctx, stepID, models.StepFailed, func(step *models.SagaStep) {
		step.Error = errMsg
		step.Events = append(step.Events, events...)
		now := time.Now().UTC()
		step.CompletedAt = &now
		step.DurationMs = now.Sub(step.StartedAt).Milliseconds()
	})
	return err
}

// SetGate parks a pending step behind an approval.
func (j *Journal) SetGate(ctx context.Context, stepID, approvalID string) error {
	step, err := j.store.GetSagaStep(ctx, stepID)
	if err != nil {
		return err
	}
	if step.Status != models.StepPending {
		return fmt.Errorf("saga: step %s is %s, cannot gate", stepID, step.Status)
	}
	step.GateID = approvalID
	return j.store.UpdateSagaStep(ctx, step)
}

func (j *Journal) transition(ctx context.Context, stepID string, next models.StepStatus, mutate func(*models.SagaStep)) (*models.SagaStep, error) {
	step, err := j.store.GetSagaStep(ctx, stepID)
	if err != nil {
		return nil, err
	}
	if !step.Status.CanTransition(next) {
		return nil, fmt.Errorf("saga: step %s cannot move %s -> %s", stepID, step.Status, next)
	}
	step.Status = next
	mutate(step)
	if err := j.store.UpdateSagaStep(ctx, step); err != nil {
		return nil, err
	}
	return step, nil
}

// Complete marks a saga completed.
func (j *Journal) Complete(ctx context.Context, sagaID string) error {
	return j.finish(ctx, sagaID, models.SagaCompleted)
}

// Fail marks a saga failed without compensation. Used when no prior step
// succeeded, so there is nothing to roll back.
func (j *Journal) Fail(ctx context.Context, sagaID string) error {
	return j.finish(ctx, sagaID, models.SagaFailed)
}

func (j *Journal) finish(ctx context.Context, sagaID string, status models.SagaStatus) error {
	saga, err := j.store.GetSaga(ctx, sagaID)
	if err != nil {
		return err
	}
	saga.Status = status
	now := time.Now().UTC()
	saga.CompletedAt = &now
	return j.store.UpdateSaga(ctx, saga)
}

// Compensate rolls back a saga after a step failure: previously succeeded
// steps are walked newest-first and each one's compensating operation is
// invoked through the executor. A succeeded step whose operation defines
// no compensation is logged and skipped, not silently ignored. The saga
// always ends failed; compensation repairs state, it does not rescue the
// outcome.
func (j *Journal) Compensate(ctx context.Context, sagaID string) error {
	saga, err := j.store.GetSaga(ctx, sagaID)
	if err != nil {
		return err
	}
	saga.Status = models.SagaCompensating
	if err := j.store.UpdateSaga(ctx, saga); err != nil {
		return err
	}

	steps, err := j.store.ListSagaSteps(ctx, sagaID)
	if err != nil {
		return err
	}

	for i := len(steps) - 1; i >= 0; i-- {
		step := steps[i]
		if step.Status != models.StepSuccess {
			continue
		}

		def, err := j.reg.ResolveRef(step.Operation)
		if err != nil {
			log.Error().Err(err).Str("step_id", step.ID).Msg("Compensation skipped: operation no longer resolvable")
			continue
		}
		if def.Compensation == "" {
			log.Warn().
				Str("saga_id", sagaID).
				Str("step_id", step.ID).
				Str("operation", step.Operation).
				Msg("No compensating action defined, step left as-is")
			continue
		}

		compDef, err := j.reg.ResolveRef(def.Compensation)
		if err != nil {
			return fmt.Errorf("saga: resolve compensation %s: %w", def.Compensation, err)
		}
		payload := step.CompensationPayload
		if payload == nil {
			payload = step.Payload
		}

		started := time.Now()
		_, events, execErr := j.exec.Execute(ctx, saga.TenantID, saga.Platform, compDef, payload)
		ev := models.StepEvent{
			Timestamp: started.UTC(),
			Kind:      models.EventCompensation,
			LatencyMs: time.Since(started).Milliseconds(),
			Status:    "success",
		}
		if execErr != nil {
			ev.Status = "failed"
			ev.Error = execErr.Error()
		}

		fresh, err := j.store.GetSagaStep(ctx, step.ID)
		if err != nil {
			return err
		}
		fresh.Events = append(fresh.Events, events...)
		fresh.Events = append(fresh.Events, ev)
		if execErr == nil {
			fresh.Status = models.StepCompensated
		}
		if err := j.store.UpdateSagaStep(ctx, fresh); err != nil {
			return err
		}

		if execErr != nil {
			// A failed compensation leaves the saga in failed state with
			// the step still success; the operator resolves it manually.
			log.Error().
				Err(execErr).
				Str("saga_id", sagaID).
				Str("step_id", step.ID).
				Str("compensation", def.Compensation).
				Msg("Compensation failed")
		}
	}

	return j.finish(ctx, sagaID, models.SagaFailed)
}

// Get returns a saga with its steps.
func (j *Journal) Get(ctx context.Context, sagaID string) (*models.Saga, []models.SagaStep, error) {
	saga, err := j.store.GetSaga(ctx, sagaID)
	if err != nil {
		return nil, nil, err
	}
	steps, err := j.store.ListSagaSteps(ctx, sagaID)
	if err != nil {
		return nil, nil, err
	}
	return saga, steps, nil
}
