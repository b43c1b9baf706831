// Package workflow executes declarative multi-step workflows. Each step
// delegates to the connector (operation steps) or to an external analysis
// collaborator (agent steps), then follows next_step or a conditional
// branch chosen from the step's output. Run state is persisted after
// every step, so a crash mid-workflow resumes at the first unexecuted
// step instead of restarting or dropping progress. Cancellation is
// honored between steps only; an in-flight call always runs to
// completion first.
package workflow

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/adpilot/control-plane/internal/connector"
	"github.com/adpilot/control-plane/internal/store"
	"github.com/adpilot/control-plane/pkg/models"
	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Agent is the external analysis collaborator invoked by agent steps.
type Agent interface {
	Analyze(ctx context.Context, tenantID string, input map[string]interface{}) (map[string]interface{}, error)
}

// Engine runs workflow definitions. Definitions are validated and frozen
// at construction; changing a workflow means constructing a new engine.
type Engine struct {
	defs   map[string]*models.WorkflowDefinition
	conn   *connector.Connector
	runs   store.WorkflowRunStore
	sagas  store.SagaStore
	agents map[string]Agent

	// pollInterval paces the wait on a step parked for approval.
	pollInterval time.Duration

	mu       sync.Mutex
	programs map[string]*vm.Program
}

func NewEngine(defs []models.WorkflowDefinition, conn *connector.Connector, runs store.WorkflowRunStore, sagas store.SagaStore, agents map[string]Agent) (*Engine, error) {
	e := &Engine{
		defs:         make(map[string]*models.WorkflowDefinition, len(defs)),
		conn:         conn,
		runs:         runs,
		sagas:        sagas,
		agents:       agents,
		pollInterval: 2 * time.Second,
		programs:     make(map[string]*vm.Program),
	}
	for i := range defs {
		def := defs[i]
		if err := validateDefinition(&def, agents); err != nil {
			return nil, err
		}
		e.defs[def.Name] = &def
	}
	return e, nil
}

func validateDefinition(def *models.WorkflowDefinition, agents map[string]Agent) error {
	if def.Entry == "" && len(def.Steps) > 0 {
		def.Entry = def.Steps[0].Name
	}
	if def.Entry == "" || def.Step(def.Entry) == nil {
		return fmt.Errorf("workflow %s: entry step %q not defined", def.Name, def.Entry)
	}
	for _, step := range def.Steps {
		switch step.Type {
		case models.WorkflowStepOperation:
			if !strings.Contains(step.Operation, "@") {
				return fmt.Errorf("workflow %s: step %s operation %q must be name@version", def.Name, step.Name, step.Operation)
			}
		case models.WorkflowStepAgent:
			if _, ok := agents[step.Agent]; !ok {
				return fmt.Errorf("workflow %s: step %s names unknown agent %q", def.Name, step.Name, step.Agent)
			}
		default:
			return fmt.Errorf("workflow %s: step %s has unknown type %q", def.Name, step.Name, step.Type)
		}
		if step.NextStep != "" && def.Step(step.NextStep) == nil {
			return fmt.Errorf("workflow %s: step %s points at undefined step %q", def.Name, step.Name, step.NextStep)
		}
		for _, br := range step.Branches {
			if def.Step(br.NextStep) == nil {
				return fmt.Errorf("workflow %s: step %s branch points at undefined step %q", def.Name, step.Name, br.NextStep)
			}
		}
	}
	return nil
}

// Start creates a run and drives it to a terminal state (or to a parked
// approval wait). Callers wanting async execution run it in a goroutine.
func (e *Engine) Start(ctx context.Context, workflowName, tenantID string, input map[string]interface{}) (*models.WorkflowRun, error) {
	def, ok := e.defs[workflowName]
	if !ok {
		return nil, fmt.Errorf("workflow: unknown workflow %q", workflowName)
	}

	run := &models.WorkflowRun{
		ID:          uuid.NewString(),
		Workflow:    workflowName,
		TenantID:    tenantID,
		Status:      models.RunPending,
		CurrentStep: def.Entry,
		StepOutputs: make(map[string]map[string]interface{}),
		Input:       input,
		TraceID:     uuid.NewString(),
		StartedAt:   time.Now().UTC(),
	}
	if err := e.runs.CreateWorkflowRun(ctx, run); err != nil {
		return nil, err
	}
	return e.drive(ctx, run.ID)
}

// Resume drives every non-terminal run to completion, picking up at the
// first unexecuted step. Called once at startup after a crash.
func (e *Engine) Resume(ctx context.Context) error {
	runs, err := e.runs.ListResumableRuns(ctx)
	if err != nil {
		return err
	}
	for _, run := range runs {
		log.Info().
			Str("run_id", run.ID).
			Str("workflow", run.Workflow).
			Str("current_step", run.CurrentStep).
			Msg("Resuming workflow run")
		if _, err := e.drive(ctx, run.ID); err != nil {
			log.Error().Err(err).Str("run_id", run.ID).Msg("Workflow resume failed")
		}
	}
	return nil
}

// Cancel requests cancellation. The run stops before its next step; a
// step already executing finishes first.
func (e *Engine) Cancel(ctx context.Context, runID string) error {
	run, err := e.runs.GetWorkflowRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		return fmt.Errorf("workflow: run %s already %s", runID, run.Status)
	}
	run.Status = models.RunCanceled
	now := time.Now().UTC()
	run.CompletedAt = &now
	return e.runs.UpdateWorkflowRun(ctx, run)
}

// Get returns a run by id.
func (e *Engine) Get(ctx context.Context, runID string) (*models.WorkflowRun, error) {
	return e.runs.GetWorkflowRun(ctx, runID)
}

// List returns runs for a tenant.
func (e *Engine) List(ctx context.Context, tenantID string, limit int) ([]models.WorkflowRun, error) {
	return e.runs.ListWorkflowRuns(ctx, tenantID, limit)
}

// Definitions returns the loaded workflow definitions.
func (e *Engine) Definitions() []models.WorkflowDefinition {
	out := make([]models.WorkflowDefinition, 0, len(e.defs))
	for _, def := range e.defs {
		out = append(out, *def)
	}
	return out
}

func (e *Engine) drive(ctx context.Context, runID string) (*models.WorkflowRun, error) {
	for {
		run, err := e.runs.GetWorkflowRun(ctx, runID)
		if err != nil {
			return nil, err
		}
		if run.Status.Terminal() {
			return run, nil
		}
		// A run restored from a snapshot may have no outputs recorded yet.
		if run.StepOutputs == nil {
			run.StepOutputs = make(map[string]map[string]interface{})
		}

		// Cancellation is honored here, between steps.
		if err := ctx.Err(); err != nil {
			return run, err
		}

		def := e.defs[run.Workflow]
		if def == nil {
			return e.fail(ctx, run, fmt.Sprintf("workflow %q no longer defined", run.Workflow))
		}
		if run.CurrentStep == "" {
			return e.complete(ctx, run)
		}
		step := def.Step(run.CurrentStep)
		if step == nil {
			return e.fail(ctx, run, fmt.Sprintf("step %q not defined", run.CurrentStep))
		}

		if run.Status == models.RunPending {
			run.Status = models.RunRunning
			if err := e.runs.UpdateWorkflowRun(ctx, run); err != nil {
				return nil, err
			}
		}

		// A crash may have persisted the step output but not the
		// pointer advance; never re-execute a completed step.
		if run.StepDone(step.Name) {
			next, err := e.nextStep(run, step, run.StepOutputs[step.Name])
			if err != nil {
				return e.fail(ctx, run, err.Error())
			}
			run.CurrentStep = next
			if err := e.runs.UpdateWorkflowRun(ctx, run); err != nil {
				return nil, err
			}
			continue
		}

		// A crash while parked on an approval must resume the wait, not
		// re-execute the step: re-execution would open a second saga and
		// a second approval while the first is still pending.
		var output map[string]interface{}
		var stepErr error
		if run.PendingSagaStepID != "" {
			output, stepErr = e.awaitApproval(ctx, run, step, run.PendingSagaStepID)
		} else {
			output, stepErr = e.executeStep(ctx, run, step)
		}
		if stepErr != nil {
			return e.fail(ctx, run, stepErr.Error())
		}

		run.StepOutputs[step.Name] = output
		run.CompletedSteps = append(run.CompletedSteps, step.Name)
		next, err := e.nextStep(run, step, output)
		if err != nil {
			return e.fail(ctx, run, err.Error())
		}
		run.CurrentStep = next
		if err := e.runs.UpdateWorkflowRun(ctx, run); err != nil {
			return nil, err
		}
	}
}

// executeStep runs one step. The effective payload is the run input,
// overlaid with every prior step's output in completion order, overlaid
// with the step's own declared input.
func (e *Engine) executeStep(ctx context.Context, run *models.WorkflowRun, step *models.WorkflowStep) (map[string]interface{}, error) {
	payload := make(map[string]interface{}, len(run.Input))
	for k, v := range run.Input {
		payload[k] = v
	}
	for _, name := range run.CompletedSteps {
		for k, v := range run.StepOutputs[name] {
			payload[k] = v
		}
	}
	for k, v := range step.Input {
		payload[k] = v
	}

	switch step.Type {
	case models.WorkflowStepAgent:
		return e.agents[step.Agent].Analyze(ctx, run.TenantID, payload)

	case models.WorkflowStepOperation:
		name, version, _ := strings.Cut(step.Operation, "@")
		res := e.conn.Execute(ctx, &models.OperationRequest{
			TenantID:  run.TenantID,
			Operation: name,
			Version:   version,
			Payload:   payload,
			TraceID:   run.TraceID,
		})

		switch res.Status {
		case models.ResultSuccess, models.ResultDuplicate:
			return res.Result, nil
		case models.ResultPendingApproval:
			// Persist the parked step id before waiting so a restart
			// re-enters this wait.
			run.PendingSagaStepID = res.SagaStepID
			if err := e.runs.UpdateWorkflowRun(ctx, run); err != nil {
				return nil, err
			}
			return e.awaitApproval(ctx, run, step, res.SagaStepID)
		default:
			return nil, fmt.Errorf("step %s: %s at %s: %s %s", step.Name, res.Status, res.Stage, res.Error, strings.Join(res.Reasons, "; "))
		}
	}
	return nil, fmt.Errorf("step %s: unknown type %q", step.Name, step.Type)
}

// awaitApproval parks the run on a gated saga step, polling until the
// approval resolves it one way or the other. The run persists the parked
// step id, so a crash while waiting re-enters this wait on resume. The
// pending marker is cleared in-memory on resolution; the caller's next
// run update persists the clear.
func (e *Engine) awaitApproval(ctx context.Context, run *models.WorkflowRun, step *models.WorkflowStep, sagaStepID string) (map[string]interface{}, error) {
	log.Info().
		Str("run_id", run.ID).
		Str("step", step.Name).
		Str("saga_step_id", sagaStepID).
		Msg("Workflow step awaiting approval")

	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}

		sagaStep, err := e.sagas.GetSagaStep(ctx, sagaStepID)
		if err != nil {
			return nil, err
		}
		switch sagaStep.Status {
		case models.StepSuccess:
			run.PendingSagaStepID = ""
			return sagaStep.Result, nil
		case models.StepFailed, models.StepCompensated:
			run.PendingSagaStepID = ""
			return nil, fmt.Errorf("step %s: %s", step.Name, sagaStep.Error)
		}
	}
}

// nextStep picks the following step: the first branch whose condition
// holds over the merged run state and step output, else next_step, else
// done.
func (e *Engine) nextStep(run *models.WorkflowRun, step *models.WorkflowStep, output map[string]interface{}) (string, error) {
	if len(step.Branches) > 0 {
		env := make(map[string]interface{}, len(run.Input)+len(output))
		for k, v := range run.Input {
			env[k] = v
		}
		for _, name := range run.CompletedSteps {
			for k, v := range run.StepOutputs[name] {
				env[k] = v
			}
		}
		for k, v := range output {
			env[k] = v
		}

		for _, br := range step.Branches {
			ok, err := e.runCondition(br.Condition, env)
			if err != nil {
				return "", fmt.Errorf("step %s: branch condition %q: %w", step.Name, br.Condition, err)
			}
			if ok {
				return br.NextStep, nil
			}
		}
	}
	return step.NextStep, nil
}

func (e *Engine) runCondition(src string, env map[string]interface{}) (bool, error) {
	e.mu.Lock()
	program, ok := e.programs[src]
	e.mu.Unlock()
	if !ok {
		var err error
		program, err = expr.Compile(src, expr.AllowUndefinedVariables())
		if err != nil {
			return false, err
		}
		e.mu.Lock()
		e.programs[src] = program
		e.mu.Unlock()
	}
	out, err := expr.Run(program, env)
	if err != nil {
		return false, err
	}
	b, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("condition returned %T, want bool", out)
	}
	return b, nil
}

func (e *Engine) fail(ctx context.Context, run *models.WorkflowRun, msg string) (*models.WorkflowRun, error) {
	run.Status = models.RunFailed
	run.Error = msg
	now := time.Now().UTC()
	run.CompletedAt = &now
	if err := e.runs.UpdateWorkflowRun(ctx, run); err != nil {
		return nil, err
	}
	log.Warn().Str("run_id", run.ID).Str("workflow", run.Workflow).Str("error", msg).Msg("Workflow run failed")
	return run, nil
}

func (e *Engine) complete(ctx context.Context, run *models.WorkflowRun) (*models.WorkflowRun, error) {
	run.Status = models.RunCompleted
	now := time.Now().UTC()
	run.CompletedAt = &now
	if err := e.runs.UpdateWorkflowRun(ctx, run); err != nil {
		return nil, err
	}
	log.Info().Str("run_id", run.ID).Str("workflow", run.Workflow).Msg("Workflow run completed")
	return run, nil
}
