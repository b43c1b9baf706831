package workflow

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"testing"
	"time"

	"github.com/adpilot/control-plane/internal/audit"
	"github.com/adpilot/control-plane/internal/breaker"
	"github.com/adpilot/control-plane/internal/config"
	"github.com/adpilot/control-plane/internal/connector"
	"github.com/adpilot/control-plane/internal/executor"
	"github.com/adpilot/control-plane/internal/idempotency"
	"github.com/adpilot/control-plane/internal/platform"
	"github.com/adpilot/control-plane/internal/policy"
	"github.com/adpilot/control-plane/internal/registry"
	"github.com/adpilot/control-plane/internal/saga"
	"github.com/adpilot/control-plane/internal/store"
	"github.com/adpilot/control-plane/internal/vault"
	"github.com/adpilot/control-plane/pkg/models"
)

type reviewAgent struct {
	verdict map[string]interface{}
}

func (a *reviewAgent) Analyze(_ context.Context, _ string, _ map[string]interface{}) (map[string]interface{}, error) {
	return a.verdict, nil
}

type fixture struct {
	store *store.MemoryStore
	fake  *platform.Fake
	conn  *connector.Connector
	agent *reviewAgent
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	t.Setenv("ADPILOT_DATA_DIR", t.TempDir())
	s := store.NewMemoryStore()
	t.Cleanup(func() { s.Close() })
	ctx := context.Background()

	now := time.Now().UTC()
	if err := s.CreateTenant(ctx, &models.Tenant{
		ID: "T1", Name: "Tenant One", Status: models.TenantActive, CreatedAt: now, UpdatedAt: now,
	}); err != nil {
		t.Fatalf("CreateTenant() error = %v", err)
	}

	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("rand.Read() error = %v", err)
	}
	emitter := audit.NewEmitter(s)
	v, err := vault.New(s, base64.StdEncoding.EncodeToString(key), emitter)
	if err != nil {
		t.Fatalf("vault.New() error = %v", err)
	}
	if err := v.Put(ctx, models.Credential{TenantID: "T1", Platform: "adwords", RefreshToken: "tok"}); err != nil {
		t.Fatalf("vault.Put() error = %v", err)
	}

	reg, err := registry.New(registry.DefaultCatalog())
	if err != nil {
		t.Fatalf("registry.New() error = %v", err)
	}
	cfg := config.ExecutorConfig{
		MaxAttempts: 2, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, CallTimeout: time.Second,
	}
	b := breaker.New(s, 5, time.Minute)
	fake := platform.NewFake()
	exec := executor.New(v, b, fake, cfg)
	conn := connector.New(
		s, reg, policy.NewEngine(s), idempotency.NewGuard(s, time.Hour),
		saga.NewJournal(s, reg, exec), exec, emitter, time.Hour,
	)
	return &fixture{store: s, fake: fake, conn: conn, agent: &reviewAgent{}}
}

func launchWorkflow() models.WorkflowDefinition {
	return models.WorkflowDefinition{
		Name:    "campaign_launch",
		Version: "v1",
		Entry:   "create",
		Steps: []models.WorkflowStep{
			{
				Name:      "create",
				Type:      models.WorkflowStepOperation,
				Operation: "create_campaign@v1",
				NextStep:  "keywords",
			},
			{
				Name:      "keywords",
				Type:      models.WorkflowStepOperation,
				Operation: "add_keywords@v1",
				NextStep:  "budget",
			},
			{
				Name:      "budget",
				Type:      models.WorkflowStepOperation,
				Operation: "update_budget@v1",
				NextStep:  "activate",
			},
			{
				Name:      "activate",
				Type:      models.WorkflowStepOperation,
				Operation: "resume_campaign@v1",
			},
		},
	}
}

func launchInput() map[string]interface{} {
	return map[string]interface{}{
		"name":             "Summer Sale",
		"daily_budget":     100.0,
		"campaign":         "C1",
		"campaign_id":      "C1",
		"keywords":         []interface{}{"shoes"},
		"new_daily_budget": 100.0,
	}
}

func newEngine(t *testing.T, f *fixture, defs ...models.WorkflowDefinition) *Engine {
	t.Helper()
	e, err := NewEngine(defs, f.conn, f.store, f.store, map[string]Agent{"reviewer": f.agent})
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}
	e.pollInterval = 5 * time.Millisecond
	return e
}

func TestLinearWorkflowCompletes(t *testing.T) {
	f := newFixture(t)
	e := newEngine(t, f, launchWorkflow())

	run, err := e.Start(context.Background(), "campaign_launch", "T1", launchInput())
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if run.Status != models.RunCompleted {
		t.Fatalf("run status = %q (error %s), want completed", run.Status, run.Error)
	}
	if len(run.CompletedSteps) != 4 {
		t.Errorf("completed steps = %v, want 4", run.CompletedSteps)
	}
	for _, op := range []string{"create_campaign@v1", "add_keywords@v1", "update_budget@v1", "resume_campaign@v1"} {
		if n := f.fake.CallCount(op); n != 1 {
			t.Errorf("%s calls = %d, want 1", op, n)
		}
	}
}

func TestStepOutputFlowsDownstream(t *testing.T) {
	f := newFixture(t)
	e := newEngine(t, f, launchWorkflow())

	f.fake.Respond("create_campaign@v1", func(map[string]interface{}) (map[string]interface{}, error) {
		return map[string]interface{}{"campaign_id": "C-created"}, nil
	})

	input := launchInput()
	delete(input, "campaign_id")
	run, err := e.Start(context.Background(), "campaign_launch", "T1", input)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if run.Status != models.RunCompleted {
		t.Fatalf("run status = %q (error %s), want completed", run.Status, run.Error)
	}

	// add_keywords received the campaign id produced by create_campaign.
	for _, call := range f.fake.Calls() {
		if call.Operation == "add_keywords@v1" && call.Payload["campaign_id"] != "C-created" {
			t.Errorf("add_keywords payload = %v, want campaign_id from create step", call.Payload)
		}
	}
}

func TestEntryDefaultsToFirstStep(t *testing.T) {
	f := newFixture(t)
	def := launchWorkflow()
	def.Entry = ""
	e := newEngine(t, f, def)

	run, err := e.Start(context.Background(), "campaign_launch", "T1", launchInput())
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if run.Status != models.RunCompleted {
		t.Fatalf("run status = %q (error %s), want completed", run.Status, run.Error)
	}
	if len(run.CompletedSteps) == 0 || run.CompletedSteps[0] != "create" {
		t.Errorf("completed steps = %v, want to begin at the first declared step", run.CompletedSteps)
	}
}

func TestBranchingFollowsCondition(t *testing.T) {
	f := newFixture(t)
	def := models.WorkflowDefinition{
		Name:    "reviewed_launch",
		Version: "v1",
		Entry:   "review",
		Steps: []models.WorkflowStep{
			{
				Name:  "review",
				Type:  models.WorkflowStepAgent,
				Agent: "reviewer",
				Branches: []models.WorkflowBranch{
					{Condition: `verdict == "launch"`, NextStep: "activate"},
					{Condition: `verdict == "pause"`, NextStep: "pause"},
				},
			},
			{Name: "activate", Type: models.WorkflowStepOperation, Operation: "resume_campaign@v1"},
			{Name: "pause", Type: models.WorkflowStepOperation, Operation: "pause_campaign@v1"},
		},
	}
	e := newEngine(t, f, def)
	f.agent.verdict = map[string]interface{}{"verdict": "pause"}

	run, err := e.Start(context.Background(), "reviewed_launch", "T1", map[string]interface{}{"campaign_id": "C1"})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if run.Status != models.RunCompleted {
		t.Fatalf("run status = %q (error %s), want completed", run.Status, run.Error)
	}
	if f.fake.CallCount("pause_campaign@v1") != 1 || f.fake.CallCount("resume_campaign@v1") != 0 {
		t.Errorf("calls = pause:%d resume:%d, want the pause branch only",
			f.fake.CallCount("pause_campaign@v1"), f.fake.CallCount("resume_campaign@v1"))
	}
}

// A run that stopped after completing 2 of 4 steps resumes at step 3 and
// never re-executes steps 1–2.
func TestResumeSkipsCompletedSteps(t *testing.T) {
	f := newFixture(t)
	e := newEngine(t, f, launchWorkflow())
	ctx := context.Background()

	run := &models.WorkflowRun{
		ID:        "run-crashed",
		Workflow:  "campaign_launch",
		TenantID:  "T1",
		Status:    models.RunRunning,
		Input:     launchInput(),
		TraceID:   "trace-1",
		StartedAt: time.Now().UTC(),

		CurrentStep:    "budget",
		CompletedSteps: []string{"create", "keywords"},
		StepOutputs: map[string]map[string]interface{}{
			"create":   {"campaign_id": "C1"},
			"keywords": {"ok": true},
		},
	}
	if err := f.store.CreateWorkflowRun(ctx, run); err != nil {
		t.Fatalf("CreateWorkflowRun() error = %v", err)
	}

	if err := e.Resume(ctx); err != nil {
		t.Fatalf("Resume() error = %v", err)
	}

	got, err := e.Get(ctx, "run-crashed")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Status != models.RunCompleted {
		t.Fatalf("run status = %q (error %s), want completed", got.Status, got.Error)
	}
	if f.fake.CallCount("create_campaign@v1") != 0 || f.fake.CallCount("add_keywords@v1") != 0 {
		t.Error("resume re-executed already-completed steps")
	}
	if f.fake.CallCount("update_budget@v1") != 1 || f.fake.CallCount("resume_campaign@v1") != 1 {
		t.Errorf("resume calls = budget:%d activate:%d, want 1 each",
			f.fake.CallCount("update_budget@v1"), f.fake.CallCount("resume_campaign@v1"))
	}
}

func TestBlockedStepFailsRun(t *testing.T) {
	f := newFixture(t)
	e := newEngine(t, f, launchWorkflow())
	ctx := context.Background()

	set := &models.PolicySet{
		TenantID:     "T1",
		KeywordRules: &models.KeywordRules{Prohibited: []string{"shoes"}},
		UpdatedAt:    time.Now().UTC(),
	}
	if err := f.store.PutPolicySet(ctx, set); err != nil {
		t.Fatalf("PutPolicySet() error = %v", err)
	}

	run, err := e.Start(ctx, "campaign_launch", "T1", launchInput())
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if run.Status != models.RunFailed {
		t.Fatalf("run status = %q, want failed on policy block", run.Status)
	}
	if run.Error == "" {
		t.Error("failed run carries no error")
	}
}

func TestCanceledRunStops(t *testing.T) {
	f := newFixture(t)
	e := newEngine(t, f, launchWorkflow())
	ctx := context.Background()

	run := &models.WorkflowRun{
		ID:          "run-tocancel",
		Workflow:    "campaign_launch",
		TenantID:    "T1",
		Status:      models.RunRunning,
		CurrentStep: "budget",
		Input:       launchInput(),
		StartedAt:   time.Now().UTC(),
	}
	if err := f.store.CreateWorkflowRun(ctx, run); err != nil {
		t.Fatalf("CreateWorkflowRun() error = %v", err)
	}

	if err := e.Cancel(ctx, "run-tocancel"); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	if err := e.Resume(ctx); err != nil {
		t.Fatalf("Resume() error = %v", err)
	}

	got, err := e.Get(ctx, "run-tocancel")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Status != models.RunCanceled {
		t.Errorf("run status = %q, want canceled", got.Status)
	}
	if len(f.fake.Calls()) != 0 {
		t.Errorf("platform calls after cancel = %d, want 0", len(f.fake.Calls()))
	}

	// A terminal run cannot be canceled again.
	if err := e.Cancel(ctx, "run-tocancel"); err == nil {
		t.Error("Cancel() on terminal run succeeded, want error")
	}
}

// A run that crashed while parked on an approval re-enters the wait on
// resume; it must not execute the gated step again, which would open a
// second saga and a second approval.
func TestResumeReentersApprovalWait(t *testing.T) {
	f := newFixture(t)
	def := models.WorkflowDefinition{
		Name:    "budget_bump",
		Version: "v1",
		Entry:   "budget",
		Steps: []models.WorkflowStep{
			{Name: "budget", Type: models.WorkflowStepOperation, Operation: "update_budget@v1", NextStep: "activate"},
			{Name: "activate", Type: models.WorkflowStepOperation, Operation: "resume_campaign@v1"},
		},
	}
	e := newEngine(t, f, def)
	ctx := context.Background()

	set := &models.PolicySet{
		TenantID: "T1",
		ApprovalGates: []models.ApprovalGate{
			{Rule: "big_budget", Requires: `operation == "update_budget" && new_daily_budget > 400`},
		},
		UpdatedAt: time.Now().UTC(),
	}
	if err := f.store.PutPolicySet(ctx, set); err != nil {
		t.Fatalf("PutPolicySet() error = %v", err)
	}

	// Park a gated step directly, then persist the run the way the engine
	// leaves it before a crash: running at the step, parked step recorded.
	input := map[string]interface{}{"campaign": "C1", "campaign_id": "C1", "new_daily_budget": 500.0}
	res := f.conn.Execute(ctx, &models.OperationRequest{
		TenantID: "T1", Operation: "update_budget", Version: "v1", Payload: input, TraceID: "trace-2",
	})
	if res.Status != models.ResultPendingApproval {
		t.Fatalf("Execute() status = %q, want pending_approval", res.Status)
	}

	run := &models.WorkflowRun{
		ID:                "run-parked",
		Workflow:          "budget_bump",
		TenantID:          "T1",
		Status:            models.RunRunning,
		CurrentStep:       "budget",
		PendingSagaStepID: res.SagaStepID,
		Input:             input,
		StepOutputs:       make(map[string]map[string]interface{}),
		TraceID:           "trace-2",
		StartedAt:         time.Now().UTC(),
	}
	if err := f.store.CreateWorkflowRun(ctx, run); err != nil {
		t.Fatalf("CreateWorkflowRun() error = %v", err)
	}

	go func() {
		time.Sleep(20 * time.Millisecond)
		_, _ = f.conn.ResolveApproval(ctx, res.ApprovalID, true, "ops@example.com", "ok")
	}()

	if err := e.Resume(ctx); err != nil {
		t.Fatalf("Resume() error = %v", err)
	}

	got, err := e.Get(ctx, "run-parked")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Status != models.RunCompleted {
		t.Fatalf("run status = %q (error %s), want completed", got.Status, got.Error)
	}
	if got.PendingSagaStepID != "" {
		t.Errorf("PendingSagaStepID = %q, want cleared", got.PendingSagaStepID)
	}
	if n := f.fake.CallCount("update_budget@v1"); n != 1 {
		t.Errorf("update_budget calls = %d, want 1 from the approved resume only", n)
	}
	if n := f.fake.CallCount("resume_campaign@v1"); n != 1 {
		t.Errorf("resume_campaign calls = %d, want 1", n)
	}

	// No second approval was opened for the same step.
	all, err := f.store.ListApprovals(ctx, "T1", "", 0)
	if err != nil {
		t.Fatalf("ListApprovals() error = %v", err)
	}
	if len(all) != 1 {
		t.Errorf("approvals = %d, want the single original", len(all))
	}
}

func TestApprovalGatedStepResumesWorkflow(t *testing.T) {
	f := newFixture(t)
	def := models.WorkflowDefinition{
		Name:    "budget_bump",
		Version: "v1",
		Entry:   "budget",
		Steps: []models.WorkflowStep{
			{Name: "budget", Type: models.WorkflowStepOperation, Operation: "update_budget@v1", NextStep: "activate"},
			{Name: "activate", Type: models.WorkflowStepOperation, Operation: "resume_campaign@v1"},
		},
	}
	e := newEngine(t, f, def)
	ctx := context.Background()

	set := &models.PolicySet{
		TenantID: "T1",
		ApprovalGates: []models.ApprovalGate{
			{Rule: "big_budget", Requires: `operation == "update_budget" && new_daily_budget > 400`},
		},
		UpdatedAt: time.Now().UTC(),
	}
	if err := f.store.PutPolicySet(ctx, set); err != nil {
		t.Fatalf("PutPolicySet() error = %v", err)
	}

	// Approve from the side once the approval record shows up.
	go func() {
		for i := 0; i < 200; i++ {
			time.Sleep(5 * time.Millisecond)
			pending, err := f.store.ListApprovals(ctx, "T1", models.ApprovalPending, 1)
			if err != nil || len(pending) == 0 {
				continue
			}
			_, _ = f.conn.ResolveApproval(ctx, pending[0].ID, true, "ops@example.com", "ok")
			return
		}
	}()

	run, err := e.Start(ctx, "budget_bump", "T1", map[string]interface{}{
		"campaign": "C1", "campaign_id": "C1", "new_daily_budget": 500.0,
	})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if run.Status != models.RunCompleted {
		t.Fatalf("run status = %q (error %s), want completed after approval", run.Status, run.Error)
	}
	if f.fake.CallCount("update_budget@v1") != 1 || f.fake.CallCount("resume_campaign@v1") != 1 {
		t.Errorf("calls = %d/%d, want both steps executed", f.fake.CallCount("update_budget@v1"), f.fake.CallCount("resume_campaign@v1"))
	}
}
