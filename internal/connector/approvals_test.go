package connector

import (
	"context"
	"testing"
	"time"

	"github.com/adpilot/control-plane/pkg/models"
)

func gatedFixture(t *testing.T) *fixture {
	t.Helper()
	f := newFixture(t)
	f.setPolicy(t, &models.PolicySet{
		ApprovalGates: []models.ApprovalGate{
			{Rule: "large_budget", Requires: `operation == "update_budget" && new_daily_budget > 400`},
		},
	})
	return f
}

func TestGatedRequestParksStep(t *testing.T) {
	f := gatedFixture(t)
	ctx := context.Background()

	res := f.conn.Execute(ctx, budgetRequest(450))
	if res.Status != models.ResultPendingApproval {
		t.Fatalf("Status = %q, want pending_approval", res.Status)
	}
	if res.ApprovalID == "" {
		t.Fatal("ApprovalID is empty")
	}
	if n := f.fake.CallCount("update_budget@v1"); n != 0 {
		t.Errorf("platform calls = %d, want 0 while parked", n)
	}

	step, err := f.store.GetSagaStep(ctx, res.SagaStepID)
	if err != nil {
		t.Fatalf("GetSagaStep() error = %v", err)
	}
	if step.Status != models.StepPending || step.GateID != res.ApprovalID {
		t.Errorf("step = %+v, want pending with gate set", step)
	}

	approval, err := f.store.GetApproval(ctx, res.ApprovalID)
	if err != nil {
		t.Fatalf("GetApproval() error = %v", err)
	}
	if approval.Status != models.ApprovalPending || approval.ExpiresAt == nil {
		t.Errorf("approval = %+v, want pending with expiry", approval)
	}
	if len(approval.Rules) != 1 || approval.Rules[0] != "large_budget" {
		t.Errorf("approval rules = %v, want [large_budget]", approval.Rules)
	}
}

func TestApprovedRequestResumesAndExecutes(t *testing.T) {
	f := gatedFixture(t)
	ctx := context.Background()

	f.fake.Respond("update_budget@v1", func(map[string]interface{}) (map[string]interface{}, error) {
		return map[string]interface{}{"confirmation_id": "conf-7"}, nil
	})

	parked := f.conn.Execute(ctx, budgetRequest(450))
	if parked.Status != models.ResultPendingApproval {
		t.Fatalf("Status = %q, want pending_approval", parked.Status)
	}

	res, err := f.conn.ResolveApproval(ctx, parked.ApprovalID, true, "ops@example.com", "fine")
	if err != nil {
		t.Fatalf("ResolveApproval() error = %v", err)
	}
	if res.Status != models.ResultSuccess {
		t.Fatalf("resumed Status = %q (err %s), want success", res.Status, res.Error)
	}
	if res.Result["confirmation_id"] != "conf-7" {
		t.Errorf("resumed Result = %v, want confirmation", res.Result)
	}

	sg, err := f.store.GetSaga(ctx, parked.SagaID)
	if err != nil {
		t.Fatalf("GetSaga() error = %v", err)
	}
	if sg.Status != models.SagaCompleted {
		t.Errorf("saga status = %q, want completed after approval", sg.Status)
	}

	// Resolving twice is rejected.
	if _, err := f.conn.ResolveApproval(ctx, parked.ApprovalID, true, "ops@example.com", ""); err == nil {
		t.Error("second ResolveApproval() succeeded, want already-resolved error")
	}
}

func TestRejectedRequestFailsStep(t *testing.T) {
	f := gatedFixture(t)
	ctx := context.Background()

	parked := f.conn.Execute(ctx, budgetRequest(450))
	res, err := f.conn.ResolveApproval(ctx, parked.ApprovalID, false, "ops@example.com", "too risky")
	if err != nil {
		t.Fatalf("ResolveApproval() error = %v", err)
	}
	if res.Status != models.ResultFailed {
		t.Fatalf("Status = %q, want failed", res.Status)
	}

	step, err := f.store.GetSagaStep(ctx, parked.SagaStepID)
	if err != nil {
		t.Fatalf("GetSagaStep() error = %v", err)
	}
	if step.Status != models.StepFailed {
		t.Errorf("step status = %q, want failed", step.Status)
	}
	sg, err := f.store.GetSaga(ctx, parked.SagaID)
	if err != nil {
		t.Fatalf("GetSaga() error = %v", err)
	}
	if sg.Status != models.SagaFailed {
		t.Errorf("saga status = %q, want failed", sg.Status)
	}
	if n := f.fake.CallCount("update_budget@v1"); n != 0 {
		t.Errorf("platform calls = %d, want 0 for rejected request", n)
	}
}

func TestExpiredApprovalsFailTerminally(t *testing.T) {
	f := gatedFixture(t)
	ctx := context.Background()

	parked := f.conn.Execute(ctx, budgetRequest(450))
	if parked.Status != models.ResultPendingApproval {
		t.Fatalf("Status = %q, want pending_approval", parked.Status)
	}

	// Push the deadline into the past.
	approval, err := f.store.GetApproval(ctx, parked.ApprovalID)
	if err != nil {
		t.Fatalf("GetApproval() error = %v", err)
	}
	past := time.Now().UTC().Add(-time.Hour)
	approval.ExpiresAt = &past
	if err := f.store.UpdateApproval(ctx, approval); err != nil {
		t.Fatalf("UpdateApproval() error = %v", err)
	}

	n, err := f.conn.ExpireApprovals(ctx, time.Now().UTC())
	if err != nil {
		t.Fatalf("ExpireApprovals() error = %v", err)
	}
	if n != 1 {
		t.Fatalf("expired %d approvals, want 1", n)
	}

	approval, err = f.store.GetApproval(ctx, parked.ApprovalID)
	if err != nil {
		t.Fatalf("GetApproval() error = %v", err)
	}
	if approval.Status != models.ApprovalExpired {
		t.Errorf("approval status = %q, want expired", approval.Status)
	}
	step, err := f.store.GetSagaStep(ctx, parked.SagaStepID)
	if err != nil {
		t.Fatalf("GetSagaStep() error = %v", err)
	}
	if step.Status != models.StepFailed || step.Error != "approval_expired" {
		t.Errorf("step = %q/%q, want failed/approval_expired", step.Status, step.Error)
	}

	// An expired approval can no longer be approved.
	if _, err := f.conn.ResolveApproval(ctx, parked.ApprovalID, true, "ops@example.com", ""); err == nil {
		t.Error("ResolveApproval() on expired approval succeeded, want error")
	}
}
