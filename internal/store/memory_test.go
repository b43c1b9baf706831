package store

import (
	"context"
	"testing"
	"time"

	"github.com/adpilot/control-plane/pkg/models"
)

func newTestStore(t *testing.T) *MemoryStore {
	t.Helper()
	t.Setenv("ADPILOT_DATA_DIR", t.TempDir())
	s := NewMemoryStore()
	t.Cleanup(func() { s.Close() })
	return s
}

func TestTenantCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tenant := &models.Tenant{
		ID:        "acme",
		Name:      "Acme Corp",
		Status:    models.TenantActive,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	if err := s.CreateTenant(ctx, tenant); err != nil {
		t.Fatalf("CreateTenant() error = %v", err)
	}

	got, err := s.GetTenant(ctx, "acme")
	if err != nil {
		t.Fatalf("GetTenant() error = %v", err)
	}
	if got.Name != "Acme Corp" {
		t.Errorf("GetTenant().Name = %q, want %q", got.Name, "Acme Corp")
	}

	got.Status = models.TenantSuspended
	if err := s.UpdateTenant(ctx, got); err != nil {
		t.Fatalf("UpdateTenant() error = %v", err)
	}
	got, err = s.GetTenant(ctx, "acme")
	if err != nil {
		t.Fatalf("GetTenant() after update error = %v", err)
	}
	if got.Status != models.TenantSuspended {
		t.Errorf("Status = %q, want %q", got.Status, models.TenantSuspended)
	}

	if _, err := s.GetTenant(ctx, "missing"); !IsNotFound(err) {
		t.Errorf("GetTenant(missing) error = %v, want not found", err)
	}
}

func TestCredentialRevocation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	cred := &models.EncryptedCredential{
		TenantID:   "acme",
		Platform:   "adwords",
		Ciphertext: "b64ciphertext",
		CreatedAt:  time.Now().UTC(),
		UpdatedAt:  time.Now().UTC(),
	}
	if err := s.PutCredential(ctx, cred); err != nil {
		t.Fatalf("PutCredential() error = %v", err)
	}

	got, err := s.GetCredential(ctx, "acme", "adwords")
	if err != nil {
		t.Fatalf("GetCredential() error = %v", err)
	}
	if got.Ciphertext != "b64ciphertext" {
		t.Errorf("Ciphertext = %q, want %q", got.Ciphertext, "b64ciphertext")
	}

	if err := s.RevokeCredential(ctx, "acme", "adwords"); err != nil {
		t.Fatalf("RevokeCredential() error = %v", err)
	}
	if _, err := s.GetCredential(ctx, "acme", "adwords"); !IsNotFound(err) {
		t.Errorf("GetCredential() after revoke error = %v, want not found", err)
	}
}

func TestIdempotencyReserveCommit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	rec := &models.IdempotencyRecord{
		Key:       "acme|update_budget@v1|abc123",
		TenantID:  "acme",
		Status:    models.IdempotencyInFlight,
		CreatedAt: now,
		ExpiresAt: now.Add(24 * time.Hour),
	}

	existing, err := s.ReserveIdempotencyKey(ctx, rec)
	if err != nil {
		t.Fatalf("ReserveIdempotencyKey() error = %v", err)
	}
	if existing != nil {
		t.Fatalf("first reserve returned existing record %+v, want nil", existing)
	}

	// A second reservation while in flight returns the live record.
	existing, err = s.ReserveIdempotencyKey(ctx, rec)
	if err != nil {
		t.Fatalf("second ReserveIdempotencyKey() error = %v", err)
	}
	if existing == nil || existing.Status != models.IdempotencyInFlight {
		t.Fatalf("second reserve = %+v, want in_flight record", existing)
	}

	result := map[string]interface{}{"budget": 500.0}
	if err := s.CommitIdempotencyKey(ctx, rec.Key, result, now.Add(24*time.Hour)); err != nil {
		t.Fatalf("CommitIdempotencyKey() error = %v", err)
	}

	existing, err = s.ReserveIdempotencyKey(ctx, rec)
	if err != nil {
		t.Fatalf("reserve after commit error = %v", err)
	}
	if existing == nil || existing.Status != models.IdempotencyCommitted {
		t.Fatalf("reserve after commit = %+v, want committed record", existing)
	}
	if existing.Result["budget"] != 500.0 {
		t.Errorf("committed result = %v, want budget 500", existing.Result)
	}
}

func TestIdempotencyExpiryAllowsReexecution(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	rec := &models.IdempotencyRecord{
		Key:       "acme|pause_campaign@v1|def456",
		TenantID:  "acme",
		Status:    models.IdempotencyInFlight,
		CreatedAt: now.Add(-48 * time.Hour),
		ExpiresAt: now.Add(-24 * time.Hour),
	}
	if _, err := s.ReserveIdempotencyKey(ctx, rec); err != nil {
		t.Fatalf("ReserveIdempotencyKey() error = %v", err)
	}

	// Expired records are evicted on the next reserve, so the key is free.
	fresh := &models.IdempotencyRecord{
		Key:       rec.Key,
		TenantID:  "acme",
		Status:    models.IdempotencyInFlight,
		CreatedAt: now,
		ExpiresAt: now.Add(24 * time.Hour),
	}
	existing, err := s.ReserveIdempotencyKey(ctx, fresh)
	if err != nil {
		t.Fatalf("reserve of expired key error = %v", err)
	}
	if existing != nil {
		t.Fatalf("reserve of expired key returned %+v, want nil", existing)
	}
}

func TestPurgeExpiredIdempotencyKeys(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for i, exp := range []time.Time{now.Add(-time.Hour), now.Add(time.Hour)} {
		rec := &models.IdempotencyRecord{
			Key:       "key-" + string(rune('a'+i)),
			TenantID:  "acme",
			Status:    models.IdempotencyCommitted,
			CreatedAt: now.Add(-2 * time.Hour),
			ExpiresAt: exp,
		}
		if _, err := s.ReserveIdempotencyKey(ctx, rec); err != nil {
			t.Fatalf("ReserveIdempotencyKey() error = %v", err)
		}
	}

	n, err := s.PurgeExpiredIdempotencyKeys(ctx, now)
	if err != nil {
		t.Fatalf("PurgeExpiredIdempotencyKeys() error = %v", err)
	}
	if n != 1 {
		t.Errorf("purged %d records, want 1", n)
	}
	if _, err := s.GetIdempotencyRecord(ctx, "key-b"); err != nil {
		t.Errorf("surviving record missing: %v", err)
	}
}

func TestSagaStepsOrderedBySaga(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	saga := &models.Saga{ID: "saga-1", TenantID: "acme", Status: models.SagaRunning, CreatedAt: now}
	if err := s.CreateSaga(ctx, saga); err != nil {
		t.Fatalf("CreateSaga() error = %v", err)
	}

	for i, op := range []string{"create_campaign@v1", "add_keywords@v1", "update_budget@v1"} {
		step := &models.SagaStep{
			ID:        "step-" + string(rune('1'+i)),
			SagaID:    "saga-1",
			Operation: op,
			Status:    models.StepPending,
			StartedAt: now.Add(time.Duration(i) * time.Second),
		}
		if err := s.CreateSagaStep(ctx, step); err != nil {
			t.Fatalf("CreateSagaStep(%s) error = %v", op, err)
		}
	}

	steps, err := s.ListSagaSteps(ctx, "saga-1")
	if err != nil {
		t.Fatalf("ListSagaSteps() error = %v", err)
	}
	if len(steps) != 3 {
		t.Fatalf("len(steps) = %d, want 3", len(steps))
	}
	if steps[0].Operation != "create_campaign@v1" || steps[2].Operation != "update_budget@v1" {
		t.Errorf("steps out of order: %s, %s, %s", steps[0].Operation, steps[1].Operation, steps[2].Operation)
	}

	steps[1].Status = models.StepSuccess
	if err := s.UpdateSagaStep(ctx, &steps[1]); err != nil {
		t.Fatalf("UpdateSagaStep() error = %v", err)
	}
	got, err := s.GetSagaStep(ctx, steps[1].ID)
	if err != nil {
		t.Fatalf("GetSagaStep() error = %v", err)
	}
	if got.Status != models.StepSuccess {
		t.Errorf("step status = %q, want %q", got.Status, models.StepSuccess)
	}
}

func TestBreakerStateRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	state := &models.BreakerState{
		TenantID: "acme",
		Platform: "adwords",
		Status:   models.BreakerOpen,
		Failures: 5,
		OpenedAt: time.Now().UTC(),
	}
	if err := s.PutBreakerState(ctx, state); err != nil {
		t.Fatalf("PutBreakerState() error = %v", err)
	}

	got, err := s.GetBreakerState(ctx, "acme", "adwords")
	if err != nil {
		t.Fatalf("GetBreakerState() error = %v", err)
	}
	if got.Status != models.BreakerOpen || got.Failures != 5 {
		t.Errorf("breaker state = %+v, want open with 5 failures", got)
	}

	// Different platform is an independent breaker.
	if _, err := s.GetBreakerState(ctx, "acme", "facebook"); !IsNotFound(err) {
		t.Errorf("GetBreakerState(other platform) error = %v, want not found", err)
	}
}

func TestApprovalListFilters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	mk := func(id, tenant string, status models.ApprovalStatus) {
		a := &models.Approval{
			ID: id, TenantID: tenant, SagaID: "saga-1", StepID: "step-1",
			Operation: "update_budget@v1", Status: status, RequestedAt: now,
		}
		if status != models.ApprovalPending {
			resolved := now
			a.ResolvedAt = &resolved
		}
		if err := s.CreateApproval(ctx, a); err != nil {
			t.Fatalf("CreateApproval(%s) error = %v", id, err)
		}
	}
	mk("ap-1", "acme", models.ApprovalPending)
	mk("ap-2", "acme", models.ApprovalApproved)
	mk("ap-3", "globex", models.ApprovalPending)

	pending, err := s.ListApprovals(ctx, "acme", models.ApprovalPending, 0)
	if err != nil {
		t.Fatalf("ListApprovals() error = %v", err)
	}
	if len(pending) != 1 || pending[0].ID != "ap-1" {
		t.Errorf("ListApprovals(acme, pending) = %+v, want just ap-1", pending)
	}

	all, err := s.ListApprovals(ctx, "", "", 0)
	if err != nil {
		t.Fatalf("ListApprovals(all) error = %v", err)
	}
	if len(all) != 3 {
		t.Errorf("len(all approvals) = %d, want 3", len(all))
	}

	n, err := s.PurgeResolvedApprovals(ctx, now.Add(time.Minute))
	if err != nil {
		t.Fatalf("PurgeResolvedApprovals() error = %v", err)
	}
	if n != 1 {
		t.Errorf("purged %d approvals, want 1", n)
	}
}

func TestWorkflowRunResumable(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	running := &models.WorkflowRun{
		ID: "run-1", Workflow: "campaign_launch", TenantID: "acme",
		Status: models.RunRunning, CurrentStep: "add_keywords", StartedAt: now,
	}
	done := &models.WorkflowRun{
		ID: "run-2", Workflow: "campaign_launch", TenantID: "acme",
		Status: models.RunCompleted, StartedAt: now,
	}
	for _, r := range []*models.WorkflowRun{running, done} {
		if err := s.CreateWorkflowRun(ctx, r); err != nil {
			t.Fatalf("CreateWorkflowRun(%s) error = %v", r.ID, err)
		}
	}

	resumable, err := s.ListResumableRuns(ctx)
	if err != nil {
		t.Fatalf("ListResumableRuns() error = %v", err)
	}
	if len(resumable) != 1 || resumable[0].ID != "run-1" {
		t.Fatalf("ListResumableRuns() = %+v, want just run-1", resumable)
	}
	if resumable[0].CurrentStep != "add_keywords" {
		t.Errorf("CurrentStep = %q, want %q", resumable[0].CurrentStep, "add_keywords")
	}
}

func TestAuditEventFilters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	events := []*models.AuditEvent{
		{ID: "ev-1", Timestamp: now.Add(-2 * time.Minute), TenantID: "acme", Stage: "policy", Status: "blocked"},
		{ID: "ev-2", Timestamp: now.Add(-time.Minute), TenantID: "acme", Stage: "execute", Status: "success"},
		{ID: "ev-3", Timestamp: now, TenantID: "globex", Stage: "execute", Status: "success"},
	}
	for _, e := range events {
		if err := s.CreateAuditEvent(ctx, e); err != nil {
			t.Fatalf("CreateAuditEvent(%s) error = %v", e.ID, err)
		}
	}

	got, err := s.ListAuditEvents(ctx, models.AuditFilter{TenantID: "acme"})
	if err != nil {
		t.Fatalf("ListAuditEvents() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len(acme events) = %d, want 2", len(got))
	}
	// Newest first.
	if got[0].ID != "ev-2" {
		t.Errorf("first event = %s, want ev-2", got[0].ID)
	}

	got, err = s.ListAuditEvents(ctx, models.AuditFilter{Stage: "execute", Status: "success"})
	if err != nil {
		t.Fatalf("ListAuditEvents(stage filter) error = %v", err)
	}
	if len(got) != 2 {
		t.Errorf("len(execute/success events) = %d, want 2", len(got))
	}

	n, err := s.CountAuditEvents(ctx, models.AuditFilter{TenantID: "globex"})
	if err != nil {
		t.Fatalf("CountAuditEvents() error = %v", err)
	}
	if n != 1 {
		t.Errorf("CountAuditEvents(globex) = %d, want 1", n)
	}
}

func TestStoreCopySemantics(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	set := &models.PolicySet{
		TenantID:     "acme",
		KeywordRules: &models.KeywordRules{Prohibited: []string{"forbidden"}},
		UpdatedAt:    time.Now().UTC(),
	}
	if err := s.PutPolicySet(ctx, set); err != nil {
		t.Fatalf("PutPolicySet() error = %v", err)
	}

	got, err := s.GetPolicySet(ctx, "acme")
	if err != nil {
		t.Fatalf("GetPolicySet() error = %v", err)
	}
	got.KeywordRules.Prohibited[0] = "mutated"

	again, err := s.GetPolicySet(ctx, "acme")
	if err != nil {
		t.Fatalf("GetPolicySet() again error = %v", err)
	}
	if again.KeywordRules.Prohibited[0] != "forbidden" {
		t.Errorf("stored policy mutated through returned copy")
	}
}
