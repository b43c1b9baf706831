// Package store provides the storage interface and implementations for the
// execution pipeline. Saga records, idempotency records, workflow runs, and
// circuit-breaker state must survive process restart, so every
// implementation is durable: the in-memory store snapshots to disk and the
// PostgreSQL store is the production backend.
package store

import (
	"context"
	"time"

	"github.com/adpilot/control-plane/pkg/models"
)

// Store is the primary storage interface for the pipeline. All components
// depend on this interface, making it easy to swap between the snapshotting
// in-memory implementation (tests, local dev) and PostgreSQL (production).
type Store interface {
	TenantStore
	CredentialStore
	PolicyStore
	SagaStore
	IdempotencyStore
	BreakerStore
	ApprovalStore
	WorkflowRunStore
	AuditStore

	// Ping checks if the backing store is reachable.
	Ping(ctx context.Context) error

	// Close releases all resources held by the store.
	Close() error
}

// ── Tenant Store ────────────────────────────────────────────

type TenantStore interface {
	ListTenants(ctx context.Context) ([]models.Tenant, error)
	GetTenant(ctx context.Context, id string) (*models.Tenant, error)
	CreateTenant(ctx context.Context, tenant *models.Tenant) error
	UpdateTenant(ctx context.Context, tenant *models.Tenant) error
}

// ── Credential Store ────────────────────────────────────────

// CredentialStore persists encrypted credential material only. Plaintext
// never passes through this interface; encryption and decryption happen in
// the vault package.
type CredentialStore interface {
	GetCredential(ctx context.Context, tenantID, platform string) (*models.EncryptedCredential, error)
	PutCredential(ctx context.Context, cred *models.EncryptedCredential) error
	RevokeCredential(ctx context.Context, tenantID, platform string) error
}

// ── Policy Store ────────────────────────────────────────────

type PolicyStore interface {
	GetPolicySet(ctx context.Context, tenantID string) (*models.PolicySet, error)
	PutPolicySet(ctx context.Context, set *models.PolicySet) error
}

// ── Saga Store ──────────────────────────────────────────────

type SagaStore interface {
	CreateSaga(ctx context.Context, saga *models.Saga) error
	GetSaga(ctx context.Context, id string) (*models.Saga, error)
	UpdateSaga(ctx context.Context, saga *models.Saga) error
	ListSagas(ctx context.Context, tenantID string, limit int) ([]models.Saga, error)

	CreateSagaStep(ctx context.Context, step *models.SagaStep) error
	GetSagaStep(ctx context.Context, id string) (*models.SagaStep, error)
	UpdateSagaStep(ctx context.Context, step *models.SagaStep) error
	ListSagaSteps(ctx context.Context, sagaID string) ([]models.SagaStep, error)
}

// ── Idempotency Store ───────────────────────────────────────

// IdempotencyStore deduplicates operation requests by derived key.
// Reserve is the gate: it atomically creates an in-flight record for a new
// key, or returns the existing record (in-flight or committed) without
// touching it. Expired records are evicted on the next Reserve for the key.
type IdempotencyStore interface {
	ReserveIdempotencyKey(ctx context.Context, record *models.IdempotencyRecord) (existing *models.IdempotencyRecord, err error)
	CommitIdempotencyKey(ctx context.Context, key string, result map[string]interface{}, expiresAt time.Time) error
	ReleaseIdempotencyKey(ctx context.Context, key string) error
	GetIdempotencyRecord(ctx context.Context, key string) (*models.IdempotencyRecord, error)
	PurgeExpiredIdempotencyKeys(ctx context.Context, now time.Time) (int, error)
}

// ── Breaker Store ───────────────────────────────────────────

type BreakerStore interface {
	GetBreakerState(ctx context.Context, tenantID, platform string) (*models.BreakerState, error)
	PutBreakerState(ctx context.Context, state *models.BreakerState) error
	ListBreakerStates(ctx context.Context) ([]models.BreakerState, error)
}

// ── Approval Store ──────────────────────────────────────────

type ApprovalStore interface {
	CreateApproval(ctx context.Context, approval *models.Approval) error
	GetApproval(ctx context.Context, id string) (*models.Approval, error)
	UpdateApproval(ctx context.Context, approval *models.Approval) error
	ListApprovals(ctx context.Context, tenantID string, status models.ApprovalStatus, limit int) ([]models.Approval, error)
	PurgeResolvedApprovals(ctx context.Context, olderThan time.Time) (int, error)
}

// ── Workflow Run Store ──────────────────────────────────────

type WorkflowRunStore interface {
	CreateWorkflowRun(ctx context.Context, run *models.WorkflowRun) error
	GetWorkflowRun(ctx context.Context, id string) (*models.WorkflowRun, error)
	UpdateWorkflowRun(ctx context.Context, run *models.WorkflowRun) error
	ListWorkflowRuns(ctx context.Context, tenantID string, limit int) ([]models.WorkflowRun, error)

	// ListResumableRuns returns runs left in pending or running state,
	// used to resume execution after a crash.
	ListResumableRuns(ctx context.Context) ([]models.WorkflowRun, error)
}

// ── Audit Store ─────────────────────────────────────────────

type AuditStore interface {
	CreateAuditEvent(ctx context.Context, event *models.AuditEvent) error
	ListAuditEvents(ctx context.Context, filter models.AuditFilter) ([]models.AuditEvent, error)
	CountAuditEvents(ctx context.Context, filter models.AuditFilter) (int64, error)
}

// ── Errors ──────────────────────────────────────────────────

// ErrNotFound is returned when a requested entity does not exist.
type ErrNotFound struct {
	Entity string
	Key    string
}

func (e *ErrNotFound) Error() string {
	return e.Entity + " not found: " + e.Key
}

// IsNotFound reports whether err is an ErrNotFound.
func IsNotFound(err error) bool {
	_, ok := err.(*ErrNotFound)
	return ok
}
