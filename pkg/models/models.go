package models

import (
	"fmt"
	"time"
)

// ── Tenant ───────────────────────────────────────────────────

type TenantStatus string

const (
	TenantActive    TenantStatus = "active"
	TenantSuspended TenantStatus = "suspended"
	TenantArchived  TenantStatus = "archived"
)

// Tenant is an isolated customer organization. All pipeline state —
// credentials, sagas, idempotency records, breaker state — is partitioned
// by tenant ID. Tenants are never physically deleted; archiving preserves
// the audit history regulated customers depend on.
type Tenant struct {
	ID        string       `json:"id" db:"id"`
	Name      string       `json:"name" db:"name"`
	Status    TenantStatus `json:"status" db:"status"`
	PolicySet string       `json:"policy_set,omitempty" db:"policy_set"`
	CreatedAt time.Time    `json:"created_at" db:"created_at"`
	UpdatedAt time.Time    `json:"updated_at" db:"updated_at"`
}

// ── Credentials ──────────────────────────────────────────────

// Credential is the decrypted, in-memory form of a tenant's platform
// credential. It exists only inside the executor call boundary and must
// never be persisted or logged.
type Credential struct {
	TenantID     string `json:"tenant_id"`
	Platform     string `json:"platform"`
	AccountID    string `json:"account_id"`
	RefreshToken string `json:"-"`
}

// EncryptedCredential is the at-rest form. Ciphertext is AES-256-GCM over
// the vault's sealed encoding of the credential; the key lives outside the
// data store.
type EncryptedCredential struct {
	TenantID   string    `json:"tenant_id" db:"tenant_id"`
	Platform   string    `json:"platform" db:"platform"`
	Ciphertext string    `json:"ciphertext" db:"ciphertext"`
	Revoked    bool      `json:"revoked" db:"revoked"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time `json:"updated_at" db:"updated_at"`
}

// ── Operation Definitions ────────────────────────────────────

// OperationDefinition describes one allowed mutating operation against the
// external platform, e.g. update_budget@v1. Definitions are immutable once
// published: new behavior requires a new version, never an in-place edit,
// so in-flight idempotency keys keep their semantics.
type OperationDefinition struct {
	Name         string                 `json:"name"`
	Version      string                 `json:"version"`
	Description  string                 `json:"description,omitempty"`
	Mutating     bool                   `json:"mutating"`
	InputSchema  map[string]interface{} `json:"input_schema"`
	OutputSchema map[string]interface{} `json:"output_schema,omitempty"`

	// KeyFields lists the payload fields that contribute to the derived
	// idempotency key, in order. Empty means the whole normalized payload.
	KeyFields []string `json:"key_fields,omitempty"`

	// Compensation is the operation reference ("name@version") invoked to
	// undo a successful execution during saga rollback. Empty means the
	// operation has no compensating action.
	Compensation string `json:"compensation,omitempty"`
}

// Ref returns the canonical "name@version" reference.
func (d *OperationDefinition) Ref() string {
	return d.Name + "@" + d.Version
}

// ── Operation Request / Result ───────────────────────────────

// OperationRequest is one caller-submitted mutating operation.
type OperationRequest struct {
	TenantID string `json:"tenant_id"`

	// Platform selects the tenant credential used for the call. Empty
	// defaults to the primary ad platform.
	Platform  string                 `json:"platform,omitempty"`
	Operation string                 `json:"operation_name"`
	Version   string                 `json:"operation_version"`
	Payload   map[string]interface{} `json:"payload"`

	// IdempotencyKey is optional; when empty it is derived from
	// (tenant, operation@version, content hash of the normalized payload).
	IdempotencyKey string `json:"idempotency_key,omitempty"`
	TraceID        string `json:"trace_id,omitempty"`

	// Compensation marks requests issued by the saga journal's rollback
	// path. They go through the same executor and breaker as forward
	// operations but skip idempotency reservation.
	Compensation bool `json:"-"`
}

// Ref returns the "name@version" reference of the requested operation.
func (r *OperationRequest) Ref() string {
	return r.Operation + "@" + r.Version
}

// ResultStatus is the caller-visible outcome of a pipeline execution.
type ResultStatus string

const (
	ResultSuccess         ResultStatus = "success"
	ResultDuplicate       ResultStatus = "duplicate"
	ResultInFlight        ResultStatus = "in_flight"
	ResultBlocked         ResultStatus = "blocked"
	ResultPendingApproval ResultStatus = "pending_approval"
	ResultFailed          ResultStatus = "failed"
)

// Stage identifies the pipeline stage a result (or failure) came from, so
// callers can distinguish "blocked by policy" from "platform rejected"
// from "infrastructure error".
type Stage string

const (
	StageTenant      Stage = "tenant"
	StageCredentials Stage = "credentials"
	StageValidation  Stage = "validation"
	StagePolicy      Stage = "policy"
	StageIdempotency Stage = "idempotency"
	StageSaga        Stage = "saga"
	StageExecute     Stage = "execute"
	StageCommit      Stage = "commit"
)

// ErrorKind classifies pipeline failures per the error taxonomy.
type ErrorKind string

const (
	ErrValidation      ErrorKind = "validation"
	ErrPolicyBlocked   ErrorKind = "policy_blocked"
	ErrPendingApproval ErrorKind = "policy_pending_approval"
	ErrTransient       ErrorKind = "transient_platform"
	ErrPermanent       ErrorKind = "permanent_platform"
	ErrInfrastructure  ErrorKind = "infrastructure"
)

// OperationResult is the structured result of one pipeline execution.
type OperationResult struct {
	Status     ResultStatus           `json:"status"`
	Stage      Stage                  `json:"stage"`
	Result     map[string]interface{} `json:"result,omitempty"`
	ErrorKind  ErrorKind              `json:"error_kind,omitempty"`
	Error      string                 `json:"error,omitempty"`
	Reasons    []string               `json:"reasons,omitempty"`
	SagaID     string                 `json:"saga_id,omitempty"`
	SagaStepID string                 `json:"saga_step_id,omitempty"`
	ApprovalID string                 `json:"approval_id,omitempty"`
	TraceID    string                 `json:"trace_id,omitempty"`
	DurationMs int64                  `json:"duration_ms"`
}

// ── Idempotency ──────────────────────────────────────────────

type IdempotencyStatus string

const (
	IdempotencyInFlight  IdempotencyStatus = "in_flight"
	IdempotencyCommitted IdempotencyStatus = "committed"
)

// IdempotencyRecord maps a derived key to the prior result of the first
// effective execution. Records expire after a configurable TTL, after
// which the same key may re-execute; expired records are lazily evicted
// on the next read.
type IdempotencyRecord struct {
	Key       string                 `json:"key" db:"key"`
	TenantID  string                 `json:"tenant_id" db:"tenant_id"`
	Status    IdempotencyStatus      `json:"status" db:"status"`
	Result    map[string]interface{} `json:"result,omitempty"`
	CreatedAt time.Time              `json:"created_at" db:"created_at"`
	ExpiresAt time.Time              `json:"expires_at" db:"expires_at"`
}

// Expired reports whether the record is past its TTL at the given time.
func (r *IdempotencyRecord) Expired(now time.Time) bool {
	return now.After(r.ExpiresAt)
}

// ── Policy ───────────────────────────────────────────────────

// PolicySet is the per-tenant rule document evaluated before any mutation
// reaches the external platform. Evaluated read-only per request; never
// mutated by the pipeline itself.
type PolicySet struct {
	TenantID      string         `json:"tenant_id" db:"tenant_id"`
	BudgetLimits  *BudgetLimits  `json:"budget_limits,omitempty"`
	KeywordRules  *KeywordRules  `json:"keyword_rules,omitempty"`
	ApprovalGates []ApprovalGate `json:"approval_gates,omitempty"`
	UpdatedAt     time.Time      `json:"updated_at" db:"updated_at"`
}

// BudgetLimits bounds budget-mutating operations.
type BudgetLimits struct {
	DailyMax         float64 `json:"daily_max,omitempty"`
	ChangeMaxPercent float64 `json:"change_max_percent,omitempty"`
}

// KeywordRules lists prohibited content. Matching any prohibited term is a
// hard block that no other rule can override.
type KeywordRules struct {
	Prohibited []string `json:"prohibited,omitempty"`
}

// ApprovalGate routes matching requests to human approval. Requires is a
// boolean expression over payload and context fields with a closed
// grammar — never free-form code.
type ApprovalGate struct {
	Rule     string `json:"rule"`
	Requires string `json:"requires"`
}

type PolicyOutcome string

const (
	PolicyApproved      PolicyOutcome = "approved"
	PolicyBlocked       PolicyOutcome = "blocked"
	PolicyNeedsApproval PolicyOutcome = "needs_approval"
)

// PolicyDecision is the engine's verdict with human-readable reason codes.
type PolicyDecision struct {
	Outcome PolicyOutcome `json:"outcome"`
	Reasons []string      `json:"reasons,omitempty"`

	// Gates carries the approval-gate rules that matched when the outcome
	// is needs_approval.
	Gates []string `json:"gates,omitempty"`
}

// ── Saga / Saga Steps ────────────────────────────────────────

type SagaStatus string

const (
	SagaPending      SagaStatus = "pending"
	SagaRunning      SagaStatus = "running"
	SagaCompleted    SagaStatus = "completed"
	SagaCompensating SagaStatus = "compensating"
	SagaFailed       SagaStatus = "failed"
)

// Saga is a multi-step unit of work with compensating actions for
// partial-failure rollback.
type Saga struct {
	ID          string     `json:"id" db:"id"`
	TenantID    string     `json:"tenant_id" db:"tenant_id"`
	Platform    string     `json:"platform,omitempty" db:"platform"`
	PlanRef     string     `json:"plan_ref,omitempty" db:"plan_ref"`
	Status      SagaStatus `json:"status" db:"status"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty" db:"completed_at"`
}

type StepStatus string

const (
	StepPending     StepStatus = "pending"
	StepRunning     StepStatus = "running"
	StepSuccess     StepStatus = "success"
	StepFailed      StepStatus = "failed"
	StepCompensated StepStatus = "compensated"
)

// stepRank orders step states so transitions can only move forward.
var stepRank = map[StepStatus]int{
	StepPending:     0,
	StepRunning:     1,
	StepSuccess:     2,
	StepFailed:      2,
	StepCompensated: 3,
}

// CanTransition reports whether a step may move from its current status to
// next. Steps are never reopened: pending → running → {success|failed} →
// [compensated].
func (s StepStatus) CanTransition(next StepStatus) bool {
	from, ok := stepRank[s]
	if !ok {
		return false
	}
	to, ok := stepRank[next]
	if !ok {
		return false
	}
	if next == StepCompensated && s != StepSuccess {
		return false
	}
	return to > from
}

// Step event kinds. A StepEvent is appended for every executor attempt,
// retry, fast-fail from an open breaker, and compensation attempt, success
// or failure, for auditability.
const (
	EventAttempt      = "attempt"
	EventRetry        = "retry"
	EventBreakerOpen  = "breaker_open"
	EventCompensation = "compensation"
)

type StepEvent struct {
	Timestamp time.Time `json:"timestamp"`
	Kind      string    `json:"kind"` // attempt, retry, breaker_open, compensation
	Attempt   int       `json:"attempt,omitempty"`
	Status    string    `json:"status"`
	LatencyMs int64     `json:"latency_ms,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// SagaStep records one operation inside a saga. GateID is set while the
// step is paused in its pending_approval sub-state; the status itself
// stays pending until the gate resolves.
type SagaStep struct {
	ID                  string                 `json:"id" db:"id"`
	SagaID              string                 `json:"saga_id" db:"saga_id"`
	Operation           string                 `json:"operation" db:"operation"` // name@version
	Status              StepStatus             `json:"status" db:"status"`
	Payload             map[string]interface{} `json:"payload,omitempty"`
	Result              map[string]interface{} `json:"result,omitempty"`
	CompensationPayload map[string]interface{} `json:"compensation_payload,omitempty"`
	Events              []StepEvent            `json:"events,omitempty"`
	Error               string                 `json:"error,omitempty" db:"error"`
	GateID              string                 `json:"gate_id,omitempty" db:"gate_id"`
	DurationMs          int64                  `json:"duration_ms,omitempty" db:"duration_ms"`
	StartedAt           time.Time              `json:"started_at" db:"started_at"`
	CompletedAt         *time.Time             `json:"completed_at,omitempty" db:"completed_at"`
}

// ── Circuit Breaker ──────────────────────────────────────────

type BreakerStatus string

const (
	BreakerClosed   BreakerStatus = "closed"
	BreakerOpen     BreakerStatus = "open"
	BreakerHalfOpen BreakerStatus = "half_open"
)

// BreakerState is the persisted circuit breaker state for one
// (tenant, platform) pair. Mutated only by the executor.
type BreakerState struct {
	TenantID      string        `json:"tenant_id" db:"tenant_id"`
	Platform      string        `json:"platform" db:"platform"`
	Status        BreakerStatus `json:"status" db:"status"`
	Failures      int           `json:"failures" db:"failures"`
	LastFailureAt time.Time     `json:"last_failure_at,omitempty" db:"last_failure_at"`
	OpenedAt      time.Time     `json:"opened_at,omitempty" db:"opened_at"`
}

// ── Approvals ────────────────────────────────────────────────

type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
	ApprovalExpired  ApprovalStatus = "expired"
)

// Approval is the durable record of a pending_approval gate. The decision
// itself comes from outside the pipeline; ExpiresAt bounds how long a saga
// step may stay parked before it fails with approval_expired.
type Approval struct {
	ID          string         `json:"id" db:"id"`
	TenantID    string         `json:"tenant_id" db:"tenant_id"`
	SagaID      string         `json:"saga_id" db:"saga_id"`
	StepID      string         `json:"step_id" db:"step_id"`
	Operation   string         `json:"operation" db:"operation"`
	Rules       []string       `json:"rules,omitempty"`
	Status      ApprovalStatus `json:"status" db:"status"`
	ResolvedBy  string         `json:"resolved_by,omitempty" db:"resolved_by"`
	Comments    string         `json:"comments,omitempty" db:"comments"`
	RequestedAt time.Time      `json:"requested_at" db:"requested_at"`
	ResolvedAt  *time.Time     `json:"resolved_at,omitempty" db:"resolved_at"`
	ExpiresAt   *time.Time     `json:"expires_at,omitempty" db:"expires_at"`
}

// ── Workflows ────────────────────────────────────────────────

type WorkflowStepType string

const (
	WorkflowStepOperation WorkflowStepType = "operation"
	WorkflowStepAgent     WorkflowStepType = "agent"
)

// WorkflowBranch routes to NextStep when Condition (a boolean expression
// over the step's output) evaluates true.
type WorkflowBranch struct {
	Condition string `json:"condition"`
	NextStep  string `json:"next_step"`
}

// WorkflowStep is one node of a declarative workflow. Type "operation"
// delegates to the connector; "agent" delegates to an external analysis
// collaborator. NextStep points at the following step; Branches override
// it conditionally.
type WorkflowStep struct {
	Name      string                 `json:"name"`
	Type      WorkflowStepType       `json:"type"`
	Operation string                 `json:"operation,omitempty"` // name@version
	Agent     string                 `json:"agent,omitempty"`
	Input     map[string]interface{} `json:"input,omitempty"`
	NextStep  string                 `json:"next_step,omitempty"`
	Branches  []WorkflowBranch       `json:"branches,omitempty"`
}

// WorkflowDefinition is loaded from configuration and immutable at runtime.
type WorkflowDefinition struct {
	Name    string         `json:"name"`
	Version string         `json:"version,omitempty"`
	Entry   string         `json:"entry,omitempty"` // defaults to the first step
	Steps   []WorkflowStep `json:"steps"`
}

// Step returns the named step, or nil.
func (d *WorkflowDefinition) Step(name string) *WorkflowStep {
	for i := range d.Steps {
		if d.Steps[i].Name == name {
			return &d.Steps[i]
		}
	}
	return nil
}

type WorkflowRunStatus string

const (
	RunPending   WorkflowRunStatus = "pending"
	RunRunning   WorkflowRunStatus = "running"
	RunCompleted WorkflowRunStatus = "completed"
	RunFailed    WorkflowRunStatus = "failed"
	RunCanceled  WorkflowRunStatus = "canceled"
)

// Terminal reports whether the run can no longer change state.
func (s WorkflowRunStatus) Terminal() bool {
	return s == RunCompleted || s == RunFailed || s == RunCanceled
}

// WorkflowRun is the persisted execution state of one workflow. It is
// written after every step so a crash mid-workflow resumes at the next
// unexecuted step rather than restarting.
type WorkflowRun struct {
	ID          string            `json:"id" db:"id"`
	Workflow    string            `json:"workflow" db:"workflow"`
	TenantID    string            `json:"tenant_id" db:"tenant_id"`
	Status      WorkflowRunStatus `json:"status" db:"status"`
	CurrentStep string            `json:"current_step,omitempty" db:"current_step"`
	// PendingSagaStepID is set while the current step is parked on an
	// approval, so a restarted engine re-enters the wait instead of
	// executing the step again.
	PendingSagaStepID string                            `json:"pending_saga_step_id,omitempty" db:"pending_saga_step_id"`
	CompletedSteps    []string                          `json:"completed_steps,omitempty"`
	StepOutputs       map[string]map[string]interface{} `json:"step_outputs,omitempty"`
	Input             map[string]interface{}            `json:"input,omitempty"`
	TraceID           string                            `json:"trace_id,omitempty" db:"trace_id"`
	Error             string                            `json:"error,omitempty" db:"error"`
	StartedAt         time.Time                         `json:"started_at" db:"started_at"`
	CompletedAt       *time.Time                        `json:"completed_at,omitempty" db:"completed_at"`
}

// StepDone reports whether the named step already completed in this run.
func (r *WorkflowRun) StepDone(name string) bool {
	for _, s := range r.CompletedSteps {
		if s == name {
			return true
		}
	}
	return false
}

// ── Action Plans ─────────────────────────────────────────────

// ActionPlanItem is one proposed operation inside a plan.
type ActionPlanItem struct {
	Operation string                 `json:"operation_name"`
	Version   string                 `json:"operation_version"`
	Payload   map[string]interface{} `json:"payload"`
}

// Ref returns the "name@version" reference of the item's operation.
func (i *ActionPlanItem) Ref() string {
	return i.Operation + "@" + i.Version
}

// ActionPlan is a batch of proposed operations produced by upstream
// analysis logic. Items execute in declared order under one saga.
type ActionPlan struct {
	ID       string           `json:"id"`
	TenantID string           `json:"tenant_id"`
	Items    []ActionPlanItem `json:"items"`
	TraceID  string           `json:"trace_id,omitempty"`
}

type PlanOutcome string

const (
	PlanCompleted PlanOutcome = "completed"
	PlanPartial   PlanOutcome = "partial"
	PlanBlocked   PlanOutcome = "blocked"
	PlanFailed    PlanOutcome = "failed"
)

// ActionPlanResult aggregates the per-item results of a plan execution.
type ActionPlanResult struct {
	PlanID           string            `json:"plan_id"`
	SagaID           string            `json:"saga_id"`
	Outcome          PlanOutcome       `json:"outcome"`
	ItemResults      []OperationResult `json:"item_results"`
	QueuedApprovals  []string          `json:"queued_approvals,omitempty"`
	SkippedAfterItem int               `json:"skipped_after_item,omitempty"`
}

// ── Audit ────────────────────────────────────────────────────

// AuditEvent is one structured pipeline-stage transition. Emitted for
// every stage of every request; the append-only log is the replayable
// audit trail for regulated customers.
type AuditEvent struct {
	ID          string                 `json:"id" db:"id"`
	Timestamp   time.Time              `json:"timestamp" db:"timestamp"`
	TenantID    string                 `json:"tenant_id" db:"tenant_id"`
	OperationID string                 `json:"operation_id,omitempty" db:"operation_id"`
	TraceID     string                 `json:"trace_id,omitempty" db:"trace_id"`
	Stage       string                 `json:"stage" db:"stage"`
	Status      string                 `json:"status" db:"status"`
	LatencyMs   int64                  `json:"latency_ms,omitempty" db:"latency_ms"`
	Details     map[string]interface{} `json:"details,omitempty"`
}

// AuditFilter provides query options for listing audit events.
type AuditFilter struct {
	TenantID string
	Stage    string
	Status   string
	TraceID  string
	Since    *time.Time
	Until    *time.Time
	Limit    int
	Offset   int
}

// ── Pipeline Errors ──────────────────────────────────────────

// PipelineError carries the failing stage and error taxonomy kind through
// the connector so callers and auditors can attribute failures precisely.
type PipelineError struct {
	Stage   Stage
	Kind    ErrorKind
	Reasons []string
	Err     error
}

func (e *PipelineError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s (%s): %v", e.Stage, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s (%s)", e.Stage, e.Kind)
}

func (e *PipelineError) Unwrap() error { return e.Err }
