// Package store — PostgreSQL Store implementation.
// Production backend: saga, idempotency, breaker, approval, and workflow-run
// state live in durable tables so the pipeline resumes cleanly after a
// restart. Connection URL comes from DATABASE_URL.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/adpilot/control-plane/pkg/models"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// PostgresStore implements Store on top of a pgx connection pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to PostgreSQL and creates the required tables
// if they don't exist.
func NewPostgresStore(ctx context.Context, connURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, connURL)
	if err != nil {
		return nil, fmt.Errorf("postgres connect: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}

	s := &PostgresStore{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres migrate: %w", err)
	}

	log.Info().Msg("PostgreSQL store initialized")
	return s, nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	ddl := `
	CREATE TABLE IF NOT EXISTS ap_tenants (
		id         TEXT PRIMARY KEY,
		name       TEXT NOT NULL,
		status     TEXT NOT NULL,
		policy_set TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS ap_credentials (
		tenant_id  TEXT NOT NULL,
		platform   TEXT NOT NULL,
		ciphertext TEXT NOT NULL,
		revoked    BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (tenant_id, platform)
	);

	CREATE TABLE IF NOT EXISTS ap_policies (
		tenant_id  TEXT PRIMARY KEY,
		document   JSONB NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS ap_sagas (
		id           TEXT PRIMARY KEY,
		tenant_id    TEXT NOT NULL,
		platform     TEXT NOT NULL DEFAULT '',
		plan_ref     TEXT NOT NULL DEFAULT '',
		status       TEXT NOT NULL,
		created_at   TIMESTAMPTZ NOT NULL,
		completed_at TIMESTAMPTZ
	);
	CREATE INDEX IF NOT EXISTS idx_ap_sagas_tenant ON ap_sagas (tenant_id, created_at DESC);

	CREATE TABLE IF NOT EXISTS ap_saga_steps (
		id           TEXT PRIMARY KEY,
		saga_id      TEXT NOT NULL,
		operation    TEXT NOT NULL,
		status       TEXT NOT NULL,
		doc          JSONB NOT NULL,
		started_at   TIMESTAMPTZ NOT NULL,
		completed_at TIMESTAMPTZ
	);
	CREATE INDEX IF NOT EXISTS idx_ap_steps_saga ON ap_saga_steps (saga_id, started_at);

	CREATE TABLE IF NOT EXISTS ap_idempotency (
		key        TEXT PRIMARY KEY,
		tenant_id  TEXT NOT NULL,
		status     TEXT NOT NULL,
		result     JSONB,
		created_at TIMESTAMPTZ NOT NULL,
		expires_at TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_ap_idem_expiry ON ap_idempotency (expires_at);

	CREATE TABLE IF NOT EXISTS ap_breakers (
		tenant_id       TEXT NOT NULL,
		platform        TEXT NOT NULL,
		status          TEXT NOT NULL,
		failures        INT NOT NULL DEFAULT 0,
		last_failure_at TIMESTAMPTZ,
		opened_at       TIMESTAMPTZ,
		PRIMARY KEY (tenant_id, platform)
	);

	CREATE TABLE IF NOT EXISTS ap_approvals (
		id           TEXT PRIMARY KEY,
		tenant_id    TEXT NOT NULL,
		saga_id      TEXT NOT NULL,
		step_id      TEXT NOT NULL,
		operation    TEXT NOT NULL,
		rules        JSONB,
		status       TEXT NOT NULL,
		resolved_by  TEXT NOT NULL DEFAULT '',
		comments     TEXT NOT NULL DEFAULT '',
		requested_at TIMESTAMPTZ NOT NULL,
		resolved_at  TIMESTAMPTZ,
		expires_at   TIMESTAMPTZ
	);
	CREATE INDEX IF NOT EXISTS idx_ap_approvals_tenant ON ap_approvals (tenant_id, status);

	CREATE TABLE IF NOT EXISTS ap_workflow_runs (
		id           TEXT PRIMARY KEY,
		workflow     TEXT NOT NULL,
		tenant_id    TEXT NOT NULL,
		status       TEXT NOT NULL,
		doc          JSONB NOT NULL,
		started_at   TIMESTAMPTZ NOT NULL,
		completed_at TIMESTAMPTZ
	);
	CREATE INDEX IF NOT EXISTS idx_ap_runs_tenant ON ap_workflow_runs (tenant_id, started_at DESC);
	CREATE INDEX IF NOT EXISTS idx_ap_runs_status ON ap_workflow_runs (status);

	CREATE TABLE IF NOT EXISTS ap_audit_events (
		id           TEXT PRIMARY KEY,
		ts           TIMESTAMPTZ NOT NULL,
		tenant_id    TEXT NOT NULL,
		operation_id TEXT NOT NULL DEFAULT '',
		trace_id     TEXT NOT NULL DEFAULT '',
		stage        TEXT NOT NULL,
		status       TEXT NOT NULL,
		latency_ms   BIGINT NOT NULL DEFAULT 0,
		details      JSONB
	);
	CREATE INDEX IF NOT EXISTS idx_ap_audit_tenant ON ap_audit_events (tenant_id, ts DESC);
	`
	_, err := s.pool.Exec(ctx, ddl)
	return err
}

func (s *PostgresStore) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// ── Tenants ─────────────────────────────────────────────────

func (s *PostgresStore) ListTenants(ctx context.Context) ([]models.Tenant, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, name, status, policy_set, created_at, updated_at FROM ap_tenants ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Tenant
	for rows.Next() {
		var t models.Tenant
		if err := rows.Scan(&t.ID, &t.Name, &t.Status, &t.PolicySet, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetTenant(ctx context.Context, id string) (*models.Tenant, error) {
	var t models.Tenant
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, status, policy_set, created_at, updated_at FROM ap_tenants WHERE id = $1`, id).
		Scan(&t.ID, &t.Name, &t.Status, &t.PolicySet, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "tenant", Key: id}
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *PostgresStore) CreateTenant(ctx context.Context, tenant *models.Tenant) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO ap_tenants (id, name, status, policy_set, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (id) DO UPDATE SET name = $2, status = $3, policy_set = $4, updated_at = $6`,
		tenant.ID, tenant.Name, tenant.Status, tenant.PolicySet, tenant.CreatedAt, tenant.UpdatedAt)
	return err
}

func (s *PostgresStore) UpdateTenant(ctx context.Context, tenant *models.Tenant) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE ap_tenants SET name = $2, status = $3, policy_set = $4, updated_at = $5 WHERE id = $1`,
		tenant.ID, tenant.Name, tenant.Status, tenant.PolicySet, tenant.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "tenant", Key: tenant.ID}
	}
	return nil
}

// ── Credentials ─────────────────────────────────────────────

func (s *PostgresStore) GetCredential(ctx context.Context, tenantID, platform string) (*models.EncryptedCredential, error) {
	var c models.EncryptedCredential
	err := s.pool.QueryRow(ctx,
		`SELECT tenant_id, platform, ciphertext, revoked, created_at, updated_at
		 FROM ap_credentials WHERE tenant_id = $1 AND platform = $2 AND NOT revoked`,
		tenantID, platform).
		Scan(&c.TenantID, &c.Platform, &c.Ciphertext, &c.Revoked, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "credential", Key: tenantID + ":" + platform}
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *PostgresStore) PutCredential(ctx context.Context, cred *models.EncryptedCredential) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO ap_credentials (tenant_id, platform, ciphertext, revoked, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (tenant_id, platform) DO UPDATE SET ciphertext = $3, revoked = $4, updated_at = $6`,
		cred.TenantID, cred.Platform, cred.Ciphertext, cred.Revoked, cred.CreatedAt, cred.UpdatedAt)
	return err
}

func (s *PostgresStore) RevokeCredential(ctx context.Context, tenantID, platform string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE ap_credentials SET revoked = TRUE, updated_at = NOW() WHERE tenant_id = $1 AND platform = $2`,
		tenantID, platform)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "credential", Key: tenantID + ":" + platform}
	}
	return nil
}

// ── Policies ────────────────────────────────────────────────

func (s *PostgresStore) GetPolicySet(ctx context.Context, tenantID string) (*models.PolicySet, error) {
	var doc []byte
	var updatedAt time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT document, updated_at FROM ap_policies WHERE tenant_id = $1`, tenantID).
		Scan(&doc, &updatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "policy set", Key: tenantID}
	}
	if err != nil {
		return nil, err
	}
	var set models.PolicySet
	if err := json.Unmarshal(doc, &set); err != nil {
		return nil, fmt.Errorf("decode policy set: %w", err)
	}
	set.TenantID = tenantID
	set.UpdatedAt = updatedAt
	return &set, nil
}

func (s *PostgresStore) PutPolicySet(ctx context.Context, set *models.PolicySet) error {
	doc, err := json.Marshal(set)
	if err != nil {
		return fmt.Errorf("encode policy set: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO ap_policies (tenant_id, document, updated_at) VALUES ($1, $2, $3)
		 ON CONFLICT (tenant_id) DO UPDATE SET document = $2, updated_at = $3`,
		set.TenantID, doc, set.UpdatedAt)
	return err
}

// ── Sagas ───────────────────────────────────────────────────

func (s *PostgresStore) CreateSaga(ctx context.Context, saga *models.Saga) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO ap_sagas (id, tenant_id, platform, plan_ref, status, created_at, completed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		saga.ID, saga.TenantID, saga.Platform, saga.PlanRef, saga.Status, saga.CreatedAt, saga.CompletedAt)
	return err
}

func (s *PostgresStore) GetSaga(ctx context.Context, id string) (*models.Saga, error) {
	var g models.Saga
	err := s.pool.QueryRow(ctx,
		`SELECT id, tenant_id, platform, plan_ref, status, created_at, completed_at FROM ap_sagas WHERE id = $1`, id).
		Scan(&g.ID, &g.TenantID, &g.Platform, &g.PlanRef, &g.Status, &g.CreatedAt, &g.CompletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "saga", Key: id}
	}
	if err != nil {
		return nil, err
	}
	return &g, nil
}

func (s *PostgresStore) UpdateSaga(ctx context.Context, saga *models.Saga) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE ap_sagas SET status = $2, completed_at = $3 WHERE id = $1`,
		saga.ID, saga.Status, saga.CompletedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "saga", Key: saga.ID}
	}
	return nil
}

func (s *PostgresStore) ListSagas(ctx context.Context, tenantID string, limit int) ([]models.Saga, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, tenant_id, platform, plan_ref, status, created_at, completed_at FROM ap_sagas`
	args := []interface{}{}
	if tenantID != "" {
		query += ` WHERE tenant_id = $1`
		args = append(args, tenantID)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT %d`, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Saga
	for rows.Next() {
		var g models.Saga
		if err := rows.Scan(&g.ID, &g.TenantID, &g.Platform, &g.PlanRef, &g.Status, &g.CreatedAt, &g.CompletedAt); err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// stepDoc carries the JSONB portion of a saga step row.
type stepDoc struct {
	Payload             map[string]interface{} `json:"payload,omitempty"`
	Result              map[string]interface{} `json:"result,omitempty"`
	CompensationPayload map[string]interface{} `json:"compensation_payload,omitempty"`
	Events              []models.StepEvent     `json:"events,omitempty"`
	Error               string                 `json:"error,omitempty"`
	GateID              string                 `json:"gate_id,omitempty"`
	DurationMs          int64                  `json:"duration_ms,omitempty"`
}

func (s *PostgresStore) CreateSagaStep(ctx context.Context, step *models.SagaStep) error {
	doc, err := json.Marshal(stepDoc{
		Payload:             step.Payload,
		Result:              step.Result,
		CompensationPayload: step.CompensationPayload,
		Events:              step.Events,
		Error:               step.Error,
		GateID:              step.GateID,
		DurationMs:          step.DurationMs,
	})
	if err != nil {
		return fmt.Errorf("encode saga step: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO ap_saga_steps (id, saga_id, operation, status, doc, started_at, completed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		step.ID, step.SagaID, step.Operation, step.Status, doc, step.StartedAt, step.CompletedAt)
	return err
}

func scanStep(row pgx.Row) (*models.SagaStep, error) {
	var st models.SagaStep
	var doc []byte
	if err := row.Scan(&st.ID, &st.SagaID, &st.Operation, &st.Status, &doc, &st.StartedAt, &st.CompletedAt); err != nil {
		return nil, err
	}
	var d stepDoc
	if err := json.Unmarshal(doc, &d); err != nil {
		return nil, fmt.Errorf("decode saga step: %w", err)
	}
	st.Payload = d.Payload
	st.Result = d.Result
	st.CompensationPayload = d.CompensationPayload
	st.Events = d.Events
	st.Error = d.Error
	st.GateID = d.GateID
	st.DurationMs = d.DurationMs
	return &st, nil
}

func (s *PostgresStore) GetSagaStep(ctx context.Context, id string) (*models.SagaStep, error) {
	st, err := scanStep(s.pool.QueryRow(ctx,
		`SELECT id, saga_id, operation, status, doc, started_at, completed_at FROM ap_saga_steps WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &ErrNotFound{Entity: "saga step", Key: id}
		}
		return nil, err
	}
	return st, nil
}

func (s *PostgresStore) UpdateSagaStep(ctx context.Context, step *models.SagaStep) error {
	doc, err := json.Marshal(stepDoc{
		Payload:             step.Payload,
		Result:              step.Result,
		CompensationPayload: step.CompensationPayload,
		Events:              step.Events,
		Error:               step.Error,
		GateID:              step.GateID,
		DurationMs:          step.DurationMs,
	})
	if err != nil {
		return fmt.Errorf("encode saga step: %w", err)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE ap_saga_steps SET status = $2, doc = $3, completed_at = $4 WHERE id = $1`,
		step.ID, step.Status, doc, step.CompletedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "saga step", Key: step.ID}
	}
	return nil
}

func (s *PostgresStore) ListSagaSteps(ctx context.Context, sagaID string) ([]models.SagaStep, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, saga_id, operation, status, doc, started_at, completed_at
		 FROM ap_saga_steps WHERE saga_id = $1 ORDER BY started_at`, sagaID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.SagaStep
	for rows.Next() {
		st, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *st)
	}
	return out, rows.Err()
}

// ── Idempotency ─────────────────────────────────────────────

func (s *PostgresStore) ReserveIdempotencyKey(ctx context.Context, record *models.IdempotencyRecord) (*models.IdempotencyRecord, error) {
	// Expired rows are evicted lazily here so the same key can re-execute
	// after the TTL window.
	_, err := s.pool.Exec(ctx,
		`DELETE FROM ap_idempotency WHERE key = $1 AND expires_at < NOW()`, record.Key)
	if err != nil {
		return nil, err
	}

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO ap_idempotency (key, tenant_id, status, result, created_at, expires_at)
		 VALUES ($1, $2, $3, NULL, $4, $5)
		 ON CONFLICT (key) DO NOTHING`,
		record.Key, record.TenantID, models.IdempotencyInFlight, record.CreatedAt, record.ExpiresAt)
	if err != nil {
		return nil, err
	}
	if tag.RowsAffected() == 1 {
		return nil, nil // reserved
	}
	return s.GetIdempotencyRecord(ctx, record.Key)
}

func (s *PostgresStore) CommitIdempotencyKey(ctx context.Context, key string, result map[string]interface{}, expiresAt time.Time) error {
	doc, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode idempotency result: %w", err)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE ap_idempotency SET status = $2, result = $3, expires_at = $4 WHERE key = $1`,
		key, models.IdempotencyCommitted, doc, expiresAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "idempotency record", Key: key}
	}
	return nil
}

func (s *PostgresStore) ReleaseIdempotencyKey(ctx context.Context, key string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM ap_idempotency WHERE key = $1`, key)
	return err
}

func (s *PostgresStore) GetIdempotencyRecord(ctx context.Context, key string) (*models.IdempotencyRecord, error) {
	var rec models.IdempotencyRecord
	var doc []byte
	err := s.pool.QueryRow(ctx,
		`SELECT key, tenant_id, status, result, created_at, expires_at FROM ap_idempotency WHERE key = $1`, key).
		Scan(&rec.Key, &rec.TenantID, &rec.Status, &doc, &rec.CreatedAt, &rec.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "idempotency record", Key: key}
	}
	if err != nil {
		return nil, err
	}
	if len(doc) > 0 {
		if err := json.Unmarshal(doc, &rec.Result); err != nil {
			return nil, fmt.Errorf("decode idempotency result: %w", err)
		}
	}
	return &rec, nil
}

func (s *PostgresStore) PurgeExpiredIdempotencyKeys(ctx context.Context, now time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM ap_idempotency WHERE expires_at < $1`, now)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

// ── Breaker State ───────────────────────────────────────────

func (s *PostgresStore) GetBreakerState(ctx context.Context, tenantID, platform string) (*models.BreakerState, error) {
	var b models.BreakerState
	var lastFailure, opened *time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT tenant_id, platform, status, failures, last_failure_at, opened_at
		 FROM ap_breakers WHERE tenant_id = $1 AND platform = $2`, tenantID, platform).
		Scan(&b.TenantID, &b.Platform, &b.Status, &b.Failures, &lastFailure, &opened)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "breaker state", Key: tenantID + ":" + platform}
	}
	if err != nil {
		return nil, err
	}
	if lastFailure != nil {
		b.LastFailureAt = *lastFailure
	}
	if opened != nil {
		b.OpenedAt = *opened
	}
	return &b, nil
}

func (s *PostgresStore) PutBreakerState(ctx context.Context, state *models.BreakerState) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO ap_breakers (tenant_id, platform, status, failures, last_failure_at, opened_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (tenant_id, platform) DO UPDATE SET status = $3, failures = $4, last_failure_at = $5, opened_at = $6`,
		state.TenantID, state.Platform, state.Status, state.Failures,
		nullableTime(state.LastFailureAt), nullableTime(state.OpenedAt))
	return err
}

func (s *PostgresStore) ListBreakerStates(ctx context.Context) ([]models.BreakerState, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT tenant_id, platform, status, failures, last_failure_at, opened_at FROM ap_breakers`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.BreakerState
	for rows.Next() {
		var b models.BreakerState
		var lastFailure, opened *time.Time
		if err := rows.Scan(&b.TenantID, &b.Platform, &b.Status, &b.Failures, &lastFailure, &opened); err != nil {
			return nil, err
		}
		if lastFailure != nil {
			b.LastFailureAt = *lastFailure
		}
		if opened != nil {
			b.OpenedAt = *opened
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// ── Approvals ───────────────────────────────────────────────

func (s *PostgresStore) CreateApproval(ctx context.Context, approval *models.Approval) error {
	rules, err := json.Marshal(approval.Rules)
	if err != nil {
		return fmt.Errorf("encode approval rules: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO ap_approvals (id, tenant_id, saga_id, step_id, operation, rules, status,
		                           resolved_by, comments, requested_at, resolved_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		approval.ID, approval.TenantID, approval.SagaID, approval.StepID, approval.Operation, rules,
		approval.Status, approval.ResolvedBy, approval.Comments, approval.RequestedAt,
		approval.ResolvedAt, approval.ExpiresAt)
	return err
}

func (s *PostgresStore) GetApproval(ctx context.Context, id string) (*models.Approval, error) {
	var a models.Approval
	var rules []byte
	err := s.pool.QueryRow(ctx,
		`SELECT id, tenant_id, saga_id, step_id, operation, rules, status,
		        resolved_by, comments, requested_at, resolved_at, expires_at
		 FROM ap_approvals WHERE id = $1`, id).
		Scan(&a.ID, &a.TenantID, &a.SagaID, &a.StepID, &a.Operation, &rules,
			&a.Status, &a.ResolvedBy, &a.Comments, &a.RequestedAt, &a.ResolvedAt, &a.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "approval", Key: id}
	}
	if err != nil {
		return nil, err
	}
	if len(rules) > 0 {
		if err := json.Unmarshal(rules, &a.Rules); err != nil {
			return nil, fmt.Errorf("decode approval rules: %w", err)
		}
	}
	return &a, nil
}

func (s *PostgresStore) UpdateApproval(ctx context.Context, approval *models.Approval) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE ap_approvals SET status = $2, resolved_by = $3, comments = $4, resolved_at = $5, expires_at = $6 WHERE id = $1`,
		approval.ID, approval.Status, approval.ResolvedBy, approval.Comments, approval.ResolvedAt, approval.ExpiresAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "approval", Key: approval.ID}
	}
	return nil
}

func (s *PostgresStore) ListApprovals(ctx context.Context, tenantID string, status models.ApprovalStatus, limit int) ([]models.Approval, error) {
	if limit <= 0 {
		limit = 100
	}
	var conds []string
	var args []interface{}
	if tenantID != "" {
		args = append(args, tenantID)
		conds = append(conds, fmt.Sprintf("tenant_id = $%d", len(args)))
	}
	if status != "" {
		args = append(args, status)
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}
	query := `SELECT id, tenant_id, saga_id, step_id, operation, rules, status,
	                 resolved_by, comments, requested_at, resolved_at, expires_at FROM ap_approvals`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += fmt.Sprintf(" ORDER BY requested_at DESC LIMIT %d", limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Approval
	for rows.Next() {
		var a models.Approval
		var rules []byte
		if err := rows.Scan(&a.ID, &a.TenantID, &a.SagaID, &a.StepID, &a.Operation, &rules,
			&a.Status, &a.ResolvedBy, &a.Comments, &a.RequestedAt, &a.ResolvedAt, &a.ExpiresAt); err != nil {
			return nil, err
		}
		if len(rules) > 0 {
			if err := json.Unmarshal(rules, &a.Rules); err != nil {
				return nil, fmt.Errorf("decode approval rules: %w", err)
			}
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *PostgresStore) PurgeResolvedApprovals(ctx context.Context, olderThan time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM ap_approvals WHERE status <> $1 AND resolved_at IS NOT NULL AND resolved_at < $2`,
		models.ApprovalPending, olderThan)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

// ── Workflow Runs ───────────────────────────────────────────

// runDoc carries the JSONB portion of a workflow run row.
type runDoc struct {
	CurrentStep       string                            `json:"current_step,omitempty"`
	PendingSagaStepID string                            `json:"pending_saga_step_id,omitempty"`
	CompletedSteps    []string                          `json:"completed_steps,omitempty"`
	StepOutputs       map[string]map[string]interface{} `json:"step_outputs,omitempty"`
	Input             map[string]interface{}            `json:"input,omitempty"`
	TraceID           string                            `json:"trace_id,omitempty"`
	Error             string                            `json:"error,omitempty"`
}

func encodeRunDoc(run *models.WorkflowRun) ([]byte, error) {
	return json.Marshal(runDoc{
		CurrentStep:       run.CurrentStep,
		PendingSagaStepID: run.PendingSagaStepID,
		CompletedSteps:    run.CompletedSteps,
		StepOutputs:       run.StepOutputs,
		Input:             run.Input,
		TraceID:           run.TraceID,
		Error:             run.Error,
	})
}

func scanRun(row pgx.Row) (*models.WorkflowRun, error) {
	var r models.WorkflowRun
	var doc []byte
	if err := row.Scan(&r.ID, &r.Workflow, &r.TenantID, &r.Status, &doc, &r.StartedAt, &r.CompletedAt); err != nil {
		return nil, err
	}
	var d runDoc
	if err := json.Unmarshal(doc, &d); err != nil {
		return nil, fmt.Errorf("decode workflow run: %w", err)
	}
	r.CurrentStep = d.CurrentStep
	r.PendingSagaStepID = d.PendingSagaStepID
	r.CompletedSteps = d.CompletedSteps
	r.StepOutputs = d.StepOutputs
	r.Input = d.Input
	r.TraceID = d.TraceID
	r.Error = d.Error
	return &r, nil
}

func (s *PostgresStore) CreateWorkflowRun(ctx context.Context, run *models.WorkflowRun) error {
	doc, err := encodeRunDoc(run)
	if err != nil {
		return fmt.Errorf("encode workflow run: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO ap_workflow_runs (id, workflow, tenant_id, status, doc, started_at, completed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		run.ID, run.Workflow, run.TenantID, run.Status, doc, run.StartedAt, run.CompletedAt)
	return err
}

func (s *PostgresStore) GetWorkflowRun(ctx context.Context, id string) (*models.WorkflowRun, error) {
	r, err := scanRun(s.pool.QueryRow(ctx,
		`SELECT id, workflow, tenant_id, status, doc, started_at, completed_at FROM ap_workflow_runs WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &ErrNotFound{Entity: "workflow run", Key: id}
		}
		return nil, err
	}
	return r, nil
}

func (s *PostgresStore) UpdateWorkflowRun(ctx context.Context, run *models.WorkflowRun) error {
	doc, err := encodeRunDoc(run)
	if err != nil {
		return fmt.Errorf("encode workflow run: %w", err)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE ap_workflow_runs SET status = $2, doc = $3, completed_at = $4 WHERE id = $1`,
		run.ID, run.Status, doc, run.CompletedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "workflow run", Key: run.ID}
	}
	return nil
}

func (s *PostgresStore) ListWorkflowRuns(ctx context.Context, tenantID string, limit int) ([]models.WorkflowRun, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, workflow, tenant_id, status, doc, started_at, completed_at FROM ap_workflow_runs`
	var args []interface{}
	if tenantID != "" {
		query += ` WHERE tenant_id = $1`
		args = append(args, tenantID)
	}
	query += fmt.Sprintf(` ORDER BY started_at DESC LIMIT %d`, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.WorkflowRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListResumableRuns(ctx context.Context) ([]models.WorkflowRun, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, workflow, tenant_id, status, doc, started_at, completed_at
		 FROM ap_workflow_runs WHERE status IN ($1, $2) ORDER BY started_at`,
		models.RunPending, models.RunRunning)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.WorkflowRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// ── Audit ───────────────────────────────────────────────────

func (s *PostgresStore) CreateAuditEvent(ctx context.Context, event *models.AuditEvent) error {
	details, err := json.Marshal(event.Details)
	if err != nil {
		return fmt.Errorf("encode audit details: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO ap_audit_events (id, ts, tenant_id, operation_id, trace_id, stage, status, latency_ms, details)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		event.ID, event.Timestamp, event.TenantID, event.OperationID, event.TraceID,
		event.Stage, event.Status, event.LatencyMs, details)
	return err
}

func auditConds(f models.AuditFilter) (string, []interface{}) {
	var conds []string
	var args []interface{}
	add := func(cond string, val interface{}) {
		args = append(args, val)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.TenantID != "" {
		add("tenant_id = $%d", f.TenantID)
	}
	if f.Stage != "" {
		add("stage = $%d", f.Stage)
	}
	if f.Status != "" {
		add("status = $%d", f.Status)
	}
	if f.TraceID != "" {
		add("trace_id = $%d", f.TraceID)
	}
	if f.Since != nil {
		add("ts >= $%d", *f.Since)
	}
	if f.Until != nil {
		add("ts <= $%d", *f.Until)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func (s *PostgresStore) ListAuditEvents(ctx context.Context, filter models.AuditFilter) ([]models.AuditEvent, error) {
	where, args := auditConds(filter)
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, ts, tenant_id, operation_id, trace_id, stage, status, latency_ms, details FROM ap_audit_events` +
		where + fmt.Sprintf(" ORDER BY ts DESC LIMIT %d OFFSET %d", limit, filter.Offset)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.AuditEvent
	for rows.Next() {
		var e models.AuditEvent
		var details []byte
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.TenantID, &e.OperationID, &e.TraceID,
			&e.Stage, &e.Status, &e.LatencyMs, &details); err != nil {
			return nil, err
		}
		if len(details) > 0 {
			if err := json.Unmarshal(details, &e.Details); err != nil {
				return nil, fmt.Errorf("decode audit details: %w", err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CountAuditEvents(ctx context.Context, filter models.AuditFilter) (int64, error) {
	where, args := auditConds(filter)
	var n int64
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM ap_audit_events`+where, args...).Scan(&n)
	return n, err
}
