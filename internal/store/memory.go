// Package store — in-memory Store implementation.
// Used when PostgreSQL is not configured (local dev, tests). Supports
// file-based snapshot persistence so saga, idempotency, breaker, and
// workflow-run state survive restarts.
package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/adpilot/control-plane/pkg/models"
	"github.com/rs/zerolog/log"
)

// snapshot is the JSON-serializable shape written to disk.
type snapshot struct {
	Tenants     map[string]*models.Tenant              `json:"tenants"`
	Credentials map[string]*models.EncryptedCredential `json:"credentials"` // key: tenant:platform
	Policies    map[string]*models.PolicySet           `json:"policies"`    // key: tenant_id
	Sagas       map[string]*models.Saga                `json:"sagas"`
	SagaSteps   map[string]*models.SagaStep            `json:"saga_steps"`
	Idempotency map[string]*models.IdempotencyRecord   `json:"idempotency"`
	Breakers    map[string]*models.BreakerState        `json:"breakers"` // key: tenant:platform
	Approvals   map[string]*models.Approval            `json:"approvals"`
	Runs        map[string]*models.WorkflowRun         `json:"runs"`
	AuditEvents []*models.AuditEvent                   `json:"audit_events"`
}

// MemoryStore implements Store with in-memory maps.
type MemoryStore struct {
	mu          sync.RWMutex
	tenants     map[string]*models.Tenant
	credentials map[string]*models.EncryptedCredential
	policies    map[string]*models.PolicySet
	sagas       map[string]*models.Saga
	sagaSteps   map[string]*models.SagaStep
	stepsBySaga map[string][]string // saga_id → step ids in creation order
	idempotency map[string]*models.IdempotencyRecord
	breakers    map[string]*models.BreakerState
	approvals   map[string]*models.Approval
	runs        map[string]*models.WorkflowRun
	auditEvents []*models.AuditEvent

	// Persistence
	snapshotPath string        // empty = no persistence
	saveMu       sync.Mutex    // guards file writes
	saveCh       chan struct{} // debounce channel
	doneCh       chan struct{} // signals the background saver to stop
	closeOnce    sync.Once
}

// NewMemoryStore creates a new in-memory store.
// If ADPILOT_DATA_DIR is set, data is persisted to a JSON file in that
// directory; otherwise it defaults to ~/.adpilot/data.json.
func NewMemoryStore() *MemoryStore {
	m := &MemoryStore{
		tenants:     make(map[string]*models.Tenant),
		credentials: make(map[string]*models.EncryptedCredential),
		policies:    make(map[string]*models.PolicySet),
		sagas:       make(map[string]*models.Saga),
		sagaSteps:   make(map[string]*models.SagaStep),
		stepsBySaga: make(map[string][]string),
		idempotency: make(map[string]*models.IdempotencyRecord),
		breakers:    make(map[string]*models.BreakerState),
		approvals:   make(map[string]*models.Approval),
		runs:        make(map[string]*models.WorkflowRun),
		auditEvents: make([]*models.AuditEvent, 0),
		saveCh:      make(chan struct{}, 1),
		doneCh:      make(chan struct{}),
	}

	dataDir := os.Getenv("ADPILOT_DATA_DIR")
	if dataDir == "" {
		home, err := os.UserHomeDir()
		if err == nil {
			dataDir = filepath.Join(home, ".adpilot")
		}
	}
	if dataDir != "" {
		m.snapshotPath = filepath.Join(dataDir, "data.json")
		if err := os.MkdirAll(dataDir, 0755); err != nil {
			log.Warn().Err(err).Str("dir", dataDir).Msg("Cannot create data dir, persistence disabled")
			m.snapshotPath = ""
		}
	}

	if m.snapshotPath != "" {
		m.load()
		go m.saver()
	}

	return m
}

func (m *MemoryStore) Ping(ctx context.Context) error { return nil }

func (m *MemoryStore) Close() error {
	m.closeOnce.Do(func() {
		close(m.doneCh)
		if m.snapshotPath != "" {
			m.save()
		}
	})
	return nil
}

// ── Persistence ─────────────────────────────────────────────

func (m *MemoryStore) load() {
	data, err := os.ReadFile(m.snapshotPath)
	if err != nil {
		return // no snapshot yet
	}
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		log.Warn().Err(err).Str("path", m.snapshotPath).Msg("Corrupt snapshot, starting empty")
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if snap.Tenants != nil {
		m.tenants = snap.Tenants
	}
	if snap.Credentials != nil {
		m.credentials = snap.Credentials
	}
	if snap.Policies != nil {
		m.policies = snap.Policies
	}
	if snap.Sagas != nil {
		m.sagas = snap.Sagas
	}
	if snap.SagaSteps != nil {
		m.sagaSteps = snap.SagaSteps
		for id, step := range snap.SagaSteps {
			m.stepsBySaga[step.SagaID] = append(m.stepsBySaga[step.SagaID], id)
		}
		// Keep creation order stable across restarts.
		for sagaID := range m.stepsBySaga {
			ids := m.stepsBySaga[sagaID]
			sort.Slice(ids, func(i, j int) bool {
				return m.sagaSteps[ids[i]].StartedAt.Before(m.sagaSteps[ids[j]].StartedAt)
			})
		}
	}
	if snap.Idempotency != nil {
		m.idempotency = snap.Idempotency
	}
	if snap.Breakers != nil {
		m.breakers = snap.Breakers
	}
	if snap.Approvals != nil {
		m.approvals = snap.Approvals
	}
	if snap.Runs != nil {
		m.runs = snap.Runs
	}
	if snap.AuditEvents != nil {
		m.auditEvents = snap.AuditEvents
	}
	log.Info().Str("path", m.snapshotPath).Msg("Snapshot loaded")
}

// markDirty schedules a debounced snapshot write.
func (m *MemoryStore) markDirty() {
	if m.snapshotPath == "" {
		return
	}
	select {
	case m.saveCh <- struct{}{}:
	default:
	}
}

func (m *MemoryStore) saver() {
	for {
		select {
		case <-m.doneCh:
			return
		case <-m.saveCh:
			// Coalesce bursts of writes.
			time.Sleep(200 * time.Millisecond)
			m.save()
		}
	}
}

func (m *MemoryStore) save() {
	m.mu.RLock()
	snap := snapshot{
		Tenants:     m.tenants,
		Credentials: m.credentials,
		Policies:    m.policies,
		Sagas:       m.sagas,
		SagaSteps:   m.sagaSteps,
		Idempotency: m.idempotency,
		Breakers:    m.breakers,
		Approvals:   m.approvals,
		Runs:        m.runs,
		AuditEvents: m.auditEvents,
	}
	data, err := json.Marshal(&snap)
	m.mu.RUnlock()
	if err != nil {
		log.Error().Err(err).Msg("Snapshot marshal failed")
		return
	}

	m.saveMu.Lock()
	defer m.saveMu.Unlock()
	tmp := m.snapshotPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		log.Error().Err(err).Msg("Snapshot write failed")
		return
	}
	if err := os.Rename(tmp, m.snapshotPath); err != nil {
		log.Error().Err(err).Msg("Snapshot rename failed")
	}
}

// ── Tenants ─────────────────────────────────────────────────

func (m *MemoryStore) ListTenants(ctx context.Context) ([]models.Tenant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Tenant, 0, len(m.tenants))
	for _, t := range m.tenants {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) GetTenant(ctx context.Context, id string) (*models.Tenant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tenants[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "tenant", Key: id}
	}
	cp := *t
	return &cp, nil
}

func (m *MemoryStore) CreateTenant(ctx context.Context, tenant *models.Tenant) error {
	m.mu.Lock()
	cp := *tenant
	m.tenants[tenant.ID] = &cp
	m.mu.Unlock()
	m.markDirty()
	return nil
}

func (m *MemoryStore) UpdateTenant(ctx context.Context, tenant *models.Tenant) error {
	m.mu.Lock()
	defer func() { m.mu.Unlock(); m.markDirty() }()
	if _, ok := m.tenants[tenant.ID]; !ok {
		return &ErrNotFound{Entity: "tenant", Key: tenant.ID}
	}
	cp := *tenant
	m.tenants[tenant.ID] = &cp
	return nil
}

// ── Credentials ─────────────────────────────────────────────

func credKey(tenantID, platform string) string { return tenantID + ":" + platform }

func (m *MemoryStore) GetCredential(ctx context.Context, tenantID, platform string) (*models.EncryptedCredential, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.credentials[credKey(tenantID, platform)]
	if !ok || c.Revoked {
		return nil, &ErrNotFound{Entity: "credential", Key: credKey(tenantID, platform)}
	}
	cp := *c
	return &cp, nil
}

func (m *MemoryStore) PutCredential(ctx context.Context, cred *models.EncryptedCredential) error {
	m.mu.Lock()
	cp := *cred
	m.credentials[credKey(cred.TenantID, cred.Platform)] = &cp
	m.mu.Unlock()
	m.markDirty()
	return nil
}

func (m *MemoryStore) RevokeCredential(ctx context.Context, tenantID, platform string) error {
	m.mu.Lock()
	defer func() { m.mu.Unlock(); m.markDirty() }()
	c, ok := m.credentials[credKey(tenantID, platform)]
	if !ok {
		return &ErrNotFound{Entity: "credential", Key: credKey(tenantID, platform)}
	}
	c.Revoked = true
	c.UpdatedAt = time.Now().UTC()
	return nil
}

// ── Policies ────────────────────────────────────────────────

func (m *MemoryStore) GetPolicySet(ctx context.Context, tenantID string) (*models.PolicySet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.policies[tenantID]
	if !ok {
		return nil, &ErrNotFound{Entity: "policy set", Key: tenantID}
	}
	return clonePolicySet(p), nil
}

// clonePolicySet deep-copies so callers can't mutate stored rule documents.
func clonePolicySet(p *models.PolicySet) *models.PolicySet {
	cp := *p
	if p.BudgetLimits != nil {
		b := *p.BudgetLimits
		cp.BudgetLimits = &b
	}
	if p.KeywordRules != nil {
		k := models.KeywordRules{Prohibited: append([]string(nil), p.KeywordRules.Prohibited...)}
		cp.KeywordRules = &k
	}
	cp.ApprovalGates = append([]models.ApprovalGate(nil), p.ApprovalGates...)
	return &cp
}

func (m *MemoryStore) PutPolicySet(ctx context.Context, set *models.PolicySet) error {
	m.mu.Lock()
	m.policies[set.TenantID] = clonePolicySet(set)
	m.mu.Unlock()
	m.markDirty()
	return nil
}

// ── Sagas ───────────────────────────────────────────────────

func (m *MemoryStore) CreateSaga(ctx context.Context, saga *models.Saga) error {
	m.mu.Lock()
	cp := *saga
	m.sagas[saga.ID] = &cp
	m.mu.Unlock()
	m.markDirty()
	return nil
}

func (m *MemoryStore) GetSaga(ctx context.Context, id string) (*models.Saga, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sagas[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "saga", Key: id}
	}
	cp := *s
	return &cp, nil
}

func (m *MemoryStore) UpdateSaga(ctx context.Context, saga *models.Saga) error {
	m.mu.Lock()
	defer func() { m.mu.Unlock(); m.markDirty() }()
	if _, ok := m.sagas[saga.ID]; !ok {
		return &ErrNotFound{Entity: "saga", Key: saga.ID}
	}
	cp := *saga
	m.sagas[saga.ID] = &cp
	return nil
}

func (m *MemoryStore) ListSagas(ctx context.Context, tenantID string, limit int) ([]models.Saga, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Saga, 0)
	for _, s := range m.sagas {
		if tenantID != "" && s.TenantID != tenantID {
			continue
		}
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) CreateSagaStep(ctx context.Context, step *models.SagaStep) error {
	m.mu.Lock()
	cp := *step
	m.sagaSteps[step.ID] = &cp
	m.stepsBySaga[step.SagaID] = append(m.stepsBySaga[step.SagaID], step.ID)
	m.mu.Unlock()
	m.markDirty()
	return nil
}

func (m *MemoryStore) GetSagaStep(ctx context.Context, id string) (*models.SagaStep, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sagaSteps[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "saga step", Key: id}
	}
	cp := *s
	return &cp, nil
}

func (m *MemoryStore) UpdateSagaStep(ctx context.Context, step *models.SagaStep) error {
	m.mu.Lock()
	defer func() { m.mu.Unlock(); m.markDirty() }()
	if _, ok := m.sagaSteps[step.ID]; !ok {
		return &ErrNotFound{Entity: "saga step", Key: step.ID}
	}
	cp := *step
	m.sagaSteps[step.ID] = &cp
	return nil
}

func (m *MemoryStore) ListSagaSteps(ctx context.Context, sagaID string) ([]models.SagaStep, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := m.stepsBySaga[sagaID]
	out := make([]models.SagaStep, 0, len(ids))
	for _, id := range ids {
		if s, ok := m.sagaSteps[id]; ok {
			out = append(out, *s)
		}
	}
	return out, nil
}

// ── Idempotency ─────────────────────────────────────────────

func (m *MemoryStore) ReserveIdempotencyKey(ctx context.Context, record *models.IdempotencyRecord) (*models.IdempotencyRecord, error) {
	m.mu.Lock()
	defer func() { m.mu.Unlock(); m.markDirty() }()

	if existing, ok := m.idempotency[record.Key]; ok {
		// Lazy eviction: an expired record no longer blocks re-execution.
		if existing.Expired(time.Now().UTC()) {
			delete(m.idempotency, record.Key)
		} else {
			cp := *existing
			return &cp, nil
		}
	}

	cp := *record
	cp.Status = models.IdempotencyInFlight
	m.idempotency[record.Key] = &cp
	return nil, nil
}

func (m *MemoryStore) CommitIdempotencyKey(ctx context.Context, key string, result map[string]interface{}, expiresAt time.Time) error {
	m.mu.Lock()
	defer func() { m.mu.Unlock(); m.markDirty() }()
	rec, ok := m.idempotency[key]
	if !ok {
		return &ErrNotFound{Entity: "idempotency record", Key: key}
	}
	rec.Status = models.IdempotencyCommitted
	rec.Result = result
	rec.ExpiresAt = expiresAt
	return nil
}

func (m *MemoryStore) ReleaseIdempotencyKey(ctx context.Context, key string) error {
	m.mu.Lock()
	delete(m.idempotency, key)
	m.mu.Unlock()
	m.markDirty()
	return nil
}

func (m *MemoryStore) GetIdempotencyRecord(ctx context.Context, key string) (*models.IdempotencyRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.idempotency[key]
	if !ok {
		return nil, &ErrNotFound{Entity: "idempotency record", Key: key}
	}
	cp := *rec
	return &cp, nil
}

func (m *MemoryStore) PurgeExpiredIdempotencyKeys(ctx context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer func() { m.mu.Unlock(); m.markDirty() }()
	n := 0
	for key, rec := range m.idempotency {
		if rec.Expired(now) {
			delete(m.idempotency, key)
			n++
		}
	}
	return n, nil
}

// ── Breaker State ───────────────────────────────────────────

func (m *MemoryStore) GetBreakerState(ctx context.Context, tenantID, platform string) (*models.BreakerState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.breakers[credKey(tenantID, platform)]
	if !ok {
		return nil, &ErrNotFound{Entity: "breaker state", Key: credKey(tenantID, platform)}
	}
	cp := *b
	return &cp, nil
}

func (m *MemoryStore) PutBreakerState(ctx context.Context, state *models.BreakerState) error {
	m.mu.Lock()
	cp := *state
	m.breakers[credKey(state.TenantID, state.Platform)] = &cp
	m.mu.Unlock()
	m.markDirty()
	return nil
}

func (m *MemoryStore) ListBreakerStates(ctx context.Context) ([]models.BreakerState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.BreakerState, 0, len(m.breakers))
	for _, b := range m.breakers {
		out = append(out, *b)
	}
	return out, nil
}

// ── Approvals ───────────────────────────────────────────────

func (m *MemoryStore) CreateApproval(ctx context.Context, approval *models.Approval) error {
	m.mu.Lock()
	cp := *approval
	m.approvals[approval.ID] = &cp
	m.mu.Unlock()
	m.markDirty()
	return nil
}

func (m *MemoryStore) GetApproval(ctx context.Context, id string) (*models.Approval, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.approvals[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "approval", Key: id}
	}
	cp := *a
	return &cp, nil
}

func (m *MemoryStore) UpdateApproval(ctx context.Context, approval *models.Approval) error {
	m.mu.Lock()
	defer func() { m.mu.Unlock(); m.markDirty() }()
	if _, ok := m.approvals[approval.ID]; !ok {
		return &ErrNotFound{Entity: "approval", Key: approval.ID}
	}
	cp := *approval
	m.approvals[approval.ID] = &cp
	return nil
}

func (m *MemoryStore) ListApprovals(ctx context.Context, tenantID string, status models.ApprovalStatus, limit int) ([]models.Approval, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Approval, 0)
	for _, a := range m.approvals {
		if tenantID != "" && a.TenantID != tenantID {
			continue
		}
		if status != "" && a.Status != status {
			continue
		}
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RequestedAt.After(out[j].RequestedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) PurgeResolvedApprovals(ctx context.Context, olderThan time.Time) (int, error) {
	m.mu.Lock()
	defer func() { m.mu.Unlock(); m.markDirty() }()
	n := 0
	for id, a := range m.approvals {
		if a.Status == models.ApprovalPending {
			continue
		}
		if a.ResolvedAt != nil && a.ResolvedAt.Before(olderThan) {
			delete(m.approvals, id)
			n++
		}
	}
	return n, nil
}

// ── Workflow Runs ───────────────────────────────────────────

func (m *MemoryStore) CreateWorkflowRun(ctx context.Context, run *models.WorkflowRun) error {
	m.mu.Lock()
	cp := *run
	m.runs[run.ID] = &cp
	m.mu.Unlock()
	m.markDirty()
	return nil
}

func (m *MemoryStore) GetWorkflowRun(ctx context.Context, id string) (*models.WorkflowRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.runs[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "workflow run", Key: id}
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) UpdateWorkflowRun(ctx context.Context, run *models.WorkflowRun) error {
	m.mu.Lock()
	defer func() { m.mu.Unlock(); m.markDirty() }()
	if _, ok := m.runs[run.ID]; !ok {
		return &ErrNotFound{Entity: "workflow run", Key: run.ID}
	}
	cp := *run
	m.runs[run.ID] = &cp
	return nil
}

func (m *MemoryStore) ListWorkflowRuns(ctx context.Context, tenantID string, limit int) ([]models.WorkflowRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.WorkflowRun, 0)
	for _, r := range m.runs {
		if tenantID != "" && r.TenantID != tenantID {
			continue
		}
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ListResumableRuns(ctx context.Context) ([]models.WorkflowRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.WorkflowRun, 0)
	for _, r := range m.runs {
		if r.Status == models.RunPending || r.Status == models.RunRunning {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

// ── Audit ───────────────────────────────────────────────────

func (m *MemoryStore) CreateAuditEvent(ctx context.Context, event *models.AuditEvent) error {
	m.mu.Lock()
	cp := *event
	m.auditEvents = append(m.auditEvents, &cp)
	m.mu.Unlock()
	m.markDirty()
	return nil
}

func matchAudit(e *models.AuditEvent, f models.AuditFilter) bool {
	if f.TenantID != "" && e.TenantID != f.TenantID {
		return false
	}
	if f.Stage != "" && e.Stage != f.Stage {
		return false
	}
	if f.Status != "" && e.Status != f.Status {
		return false
	}
	if f.TraceID != "" && e.TraceID != f.TraceID {
		return false
	}
	if f.Since != nil && e.Timestamp.Before(*f.Since) {
		return false
	}
	if f.Until != nil && e.Timestamp.After(*f.Until) {
		return false
	}
	return true
}

func (m *MemoryStore) ListAuditEvents(ctx context.Context, filter models.AuditFilter) ([]models.AuditEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.AuditEvent, 0)
	for _, e := range m.auditEvents {
		if matchAudit(e, filter) {
			out = append(out, *e)
		}
	}
	// Newest first, then pagination.
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return []models.AuditEvent{}, nil
		}
		out = out[filter.Offset:]
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) CountAuditEvents(ctx context.Context, filter models.AuditFilter) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var n int64
	for _, e := range m.auditEvents {
		if matchAudit(e, filter) {
			n++
		}
	}
	return n, nil
}
