// Package audit emits structured pipeline events to the audit store, the
// process log, and the active trace span. Audit writes are best-effort:
// a failed write is logged, never allowed to fail the operation it was
// recording.
package audit

import (
	"context"
	"time"

	"github.com/adpilot/control-plane/internal/store"
	"github.com/adpilot/control-plane/pkg/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

type Emitter struct {
	store store.AuditStore
}

func NewEmitter(auditStore store.AuditStore) *Emitter {
	return &Emitter{store: auditStore}
}

// Stage records one pipeline-stage transition.
func (e *Emitter) Stage(ctx context.Context, tenantID, operationID, traceID string, stage models.Stage, status string, latency time.Duration, details map[string]interface{}) {
	ev := &models.AuditEvent{
		ID:          uuid.NewString(),
		Timestamp:   time.Now().UTC(),
		TenantID:    tenantID,
		OperationID: operationID,
		TraceID:     traceID,
		Stage:       string(stage),
		Status:      status,
		LatencyMs:   latency.Milliseconds(),
		Details:     details,
	}

	if err := e.store.CreateAuditEvent(ctx, ev); err != nil {
		log.Error().Err(err).Str("tenant_id", tenantID).Str("stage", ev.Stage).Msg("Failed to persist audit event")
	}

	log.Info().
		Str("tenant_id", tenantID).
		Str("operation_id", operationID).
		Str("trace_id", traceID).
		Str("stage", ev.Stage).
		Str("status", status).
		Int64("latency_ms", ev.LatencyMs).
		Msg("Pipeline stage")

	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		span.AddEvent("pipeline.stage", trace.WithAttributes(
			attribute.String("tenant_id", tenantID),
			attribute.String("operation_id", operationID),
			attribute.String("stage", ev.Stage),
			attribute.String("status", status),
			attribute.Int64("latency_ms", ev.LatencyMs),
		))
	}
}

// CredentialAccess implements the vault's access log: every credential
// read, hit or miss, leaves a compliance trail.
func (e *Emitter) CredentialAccess(ctx context.Context, tenantID, platform, outcome string) {
	e.Stage(ctx, tenantID, "", "", models.StageCredentials, outcome, 0, map[string]interface{}{
		"platform": platform,
	})
}
