// Package idempotency deduplicates operation requests inside a bounded
// time window. The key is derived deterministically from the tenant, the
// versioned operation, and a content hash of the normalized payload, so
// two logically identical requests collapse to the same key even when
// submitted independently by different callers.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/adpilot/control-plane/internal/store"
	"github.com/adpilot/control-plane/pkg/models"
)

// Guard wraps the idempotency store with key derivation and TTL policy.
// Concurrent callers hitting an in-flight key receive the in-flight
// status rather than blocking; the tradeoff favors caller latency and is
// part of the API contract.
type Guard struct {
	store store.IdempotencyStore
	ttl   time.Duration
}

func NewGuard(idemStore store.IdempotencyStore, ttl time.Duration) *Guard {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Guard{store: idemStore, ttl: ttl}
}

// DeriveKey builds the dedup key: tenant|operation@version|payload-hash.
// When the operation declares key fields, only those payload fields feed
// the hash, so irrelevant payload noise (trace metadata, display hints)
// does not defeat deduplication. encoding/json sorts map keys, which
// keeps the hash stable across field orderings.
func DeriveKey(tenantID string, def *models.OperationDefinition, payload map[string]interface{}) (string, error) {
	subject := payload
	if len(def.KeyFields) > 0 {
		subject = make(map[string]interface{}, len(def.KeyFields))
		for _, f := range def.KeyFields {
			if v, ok := payload[f]; ok {
				subject[f] = v
			}
		}
	}
	raw, err := json.Marshal(subject)
	if err != nil {
		return "", fmt.Errorf("idempotency: hash payload: %w", err)
	}
	sum := sha256.Sum256(raw)
	return tenantID + "|" + def.Ref() + "|" + hex.EncodeToString(sum[:]), nil
}

// Reserve claims a key for execution. It returns (nil, nil) when the
// caller holds the reservation and must execute, or the existing record
// when another execution already committed or is still in flight.
func (g *Guard) Reserve(ctx context.Context, tenantID, key string) (*models.IdempotencyRecord, error) {
	now := time.Now().UTC()
	return g.store.ReserveIdempotencyKey(ctx, &models.IdempotencyRecord{
		Key:       key,
		TenantID:  tenantID,
		Status:    models.IdempotencyInFlight,
		CreatedAt: now,
		ExpiresAt: now.Add(g.ttl),
	})
}

// Commit records the result so later submissions of the same key return
// it without touching the platform. The TTL restarts at commit time.
func (g *Guard) Commit(ctx context.Context, key string, result map[string]interface{}) error {
	return g.store.CommitIdempotencyKey(ctx, key, result, time.Now().UTC().Add(g.ttl))
}

// Release frees a reservation whose execution never reached a terminal
// result (infrastructure failure before the platform call), so a retry
// of the same request is not locked out for the whole TTL.
func (g *Guard) Release(ctx context.Context, key string) error {
	return g.store.ReleaseIdempotencyKey(ctx, key)
}
