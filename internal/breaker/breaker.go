// Package breaker implements the per-(tenant, platform) circuit breaker.
// State machine: closed → open after N consecutive transient failures →
// half-open after the cooldown → closed on a successful trial call, or
// back to open on a failed one. While open, calls fail fast without
// touching the external platform.
package breaker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/adpilot/control-plane/internal/store"
	"github.com/adpilot/control-plane/pkg/models"
	"github.com/rs/zerolog/log"
)

// OpenError is returned by Allow while the breaker rejects calls.
type OpenError struct {
	TenantID string
	Platform string
	RetryAt  time.Time
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit open for %s/%s until %s", e.TenantID, e.Platform, e.RetryAt.Format(time.RFC3339))
}

// IsOpen reports whether err is a breaker rejection.
func IsOpen(err error) bool {
	_, ok := err.(*OpenError)
	return ok
}

// Breaker tracks failure state per (tenant, platform). Each key has its
// own lock so one tenant's storm never serializes another tenant's calls.
type Breaker struct {
	store     store.BreakerStore
	threshold int
	cooldown  time.Duration

	mu    sync.Mutex
	locks map[string]*sync.Mutex
	trial map[string]bool // half-open keys with a trial call in flight

	// now is swapped in tests to step through cooldowns.
	now func() time.Time
}

func New(breakerStore store.BreakerStore, threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	return &Breaker{
		store:     breakerStore,
		threshold: threshold,
		cooldown:  cooldown,
		locks:     make(map[string]*sync.Mutex),
		trial:     make(map[string]bool),
		now:       time.Now,
	}
}

func (b *Breaker) lockFor(key string) *sync.Mutex {
	b.mu.Lock()
	defer b.mu.Unlock()
	l, ok := b.locks[key]
	if !ok {
		l = &sync.Mutex{}
		b.locks[key] = l
	}
	return l
}

func (b *Breaker) load(ctx context.Context, tenantID, platform string) (*models.BreakerState, error) {
	state, err := b.store.GetBreakerState(ctx, tenantID, platform)
	if store.IsNotFound(err) {
		return &models.BreakerState{
			TenantID: tenantID,
			Platform: platform,
			Status:   models.BreakerClosed,
		}, nil
	}
	return state, err
}

// Allow reports whether a call may proceed. An open breaker past its
// cooldown moves to half-open and admits exactly one trial call; further
// callers keep failing fast until the trial resolves.
func (b *Breaker) Allow(ctx context.Context, tenantID, platform string) error {
	key := tenantID + "|" + platform
	l := b.lockFor(key)
	l.Lock()
	defer l.Unlock()

	state, err := b.load(ctx, tenantID, platform)
	if err != nil {
		return err
	}

	switch state.Status {
	case models.BreakerClosed:
		return nil

	case models.BreakerOpen:
		retryAt := state.OpenedAt.Add(b.cooldown)
		if b.now().Before(retryAt) {
			return &OpenError{TenantID: tenantID, Platform: platform, RetryAt: retryAt}
		}
		state.Status = models.BreakerHalfOpen
		if err := b.store.PutBreakerState(ctx, state); err != nil {
			return err
		}
		b.mu.Lock()
		b.trial[key] = true
		b.mu.Unlock()
		log.Info().
			Str("tenant_id", tenantID).
			Str("platform", platform).
			Msg("Circuit half-open, admitting trial call")
		return nil

	case models.BreakerHalfOpen:
		b.mu.Lock()
		inFlight := b.trial[key]
		if !inFlight {
			b.trial[key] = true
		}
		b.mu.Unlock()
		if inFlight {
			return &OpenError{TenantID: tenantID, Platform: platform, RetryAt: b.now()}
		}
		return nil
	}
	return nil
}

// RecordSuccess closes the breaker and resets the failure count.
func (b *Breaker) RecordSuccess(ctx context.Context, tenantID, platform string) error {
	key := tenantID + "|" + platform
	l := b.lockFor(key)
	l.Lock()
	defer l.Unlock()

	state, err := b.load(ctx, tenantID, platform)
	if err != nil {
		return err
	}

	wasOpen := state.Status != models.BreakerClosed
	state.Status = models.BreakerClosed
	state.Failures = 0
	state.OpenedAt = time.Time{}
	b.clearTrial(key)

	if err := b.store.PutBreakerState(ctx, state); err != nil {
		return err
	}
	if wasOpen {
		log.Info().
			Str("tenant_id", tenantID).
			Str("platform", platform).
			Msg("Circuit closed")
	}
	return nil
}

// RecordFailure counts a transient failure. Crossing the threshold, or
// failing the half-open trial, opens the breaker.
func (b *Breaker) RecordFailure(ctx context.Context, tenantID, platform string) error {
	key := tenantID + "|" + platform
	l := b.lockFor(key)
	l.Lock()
	defer l.Unlock()

	state, err := b.load(ctx, tenantID, platform)
	if err != nil {
		return err
	}

	now := b.now().UTC()
	state.Failures++
	state.LastFailureAt = now
	b.clearTrial(key)

	if state.Status == models.BreakerHalfOpen || state.Failures >= b.threshold {
		if state.Status != models.BreakerOpen {
			log.Warn().
				Str("tenant_id", tenantID).
				Str("platform", platform).
				Int("failures", state.Failures).
				Msg("Circuit opened")
		}
		state.Status = models.BreakerOpen
		state.OpenedAt = now
	}
	return b.store.PutBreakerState(ctx, state)
}

// CancelTrial releases a half-open trial slot when the trial call ended
// without a breaker-countable outcome: a permanent platform error, or a
// failure before the platform was ever reached. The persisted state stays
// half-open and the next caller is admitted as a fresh trial; without this
// the slot would stay claimed forever and every later call would fail fast.
func (b *Breaker) CancelTrial(tenantID, platform string) {
	b.clearTrial(tenantID + "|" + platform)
}

func (b *Breaker) clearTrial(key string) {
	b.mu.Lock()
	delete(b.trial, key)
	b.mu.Unlock()
}

// State returns the current breaker state for inspection.
func (b *Breaker) State(ctx context.Context, tenantID, platform string) (*models.BreakerState, error) {
	return b.load(ctx, tenantID, platform)
}
