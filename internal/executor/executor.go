// Package executor performs a single operation against the external
// platform: credential decryption, circuit-breaker gating, and bounded
// retries with exponential backoff and jitter. Transient failures
// (timeouts, 5xx, rate limits) are retried and counted by the breaker;
// permanent failures propagate on the first attempt. Every attempt is
// recorded as a step event for the saga journal.
package executor

import (
	"context"
	"sync"
	"time"

	"github.com/adpilot/control-plane/internal/breaker"
	"github.com/adpilot/control-plane/internal/config"
	"github.com/adpilot/control-plane/internal/platform"
	"github.com/adpilot/control-plane/internal/vault"
	"github.com/adpilot/control-plane/pkg/models"
	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
)

// Executor runs operations through the breaker and retry policy. Calls
// for the same (tenant, platform) are serialized with a per-key mutex so
// one tenant's burst cannot interleave mutations; different tenants
// proceed in parallel.
type Executor struct {
	vault   *vault.Vault
	breaker *breaker.Breaker
	invoker platform.Invoker
	cfg     config.ExecutorConfig

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func New(v *vault.Vault, b *breaker.Breaker, invoker platform.Invoker, cfg config.ExecutorConfig) *Executor {
	return &Executor{
		vault:   v,
		breaker: b,
		invoker: invoker,
		cfg:     cfg,
		locks:   make(map[string]*sync.Mutex),
	}
}

func (e *Executor) lockFor(key string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.locks[key]
	if !ok {
		l = &sync.Mutex{}
		e.locks[key] = l
	}
	return l
}

// Execute performs one operation for a tenant. The returned events cover
// every attempt, including a breaker fast-fail, so the caller can append
// them to the saga step. On success the platform response is returned.
func (e *Executor) Execute(ctx context.Context, tenantID, platformName string, def *models.OperationDefinition, payload map[string]interface{}) (map[string]interface{}, []models.StepEvent, error) {
	key := tenantID + "|" + platformName
	l := e.lockFor(key)
	l.Lock()
	defer l.Unlock()

	var events []models.StepEvent

	if err := e.breaker.Allow(ctx, tenantID, platformName); err != nil {
		events = append(events, models.StepEvent{
			Timestamp: time.Now().UTC(),
			Kind:      models.EventBreakerOpen,
			Status:    "rejected",
			Error:     err.Error(),
		})
		return nil, events, err
	}

	// Decryption happens inside the call boundary; the plaintext
	// credential never leaves this frame.
	cred, err := e.vault.Get(ctx, tenantID, platformName)
	if err != nil {
		// The platform was never reached; give back any half-open trial
		// slot Allow just handed us.
		e.breaker.CancelTrial(tenantID, platformName)
		return nil, events, err
	}

	var result map[string]interface{}
	attempt := 0

	call := func() error {
		attempt++
		kind := models.EventAttempt
		if attempt > 1 {
			kind = models.EventRetry
		}
		started := time.Now()

		callCtx := ctx
		var cancel context.CancelFunc
		if e.cfg.CallTimeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, e.cfg.CallTimeout)
		}
		out, err := e.invoker.Invoke(callCtx, *cred, def.Ref(), payload)
		if cancel != nil {
			cancel()
		}

		ev := models.StepEvent{
			Timestamp: started.UTC(),
			Kind:      kind,
			Attempt:   attempt,
			LatencyMs: time.Since(started).Milliseconds(),
		}
		if err == nil {
			ev.Status = "success"
			events = append(events, ev)
			result = out
			return nil
		}

		ev.Status = "failed"
		ev.Error = err.Error()
		events = append(events, ev)

		if !platform.IsTransient(err) {
			return backoff.Permanent(err)
		}
		if berr := e.breaker.RecordFailure(ctx, tenantID, platformName); berr != nil {
			log.Error().Err(berr).Str("tenant_id", tenantID).Msg("Failed to record breaker failure")
		}
		log.Warn().
			Str("tenant_id", tenantID).
			Str("operation", def.Ref()).
			Int("attempt", attempt).
			Err(err).
			Msg("Transient platform failure, will retry")
		return err
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = e.cfg.InitialBackoff
	bo.MaxInterval = e.cfg.MaxBackoff
	bo.MaxElapsedTime = 0

	maxRetries := uint64(0)
	if e.cfg.MaxAttempts > 1 {
		maxRetries = uint64(e.cfg.MaxAttempts - 1)
	}

	err = backoff.Retry(call, backoff.WithContext(backoff.WithMaxRetries(bo, maxRetries), ctx))
	if err != nil {
		// Transient attempts already settled the breaker via RecordFailure.
		// A permanent error is not counted, so a trial slot claimed for
		// this call must be released explicitly.
		if !platform.IsTransient(err) {
			e.breaker.CancelTrial(tenantID, platformName)
		}
		return nil, events, err
	}

	if berr := e.breaker.RecordSuccess(ctx, tenantID, platformName); berr != nil {
		log.Error().Err(berr).Str("tenant_id", tenantID).Msg("Failed to record breaker success")
	}
	return result, events, nil
}
