// Package retention runs the background janitor: it sweeps expired
// idempotency keys, fails approvals past their deadline, and drops
// resolved approvals older than the retention window.
package retention

import (
	"context"
	"time"

	"github.com/adpilot/control-plane/internal/config"
	"github.com/adpilot/control-plane/internal/connector"
	"github.com/adpilot/control-plane/internal/store"
	"github.com/rs/zerolog/log"
)

type Janitor struct {
	store store.Store
	conn  *connector.Connector
	cfg   config.RetentionConfig
	done  chan struct{}
}

func NewJanitor(st store.Store, conn *connector.Connector, cfg config.RetentionConfig) *Janitor {
	return &Janitor{store: st, conn: conn, cfg: cfg, done: make(chan struct{})}
}

// Start sweeps once immediately, then on every tick until ctx is
// canceled or Stop is called.
func (j *Janitor) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(j.cfg.SweepInterval)
		defer ticker.Stop()

		j.Sweep(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-j.done:
				return
			case <-ticker.C:
				j.Sweep(ctx)
			}
		}
	}()
}

func (j *Janitor) Stop() {
	close(j.done)
}

// Sweep runs one janitor pass. Each phase is best-effort; a failure in
// one does not stop the others.
func (j *Janitor) Sweep(ctx context.Context) {
	now := time.Now().UTC()

	keys, err := j.store.PurgeExpiredIdempotencyKeys(ctx, now)
	if err != nil {
		log.Error().Err(err).Msg("Idempotency purge failed")
	}

	expired, err := j.conn.ExpireApprovals(ctx, now)
	if err != nil {
		log.Error().Err(err).Msg("Approval expiry sweep failed")
	}

	resolved, err := j.store.PurgeResolvedApprovals(ctx, now.Add(-j.cfg.ResolvedTTL))
	if err != nil {
		log.Error().Err(err).Msg("Resolved approval purge failed")
	}

	if keys+expired+resolved > 0 {
		log.Info().
			Int("idempotency_keys", keys).
			Int("expired_approvals", expired).
			Int("purged_approvals", resolved).
			Msg("Retention sweep completed")
	}
}
