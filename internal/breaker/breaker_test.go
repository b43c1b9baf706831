package breaker

import (
	"context"
	"testing"
	"time"

	"github.com/adpilot/control-plane/internal/store"
	"github.com/adpilot/control-plane/pkg/models"
)

func newTestBreaker(t *testing.T, threshold int, cooldown time.Duration) (*Breaker, *time.Time) {
	t.Helper()
	t.Setenv("ADPILOT_DATA_DIR", t.TempDir())
	s := store.NewMemoryStore()
	t.Cleanup(func() { s.Close() })

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	b := New(s, threshold, cooldown)
	b.now = func() time.Time { return now }
	return b, &now
}

func TestOpensAfterConsecutiveFailures(t *testing.T) {
	b, _ := newTestBreaker(t, 3, time.Minute)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := b.RecordFailure(ctx, "acme", "adwords"); err != nil {
			t.Fatalf("RecordFailure() error = %v", err)
		}
		if err := b.Allow(ctx, "acme", "adwords"); err != nil {
			t.Fatalf("Allow() after %d failures error = %v, want nil", i+1, err)
		}
	}

	if err := b.RecordFailure(ctx, "acme", "adwords"); err != nil {
		t.Fatalf("RecordFailure() error = %v", err)
	}
	if err := b.Allow(ctx, "acme", "adwords"); !IsOpen(err) {
		t.Errorf("Allow() after threshold error = %v, want open", err)
	}

	// Another tenant's breaker is unaffected.
	if err := b.Allow(ctx, "globex", "adwords"); err != nil {
		t.Errorf("Allow(other tenant) error = %v, want nil", err)
	}
	// Same tenant, other platform, also unaffected.
	if err := b.Allow(ctx, "acme", "facebook"); err != nil {
		t.Errorf("Allow(other platform) error = %v, want nil", err)
	}
}

func TestSuccessResetsFailureCount(t *testing.T) {
	b, _ := newTestBreaker(t, 3, time.Minute)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := b.RecordFailure(ctx, "acme", "adwords"); err != nil {
			t.Fatalf("RecordFailure() error = %v", err)
		}
	}
	if err := b.RecordSuccess(ctx, "acme", "adwords"); err != nil {
		t.Fatalf("RecordSuccess() error = %v", err)
	}
	// The count restarted, so two more failures stay under threshold.
	for i := 0; i < 2; i++ {
		if err := b.RecordFailure(ctx, "acme", "adwords"); err != nil {
			t.Fatalf("RecordFailure() error = %v", err)
		}
	}
	if err := b.Allow(ctx, "acme", "adwords"); err != nil {
		t.Errorf("Allow() error = %v, want nil after reset", err)
	}
}

func TestHalfOpenTrialClosesBreaker(t *testing.T) {
	b, now := newTestBreaker(t, 2, time.Minute)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := b.RecordFailure(ctx, "acme", "adwords"); err != nil {
			t.Fatalf("RecordFailure() error = %v", err)
		}
	}
	if err := b.Allow(ctx, "acme", "adwords"); !IsOpen(err) {
		t.Fatalf("Allow() while open error = %v, want open", err)
	}

	// After the cooldown one trial call is admitted, and only one.
	*now = now.Add(2 * time.Minute)
	if err := b.Allow(ctx, "acme", "adwords"); err != nil {
		t.Fatalf("Allow() after cooldown error = %v, want trial admitted", err)
	}
	if err := b.Allow(ctx, "acme", "adwords"); !IsOpen(err) {
		t.Errorf("second Allow() during trial error = %v, want open", err)
	}

	if err := b.RecordSuccess(ctx, "acme", "adwords"); err != nil {
		t.Fatalf("RecordSuccess() error = %v", err)
	}
	state, err := b.State(ctx, "acme", "adwords")
	if err != nil {
		t.Fatalf("State() error = %v", err)
	}
	if state.Status != models.BreakerClosed || state.Failures != 0 {
		t.Errorf("state after trial success = %+v, want closed with 0 failures", state)
	}
	if err := b.Allow(ctx, "acme", "adwords"); err != nil {
		t.Errorf("Allow() after close error = %v, want nil", err)
	}
}

func TestCanceledTrialAdmitsNextCaller(t *testing.T) {
	b, now := newTestBreaker(t, 2, time.Minute)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := b.RecordFailure(ctx, "acme", "adwords"); err != nil {
			t.Fatalf("RecordFailure() error = %v", err)
		}
	}
	*now = now.Add(2 * time.Minute)
	if err := b.Allow(ctx, "acme", "adwords"); err != nil {
		t.Fatalf("Allow() after cooldown error = %v, want trial admitted", err)
	}

	// The trial ends without RecordSuccess/RecordFailure (permanent error,
	// or a failure before the call). The slot must come back; otherwise
	// the pair is locked out until restart.
	b.CancelTrial("acme", "adwords")

	if err := b.Allow(ctx, "acme", "adwords"); err != nil {
		t.Fatalf("Allow() after canceled trial error = %v, want fresh trial", err)
	}
	if err := b.RecordSuccess(ctx, "acme", "adwords"); err != nil {
		t.Fatalf("RecordSuccess() error = %v", err)
	}
	state, err := b.State(ctx, "acme", "adwords")
	if err != nil {
		t.Fatalf("State() error = %v", err)
	}
	if state.Status != models.BreakerClosed {
		t.Errorf("state = %q, want closed after retried trial", state.Status)
	}
}

func TestHalfOpenTrialFailureReopens(t *testing.T) {
	b, now := newTestBreaker(t, 2, time.Minute)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := b.RecordFailure(ctx, "acme", "adwords"); err != nil {
			t.Fatalf("RecordFailure() error = %v", err)
		}
	}
	*now = now.Add(2 * time.Minute)
	if err := b.Allow(ctx, "acme", "adwords"); err != nil {
		t.Fatalf("Allow() after cooldown error = %v", err)
	}
	if err := b.RecordFailure(ctx, "acme", "adwords"); err != nil {
		t.Fatalf("RecordFailure() during trial error = %v", err)
	}

	if err := b.Allow(ctx, "acme", "adwords"); !IsOpen(err) {
		t.Errorf("Allow() after failed trial error = %v, want open again", err)
	}
	state, err := b.State(ctx, "acme", "adwords")
	if err != nil {
		t.Fatalf("State() error = %v", err)
	}
	if state.Status != models.BreakerOpen {
		t.Errorf("state = %q, want open after failed trial", state.Status)
	}
}
