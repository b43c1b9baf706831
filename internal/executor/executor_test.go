package executor

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"testing"
	"time"

	"github.com/adpilot/control-plane/internal/breaker"
	"github.com/adpilot/control-plane/internal/config"
	"github.com/adpilot/control-plane/internal/platform"
	"github.com/adpilot/control-plane/internal/store"
	"github.com/adpilot/control-plane/internal/vault"
	"github.com/adpilot/control-plane/pkg/models"
)

var updateBudget = &models.OperationDefinition{Name: "update_budget", Version: "v1", Mutating: true}

func testConfig() config.ExecutorConfig {
	return config.ExecutorConfig{
		MaxAttempts:      3,
		InitialBackoff:   time.Millisecond,
		MaxBackoff:       5 * time.Millisecond,
		CallTimeout:      time.Second,
		BreakerThreshold: 5,
		BreakerCooldown:  time.Minute,
	}
}

func newTestExecutor(t *testing.T) (*Executor, *platform.Fake, *breaker.Breaker) {
	t.Helper()
	t.Setenv("ADPILOT_DATA_DIR", t.TempDir())
	s := store.NewMemoryStore()
	t.Cleanup(func() { s.Close() })

	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("rand.Read() error = %v", err)
	}
	v, err := vault.New(s, base64.StdEncoding.EncodeToString(key), nil)
	if err != nil {
		t.Fatalf("vault.New() error = %v", err)
	}
	if err := v.Put(context.Background(), models.Credential{
		TenantID: "acme", Platform: "adwords", AccountID: "123", RefreshToken: "tok",
	}); err != nil {
		t.Fatalf("vault.Put() error = %v", err)
	}

	cfg := testConfig()
	b := breaker.New(s, cfg.BreakerThreshold, cfg.BreakerCooldown)
	fake := platform.NewFake()
	return New(v, b, fake, cfg), fake, b
}

func TestExecuteSuccess(t *testing.T) {
	e, fake, _ := newTestExecutor(t)

	result, events, err := e.Execute(context.Background(), "acme", "adwords", updateBudget, map[string]interface{}{
		"campaign": "C1", "new_daily_budget": 250.0,
	})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if result["ok"] != true {
		t.Errorf("result = %v, want echo with ok", result)
	}
	if len(events) != 1 || events[0].Kind != models.EventAttempt || events[0].Status != "success" {
		t.Errorf("events = %+v, want single successful attempt", events)
	}
	if n := fake.CallCount("update_budget@v1"); n != 1 {
		t.Errorf("platform calls = %d, want 1", n)
	}
}

func TestTransientFailuresRetried(t *testing.T) {
	e, fake, _ := newTestExecutor(t)

	calls := 0
	fake.Respond("update_budget@v1", func(payload map[string]interface{}) (map[string]interface{}, error) {
		calls++
		if calls < 3 {
			return nil, platform.RateLimited("quota exhausted")
		}
		return map[string]interface{}{"confirmation_id": "conf-1"}, nil
	})

	result, events, err := e.Execute(context.Background(), "acme", "adwords", updateBudget, map[string]interface{}{
		"campaign": "C1", "new_daily_budget": 250.0,
	})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if result["confirmation_id"] != "conf-1" {
		t.Errorf("result = %v, want confirmation id", result)
	}
	if len(events) != 3 {
		t.Fatalf("len(events) = %d, want 3 attempts", len(events))
	}
	if events[0].Kind != models.EventAttempt || events[1].Kind != models.EventRetry || events[2].Kind != models.EventRetry {
		t.Errorf("event kinds = %s/%s/%s, want attempt/retry/retry", events[0].Kind, events[1].Kind, events[2].Kind)
	}
	if events[2].Status != "success" {
		t.Errorf("final event status = %q, want success", events[2].Status)
	}
}

func TestPermanentFailureNotRetried(t *testing.T) {
	e, fake, _ := newTestExecutor(t)

	fake.Fail("update_budget@v1", platform.Rejected("invalid_campaign", "no such campaign"))

	_, events, err := e.Execute(context.Background(), "acme", "adwords", updateBudget, map[string]interface{}{
		"campaign": "C9", "new_daily_budget": 250.0,
	})
	if err == nil {
		t.Fatal("Execute() succeeded, want permanent error")
	}
	if platform.IsTransient(err) {
		t.Errorf("err = %v, want permanent", err)
	}
	if len(events) != 1 {
		t.Errorf("len(events) = %d, want single attempt for permanent failure", len(events))
	}
	if n := fake.CallCount("update_budget@v1"); n != 1 {
		t.Errorf("platform calls = %d, want 1", n)
	}
}

func TestExhaustedRetriesReturnLastError(t *testing.T) {
	e, fake, _ := newTestExecutor(t)

	fake.Fail("update_budget@v1", platform.RateLimited("still throttled"))

	_, events, err := e.Execute(context.Background(), "acme", "adwords", updateBudget, map[string]interface{}{
		"campaign": "C1", "new_daily_budget": 250.0,
	})
	if err == nil {
		t.Fatal("Execute() succeeded, want exhausted-retries error")
	}
	if len(events) != testConfig().MaxAttempts {
		t.Errorf("len(events) = %d, want %d attempts", len(events), testConfig().MaxAttempts)
	}
}

func TestOpenBreakerFailsFastWithoutPlatformCall(t *testing.T) {
	e, fake, b := newTestExecutor(t)
	ctx := context.Background()

	// Drive the breaker open directly.
	for i := 0; i < testConfig().BreakerThreshold; i++ {
		if err := b.RecordFailure(ctx, "acme", "adwords"); err != nil {
			t.Fatalf("RecordFailure() error = %v", err)
		}
	}

	_, events, err := e.Execute(ctx, "acme", "adwords", updateBudget, map[string]interface{}{
		"campaign": "C1", "new_daily_budget": 250.0,
	})
	if !breaker.IsOpen(err) {
		t.Fatalf("Execute() error = %v, want breaker open", err)
	}
	if len(events) != 1 || events[0].Kind != models.EventBreakerOpen {
		t.Errorf("events = %+v, want single breaker_open event", events)
	}
	if n := fake.CallCount("update_budget@v1"); n != 0 {
		t.Errorf("platform calls = %d, want 0 while open", n)
	}
}

func TestPermanentTrialFailureDoesNotWedgeBreaker(t *testing.T) {
	t.Setenv("ADPILOT_DATA_DIR", t.TempDir())
	s := store.NewMemoryStore()
	t.Cleanup(func() { s.Close() })

	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("rand.Read() error = %v", err)
	}
	v, err := vault.New(s, base64.StdEncoding.EncodeToString(key), nil)
	if err != nil {
		t.Fatalf("vault.New() error = %v", err)
	}
	ctx := context.Background()
	if err := v.Put(ctx, models.Credential{
		TenantID: "acme", Platform: "adwords", AccountID: "123", RefreshToken: "tok",
	}); err != nil {
		t.Fatalf("vault.Put() error = %v", err)
	}

	cfg := testConfig()
	cfg.BreakerCooldown = 0 // every Allow after opening starts a trial
	b := breaker.New(s, cfg.BreakerThreshold, cfg.BreakerCooldown)
	fake := platform.NewFake()
	e := New(v, b, fake, cfg)

	for i := 0; i < cfg.BreakerThreshold; i++ {
		if err := b.RecordFailure(ctx, "acme", "adwords"); err != nil {
			t.Fatalf("RecordFailure() error = %v", err)
		}
	}

	// The half-open trial ends in a permanent platform error, which the
	// breaker does not count.
	fake.Fail("update_budget@v1", platform.Rejected("invalid_campaign", "no such campaign"))
	payload := map[string]interface{}{"campaign": "C1", "new_daily_budget": 250.0}
	if _, _, err := e.Execute(ctx, "acme", "adwords", updateBudget, payload); err == nil {
		t.Fatal("Execute() succeeded, want permanent error")
	}

	// The trial slot must be free again: the next call reaches the
	// platform and a success closes the breaker.
	fake.Respond("update_budget@v1", func(map[string]interface{}) (map[string]interface{}, error) {
		return map[string]interface{}{"confirmation_id": "conf-2"}, nil
	})
	result, _, err := e.Execute(ctx, "acme", "adwords", updateBudget, payload)
	if err != nil {
		t.Fatalf("Execute() after failed trial error = %v, want admitted", err)
	}
	if result["confirmation_id"] != "conf-2" {
		t.Errorf("result = %v, want confirmation id", result)
	}
	state, err := b.State(ctx, "acme", "adwords")
	if err != nil {
		t.Fatalf("State() error = %v", err)
	}
	if state.Status != models.BreakerClosed {
		t.Errorf("breaker state = %q, want closed", state.Status)
	}
}

func TestMissingCredentialFails(t *testing.T) {
	e, fake, _ := newTestExecutor(t)

	_, _, err := e.Execute(context.Background(), "acme", "facebook", updateBudget, map[string]interface{}{
		"campaign": "C1", "new_daily_budget": 250.0,
	})
	if !store.IsNotFound(err) {
		t.Errorf("Execute() error = %v, want credential not found", err)
	}
	if n := fake.CallCount("update_budget@v1"); n != 0 {
		t.Errorf("platform calls = %d, want 0 without credential", n)
	}
}
