// Package notify dispatches pipeline events to configured webhook
// endpoints: approval gates waiting for a human, approvals resolved or
// expired, sagas compensated. Delivery is best-effort and asynchronous;
// the pipeline never blocks on a webhook.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// EventType describes what happened.
type EventType string

const (
	EventApprovalRequested EventType = "approval_requested"
	EventApprovalResolved  EventType = "approval_resolved"
	EventApprovalExpired   EventType = "approval_expired"
	EventSagaCompensated   EventType = "saga_compensated"
)

// Event is the webhook payload.
type Event struct {
	Type       EventType              `json:"type"`
	TenantID   string                 `json:"tenant_id"`
	SagaID     string                 `json:"saga_id,omitempty"`
	StepID     string                 `json:"step_id,omitempty"`
	ApprovalID string                 `json:"approval_id,omitempty"`
	Operation  string                 `json:"operation,omitempty"`
	Detail     map[string]interface{} `json:"detail,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
}

// Notifier is the pipeline-facing interface. The zero-target service
// satisfies it as a no-op.
type Notifier interface {
	Notify(ctx context.Context, event Event)
}

// Service posts events to a webhook URL with optional HMAC-SHA256
// signing, retrying transient delivery failures.
type Service struct {
	client *http.Client
	url    string
	secret string
	events map[string]bool
}

// NewService creates a webhook notification service. An empty url
// disables dispatch. subscribed filters event types; empty means all.
func NewService(url, secret string, subscribed []string) *Service {
	s := &Service{
		client: &http.Client{Timeout: 15 * time.Second},
		url:    url,
		secret: secret,
	}
	if len(subscribed) > 0 {
		s.events = make(map[string]bool, len(subscribed))
		for _, e := range subscribed {
			if e = strings.TrimSpace(e); e != "" {
				s.events[e] = true
			}
		}
	}
	return s
}

// NewServiceFromEnv builds the service from ADPILOT_WEBHOOK_URL,
// ADPILOT_WEBHOOK_SECRET, and ADPILOT_WEBHOOK_EVENTS (comma-separated).
func NewServiceFromEnv() *Service {
	var subscribed []string
	if raw := os.Getenv("ADPILOT_WEBHOOK_EVENTS"); raw != "" {
		subscribed = strings.Split(raw, ",")
	}
	return NewService(os.Getenv("ADPILOT_WEBHOOK_URL"), os.Getenv("ADPILOT_WEBHOOK_SECRET"), subscribed)
}

// Enabled reports whether a webhook target is configured.
func (s *Service) Enabled() bool {
	return s.url != ""
}

// Notify dispatches the event asynchronously. Failures are logged, never
// surfaced to the caller.
func (s *Service) Notify(ctx context.Context, event Event) {
	if !s.Enabled() || !s.subscribes(event.Type) {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	// Detached from the request context: the caller's request finishing
	// must not cancel the delivery.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if err := s.send(ctx, event); err != nil {
			log.Warn().
				Err(err).
				Str("event", string(event.Type)).
				Str("tenant_id", event.TenantID).
				Msg("Webhook notification failed")
			return
		}
		log.Info().
			Str("event", string(event.Type)).
			Str("tenant_id", event.TenantID).
			Str("approval_id", event.ApprovalID).
			Msg("Webhook notification dispatched")
	}()
}

func (s *Service) subscribes(eventType EventType) bool {
	if s.events == nil {
		return true
	}
	return s.events[string(eventType)] || s.events["*"]
}

// send posts the event with up to 3 attempts and linear backoff.
func (s *Service) send(ctx context.Context, event Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt*2) * time.Second):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("build webhook request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", "AdPilot-Webhook/1.0")
		req.Header.Set("X-AdPilot-Event", string(event.Type))
		req.Header.Set("X-AdPilot-Tenant", event.TenantID)

		// HMAC-SHA256 signing if a secret is configured
		if s.secret != "" {
			mac := hmac.New(sha256.New, []byte(s.secret))
			mac.Write(body)
			req.Header.Set("X-AdPilot-Signature", "sha256="+hex.EncodeToString(mac.Sum(nil)))
		}

		resp, err := s.client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		resp.Body.Close()
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		lastErr = fmt.Errorf("webhook HTTP %d from %s", resp.StatusCode, s.url)
	}
	return fmt.Errorf("webhook failed after 3 attempts: %w", lastErr)
}
