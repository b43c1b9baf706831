// Package platform defines the boundary to the external advertising
// platform. The pipeline never talks to the platform directly; every call
// goes through an Invoker so the executor can wrap it with circuit
// breaking, retries, and journaling.
package platform

import (
	"context"
	"fmt"

	"github.com/adpilot/control-plane/pkg/models"
)

// Invoker performs one operation against the external platform on behalf
// of a tenant. The credential is the decrypted form and must not outlive
// the call.
type Invoker interface {
	Invoke(ctx context.Context, cred models.Credential, operation string, payload map[string]interface{}) (map[string]interface{}, error)
}

// Error classifies a platform failure. Transient failures (rate limits,
// 5xx, timeouts) are retried and counted by the circuit breaker; permanent
// failures (validation rejection, unknown entity) fail the step immediately.
type Error struct {
	Code      string
	Message   string
	Transient bool
}

func (e *Error) Error() string {
	return fmt.Sprintf("platform error %s: %s", e.Code, e.Message)
}

// IsTransient reports whether err should be retried. Unclassified errors
// (network failures surfaced by the transport) are treated as transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if pe, ok := err.(*Error); ok {
		return pe.Transient
	}
	return true
}

// RateLimited builds the transient error the platform returns when a
// tenant exhausts its request quota.
func RateLimited(message string) *Error {
	return &Error{Code: "rate_limited", Message: message, Transient: true}
}

// Rejected builds a permanent error for requests the platform refuses
// outright.
func Rejected(code, message string) *Error {
	return &Error{Code: code, Message: message, Transient: false}
}
