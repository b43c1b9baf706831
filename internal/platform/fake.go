package platform

import (
	"context"
	"sync"

	"github.com/adpilot/control-plane/pkg/models"
)

// CallRecord captures one Invoke for inspection.
type CallRecord struct {
	TenantID  string
	Platform  string
	Operation string
	Payload   map[string]interface{}
}

// Fake is a scriptable Invoker used in tests and local development.
// Responses are keyed by operation ref; unscripted operations echo their
// payload back.
type Fake struct {
	mu        sync.Mutex
	calls     []CallRecord
	responses map[string]func(payload map[string]interface{}) (map[string]interface{}, error)
}

func NewFake() *Fake {
	return &Fake{responses: make(map[string]func(map[string]interface{}) (map[string]interface{}, error))}
}

// Respond scripts the response for an operation ref. The function runs on
// every matching Invoke, so stateful scripts (fail twice then succeed) are
// expressed with a closure.
func (f *Fake) Respond(operation string, fn func(payload map[string]interface{}) (map[string]interface{}, error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[operation] = fn
}

// Fail scripts a fixed error for an operation ref.
func (f *Fake) Fail(operation string, err error) {
	f.Respond(operation, func(map[string]interface{}) (map[string]interface{}, error) {
		return nil, err
	})
}

func (f *Fake) Invoke(ctx context.Context, cred models.Credential, operation string, payload map[string]interface{}) (map[string]interface{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.calls = append(f.calls, CallRecord{
		TenantID:  cred.TenantID,
		Platform:  cred.Platform,
		Operation: operation,
		Payload:   payload,
	})
	fn := f.responses[operation]
	f.mu.Unlock()

	if fn != nil {
		return fn(payload)
	}
	out := map[string]interface{}{"ok": true}
	for k, v := range payload {
		out[k] = v
	}
	return out, nil
}

// Calls returns a copy of the recorded invocations.
func (f *Fake) Calls() []CallRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]CallRecord(nil), f.calls...)
}

// CallCount returns how many times the operation was invoked.
func (f *Fake) CallCount(operation string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c.Operation == operation {
			n++
		}
	}
	return n
}
