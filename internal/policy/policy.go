// Package policy evaluates per-tenant business rules before an operation
// reaches the external platform. Rules run in a fixed order: prohibited
// content first (hard block, nothing overrides it), then budget ceiling
// and change magnitude, then tenant-specific approval gates. The engine
// only reads rule documents; it never mutates them.
package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"sync"

	"github.com/adpilot/control-plane/internal/store"
	"github.com/adpilot/control-plane/pkg/models"
	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/rs/zerolog/log"
)

// Engine evaluates policy sets against operation requests.
type Engine struct {
	store store.PolicyStore

	mu       sync.Mutex
	programs map[string]*vm.Program // compiled gate expressions, keyed by source
}

func NewEngine(policyStore store.PolicyStore) *Engine {
	return &Engine{store: policyStore, programs: make(map[string]*vm.Program)}
}

// Evaluate runs the tenant's policy set against the payload. A tenant
// without a policy set is unrestricted. Read-only operations skip budget
// and gate checks but still go through prohibited-content filtering.
func (e *Engine) Evaluate(ctx context.Context, tenantID string, def *models.OperationDefinition, payload map[string]interface{}) (*models.PolicyDecision, error) {
	set, err := e.store.GetPolicySet(ctx, tenantID)
	if store.IsNotFound(err) {
		return &models.PolicyDecision{Outcome: models.PolicyApproved}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("policy: load policy set: %w", err)
	}

	if reasons := prohibitedMatches(set.KeywordRules, payload); len(reasons) > 0 {
		return &models.PolicyDecision{Outcome: models.PolicyBlocked, Reasons: reasons}, nil
	}

	if !def.Mutating {
		return &models.PolicyDecision{Outcome: models.PolicyApproved}, nil
	}

	var approvalReasons []string

	if set.BudgetLimits != nil {
		blocked, pending := budgetCheck(set.BudgetLimits, payload)
		if len(blocked) > 0 {
			return &models.PolicyDecision{Outcome: models.PolicyBlocked, Reasons: blocked}, nil
		}
		approvalReasons = append(approvalReasons, pending...)
	}

	gates, gateReasons := e.matchGates(tenantID, set.ApprovalGates, def, payload)
	approvalReasons = append(approvalReasons, gateReasons...)

	if len(approvalReasons) > 0 {
		return &models.PolicyDecision{
			Outcome: models.PolicyNeedsApproval,
			Reasons: approvalReasons,
			Gates:   gates,
		}, nil
	}
	return &models.PolicyDecision{Outcome: models.PolicyApproved}, nil
}

// prohibitedMatches scans every string value in the payload, including
// nested maps and arrays, for prohibited terms. Matching is
// case-insensitive substring.
func prohibitedMatches(rules *models.KeywordRules, payload map[string]interface{}) []string {
	if rules == nil || len(rules.Prohibited) == 0 {
		return nil
	}
	seen := make(map[string]bool)
	var reasons []string
	walkStrings(payload, func(s string) {
		lower := strings.ToLower(s)
		for _, term := range rules.Prohibited {
			if term == "" || seen[term] {
				continue
			}
			if strings.Contains(lower, strings.ToLower(term)) {
				seen[term] = true
				reasons = append(reasons, "keyword_rules.prohibited: "+term)
			}
		}
	})
	return reasons
}

func walkStrings(v interface{}, fn func(string)) {
	switch x := v.(type) {
	case string:
		fn(x)
	case map[string]interface{}:
		for _, item := range x {
			walkStrings(item, fn)
		}
	case []interface{}:
		for _, item := range x {
			walkStrings(item, fn)
		}
	case []string:
		for _, item := range x {
			fn(item)
		}
	}
}

// budgetCheck applies daily_max (hard block) and change_max_percent
// (routes to approval). The magnitude check needs the current budget in
// the payload; without it the check is skipped.
func budgetCheck(limits *models.BudgetLimits, payload map[string]interface{}) (blocked, pending []string) {
	budget, ok := numberField(payload, "new_daily_budget")
	if !ok {
		budget, ok = numberField(payload, "daily_budget")
	}
	if !ok {
		return nil, nil
	}

	if limits.DailyMax > 0 && budget > limits.DailyMax {
		blocked = append(blocked, "budget_limits.daily_max exceeded")
		return blocked, nil
	}

	if limits.ChangeMaxPercent > 0 {
		if current, ok := numberField(payload, "current_daily_budget"); ok && current > 0 {
			pct := math.Abs(budget-current) / current * 100
			if pct > limits.ChangeMaxPercent {
				pending = append(pending, "budget_limits.change_max_percent exceeded")
			}
		}
	}
	return blocked, pending
}

func numberField(payload map[string]interface{}, key string) (float64, bool) {
	switch v := payload[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	}
	return 0, false
}

// matchGates evaluates each approval gate's requires expression over the
// payload fields plus operation and tenant_id. A gate whose expression
// fails to compile or evaluate routes the request to approval rather than
// silently passing it.
func (e *Engine) matchGates(tenantID string, gates []models.ApprovalGate, def *models.OperationDefinition, payload map[string]interface{}) ([]string, []string) {
	if len(gates) == 0 {
		return nil, nil
	}

	env := make(map[string]interface{}, len(payload)+2)
	for k, v := range payload {
		env[k] = v
	}
	env["operation"] = def.Name
	env["tenant_id"] = tenantID

	var matched, reasons []string
	for _, gate := range gates {
		ok, err := e.runGate(gate.Requires, env)
		if err != nil {
			log.Warn().
				Err(err).
				Str("tenant_id", tenantID).
				Str("rule", gate.Rule).
				Msg("Approval gate evaluation failed, routing to approval")
			matched = append(matched, gate.Rule)
			reasons = append(reasons, "approval_gates."+gate.Rule+" evaluation error")
			continue
		}
		if ok {
			matched = append(matched, gate.Rule)
			reasons = append(reasons, "approval_gates."+gate.Rule)
		}
	}
	return matched, reasons
}

func (e *Engine) runGate(src string, env map[string]interface{}) (bool, error) {
	program, err := e.compile(src)
	if err != nil {
		return false, err
	}
	out, err := expr.Run(program, env)
	if err != nil {
		return false, err
	}
	b, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("expression returned %T, want bool", out)
	}
	return b, nil
}

func (e *Engine) compile(src string) (*vm.Program, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if p, ok := e.programs[src]; ok {
		return p, nil
	}
	p, err := expr.Compile(src, expr.AllowUndefinedVariables())
	if err != nil {
		return nil, err
	}
	e.programs[src] = p
	return p, nil
}
