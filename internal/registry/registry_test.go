package registry

import (
	"strings"
	"testing"

	"github.com/adpilot/control-plane/pkg/models"
)

func TestDefaultCatalogCompiles(t *testing.T) {
	r, err := New(DefaultCatalog())
	if err != nil {
		t.Fatalf("New(DefaultCatalog()) error = %v", err)
	}
	if len(r.List()) != len(DefaultCatalog()) {
		t.Errorf("List() = %d entries, want %d", len(r.List()), len(DefaultCatalog()))
	}
}

func TestResolveRequiresVersion(t *testing.T) {
	r, err := New(DefaultCatalog())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	def, err := r.Resolve("update_budget", "v1")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if def.Ref() != "update_budget@v1" {
		t.Errorf("Ref() = %q, want update_budget@v1", def.Ref())
	}

	if _, err := r.Resolve("update_budget", ""); err == nil {
		t.Error("Resolve() without version, want error")
	}
	if _, err := r.Resolve("update_budget", "v9"); err == nil {
		t.Error("Resolve() of unknown version, want error")
	}
}

func TestConflictingDuplicateRejected(t *testing.T) {
	defs := []models.OperationDefinition{
		{Name: "op", Version: "v1", Mutating: true},
		{Name: "op", Version: "v1", Mutating: false},
	}
	if _, err := New(defs); err == nil || !strings.Contains(err.Error(), "conflicting") {
		t.Errorf("New() error = %v, want conflicting-definitions error", err)
	}

	// An exact duplicate is tolerated.
	defs[1].Mutating = true
	if _, err := New(defs); err != nil {
		t.Errorf("New() with identical duplicate error = %v", err)
	}
}

func TestUnknownCompensationRejected(t *testing.T) {
	defs := []models.OperationDefinition{
		{Name: "op", Version: "v1", Mutating: true, Compensation: "undo@v1"},
	}
	if _, err := New(defs); err == nil {
		t.Error("New() with dangling compensation ref, want error")
	}
}

func TestValidateInput(t *testing.T) {
	r, err := New(DefaultCatalog())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	reasons, err := r.ValidateInput("update_budget", "v1", map[string]interface{}{
		"campaign":         "C1",
		"new_daily_budget": 250.0,
	})
	if err != nil {
		t.Fatalf("ValidateInput() error = %v", err)
	}
	if len(reasons) != 0 {
		t.Errorf("valid payload produced reasons %v", reasons)
	}

	reasons, err = r.ValidateInput("update_budget", "v1", map[string]interface{}{
		"campaign": "C1",
	})
	if err != nil {
		t.Fatalf("ValidateInput() error = %v", err)
	}
	if len(reasons) == 0 {
		t.Error("missing new_daily_budget produced no reasons")
	}

	reasons, err = r.ValidateInput("update_budget", "v1", map[string]interface{}{
		"campaign":         "C1",
		"new_daily_budget": -10.0,
	})
	if err != nil {
		t.Fatalf("ValidateInput() error = %v", err)
	}
	if len(reasons) == 0 {
		t.Error("negative budget produced no reasons")
	}
}
