// Package registry holds the versioned catalog of operations the pipeline
// is allowed to perform against the external platform. The catalog is
// immutable after startup: published definitions never change in place, so
// an operation ref like update_budget@v1 means the same thing for the
// lifetime of every idempotency key derived from it.
package registry

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/adpilot/control-plane/pkg/models"
	"github.com/rs/zerolog/log"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

type entry struct {
	def         models.OperationDefinition
	inputSchema *jsonschema.Schema
}

// Registry is the compiled, read-only operation catalog.
type Registry struct {
	entries map[string]entry // keyed by name@version
}

// New compiles the catalog. Two definitions with the same name and version
// but different content are a configuration error, not a silent overwrite.
func New(defs []models.OperationDefinition) (*Registry, error) {
	entries := make(map[string]entry, len(defs))
	compiler := jsonschema.NewCompiler()

	for _, def := range defs {
		ref := def.Ref()
		if prev, ok := entries[ref]; ok {
			if !sameDefinition(prev.def, def) {
				return nil, fmt.Errorf("registry: conflicting definitions for %s", ref)
			}
			continue
		}

		var schema *jsonschema.Schema
		if def.InputSchema != nil {
			raw, err := json.Marshal(def.InputSchema)
			if err != nil {
				return nil, fmt.Errorf("registry: encode schema for %s: %w", ref, err)
			}
			url := "registry:///" + ref + ".json"
			if err := compiler.AddResource(url, bytes.NewReader(raw)); err != nil {
				return nil, fmt.Errorf("registry: add schema for %s: %w", ref, err)
			}
			schema, err = compiler.Compile(url)
			if err != nil {
				return nil, fmt.Errorf("registry: compile schema for %s: %w", ref, err)
			}
		}

		entries[ref] = entry{def: def, inputSchema: schema}
	}

	// Compensation references must resolve within the catalog.
	for ref, e := range entries {
		if e.def.Compensation == "" {
			continue
		}
		if _, ok := entries[e.def.Compensation]; !ok {
			return nil, fmt.Errorf("registry: %s names unknown compensation %s", ref, e.def.Compensation)
		}
	}

	log.Info().Int("operations", len(entries)).Msg("Operation registry loaded")
	return &Registry{entries: entries}, nil
}

func sameDefinition(a, b models.OperationDefinition) bool {
	ja, _ := json.Marshal(a)
	jb, _ := json.Marshal(b)
	return bytes.Equal(ja, jb)
}

// Resolve looks up an operation by ref (name@version). An empty version
// is an error: callers always pin versions so replays stay deterministic.
func (r *Registry) Resolve(name, version string) (*models.OperationDefinition, error) {
	if version == "" {
		return nil, fmt.Errorf("registry: operation %s requested without version", name)
	}
	e, ok := r.entries[name+"@"+version]
	if !ok {
		return nil, fmt.Errorf("registry: unknown operation %s@%s", name, version)
	}
	def := e.def
	return &def, nil
}

// ResolveRef resolves a combined name@version ref.
func (r *Registry) ResolveRef(ref string) (*models.OperationDefinition, error) {
	e, ok := r.entries[ref]
	if !ok {
		return nil, fmt.Errorf("registry: unknown operation %s", ref)
	}
	def := e.def
	return &def, nil
}

// ValidateInput checks a payload against the operation's input schema.
// Returns the schema violations as reason strings, empty when valid.
func (r *Registry) ValidateInput(name, version string, payload map[string]interface{}) ([]string, error) {
	e, ok := r.entries[name+"@"+version]
	if !ok {
		return nil, fmt.Errorf("registry: unknown operation %s@%s", name, version)
	}
	if e.inputSchema == nil {
		return nil, nil
	}

	// Round-trip through JSON so numeric types match what the schema
	// library expects regardless of how the payload was built.
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("registry: encode payload: %w", err)
	}
	var doc interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("registry: decode payload: %w", err)
	}

	if err := e.inputSchema.Validate(doc); err != nil {
		if ve, ok := err.(*jsonschema.ValidationError); ok {
			return flattenViolations(ve), nil
		}
		return []string{err.Error()}, nil
	}
	return nil, nil
}

func flattenViolations(ve *jsonschema.ValidationError) []string {
	if len(ve.Causes) == 0 {
		loc := ve.InstanceLocation
		if loc == "" {
			loc = "/"
		}
		return []string{fmt.Sprintf("%s: %s", loc, ve.Message)}
	}
	var out []string
	for _, c := range ve.Causes {
		out = append(out, flattenViolations(c)...)
	}
	return out
}

// List returns all definitions sorted by ref.
func (r *Registry) List() []models.OperationDefinition {
	out := make([]models.OperationDefinition, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ref() < out[j].Ref() })
	return out
}
