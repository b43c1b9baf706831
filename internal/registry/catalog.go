package registry

import "github.com/adpilot/control-plane/pkg/models"

func objectSchema(required []string, props map[string]interface{}) map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"required":   required,
		"properties": props,
	}
}

// DefaultCatalog is the built-in operation set for the supported ad
// platforms. Deployments can extend it, but published entries are never
// edited: changed behavior ships as a new version.
func DefaultCatalog() []models.OperationDefinition {
	return []models.OperationDefinition{
		{
			Name:        "create_campaign",
			Version:     "v1",
			Description: "Create a paused campaign shell",
			Mutating:    true,
			InputSchema: objectSchema(
				[]string{"name", "daily_budget"},
				map[string]interface{}{
					"name":         map[string]interface{}{"type": "string", "minLength": 1},
					"daily_budget": map[string]interface{}{"type": "number", "exclusiveMinimum": 0},
					"keywords":     map[string]interface{}{"type": "array", "items": map[string]interface{}{"type": "string"}},
				},
			),
			KeyFields:    []string{"name"},
			Compensation: "delete_campaign@v1",
		},
		{
			Name:        "delete_campaign",
			Version:     "v1",
			Description: "Remove a campaign",
			Mutating:    true,
			InputSchema: objectSchema(
				[]string{"campaign_id"},
				map[string]interface{}{
					"campaign_id": map[string]interface{}{"type": "string", "minLength": 1},
				},
			),
			KeyFields: []string{"campaign_id"},
		},
		{
			Name:        "update_budget",
			Version:     "v1",
			Description: "Set a campaign's daily budget",
			Mutating:    true,
			InputSchema: objectSchema(
				[]string{"campaign", "new_daily_budget"},
				map[string]interface{}{
					"campaign":             map[string]interface{}{"type": "string", "minLength": 1},
					"new_daily_budget":     map[string]interface{}{"type": "number", "exclusiveMinimum": 0},
					"current_daily_budget": map[string]interface{}{"type": "number"},
				},
			),
			KeyFields: []string{"campaign", "new_daily_budget"},
			// Compensation re-applies the previous budget captured at
			// execution time.
			Compensation: "update_budget@v1",
		},
		{
			Name:        "add_keywords",
			Version:     "v1",
			Description: "Attach keywords to a campaign",
			Mutating:    true,
			InputSchema: objectSchema(
				[]string{"campaign_id", "keywords"},
				map[string]interface{}{
					"campaign_id": map[string]interface{}{"type": "string", "minLength": 1},
					"keywords": map[string]interface{}{
						"type":     "array",
						"minItems": 1,
						"items":    map[string]interface{}{"type": "string", "minLength": 1},
					},
				},
			),
			KeyFields:    []string{"campaign_id", "keywords"},
			Compensation: "remove_keywords@v1",
		},
		{
			Name:        "remove_keywords",
			Version:     "v1",
			Description: "Detach keywords from a campaign",
			Mutating:    true,
			InputSchema: objectSchema(
				[]string{"campaign_id", "keywords"},
				map[string]interface{}{
					"campaign_id": map[string]interface{}{"type": "string", "minLength": 1},
					"keywords":    map[string]interface{}{"type": "array", "items": map[string]interface{}{"type": "string"}},
				},
			),
			KeyFields: []string{"campaign_id", "keywords"},
		},
		{
			Name:        "pause_campaign",
			Version:     "v1",
			Description: "Pause campaign delivery",
			Mutating:    true,
			InputSchema: objectSchema(
				[]string{"campaign_id"},
				map[string]interface{}{
					"campaign_id": map[string]interface{}{"type": "string", "minLength": 1},
				},
			),
			KeyFields:    []string{"campaign_id"},
			Compensation: "resume_campaign@v1",
		},
		{
			Name:        "resume_campaign",
			Version:     "v1",
			Description: "Resume campaign delivery",
			Mutating:    true,
			InputSchema: objectSchema(
				[]string{"campaign_id"},
				map[string]interface{}{
					"campaign_id": map[string]interface{}{"type": "string", "minLength": 1},
				},
			),
			KeyFields:    []string{"campaign_id"},
			Compensation: "pause_campaign@v1",
		},
		{
			Name:        "set_bid",
			Version:     "v1",
			Description: "Set the max CPC bid for an ad group",
			Mutating:    true,
			InputSchema: objectSchema(
				[]string{"ad_group_id", "max_cpc"},
				map[string]interface{}{
					"ad_group_id": map[string]interface{}{"type": "string", "minLength": 1},
					"max_cpc":     map[string]interface{}{"type": "number", "exclusiveMinimum": 0},
				},
			),
			KeyFields: []string{"ad_group_id", "max_cpc"},
			// No compensation: a lost previous bid is surfaced to the
			// operator instead of guessed.
		},
		{
			Name:        "get_campaign",
			Version:     "v1",
			Description: "Fetch campaign state",
			Mutating:    false,
			InputSchema: objectSchema(
				[]string{"campaign_id"},
				map[string]interface{}{
					"campaign_id": map[string]interface{}{"type": "string", "minLength": 1},
				},
			),
			KeyFields: []string{"campaign_id"},
		},
	}
}
