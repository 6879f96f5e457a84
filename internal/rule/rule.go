// Package rule defines sync rules: the configuration binding one local
// record model to one FHIR resource type with mapping, transform, and
// validation policy.
package rule

import (
	"time"

	"github.com/carelink/fhirbridge/internal/mapping"
)

// Frequency controls when a rule's records are synchronized.
type Frequency string

const (
	FrequencyManual   Frequency = "manual"
	FrequencyRealtime Frequency = "realtime"
	FrequencyHourly   Frequency = "hourly"
	FrequencyDaily    Frequency = "daily"
	FrequencyWeekly   Frequency = "weekly"
)

// Rule governs how one local record model maps to one FHIR resource type.
type Rule struct {
	ID           int64
	Name         string
	ResourceType string
	SourceModel  string
	Enabled      bool
	Frequency    Frequency

	// Filter is a flat equality filter applied when listing records for
	// bulk sync.
	Filter map[string]any

	// FieldMappings maps local attribute names to FHIR paths. Merged over
	// the resource type's built-in defaults, overrides winning key-by-key.
	FieldMappings map[string]string

	Transforms  map[string]mapping.TransformRule
	Validations mapping.ValidationRules

	CreatedAt time.Time
	UpdatedAt time.Time
}

// EffectiveFieldMappings merges the built-in default mappings for the rule's
// resource type with the rule's own mappings. Two ordered layers, plain data
// merge, override always wins.
func (r *Rule) EffectiveFieldMappings() map[string]string {
	defaults := DefaultFieldMappings(r.ResourceType)
	if len(defaults) == 0 {
		return r.FieldMappings
	}

	merged := make(map[string]string, len(defaults)+len(r.FieldMappings))
	for k, v := range defaults {
		merged[k] = v
	}
	for k, v := range r.FieldMappings {
		merged[k] = v
	}
	return merged
}
