// Package agent round-trips trading-agent configurations as portable
// YAML or JSON definition documents: schema-versioned import with strict
// validation and registered migrations, and export with optional
// credential-reference stripping.
package agent

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/quantfold/agentsim/internal/db"
)

// SchemaVersion is the current definition schema version.
const SchemaVersion = "1.0"

// SupportedSchemaVersions lists the versions Import accepts without a
// migration.
var SupportedSchemaVersions = []string{"1.0"}

// Definition is the portable form of a trading agent. The document layout
// is shared between YAML and JSON; schema_version sits at the top level so
// readers can check compatibility before decoding the rest.
type Definition struct {
	SchemaVersion string   `yaml:"schema_version" json:"schema_version"`
	Metadata      Metadata `yaml:"metadata" json:"metadata"`
	Spec          Spec     `yaml:"agent" json:"agent"`
}

// Metadata identifies and describes a definition document.
type Metadata struct {
	// ID is the exporting installation's agent id. Informational only:
	// import never reuses it.
	ID          string    `yaml:"id,omitempty" json:"id,omitempty"`
	Name        string    `yaml:"name" json:"name"`
	Description string    `yaml:"description,omitempty" json:"description,omitempty"`
	Author      string    `yaml:"author,omitempty" json:"author,omitempty"`
	Tags        []string  `yaml:"tags,omitempty" json:"tags,omitempty"`
	CreatedAt   time.Time `yaml:"created_at,omitempty" json:"created_at,omitempty"`
	UpdatedAt   time.Time `yaml:"updated_at,omitempty" json:"updated_at,omitempty"`
	// Source records how the document came to be: export, import or clone.
	Source string `yaml:"source,omitempty" json:"source,omitempty"`
}

// Spec is the agent configuration itself.
type Spec struct {
	Mode           string   `yaml:"mode" json:"mode"`
	Model          string   `yaml:"model" json:"model"`
	StrategyPrompt string   `yaml:"strategy_prompt" json:"strategy_prompt"`
	Indicators     []string `yaml:"indicators,omitempty" json:"indicators,omitempty"`
	// CustomRules carries the indicator rule trees as plain documents so
	// they render as structured YAML rather than embedded JSON strings.
	CustomRules []map[string]interface{} `yaml:"custom_rules,omitempty" json:"custom_rules,omitempty"`
	Council     *CouncilSpec             `yaml:"council,omitempty" json:"council,omitempty"`
	// ApiKeyID references a stored credential by id. It is only meaningful
	// inside the installation that issued it; exports strip it by default.
	ApiKeyID string `yaml:"api_key_id,omitempty" json:"api_key_id,omitempty"`
}

// CouncilSpec enables multi-model deliberation for the agent.
type CouncilSpec struct {
	Enabled  bool     `yaml:"enabled" json:"enabled"`
	Models   []string `yaml:"models,omitempty" json:"models,omitempty"`
	Chairman string   `yaml:"chairman,omitempty" json:"chairman,omitempty"`
}

// FromModel builds a definition document from a stored agent row.
func FromModel(a *db.Agent) (*Definition, error) {
	if a == nil {
		return nil, fmt.Errorf("agent cannot be nil")
	}

	def := &Definition{
		SchemaVersion: SchemaVersion,
		Metadata: Metadata{
			Name:      a.Name,
			CreatedAt: a.CreatedAt,
			UpdatedAt: a.UpdatedAt,
			Source:    "export",
		},
		Spec: Spec{
			Mode:           a.Mode,
			Model:          a.Model,
			StrategyPrompt: a.StrategyPrompt,
			Indicators:     append([]string(nil), a.Indicators...),
		},
	}
	if a.ID != uuid.Nil {
		def.Metadata.ID = a.ID.String()
	}
	if len(a.CustomRules) > 0 {
		if err := json.Unmarshal(a.CustomRules, &def.Spec.CustomRules); err != nil {
			return nil, fmt.Errorf("agent custom rules are not valid JSON: %w", err)
		}
	}
	if a.CouncilEnabled || len(a.CouncilModels) > 0 {
		def.Spec.Council = &CouncilSpec{
			Enabled: a.CouncilEnabled,
			Models:  append([]string(nil), a.CouncilModels...),
		}
		if a.CouncilChairman != nil {
			def.Spec.Council.Chairman = *a.CouncilChairman
		}
	}
	if a.ApiKeyID != nil {
		def.Spec.ApiKeyID = a.ApiKeyID.String()
	}
	return def, nil
}

// ToModel converts a definition into a storable agent row. The id is left
// unset so the store assigns a fresh one; the document's metadata id is
// provenance, not identity.
func (d *Definition) ToModel() (*db.Agent, error) {
	a := &db.Agent{
		Name:           d.Metadata.Name,
		Mode:           d.Spec.Mode,
		Model:          d.Spec.Model,
		StrategyPrompt: d.Spec.StrategyPrompt,
		Indicators:     append([]string(nil), d.Spec.Indicators...),
	}
	if len(d.Spec.CustomRules) > 0 {
		raw, err := json.Marshal(d.Spec.CustomRules)
		if err != nil {
			return nil, fmt.Errorf("failed to encode custom rules: %w", err)
		}
		a.CustomRules = raw
	}
	if c := d.Spec.Council; c != nil {
		a.CouncilEnabled = c.Enabled
		a.CouncilModels = append([]string(nil), c.Models...)
		if c.Chairman != "" {
			chairman := c.Chairman
			a.CouncilChairman = &chairman
		}
	}
	if d.Spec.ApiKeyID != "" {
		id, err := uuid.Parse(d.Spec.ApiKeyID)
		if err != nil {
			return nil, fmt.Errorf("api_key_id is not a valid uuid: %w", err)
		}
		a.ApiKeyID = &id
	}
	return a, nil
}

// Clone deep-copies a definition under a fresh identity.
func Clone(def *Definition) (*Definition, error) {
	if def == nil {
		return nil, fmt.Errorf("definition cannot be nil")
	}

	data, err := json.Marshal(def)
	if err != nil {
		return nil, fmt.Errorf("failed to encode definition: %w", err)
	}
	var clone Definition
	if err := json.Unmarshal(data, &clone); err != nil {
		return nil, fmt.Errorf("failed to decode definition: %w", err)
	}

	now := time.Now().UTC()
	clone.Metadata.ID = ""
	clone.Metadata.CreatedAt = now
	clone.Metadata.UpdatedAt = now
	clone.Metadata.Source = "clone"
	return &clone, nil
}
