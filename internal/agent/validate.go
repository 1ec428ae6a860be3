package agent

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/quantfold/agentsim/internal/indicators"
)

// ValidationError describes one rejected field of a definition.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors accumulates every problem found in one pass so callers
// can report them all at once.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	msgs := make([]string, 0, len(e))
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return fmt.Sprintf("validation failed: %s", strings.Join(msgs, "; "))
}

// ErrUnsupportedSchema is returned when the schema version cannot be used.
var ErrUnsupportedSchema = errors.New("unsupported schema version")

// ErrMissingField is returned by ValidateQuick for absent required fields.
var ErrMissingField = errors.New("missing required field")

// Document limits.
const (
	maxNameLen        = 100
	maxDescriptionLen = 2000
	maxTags           = 20
	maxTagLen         = 50
	maxPromptLen      = 10000
	maxCouncilModels  = 8
)

// Validate checks the whole definition and returns every problem found,
// or nil when the document is importable as-is.
func (d *Definition) Validate() error {
	var errs ValidationErrors
	errs = append(errs, d.validateSchema()...)
	errs = append(errs, d.validateMetadata()...)
	errs = append(errs, d.validateSpec()...)
	if len(errs) > 0 {
		return errs
	}
	return nil
}

// ValidateQuick checks only the fields needed to decide whether the
// document is worth a full parse-and-validate pass.
func (d *Definition) ValidateQuick() error {
	if d.SchemaVersion == "" {
		return fmt.Errorf("%w: schema_version", ErrMissingField)
	}
	if !IsVersionSupported(d.SchemaVersion) {
		return fmt.Errorf("%w: %s", ErrUnsupportedSchema, d.SchemaVersion)
	}
	if d.Metadata.Name == "" {
		return fmt.Errorf("%w: metadata.name", ErrMissingField)
	}
	return nil
}

func (d *Definition) validateSchema() ValidationErrors {
	var errs ValidationErrors

	if d.SchemaVersion == "" {
		errs = append(errs, ValidationError{
			Field:   "schema_version",
			Message: "schema version is required",
		})
	} else if !IsVersionSupported(d.SchemaVersion) {
		errs = append(errs, ValidationError{
			Field:   "schema_version",
			Message: fmt.Sprintf("unsupported schema version %s, supported: %v", d.SchemaVersion, SupportedSchemaVersions),
		})
	}
	return errs
}

func (d *Definition) validateMetadata() ValidationErrors {
	var errs ValidationErrors

	if d.Metadata.Name == "" {
		errs = append(errs, ValidationError{
			Field:   "metadata.name",
			Message: "agent name is required",
		})
	} else if len(d.Metadata.Name) > maxNameLen {
		errs = append(errs, ValidationError{
			Field:   "metadata.name",
			Message: fmt.Sprintf("agent name must be %d characters or less", maxNameLen),
		})
	}

	if len(d.Metadata.Description) > maxDescriptionLen {
		errs = append(errs, ValidationError{
			Field:   "metadata.description",
			Message: fmt.Sprintf("description must be %d characters or less", maxDescriptionLen),
		})
	}

	if len(d.Metadata.Tags) > maxTags {
		errs = append(errs, ValidationError{
			Field:   "metadata.tags",
			Message: fmt.Sprintf("maximum %d tags allowed", maxTags),
		})
	}
	for i, tag := range d.Metadata.Tags {
		if len(tag) > maxTagLen {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("metadata.tags[%d]", i),
				Message: fmt.Sprintf("tag must be %d characters or less", maxTagLen),
			})
		}
	}

	return errs
}

func (d *Definition) validateSpec() ValidationErrors {
	var errs ValidationErrors

	mode := indicators.Mode(d.Spec.Mode)
	switch mode {
	case indicators.ModeMonk, indicators.ModeOmni:
	case "":
		errs = append(errs, ValidationError{
			Field:   "agent.mode",
			Message: "mode is required",
		})
	default:
		errs = append(errs, ValidationError{
			Field:   "agent.mode",
			Message: fmt.Sprintf("mode must be %s or %s", indicators.ModeMonk, indicators.ModeOmni),
		})
	}

	if d.Spec.Model == "" {
		errs = append(errs, ValidationError{
			Field:   "agent.model",
			Message: "model is required",
		})
	}

	if len(d.Spec.StrategyPrompt) > maxPromptLen {
		errs = append(errs, ValidationError{
			Field:   "agent.strategy_prompt",
			Message: fmt.Sprintf("strategy prompt must be %d characters or less", maxPromptLen),
		})
	}

	if len(d.Spec.Indicators) == 0 && len(d.Spec.CustomRules) == 0 {
		errs = append(errs, ValidationError{
			Field:   "agent.indicators",
			Message: "at least one indicator or custom rule is required",
		})
	}

	// Resolve against the pipeline catalog only when the mode itself is
	// usable, so a bad mode does not drown the report in follow-on noise.
	if len(d.Spec.Indicators) > 0 && (mode == indicators.ModeMonk || mode == indicators.ModeOmni) {
		if _, err := indicators.ResolveNames(d.Spec.Indicators, mode); err != nil {
			errs = append(errs, ValidationError{
				Field:   "agent.indicators",
				Message: err.Error(),
			})
		}
	}

	errs = append(errs, d.validateCustomRules(mode)...)
	errs = append(errs, d.validateCouncil()...)

	if d.Spec.ApiKeyID != "" {
		if _, err := uuid.Parse(d.Spec.ApiKeyID); err != nil {
			errs = append(errs, ValidationError{
				Field:   "agent.api_key_id",
				Message: "credential reference is not a valid uuid",
			})
		}
	}

	return errs
}

func (d *Definition) validateCustomRules(mode indicators.Mode) ValidationErrors {
	var errs ValidationErrors

	if len(d.Spec.CustomRules) == 0 {
		return nil
	}
	if mode == indicators.ModeMonk {
		errs = append(errs, ValidationError{
			Field:   "agent.custom_rules",
			Message: "custom rules are not admissible in monk mode",
		})
	}

	seen := make(map[string]bool, len(d.Spec.CustomRules))
	for i, rule := range d.Spec.CustomRules {
		name, _ := rule["name"].(string)
		if name == "" {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("agent.custom_rules[%d].name", i),
				Message: "rule name is required",
			})
		} else if seen[name] {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("agent.custom_rules[%d].name", i),
				Message: fmt.Sprintf("duplicate rule name %q", name),
			})
		}
		seen[name] = true

		if _, ok := rule["rule"].(map[string]interface{}); !ok {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("agent.custom_rules[%d].rule", i),
				Message: "rule body must be a mapping",
			})
		}
	}

	return errs
}

func (d *Definition) validateCouncil() ValidationErrors {
	var errs ValidationErrors

	c := d.Spec.Council
	if c == nil || !c.Enabled {
		return nil
	}

	if len(c.Models) == 0 {
		errs = append(errs, ValidationError{
			Field:   "agent.council.models",
			Message: "an enabled council needs at least one model",
		})
	}
	if len(c.Models) > maxCouncilModels {
		errs = append(errs, ValidationError{
			Field:   "agent.council.models",
			Message: fmt.Sprintf("maximum %d council models allowed", maxCouncilModels),
		})
	}
	for i, m := range c.Models {
		if m == "" {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("agent.council.models[%d]", i),
				Message: "model name cannot be empty",
			})
		}
	}

	return errs
}
