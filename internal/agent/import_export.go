package agent

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Format specifies the serialization format for definition documents.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
)

// ExportOptions configures definition export behavior.
type ExportOptions struct {
	// Format specifies the output format (yaml or json)
	Format Format

	// PrettyPrint enables indented output
	PrettyPrint bool

	// StripCredentials removes the exchange credential reference so a
	// shared document never points at another user's API key
	StripCredentials bool

	// AddComments adds a YAML header comment (YAML only)
	AddComments bool
}

// DefaultExportOptions returns the default export options.
func DefaultExportOptions() ExportOptions {
	return ExportOptions{
		Format:           FormatYAML,
		PrettyPrint:      true,
		StripCredentials: true,
		AddComments:      true,
	}
}

// ImportOptions configures definition import behavior.
type ImportOptions struct {
	// ValidateStrict performs full validation (default: true)
	ValidateStrict bool

	// Migrate upgrades older schema versions on the way in (default: true)
	Migrate bool

	// Source overrides the provenance tag stamped on the imported document
	Source string
}

// DefaultImportOptions returns the default import options.
func DefaultImportOptions() ImportOptions {
	return ImportOptions{
		ValidateStrict: true,
		Migrate:        true,
	}
}

// Export serializes a definition to the requested format.
func Export(def *Definition, opts ExportOptions) ([]byte, error) {
	if def == nil {
		return nil, fmt.Errorf("definition cannot be nil")
	}

	// Work on a copy so the caller's document is not stamped.
	out := *def
	out.SchemaVersion = SchemaVersion
	out.Metadata.UpdatedAt = time.Now().UTC()
	if out.Metadata.Source == "" {
		out.Metadata.Source = "export"
	}
	if opts.StripCredentials {
		out.Spec.ApiKeyID = ""
	}

	switch opts.Format {
	case FormatYAML:
		return exportToYAML(&out, opts)
	case FormatJSON:
		return exportToJSON(&out, opts)
	default:
		return nil, fmt.Errorf("unsupported export format: %s", opts.Format)
	}
}

func exportToYAML(def *Definition, opts ExportOptions) ([]byte, error) {
	var buf bytes.Buffer

	if opts.AddComments {
		buf.WriteString("# AgentSim agent definition\n")
		buf.WriteString(fmt.Sprintf("# Schema Version: %s\n", def.SchemaVersion))
		buf.WriteString(fmt.Sprintf("# Exported: %s\n", time.Now().UTC().Format(time.RFC3339)))
		buf.WriteString("\n")
	}

	encoder := yaml.NewEncoder(&buf)
	if opts.PrettyPrint {
		encoder.SetIndent(2)
	}

	if err := encoder.Encode(def); err != nil {
		return nil, fmt.Errorf("failed to encode definition to YAML: %w", err)
	}
	if err := encoder.Close(); err != nil {
		return nil, fmt.Errorf("failed to close YAML encoder: %w", err)
	}

	return buf.Bytes(), nil
}

func exportToJSON(def *Definition, opts ExportOptions) ([]byte, error) {
	var data []byte
	var err error

	if opts.PrettyPrint {
		data, err = json.MarshalIndent(def, "", "  ")
	} else {
		data, err = json.Marshal(def)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to encode definition to JSON: %w", err)
	}

	return data, nil
}

// ExportToFile exports a definition to a file, inferring the format from
// the extension when the options leave it unset.
func ExportToFile(def *Definition, path string, opts ExportOptions) error {
	if opts.Format == "" {
		switch filepath.Ext(path) {
		case ".yaml", ".yml":
			opts.Format = FormatYAML
		case ".json":
			opts.Format = FormatJSON
		default:
			opts.Format = FormatYAML
		}
	}

	data, err := Export(def, opts)
	if err != nil {
		return fmt.Errorf("failed to export definition: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	// Definitions may carry credential references, keep them user-only.
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write definition file: %w", err)
	}

	return nil
}

// Import deserializes a definition document from bytes, migrating and
// validating it according to the options.
func Import(data []byte, opts ImportOptions) (*Definition, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty definition data")
	}

	var def Definition
	var parseErr error

	// Detect format from the first non-whitespace byte.
	isJSON := false
	for _, b := range data {
		if b == ' ' || b == '\t' || b == '\n' || b == '\r' {
			continue
		}
		isJSON = b == '{' || b == '['
		break
	}

	if isJSON {
		if err := json.Unmarshal(data, &def); err != nil {
			// The sniff can be wrong, give YAML a chance.
			if yamlErr := yaml.Unmarshal(data, &def); yamlErr != nil {
				parseErr = fmt.Errorf("failed to parse as JSON (%v) or YAML (%v)", err, yamlErr)
			}
		}
	} else {
		if err := yaml.Unmarshal(data, &def); err != nil {
			if jsonErr := json.Unmarshal(data, &def); jsonErr != nil {
				parseErr = fmt.Errorf("failed to parse as YAML (%v) or JSON (%v)", err, jsonErr)
			}
		}
	}

	if parseErr != nil {
		return nil, parseErr
	}

	// An absent schema version is a validation problem, not a migration
	// problem, so only migrate documents that declare one.
	if opts.Migrate && def.SchemaVersion != "" {
		if err := CheckCompatibility(&def); err != nil {
			return nil, fmt.Errorf("incompatible definition: %w", err)
		}
		if err := Migrate(&def); err != nil {
			return nil, fmt.Errorf("definition migration failed: %w", err)
		}
	}

	def.Metadata.UpdatedAt = time.Now().UTC()
	if opts.Source != "" {
		def.Metadata.Source = opts.Source
	} else if def.Metadata.Source == "" {
		def.Metadata.Source = "import"
	}

	if opts.ValidateStrict {
		if err := def.Validate(); err != nil {
			return nil, fmt.Errorf("definition validation failed: %w", err)
		}
	} else {
		if err := def.ValidateQuick(); err != nil {
			return nil, fmt.Errorf("definition validation failed: %w", err)
		}
	}

	return &def, nil
}

// ImportFromFile imports a definition from a file.
func ImportFromFile(path string, opts ImportOptions) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read definition file: %w", err)
	}

	def, err := Import(data, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to import definition from %s: %w", path, err)
	}

	return def, nil
}

// ImportFromReader imports a definition from an io.Reader.
func ImportFromReader(r io.Reader, opts ImportOptions) (*Definition, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read definition data: %w", err)
	}
	return Import(data, opts)
}
