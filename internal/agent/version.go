package agent

import (
	"fmt"

	"github.com/Masterminds/semver/v3"
)

// MigrationFunc upgrades a definition from one schema version to the next.
type MigrationFunc func(*Definition) error

// migrations maps source version to the migration applied when importing
// documents written at that version.
var migrations = map[string]MigrationFunc{
	// "0.9": migrateFrom09To10,
}

// Migrate upgrades a definition document to the current schema version.
func Migrate(def *Definition) error {
	if def == nil {
		return fmt.Errorf("definition cannot be nil")
	}

	if def.SchemaVersion == SchemaVersion {
		return nil
	}

	current, err := parseVersion(def.SchemaVersion)
	if err != nil {
		return fmt.Errorf("invalid schema version: %s", def.SchemaVersion)
	}
	target, err := parseVersion(SchemaVersion)
	if err != nil {
		return fmt.Errorf("invalid target schema version: %s", SchemaVersion)
	}

	if current.GreaterThan(target) {
		return fmt.Errorf("definition schema version %s is newer than supported version %s",
			def.SchemaVersion, SchemaVersion)
	}

	for version, migrate := range migrations {
		migrationVersion, err := parseVersion(version)
		if err != nil {
			continue
		}
		if current.LessThan(migrationVersion) {
			if err := migrate(def); err != nil {
				return fmt.Errorf("migration from %s failed: %w", version, err)
			}
		}
	}

	def.SchemaVersion = SchemaVersion
	return nil
}

// CheckCompatibility reports whether a definition can be migrated to the
// current schema version.
func CheckCompatibility(def *Definition) error {
	if def == nil {
		return fmt.Errorf("definition cannot be nil")
	}
	if def.SchemaVersion == "" {
		return fmt.Errorf("missing schema version")
	}

	current, err := parseVersion(def.SchemaVersion)
	if err != nil {
		return fmt.Errorf("invalid schema version: %s", def.SchemaVersion)
	}
	target, err := parseVersion(SchemaVersion)
	if err != nil {
		return fmt.Errorf("invalid target schema version: %s", SchemaVersion)
	}

	if current.GreaterThan(target) {
		return fmt.Errorf("definition requires schema version %s, but only %s is supported",
			def.SchemaVersion, SchemaVersion)
	}

	// Direct migration is only supported within a major version.
	if current.LessThan(target) && current.Major() != target.Major() {
		return fmt.Errorf("no migration path from version %s to %s",
			def.SchemaVersion, SchemaVersion)
	}

	return nil
}

// GetSchemaVersion returns the current schema version.
func GetSchemaVersion() string {
	return SchemaVersion
}

// CompareVersions compares two version strings.
// Returns: -1 if a < b, 0 if a == b, 1 if a > b.
func CompareVersions(a, b string) (int, error) {
	va, err := parseVersion(a)
	if err != nil {
		return 0, fmt.Errorf("invalid version: %s", a)
	}
	vb, err := parseVersion(b)
	if err != nil {
		return 0, fmt.Errorf("invalid version: %s", b)
	}
	return va.Compare(vb), nil
}

// IsVersionSupported checks if a schema version can be imported.
func IsVersionSupported(version string) bool {
	for _, v := range SupportedSchemaVersions {
		if v == version {
			return true
		}
	}

	// Patch releases of a supported major.minor still count.
	v, err := semver.NewVersion(version)
	if err != nil {
		return false
	}
	for _, supported := range SupportedSchemaVersions {
		sv, err := semver.NewVersion(supported)
		if err != nil {
			continue
		}
		if v.Major() == sv.Major() && v.Minor() == sv.Minor() {
			return true
		}
	}

	return false
}

// parseVersion accepts both full semver strings and the shortened
// major.minor form the schema_version field uses.
func parseVersion(s string) (*semver.Version, error) {
	v, err := semver.NewVersion(s)
	if err == nil {
		return v, nil
	}
	return semver.NewVersion(s + ".0")
}

// VersionInfo describes how a document's schema version relates to the
// version this build writes.
type VersionInfo struct {
	SchemaVersion     string `json:"schema_version"`
	IsCompatible      bool   `json:"is_compatible"`
	RequiresMigration bool   `json:"requires_migration"`
	MigrationPath     string `json:"migration_path,omitempty"`
}

// GetVersionInfo inspects a definition's schema version.
func GetVersionInfo(def *Definition) (*VersionInfo, error) {
	if def == nil {
		return nil, fmt.Errorf("definition cannot be nil")
	}

	info := &VersionInfo{SchemaVersion: def.SchemaVersion}
	info.IsCompatible = CheckCompatibility(def) == nil

	if def.SchemaVersion != SchemaVersion {
		cmp, err := CompareVersions(def.SchemaVersion, SchemaVersion)
		if err == nil && cmp < 0 {
			info.RequiresMigration = true
			info.MigrationPath = fmt.Sprintf("%s -> %s", def.SchemaVersion, SchemaVersion)
		}
	}

	return info, nil
}
