package plugin

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/rs/zerolog"
	"github.com/xeipuuv/gojsonschema"
)

// ModuleManifest describes an out-of-process module installed under the
// plugin directory.
type ModuleManifest struct {
	Module      string `json:"module"`
	Version     string `json:"version"`
	Main        string `json:"main"`
	Description string `json:"description,omitempty"`
	Requires    string `json:"requires,omitempty"`
}

// ManifestLoader loads and validates module manifests
type ManifestLoader struct {
	logger       zerolog.Logger
	schemaLoader gojsonschema.JSONLoader
	hostVersion  *semver.Version
}

// NewManifestLoader creates a new manifest loader. hostVersion is checked
// against each manifest's requires constraint; an unparsable host version
// (such as "dev") disables the check.
func NewManifestLoader(logger zerolog.Logger, hostVersion string) *ManifestLoader {
	l := &ManifestLoader{
		logger:       logger.With().Str("component", "manifest-loader").Logger(),
		schemaLoader: gojsonschema.NewStringLoader(ManifestSchema),
	}
	if v, err := semver.NewVersion(hostVersion); err == nil {
		l.hostVersion = v
	}
	return l
}

// LoadManifest loads and validates a module manifest from a file
func (m *ManifestLoader) LoadManifest(path string) (*ModuleManifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest file: %w", err)
	}

	if err := validateSchema(m.schemaLoader, data); err != nil {
		return nil, fmt.Errorf("manifest schema validation failed: %w", err)
	}

	var manifest ModuleManifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("failed to parse manifest JSON: %w", err)
	}

	if err := m.validateManifest(&manifest); err != nil {
		return nil, fmt.Errorf("manifest validation failed: %w", err)
	}

	m.logger.Debug().
		Str("module", manifest.Module).
		Str("version", manifest.Version).
		Msg("Loaded manifest")

	return &manifest, nil
}

// validateManifest performs validation beyond JSON schema
func (m *ManifestLoader) validateManifest(manifest *ModuleManifest) error {
	if _, err := semver.NewVersion(manifest.Version); err != nil {
		return fmt.Errorf("invalid version %q: %w", manifest.Version, err)
	}

	if manifest.Requires != "" {
		constraint, err := semver.NewConstraint(manifest.Requires)
		if err != nil {
			return fmt.Errorf("invalid requires constraint %q: %w", manifest.Requires, err)
		}
		if m.hostVersion != nil && !constraint.Check(m.hostVersion) {
			return fmt.Errorf("module %s requires host %s, running %s", manifest.Module, manifest.Requires, m.hostVersion)
		}
	}

	return nil
}

// validateSchema validates a document against a JSON schema
func validateSchema(schema gojsonschema.JSONLoader, data []byte) error {
	result, err := gojsonschema.Validate(schema, gojsonschema.NewBytesLoader(data))
	if err != nil {
		return fmt.Errorf("schema validation error: %w", err)
	}

	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return fmt.Errorf("schema validation errors: %s", strings.Join(msgs, "; "))
	}

	return nil
}
