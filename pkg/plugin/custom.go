package plugin

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/Masterminds/semver/v3"
	"github.com/rs/zerolog"
	"github.com/xeipuuv/gojsonschema"
)

// CustomTool is one tool of a runtime-defined plugin. ExecutorCode is a
// JavaScript function expression called with the tool arguments.
type CustomTool struct {
	Name         string         `json:"name"`
	Description  string         `json:"description"`
	Parameters   map[string]any `json:"parameters,omitempty"`
	ExecutorCode string         `json:"executorCode,omitempty"`
}

// CustomPlugin is a runtime-defined plugin persisted in the custom store.
type CustomPlugin struct {
	Name        string       `json:"name"`
	Version     string       `json:"version"`
	Description string       `json:"description,omitempty"`
	Enabled     bool         `json:"enabled"`
	Tools       []CustomTool `json:"tools"`
}

var customSchema = gojsonschema.NewStringLoader(CustomPluginSchema)

// Validate checks a definition against the custom plugin schema.
func (p CustomPlugin) Validate() error {
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return validateCustom(data)
}

func validateCustom(data []byte) error {
	if err := validateSchema(customSchema, data); err != nil {
		return err
	}

	var def CustomPlugin
	if err := json.Unmarshal(data, &def); err != nil {
		return fmt.Errorf("failed to parse custom plugin: %w", err)
	}
	if _, err := semver.NewVersion(def.Version); err != nil {
		return fmt.Errorf("invalid version %q: %w", def.Version, err)
	}
	seen := make(map[string]bool, len(def.Tools))
	for _, tool := range def.Tools {
		if seen[tool.Name] {
			return fmt.Errorf("duplicate tool %s", tool.Name)
		}
		seen[tool.Name] = true
	}
	return nil
}

// sameCustom reports whether two definitions build the same plugin. The
// enabled flag is not compared.
func sameCustom(a, b CustomPlugin) bool {
	a.Enabled, b.Enabled = false, false
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	return errA == nil && errB == nil && bytes.Equal(ja, jb)
}

// CustomStore persists runtime-defined plugins as a JSON array.
// Malformed entries are skipped on load but preserved on write.
type CustomStore struct {
	path   string
	logger zerolog.Logger
	mu     sync.Mutex
}

// NewCustomStore creates a store backed by path.
func NewCustomStore(logger zerolog.Logger, path string) *CustomStore {
	return &CustomStore{
		path:   path,
		logger: logger.With().Str("component", "custom-plugins").Logger(),
	}
}

// Path returns the backing file path.
func (s *CustomStore) Path() string {
	return s.path
}

// Load returns every valid entry. A missing file yields no entries.
func (s *CustomStore) Load() ([]CustomPlugin, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.readRaw()
	if err != nil {
		return nil, err
	}

	defs := make([]CustomPlugin, 0, len(entries))
	for i, raw := range entries {
		if err := validateCustom(raw); err != nil {
			s.logger.Warn().Err(err).Int("index", i).Msg("Skipping malformed custom plugin entry")
			continue
		}
		var def CustomPlugin
		if err := json.Unmarshal(raw, &def); err != nil {
			continue
		}
		defs = append(defs, def)
	}
	return defs, nil
}

// Save inserts def or replaces the entry with the same name.
func (s *CustomStore) Save(def CustomPlugin) error {
	if err := def.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(def)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.readRaw()
	if err != nil {
		return err
	}

	replaced := false
	for i, raw := range entries {
		if entryName(raw) == def.Name {
			entries[i] = data
			replaced = true
			break
		}
	}
	if !replaced {
		entries = append(entries, data)
	}
	return s.writeRaw(entries)
}

// Remove deletes the entry named name.
func (s *CustomStore) Remove(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.readRaw()
	if err != nil {
		return err
	}

	for i, raw := range entries {
		if entryName(raw) == name {
			entries = append(entries[:i], entries[i+1:]...)
			return s.writeRaw(entries)
		}
	}
	return fmt.Errorf("%w: %s", ErrPluginNotFound, name)
}

// SetEnabled persists the enabled flag of the entry named name.
func (s *CustomStore) SetEnabled(name string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.readRaw()
	if err != nil {
		return err
	}

	for i, raw := range entries {
		if entryName(raw) != name {
			continue
		}
		var def CustomPlugin
		if err := json.Unmarshal(raw, &def); err != nil {
			return fmt.Errorf("entry %s is malformed: %w", name, err)
		}
		def.Enabled = enabled
		data, err := json.Marshal(def)
		if err != nil {
			return err
		}
		entries[i] = data
		return s.writeRaw(entries)
	}
	return fmt.Errorf("%w: %s", ErrPluginNotFound, name)
}

func (s *CustomStore) readRaw() ([]json.RawMessage, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read custom plugins: %w", err)
	}
	if len(data) == 0 {
		return nil, nil
	}

	var entries []json.RawMessage
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("custom plugins file is not a JSON array: %w", err)
	}
	return entries, nil
}

func (s *CustomStore) writeRaw(entries []json.RawMessage) error {
	if entries == nil {
		entries = []json.RawMessage{}
	}
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("failed to write custom plugins: %w", err)
	}
	return os.Rename(tmp, s.path)
}

func entryName(raw json.RawMessage) string {
	var head struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return ""
	}
	return head.Name
}

// BuildCustomInstance compiles every tool of def into an Instance.
func BuildCustomInstance(def CustomPlugin, logger zerolog.Logger) (*Instance, error) {
	instance := &Instance{
		Name:      def.Name,
		Version:   def.Version,
		Tools:     make([]ToolDescriptor, 0, len(def.Tools)),
		Executors: make(map[string]Executor, len(def.Tools)),
	}

	for _, tool := range def.Tools {
		executor, err := compileScript(def.Name, tool, logger)
		if err != nil {
			return nil, fmt.Errorf("tool %s: %w", tool.Name, err)
		}
		params := tool.Parameters
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		instance.Tools = append(instance.Tools, ToolDescriptor{
			Name:        tool.Name,
			Description: tool.Description,
			Parameters:  params,
		})
		instance.Executors[tool.Name] = executor
	}

	if err := validateInstance(instance); err != nil {
		return nil, err
	}
	return instance, nil
}
