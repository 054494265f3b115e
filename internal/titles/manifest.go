package titles

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/jackzampolin/inkwell/internal/slug"
)

//go:embed manifest_schema.json
var manifestSchemaJSON []byte

var (
	compiledSchema     *jsonschema.Schema
	compiledSchemaErr  error
	compiledSchemaOnce sync.Once
)

// DefaultOriginalExt is used when a manifest entry doesn't name an extension.
const DefaultOriginalExt = ".jpg"

// Manifest lists the titles of the archive and their pages.
type Manifest struct {
	Titles []TitleEntry `yaml:"titles" json:"titles"`
}

// TitleEntry is one title in the manifest.
type TitleEntry struct {
	Key         string      `yaml:"key" json:"key"`
	Name        string      `yaml:"name,omitempty" json:"name,omitempty"`
	OriginalExt string      `yaml:"original_ext,omitempty" json:"original_ext,omitempty"`
	Pages       []PageEntry `yaml:"pages,omitempty" json:"pages,omitempty"`
}

// PageEntry is one page of a manifest title.
type PageEntry struct {
	Stem string   `yaml:"stem" json:"stem"`
	Type PageType `yaml:"type,omitempty" json:"type,omitempty"`
}

// Ext returns the original-scan extension for the title.
func (e TitleEntry) Ext() string {
	if e.OriginalExt == "" {
		return DefaultOriginalExt
	}
	return e.OriginalExt
}

// Title returns the title identity of the entry.
func (e TitleEntry) Title() Title {
	name := e.Name
	if name == "" {
		name = e.Key
	}
	return Title{Key: e.Key, Name: name}
}

// LoadManifest reads a manifest file. A missing file yields an empty manifest.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return &Manifest{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	m, err := ParseManifest(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}

// ParseManifest decodes and validates manifest YAML.
func ParseManifest(data []byte) (*Manifest, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("invalid manifest YAML: %w", err)
	}
	if doc == nil {
		return &Manifest{}, nil
	}
	if err := validateAgainstSchema(doc); err != nil {
		return nil, err
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("invalid manifest: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// validateAgainstSchema checks the decoded YAML document against the embedded schema.
// The document is round-tripped through JSON so the validator sees JSON types.
func validateAgainstSchema(doc any) error {
	compiledSchemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("manifest.json", bytes.NewReader(manifestSchemaJSON)); err != nil {
			compiledSchemaErr = fmt.Errorf("failed to load manifest schema: %w", err)
			return
		}
		compiledSchema, compiledSchemaErr = compiler.Compile("manifest.json")
	})
	if compiledSchemaErr != nil {
		return compiledSchemaErr
	}

	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("manifest is not representable as JSON: %w", err)
	}
	var jsonDoc any
	if err := json.Unmarshal(raw, &jsonDoc); err != nil {
		return fmt.Errorf("failed to decode manifest for validation: %w", err)
	}
	if err := compiledSchema.Validate(jsonDoc); err != nil {
		return fmt.Errorf("manifest does not match schema: %w", err)
	}
	return nil
}

// Validate checks the invariants the schema cannot express: unique title keys
// and unique page stems within a title.
func (m *Manifest) Validate() error {
	keys := make(map[string]bool, len(m.Titles))
	for _, t := range m.Titles {
		if !slug.Valid(t.Key) {
			return fmt.Errorf("title key %q is not a normalized key (want %q)", t.Key, slug.From(t.Key))
		}
		if keys[t.Key] {
			return fmt.Errorf("duplicate title key %q", t.Key)
		}
		keys[t.Key] = true

		stems := make(map[string]bool, len(t.Pages))
		for _, p := range t.Pages {
			if stems[p.Stem] {
				return fmt.Errorf("title %q: duplicate page stem %q", t.Key, p.Stem)
			}
			stems[p.Stem] = true
		}
	}
	return nil
}

// Find returns the entry whose key matches, or whose name slugifies to the same key.
func (m *Manifest) Find(keyOrName string) (TitleEntry, bool) {
	key := slug.From(keyOrName)
	for _, t := range m.Titles {
		if t.Key == keyOrName || t.Key == key {
			return t, true
		}
	}
	return TitleEntry{}, false
}

// Upsert adds an entry or replaces the one with the same key.
func (m *Manifest) Upsert(entry TitleEntry) {
	for i := range m.Titles {
		if m.Titles[i].Key == entry.Key {
			m.Titles[i] = entry
			return
		}
	}
	m.Titles = append(m.Titles, entry)
}

// Save writes the manifest atomically.
func (m *Manifest) Save(path string) error {
	if err := m.Validate(); err != nil {
		return err
	}
	data, err := yaml.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to marshal manifest: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create manifest directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".titles-*.yaml")
	if err != nil {
		return fmt.Errorf("failed to create temp manifest: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	return os.Rename(tmp.Name(), path)
}
