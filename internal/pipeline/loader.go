package pipeline

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultTemplateDir is the conventional location of template files inside
// the project directory.
const DefaultTemplateDir = "templates"

// ParseDefinitionYAML decodes a definition from YAML/JSON bytes.
func ParseDefinitionYAML(data []byte) (Definition, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return Definition{}, fmt.Errorf("pipeline: definition payload is empty")
	}
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return Definition{}, fmt.Errorf("pipeline: decode definition: %w", err)
	}
	return def.Normalized()
}

// LoadDefinitionReader reads definition data from an io.Reader.
func LoadDefinitionReader(r io.Reader) (Definition, error) {
	content, err := io.ReadAll(r)
	if err != nil {
		return Definition{}, fmt.Errorf("pipeline: read definition: %w", err)
	}
	return ParseDefinitionYAML(content)
}

// LoadDefinitionFile loads a definition from an explicit file path.
func LoadDefinitionFile(path string) (Definition, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return Definition{}, fmt.Errorf("pipeline: read %s: %w", path, err)
	}
	def, parseErr := ParseDefinitionYAML(content)
	if parseErr != nil {
		return Definition{}, fmt.Errorf("pipeline: %s: %w", path, parseErr)
	}
	return def, nil
}

// MarshalDefinitionYAML renders a definition for `templates` output.
func MarshalDefinitionYAML(def Definition) ([]byte, error) {
	data, err := yaml.Marshal(def)
	if err != nil {
		return nil, fmt.Errorf("pipeline: encode definition: %w", err)
	}
	return data, nil
}

// Catalog resolves template identifiers to definitions, combining the
// built-in templates with *.yaml files found in a directory.
type Catalog struct {
	defs map[string]Definition
}

// NewCatalog returns a catalog seeded with the built-in templates.
func NewCatalog() *Catalog {
	c := &Catalog{defs: map[string]Definition{}}
	for _, def := range BuiltinTemplates() {
		c.defs[def.ID] = def
	}
	return c
}

// LoadDir adds every *.yaml/*.yml definition found in dir. Missing
// directories are ignored.
func (c *Catalog) LoadDir(dir string) error {
	if strings.TrimSpace(dir) == "" {
		return nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("pipeline: read template dir %s: %w", dir, err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		def, err := LoadDefinitionFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return err
		}
		c.defs[def.ID] = def
	}
	return nil
}

// Add registers def after normalizing it.
func (c *Catalog) Add(def Definition) error {
	normalized, err := def.Normalized()
	if err != nil {
		return err
	}
	c.defs[normalized.ID] = normalized
	return nil
}

// Get returns the template with id.
func (c *Catalog) Get(id string) (Definition, bool) {
	def, ok := c.defs[id]
	if !ok {
		return Definition{}, false
	}
	return def.Clone(), true
}

// IDs lists template identifiers, sorted.
func (c *Catalog) IDs() []string {
	ids := make([]string, 0, len(c.defs))
	for id := range c.defs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
