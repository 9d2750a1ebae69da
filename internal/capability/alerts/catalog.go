package alerts

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Catalog maps alert types to the sound files looped while an alert rings.
type Catalog struct {
	Sounds map[string]string `yaml:"sounds"`
}

// LoadCatalog executes the loadCatalog function.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read sound catalog: %w", err)
	}
	var catalog Catalog
	if err := yaml.Unmarshal(data, &catalog); err != nil {
		return nil, fmt.Errorf("parse sound catalog: %w", err)
	}
	if len(catalog.Sounds) == 0 {
		return nil, fmt.Errorf("sound catalog %s declares no sounds", path)
	}
	return &catalog, nil
}

// Sound returns the file for an alert type, falling back to the default
// entry when the type has no sound of its own.
func (c *Catalog) Sound(alertType string) string {
	if file, ok := c.Sounds[alertType]; ok {
		return file
	}
	return c.Sounds["default"]
}
