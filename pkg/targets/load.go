package targets

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/adrg/xdg"
	"gopkg.in/yaml.v3"
)

// ConfigName is the catalog file looked up under the XDG config directories.
const ConfigName = "addinbundle/targets.yaml"

// Load reads a catalog from a YAML file. Unknown keys are rejected. Package
// and bundle names default to the built-in values when omitted.
func Load(path string) (Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Catalog{}, fmt.Errorf("read targets file: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a YAML catalog document.
func Parse(data []byte) (Catalog, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var c Catalog
	if err := dec.Decode(&c); err != nil {
		if errors.Is(err, io.EOF) {
			return Catalog{}, fmt.Errorf("%w: empty document", ErrInvalidCatalog)
		}
		return Catalog{}, fmt.Errorf("%w: %v", ErrInvalidCatalog, err)
	}
	if strings.TrimSpace(c.Package) == "" {
		c.Package = DefaultPackage
	}
	if strings.TrimSpace(c.Bundle) == "" {
		c.Bundle = DefaultBundle
	}
	if err := c.Validate(); err != nil {
		return Catalog{}, err
	}
	return c, nil
}

// Search returns the catalog file to use. An explicit path wins; otherwise
// the XDG config directories are searched. An empty result means the
// built-in catalog applies.
func Search(explicit string) string {
	if p := strings.TrimSpace(explicit); p != "" {
		return p
	}
	p, err := xdg.SearchConfigFile(ConfigName)
	if err != nil {
		return ""
	}
	return p
}

// Resolve loads the catalog named by Search, falling back to Default. The
// returned source is the file path or "built-in".
func Resolve(explicit string) (Catalog, string, error) {
	path := Search(explicit)
	if path == "" {
		return Default(), "built-in", nil
	}
	c, err := Load(path)
	if err != nil {
		return Catalog{}, path, err
	}
	return c, path, nil
}

// Marshal renders the catalog as YAML.
func (c Catalog) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}
