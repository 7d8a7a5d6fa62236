package catalog

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// AnyProduct in a template's product list makes it compatible with every product type.
const AnyProduct = "*"

var ErrNotFound = errors.New("catalog: template not found")

// Template is a production template work items are mapped onto.
type Template struct {
	Ref          string   `yaml:"ref" json:"ref"`
	Name         string   `yaml:"name" json:"name"`
	Description  string   `yaml:"description,omitempty" json:"description,omitempty"`
	ProductTypes []string `yaml:"product_types" json:"product_types"`
}

// Supports reports whether the template can be used for productType.
func (t Template) Supports(productType string) bool {
	productType = strings.TrimSpace(productType)
	if productType == "" {
		return false
	}
	for _, p := range t.ProductTypes {
		if p == AnyProduct || strings.EqualFold(p, productType) {
			return true
		}
	}
	return false
}

type document struct {
	Templates []Template `yaml:"templates"`
}

// Catalog is an immutable set of templates keyed by reference.
type Catalog struct {
	byRef map[string]Template
}

// New validates templates and builds a catalog.
func New(templates ...Template) (*Catalog, error) {
	c := &Catalog{byRef: make(map[string]Template, len(templates))}
	for i, t := range templates {
		t.Ref = strings.TrimSpace(t.Ref)
		if t.Ref == "" {
			return nil, fmt.Errorf("catalog: template %d has no ref", i)
		}
		if _, dup := c.byRef[t.Ref]; dup {
			return nil, fmt.Errorf("catalog: duplicate template %q", t.Ref)
		}
		if len(t.ProductTypes) == 0 {
			return nil, fmt.Errorf("catalog: template %q lists no product types", t.Ref)
		}
		if t.Name == "" {
			t.Name = t.Ref
		}
		c.byRef[t.Ref] = t
	}
	return c, nil
}

// Parse decodes a YAML catalog document.
func Parse(data []byte) (*Catalog, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, errors.New("catalog: document is empty")
	}
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("catalog: decode: %w", err)
	}
	return New(doc.Templates...)
}

// Load reads a YAML catalog from path.
func Load(path string) (*Catalog, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("catalog: read %s: %w", path, err)
	}
	c, err := Parse(content)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// Lookup returns the template with ref.
func (c *Catalog) Lookup(ref string) (Template, bool) {
	if c == nil {
		return Template{}, false
	}
	t, ok := c.byRef[strings.TrimSpace(ref)]
	return t, ok
}

// List returns templates ordered by ref.
func (c *Catalog) List() []Template {
	if c == nil {
		return nil
	}
	out := make([]Template, 0, len(c.byRef))
	for _, t := range c.byRef {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ref < out[j].Ref })
	return out
}
