// Package catalog loads BIDS template catalog: template definitions (JSON
// schema fragments with defaults) and the ordered list of rules selecting
// them.
package catalog

import (
	_ "embed"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"fwbids/rules"
)

//go:embed templates/default.yaml
var defaultCatalog []byte

// Version of catalog format understood by this package.
const Version = 1

// Property is a single template field with its schema.
type Property struct {
	Name   string
	Schema map[string]any
}

// Definition describes fields of a template.
type Definition struct {
	Name       string
	Properties []Property
	Required   []string
	// Schema is the complete definition as JSON schema object.
	Schema map[string]any
}

// Index returns position of property in declaration order or -1.
func (d *Definition) Index(name string) int {
	for i, p := range d.Properties {
		if p.Name == name {
			return i
		}
	}
	return -1
}

// Catalog is immutable after loading and safe to share.
type Catalog struct {
	Definitions []*Definition
	Rules       []*rules.Rule

	byName map[string]*Definition
}

// Definition returns template definition by name.
func (c *Catalog) Definition(name string) (*Definition, bool) {
	d, ok := c.byName[name]
	return d, ok
}

type document struct {
	Version     int       `yaml:"version"`
	Definitions yaml.Node `yaml:"definitions"`
	Rules       []ruleDoc `yaml:"rules"`
}

type ruleDoc struct {
	Template   string         `yaml:"template"`
	UploadOnly bool           `yaml:"upload_only"`
	Where      map[string]any `yaml:"where"`
	Initialize yaml.Node      `yaml:"initialize"`
}

// Default returns built-in catalog.
func Default() (*Catalog, error) {
	return Parse(defaultCatalog)
}

// DefaultBytes returns source of built-in catalog.
func DefaultBytes() []byte {
	return defaultCatalog
}

// Load reads catalog from file. Empty path means built-in catalog.
func Load(path string) (*Catalog, error) {
	if len(path) == 0 {
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("unable to read catalog: %w", err)
	}
	c, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("bad catalog '%s': %w", path, err)
	}
	return c, nil
}

// Parse decodes and compiles catalog. All regular expressions are compiled
// here, so rule application never fails on catalog syntax.
func Parse(data []byte) (*Catalog, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("unable to decode catalog: %w", err)
	}
	if doc.Version != Version {
		return nil, fmt.Errorf("unsupported catalog version %d", doc.Version)
	}

	c := &Catalog{byName: make(map[string]*Definition)}
	defs := resolveAlias(&doc.Definitions)
	if defs.Kind != yaml.MappingNode {
		return nil, errors.New("definitions must be a mapping")
	}
	for i := 0; i+1 < len(defs.Content); i += 2 {
		d, err := parseDefinition(defs.Content[i].Value, resolveAlias(defs.Content[i+1]))
		if err != nil {
			return nil, err
		}
		if _, exists := c.byName[d.Name]; exists {
			return nil, fmt.Errorf("duplicate definition %q", d.Name)
		}
		c.Definitions = append(c.Definitions, d)
		c.byName[d.Name] = d
	}

	seen := make(map[string]bool, len(doc.Rules))
	for i, rd := range doc.Rules {
		if seen[rd.Template] {
			return nil, fmt.Errorf("rule %d: duplicate template %q", i, rd.Template)
		}
		seen[rd.Template] = true

		def, ok := c.byName[rd.Template]
		if !ok {
			return nil, fmt.Errorf("rule %d: no definition for template %q", i, rd.Template)
		}
		fields, err := parseFields(rd.Template, resolveAlias(&rd.Initialize))
		if err != nil {
			return nil, err
		}
		r, err := rules.Compile(rd.Template, rd.UploadOnly, rd.Where, fields)
		if err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}
		for _, p := range def.Properties {
			if v, ok := p.Schema["default"]; ok {
				r.Defaults = append(r.Defaults, rules.Default(p.Name, v))
			}
		}
		c.Rules = append(c.Rules, r)
	}
	return c, nil
}

func parseDefinition(name string, n *yaml.Node) (*Definition, error) {
	d := &Definition{Name: name}
	if err := n.Decode(&d.Schema); err != nil {
		return nil, fmt.Errorf("definition %q: %w", name, err)
	}
	if _, ok := d.Schema["type"]; !ok {
		d.Schema["type"] = "object"
	}
	if req, ok := d.Schema["required"].([]any); ok {
		for _, r := range req {
			s, ok := r.(string)
			if !ok {
				return nil, fmt.Errorf("definition %q: required entries must be strings", name)
			}
			d.Required = append(d.Required, s)
		}
	}

	for i := 0; i+1 < len(n.Content); i += 2 {
		if n.Content[i].Value != "properties" {
			continue
		}
		props := resolveAlias(n.Content[i+1])
		for j := 0; j+1 < len(props.Content); j += 2 {
			p := Property{Name: props.Content[j].Value}
			if err := resolveAlias(props.Content[j+1]).Decode(&p.Schema); err != nil {
				return nil, fmt.Errorf("definition %q property %q: %w", name, p.Name, err)
			}
			d.Properties = append(d.Properties, p)
		}
	}
	return d, nil
}

// parseFields compiles "initialize" mapping keeping declaration order.
func parseFields(template string, n *yaml.Node) ([]rules.Field, error) {
	if n.Kind == 0 {
		// no initialize section
		return nil, nil
	}
	if n.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("rule %q: initialize must be a mapping", template)
	}
	fields := make([]rules.Field, 0, len(n.Content)/2)
	for i := 0; i+1 < len(n.Content); i += 2 {
		name := n.Content[i].Value
		var spec any
		if err := n.Content[i+1].Decode(&spec); err != nil {
			return nil, fmt.Errorf("rule %q field %q: %w", template, name, err)
		}
		e, err := rules.CompileExpr(spec)
		if err != nil {
			return nil, fmt.Errorf("rule %q field %q: %w", template, name, err)
		}
		fields = append(fields, rules.Field{Name: name, Expr: e})
	}
	return fields, nil
}

func resolveAlias(n *yaml.Node) *yaml.Node {
	for n.Kind == yaml.AliasNode && n.Alias != nil {
		n = n.Alias
	}
	return n
}
