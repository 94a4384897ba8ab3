// Package catalog holds the fixed set of capabilities the completion service
// may invoke, loaded from a YAML definition.
package catalog

import (
	_ "embed"
	"fmt"
	"sync"

	"google.golang.org/genai"
	"gopkg.in/yaml.v3"
)

//go:embed capabilities.yaml
var defaultDefinition []byte

// Effect classifies what a capability does to backend state.
type Effect string

const (
	EffectRead   Effect = "read"
	EffectCreate Effect = "create"
	EffectUpdate Effect = "update"
	EffectDelete Effect = "delete"
)

// Entity is the kind of backend object a capability acts on.
type Entity string

const (
	EntityNote   Entity = "note"
	EntityFolder Entity = "folder"
	EntityTag    Entity = "tag"
)

// Param is one declared capability parameter.
type Param struct {
	Name        string
	Type        string
	Description string
}

// Descriptor describes one capability. Immutable after load.
type Descriptor struct {
	Name        string
	Description string
	Params      []Param
	Required    []string
	Effect      Effect
	Entity      Entity
}

// Modifying reports whether invoking the capability changes backend state.
func (d *Descriptor) Modifying() bool {
	return d.Effect != EffectRead
}

// ChangedKind returns the collection a client should refresh after this
// capability runs ("notes" or "folders"), or "" for reads and tags.
func (d *Descriptor) ChangedKind() string {
	if !d.Modifying() {
		return ""
	}
	switch d.Entity {
	case EntityNote:
		return "notes"
	case EntityFolder:
		return "folders"
	}
	return ""
}

// Param returns the named parameter, if declared.
func (d *Descriptor) Param(name string) (Param, bool) {
	for _, p := range d.Params {
		if p.Name == name {
			return p, true
		}
	}
	return Param{}, false
}

// Catalog is an ordered, name-indexed set of descriptors.
type Catalog struct {
	descriptors []*Descriptor
	byName      map[string]*Descriptor
}

var (
	defaultOnce    sync.Once
	defaultCatalog *Catalog
	defaultErr     error
)

// Default returns the embedded catalog, parsed once. It panics if the
// embedded definition is invalid.
func Default() *Catalog {
	defaultOnce.Do(func() {
		defaultCatalog, defaultErr = Load(defaultDefinition)
	})
	if defaultErr != nil {
		panic(fmt.Sprintf("catalog: embedded definition: %v", defaultErr))
	}
	return defaultCatalog
}

type rawParam struct {
	Type        string `yaml:"type"`
	Description string `yaml:"description"`
}

type rawDescriptor struct {
	Name        string    `yaml:"name"`
	Description string    `yaml:"description"`
	Effect      string    `yaml:"effect"`
	Entity      string    `yaml:"entity"`
	Parameters  yaml.Node `yaml:"parameters"`
	Required    []string  `yaml:"required"`
}

type rawCatalog struct {
	Capabilities []rawDescriptor `yaml:"capabilities"`
}

var knownTypes = map[string]bool{
	"string": true, "number": true, "integer": true,
	"boolean": true, "object": true, "array": true,
}

// Load parses and validates a catalog definition.
func Load(data []byte) (*Catalog, error) {
	var raw rawCatalog
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	if len(raw.Capabilities) == 0 {
		return nil, fmt.Errorf("catalog defines no capabilities")
	}

	c := &Catalog{byName: make(map[string]*Descriptor, len(raw.Capabilities))}
	for i, r := range raw.Capabilities {
		d, err := r.build()
		if err != nil {
			return nil, fmt.Errorf("capability %d (%q): %w", i, r.Name, err)
		}
		if _, dup := c.byName[d.Name]; dup {
			return nil, fmt.Errorf("duplicate capability name %q", d.Name)
		}
		c.byName[d.Name] = d
		c.descriptors = append(c.descriptors, d)
	}
	return c, nil
}

func (r rawDescriptor) build() (*Descriptor, error) {
	if r.Name == "" {
		return nil, fmt.Errorf("name is required")
	}

	d := &Descriptor{
		Name:        r.Name,
		Description: r.Description,
		Effect:      Effect(r.Effect),
		Entity:      Entity(r.Entity),
	}

	switch d.Effect {
	case EffectRead, EffectCreate, EffectUpdate, EffectDelete:
	default:
		return nil, fmt.Errorf("unknown effect %q", r.Effect)
	}
	switch d.Entity {
	case EntityNote, EntityFolder, EntityTag:
	default:
		return nil, fmt.Errorf("unknown entity %q", r.Entity)
	}

	// Mapping nodes alternate key, value; walking them keeps declaration order.
	if r.Parameters.Kind != 0 {
		if r.Parameters.Kind != yaml.MappingNode {
			return nil, fmt.Errorf("parameters must be a mapping")
		}
		nodes := r.Parameters.Content
		for i := 0; i+1 < len(nodes); i += 2 {
			var p rawParam
			if err := nodes[i+1].Decode(&p); err != nil {
				return nil, fmt.Errorf("parameter %q: %w", nodes[i].Value, err)
			}
			if !knownTypes[p.Type] {
				return nil, fmt.Errorf("parameter %q: unknown type %q", nodes[i].Value, p.Type)
			}
			d.Params = append(d.Params, Param{Name: nodes[i].Value, Type: p.Type, Description: p.Description})
		}
	}

	for _, req := range r.Required {
		if _, ok := d.Param(req); !ok {
			return nil, fmt.Errorf("required parameter %q is not declared", req)
		}
	}
	d.Required = append([]string(nil), r.Required...)

	return d, nil
}

// Lookup returns the descriptor with the given name.
func (c *Catalog) Lookup(name string) (*Descriptor, bool) {
	d, ok := c.byName[name]
	return d, ok
}

// Names returns capability names in declaration order.
func (c *Catalog) Names() []string {
	names := make([]string, len(c.descriptors))
	for i, d := range c.descriptors {
		names[i] = d.Name
	}
	return names
}

// Descriptors returns the descriptors in declaration order.
func (c *Catalog) Descriptors() []*Descriptor {
	return append([]*Descriptor(nil), c.descriptors...)
}

var genaiTypes = map[string]genai.Type{
	"string":  genai.TypeString,
	"number":  genai.TypeNumber,
	"integer": genai.TypeInteger,
	"boolean": genai.TypeBoolean,
	"object":  genai.TypeObject,
	"array":   genai.TypeArray,
}

// ToCompletionFormat converts the catalog to Gemini function declarations.
func (c *Catalog) ToCompletionFormat() []*genai.Tool {
	decls := make([]*genai.FunctionDeclaration, 0, len(c.descriptors))
	for _, d := range c.descriptors {
		schema := &genai.Schema{
			Type:       genai.TypeObject,
			Properties: make(map[string]*genai.Schema, len(d.Params)),
			Required:   d.Required,
		}
		for _, p := range d.Params {
			t, ok := genaiTypes[p.Type]
			if !ok {
				t = genai.TypeString
			}
			prop := &genai.Schema{Type: t, Description: p.Description}
			if t == genai.TypeArray {
				prop.Items = &genai.Schema{Type: genai.TypeString}
			}
			schema.Properties[p.Name] = prop
			schema.PropertyOrdering = append(schema.PropertyOrdering, p.Name)
		}
		decls = append(decls, &genai.FunctionDeclaration{
			Name:        d.Name,
			Description: d.Description,
			Parameters:  schema,
		})
	}
	return []*genai.Tool{{FunctionDeclarations: decls}}
}
