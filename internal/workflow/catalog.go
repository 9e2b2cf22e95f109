package workflow

import (
	"fmt"
	"io/fs"
	"sort"

	"gopkg.in/yaml.v3"
)

// ManifestFile is the catalog index read from the template directory.
const ManifestFile = "manifest.yaml"

// Manifest lists templates and their metadata.
type Manifest struct {
	Templates []TemplateSpec `yaml:"templates"`
}

// TemplateSpec describes one template in the manifest.
type TemplateSpec struct {
	Name        string              `yaml:"name"`
	Description string              `yaml:"description"`
	Workflow    string              `yaml:"workflow"`
	Params      map[string][]string `yaml:"params"`
	Roles       map[string]string   `yaml:"roles"`
	Seeds       []string            `yaml:"seeds"`
	Uploads     []string            `yaml:"uploads"`
	Scales      map[string]int64    `yaml:"scales"`
}

// Catalog holds validated templates by name.
type Catalog struct {
	templates map[string]*Template
}

// LoadCatalog reads manifest.yaml and every workflow graph it references
// from fsys.
func LoadCatalog(fsys fs.FS) (*Catalog, error) {
	data, err := fs.ReadFile(fsys, ManifestFile)
	if err != nil {
		return nil, fmt.Errorf("read template manifest: %w", err)
	}

	var manifest Manifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("decode template manifest: %w", err)
	}

	c := &Catalog{templates: make(map[string]*Template, len(manifest.Templates))}
	for _, spec := range manifest.Templates {
		if spec.Name == "" {
			return nil, fmt.Errorf("template manifest entry without name (workflow %q)", spec.Workflow)
		}
		if _, dup := c.templates[spec.Name]; dup {
			return nil, fmt.Errorf("duplicate template %q in manifest", spec.Name)
		}

		graph, err := fs.ReadFile(fsys, spec.Workflow)
		if err != nil {
			return nil, fmt.Errorf("read workflow for template %s: %w", spec.Name, err)
		}
		tpl, err := Parse(spec.Name, graph)
		if err != nil {
			return nil, err
		}

		tpl.Description = spec.Description
		tpl.Params = spec.Params
		tpl.Roles = spec.Roles
		tpl.Seeds = spec.Seeds
		tpl.Uploads = spec.Uploads
		tpl.Scales = spec.Scales
		if tpl.Params == nil {
			tpl.Params = map[string][]string{}
		}
		if tpl.Roles == nil {
			tpl.Roles = map[string]string{}
		}
		if err := tpl.Validate(); err != nil {
			return nil, err
		}

		c.templates[spec.Name] = tpl
	}
	return c, nil
}

// Get returns the named template. The result is shared; instantiate it
// before submission.
func (c *Catalog) Get(name string) (*Template, error) {
	tpl, ok := c.templates[name]
	if !ok {
		return nil, &ConfigurationError{Template: name, Path: name, Reason: "unknown template"}
	}
	return tpl, nil
}

// Names returns template names sorted.
func (c *Catalog) Names() []string {
	names := make([]string, 0, len(c.templates))
	for name := range c.templates {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
