// Package kinds holds the document kinds the session protocol can drive.
package kinds

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/joescharf/docgen/internal/models"
)

// Builtin kinds cover the document pipeline: functional spec, agent/task
// spec, YAML configuration, then the execution flow derived from it.
var builtin = []models.DocumentKind{
	{
		Name:           "functional_spec",
		Title:          "Functional specification",
		ContentField:   "content",
		Format:         models.FormatMarkdown,
		RequiredInputs: []string{"project_id"},
	},
	{
		Name:           "agent_spec",
		Title:          "Agent and task specification",
		ContentField:   "content",
		Format:         models.FormatMarkdown,
		RequiredInputs: []string{"spec_id", "spec_version"},
	},
	{
		Name:           "yaml_config",
		Title:          "YAML configuration",
		ContentField:   "yaml_content",
		Format:         models.FormatYAML,
		RequiredInputs: []string{"agent_spec_id", "agent_spec_version"},
	},
	{
		Name:           "execution_flow",
		Title:          "Execution flow",
		ContentField:   "content",
		Format:         models.FormatMarkdown,
		RequiredInputs: []string{"yaml_config_id"},
	},
}

// Registry resolves document kinds by name.
type Registry struct {
	kinds map[string]models.DocumentKind
}

// NewRegistry returns a registry preloaded with the builtin kinds.
func NewRegistry() *Registry {
	r := &Registry{kinds: make(map[string]models.DocumentKind)}
	for _, k := range builtin {
		_ = r.Register(k)
	}
	return r
}

// Register adds or replaces a kind, filling defaults for empty fields.
func (r *Registry) Register(k models.DocumentKind) error {
	k.Name = strings.TrimSpace(k.Name)
	if k.Name == "" {
		return fmt.Errorf("document kind name is required")
	}
	if k.BasePath == "" {
		k.BasePath = "/api/v1/kinds/" + k.Name
	}
	if k.ContentField == "" {
		k.ContentField = "content"
	}
	switch k.Format {
	case "":
		k.Format = models.FormatMarkdown
	case models.FormatMarkdown, models.FormatYAML:
	default:
		return fmt.Errorf("document kind %s: unknown format %q", k.Name, k.Format)
	}
	if k.Title == "" {
		k.Title = k.Name
	}
	r.kinds[k.Name] = k
	return nil
}

// Get returns the kind with the given name.
func (r *Registry) Get(name string) (models.DocumentKind, error) {
	k, ok := r.kinds[name]
	if !ok {
		return models.DocumentKind{}, fmt.Errorf("unknown document kind: %s", name)
	}
	return k, nil
}

// List returns all kinds sorted by name.
func (r *Registry) List() []models.DocumentKind {
	out := make([]models.DocumentKind, 0, len(r.kinds))
	for _, k := range r.kinds {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// kindsFile is the on-disk layout of a kinds file.
type kindsFile struct {
	Kinds []models.DocumentKind `yaml:"kinds"`
}

// LoadFile registers every kind defined in a YAML file.
func (r *Registry) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read kinds file: %w", err)
	}
	var f kindsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parse kinds file %s: %w", path, err)
	}
	for _, k := range f.Kinds {
		if err := r.Register(k); err != nil {
			return err
		}
	}
	return nil
}

// MissingInputs returns the required inputs of k that are absent or blank.
func MissingInputs(k models.DocumentKind, inputs map[string]string) []string {
	var missing []string
	for _, name := range k.RequiredInputs {
		if strings.TrimSpace(inputs[name]) == "" {
			missing = append(missing, name)
		}
	}
	return missing
}

// ValidateContent checks that generated content is well formed for k.
// Markdown is opaque and always valid.
func ValidateContent(k models.DocumentKind, content string) error {
	if k.Format != models.FormatYAML {
		return nil
	}
	var doc yaml.Node
	if err := yaml.Unmarshal([]byte(content), &doc); err != nil {
		return fmt.Errorf("invalid YAML content: %w", err)
	}
	return nil
}
