package models

// ContentFormat is the textual format of a generated document.
type ContentFormat string

const (
	FormatMarkdown ContentFormat = "markdown"
	FormatYAML     ContentFormat = "yaml"
)

// DocumentKind parametrizes the session protocol for one type of document.
type DocumentKind struct {
	Name           string        `yaml:"name" json:"name"`
	Title          string        `yaml:"title" json:"title"`
	BasePath       string        `yaml:"base_path" json:"basePath"`
	ContentField   string        `yaml:"content_field" json:"contentField"`
	Format         ContentFormat `yaml:"format" json:"format"`
	RequiredInputs []string      `yaml:"required_inputs" json:"requiredInputs"`
}

// DiffKeys returns the chat metadata keys carrying the old and new content.
func (k DocumentKind) DiffKeys() (oldKey, newKey string) {
	if k.Format == FormatYAML {
		return "oldYaml", "newYaml"
	}
	return "oldContent", "newContent"
}
