package llm

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/docgen/internal/models"
)

var (
	specKind = models.DocumentKind{Name: "functional_spec", Title: "Functional Specification", Format: models.FormatMarkdown}
	yamlKind = models.DocumentKind{Name: "yaml_config", Format: models.FormatYAML}
)

func TestBuildGeneratePrompt(t *testing.T) {
	t.Run("with inputs", func(t *testing.T) {
		system, user := buildGeneratePrompt(specKind, map[string]string{"spec_id": "s1", "project_id": "p1"})

		assert.Contains(t, system, "Functional Specification")
		assert.Contains(t, system, "Markdown")
		assert.Contains(t, user, "Upstream references")
		assert.Less(t, strings.Index(user, "project_id"), strings.Index(user, "spec_id"), "inputs are sorted")
	})

	t.Run("without inputs", func(t *testing.T) {
		_, user := buildGeneratePrompt(specKind, nil)
		assert.NotContains(t, user, "Upstream references")
	})

	t.Run("yaml kind falls back to name", func(t *testing.T) {
		system, _ := buildGeneratePrompt(yamlKind, nil)
		assert.Contains(t, system, "yaml_config")
		assert.Contains(t, system, "YAML")
	})
}

func TestBuildRefinePrompt(t *testing.T) {
	t.Run("refine", func(t *testing.T) {
		system, user := buildRefinePrompt(specKind, "# Doc", "fix typo", false, nil)

		assert.Contains(t, system, `"content"`)
		assert.Contains(t, system, `"reply"`)
		assert.NotContains(t, system, "discussing")
		assert.Contains(t, user, "# Doc")
		assert.Contains(t, user, "User message: fix typo")
		assert.NotContains(t, user, "Conversation so far")
	})

	t.Run("chat with history", func(t *testing.T) {
		history := []models.ChatMessage{
			{Sender: models.SenderUser, Text: "why section 2?"},
			{Sender: models.SenderAgent, Text: "it covers scope"},
		}
		system, user := buildRefinePrompt(specKind, "# Doc", "ok", true, history)

		assert.Contains(t, system, "discussing")
		assert.Contains(t, user, "[user] why section 2?")
		assert.Contains(t, user, "[agent] it covers scope")
	})
}

func TestBuildReviewPrompt(t *testing.T) {
	system, user := buildReviewPrompt(specKind, "# Doc")
	assert.Contains(t, system, "suggestions")
	assert.Contains(t, user, "# Doc")
}

func TestStripFence(t *testing.T) {
	tests := []struct {
		name, in, want string
	}{
		{"plain", "  # Doc\n", "# Doc"},
		{"fenced", "```markdown\n# Doc\n```", "# Doc"},
		{"fenced yaml", "```yaml\na: 1\n```\n", "a: 1"},
		{"unterminated", "```\nx", "x"},
		{"fence only", "```", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, stripFence(tt.in))
		})
	}
}

func TestParseRevision(t *testing.T) {
	rev, err := parseRevision(`{"content":"# New","reply":"done"}`)
	require.NoError(t, err)
	assert.Equal(t, "# New", rev.Content)
	assert.Equal(t, "done", rev.Reply)

	rev, err = parseRevision(`{"content":"","reply":"no change needed"}`)
	require.NoError(t, err)
	assert.Empty(t, rev.Content)

	_, err = parseRevision("not json")
	assert.Error(t, err)
}

func TestNewClient_DefaultModel(t *testing.T) {
	c := NewClient("", "")
	assert.Equal(t, DefaultModel, string(c.model))
}
