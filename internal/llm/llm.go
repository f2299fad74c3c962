package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/joescharf/docgen/internal/models"
)

// DefaultModel is used when no model is configured.
const DefaultModel = "claude-sonnet-4-5"

// Revision is the result of a refinement turn.
type Revision struct {
	// Content is the revised document, empty when the document is unchanged.
	Content string `json:"content"`
	// Reply is the agent's chat answer to the user.
	Reply string `json:"reply"`
}

// Client wraps the Anthropic API for document generation.
type Client struct {
	api   *anthropic.Client
	model anthropic.Model
}

// NewClient creates an LLM client with the given API key and model.
func NewClient(apiKey, model string) *Client {
	opts := []option.RequestOption{}
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	if model == "" {
		model = DefaultModel
	}
	client := anthropic.NewClient(opts...)
	return &Client{
		api:   &client,
		model: anthropic.Model(model),
	}
}

func formatName(k models.DocumentKind) string {
	if k.Format == models.FormatYAML {
		return "YAML"
	}
	return "Markdown"
}

func kindTitle(k models.DocumentKind) string {
	if k.Title != "" {
		return k.Title
	}
	return k.Name
}

// buildGeneratePrompt constructs the prompts for a first draft.
func buildGeneratePrompt(k models.DocumentKind, inputs map[string]string) (system string, user string) {
	system = fmt.Sprintf(`You write %s documents. Produce the complete document as %s.

Rules:
- Base the document only on the referenced upstream artifacts and options below
- Use clear headings and keep sections concise
- Return the document only, no markdown fencing or explanation`, kindTitle(k), formatName(k))

	var sb strings.Builder
	sb.WriteString("Write a new ")
	sb.WriteString(kindTitle(k))
	sb.WriteString(".\n")
	if len(inputs) > 0 {
		keys := make([]string, 0, len(inputs))
		for key := range inputs {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		sb.WriteString("\nUpstream references:\n")
		for _, key := range keys {
			fmt.Fprintf(&sb, "- %s: %s\n", key, inputs[key])
		}
	}
	user = sb.String()
	return
}

// buildRefinePrompt constructs the prompts for a refinement or chat turn.
func buildRefinePrompt(k models.DocumentKind, current, message string, chatOnly bool, history []models.ChatMessage) (system string, user string) {
	system = fmt.Sprintf(`You revise %s documents written in %s. Return a JSON object with exactly two fields:

- "content": the complete revised document, or an empty string if the document should not change
- "reply": a short message to the user describing what you changed or answering their question

Rules:
- Never return a partial document in "content"
- Return valid JSON only, no markdown fencing or explanation`, kindTitle(k), formatName(k))
	if chatOnly {
		system += "\n- The user is discussing the document; only change it if they clearly ask for a change"
	}

	var sb strings.Builder
	if len(history) > 0 {
		sb.WriteString("Conversation so far:\n")
		for _, m := range history {
			fmt.Fprintf(&sb, "[%s] %s\n", m.Sender, m.Text)
		}
		sb.WriteString("\n")
	}
	sb.WriteString("Current document:\n\n")
	sb.WriteString(current)
	sb.WriteString("\n\nUser message: ")
	sb.WriteString(message)
	user = sb.String()
	return
}

// buildReviewPrompt constructs the prompts for a review.
func buildReviewPrompt(k models.DocumentKind, content string) (system string, user string) {
	system = fmt.Sprintf(`You review %s documents. List concrete, actionable suggestions as a Markdown bullet list, most important first. Do not rewrite the document.`, kindTitle(k))
	user = "Review this document:\n\n" + content
	return
}

func (c *Client) complete(ctx context.Context, system, user string, maxTokens int64) (string, error) {
	msg, err := c.api.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: maxTokens,
		System: []anthropic.TextBlockParam{
			{Text: system},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(user)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("anthropic API call: %w", err)
	}

	var text string
	for _, block := range msg.Content {
		if block.Type == "text" {
			text = block.Text
			break
		}
	}
	if text == "" {
		return "", fmt.Errorf("no text content in API response")
	}
	return stripFence(text), nil
}

// stripFence removes a surrounding markdown code fence, if present.
func stripFence(text string) string {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "```") {
		return text
	}
	lines := strings.SplitN(text, "\n", 2)
	if len(lines) < 2 {
		return ""
	}
	text = lines[1]
	if idx := strings.LastIndex(text, "```"); idx >= 0 {
		text = text[:idx]
	}
	return strings.TrimSpace(text)
}

// Generate writes a first draft for kind.
func (c *Client) Generate(ctx context.Context, k models.DocumentKind, inputs map[string]string) (string, error) {
	system, user := buildGeneratePrompt(k, inputs)
	return c.complete(ctx, system, user, 8192)
}

// Refine revises current according to message.
func (c *Client) Refine(ctx context.Context, k models.DocumentKind, current, message string, chatOnly bool, history []models.ChatMessage) (*Revision, error) {
	system, user := buildRefinePrompt(k, current, message, chatOnly, history)
	text, err := c.complete(ctx, system, user, 8192)
	if err != nil {
		return nil, err
	}
	return parseRevision(text)
}

func parseRevision(text string) (*Revision, error) {
	var rev Revision
	if err := json.Unmarshal([]byte(text), &rev); err != nil {
		return nil, fmt.Errorf("parse LLM response as JSON: %w\nraw response: %s", err, text)
	}
	rev.Content = stripFence(rev.Content)
	return &rev, nil
}

// Review returns suggestions for content.
func (c *Client) Review(ctx context.Context, k models.DocumentKind, content string) (string, error) {
	system, user := buildReviewPrompt(k, content)
	return c.complete(ctx, system, user, 2048)
}
