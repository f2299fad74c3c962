// Package diff decides whether two document snapshots differ and renders the
// difference for display.
package diff

import (
	"fmt"

	"github.com/pmezard/go-difflib/difflib"

	"github.com/joescharf/docgen/internal/models"
)

// Result is the displayable old/new pair for one comparison.
type Result struct {
	HasDiff    bool   `json:"hasDiff"`
	OldContent string `json:"oldContent"`
	NewContent string `json:"newContent"`
}

// ComputeFrom compares two snapshots. An empty previous snapshot means there
// was no prior version, so it never yields a diff. Comparison is byte-exact.
func ComputeFrom(previous, current string) Result {
	return Result{
		HasDiff:    previous != "" && current != "" && previous != current,
		OldContent: previous,
		NewContent: current,
	}
}

// Metadata returns the chat metadata payload announcing r, keyed for kind.
func (r Result) Metadata(kind models.DocumentKind) map[string]any {
	oldKey, newKey := kind.DiffKeys()
	m := map[string]any{"hasDiff": r.HasDiff}
	if r.HasDiff {
		m[oldKey] = r.OldContent
		m[newKey] = r.NewContent
	}
	return m
}

// FromMetadata rebuilds a Result from a chat metadata payload. It accepts
// both the Markdown and the YAML key names.
func FromMetadata(m map[string]any) (Result, bool) {
	has, ok := m["hasDiff"].(bool)
	if !ok {
		return Result{}, false
	}
	r := Result{HasDiff: has}
	for _, k := range []string{"oldContent", "oldYaml"} {
		if s, ok := m[k].(string); ok {
			r.OldContent = s
		}
	}
	for _, k := range []string{"newContent", "newYaml"} {
		if s, ok := m[k].(string); ok {
			r.NewContent = s
		}
	}
	return r, true
}

// Coordinator renders results for the terminal.
type Coordinator struct {
	// ContextLines is the number of unchanged lines around each hunk.
	ContextLines int
}

// NewCoordinator returns a Coordinator with three lines of context.
func NewCoordinator() *Coordinator {
	return &Coordinator{ContextLines: 3}
}

// ComputeFrom is the method form of the package-level ComputeFrom.
func (c *Coordinator) ComputeFrom(previous, current string) Result {
	return ComputeFrom(previous, current)
}

// Render returns a unified diff of r, or "" when r has no diff.
func (c *Coordinator) Render(r Result, fromLabel, toLabel string) (string, error) {
	if !r.HasDiff {
		return "", nil
	}
	ud := difflib.UnifiedDiff{
		A:        difflib.SplitLines(r.OldContent),
		B:        difflib.SplitLines(r.NewContent),
		FromFile: fromLabel,
		ToFile:   toLabel,
		Context:  c.ContextLines,
	}
	return difflib.GetUnifiedDiffString(ud)
}

// Stats counts lines added and removed between the two snapshots.
func (c *Coordinator) Stats(r Result) (added, removed int) {
	if !r.HasDiff {
		return 0, 0
	}
	m := difflib.NewMatcher(difflib.SplitLines(r.OldContent), difflib.SplitLines(r.NewContent))
	for _, op := range m.GetOpCodes() {
		switch op.Tag {
		case 'r':
			removed += op.I2 - op.I1
			added += op.J2 - op.J1
		case 'd':
			removed += op.I2 - op.I1
		case 'i':
			added += op.J2 - op.J1
		}
	}
	return added, removed
}

// Summary is a one-line description like "+3 -1".
func (c *Coordinator) Summary(r Result) string {
	added, removed := c.Stats(r)
	return fmt.Sprintf("+%d -%d", added, removed)
}
