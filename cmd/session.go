package cmd

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/joescharf/docgen/internal/backend"
	"github.com/joescharf/docgen/internal/diff"
	"github.com/joescharf/docgen/internal/models"
	"github.com/joescharf/docgen/internal/orchestrator"
	"github.com/joescharf/docgen/internal/output"
)

var (
	startInputs  map[string]string
	startNoWait  bool
	startPrint   bool
	refineChat   bool
	refineNoWait bool
	refineDiff   bool
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start generating a new document",
	Long: `Start a generation session for the selected document kind.

Inputs reference the upstream artifacts the kind requires, for example:

  docgen start --kind agent_spec --input spec_id=abc --input spec_version=3`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return startRun(cmd)
	},
}

var refineCmd = &cobra.Command{
	Use:   "refine <session> <message...>",
	Short: "Ask the agent to revise a completed document",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return refineRun(cmd, args[0], strings.Join(args[1:], " "))
	},
}

var reviewCmd = &cobra.Command{
	Use:   "review <session>",
	Short: "Request review suggestions for the current document",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return reviewRun(cmd, args[0])
	},
}

var showCmd = &cobra.Command{
	Use:   "show <session>",
	Short: "Show a session's status and current document",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return showRun(cmd, args[0])
	},
}

var chatCmd = &cobra.Command{
	Use:   "chat <session>",
	Short: "Show a session's chat transcript",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return chatRun(cmd, args[0])
	},
}

func init() {
	startCmd.Flags().StringToStringVarP(&startInputs, "input", "i", nil, "Upstream input as key=value (repeatable)")
	startCmd.Flags().BoolVar(&startNoWait, "no-wait", false, "Return once the generation is accepted")
	startCmd.Flags().BoolVar(&startPrint, "print", false, "Print the document when generation completes")
	startCmd.Flags().Duration("timeout", 0, "Give up waiting after this long (0 waits until done)")

	refineCmd.Flags().BoolVar(&refineChat, "chat", false, "Discuss the document; the agent only revises it if needed")
	refineCmd.Flags().BoolVar(&refineNoWait, "no-wait", false, "Return once the refinement is accepted")
	refineCmd.Flags().BoolVar(&refineDiff, "diff", false, "Print the diff when the refinement completes")
	refineCmd.Flags().Duration("timeout", 0, "Give up waiting after this long (0 waits until done)")

	rootCmd.AddCommand(startCmd, refineCmd, reviewCmd, showCmd, chatCmd)
}

func startRun(cmd *cobra.Command) error {
	o, err := cliOrchestrator()
	if err != nil {
		return err
	}
	defer o.Close()

	if dryRun {
		ui.DryRunMsg("Would start a %s session with inputs %s", o.Kind().Name, formatInputs(startInputs))
		return nil
	}

	ctx, cancel := waitTimeout(cmd)
	defer cancel()

	id, err := o.Start(ctx, startInputs)
	if err != nil {
		return err
	}
	if startNoWait {
		fmt.Fprintln(ui.Out, id)
		return nil
	}

	doc, err := waitForSession(ctx, o, id)
	if err != nil {
		return err
	}
	if startPrint && doc.Status == models.SessionStatusCompleted {
		fmt.Fprintln(ui.Out)
		fmt.Fprintln(ui.Out, doc.Content)
	}
	return nil
}

func refineRun(cmd *cobra.Command, sessionID, message string) error {
	o, err := cliOrchestrator()
	if err != nil {
		return err
	}
	defer o.Close()

	action := backend.ActionRefine
	if refineChat {
		action = backend.ActionChat
	}
	if dryRun {
		ui.DryRunMsg("Would send %s message to session %s: %q", action, sessionID, message)
		return nil
	}

	ctx, cancel := waitTimeout(cmd)
	defer cancel()

	if _, err := o.LoadSession(ctx, sessionID); err != nil {
		return err
	}
	if err := o.Refine(ctx, sessionID, message, action); err != nil {
		return err
	}
	if refineNoWait {
		return nil
	}

	doc, err := waitForSession(ctx, o, sessionID)
	if err != nil {
		return err
	}
	if refineDiff && doc.Status == models.SessionStatusCompleted {
		if d, ok := o.PendingDiff(sessionID); ok {
			return printDiff(d, fmt.Sprintf("v%d", doc.CurrentVersion-1), fmt.Sprintf("v%d", doc.CurrentVersion))
		}
		ui.Info("The document did not change")
	}
	return nil
}

// waitForSession blocks until the running generation ends. A failed
// generation is reported by the notifier and returned as an error.
func waitForSession(ctx context.Context, o *orchestrator.Orchestrator, sessionID string) (*models.DocumentSession, error) {
	doc, err := o.Wait(ctx, sessionID)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("stopped waiting for session %s (still running; check with 'docgen show %s')", sessionID, sessionID)
		}
		return nil, err
	}
	if doc.Status == models.SessionStatusFailed {
		return doc, fmt.Errorf("session %s failed", sessionID)
	}
	return doc, nil
}

func reviewRun(cmd *cobra.Command, sessionID string) error {
	o, err := cliOrchestrator()
	if err != nil {
		return err
	}
	defer o.Close()

	ctx := cmd.Context()
	if _, err := o.LoadSession(ctx, sessionID); err != nil {
		return err
	}
	res, err := o.Review(ctx, sessionID)
	if err != nil {
		return err
	}
	ui.Success("Review of session %s", output.Cyan(sessionID))
	fmt.Fprintln(ui.Out)
	fmt.Fprintln(ui.Out, res.Suggestions)
	return nil
}

func showRun(cmd *cobra.Command, sessionID string) error {
	o, err := cliOrchestrator()
	if err != nil {
		return err
	}
	defer o.Close()

	doc, err := o.LoadSession(cmd.Context(), sessionID)
	if err != nil {
		return err
	}

	fmt.Fprintf(ui.Out, "Session:  %s\n", output.Cyan(doc.ID))
	fmt.Fprintf(ui.Out, "Kind:     %s\n", doc.Kind)
	fmt.Fprintf(ui.Out, "Status:   %s\n", output.StatusColor(string(doc.Status)))
	if doc.CurrentVersion > 0 {
		fmt.Fprintf(ui.Out, "Version:  %d\n", doc.CurrentVersion)
	}
	if doc.LastError != "" {
		fmt.Fprintf(ui.Out, "Error:    %s\n", output.Red(doc.LastError))
	}
	if doc.Content != "" {
		fmt.Fprintln(ui.Out)
		fmt.Fprintln(ui.Out, doc.Content)
	}
	return nil
}

func chatRun(cmd *cobra.Command, sessionID string) error {
	o, err := cliOrchestrator()
	if err != nil {
		return err
	}
	defer o.Close()

	if _, err := o.LoadSession(cmd.Context(), sessionID); err != nil {
		return err
	}

	msgs := o.Transcript(sessionID)
	if len(msgs) == 0 {
		ui.Info("No messages yet for session %s", sessionID)
		return nil
	}
	for _, m := range msgs {
		fmt.Fprintf(ui.Out, "%s %s\n", m.Timestamp.Local().Format("2006-01-02 15:04:05"), senderLabel(m))
		fmt.Fprintln(ui.Out, indent(m.Text, "  "))
		if d, ok := diff.FromMetadata(m.Metadata); ok && d.HasDiff {
			fmt.Fprintf(ui.Out, "  %s\n", output.Yellow("(changes: "+diff.NewCoordinator().Summary(d)+")"))
		}
	}
	return nil
}

func senderLabel(m models.ChatMessage) string {
	label := string(m.Sender)
	switch m.Sender {
	case models.SenderUser:
		label = output.Cyan(label)
	case models.SenderAgent:
		label = output.Green(label)
	case models.SenderSystem:
		label = output.Yellow(label)
	}
	if m.MessageType != models.MessageTypeNone {
		label += " [" + string(m.MessageType) + "]"
	}
	if m.Pending() {
		label += " (sending)"
	}
	return label
}

func indent(s, prefix string) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	for i, l := range lines {
		lines[i] = prefix + l
	}
	return strings.Join(lines, "\n")
}

func formatInputs(inputs map[string]string) string {
	if len(inputs) == 0 {
		return "(none)"
	}
	keys := make([]string, 0, len(inputs))
	for k := range inputs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + "=" + inputs[k]
	}
	return strings.Join(parts, ",")
}

// printDiff renders d as a colored unified diff.
func printDiff(d diff.Result, fromLabel, toLabel string) error {
	c := diff.NewCoordinator()
	unified, err := c.Render(d, fromLabel, toLabel)
	if err != nil {
		return fmt.Errorf("render diff: %w", err)
	}
	ui.Info("%s", c.Summary(d))
	ui.Diff(unified)
	return nil
}
