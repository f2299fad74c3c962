package cmd

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/joescharf/docgen/internal/output"
)

var (
	versionsShow    int
	versionsContent bool
)

var versionsCmd = &cobra.Command{
	Use:   "versions <session>",
	Short: "List a session's versions or show one with its diff",
	Long: `List the versions recorded for a session.

With --show N, print what changed from version N-1 to version N.
Add --content to print the full text of version N instead.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if versionsShow > 0 {
			return versionShowRun(cmd, args[0], versionsShow)
		}
		return versionsListRun(cmd, args[0])
	},
}

func init() {
	versionsCmd.Flags().IntVar(&versionsShow, "show", 0, "Show version N and its diff against N-1")
	versionsCmd.Flags().BoolVar(&versionsContent, "content", false, "With --show, print the version's full content")
	rootCmd.AddCommand(versionsCmd)
}

func versionsListRun(cmd *cobra.Command, sessionID string) error {
	o, err := cliOrchestrator()
	if err != nil {
		return err
	}
	defer o.Close()

	ctx := cmd.Context()
	if _, err := o.LoadSession(ctx, sessionID); err != nil {
		return err
	}
	versions, err := o.Versions(ctx, sessionID)
	if err != nil {
		return err
	}
	if len(versions) == 0 {
		ui.Info("No versions recorded for session %s", sessionID)
		return nil
	}

	table := ui.Table([]string{"Version", "Change", "Description", "Created"})
	for _, v := range versions {
		table.Append([]string{
			strconv.Itoa(v.Version),
			string(v.ChangeType),
			v.ChangeDescription,
			v.CreatedAt.Local().Format("2006-01-02 15:04"),
		})
	}
	table.Render()
	return nil
}

func versionShowRun(cmd *cobra.Command, sessionID string, version int) error {
	o, err := cliOrchestrator()
	if err != nil {
		return err
	}
	defer o.Close()

	ctx := cmd.Context()
	if _, err := o.LoadSession(ctx, sessionID); err != nil {
		return err
	}
	v, d, err := o.LoadVersion(ctx, sessionID, version)
	if err != nil {
		return err
	}

	fmt.Fprintf(ui.Out, "Version %s of %s (%s)\n", output.Cyan(strconv.Itoa(v.Version)), sessionID, v.ChangeType)
	if v.ChangeDescription != "" {
		fmt.Fprintf(ui.Out, "  %s\n", v.ChangeDescription)
	}
	fmt.Fprintln(ui.Out)

	if versionsContent || !d.HasDiff {
		if !d.HasDiff && version > 1 {
			ui.Info("No changes from version %d", version-1)
		}
		fmt.Fprintln(ui.Out, v.Content)
		return nil
	}
	return printDiff(d, fmt.Sprintf("v%d", version-1), fmt.Sprintf("v%d", version))
}
