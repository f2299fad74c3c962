package cmd

import (
	"strings"

	"github.com/spf13/cobra"
)

var kindsCmd = &cobra.Command{
	Use:   "kinds",
	Short: "List the document kinds docgen can generate",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return kindsRun()
	},
}

func init() {
	rootCmd.AddCommand(kindsCmd)
}

func kindsRun() error {
	reg, err := getKinds()
	if err != nil {
		return err
	}

	table := ui.Table([]string{"Kind", "Title", "Format", "Required inputs", "Path"})
	for _, k := range reg.List() {
		table.Append([]string{
			k.Name,
			k.Title,
			string(k.Format),
			strings.Join(k.RequiredInputs, ", "),
			k.BasePath,
		})
	}
	table.Render()
	return nil
}
