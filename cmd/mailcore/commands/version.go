package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func (a *app) newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "mailcore %s\n", a.info.Version)
			fmt.Fprintf(out, "Commit: %s\n", a.info.Commit)
			fmt.Fprintf(out, "Built: %s\n", a.info.Date)
		},
	}
}
