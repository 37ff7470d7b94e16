package cmd

import (
	"fmt"
	"github.com/burtonwilliamt/Monty/monty"
	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version of the application",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(
			cmd.OutOrStdout(),
			"version=%s commit=%s built: %s\n",
			monty.Version,
			monty.CommitSHA,
			monty.BuildTime,
		)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
