package cmd

import (
	"fmt"
	"github.com/burtonwilliamt/Monty/monty"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run [flags]",
	Short: "Starts the bot, the admin API and (optionally) the webhook server",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		bot, err := monty.New(cfg)
		if err != nil {
			return fmt.Errorf("error creating bot: %w", err)
		}
		if err = bot.Run(cmd.Context()); err != nil {
			return fmt.Errorf("error running bot: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}
