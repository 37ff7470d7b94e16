package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"github.com/burtonwilliamt/Monty/monty"
	"github.com/spf13/cobra"
	"golang.org/x/term"
	"gorm.io/gorm"
	"strings"
	"syscall"
)

// passwordReader reads a password without echoing it. Tests swap it out.
type passwordReader func() ([]byte, error)

var customPasswordReader passwordReader

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize the database and set admin credentials",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		out := cmd.OutOrStdout()

		if cfg.Database == "" {
			return errors.New(
				"MONTY_DATABASE not set (must be a valid database " +
					"connection string or sqlite file path)",
			)
		}
		db, err := monty.CreateDB(ctx, cfg.DatabaseType, cfg.Database)
		if err != nil {
			return fmt.Errorf("error creating database: %w", err)
		}
		defer closeDB(db)

		// loading the ledger replays the transaction log, so a corrupt
		// log is reported here rather than on the first 'run'
		ledger, err := monty.NewLedger(ctx, db)
		if err != nil {
			return fmt.Errorf("error loading ledger: %w", err)
		}
		fmt.Fprintf(out, "Ledger loaded with %d account(s).\n", ledger.Accounts())

		runtimeConfig, _, err := monty.LoadRuntimeConfig(ctx, db)
		if err != nil {
			return err
		}

		if runtimeConfig.HasAdminCredentials() {
			fmt.Fprintln(out, "Admin credentials are already set.")
		} else {
			username, password, err := promptCredentials(cmd)
			if err != nil {
				return err
			}
			if err = monty.SetAdminCredentials(
				ctx,
				db,
				&runtimeConfig,
				username,
				password,
			); err != nil {
				return err
			}
			fmt.Fprintln(out, "Admin credentials set successfully.")
		}

		fmt.Fprintln(
			out,
			"Initialization complete. You can now start the bot with the 'run' subcommand.",
		)
		return nil
	},
}

func promptCredentials(cmd *cobra.Command) (string, string, error) {
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "Admin credentials are not set. Let's set them up.")

	reader := bufio.NewReader(cmd.InOrStdin())
	fmt.Fprint(out, "Enter admin username: ")
	username, _ := reader.ReadString('\n')
	username = strings.TrimSpace(username)
	if username == "" {
		return "", "", errors.New("username is required")
	}

	readPassword := customPasswordReader
	if readPassword == nil {
		readPassword = func() ([]byte, error) {
			return term.ReadPassword(int(syscall.Stdin))
		}
	}
	for {
		fmt.Fprint(out, "Enter admin password: ")
		password, err := readPassword()
		if err != nil {
			return "", "", fmt.Errorf("error reading password: %w", err)
		}
		fmt.Fprintln(out)

		fmt.Fprint(out, "Confirm admin password: ")
		confirmed, err := readPassword()
		if err != nil {
			return "", "", fmt.Errorf("error reading password: %w", err)
		}
		fmt.Fprintln(out)

		switch {
		case len(password) == 0:
			fmt.Fprintln(out, "Password can't be empty. Please try again.")
		case string(password) != string(confirmed):
			fmt.Fprintln(out, "Passwords do not match. Please try again.")
		default:
			return username, string(password), nil
		}
	}
}

func closeDB(db *gorm.DB) {
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}

func init() {
	rootCmd.AddCommand(initCmd)
}
