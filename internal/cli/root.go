// Package cli implements the ticketctl command line.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/transitlab/ticketctl/internal/daemon"
)

// Execute runs the root command.
func Execute(version string) error {
	if version != "" {
		daemon.Version = version
	}
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return err
	}
	return nil
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "ticketctl",
		Short: "Transit card transaction intake and ticket control",
		Long: `ticketctl accepts ride transactions from validators, keeps each card's
transactions in a pending record for a 60 second observation window, and then
moves the record to the archive. Inspectors query a card's open window.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringP("config", "c", "", "Path to config.toml (default $TICKETCTL_HOME/config.toml)")

	root.AddCommand(newServeCmd())
	root.AddCommand(newSubmitCmd())
	root.AddCommand(newStatusCmd())
	root.AddCommand(newArchiveCmd())
	root.AddCommand(newVersionCmd())
	return root
}

// loadConfig reads the config selected by --config.
func loadConfig(cmd *cobra.Command) (daemon.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	return daemon.Load(path)
}

// ─── version ────────────────────────────────────────────────────────────────

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the ticketctl version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "ticketctl %s\n", daemon.Version)
		},
	}
}
