// Package commands implements the ghostwrite CLI commands using cobra.
package commands

import (
	"github.com/spf13/cobra"
)

// NewRootCmd creates the root CLI command with all subcommands registered.
func NewRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "ghostwrite",
		Short: "Ghostwrite - WhatsApp auto-responder that writes like you",
		Long: `Ghostwrite runs multi-tenant WhatsApp sessions that learn each
operator's writing style from their chat history and answer incoming
messages in that style.

Examples:
  ghostwrite serve
  ghostwrite serve --config ./config.yaml`,
		Version: version,
	}

	rootCmd.AddCommand(
		newServeCmd(),
	)

	rootCmd.PersistentFlags().StringP("config", "c", "", "path to the configuration file")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logging")

	return rootCmd
}
