package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// configPath is the --config flag, shared by all subcommands.
var configPath string

// rootCmd represents the base command for the billscan application
var rootCmd = &cobra.Command{
	Use:   "billscan",
	Short: "Scans a Gmail inbox for utility bills and summarizes them",
	Long: `billscan searches a user's Gmail inbox for utility bill emails,
extracts the amount and issue date from their PDF attachments with an
AI model, stores the results, and posts a per-type summary to a chat
channel.

It can run as:
  - An HTTP server handling chat slash commands (serve)
  - A one-off CLI scan for a single user (scan)`,
	SilenceUsage: true,
}

// version will be set by main
var version = "dev"

// SetVersion sets the version for the root command
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}

// Execute is the main entry point for the CLI application
func Execute() {
	rootCmd.SetVersionTemplate(`{{printf "billscan version %s\n" .Version}}`)

	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML config file")
	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newAuthCmd())
	rootCmd.AddCommand(newScanCmd())
}
