// Package cmd contains all the CLI commands for the application,
// built using the Cobra library.
package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "github-user-stats",
	Short: "A CLI tool to aggregate a GitHub user's activity statistics.",
	Long: `github-user-stats collects a user's aggregate activity from the GitHub
GraphQL and REST APIs and merges it into one snapshot: language usage,
repositories contributed to, issues, pull requests, and all-time
contributions across years.`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	// Add a persistent flag for verbose output, available to all commands.
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Enable verbose/debug logging")
}
