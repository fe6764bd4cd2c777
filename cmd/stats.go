// Package cmd contains all the CLI commands for the application,
// built using the Cobra library.
package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/t-okamura/github-user-stats/internal/gateway"
	"github.com/t-okamura/github-user-stats/internal/usecase"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Aggregates a GitHub user's statistics and prints a summary",
	Long: `Aggregates language usage, repository, issue, pull request and contribution
statistics for a GitHub user and prints either a text summary or the full
snapshot as JSON.`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()

		// Get the verbose flag from the root command to set up the logger.
		verbose, _ := cmd.InheritedFlags().GetBool("verbose")
		logger := logrus.New()
		logger.SetOutput(io.Discard) // Default: discard all logs.
		if verbose {
			logger.SetOutput(os.Stderr) // If verbose, log to standard error.
			logger.SetLevel(logrus.DebugLevel)
		}

		// Credentials and the account identifier come from the environment;
		// both are required before any core logic runs.
		token := os.Getenv("ACCESS_TOKEN")
		if token == "" {
			token = os.Getenv("GITHUB_TOKEN")
		}
		if token == "" {
			fmt.Fprintln(os.Stderr, "Error: ACCESS_TOKEN (or GITHUB_TOKEN) environment variable is not set.")
			os.Exit(1)
		}
		user, _ := cmd.Flags().GetString("user")
		if user == "" {
			user = os.Getenv("GITHUB_ACTOR")
		}
		if user == "" {
			fmt.Fprintln(os.Stderr, "Error: no user given. Set --user or the GITHUB_ACTOR environment variable.")
			os.Exit(1)
		}

		excludeRepos, _ := cmd.Flags().GetStringSlice("exclude-repos")
		excludeLangs, _ := cmd.Flags().GetStringSlice("exclude-langs")
		ignoreContributed, _ := cmd.Flags().GetBool("ignore-contributed")
		maxConnections, _ := cmd.Flags().GetInt("max-connections")
		asJSON, _ := cmd.Flags().GetBool("json")

		// Inject dependencies and run the main business logic.
		githubGateway, err := gateway.NewGitHubGateway(token, maxConnections, logger)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to create GitHub gateway: %v\n", err)
			os.Exit(1)
		}
		stats := usecase.NewStats(user, githubGateway, usecase.Options{
			ExcludeRepos:      excludeRepos,
			ExcludeLangs:      excludeLangs,
			IgnoreContributed: ignoreContributed,
		}, logger)

		if asJSON {
			jsonData, err := json.MarshalIndent(stats.Snapshot(ctx), "", "  ")
			if err != nil {
				fmt.Fprintf(os.Stderr, "Failed to marshal snapshot to JSON: %v\n", err)
				os.Exit(1)
			}
			fmt.Println(string(jsonData))
			return
		}
		fmt.Println(stats.Summary(ctx))
	},
}

func init() {
	rootCmd.AddCommand(statsCmd)
	statsCmd.Flags().StringP("user", "u", "", "Target GitHub user name (defaults to GITHUB_ACTOR)")
	statsCmd.Flags().StringSlice("exclude-repos", nil, "Repositories (owner/name) to exclude from all statistics")
	statsCmd.Flags().StringSlice("exclude-langs", nil, "Languages to exclude, matched case-insensitively")
	statsCmd.Flags().Bool("ignore-contributed", false, "Count owned repositories only")
	statsCmd.Flags().Int("max-connections", gateway.DefaultMaxConnections, "Maximum number of concurrent API requests")
	statsCmd.Flags().Bool("json", false, "Print the full snapshot as JSON instead of a text summary")
}
