package handlers

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

// NewRootCmd creates the root command with all subcommands attached
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "newsdesk",
		Short: "Newsdesk ingests news articles, groups them into stories, and tracks trends.",
		Long: `Newsdesk is a news intelligence pipeline: it scrapes configured sources,
extracts entities, companies, and CVE mentions, groups related articles into
stories, merges duplicate stories, and synthesizes short-lived trends.

Run the full pipeline on a schedule with 'newsdesk run', or execute a single
stage with the stage subcommands. 'newsdesk serve' exposes the read-only web
API over the same database.`,
	}

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.newsdesk.yaml)")

	rootCmd.AddCommand(NewRunCmd())
	rootCmd.AddCommand(NewOnceCmd())
	rootCmd.AddCommand(NewServeCmd())
	rootCmd.AddCommand(NewScrapeCmd())
	rootCmd.AddCommand(NewEnrichCmd())
	rootCmd.AddCommand(NewGroupCmd())
	rootCmd.AddCommand(NewMergeCmd())
	rootCmd.AddCommand(NewTrendsCmd())

	return rootCmd
}

// Execute runs the root command
func Execute() {
	rootCmd := NewRootCmd()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
