package handlers

import (
	"fmt"

	"github.com/spf13/cobra"

	"newsdesk/internal/config"
	"newsdesk/internal/ingest"
	"newsdesk/internal/store"
)

// stageCmd wires the shared config/store/chat setup for a single-stage
// command.
func stageCmd(use, short string, run func(cmd *cobra.Command, deps stageDeps) error) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			return run(cmd, stageDeps{cfg: cfg, store: st})
		},
	}
}

type stageDeps struct {
	cfg   *config.Config
	store *store.Store
}

// NewScrapeCmd creates the scrape command: the ingest stage alone.
func NewScrapeCmd() *cobra.Command {
	return stageCmd("scrape", "Scrape the configured sources and store new articles",
		func(cmd *cobra.Command, deps stageDeps) error {
			runner := ingest.NewRunner(deps.store, deps.cfg.Schedule.ScraperWorkers)
			buildScrapers(runner)
			stats, err := runner.Run(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("scraped %d articles: %d new, %d duplicates, %d scrapers failed\n",
				stats.Scraped, stats.Inserted, stats.Duplicates, stats.Failed)
			return nil
		})
}

// NewEnrichCmd creates the enrich command: the enrichment stage alone.
func NewEnrichCmd() *cobra.Command {
	return stageCmd("enrich", "Extract entities, companies, CVEs, and references from stored articles",
		func(cmd *cobra.Command, deps stageDeps) error {
			stats, err := buildEnricher(deps.cfg, deps.store, buildChat(deps.cfg)).Run(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("enriched %d articles with entities, %d with companies; %d CVE mentions, %d CVE records refreshed\n",
				stats.EntityArticles, stats.CompanyArticles, stats.CVEMentions, stats.CVERefreshed)
			return nil
		})
}

// NewGroupCmd creates the group command: the grouping stage alone.
func NewGroupCmd() *cobra.Command {
	return stageCmd("group", "Group ungrouped articles into stories",
		func(cmd *cobra.Command, deps stageDeps) error {
			stats, err := buildCoordinator(deps.cfg, deps.store, buildChat(deps.cfg)).Run(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("processed %d articles: %d attached, %d new groups, %d arbitrated, %d failed\n",
				stats.Processed, stats.Attached, stats.Created, stats.Arbitrated, stats.Failed)
			return nil
		})
}

// NewMergeCmd creates the merge command: the merge stage alone.
func NewMergeCmd() *cobra.Command {
	return stageCmd("merge", "Merge duplicate story groups",
		func(cmd *cobra.Command, deps stageDeps) error {
			merged, err := buildMerger(deps.cfg, deps.store, buildChat(deps.cfg)).Run(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("merged %d group pairs\n", merged)
			return nil
		})
}

// NewTrendsCmd creates the trends command: the trend synthesis stage alone.
func NewTrendsCmd() *cobra.Command {
	return stageCmd("trends", "Synthesize trends from recently grouped articles",
		func(cmd *cobra.Command, deps stageDeps) error {
			count, err := buildSynthesizer(deps.cfg, deps.store, buildChat(deps.cfg)).Run(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("%d trends live in the window\n", count)
			return nil
		})
}
