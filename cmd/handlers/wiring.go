package handlers

import (
	"fmt"
	"time"

	"newsdesk/internal/config"
	"newsdesk/internal/cvefeed"
	"newsdesk/internal/enrich"
	"newsdesk/internal/grouping"
	"newsdesk/internal/ingest"
	"newsdesk/internal/llm"
	"newsdesk/internal/logger"
	"newsdesk/internal/merging"
	"newsdesk/internal/pipeline"
	"newsdesk/internal/store"
	"newsdesk/internal/trends"
)

// loadConfig loads configuration and initializes logging from it.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	logger.Init(cfg.Logging.Level)
	return cfg, nil
}

// openStore opens the SQLite database from config.
func openStore(cfg *config.Config) (*store.Store, error) {
	st, err := store.New(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database at %s: %w", cfg.Database.Path, err)
	}
	return st, nil
}

// buildChat builds the LLM client, or returns nil when no API key is
// configured. Every stage degrades to its deterministic fallback without one.
func buildChat(cfg *config.Config) llm.Chatter {
	if cfg.AI.APIKey == "" {
		logger.Warn("no LLM API key configured; extraction, arbitration, and synthesis fall back to deterministic behavior")
		return nil
	}
	client, err := llm.NewClient(cfg)
	if err != nil {
		logger.Error("failed to build LLM client; continuing without one", err)
		return nil
	}
	return client
}

// buildScrapers registers the default news sources.
func buildScrapers(runner *ingest.Runner) {
	runner.Register(ingest.NewSiteScraper("bleepingcomputer",
		"https://www.bleepingcomputer.com/", "#bc-home-news-main-wrap li h4 a", 20))
	runner.Register(ingest.NewSiteScraper("theregister",
		"https://www.theregister.com/", "a.story_link", 20))
	runner.Register(ingest.NewSiteScraper("techcrunch",
		"https://techcrunch.com/", "a.loop-card__title-link", 20))
}

// buildPipeline assembles every stage from config.
func buildPipeline(cfg *config.Config, st *store.Store, chat llm.Chatter) *pipeline.Pipeline {
	runner := ingest.NewRunner(st, cfg.Schedule.ScraperWorkers)
	buildScrapers(runner)

	return pipeline.New(
		runner,
		buildEnricher(cfg, st, chat),
		buildCoordinator(cfg, st, chat),
		buildMerger(cfg, st, chat),
		buildSynthesizer(cfg, st, chat),
		cfg.Schedule.Interval(),
	)
}

func buildEnricher(cfg *config.Config, st *store.Store, chat llm.Chatter) *enrich.Enricher {
	return enrich.New(st, chat, cvefeed.NewClient(), enrich.Config{
		TokenBudget:     cfg.Enrich.TokenBudget,
		CVERefreshAge:   time.Duration(cfg.Enrich.CVERefreshDays) * 24 * time.Hour,
		CVERequestDelay: config.Duration(cfg.Enrich.CVERequestDelay, enrich.DefaultCVERequestDelay),
	})
}

func buildCoordinator(cfg *config.Config, st *store.Store, chat llm.Chatter) *grouping.Coordinator {
	return grouping.New(st, chat, grouping.Config{
		BaseThreshold: cfg.Grouping.BaseThreshold,
		Arbitration:   cfg.Grouping.LLMArbitration,
		BatchDelay:    config.Duration(cfg.Grouping.BatchDelay, 200*time.Millisecond),
	})
}

func buildMerger(cfg *config.Config, st *store.Store, chat llm.Chatter) *merging.Merger {
	return merging.New(st, chat, cfg.Merging.Threshold)
}

func buildSynthesizer(cfg *config.Config, st *store.Store, chat llm.Chatter) *trends.Synthesizer {
	return trends.New(st, chat, trends.Config{
		Minimum:     cfg.Trends.Minimum,
		Window:      time.Duration(cfg.Trends.WindowHours) * time.Hour,
		TokenBudget: cfg.Enrich.TokenBudget,
	})
}
