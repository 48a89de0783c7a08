// Package pipeline sequences the processing stages: scrape, enrich, group,
// merge, synthesize trends.
package pipeline

import (
	"context"
	"time"

	"github.com/google/uuid"

	"newsdesk/internal/enrich"
	"newsdesk/internal/grouping"
	"newsdesk/internal/ingest"
	"newsdesk/internal/logger"
	"newsdesk/internal/merging"
	"newsdesk/internal/trends"
)

// Pipeline runs the stages in order. Any stage may be nil and is then
// skipped. A failing stage is logged and the run continues with the next,
// so fresh data keeps flowing even when one stage is degraded.
type Pipeline struct {
	ingest   *ingest.Runner
	enrich   *enrich.Enricher
	group    *grouping.Coordinator
	merge    *merging.Merger
	trends   *trends.Synthesizer
	interval time.Duration
}

// New assembles a pipeline. interval <= 0 disables Loop's default schedule
// check and falls back to 15 minutes.
func New(ing *ingest.Runner, enr *enrich.Enricher, grp *grouping.Coordinator, mrg *merging.Merger, trd *trends.Synthesizer, interval time.Duration) *Pipeline {
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	return &Pipeline{
		ingest:   ing,
		enrich:   enr,
		group:    grp,
		merge:    mrg,
		trends:   trd,
		interval: interval,
	}
}

// Run executes one full pass. Only context cancellation aborts it early.
func (p *Pipeline) Run(ctx context.Context) error {
	runID := uuid.NewString()
	started := time.Now()
	logger.Info("pipeline run started", "run_id", runID)

	if p.ingest != nil {
		if stats, err := p.ingest.Run(ctx); err != nil {
			if ctx.Err() != nil {
				return err
			}
			logger.Error("ingest stage failed", err, "run_id", runID)
		} else {
			logger.Info("ingest stage finished", "run_id", runID,
				"scraped", stats.Scraped, "inserted", stats.Inserted,
				"duplicates", stats.Duplicates, "failed_scrapers", stats.Failed)
		}
	}

	if p.enrich != nil {
		if stats, err := p.enrich.Run(ctx); err != nil {
			if ctx.Err() != nil {
				return err
			}
			logger.Error("enrich stage failed", err, "run_id", runID)
		} else {
			logger.Info("enrich stage finished", "run_id", runID,
				"entity_articles", stats.EntityArticles, "cve_mentions", stats.CVEMentions,
				"cve_refreshed", stats.CVERefreshed)
		}
	}

	if p.group != nil {
		if stats, err := p.group.Run(ctx); err != nil {
			if ctx.Err() != nil {
				return err
			}
			logger.Error("grouping stage failed", err, "run_id", runID)
		} else {
			logger.Info("grouping stage finished", "run_id", runID,
				"processed", stats.Processed, "attached", stats.Attached,
				"created", stats.Created)
		}
	}

	if p.merge != nil {
		if merged, err := p.merge.Run(ctx); err != nil {
			if ctx.Err() != nil {
				return err
			}
			logger.Error("merge stage failed", err, "run_id", runID)
		} else if merged > 0 {
			logger.Info("merge stage finished", "run_id", runID, "merged", merged)
		}
	}

	if p.trends != nil {
		if count, err := p.trends.Run(ctx); err != nil {
			if ctx.Err() != nil {
				return err
			}
			logger.Error("trend stage failed", err, "run_id", runID)
		} else {
			logger.Info("trend stage finished", "run_id", runID, "trends", count)
		}
	}

	logger.Info("pipeline run finished", "run_id", runID, "elapsed", time.Since(started).String())
	return ctx.Err()
}

// Loop runs a pass immediately and then on every tick until the context is
// cancelled. A failed pass is logged; the next tick runs regardless.
func (p *Pipeline) Loop(ctx context.Context) error {
	if err := p.Run(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		logger.Error("pipeline run failed", err)
	}

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := p.Run(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				logger.Error("pipeline run failed", err)
			}
		}
	}
}
