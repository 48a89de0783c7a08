// Package trends turns recent grouped articles into short-lived trend
// records, one synthesis pass per category.
package trends

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"newsdesk/internal/core"
	"newsdesk/internal/llm"
	"newsdesk/internal/logger"
	"newsdesk/internal/signature"
	"newsdesk/internal/store"
	"newsdesk/internal/tokens"
)

const (
	// DefaultMinimum is the trend floor: when a pass produces fewer trends
	// than this, the largest recent groups are promoted to synthetic trends.
	DefaultMinimum = 6
	// DefaultWindow bounds both the article lookback and trend lifetime.
	DefaultWindow = 48 * time.Hour
	// DefaultTokenBudget caps the estimated size of one synthesis batch.
	DefaultTokenBudget = 150000

	syntheticImportance = 5.0
	syntheticConfidence = 0.8
	maxSyntheticMembers = 10
	maxSyntheticEntity  = 5
)

// Config tunes a synthesis pass.
type Config struct {
	Minimum     int
	Window      time.Duration
	TokenBudget int
}

// DefaultConfig returns the standard synthesis settings.
func DefaultConfig() Config {
	return Config{
		Minimum:     DefaultMinimum,
		Window:      DefaultWindow,
		TokenBudget: DefaultTokenBudget,
	}
}

// Synthesizer runs trend synthesis passes.
type Synthesizer struct {
	store  *store.Store
	engine *signature.Engine
	chat   llm.Chatter // nil skips LLM synthesis; the floor still runs
	cfg    Config
}

// New builds a Synthesizer. chat may be nil.
func New(st *store.Store, chat llm.Chatter, cfg Config) *Synthesizer {
	if cfg.Minimum <= 0 {
		cfg.Minimum = DefaultMinimum
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.TokenBudget <= 0 {
		cfg.TokenBudget = DefaultTokenBudget
	}
	return &Synthesizer{store: st, engine: signature.New(st), chat: chat, cfg: cfg}
}

// Run expires old trends, synthesizes fresh ones per category, and enforces
// the trend floor. A category that fails is logged and skipped; the pass
// continues. Returns the number of trends now live inside the window.
func (s *Synthesizer) Run(ctx context.Context) (int, error) {
	expired, err := s.store.DeleteTrendsOlderThan(s.cfg.Window)
	if err != nil {
		return 0, fmt.Errorf("expire trends: %w", err)
	}
	if expired > 0 {
		logger.Info("expired trends", "count", expired)
	}

	for _, category := range core.Categories {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		if err := s.synthesizeCategory(ctx, category); err != nil {
			logger.Error("trend synthesis failed", err, "category", category)
		}
	}

	if err := s.enforceFloor(); err != nil {
		logger.Error("trend floor failed", err)
	}

	return s.store.TrendCount(s.cfg.Window)
}

type trendResponse struct {
	Trends []struct {
		Label       string   `json:"trend_label"`
		Summary     string   `json:"summary"`
		Importance  float64  `json:"importance_score"`
		Confidence  float64  `json:"confidence_score"`
		KeyEntities []string `json:"key_entities"`
		Articles    []int64  `json:"articles"`
	} `json:"trends"`
}

func (s *Synthesizer) synthesizeCategory(ctx context.Context, category string) error {
	if s.chat == nil {
		return nil
	}
	articles, err := s.store.ArticlesInCategorySince(category, s.cfg.Window)
	if err != nil {
		return err
	}
	if len(articles) == 0 {
		return nil
	}

	entities, err := s.store.TrendingEntities(s.cfg.Window, 20)
	if err != nil {
		return err
	}
	pairs, err := s.store.EntityCooccurrences(category, s.cfg.Window, 10)
	if err != nil {
		return err
	}

	batches := tokens.Pack(articles, s.cfg.TokenBudget, func(a core.Article) int {
		return tokens.Approximate(a.Title + " " + a.Content)
	})
	for _, batch := range batches {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.synthesizeBatch(ctx, category, batch, entities, pairs); err != nil {
			return err
		}
	}
	return nil
}

func (s *Synthesizer) synthesizeBatch(ctx context.Context, category string, batch []core.Article, entities []store.EntityCount, pairs []store.Cooccurrence) error {
	resp, err := s.chat.Chat(ctx, []llm.Message{
		{Role: llm.RoleSystem, Content: "You identify emerging news trends. Respond with compact JSON only."},
		{Role: llm.RoleUser, Content: synthesisPrompt(category, batch, entities, pairs)},
	})
	if err != nil {
		return fmt.Errorf("synthesis call: %w", err)
	}

	var parsed trendResponse
	if err := json.Unmarshal([]byte(llm.CleanJSON(resp)), &parsed); err != nil {
		return fmt.Errorf("parse synthesis response: %w", err)
	}

	for _, t := range parsed.Trends {
		if t.Label == "" || len(t.Articles) == 0 {
			continue
		}
		if err := s.persistTrend(category, t.Label, t.Summary, clampImportance(t.Importance), clamp01(t.Confidence), t.Articles, t.KeyEntities); err != nil {
			logger.Error("trend persist failed", err, "label", t.Label)
		}
	}
	return nil
}

// persistTrend writes one trend, its memberships, and its key entities in a
// single transaction. Article ids the model invented are skipped with a
// warning rather than failing the trend.
func (s *Synthesizer) persistTrend(category, label, summary string, importance, confidence float64, articleIDs []int64, entityNames []string) error {
	return s.store.WithTx(func(tx *sql.Tx) error {
		trendID, err := s.store.CreateTrend(tx, category, label, summary, importance, confidence)
		if err != nil {
			return err
		}
		for _, id := range articleIDs {
			ok, err := s.store.AddArticleToTrend(tx, trendID, id)
			if err != nil {
				return err
			}
			if !ok {
				logger.Warn("trend references unknown article", "trend", label, "article", id)
			}
		}
		for _, name := range entityNames {
			name = strings.TrimSpace(name)
			if name == "" {
				continue
			}
			entityID, err := s.store.UpsertEntity(tx, name, "other", "")
			if err != nil {
				return err
			}
			if err := s.store.LinkEntityToTrend(tx, trendID, entityID, 1.0); err != nil {
				return err
			}
		}
		return nil
	})
}

// enforceFloor promotes the largest recent groups to synthetic trends until
// the window holds at least the configured minimum.
func (s *Synthesizer) enforceFloor() error {
	count, err := s.store.TrendCount(s.cfg.Window)
	if err != nil {
		return err
	}
	if count >= s.cfg.Minimum {
		return nil
	}

	taken, err := s.store.TrendLabels(s.cfg.Window)
	if err != nil {
		return err
	}
	groups, err := s.store.RecentGroupsByMemberCount(s.cfg.Window, s.cfg.Minimum*2)
	if err != nil {
		return err
	}

	for _, g := range groups {
		if count >= s.cfg.Minimum {
			break
		}
		if taken[g.Label] || g.Label == "" {
			continue
		}
		if err := s.promoteGroup(g); err != nil {
			logger.Error("group promotion failed", err, "group", g.ID)
			continue
		}
		taken[g.Label] = true
		count++
		logger.Info("promoted group to trend", "group", g.ID, "label", g.Label)
	}
	return nil
}

func (s *Synthesizer) promoteGroup(g core.Group) error {
	summary := g.Description
	if summary == "" {
		summary = fmt.Sprintf("Ongoing coverage of %s.", g.Label)
	}
	sig, err := s.engine.Group(g)
	if err != nil {
		return err
	}

	members := g.ArticleIDs
	if len(members) > maxSyntheticMembers {
		members = members[:maxSyntheticMembers]
	}
	topEntities := sig.PrimaryEntities
	if len(topEntities) > maxSyntheticEntity {
		topEntities = topEntities[:maxSyntheticEntity]
	}

	return s.store.WithTx(func(tx *sql.Tx) error {
		trendID, err := s.store.CreateTrend(tx, g.MainTopic, g.Label, summary, syntheticImportance, syntheticConfidence)
		if err != nil {
			return err
		}
		for _, id := range members {
			if _, err := s.store.AddArticleToTrend(tx, trendID, id); err != nil {
				return err
			}
		}
		for _, ent := range topEntities {
			if err := s.store.LinkEntityToTrend(tx, trendID, ent.EntityID, ent.AvgRelevance); err != nil {
				return err
			}
		}
		return nil
	})
}

func synthesisPrompt(category string, batch []core.Article, entities []store.EntityCount, pairs []store.Cooccurrence) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Category: %s\n\nArticles:\n", category)
	for _, a := range batch {
		fmt.Fprintf(&b, "- [%d] %s: %s\n", a.ID, a.Title, excerpt(a.Content, 300))
	}
	if len(entities) > 0 {
		b.WriteString("\nMost mentioned entities recently:\n")
		for _, e := range entities {
			fmt.Fprintf(&b, "- %s (%s, %d mentions)\n", e.Name, e.Type, e.Count)
		}
	}
	if len(pairs) > 0 {
		b.WriteString("\nEntities frequently mentioned together:\n")
		for _, p := range pairs {
			fmt.Fprintf(&b, "- %s + %s (%d articles)\n", p.First, p.Second, p.Count)
		}
	}
	b.WriteString(`
Identify the emerging trends these articles describe. For each trend give a
short label, a 1-2 sentence summary, an importance score from 1 to 10, a
confidence score from 0 to 1, the key entity names, and the article ids
(from the bracketed numbers above) that belong to it. Only include trends
supported by at least two articles.
Respond with JSON only:
{"trends": [{"trend_label": "...", "summary": "...", "importance_score": 7, "confidence_score": 0.8, "key_entities": ["..."], "articles": [1, 2]}]}`)
	return b.String()
}

func excerpt(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func clampImportance(v float64) float64 {
	if v < 1 {
		return 1
	}
	if v > 10 {
		return 10
	}
	return v
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
