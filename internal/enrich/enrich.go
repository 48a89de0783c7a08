// Package enrich extracts entities, companies, CVE mentions, references,
// events, and quotes from ingested articles, and keeps CVE metadata fresh.
package enrich

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"newsdesk/internal/core"
	"newsdesk/internal/llm"
	"newsdesk/internal/logger"
	"newsdesk/internal/store"
	"newsdesk/internal/tokens"
)

const (
	// DefaultTokenBudget caps the estimated size of one extraction batch.
	DefaultTokenBudget = 150000
	// DefaultCVERefreshAge is how stale CVE metadata may get before refetch.
	DefaultCVERefreshAge = 7 * 24 * time.Hour
	// DefaultCVERequestDelay spaces consecutive CVE service requests.
	DefaultCVERequestDelay = time.Second

	maxContextLength = 300
	maxPromptExcerpt = 2000
)

var (
	cvePattern   = regexp.MustCompile(core.CVEPattern)
	urlPattern   = regexp.MustCompile(`https?://[^\s"'<>)\]]+`)
	quotePattern = regexp.MustCompile(`"([^"]{40,400})"(?:,? said ([A-Z][A-Za-z' -]{2,60}))?`)
)

// Fetcher retrieves CVE metadata records. *cvefeed.Client satisfies it.
type Fetcher interface {
	Fetch(ctx context.Context, cveID string) (*core.CVEInfo, error)
}

// Config tunes an enrichment pass.
type Config struct {
	TokenBudget     int
	CVERefreshAge   time.Duration
	CVERequestDelay time.Duration
}

// DefaultConfig returns the standard enrichment settings.
func DefaultConfig() Config {
	return Config{
		TokenBudget:     DefaultTokenBudget,
		CVERefreshAge:   DefaultCVERefreshAge,
		CVERequestDelay: DefaultCVERequestDelay,
	}
}

// Stats summarizes one enrichment pass.
type Stats struct {
	EntityArticles  int
	CompanyArticles int
	CVEMentions     int
	CVERefreshed    int
	References      int
	Events          int
	Quotes          int
}

// Enricher runs enrichment passes over the article backlog.
type Enricher struct {
	store *store.Store
	chat  llm.Chatter // nil skips the model-backed passes
	cves  Fetcher     // nil skips metadata refresh
	cfg   Config
}

// New builds an Enricher. chat and cves may each be nil.
func New(st *store.Store, chat llm.Chatter, cves Fetcher, cfg Config) *Enricher {
	if cfg.TokenBudget <= 0 {
		cfg.TokenBudget = DefaultTokenBudget
	}
	if cfg.CVERefreshAge <= 0 {
		cfg.CVERefreshAge = DefaultCVERefreshAge
	}
	if cfg.CVERequestDelay < 0 {
		cfg.CVERequestDelay = DefaultCVERequestDelay
	}
	return &Enricher{store: st, chat: chat, cves: cves, cfg: cfg}
}

// Run drains the enrichment backlog: deterministic scans and entity
// extraction over articles with no entity rows yet, company extraction over
// articles with no company rows, then a CVE metadata refresh. Each stage
// failure is logged; the pass continues.
func (e *Enricher) Run(ctx context.Context) (Stats, error) {
	var stats Stats

	backlog, err := e.store.ArticlesWithoutEntities()
	if err != nil {
		return stats, fmt.Errorf("load backlog: %w", err)
	}
	for _, a := range backlog {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		if err := e.scanArticle(a, &stats); err != nil {
			logger.Error("article scan failed", err, "article", a.ID)
		}
	}

	if err := e.extractEntities(ctx, backlog, &stats); err != nil {
		logger.Error("entity extraction failed", err)
	}
	if err := e.extractCompanies(ctx, &stats); err != nil {
		logger.Error("company extraction failed", err)
	}
	if err := e.refreshCVEs(ctx, &stats); err != nil {
		logger.Error("CVE refresh failed", err)
	}
	return stats, nil
}

// scanArticle runs the deterministic extractors over one article: CVE ids,
// external URLs, and direct quotations.
func (e *Enricher) scanArticle(a core.Article, stats *Stats) error {
	text := a.Title + "\n" + a.Content

	for _, cveID := range uniqueStrings(cvePattern.FindAllString(text, -1)) {
		if err := e.store.InsertArticleCVE(nil, a.ID, cveID, a.PublishedAt); err != nil {
			return err
		}
		stats.CVEMentions++
	}

	for _, raw := range uniqueStrings(urlPattern.FindAllString(a.Content, -1)) {
		ref := classifyReference(strings.TrimRight(raw, ".,;"))
		if ref.URL == "" || ref.URL == a.Link {
			continue
		}
		if err := e.store.InsertArticleReference(nil, a.ID, ref); err != nil {
			return err
		}
		stats.References++
	}

	// Quote rows are plain inserts, so only scan articles that have none.
	existing, err := e.store.QuotesForArticle(a.ID)
	if err != nil {
		return err
	}
	if len(existing) == 0 {
		for _, m := range quotePattern.FindAllStringSubmatch(a.Content, -1) {
			speaker := ""
			if len(m) > 2 {
				speaker = strings.TrimSpace(m[2])
			}
			if _, err := e.store.InsertQuote(nil, a.ID, m[1], speaker); err != nil {
				return err
			}
			stats.Quotes++
		}
	}
	return nil
}

type extractedEntity struct {
	Name        string  `json:"name"`
	Type        string  `json:"type"`
	Description string  `json:"description"`
	Relevance   float64 `json:"relevance"`
	Context     string  `json:"context"`
}

type entityResponse struct {
	Articles []struct {
		ArticleID int64             `json:"article_id"`
		Entities  []extractedEntity `json:"entities"`
	} `json:"articles"`
}

func (e *Enricher) extractEntities(ctx context.Context, backlog []core.Article, stats *Stats) error {
	if e.chat == nil || len(backlog) == 0 {
		return nil
	}

	batches := tokens.Pack(backlog, e.cfg.TokenBudget, func(a core.Article) int {
		return tokens.Approximate(a.Title + " " + a.Content)
	})
	for _, batch := range batches {
		if err := ctx.Err(); err != nil {
			return err
		}
		resp, err := e.chat.Chat(ctx, []llm.Message{
			{Role: llm.RoleSystem, Content: "You extract named entities from news articles. Respond with compact JSON only."},
			{Role: llm.RoleUser, Content: entityPrompt(batch)},
		})
		if err != nil {
			return fmt.Errorf("entity extraction call: %w", err)
		}
		var parsed entityResponse
		if err := json.Unmarshal([]byte(llm.CleanJSON(resp)), &parsed); err != nil {
			return fmt.Errorf("parse entity response: %w", err)
		}
		for _, art := range parsed.Articles {
			if err := e.persistEntities(art.ArticleID, art.Entities, stats); err != nil {
				logger.Error("entity persist failed", err, "article", art.ArticleID)
			}
		}
	}
	return nil
}

// persistEntities writes one article's entities in a single transaction.
// The mention counter is bumped only when a new article link was created,
// so re-running extraction never inflates counts.
func (e *Enricher) persistEntities(articleID int64, entities []extractedEntity, stats *Stats) error {
	if len(entities) == 0 {
		return nil
	}
	err := e.store.WithTx(func(tx *sql.Tx) error {
		for _, ent := range entities {
			name := strings.TrimSpace(ent.Name)
			if name == "" {
				continue
			}
			entityType := core.NormalizeEntityType(strings.ToLower(strings.TrimSpace(ent.Type)))
			entityID, err := e.store.UpsertEntity(tx, name, entityType, ent.Description)
			if err != nil {
				return err
			}
			created, err := e.store.LinkEntityToArticle(tx, articleID, entityID, clamp01(ent.Relevance), truncate(ent.Context, maxContextLength))
			if err != nil {
				return err
			}
			if created {
				if err := e.store.BumpEntityMention(tx, entityID); err != nil {
					return err
				}
			}
			if entityType == "event" {
				eventID, err := e.store.UpsertNamedEvent(tx, name, "news", "")
				if err != nil {
					return err
				}
				if err := e.store.LinkEventToArticle(tx, articleID, eventID); err != nil {
					return err
				}
				stats.Events++
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	stats.EntityArticles++
	return nil
}

type companyResponse struct {
	Articles []struct {
		ArticleID int64    `json:"article_id"`
		Companies []string `json:"companies"`
	} `json:"articles"`
}

func (e *Enricher) extractCompanies(ctx context.Context, stats *Stats) error {
	if e.chat == nil {
		return nil
	}
	backlog, err := e.store.ArticlesWithoutCompanies()
	if err != nil {
		return err
	}
	if len(backlog) == 0 {
		return nil
	}

	batches := tokens.Pack(backlog, e.cfg.TokenBudget, func(a core.Article) int {
		return tokens.Approximate(a.Title + " " + a.Content)
	})
	for _, batch := range batches {
		if err := ctx.Err(); err != nil {
			return err
		}
		resp, err := e.chat.Chat(ctx, []llm.Message{
			{Role: llm.RoleSystem, Content: "You list the companies a news article is about. Respond with compact JSON only."},
			{Role: llm.RoleUser, Content: companyPrompt(batch)},
		})
		if err != nil {
			return fmt.Errorf("company extraction call: %w", err)
		}
		var parsed companyResponse
		if err := json.Unmarshal([]byte(llm.CleanJSON(resp)), &parsed); err != nil {
			return fmt.Errorf("parse company response: %w", err)
		}
		for _, art := range parsed.Articles {
			for _, name := range art.Companies {
				name = strings.TrimSpace(name)
				if name == "" {
					continue
				}
				if _, err := e.store.InsertArticleCompany(nil, art.ArticleID, name); err != nil {
					logger.Error("company persist failed", err, "article", art.ArticleID)
				}
			}
			if len(art.Companies) > 0 {
				stats.CompanyArticles++
			}
		}
	}
	return nil
}

// refreshCVEs fetches metadata for mentioned CVEs whose record is missing or
// stale. A failed fetch is skipped; the id stays due for the next pass.
func (e *Enricher) refreshCVEs(ctx context.Context, stats *Stats) error {
	if e.cves == nil {
		return nil
	}
	ids, err := e.store.CVEsNeedingRefresh(e.cfg.CVERefreshAge)
	if err != nil {
		return err
	}
	for i, id := range ids {
		if i > 0 && e.cfg.CVERequestDelay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(e.cfg.CVERequestDelay):
			}
		}
		info, err := e.cves.Fetch(ctx, id)
		if err != nil {
			logger.Warn("CVE fetch failed", "cve", id, "error", err.Error())
			continue
		}
		if err := e.store.UpsertCVEInfo(nil, *info); err != nil {
			return err
		}
		stats.CVERefreshed++
	}
	return nil
}

func entityPrompt(batch []core.Article) string {
	var b strings.Builder
	b.WriteString("Extract the named entities from each article below.\n\nArticles:\n")
	for _, a := range batch {
		fmt.Fprintf(&b, "--- article_id %d ---\nTitle: %s\n%s\n", a.ID, a.Title, truncate(a.Content, maxPromptExcerpt))
	}
	fmt.Fprintf(&b, `
For every article list its entities with:
- name
- type: one of %s
- description: one sentence, may be empty
- relevance: 0 to 1, how central the entity is to the article
- context: the sentence fragment where it appears, at most %d characters
Respond with JSON only:
{"articles": [{"article_id": 1, "entities": [{"name": "...", "type": "...", "description": "...", "relevance": 0.9, "context": "..."}]}]}`,
		strings.Join(core.EntityTypes, ", "), maxContextLength)
	return b.String()
}

func companyPrompt(batch []core.Article) string {
	var b strings.Builder
	b.WriteString("List the companies each article below is about. Use canonical company names.\n\nArticles:\n")
	for _, a := range batch {
		fmt.Fprintf(&b, "--- article_id %d ---\nTitle: %s\n%s\n", a.ID, a.Title, truncate(a.Content, maxPromptExcerpt))
	}
	b.WriteString(`
Respond with JSON only:
{"articles": [{"article_id": 1, "companies": ["..."]}]}`)
	return b.String()
}

// classifyReference normalizes a URL found in article text into a Reference.
// Unparseable URLs come back empty.
func classifyReference(raw string) core.Reference {
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" {
		return core.Reference{}
	}
	refType := "generic"
	lower := strings.ToLower(raw)
	if strings.Contains(u.Hostname(), "cve.org") || strings.Contains(lower, "advisory") || strings.Contains(lower, "security/bulletin") {
		refType = "advisory"
	}
	return core.Reference{URL: raw, Domain: u.Hostname(), Type: refType}
}

func uniqueStrings(in []string) []string {
	seen := make(map[string]bool, len(in))
	var out []string
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

// truncate cuts s to at most n runes, never splitting a multi-byte
// character.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
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
