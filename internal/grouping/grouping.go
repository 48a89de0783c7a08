// Package grouping implements the incremental grouping pipeline: for each
// ungrouped article it attaches to the best existing group, creates a new
// one, or escalates to the LLM when the decision is ambiguous.
package grouping

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"newsdesk/internal/core"
	"newsdesk/internal/llm"
	"newsdesk/internal/logger"
	"newsdesk/internal/signature"
	"newsdesk/internal/similarity"
	"newsdesk/internal/store"
)

// Threshold model constants.
const (
	DefaultBaseThreshold = 0.40
	thresholdFloor       = 0.10
	thresholdCeiling     = 0.90
)

// Config tunes one grouping run.
type Config struct {
	BaseThreshold float64
	Arbitration   bool          // consult the LLM inside the ambiguity zone
	BatchDelay    time.Duration // pause between articles to pace LLM calls
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		BaseThreshold: DefaultBaseThreshold,
		Arbitration:   true,
		BatchDelay:    200 * time.Millisecond,
	}
}

// Coordinator owns the in-run signature cache and the per-article decision
// loop. One coordinator invocation is single-threaded; the cache is never
// shared across goroutines.
type Coordinator struct {
	store  *store.Store
	engine *signature.Engine
	chat   llm.Chatter // nil disables every LLM path
	cfg    Config
}

// New builds a Coordinator. chat may be nil, in which case arbitration and
// labeling fall back to their deterministic defaults.
func New(st *store.Store, chat llm.Chatter, cfg Config) *Coordinator {
	if cfg.BaseThreshold == 0 {
		cfg.BaseThreshold = DefaultBaseThreshold
	}
	return &Coordinator{
		store:  st,
		engine: signature.New(st),
		chat:   chat,
		cfg:    cfg,
	}
}

// cachedGroup shadows one group for the duration of a run. The member list
// grows as articles attach; the signature is deliberately NOT regenerated
// mid-run (cost/quality trade-off).
type cachedGroup struct {
	group       core.Group
	sig         core.GroupSignature
	memberCount int
}

// Stats summarizes one grouping run.
type Stats struct {
	Processed  int
	Attached   int
	Created    int
	Arbitrated int
	Failed     int
}

// Run processes every ungrouped article, newest first. Per-article failures
// are logged and skipped; an article is never left ungrouped by an LLM
// failure alone.
func (c *Coordinator) Run(ctx context.Context) (Stats, error) {
	var stats Stats

	groups, err := c.store.GroupsWithMembers()
	if err != nil {
		return stats, fmt.Errorf("load groups: %w", err)
	}
	cache := make([]*cachedGroup, 0, len(groups))
	for _, g := range groups {
		sig, err := c.engine.Group(g)
		if err != nil {
			return stats, fmt.Errorf("group %d signature: %w", g.ID, err)
		}
		cache = append(cache, &cachedGroup{group: g, sig: sig, memberCount: len(g.ArticleIDs)})
	}

	articles, err := c.store.UngroupedArticles()
	if err != nil {
		return stats, fmt.Errorf("load ungrouped articles: %w", err)
	}
	logger.Info("grouping run started", "groups", len(cache), "ungrouped", len(articles))

	for i, article := range articles {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		stats.Processed++
		if err := c.processArticle(ctx, article, &cache, &stats); err != nil {
			stats.Failed++
			logger.Error("article grouping failed", err, "article_id", article.ID)
		}
		if c.cfg.BatchDelay > 0 && i < len(articles)-1 {
			select {
			case <-ctx.Done():
				return stats, ctx.Err()
			case <-time.After(c.cfg.BatchDelay):
			}
		}
	}

	logger.Info("grouping run finished",
		"processed", stats.Processed, "attached", stats.Attached,
		"created", stats.Created, "arbitrated", stats.Arbitrated, "failed", stats.Failed)
	return stats, nil
}

// candidate is one scored group, kept for arbitration context.
type candidate struct {
	cached    *cachedGroup
	score     similarity.Score
	threshold float64
}

func (c *Coordinator) processArticle(ctx context.Context, article core.Article, cache *[]*cachedGroup, stats *Stats) error {
	sig, err := c.engine.Article(article)
	if err != nil {
		return fmt.Errorf("article signature: %w", err)
	}

	candidates := make([]candidate, 0, len(*cache))
	for _, cg := range *cache {
		candidates = append(candidates, candidate{
			cached:    cg,
			score:     similarity.ArticleToGroup(sig, cg.sig),
			threshold: c.dynamicThreshold(cg.group.MainTopic, cg.memberCount),
		})
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].score.Final > candidates[j].score.Final
	})

	if len(candidates) == 0 {
		return c.createGroup(ctx, article, sig, nil, cache, stats)
	}

	best := candidates[0]
	second := 0.0
	if len(candidates) > 1 {
		second = candidates[1].score.Final
	}

	s, t := best.score.Final, best.threshold
	inZone := similarity.InAmbiguityZone(s, t)
	closeRace := s >= t && len(candidates) > 1 && similarity.CloseRunnerUp(s, second)

	switch {
	case s >= t && !inZone && !closeRace:
		return c.attach(article, best.cached, stats)

	case c.cfg.Arbitration && c.chat != nil && (inZone || closeRace):
		stats.Arbitrated++
		chosen, none := c.arbitrate(ctx, article, sig, candidates)
		if chosen != nil {
			return c.attach(article, chosen, stats)
		}
		if none {
			return c.createGroup(ctx, article, sig, candidates, cache, stats)
		}
		// Unparseable or failed call: the threshold comparison is the
		// deterministic fallback.
		if s >= t {
			return c.attach(article, best.cached, stats)
		}
		return c.createGroup(ctx, article, sig, candidates, cache, stats)

	case s >= t:
		return c.attach(article, best.cached, stats)

	default:
		return c.createGroup(ctx, article, sig, candidates, cache, stats)
	}
}

// dynamicThreshold derives the attach threshold for one group from its
// category and current size, clamped to [0.10, 0.90].
func (c *Coordinator) dynamicThreshold(category string, memberCount int) float64 {
	t := c.cfg.BaseThreshold
	switch category {
	case "Cybersecurity & Data Privacy":
		t += 0.05
	case "Artificial Intelligence & Machine Learning":
		t += 0.03
	case "Other":
		t -= 0.03
	}
	switch {
	case memberCount <= 1:
		t += 0.05
	case memberCount <= 5:
		// no adjustment
	case memberCount <= 10:
		t -= 0.03
	default:
		t -= 0.05
	}
	if t < thresholdFloor {
		t = thresholdFloor
	}
	if t > thresholdCeiling {
		t = thresholdCeiling
	}
	return t
}

// attach places the article in the group and grows the cached member list.
func (c *Coordinator) attach(article core.Article, cg *cachedGroup, stats *Stats) error {
	if err := c.store.MoveArticleToGroup(nil, article.ID, cg.group.ID); err != nil {
		return fmt.Errorf("attach article %d to group %d: %w", article.ID, cg.group.ID, err)
	}
	cg.group.ArticleIDs = append(cg.group.ArticleIDs, article.ID)
	cg.memberCount++
	stats.Attached++
	logger.Debug("article attached", "article_id", article.ID, "group_id", cg.group.ID)
	return nil
}

var groupIDPattern = regexp.MustCompile(`\d+`)

// arbitrate asks the LLM to pick among the top-3 candidates. Returns the
// chosen group, or none=true for an explicit "None" answer. A failed call
// or unparseable response returns (nil, false) so the caller can fall back
// to the threshold comparison.
func (c *Coordinator) arbitrate(ctx context.Context, article core.Article, sig core.ArticleSignature, candidates []candidate) (*cachedGroup, bool) {
	top := candidates
	if len(top) > 3 {
		top = top[:3]
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Article: %s\n", article.Title)
	fmt.Fprintf(&b, "Top entities: %s\n\n", joinEntities(sig.PrimaryEntities, 5))
	b.WriteString("Candidate groups:\n")
	byID := make(map[int64]*cachedGroup, len(top))
	for _, cand := range top {
		g := cand.cached.group
		byID[g.ID] = cand.cached
		fmt.Fprintf(&b, "- Group %d: %s — %s (key entities: %s; score %.3f)\n",
			g.ID, g.Label, g.Description, joinGroupEntities(cand.cached.sig.PrimaryEntities, 5), cand.score.Final)
	}
	b.WriteString("\nWhich group does this article belong to? Answer with a single group id, or None if it belongs to none of them.")

	resp, err := c.chat.Chat(ctx, []llm.Message{
		{Role: llm.RoleSystem, Content: "You assign news articles to topical groups. Answer with only a group id or None."},
		{Role: llm.RoleUser, Content: b.String()},
	})
	if err != nil {
		logger.Warn("arbitration call failed", "article_id", article.ID, "error", err.Error())
		return nil, false
	}

	answer := strings.TrimSpace(llm.CleanJSON(resp))
	if strings.EqualFold(answer, "none") {
		return nil, true
	}
	if m := groupIDPattern.FindString(answer); m != "" {
		if id, err := strconv.ParseInt(m, 10, 64); err == nil {
			if cg, ok := byID[id]; ok {
				return cg, false
			}
		}
	}
	logger.Warn("arbitration response unparseable", "article_id", article.ID, "response", answer)
	return nil, false
}

// newGroupResponse is the JSON shape expected from the labeling call.
type newGroupResponse struct {
	MainTopic   string `json:"main_topic"`
	GroupLabel  string `json:"group_label"`
	Description string `json:"description"`
}

// createGroup makes a new group for the article, labeling it via the LLM
// with near-miss context, and seeds the cache with its signature.
func (c *Coordinator) createGroup(ctx context.Context, article core.Article, sig core.ArticleSignature, candidates []candidate, cache *[]*cachedGroup, stats *Stats) error {
	label := c.labelNewGroup(ctx, article, sig, candidates)

	groupID, err := c.store.CreateGroup(nil, label.MainTopic, "", label.GroupLabel, label.Description, 0.5)
	if err != nil {
		return fmt.Errorf("create group: %w", err)
	}
	if err := c.store.MoveArticleToGroup(nil, article.ID, groupID); err != nil {
		return fmt.Errorf("attach article %d to new group %d: %w", article.ID, groupID, err)
	}

	group := core.Group{
		ID:          groupID,
		MainTopic:   core.NormalizeCategory(label.MainTopic),
		Label:       label.GroupLabel,
		Description: label.Description,
		ArticleIDs:  []int64{article.ID},
	}
	*cache = append(*cache, &cachedGroup{
		group:       group,
		sig:         signature.Aggregate(group, []core.ArticleSignature{sig}),
		memberCount: 1,
	})
	stats.Created++
	logger.Info("group created", "group_id", groupID, "label", label.GroupLabel, "category", group.MainTopic)
	return nil
}

// labelNewGroup asks the LLM for {main_topic, group_label, description}
// given the article and the two nearest-miss groups. Any failure falls back
// to a label synthesized from the article itself.
func (c *Coordinator) labelNewGroup(ctx context.Context, article core.Article, sig core.ArticleSignature, candidates []candidate) newGroupResponse {
	fallback := newGroupResponse{
		MainTopic:   "Other",
		GroupLabel:  truncate(article.Title, 80),
		Description: fmt.Sprintf("Articles related to: %s", truncate(article.Title, 120)),
	}
	if c.chat == nil {
		return fallback
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Article title: %s\n", article.Title)
	fmt.Fprintf(&b, "Excerpt: %s\n", truncate(article.Content, 500))
	fmt.Fprintf(&b, "Top entities: %s\n", joinEntities(sig.PrimaryEntities, 5))

	nearMissCategory := ""
	if len(candidates) > 0 {
		b.WriteString("\nNearest existing groups (the article did NOT fit these):\n")
		top := candidates
		if len(top) > 2 {
			top = top[:2]
		}
		for _, cand := range top {
			g := cand.cached.group
			fmt.Fprintf(&b, "- %s — %s (score %.3f)\n", g.Label, g.Description, cand.score.Final)
		}
		nearMissCategory = candidates[0].cached.group.MainTopic
	}

	if nearMissCategory != "" {
		if exemplars, err := c.store.ExemplarsForCategory(nearMissCategory); err == nil && len(exemplars) > 0 {
			b.WriteString("\nKnown grouping patterns in this category:\n")
			for i, ex := range exemplars {
				if i == 3 {
					break
				}
				fmt.Fprintf(&b, "- %s\n", ex.PatternName)
			}
		}
	}

	fmt.Fprintf(&b, "\nCategories: %s\n", strings.Join(core.Categories, "; "))
	b.WriteString(`Respond with JSON only: {"main_topic": "...", "group_label": "...", "description": "..."}`)

	resp, err := c.chat.Chat(ctx, []llm.Message{
		{Role: llm.RoleSystem, Content: "You label news topic groups. Respond with compact JSON."},
		{Role: llm.RoleUser, Content: b.String()},
	})
	if err != nil {
		logger.Warn("group labeling call failed", "article_id", article.ID, "error", err.Error())
		return fallback
	}

	var parsed newGroupResponse
	if err := json.Unmarshal([]byte(llm.CleanJSON(resp)), &parsed); err != nil || parsed.GroupLabel == "" {
		logger.Warn("group labeling response unparseable", "article_id", article.ID)
		return fallback
	}
	parsed.MainTopic = core.NormalizeCategory(parsed.MainTopic)
	return parsed
}

func joinEntities(mentions []core.EntityMention, max int) string {
	names := make([]string, 0, max)
	for i, m := range mentions {
		if i == max {
			break
		}
		names = append(names, fmt.Sprintf("%s (%s)", m.Name, m.Type))
	}
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, ", ")
}

func joinGroupEntities(entities []core.GroupEntity, max int) string {
	names := make([]string, 0, max)
	for i, ge := range entities {
		if i == max {
			break
		}
		names = append(names, ge.Name)
	}
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, ", ")
}

// truncate cuts s to at most n runes, never splitting a multi-byte
// character.
func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
