package grouping

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"
	"unicode/utf8"

	"newsdesk/internal/core"
	"newsdesk/internal/llm"
	"newsdesk/internal/store"
)

// stubChat replays canned responses in order.
type stubChat struct {
	responses []string
	prompts   []string
	err       error
}

func (s *stubChat) Chat(ctx context.Context, messages []llm.Message) (string, error) {
	for _, m := range messages {
		s.prompts = append(s.prompts, m.Content)
	}
	if s.err != nil {
		return "", s.err
	}
	if len(s.responses) == 0 {
		return "", fmt.Errorf("stub out of responses")
	}
	resp := s.responses[0]
	s.responses = s.responses[1:]
	return resp, nil
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "news.db"))
	if err != nil {
		t.Fatalf("store.New failed: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func insertArticle(t *testing.T, st *store.Store, link, title, source string, published time.Time) int64 {
	t.Helper()
	id, _, err := st.InsertArticle(nil, core.RawArticle{
		Link: link, Title: title, Content: "Body of " + title,
		PublishedAt: published, Source: source,
	})
	if err != nil {
		t.Fatalf("InsertArticle failed: %v", err)
	}
	return id
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.BatchDelay = 0
	return cfg
}

// seedGroupedArticle creates an article already inside the group, with the
// given entity, company, and CVE facts.
func seedGroupedArticle(t *testing.T, st *store.Store, groupID int64, link, source string, published time.Time, entity string, company, cve string) {
	t.Helper()
	id := insertArticle(t, st, link, "Seed "+link, source, published)
	if entity != "" {
		entityID, _ := st.UpsertEntity(nil, entity, "organization", "")
		_, _ = st.LinkEntityToArticle(nil, id, entityID, 0.9, "")
	}
	if company != "" {
		_, _ = st.InsertArticleCompany(nil, id, company)
	}
	if cve != "" {
		_ = st.InsertArticleCVE(nil, id, cve, published)
	}
	if err := st.MoveArticleToGroup(nil, id, groupID); err != nil {
		t.Fatalf("MoveArticleToGroup failed: %v", err)
	}
}

func TestRun_CreatesGroupForUnrelatedArticle(t *testing.T) {
	st := newTestStore(t)
	chat := &stubChat{responses: []string{
		`{"main_topic": "Science & Environment", "group_label": "Mars helicopter retired", "description": "Coverage of the Ingenuity retirement."}`,
	}}

	insertArticle(t, st, "https://example.com/mars", "Mars helicopter retired", "nasa", time.Now().UTC())

	stats, err := New(st, chat, testConfig()).Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if stats.Created != 1 || stats.Attached != 0 {
		t.Errorf("stats = %+v, want one created group", stats)
	}

	groups, err := st.GroupsWithMembers()
	if err != nil {
		t.Fatalf("GroupsWithMembers failed: %v", err)
	}
	if len(groups) != 1 {
		t.Fatalf("groups = %+v", groups)
	}
	if groups[0].MainTopic != "Science & Environment" {
		t.Errorf("main topic = %q", groups[0].MainTopic)
	}
	if len(groups[0].ArticleIDs) != 1 {
		t.Errorf("members = %v", groups[0].ArticleIDs)
	}
}

func TestRun_AttachByCVEIdentity(t *testing.T) {
	st := newTestStore(t)

	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	groupID, _ := st.CreateGroup(nil, "Cybersecurity & Data Privacy", "", "CVE-2024-1234 exploit activity", "Exploitation reports", 0.8)
	seedGroupedArticle(t, st, groupID, "https://example.com/s1", "bleepingcomputer", base, "Acme Corp", "Acme Corp", "CVE-2024-1234")
	seedGroupedArticle(t, st, groupID, "https://example.com/s2", "bleepingcomputer", base, "Acme Corp", "Acme Corp", "CVE-2024-1234")

	// New article: same CVE, same core org, same source, six hours later.
	articleID := insertArticle(t, st, "https://example.com/new", "Acme exploit widens", "bleepingcomputer", base.Add(6*time.Hour))
	entityID, _ := st.UpsertEntity(nil, "Acme Corp", "organization", "")
	_, _ = st.LinkEntityToArticle(nil, articleID, entityID, 0.9, "")
	_, _ = st.InsertArticleCompany(nil, articleID, "Acme Corp")
	_ = st.InsertArticleCVE(nil, articleID, "CVE-2024-1234", base.Add(6*time.Hour))

	// No LLM: the score clears the threshold decisively.
	stats, err := New(st, nil, testConfig()).Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if stats.Attached != 1 || stats.Created != 0 {
		t.Errorf("stats = %+v, want one attach", stats)
	}

	g, _ := st.GroupByID(groupID)
	if len(g.ArticleIDs) != 3 {
		t.Errorf("group should have 3 members, got %d", len(g.ArticleIDs))
	}
}

// seedAmbiguousFixture builds one group whose similarity to the new article
// lands in the ambiguity zone: shared company and CVE, nothing else.
// Score = 0.25 + 0.15 = 0.40; threshold = 0.40 - 0.03 (Other) = 0.37;
// zone = [0.27, 0.42).
func seedAmbiguousFixture(t *testing.T, st *store.Store) (groupID, articleID int64) {
	t.Helper()
	groupID, _ = st.CreateGroup(nil, "Other", "", "Globex incident", "Assorted Globex coverage", 0.5)
	seedGroupedArticle(t, st, groupID, "https://example.com/g1", "siteA", time.Time{}, "", "Globex", "CVE-2024-5555")
	seedGroupedArticle(t, st, groupID, "https://example.com/g2", "siteB", time.Time{}, "", "Globex", "CVE-2024-5555")

	articleID = insertArticle(t, st, "https://example.com/amb", "Globex follow-up", "siteC", time.Time{})
	_, _ = st.InsertArticleCompany(nil, articleID, "Globex")
	_ = st.InsertArticleCVE(nil, articleID, "CVE-2024-5555", time.Time{})
	return groupID, articleID
}

func TestRun_AmbiguousArbitrationAttach(t *testing.T) {
	st := newTestStore(t)
	groupID, articleID := seedAmbiguousFixture(t, st)

	chat := &stubChat{responses: []string{fmt.Sprintf("Group %d", groupID)}}
	stats, err := New(st, chat, testConfig()).Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if stats.Arbitrated != 1 || stats.Attached != 1 {
		t.Errorf("stats = %+v, want arbitrated attach", stats)
	}

	g, _ := st.GroupByID(groupID)
	found := false
	for _, id := range g.ArticleIDs {
		if id == articleID {
			found = true
		}
	}
	if !found {
		t.Errorf("article %d should be in group %d", articleID, groupID)
	}
}

func TestRun_AmbiguousArbitrationNoneCreates(t *testing.T) {
	st := newTestStore(t)
	seedAmbiguousFixture(t, st)

	chat := &stubChat{responses: []string{
		"None",
		`{"main_topic": "Other", "group_label": "Globex follow-up", "description": "d"}`,
	}}
	stats, err := New(st, chat, testConfig()).Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if stats.Arbitrated != 1 || stats.Created != 1 || stats.Attached != 0 {
		t.Errorf("stats = %+v, want arbitrated create", stats)
	}

	groups, _ := st.GroupsWithMembers()
	if len(groups) != 2 {
		t.Errorf("expected a second group, got %d", len(groups))
	}
}

func TestRun_UnparseableArbitrationFallsBackToThreshold(t *testing.T) {
	st := newTestStore(t)
	groupID, articleID := seedAmbiguousFixture(t, st)

	// Score 0.40 >= threshold 0.37, so the fallback attaches.
	chat := &stubChat{responses: []string{"perhaps the first one?"}}
	stats, err := New(st, chat, testConfig()).Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if stats.Attached != 1 {
		t.Errorf("stats = %+v, want fallback attach", stats)
	}
	g, _ := st.GroupByID(groupID)
	if len(g.ArticleIDs) != 3 {
		t.Errorf("group members = %v, want article %d attached", g.ArticleIDs, articleID)
	}
}

func TestRun_LLMFailureNeverLeavesArticleUngrouped(t *testing.T) {
	st := newTestStore(t)
	insertArticle(t, st, "https://example.com/solo", "Completely new topic", "siteA", time.Now().UTC())

	chat := &stubChat{err: fmt.Errorf("model unavailable")}
	stats, err := New(st, chat, testConfig()).Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if stats.Created != 1 {
		t.Errorf("stats = %+v, want synthesized-label group", stats)
	}

	ungrouped, _ := st.UngroupedArticles()
	if len(ungrouped) != 0 {
		t.Errorf("articles left ungrouped: %+v", ungrouped)
	}

	groups, _ := st.GroupsWithMembers()
	if len(groups) != 1 || groups[0].Label == "" {
		t.Errorf("fallback group missing label: %+v", groups)
	}
}

func TestDynamicThreshold(t *testing.T) {
	c := New(nil, nil, testConfig())

	tests := []struct {
		category string
		members  int
		want     float64
	}{
		{"Cybersecurity & Data Privacy", 3, 0.45},
		{"Cybersecurity & Data Privacy", 1, 0.50},
		{"Artificial Intelligence & Machine Learning", 3, 0.43},
		{"Other", 3, 0.37},
		{"Science & Environment", 1, 0.45},
		{"Science & Environment", 5, 0.40},
		{"Science & Environment", 8, 0.37},
		{"Science & Environment", 11, 0.35},
	}
	for _, tt := range tests {
		got := c.dynamicThreshold(tt.category, tt.members)
		if diff := got - tt.want; diff > 1e-9 || diff < -1e-9 {
			t.Errorf("dynamicThreshold(%q, %d) = %v, want %v", tt.category, tt.members, got, tt.want)
		}
	}
}

func TestDynamicThreshold_Clamped(t *testing.T) {
	cfg := testConfig()
	cfg.BaseThreshold = 0.95
	c := New(nil, nil, cfg)
	if got := c.dynamicThreshold("Cybersecurity & Data Privacy", 1); got != 0.90 {
		t.Errorf("threshold = %v, want ceiling 0.90", got)
	}

	cfg.BaseThreshold = 0.05
	c = New(nil, nil, cfg)
	if got := c.dynamicThreshold("Other", 20); got != 0.10 {
		t.Errorf("threshold = %v, want floor 0.10", got)
	}
}

func TestThresholdMonotonicity(t *testing.T) {
	// An article that attaches at a low base threshold must not attach at a
	// higher one; raising the base can only push decisions toward create.
	run := func(base float64) Stats {
		st := newTestStore(t)
		groupID, _ := st.CreateGroup(nil, "Other", "", "Globex incident", "", 0.5)
		seedGroupedArticle(t, st, groupID, "https://example.com/g1", "siteA", time.Time{}, "", "Globex", "")
		seedGroupedArticle(t, st, groupID, "https://example.com/g2", "siteB", time.Time{}, "", "Globex", "")

		// Shares only the company: score 0.25.
		articleID := insertArticle(t, st, "https://example.com/x", "Globex memo", "siteC", time.Time{})
		_, _ = st.InsertArticleCompany(nil, articleID, "Globex")

		cfg := testConfig()
		cfg.BaseThreshold = base
		cfg.Arbitration = false
		stats, err := New(st, nil, cfg).Run(context.Background())
		if err != nil {
			t.Fatalf("Run failed: %v", err)
		}
		return stats
	}

	low := run(0.15) // threshold 0.12 < 0.25: attach
	if low.Attached != 1 {
		t.Errorf("low base should attach, stats = %+v", low)
	}
	high := run(0.60) // threshold 0.57 > 0.25: create
	if high.Created != 1 || high.Attached != 0 {
		t.Errorf("high base should create, stats = %+v", high)
	}
}

func TestRun_ProcessesNewestFirstAndGrowsCache(t *testing.T) {
	st := newTestStore(t)

	now := time.Now().UTC()
	// Two articles about the same company; the newer one should create the
	// group, the older one should then attach to it.
	newer := insertArticle(t, st, "https://example.com/n", "Initech raises", "siteA", now)
	older := insertArticle(t, st, "https://example.com/o", "Initech rumors", "siteA", now.Add(-2*time.Hour))
	for _, id := range []int64{newer, older} {
		entityID, _ := st.UpsertEntity(nil, "Initech", "organization", "")
		_, _ = st.LinkEntityToArticle(nil, id, entityID, 0.95, "")
		_, _ = st.InsertArticleCompany(nil, id, "Initech")
	}

	chat := &stubChat{responses: []string{
		`{"main_topic": "Business, Finance & Trade", "group_label": "Initech funding", "description": "d"}`,
	}}
	cfg := testConfig()
	cfg.Arbitration = false
	stats, err := New(st, chat, cfg).Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if stats.Created != 1 || stats.Attached != 1 {
		t.Errorf("stats = %+v, want create then attach within one run", stats)
	}

	groups, _ := st.GroupsWithMembers()
	if len(groups) != 1 || len(groups[0].ArticleIDs) != 2 {
		t.Errorf("groups = %+v", groups)
	}
}

func TestTruncate_RuneBoundary(t *testing.T) {
	s := "Größter Ausfall bei Telekom — Millionen betroffen"
	for n := 1; n < len(s); n++ {
		if out := truncate(s, n); !utf8.ValidString(out) {
			t.Fatalf("truncate(%q, %d) = %q, invalid UTF-8", s, n, out)
		}
	}
	if out := truncate("ütf", 2); out != "üt" {
		t.Errorf("truncate = %q, want üt", out)
	}
	if out := truncate("  plain  ", 20); out != "plain" {
		t.Errorf("truncate = %q, want trimmed passthrough", out)
	}
}
