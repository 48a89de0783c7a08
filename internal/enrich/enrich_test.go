package enrich

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

type stubChat struct {
	responses []string
	prompts   []string
	err       error
}

func (s *stubChat) Chat(ctx context.Context, messages []llm.Message) (string, error) {
	for _, m := range messages {
		if m.Role == llm.RoleUser {
			s.prompts = append(s.prompts, m.Content)
		}
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

type stubFetcher struct {
	calls []string
	err   error
}

func (f *stubFetcher) Fetch(ctx context.Context, cveID string) (*core.CVEInfo, error) {
	f.calls = append(f.calls, cveID)
	if f.err != nil {
		return nil, f.err
	}
	return &core.CVEInfo{
		CVEID:        cveID,
		BaseScore:    9.8,
		HasBaseScore: true,
		Vendor:       "Acme",
	}, nil
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

const breachContent = `Acme Corp disclosed a breach tracked as CVE-2024-12345.
Researchers confirmed CVE-2024-12345 is being exploited in the wild.
Details are in the advisory at https://acme.example/security/advisory-001 and
background at https://blog.example/post. "We are working around the clock to
remediate the issue for every affected customer", said Jane Smith.`

func insertBreachArticle(t *testing.T, st *store.Store) int64 {
	t.Helper()
	id, _, err := st.InsertArticle(nil, core.RawArticle{
		Link:        "https://example.com/acme-breach",
		Title:       "Acme Corp breach",
		Content:     breachContent,
		PublishedAt: time.Now().Add(-2 * time.Hour),
		Source:      "example",
	})
	if err != nil {
		t.Fatalf("InsertArticle failed: %v", err)
	}
	return id
}

func entityJSON(articleID int64) string {
	return fmt.Sprintf(`{"articles": [{"article_id": %d, "entities": [
		{"name": "Acme Corp", "type": "organization", "description": "Widget maker", "relevance": 0.95, "context": "Acme Corp disclosed a breach"},
		{"name": "Jane Smith", "type": "person", "description": "", "relevance": 0.6, "context": "said Jane Smith"},
		{"name": "Acme breach", "type": "event", "description": "", "relevance": 0.8, "context": ""}
	]}]}`, articleID)
}

func companyJSON(articleID int64) string {
	return fmt.Sprintf(`{"articles": [{"article_id": %d, "companies": ["Acme Corp"]}]}`, articleID)
}

func TestRun_ExtractsAndScans(t *testing.T) {
	st := newTestStore(t)
	id := insertBreachArticle(t, st)

	chat := &stubChat{responses: []string{entityJSON(id), companyJSON(id)}}
	stats, err := New(st, chat, nil, DefaultConfig()).Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if stats.EntityArticles != 1 || stats.CompanyArticles != 1 {
		t.Errorf("stats = %+v", stats)
	}
	// CVE mentioned twice in the text but recorded once.
	if stats.CVEMentions != 1 {
		t.Errorf("CVE mentions = %d, want 1", stats.CVEMentions)
	}
	cves, _ := st.CVEsForArticle(id)
	if len(cves) != 1 || cves[0] != "CVE-2024-12345" {
		t.Errorf("article CVEs = %v", cves)
	}

	entities, _ := st.EntitiesForArticle(id)
	if len(entities) != 3 {
		t.Fatalf("entities = %d, want 3", len(entities))
	}
	if entities[0].Name != "Acme Corp" || entities[0].Relevance != 0.95 {
		t.Errorf("top entity = %+v", entities[0])
	}

	companies, _ := st.CompaniesForArticle(id)
	if len(companies) != 1 || companies[0] != "Acme Corp" {
		t.Errorf("companies = %v", companies)
	}

	refs, _ := st.ReferencesForArticle(id)
	if len(refs) != 2 {
		t.Fatalf("references = %v", refs)
	}
	byURL := make(map[string]core.Reference)
	for _, r := range refs {
		byURL[r.URL] = r
	}
	if r := byURL["https://acme.example/security/advisory-001"]; r.Type != "advisory" || r.Domain != "acme.example" {
		t.Errorf("advisory ref = %+v", r)
	}
	if r := byURL["https://blog.example/post"]; r.Type != "generic" {
		t.Errorf("generic ref = %+v", r)
	}

	quotes, _ := st.QuotesForArticle(id)
	if len(quotes) != 1 {
		t.Fatalf("quotes = %v", quotes)
	}
	if quotes[0].Speaker != "Jane Smith" {
		t.Errorf("speaker = %q", quotes[0].Speaker)
	}

	events, _ := st.EventsForArticle(id)
	if len(events) != 1 || events[0].Name != "Acme breach" {
		t.Errorf("events = %v", events)
	}
}

func TestRun_Idempotent(t *testing.T) {
	st := newTestStore(t)
	id := insertBreachArticle(t, st)

	chat := &stubChat{responses: []string{entityJSON(id), companyJSON(id)}}
	enricher := New(st, chat, nil, DefaultConfig())
	if _, err := enricher.Run(context.Background()); err != nil {
		t.Fatalf("first run failed: %v", err)
	}
	firstCalls := len(chat.prompts)

	// Second run: the backlog is drained, so nothing is re-extracted.
	stats, err := enricher.Run(context.Background())
	if err != nil {
		t.Fatalf("second run failed: %v", err)
	}
	if len(chat.prompts) != firstCalls {
		t.Errorf("chat called again on a drained backlog: %d -> %d", firstCalls, len(chat.prompts))
	}
	if stats.EntityArticles != 0 || stats.CVEMentions != 0 || stats.Quotes != 0 {
		t.Errorf("second run stats = %+v, want zero", stats)
	}

	entities, _ := st.EntitiesForArticle(id)
	if len(entities) != 3 {
		t.Errorf("entities = %d after second run, want 3", len(entities))
	}
	// Mention counters stay where the first run left them.
	ent, _ := st.EntityByID(entities[0].EntityID)
	if ent.MentionCount != 1 {
		t.Errorf("mention count = %d, want 1", ent.MentionCount)
	}
	quotes, _ := st.QuotesForArticle(id)
	if len(quotes) != 1 {
		t.Errorf("quotes = %d after second run, want 1", len(quotes))
	}
}

func TestRun_RefreshesCVEMetadata(t *testing.T) {
	st := newTestStore(t)
	id := insertBreachArticle(t, st)
	if err := st.InsertArticleCVE(nil, id, "CVE-2024-12345", time.Now()); err != nil {
		t.Fatalf("InsertArticleCVE failed: %v", err)
	}

	fetcher := &stubFetcher{}
	cfg := DefaultConfig()
	cfg.CVERequestDelay = 0
	stats, err := New(st, nil, fetcher, cfg).Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if stats.CVERefreshed != 1 {
		t.Errorf("refreshed = %d, want 1", stats.CVERefreshed)
	}
	if len(fetcher.calls) != 1 || fetcher.calls[0] != "CVE-2024-12345" {
		t.Errorf("fetcher calls = %v", fetcher.calls)
	}

	// Fresh metadata is not refetched.
	stale, _ := st.CVEsNeedingRefresh(cfg.CVERefreshAge)
	if len(stale) != 0 {
		t.Errorf("stale CVEs after refresh = %v", stale)
	}
}

func TestRun_FailedFetchLeavesCVEDue(t *testing.T) {
	st := newTestStore(t)
	id := insertBreachArticle(t, st)
	if err := st.InsertArticleCVE(nil, id, "CVE-2024-12345", time.Now()); err != nil {
		t.Fatalf("InsertArticleCVE failed: %v", err)
	}

	fetcher := &stubFetcher{err: fmt.Errorf("service down")}
	cfg := DefaultConfig()
	cfg.CVERequestDelay = 0
	stats, err := New(st, nil, fetcher, cfg).Run(context.Background())
	if err != nil {
		t.Fatalf("Run should not fail on a fetch error: %v", err)
	}
	if stats.CVERefreshed != 0 {
		t.Errorf("refreshed = %d, want 0", stats.CVERefreshed)
	}
	stale, _ := st.CVEsNeedingRefresh(cfg.CVERefreshAge)
	if len(stale) != 1 {
		t.Errorf("CVE should stay due after a failed fetch: %v", stale)
	}
}

func TestClassifyReference(t *testing.T) {
	if r := classifyReference("not a url"); r.URL != "" {
		t.Errorf("junk should come back empty, got %+v", r)
	}
	if r := classifyReference("https://www.cve.org/CVERecord?id=CVE-2024-1"); r.Type != "advisory" {
		t.Errorf("cve.org should classify as advisory, got %q", r.Type)
	}
}

func TestTruncate_RuneBoundary(t *testing.T) {
	s := "攻撃者はゼロデイ脆弱性を悪用した"
	for n := 1; n < len(s); n++ {
		if out := truncate(s, n); !utf8.ValidString(out) {
			t.Fatalf("truncate(%q, %d) = %q, invalid UTF-8", s, n, out)
		}
	}
	if out := truncate("ascii only", 100); out != "ascii only" {
		t.Errorf("truncate = %q, want passthrough", out)
	}
}
