package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"newsdesk/internal/config"
	"newsdesk/internal/core"
	"newsdesk/internal/store"
)

func newTestServer(t *testing.T) (*Server, *store.Store) {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "news.db"))
	if err != nil {
		t.Fatalf("store.New failed: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return New(st, config.Server{Host: "127.0.0.1", Port: 0}), st
}

func seedGroup(t *testing.T, st *store.Store) (int64, int64) {
	t.Helper()
	groupID, err := st.CreateGroup(nil, "Cybersecurity & Data Privacy", "", "Acme breach", "Coverage of the Acme incident", 0.8)
	if err != nil {
		t.Fatalf("CreateGroup failed: %v", err)
	}
	articleID, _, err := st.InsertArticle(nil, core.RawArticle{
		Link:        "https://example.com/breach",
		Title:       "Acme Corp breach",
		Content:     "Acme Corp disclosed a breach tracked as CVE-2024-12345.",
		PublishedAt: time.Now().Add(-2 * time.Hour),
		Source:      "example",
	})
	if err != nil {
		t.Fatalf("InsertArticle failed: %v", err)
	}
	if err := st.MoveArticleToGroup(nil, articleID, groupID); err != nil {
		t.Fatalf("MoveArticleToGroup failed: %v", err)
	}
	return groupID, articleID
}

func get(t *testing.T, s *Server, path string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	var body map[string]any
	if rec.Body.Len() > 0 {
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatalf("invalid JSON from %s: %v", path, err)
		}
	}
	return rec, body
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(t)
	rec, body := get(t, s, "/health")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if body["status"] != "ok" {
		t.Errorf("body = %v", body)
	}
}

func TestCategoryGroups(t *testing.T) {
	s, st := newTestServer(t)
	seedGroup(t, st)

	rec, _ := get(t, s, "/api/category_groups")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing category: status = %d, want 400", rec.Code)
	}

	rec, body := get(t, s, "/api/category_groups?category=Cybersecurity+%26+Data+Privacy&hours=24")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	groups, ok := body["groups"].([]any)
	if !ok || len(groups) != 1 {
		t.Fatalf("groups = %v", body["groups"])
	}
	group := groups[0].(map[string]any)
	if group["group_label"] != "Acme breach" {
		t.Errorf("label = %v", group["group_label"])
	}
	articles := group["articles"].([]any)
	if len(articles) != 1 {
		t.Fatalf("articles = %v", articles)
	}
	preview := articles[0].(map[string]any)["preview"].(string)
	if len(preview) > 300 || preview == "" {
		t.Errorf("preview = %q", preview)
	}
}

func TestCategoryGroups_UnknownCategoryNormalizes(t *testing.T) {
	s, _ := newTestServer(t)
	rec, body := get(t, s, "/api/category_groups?category=nonsense")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if body["category"] != "Other" {
		t.Errorf("category = %v, want Other", body["category"])
	}
	if groups := body["groups"].([]any); len(groups) != 0 {
		t.Errorf("groups = %v, want empty list", groups)
	}
}

func TestHomeGroups(t *testing.T) {
	s, st := newTestServer(t)
	seedGroup(t, st)

	rec, body := get(t, s, "/api/home_groups")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	categories := body["categories"].(map[string]any)
	if _, ok := categories["Cybersecurity & Data Privacy"]; !ok {
		t.Errorf("categories = %v", categories)
	}
}

func TestHomeGroups_TopThreePerCategory(t *testing.T) {
	s, st := newTestServer(t)
	for i := 0; i < 5; i++ {
		groupID, err := st.CreateGroup(nil, "Cybersecurity & Data Privacy", "", fmt.Sprintf("Incident %d", i), "", 0.8)
		if err != nil {
			t.Fatalf("CreateGroup failed: %v", err)
		}
		articleID, _, err := st.InsertArticle(nil, core.RawArticle{
			Link:        fmt.Sprintf("https://example.com/incident-%d", i),
			Title:       fmt.Sprintf("Incident %d", i),
			Content:     "Another disclosure.",
			PublishedAt: time.Now().Add(-time.Hour),
			Source:      "example",
		})
		if err != nil {
			t.Fatalf("InsertArticle failed: %v", err)
		}
		if err := st.MoveArticleToGroup(nil, articleID, groupID); err != nil {
			t.Fatalf("MoveArticleToGroup failed: %v", err)
		}
	}

	rec, body := get(t, s, "/api/home_groups")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	categories := body["categories"].(map[string]any)
	groups, ok := categories["Cybersecurity & Data Privacy"].([]any)
	if !ok {
		t.Fatalf("categories = %v", categories)
	}
	if len(groups) != 3 {
		t.Errorf("home view has %d groups in the category, want the top 3", len(groups))
	}
}

func TestGroupByID(t *testing.T) {
	s, st := newTestServer(t)
	groupID, articleID := seedGroup(t, st)

	rec, body := get(t, s, fmt.Sprintf("/api/groups/%d", groupID))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	ids := body["article_ids"].([]any)
	if len(ids) != 1 || int64(ids[0].(float64)) != articleID {
		t.Errorf("article_ids = %v", ids)
	}

	rec, _ = get(t, s, "/api/groups/99999")
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing group: status = %d, want 404", rec.Code)
	}
	rec, _ = get(t, s, "/api/groups/abc")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad id: status = %d, want 400", rec.Code)
	}
}

func TestArticleByID(t *testing.T) {
	s, st := newTestServer(t)
	_, articleID := seedGroup(t, st)

	rec, body := get(t, s, fmt.Sprintf("/api/articles/%d", articleID))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	article := body["article"].(map[string]any)
	if article["title"] != "Acme Corp breach" {
		t.Errorf("article = %v", article)
	}

	rec, _ = get(t, s, "/api/articles/99999")
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing article: status = %d, want 404", rec.Code)
	}
}

func TestTrending(t *testing.T) {
	s, st := newTestServer(t)
	_, articleID := seedGroup(t, st)

	trendID, err := st.CreateTrend(nil, "Cybersecurity & Data Privacy", "Acme fallout", "summary", 8, 0.9)
	if err != nil {
		t.Fatalf("CreateTrend failed: %v", err)
	}
	if _, err := st.AddArticleToTrend(nil, trendID, articleID); err != nil {
		t.Fatalf("AddArticleToTrend failed: %v", err)
	}

	rec, body := get(t, s, "/api/trending")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	trends := body["trends"].([]any)
	if len(trends) != 1 {
		t.Fatalf("trends = %v", trends)
	}
	trend := trends[0].(map[string]any)
	if trend["trend_label"] != "Acme fallout" {
		t.Errorf("trend = %v", trend)
	}

	rec, body = get(t, s, "/api/trending?category=Other")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if trends := body["trends"].([]any); len(trends) != 0 {
		t.Errorf("filtered trends = %v, want empty list", trends)
	}
}

func TestTrending_SmallLimitStillServesMinimum(t *testing.T) {
	s, st := newTestServer(t)
	for i := 0; i < 7; i++ {
		if _, err := st.CreateTrend(nil, "Cybersecurity & Data Privacy", fmt.Sprintf("Trend %d", i), "summary", float64(i+1), 0.9); err != nil {
			t.Fatalf("CreateTrend failed: %v", err)
		}
	}

	rec, body := get(t, s, "/api/trending?limit=2")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	trendRows := body["trends"].([]any)
	if len(trendRows) != 6 {
		t.Errorf("trends = %d, want the floor of 6 despite limit=2", len(trendRows))
	}

	// Above the floor the requested limit still applies.
	rec, body = get(t, s, "/api/trending?limit=7")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if trendRows := body["trends"].([]any); len(trendRows) != 7 {
		t.Errorf("trends = %d, want 7", len(trendRows))
	}
}

func TestTrendingEntities(t *testing.T) {
	s, st := newTestServer(t)
	_, articleID := seedGroup(t, st)

	entityID, err := st.UpsertEntity(nil, "Acme Corp", "organization", "")
	if err != nil {
		t.Fatalf("UpsertEntity failed: %v", err)
	}
	if _, err := st.LinkEntityToArticle(nil, articleID, entityID, 0.9, ""); err != nil {
		t.Fatalf("LinkEntityToArticle failed: %v", err)
	}

	rec, body := get(t, s, "/api/trending_entities?hours=48")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	entities := body["entities"].([]any)
	if len(entities) != 1 {
		t.Fatalf("entities = %v", entities)
	}
	if entities[0].(map[string]any)["entity_name"] != "Acme Corp" {
		t.Errorf("entities = %v", entities)
	}
}

func TestCVETable(t *testing.T) {
	s, st := newTestServer(t)
	_, articleID := seedGroup(t, st)
	if err := st.InsertArticleCVE(nil, articleID, "CVE-2024-12345", time.Now().Add(-2*time.Hour)); err != nil {
		t.Fatalf("InsertArticleCVE failed: %v", err)
	}

	rec, body := get(t, s, "/api/cve_table?hours=48")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	cves := body["cves"].([]any)
	if len(cves) != 1 {
		t.Fatalf("cves = %v", cves)
	}
	row := cves[0].(map[string]any)
	if row["cve_id"] != "CVE-2024-12345" {
		t.Errorf("row = %v", row)
	}
	// No metadata fetched yet: score stays null rather than zero.
	if row["base_score"] != nil {
		t.Errorf("base_score = %v, want null", row["base_score"])
	}
}
