// Package ingest runs scrapers concurrently and persists what they find.
package ingest

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/sync/errgroup"

	"newsdesk/internal/core"
	"newsdesk/internal/logger"
	"newsdesk/internal/store"
)

// DefaultWorkers bounds how many scrapers run at once.
const DefaultWorkers = 5

// Scraper produces raw articles from one news source.
type Scraper interface {
	Name() string
	Scrape(ctx context.Context) ([]core.RawArticle, error)
}

// Stats summarizes one ingest pass.
type Stats struct {
	Scraped    int
	Inserted   int
	Duplicates int
	Failed     int // scrapers that returned an error
}

// Runner fans scrapers out over a bounded worker pool and stores their
// output. Duplicate links are counted, not treated as errors.
type Runner struct {
	store    *store.Store
	scrapers []Scraper
	workers  int
}

// NewRunner builds a Runner with the given concurrency. workers <= 0 means
// DefaultWorkers.
func NewRunner(st *store.Store, workers int) *Runner {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	return &Runner{store: st, workers: workers}
}

// Register adds a scraper to the pool.
func (r *Runner) Register(s Scraper) {
	r.scrapers = append(r.scrapers, s)
}

// Scrapers returns the registered scraper names.
func (r *Runner) Scrapers() []string {
	names := make([]string, len(r.scrapers))
	for i, s := range r.scrapers {
		names[i] = s.Name()
	}
	return names
}

// Run executes every registered scraper. A failing scraper is logged and
// counted; it never aborts the others.
func (r *Runner) Run(ctx context.Context) (Stats, error) {
	var (
		mu    sync.Mutex
		stats Stats
	)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(r.workers)
	for _, s := range r.scrapers {
		g.Go(func() error {
			articles, err := s.Scrape(ctx)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				stats.Failed++
				logger.Error("scraper failed", err, "scraper", s.Name())
				return nil
			}
			stats.Scraped += len(articles)
			for _, raw := range articles {
				if raw.Link == "" {
					continue
				}
				_, created, err := r.store.InsertArticle(nil, raw)
				if err != nil {
					logger.Error("article insert failed", err, "link", raw.Link)
					continue
				}
				if created {
					stats.Inserted++
				} else {
					stats.Duplicates++
				}
			}
			logger.Info("scraper finished", "scraper", s.Name(), "articles", len(articles))
			return nil
		})
	}
	err := g.Wait()
	return stats, err
}

// SiteScraper scrapes a listing page for article links and then fetches and
// extracts each article.
type SiteScraper struct {
	SourceName   string
	IndexURL     string
	LinkSelector string // anchors on the index page pointing at articles
	MaxArticles  int    // 0 means no cap
	Client       *http.Client
}

// NewSiteScraper builds a scraper for one site with a 30s HTTP timeout.
func NewSiteScraper(source, indexURL, linkSelector string, maxArticles int) *SiteScraper {
	return &SiteScraper{
		SourceName:   source,
		IndexURL:     indexURL,
		LinkSelector: linkSelector,
		MaxArticles:  maxArticles,
		Client:       &http.Client{Timeout: 30 * time.Second},
	}
}

func (s *SiteScraper) Name() string { return s.SourceName }

// Scrape loads the index page, follows each article link, and extracts the
// readable content. Articles that fail to fetch are skipped.
func (s *SiteScraper) Scrape(ctx context.Context) ([]core.RawArticle, error) {
	indexHTML, err := fetchPage(ctx, s.Client, s.IndexURL)
	if err != nil {
		return nil, fmt.Errorf("fetch index: %w", err)
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(indexHTML))
	if err != nil {
		return nil, fmt.Errorf("parse index: %w", err)
	}

	var links []string
	seen := make(map[string]bool)
	doc.Find(s.LinkSelector).EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		href, ok := sel.Attr("href")
		if !ok || href == "" {
			return true
		}
		href = absoluteURL(s.IndexURL, href)
		if !seen[href] {
			seen[href] = true
			links = append(links, href)
		}
		return s.MaxArticles <= 0 || len(links) < s.MaxArticles
	})

	var articles []core.RawArticle
	for _, link := range links {
		if err := ctx.Err(); err != nil {
			return articles, err
		}
		html, err := fetchPage(ctx, s.Client, link)
		if err != nil {
			logger.Warn("article fetch failed", "link", link, "error", err.Error())
			continue
		}
		title, content, published := ExtractArticle(html)
		if title == "" || content == "" {
			continue
		}
		articles = append(articles, core.RawArticle{
			Link:        link,
			Title:       title,
			Content:     content,
			PublishedAt: published,
			Source:      s.SourceName,
		})
	}
	return articles, nil
}

// ExtractArticle pulls the title, readable body text, and publication time
// out of an article page.
func ExtractArticle(html string) (title, content string, published time.Time) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", "", time.Time{}
	}

	title = extractTitle(doc)
	published = extractPublished(doc)

	doc.Find("script, style, nav, footer, header, aside, form, iframe, noscript").Remove()

	var b strings.Builder
	for _, selector := range []string{"article", "main", "[role='main']", ".article-body", ".post-content", "body"} {
		doc.Find(selector).First().Find("p, h2, h3, li, blockquote").Each(func(_ int, item *goquery.Selection) {
			text := strings.TrimSpace(item.Text())
			if text != "" {
				b.WriteString(text)
				b.WriteString("\n\n")
			}
		})
		if b.Len() > 0 {
			break
		}
	}
	content = strings.TrimSpace(b.String())
	return title, content, published
}

func extractTitle(doc *goquery.Document) string {
	if og, ok := doc.Find("meta[property='og:title']").Attr("content"); ok && og != "" {
		return strings.TrimSpace(og)
	}
	if t := strings.TrimSpace(doc.Find("head title").First().Text()); t != "" {
		return t
	}
	return strings.TrimSpace(doc.Find("h1").First().Text())
}

func extractPublished(doc *goquery.Document) time.Time {
	candidates := []string{
		doc.Find("meta[property='article:published_time']").AttrOr("content", ""),
		doc.Find("time[datetime]").AttrOr("datetime", ""),
	}
	for _, raw := range candidates {
		if raw == "" {
			continue
		}
		if t, err := core.ParseTime(raw); err == nil {
			return t
		}
	}
	return time.Time{}
}

func fetchPage(ctx context.Context, client *http.Client, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch %s: status %d", url, resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	return string(body), nil
}

// absoluteURL resolves href against the index page URL when it is relative.
func absoluteURL(base, href string) string {
	if strings.HasPrefix(href, "http://") || strings.HasPrefix(href, "https://") {
		return href
	}
	base = strings.TrimSuffix(base, "/")
	if strings.HasPrefix(href, "/") {
		if i := strings.Index(base, "://"); i >= 0 {
			if j := strings.Index(base[i+3:], "/"); j >= 0 {
				return base[:i+3+j] + href
			}
		}
		return base + href
	}
	return base + "/" + href
}
